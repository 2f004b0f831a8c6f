// scheduler.go — фоновые циклы синхронизации.
//
// Два цикла: инкрементальный и полного обхода. Каждый вычисляет время
// до следующего запуска по sync_state:
//
//	remaining = interval - (now - lastSuccess)
//
// remaining <= 0 → SyncPeriodic, иначе ожидание min(remaining, PollInterval).
// Цикл обхода работает только при недоступной Activity API, инкрементальный —
// только при доступной; иначе цикл ждёт PollInterval.
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bigkaa/goartstore/catalog-sync/internal/domain/model"
)

// Syncer — операции оркестратора, которые вызывает планировщик.
type Syncer interface {
	SyncInitial(ctx context.Context) (*model.SyncResult, error)
	SyncCrawl(ctx context.Context) (*model.SyncResult, error)
	SyncPeriodic(ctx context.Context) (*model.SyncResult, error)
}

// InitialSync — синхронизация перед запуском циклов.
type InitialSync int

const (
	// InitialNone — циклы запускаются сразу
	InitialNone InitialSync = iota
	// InitialDefault — SyncInitial: bootstrap или инкрементальная синхронизация
	InitialDefault
	// InitialCrawl — SyncCrawl: полный обход (CS_SYNC_CRAWL_ON_STARTUP)
	InitialCrawl
)

func (i InitialSync) String() string {
	switch i {
	case InitialDefault:
		return "default"
	case InitialCrawl:
		return "crawl"
	}
	return "none"
}

// StateReader — чтение sync_state.
type StateReader interface {
	Get(ctx context.Context) (*model.SyncState, error)
}

// SchedulerConfig — параметры планировщика.
type SchedulerConfig struct {
	IncrementalInterval time.Duration
	CrawlInterval       time.Duration
	PollInterval        time.Duration
	// Now — источник времени (по умолчанию time.Now в UTC)
	Now func() time.Time
}

// Scheduler запускает синхронизацию по расписанию.
type Scheduler struct {
	syncer Syncer
	state  StateReader
	cfg    SchedulerConfig
	now    func() time.Time
	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler создаёт планировщик.
func NewScheduler(syncer Syncer, state StateReader, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	return &Scheduler{
		syncer: syncer,
		state:  state,
		cfg:    cfg,
		now:    now,
		logger: logger.With(slog.String("component", "scheduler")),
	}
}

// loopSpec описывает один цикл планировщика.
type loopSpec struct {
	name     string
	interval time.Duration
	// active — цикл работает при текущем состоянии
	active func(st *model.SyncState) bool
	// last — время последней успешной синхронизации цикла
	last func(st *model.SyncState) *time.Time
}

// loops возвращает описание инкрементального цикла и цикла обхода.
func (s *Scheduler) loops() []loopSpec {
	return []loopSpec{
		{
			name:     model.SyncMethodIncremental,
			interval: s.cfg.IncrementalInterval,
			active:   func(st *model.SyncState) bool { return st.IncrementalAvailable },
			last:     func(st *model.SyncState) *time.Time { return st.LastIncrementalSync },
		},
		{
			name:     model.SyncMethodCrawl,
			interval: s.cfg.CrawlInterval,
			active:   func(st *model.SyncState) bool { return !st.IncrementalAvailable },
			last:     func(st *model.SyncState) *time.Time { return st.LastCrawlSync },
		},
	}
}

// Start запускает циклы, предварительно выполнив начальную синхронизацию initial.
// Вызывается один раз при старте приложения.
func (s *Scheduler) Start(ctx context.Context, initial InitialSync) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if initial != InitialNone {
			s.runInitial(ctx, initial)
		}
		if ctx.Err() != nil {
			return
		}

		s.logger.Info("Планировщик синхронизации запущен",
			slog.String("incremental_interval", s.cfg.IncrementalInterval.String()),
			slog.String("crawl_interval", s.cfg.CrawlInterval.String()),
			slog.String("poll_interval", s.cfg.PollInterval.String()),
		)

		for _, l := range s.loops() {
			s.wg.Add(1)
			go func(l loopSpec) {
				defer s.wg.Done()
				s.loop(ctx, l)
			}(l)
		}
	}()
}

// Stop останавливает циклы и ждёт их завершения.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) runInitial(ctx context.Context, initial InitialSync) {
	s.logger.Info("Начальная синхронизация", slog.String("mode", initial.String()))
	run := s.syncer.SyncInitial
	if initial == InitialCrawl {
		run = s.syncer.SyncCrawl
	}
	result, err := run(ctx)
	if err != nil {
		s.logger.Error("Ошибка начальной синхронизации", slog.String("error", err.Error()))
		return
	}
	s.logResult("Начальная синхронизация завершена", result)
}

func (s *Scheduler) loop(ctx context.Context, l loopSpec) {
	logger := s.logger.With(slog.String("loop", l.name))
	defer logger.Info("Цикл синхронизации остановлен")

	for {
		wait := s.step(ctx, l, logger)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// step выполняет одну итерацию цикла и возвращает паузу до следующей.
func (s *Scheduler) step(ctx context.Context, l loopSpec, logger *slog.Logger) time.Duration {
	st, err := s.state.Get(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("Ошибка чтения sync_state", slog.String("error", err.Error()))
		}
		return s.cfg.PollInterval
	}
	if !l.active(st) {
		return s.cfg.PollInterval
	}

	if remaining := s.remaining(l.last(st), l.interval); remaining > 0 {
		return min(remaining, s.cfg.PollInterval)
	}

	result, err := s.syncer.SyncPeriodic(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logger.Error("Ошибка синхронизации", slog.String("error", err.Error()))
		}
		return s.cfg.PollInterval
	}
	s.logResult("Шаг синхронизации завершён", result)

	if result.Status == model.ResultSkipped || result.Status == model.ResultAlreadyInProgress {
		return s.cfg.PollInterval
	}
	// После попытки (успешной или нет) следующая — через полный интервал
	return l.interval
}

// remaining — время до следующего запуска; nil — запуск сейчас.
func (s *Scheduler) remaining(last *time.Time, interval time.Duration) time.Duration {
	if last == nil {
		return 0
	}
	return interval - s.now().Sub(*last)
}

func (s *Scheduler) logResult(msg string, r *model.SyncResult) {
	attrs := []any{
		slog.String("status", r.Status),
		slog.String("method", r.Method),
	}
	if r.Error != "" {
		attrs = append(attrs, slog.String("error", r.Error))
	}
	level := slog.LevelInfo
	switch r.Status {
	case model.ResultSkipped, model.ResultAlreadyInProgress:
		level = slog.LevelDebug
	case model.SyncStatusError:
		level = slog.LevelWarn
	}
	s.logger.Log(context.Background(), level, msg, attrs...)
}
