// orchestrator.go — выбор метода синхронизации и протокол bootstrap.
//
// SyncInitial:
//   - каталог пуст → bootstrap: полный обход параллельно со сборщиком событий,
//     затем применение собранных событий и сохранение курсора
//   - каталог не пуст → одна инкрементальная синхронизация
//
// SyncCrawl — принудительный полный обход (CS_SYNC_CRAWL_ON_STARTUP);
// пустой каталог заполняется через bootstrap.
//
// SyncPeriodic:
//   - Activity API доступна → инкрементальная синхронизация (по интервалу)
//   - Activity API недоступна → полный обход (по интервалу)
//
// Взаимоисключение — флаг sync_in_progress в sync_state (атомарный условный UPDATE).
//
// Prometheus-метрики:
//   - catalog_sync_runs_total — попытки синхронизации (по методу и статусу)
//   - catalog_sync_run_duration_seconds — длительность синхронизации
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/bigkaa/goartstore/catalog-sync/internal/domain/model"
	"github.com/bigkaa/goartstore/catalog-sync/internal/repository"
)

// FailureThreshold — число подряд идущих ошибок, после которого метод
// считается недоступным.
const FailureThreshold = 3

// Prometheus-метрики оркестратора.
var (
	syncRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_sync_runs_total",
		Help: "Количество попыток синхронизации каталога",
	}, []string{"method", "status"})

	syncRunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "catalog_sync_run_duration_seconds",
		Help:    "Длительность синхронизации каталога",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
	}, []string{"method"})
)

// Crawler — полный обход.
type Crawler interface {
	Run(ctx context.Context) (*model.CrawlResult, error)
}

// EventApplier — применение событий Activity API.
type EventApplier interface {
	Process(ctx context.Context, events []model.Event, method string) (*model.EventStats, error)
}

// EventFeed — лента событий Nextcloud.
type EventFeed interface {
	FetchEventsSince(ctx context.Context, since time.Time) ([]model.Event, error)
	ProbeIncrementalFeed(ctx context.Context) error
}

// CatalogCounter — проверка пустоты каталога.
type CatalogCounter interface {
	Count(ctx context.Context) (int, error)
}

// OrchestratorConfig — параметры оркестратора.
type OrchestratorConfig struct {
	IncrementalInterval    time.Duration
	CrawlInterval          time.Duration
	CollectorInterval      time.Duration
	CollectorMaxIterations int
	// Now — источник времени (по умолчанию time.Now в UTC)
	Now func() time.Time
}

// Orchestrator выбирает метод синхронизации и ведёт состояние в sync_state.
type Orchestrator struct {
	feed    EventFeed
	crawler Crawler
	events  EventApplier
	catalog CatalogCounter
	state   repository.SyncStateRepository
	cache   *EventCache
	cfg     OrchestratorConfig
	now     func() time.Time
	logger  *slog.Logger
}

// NewOrchestrator создаёт оркестратор синхронизации.
func NewOrchestrator(
	feed EventFeed,
	crawler Crawler,
	events EventApplier,
	catalog CatalogCounter,
	state repository.SyncStateRepository,
	cache *EventCache,
	cfg OrchestratorConfig,
	logger *slog.Logger,
) *Orchestrator {
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.CollectorInterval <= 0 {
		cfg.CollectorInterval = 5 * time.Second
	}
	return &Orchestrator{
		feed:    feed,
		crawler: crawler,
		events:  events,
		catalog: catalog,
		state:   state,
		cache:   cache,
		cfg:     cfg,
		now:     now,
		logger:  logger.With(slog.String("component", "orchestrator")),
	}
}

// SyncInitial выполняет начальную синхронизацию при старте сервиса.
// Ошибка возвращается только при сбое хранилища состояния; ошибки методов
// отражаются в SyncResult и sync_state.
func (o *Orchestrator) SyncInitial(ctx context.Context) (*model.SyncResult, error) {
	acquired, err := o.state.TryAcquire(ctx)
	if err != nil {
		return nil, err
	}
	if !acquired {
		o.logger.Info("Синхронизация уже выполняется, начальная синхронизация пропущена")
		return &model.SyncResult{Status: model.ResultAlreadyInProgress}, nil
	}
	defer o.release(ctx)

	count, err := o.catalog.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("проверка пустоты каталога: %w", err)
	}
	if count == 0 {
		return o.bootstrap(ctx)
	}

	st, err := o.state.Get(ctx)
	if err != nil {
		return nil, err
	}
	since := st.LastIncrementalSync
	if since == nil {
		since = st.CrawlBootstrapStart
	}
	if since == nil {
		// Каталог заполнен, но курсора нет — сверяем полным обходом
		o.logger.Info("Курсор инкрементальной синхронизации отсутствует, выполняется полный обход")
		return o.runCrawl(ctx)
	}
	return o.runIncremental(ctx, *since)
}

// SyncCrawl выполняет полный обход независимо от курсора и доступности
// Activity API. Пустой каталог заполняется через bootstrap.
func (o *Orchestrator) SyncCrawl(ctx context.Context) (*model.SyncResult, error) {
	acquired, err := o.state.TryAcquire(ctx)
	if err != nil {
		return nil, err
	}
	if !acquired {
		o.logger.Info("Синхронизация уже выполняется, полный обход пропущен")
		return &model.SyncResult{Status: model.ResultAlreadyInProgress}, nil
	}
	defer o.release(ctx)

	count, err := o.catalog.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("проверка пустоты каталога: %w", err)
	}
	if count == 0 {
		return o.bootstrap(ctx)
	}
	return o.runCrawl(ctx)
}

// RecoverLock сбрасывает sync_in_progress, оставшийся после аварийной
// остановки процесса. Вызывается один раз до запуска планировщика.
// Возвращает true, если флаг был установлен.
func (o *Orchestrator) RecoverLock(ctx context.Context) (bool, error) {
	st, err := o.state.Get(ctx)
	if err != nil {
		return false, err
	}
	if !st.SyncInProgress {
		return false, nil
	}
	if err := o.state.Release(ctx); err != nil {
		return false, err
	}
	o.logger.Warn("Сброшен флаг sync_in_progress предыдущего запуска")
	return true, nil
}

// SyncPeriodic выполняет очередной шаг синхронизации по состоянию sync_state.
func (o *Orchestrator) SyncPeriodic(ctx context.Context) (*model.SyncResult, error) {
	st, err := o.state.Get(ctx)
	if err != nil {
		return nil, err
	}
	if st.SyncInProgress {
		return &model.SyncResult{Status: model.ResultAlreadyInProgress}, nil
	}

	now := o.now()
	crawl := !st.IncrementalAvailable
	if crawl && !due(st.LastCrawlSync, o.cfg.CrawlInterval, now) {
		return &model.SyncResult{Status: model.ResultSkipped, Method: model.SyncMethodCrawl}, nil
	}
	if !crawl && !due(st.LastIncrementalSync, o.cfg.IncrementalInterval, now) {
		return &model.SyncResult{Status: model.ResultSkipped, Method: model.SyncMethodIncremental}, nil
	}

	acquired, err := o.state.TryAcquire(ctx)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return &model.SyncResult{Status: model.ResultAlreadyInProgress}, nil
	}
	defer o.release(ctx)

	if crawl {
		return o.runCrawl(ctx)
	}
	return o.runIncremental(ctx, incrementalCursor(st))
}

// due — прошёл ли интервал с момента last (nil — ещё ни разу).
func due(last *time.Time, interval time.Duration, now time.Time) bool {
	return last == nil || now.Sub(*last) >= interval
}

// incrementalCursor возвращает курсор инкрементальной синхронизации.
func incrementalCursor(st *model.SyncState) time.Time {
	switch {
	case st.LastIncrementalSync != nil:
		return *st.LastIncrementalSync
	case st.CrawlBootstrapStart != nil:
		return *st.CrawlBootstrapStart
	case st.LastCrawlSync != nil:
		return *st.LastCrawlSync
	}
	return time.Time{}
}

// release сбрасывает sync_in_progress даже после отмены контекста.
func (o *Orchestrator) release(ctx context.Context) {
	if err := o.state.Release(context.WithoutCancel(ctx)); err != nil {
		o.logger.Error("Ошибка сброса sync_in_progress", slog.String("error", err.Error()))
	}
}

// --- Инкрементальная синхронизация ---

func (o *Orchestrator) runIncremental(ctx context.Context, since time.Time) (*model.SyncResult, error) {
	timer := prometheus.NewTimer(syncRunDuration.WithLabelValues(model.SyncMethodIncremental))
	defer timer.ObserveDuration()

	result := &model.SyncResult{Method: model.SyncMethodIncremental}

	if err := o.feed.ProbeIncrementalFeed(ctx); err != nil {
		return o.incrementalFailed(ctx, result, fmt.Errorf("Activity API недоступна: %w", err))
	}

	fetchTime := o.now()
	events, err := o.feed.FetchEventsSince(ctx, since)
	if err != nil {
		return o.incrementalFailed(ctx, result, fmt.Errorf("получение событий: %w", err))
	}
	result.EventsCollected = len(events)

	stats, err := o.events.Process(ctx, events, model.SyncMethodIncremental)
	result.Events = stats
	if err != nil {
		return o.incrementalFailed(ctx, result, fmt.Errorf("применение событий: %w", err))
	}

	now := o.now()
	if err := o.state.SetIncrementalCursor(ctx, fetchTime); err != nil {
		return nil, err
	}
	if err := o.state.ResetIncrementalFailures(ctx); err != nil {
		return nil, err
	}
	if err := o.state.SetIncrementalAvailable(ctx, true, now); err != nil {
		return nil, err
	}
	if err := o.state.SetOffline(ctx, false, now); err != nil {
		return nil, err
	}
	if err := o.state.RecordResult(ctx, model.SyncStatusSuccess, model.SyncMethodIncremental, nil); err != nil {
		return nil, err
	}

	result.Status = model.SyncStatusSuccess
	result.Cursor = &fetchTime
	syncRunsTotal.WithLabelValues(model.SyncMethodIncremental, model.SyncStatusSuccess).Inc()

	o.logger.Info("Инкрементальная синхронизация завершена",
		slog.Time("since", since),
		slog.Time("cursor", fetchTime),
		slog.Int("events", len(events)),
		slog.Int("errors", len(stats.Errors)),
	)
	return result, nil
}

func (o *Orchestrator) incrementalFailed(ctx context.Context, result *model.SyncResult, syncErr error) (*model.SyncResult, error) {
	result.Status = model.SyncStatusError
	result.Error = syncErr.Error()
	syncRunsTotal.WithLabelValues(model.SyncMethodIncremental, model.SyncStatusError).Inc()

	if ctx.Err() != nil {
		o.logger.Info("Инкрементальная синхронизация прервана", slog.String("error", syncErr.Error()))
		return result, nil
	}

	now := o.now()
	failures, err := o.state.IncrementIncrementalFailures(ctx, FailureThreshold, now)
	if err != nil {
		return nil, err
	}
	if err := o.state.RecordResult(ctx, model.SyncStatusError, model.SyncMethodIncremental, &result.Error); err != nil {
		return nil, err
	}
	offline, err := o.state.EvaluateOffline(ctx, FailureThreshold, now)
	if err != nil {
		return nil, err
	}

	level := slog.LevelWarn
	if failures >= FailureThreshold {
		level = slog.LevelError
	}
	o.logger.Log(ctx, level, "Ошибка инкрементальной синхронизации",
		slog.String("error", syncErr.Error()),
		slog.Int("failures", failures),
		slog.Bool("incremental_available", failures < FailureThreshold),
		slog.Bool("server_offline", offline),
	)
	return result, nil
}

// --- Полный обход ---

func (o *Orchestrator) runCrawl(ctx context.Context) (*model.SyncResult, error) {
	timer := prometheus.NewTimer(syncRunDuration.WithLabelValues(model.SyncMethodCrawl))
	defer timer.ObserveDuration()

	result := &model.SyncResult{Method: model.SyncMethodCrawl}

	crawlRes, err := o.crawler.Run(ctx)
	result.Crawl = crawlRes
	if err != nil {
		return o.crawlFailed(ctx, result, model.SyncMethodCrawl, err)
	}

	available, err := o.crawlSucceeded(ctx, o.now())
	if err != nil {
		return nil, err
	}

	if err := o.state.RecordResult(ctx, model.SyncStatusSuccess, model.SyncMethodCrawl, nil); err != nil {
		return nil, err
	}

	result.Status = model.SyncStatusSuccess
	syncRunsTotal.WithLabelValues(model.SyncMethodCrawl, model.SyncStatusSuccess).Inc()
	o.logger.Info("Полный обход завершён успешно",
		slog.Bool("incremental_available", available),
		slog.Int("folder_errors", len(crawlRes.Errors)),
	)
	return result, nil
}

// crawlSucceeded фиксирует успешный обход: курсор обхода, сброс обоих
// счётчиков ошибок и offline, повторная проверка Activity API.
// Возвращает incremental_available.
func (o *Orchestrator) crawlSucceeded(ctx context.Context, completed time.Time) (bool, error) {
	if err := o.state.SetCrawlCursor(ctx, completed); err != nil {
		return false, err
	}
	if err := o.state.ResetCrawlFailures(ctx); err != nil {
		return false, err
	}
	if err := o.state.ResetIncrementalFailures(ctx); err != nil {
		return false, err
	}
	if err := o.state.SetOffline(ctx, false, completed); err != nil {
		return false, err
	}

	probeErr := o.feed.ProbeIncrementalFeed(ctx)
	if err := o.state.SetIncrementalAvailable(ctx, probeErr == nil, o.now()); err != nil {
		return false, err
	}
	if probeErr != nil {
		o.logger.Debug("Activity API по-прежнему недоступна", slog.String("error", probeErr.Error()))
	}
	return probeErr == nil, nil
}

// crawlFailed учитывает ошибку обхода (метод crawl или bootstrap).
func (o *Orchestrator) crawlFailed(ctx context.Context, result *model.SyncResult, method string, syncErr error) (*model.SyncResult, error) {
	result.Status = model.SyncStatusError
	result.Error = syncErr.Error()
	syncRunsTotal.WithLabelValues(method, model.SyncStatusError).Inc()

	if ctx.Err() != nil {
		o.logger.Info("Полный обход прерван",
			slog.String("method", method),
			slog.String("error", syncErr.Error()),
		)
		return result, nil
	}

	failures, err := o.state.IncrementCrawlFailures(ctx)
	if err != nil {
		return nil, err
	}
	if err := o.state.RecordResult(ctx, model.SyncStatusError, method, &result.Error); err != nil {
		return nil, err
	}
	offline, err := o.state.EvaluateOffline(ctx, FailureThreshold, o.now())
	if err != nil {
		return nil, err
	}

	o.logger.Error("Ошибка полного обхода",
		slog.String("method", method),
		slog.String("error", syncErr.Error()),
		slog.Int("failures", failures),
		slog.Bool("server_offline", offline),
	)
	return result, nil
}

// --- Bootstrap ---

// bootstrap заполняет пустой каталог. Обход и сборщик событий работают
// параллельно; события, возникшие во время обхода, применяются после него.
func (o *Orchestrator) bootstrap(ctx context.Context) (*model.SyncResult, error) {
	timer := prometheus.NewTimer(syncRunDuration.WithLabelValues(model.SyncMethodBootstrap))
	defer timer.ObserveDuration()

	crawlStart := o.now()
	if err := o.state.SetBootstrapStart(ctx, crawlStart); err != nil {
		return nil, err
	}
	o.cache.Clear()
	defer o.cache.Clear()

	o.logger.Info("Bootstrap запущен: каталог пуст", slog.Time("crawl_start", crawlStart))

	// Обход передаёт итог через outcome, а признак успеха сборщику через
	// crawlDone; сборщик пишет только в EventCache
	outcome := make(chan crawlOutcome, 1)
	crawlDone := make(chan bool, 1)

	var g errgroup.Group
	g.Go(func() error {
		res, err := o.crawler.Run(ctx)
		outcome <- crawlOutcome{result: res, err: err, completed: o.now()}
		crawlDone <- err == nil
		return nil
	})
	g.Go(func() error {
		o.collect(ctx, crawlStart, crawlDone)
		return nil
	})
	_ = g.Wait()

	crawl := <-outcome
	crawlRes, crawlErr, crawlCompleted := crawl.result, crawl.err, crawl.completed

	result := &model.SyncResult{
		Method:          model.SyncMethodBootstrap,
		Crawl:           crawlRes,
		EventsCollected: o.cache.Count(),
	}

	if crawlErr != nil {
		return o.crawlFailed(ctx, result, model.SyncMethodBootstrap, crawlErr)
	}

	available, err := o.crawlSucceeded(ctx, crawlCompleted)
	if err != nil {
		return nil, err
	}

	cursor := crawlCompleted
	if !o.cache.IsEmpty() {
		stats, err := o.events.Process(ctx, o.cache.Events(), model.SyncMethodBootstrap)
		result.Events = stats
		switch {
		case err != nil:
			o.logger.Warn("Ошибка применения собранных событий, курсор — окончание обхода",
				slog.String("error", err.Error()),
			)
		default:
			cursor = o.cache.LastFetchTime()
		}
	}

	if err := o.state.SetIncrementalCursor(ctx, cursor); err != nil {
		return nil, err
	}
	if err := o.state.RecordResult(ctx, model.SyncStatusSuccess, model.SyncMethodBootstrap, nil); err != nil {
		return nil, err
	}

	result.Status = model.SyncStatusSuccess
	result.Cursor = &cursor
	syncRunsTotal.WithLabelValues(model.SyncMethodBootstrap, model.SyncStatusSuccess).Inc()

	o.logger.Info("Bootstrap завершён",
		slog.Int("folders", crawlRes.FoldersProcessed),
		slog.Int("images", crawlRes.ImagesProcessed),
		slog.Int("events_collected", result.EventsCollected),
		slog.Bool("incremental_available", available),
		slog.Time("cursor", cursor),
	)
	return result, nil
}

// crawlOutcome — итог обхода в bootstrap.
type crawlOutcome struct {
	result    *model.CrawlResult
	err       error
	completed time.Time
}

// collect собирает события Activity API в кэш, пока идёт обход.
// crawlDone получает одно значение — успех обхода.
func (o *Orchestrator) collect(ctx context.Context, since time.Time, crawlDone <-chan bool) {
	logger := o.logger.With(slog.String("unit", "collector"))

	if err := o.feed.ProbeIncrementalFeed(ctx); err != nil {
		logger.Warn("Activity API недоступна, события во время bootstrap не собираются",
			slog.String("error", err.Error()),
		)
		return
	}

	o.cache.SetLastFetchTime(since)
	fetch := func() {
		fetchTime := o.now()
		events, err := o.feed.FetchEventsSince(ctx, o.cache.LastFetchTime())
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				logger.Warn("Ошибка получения событий", slog.String("error", err.Error()))
			}
			return
		}
		added := o.cache.Add(events, fetchTime)
		if added > 0 {
			logger.Debug("События добавлены в кэш",
				slog.Int("added", added),
				slog.Int("total", o.cache.Count()),
			)
		}
	}

	fetch()

	ticker := time.NewTicker(o.cfg.CollectorInterval)
	defer ticker.Stop()

	var (
		finished bool
		crawlOK  bool
	)
	for i := 0; i < o.cfg.CollectorMaxIterations && !finished; i++ {
		select {
		case <-ctx.Done():
			return
		case crawlOK = <-crawlDone:
			finished = true
		case <-ticker.C:
			fetch()
		}
	}

	if !finished {
		logger.Warn("Достигнут предел итераций сборщика, ожидание окончания обхода",
			slog.Int("max_iterations", o.cfg.CollectorMaxIterations),
		)
		select {
		case <-ctx.Done():
			return
		case crawlOK = <-crawlDone:
		}
	}

	if crawlOK {
		fetch()
	}
}
