package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/bigkaa/goartstore/catalog-sync/internal/domain/model"
)

// SyncStateRepository — интерфейс для таблицы sync_state (одна строка, id = 1).
// Строка создаётся лениво в Get и TryAcquire.
type SyncStateRepository interface {
	// Get возвращает текущее состояние синхронизации.
	Get(ctx context.Context) (*model.SyncState, error)
	// TryAcquire атомарно выставляет sync_in_progress. false — синхронизация уже идёт.
	TryAcquire(ctx context.Context) (bool, error)
	// Release сбрасывает sync_in_progress.
	Release(ctx context.Context) error
	// SetBootstrapStart сохраняет время старта обхода bootstrap.
	SetBootstrapStart(ctx context.Context, t time.Time) error
	// SetIncrementalCursor сохраняет курсор инкрементальной синхронизации.
	SetIncrementalCursor(ctx context.Context, t time.Time) error
	// SetCrawlCursor сохраняет курсор полного обхода.
	SetCrawlCursor(ctx context.Context, t time.Time) error
	// IncrementIncrementalFailures увеличивает счётчик ошибок инкрементальной
	// синхронизации; при достижении threshold тем же запросом выставляет
	// incremental_available = false. Возвращает новое значение счётчика.
	IncrementIncrementalFailures(ctx context.Context, threshold int, at time.Time) (int, error)
	// ResetIncrementalFailures обнуляет счётчик ошибок инкрементальной синхронизации.
	ResetIncrementalFailures(ctx context.Context) error
	// IncrementCrawlFailures увеличивает счётчик ошибок полного обхода.
	IncrementCrawlFailures(ctx context.Context) (int, error)
	// ResetCrawlFailures обнуляет счётчик ошибок полного обхода.
	ResetCrawlFailures(ctx context.Context) error
	// SetIncrementalAvailable выставляет доступность Activity API.
	SetIncrementalAvailable(ctx context.Context, available bool, at time.Time) error
	// EvaluateOffline пересчитывает server_offline по счётчикам и threshold.
	EvaluateOffline(ctx context.Context, threshold int, at time.Time) (bool, error)
	// SetOffline выставляет server_offline.
	SetOffline(ctx context.Context, offline bool, at time.Time) error
	// RecordResult сохраняет итог последней синхронизации.
	RecordResult(ctx context.Context, status, method string, syncErr *string) error
}

// syncStateRepo — реализация SyncStateRepository.
type syncStateRepo struct {
	db DBTX
}

// NewSyncStateRepository создаёт репозиторий состояния синхронизации.
func NewSyncStateRepository(db DBTX) SyncStateRepository {
	return &syncStateRepo{db: db}
}

// ensure создаёт строку состояния, если её ещё нет.
func (r *syncStateRepo) ensure(ctx context.Context) error {
	_, err := r.db.Exec(ctx, `INSERT INTO sync_state (id) VALUES (1) ON CONFLICT (id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("ошибка создания sync_state: %w", err)
	}
	return nil
}

func (r *syncStateRepo) Get(ctx context.Context) (*model.SyncState, error) {
	if err := r.ensure(ctx); err != nil {
		return nil, err
	}

	query := `
		SELECT id, last_incremental_sync, last_crawl_sync, crawl_bootstrap_start,
			incremental_available, incremental_last_check, incremental_failures,
			crawl_failures, server_offline, last_health_check, sync_in_progress,
			last_sync_status, last_sync_method, last_sync_error, created_at, updated_at
		FROM sync_state
		WHERE id = 1`

	s := &model.SyncState{}
	err := r.db.QueryRow(ctx, query).Scan(
		&s.ID, &s.LastIncrementalSync, &s.LastCrawlSync, &s.CrawlBootstrapStart,
		&s.IncrementalAvailable, &s.IncrementalLastCheck, &s.IncrementalFailures,
		&s.CrawlFailures, &s.ServerOffline, &s.LastHealthCheck, &s.SyncInProgress,
		&s.LastSyncStatus, &s.LastSyncMethod, &s.LastSyncError, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения sync_state: %w", err)
	}
	return s, nil
}

func (r *syncStateRepo) TryAcquire(ctx context.Context) (bool, error) {
	if err := r.ensure(ctx); err != nil {
		return false, err
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE sync_state SET sync_in_progress = true, updated_at = NOW()
		WHERE id = 1 AND sync_in_progress = false`)
	if err != nil {
		return false, fmt.Errorf("ошибка захвата sync_in_progress: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// exec выполняет UPDATE единственной строки состояния.
func (r *syncStateRepo) exec(ctx context.Context, what, set string, args ...any) error {
	query := `UPDATE sync_state SET ` + set + `, updated_at = NOW() WHERE id = 1`
	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("ошибка обновления %s: %w", what, err)
	}
	return nil
}

func (r *syncStateRepo) Release(ctx context.Context) error {
	return r.exec(ctx, "sync_in_progress", `sync_in_progress = false`)
}

func (r *syncStateRepo) SetBootstrapStart(ctx context.Context, t time.Time) error {
	return r.exec(ctx, "crawl_bootstrap_start", `crawl_bootstrap_start = $1`, t)
}

func (r *syncStateRepo) SetIncrementalCursor(ctx context.Context, t time.Time) error {
	return r.exec(ctx, "last_incremental_sync", `last_incremental_sync = $1`, t)
}

func (r *syncStateRepo) SetCrawlCursor(ctx context.Context, t time.Time) error {
	return r.exec(ctx, "last_crawl_sync", `last_crawl_sync = $1`, t)
}

func (r *syncStateRepo) IncrementIncrementalFailures(ctx context.Context, threshold int, at time.Time) (int, error) {
	query := `
		UPDATE sync_state SET
			incremental_failures = incremental_failures + 1,
			incremental_available = CASE
				WHEN incremental_failures + 1 >= $1 THEN false
				ELSE incremental_available END,
			incremental_last_check = CASE
				WHEN incremental_failures + 1 >= $1 AND incremental_available THEN $2
				ELSE incremental_last_check END,
			updated_at = NOW()
		WHERE id = 1
		RETURNING incremental_failures`

	var failures int
	if err := r.db.QueryRow(ctx, query, threshold, at).Scan(&failures); err != nil {
		return 0, fmt.Errorf("ошибка обновления incremental_failures: %w", err)
	}
	return failures, nil
}

func (r *syncStateRepo) ResetIncrementalFailures(ctx context.Context) error {
	return r.exec(ctx, "incremental_failures", `incremental_failures = 0`)
}

func (r *syncStateRepo) IncrementCrawlFailures(ctx context.Context) (int, error) {
	query := `
		UPDATE sync_state SET crawl_failures = crawl_failures + 1, updated_at = NOW()
		WHERE id = 1
		RETURNING crawl_failures`

	var failures int
	if err := r.db.QueryRow(ctx, query).Scan(&failures); err != nil {
		return 0, fmt.Errorf("ошибка обновления crawl_failures: %w", err)
	}
	return failures, nil
}

func (r *syncStateRepo) ResetCrawlFailures(ctx context.Context) error {
	return r.exec(ctx, "crawl_failures", `crawl_failures = 0`)
}

func (r *syncStateRepo) SetIncrementalAvailable(ctx context.Context, available bool, at time.Time) error {
	return r.exec(ctx, "incremental_available",
		`incremental_available = $1, incremental_last_check = $2`, available, at)
}

func (r *syncStateRepo) EvaluateOffline(ctx context.Context, threshold int, at time.Time) (bool, error) {
	query := `
		UPDATE sync_state SET
			server_offline = (incremental_failures >= $1 AND crawl_failures >= $1),
			last_health_check = $2,
			updated_at = NOW()
		WHERE id = 1
		RETURNING server_offline`

	var offline bool
	if err := r.db.QueryRow(ctx, query, threshold, at).Scan(&offline); err != nil {
		return false, fmt.Errorf("ошибка оценки server_offline: %w", err)
	}
	return offline, nil
}

func (r *syncStateRepo) SetOffline(ctx context.Context, offline bool, at time.Time) error {
	return r.exec(ctx, "server_offline",
		`server_offline = $1, last_health_check = $2`, offline, at)
}

func (r *syncStateRepo) RecordResult(ctx context.Context, status, method string, syncErr *string) error {
	return r.exec(ctx, "last_sync_status",
		`last_sync_status = $1, last_sync_method = $2, last_sync_error = $3`, status, method, syncErr)
}
