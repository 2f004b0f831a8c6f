// sync_status.go — GET /api/v1/sync/status.
// Снимок строки sync_state и размеры каталога.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	apierrors "github.com/bigkaa/goartstore/catalog-sync/internal/api/errors"
	"github.com/bigkaa/goartstore/catalog-sync/internal/domain/model"
)

// SyncStateReader — чтение состояния синхронизации.
type SyncStateReader interface {
	Get(ctx context.Context) (*model.SyncState, error)
}

// CatalogStatsReader — чтение размеров каталога.
type CatalogStatsReader interface {
	Get(ctx context.Context) (*model.CatalogStats, error)
}

// SyncStatusHandler — обработчик статуса синхронизации.
type SyncStatusHandler struct {
	state  SyncStateReader
	stats  CatalogStatsReader
	logger *slog.Logger
}

// NewSyncStatusHandler создаёт обработчик статуса синхронизации.
func NewSyncStatusHandler(state SyncStateReader, stats CatalogStatsReader, logger *slog.Logger) *SyncStatusHandler {
	return &SyncStatusHandler{
		state:  state,
		stats:  stats,
		logger: logger.With(slog.String("component", "sync_status_handler")),
	}
}

// syncStatusResponse — ответ GET /api/v1/sync/status.
type syncStatusResponse struct {
	LastIncrementalSync  *string            `json:"last_incremental_sync"`
	LastCrawlSync        *string            `json:"last_crawl_sync"`
	CrawlBootstrapStart  *string            `json:"crawl_bootstrap_start"`
	IncrementalAvailable bool               `json:"incremental_available"`
	IncrementalLastCheck *string            `json:"incremental_last_check"`
	IncrementalFailures  int                `json:"incremental_failures"`
	CrawlFailures        int                `json:"crawl_failures"`
	ServerOffline        bool               `json:"server_offline"`
	LastHealthCheck      *string            `json:"last_health_check"`
	SyncInProgress       bool               `json:"sync_in_progress"`
	LastSyncStatus       *string            `json:"last_sync_status"`
	LastSyncMethod       *string            `json:"last_sync_method"`
	LastSyncError        *string            `json:"last_sync_error"`
	UpdatedAt            string             `json:"updated_at"`
	Catalog              model.CatalogStats `json:"catalog"`
}

// GetSyncStatus возвращает снимок состояния синхронизации.
func (h *SyncStatusHandler) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	st, err := h.state.Get(ctx)
	if err != nil {
		h.logger.Error("Ошибка чтения состояния синхронизации", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Не удалось прочитать состояние синхронизации")
		return
	}
	stats, err := h.stats.Get(ctx)
	if err != nil {
		h.logger.Error("Ошибка чтения статистики каталога", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Не удалось прочитать статистику каталога")
		return
	}

	writeJSON(w, http.StatusOK, syncStatusResponse{
		LastIncrementalSync:  formatTime(st.LastIncrementalSync),
		LastCrawlSync:        formatTime(st.LastCrawlSync),
		CrawlBootstrapStart:  formatTime(st.CrawlBootstrapStart),
		IncrementalAvailable: st.IncrementalAvailable,
		IncrementalLastCheck: formatTime(st.IncrementalLastCheck),
		IncrementalFailures:  st.IncrementalFailures,
		CrawlFailures:        st.CrawlFailures,
		ServerOffline:        st.ServerOffline,
		LastHealthCheck:      formatTime(st.LastHealthCheck),
		SyncInProgress:       st.SyncInProgress,
		LastSyncStatus:       st.LastSyncStatus,
		LastSyncMethod:       st.LastSyncMethod,
		LastSyncError:        st.LastSyncError,
		UpdatedAt:            st.UpdatedAt.UTC().Format(time.RFC3339),
		Catalog:              *stats,
	})
}

// formatTime форматирует время в RFC 3339 (UTC), nil остаётся nil.
func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
