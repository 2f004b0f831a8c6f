// handler.go — основной обработчик API Catalog Sync.
// Объединяет health endpoints и статус синхронизации.
package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// APIHandler — основной обработчик API.
type APIHandler struct {
	health *HealthHandler
	status *SyncStatusHandler
	logger *slog.Logger
}

// NewAPIHandler создаёт основной обработчик API.
func NewAPIHandler(health *HealthHandler, status *SyncStatusHandler, logger *slog.Logger) *APIHandler {
	return &APIHandler{
		health: health,
		status: status,
		logger: logger.With(slog.String("component", "api_handler")),
	}
}

// HealthLive — liveness probe (делегируется в HealthHandler).
func (h *APIHandler) HealthLive(w http.ResponseWriter, r *http.Request) {
	h.health.HealthLive(w, r)
}

// HealthReady — readiness probe (делегируется в HealthHandler).
func (h *APIHandler) HealthReady(w http.ResponseWriter, r *http.Request) {
	h.health.HealthReady(w, r)
}

// GetMetrics — Prometheus метрики (делегируется в HealthHandler).
func (h *APIHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.health.GetMetrics(w, r)
}

// GetSyncStatus — снимок состояния синхронизации.
func (h *APIHandler) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	h.status.GetSyncStatus(w, r)
}

// --- Вспомогательные функции ---

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
