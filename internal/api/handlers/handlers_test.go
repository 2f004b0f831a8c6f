package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/catalog-sync/internal/domain/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// mockChecker — мок ReadinessChecker.
type mockChecker struct {
	status  string
	message string
}

func (m *mockChecker) CheckReady() (string, string) {
	return m.status, m.message
}

type mockStateReader struct {
	st  *model.SyncState
	err error
}

func (m *mockStateReader) Get(_ context.Context) (*model.SyncState, error) {
	return m.st, m.err
}

type mockStatsReader struct {
	stats *model.CatalogStats
	err   error
}

func (m *mockStatsReader) Get(_ context.Context) (*model.CatalogStats, error) {
	return m.stats, m.err
}

func TestHealthLive(t *testing.T) {
	h := NewHealthHandler(nil, nil)
	rec := httptest.NewRecorder()
	h.HealthLive(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("статус = %d, ожидается 200", rec.Code)
	}
	var resp healthLiveResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("ошибка декодирования: %v", err)
	}
	if resp.Status != "ok" || resp.Service != "catalog-sync" {
		t.Errorf("ответ = %+v", resp)
	}
}

func TestHealthReady(t *testing.T) {
	tests := []struct {
		name       string
		pg         ReadinessChecker
		webdav     ReadinessChecker
		wantCode   int
		wantStatus string
	}{
		{"всё доступно", &mockChecker{status: "ok"}, &mockChecker{status: "ok"}, http.StatusOK, "ok"},
		{"Nextcloud недоступен", &mockChecker{status: "ok"}, &mockChecker{status: "degraded"}, http.StatusOK, "degraded"},
		{"PostgreSQL недоступен", &mockChecker{status: "fail"}, &mockChecker{status: "ok"}, http.StatusServiceUnavailable, "fail"},
		{"PostgreSQL не инициализирован", nil, nil, http.StatusServiceUnavailable, "fail"},
		{"без проверки WebDAV", &mockChecker{status: "ok"}, nil, http.StatusOK, "ok"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(tt.pg, tt.webdav)
			rec := httptest.NewRecorder()
			h.HealthReady(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

			if rec.Code != tt.wantCode {
				t.Errorf("статус = %d, ожидается %d", rec.Code, tt.wantCode)
			}
			var resp healthReadyResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("ошибка декодирования: %v", err)
			}
			if resp.Status != tt.wantStatus {
				t.Errorf("status = %q, ожидается %q", resp.Status, tt.wantStatus)
			}
			if (tt.webdav == nil) != (resp.Checks.WebDAV == nil) {
				t.Errorf("checks.webdav = %+v", resp.Checks.WebDAV)
			}
		})
	}
}

func TestOverallStatus(t *testing.T) {
	tests := []struct {
		in   []string
		want string
	}{
		{[]string{"ok", "ok"}, "ok"},
		{[]string{"ok", "degraded"}, "degraded"},
		{[]string{"degraded", "fail"}, "fail"},
		{nil, "ok"},
	}
	for _, tt := range tests {
		if got := overallStatus(tt.in...); got != tt.want {
			t.Errorf("overallStatus(%v) = %q, ожидается %q", tt.in, got, tt.want)
		}
	}
}

func TestGetSyncStatus(t *testing.T) {
	last := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("MSK", 3*3600))
	method := model.SyncMethodIncremental
	state := &mockStateReader{st: &model.SyncState{
		ID:                   1,
		LastIncrementalSync:  &last,
		IncrementalAvailable: true,
		CrawlFailures:        2,
		LastSyncMethod:       &method,
		UpdatedAt:            last,
	}}
	stats := &mockStatsReader{stats: &model.CatalogStats{FoldersTotal: 3, FoldersPresent: 2, FilesTotal: 10, FilesPresent: 8}}

	h := NewSyncStatusHandler(state, stats, testLogger())
	rec := httptest.NewRecorder()
	h.GetSyncStatus(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sync/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("статус = %d, ожидается 200", rec.Code)
	}
	var resp map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("ошибка декодирования: %v", err)
	}
	if resp["last_incremental_sync"] != "2026-03-01T09:00:00Z" {
		t.Errorf("last_incremental_sync = %v, ожидается UTC", resp["last_incremental_sync"])
	}
	if resp["last_crawl_sync"] != nil {
		t.Errorf("last_crawl_sync = %v, ожидается null", resp["last_crawl_sync"])
	}
	if resp["incremental_available"] != true || resp["crawl_failures"] != float64(2) {
		t.Errorf("ответ = %v", resp)
	}
	if resp["last_sync_method"] != "incremental" {
		t.Errorf("last_sync_method = %v", resp["last_sync_method"])
	}
	catalog, ok := resp["catalog"].(map[string]any)
	if !ok || catalog["files_present"] != float64(8) {
		t.Errorf("catalog = %v", resp["catalog"])
	}
}

func TestGetSyncStatus_Errors(t *testing.T) {
	stats := &mockStatsReader{stats: &model.CatalogStats{}}
	tests := []struct {
		name  string
		state *mockStateReader
		stats *mockStatsReader
	}{
		{"ошибка sync_state", &mockStateReader{err: errors.New("db down")}, stats},
		{"ошибка статистики", &mockStateReader{st: &model.SyncState{}}, &mockStatsReader{err: errors.New("db down")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewSyncStatusHandler(tt.state, tt.stats, testLogger())
			rec := httptest.NewRecorder()
			h.GetSyncStatus(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sync/status", nil))

			if rec.Code != http.StatusInternalServerError {
				t.Errorf("статус = %d, ожидается 500", rec.Code)
			}
			if !strings.Contains(rec.Body.String(), "INTERNAL_ERROR") {
				t.Errorf("тело = %s", rec.Body.String())
			}
		})
	}
}
