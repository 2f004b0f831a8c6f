package model

import (
	"encoding/json"
	"time"
)

// Методы синхронизации (last_sync_method, metadata.sync.sync_method).
const (
	SyncMethodIncremental = "incremental"
	SyncMethodCrawl       = "crawl"
	SyncMethodBootstrap   = "bootstrap"
)

// Статусы последней синхронизации (last_sync_status).
const (
	SyncStatusSuccess = "success"
	SyncStatusError   = "error"
)

// SyncState — состояние синхронизации (одна строка в БД).
// Хранится в таблице sync_state (id = 1, всегда одна запись).
type SyncState struct {
	// ID — всегда 1
	ID int
	// LastIncrementalSync — курсор последней успешной инкрементальной синхронизации
	LastIncrementalSync *time.Time
	// LastCrawlSync — курсор последнего успешного полного обхода
	LastCrawlSync *time.Time
	// CrawlBootstrapStart — время старта обхода в последнем bootstrap
	CrawlBootstrapStart *time.Time
	// IncrementalAvailable — Activity API считается доступной
	IncrementalAvailable bool
	// IncrementalLastCheck — время последней проверки доступности Activity API
	IncrementalLastCheck *time.Time
	// IncrementalFailures — подряд идущие ошибки инкрементальной синхронизации
	IncrementalFailures int
	// CrawlFailures — подряд идущие ошибки полного обхода
	CrawlFailures int
	// ServerOffline — оба метода недоступны
	ServerOffline bool
	// LastHealthCheck — время последней оценки offline
	LastHealthCheck *time.Time
	// SyncInProgress — выполняется синхронизация
	SyncInProgress bool
	// LastSyncStatus — success / error
	LastSyncStatus *string
	// LastSyncMethod — incremental / crawl / bootstrap
	LastSyncMethod *string
	// LastSyncError — текст последней ошибки
	LastSyncError *string
	// CreatedAt — время создания записи
	CreatedAt time.Time
	// UpdatedAt — время последнего обновления
	UpdatedAt time.Time
}

// Event — событие Activity API Nextcloud.
type Event struct {
	// ActivityID — идентификатор события в Nextcloud
	ActivityID int64
	// Type — тип события (file_created, folder_deleted, ...)
	Type string
	// ObjectType — тип объекта (обычно "files")
	ObjectType string
	// ObjectName — путь объекта (может отсутствовать)
	ObjectName string
	// Subject — человекочитаемое описание события
	Subject string
	// Datetime — время события
	Datetime time.Time
	// Raw — исходный JSON события
	Raw json.RawMessage
}

// CachedEvent — событие, собранное во время bootstrap, вместе с временем выборки.
type CachedEvent struct {
	Event     Event
	FetchedAt time.Time
}

// CrawlResult — результат полного обхода Nextcloud.
type CrawlResult struct {
	FoldersProcessed     int
	FoldersCreated       int
	FoldersUpdated       int
	FoldersMarkedRemoved int
	ImagesProcessed      int
	ImagesCreated        int
	ImagesUpdated        int
	ImagesMarkedRemoved  int
	// Errors — ошибки уровня папок (обход продолжается)
	Errors      []string
	StartedAt   time.Time
	CompletedAt time.Time
}

// EventStats — результат применения пакета событий.
type EventStats struct {
	EventsProcessed int
	FoldersCreated  int
	FoldersUpdated  int
	FoldersDeleted  int
	FilesCreated    int
	FilesUpdated    int
	FilesDeleted    int
	// Errors — ошибки отдельных событий (обработка продолжается)
	Errors []string
}

// SyncResult — итог одной попытки синхронизации оркестратора.
type SyncResult struct {
	// Status — success, error, skipped, already_in_progress
	Status string
	// Method — incremental, crawl, bootstrap (пусто для skipped)
	Method string
	// Error — текст ошибки
	Error string
	// Crawl — результат обхода (если выполнялся)
	Crawl *CrawlResult
	// Events — результат применения событий (если применялись)
	Events *EventStats
	// EventsCollected — число событий, собранных сборщиком bootstrap
	EventsCollected int
	// Cursor — сохранённый курсор инкрементальной синхронизации
	Cursor *time.Time
}

// Статусы SyncResult, не связанные с записью в БД.
const (
	ResultSkipped           = "skipped"
	ResultAlreadyInProgress = "already_in_progress"
)
