// Пакет model — доменные модели Catalog Sync.
package model

import "time"

// FolderRecord — папка Nextcloud в каталоге (таблица folders).
// Идентичность — удалённый file_id, не путь: переименование и перенос
// меняют только Name/Path.
type FolderRecord struct {
	// ID — внутренний UUID папки
	ID string
	// FileID — стабильный идентификатор папки в Nextcloud (oc:fileid)
	FileID string
	// Name — текущее имя папки
	Name string
	// Path — текущий относительный путь папки
	Path string
	// ImagesFullySynced — все изображения папки обработаны (флаг восстановления после сбоя)
	ImagesFullySynced bool
	// ExistsRemotely — папка присутствует в Nextcloud
	ExistsRemotely bool
	// FirstSeenAt — время первого обнаружения
	FirstSeenAt time.Time
	// SyncedAt — время последней синхронизации
	SyncedAt time.Time
}

// FileRecord — изображение в каталоге (таблица files).
// Идентичность — SHA-256 содержимого: одинаковые байты дают одну запись
// независимо от имени и расположения.
type FileRecord struct {
	// ContentHash — SHA-256 содержимого (hex), первичный ключ
	ContentHash string
	// Name — текущее имя файла
	Name string
	// Path — текущий относительный путь файла
	Path string
	// RemoteFileID — идентификатор файла в Nextcloud (для сверки при обходе)
	RemoteFileID string
	// FolderID — UUID папки, которой принадлежит файл
	FolderID string
	// ExistsRemotely — файл присутствует в Nextcloud
	ExistsRemotely bool
	// Metadata — структурированные метаданные (nextcloud, image, sync)
	Metadata FileMetadata
	// FirstSeenAt — время первого обнаружения
	FirstSeenAt time.Time
	// SyncedAt — время последней синхронизации
	SyncedAt time.Time
}

// FileMetadata — содержимое JSONB-колонки files.metadata.
type FileMetadata struct {
	Nextcloud RemoteMeta `json:"nextcloud"`
	Image     *ImageMeta `json:"image,omitempty"`
	Sync      SyncMeta   `json:"sync"`
}

// RemoteMeta — сведения о файле со стороны Nextcloud.
type RemoteMeta struct {
	FileID       string     `json:"file_id"`
	ETag         string     `json:"etag"`
	ContentType  string     `json:"content_type"`
	Size         int64      `json:"size"`
	LastModified *time.Time `json:"last_modified,omitempty"`
}

// ImageMeta — размеры и формат изображения.
type ImageMeta struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Format string `json:"format"`
}

// SyncMeta — происхождение записи: каким методом и когда синхронизирована.
type SyncMeta struct {
	SyncMethod    string    `json:"sync_method"`
	SyncTimestamp time.Time `json:"sync_timestamp"`
}

// CatalogStats — размеры каталога для статуса синхронизации.
type CatalogStats struct {
	FoldersTotal   int `json:"folders_total"`
	FoldersPresent int `json:"folders_present"`
	FilesTotal     int `json:"files_total"`
	FilesPresent   int `json:"files_present"`
}
