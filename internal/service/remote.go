// Пакет service — бизнес-логика Catalog Sync: полный обход, обработка
// событий Activity API, оркестрация bootstrap и периодической синхронизации.
package service

import (
	"context"
	"io"
	"time"

	"github.com/bigkaa/goartstore/catalog-sync/internal/domain/model"
	"github.com/bigkaa/goartstore/catalog-sync/internal/webdav"
)

// Remote — операции с Nextcloud, которые нужны сервисам.
// Реализуется *webdav.Client.
type Remote interface {
	ListFolder(ctx context.Context, path string, depth int) ([]webdav.Entry, error)
	Download(ctx context.Context, path string) (io.ReadCloser, error)
	FetchEventsSince(ctx context.Context, since time.Time) ([]model.Event, error)
	ProbeIncrementalFeed(ctx context.Context) error
	ProbeHealth(ctx context.Context) error
}

var _ Remote = (*webdav.Client)(nil)
