// catalog_writer.go — запись изображений и папок в каталог.
//
// Общая часть полного обхода и обработки событий:
//   - ingestImage: скачать, посчитать SHA-256, прочитать размеры и upsert по хэшу
//   - syncFolderImages: листинг папки, пакетная обработка изображений,
//     images_fully_synced, пометка исчезнувших и перезаписанных файлов папки
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/bigkaa/goartstore/catalog-sync/internal/contenthash"
	"github.com/bigkaa/goartstore/catalog-sync/internal/domain/model"
	"github.com/bigkaa/goartstore/catalog-sync/internal/repository"
	"github.com/bigkaa/goartstore/catalog-sync/internal/webdav"
)

// maxImageSize — предел размера скачиваемого изображения.
const maxImageSize = 512 << 20

// folderSyncStats — итог синхронизации изображений одной папки.
type folderSyncStats struct {
	processed int
	created   int
	updated   int
	removed   int
	skipped   int
}

// catalogWriter записывает изображения и папки в каталог.
type catalogWriter struct {
	remote    Remote
	folders   repository.FolderRepository
	files     repository.FileRepository
	batchSize int
	now       func() time.Time
	logger    *slog.Logger
}

func newCatalogWriter(
	remote Remote,
	folders repository.FolderRepository,
	files repository.FileRepository,
	batchSize int,
	logger *slog.Logger,
) *catalogWriter {
	if batchSize < 1 {
		batchSize = 50
	}
	return &catalogWriter{
		remote:    remote,
		folders:   folders,
		files:     files,
		batchSize: batchSize,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger,
	}
}

// upsertFolder создаёт или обновляет папку по file_id элемента листинга.
func (w *catalogWriter) upsertFolder(ctx context.Context, e webdav.Entry) (*model.FolderRecord, bool, error) {
	if e.FileID == "" {
		return nil, false, fmt.Errorf("папка %q без file_id", e.Path)
	}
	f := &model.FolderRecord{
		FileID:   e.FileID,
		Name:     e.Name,
		Path:     e.Path,
		SyncedAt: w.now(),
	}
	created, err := w.folders.Upsert(ctx, f)
	if err != nil {
		return nil, false, err
	}
	return f, created, nil
}

// ingestImage скачивает изображение и записывает его в каталог по хэшу содержимого.
// Возвращает хэш и true, если создана новая запись.
func (w *catalogWriter) ingestImage(ctx context.Context, e webdav.Entry, folderID, method string) (string, bool, error) {
	if e.IsCollection {
		return "", false, fmt.Errorf("%q — папка, а не файл", e.Path)
	}
	if !isImagePath(e.Path) {
		return "", false, fmt.Errorf("%q: расширение не относится к изображениям", e.Path)
	}
	if e.ContentType != "" && !webdav.IsImageContentType(e.ContentType) {
		return "", false, fmt.Errorf("%q: MIME-тип %q не относится к изображениям", e.Path, e.ContentType)
	}

	rc, err := w.remote.Download(ctx, e.Path)
	if err != nil {
		return "", false, err
	}
	data, err := io.ReadAll(io.LimitReader(rc, maxImageSize+1))
	rc.Close()
	if err != nil {
		return "", false, fmt.Errorf("чтение %q: %w", e.Path, err)
	}
	if len(data) > maxImageSize {
		return "", false, fmt.Errorf("%q: размер превышает %d байт", e.Path, maxImageSize)
	}

	now := w.now()
	record := &model.FileRecord{
		ContentHash:    contenthash.Sum(data),
		Name:           e.Name,
		Path:           e.Path,
		RemoteFileID:   e.FileID,
		FolderID:       folderID,
		ExistsRemotely: true,
		Metadata: model.FileMetadata{
			Nextcloud: model.RemoteMeta{
				FileID:       e.FileID,
				ETag:         e.ETag,
				ContentType:  e.ContentType,
				Size:         int64(len(data)),
				LastModified: e.LastModified,
			},
			Image: decodeImageMeta(data),
			Sync:  model.SyncMeta{SyncMethod: method, SyncTimestamp: now},
		},
		SyncedAt: now,
	}

	existing, err := w.files.GetByHash(ctx, record.ContentHash)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		err = w.files.Insert(ctx, record)
		if err == nil {
			return record.ContentHash, true, nil
		}
		if !errors.Is(err, repository.ErrConflict) {
			return "", false, err
		}
		// Параллельная вставка того же содержимого — перечитываем и обновляем
		if existing, err = w.files.GetByHash(ctx, record.ContentHash); err != nil {
			return "", false, err
		}
	case err != nil:
		return "", false, err
	}

	record.FirstSeenAt = existing.FirstSeenAt
	if err := w.files.Update(ctx, record); err != nil {
		return "", false, err
	}
	return record.ContentHash, false, nil
}

// syncFolderImages обрабатывает все изображения папки пакетами по batchSize.
// Ошибки отдельных изображений логируются и пропускаются; ошибка листинга
// возвращается вызывающему.
func (w *catalogWriter) syncFolderImages(ctx context.Context, folder *model.FolderRecord, method string) (folderSyncStats, error) {
	var stats folderSyncStats

	entries, err := w.remote.ListFolder(ctx, folder.Path, 1)
	if err != nil {
		return stats, fmt.Errorf("листинг папки %q: %w", folder.Path, err)
	}
	images := webdav.FilterImages(entries)

	remoteIDs := make([]string, 0, len(images))
	for _, img := range images {
		if img.FileID != "" {
			remoteIDs = append(remoteIDs, img.FileID)
		}
	}

	for start := 0; start < len(images); start += w.batchSize {
		end := min(start+w.batchSize, len(images))
		for _, img := range images[start:end] {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			stats.processed++
			hash, created, err := w.ingestImage(ctx, img, folder.ID, method)
			if err != nil {
				stats.skipped++
				w.logger.Debug("Изображение пропущено",
					slog.String("path", img.Path),
					slog.String("error", err.Error()),
				)
				continue
			}
			if created {
				stats.created++
			} else {
				stats.updated++
			}
			if img.FileID != "" {
				superseded, err := w.files.MarkSuperseded(ctx, img.FileID, hash, w.now())
				if err != nil {
					return stats, fmt.Errorf("пометка прежних версий %q: %w", img.Path, err)
				}
				stats.removed += superseded
			}
		}
		w.logger.Debug("Пакет изображений обработан",
			slog.String("folder", folder.Path),
			slog.Int("from", start),
			slog.Int("to", end),
		)
	}

	if err := w.folders.SetImagesFullySynced(ctx, folder.ID, true); err != nil {
		return stats, fmt.Errorf("images_fully_synced для %q: %w", folder.Path, err)
	}
	folder.ImagesFullySynced = true

	removed, err := w.files.MarkAbsentInFolderExcept(ctx, folder.ID, remoteIDs, w.now())
	if err != nil {
		return stats, fmt.Errorf("пометка удалённых файлов папки %q: %w", folder.Path, err)
	}
	stats.removed += removed

	return stats, nil
}
