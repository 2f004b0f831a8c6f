// crawl.go — полный обход Nextcloud (авторитетная сверка каталога).
//
// CrawlService.Run:
//  1. PROPFIND корня (depth 1) → папки первого уровня
//  2. Для каждой папки: upsert по file_id, листинг, изображения пакетами
//     по CS_SYNC_BATCH_SIZE, images_fully_synced, пометка исчезнувших файлов
//  3. Пометка отсутствующих папок (с каскадом на их файлы)
//
// Ошибка листинга корня — единственная ошибка, прерывающая обход; в этом
// случае сверка отсутствующих папок не выполняется.
//
// Prometheus-метрики:
//   - catalog_sync_crawl_duration_seconds — длительность обхода
//   - catalog_sync_crawl_items_total — обработанные папки и изображения (по операциям)
package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/catalog-sync/internal/domain/model"
	"github.com/bigkaa/goartstore/catalog-sync/internal/repository"
	"github.com/bigkaa/goartstore/catalog-sync/internal/webdav"
)

// Prometheus-метрики полного обхода.
var (
	crawlDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "catalog_sync_crawl_duration_seconds",
		Help:    "Длительность полного обхода Nextcloud",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14), // 0.1s … ~819s
	})

	crawlItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_sync_crawl_items_total",
		Help: "Количество обработанных элементов при полном обходе",
	}, []string{"kind", "operation"}) // kind: folder, image; operation: created, updated, removed, failed
)

// CrawlService — полный обход Nextcloud.
type CrawlService struct {
	w      *catalogWriter
	logger *slog.Logger
}

// NewCrawlService создаёт сервис полного обхода.
func NewCrawlService(
	remote Remote,
	folders repository.FolderRepository,
	files repository.FileRepository,
	batchSize int,
	logger *slog.Logger,
) *CrawlService {
	logger = logger.With(slog.String("component", "crawl"))
	return &CrawlService{
		w:      newCatalogWriter(remote, folders, files, batchSize, logger),
		logger: logger,
	}
}

// Run выполняет полный обход. Повторный запуск без изменений в Nextcloud
// не меняет каталог, кроме synced_at.
func (s *CrawlService) Run(ctx context.Context) (*model.CrawlResult, error) {
	result := &model.CrawlResult{StartedAt: s.w.now()}
	timer := prometheus.NewTimer(crawlDuration)
	defer timer.ObserveDuration()

	s.logger.Info("Полный обход запущен")

	root, err := s.w.remote.ListFolder(ctx, "", 1)
	if err != nil {
		result.CompletedAt = s.w.now()
		return result, fmt.Errorf("листинг корня: %w", err)
	}

	remoteFolderIDs := make([]string, 0, len(root))
	for _, entry := range root {
		if !entry.IsCollection {
			continue
		}
		if err := ctx.Err(); err != nil {
			result.CompletedAt = s.w.now()
			return result, err
		}

		if entry.FileID == "" {
			result.Errors = append(result.Errors, fmt.Sprintf("папка %q без file_id", entry.Path))
			crawlItemsTotal.WithLabelValues("folder", "failed").Inc()
			continue
		}
		remoteFolderIDs = append(remoteFolderIDs, entry.FileID)
		result.FoldersProcessed++

		if err := s.crawlFolder(ctx, entry, result); err != nil {
			result.Errors = append(result.Errors, err.Error())
			crawlItemsTotal.WithLabelValues("folder", "failed").Inc()
			s.logger.Warn("Ошибка обработки папки",
				slog.String("path", entry.Path),
				slog.String("error", err.Error()),
			)
		}
	}

	if err := ctx.Err(); err != nil {
		result.CompletedAt = s.w.now()
		return result, err
	}

	removedFolders, removedFiles, err := s.w.folders.MarkAbsentExcept(ctx, remoteFolderIDs, s.w.now())
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("пометка удалённых папок: %v", err))
	} else {
		result.FoldersMarkedRemoved = removedFolders
		result.ImagesMarkedRemoved += removedFiles
		crawlItemsTotal.WithLabelValues("folder", "removed").Add(float64(removedFolders))
		crawlItemsTotal.WithLabelValues("image", "removed").Add(float64(removedFiles))
	}

	result.CompletedAt = s.w.now()

	s.logger.Info("Полный обход завершён",
		slog.Int("folders_processed", result.FoldersProcessed),
		slog.Int("folders_created", result.FoldersCreated),
		slog.Int("folders_removed", result.FoldersMarkedRemoved),
		slog.Int("images_processed", result.ImagesProcessed),
		slog.Int("images_created", result.ImagesCreated),
		slog.Int("images_updated", result.ImagesUpdated),
		slog.Int("images_removed", result.ImagesMarkedRemoved),
		slog.Int("errors", len(result.Errors)),
		slog.Duration("duration", result.CompletedAt.Sub(result.StartedAt)),
	)

	return result, nil
}

// crawlFolder синхронизирует одну папку и её изображения.
func (s *CrawlService) crawlFolder(ctx context.Context, entry webdav.Entry, result *model.CrawlResult) error {
	folder, created, err := s.w.upsertFolder(ctx, entry)
	if err != nil {
		return fmt.Errorf("папка %q: %w", entry.Path, err)
	}
	if created {
		result.FoldersCreated++
		crawlItemsTotal.WithLabelValues("folder", "created").Inc()
	} else {
		result.FoldersUpdated++
		crawlItemsTotal.WithLabelValues("folder", "updated").Inc()
	}

	stats, err := s.w.syncFolderImages(ctx, folder, model.SyncMethodCrawl)
	result.ImagesProcessed += stats.processed
	result.ImagesCreated += stats.created
	result.ImagesUpdated += stats.updated
	result.ImagesMarkedRemoved += stats.removed
	crawlItemsTotal.WithLabelValues("image", "created").Add(float64(stats.created))
	crawlItemsTotal.WithLabelValues("image", "updated").Add(float64(stats.updated))
	crawlItemsTotal.WithLabelValues("image", "removed").Add(float64(stats.removed))
	crawlItemsTotal.WithLabelValues("image", "failed").Add(float64(stats.skipped))
	if err != nil {
		return err
	}

	s.logger.Debug("Папка синхронизирована",
		slog.String("path", folder.Path),
		slog.Bool("created", created),
		slog.Int("images", stats.processed),
	)
	return nil
}
