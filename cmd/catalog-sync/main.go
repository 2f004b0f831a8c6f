// main.go — точка входа Catalog Sync.
// Синхронизирует каталог изображений PostgreSQL с папками Nextcloud:
// Activity API (инкрементально) и PROPFIND-обход (fallback).
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/bigkaa/goartstore/catalog-sync/internal/api/handlers"
	"github.com/bigkaa/goartstore/catalog-sync/internal/api/middleware"
	"github.com/bigkaa/goartstore/catalog-sync/internal/config"
	"github.com/bigkaa/goartstore/catalog-sync/internal/database"
	"github.com/bigkaa/goartstore/catalog-sync/internal/repository"
	"github.com/bigkaa/goartstore/catalog-sync/internal/server"
	"github.com/bigkaa/goartstore/catalog-sync/internal/service"
	"github.com/bigkaa/goartstore/catalog-sync/internal/webdav"
)

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("Catalog Sync запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("nextcloud", cfg.NextcloudBaseURL),
		slog.String("user_path", cfg.NextcloudUserPath),
	)

	// 3. Применение миграций БД
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Подключение к PostgreSQL (pgxpool)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// 4.1 Адаптер pgxpool → *sql.DB для topologymetrics
	pgDB := stdlib.OpenDBFromPool(pool)
	defer pgDB.Close()

	// 5. Repositories
	folderRepo := repository.NewFolderRepository(pool)
	fileRepo := repository.NewFileRepository(pool)
	syncStateRepo := repository.NewSyncStateRepository(pool)
	statsRepo := repository.NewStatsRepository(pool)

	// 6. Клиент Nextcloud (WebDAV + Activity API)
	client, err := webdav.New(webdav.Config{
		BaseURL:    cfg.NextcloudBaseURL,
		WebDAVPath: cfg.NextcloudWebDAVPath,
		UserPath:   cfg.NextcloudUserPath,
		Username:   cfg.NextcloudUsername,
		Password:   cfg.NextcloudPassword,
		VerifySSL:  cfg.NextcloudVerifySSL,
		Timeout:    cfg.RequestTimeout,
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
		RateLimit:  cfg.RateLimit,
	}, logger)
	if err != nil {
		logger.Error("Ошибка инициализации клиента Nextcloud", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 7. Сервисы синхронизации
	listings := service.NewListingCache(service.ListingCacheSize, cfg.ParentCacheTTL)
	crawlSvc := service.NewCrawlService(client, folderRepo, fileRepo, cfg.BatchSize, logger)
	eventProcessor := service.NewEventProcessor(client, folderRepo, fileRepo, cfg.BatchSize,
		cfg.NextcloudUserPath, listings, logger)
	orchestrator := service.NewOrchestrator(
		client,
		crawlSvc,
		eventProcessor,
		folderRepo,
		syncStateRepo,
		service.NewEventCache(),
		service.OrchestratorConfig{
			IncrementalInterval:    cfg.IncrementalInterval,
			CrawlInterval:          cfg.CrawlInterval,
			CollectorInterval:      cfg.CollectorInterval,
			CollectorMaxIterations: cfg.CollectorMaxIterations,
		},
		logger,
	)
	scheduler := service.NewScheduler(orchestrator, syncStateRepo, service.SchedulerConfig{
		IncrementalInterval: cfg.IncrementalInterval,
		CrawlInterval:       cfg.CrawlInterval,
		PollInterval:        cfg.PollInterval,
	}, logger)

	// 8. Сброс sync_in_progress после аварийной остановки и начальная
	// синхронизация: CS_SYNC_CRAWL_ON_STARTUP → полный обход, пустой каталог → bootstrap
	if _, err := orchestrator.RecoverLock(ctx); err != nil {
		logger.Error("Ошибка чтения sync_state", slog.String("error", err.Error()))
		os.Exit(1)
	}
	folderCount, err := folderRepo.Count(ctx)
	if err != nil {
		logger.Error("Ошибка чтения каталога", slog.String("error", err.Error()))
		os.Exit(1)
	}
	initial := service.InitialNone
	switch {
	case cfg.CrawlOnStartup:
		initial = service.InitialCrawl
	case folderCount == 0:
		initial = service.InitialDefault
	}
	logger.Info("Планировщик синхронизации запускается",
		slog.String("initial_sync", initial.String()),
		slog.Int("folders", folderCount),
		slog.String("incremental_interval", cfg.IncrementalInterval.String()),
		slog.String("crawl_interval", cfg.CrawlInterval.String()),
	)
	scheduler.Start(ctx, initial)

	// 9. topologymetrics — мониторинг зависимостей (PostgreSQL + Nextcloud)
	dephealthSvc, dephealthErr := service.NewDephealthService(
		"catalog-sync",
		cfg.DephealthGroup,
		pgDB,
		cfg.DatabaseURL(),
		cfg.NextcloudBaseURL,
		cfg.NextcloudVerifySSL,
		cfg.DephealthCheckInterval,
		cfg.DephealthIsEntry,
		logger,
	)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
		dephealthSvc = nil
	} else if startErr := dephealthSvc.Start(ctx); startErr != nil {
		logger.Warn("Ошибка запуска topologymetrics", slog.String("error", startErr.Error()))
		dephealthSvc = nil
	}

	// 10. Handlers
	healthHandler := handlers.NewHealthHandler(
		database.NewReadinessChecker(pool),
		webdav.NewReadinessChecker(client, cfg.RequestTimeout),
	)
	statusHandler := handlers.NewSyncStatusHandler(syncStateRepo, statsRepo, logger)
	apiHandler := handlers.NewAPIHandler(healthHandler, statusHandler, logger)

	// 11. Создание и запуск HTTP-сервера
	srv := server.New(cfg, logger, apiHandler,
		middleware.MetricsMiddleware(),
		middleware.RequestLogger(logger),
	)
	if err := srv.Run(ctx); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		scheduler.Stop()
		os.Exit(1)
	}

	// 12. Graceful shutdown фоновых задач
	logger.Info("Останавливаем фоновые задачи...")
	scheduler.Stop()
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}

	logger.Info("Catalog Sync остановлен")
}
