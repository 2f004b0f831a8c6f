// Пакет config — загрузка и валидация конфигурации Catalog Sync
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации Catalog Sync.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера (диапазон 8010-8019)
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string
	// Таймауты HTTP-сервера
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// --- PostgreSQL ---

	// Хост PostgreSQL
	DBHost string
	// Порт PostgreSQL
	DBPort int
	// Имя базы данных
	DBName string
	// Имя пользователя PostgreSQL
	DBUser string
	// Пароль пользователя PostgreSQL
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string

	// --- Nextcloud ---

	// Базовый URL Nextcloud (например, https://cloud.example.com)
	NextcloudBaseURL string
	// Имя пользователя Nextcloud
	NextcloudUsername string
	// Пароль (или app password) пользователя Nextcloud
	NextcloudPassword string
	// Путь пользователя внутри WebDAV (например, /files/alice)
	NextcloudUserPath string
	// Путь WebDAV на сервере (по умолчанию /remote.php/dav)
	NextcloudWebDAVPath string
	// Проверять TLS-сертификат Nextcloud
	NextcloudVerifySSL bool

	// --- Синхронизация ---

	// Интервал инкрементальной синхронизации (Activity API)
	IncrementalInterval time.Duration
	// Интервал полного обхода (fallback)
	CrawlInterval time.Duration
	// Выполнять начальную синхронизацию при старте даже для непустого каталога
	CrawlOnStartup bool
	// Максимальное количество попыток внешнего запроса
	MaxRetries int
	// Пауза между попытками внешнего запроса
	RetryDelay time.Duration
	// Размер пакета изображений при полном обходе
	BatchSize int
	// Максимальная пауза планировщика между проверками
	PollInterval time.Duration
	// Интервал опроса Activity API сборщиком во время bootstrap
	CollectorInterval time.Duration
	// Максимальное число итераций сборщика во время bootstrap
	CollectorMaxIterations int
	// Таймаут одного HTTP-запроса к Nextcloud
	RequestTimeout time.Duration
	// Ограничение частоты запросов к Nextcloud (запросов в секунду, 0 — без ограничения)
	RateLimit float64
	// TTL кэша листингов родительских папок
	ParentCacheTTL time.Duration

	// --- topologymetrics ---

	// Интервал проверки зависимостей topologymetrics
	DephealthCheckInterval time.Duration
	// Имя группы в метриках topologymetrics
	DephealthGroup string
	// Добавлять лейбл isentry=yes ко всем зависимостям
	DephealthIsEntry bool

	// --- Graceful shutdown ---

	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	// CS_PORT — порт HTTP-сервера (по умолчанию 8010)
	cfg.Port, err = getEnvInt("CS_PORT", 8010)
	if err != nil {
		return nil, fmt.Errorf("CS_PORT: %w", err)
	}
	if cfg.Port < 8010 || cfg.Port > 8019 {
		return nil, fmt.Errorf("CS_PORT: значение %d вне допустимого диапазона 8010-8019", cfg.Port)
	}

	// CS_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("CS_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("CS_LOG_LEVEL: %w", err)
	}

	// CS_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("CS_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("CS_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	if cfg.HTTPReadTimeout, err = getEnvDuration("CS_HTTP_READ_TIMEOUT", 30*time.Second); err != nil {
		return nil, fmt.Errorf("CS_HTTP_READ_TIMEOUT: %w", err)
	}
	if cfg.HTTPWriteTimeout, err = getEnvDuration("CS_HTTP_WRITE_TIMEOUT", 60*time.Second); err != nil {
		return nil, fmt.Errorf("CS_HTTP_WRITE_TIMEOUT: %w", err)
	}
	if cfg.HTTPIdleTimeout, err = getEnvDuration("CS_HTTP_IDLE_TIMEOUT", 120*time.Second); err != nil {
		return nil, fmt.Errorf("CS_HTTP_IDLE_TIMEOUT: %w", err)
	}

	// --- PostgreSQL ---

	if cfg.DBHost, err = getEnvRequired("CS_DB_HOST"); err != nil {
		return nil, err
	}

	// CS_DB_PORT — порт PostgreSQL (по умолчанию 5432)
	cfg.DBPort, err = getEnvInt("CS_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("CS_DB_PORT: %w", err)
	}

	if cfg.DBName, err = getEnvRequired("CS_DB_NAME"); err != nil {
		return nil, err
	}
	if cfg.DBUser, err = getEnvRequired("CS_DB_USER"); err != nil {
		return nil, err
	}
	if cfg.DBPassword, err = getEnvRequired("CS_DB_PASSWORD"); err != nil {
		return nil, err
	}

	// CS_DB_SSL_MODE — режим SSL (по умолчанию disable)
	cfg.DBSSLMode = getEnvDefault("CS_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return nil, fmt.Errorf("CS_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}

	// --- Nextcloud ---

	cfg.NextcloudBaseURL, err = getEnvRequired("CS_NEXTCLOUD_BASE_URL")
	if err != nil {
		return nil, err
	}
	cfg.NextcloudBaseURL = strings.TrimRight(strings.TrimSpace(cfg.NextcloudBaseURL), "/")
	if u, parseErr := url.Parse(cfg.NextcloudBaseURL); parseErr != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("CS_NEXTCLOUD_BASE_URL: значение %q должно начинаться с http:// или https://", cfg.NextcloudBaseURL)
	}

	if cfg.NextcloudUsername, err = getEnvRequired("CS_NEXTCLOUD_USERNAME"); err != nil {
		return nil, err
	}
	if cfg.NextcloudPassword, err = getEnvRequired("CS_NEXTCLOUD_PASSWORD"); err != nil {
		return nil, err
	}

	// CS_NEXTCLOUD_USER_PATH — обязательный, например /files/alice
	cfg.NextcloudUserPath, err = getEnvRequired("CS_NEXTCLOUD_USER_PATH")
	if err != nil {
		return nil, err
	}
	cfg.NextcloudUserPath = "/" + strings.Trim(strings.TrimSpace(cfg.NextcloudUserPath), "/")

	// CS_NEXTCLOUD_WEBDAV_PATH — путь WebDAV (по умолчанию /remote.php/dav)
	cfg.NextcloudWebDAVPath = "/" + strings.Trim(getEnvDefault("CS_NEXTCLOUD_WEBDAV_PATH", "/remote.php/dav"), "/")

	// CS_NEXTCLOUD_VERIFY_SSL — проверка TLS (по умолчанию true)
	cfg.NextcloudVerifySSL, err = getEnvBool("CS_NEXTCLOUD_VERIFY_SSL", true)
	if err != nil {
		return nil, fmt.Errorf("CS_NEXTCLOUD_VERIFY_SSL: %w", err)
	}

	// --- Синхронизация ---

	// CS_SYNC_INCREMENTAL_INTERVAL — в минутах (по умолчанию 5)
	cfg.IncrementalInterval, err = getEnvMinutes("CS_SYNC_INCREMENTAL_INTERVAL", 5)
	if err != nil {
		return nil, fmt.Errorf("CS_SYNC_INCREMENTAL_INTERVAL: %w", err)
	}

	// CS_SYNC_CRAWL_INTERVAL — в минутах (по умолчанию 60)
	cfg.CrawlInterval, err = getEnvMinutes("CS_SYNC_CRAWL_INTERVAL", 60)
	if err != nil {
		return nil, fmt.Errorf("CS_SYNC_CRAWL_INTERVAL: %w", err)
	}

	cfg.CrawlOnStartup, err = getEnvBool("CS_SYNC_CRAWL_ON_STARTUP", false)
	if err != nil {
		return nil, fmt.Errorf("CS_SYNC_CRAWL_ON_STARTUP: %w", err)
	}

	// CS_SYNC_MAX_RETRIES — количество попыток (по умолчанию 3)
	cfg.MaxRetries, err = getEnvInt("CS_SYNC_MAX_RETRIES", 3)
	if err != nil {
		return nil, fmt.Errorf("CS_SYNC_MAX_RETRIES: %w", err)
	}
	if cfg.MaxRetries < 1 {
		return nil, fmt.Errorf("CS_SYNC_MAX_RETRIES: значение %d должно быть >= 1", cfg.MaxRetries)
	}

	// CS_SYNC_RETRY_DELAY — в секундах (по умолчанию 30)
	retryDelaySec, err := getEnvInt("CS_SYNC_RETRY_DELAY", 30)
	if err != nil {
		return nil, fmt.Errorf("CS_SYNC_RETRY_DELAY: %w", err)
	}
	if retryDelaySec < 0 {
		return nil, fmt.Errorf("CS_SYNC_RETRY_DELAY: значение %d должно быть >= 0", retryDelaySec)
	}
	cfg.RetryDelay = time.Duration(retryDelaySec) * time.Second

	// CS_SYNC_BATCH_SIZE — размер пакета (по умолчанию 50)
	cfg.BatchSize, err = getEnvInt("CS_SYNC_BATCH_SIZE", 50)
	if err != nil {
		return nil, fmt.Errorf("CS_SYNC_BATCH_SIZE: %w", err)
	}
	if cfg.BatchSize < 1 || cfg.BatchSize > 1000 {
		return nil, fmt.Errorf("CS_SYNC_BATCH_SIZE: значение %d вне допустимого диапазона 1-1000", cfg.BatchSize)
	}

	cfg.PollInterval, err = getEnvDuration("CS_SYNC_POLL_INTERVAL", time.Minute)
	if err != nil {
		return nil, fmt.Errorf("CS_SYNC_POLL_INTERVAL: %w", err)
	}

	cfg.CollectorInterval, err = getEnvDuration("CS_COLLECTOR_INTERVAL", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("CS_COLLECTOR_INTERVAL: %w", err)
	}

	cfg.CollectorMaxIterations, err = getEnvInt("CS_COLLECTOR_MAX_ITERATIONS", 120)
	if err != nil {
		return nil, fmt.Errorf("CS_COLLECTOR_MAX_ITERATIONS: %w", err)
	}
	if cfg.CollectorMaxIterations < 0 {
		return nil, fmt.Errorf("CS_COLLECTOR_MAX_ITERATIONS: значение %d должно быть >= 0", cfg.CollectorMaxIterations)
	}

	cfg.RequestTimeout, err = getEnvDuration("CS_REQUEST_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("CS_REQUEST_TIMEOUT: %w", err)
	}

	// CS_RATE_LIMIT — запросов в секунду (по умолчанию 10, 0 — без ограничения)
	cfg.RateLimit, err = getEnvFloat("CS_RATE_LIMIT", 10)
	if err != nil {
		return nil, fmt.Errorf("CS_RATE_LIMIT: %w", err)
	}
	if cfg.RateLimit < 0 {
		return nil, fmt.Errorf("CS_RATE_LIMIT: значение %v должно быть >= 0", cfg.RateLimit)
	}

	cfg.ParentCacheTTL, err = getEnvDuration("CS_PARENT_CACHE_TTL", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("CS_PARENT_CACHE_TTL: %w", err)
	}

	// --- topologymetrics ---

	// CS_DEPHEALTH_CHECK_INTERVAL — интервал проверки зависимостей (по умолчанию 15s)
	cfg.DephealthCheckInterval, err = getEnvDuration("CS_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("CS_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	cfg.DephealthGroup = getEnvDefault("CS_DEPHEALTH_GROUP", "catalog-sync")

	cfg.DephealthIsEntry, err = getEnvBool("CS_DEPHEALTH_ISENTRY", false)
	if err != nil {
		return nil, fmt.Errorf("CS_DEPHEALTH_ISENTRY: %w", err)
	}

	// --- Graceful shutdown ---

	// CS_SHUTDOWN_TIMEOUT — таймаут graceful shutdown (по умолчанию 5s)
	cfg.ShutdownTimeout, err = getEnvDuration("CS_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("CS_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL PostgreSQL без пароля (для лейблов topologymetrics).
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s@%s:%d/%s", c.DBUser, c.DBHost, c.DBPort, c.DBName)
}

// WebDAVURL возвращает корневой URL WebDAV пользователя Nextcloud.
func (c *Config) WebDAVURL() string {
	return c.NextcloudBaseURL + c.NextcloudWebDAVPath + c.NextcloudUserPath
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvFloat возвращает дробное значение переменной окружения или значение по умолчанию.
func getEnvFloat(key string, defaultVal float64) (float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное число: %q", val)
	}
	return f, nil
}

// getEnvMinutes читает интервал в целых минутах (> 0).
func getEnvMinutes(key string, defaultVal int) (time.Duration, error) {
	n, err := getEnvInt(key, defaultVal)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("значение %d должно быть > 0", n)
	}
	return time.Duration(n) * time.Minute, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	if d <= 0 {
		return 0, fmt.Errorf("значение должно быть > 0")
	}
	return d, nil
}

// getEnvBool возвращает булево значение переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное булево значение: %q (допустимые: true, false, 1, 0)", val)
	}
	return b, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
