// Пакет webdav — клиент Nextcloud: WebDAV (PROPFIND, GET) и Activity API (OCS).
// Все исходящие запросы проходят через ограничитель частоты и политику повторов.
package webdav

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

var (
	webdavRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_sync_webdav_requests_total",
		Help: "Количество запросов к Nextcloud по операциям и результату",
	}, []string{"operation", "outcome"})

	webdavRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_sync_webdav_retries_total",
		Help: "Количество повторных попыток запросов к Nextcloud",
	}, []string{"operation"})
)

// imageContentTypes — MIME-типы, которые считаются изображениями.
var imageContentTypes = []string{
	"image/jpeg", "image/jpg", "image/png", "image/gif",
	"image/bmp", "image/tiff", "image/webp",
}

// propfindBody — тело PROPFIND со списком запрашиваемых свойств.
const propfindBody = `<?xml version="1.0" encoding="UTF-8"?>
<d:propfind xmlns:d="DAV:" xmlns:oc="http://owncloud.org/ns" xmlns:nc="http://nextcloud.org/ns">
  <d:prop>
    <d:displayname/>
    <d:getcontenttype/>
    <d:getcontentlength/>
    <d:getlastmodified/>
    <d:resourcetype/>
    <d:getetag/>
    <oc:fileid/>
  </d:prop>
</d:propfind>`

// Config — параметры подключения к Nextcloud.
type Config struct {
	// BaseURL — например, https://cloud.example.com
	BaseURL string
	// WebDAVPath — путь WebDAV на сервере (/remote.php/dav)
	WebDAVPath string
	// UserPath — путь пользователя внутри WebDAV (/files/alice)
	UserPath string
	Username string
	Password string
	// VerifySSL — проверять TLS-сертификат
	VerifySSL bool
	// Timeout — таймаут одного HTTP-запроса
	Timeout time.Duration
	// MaxRetries — максимальное число попыток (>= 1)
	MaxRetries int
	// RetryDelay — пауза между попытками
	RetryDelay time.Duration
	// RateLimit — запросов в секунду, 0 — без ограничения
	RateLimit float64
}

// Entry — элемент листинга WebDAV.
type Entry struct {
	// Name — отображаемое имя
	Name string
	// Path — путь относительно корня пользователя, без ведущего и замыкающего "/"
	Path string
	// ContentType — MIME-тип (пусто для папок)
	ContentType string
	// Size — размер в байтах
	Size int64
	// LastModified — время последнего изменения
	LastModified *time.Time
	// IsCollection — элемент является папкой
	IsCollection bool
	// FileID — стабильный идентификатор Nextcloud (oc:fileid)
	FileID string
	// ETag — etag без кавычек
	ETag string
}

// Client — клиент Nextcloud.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	baseURL    string
	davPrefix  string
	username   string
	password   string
	maxRetries int
	retryDelay time.Duration
	logger     *slog.Logger
}

// New создаёт клиент Nextcloud и валидирует конфигурацию.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("базовый URL Nextcloud не задан")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("некорректный базовый URL Nextcloud %q: %w", baseURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("базовый URL Nextcloud %q должен начинаться с http:// или https://", baseURL)
	}
	if cfg.Username == "" {
		return nil, errors.New("имя пользователя Nextcloud не задано")
	}
	if cfg.Password == "" {
		return nil, errors.New("пароль Nextcloud не задан")
	}
	userPath := strings.Trim(strings.TrimSpace(cfg.UserPath), "/")
	if userPath == "" {
		return nil, errors.New("путь пользователя Nextcloud не задан")
	}
	webdavPath := strings.Trim(cfg.WebDAVPath, "/")
	if webdavPath == "" {
		webdavPath = "remote.php/dav"
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}

	logger = logger.With(slog.String("component", "webdav_client"))

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !cfg.VerifySSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // отключается явно через CS_NEXTCLOUD_VERIFY_SSL
		logger.Warn("Проверка TLS-сертификата Nextcloud отключена",
			slog.String("base_url", baseURL),
		)
	}

	limit := rate.Inf
	burst := 1
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
		burst = max(1, int(cfg.RateLimit))
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
		limiter:    rate.NewLimiter(limit, burst),
		baseURL:    baseURL,
		davPrefix:  "/" + webdavPath + "/" + userPath + "/",
		username:   cfg.Username,
		password:   cfg.Password,
		maxRetries: maxRetries,
		retryDelay: cfg.RetryDelay,
		logger:     logger,
	}, nil
}

// BaseURL возвращает базовый URL Nextcloud без замыкающего "/".
func (c *Client) BaseURL() string {
	return c.baseURL
}

// resourceURL строит URL ресурса: base + webdav_path + user_path + "/" + path.
func (c *Client) resourceURL(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return c.baseURL + c.davPrefix
	}
	segments := strings.Split(p, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return c.baseURL + c.davPrefix + strings.Join(segments, "/")
}

// ListFolder выполняет PROPFIND с заданной глубиной (0 или 1).
// При depth >= 1 элемент самого запрошенного ресурса пропускается.
func (c *Client) ListFolder(ctx context.Context, p string, depth int) ([]Entry, error) {
	target := c.resourceURL(p)

	resp, err := c.execute(ctx, "propfind", func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, "PROPFIND", target, bytes.NewBufferString(propfindBody))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Depth", strconv.Itoa(depth))
		req.Header.Set("Content-Type", "application/xml; charset=utf-8")
		return req, nil
	})
	if err != nil {
		return nil, fmt.Errorf("листинг %q: %w", p, err)
	}
	defer resp.Body.Close()

	var ms multistatus
	if err := xml.NewDecoder(resp.Body).Decode(&ms); err != nil {
		return nil, fmt.Errorf("листинг %q: разбор XML: %w: %v", p, ErrMalformedResponse, err)
	}

	self := strings.Trim(p, "/")
	entries := make([]Entry, 0, len(ms.Responses))
	for _, r := range ms.Responses {
		entry, ok := c.parseResponse(r)
		if !ok {
			continue
		}
		if depth >= 1 && entry.Path == self {
			continue
		}
		entries = append(entries, entry)
	}

	c.logger.Debug("Листинг папки получен",
		slog.String("path", p),
		slog.Int("depth", depth),
		slog.Int("entries", len(entries)),
	)
	return entries, nil
}

// Download открывает поток содержимого файла. Поток закрывает вызывающий.
func (c *Client) Download(ctx context.Context, p string) (io.ReadCloser, error) {
	target := c.resourceURL(p)

	resp, err := c.execute(ctx, "download", func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("скачивание %q: %w", p, err)
	}
	return resp.Body, nil
}

// ProbeHealth проверяет базовую доступность WebDAV листингом корня (depth 0).
func (c *Client) ProbeHealth(ctx context.Context) error {
	if _, err := c.ListFolder(ctx, "", 0); err != nil {
		return fmt.Errorf("проверка доступности WebDAV: %w", err)
	}
	return nil
}

// FilterImages оставляет только файлы-изображения (по MIME-типу).
func FilterImages(entries []Entry) []Entry {
	images := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if !e.IsCollection && IsImageContentType(e.ContentType) {
			images = append(images, e)
		}
	}
	return images
}

// IsImageContentType проверяет, что MIME-тип содержит один из типов изображений.
func IsImageContentType(contentType string) bool {
	ct := strings.ToLower(contentType)
	for _, t := range imageContentTypes {
		if strings.Contains(ct, t) {
			return true
		}
	}
	return false
}

// --- Разбор PROPFIND ---

type multistatus struct {
	XMLName   xml.Name      `xml:"DAV: multistatus"`
	Responses []davResponse `xml:"DAV: response"`
}

type davResponse struct {
	Href      string     `xml:"DAV: href"`
	Propstats []propstat `xml:"DAV: propstat"`
}

type propstat struct {
	Prop   davProp `xml:"DAV: prop"`
	Status string  `xml:"DAV: status"`
}

type davProp struct {
	DisplayName   string       `xml:"DAV: displayname"`
	ContentType   string       `xml:"DAV: getcontenttype"`
	ContentLength string       `xml:"DAV: getcontentlength"`
	LastModified  string       `xml:"DAV: getlastmodified"`
	ResourceType  resourceType `xml:"DAV: resourcetype"`
	ETag          string       `xml:"DAV: getetag"`
	FileID        string       `xml:"http://owncloud.org/ns fileid"`
}

type resourceType struct {
	Collection *struct{} `xml:"DAV: collection"`
}

// parseResponse превращает элемент multistatus в Entry.
// Учитываются только propstat со статусом 200.
func (c *Client) parseResponse(r davResponse) (Entry, bool) {
	rel, ok := c.relativePath(r.Href)
	if !ok {
		return Entry{}, false
	}

	entry := Entry{Path: rel}
	for _, ps := range r.Propstats {
		if ps.Status != "" && !strings.Contains(ps.Status, " 200") {
			continue
		}
		p := ps.Prop
		if p.DisplayName != "" {
			entry.Name = p.DisplayName
		}
		if p.ContentType != "" {
			entry.ContentType = p.ContentType
		}
		if p.ContentLength != "" {
			if n, err := strconv.ParseInt(strings.TrimSpace(p.ContentLength), 10, 64); err == nil {
				entry.Size = n
			}
		}
		if p.LastModified != "" {
			if t, err := http.ParseTime(strings.TrimSpace(p.LastModified)); err == nil {
				t = t.UTC()
				entry.LastModified = &t
			}
		}
		if p.ResourceType.Collection != nil {
			entry.IsCollection = true
		}
		if p.ETag != "" {
			entry.ETag = strings.Trim(p.ETag, `"`)
		}
		if p.FileID != "" {
			entry.FileID = strings.TrimSpace(p.FileID)
		}
	}

	if entry.Name == "" && rel != "" {
		entry.Name = path.Base(rel)
	}
	return entry, true
}

// relativePath вырезает из href префикс {webdav_path}{user_path}/ и декодирует URL.
func (c *Client) relativePath(href string) (string, bool) {
	href = strings.TrimSpace(href)
	if u, err := url.Parse(href); err == nil && u.IsAbs() {
		href = u.EscapedPath()
	}
	decoded, err := url.PathUnescape(href)
	if err != nil {
		return "", false
	}

	if strings.TrimRight(decoded, "/")+"/" == c.davPrefix {
		return "", true
	}
	_, rest, found := strings.Cut(decoded, c.davPrefix)
	if !found {
		return "", false
	}
	return strings.Trim(rest, "/"), true
}
