package webdav

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"
)

// ErrMalformedResponse — ответ Nextcloud не удалось разобрать (XML/JSON).
// Повторно не запрашивается.
var ErrMalformedResponse = errors.New("некорректный ответ Nextcloud")

// HTTPError — Nextcloud ответил кодом ошибки.
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("Nextcloud вернул статус %d на %s %s: %s", e.StatusCode, e.Method, e.URL, e.Body)
}

// IsRetryable сообщает, имеет ли смысл повторить запрос после ошибки.
// Повторяются таймауты, ошибки соединения, HTTP 5xx и 408.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrMalformedResponse) {
		return false
	}
	var herr *HTTPError
	if errors.As(err, &herr) {
		return herr.StatusCode >= 500 || herr.StatusCode == http.StatusRequestTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return true
	}
	return false
}

// IsStatus проверяет, что err — HTTPError с указанным кодом.
func IsStatus(err error, code int) bool {
	var herr *HTTPError
	return errors.As(err, &herr) && herr.StatusCode == code
}

// newBackoff создаёт политику повторов: maxAttempts попыток с постоянной паузой delay.
// Backoff хранит состояние, поэтому создаётся на каждый запрос.
func newBackoff(maxAttempts int, delay time.Duration) retry.Backoff {
	var b retry.Backoff
	if delay > 0 {
		b = retry.NewConstant(delay)
	} else {
		b = retry.BackoffFunc(func() (time.Duration, bool) { return 0, false })
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return retry.WithMaxRetries(uint64(maxAttempts-1), b)
}

// requestBuilder строит запрос заново для каждой попытки (тело PROPFIND одноразовое).
type requestBuilder func(ctx context.Context) (*http.Request, error)

// execute выполняет запрос с ограничением частоты и повторами.
// Успешным считается любой ответ с кодом < 400 и 304; тело ответа закрывает вызывающий.
func (c *Client) execute(ctx context.Context, op string, build requestBuilder) (*http.Response, error) {
	var (
		resp    *http.Response
		attempt int
	)

	err := retry.Do(ctx, newBackoff(c.maxRetries, c.retryDelay), func(ctx context.Context) error {
		attempt++

		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("ожидание лимита запросов: %w", err)
		}

		req, err := build(ctx)
		if err != nil {
			return fmt.Errorf("создание запроса %s: %w", op, err)
		}
		req.SetBasicAuth(c.username, c.password)

		r, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			err = fmt.Errorf("запрос %s %s: %w", req.Method, req.URL.Redacted(), err)
			return c.retryable(op, attempt, err)
		}

		if r.StatusCode >= 400 {
			body, _ := io.ReadAll(io.LimitReader(r.Body, 1024))
			r.Body.Close()
			herr := &HTTPError{
				Method:     req.Method,
				URL:        req.URL.Redacted(),
				StatusCode: r.StatusCode,
				Body:       string(body),
			}
			return c.retryable(op, attempt, herr)
		}

		resp = r
		return nil
	})

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	webdavRequestsTotal.WithLabelValues(op, outcome).Inc()

	if err != nil {
		return nil, err
	}
	return resp, nil
}

// retryable помечает ошибку как повторяемую, если это допустимо, и логирует попытку.
func (c *Client) retryable(op string, attempt int, err error) error {
	if !IsRetryable(err) {
		return err
	}
	if attempt < c.maxRetries {
		webdavRetriesTotal.WithLabelValues(op).Inc()
		c.logger.Warn("Ошибка запроса к Nextcloud, повтор",
			slog.String("operation", op),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", c.maxRetries),
			slog.String("error", err.Error()),
		)
	}
	return retry.RetryableError(err)
}
