package webdav

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/bigkaa/goartstore/catalog-sync/internal/domain/model"
)

// activityPath — endpoint Activity API (OCS v2).
const activityPath = "/ocs/v2.php/apps/activity/api/v2/activity"

// activityLimit — максимальное число событий в одной странице.
const activityLimit = 100

// activityMaxPages ограничивает число страниц за один вызов FetchEventsSince.
const activityMaxPages = 1000

// lastGivenHeader — заголовок Nextcloud с activity_id последнего события страницы.
const lastGivenHeader = "X-Activity-Last-Given"

// activityURL строит URL запроса событий начиная с since (0 — без ограничения).
func (c *Client) activityURL(limit int, since int64) string {
	q := url.Values{}
	q.Set("format", "json")
	q.Set("limit", strconv.Itoa(limit))
	if since > 0 {
		q.Set("since", strconv.FormatInt(since, 10))
	}
	return c.baseURL + activityPath + "?" + q.Encode()
}

// activityPage — тело одной страницы Activity API и заголовки ответа.
type activityPage struct {
	body   []byte
	header http.Header
}

// getActivityPage выполняет GET к Activity API.
// Для HTTP 304 возвращается nil без ошибки.
func (c *Client) getActivityPage(ctx context.Context, op, target string) (*activityPage, error) {
	resp, err := c.execute(ctx, op, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("OCS-APIRequest", "true")
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return nil, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("чтение ответа Activity API: %w", err)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("Activity API: %w: тело не является JSON", ErrMalformedResponse)
	}
	return &activityPage{body: body, header: resp.Header}, nil
}

// FetchEventsSince возвращает все события Activity API начиная с момента since.
// Страницы запрашиваются, пока очередная не окажется неполной. Следующая
// страница берётся из Link rel="next", затем из X-Activity-Last-Given,
// затем по activity_id последнего события.
// HTTP 304 и ответ без конверта ocs завершают выборку.
func (c *Client) FetchEventsSince(ctx context.Context, since time.Time) ([]model.Event, error) {
	var epoch int64
	if !since.IsZero() {
		epoch = since.Unix()
	}

	events := make([]model.Event, 0)
	seen := make(map[int64]struct{})
	target := c.activityURL(activityLimit, epoch)
	pages := 0

	for {
		page, err := c.getActivityPage(ctx, "activity", target)
		if err != nil {
			return nil, fmt.Errorf("получение событий: %w", err)
		}
		if page == nil {
			break
		}
		pages++

		ocs := gjson.GetBytes(page.body, "ocs")
		if !ocs.Exists() {
			c.logger.Warn("Ответ Activity API без конверта ocs",
				slog.Int("body_size", len(page.body)),
			)
			break
		}

		data := ocs.Get("data").Array()
		var lastID int64
		for _, item := range data {
			ev := parseEvent(item)
			lastID = ev.ActivityID
			if ev.ActivityID != 0 {
				if _, dup := seen[ev.ActivityID]; dup {
					continue
				}
				seen[ev.ActivityID] = struct{}{}
			}
			events = append(events, ev)
		}

		if len(data) < activityLimit {
			break
		}
		if pages >= activityMaxPages {
			c.logger.Warn("Достигнут предел страниц Activity API",
				slog.Int("pages", pages),
				slog.Int("count", len(events)),
			)
			break
		}

		next := c.nextActivityURL(page.header, lastID)
		if next == "" || next == target {
			c.logger.Warn("Activity API не вернула курсор следующей страницы",
				slog.Int("pages", pages),
			)
			break
		}
		target = next
	}

	c.logger.Debug("События Activity API получены",
		slog.Int64("since", epoch),
		slog.Int("pages", pages),
		slog.Int("count", len(events)),
	)
	return events, nil
}

// nextActivityURL строит URL следующей страницы. Пустая строка — курсора нет.
func (c *Client) nextActivityURL(header http.Header, lastID int64) string {
	if link := nextLink(header.Get("Link")); link != "" {
		ref, err := url.Parse(link)
		if err == nil {
			base, baseErr := url.Parse(c.baseURL + activityPath)
			if baseErr == nil {
				return base.ResolveReference(ref).String()
			}
		}
	}
	if given, err := strconv.ParseInt(strings.TrimSpace(header.Get(lastGivenHeader)), 10, 64); err == nil && given > 0 {
		return c.activityURL(activityLimit, given)
	}
	if lastID > 0 {
		return c.activityURL(activityLimit, lastID)
	}
	return ""
}

// nextLink извлекает URL с rel="next" из заголовка Link (RFC 8288).
func nextLink(value string) string {
	for _, part := range strings.Split(value, ",") {
		segments := strings.Split(part, ";")
		ref := strings.TrimSpace(segments[0])
		if !strings.HasPrefix(ref, "<") || !strings.HasSuffix(ref, ">") {
			continue
		}
		for _, param := range segments[1:] {
			param = strings.ReplaceAll(strings.TrimSpace(param), " ", "")
			if param == `rel="next"` || param == "rel=next" {
				return ref[1 : len(ref)-1]
			}
		}
	}
	return ""
}

// ProbeIncrementalFeed проверяет, что Activity API доступна и отвечает конвертом ocs.
func (c *Client) ProbeIncrementalFeed(ctx context.Context) error {
	page, err := c.getActivityPage(ctx, "activity_probe", c.activityURL(1, 0))
	if err != nil {
		return fmt.Errorf("проверка Activity API: %w", err)
	}
	if page == nil {
		return nil
	}
	if !gjson.GetBytes(page.body, "ocs").Exists() {
		return fmt.Errorf("проверка Activity API: %w: нет конверта ocs", ErrMalformedResponse)
	}
	return nil
}

// parseEvent разбирает одно событие из ocs.data.
func parseEvent(item gjson.Result) model.Event {
	ev := model.Event{
		ActivityID: item.Get("activity_id").Int(),
		Type:       item.Get("type").String(),
		ObjectType: item.Get("object_type").String(),
		ObjectName: item.Get("object_name").String(),
		Subject:    item.Get("subject").String(),
		Raw:        json.RawMessage(item.Raw),
	}
	if dt := item.Get("datetime").String(); dt != "" {
		if t, err := time.Parse(time.RFC3339, dt); err == nil {
			ev.Datetime = t.UTC()
		}
	}
	return ev
}
