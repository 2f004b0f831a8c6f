package service

import (
	"sync"
	"time"

	"github.com/bigkaa/goartstore/catalog-sync/internal/domain/model"
)

// EventCache — события, собранные во время bootstrap, до применения после обхода.
// Потокобезопасен: пишет сборщик, читает оркестратор после завершения обхода.
type EventCache struct {
	mu            sync.Mutex
	events        []model.CachedEvent
	seen          map[int64]struct{}
	lastFetchTime time.Time
}

// NewEventCache создаёт пустой кэш событий.
func NewEventCache() *EventCache {
	return &EventCache{seen: make(map[int64]struct{})}
}

// Add добавляет события и сдвигает время последней выборки на fetchTime.
// Событие с уже добавленным activity_id повторно не добавляется
// (соседние выборки пересекаются на границе курсора).
func (c *EventCache) Add(events []model.Event, fetchTime time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	added := 0
	for _, ev := range events {
		if ev.ActivityID != 0 {
			if _, dup := c.seen[ev.ActivityID]; dup {
				continue
			}
			c.seen[ev.ActivityID] = struct{}{}
		}
		c.events = append(c.events, model.CachedEvent{Event: ev, FetchedAt: fetchTime})
		added++
	}
	c.lastFetchTime = fetchTime
	return added
}

// GetAll возвращает копию собранных событий в порядке добавления.
func (c *EventCache) GetAll() []model.CachedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]model.CachedEvent, len(c.events))
	copy(out, c.events)
	return out
}

// Events возвращает собранные события без времени выборки.
func (c *EventCache) Events() []model.Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]model.Event, len(c.events))
	for i, ce := range c.events {
		out[i] = ce.Event
	}
	return out
}

// Count возвращает количество собранных событий.
func (c *EventCache) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

// IsEmpty сообщает, что событий нет.
func (c *EventCache) IsEmpty() bool {
	return c.Count() == 0
}

// Clear удаляет события и сбрасывает время последней выборки.
func (c *EventCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
	c.seen = make(map[int64]struct{})
	c.lastFetchTime = time.Time{}
}

// LastFetchTime возвращает время последней успешной выборки.
func (c *EventCache) LastFetchTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastFetchTime
}

// SetLastFetchTime задаёт время последней выборки (начальный курсор сборщика).
func (c *EventCache) SetLastFetchTime(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastFetchTime = t
}
