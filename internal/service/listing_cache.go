// listing_cache.go — LRU-кэш листингов папок Nextcloud с TTL.
// Обёртка над hashicorp/golang-lru/v2/expirable.
package service

import (
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/catalog-sync/internal/webdav"
)

// Prometheus-метрики кэша листингов.
var (
	listingCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "catalog_sync_listing_cache_hits_total",
		Help: "Общее количество попаданий в кэш листингов папок.",
	})
	listingCacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "catalog_sync_listing_cache_misses_total",
		Help: "Общее количество промахов кэша листингов папок.",
	})
)

// ListingCacheSize — максимальное количество листингов в кэше.
const ListingCacheSize = 256

// ListingCache — кэш результатов PROPFIND по (путь, глубина).
// Сокращает повторные листинги родительских папок при обработке пачки событий.
type ListingCache struct {
	cache *expirable.LRU[string, []webdav.Entry]
}

// NewListingCache создаёт кэш листингов с указанным размером и TTL.
func NewListingCache(maxSize int, ttl time.Duration) *ListingCache {
	return &ListingCache{cache: expirable.NewLRU[string, []webdav.Entry](maxSize, nil, ttl)}
}

func listingKey(path string, depth int) string {
	return strconv.Itoa(depth) + ":" + path
}

// Get возвращает листинг из кэша.
func (c *ListingCache) Get(path string, depth int) ([]webdav.Entry, bool) {
	entries, ok := c.cache.Get(listingKey(path, depth))
	if ok {
		listingCacheHitsTotal.Inc()
		return entries, true
	}
	listingCacheMissesTotal.Inc()
	return nil, false
}

// Set сохраняет листинг в кэш.
func (c *ListingCache) Set(path string, depth int, entries []webdav.Entry) {
	c.cache.Add(listingKey(path, depth), entries)
}

// Delete удаляет листинг из кэша.
func (c *ListingCache) Delete(path string, depth int) {
	c.cache.Remove(listingKey(path, depth))
}

// Purge очищает кэш.
func (c *ListingCache) Purge() {
	c.cache.Purge()
}

// Len возвращает количество листингов в кэше.
func (c *ListingCache) Len() int {
	return c.cache.Len()
}
