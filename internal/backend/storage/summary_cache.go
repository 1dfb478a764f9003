package storage

import (
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"NetPulse/internal/config"
)

// SummaryCache holds computed history summaries for a short TTL so that
// dashboards polling the statistics endpoints do not rescan the results
// table on every request.
type SummaryCache[V any] struct {
	c   *ristretto.Cache[string, V]
	ttl time.Duration
}

func NewSummaryCache[V any](cfg *config.CacheConfig) (*SummaryCache[V], error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, V]{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &SummaryCache[V]{c: c, ttl: cfg.TTL}, nil
}

func (c *SummaryCache[V]) Get(key string) (V, bool) {
	return c.c.Get(key)
}

// Set stores value with unit cost. Set is applied asynchronously by ristretto;
// Wait blocks until pending sets are visible.
func (c *SummaryCache[V]) Set(key string, value V) {
	if c.ttl <= 0 {
		return
	}
	c.c.SetWithTTL(key, value, 1, c.ttl)
}

func (c *SummaryCache[V]) Wait() {
	c.c.Wait()
}

func (c *SummaryCache[V]) Delete(key string) {
	c.c.Del(key)
}

func (c *SummaryCache[V]) Clear() {
	c.c.Clear()
}

func (c *SummaryCache[V]) Close() {
	c.c.Close()
}
