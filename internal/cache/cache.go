// Package cache keeps recently fetched activity lists in memory so modules
// sharing a Strava account cost one pagination traversal per TTL.
package cache

import (
	"errors"
	"strconv"
	"time"
	"unsafe"

	"github.com/coocood/freecache"
	"github.com/joshdurbin/strava-mirror/internal/config"
	"github.com/joshdurbin/strava-mirror/internal/logging"
	"github.com/joshdurbin/strava-mirror/internal/metrics"
)

// Provider is a byte-oriented cache with a fixed TTL.
type Provider interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte)
}

type Freecache struct {
	cache *freecache.Cache
	ttl   int
}

// NewProvider returns a freecache backed Provider, or a no-op Provider when
// the cache is disabled or sized zero.
func NewProvider(conf config.CacheConfig) Provider {
	if !conf.Enabled || conf.SizeMB <= 0 {
		logging.Logger.Info().Msg("activity cache disabled")
		return noop{}
	}

	logging.Logger.Info().
		Int("size_mb", conf.SizeMB).
		Dur("ttl", conf.TTL).
		Msg("activity cache initialized")
	return newFreecache(freecache.NewCache(conf.SizeMB*1024*1024), conf.TTL)
}

func newFreecache(c *freecache.Cache, ttl time.Duration) *Freecache {
	return &Freecache{cache: c, ttl: max(int(ttl.Seconds()), 1)}
}

// unsafeStringToBytes converts s without allocating. freecache copies
// keys, so the result is never written to.
func unsafeStringToBytes(s string) []byte {
	if len(s) == 0 {
		return nil
	}
	return unsafe.Slice(unsafe.StringData(s), len(s))
}

func (c *Freecache) Get(key string) ([]byte, bool) {
	val, err := c.cache.Get(unsafeStringToBytes(key))
	if err != nil {
		return nil, false
	}
	return val, true
}

func (c *Freecache) Set(key string, value []byte) {
	err := c.cache.Set(unsafeStringToBytes(key), value, c.ttl)
	if errors.Is(err, freecache.ErrLargeEntry) {
		// An entry may use at most 1/1024 of the cache.
		logging.Logger.Debug().Int("bytes", len(value)).Msg("activity list too large for cache, skipping")
	}
}

// Instrumented counts hits and misses on every Get.
type Instrumented struct {
	inner   Provider
	metrics metrics.Recorder
}

// NewInstrumentedProvider wraps NewProvider with hit/miss counters. A
// disabled cache is returned unwrapped so it never reports phantom misses.
func NewInstrumentedProvider(conf config.CacheConfig, rec metrics.Recorder) Provider {
	inner := NewProvider(conf)
	if _, ok := inner.(noop); ok {
		return inner
	}
	return &Instrumented{inner: inner, metrics: rec}
}

func (c *Instrumented) Get(key string) ([]byte, bool) {
	val, ok := c.inner.Get(key)
	if ok {
		c.metrics.IncCacheHits()
	} else {
		c.metrics.IncCacheMisses()
	}
	return val, ok
}

func (c *Instrumented) Set(key string, value []byte) {
	c.inner.Set(key, value)
}

type noop struct{}

func (noop) Get(_ string) ([]byte, bool) { return nil, false }
func (noop) Set(_ string, _ []byte)      {}

// Key identifies an activity list by account and lower time bound.
func Key(clientID string, after time.Time) string {
	return clientID + "|" + strconv.FormatInt(after.Unix(), 10)
}
