// Package cache maps formula identifiers to compiled artifacts.
//
// Entries expire after a TTL and are validated against the source hash the
// caller expects; both kinds of stale entry are evicted on lookup. When an
// insertion would exceed MaxSize the lowest-ranked fraction of entries is
// evicted, ranked by last access (oldest first), then access count (lowest
// first), then id.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/roach88/formulabench/internal/ir"
	"github.com/roach88/formulabench/internal/metrics"
)

// Defaults.
const (
	DefaultMaxSize       = 100
	DefaultTTL           = 30 * time.Minute
	DefaultSweepInterval = 5 * time.Minute
	DefaultEvictFraction = 0.2
)

// NoExpiry passed as a TTL to Set stores an entry that never expires.
const NoExpiry time.Duration = -1

// Config controls capacity and expiry.
type Config struct {
	MaxSize       int
	DefaultTTL    time.Duration
	SweepInterval time.Duration
	EvictFraction float64
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		MaxSize:       DefaultMaxSize,
		DefaultTTL:    DefaultTTL,
		SweepInterval: DefaultSweepInterval,
		EvictFraction: DefaultEvictFraction,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxSize <= 0 {
		c.MaxSize = d.MaxSize
	}
	if c.DefaultTTL == 0 {
		c.DefaultTTL = d.DefaultTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.EvictFraction <= 0 || c.EvictFraction > 1 {
		c.EvictFraction = d.EvictFraction
	}
	return c
}

// Entry is a cached artifact with its bookkeeping.
type Entry struct {
	ID             string
	Fn             ir.Invocable
	SourceHash     string
	CreatedAt      time.Time
	ExpiresAt      time.Time // zero means never
	LastAccessedAt time.Time
	AccessCount    int64
}

// EntryInfo is Entry without the artifact, for diagnostics.
type EntryInfo struct {
	ID             string     `json:"id"`
	SourceHash     string     `json:"source_hash"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	LastAccessedAt time.Time  `json:"last_accessed_at"`
	AccessCount    int64      `json:"access_count"`
}

// Stats summarises cache activity.
type Stats struct {
	Size         int   `json:"size"`
	MaxSize      int   `json:"max_size"`
	Hits         int64 `json:"hits"`
	Misses       int64 `json:"misses"`
	Evictions    int64 `json:"evictions"`
	Compilations int64 `json:"compilations"`
}

// CompileFunc produces an artifact on a cache miss.
type CompileFunc func(ctx context.Context) (ir.Invocable, error)

// Option configures a Cache.
type Option func(*Cache)

// WithConfig overrides the default configuration.
func WithConfig(cfg Config) Option {
	return func(c *Cache) {
		c.cfg = cfg.withDefaults()
	}
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

// Cache is an LRU/LFU hybrid artifact cache with TTL expiry.
// Safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*Entry
	cfg     Config
	now     func() time.Time
	flight  singleflight.Group
	metrics *metrics.Metrics

	hits, misses, evictions, compilations int64

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[string]*Entry),
		cfg:     DefaultConfig(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Set stores fn under id, replacing any existing entry and resetting its
// bookkeeping. A zero ttl uses Config.DefaultTTL; NoExpiry disables expiry.
func (c *Cache) Set(id string, fn ir.Invocable, sourceHash string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[id]; !exists && len(c.entries) >= c.cfg.MaxSize {
		n := c.evictCount(len(c.entries))
		if over := len(c.entries) - c.cfg.MaxSize + 1; over > n {
			n = over
		}
		evicted := c.evictLowest(n)
		c.metrics.CacheEvicted(metrics.EvictCapacity, evicted)
		slog.Debug("cache at capacity, evicted entries",
			"evicted", evicted,
			"max_size", c.cfg.MaxSize,
		)
	}

	now := c.now()
	e := &Entry{
		ID:             id,
		Fn:             fn,
		SourceHash:     sourceHash,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	if ttl == 0 {
		ttl = c.cfg.DefaultTTL
	}
	if ttl > 0 {
		e.ExpiresAt = now.Add(ttl)
	}
	c.entries[id] = e
	c.metrics.CacheSize(len(c.entries))
}

// Get returns the artifact for id. It misses when the entry is absent,
// expired, or (when sourceHash is non-empty) stored under a different hash;
// the latter two evict the entry. A hit updates LastAccessedAt and
// AccessCount.
func (c *Cache) Get(id, sourceHash string) (ir.Invocable, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.fresh(id, sourceHash)
	if !ok {
		c.misses++
		c.metrics.CacheMiss()
		return nil, false
	}

	e.LastAccessedAt = c.now()
	e.AccessCount++
	c.hits++
	c.metrics.CacheHit()
	return e.Fn, true
}

// Has applies Get's freshness check without returning the artifact or
// touching access bookkeeping. Expired entries are evicted.
func (c *Cache) Has(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.fresh(id, "")
	return ok
}

// Delete removes id. Reports whether an entry was present.
func (c *Cache) Delete(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[id]; !ok {
		return false
	}
	delete(c.entries, id)
	c.metrics.CacheSize(len(c.entries))
	return true
}

// ForceEvict evicts the n lowest-ranked entries. n <= 0 evicts the configured
// fraction of the current size. Returns the number evicted.
func (c *Cache) ForceEvict(n int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n <= 0 {
		n = c.evictCount(len(c.entries))
	}
	evicted := c.evictLowest(n)
	c.metrics.CacheEvicted(metrics.EvictForced, evicted)
	return evicted
}

// UpdateConfig replaces the configuration. Shrinking MaxSize below the
// current size evicts down to the new limit immediately. A running sweep
// keeps its original interval until restarted.
func (c *Cache) UpdateConfig(cfg Config) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cfg = cfg.withDefaults()
	if over := len(c.entries) - c.cfg.MaxSize; over > 0 {
		evicted := c.evictLowest(over)
		c.metrics.CacheEvicted(metrics.EvictCapacity, evicted)
		slog.Info("cache shrunk", "evicted", evicted, "max_size", c.cfg.MaxSize)
	}
}

// Config returns the active configuration.
func (c *Cache) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Sweep removes every expired entry regardless of access. Returns the number
// removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for id, e := range c.entries {
		if expired(e, now) {
			delete(c.entries, id)
			removed++
		}
	}
	c.evictions += int64(removed)
	c.metrics.CacheEvicted(metrics.EvictExpired, removed)
	c.metrics.CacheSize(len(c.entries))
	return removed
}

// GetOrCompile returns the cached artifact or compiles, stores and returns a
// new one. Concurrent misses for the same (id, hash) share one compilation.
func (c *Cache) GetOrCompile(ctx context.Context, id, sourceHash string, compile CompileFunc) (ir.Invocable, error) {
	if fn, ok := c.Get(id, sourceHash); ok {
		return fn, nil
	}

	v, err, _ := c.flight.Do(id+"@"+sourceHash, func() (any, error) {
		fn, err := compile(ctx)
		c.mu.Lock()
		c.compilations++
		c.mu.Unlock()
		c.metrics.Compiled(err)
		if err != nil {
			return nil, err
		}
		c.Set(id, fn, sourceHash, 0)
		return fn, nil
	})
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", id, err)
	}
	return v.(ir.Invocable), nil
}

// Stats returns activity counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Size:         len(c.entries),
		MaxSize:      c.cfg.MaxSize,
		Hits:         c.hits,
		Misses:       c.misses,
		Evictions:    c.evictions,
		Compilations: c.compilations,
	}
}

// Entries returns metadata for every entry, sorted by id.
func (c *Cache) Entries() []EntryInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]EntryInfo, 0, len(c.entries))
	for _, e := range c.entries {
		info := EntryInfo{
			ID:             e.ID,
			SourceHash:     e.SourceHash,
			CreatedAt:      e.CreatedAt,
			LastAccessedAt: e.LastAccessedAt,
			AccessCount:    e.AccessCount,
		}
		if !e.ExpiresAt.IsZero() {
			exp := e.ExpiresAt
			info.ExpiresAt = &exp
		}
		out = append(out, info)
	}
	slices.SortFunc(out, func(a, b EntryInfo) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})
	return out
}

// Start runs the background sweep until ctx is cancelled or Close is called.
// Calling Start on a running cache is a no-op.
func (c *Cache) Start(ctx context.Context) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.cancel != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	interval := c.Config().SweepInterval

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := c.Sweep(); n > 0 {
					slog.Debug("cache sweep removed expired entries", "removed", n)
				}
			}
		}
	}(c.done)
}

// Close stops the background sweep and waits for it to exit.
func (c *Cache) Close() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.cancel == nil {
		return nil
	}
	c.cancel()
	<-c.done
	c.cancel = nil
	c.done = nil
	return nil
}

// fresh returns the entry if it exists and is fresh, evicting it otherwise.
// Caller holds mu.
func (c *Cache) fresh(id, sourceHash string) (*Entry, bool) {
	e, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	if expired(e, c.now()) {
		c.drop(id, metrics.EvictExpired)
		return nil, false
	}
	if sourceHash != "" && sourceHash != e.SourceHash {
		c.drop(id, metrics.EvictHashMismatch)
		slog.Debug("cache entry hash mismatch, evicted", "id", id)
		return nil, false
	}
	return e, true
}

// drop evicts one entry. Caller holds mu.
func (c *Cache) drop(id, reason string) {
	delete(c.entries, id)
	c.evictions++
	c.metrics.CacheEvicted(reason, 1)
	c.metrics.CacheSize(len(c.entries))
}

// evictCount is the configured fraction of size, rounded up, at least 1.
// Caller holds mu.
func (c *Cache) evictCount(size int) int {
	n := int(math.Ceil(float64(size) * c.cfg.EvictFraction))
	return max(n, 1)
}

// evictLowest removes the n lowest-ranked entries. Caller holds mu.
func (c *Cache) evictLowest(n int) int {
	if n <= 0 || len(c.entries) == 0 {
		return 0
	}

	ranked := make([]*Entry, 0, len(c.entries))
	for _, e := range c.entries {
		ranked = append(ranked, e)
	}
	slices.SortFunc(ranked, compareRank)

	n = min(n, len(ranked))
	for _, e := range ranked[:n] {
		delete(c.entries, e.ID)
	}
	c.evictions += int64(n)
	c.metrics.CacheSize(len(c.entries))
	return n
}

// compareRank orders entries from first-to-evict to last.
func compareRank(a, b *Entry) int {
	if c := a.LastAccessedAt.Compare(b.LastAccessedAt); c != 0 {
		return c
	}
	switch {
	case a.AccessCount < b.AccessCount:
		return -1
	case a.AccessCount > b.AccessCount:
		return 1
	}
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	default:
		return 0
	}
}

func expired(e *Entry, now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}
