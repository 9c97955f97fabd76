// Package cache implements the dual-tier output cache: a process-local map
// in front of the shared kv store.
//
// DESIGN: Reads check the local tier first; on local miss the shared tier is
// consulted and a hit backfills the local map, so later requests on the same
// instance skip the round-trip. Shared-tier writes happen on the background
// runner and never block a response. Any shared-tier error degrades to a
// cache miss.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/draftlens/tool-gateway/internal/background"
	"github.com/draftlens/tool-gateway/internal/kv"
)

const keyPrefix = "cache:"

// Entry is a cached tool output. Entries are immutable once stored and are
// removed only by TTL expiry.
type Entry struct {
	Output   string    `json:"output"`
	StoredAt time.Time `json:"stored_at"`
}

// Key derives the cache key for a tool and raw input. Input is lower-cased
// and trimmed first so cosmetic variations collapse to one key.
func Key(toolPrefix, input string) string {
	norm := strings.ToLower(strings.TrimSpace(input))
	sum := sha256.Sum256([]byte(toolPrefix + ":" + norm))
	return hex.EncodeToString(sum[:])
}

// Config holds cache construction parameters.
type Config struct {
	TTL           time.Duration
	SweepInterval time.Duration // minimum gap between opportunistic sweeps
	SweepChance   float64       // probability a read also triggers a sweep
	Store         kv.Store           // nil disables the shared tier
	Runner        *background.Runner // required when Store is set
}

// Cache is safe for concurrent use by parallel requests.
type Cache struct {
	cfg     Config
	mu      sync.RWMutex
	local   map[string]Entry
	store   kv.Store
	runner  *background.Runner
	now     func() time.Time
	sweepMu sync.Mutex
	lastSweep time.Time
}

// New creates a Cache.
func New(cfg Config) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if cfg.SweepChance <= 0 {
		cfg.SweepChance = 0.01
	}
	return &Cache{
		cfg:    cfg,
		local:  make(map[string]Entry),
		store:  cfg.Store,
		runner: cfg.Runner,
		now:    time.Now,
	}
}

// Get returns the entry for key, checking the local tier then the shared
// tier. A shared-tier entry past its TTL is treated as absent and deleted in
// the background instead of being returned stale.
func (c *Cache) Get(ctx context.Context, key string) (Entry, bool) {
	c.maybeSweep()

	now := c.now()

	c.mu.RLock()
	e, ok := c.local[key]
	c.mu.RUnlock()
	if ok {
		if now.Sub(e.StoredAt) < c.cfg.TTL {
			return e, true
		}
		c.mu.Lock()
		delete(c.local, key)
		c.mu.Unlock()
	}

	if c.store == nil {
		return Entry{}, false
	}

	data, found, err := c.store.Get(ctx, keyPrefix+key)
	if err != nil {
		log.Debug().Err(err).Msg("cache: shared tier read failed, treating as miss")
		return Entry{}, false
	}
	if !found {
		return Entry{}, false
	}

	var shared Entry
	if err := json.Unmarshal(data, &shared); err != nil {
		log.Debug().Err(err).Msg("cache: undecodable shared entry, treating as miss")
		return Entry{}, false
	}
	if now.Sub(shared.StoredAt) >= c.cfg.TTL {
		c.deleteShared(key)
		return Entry{}, false
	}

	// Backfill so later requests on this instance skip the round-trip.
	c.mu.Lock()
	c.local[key] = shared
	c.mu.Unlock()
	return shared, true
}

// Set stores output under key: local tier synchronously, shared tier on the
// background runner. A shared-tier failure never reaches the caller.
func (c *Cache) Set(key, output string) {
	e := Entry{Output: output, StoredAt: c.now()}

	c.mu.Lock()
	c.local[key] = e
	c.mu.Unlock()

	if c.store == nil || c.runner == nil {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	ttl := c.cfg.TTL
	c.runner.Go(func(ctx context.Context) {
		if err := c.store.Put(ctx, keyPrefix+key, data, ttl); err != nil {
			log.Debug().Err(err).Msg("cache: shared tier write failed")
		}
	})
}

// Len returns the local tier size. Used by tests.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.local)
}

func (c *Cache) deleteShared(key string) {
	if c.runner == nil {
		return
	}
	c.runner.Go(func(ctx context.Context) {
		if err := c.store.Delete(ctx, keyPrefix+key); err != nil {
			log.Debug().Err(err).Msg("cache: stale entry delete failed")
		}
	})
}

// maybeSweep opportunistically removes expired local entries. Triggered by a
// small fraction of reads, rate-limited by SweepInterval, and always run off
// the request goroutine.
func (c *Cache) maybeSweep() {
	if rand.Float64() >= c.cfg.SweepChance {
		return
	}

	c.sweepMu.Lock()
	if c.now().Sub(c.lastSweep) < c.cfg.SweepInterval {
		c.sweepMu.Unlock()
		return
	}
	c.lastSweep = c.now()
	c.sweepMu.Unlock()

	go c.sweep()
}

func (c *Cache) sweep() {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.local {
		if now.Sub(e.StoredAt) >= c.cfg.TTL {
			delete(c.local, key)
		}
	}
}
