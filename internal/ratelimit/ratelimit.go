// Package ratelimit implements the per-identity fixed-window request
// limiter with an optional shared-store backstop.
//
// DESIGN: Fixed windows, not a leaky bucket: the limits are coarse enough
// that discrete windows are sufficient and far simpler. Each instance keeps
// its own counts; the shared tier enforces a higher threshold (a multiple of
// the local one) as a coarse cross-instance backstop, so the two tiers never
// fight over the exact same count. Shared-tier reads are best-effort with a
// short timeout; its counter writes happen on the background runner.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/draftlens/tool-gateway/internal/background"
	"github.com/draftlens/tool-gateway/internal/kv"
)

const storeTimeout = 250 * time.Millisecond

// Config holds limiter construction parameters.
type Config struct {
	Max        int           // requests allowed per identity per window
	Window     time.Duration // window length
	Multiplier float64       // shared threshold = ceil(Max * Multiplier)
	MaxBuckets int           // cap on tracked identities
	Store      kv.Store
	Runner     *background.Runner
}

// Decision is the outcome of a limiter check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration // time until the identity's window resets
}

type window struct {
	count   int
	resetAt time.Time
}

// Limiter is safe for concurrent use by parallel requests.
type Limiter struct {
	cfg     Config
	distMax int
	mu      sync.Mutex
	windows map[string]*window
	store   kv.Store
	runner  *background.Runner
	now     func() time.Time
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	if cfg.Max <= 0 {
		cfg.Max = 10
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1.5
	}
	if cfg.MaxBuckets <= 0 {
		cfg.MaxBuckets = 10000
	}
	return &Limiter{
		cfg:     cfg,
		distMax: int(math.Ceil(float64(cfg.Max) * cfg.Multiplier)),
		windows: make(map[string]*window),
		store:   cfg.Store,
		runner:  cfg.Runner,
		now:     time.Now,
	}
}

// Check consumes one request slot for identity if allowed. The local window
// decides first; when a shared store is present it is consulted as a coarser
// backstop, and any store error falls back to the local decision.
func (l *Limiter) Check(ctx context.Context, identity string) Decision {
	now := l.now()

	l.mu.Lock()
	w, ok := l.windows[identity]
	switch {
	case !ok || now.After(w.resetAt):
		// New or expired window: replace, count this request.
		if !ok && len(l.windows) >= l.cfg.MaxBuckets {
			l.evictLocked(now)
		}
		w = &window{count: 1, resetAt: now.Add(l.cfg.Window)}
		l.windows[identity] = w
	case w.count >= l.cfg.Max:
		retry := w.resetAt.Sub(now)
		l.mu.Unlock()
		return Decision{Allowed: false, RetryAfter: retry}
	default:
		w.count++
	}
	retry := w.resetAt.Sub(now)
	l.mu.Unlock()

	if l.store == nil {
		return Decision{Allowed: true, RetryAfter: retry}
	}
	return l.checkShared(ctx, identity, now, retry)
}

type sharedWindow struct {
	Count   int       `json:"count"`
	ResetAt time.Time `json:"reset_at"`
}

// checkShared applies the cross-instance backstop. The read is synchronous
// with a short timeout; the incremented count is written back fire-and-forget.
func (l *Limiter) checkShared(ctx context.Context, identity string, now time.Time, localRetry time.Duration) Decision {
	key := l.sharedKey(identity, now)

	rctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	data, found, err := l.store.Get(rctx, key)
	if err != nil {
		log.Debug().Err(err).Msg("ratelimit: shared tier read failed, local decision stands")
		return Decision{Allowed: true, RetryAfter: localRetry}
	}

	var sw sharedWindow
	if found {
		if err := json.Unmarshal(data, &sw); err != nil {
			sw = sharedWindow{}
		}
	}
	if sw.ResetAt.IsZero() || now.After(sw.ResetAt) {
		sw = sharedWindow{ResetAt: now.Truncate(l.cfg.Window).Add(l.cfg.Window)}
	}

	if sw.Count >= l.distMax {
		return Decision{Allowed: false, RetryAfter: sw.ResetAt.Sub(now)}
	}

	sw.Count++
	if l.runner != nil {
		payload, err := json.Marshal(sw)
		if err == nil {
			ttl := l.cfg.Window + time.Second
			l.runner.Go(func(ctx context.Context) {
				if err := l.store.Put(ctx, key, payload, ttl); err != nil {
					log.Debug().Err(err).Msg("ratelimit: shared tier write failed")
				}
			})
		}
	}
	return Decision{Allowed: true, RetryAfter: localRetry}
}

// sharedKey buckets identities by window index so every instance addresses
// the same counter for a given wall-clock window.
func (l *Limiter) sharedKey(identity string, now time.Time) string {
	bucket := now.UnixMilli() / l.cfg.Window.Milliseconds()
	return fmt.Sprintf("rl:%s:%d", identity, bucket)
}

// evictLocked frees space in the identity table: expired windows first, then
// the window closest to reset. Caller holds l.mu.
func (l *Limiter) evictLocked(now time.Time) {
	var oldestKey string
	var oldestReset time.Time
	for key, w := range l.windows {
		if now.After(w.resetAt) {
			delete(l.windows, key)
			continue
		}
		if oldestKey == "" || w.resetAt.Before(oldestReset) {
			oldestKey = key
			oldestReset = w.resetAt
		}
	}
	if len(l.windows) >= l.cfg.MaxBuckets && oldestKey != "" {
		delete(l.windows, oldestKey)
	}
}
