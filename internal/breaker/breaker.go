// Package breaker implements the per-tool circuit breaker with a shared
// mirror for cross-instance visibility.
//
// State machine: Closed → Open once consecutive failures reach the
// threshold; after the reset timeout Allow itself performs the transition to
// half-open by optimistically letting one probe through and zeroing the
// failure count. The probe's recorded outcome decides the next state: a
// success closes the circuit, a failure re-opens it for another full
// cooldown. Only one probe is out at a time. A recorded success closes the
// circuit from any state.
//
// The shared tier mirrors the state: Allow also short-circuits when the
// store reports an open circuit this instance has not yet observed, and
// Record* write through on the background runner without ever blocking.
package breaker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/draftlens/tool-gateway/internal/background"
	"github.com/draftlens/tool-gateway/internal/kv"
)

const storeTimeout = 250 * time.Millisecond

// State is a snapshot of the circuit. It is also the shared-tier wire form.
type State struct {
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailureAt       time.Time `json:"last_failure_at"`
	Open                bool      `json:"open"`
}

// Config holds breaker construction parameters.
type Config struct {
	Tool         string // names the shared-tier key
	Threshold    int
	ResetTimeout time.Duration
	Store        kv.Store
	Runner       *background.Runner
}

// Breaker is safe for concurrent use by parallel requests.
type Breaker struct {
	cfg      Config
	key      string
	mu       sync.Mutex
	state    State
	halfOpen bool
	store    kv.Store
	runner   *background.Runner
	now      func() time.Time
}

// New creates a Breaker in the closed state.
func New(cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &Breaker{
		cfg:    cfg,
		key:    "circuit:" + cfg.Tool,
		store:  cfg.Store,
		runner: cfg.Runner,
		now:    time.Now,
	}
}

// Allow reports whether a request may proceed. When the circuit is open and
// the reset timeout has elapsed, Allow lets a single probe through
// (half-open) and zeroes the failure count so the probe's outcome decides
// the next state.
func (b *Breaker) Allow(ctx context.Context) bool {
	now := b.now()

	b.mu.Lock()
	if b.state.Open {
		if now.Sub(b.state.LastFailureAt) < b.cfg.ResetTimeout {
			b.mu.Unlock()
			return false
		}
		// Half-open probe. The circuit stays open to everyone else; moving
		// LastFailureAt forward re-arms a fresh probe in case this one is
		// lost without a recorded outcome.
		b.halfOpen = true
		b.state.ConsecutiveFailures = 0
		b.state.LastFailureAt = now
		b.mu.Unlock()
		return true
	}
	b.mu.Unlock()

	if b.store == nil {
		return true
	}

	// Cross-instance visibility: an open circuit recorded by another
	// instance blocks here too, unless its cooldown has already elapsed.
	rctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	data, found, err := b.store.Get(rctx, b.key)
	if err != nil {
		log.Debug().Err(err).Str("tool", b.cfg.Tool).Msg("breaker: shared tier read failed, allowing")
		return true
	}
	if !found {
		return true
	}
	var remote State
	if err := json.Unmarshal(data, &remote); err != nil {
		return true
	}
	if remote.Open && now.Sub(remote.LastFailureAt) < b.cfg.ResetTimeout {
		return false
	}
	return true
}

// RecordSuccess zeroes the failure count and closes the circuit regardless
// of current state.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	b.state = State{}
	b.halfOpen = false
	snapshot := b.state
	b.mu.Unlock()

	b.mirror(snapshot)
}

// RecordFailure counts a consecutive failure, opening the circuit at the
// threshold. A failed half-open probe re-opens immediately for another full
// cooldown.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	b.state.ConsecutiveFailures++
	b.state.LastFailureAt = b.now()
	if b.halfOpen || b.state.ConsecutiveFailures >= b.cfg.Threshold {
		b.state.Open = true
	}
	b.halfOpen = false
	snapshot := b.state
	b.mu.Unlock()

	b.mirror(snapshot)
}

// State returns a snapshot of the local tier.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// RetryAfter returns how long callers should wait before retrying while the
// circuit is open.
func (b *Breaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.state.Open {
		return 0
	}
	remaining := b.cfg.ResetTimeout - b.now().Sub(b.state.LastFailureAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// mirror writes the state to the shared tier fire-and-forget.
func (b *Breaker) mirror(s State) {
	if b.store == nil || b.runner == nil {
		return
	}
	data, err := json.Marshal(s)
	if err != nil {
		return
	}
	ttl := 2 * b.cfg.ResetTimeout
	b.runner.Go(func(ctx context.Context) {
		if err := b.store.Put(ctx, b.key, data, ttl); err != nil {
			log.Debug().Err(err).Str("tool", b.cfg.Tool).Msg("breaker: shared tier write failed")
		}
	})
}
