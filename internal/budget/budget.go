// Package budget enforces the per-identity daily request cap.
//
// DESIGN: The cap exists only in the shared store; there is no meaningful
// per-instance tier since a daily cap cannot be approximated locally across
// many short-lived instances. The check is the one read-then-write the
// gateway awaits on the shared store. Any store failure fails open: tool
// availability beats strict budget enforcement. The orchestrator checks the
// budget only after a cache miss, so cache hits never consume budget.
package budget

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/draftlens/tool-gateway/internal/kv"
)

const storeTimeout = 500 * time.Millisecond

// Decision is the outcome of a budget check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration // time until the daily counter resets
}

type counter struct {
	Count   int       `json:"count"`
	ResetAt time.Time `json:"reset_at"`
}

// Tracker enforces the daily cap. Safe for concurrent use.
type Tracker struct {
	store    kv.Store
	dailyCap int
	now      func() time.Time
}

// New creates a Tracker. A nil store or non-positive cap disables
// enforcement entirely.
func New(store kv.Store, dailyCap int) *Tracker {
	return &Tracker{store: store, dailyCap: dailyCap, now: time.Now}
}

// CheckAndIncrement consumes one unit of identity's daily budget if any
// remains. Fails open on any store error.
func (t *Tracker) CheckAndIncrement(ctx context.Context, identity string) Decision {
	if t.store == nil || t.dailyCap <= 0 {
		return Decision{Allowed: true, Remaining: t.dailyCap}
	}

	now := t.now().UTC()
	key := t.key(identity, now)

	rctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	c, err := t.read(rctx, key, now)
	if err != nil {
		log.Debug().Err(err).Msg("budget: shared tier read failed, failing open")
		return Decision{Allowed: true, Remaining: t.dailyCap}
	}

	if c.Count >= t.dailyCap {
		return Decision{Allowed: false, Remaining: 0, RetryAfter: c.ResetAt.Sub(now)}
	}

	c.Count++
	data, merr := json.Marshal(c)
	if merr == nil {
		// TTL slightly past the reset so a reader near midnight still sees
		// the closing counter.
		ttl := c.ResetAt.Sub(now) + time.Hour
		if err := t.store.Put(rctx, key, data, ttl); err != nil {
			log.Debug().Err(err).Msg("budget: shared tier write failed, failing open")
		}
	}
	return Decision{Allowed: true, Remaining: t.dailyCap - c.Count, RetryAfter: c.ResetAt.Sub(now)}
}

// Remaining reports the identity's remaining budget without consuming any.
// Fails open to the full cap on store errors.
func (t *Tracker) Remaining(ctx context.Context, identity string) int {
	if t.store == nil || t.dailyCap <= 0 {
		return t.dailyCap
	}

	now := t.now().UTC()

	rctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	c, err := t.read(rctx, t.key(identity, now), now)
	if err != nil {
		return t.dailyCap
	}
	remaining := t.dailyCap - c.Count
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

func (t *Tracker) read(ctx context.Context, key string, now time.Time) (counter, error) {
	data, found, err := t.store.Get(ctx, key)
	if err != nil {
		return counter{}, err
	}

	var c counter
	if found {
		if err := json.Unmarshal(data, &c); err != nil {
			c = counter{}
		}
	}
	if c.ResetAt.IsZero() || now.After(c.ResetAt) {
		c = counter{ResetAt: nextUTCMidnight(now)}
	}
	return c, nil
}

// key scopes counters per identity per UTC day so a stale entry from
// yesterday can never collide with today's count.
func (t *Tracker) key(identity string, now time.Time) string {
	return "budget:" + identity + ":" + now.Format("20060102")
}

func nextUTCMidnight(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}
