// Package config - defaults.go centralizes magic numbers and default values.
//
// DESIGN: All default values that appear in multiple places should be
// defined here. This makes configuration more maintainable and auditable.
package config

import "time"

// =============================================================================
// SERVER
// =============================================================================

// DefaultListenAddr is the HTTP listen address.
const DefaultListenAddr = ":8787"

// DefaultReadTimeout for the HTTP server.
const DefaultReadTimeout = 30 * time.Second

// DefaultServerWriteTimeout for the HTTP server (safe for streaming).
const DefaultServerWriteTimeout = 10 * time.Minute

// MaxRequestBodySize caps inbound tool request bodies (64KB).
const MaxRequestBodySize = 64 * 1024

// =============================================================================
// CACHING
// =============================================================================

// DefaultCacheTTL is how long a completed output stays servable.
const DefaultCacheTTL = 24 * time.Hour

// DefaultSweepInterval is the minimum gap between opportunistic local cache
// sweeps.
const DefaultSweepInterval = 5 * time.Minute

// DefaultSweepChance is the fraction of reads that may trigger a sweep.
const DefaultSweepChance = 0.01

// =============================================================================
// RATE LIMITING
// =============================================================================

// DefaultRateLimitMax is requests per identity per window.
const DefaultRateLimitMax = 10

// DefaultRateLimitWindow is the fixed-window length.
const DefaultRateLimitWindow = time.Minute

// DefaultRateLimitMultiplier scales the shared-tier backstop threshold
// relative to the local one. Deliberately coarse; see ratelimit package doc.
const DefaultRateLimitMultiplier = 1.5

// MaxRateLimitBuckets prevents memory exhaustion from too many identities.
const MaxRateLimitBuckets = 10000

// =============================================================================
// CIRCUIT BREAKER
// =============================================================================

// DefaultBreakerThreshold is consecutive failures before the circuit opens.
const DefaultBreakerThreshold = 5

// DefaultBreakerResetTimeout is the cooldown before a half-open probe.
const DefaultBreakerResetTimeout = 30 * time.Second

// =============================================================================
// DAILY BUDGET
// =============================================================================

// DefaultDailyBudget is upstream requests per identity per UTC day.
// 0 disables enforcement.
const DefaultDailyBudget = 50

// =============================================================================
// UPSTREAM
// =============================================================================

// DefaultUpstreamBaseURL is the completion-service endpoint.
const DefaultUpstreamBaseURL = "https://api.anthropic.com"

// DefaultModel is the completion model requested for all tools.
const DefaultModel = "claude-3-5-haiku-latest"

// DefaultMaxOutputTokens bounds completion length.
const DefaultMaxOutputTokens = 1024

// DefaultMaxRetries, DefaultInitialRetryDelay, DefaultMaxRetryDelay and
// DefaultRetryMultiplier define the backoff policy.
const (
	DefaultMaxRetries        = 2
	DefaultInitialRetryDelay = time.Second
	DefaultMaxRetryDelay     = 5 * time.Second
	DefaultRetryMultiplier   = 2.0
)

// DefaultAttemptTimeout bounds a single upstream attempt.
const DefaultAttemptTimeout = 30 * time.Second

// DefaultStreamTimeout is the overall cap on a streaming response. It is
// intentionally longer than the per-attempt timeout.
const DefaultStreamTimeout = 3 * time.Minute

// =============================================================================
// INPUT BOUNDS
// =============================================================================

// DefaultMinInputLen and DefaultMaxInputLen bound tool input in characters.
const (
	DefaultMinInputLen = 20
	DefaultMaxInputLen = 8000
)

// =============================================================================
// SYNTHETIC STREAMING
// =============================================================================

// SyntheticChunkRunes is the chunk size when replaying a cached output as a
// stream.
const SyntheticChunkRunes = 48

// SyntheticChunkDelay is the artificial gap between synthetic chunks.
const SyntheticChunkDelay = 15 * time.Millisecond

// =============================================================================
// BACKGROUND TASKS
// =============================================================================

// DefaultBackgroundTasks bounds concurrent fire-and-forget store writes.
const DefaultBackgroundTasks = 64

// DefaultBackgroundTimeout bounds a single background task.
const DefaultBackgroundTimeout = 5 * time.Second

// DefaultShutdownGrace is how long shutdown waits for in-flight work.
const DefaultShutdownGrace = 10 * time.Second
