// Package gateway is the request pipeline orchestrator: it composes the
// cache, rate limiter, circuit breaker, daily budget and retrying upstream
// client into one per-tool HTTP handler.
//
// DESIGN: All mutable per-tool state lives on the Gateway value constructed
// once at startup and passed into every handler, never in package globals,
// so tests can build isolated instances. Shared-store writes go through the
// background runner; the only shared-store round-trips awaited on the
// request path are the cache's initial read and the budget's
// read-then-write.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"

	"github.com/draftlens/tool-gateway/internal/background"
	"github.com/draftlens/tool-gateway/internal/breaker"
	"github.com/draftlens/tool-gateway/internal/budget"
	"github.com/draftlens/tool-gateway/internal/cache"
	"github.com/draftlens/tool-gateway/internal/config"
	"github.com/draftlens/tool-gateway/internal/kv"
	"github.com/draftlens/tool-gateway/internal/monitoring"
	"github.com/draftlens/tool-gateway/internal/ratelimit"
	"github.com/draftlens/tool-gateway/internal/upstream"
)

const tokenEncoding = "cl100k_base"

// UpstreamClient is the completion-service surface the pipeline depends on.
// Tests substitute mocks; production wires upstream.Client.
type UpstreamClient interface {
	Complete(ctx context.Context, req upstream.Request) (*upstream.Result, error)
	Stream(ctx context.Context, req upstream.Request) (upstream.TokenStream, error)
}

// Gateway holds the long-lived per-tool state reused across requests.
type Gateway struct {
	cfg      *config.Config
	store    kv.Store
	runner   *background.Runner
	cache    *cache.Cache
	limiter  *ratelimit.Limiter
	budget   *budget.Tracker
	breakers map[string]*breaker.Breaker
	tools    map[string]*Tool
	client   UpstreamClient
	metrics  *monitoring.Metrics
	encoder  *tiktoken.Tiktoken
}

// New constructs a Gateway. store may be nil, in which case every dual-tier
// component runs local-only.
func New(cfg *config.Config, store kv.Store, client UpstreamClient, tools []*Tool) *Gateway {
	runner := background.NewRunner(config.DefaultBackgroundTasks, config.DefaultBackgroundTimeout)

	g := &Gateway{
		cfg:    cfg,
		store:  store,
		runner: runner,
		cache: cache.New(cache.Config{
			TTL:           cfg.Cache.TTL,
			SweepInterval: cfg.Cache.SweepInterval,
			SweepChance:   cfg.Cache.SweepChance,
			Store:         store,
			Runner:        runner,
		}),
		limiter: ratelimit.New(ratelimit.Config{
			Max:        cfg.RateLimit.Max,
			Window:     cfg.RateLimit.Window,
			Multiplier: cfg.RateLimit.Multiplier,
			MaxBuckets: cfg.RateLimit.MaxBuckets,
			Store:      store,
			Runner:     runner,
		}),
		budget:   budget.New(store, cfg.Budget.DailyCap),
		breakers: make(map[string]*breaker.Breaker),
		tools:    make(map[string]*Tool),
		client:   client,
		metrics:  monitoring.New(),
	}

	for _, tool := range tools {
		g.tools[tool.Name] = tool
		if tool.UseBreaker {
			g.breakers[tool.Name] = breaker.New(breaker.Config{
				Tool:         tool.Name,
				Threshold:    cfg.Breaker.Threshold,
				ResetTimeout: cfg.Breaker.ResetTimeout,
				Store:        store,
				Runner:       runner,
			})
		}
	}

	if h, ok := client.(interface{ SetOnRetry(func(int)) }); ok {
		h.SetOnRetry(func(int) { g.metrics.UpstreamRetries.Inc() })
	}

	if enc, err := tiktoken.GetEncoding(tokenEncoding); err == nil {
		g.encoder = enc
	} else {
		log.Warn().Err(err).Msg("gateway: token encoder unavailable, token bounds disabled")
	}

	return g
}

// Router builds the HTTP surface.
func (g *Gateway) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", g.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", g.metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/api/tools/{tool}", g.handleTool).Methods(http.MethodPost)
	return r
}

// Metrics exposes the instrument set, mainly for tests.
func (g *Gateway) Metrics() *monitoring.Metrics { return g.metrics }

// Breaker returns the named tool's breaker, or nil. Used by tests.
func (g *Gateway) Breaker(tool string) *breaker.Breaker { return g.breakers[tool] }

// Budget exposes the budget tracker. Used by tests.
func (g *Gateway) Budget() *budget.Tracker { return g.budget }

// Close drains background work. The store is owned by the caller.
func (g *Gateway) Close() {
	g.runner.Close(config.DefaultShutdownGrace)
}

// handleHealth reports gateway health, including a shared-store round-trip
// when one is configured.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	}

	if g.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		defer cancel()
		if err := g.store.Put(ctx, "_health_", []byte("ok"), time.Minute); err != nil {
			health["status"] = "degraded"
			health["store"] = "unreachable"
		} else {
			_ = g.store.Delete(ctx, "_health_")
		}
	}

	w.Header().Set("Content-Type", "application/json")
	// A degraded store is not fatal: every component fails open. Report it
	// without flipping the status code so orchestrators keep routing here.
	_ = json.NewEncoder(w).Encode(health)
}
