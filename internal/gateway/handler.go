// HTTP request handling for the tool gateway.
//
// DESIGN: Admission checks run in a fixed order, first failure wins:
// content-type → body shape → input bounds → rate limit → circuit breaker →
// cache → daily budget → upstream → output validation → cache write.
// The budget comes after the cache on purpose: a cache hit costs nothing
// upstream and must not consume budget.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/draftlens/tool-gateway/internal/breaker"
	"github.com/draftlens/tool-gateway/internal/cache"
	"github.com/draftlens/tool-gateway/internal/config"
	"github.com/draftlens/tool-gateway/internal/upstream"
)

// toolRequest is the inbound body. Input is a pointer so a missing field is
// distinguishable from an empty string at the shape check.
type toolRequest struct {
	Input  *string `json:"input"`
	Stream bool    `json:"stream"`
}

// toolResponse is the buffered success body.
type toolResponse struct {
	Output string `json:"output"`
	Cached bool   `json:"cached"`
}

// errorResponse is the caller-safe failure body. Details never carry raw
// upstream content.
type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// handleTool runs the full pipeline for one tool request.
func (g *Gateway) handleTool(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	toolName := mux.Vars(r)["tool"]

	tool, ok := g.tools[toolName]
	if !ok {
		g.writeError(w, "unknown tool", "", http.StatusNotFound)
		return
	}

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.New().String()
	}
	logger := log.With().Str("request_id", requestID).Str("tool", tool.Name).Logger()

	defer func() {
		g.metrics.RequestDuration.WithLabelValues(tool.Name).Observe(time.Since(start).Seconds())
	}()

	// Content-type must declare JSON.
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		g.reject(w, tool, http.StatusUnsupportedMediaType, "content type must be application/json", "")
		return
	}

	// Body shape: a typed, immutable request value or a rejection. Nothing
	// unchecked flows past this point.
	r.Body = http.MaxBytesReader(w, r.Body, config.MaxRequestBodySize)
	var req toolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.reject(w, tool, http.StatusBadRequest, "invalid request body", "")
		return
	}
	if req.Input == nil {
		g.reject(w, tool, http.StatusBadRequest, "missing input", "")
		return
	}

	input := strings.TrimSpace(*req.Input)
	if status, msg := g.checkInputBounds(tool, input); status != 0 {
		g.reject(w, tool, status, msg, "")
		return
	}

	identity := clientIdentity(r)
	ctx := r.Context()

	// Rate limit.
	if d := g.limiter.Check(ctx, identity); !d.Allowed {
		g.metrics.RateLimited.WithLabelValues(tool.Name).Inc()
		logger.Info().Str("identity", identity).Msg("rate limited")
		g.rejectRetryable(w, tool, http.StatusTooManyRequests, "too many requests", d.RetryAfter)
		return
	}

	// Circuit breaker.
	br := g.breakers[tool.Name]
	if br != nil && !br.Allow(ctx) {
		g.metrics.CircuitRejected.WithLabelValues(tool.Name).Inc()
		logger.Info().Msg("circuit open")
		g.rejectRetryable(w, tool, http.StatusServiceUnavailable, tool.errUpstream(), br.RetryAfter())
		return
	}

	// Cache. A hit skips the budget entirely.
	key := cache.Key(tool.cachePrefix(), input)
	if entry, hit := g.cache.Get(ctx, key); hit {
		g.metrics.CacheHits.WithLabelValues(tool.Name).Inc()
		logger.Debug().Msg("cache hit")
		if req.Stream {
			g.streamCached(w, r, tool, entry.Output)
		} else {
			w.Header().Set("X-Cache", "HIT")
			g.writeJSON(w, tool, http.StatusOK, toolResponse{Output: entry.Output, Cached: true})
		}
		return
	}
	g.metrics.CacheMisses.WithLabelValues(tool.Name).Inc()

	// Daily budget, only on the path that will actually call upstream.
	if d := g.budget.CheckAndIncrement(ctx, identity); !d.Allowed {
		g.metrics.BudgetRejected.WithLabelValues(tool.Name).Inc()
		logger.Info().Str("identity", identity).Msg("daily budget exhausted")
		g.rejectRetryable(w, tool, http.StatusTooManyRequests, "daily limit reached", d.RetryAfter)
		return
	}

	ureq := upstream.Request{
		System:      tool.SystemPrompt,
		UserMessage: tool.userMessage(input),
		MaxTokens:   tool.MaxOutputTokens,
	}
	sink := newOutcomeSink(br)

	if req.Stream {
		g.handleStreaming(w, r, tool, sink, key, ureq, logger)
		return
	}
	g.handleBuffered(w, r, tool, sink, key, ureq, logger)
}

// handleBuffered runs the non-streaming upstream path.
func (g *Gateway) handleBuffered(w http.ResponseWriter, r *http.Request, tool *Tool,
	sink *outcomeSink, key string, ureq upstream.Request, logger zerolog.Logger) {

	res, err := g.client.Complete(r.Context(), ureq)
	if err != nil {
		if r.Context().Err() != nil {
			// Caller is gone; nothing to write, nothing to record.
			return
		}
		sink.Failure()
		status := mapUpstreamError(err)
		logger.Warn().Err(err).Int("status", status).Msg("upstream call failed")
		g.reject(w, tool, status, tool.errUpstream(), "")
		return
	}
	// The HTTP outcome decides circuit health; validation below does not.
	sink.Success()

	if !tool.validate(res.Text) {
		g.metrics.InvalidOutputs.WithLabelValues(tool.Name).Inc()
		logger.Warn().Int("output_len", len(res.Text)).Msg("output failed validation, not cached")
		g.reject(w, tool, http.StatusUnprocessableEntity, tool.errInvalidOutput(), "")
		return
	}

	g.cache.Set(key, res.Text)
	w.Header().Set("X-Cache", "MISS")
	g.writeJSON(w, tool, http.StatusOK, toolResponse{Output: res.Text, Cached: false})
}

// checkInputBounds validates presence and length. Returns 0 when the input
// is acceptable.
func (g *Gateway) checkInputBounds(tool *Tool, input string) (int, string) {
	if input == "" {
		return http.StatusBadRequest, "input is empty"
	}
	minLen := tool.MinInputLen
	if minLen <= 0 {
		minLen = config.DefaultMinInputLen
	}
	maxLen := tool.MaxInputLen
	if maxLen <= 0 {
		maxLen = config.DefaultMaxInputLen
	}
	if len(input) < minLen {
		return http.StatusBadRequest, fmt.Sprintf("input must be at least %d characters", minLen)
	}
	if len(input) > maxLen {
		return http.StatusBadRequest, fmt.Sprintf("input must be at most %d characters", maxLen)
	}
	if tool.MaxInputTokens > 0 && g.encoder != nil {
		if tokens := len(g.encoder.Encode(input, nil, nil)); tokens > tool.MaxInputTokens {
			return http.StatusBadRequest, fmt.Sprintf("input must be at most %d tokens", tool.MaxInputTokens)
		}
	}
	return 0, ""
}

// mapUpstreamError translates a terminal upstream failure into the outward
// status: 504 for timeouts, the upstream's own status when it is already a
// gateway-grade failure code, 502 for everything else. Details of the
// upstream response stay in the logs.
func mapUpstreamError(err error) int {
	var ue *upstream.Error
	if errors.As(err, &ue) {
		if ue.Timeout() {
			return http.StatusGatewayTimeout
		}
		switch ue.Status {
		case http.StatusInternalServerError, http.StatusBadGateway, http.StatusGatewayTimeout:
			return ue.Status
		}
	}
	return http.StatusBadGateway
}

// clientIdentity resolves the caller identity for limiter and budget keys:
// first X-Forwarded-For hop when present, else the remote address.
func clientIdentity(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.Index(fwd, ","); idx >= 0 {
			fwd = fwd[:idx]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// reject writes a caller-safe error body and counts the request.
func (g *Gateway) reject(w http.ResponseWriter, tool *Tool, status int, msg, details string) {
	g.writeJSON(w, tool, status, errorResponse{Error: msg, Details: details})
}

// rejectRetryable is reject plus a Retry-After hint for routine
// admission-control outcomes.
func (g *Gateway) rejectRetryable(w http.ResponseWriter, tool *Tool, status int, msg string, retryAfter time.Duration) {
	secs := int(retryAfter.Round(time.Second).Seconds())
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	g.writeJSON(w, tool, status, errorResponse{Error: msg})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, tool *Tool, status int, body any) {
	g.metrics.Requests.WithLabelValues(tool.Name, strconv.Itoa(status)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError is the tool-agnostic variant used before a tool is resolved.
func (g *Gateway) writeError(w http.ResponseWriter, msg, details string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: msg, Details: details})
}

// outcomeSink is the single place upstream HTTP outcomes feed the circuit
// breaker, keeping the success/failure hooks out of the streaming and
// buffered control flow. Nil-breaker safe.
type outcomeSink struct {
	br *breaker.Breaker
}

func newOutcomeSink(br *breaker.Breaker) *outcomeSink { return &outcomeSink{br: br} }

func (s *outcomeSink) Success() {
	if s.br != nil {
		s.br.RecordSuccess()
	}
}

func (s *outcomeSink) Failure() {
	if s.br != nil {
		s.br.RecordFailure()
	}
}
