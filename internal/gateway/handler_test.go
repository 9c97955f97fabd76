package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/draftlens/tool-gateway/internal/config"
	"github.com/draftlens/tool-gateway/internal/kv"
	"github.com/draftlens/tool-gateway/internal/upstream"
)

// mockUpstream is a scripted UpstreamClient that counts calls.
type mockUpstream struct {
	mu       sync.Mutex
	calls    int
	complete func(req upstream.Request) (*upstream.Result, error)
	stream   func(req upstream.Request) (upstream.TokenStream, error)
}

func (m *mockUpstream) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *mockUpstream) Complete(_ context.Context, req upstream.Request) (*upstream.Result, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.complete == nil {
		return &upstream.Result{Text: "Strengths: solid.\nImprovements: none.", StatusCode: 200}, nil
	}
	return m.complete(req)
}

func (m *mockUpstream) Stream(_ context.Context, req upstream.Request) (upstream.TokenStream, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.stream == nil {
		return &scriptedStream{deltas: []string{"ok"}}, nil
	}
	return m.stream(req)
}

// scriptedStream yields deltas then finErr (io.EOF when nil).
type scriptedStream struct {
	deltas []string
	finErr error
	idx    int
	closed bool
}

func (s *scriptedStream) Next() (string, error) {
	if s.idx < len(s.deltas) {
		d := s.deltas[s.idx]
		s.idx++
		return d, nil
	}
	if s.finErr != nil {
		return "", s.finErr
	}
	return "", io.EOF
}

func (s *scriptedStream) Close() error {
	s.closed = true
	return nil
}

// erroringStore simulates a total shared-store outage.
type erroringStore struct{}

func (erroringStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("store down")
}
func (erroringStore) Put(context.Context, string, []byte, time.Duration) error {
	return errors.New("store down")
}
func (erroringStore) Delete(context.Context, string) error { return errors.New("store down") }
func (erroringStore) Close() error                         { return nil }

func testConfig() *config.Config {
	return &config.Config{
		Cache:     config.CacheConfig{TTL: time.Hour},
		RateLimit: config.RateLimitConfig{Max: 100, Window: time.Minute},
		Breaker:   config.BreakerConfig{Threshold: 2, ResetTimeout: 30 * time.Second},
		Upstream:  config.UpstreamConfig{StreamTimeout: time.Minute},
	}
}

func testTool() *Tool {
	return &Tool{
		Name:        "echo-review",
		MinInputLen: 5,
		MaxInputLen: 500,
		UseBreaker:  true,
	}
}

func newTestGateway(t *testing.T, cfg *config.Config, store kv.Store, client UpstreamClient) *Gateway {
	t.Helper()
	g := New(cfg, store, client, []*Tool{testTool()})
	t.Cleanup(g.Close)
	return g
}

func postTool(g *Gateway, tool string, body string, header map[string]string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, "/api/tools/"+tool, strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	r.RemoteAddr = "10.0.0.1:55000"
	for k, v := range header {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	g.Router().ServeHTTP(w, r)
	return w
}

func reqBody(input string) string {
	b, _ := json.Marshal(map[string]any{"input": input})
	return string(b)
}

func TestHandleTool_UnknownTool(t *testing.T) {
	g := newTestGateway(t, testConfig(), nil, &mockUpstream{})
	w := postTool(g, "no-such-tool", reqBody("hello there"), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleTool_RequiresJSONContentType(t *testing.T) {
	g := newTestGateway(t, testConfig(), nil, &mockUpstream{})

	r := httptest.NewRequest(http.MethodPost, "/api/tools/echo-review", strings.NewReader(reqBody("hello there")))
	r.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()
	g.Router().ServeHTTP(w, r)

	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
}

func TestHandleTool_BodyShape(t *testing.T) {
	g := newTestGateway(t, testConfig(), nil, &mockUpstream{})

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"input":`},
		{"missing input", `{"stream":true}`},
		{"empty input", `{"input":"   "}`},
		{"too short", `{"input":"hi"}`},
		{"too long", fmt.Sprintf(`{"input":%q}`, strings.Repeat("a", 600))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postTool(g, "echo-review", tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, w.Code)

			var resp errorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestHandleTool_CacheIdempotence(t *testing.T) {
	client := &mockUpstream{}
	g := newTestGateway(t, testConfig(), nil, client)

	first := postTool(g, "echo-review", reqBody("review my work please"), nil)
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "MISS", first.Header().Get("X-Cache"))
	assert.False(t, gjson.Get(first.Body.String(), "cached").Bool())

	second := postTool(g, "echo-review", reqBody("review my work please"), nil)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "HIT", second.Header().Get("X-Cache"))
	assert.True(t, gjson.Get(second.Body.String(), "cached").Bool())

	assert.Equal(t,
		gjson.Get(first.Body.String(), "output").String(),
		gjson.Get(second.Body.String(), "output").String())
	assert.Equal(t, 1, client.Calls(), "a cache hit must not call upstream")
}

func TestHandleTool_CacheNormalizesInput(t *testing.T) {
	client := &mockUpstream{}
	g := newTestGateway(t, testConfig(), nil, client)

	require.Equal(t, http.StatusOK, postTool(g, "echo-review", reqBody("Review My Work"), nil).Code)
	w := postTool(g, "echo-review", reqBody("  review my work  "), nil)

	assert.Equal(t, "HIT", w.Header().Get("X-Cache"))
	assert.Equal(t, 1, client.Calls())
}

func TestHandleTool_RateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.Max = 1
	client := &mockUpstream{}
	g := newTestGateway(t, cfg, nil, client)

	require.Equal(t, http.StatusOK, postTool(g, "echo-review", reqBody("first request body"), nil).Code)

	w := postTool(g, "echo-review", reqBody("second request body"), nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, 1, client.Calls())

	// A different identity is not affected.
	other := postTool(g, "echo-review", reqBody("third request body"), map[string]string{
		"X-Forwarded-For": "192.0.2.7",
	})
	assert.Equal(t, http.StatusOK, other.Code)
}

func TestHandleTool_UpstreamFailureStatuses(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"timeout maps to 504", &upstream.Error{Err: context.DeadlineExceeded}, http.StatusGatewayTimeout},
		{"exhausted 500 surfaces as 500", &upstream.Error{Status: 500}, http.StatusInternalServerError},
		{"exhausted 502 surfaces as 502", &upstream.Error{Status: 502}, http.StatusBadGateway},
		{"exhausted 504 surfaces as 504", &upstream.Error{Status: 504}, http.StatusGatewayTimeout},
		{"exhausted 503 maps to 502", &upstream.Error{Status: 503}, http.StatusBadGateway},
		{"exhausted 429 maps to 502", &upstream.Error{Status: 429}, http.StatusBadGateway},
		{"network failure maps to 502", &upstream.Error{Err: errors.New("conn refused")}, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &mockUpstream{complete: func(upstream.Request) (*upstream.Result, error) {
				return nil, tt.err
			}}
			g := newTestGateway(t, testConfig(), nil, client)

			w := postTool(g, "echo-review", reqBody("please review this text"), nil)
			assert.Equal(t, tt.want, w.Code)
			assert.NotContains(t, w.Body.String(), "conn refused",
				"raw upstream details must not reach the caller")
		})
	}
}

func TestHandleTool_CircuitBreakerOpens(t *testing.T) {
	client := &mockUpstream{complete: func(upstream.Request) (*upstream.Result, error) {
		return nil, &upstream.Error{Status: 503}
	}}
	g := newTestGateway(t, testConfig(), nil, client)

	// Threshold is 2: two failures trip the circuit.
	require.Equal(t, http.StatusBadGateway, postTool(g, "echo-review", reqBody("failing request one"), nil).Code)
	require.Equal(t, http.StatusBadGateway, postTool(g, "echo-review", reqBody("failing request two"), nil).Code)

	w := postTool(g, "echo-review", reqBody("failing request three"), nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, 2, client.Calls(), "an open circuit must not call upstream")
}

func TestHandleTool_SuccessClosesBreaker(t *testing.T) {
	var fail bool
	client := &mockUpstream{complete: func(upstream.Request) (*upstream.Result, error) {
		if fail {
			return nil, &upstream.Error{Status: 503}
		}
		return &upstream.Result{Text: "fine output", StatusCode: 200}, nil
	}}
	g := newTestGateway(t, testConfig(), nil, client)

	fail = true
	postTool(g, "echo-review", reqBody("failing request one"), nil)
	fail = false
	postTool(g, "echo-review", reqBody("a successful request"), nil)

	st := g.Breaker("echo-review").State()
	assert.Equal(t, 0, st.ConsecutiveFailures)
	assert.False(t, st.Open)
}

func TestHandleTool_DailyBudget(t *testing.T) {
	store := kv.NewMemoryStore()
	defer func() { _ = store.Close() }()

	cfg := testConfig()
	cfg.Budget.DailyCap = 1
	client := &mockUpstream{}
	g := newTestGateway(t, cfg, store, client)

	require.Equal(t, http.StatusOK, postTool(g, "echo-review", reqBody("first unique request"), nil).Code)

	w := postTool(g, "echo-review", reqBody("second unique request"), nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "daily limit")
	assert.Equal(t, 1, client.Calls())
}

func TestHandleTool_CacheHitsDoNotConsumeBudget(t *testing.T) {
	store := kv.NewMemoryStore()
	defer func() { _ = store.Close() }()

	cfg := testConfig()
	cfg.Budget.DailyCap = 10
	client := &mockUpstream{}
	g := newTestGateway(t, cfg, store, client)
	ctx := context.Background()

	require.Equal(t, http.StatusOK, postTool(g, "echo-review", reqBody("cache warming request"), nil).Code)
	after := g.Budget().Remaining(ctx, "10.0.0.1")
	require.Equal(t, 9, after)

	for i := 0; i < 3; i++ {
		w := postTool(g, "echo-review", reqBody("cache warming request"), nil)
		require.Equal(t, http.StatusOK, w.Code)
		require.Equal(t, "HIT", w.Header().Get("X-Cache"))
	}

	assert.Equal(t, 9, g.Budget().Remaining(ctx, "10.0.0.1"),
		"cache hits must not move the budget counter")
}

func TestHandleTool_InvalidOutputNotCached(t *testing.T) {
	client := &mockUpstream{complete: func(upstream.Request) (*upstream.Result, error) {
		return &upstream.Result{Text: "garbage", StatusCode: 200}, nil
	}}

	cfg := testConfig()
	tool := testTool()
	tool.ValidateOutput = func(out string) bool { return strings.Contains(out, "Strengths:") }
	g := New(cfg, nil, client, []*Tool{tool})
	t.Cleanup(g.Close)

	first := postTool(g, "echo-review", reqBody("input for bad output"), nil)
	assert.Equal(t, http.StatusUnprocessableEntity, first.Code)

	second := postTool(g, "echo-review", reqBody("input for bad output"), nil)
	assert.Equal(t, http.StatusUnprocessableEntity, second.Code)
	assert.Equal(t, 2, client.Calls(), "rejected outputs must not be cached")

	// Validation failures are not upstream failures.
	assert.Equal(t, 0, g.Breaker("echo-review").State().ConsecutiveFailures)
}

func TestHandleTool_FailsOpenUnderStoreOutage(t *testing.T) {
	cfg := testConfig()
	cfg.Budget.DailyCap = 5
	client := &mockUpstream{}
	g := newTestGateway(t, cfg, erroringStore{}, client)

	w := postTool(g, "echo-review", reqBody("request during outage"), nil)
	assert.Equal(t, http.StatusOK, w.Code, "a dead shared store must not block requests")

	// Local cache still works across the outage.
	w = postTool(g, "echo-review", reqBody("request during outage"), nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "HIT", w.Header().Get("X-Cache"))
	assert.Equal(t, 1, client.Calls())
}

func TestClientIdentity(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.RemoteAddr = "10.1.2.3:4567"
	assert.Equal(t, "10.1.2.3", clientIdentity(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.2")
	assert.Equal(t, "203.0.113.9", clientIdentity(r), "first forwarded hop wins")
}

// collectSSE parses an SSE body into its data payloads.
func collectSSE(t *testing.T, body string) (deltas []string, done bool, errEvent string) {
	t.Helper()
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			done = true
			continue
		}
		if gjson.Get(payload, "error").Bool() {
			errEvent = gjson.Get(payload, "message").String()
			continue
		}
		deltas = append(deltas, gjson.Get(payload, "text").String())
	}
	return deltas, done, errEvent
}

func TestHandleTool_StreamingEquivalence(t *testing.T) {
	client := &mockUpstream{
		stream: func(upstream.Request) (upstream.TokenStream, error) {
			return &scriptedStream{deltas: []string{"Hello", ", ", "world"}}, nil
		},
		complete: func(upstream.Request) (*upstream.Result, error) {
			return &upstream.Result{Text: "Hello, world", StatusCode: 200}, nil
		},
	}
	g := newTestGateway(t, testConfig(), nil, client)

	w := postTool(g, "echo-review", `{"input":"stream this input","stream":true}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "MISS", w.Header().Get("X-Cache"))

	deltas, done, errEvent := collectSSE(t, w.Body.String())
	require.True(t, done)
	require.Empty(t, errEvent)
	assert.Equal(t, "Hello, world", strings.Join(deltas, ""))

	// The streamed result was cached; a buffered call serves it verbatim.
	buffered := postTool(g, "echo-review", reqBody("stream this input"), nil)
	require.Equal(t, http.StatusOK, buffered.Code)
	assert.Equal(t, "HIT", buffered.Header().Get("X-Cache"))
	assert.Equal(t, "Hello, world", gjson.Get(buffered.Body.String(), "output").String())
	assert.Equal(t, 1, client.Calls())
}

func TestHandleTool_SyntheticStreamFromCache(t *testing.T) {
	client := &mockUpstream{complete: func(upstream.Request) (*upstream.Result, error) {
		return &upstream.Result{Text: strings.Repeat("résumé ", 30), StatusCode: 200}, nil
	}}
	g := newTestGateway(t, testConfig(), nil, client)

	buffered := postTool(g, "echo-review", reqBody("warm the cache first"), nil)
	require.Equal(t, http.StatusOK, buffered.Code)
	want := gjson.Get(buffered.Body.String(), "output").String()

	w := postTool(g, "echo-review", `{"input":"warm the cache first","stream":true}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "HIT", w.Header().Get("X-Cache"))

	deltas, done, errEvent := collectSSE(t, w.Body.String())
	require.True(t, done)
	require.Empty(t, errEvent)
	assert.Equal(t, want, strings.Join(deltas, ""),
		"synthetic stream must reassemble to the cached output, multi-byte runes intact")
	assert.Greater(t, len(deltas), 1, "cached output should be chunked, not sent whole")
	assert.Equal(t, 1, client.Calls(), "synthetic streaming never calls upstream")
}

func TestHandleTool_StreamingMidFlightError(t *testing.T) {
	client := &mockUpstream{stream: func(upstream.Request) (upstream.TokenStream, error) {
		return &scriptedStream{
			deltas: []string{"partial "},
			finErr: fmt.Errorf("%w: overloaded", upstream.ErrStreamFailed),
		}, nil
	}}
	g := newTestGateway(t, testConfig(), nil, client)

	w := postTool(g, "echo-review", `{"input":"doomed stream input","stream":true}`, nil)
	require.Equal(t, http.StatusOK, w.Code, "headers are already sent when a stream dies")

	deltas, done, errEvent := collectSSE(t, w.Body.String())
	assert.Equal(t, []string{"partial "}, deltas)
	assert.False(t, done, "a failed stream must not emit the done marker")
	assert.NotEmpty(t, errEvent)

	assert.Equal(t, 1, g.Breaker("echo-review").State().ConsecutiveFailures,
		"a mid-stream failure counts against the circuit")

	// Nothing was cached for the partial text.
	again := postTool(g, "echo-review", reqBody("doomed stream input"), nil)
	assert.Equal(t, "MISS", again.Header().Get("X-Cache"))
}

func TestHandleTool_StreamStartFailure(t *testing.T) {
	client := &mockUpstream{stream: func(upstream.Request) (upstream.TokenStream, error) {
		return nil, &upstream.Error{Status: 503}
	}}
	g := newTestGateway(t, testConfig(), nil, client)

	w := postTool(g, "echo-review", `{"input":"stream that never starts","stream":true}`, nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, 1, g.Breaker("echo-review").State().ConsecutiveFailures)
}
