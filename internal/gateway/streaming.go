// SSE relay for streaming tool responses.
//
// Outbound protocol, identical for live and synthetic streams:
//
//	data: {"text":"<delta>"}\n\n       repeated per delta
//	data: [DONE]\n\n                   on completion
//	data: {"error":true,"message":…}\n\n then close, on mid-stream failure
package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/draftlens/tool-gateway/internal/config"
	"github.com/draftlens/tool-gateway/internal/upstream"
	"github.com/draftlens/tool-gateway/internal/utils"
)

type streamDelta struct {
	Text string `json:"text"`
}

type streamError struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
}

// handleStreaming relays the upstream token stream to the caller while
// accumulating the full text. On clean completion the accumulated text is
// validated and cached exactly as the buffered path does; a mid-flight
// upstream error becomes a terminal error event and nothing is cached.
func (g *Gateway) handleStreaming(w http.ResponseWriter, r *http.Request, tool *Tool,
	sink *outcomeSink, key string, ureq upstream.Request, logger zerolog.Logger) {

	streamTimeout := tool.StreamTimeout
	if streamTimeout <= 0 {
		streamTimeout = g.cfg.Upstream.StreamTimeout
	}
	ctx, cancel := context.WithTimeout(r.Context(), streamTimeout)
	defer cancel()

	stream, err := g.client.Stream(ctx, ureq)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		sink.Failure()
		status := mapUpstreamError(err)
		logger.Warn().Err(err).Int("status", status).Msg("upstream stream failed to start")
		g.reject(w, tool, status, tool.errUpstream(), "")
		return
	}
	// Cancellation (client disconnect or the overall timeout) must release
	// the upstream reader; Close is also what aborts a blocked Next.
	defer func() { _ = stream.Close() }()

	flusher := g.startSSE(w, tool, "MISS")

	var sb strings.Builder
	for {
		delta, nerr := stream.Next()
		if nerr == nil {
			sb.WriteString(delta)
			if !writeSSEJSON(w, flusher, streamDelta{Text: delta}) {
				// Client disconnected mid-relay; nothing more to do and no
				// cache write for a partially relayed result.
				return
			}
			continue
		}
		if errors.Is(nerr, io.EOF) {
			break
		}
		if ctx.Err() != nil {
			logger.Debug().Msg("stream cancelled")
			return
		}
		// Upstream failed mid-flight: terminal error event, breaker
		// failure, no caching of the partial text.
		sink.Failure()
		logger.Warn().Err(nerr).Msg("upstream stream error")
		writeSSEJSON(w, flusher, streamError{Error: true, Message: tool.errUpstream()})
		return
	}

	sink.Success()

	full := sb.String()
	if tool.validate(full) {
		g.cache.Set(key, full)
	} else {
		// The text already reached the caller delta by delta; all that is
		// left to withhold is the cache write.
		g.metrics.InvalidOutputs.WithLabelValues(tool.Name).Inc()
		logger.Warn().Int("output_len", len(full)).Msg("streamed output failed validation, not cached")
	}

	writeSSEDone(w, flusher)
}

// streamCached synthesizes a stream from a cached output so client-side
// handling stays uniform. It never touches the upstream service or the
// retry logic.
func (g *Gateway) streamCached(w http.ResponseWriter, r *http.Request, tool *Tool, output string) {
	flusher := g.startSSE(w, tool, "HIT")

	runes := []rune(output)
	for start := 0; start < len(runes); start += config.SyntheticChunkRunes {
		end := start + config.SyntheticChunkRunes
		if end > len(runes) {
			end = len(runes)
		}
		if !writeSSEJSON(w, flusher, streamDelta{Text: string(runes[start:end])}) {
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-time.After(config.SyntheticChunkDelay):
		}
	}

	writeSSEDone(w, flusher)
}

// startSSE writes the streaming response headers and returns the flusher.
func (g *Gateway) startSSE(w http.ResponseWriter, tool *Tool, cacheStatus string) http.Flusher {
	g.metrics.Requests.WithLabelValues(tool.Name, "200").Inc()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-Cache", cacheStatus)
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	return flusher
}

// writeSSEJSON emits one data event. Returns false once the client is gone.
func writeSSEJSON(w http.ResponseWriter, flusher http.Flusher, v any) bool {
	payload, err := utils.MarshalNoEscape(v)
	if err != nil {
		return false
	}
	if _, err := w.Write([]byte("data: " + string(payload) + "\n\n")); err != nil {
		return false
	}
	if flusher != nil {
		flusher.Flush()
	}
	return true
}

func writeSSEDone(w http.ResponseWriter, flusher http.Flusher) {
	_, _ = w.Write([]byte("data: [DONE]\n\n"))
	if flusher != nil {
		flusher.Flush()
	}
}
