package upstream

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func delta(text string) string {
	return `data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"` + text + `"}}` + "\n\n"
}

func drain(t *testing.T, s TokenStream) (string, error) {
	t.Helper()
	var sb strings.Builder
	for {
		text, err := s.Next()
		if err != nil {
			return sb.String(), err
		}
		sb.WriteString(text)
	}
}

func TestStream_ConcatenatesDeltas(t *testing.T) {
	body := delta("Hello") + delta(", ") + delta("world") +
		`data: {"type":"message_stop"}` + "\n\n"

	s := newStream(io.NopCloser(strings.NewReader(body)))
	got, err := drain(t, s)

	require.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "Hello, world", got)
}

func TestStream_SkipsNonTextEvents(t *testing.T) {
	body := `data: {"type":"message_start","message":{}}` + "\n\n" +
		delta("text") +
		`data: {"type":"ping"}` + "\n\n" +
		`data: {"type":"content_block_stop"}` + "\n\n" +
		`data: {"type":"message_stop"}` + "\n\n"

	s := newStream(io.NopCloser(strings.NewReader(body)))
	got, err := drain(t, s)

	require.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "text", got)
}

func TestStream_DoneMarkerStops(t *testing.T) {
	body := delta("abc") + "data: [DONE]\n\n" + delta("never seen")

	s := newStream(io.NopCloser(strings.NewReader(body)))
	got, err := drain(t, s)

	require.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "abc", got)
}

func TestStream_ErrorEventSurfaces(t *testing.T) {
	body := delta("partial") +
		`data: {"type":"error","error":{"type":"overloaded_error","message":"overloaded"}}` + "\n\n"

	s := newStream(io.NopCloser(strings.NewReader(body)))
	got, err := drain(t, s)

	require.ErrorIs(t, err, ErrStreamFailed)
	assert.Contains(t, err.Error(), "overloaded")
	assert.Equal(t, "partial", got, "deltas before the error are still delivered")
}

func TestStream_CRLFFraming(t *testing.T) {
	body := "data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"hi\"}}\r\n\r\n" +
		"data: {\"type\":\"message_stop\"}\r\n\r\n"

	s := newStream(io.NopCloser(strings.NewReader(body)))
	got, err := drain(t, s)

	require.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "hi", got)
}

func TestStream_FlushesTrailingEventWithoutTerminator(t *testing.T) {
	// Body ends mid-event with no blank-line terminator.
	body := delta("first") +
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"last"}}`

	s := newStream(io.NopCloser(strings.NewReader(body)))
	got, err := drain(t, s)

	require.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "firstlast", got)
}

func TestStream_EmptyBody(t *testing.T) {
	s := newStream(io.NopCloser(strings.NewReader("")))
	got, err := drain(t, s)

	require.ErrorIs(t, err, io.EOF)
	assert.Empty(t, got)
}

func TestStream_EventSplitAcrossReads(t *testing.T) {
	// Force tiny reads so event boundaries land mid-payload.
	body := delta("split across reads") + `data: {"type":"message_stop"}` + "\n\n"
	s := newStream(io.NopCloser(oneByteReader{strings.NewReader(body)}))

	got, err := drain(t, s)
	require.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "split across reads", got)
}

type oneByteReader struct {
	r io.Reader
}

func (o oneByteReader) Read(p []byte) (int, error) {
	if len(p) > 1 {
		p = p[:1]
	}
	return o.r.Read(p)
}

func TestStream_NextAfterEOFKeepsReturningEOF(t *testing.T) {
	s := newStream(io.NopCloser(strings.NewReader(delta("x") + `data: {"type":"message_stop"}` + "\n\n")))
	_, err := drain(t, s)
	require.ErrorIs(t, err, io.EOF)

	_, err = s.Next()
	assert.True(t, errors.Is(err, io.EOF))
}
