package upstream

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/tidwall/gjson"
)

const streamBufferSize = 4096

// ErrStreamFailed marks an upstream error event received mid-stream.
var ErrStreamFailed = errors.New("upstream stream error")

// TokenStream yields incremental text deltas from a streaming completion.
// Next returns io.EOF on clean completion. Close releases the underlying
// connection and must always be called.
type TokenStream interface {
	Next() (string, error)
	Close() error
}

// stream decodes the vendor's SSE event framing. Events are separated by
// blank lines; each carries one or more "data:" payloads.
type stream struct {
	body io.ReadCloser
	buf  []byte
	read []byte
	done bool
}

func newStream(body io.ReadCloser) *stream {
	return &stream{
		body: body,
		read: make([]byte, streamBufferSize),
	}
}

// Next returns the next text delta. Non-text events (message boundaries,
// pings) are skipped. An upstream error event surfaces as ErrStreamFailed.
func (s *stream) Next() (string, error) {
	for {
		if s.done {
			return "", io.EOF
		}

		event, rest, ok := nextEvent(s.buf, false)
		if ok {
			s.buf = rest
			text, stop, err := s.handleEvent(event)
			if err != nil {
				return "", err
			}
			if stop {
				s.done = true
				return "", io.EOF
			}
			if text != "" {
				return text, nil
			}
			continue
		}

		n, err := s.body.Read(s.read)
		if n > 0 {
			s.buf = append(s.buf, s.read[:n]...)
		}
		if err != nil {
			s.done = true
			if err == io.EOF {
				// Flush a trailing event without terminator, then finish.
				if event, _, ok := nextEvent(s.buf, true); ok {
					s.buf = nil
					text, _, herr := s.handleEvent(event)
					if herr != nil {
						return "", herr
					}
					if text != "" {
						return text, nil
					}
				}
				return "", io.EOF
			}
			return "", err
		}
	}
}

func (s *stream) Close() error { return s.body.Close() }

// handleEvent extracts a text delta from one SSE event. stop is true on the
// terminal message event.
func (s *stream) handleEvent(event []byte) (text string, stop bool, err error) {
	for _, line := range bytes.Split(event, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		payload := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
		if len(payload) == 0 {
			continue
		}
		if bytes.Equal(payload, []byte("[DONE]")) {
			return "", true, nil
		}

		switch gjson.GetBytes(payload, "type").String() {
		case "content_block_delta":
			if t := gjson.GetBytes(payload, "delta.text"); t.Exists() {
				text += t.String()
			}
		case "message_stop":
			return text, true, nil
		case "error":
			msg := gjson.GetBytes(payload, "error.message").String()
			return "", false, fmt.Errorf("%w: %s", ErrStreamFailed, msg)
		}
	}
	return text, false, nil
}

// nextEvent frames one SSE event off buf. With flush set, a trailing
// unterminated event is returned as-is.
func nextEvent(buf []byte, flush bool) ([]byte, []byte, bool) {
	if idx := bytes.Index(buf, []byte("\r\n\r\n")); idx >= 0 {
		return buf[:idx], buf[idx+4:], true
	}
	if idx := bytes.Index(buf, []byte("\n\n")); idx >= 0 {
		return buf[:idx], buf[idx+2:], true
	}
	if flush {
		trimmed := bytes.TrimSpace(buf)
		if len(trimmed) > 0 {
			return trimmed, nil, true
		}
	}
	return nil, nil, false
}
