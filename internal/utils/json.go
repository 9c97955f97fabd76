package utils

import (
	"bytes"
	"encoding/json"
)

// MarshalNoEscape marshals v without HTML escaping, so tool output and SSE
// payloads carry '<', '>' and '&' as written rather than as < sequences.
func MarshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	// Encoder appends a newline; strip it to match json.Marshal.
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}
