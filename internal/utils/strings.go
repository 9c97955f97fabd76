// Package utils holds small helpers shared across the gateway.
package utils

// MaskKey redacts an upstream API key down to its first 8 and last 4
// characters so startup logs can confirm which credential is loaded
// without exposing it. Short keys are blanked entirely.
func MaskKey(key string) string {
	if key == "" {
		return "(empty)"
	}
	if len(key) < 16 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}
