package gateway

import "time"

// Tool is the per-tool configuration supplied by the product layer: prompt
// text, message construction and output validation are the collaborator's
// content; the gateway only runs them.
type Tool struct {
	// Name is the route segment and metrics label.
	Name string

	// CachePrefix namespaces cache keys. Defaults to Name.
	CachePrefix string

	// SystemPrompt is sent verbatim to the completion service.
	SystemPrompt string

	// BuildUserMessage wraps the raw input into the user message.
	BuildUserMessage func(input string) string

	// ValidateOutput accepts or rejects the accumulated completion text.
	// Rejected outputs are surfaced as 422 and never cached.
	ValidateOutput func(output string) bool

	// MinInputLen and MaxInputLen bound the raw input in characters.
	MinInputLen int
	MaxInputLen int

	// MaxInputTokens additionally bounds input in model tokens when > 0.
	MaxInputTokens int

	// UseBreaker enables the circuit breaker for this tool.
	UseBreaker bool

	// MaxOutputTokens overrides the upstream default when > 0.
	MaxOutputTokens int

	// StreamTimeout overrides the configured overall streaming cap when > 0.
	StreamTimeout time.Duration

	// ErrUpstream and ErrInvalidOutput are the caller-safe error messages.
	ErrUpstream      string
	ErrInvalidOutput string
}

func (t *Tool) cachePrefix() string {
	if t.CachePrefix != "" {
		return t.CachePrefix
	}
	return t.Name
}

func (t *Tool) userMessage(input string) string {
	if t.BuildUserMessage != nil {
		return t.BuildUserMessage(input)
	}
	return input
}

func (t *Tool) validate(output string) bool {
	if t.ValidateOutput == nil {
		return true
	}
	return t.ValidateOutput(output)
}

func (t *Tool) errUpstream() string {
	if t.ErrUpstream != "" {
		return t.ErrUpstream
	}
	return "the review service is temporarily unavailable"
}

func (t *Tool) errInvalidOutput() string {
	if t.ErrInvalidOutput != "" {
		return t.ErrInvalidOutput
	}
	return "the review service returned an unusable response"
}
