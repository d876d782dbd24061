package relay

import "context"

// Driver abstracts a single LLM backend.
//
// Message shape is the ordered system/user/assistant sequence in
// ChatRequest; drivers whose API requires a separate system field extract
// it internally.
type Driver interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (LLMResponse, error)
	// Stream streams content chunks into ch, closing it when the stream
	// ends, then returns the final response with usage stats.
	Stream(ctx context.Context, req ChatRequest, ch chan<- string) (LLMResponse, error)
	// Health probes the backend. Implementations should honor ctx deadlines.
	Health(ctx context.Context) (bool, error)
	// Cost returns the USD cost for the given token counts and model.
	Cost(promptTokens, completionTokens int, model string) float64
	// Name returns the driver name (e.g. "ollama", "anthropic").
	Name() string
}
