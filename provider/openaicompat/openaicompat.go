// Package openaicompat implements relay.Driver for any OpenAI-compatible
// chat completions API: OpenAI, Groq, Together, Fireworks, DeepSeek,
// Mistral, Ollama, vLLM, LM Studio, and the rest.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/relaylabs/relay"
)

// Pricing is the per-million-token USD cost of a model.
type Pricing struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// Driver talks to one OpenAI-compatible endpoint.
type Driver struct {
	apiKey  string
	baseURL string
	name    string
	client  *http.Client
	pricing map[string]Pricing
}

var _ relay.Driver = (*Driver)(nil)

// Option configures a Driver.
type Option func(*Driver)

// WithName overrides the driver name reported to the router (default
// "openai").
func WithName(name string) Option {
	return func(d *Driver) { d.name = name }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Driver) { d.client = c }
}

// WithPricing sets the per-model token pricing used by Cost. Models
// without an entry cost zero, which is right for local backends.
func WithPricing(pricing map[string]Pricing) Option {
	return func(d *Driver) { d.pricing = pricing }
}

// New creates a driver for baseURL (e.g. "https://api.openai.com/v1",
// "http://localhost:11434/v1"). The /chat/completions path is appended
// automatically; apiKey may be empty for local backends.
func New(apiKey, baseURL string, opts ...Option) *Driver {
	d := &Driver{
		apiKey:  apiKey,
		baseURL: baseURL,
		name:    "openai",
		client:  &http.Client{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Name returns the driver name.
func (d *Driver) Name() string { return d.name }

// --- Wire types ---

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireRequest struct {
	Model         string             `json:"model"`
	Messages      []wireMessage      `json:"messages"`
	Temperature   *float64           `json:"temperature,omitempty"`
	MaxTokens     int                `json:"max_tokens,omitempty"`
	Stop          []string           `json:"stop,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
	StreamOptions *wireStreamOptions `json:"stream_options,omitempty"`
}

type wireStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type wireChoice struct {
	Message      *wireMessage `json:"message,omitempty"`
	Delta        *wireMessage `json:"delta,omitempty"`
	FinishReason string       `json:"finish_reason,omitempty"`
}

type wireResponse struct {
	Model   string       `json:"model"`
	Choices []wireChoice `json:"choices"`
	Usage   *wireUsage   `json:"usage,omitempty"`
}

func buildBody(req relay.ChatRequest) wireRequest {
	msgs := make([]wireMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = wireMessage{Role: m.Role, Content: m.Content}
	}
	body := wireRequest{
		Model:     req.Model,
		Messages:  msgs,
		MaxTokens: req.MaxTokens,
		Stop:      req.StopSequences,
	}
	if req.Temperature != 0 {
		t := req.Temperature
		body.Temperature = &t
	}
	return body
}

// Chat sends a non-streaming completion request.
func (d *Driver) Chat(ctx context.Context, req relay.ChatRequest) (relay.LLMResponse, error) {
	resp, err := d.send(ctx, buildBody(req))
	if err != nil {
		return relay.LLMResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return relay.LLMResponse{}, d.httpErr(resp)
	}

	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return relay.LLMResponse{}, &relay.ErrLLM{Provider: d.name, Message: fmt.Sprintf("decode response: %v", err)}
	}
	if len(wire.Choices) == 0 {
		return relay.LLMResponse{}, &relay.ErrLLM{Provider: d.name, Message: "empty choices in response"}
	}

	out := relay.LLMResponse{
		Model:        wire.Model,
		FinishReason: wire.Choices[0].FinishReason,
	}
	if wire.Choices[0].Message != nil {
		out.Content = wire.Choices[0].Message.Content
	}
	if wire.Usage != nil {
		out.Usage = relay.Usage{
			PromptTokens:     wire.Usage.PromptTokens,
			CompletionTokens: wire.Usage.CompletionTokens,
		}
	}
	return out, nil
}

// Stream sends a streaming request, relaying text deltas into ch, and
// returns the accumulated response. ch is closed when the stream ends,
// on any path.
func (d *Driver) Stream(ctx context.Context, req relay.ChatRequest, ch chan<- string) (relay.LLMResponse, error) {
	body := buildBody(req)
	body.Stream = true
	body.StreamOptions = &wireStreamOptions{IncludeUsage: true}

	resp, err := d.send(ctx, body)
	if err != nil {
		close(ch)
		return relay.LLMResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		close(ch)
		return relay.LLMResponse{}, d.httpErr(resp)
	}

	// streamSSE closes ch when done.
	return streamSSE(ctx, d.name, resp.Body, ch)
}

// Health probes the models endpoint; any 2xx means healthy.
func (d *Driver) Health(ctx context.Context) (bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/models", nil)
	if err != nil {
		return false, err
	}
	if d.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+d.apiKey)
	}
	resp, err := d.client.Do(httpReq)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}

// Cost returns the USD cost of a call from the configured pricing
// table. Unpriced models cost zero.
func (d *Driver) Cost(promptTokens, completionTokens int, model string) float64 {
	p, ok := d.pricing[model]
	if !ok {
		return 0
	}
	return float64(promptTokens)/1e6*p.InputPerMTok + float64(completionTokens)/1e6*p.OutputPerMTok
}

func (d *Driver) send(ctx context.Context, body wireRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &relay.ErrLLM{Provider: d.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, &relay.ErrLLM{Provider: d.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if d.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+d.apiKey)
	}
	return d.client.Do(httpReq)
}

// httpErr reads the response body into an ErrHTTP so the router's
// failover and retry layers can inspect status and Retry-After.
func (d *Driver) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &relay.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: relay.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}
