// Package anthropic implements relay.Driver on the Anthropic Messages
// API via the official SDK. System messages are lifted out of the
// conversation into the request's system blocks, which is where the API
// wants them.
package anthropic

import (
	"context"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/relaylabs/relay"
)

// MessagesClient is the slice of the SDK the driver uses; satisfied by
// *sdk.MessageService and by mocks in tests.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Pricing is the per-million-token USD cost of a model.
type Pricing struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// defaultMaxTokens caps completions when the request does not say.
const defaultMaxTokens = 4096

// healthModel is the cheap model used for liveness probes.
const healthModel = "claude-haiku-4-5"

// Driver adapts the Anthropic Messages API to relay.Driver.
type Driver struct {
	messages MessagesClient
	name     string
	pricing  map[string]Pricing
}

var _ relay.Driver = (*Driver)(nil)

// Option configures a Driver.
type Option func(*Driver)

// WithName overrides the driver name (default "anthropic").
func WithName(name string) Option {
	return func(d *Driver) { d.name = name }
}

// WithPricing sets the per-model token pricing used by Cost.
func WithPricing(pricing map[string]Pricing) Option {
	return func(d *Driver) { d.pricing = pricing }
}

// WithMessagesClient replaces the SDK message service, for tests.
func WithMessagesClient(mc MessagesClient) Option {
	return func(d *Driver) { d.messages = mc }
}

// New creates a driver authenticated with apiKey.
func New(apiKey string, opts ...Option) *Driver {
	d := &Driver{name: "anthropic"}
	for _, opt := range opts {
		opt(d)
	}
	if d.messages == nil {
		client := sdk.NewClient(option.WithAPIKey(apiKey))
		d.messages = &client.Messages
	}
	return d
}

// Name returns the driver name.
func (d *Driver) Name() string { return d.name }

func buildParams(req relay.ChatRequest) sdk.MessageNewParams {
	var system []sdk.TextBlockParam
	var conversation []sdk.MessageParam
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = append(system, sdk.TextBlockParam{Text: m.Content})
		case "assistant":
			conversation = append(conversation, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  conversation,
	}
	if len(system) > 0 {
		params.System = system
	}
	if req.Temperature != 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	if len(req.StopSequences) > 0 {
		params.StopSequences = req.StopSequences
	}
	return params
}

func translate(msg *sdk.Message) relay.LLMResponse {
	var content strings.Builder
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(sdk.TextBlock); ok {
			content.WriteString(tb.Text)
		}
	}
	return relay.LLMResponse{
		Content: content.String(),
		Usage: relay.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
		},
		Model:        string(msg.Model),
		FinishReason: string(msg.StopReason),
	}
}

// Chat sends a non-streaming Messages request.
func (d *Driver) Chat(ctx context.Context, req relay.ChatRequest) (relay.LLMResponse, error) {
	msg, err := d.messages.New(ctx, buildParams(req))
	if err != nil {
		return relay.LLMResponse{}, &relay.ErrLLM{Provider: d.name, Message: err.Error()}
	}
	return translate(msg), nil
}

// Stream relays text deltas into ch and returns the accumulated
// response. ch is closed when the stream ends, on any path.
func (d *Driver) Stream(ctx context.Context, req relay.ChatRequest, ch chan<- string) (relay.LLMResponse, error) {
	defer close(ch)

	stream := d.messages.NewStreaming(ctx, buildParams(req))
	var acc sdk.Message
	for stream.Next() {
		event := stream.Current()
		if err := acc.Accumulate(event); err != nil {
			return relay.LLMResponse{}, &relay.ErrLLM{Provider: d.name, Message: "accumulate event: " + err.Error()}
		}
		if ev, ok := event.AsAny().(sdk.ContentBlockDeltaEvent); ok {
			if delta, ok := ev.Delta.AsAny().(sdk.TextDelta); ok && delta.Text != "" {
				select {
				case ch <- delta.Text:
				case <-ctx.Done():
					return relay.LLMResponse{}, ctx.Err()
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return relay.LLMResponse{}, &relay.ErrLLM{Provider: d.name, Message: err.Error()}
	}
	return translate(&acc), nil
}

// Health sends a one-token probe on the cheapest model. An API error of
// any kind reads as unhealthy.
func (d *Driver) Health(ctx context.Context) (bool, error) {
	_, err := d.messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(healthModel),
		MaxTokens: 1,
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock("ping"))},
	})
	if err != nil {
		return false, err
	}
	return true, nil
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
