package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/relaylabs/relay"
)

// streamSSE reads an SSE body, sends text deltas to ch, and returns the
// accumulated response. ch is closed when streaming completes.
//
// Expected format:
//
//	data: {"choices":[{"delta":{"content":"..."}}]}\n
//	data: [DONE]\n
func streamSSE(ctx context.Context, name string, body io.Reader, ch chan<- string) (relay.LLMResponse, error) {
	defer close(ch)

	scanner := bufio.NewScanner(body)
	// Large SSE payloads need more than the default token size.
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var full strings.Builder
	var usage relay.Usage
	var model, finishReason string

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk wireResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Skip malformed chunks.
			continue
		}
		if chunk.Model != "" {
			model = chunk.Model
		}
		if chunk.Usage != nil {
			usage.PromptTokens = chunk.Usage.PromptTokens
			usage.CompletionTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if fr := chunk.Choices[0].FinishReason; fr != "" {
			finishReason = fr
		}
		delta := chunk.Choices[0].Delta
		if delta == nil || delta.Content == "" {
			continue
		}

		full.WriteString(delta.Content)
		select {
		case ch <- delta.Content:
		case <-ctx.Done():
			return relay.LLMResponse{}, ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return relay.LLMResponse{}, &relay.ErrLLM{Provider: name, Message: "read stream: " + err.Error()}
	}

	return relay.LLMResponse{
		Content:      full.String(),
		Usage:        usage,
		Model:        model,
		FinishReason: finishReason,
	}, nil
}
