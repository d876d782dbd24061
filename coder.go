package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// CodeResult is a coder agent's output.
type CodeResult struct {
	Code        string `json:"code"`
	Language    string `json:"language"`
	Explanation string `json:"explanation,omitempty"`
	SyntaxOK    bool   `json:"syntax_ok"`
}

const coderSystemPrompt = `You are a coding agent. Implement the requested change. Respond with
JSON only: {"code": "...", "language": "...", "explanation": "..."}`

// CoderProcessor generates code on the cheap cloud tier. Responses that
// are not valid JSON are treated as raw code rather than failing the
// task, since smaller models routinely ignore format instructions.
type CoderProcessor struct {
	model string
}

var _ TaskProcessor = (*CoderProcessor)(nil)

func (c *CoderProcessor) SystemPrompt() string { return coderSystemPrompt }
func (c *CoderProcessor) Tier() Tier           { return TierCloudCheap }
func (c *CoderProcessor) Model() string        { return c.model }

func (c *CoderProcessor) Process(ctx context.Context, a *BaseAgent, task Message) (any, error) {
	desc := taskDescription(task.Content)
	if desc == "" {
		return nil, &ErrValidation{Field: "task", Reason: "no description in payload"}
	}

	out, err := a.CallLLM(ctx, "Implement:\n\n"+desc)
	if err != nil {
		return nil, fmt.Errorf("coder: %w", err)
	}

	var result CodeResult
	if err := json.Unmarshal([]byte(extractJSON(out)), &result); err != nil || result.Code == "" {
		// Raw-format fallback: take the whole response as code.
		result = CodeResult{Code: stripFences(out), Language: guessLanguage(out)}
	}

	if check := a.UseTool(ctx, "check_syntax", map[string]any{
		"code":     result.Code,
		"language": result.Language,
	}); check != nil {
		if m, ok := check.(map[string]any); ok {
			if valid, ok := m["valid"].(bool); ok {
				result.SyntaxOK = valid
			}
		}
	}

	a.Remember("last_code", result)
	return result, nil
}

// NewCoderAgent creates a coder bound to coord.
func NewCoderAgent(id, model string, coord *Coordinator, opts ...AgentOption) *BaseAgent {
	opts = append([]AgentOption{WithCapabilities("coding", "code_generation")}, opts...)
	return NewBaseAgent(id, "coder", &CoderProcessor{model: model}, coord, opts...)
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = s[3:]
	if i := strings.Index(s, "\n"); i >= 0 {
		s = s[i+1:]
	}
	if j := strings.LastIndex(s, "```"); j >= 0 {
		s = s[:j]
	}
	return strings.TrimSpace(s)
}

func guessLanguage(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		line := s[3:]
		if i := strings.Index(line, "\n"); i >= 0 {
			line = line[:i]
		}
		if lang := strings.TrimSpace(line); lang != "" {
			return lang
		}
	}
	return ""
}
