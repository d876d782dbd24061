package relay

import (
	"context"
	"encoding/json"
	"fmt"
)

// Review is a reviewer agent's verdict on a piece of code.
type Review struct {
	Approved    bool     `json:"approved"`
	Score       float64  `json:"score"` // 0..1
	Issues      []string `json:"issues,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
	Summary     string   `json:"summary,omitempty"`
}

const reviewerSystemPrompt = `You are a code review agent. Review the given code for correctness,
clarity, and safety. Respond with JSON only:
{"approved": true|false, "score": 0.0-1.0, "issues": [...], "suggestions": [...], "summary": "..."}`

// ReviewerProcessor reviews code on the premium tier. When a syntax
// checker tool is registered its verdict is folded into the review
// before the LLM call.
type ReviewerProcessor struct {
	model string
}

var _ TaskProcessor = (*ReviewerProcessor)(nil)

func (r *ReviewerProcessor) SystemPrompt() string { return reviewerSystemPrompt }
func (r *ReviewerProcessor) Tier() Tier           { return TierPremium }
func (r *ReviewerProcessor) Model() string        { return r.model }

func (r *ReviewerProcessor) Process(ctx context.Context, a *BaseAgent, task Message) (any, error) {
	code, language := reviewPayload(task.Content)
	if code == "" {
		return nil, &ErrValidation{Field: "task", Reason: "no code in payload"}
	}

	prompt := "Review this code:\n\n```" + language + "\n" + code + "\n```"

	if check := a.UseTool(ctx, "check_syntax", map[string]any{
		"code":     code,
		"language": language,
	}); check != nil {
		if m, ok := check.(map[string]any); ok {
			if valid, ok := m["valid"].(bool); ok && !valid {
				prompt += "\n\nNote: a syntax checker flagged this code as invalid."
			}
		}
	}

	out, err := a.CallLLM(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("reviewer: %w", err)
	}

	var review Review
	if err := json.Unmarshal([]byte(extractJSON(out)), &review); err != nil {
		return nil, fmt.Errorf("reviewer: unparseable review: %w", err)
	}

	a.Remember("last_review", review)
	return review, nil
}

// NewReviewerAgent creates a reviewer bound to coord.
func NewReviewerAgent(id, model string, coord *Coordinator, opts ...AgentOption) *BaseAgent {
	opts = append([]AgentOption{WithCapabilities("review", "quality_assurance")}, opts...)
	return NewBaseAgent(id, "reviewer", &ReviewerProcessor{model: model}, coord, opts...)
}

// reviewPayload pulls code and optional language out of an assignment
// payload: a plain string, or a map with "code" and "language" keys.
func reviewPayload(content any) (code, language string) {
	switch v := content.(type) {
	case string:
		return v, ""
	case map[string]any:
		code, _ = v["code"].(string)
		language, _ = v["language"].(string)
		if code == "" {
			code = taskDescription(content)
		}
	}
	return code, language
}
