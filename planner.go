package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Plan is a decomposed task: ordered steps with optional dependencies.
type Plan struct {
	Goal  string     `json:"goal"`
	Steps []PlanStep `json:"steps"`
}

// PlanStep is one unit of a plan.
type PlanStep struct {
	ID          int    `json:"id"`
	Description string `json:"description"`
	AssignTo    string `json:"assign_to,omitempty"`
	DependsOn   []int  `json:"depends_on,omitempty"`
}

const plannerSystemPrompt = `You are a planning agent. Decompose the given task into a concrete,
ordered plan. Respond with JSON only, no prose:
{"goal": "...", "steps": [{"id": 1, "description": "...", "assign_to": "coder|reviewer", "depends_on": []}]}`

// PlannerProcessor turns task descriptions into structured plans on the
// premium tier. The latest plan is remembered under "last_plan".
type PlannerProcessor struct {
	model string
}

var _ TaskProcessor = (*PlannerProcessor)(nil)

func (p *PlannerProcessor) SystemPrompt() string { return plannerSystemPrompt }
func (p *PlannerProcessor) Tier() Tier           { return TierPremium }
func (p *PlannerProcessor) Model() string        { return p.model }

func (p *PlannerProcessor) Process(ctx context.Context, a *BaseAgent, task Message) (any, error) {
	desc := taskDescription(task.Content)
	if desc == "" {
		return nil, &ErrValidation{Field: "task", Reason: "no description in payload"}
	}

	out, err := a.CallLLM(ctx, "Plan this task:\n\n"+desc)
	if err != nil {
		return nil, fmt.Errorf("planner: %w", err)
	}

	var plan Plan
	if err := json.Unmarshal([]byte(extractJSON(out)), &plan); err != nil {
		return nil, fmt.Errorf("planner: unparseable plan: %w", err)
	}
	if len(plan.Steps) == 0 {
		return nil, &ErrValidation{Field: "plan", Reason: "no steps produced"}
	}

	a.Remember("last_plan", plan)
	return plan, nil
}

// NewPlannerAgent creates a planner bound to coord. Pass a model to pin
// one, or leave it empty to let the router pick within the tier.
func NewPlannerAgent(id, model string, coord *Coordinator, opts ...AgentOption) *BaseAgent {
	opts = append([]AgentOption{WithCapabilities("planning", "task_decomposition")}, opts...)
	return NewBaseAgent(id, "planner", &PlannerProcessor{model: model}, coord, opts...)
}

// taskDescription pulls the human task text out of an assignment
// payload: a plain string, or a map with a "description" or "task" key.
func taskDescription(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case map[string]any:
		for _, key := range []string{"description", "task", "prompt"} {
			if s, ok := v[key].(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// extractJSON strips markdown code fences and surrounding prose so a
// fenced or chatty model response still parses.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
		return strings.TrimSpace(s)
	}
	// Fall back to the outermost brace span.
	if i := strings.IndexAny(s, "{["); i >= 0 {
		if j := strings.LastIndexAny(s, "}]"); j > i {
			return s[i : j+1]
		}
	}
	return s
}
