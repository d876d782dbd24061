package relay

import (
	"context"
	"testing"
	"time"
)

func plannerFixture(t *testing.T, llmOutput string) (*Coordinator, *BaseAgent) {
	t.Helper()
	d := &stubDriver{name: "stub", results: []stubResult{
		{resp: LLMResponse{Content: llmOutput}},
	}}
	r := NewRouter()
	r.Register("stub", d, TierPremium, nil)

	coord := NewCoordinator()
	a := NewPlannerAgent("planner-1", "", coord, WithRouter(r), WithRegistry(NewRegistry()))
	a.Start()
	t.Cleanup(a.Stop)
	return coord, a
}

func TestPlanner_ParsesFencedPlan(t *testing.T) {
	coord, a := plannerFixture(t, "```json\n"+
		`{"goal": "build feature", "steps": [`+
		`{"id": 1, "description": "write code", "assign_to": "coder"},`+
		`{"id": 2, "description": "review it", "assign_to": "reviewer", "depends_on": [1]}]}`+
		"\n```")

	coord.AssignTask(context.Background(), "planner-1", "build the feature", 0)
	msg, ok := coord.WaitForResult(context.Background(), "planner-1", time.Second)
	if !ok {
		t.Fatal("no result")
	}

	plan := msg.Content.(Plan)
	if plan.Goal != "build feature" || len(plan.Steps) != 2 {
		t.Fatalf("plan = %+v", plan)
	}
	if plan.Steps[1].DependsOn[0] != 1 {
		t.Fatalf("dependencies = %v", plan.Steps[1].DependsOn)
	}

	remembered, ok := a.Recall("last_plan")
	if !ok || remembered.(Plan).Goal != "build feature" {
		t.Fatal("plan not remembered")
	}
}

func TestPlanner_ChattyResponseStillParses(t *testing.T) {
	coord, _ := plannerFixture(t,
		`Sure! Here is the plan: {"goal": "x", "steps": [{"id": 1, "description": "do it"}]} Hope that helps.`)

	coord.AssignTask(context.Background(), "planner-1", "task", 0)
	msg, ok := coord.WaitForResult(context.Background(), "planner-1", time.Second)
	if !ok {
		t.Fatal("no result")
	}
	if len(msg.Content.(Plan).Steps) != 1 {
		t.Fatalf("plan = %+v", msg.Content)
	}
}

func TestPlanner_EmptyStepsIsError(t *testing.T) {
	coord, _ := plannerFixture(t, `{"goal": "x", "steps": []}`)
	errCh := make(chan Message, 1)
	coord.Bus().Subscribe("watcher", func(m Message) { errCh <- m }, KindError)

	coord.AssignTask(context.Background(), "planner-1", "task", 0)
	select {
	case <-errCh:
	case <-time.After(time.Second):
		t.Fatal("empty plan did not produce an error message")
	}
}

func TestExtractJSON(t *testing.T) {
	cases := []struct{ in, want string }{
		{`{"a": 1}`, `{"a": 1}`},
		{"```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"```\n[1, 2]\n```", `[1, 2]`},
		{`prose before {"a": 1} prose after`, `{"a": 1}`},
		{`no json here`, `no json here`},
	}
	for _, c := range cases {
		if got := extractJSON(c.in); got != c.want {
			t.Errorf("extractJSON(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestTaskDescription(t *testing.T) {
	if got := taskDescription("plain"); got != "plain" {
		t.Fatalf("string payload = %q", got)
	}
	if got := taskDescription(map[string]any{"description": "d"}); got != "d" {
		t.Fatalf("description key = %q", got)
	}
	if got := taskDescription(map[string]any{"task": "t"}); got != "t" {
		t.Fatalf("task key = %q", got)
	}
	if got := taskDescription(42); got != "" {
		t.Fatalf("unknown payload = %q", got)
	}
}
