package relay

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAgent_TaskAssignmentProducesResult(t *testing.T) {
	coord := NewCoordinator()
	a := NewBaseAgent("echo-1", "echo", &echoProcessor{tier: TierLocalFree}, coord)
	a.Start()
	defer a.Stop()

	taskID, err := coord.AssignTask(context.Background(), "echo-1", map[string]any{"description": "say hi"}, 0)
	if err != nil {
		t.Fatal(err)
	}

	msg, ok := coord.WaitForResult(context.Background(), "echo-1", time.Second)
	if !ok {
		t.Fatal("no result arrived")
	}
	if msg.ParentID != taskID {
		t.Fatalf("ParentID = %q, want the assignment id %q", msg.ParentID, taskID)
	}
	out := msg.Content.(map[string]any)
	if out["echo"] != "say hi" {
		t.Fatalf("result = %v", out)
	}
	if a.Stats().TasksCompleted != 1 {
		t.Fatalf("stats = %+v", a.Stats())
	}
}

type failingProcessor struct{ echoProcessor }

func (p *failingProcessor) Process(context.Context, *BaseAgent, Message) (any, error) {
	return nil, errors.New("cannot do that")
}

func TestAgent_ProcessErrorPublishesErrorMessage(t *testing.T) {
	coord := NewCoordinator()
	errCh := make(chan Message, 1)
	coord.Bus().Subscribe("watcher", func(m Message) {
		if m.Kind == KindError {
			errCh <- m
		}
	}, KindError)

	a := NewBaseAgent("flaky-1", "flaky", &failingProcessor{}, coord)
	a.Start()
	defer a.Stop()

	taskID, _ := coord.AssignTask(context.Background(), "flaky-1", "task", 0)

	select {
	case m := <-errCh:
		if m.ParentID != taskID {
			t.Fatalf("ParentID = %q", m.ParentID)
		}
		content := m.Content.(map[string]any)
		if content["error"] != "cannot do that" {
			t.Fatalf("error content = %v", content)
		}
	case <-time.After(time.Second):
		t.Fatal("no error message published")
	}

	if a.Stats().TasksFailed != 1 {
		t.Fatalf("stats = %+v", a.Stats())
	}
}

func TestAgent_CallLLMPrependsSystemPrompt(t *testing.T) {
	d := &stubDriver{name: "stub", results: []stubResult{
		{resp: LLMResponse{Content: "answer"}},
	}}
	r := NewRouter()
	r.Register("stub", d, TierLocalFree, nil)

	coord := NewCoordinator()
	a := NewBaseAgent("a1", "test", &echoProcessor{tier: TierLocalFree, model: "m"}, coord, WithRouter(r))

	out, err := a.CallLLM(context.Background(), "question")
	if err != nil {
		t.Fatal(err)
	}
	if out != "answer" {
		t.Fatalf("out = %q", out)
	}
	req := d.lastRequest()
	if len(req.Messages) != 2 {
		t.Fatalf("got %d messages", len(req.Messages))
	}
	if req.Messages[0].Role != "system" || req.Messages[0].Content != "You echo." {
		t.Fatalf("first message = %+v", req.Messages[0])
	}
	if req.Messages[1].Role != "user" || req.Messages[1].Content != "question" {
		t.Fatalf("second message = %+v", req.Messages[1])
	}
	if req.Model != "m" {
		t.Fatalf("model = %q", req.Model)
	}
	if a.Stats().LLMCalls != 1 {
		t.Fatalf("stats = %+v", a.Stats())
	}
}

func TestAgent_CallLLMWithoutRouterFails(t *testing.T) {
	coord := NewCoordinator()
	a := NewBaseAgent("a1", "test", &echoProcessor{}, coord)

	_, err := a.CallLLM(context.Background(), "q")
	var llmErr *ErrLLM
	if !errors.As(err, &llmErr) {
		t.Fatalf("err = %v, want ErrLLM", err)
	}
}

func TestAgent_UseTool(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Tool{
		Name: "upper",
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			return "OK", nil
		},
	})
	reg.Register(Tool{
		Name: "broken",
		Handler: func(context.Context, map[string]any) (any, error) {
			return nil, errors.New("nope")
		},
	})

	coord := NewCoordinator()
	a := NewBaseAgent("a1", "test", &echoProcessor{}, coord, WithRegistry(reg))

	if out := a.UseTool(context.Background(), "upper", nil); out != "OK" {
		t.Fatalf("out = %v", out)
	}
	if out := a.UseTool(context.Background(), "broken", nil); out != nil {
		t.Fatalf("failed tool returned %v, want nil", out)
	}

	stats := a.Stats()
	if stats.ToolCalls != 2 || stats.ToolFailures != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestAgent_MemoryRecallNewest(t *testing.T) {
	coord := NewCoordinator()
	a := NewBaseAgent("a1", "test", &echoProcessor{}, coord)

	if _, ok := a.Recall("plan"); ok {
		t.Fatal("recall on empty memory succeeded")
	}
	a.Remember("plan", "v1")
	a.Remember("note", "x")
	a.Remember("plan", "v2")

	v, ok := a.Recall("plan")
	if !ok || v != "v2" {
		t.Fatalf("Recall = (%v, %v), want newest value", v, ok)
	}
	if len(a.Memory()) != 3 {
		t.Fatalf("memory log size = %d", len(a.Memory()))
	}
	if a.Stats().MemorySize != 3 {
		t.Fatalf("stats memory size = %d", a.Stats().MemorySize)
	}
}

func TestAgent_StopWaitsForRunningTask(t *testing.T) {
	coord := NewCoordinator()
	started := make(chan struct{})
	release := make(chan struct{})
	a := NewBaseAgent("slow-1", "slow", &blockingProcessor{started: started, release: release}, coord)
	a.Start()

	coord.AssignTask(context.Background(), "slow-1", "task", 0)
	<-started

	done := make(chan struct{})
	go func() {
		a.Stop()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Stop returned while a task was still running")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop never returned after task finished")
	}
	if a.Status() != StatusStopped {
		t.Fatalf("status = %v", a.Status())
	}
}

type blockingProcessor struct {
	echoProcessor
	started chan struct{}
	release chan struct{}
}

func (p *blockingProcessor) Process(context.Context, *BaseAgent, Message) (any, error) {
	close(p.started)
	<-p.release
	return "done", nil
}
