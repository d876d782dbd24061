package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// TaskProcessor is the behavior a specialist plugs into a BaseAgent:
// the task handler plus the defaults its LLM calls use.
type TaskProcessor interface {
	Process(ctx context.Context, a *BaseAgent, task Message) (any, error)
	SystemPrompt() string
	Tier() Tier
	Model() string
}

// MemoryEntry is one appended fact in an agent's memory.
type MemoryEntry struct {
	Key       string    `json:"key"`
	Value     any       `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// AgentStats are an agent's lifetime counters.
type AgentStats struct {
	TasksCompleted int `json:"tasks_completed"`
	TasksFailed    int `json:"tasks_failed"`
	LLMCalls       int `json:"llm_calls"`
	ToolCalls      int `json:"tool_calls"`
	ToolFailures   int `json:"tool_failures"`
	MemorySize     int `json:"memory_size"`
}

// BaseAgent wires a TaskProcessor to the coordinator's bus, the provider
// router, and the tool registry. Task assignments are processed in their
// own goroutine so publishing never blocks on agent work.
type BaseAgent struct {
	id           string
	agentType    string
	capabilities []string
	processor    TaskProcessor
	coord        *Coordinator
	router       *Router
	registry     *Registry
	logger       *slog.Logger

	mu     sync.Mutex
	status AgentStatus
	memory []MemoryEntry
	stats  AgentStats

	cancel  context.CancelFunc
	baseCtx context.Context
	tasks   sync.WaitGroup
}

// AgentOption configures a BaseAgent.
type AgentOption func(*BaseAgent)

// WithRouter supplies the provider router used by CallLLM.
func WithRouter(r *Router) AgentOption {
	return func(a *BaseAgent) { a.router = r }
}

// WithRegistry supplies the tool registry used by UseTool (defaults to
// the process-wide registry).
func WithRegistry(r *Registry) AgentOption {
	return func(a *BaseAgent) { a.registry = r }
}

// WithCapabilities declares the capability tags advertised to the
// coordinator.
func WithCapabilities(caps ...string) AgentOption {
	return func(a *BaseAgent) { a.capabilities = caps }
}

// WithAgentLogger sets the structured logger.
func WithAgentLogger(l *slog.Logger) AgentOption {
	return func(a *BaseAgent) { a.logger = l }
}

// NewBaseAgent creates an agent bound to the coordinator. Call Start to
// begin receiving assignments.
func NewBaseAgent(id, agentType string, p TaskProcessor, coord *Coordinator, opts ...AgentOption) *BaseAgent {
	a := &BaseAgent{
		id:        id,
		agentType: agentType,
		processor: p,
		coord:     coord,
		status:    StatusIdle,
		logger:    nopLogger,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.registry == nil {
		a.registry = DefaultRegistry()
	}
	return a
}

// ID returns the agent's bus identity.
func (a *BaseAgent) ID() string { return a.id }

// Status returns the agent's current lifecycle state.
func (a *BaseAgent) Status() AgentStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Start registers the agent with the coordinator and begins accepting
// task assignments.
func (a *BaseAgent) Start() {
	a.baseCtx, a.cancel = context.WithCancel(context.Background())
	a.setStatus(StatusIdle)
	a.coord.RegisterAgent(a.id, a.agentType, a.capabilities, a.handleMessage)
	a.logger.Info("agent started", "agent", a.id, "type", a.agentType)
}

// Stop unregisters the agent, cancels in-flight task contexts, and
// waits for running tasks to finish.
func (a *BaseAgent) Stop() {
	a.coord.UnregisterAgent(a.id)
	if a.cancel != nil {
		a.cancel()
	}
	a.tasks.Wait()
	a.setStatus(StatusStopped)
	a.logger.Info("agent stopped", "agent", a.id)
}

// handleMessage is the bus callback. Assignments spawn a worker
// goroutine; everything else is ignored.
func (a *BaseAgent) handleMessage(msg Message) {
	if msg.Kind != KindTaskAssignment {
		return
	}
	a.tasks.Add(1)
	go func() {
		defer a.tasks.Done()
		a.runTask(msg)
	}()
}

// runTask processes one assignment and publishes the result or error
// back to the bus, with ParentID linking it to the assignment.
func (a *BaseAgent) runTask(task Message) {
	a.setStatus(StatusThinking)
	start := time.Now()

	result, err := a.processor.Process(a.baseCtx, a, task)

	a.mu.Lock()
	if err != nil {
		a.stats.TasksFailed++
	} else {
		a.stats.TasksCompleted++
	}
	a.status = StatusIdle
	a.mu.Unlock()

	if err != nil {
		a.logger.Error("task failed", "agent", a.id, "task_id", task.ID, "error", err)
		reply := NewMessage(KindError, a.id, task.Sender, map[string]any{"error": err.Error()})
		reply.ParentID = task.ID
		a.coord.Bus().Publish(reply)
		return
	}

	a.logger.Info("task completed", "agent", a.id, "task_id", task.ID, "duration", time.Since(start))
	reply := NewMessage(KindTaskResult, a.id, task.Sender, result)
	reply.ParentID = task.ID
	a.coord.Bus().Publish(reply)
}

// CallLLM sends prompt through the router on the processor's default
// tier and model, with its system prompt prepended.
func (a *BaseAgent) CallLLM(ctx context.Context, prompt string, opts ...CallOption) (string, error) {
	return a.CallLLMWith(ctx, a.processor.Tier(), a.processor.Model(), prompt, opts...)
}

// CallLLMWith is CallLLM with an explicit tier and model.
func (a *BaseAgent) CallLLMWith(ctx context.Context, tier Tier, model, prompt string, opts ...CallOption) (string, error) {
	if a.router == nil {
		return "", &ErrLLM{Provider: a.id, Message: "no router configured"}
	}

	var msgs []ChatMessage
	if sys := a.processor.SystemPrompt(); sys != "" {
		msgs = append(msgs, SystemMessage(sys))
	}
	msgs = append(msgs, UserMessage(prompt))

	a.mu.Lock()
	a.stats.LLMCalls++
	a.mu.Unlock()

	resp, err := a.router.ChatCompletion(ctx, tier, ChatRequest{Model: model, Messages: msgs}, opts...)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// UseTool executes a registry tool, flipping the agent to executing for
// the duration. A failed execution returns nil output; the error text is
// in the agent's log and the failure counter.
func (a *BaseAgent) UseTool(ctx context.Context, name string, args map[string]any) any {
	a.setStatus(StatusExecuting)
	defer a.setStatus(StatusThinking)

	res := a.registry.Execute(ctx, name, args)

	a.mu.Lock()
	a.stats.ToolCalls++
	if !res.Success {
		a.stats.ToolFailures++
	}
	a.mu.Unlock()

	if !res.Success {
		a.logger.Warn("tool call failed", "agent", a.id, "tool", name, "error", res.Error)
		return nil
	}
	return res.Output
}

// Remember appends a fact to the agent's memory. Memory is append-only;
// Recall returns the newest entry for a key.
func (a *BaseAgent) Remember(key string, value any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.memory = append(a.memory, MemoryEntry{Key: key, Value: value, Timestamp: time.Now()})
}

// Recall returns the most recent value remembered under key.
func (a *BaseAgent) Recall(key string) (any, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := len(a.memory) - 1; i >= 0; i-- {
		if a.memory[i].Key == key {
			return a.memory[i].Value, true
		}
	}
	return nil, false
}

// Memory returns a copy of the full memory log, oldest first.
func (a *BaseAgent) Memory() []MemoryEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]MemoryEntry(nil), a.memory...)
}

// Stats returns the agent's lifetime counters.
func (a *BaseAgent) Stats() AgentStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.stats
	s.MemorySize = len(a.memory)
	return s
}

func (a *BaseAgent) setStatus(st AgentStatus) {
	a.mu.Lock()
	a.status = st
	a.mu.Unlock()
}
