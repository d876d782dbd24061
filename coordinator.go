package relay

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// coordinatorID is the sender id the coordinator uses on the bus.
const coordinatorID = "coordinator"

// Coordinator is the lifecycle registry for agents. It assigns tasks,
// correlates results, and exposes status snapshots.
//
// Result correlation keeps an id-keyed waiter table resolved when a
// TaskResult arrives, instead of polling bus history; WaitForResult
// still returns the latest TaskResult from the agent within the timeout.
type Coordinator struct {
	bus    *Bus
	logger *slog.Logger

	mu         sync.Mutex
	agents     map[string]*AgentInfo
	lastResult map[string]Message        // latest TaskResult per agent
	waiters    map[string][]chan Message // pending WaitForResult calls per agent

	shuttingDown atomic.Bool
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithBus supplies an existing event bus (a fresh one is created otherwise).
func WithBus(b *Bus) CoordinatorOption {
	return func(c *Coordinator) { c.bus = b }
}

// WithCoordinatorLogger sets the structured logger.
func WithCoordinatorLogger(l *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = l }
}

// NewCoordinator creates a coordinator and subscribes it to task results
// on its bus.
func NewCoordinator(opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		agents:     make(map[string]*AgentInfo),
		lastResult: make(map[string]Message),
		waiters:    make(map[string][]chan Message),
		logger:     nopLogger,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.bus == nil {
		c.bus = NewBus()
	}
	c.bus.Subscribe(coordinatorID, c.onMessage, KindTaskResult, KindError)
	return c
}

// Bus returns the coordinator's event bus.
func (c *Coordinator) Bus() *Bus { return c.bus }

// RegisterAgent records an agent and, when cb is non-nil, subscribes it
// to the bus.
func (c *Coordinator) RegisterAgent(id, agentType string, capabilities []string, cb Callback) {
	c.mu.Lock()
	c.agents[id] = &AgentInfo{
		ID:           id,
		Type:         agentType,
		Capabilities: capabilities,
		Status:       StatusIdle,
		LastActivity: time.Now(),
	}
	c.mu.Unlock()

	if cb != nil {
		c.bus.Subscribe(id, cb)
	}
	c.logger.Info("registered agent", "agent", id, "type", agentType, "capabilities", capabilities)
}

// UnregisterAgent removes the agent and its bus subscriptions.
func (c *Coordinator) UnregisterAgent(id string) {
	c.bus.Unsubscribe(id)

	c.mu.Lock()
	delete(c.agents, id)
	c.mu.Unlock()

	c.logger.Info("unregistered agent", "agent", id)
}

// AssignTask publishes a TaskAssignment addressed to agentID, flips the
// agent busy, and returns the assignment message id. Once shutdown has
// begun it fails fast without publishing.
func (c *Coordinator) AssignTask(ctx context.Context, agentID string, payload any, priority int) (string, error) {
	if c.shuttingDown.Load() {
		return "", &ErrShuttingDown{}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	msg := NewMessage(KindTaskAssignment, coordinatorID, agentID, payload)
	msg.Metadata = map[string]any{"priority": priority}
	c.bus.Publish(msg)

	c.mu.Lock()
	if info, ok := c.agents[agentID]; ok {
		info.Status = StatusBusy
		info.MessageCount++
		info.LastActivity = time.Now()
	}
	c.mu.Unlock()

	c.logger.Info("assigned task", "agent", agentID, "message_id", msg.ID, "priority", priority)
	return msg.ID, nil
}

// BroadcastEvent publishes a SystemEvent to every subscriber.
func (c *Coordinator) BroadcastEvent(eventType string, data any) {
	c.bus.Publish(NewMessage(KindSystemEvent, coordinatorID, "", map[string]any{
		"event_type": eventType,
		"data":       data,
	}))
}

// onMessage resolves waiters and flips agent state when results arrive.
func (c *Coordinator) onMessage(msg Message) {
	c.mu.Lock()
	if info, ok := c.agents[msg.Sender]; ok {
		info.Status = StatusIdle
		info.LastActivity = time.Now()
	}
	var pending []chan Message
	if msg.Kind == KindTaskResult {
		c.lastResult[msg.Sender] = msg
		pending = c.waiters[msg.Sender]
		delete(c.waiters, msg.Sender)
	}
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- msg // buffered, never blocks
	}
}

// WaitForResult returns the latest TaskResult from agentID, waiting up
// to timeout for one to arrive. The second return is false on timeout or
// context cancellation.
func (c *Coordinator) WaitForResult(ctx context.Context, agentID string, timeout time.Duration) (Message, bool) {
	c.mu.Lock()
	if msg, ok := c.lastResult[agentID]; ok {
		c.mu.Unlock()
		return msg, true
	}
	ch := make(chan Message, 1)
	c.waiters[agentID] = append(c.waiters[agentID], ch)
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-ch:
		return msg, true
	case <-timer.C:
		c.removeWaiter(agentID, ch)
		c.logger.Warn("timeout waiting for result", "agent", agentID, "timeout", timeout)
		return Message{}, false
	case <-ctx.Done():
		c.removeWaiter(agentID, ch)
		return Message{}, false
	}
}

func (c *Coordinator) removeWaiter(agentID string, ch chan Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.waiters[agentID]
	for i, w := range list {
		if w == ch {
			c.waiters[agentID] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// ClearResult forgets the stored latest result for agentID, so the next
// WaitForResult blocks for a fresh one.
func (c *Coordinator) ClearResult(agentID string) {
	c.mu.Lock()
	delete(c.lastResult, agentID)
	c.mu.Unlock()
}

// BeginShutdown makes subsequent AssignTask calls fail fast. In-flight
// Publish calls complete normally.
func (c *Coordinator) BeginShutdown() {
	c.shuttingDown.Store(true)
}

// AgentStatus returns the info snapshot for one agent.
func (c *Coordinator) AgentStatus(id string) (AgentInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.agents[id]
	if !ok {
		return AgentInfo{}, false
	}
	return *info, true
}

// Agents returns snapshots of every registered agent.
func (c *Coordinator) Agents() []AgentInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]AgentInfo, 0, len(c.agents))
	for _, info := range c.agents {
		out = append(out, *info)
	}
	return out
}

// MessageStats reports bus totals: message count, per-kind breakdown,
// and active subscriber count.
func (c *Coordinator) MessageStats() (total int, byKind map[MessageKind]int, subscribers int) {
	total, byKind = c.bus.Stats()
	return total, byKind, c.bus.SubscriberCount()
}
