package relay

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const defaultBusHistory = 1000

// Callback receives a delivered message. Callbacks run concurrently with
// other subscribers' callbacks; a panic is recovered and logged without
// affecting peers.
type Callback func(Message)

type subscription struct {
	agentID  string
	callback Callback
	kinds    map[MessageKind]bool // nil = all kinds
}

// Bus routes messages from senders to subscriber callbacks with optional
// per-subscriber kind filters, and keeps a bounded newest-first history
// for forensic queries.
//
// The subscriber set is a copy-on-write snapshot: Publish reads it
// without holding the write lock, so a Subscribe or Unsubscribe
// happens-before any subsequent Publish observes the change.
type Bus struct {
	mu      sync.Mutex
	subs    map[string][]subscription // copy-on-write; replaced, never mutated
	history []Message
	cap     int
	logger  *slog.Logger
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithHistoryCap bounds the retained message history (default 1000).
func WithHistoryCap(n int) BusOption {
	return func(b *Bus) { b.cap = n }
}

// WithBusLogger sets the structured logger for delivery errors.
func WithBusLogger(l *slog.Logger) BusOption {
	return func(b *Bus) { b.logger = l }
}

// NewBus creates an event bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		subs:   make(map[string][]subscription),
		cap:    defaultBusHistory,
		logger: nopLogger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a callback for agentID. Multiple callbacks per
// agent are allowed; kinds filters delivery (empty = all kinds).
func (b *Bus) Subscribe(agentID string, cb Callback, kinds ...MessageKind) {
	var filter map[MessageKind]bool
	if len(kinds) > 0 {
		filter = make(map[MessageKind]bool, len(kinds))
		for _, k := range kinds {
			filter[k] = true
		}
	}

	b.mu.Lock()
	next := make(map[string][]subscription, len(b.subs)+1)
	for id, list := range b.subs {
		next[id] = list
	}
	next[agentID] = append(append([]subscription(nil), next[agentID]...),
		subscription{agentID: agentID, callback: cb, kinds: filter})
	b.subs = next
	b.mu.Unlock()

	b.logger.Debug("subscribed", "agent", agentID)
}

// Unsubscribe removes all callbacks for agentID.
func (b *Bus) Unsubscribe(agentID string) {
	b.mu.Lock()
	next := make(map[string][]subscription, len(b.subs))
	for id, list := range b.subs {
		if id != agentID {
			next[id] = list
		}
	}
	b.subs = next
	b.mu.Unlock()

	b.logger.Debug("unsubscribed", "agent", agentID)
}

// Publish appends msg to history, fans it out to all matching callbacks
// concurrently, and returns once every delivery has finished. The sender
// never receives its own message. A recipient with no subscription is a
// silent drop; the message still enters history.
func (b *Bus) Publish(msg Message) {
	b.mu.Lock()
	b.history = append(b.history, msg)
	if len(b.history) > b.cap {
		b.history = b.history[len(b.history)-b.cap:]
	}
	snapshot := b.subs
	b.mu.Unlock()

	var targets []subscription
	if msg.Broadcast() {
		for id, list := range snapshot {
			if id == msg.Sender {
				continue
			}
			targets = append(targets, list...)
		}
	} else if msg.Recipient != msg.Sender {
		targets = snapshot[msg.Recipient]
	}

	var wg sync.WaitGroup
	for _, sub := range targets {
		if sub.kinds != nil && !sub.kinds[msg.Kind] {
			continue
		}
		wg.Add(1)
		go func(sub subscription) {
			defer wg.Done()
			b.safeDeliver(sub, msg)
		}(sub)
	}
	wg.Wait()
}

// safeDeliver invokes one callback, swallowing panics so a broken
// subscriber cannot affect its peers or the publisher.
func (b *Bus) safeDeliver(sub subscription, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber callback panicked",
				"agent", sub.agentID, "message_id", msg.ID, "panic", fmt.Sprint(r))
		}
	}()
	sub.callback(msg)
}

// History returns up to count most-recent messages matching the filters,
// newest first. Zero-value filters match everything.
func (b *Bus) History(count int, kind MessageKind, sender string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Message
	for i := len(b.history) - 1; i >= 0 && len(out) < count; i-- {
		m := b.history[i]
		if kind != "" && m.Kind != kind {
			continue
		}
		if sender != "" && m.Sender != sender {
			continue
		}
		out = append(out, m)
	}
	return out
}

// HistorySize returns the number of retained messages.
func (b *Bus) HistorySize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.history)
}

// Stats returns the retained message total and a per-kind breakdown.
func (b *Bus) Stats() (total int, byKind map[MessageKind]int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	byKind = make(map[MessageKind]int)
	for _, m := range b.history {
		byKind[m.Kind]++
	}
	return len(b.history), byKind
}

// SubscriberCount returns the number of agents with at least one
// subscription.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// NewMessage builds a bus envelope with a fresh UUIDv7 id and timestamp.
func NewMessage(kind MessageKind, sender, recipient string, content any) Message {
	return Message{
		ID:        NewID(),
		Kind:      kind,
		Sender:    sender,
		Recipient: recipient,
		Content:   content,
		Timestamp: time.Now(),
	}
}
