package relay

import (
	"encoding/json"
	"time"
)

// Tier is an integer-ranked quality/cost bucket. Numerically lower tiers
// are cheaper or local; the router falls back to higher tiers on failure.
type Tier int

const (
	TierLocalFree  Tier = 0 // Ollama, Jan (free, local)
	TierCloudCheap Tier = 1 // Fireworks, Together, Groq
	TierVision     Tier = 2 // local vision models
	TierPremium    Tier = 3 // Anthropic, OpenAI
	TierBatch      Tier = 4 // batch backends
)

func (t Tier) String() string {
	switch t {
	case TierLocalFree:
		return "local_free"
	case TierCloudCheap:
		return "cloud_cheap"
	case TierVision:
		return "vision"
	case TierPremium:
		return "premium"
	case TierBatch:
		return "batch"
	}
	return "unknown"
}

// ValidTier reports whether t is one of the five defined tiers.
func ValidTier(t Tier) bool { return t >= TierLocalFree && t <= TierBatch }

// --- LLM protocol types ---

type ChatMessage struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// ChatRequest is the provider-independent completion request.
type ChatRequest struct {
	Model         string        `json:"model"`
	Messages      []ChatMessage `json:"messages"`
	Temperature   float64       `json:"temperature,omitempty"`
	MaxTokens     int           `json:"max_tokens,omitempty"`
	StopSequences []string      `json:"stop,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// LLMResponse is the normalized single-shot completion result.
type LLMResponse struct {
	Content      string `json:"content"`
	Usage        Usage  `json:"usage"`
	Model        string `json:"model"`
	FinishReason string `json:"finish_reason"`
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage      { return ChatMessage{Role: "user", Content: text} }
func SystemMessage(text string) ChatMessage    { return ChatMessage{Role: "system", Content: text} }
func AssistantMessage(text string) ChatMessage { return ChatMessage{Role: "assistant", Content: text} }

// --- Bus envelope ---

// MessageKind classifies a bus message.
type MessageKind string

const (
	KindTaskAssignment MessageKind = "task_assignment"
	KindTaskResult     MessageKind = "task_result"
	KindAgentRequest   MessageKind = "agent_request"
	KindAgentResponse  MessageKind = "agent_response"
	KindSystemEvent    MessageKind = "system_event"
	KindError          MessageKind = "error"
)

// Message is the bus envelope. Recipient == "" means broadcast.
// Messages are immutable once published.
type Message struct {
	ID        string         `json:"id"`
	Kind      MessageKind    `json:"kind"`
	Sender    string         `json:"sender"`
	Recipient string         `json:"recipient,omitempty"`
	Content   any            `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"ts"`
	ParentID  string         `json:"parent_id,omitempty"`
}

// Broadcast reports whether the message targets all subscribers.
func (m Message) Broadcast() bool { return m.Recipient == "" }

// MarshalWire renders the message in the documented JSON wire shape.
func (m Message) MarshalWire() ([]byte, error) { return json.Marshal(m) }

// --- Agent registry types ---

// AgentStatus is an agent's lifecycle state.
type AgentStatus string

const (
	StatusIdle      AgentStatus = "idle"
	StatusThinking  AgentStatus = "thinking"
	StatusExecuting AgentStatus = "executing"
	StatusBusy      AgentStatus = "busy"
	StatusStopped   AgentStatus = "stopped"
)

// AgentInfo is the coordinator's record of a registered agent.
type AgentInfo struct {
	ID           string      `json:"agent_id"`
	Type         string      `json:"type"`
	Capabilities []string    `json:"capabilities"`
	Status       AgentStatus `json:"status"`
	MessageCount int         `json:"message_count"`
	LastActivity time.Time   `json:"last_activity"`
}

// Period is a named spend window with a fixed TTL.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
)

// TTL returns the expiry for keys scoped to this period.
func (p Period) TTL() (time.Duration, error) {
	switch p {
	case PeriodDaily:
		return 86400 * time.Second, nil
	case PeriodWeekly:
		return 604800 * time.Second, nil
	case PeriodMonthly:
		return 2592000 * time.Second, nil
	}
	return 0, &ErrValidation{Field: "period", Reason: "must be daily, weekly, or monthly"}
}
