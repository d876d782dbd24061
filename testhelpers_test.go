package relay

import (
	"context"
	"sync"
)

// stubDriver is a test Driver that returns pre-configured results in
// order. Chat and Stream share the same result queue.
type stubDriver struct {
	name string

	mu      sync.Mutex
	calls   int
	results []stubResult
	reqs    []ChatRequest

	unhealthy bool
	healthErr error
}

type stubResult struct {
	resp   LLMResponse
	tokens []string // chunks written to ch in Stream
	err    error
}

var _ Driver = (*stubDriver)(nil)

func (s *stubDriver) Name() string {
	if s.name == "" {
		return "stub"
	}
	return s.name
}

func (s *stubDriver) next(req ChatRequest) stubResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	s.reqs = append(s.reqs, req)
	if i < len(s.results) {
		return s.results[i]
	}
	return stubResult{}
}

func (s *stubDriver) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *stubDriver) lastRequest() ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.reqs) == 0 {
		return ChatRequest{}
	}
	return s.reqs[len(s.reqs)-1]
}

func (s *stubDriver) Chat(_ context.Context, req ChatRequest) (LLMResponse, error) {
	r := s.next(req)
	return r.resp, r.err
}

func (s *stubDriver) Stream(_ context.Context, req ChatRequest, ch chan<- string) (LLMResponse, error) {
	defer close(ch)
	r := s.next(req)
	for _, tok := range r.tokens {
		ch <- tok
	}
	return r.resp, r.err
}

func (s *stubDriver) Health(_ context.Context) (bool, error) {
	if s.healthErr != nil {
		return false, s.healthErr
	}
	return !s.unhealthy, nil
}

func (s *stubDriver) Cost(promptTokens, completionTokens int, _ string) float64 {
	return float64(promptTokens+completionTokens) / 1e6
}

// echoProcessor is a minimal TaskProcessor whose Process returns the
// task description unchanged.
type echoProcessor struct {
	tier  Tier
	model string
}

func (p *echoProcessor) SystemPrompt() string { return "You echo." }
func (p *echoProcessor) Tier() Tier           { return p.tier }
func (p *echoProcessor) Model() string        { return p.model }

func (p *echoProcessor) Process(_ context.Context, _ *BaseAgent, task Message) (any, error) {
	return map[string]any{"echo": taskDescription(task.Content)}, nil
}
