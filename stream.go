package relay

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// TerminationReason explains why a supervised stream stopped.
type TerminationReason string

const (
	TermComplete      TerminationReason = "complete"
	TermEarlyStop     TerminationReason = "early_stop"
	TermQuality       TerminationReason = "quality_threshold"
	TermTimeout       TerminationReason = "timeout"
	TermError         TerminationReason = "error"
	TermUserCancelled TerminationReason = "user_cancelled"
)

// StreamChunk is one delivered token span.
type StreamChunk struct {
	Content   string    `json:"content"`
	Index     int       `json:"index"`
	Timestamp time.Time `json:"timestamp"`
}

// StreamResult is the outcome of one supervised stream.
type StreamResult struct {
	FullContent       string            `json:"full_content"`
	Chunks            []StreamChunk     `json:"chunks"`
	TerminationReason TerminationReason `json:"termination_reason"`
	TotalTokens       int               `json:"total_tokens"`
	Duration          time.Duration     `json:"duration"`
	Err               error             `json:"-"`
}

// StreamFunc produces a stream into ch and closes it when done,
// matching the Driver.Stream contract.
type StreamFunc func(ctx context.Context, ch chan<- string) (LLMResponse, error)

const (
	defaultQualityMinLength  = 50
	defaultQualityCheckEvery = 20
)

// defaultCompletionMarkers signal a response that has wrapped itself up;
// matching is case-insensitive against the accumulated tail.
var defaultCompletionMarkers = []string{
	"in conclusion",
	"to summarize",
	"in summary",
	"hope this helps",
	"let me know if",
}

// Supervisor runs streaming completions with mid-stream control: stop
// sequences, a wall-clock deadline, caller cancellation, and a periodic
// quality heuristic that ends streams which have naturally concluded or
// degenerated into repetition.
//
// Termination reasons are resolved in precedence order: a cancelled
// caller wins over a stream error, which wins over the deadline, which
// wins over stop sequences, which win over the quality heuristic.
type Supervisor struct {
	maxDuration   time.Duration
	stopSequences []string
	checkEvery    int
	minLength     int
	markers       []string
	onChunk       func(StreamChunk)
	logger        *slog.Logger

	mu       sync.Mutex
	last     StreamResult
	runs     int
	byReason map[TerminationReason]int
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// MaxDuration bounds the stream's wall-clock time (0 = unbounded).
func MaxDuration(d time.Duration) SupervisorOption {
	return func(s *Supervisor) { s.maxDuration = d }
}

// StopSequences ends the stream as soon as the accumulated content
// contains any of the given sequences.
func StopSequences(seqs ...string) SupervisorOption {
	return func(s *Supervisor) { s.stopSequences = seqs }
}

// QualityCheck tunes the heuristic: content shorter than minLength is
// never terminated, and the check runs every checkEvery chunks.
func QualityCheck(minLength, checkEvery int) SupervisorOption {
	return func(s *Supervisor) {
		s.minLength = minLength
		s.checkEvery = checkEvery
	}
}

// CompletionMarkers replaces the default completion marker phrases.
func CompletionMarkers(markers ...string) SupervisorOption {
	return func(s *Supervisor) { s.markers = markers }
}

// OnChunk registers a callback invoked synchronously for every chunk,
// in order.
func OnChunk(fn func(StreamChunk)) SupervisorOption {
	return func(s *Supervisor) { s.onChunk = fn }
}

// WithSupervisorLogger sets the structured logger.
func WithSupervisorLogger(l *slog.Logger) SupervisorOption {
	return func(s *Supervisor) { s.logger = l }
}

// NewSupervisor creates a stream supervisor.
func NewSupervisor(opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		checkEvery: defaultQualityCheckEvery,
		minLength:  defaultQualityMinLength,
		markers:    defaultCompletionMarkers,
		byReason:   make(map[TerminationReason]int),
		logger:     nopLogger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.checkEvery <= 0 {
		s.checkEvery = defaultQualityCheckEvery
	}
	return s
}

// Run supervises one stream to completion. The producer is cancelled as
// soon as a termination condition fires; chunks already delivered stay
// in the result. Run never returns a partial result without a reason.
func (s *Supervisor) Run(ctx context.Context, stream StreamFunc) StreamResult {
	start := time.Now()

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := make(chan string, 64)
	errCh := make(chan error, 1)
	go func() {
		_, err := stream(streamCtx, ch)
		errCh <- err
	}()

	var deadline <-chan time.Time
	if s.maxDuration > 0 {
		timer := time.NewTimer(s.maxDuration)
		defer timer.Stop()
		deadline = timer.C
	}

	var (
		content strings.Builder
		chunks  []StreamChunk
		reason  TerminationReason
	)

loop:
	for {
		select {
		case <-ctx.Done():
			reason = TermUserCancelled
			break loop
		case <-deadline:
			reason = TermTimeout
			break loop
		case text, ok := <-ch:
			if !ok {
				break loop
			}
			chunk := StreamChunk{Content: text, Index: len(chunks), Timestamp: time.Now()}
			chunks = append(chunks, chunk)
			content.WriteString(text)
			if s.onChunk != nil {
				s.onChunk(chunk)
			}

			if seq := matchStop(content.String(), s.stopSequences); seq != "" {
				s.logger.Debug("stop sequence hit", "sequence", seq, "chunks", len(chunks))
				reason = TermEarlyStop
				break loop
			}
			if len(chunks)%s.checkEvery == 0 && s.qualityDone(content.String()) {
				reason = TermQuality
				break loop
			}
		}
	}

	// Unblock the producer, then collect its error. The mid channel is
	// drained so a producer blocked on send can reach its close.
	cancel()
	go func() {
		for range ch {
		}
	}()
	streamErr := <-errCh

	if reason == "" {
		switch {
		case ctx.Err() != nil:
			reason = TermUserCancelled
		case streamErr != nil:
			reason = TermError
		default:
			reason = TermComplete
		}
	}

	result := StreamResult{
		FullContent:       content.String(),
		Chunks:            chunks,
		TerminationReason: reason,
		TotalTokens:       len(chunks),
		Duration:          time.Since(start),
	}
	if reason == TermError {
		result.Err = streamErr
	}

	s.mu.Lock()
	s.last = result
	s.runs++
	s.byReason[reason]++
	s.mu.Unlock()

	s.logger.Info("stream finished",
		"reason", string(reason), "chunks", len(chunks), "duration", result.Duration)
	return result
}

// Result returns the most recently completed stream's result.
func (s *Supervisor) Result() StreamResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Stats reports supervised stream totals and a per-reason breakdown.
func (s *Supervisor) Stats() (runs int, byReason map[TerminationReason]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[TerminationReason]int, len(s.byReason))
	for k, v := range s.byReason {
		out[k] = v
	}
	return s.runs, out
}

func matchStop(content string, seqs []string) string {
	for _, seq := range seqs {
		if seq != "" && strings.Contains(content, seq) {
			return seq
		}
	}
	return ""
}

// qualityDone reports whether the content has naturally concluded (a
// completion marker appears) or degenerated (the last three non-empty
// lines are identical). Short content is never terminated.
func (s *Supervisor) qualityDone(content string) bool {
	if len(content) < s.minLength {
		return false
	}

	lower := strings.ToLower(content)
	for _, marker := range s.markers {
		if strings.Contains(lower, marker) {
			return true
		}
	}

	var lines []string
	for _, line := range strings.Split(content, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	if len(lines) >= 3 {
		n := len(lines)
		if lines[n-1] == lines[n-2] && lines[n-2] == lines[n-3] {
			return true
		}
	}
	return false
}
