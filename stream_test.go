package relay

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// chunkStream sends the given chunks and returns.
func chunkStream(chunks ...string) StreamFunc {
	return func(_ context.Context, ch chan<- string) (LLMResponse, error) {
		defer close(ch)
		for _, c := range chunks {
			ch <- c
		}
		return LLMResponse{Content: strings.Join(chunks, "")}, nil
	}
}

func TestSupervisor_Complete(t *testing.T) {
	s := NewSupervisor()
	res := s.Run(context.Background(), chunkStream("hello", " ", "world"))

	if res.TerminationReason != TermComplete {
		t.Fatalf("reason = %s, want complete", res.TerminationReason)
	}
	if res.FullContent != "hello world" {
		t.Fatalf("content = %q", res.FullContent)
	}
	if res.TotalTokens != 3 {
		t.Fatalf("total tokens = %d, want 3", res.TotalTokens)
	}
	for i, c := range res.Chunks {
		if c.Index != i {
			t.Fatalf("chunk %d has index %d", i, c.Index)
		}
	}
}

func TestSupervisor_EarlyStopOnStopSequence(t *testing.T) {
	s := NewSupervisor(StopSequences("END"))
	res := s.Run(context.Background(), func(ctx context.Context, ch chan<- string) (LLMResponse, error) {
		defer close(ch)
		for i := 0; i < 100; i++ {
			text := "token "
			if i == 4 {
				text = "END"
			}
			select {
			case ch <- text:
			case <-ctx.Done():
				return LLMResponse{}, ctx.Err()
			}
		}
		return LLMResponse{}, nil
	})

	if res.TerminationReason != TermEarlyStop {
		t.Fatalf("reason = %s, want early_stop", res.TerminationReason)
	}
	if len(res.Chunks) != 5 {
		t.Fatalf("delivered %d chunks, want 5", len(res.Chunks))
	}
}

func TestSupervisor_QualityMarkerTerminates(t *testing.T) {
	// Marker appears after the content clears the minimum length; the
	// check fires on the next multiple of checkEvery.
	var chunks []string
	for i := 0; i < 9; i++ {
		chunks = append(chunks, "some ordinary text ")
	}
	chunks = append(chunks, "In Conclusion, that is all. ")
	for i := 0; i < 50; i++ {
		chunks = append(chunks, "filler ")
	}

	s := NewSupervisor(QualityCheck(50, 10))
	res := s.Run(context.Background(), func(ctx context.Context, ch chan<- string) (LLMResponse, error) {
		defer close(ch)
		for _, c := range chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				return LLMResponse{}, ctx.Err()
			}
		}
		return LLMResponse{}, nil
	})

	if res.TerminationReason != TermQuality {
		t.Fatalf("reason = %s, want quality_threshold", res.TerminationReason)
	}
	if len(res.Chunks) != 10 {
		t.Fatalf("delivered %d chunks, want 10", len(res.Chunks))
	}
}

func TestSupervisor_QualityRepetitionTerminates(t *testing.T) {
	s := NewSupervisor(QualityCheck(10, 5))
	res := s.Run(context.Background(), func(ctx context.Context, ch chan<- string) (LLMResponse, error) {
		defer close(ch)
		for i := 0; i < 40; i++ {
			select {
			case ch <- "same line\n":
			case <-ctx.Done():
				return LLMResponse{}, ctx.Err()
			}
		}
		return LLMResponse{}, nil
	})

	if res.TerminationReason != TermQuality {
		t.Fatalf("reason = %s, want quality_threshold", res.TerminationReason)
	}
}

func TestSupervisor_ShortContentNeverQualityTerminated(t *testing.T) {
	s := NewSupervisor(QualityCheck(500, 1))
	res := s.Run(context.Background(), chunkStream("in conclusion", "\nsame\n", "same\n", "same\n"))
	if res.TerminationReason != TermComplete {
		t.Fatalf("reason = %s, want complete for short content", res.TerminationReason)
	}
}

func TestSupervisor_Timeout(t *testing.T) {
	s := NewSupervisor(MaxDuration(30 * time.Millisecond))
	res := s.Run(context.Background(), func(ctx context.Context, ch chan<- string) (LLMResponse, error) {
		defer close(ch)
		<-ctx.Done()
		return LLMResponse{}, ctx.Err()
	})

	if res.TerminationReason != TermTimeout {
		t.Fatalf("reason = %s, want timeout", res.TerminationReason)
	}
}

func TestSupervisor_UserCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	s := NewSupervisor()
	res := s.Run(ctx, func(ctx context.Context, ch chan<- string) (LLMResponse, error) {
		defer close(ch)
		<-ctx.Done()
		return LLMResponse{}, ctx.Err()
	})

	if res.TerminationReason != TermUserCancelled {
		t.Fatalf("reason = %s, want user_cancelled", res.TerminationReason)
	}
}

func TestSupervisor_StreamError(t *testing.T) {
	wantErr := errors.New("connection reset")
	s := NewSupervisor()
	res := s.Run(context.Background(), func(_ context.Context, ch chan<- string) (LLMResponse, error) {
		ch <- "partial"
		close(ch)
		return LLMResponse{}, wantErr
	})

	if res.TerminationReason != TermError {
		t.Fatalf("reason = %s, want error", res.TerminationReason)
	}
	if !errors.Is(res.Err, wantErr) {
		t.Fatalf("err = %v", res.Err)
	}
	if res.FullContent != "partial" {
		t.Fatalf("content = %q, delivered chunks must be kept", res.FullContent)
	}
}

func TestSupervisor_OnChunkObservesOrder(t *testing.T) {
	var seen []string
	s := NewSupervisor(OnChunk(func(c StreamChunk) { seen = append(seen, c.Content) }))
	s.Run(context.Background(), chunkStream("a", "b", "c"))

	if strings.Join(seen, "") != "abc" {
		t.Fatalf("observed chunks = %v", seen)
	}
}

func TestSupervisor_Stats(t *testing.T) {
	s := NewSupervisor(StopSequences("STOP"))
	s.Run(context.Background(), chunkStream("fine"))
	s.Run(context.Background(), chunkStream("fine"))
	s.Run(context.Background(), chunkStream("then STOP now"))

	runs, byReason := s.Stats()
	if runs != 3 {
		t.Fatalf("runs = %d, want 3", runs)
	}
	if byReason[TermComplete] != 2 || byReason[TermEarlyStop] != 1 {
		t.Fatalf("byReason = %v", byReason)
	}

	last := s.Result()
	if last.TerminationReason != TermEarlyStop {
		t.Fatalf("last result reason = %s", last.TerminationReason)
	}
}
