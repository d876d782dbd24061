package relay

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"time"
)

// ShutdownPhase orders hooks during graceful shutdown. Phases run
// strictly in sequence; hooks within one phase run concurrently.
type ShutdownPhase int

const (
	PhaseStopAccepting ShutdownPhase = iota
	PhaseDrainRequests
	PhaseStopBackground
	PhaseCloseConnections
	PhaseCleanup
)

var phaseNames = [...]string{
	"stop_accepting",
	"drain_requests",
	"stop_background",
	"close_connections",
	"cleanup",
}

func (p ShutdownPhase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

// defaultHookTimeout bounds a hook that does not set its own.
const defaultHookTimeout = 10 * time.Second

// ShutdownHook is one unit of teardown work. A Critical hook's failure
// aborts the remaining phases; a non-critical failure is logged and
// shutdown continues.
type ShutdownHook struct {
	Name     string
	Phase    ShutdownPhase
	Run      func(ctx context.Context) error
	Timeout  time.Duration
	Critical bool
}

// ShutdownManager runs registered hooks through the five phases exactly
// once, no matter how many signals or Shutdown calls arrive.
type ShutdownManager struct {
	logger *slog.Logger

	mu    sync.Mutex
	hooks []ShutdownHook

	once sync.Once
	done chan struct{}
	err  error
}

// ShutdownOption configures a ShutdownManager.
type ShutdownOption func(*ShutdownManager)

// WithShutdownLogger sets the structured logger.
func WithShutdownLogger(l *slog.Logger) ShutdownOption {
	return func(m *ShutdownManager) { m.logger = l }
}

// NewShutdownManager creates an empty manager.
func NewShutdownManager(opts ...ShutdownOption) *ShutdownManager {
	m := &ShutdownManager{
		logger: nopLogger,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds a hook. Registration after shutdown has begun is
// ignored.
func (m *ShutdownManager) Register(h ShutdownHook) {
	if h.Timeout <= 0 {
		h.Timeout = defaultHookTimeout
	}
	m.mu.Lock()
	m.hooks = append(m.hooks, h)
	m.mu.Unlock()
}

// HandleSignals triggers Shutdown on the first matching signal. A
// second signal is ignored; the run already in progress finishes.
func (m *ShutdownManager) HandleSignals(ctx context.Context, sigs ...os.Signal) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	go func() {
		select {
		case sig := <-ch:
			m.logger.Info("signal received, shutting down", "signal", sig.String())
			m.Shutdown(ctx)
		case <-m.done:
		}
		signal.Stop(ch)
	}()
}

// Shutdown runs all phases in order. Safe to call from multiple
// goroutines; only the first call runs the hooks, and every call
// returns the same final error.
func (m *ShutdownManager) Shutdown(ctx context.Context) error {
	m.once.Do(func() {
		m.err = m.run(ctx)
		close(m.done)
	})
	<-m.done
	return m.err
}

// Wait blocks until shutdown has completed and returns its error.
func (m *ShutdownManager) Wait() error {
	<-m.done
	return m.err
}

func (m *ShutdownManager) run(ctx context.Context) error {
	m.mu.Lock()
	hooks := append([]ShutdownHook(nil), m.hooks...)
	m.mu.Unlock()

	start := time.Now()
	for phase := PhaseStopAccepting; phase <= PhaseCleanup; phase++ {
		var batch []ShutdownHook
		for _, h := range hooks {
			if h.Phase == phase {
				batch = append(batch, h)
			}
		}
		if len(batch) == 0 {
			continue
		}

		m.logger.Info("shutdown phase", "phase", phase.String(), "hooks", len(batch))
		if err := m.runPhase(ctx, batch); err != nil {
			m.logger.Error("shutdown aborted", "phase", phase.String(), "error", err)
			return err
		}
	}
	m.logger.Info("shutdown complete", "duration", time.Since(start))
	return nil
}

// runPhase executes one phase's hooks concurrently, each under its own
// timeout. It returns the first critical failure, after every hook in
// the phase has finished.
func (m *ShutdownManager) runPhase(ctx context.Context, batch []ShutdownHook) error {
	errs := make([]error, len(batch))
	var wg sync.WaitGroup
	for i, h := range batch {
		wg.Add(1)
		go func(i int, h ShutdownHook) {
			defer wg.Done()
			hookCtx, cancel := context.WithTimeout(ctx, h.Timeout)
			defer cancel()
			errs[i] = m.runHook(hookCtx, h)
		}(i, h)
	}
	wg.Wait()

	for i, err := range errs {
		if err == nil {
			continue
		}
		h := batch[i]
		if h.Critical {
			return fmt.Errorf("critical hook %s: %w", h.Name, err)
		}
		m.logger.Warn("shutdown hook failed", "hook", h.Name, "error", err)
	}
	return nil
}

// runHook enforces the timeout even against a hook that ignores its
// context.
func (m *ShutdownManager) runHook(ctx context.Context, h ShutdownHook) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- h.Run(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("timed out after %s", h.Timeout)
	}
}
