package relay

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const (
	defaultHealthInterval   = 5 * time.Minute
	defaultBreakerThreshold = 3
	defaultBreakerCoolOff   = 30 * time.Second
	defaultHealthTimeout    = 10 * time.Second
)

// ProviderConfig describes one registered backend.
type ProviderConfig struct {
	Driver            Driver
	Tier              Tier
	Priority          int // lower = preferred within tier
	Models            []string
	PrivacyCompatible bool
	HealthInterval    time.Duration
	BreakerThreshold  int
	BreakerCoolOff    time.Duration
}

// RegisterOption configures a provider registration.
type RegisterOption func(*ProviderConfig)

// Priority sets ordering within a tier (lower = preferred, default 0).
func Priority(n int) RegisterOption {
	return func(c *ProviderConfig) { c.Priority = n }
}

// PrivacyCompatible marks the provider as acceptable under privacy mode.
func PrivacyCompatible() RegisterOption {
	return func(c *ProviderConfig) { c.PrivacyCompatible = true }
}

// HealthInterval sets how long a cached health probe result stays fresh
// (default 5 minutes).
func HealthInterval(d time.Duration) RegisterOption {
	return func(c *ProviderConfig) { c.HealthInterval = d }
}

// BreakerThreshold sets the consecutive failures that open the circuit
// breaker (default 3).
func BreakerThreshold(n int) RegisterOption {
	return func(c *ProviderConfig) { c.BreakerThreshold = n }
}

// BreakerCoolOff sets the open-circuit cool-off before a probe is
// permitted (default 30s).
func BreakerCoolOff(d time.Duration) RegisterOption {
	return func(c *ProviderConfig) { c.BreakerCoolOff = d }
}

// FailoverFunc observes a completed request that landed on a higher tier
// than requested.
type FailoverFunc func(requested, actual Tier, provider string, lastErr error)

// Router selects a provider for a (tier, model, privacy) triple, gates
// candidates on health and circuit breakers, and cascades to higher
// tiers when a tier is exhausted.
//
// Circuit breakers live here, keyed by provider handle, so the behavior
// is uniform across drivers.
type Router struct {
	mu         sync.Mutex
	providers  map[string]*ProviderConfig
	breakers   map[string]*breakerState
	onFailover FailoverFunc
	logger     *slog.Logger

	now           func() time.Time // test hook
	healthTimeout time.Duration
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithRouterLogger sets the structured logger for routing events.
// If not set, a no-op logger is used.
func WithRouterLogger(l *slog.Logger) RouterOption {
	return func(r *Router) { r.logger = l }
}

// OnFailover sets the hook invoked after a request succeeds on a higher
// tier than requested.
func OnFailover(fn FailoverFunc) RouterOption {
	return func(r *Router) { r.onFailover = fn }
}

// NewRouter creates an empty router.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		providers:     make(map[string]*ProviderConfig),
		breakers:      make(map[string]*breakerState),
		logger:        nopLogger,
		now:           time.Now,
		healthTimeout: defaultHealthTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a provider. Providers are registered at startup and never
// unregistered during service life.
func (r *Router) Register(name string, d Driver, tier Tier, models []string, opts ...RegisterOption) {
	cfg := &ProviderConfig{
		Driver:           d,
		Tier:             tier,
		Models:           models,
		HealthInterval:   defaultHealthInterval,
		BreakerThreshold: defaultBreakerThreshold,
		BreakerCoolOff:   defaultBreakerCoolOff,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	r.mu.Lock()
	r.providers[name] = cfg
	r.breakers[name] = &breakerState{healthy: true}
	r.mu.Unlock()

	r.logger.Info("registered provider",
		"provider", name, "tier", tier.String(), "models", len(models))
}

// CallOption configures a single ChatCompletion / StreamCompletion call.
type CallOption func(*callConfig)

type callConfig struct {
	privacyMode bool
	noFailover  bool
}

// PrivacyMode restricts candidates to privacy-compatible providers.
func PrivacyMode() CallOption {
	return func(c *callConfig) { c.privacyMode = true }
}

// NoFailover disables the tier fallback chain; only the requested tier
// is tried.
func NoFailover() CallOption {
	return func(c *callConfig) { c.noFailover = true }
}

// candidates returns provider names eligible for the tier/model/privacy
// triple, sorted by ascending priority. Providers with an open breaker
// are skipped unless the cool-off elapsed, in which case the breaker
// half-closes and the provider gets one attempt.
func (r *Router) candidates(tier Tier, model string, privacyMode bool) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	type cand struct {
		name     string
		priority int
	}
	var out []cand
	now := r.now()

	for name, cfg := range r.providers {
		if cfg.Tier != tier {
			continue
		}
		if model != "" && !supportsModel(cfg.Models, model) {
			continue
		}
		if privacyMode && !cfg.PrivacyCompatible {
			continue
		}
		b := r.breakers[name]
		wasOpen := b.open
		if !b.allow(now, cfg.BreakerCoolOff) {
			r.logger.Debug("skipping provider, circuit open", "provider", name)
			continue
		}
		if wasOpen && !b.open {
			r.logger.Info("circuit breaker half-closed", "provider", name)
		}
		out = append(out, cand{name, cfg.Priority})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].priority < out[j].priority })

	names := make([]string, len(out))
	for i, c := range out {
		names[i] = c.name
	}
	return names
}

func supportsModel(models []string, model string) bool {
	for _, m := range models {
		if m == model {
			return true
		}
	}
	return false
}

// checkHealth returns the cached probe result when fresh, otherwise
// probes the driver with a 10s timeout. A probe timeout or error counts
// as unhealthy but does not open the circuit breaker.
func (r *Router) checkHealth(ctx context.Context, name string) bool {
	r.mu.Lock()
	cfg, ok := r.providers[name]
	if !ok {
		r.mu.Unlock()
		return false
	}
	b := r.breakers[name]
	if r.now().Sub(b.lastHealthCheck) < cfg.HealthInterval && !b.lastHealthCheck.IsZero() {
		healthy := b.healthy
		r.mu.Unlock()
		return healthy
	}
	r.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, r.healthTimeout)
	healthy, err := cfg.Driver.Health(probeCtx)
	cancel()
	if err != nil {
		r.logger.Warn("health probe failed", "provider", name, "error", err)
		healthy = false
	} else if !healthy {
		r.logger.Warn("health probe reports unhealthy", "provider", name)
	}

	r.mu.Lock()
	b.healthy = healthy
	b.lastHealthCheck = r.now()
	r.mu.Unlock()
	return healthy
}

// recordFailure updates the provider's breaker after a failed attempt.
func (r *Router) recordFailure(name string) {
	r.mu.Lock()
	cfg := r.providers[name]
	b := r.breakers[name]
	opened := b.recordFailure(r.now(), cfg.BreakerThreshold)
	count := b.failureCount
	r.mu.Unlock()

	if opened {
		r.logger.Warn("circuit breaker opened", "provider", name, "failures", count)
	}
}

// recordSuccess resets the provider's breaker after a completed request.
func (r *Router) recordSuccess(name string) {
	r.mu.Lock()
	b := r.breakers[name]
	wasOpen := b.open
	b.recordSuccess()
	r.mu.Unlock()

	if wasOpen {
		r.logger.Info("circuit breaker closed", "provider", name)
	}
}

// fallbackTiers builds the tiers-to-try chain: requested tier, then the
// next tier up, then premium (deduplicated).
func fallbackTiers(requested Tier, failover bool) []Tier {
	tiers := []Tier{requested}
	if !failover {
		return tiers
	}
	if requested < TierPremium {
		tiers = append(tiers, requested+1)
	}
	for _, t := range tiers {
		if t == TierPremium {
			return tiers
		}
	}
	return append(tiers, TierPremium)
}

// ChatCompletion routes a single-shot completion. Candidates within the
// requested tier are tried in priority order; when the tier is exhausted
// the request cascades per the failover chain. The router does not
// accumulate cost; drivers expose Cost for the tracker.
func (r *Router) ChatCompletion(ctx context.Context, tier Tier, req ChatRequest, opts ...CallOption) (LLMResponse, error) {
	if !ValidTier(tier) {
		return LLMResponse{}, &ErrValidation{Field: "tier", Reason: "must be 0-4"}
	}
	var cc callConfig
	for _, opt := range opts {
		opt(&cc)
	}

	var lastErr error
	for _, current := range fallbackTiers(tier, !cc.noFailover) {
		names := r.candidates(current, req.Model, cc.privacyMode)
		if len(names) == 0 {
			r.logger.Debug("no candidates for tier", "tier", current.String())
			continue
		}
		for _, name := range names {
			if !r.checkHealth(ctx, name) {
				r.logger.Warn("skipping unhealthy provider", "provider", name)
				continue
			}
			r.mu.Lock()
			cfg := r.providers[name]
			r.mu.Unlock()

			resp, err := cfg.Driver.Chat(ctx, req)
			if err != nil {
				r.logger.Error("provider failed", "provider", name, "error", err)
				r.recordFailure(name)
				lastErr = err
				if ctx.Err() != nil {
					return LLMResponse{}, ctx.Err()
				}
				continue
			}

			r.recordSuccess(name)
			if current != tier {
				r.logger.Warn("failover completed",
					"requested_tier", tier.String(), "actual_tier", current.String(), "provider", name)
				if r.onFailover != nil {
					r.onFailover(tier, current, name, lastErr)
				}
			}
			return resp, nil
		}
	}

	return LLMResponse{}, &ErrProvidersExhausted{Tier: tier, Model: req.Model, LastErr: lastErr}
}

// StreamCompletion is the streaming analogue of ChatCompletion. It picks
// candidates the same way, but once a provider has yielded its first
// chunk a failure is surfaced rather than restarted mid-stream. ch is
// always closed before returning.
func (r *Router) StreamCompletion(ctx context.Context, tier Tier, req ChatRequest, ch chan<- string, opts ...CallOption) (LLMResponse, error) {
	if !ValidTier(tier) {
		close(ch)
		return LLMResponse{}, &ErrValidation{Field: "tier", Reason: "must be 0-4"}
	}
	var cc callConfig
	for _, opt := range opts {
		opt(&cc)
	}

	var lastErr error
	for _, current := range fallbackTiers(tier, !cc.noFailover) {
		for _, name := range r.candidates(current, req.Model, cc.privacyMode) {
			if !r.checkHealth(ctx, name) {
				continue
			}
			r.mu.Lock()
			cfg := r.providers[name]
			r.mu.Unlock()

			mid := make(chan string, 64)
			var (
				resp      LLMResponse
				streamErr error
			)
			done := make(chan struct{})
			go func() {
				defer close(done)
				resp, streamErr = cfg.Driver.Stream(ctx, req, mid)
			}()

			var chunksSent bool
			for chunk := range mid {
				chunksSent = true
				select {
				case ch <- chunk:
				case <-ctx.Done():
					<-done
					close(ch)
					return LLMResponse{}, ctx.Err()
				}
			}
			<-done

			if streamErr == nil {
				r.recordSuccess(name)
				if current != tier && r.onFailover != nil {
					r.onFailover(tier, current, name, lastErr)
				}
				close(ch)
				return resp, nil
			}

			r.logger.Error("provider streaming failed", "provider", name, "error", streamErr)
			r.recordFailure(name)
			lastErr = streamErr

			if chunksSent || ctx.Err() != nil {
				// Mid-stream failure: do not restart on another candidate.
				close(ch)
				return LLMResponse{}, streamErr
			}
		}
	}

	close(ch)
	return LLMResponse{}, &ErrProvidersExhausted{Tier: tier, Model: req.Model, LastErr: lastErr}
}

// ProviderStatus is one entry of the router's status snapshot.
type ProviderStatus struct {
	Tier              string          `json:"tier"`
	Models            []string        `json:"models"`
	PrivacyCompatible bool            `json:"privacy_compatible"`
	Breaker           BreakerSnapshot `json:"breaker"`
}

// Status returns a snapshot of every registered provider.
func (r *Router) Status() map[string]ProviderStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]ProviderStatus, len(r.providers))
	for name, cfg := range r.providers {
		b := r.breakers[name]
		out[name] = ProviderStatus{
			Tier:              cfg.Tier.String(),
			Models:            append([]string(nil), cfg.Models...),
			PrivacyCompatible: cfg.PrivacyCompatible,
			Breaker: BreakerSnapshot{
				FailureCount:    b.failureCount,
				Open:            b.open,
				Healthy:         b.healthy,
				LastFailure:     b.lastFailure,
				LastHealthCheck: b.lastHealthCheck,
			},
		}
	}
	return out
}
