// Command relayd runs the relay orchestration daemon: it wires the
// provider router, cost tracker, budget enforcer, coordinator, and
// specialist agents together, serves a small status API, and shuts the
// whole stack down in phases on SIGINT/SIGTERM.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/relaylabs/relay"
	"github.com/relaylabs/relay/internal/config"
	"github.com/relaylabs/relay/kv"
	kvmemory "github.com/relaylabs/relay/kv/memory"
	kvredis "github.com/relaylabs/relay/kv/redis"
	"github.com/relaylabs/relay/observer"
	"github.com/relaylabs/relay/provider/anthropic"
	"github.com/relaylabs/relay/provider/openaicompat"
)

func main() {
	configPath := flag.String("config", "", "path to relay.toml")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	if err := run(context.Background(), config.Load(*configPath), logger); err != nil {
		logger.Error("relayd exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}

	var inst *observer.Instruments
	var obsShutdown func(context.Context) error
	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, p := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
		}
		inst, obsShutdown, err = observer.Init(ctx, pricing)
		if err != nil {
			return fmt.Errorf("init observer: %w", err)
		}
	}

	tracker := relay.NewTracker(store, relay.WithTrackerLogger(logger))
	enforcer := relay.NewEnforcer(store,
		relay.WithEnforcerLogger(logger),
		relay.OnAlert(func(userID string, period relay.Period, utilization float64) {
			logger.Warn("budget alert", "user", userID, "period", period, "utilization", utilization)
		}),
	)
	_ = enforcer

	router := buildRouter(cfg, inst, logger)
	coord := relay.NewCoordinator(relay.WithCoordinatorLogger(logger))

	registry := relay.NewRegistry(relay.WithRegistryLogger(logger))
	relay.SetDefaultRegistry(registry)

	agents := []*relay.BaseAgent{
		relay.NewPlannerAgent("planner-1", "", coord, relay.WithRouter(router), relay.WithAgentLogger(logger)),
		relay.NewCoderAgent("coder-1", "", coord, relay.WithRouter(router), relay.WithAgentLogger(logger)),
		relay.NewReviewerAgent("reviewer-1", "", coord, relay.WithRouter(router), relay.WithAgentLogger(logger)),
	}
	for _, a := range agents {
		a.Start()
	}

	versions := relay.NewVersionManager(store, relay.WithVersionLogger(logger))
	experiments := relay.NewExperimenter(store, versions, relay.WithExperimenterLogger(logger))

	srv := &http.Server{
		Addr:    cfg.Server.BindAddr,
		Handler: statusHandler(router, coord, registry, tracker, versions, experiments),
	}

	shutdown := relay.NewShutdownManager(relay.WithShutdownLogger(logger))
	shutdown.Register(relay.ShutdownHook{
		Name:  "stop-assignments",
		Phase: relay.PhaseStopAccepting,
		Run: func(ctx context.Context) error {
			coord.BeginShutdown()
			return nil
		},
	})
	shutdown.Register(relay.ShutdownHook{
		Name:    "drain-http",
		Phase:   relay.PhaseDrainRequests,
		Timeout: time.Duration(cfg.Server.ShutdownTimeout) * time.Second,
		Run:     srv.Shutdown,
	})
	for _, a := range agents {
		agent := a
		shutdown.Register(relay.ShutdownHook{
			Name:  "stop-agent-" + agent.ID(),
			Phase: relay.PhaseStopBackground,
			Run: func(ctx context.Context) error {
				agent.Stop()
				return nil
			},
		})
	}
	shutdown.Register(relay.ShutdownHook{
		Name:     "close-store",
		Phase:    relay.PhaseCloseConnections,
		Critical: true,
		Run: func(ctx context.Context) error {
			return store.Close()
		},
	})
	if obsShutdown != nil {
		shutdown.Register(relay.ShutdownHook{
			Name:  "flush-telemetry",
			Phase: relay.PhaseCleanup,
			Run:   obsShutdown,
		})
	}
	shutdown.HandleSignals(ctx, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("relayd listening", "addr", cfg.Server.BindAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return shutdown.Wait()
}

// openStore connects to Redis, falling back to the in-memory store when
// no Redis is reachable so local development works out of the box.
func openStore(cfg config.Config, logger *slog.Logger) (kv.Store, error) {
	store, err := kvredis.Open(cfg.Redis.URL)
	if err != nil {
		logger.Warn("redis unavailable, using in-memory store", "url", cfg.Redis.URL, "error", err)
		return kvmemory.New(), nil
	}
	return store, nil
}

// buildRouter registers one driver per configured backend, each mapped
// to its routing tier.
func buildRouter(cfg config.Config, inst *observer.Instruments, logger *slog.Logger) *relay.Router {
	opts := []relay.RouterOption{relay.WithRouterLogger(logger)}
	if inst != nil {
		opts = append(opts, relay.OnFailover(func(requested, actual relay.Tier, provider string, lastErr error) {
			inst.RecordFailover(context.Background(), requested, actual, provider)
		}))
	}
	router := relay.NewRouter(opts...)

	wrap := func(d relay.Driver) relay.Driver {
		if inst != nil {
			return observer.WrapDriver(d, inst)
		}
		return d
	}

	ollama := openaicompat.New("", cfg.Providers.OllamaBaseURL, openaicompat.WithName("ollama"))
	router.Register("ollama", wrap(ollama), relay.TierLocalFree, cfg.Tiers.LocalFree)

	if cfg.Providers.OpenAIAPIKey != "" {
		openai := openaicompat.New(cfg.Providers.OpenAIAPIKey, cfg.Providers.OpenAIBaseURL)
		router.Register("openai-cheap", wrap(openai), relay.TierCloudCheap, cfg.Tiers.CloudCheap)
		router.Register("openai-vision", wrap(openai), relay.TierVision, cfg.Tiers.Vision)
	}
	if cfg.Providers.AnthropicAPIKey != "" {
		claude := anthropic.New(cfg.Providers.AnthropicAPIKey)
		router.Register("anthropic", wrap(claude), relay.TierPremium, cfg.Tiers.Premium,
			relay.PrivacyCompatible())
	}
	if cfg.Providers.FireworksAPIKey != "" {
		fireworks := openaicompat.New(cfg.Providers.FireworksAPIKey, cfg.Providers.FireworksBaseURL,
			openaicompat.WithName("fireworks"))
		router.Register("fireworks", wrap(fireworks), relay.TierBatch, cfg.Tiers.Batch)
	}
	return router
}

func statusHandler(router *relay.Router, coord *relay.Coordinator, registry *relay.Registry, tracker *relay.Tracker, versions *relay.VersionManager, experiments *relay.Experimenter) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		total, byKind, subscribers := coord.MessageStats()
		writeJSON(w, map[string]any{
			"providers": router.Status(),
			"agents":    coord.Agents(),
			"tools":     registry.Stats(),
			"bus": map[string]any{
				"messages":    total,
				"by_kind":     byKind,
				"subscribers": subscribers,
			},
		})
	})
	mux.HandleFunc("GET /costs", func(w http.ResponseWriter, r *http.Request) {
		period := relay.Period(r.URL.Query().Get("period"))
		if period == "" {
			period = relay.PeriodDaily
		}
		global, err := tracker.GlobalCost(r.Context(), period)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		byTier, err := tracker.CostByTier(r.Context(), period)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		top, err := tracker.TopSpenders(r.Context(), period, 10)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{
			"period":       period,
			"global":       global,
			"by_tier":      byTier,
			"top_spenders": top,
		})
	})
	mux.HandleFunc("GET /workflows/{id}/versions", func(w http.ResponseWriter, r *http.Request) {
		workflowID := r.PathValue("id")
		list, err := versions.List(r.Context(), workflowID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		active := ""
		if cur, err := versions.Active(r.Context(), workflowID); err == nil {
			active = cur.Version
		}
		writeJSON(w, map[string]any{
			"workflow": workflowID,
			"active":   active,
			"versions": list,
		})
	})
	mux.HandleFunc("GET /experiments/{id}", func(w http.ResponseWriter, r *http.Request) {
		exp, err := experiments.Get(r.Context(), r.PathValue("id"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		results, err := experiments.Results(r.Context(), exp.ID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{
			"experiment": exp,
			"results":    results,
		})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
