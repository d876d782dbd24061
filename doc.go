// Package relay is a multi-tier LLM orchestration substrate for Go.
//
// It routes chat and completion requests across a pool of heterogeneous
// providers (local, cheap-cloud, premium, batch), tracks provider health
// with per-provider circuit breakers, enforces per-user cost budgets
// against an atomic key-value counter store, streams tokens back to
// callers with optional early termination, and composes specialized
// agents that cooperate over an in-process message bus while invoking a
// registry of typed tools.
//
// # Quick Start
//
// Wire a router with a couple of drivers and ask an agent to work:
//
//	router := relay.NewRouter()
//	router.Register("ollama", ollamaDriver, relay.TierLocalFree,
//		[]string{"llama3.1:8b"}, relay.PrivacyCompatible())
//	router.Register("anthropic", claudeDriver, relay.TierPremium,
//		[]string{"claude-sonnet-4-5"})
//
//	coord := relay.NewCoordinator()
//	planner := relay.NewPlannerAgent("planner-1", "", coord, relay.WithRouter(router))
//	planner.Start()
//	defer planner.Stop()
//
//	id, _ := coord.AssignTask(ctx, "planner-1", "plan the migration", 0)
//	result, ok := coord.WaitForResult(ctx, "planner-1", time.Minute)
//
// # Core Pieces
//
//   - [Driver]: a single LLM backend (chat, stream, health probe, cost)
//   - [Router]: tier selection, health cache, circuit breaking, failover
//   - [Bus]: typed publish/subscribe with bounded history
//   - [Coordinator]: agent lifecycle, task assignment, result correlation
//   - [Registry]: declarative tools with schemas, rate limits, timeouts
//   - [Supervisor]: token relay with stop-sequence, quality, and timeout stops
//   - [Tracker], [Enforcer]: atomic cost counters and hard budget limits
//   - [BaseAgent]: bus client with LLM helpers, tools, and scratch memory
//
// # Included Adapters
//
// Drivers: provider/openaicompat (OpenAI, Fireworks, Together, Groq,
// Ollama, Jan, vLLM), provider/anthropic (Claude).
// Counter stores: kv/redis (production), kv/memory (tests, local dev).
//
// See cmd/relayd for a complete wired service.
package relay
