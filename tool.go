package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/time/rate"
)

// ToolHandler executes one tool call. Arguments arrive schema-validated.
type ToolHandler func(ctx context.Context, args map[string]any) (any, error)

// ToolKind classifies how a tool is implemented.
type ToolKind string

const (
	ToolFunction ToolKind = "function"
	ToolMCP      ToolKind = "mcp"
	ToolAPI      ToolKind = "api"
	ToolBrowser  ToolKind = "browser"
	ToolDatabase ToolKind = "database"
)

// ToolParameter describes one named argument of a tool. Enum restricts
// the value to the listed members; Default is advertised in the schema
// but not applied to missing arguments.
type ToolParameter struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"-"`
	Enum        []any  `json:"enum,omitempty"`
	Default     any    `json:"default,omitempty"`
}

// Tool is a named capability an agent can invoke. RateLimit is
// executions per minute (0 = unlimited); Timeout bounds a single
// execution (0 = no bound). An empty Kind registers as ToolFunction.
type Tool struct {
	Name         string
	Description  string
	Kind         ToolKind
	Category     string
	Parameters   map[string]ToolParameter
	Handler      ToolHandler
	RequiresAuth bool
	RateLimit    float64
	Timeout      time.Duration
	Metadata     map[string]any
}

// ToolDefinition is the function-calling shape providers consume.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolExecResult is the outcome of one Execute call. Failures are
// reported in Error with Success false; Execute itself never panics.
type ToolExecResult struct {
	Success       bool           `json:"success"`
	Output        any            `json:"output,omitempty"`
	Error         string         `json:"error,omitempty"`
	ExecutionTime time.Duration  `json:"execution_time"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// ToolStats aggregates per-tool execution counters.
type ToolStats struct {
	Executions    int           `json:"executions"`
	Failures      int           `json:"failures"`
	TotalDuration time.Duration `json:"total_duration"`
	LastExecuted  time.Time     `json:"last_executed"`
}

type registeredTool struct {
	tool    Tool
	def     ToolDefinition
	schema  *jsonschema.Schema
	limiter *rate.Limiter
	stats   ToolStats
}

// Registry holds tools and dispatches execution with rate limiting,
// argument validation, and per-call timeouts.
type Registry struct {
	mu     sync.Mutex
	tools  map[string]*registeredTool
	logger *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the structured logger.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates an empty tool registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		tools:  make(map[string]*registeredTool),
		logger: nopLogger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var (
	defaultRegistryOnce sync.Once
	defaultRegistry     *Registry
)

// DefaultRegistry returns the lazily created process-wide registry.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		if defaultRegistry == nil {
			defaultRegistry = NewRegistry()
		}
	})
	return defaultRegistry
}

// SetDefaultRegistry replaces the process-wide registry. Call before any
// DefaultRegistry use; intended for tests and embedding applications.
func SetDefaultRegistry(r *Registry) {
	defaultRegistry = r
	defaultRegistryOnce = sync.Once{}
}

// Register adds a tool. The parameter shapes are compiled into a JSON
// schema once here; a tool with the same name replaces the previous
// registration and resets its counters.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return &ErrValidation{Field: "name", Reason: "must not be empty"}
	}
	if t.Handler == nil {
		return &ErrValidation{Field: "handler", Reason: "must not be nil"}
	}
	if t.RateLimit < 0 {
		return &ErrValidation{Field: "rate_limit", Reason: "must not be negative"}
	}
	if t.Kind == "" {
		t.Kind = ToolFunction
	}

	def := buildDefinition(t)
	schema, err := compileSchema(t.Name, def.Parameters)
	if err != nil {
		return fmt.Errorf("register %s: %w", t.Name, err)
	}

	var limiter *rate.Limiter
	if t.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Duration(float64(time.Minute)/t.RateLimit)), 1)
	}

	r.mu.Lock()
	r.tools[t.Name] = &registeredTool{tool: t, def: def, schema: schema, limiter: limiter}
	r.mu.Unlock()

	r.logger.Info("registered tool", "tool", t.Name, "category", t.Category, "rate_limit", t.RateLimit)
	return nil
}

// Unregister removes a tool. Unknown names are a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.tools, name)
	r.mu.Unlock()
}

// Get returns the tool descriptor by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.tools[name]
	if !ok {
		return Tool{}, false
	}
	return rt.tool, true
}

// List returns tool names sorted alphabetically, optionally filtered by
// category and kind ("" = all).
func (r *Registry) List(category string, kind ToolKind) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for name, rt := range r.tools {
		if category != "" && rt.tool.Category != category {
			continue
		}
		if kind != "" && rt.tool.Kind != kind {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Schema returns the function-calling definitions of every registered
// tool, sorted by name.
func (r *Registry) Schema() []ToolDefinition {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ToolDefinition, 0, len(r.tools))
	for _, rt := range r.tools {
		out = append(out, rt.def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute runs the named tool: rate limit first, then required-argument
// and schema checks, then the handler under the tool's timeout. All
// failures come back in the result; Execute never returns an error to
// keep agent loops simple.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) ToolExecResult {
	r.mu.Lock()
	rt, ok := r.tools[name]
	r.mu.Unlock()
	if !ok {
		return ToolExecResult{Error: "unknown tool: " + name}
	}

	if rt.limiter != nil && !rt.limiter.Allow() {
		r.recordExec(name, 0, false)
		return ToolExecResult{Error: "rate limit exceeded"}
	}

	if args == nil {
		args = map[string]any{}
	}
	for _, p := range requiredParams(rt.tool) {
		if _, ok := args[p]; !ok {
			r.recordExec(name, 0, false)
			return ToolExecResult{Error: "missing required parameter: " + p}
		}
	}
	if err := rt.schema.Validate(normalizeArgs(args)); err != nil {
		r.recordExec(name, 0, false)
		return ToolExecResult{Error: fmt.Sprintf("invalid arguments: %v", err)}
	}

	start := time.Now()
	output, err := r.runHandler(ctx, rt.tool, args)
	elapsed := time.Since(start)
	r.recordExec(name, elapsed, err == nil)

	if err != nil {
		r.logger.Warn("tool execution failed", "tool", name, "error", err, "duration", elapsed)
		return ToolExecResult{Error: err.Error(), ExecutionTime: elapsed}
	}
	return ToolExecResult{
		Success:       true,
		Output:        output,
		ExecutionTime: elapsed,
		Metadata:      rt.tool.Metadata,
	}
}

// runHandler invokes the handler with the tool's wall-clock timeout. A
// handler that outruns the timeout keeps running in its goroutine but
// its result is discarded.
func (r *Registry) runHandler(ctx context.Context, t Tool, args map[string]any) (any, error) {
	if t.Timeout <= 0 {
		return t.Handler(ctx, args)
	}

	ctx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()

	type outcome struct {
		output any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := t.Handler(ctx, args)
		done <- outcome{out, err}
	}()

	select {
	case o := <-done:
		return o.output, o.err
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("timeout after %s", t.Timeout)
		}
		return nil, ctx.Err()
	}
}

// Stats returns per-tool execution counters keyed by tool name.
func (r *Registry) Stats() map[string]ToolStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]ToolStats, len(r.tools))
	for name, rt := range r.tools {
		out[name] = rt.stats
	}
	return out
}

func (r *Registry) recordExec(name string, d time.Duration, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.tools[name]
	if !ok {
		return
	}
	rt.stats.Executions++
	if !success {
		rt.stats.Failures++
	}
	rt.stats.TotalDuration += d
	rt.stats.LastExecuted = time.Now()
}

func requiredParams(t Tool) []string {
	var out []string
	for name, p := range t.Parameters {
		if p.Required {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func buildDefinition(t Tool) ToolDefinition {
	props := make(map[string]any, len(t.Parameters))
	for name, p := range t.Parameters {
		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		props[name] = prop
	}
	params := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if req := requiredParams(t); len(req) > 0 {
		params["required"] = req
	}
	return ToolDefinition{Name: t.Name, Description: t.Description, Parameters: params}
}

func compileSchema(name string, doc map[string]any) (*jsonschema.Schema, error) {
	// Round-trip through JSON so the compiler sees plain decoded values.
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, err
	}

	c := jsonschema.NewCompiler()
	url := "relay://tool/" + name + ".json"
	if err := c.AddResource(url, decoded); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// normalizeArgs converts args to plain JSON-decoded values so schema
// validation sees the same shapes a wire request would produce.
func normalizeArgs(args map[string]any) any {
	raw, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return args
	}
	return decoded
}
