package relay

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func echoTool(name string) Tool {
	return Tool{
		Name:        name,
		Description: "echoes its input",
		Category:    "test",
		Parameters: map[string]ToolParameter{
			"text": {Type: "string", Description: "text to echo", Required: true},
		},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			return args["text"], nil
		},
	}
}

func TestRegistry_RegisterValidation(t *testing.T) {
	r := NewRegistry()

	var ve *ErrValidation
	if err := r.Register(Tool{Handler: func(context.Context, map[string]any) (any, error) { return nil, nil }}); !errors.As(err, &ve) {
		t.Fatalf("nameless tool: err = %v", err)
	}
	if err := r.Register(Tool{Name: "x"}); !errors.As(err, &ve) {
		t.Fatalf("handlerless tool: err = %v", err)
	}
	tl := echoTool("x")
	tl.RateLimit = -1
	if err := r.Register(tl); !errors.As(err, &ve) {
		t.Fatalf("negative rate limit: err = %v", err)
	}
}

func TestRegistry_ExecuteSuccess(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoTool("echo")); err != nil {
		t.Fatal(err)
	}

	res := r.Execute(context.Background(), "echo", map[string]any{"text": "hi"})
	if !res.Success {
		t.Fatalf("execute failed: %s", res.Error)
	}
	if res.Output != "hi" {
		t.Fatalf("output = %v", res.Output)
	}
}

func TestRegistry_ExecuteUnknownTool(t *testing.T) {
	r := NewRegistry()
	res := r.Execute(context.Background(), "ghost", nil)
	if res.Success || res.Error != "unknown tool: ghost" {
		t.Fatalf("result = %+v", res)
	}
}

func TestRegistry_ExecuteMissingRequired(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool("echo"))

	res := r.Execute(context.Background(), "echo", map[string]any{})
	if res.Success {
		t.Fatal("succeeded without required parameter")
	}
	if res.Error != "missing required parameter: text" {
		t.Fatalf("error = %q", res.Error)
	}
}

func TestRegistry_ExecuteSchemaViolation(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool("echo"))

	res := r.Execute(context.Background(), "echo", map[string]any{"text": 42})
	if res.Success {
		t.Fatal("succeeded with wrong argument type")
	}
	if !strings.HasPrefix(res.Error, "invalid arguments:") {
		t.Fatalf("error = %q", res.Error)
	}
}

func TestRegistry_RateLimit(t *testing.T) {
	r := NewRegistry()
	tl := echoTool("slow")
	tl.RateLimit = 1 // one per minute, burst 1
	r.Register(tl)

	first := r.Execute(context.Background(), "slow", map[string]any{"text": "a"})
	if !first.Success {
		t.Fatalf("first call failed: %s", first.Error)
	}
	second := r.Execute(context.Background(), "slow", map[string]any{"text": "b"})
	if second.Success || second.Error != "rate limit exceeded" {
		t.Fatalf("second call = %+v, want rate limited", second)
	}
}

func TestRegistry_ExecuteTimeout(t *testing.T) {
	r := NewRegistry()
	r.Register(Tool{
		Name:    "sleepy",
		Timeout: 20 * time.Millisecond,
		Handler: func(ctx context.Context, _ map[string]any) (any, error) {
			select {
			case <-time.After(time.Second):
				return "done", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	})

	res := r.Execute(context.Background(), "sleepy", nil)
	if res.Success {
		t.Fatal("succeeded despite timeout")
	}
	if !strings.HasPrefix(res.Error, "timeout after") {
		t.Fatalf("error = %q", res.Error)
	}
}

func TestRegistry_ExecuteHandlerError(t *testing.T) {
	r := NewRegistry()
	r.Register(Tool{
		Name: "broken",
		Handler: func(context.Context, map[string]any) (any, error) {
			return nil, errors.New("disk on fire")
		},
	})

	res := r.Execute(context.Background(), "broken", nil)
	if res.Success || res.Error != "disk on fire" {
		t.Fatalf("result = %+v", res)
	}
}

func TestRegistry_SchemaShape(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool("echo"))
	r.Register(Tool{
		Name: "bare",
		Handler: func(context.Context, map[string]any) (any, error) {
			return nil, nil
		},
	})

	r.Register(Tool{
		Name: "pick",
		Parameters: map[string]ToolParameter{
			"mode": {Type: "string", Enum: []any{"fast", "thorough"}, Default: "fast"},
		},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			return args["mode"], nil
		},
	})

	defs := r.Schema()
	if len(defs) != 3 {
		t.Fatalf("got %d definitions", len(defs))
	}
	// Sorted by name: bare, echo, pick.
	if defs[0].Name != "bare" || defs[1].Name != "echo" || defs[2].Name != "pick" {
		t.Fatalf("order = %s, %s, %s", defs[0].Name, defs[1].Name, defs[2].Name)
	}

	echo := defs[1]
	if echo.Parameters["type"] != "object" {
		t.Fatalf("parameters type = %v", echo.Parameters["type"])
	}
	props := echo.Parameters["properties"].(map[string]any)
	text := props["text"].(map[string]any)
	if text["type"] != "string" {
		t.Fatalf("text type = %v", text["type"])
	}
	req := echo.Parameters["required"].([]string)
	if len(req) != 1 || req[0] != "text" {
		t.Fatalf("required = %v", req)
	}
	if _, ok := defs[0].Parameters["required"]; ok {
		t.Fatal("bare tool has a required list")
	}

	mode := defs[2].Parameters["properties"].(map[string]any)["mode"].(map[string]any)
	enum := mode["enum"].([]any)
	if len(enum) != 2 || enum[0] != "fast" || enum[1] != "thorough" {
		t.Fatalf("enum = %v", enum)
	}
	if mode["default"] != "fast" {
		t.Fatalf("default = %v", mode["default"])
	}

	// The compiled schema enforces the enum.
	res := r.Execute(context.Background(), "pick", map[string]any{"mode": "thorough"})
	if !res.Success {
		t.Fatalf("enum member rejected: %s", res.Error)
	}
	res = r.Execute(context.Background(), "pick", map[string]any{"mode": "slow"})
	if res.Success || !strings.HasPrefix(res.Error, "invalid arguments:") {
		t.Fatalf("out-of-enum value = %+v", res)
	}
}

func TestRegistry_ListFilters(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool("b-tool"))
	r.Register(echoTool("a-tool"))
	other := echoTool("c-tool")
	other.Category = "misc"
	other.Kind = ToolAPI
	r.Register(other)

	all := r.List("", "")
	if len(all) != 3 || all[0] != "a-tool" {
		t.Fatalf("List(all) = %v", all)
	}
	misc := r.List("misc", "")
	if len(misc) != 1 || misc[0] != "c-tool" {
		t.Fatalf("List(misc) = %v", misc)
	}
	apis := r.List("", ToolAPI)
	if len(apis) != 1 || apis[0] != "c-tool" {
		t.Fatalf("List(api) = %v", apis)
	}
	if got := r.List("misc", ToolFunction); len(got) != 0 {
		t.Fatalf("List(misc, function) = %v", got)
	}

	// An empty Kind registers as a plain function.
	reg, ok := r.Get("a-tool")
	if !ok || reg.Kind != ToolFunction {
		t.Fatalf("default kind = %q", reg.Kind)
	}
}

func TestRegistry_StatsCounters(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool("echo"))

	r.Execute(context.Background(), "echo", map[string]any{"text": "ok"})
	r.Execute(context.Background(), "echo", map[string]any{}) // missing required

	stats := r.Stats()["echo"]
	if stats.Executions != 2 {
		t.Fatalf("executions = %d, want 2", stats.Executions)
	}
	if stats.Failures != 1 {
		t.Fatalf("failures = %d, want 1", stats.Failures)
	}
	if stats.LastExecuted.IsZero() {
		t.Fatal("last executed not recorded")
	}
}

func TestRegistry_UnregisterAndDefault(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool("echo"))
	r.Unregister("echo")
	if _, ok := r.Get("echo"); ok {
		t.Fatal("tool still present after unregister")
	}

	custom := NewRegistry()
	SetDefaultRegistry(custom)
	t.Cleanup(func() { SetDefaultRegistry(nil) })
	if DefaultRegistry() != custom {
		t.Fatal("DefaultRegistry did not return the registry set by SetDefaultRegistry")
	}
}
