package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/relaylabs/relay/kv/memory"
)

func twoArms() []Variant {
	return []Variant{
		{Version: "1.0.0", Weight: 0.5},
		{Version: "2.0.0", Weight: 0.5},
	}
}

// recordRuns accrues n outcomes with the given success count on one arm,
// assigning a distinct user per run so metrics land on that arm.
func recordRuns(t *testing.T, e *Experimenter, expID, version string, users []string, successes int) {
	t.Helper()
	ctx := context.Background()
	for i, u := range users {
		got, err := e.Assign(ctx, expID, u)
		if err != nil {
			t.Fatal(err)
		}
		if got != version {
			t.Fatalf("user %s assigned %s, want %s", u, got, version)
		}
		if err := e.RecordOutcome(ctx, expID, u, i < successes, 0.01, 100*time.Millisecond); err != nil {
			t.Fatal(err)
		}
	}
}

func userBatch(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = prefix + "-" + string(rune('a'+i/26)) + string(rune('a'+i%26))
	}
	return out
}

func TestExperimenter_CreateValidation(t *testing.T) {
	ctx := context.Background()
	e := NewExperimenter(memory.New(), nil)

	var ve *ErrValidation
	if _, err := e.Create(ctx, "wf", []Variant{{Version: "1.0.0", Weight: 1}}, 10, 0.95); !errors.As(err, &ve) {
		t.Fatalf("single variant: err = %v", err)
	}
	bad := []Variant{{Version: "a", Weight: 0.5}, {Version: "b", Weight: 0.6}}
	if _, err := e.Create(ctx, "wf", bad, 10, 0.95); !errors.As(err, &ve) {
		t.Fatalf("weights over 1: err = %v", err)
	}
	if _, err := e.Create(ctx, "wf", twoArms(), 10, 1.5); !errors.As(err, &ve) {
		t.Fatalf("confidence out of range: err = %v", err)
	}
	if _, err := e.Create(ctx, "wf", twoArms(), 10, 0.95); err != nil {
		t.Fatalf("valid experiment rejected: %v", err)
	}
}

func TestExperimenter_CreateRequiresRegisteredVariants(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	vm := NewVersionManager(store)
	e := NewExperimenter(store, vm)

	if _, err := e.Create(ctx, "wf", twoArms(), 10, 0.95); err == nil {
		t.Fatal("accepted variants with unregistered versions")
	}

	vm.Register(ctx, "wf", "1.0.0", map[string]any{"x": 1}, "")
	vm.Register(ctx, "wf", "2.0.0", map[string]any{"x": 2}, "")
	if _, err := e.Create(ctx, "wf", twoArms(), 10, 0.95); err != nil {
		t.Fatalf("valid experiment rejected: %v", err)
	}
}

func TestExperimenter_StickyAssignment(t *testing.T) {
	ctx := context.Background()
	draws := []float64{0.1, 0.9, 0.9}
	i := 0
	e := NewExperimenter(memory.New(), nil, WithRand(func() float64 {
		v := draws[i%len(draws)]
		i++
		return v
	}))

	exp, err := e.Create(ctx, "wf", twoArms(), 10, 0.95)
	if err != nil {
		t.Fatal(err)
	}

	first, err := e.Assign(ctx, exp.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if first != "1.0.0" {
		t.Fatalf("draw 0.1 assigned %s, want 1.0.0", first)
	}

	// Later draws would pick the other arm; the assignment must stick.
	for j := 0; j < 3; j++ {
		again, err := e.Assign(ctx, exp.ID, "alice")
		if err != nil {
			t.Fatal(err)
		}
		if again != first {
			t.Fatalf("assignment changed to %s", again)
		}
	}

	other, _ := e.Assign(ctx, exp.ID, "bob")
	if other != "2.0.0" {
		t.Fatalf("draw 0.9 assigned %s, want 2.0.0", other)
	}
}

func TestExperimenter_RecordOutcomeRequiresAssignment(t *testing.T) {
	ctx := context.Background()
	e := NewExperimenter(memory.New(), nil)
	exp, _ := e.Create(ctx, "wf", twoArms(), 10, 0.95)

	if err := e.RecordOutcome(ctx, exp.ID, "stranger", true, 0, 0); err == nil {
		t.Fatal("outcome recorded without assignment")
	}
}

func TestExperimenter_ResultsDerivedRates(t *testing.T) {
	ctx := context.Background()
	e := NewExperimenter(memory.New(), nil, WithRand(func() float64 { return 0.1 })) // always arm 1
	exp, _ := e.Create(ctx, "wf", twoArms(), 10, 0.95)

	recordRuns(t, e, exp.ID, "1.0.0", userBatch("u", 10), 8)

	results, err := e.Results(ctx, exp.ID)
	if err != nil {
		t.Fatal(err)
	}
	arm := results[0]
	if arm.Version != "1.0.0" || arm.Assignments != 10 {
		t.Fatalf("arm = %+v", arm)
	}
	if arm.Successes != 8 || arm.Failures != 2 {
		t.Fatalf("outcomes = %d/%d", arm.Successes, arm.Failures)
	}
	if !approxEq(arm.SuccessRate, 0.8) {
		t.Fatalf("success rate = %f", arm.SuccessRate)
	}
	if !approxEq(arm.AvgCost, 0.01) {
		t.Fatalf("avg cost = %f", arm.AvgCost)
	}
	if !approxEq(arm.AvgLatencyMS, 100) {
		t.Fatalf("avg latency = %f", arm.AvgLatencyMS)
	}
	// The untouched arm reads as zeros.
	if results[1].Successes != 0 || results[1].SuccessRate != 0 {
		t.Fatalf("idle arm = %+v", results[1])
	}
}

func TestExperimenter_AnalyzeSignificantDifference(t *testing.T) {
	ctx := context.Background()
	draw := 0.1
	e := NewExperimenter(memory.New(), nil, WithRand(func() float64 { return draw }))
	exp, _ := e.Create(ctx, "wf", twoArms(), 100, 0.95)

	// Arm 1: 95/100 successes. Arm 2: 50/100.
	recordRuns(t, e, exp.ID, "1.0.0", userBatch("a", 100), 95)
	draw = 0.9
	recordRuns(t, e, exp.ID, "2.0.0", userBatch("b", 100), 50)

	analysis, err := e.Analyze(ctx, exp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if analysis.Winner != "1.0.0" || analysis.RunnerUp != "2.0.0" {
		t.Fatalf("analysis = %+v", analysis)
	}
	if !analysis.SampleSizes {
		t.Fatal("sample sizes not met at 100 per arm")
	}
	if !analysis.Significant {
		t.Fatalf("95%% vs 50%% over 100 runs not significant: p = %f", analysis.PValue)
	}
	if analysis.ZScore <= 0 {
		t.Fatalf("z = %f, want positive for the winner", analysis.ZScore)
	}
}

func TestExperimenter_AnalyzeInsignificantOrUnderSampled(t *testing.T) {
	ctx := context.Background()
	draw := 0.1
	e := NewExperimenter(memory.New(), nil, WithRand(func() float64 { return draw }))
	exp, _ := e.Create(ctx, "wf", twoArms(), 100, 0.95)

	// Near-identical arms: 80/100 vs 78/100.
	recordRuns(t, e, exp.ID, "1.0.0", userBatch("a", 100), 80)
	draw = 0.9
	recordRuns(t, e, exp.ID, "2.0.0", userBatch("b", 100), 78)

	analysis, err := e.Analyze(ctx, exp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if analysis.Significant {
		t.Fatalf("2%% gap over 100 runs reported significant: p = %f", analysis.PValue)
	}

	// A huge gap on tiny samples still fails the sample-size gate.
	draw = 0.1
	e2 := NewExperimenter(memory.New(), nil, WithRand(func() float64 { return draw }))
	exp2, _ := e2.Create(ctx, "wf", twoArms(), 100, 0.95)
	recordRuns(t, e2, exp2.ID, "1.0.0", userBatch("a", 5), 5)
	draw = 0.9
	recordRuns(t, e2, exp2.ID, "2.0.0", userBatch("b", 5), 0)

	analysis2, _ := e2.Analyze(ctx, exp2.ID)
	if analysis2.SampleSizes {
		t.Fatal("sample sizes reported met at 5 per arm")
	}
	if analysis2.Significant {
		t.Fatal("under-sampled experiment reported significant")
	}
}

func TestExperimenter_PromoteWinner(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	vm := NewVersionManager(store)
	vm.Register(ctx, "wf", "1.0.0", map[string]any{"x": 1}, "")
	vm.Register(ctx, "wf", "2.0.0", map[string]any{"x": 2}, "")

	draw := 0.1
	e := NewExperimenter(store, vm, WithRand(func() float64 { return draw }))
	exp, _ := e.Create(ctx, "wf", twoArms(), 50, 0.95)

	// Not significant yet: promotion refused.
	if _, err := e.PromoteWinner(ctx, exp.ID); err == nil {
		t.Fatal("promoted without significance")
	}

	recordRuns(t, e, exp.ID, "1.0.0", userBatch("a", 100), 95)
	draw = 0.9
	recordRuns(t, e, exp.ID, "2.0.0", userBatch("b", 100), 50)

	winner, err := e.PromoteWinner(ctx, exp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if winner != "1.0.0" {
		t.Fatalf("winner = %s", winner)
	}

	active, err := vm.Active(ctx, "wf")
	if err != nil || active.Version != "1.0.0" {
		t.Fatalf("active version = %+v, %v", active, err)
	}
	got, _ := e.Get(ctx, exp.ID)
	if got.Status != ExperimentCompleted {
		t.Fatalf("status = %s", got.Status)
	}

	// A completed experiment no longer assigns.
	if _, err := e.Assign(ctx, exp.ID, "late-user"); err == nil {
		t.Fatal("completed experiment still assigning")
	}
}
