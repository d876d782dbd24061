package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/relaylabs/relay/kv"
)

// ExperimentStatus is an experiment's lifecycle state.
type ExperimentStatus string

const (
	ExperimentRunning   ExperimentStatus = "running"
	ExperimentCompleted ExperimentStatus = "completed"
)

// Variant is one arm of an experiment: a workflow version and its
// traffic share. Weights across an experiment must sum to 1.
type Variant struct {
	Version string  `json:"version"`
	Weight  float64 `json:"weight"`
}

// Experiment routes users between workflow versions and accumulates
// outcome metrics per arm.
type Experiment struct {
	ID            string           `json:"id"`
	WorkflowID    string           `json:"workflow_id"`
	Variants      []Variant        `json:"variants"`
	MinSampleSize int              `json:"min_sample_size"`
	Confidence    float64          `json:"confidence"` // e.g. 0.95
	Status        ExperimentStatus `json:"status"`
	CreatedAt     time.Time        `json:"created_at"`
}

// VariantResult is one arm's accumulated outcomes with derived rates.
type VariantResult struct {
	Version      string  `json:"version"`
	Assignments  int64   `json:"assignments"`
	Successes    int64   `json:"successes"`
	Failures     int64   `json:"failures"`
	SuccessRate  float64 `json:"success_rate"`
	TotalCost    float64 `json:"total_cost"`
	AvgCost      float64 `json:"avg_cost"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
}

// Analysis is the statistical comparison of the two best-performing
// arms. Significant is true when the success-rate difference passes a
// two-proportion z-test at the experiment's confidence level and both
// arms have reached the minimum sample size.
type Analysis struct {
	Winner      string  `json:"winner"`
	RunnerUp    string  `json:"runner_up"`
	ZScore      float64 `json:"z_score"`
	PValue      float64 `json:"p_value"`
	Significant bool    `json:"significant"`
	SampleSizes bool    `json:"sample_sizes_met"`
}

// ErrExperimentNotFound is returned for lookups of unknown experiments.
var ErrExperimentNotFound = errors.New("relay: experiment not found")

// assignmentTTL keeps sticky assignments for the life of a typical
// experiment.
const assignmentTTL = 90 * 24 * time.Hour

func experimentKey(id string) string { return "experiment:" + id }

func assignKey(expID, userID string) string {
	return fmt.Sprintf("experiment:%s:assign:%s", expID, userID)
}

func metricsKey(expID, version string) string {
	return fmt.Sprintf("experiment:%s:metrics:%s", expID, version)
}

// Experimenter runs A/B tests between workflow versions. Assignment is
// sticky per user; outcomes accrue in per-arm hashes.
type Experimenter struct {
	store    kv.Store
	versions *VersionManager
	logger   *slog.Logger
	randF    func() float64
}

// ExperimenterOption configures an Experimenter.
type ExperimenterOption func(*Experimenter)

// WithExperimenterLogger sets the structured logger.
func WithExperimenterLogger(l *slog.Logger) ExperimenterOption {
	return func(e *Experimenter) { e.logger = l }
}

// WithRand injects the uniform random source used for weighted
// assignment.
func WithRand(f func() float64) ExperimenterOption {
	return func(e *Experimenter) { e.randF = f }
}

// NewExperimenter creates an experimenter over store. versions may be
// nil if PromoteWinner is never used.
func NewExperimenter(store kv.Store, versions *VersionManager, opts ...ExperimenterOption) *Experimenter {
	e := &Experimenter{
		store:    store,
		versions: versions,
		logger:   nopLogger,
		randF:    rand.Float64,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Create starts an experiment. Variant weights must sum to 1 (within
// rounding) and every variant version must already be registered when a
// version manager is wired.
func (e *Experimenter) Create(ctx context.Context, workflowID string, variants []Variant, minSampleSize int, confidence float64) (Experiment, error) {
	if len(variants) < 2 {
		return Experiment{}, &ErrValidation{Field: "variants", Reason: "need at least two"}
	}
	var sum float64
	for _, v := range variants {
		if v.Weight < 0 {
			return Experiment{}, &ErrValidation{Field: "weight", Reason: "must not be negative"}
		}
		sum += v.Weight
	}
	if math.Abs(sum-1) > 1e-9 {
		return Experiment{}, &ErrValidation{Field: "weights", Reason: "must sum to 1"}
	}
	if confidence <= 0 || confidence >= 1 {
		return Experiment{}, &ErrValidation{Field: "confidence", Reason: "must be in (0, 1)"}
	}
	if e.versions != nil {
		for _, v := range variants {
			if _, err := e.versions.Get(ctx, workflowID, v.Version); err != nil {
				return Experiment{}, fmt.Errorf("variant %s: %w", v.Version, err)
			}
		}
	}

	exp := Experiment{
		ID:            NewID(),
		WorkflowID:    workflowID,
		Variants:      variants,
		MinSampleSize: minSampleSize,
		Confidence:    confidence,
		Status:        ExperimentRunning,
		CreatedAt:     time.Now(),
	}
	raw, err := json.Marshal(exp)
	if err != nil {
		return Experiment{}, err
	}
	if err := e.store.Set(ctx, experimentKey(exp.ID), string(raw), 0); err != nil {
		return Experiment{}, fmt.Errorf("create experiment: %w", err)
	}

	e.logger.Info("created experiment",
		"experiment", exp.ID, "workflow", workflowID, "variants", len(variants))
	return exp, nil
}

// Get returns one experiment.
func (e *Experimenter) Get(ctx context.Context, expID string) (Experiment, error) {
	raw, err := e.store.Get(ctx, experimentKey(expID))
	if errors.Is(err, kv.ErrNil) {
		return Experiment{}, ErrExperimentNotFound
	}
	if err != nil {
		return Experiment{}, err
	}
	var exp Experiment
	if err := json.Unmarshal([]byte(raw), &exp); err != nil {
		return Experiment{}, fmt.Errorf("decode experiment: %w", err)
	}
	return exp, nil
}

// Assign returns the variant version for userID, creating a sticky
// assignment by weighted random draw on first contact. Re-assignment
// never happens while the marker key lives, so a user sees one arm.
func (e *Experimenter) Assign(ctx context.Context, expID, userID string) (string, error) {
	exp, err := e.Get(ctx, expID)
	if err != nil {
		return "", err
	}
	if exp.Status != ExperimentRunning {
		return "", &ErrValidation{Field: "status", Reason: "experiment is not running"}
	}

	key := assignKey(expID, userID)
	if existing, err := e.store.Get(ctx, key); err == nil {
		return existing, nil
	} else if !errors.Is(err, kv.ErrNil) {
		return "", err
	}

	version := e.draw(exp.Variants)
	set, err := e.store.SetNX(ctx, key, version, assignmentTTL)
	if err != nil {
		return "", err
	}
	if !set {
		// Lost the race to a concurrent first contact; theirs sticks.
		return e.store.Get(ctx, key)
	}

	if _, err := e.store.HIncrBy(ctx, metricsKey(expID, version), "assignments", 1); err != nil {
		return "", err
	}
	return version, nil
}

// RecordOutcome accrues one completed run for userID's assigned arm.
func (e *Experimenter) RecordOutcome(ctx context.Context, expID, userID string, success bool, cost float64, latency time.Duration) error {
	version, err := e.store.Get(ctx, assignKey(expID, userID))
	if errors.Is(err, kv.ErrNil) {
		return fmt.Errorf("record outcome: user %s has no assignment in %s", userID, expID)
	}
	if err != nil {
		return err
	}

	key := metricsKey(expID, version)
	field := "failures"
	if success {
		field = "successes"
	}
	if _, err := e.store.HIncrBy(ctx, key, field, 1); err != nil {
		return err
	}
	if _, err := e.store.HIncrByFloat(ctx, key, "total_cost", cost); err != nil {
		return err
	}
	_, err = e.store.HIncrByFloat(ctx, key, "total_latency_ms", float64(latency.Milliseconds()))
	return err
}

// Results returns per-arm metrics with derived rates, in variant order.
func (e *Experimenter) Results(ctx context.Context, expID string) ([]VariantResult, error) {
	exp, err := e.Get(ctx, expID)
	if err != nil {
		return nil, err
	}

	out := make([]VariantResult, 0, len(exp.Variants))
	for _, v := range exp.Variants {
		fields, err := e.store.HGetAll(ctx, metricsKey(expID, v.Version))
		if err != nil {
			return nil, err
		}
		r := VariantResult{
			Version:     v.Version,
			Assignments: hashInt(fields, "assignments"),
			Successes:   hashInt(fields, "successes"),
			Failures:    hashInt(fields, "failures"),
			TotalCost:   hashFloat(fields, "total_cost"),
		}
		if n := r.Successes + r.Failures; n > 0 {
			r.SuccessRate = float64(r.Successes) / float64(n)
			r.AvgCost = r.TotalCost / float64(n)
			r.AvgLatencyMS = hashFloat(fields, "total_latency_ms") / float64(n)
		}
		out = append(out, r)
	}
	return out, nil
}

// Analyze compares the two arms with the most completed runs using a
// two-proportion z-test on success rate. The winner is only meaningful
// when Significant and SampleSizes are both true.
func (e *Experimenter) Analyze(ctx context.Context, expID string) (Analysis, error) {
	exp, err := e.Get(ctx, expID)
	if err != nil {
		return Analysis{}, err
	}
	results, err := e.Results(ctx, expID)
	if err != nil {
		return Analysis{}, err
	}
	if len(results) < 2 {
		return Analysis{}, &ErrValidation{Field: "variants", Reason: "need at least two arms to analyze"}
	}

	// Pick the best and second-best arms by success rate.
	best, second := 0, 1
	if results[second].SuccessRate > results[best].SuccessRate {
		best, second = second, best
	}
	for i := 2; i < len(results); i++ {
		switch {
		case results[i].SuccessRate > results[best].SuccessRate:
			second = best
			best = i
		case results[i].SuccessRate > results[second].SuccessRate:
			second = i
		}
	}

	a, b := results[best], results[second]
	n1 := float64(a.Successes + a.Failures)
	n2 := float64(b.Successes + b.Failures)

	analysis := Analysis{
		Winner:      a.Version,
		RunnerUp:    b.Version,
		PValue:      1,
		SampleSizes: n1 >= float64(exp.MinSampleSize) && n2 >= float64(exp.MinSampleSize),
	}
	if n1 == 0 || n2 == 0 {
		return analysis, nil
	}

	p1 := float64(a.Successes) / n1
	p2 := float64(b.Successes) / n2
	pooled := float64(a.Successes+b.Successes) / (n1 + n2)
	se := math.Sqrt(pooled * (1 - pooled) * (1/n1 + 1/n2))
	if se > 0 {
		analysis.ZScore = (p1 - p2) / se
		// Two-tailed p-value from the normal survival function.
		analysis.PValue = math.Erfc(math.Abs(analysis.ZScore) / math.Sqrt2)
	}
	analysis.Significant = analysis.SampleSizes && analysis.PValue < 1-exp.Confidence
	return analysis, nil
}

// PromoteWinner activates the winning arm's workflow version and marks
// the experiment completed. It refuses when the analysis is not yet
// significant.
func (e *Experimenter) PromoteWinner(ctx context.Context, expID string) (string, error) {
	exp, err := e.Get(ctx, expID)
	if err != nil {
		return "", err
	}
	analysis, err := e.Analyze(ctx, expID)
	if err != nil {
		return "", err
	}
	if !analysis.Significant {
		return "", fmt.Errorf("promote winner: %s is not statistically significant (p=%.4f)", expID, analysis.PValue)
	}

	if e.versions != nil {
		if err := e.versions.SetActive(ctx, exp.WorkflowID, analysis.Winner); err != nil {
			return "", err
		}
	}

	exp.Status = ExperimentCompleted
	raw, err := json.Marshal(exp)
	if err != nil {
		return "", err
	}
	if err := e.store.Set(ctx, experimentKey(expID), string(raw), 0); err != nil {
		return "", err
	}

	e.logger.Info("promoted experiment winner",
		"experiment", expID, "workflow", exp.WorkflowID, "winner", analysis.Winner, "p_value", analysis.PValue)
	return analysis.Winner, nil
}

// draw picks a variant by cumulative weight.
func (e *Experimenter) draw(variants []Variant) string {
	r := e.randF()
	var acc float64
	for _, v := range variants {
		acc += v.Weight
		if r < acc {
			return v.Version
		}
	}
	return variants[len(variants)-1].Version
}

func hashInt(fields map[string]string, key string) int64 {
	n, _ := strconv.ParseInt(fields[key], 10, 64)
	return n
}

func hashFloat(fields map[string]string, key string) float64 {
	f, _ := strconv.ParseFloat(fields[key], 64)
	return f
}
