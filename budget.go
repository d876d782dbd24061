package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/relaylabs/relay/kv"
)

// Budget keys:
//
//	budget:<period>:user:<uid>:limit   hard limit in dollars
//	budget:<period>:user:<uid>:spend   accumulated spend, deducted against
//	alert:<period>:<uid>:<pct>         threshold-fired marker (SET NX)
//
// Limit and spend carry the period TTL so budgets reset with the window.

func budgetLimitKey(p Period, userID string) string {
	return fmt.Sprintf("budget:%s:user:%s:limit", p, userID)
}

func budgetSpendKey(p Period, userID string) string {
	return fmt.Sprintf("budget:%s:user:%s:spend", p, userID)
}

func alertKey(p Period, userID string, pct int) string {
	return fmt.Sprintf("alert:%s:%s:%d", p, userID, pct)
}

// alertThresholds are utilization percentages that fire at most once per
// user per period window, in ascending order.
var alertThresholds = []int{80, 90, 95}

// deductRetryLimit bounds the optimistic retry loop so a pathologically
// contended key surfaces an error instead of spinning forever.
const deductRetryLimit = 64

// AlertFunc is invoked when a user's utilization first crosses a
// threshold. It runs synchronously inside DeductBudget; keep it cheap.
type AlertFunc func(userID string, period Period, utilization float64)

// BudgetStatus is a point-in-time view of one user's budget window.
type BudgetStatus struct {
	UserID      string  `json:"user_id"`
	Period      Period  `json:"period"`
	Limit       float64 `json:"limit"`
	Spend       float64 `json:"spend"`
	Remaining   float64 `json:"remaining"`
	Utilization float64 `json:"utilization"` // 0..1, may exceed 1 briefly under races
}

// Enforcer applies hard per-user spending limits. Deductions use an
// optimistic check-and-set transaction, so concurrent spends never push
// the counter past the limit.
type Enforcer struct {
	store   kv.Store
	logger  *slog.Logger
	onAlert AlertFunc
}

// EnforcerOption configures an Enforcer.
type EnforcerOption func(*Enforcer)

// WithEnforcerLogger sets the structured logger.
func WithEnforcerLogger(l *slog.Logger) EnforcerOption {
	return func(e *Enforcer) { e.logger = l }
}

// OnAlert registers the threshold-crossing callback.
func OnAlert(fn AlertFunc) EnforcerOption {
	return func(e *Enforcer) { e.onAlert = fn }
}

// NewEnforcer creates a budget enforcer over store.
func NewEnforcer(store kv.Store, opts ...EnforcerOption) *Enforcer {
	e := &Enforcer{store: store, logger: nopLogger}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateBudget sets the hard limit for userID in period and zeroes the
// spend counter. Both keys expire with the period window.
func (e *Enforcer) CreateBudget(ctx context.Context, userID string, period Period, limit float64) error {
	if userID == "" {
		return &ErrValidation{Field: "user_id", Reason: "must not be empty"}
	}
	if limit <= 0 {
		return &ErrValidation{Field: "limit", Reason: "must be positive"}
	}
	ttl, err := period.TTL()
	if err != nil {
		return err
	}

	if err := e.store.Set(ctx, budgetLimitKey(period, userID), formatDollars(limit), ttl); err != nil {
		return fmt.Errorf("create budget: %w", err)
	}
	if err := e.store.Set(ctx, budgetSpendKey(period, userID), "0", ttl); err != nil {
		return fmt.Errorf("create budget: %w", err)
	}
	e.logger.Info("created budget", "user", userID, "period", period, "limit", limit)
	return nil
}

// CheckBudget reports whether a further cost would fit under the limit.
// Advisory only: the authoritative check happens inside DeductBudget. A
// user with no configured budget is unconstrained.
func (e *Enforcer) CheckBudget(ctx context.Context, userID string, period Period, cost float64) (bool, error) {
	if _, err := period.TTL(); err != nil {
		return false, err
	}
	limit, ok, err := e.readLimit(ctx, userID, period)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	spend, err := e.readSpend(ctx, userID, period)
	if err != nil {
		return false, err
	}
	return spend+cost <= limit, nil
}

// DeductBudget atomically adds cost to the spend counter unless doing so
// would exceed the limit, in which case it returns ErrBudgetExceeded and
// leaves the counter untouched. Users without a configured budget pass
// through unconstrained. On success it fires any newly crossed alert
// thresholds.
func (e *Enforcer) DeductBudget(ctx context.Context, userID string, period Period, cost float64) error {
	if cost < 0 {
		return &ErrValidation{Field: "cost", Reason: "must not be negative"}
	}
	ttl, err := period.TTL()
	if err != nil {
		return err
	}

	limit, ok, err := e.readLimit(ctx, userID, period)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	spendKey := budgetSpendKey(period, userID)
	var newSpend float64
	for attempt := 0; ; attempt++ {
		if attempt >= deductRetryLimit {
			return fmt.Errorf("deduct budget: %s contended beyond %d retries", spendKey, deductRetryLimit)
		}
		err := e.store.Watch(ctx, func(tx kv.Tx) error {
			raw, err := tx.Get(ctx, spendKey)
			var spend float64
			switch {
			case errors.Is(err, kv.ErrNil):
				spend = 0
			case err != nil:
				return err
			default:
				if spend, err = strconv.ParseFloat(raw, 64); err != nil {
					return fmt.Errorf("parse %s: %w", spendKey, err)
				}
			}
			if spend+cost > limit {
				return &ErrBudgetExceeded{UserID: userID, Period: period, Current: spend, Cost: cost, Limit: limit}
			}
			newSpend = spend + cost
			_, err = tx.Exec(ctx, func(p kv.Pipeline) {
				p.Set(spendKey, formatDollars(newSpend), ttl)
			})
			return err
		}, spendKey)
		if errors.Is(err, kv.ErrTxConflict) {
			continue
		}
		if err != nil {
			return err
		}
		break
	}

	e.fireAlerts(ctx, userID, period, newSpend/limit, ttl)
	return nil
}

// Status returns the user's current window. The second return is false
// when no budget is configured.
func (e *Enforcer) Status(ctx context.Context, userID string, period Period) (BudgetStatus, bool, error) {
	if _, err := period.TTL(); err != nil {
		return BudgetStatus{}, false, err
	}
	limit, ok, err := e.readLimit(ctx, userID, period)
	if err != nil || !ok {
		return BudgetStatus{}, false, err
	}
	spend, err := e.readSpend(ctx, userID, period)
	if err != nil {
		return BudgetStatus{}, false, err
	}
	return BudgetStatus{
		UserID:      userID,
		Period:      period,
		Limit:       limit,
		Spend:       spend,
		Remaining:   limit - spend,
		Utilization: spend / limit,
	}, true, nil
}

// DeleteBudget removes the limit and spend keys for userID in period.
func (e *Enforcer) DeleteBudget(ctx context.Context, userID string, period Period) error {
	if _, err := period.TTL(); err != nil {
		return err
	}
	return e.store.Del(ctx, budgetLimitKey(period, userID), budgetSpendKey(period, userID))
}

// fireAlerts invokes the callback for each threshold utilization has
// crossed, at most once per window. SET NX on the marker key is the
// idempotence guard, so concurrent deducts fire each threshold once.
func (e *Enforcer) fireAlerts(ctx context.Context, userID string, period Period, utilization float64, ttl time.Duration) {
	if e.onAlert == nil {
		return
	}
	for _, pct := range alertThresholds {
		if utilization*100 < float64(pct) {
			break
		}
		set, err := e.store.SetNX(ctx, alertKey(period, userID, pct), "1", ttl)
		if err != nil {
			e.logger.Warn("alert marker write failed", "user", userID, "period", period, "pct", pct, "error", err)
			continue
		}
		if set {
			e.logger.Warn("budget threshold crossed",
				"user", userID, "period", period, "pct", pct, "utilization", utilization)
			e.onAlert(userID, period, utilization)
		}
	}
}

func (e *Enforcer) readLimit(ctx context.Context, userID string, period Period) (float64, bool, error) {
	raw, err := e.store.Get(ctx, budgetLimitKey(period, userID))
	if errors.Is(err, kv.ErrNil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	limit, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse budget limit: %w", err)
	}
	return limit, true, nil
}

func (e *Enforcer) readSpend(ctx context.Context, userID string, period Period) (float64, error) {
	raw, err := e.store.Get(ctx, budgetSpendKey(period, userID))
	if errors.Is(err, kv.ErrNil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(raw, 64)
}

func formatDollars(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
