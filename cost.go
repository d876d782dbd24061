package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/relaylabs/relay/kv"
)

// Cost keys share a period-scoped namespace:
//
//	cost:<period>:user:<uid>   per-user spend (string counter)
//	cost:<period>:tier:<n>     per-tier spend
//	cost:<period>:total        global spend
//	cost:<period>:ranked       spend leaderboard (zset, score = total)
//	cost:<period>:users        unique spenders (HyperLogLog)
//
// All five carry the period's TTL, armed once on first write so the
// window expires from the first spend, not the last.

func costUserKey(p Period, userID string) string { return fmt.Sprintf("cost:%s:user:%s", p, userID) }
func costTierKey(p Period, t Tier) string        { return fmt.Sprintf("cost:%s:tier:%d", p, t) }
func costTotalKey(p Period) string               { return fmt.Sprintf("cost:%s:total", p) }
func costRankedKey(p Period) string              { return fmt.Sprintf("cost:%s:ranked", p) }
func costUsersKey(p Period) string               { return fmt.Sprintf("cost:%s:users", p) }

// Tracker accumulates LLM spend per user, tier, and period in the kv
// store. A single TrackCost call updates every aggregate atomically.
type Tracker struct {
	store  kv.Store
	logger *slog.Logger
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithTrackerLogger sets the structured logger.
func WithTrackerLogger(l *slog.Logger) TrackerOption {
	return func(t *Tracker) { t.logger = l }
}

// NewTracker creates a cost tracker over store.
func NewTracker(store kv.Store, opts ...TrackerOption) *Tracker {
	t := &Tracker{store: store, logger: nopLogger}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SpendEntry is one row of a spend leaderboard.
type SpendEntry struct {
	UserID string  `json:"user_id"`
	Spend  float64 `json:"spend"`
}

// TrackCost records cost dollars of spend for userID on tier across all
// three periods, updating user, tier, and global counters plus the
// leaderboard and unique-spender sketch in one atomic pipeline per
// period. Returns the user's new daily total.
func (t *Tracker) TrackCost(ctx context.Context, userID string, tier Tier, cost float64) (float64, error) {
	if userID == "" {
		return 0, &ErrValidation{Field: "user_id", Reason: "must not be empty"}
	}
	if !ValidTier(tier) {
		return 0, &ErrValidation{Field: "tier", Reason: "must be between 0 and 4"}
	}
	if cost < 0 {
		return 0, &ErrValidation{Field: "cost", Reason: "must not be negative"}
	}

	var dailyTotal float64
	for _, period := range []Period{PeriodDaily, PeriodWeekly, PeriodMonthly} {
		ttl, err := period.TTL()
		if err != nil {
			return 0, err
		}
		userKey := costUserKey(period, userID)

		// The leaderboard is incremented inside the same transaction as
		// the counters, so its score can never drift from the user total
		// under concurrent tracking.
		var newTotal float64
		results, err := t.store.TxPipelined(ctx, func(p kv.Pipeline) {
			p.IncrByFloat(userKey, cost)
			p.IncrByFloat(costTierKey(period, tier), cost)
			p.IncrByFloat(costTotalKey(period), cost)
			p.ZIncrBy(costRankedKey(period), cost, userID)
			p.PFAdd(costUsersKey(period), userID)
			p.ExpireNX(userKey, ttl)
			p.ExpireNX(costTierKey(period, tier), ttl)
			p.ExpireNX(costTotalKey(period), ttl)
			p.ExpireNX(costRankedKey(period), ttl)
			p.ExpireNX(costUsersKey(period), ttl)
		})
		if err != nil {
			return 0, fmt.Errorf("track cost (%s): %w", period, err)
		}
		if f, ok := results[0].(float64); ok {
			newTotal = f
		}

		if period == PeriodDaily {
			dailyTotal = newTotal
		}
	}

	t.logger.Debug("tracked cost", "user", userID, "tier", tier.String(), "cost", cost, "daily_total", dailyTotal)
	return dailyTotal, nil
}

// TotalCost returns userID's accumulated spend for the period. A user
// with no recorded spend reads as zero.
func (t *Tracker) TotalCost(ctx context.Context, userID string, period Period) (float64, error) {
	if _, err := period.TTL(); err != nil {
		return 0, err
	}
	return t.readFloat(ctx, costUserKey(period, userID))
}

// TierCost returns the accumulated spend on one tier for the period.
func (t *Tracker) TierCost(ctx context.Context, tier Tier, period Period) (float64, error) {
	if !ValidTier(tier) {
		return 0, &ErrValidation{Field: "tier", Reason: "must be between 0 and 4"}
	}
	if _, err := period.TTL(); err != nil {
		return 0, err
	}
	return t.readFloat(ctx, costTierKey(period, tier))
}

// CostByTier returns the spend of every tier with recorded activity in
// the period, keyed by tier.
func (t *Tracker) CostByTier(ctx context.Context, period Period) (map[Tier]float64, error) {
	if _, err := period.TTL(); err != nil {
		return nil, err
	}

	out := make(map[Tier]float64)
	pattern := fmt.Sprintf("cost:%s:tier:*", period)
	var cursor uint64
	for {
		keys, next, err := t.store.Scan(ctx, cursor, pattern, 100)
		if err != nil {
			return nil, fmt.Errorf("cost by tier: %w", err)
		}
		for _, key := range keys {
			idx := strings.LastIndex(key, ":")
			n, err := strconv.Atoi(key[idx+1:])
			if err != nil || !ValidTier(Tier(n)) {
				continue
			}
			v, err := t.readFloat(ctx, key)
			if err != nil {
				return nil, err
			}
			out[Tier(n)] = v
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

// GlobalCost returns total spend across all users for the period.
func (t *Tracker) GlobalCost(ctx context.Context, period Period) (float64, error) {
	if _, err := period.TTL(); err != nil {
		return 0, err
	}
	return t.readFloat(ctx, costTotalKey(period))
}

// TopSpenders returns up to n users ranked by spend, highest first.
func (t *Tracker) TopSpenders(ctx context.Context, period Period, n int) ([]SpendEntry, error) {
	if _, err := period.TTL(); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}
	zs, err := t.store.ZRevRangeWithScores(ctx, costRankedKey(period), 0, int64(n)-1)
	if err != nil {
		return nil, fmt.Errorf("top spenders: %w", err)
	}
	out := make([]SpendEntry, len(zs))
	for i, z := range zs {
		out[i] = SpendEntry{UserID: z.Member, Spend: z.Score}
	}
	return out, nil
}

// UniqueSpenders returns the approximate count of distinct users with
// spend in the period.
func (t *Tracker) UniqueSpenders(ctx context.Context, period Period) (int64, error) {
	if _, err := period.TTL(); err != nil {
		return 0, err
	}
	return t.store.PFCount(ctx, costUsersKey(period))
}

// ResetUser deletes userID's spend counters and leaderboard entries
// across all periods. Tier and global aggregates are left intact; the
// unique-spender sketch cannot subtract and is likewise untouched.
func (t *Tracker) ResetUser(ctx context.Context, userID string) error {
	for _, period := range []Period{PeriodDaily, PeriodWeekly, PeriodMonthly} {
		if err := t.store.Del(ctx, costUserKey(period, userID)); err != nil {
			return fmt.Errorf("reset user (%s): %w", period, err)
		}
		// Zero the leaderboard entry instead of removing it so the
		// member count still reflects historical participation.
		if _, err := t.store.ZAdd(ctx, costRankedKey(period), kv.Z{Score: 0, Member: userID}); err != nil {
			return fmt.Errorf("reset user (%s): %w", period, err)
		}
	}
	t.logger.Info("reset user spend", "user", userID)
	return nil
}

func (t *Tracker) readFloat(ctx context.Context, key string) (float64, error) {
	v, err := t.store.Get(ctx, key)
	if errors.Is(err, kv.ErrNil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return f, nil
}
