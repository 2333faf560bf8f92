package coordinator

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/progression-engine/achievement"
	"github.com/warp/progression-engine/economy"
	"github.com/warp/progression-engine/ledger"
)

// =============================================================================
// PRESTIGE
// =============================================================================

type PrestigeResult struct {
	Progress             ledger.UserProgress              `json:"progress"`
	Event                ledger.RankEvent                 `json:"event"`
	AchievementsUnlocked []ledger.AchievementNotification `json:"achievements_unlocked"`
}

// Prestige resets XP for a learner at the top rank in exchange for a
// permanent multiplier. Prestige-level achievements are evaluated in the
// same commit.
func (c *Coordinator) Prestige(ctx context.Context, userID ledger.UserID) (PrestigeResult, error) {
	var out PrestigeResult
	next, err := c.commit(ctx, "prestige", userID, func(snap ledger.UserProgress, now time.Time) (ledger.Diff, error) {
		diff, event, err := c.Ranks.Prestige(snap, c.newID(), now)
		if err != nil {
			return ledger.Diff{}, err
		}
		projected, err := ledger.Apply(snap, diff, now)
		if err != nil {
			return ledger.Diff{}, err
		}
		chain := c.Economy.Begin(snap, now)
		adv, unlocked, err := c.settleAchievements(snap, diff, "", c.Ranks.Start(projected), chain, nil, now)
		if err != nil {
			return ledger.Diff{}, err
		}
		diff.XP, diff.Rank = adv.Changes(snap)
		diff.Transactions = chain.Transactions()
		diff.Achievements = achievement.Changes(unlocked)

		out.Event = event
		out.AchievementsUnlocked = notifications(unlocked)
		return diff, nil
	})
	if err != nil {
		return PrestigeResult{}, err
	}
	out.Progress = next

	c.metrics.ObservePrestige()
	for _, n := range out.AchievementsUnlocked {
		c.metrics.ObserveAchievement(n.Rarity)
	}
	c.logger.Info("prestige accepted",
		zap.String("user_id", string(userID)),
		zap.Int("prestige_level", next.PrestigeLevel),
	)
	return out, nil
}

// =============================================================================
// ACHIEVEMENT PROGRESS
// =============================================================================

// AchievementResult reports the recorded achievement. AchievementsUnlocked
// also lists metric-driven achievements its reward or unlock completed.
type AchievementResult struct {
	Unlocked             bool                             `json:"unlocked"`
	Notification         *ledger.AchievementNotification  `json:"notification,omitempty"`
	AchievementsUnlocked []ledger.AchievementNotification `json:"achievements_unlocked"`
	Progress             ledger.UserProgress              `json:"progress"`
}

// RecordAchievementProgress sets progress on one achievement, typically a
// manual one driven by an outside collaborator. Unlocking grants the reward
// in the same commit; repeating the call after unlock changes nothing.
func (c *Coordinator) RecordAchievementProgress(ctx context.Context, userID ledger.UserID, id ledger.AchievementID, current int64) (AchievementResult, error) {
	var out AchievementResult
	next, err := c.commit(ctx, "achievement_progress", userID, func(snap ledger.UserProgress, now time.Time) (ledger.Diff, error) {
		res, err := c.Achievements.ApplyProgress(snap, id, current, now)
		if err != nil {
			return ledger.Diff{}, err
		}
		out.Unlocked, out.Notification = res.Unlocked, res.Notification
		out.AchievementsUnlocked = []ledger.AchievementNotification{}
		if res.Change == nil {
			return ledger.Diff{}, errNoCommit
		}

		if !res.Unlocked {
			return ledger.Diff{Achievements: []ledger.AchievementChange{*res.Change}}, nil
		}
		adv, err := c.Ranks.Grant(c.Ranks.Start(snap), res.Reward.XP, snap.PrestigeLevel)
		if err != nil {
			return ledger.Diff{}, err
		}
		chain := c.Economy.Begin(snap, now)
		if res.Reward.Currency > 0 {
			if _, err := chain.Apply(res.Reward.Currency, ledger.ReasonReward,
				economy.Ref(string(id)), economy.Memo("achievement")); err != nil {
				return ledger.Diff{}, err
			}
		}
		adv, settled, err := c.settleAchievements(snap, ledger.Diff{}, "", adv, chain, []achievement.Result{res}, now)
		if err != nil {
			return ledger.Diff{}, err
		}
		out.AchievementsUnlocked = notifications(settled)
		diff := ledger.Diff{Transactions: chain.Transactions(), Achievements: achievement.Changes(settled)}
		diff.XP, diff.Rank = adv.Changes(snap)
		return diff, nil
	})
	if err != nil {
		return AchievementResult{}, err
	}
	out.Progress = next
	for _, n := range out.AchievementsUnlocked {
		c.metrics.ObserveAchievement(n.Rarity)
	}
	return out, nil
}

// =============================================================================
// SHOP
// =============================================================================

type TransactionResult struct {
	Transaction ledger.Transaction  `json:"transaction"`
	Progress    ledger.UserProgress `json:"progress"`
}

// Purchase buys an item at the price the learner confirmed. The price is
// checked against the catalog inside the commit.
func (c *Coordinator) Purchase(ctx context.Context, userID ledger.UserID, req economy.PurchaseRequest) (TransactionResult, error) {
	return c.transact(ctx, "purchase", userID, func(snap ledger.UserProgress, now time.Time) (ledger.Diff, ledger.Transaction, error) {
		return c.Shop.Purchase(snap, req, now)
	})
}

// Refund reverses an earlier purchase transaction.
func (c *Coordinator) Refund(ctx context.Context, userID ledger.UserID, purchaseID ledger.TransactionID) (TransactionResult, error) {
	return c.transact(ctx, "refund", userID, func(snap ledger.UserProgress, now time.Time) (ledger.Diff, ledger.Transaction, error) {
		history, err := c.Store.Transactions(ctx, userID)
		if err != nil {
			return ledger.Diff{}, ledger.Transaction{}, &ledger.PersistenceError{Op: "list_transactions", Err: err}
		}
		return c.Shop.Refund(snap, history, purchaseID, now)
	})
}

// Adjust applies an administrative currency correction.
func (c *Coordinator) Adjust(ctx context.Context, userID ledger.UserID, amount int64, memo string) (TransactionResult, error) {
	return c.transact(ctx, "adjustment", userID, func(snap ledger.UserProgress, now time.Time) (ledger.Diff, ledger.Transaction, error) {
		return c.Economy.Adjust(snap, amount, memo, now)
	})
}

func (c *Coordinator) transact(ctx context.Context, op string, userID ledger.UserID,
	build func(ledger.UserProgress, time.Time) (ledger.Diff, ledger.Transaction, error)) (TransactionResult, error) {
	var tx ledger.Transaction
	next, err := c.commit(ctx, op, userID, func(snap ledger.UserProgress, now time.Time) (ledger.Diff, error) {
		diff, t, err := build(snap, now)
		tx = t
		return diff, err
	})
	if err != nil {
		return TransactionResult{}, err
	}
	c.metrics.ObserveCurrency(string(tx.Reason), tx.Amount)
	c.logger.Info("transaction committed",
		zap.String("op", op),
		zap.String("user_id", string(userID)),
		zap.String("transaction_id", string(tx.ID)),
		zap.Int64("amount", tx.Amount),
		zap.Int64("balance_after", tx.BalanceAfter),
	)
	return TransactionResult{Transaction: tx, Progress: next}, nil
}

// =============================================================================
// MULTIPLIERS
// =============================================================================

// MultiplierGrant describes a bonus awarded from outside the shop, such as
// a streak bonus. Duration 0 means permanent.
type MultiplierGrant struct {
	Kind     ledger.MultiplierKind `json:"kind"`
	Factor   decimal.Decimal       `json:"factor"`
	Duration time.Duration         `json:"duration"`
	Label    string                `json:"label"`
}

func (g MultiplierGrant) validate() error {
	switch {
	case g.Kind != ledger.MultiplierStreak && g.Kind != ledger.MultiplierPowerUp && g.Kind != ledger.MultiplierBase:
		return ledger.Invalid("kind", "%q cannot be granted directly", g.Kind)
	case !g.Factor.IsPositive():
		return ledger.Invalid("factor", "must be positive")
	case g.Duration < 0:
		return ledger.Invalid("duration", "must not be negative")
	}
	return nil
}

// GrantMultiplier adds one MultiplierSource. Rank and prestige sources are
// reserved for the rank engine.
func (c *Coordinator) GrantMultiplier(ctx context.Context, userID ledger.UserID, g MultiplierGrant) (ledger.MultiplierSource, error) {
	if err := g.validate(); err != nil {
		return ledger.MultiplierSource{}, err
	}
	var src ledger.MultiplierSource
	_, err := c.commit(ctx, "grant_multiplier", userID, func(_ ledger.UserProgress, now time.Time) (ledger.Diff, error) {
		src = ledger.MultiplierSource{
			ID:        c.newID(),
			Kind:      g.Kind,
			Factor:    g.Factor,
			Label:     g.Label,
			GrantedAt: now,
		}
		if g.Duration > 0 {
			expires := now.Add(g.Duration)
			src.ExpiresAt = &expires
		}
		return ledger.Diff{Multipliers: []ledger.MultiplierSource{src}}, nil
	})
	if err != nil {
		return ledger.MultiplierSource{}, err
	}
	c.logger.Info("multiplier granted",
		zap.String("user_id", string(userID)),
		zap.String("kind", string(src.Kind)),
		zap.String("factor", src.Factor.String()),
	)
	return src, nil
}
