/*
diff.go - Atomic state change against one ledger version

PURPOSE:
  A Diff is everything one logical operation changes: the new attempt
  record, the XP and rank transition, currency transactions, achievement
  progress, new multipliers, inventory moves and the idempotency receipt.
  Stores apply it with Apply under their own exclusive section, after the
  version check, so either the whole Diff lands or nothing does.

CRITICAL INVARIANTS (checked by Apply):
  1. XP/Rank/Prestige changes carry their From value; a stale From is rejected
  2. Transaction chain: BalanceAfter == previous balance + Amount, never negative
  3. UnlockedAt is set at most once per achievement
  4. Achievement progress never regresses
  5. Attempt numbers are contiguous per exercise
  6. Inventory never goes negative

SEE ALSO:
  - store.go: CommitDiff contract
  - store/memory.go, store/sqlite: Call Apply inside their commit
*/
package ledger

import (
	"fmt"
	"time"
)

// =============================================================================
// CHANGE TYPES
// =============================================================================

type XPChange struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

type RankChange struct {
	From RankID `json:"from"`
	To   RankID `json:"to"`
}

type PrestigeChange struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// AchievementChange sets the full progress entry for one achievement.
type AchievementChange struct {
	ID         AchievementID `json:"id"`
	Current    int64         `json:"current"`
	Required   int64         `json:"required"`
	UnlockedAt *time.Time    `json:"unlocked_at,omitempty"`
}

type InventoryChange struct {
	ItemID ItemID `json:"item_id"`
	Delta  int    `json:"delta"`
}

// =============================================================================
// DIFF
// =============================================================================

type Diff struct {
	// Token is the client attempt token. When Receipt is set the store
	// records it under (user, Token) and rejects a second commit with
	// ErrDuplicateToken.
	Token string

	Attempt      *AttemptRecord
	XP           *XPChange
	Rank         *RankChange
	Prestige     *PrestigeChange
	Transactions []Transaction
	Achievements []AchievementChange
	Multipliers  []MultiplierSource
	Inventory    []InventoryChange
	Receipt      *RewardResult
}

func (d Diff) IsEmpty() bool {
	return d.Attempt == nil && d.XP == nil && d.Rank == nil && d.Prestige == nil &&
		len(d.Transactions) == 0 && len(d.Achievements) == 0 &&
		len(d.Multipliers) == 0 && len(d.Inventory) == 0 && d.Receipt == nil
}

// =============================================================================
// APPLY - The only place a UserProgress is mutated
// =============================================================================

// Apply returns p with d applied and Version incremented. p is not modified.
func Apply(p UserProgress, d Diff, at time.Time) (UserProgress, error) {
	next := p.Clone()

	if d.XP != nil {
		if d.XP.From != next.XP {
			return p, inconsistent("xp from %d, stored %d", d.XP.From, next.XP)
		}
		if d.XP.To < 0 {
			return p, inconsistent("xp cannot be negative (%d)", d.XP.To)
		}
		if gain := d.XP.To - d.XP.From; gain > 0 {
			next.LifetimeXP += gain
		}
		next.XP = d.XP.To
	}

	if d.Rank != nil {
		if d.Rank.From != next.Rank {
			return p, inconsistent("rank from %q, stored %q", d.Rank.From, next.Rank)
		}
		next.Rank = d.Rank.To
	}

	if d.Prestige != nil {
		if d.Prestige.From != next.PrestigeLevel || d.Prestige.To != d.Prestige.From+1 {
			return p, inconsistent("prestige %d->%d, stored %d", d.Prestige.From, d.Prestige.To, next.PrestigeLevel)
		}
		next.PrestigeLevel = d.Prestige.To
	}

	balance := next.CurrencyBalance
	for _, tx := range d.Transactions {
		if tx.UserID != next.UserID {
			return p, inconsistent("transaction %s belongs to %s", tx.ID, tx.UserID)
		}
		if !tx.Reason.Valid() {
			return p, inconsistent("transaction %s has unknown reason %q", tx.ID, tx.Reason)
		}
		if tx.BalanceAfter != balance+tx.Amount {
			return p, inconsistent("transaction %s balance_after %d, expected %d", tx.ID, tx.BalanceAfter, balance+tx.Amount)
		}
		if tx.BalanceAfter < 0 {
			return p, &InsufficientFundsError{UserID: next.UserID, Balance: balance, Amount: tx.Amount}
		}
		balance = tx.BalanceAfter
	}
	next.CurrencyBalance = balance

	for _, c := range d.Achievements {
		existing := next.Achievements[c.ID]
		if existing.Unlocked() {
			return p, inconsistent("achievement %s already unlocked", c.ID)
		}
		if c.Current < existing.Current {
			return p, fmt.Errorf("%w: %s from %d to %d", ErrInvalidProgress, c.ID, existing.Current, c.Current)
		}
		next.Achievements[c.ID] = AchievementProgress{
			Current:    c.Current,
			Required:   c.Required,
			UnlockedAt: c.UnlockedAt,
		}
	}

	if rec := d.Attempt; rec != nil {
		summary := next.Attempts[rec.ExerciseID]
		if rec.AttemptNumber != summary.Count+1 {
			return p, inconsistent("attempt %d on %s, stored count %d", rec.AttemptNumber, rec.ExerciseID, summary.Count)
		}
		summary.Count = rec.AttemptNumber
		summary.LastAttemptAt = rec.CompletedAt
		summary.LastOutcome = rec.Outcome
		summary.LastScore = rec.FinalScore
		summary.Passed = summary.Passed || rec.Outcome == OutcomePassed
		if rec.FinalScore > summary.BestScore {
			summary.BestScore = rec.FinalScore
		}
		next.Attempts[rec.ExerciseID] = summary
	}

	next.Multipliers = append(next.Multipliers, d.Multipliers...)

	for _, inv := range d.Inventory {
		qty := next.Inventory[inv.ItemID] + inv.Delta
		if qty < 0 {
			return p, inconsistent("inventory for %s would be %d", inv.ItemID, qty)
		}
		if qty == 0 {
			delete(next.Inventory, inv.ItemID)
		} else {
			next.Inventory[inv.ItemID] = qty
		}
	}

	if next.CreatedAt.IsZero() {
		next.CreatedAt = at
	}
	next.UpdatedAt = at
	next.Version++
	return next, nil
}

func inconsistent(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInconsistentDiff, fmt.Sprintf(format, args...))
}
