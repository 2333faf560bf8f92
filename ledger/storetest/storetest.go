// Package storetest holds the behavior every ledger.Store must share.
// Store implementations call Run from their own tests.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/progression-engine/ledger"
)

var at = time.Date(2025, time.June, 10, 14, 30, 0, 0, time.UTC)

// Run executes the shared suite. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) ledger.Store) {
	t.Run("UnknownUserIsEmpty", func(t *testing.T) { unknownUserIsEmpty(t, newStore(t)) })
	t.Run("CommitRoundTrip", func(t *testing.T) { commitRoundTrip(t, newStore(t)) })
	t.Run("VersionConflict", func(t *testing.T) { versionConflict(t, newStore(t)) })
	t.Run("DuplicateToken", func(t *testing.T) { duplicateToken(t, newStore(t)) })
	t.Run("RejectedDiffWritesNothing", func(t *testing.T) { rejectedDiffWritesNothing(t, newStore(t)) })
	t.Run("ConcurrentWritersOneWins", func(t *testing.T) { concurrentWritersOneWins(t, newStore(t)) })
	t.Run("ReceiptIsACopy", func(t *testing.T) { receiptIsACopy(t, newStore(t)) })
	t.Run("UsersCommitIndependently", func(t *testing.T) { usersCommitIndependently(t, newStore(t)) })
}

// AttemptDiff builds a scored attempt with a reward and a receipt.
func AttemptDiff(p ledger.UserProgress, ex ledger.ExerciseID, token string, xp, currency int64) ledger.Diff {
	n := p.Attempt(ex).Count + 1
	rec := &ledger.AttemptRecord{
		UserID: p.UserID, ExerciseID: ex, AttemptNumber: n,
		StartedAt: at.Add(-time.Minute), CompletedAt: at,
		CorrectCount: 8, TotalCount: 10, RawScore: 80, FinalScore: 80,
		Outcome: ledger.OutcomePassed, Token: token,
	}
	balance := p.CurrencyBalance + currency
	receipt := &ledger.RewardResult{
		Token: token, UserID: p.UserID, ExerciseID: ex,
		AttemptAccepted: true, AttemptNumber: n, FinalScore: 80,
		Score:          ledger.ScoreBreakdown{BaseScore: 80, TotalScore: 80},
		XPGained:       xp,
		CurrencyGained: currency, NewBalance: balance,
		AchievementsUnlocked: []ledger.AchievementNotification{},
	}
	return ledger.Diff{
		Token:   token,
		Attempt: rec,
		XP:      &ledger.XPChange{From: p.XP, To: p.XP + xp},
		Transactions: []ledger.Transaction{{
			ID: ledger.TransactionID(fmt.Sprintf("%s-%s", p.UserID, token)), UserID: p.UserID,
			Amount: currency, Reason: ledger.ReasonReward, BalanceAfter: balance,
			Timestamp: at, ReferenceID: token,
		}},
		Receipt: receipt,
	}
}

func unknownUserIsEmpty(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	p, err := s.Get(ctx, "ghost")
	require.NoError(t, err)
	assert.Equal(t, ledger.UserID("ghost"), p.UserID)
	assert.Zero(t, p.Version)
	assert.NotNil(t, p.Achievements)

	txs, err := s.Transactions(ctx, "ghost")
	require.NoError(t, err)
	assert.Empty(t, txs)

	_, ok, err := s.Receipt(ctx, "ghost", "tok")
	require.NoError(t, err)
	assert.False(t, ok)
}

func commitRoundTrip(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	p, err := s.Get(ctx, "u1")
	require.NoError(t, err)

	d := AttemptDiff(p, "ex-1", "tok-1", 80, 16)
	unlockedAt := at
	d.Achievements = []ledger.AchievementChange{{ID: "first", Current: 1, Required: 1, UnlockedAt: &unlockedAt}}
	expires := at.Add(30 * time.Minute)
	d.Multipliers = []ledger.MultiplierSource{{
		ID: "m1", Kind: ledger.MultiplierPowerUp, Factor: decimal.RequireFromString("1.5"),
		Label: "boost", GrantedAt: at, ExpiresAt: &expires,
	}}
	d.Inventory = []ledger.InventoryChange{{ItemID: "hat", Delta: 1}}

	next, err := s.CommitDiff(ctx, "u1", 0, d)
	require.NoError(t, err)
	assert.Equal(t, int64(1), next.Version)

	got, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, int64(80), got.XP)
	assert.Equal(t, int64(16), got.CurrencyBalance)
	assert.True(t, got.IsUnlocked("first"))
	assert.Equal(t, 1, got.Inventory["hat"])
	require.Len(t, got.Multipliers, 1)
	assert.True(t, got.Multipliers[0].Factor.Equal(decimal.RequireFromString("1.5")))
	assert.Equal(t, 80, got.Attempt("ex-1").BestScore)

	txs, err := s.Transactions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, d.Transactions[0], txs[0])

	recs, err := s.Attempts(ctx, "u1", "ex-1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, *d.Attempt, recs[0])

	receipt, ok, err := s.Receipt(ctx, "u1", "tok-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, *d.Receipt, receipt)

	_, ok, err = s.Receipt(ctx, "u2", "tok-1")
	require.NoError(t, err)
	assert.False(t, ok, "receipts are scoped per user")
}

func versionConflict(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	p, err := s.Get(ctx, "u1")
	require.NoError(t, err)

	_, err = s.CommitDiff(ctx, "u1", 0, AttemptDiff(p, "ex-1", "tok-1", 10, 1))
	require.NoError(t, err)

	_, err = s.CommitDiff(ctx, "u1", 0, AttemptDiff(p, "ex-1", "tok-2", 10, 1))
	assert.ErrorIs(t, err, ledger.ErrVersionConflict)

	got, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, int64(10), got.XP)
}

func duplicateToken(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	p, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	next, err := s.CommitDiff(ctx, "u1", 0, AttemptDiff(p, "ex-1", "tok-1", 10, 1))
	require.NoError(t, err)

	_, err = s.CommitDiff(ctx, "u1", next.Version, AttemptDiff(next, "ex-1", "tok-1", 10, 1))
	assert.ErrorIs(t, err, ledger.ErrDuplicateToken)

	txs, err := s.Transactions(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func rejectedDiffWritesNothing(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	p, err := s.Get(ctx, "u1")
	require.NoError(t, err)

	d := AttemptDiff(p, "ex-1", "tok-1", 10, 5)
	d.Transactions = append(d.Transactions, ledger.Transaction{
		ID: "overdraw", UserID: "u1", Amount: -50, Reason: ledger.ReasonPurchase, BalanceAfter: -45, Timestamp: at,
	})
	_, err = s.CommitDiff(ctx, "u1", 0, d)
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	got, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, got.Version)
	txs, err := s.Transactions(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, txs)
	recs, err := s.Attempts(ctx, "u1", "ex-1")
	require.NoError(t, err)
	assert.Empty(t, recs)
	_, ok, err := s.Receipt(ctx, "u1", "tok-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func concurrentWritersOneWins(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	p, err := s.Get(ctx, "u1")
	require.NoError(t, err)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = s.CommitDiff(ctx, "u1", 0, AttemptDiff(p, "ex-1", fmt.Sprintf("tok-%d", i), 10, 1))
		}()
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, ledger.ErrVersionConflict)
	}
	assert.Equal(t, 1, wins)
}

// usersCommitIndependently interleaves commit chains for several users
// while one user's commits keep failing on an expired context.
func usersCommitIndependently(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	const users, rounds = 6, 5

	expired, cancel := context.WithTimeout(ctx, -time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, users*rounds)
	wg.Add(1)
	go func() {
		defer wg.Done()
		p := ledger.NewUserProgress("stuck")
		for i := range rounds {
			_, err := s.CommitDiff(expired, "stuck", 0, AttemptDiff(p, "ex-1", fmt.Sprintf("tok-%d", i), 10, 1))
			if err == nil {
				errs <- fmt.Errorf("commit with an expired context succeeded")
			}
		}
	}()
	for u := range users {
		wg.Add(1)
		go func() {
			defer wg.Done()
			userID := ledger.UserID(fmt.Sprintf("u%d", u))
			p, err := s.Get(ctx, userID)
			if err != nil {
				errs <- err
				return
			}
			for i := range rounds {
				p, err = s.CommitDiff(ctx, userID, p.Version, AttemptDiff(p, "ex-1", fmt.Sprintf("tok-%d", i), 10, 1))
				if err != nil {
					errs <- fmt.Errorf("%s round %d: %w", userID, i, err)
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	for u := range users {
		got, err := s.Get(ctx, ledger.UserID(fmt.Sprintf("u%d", u)))
		require.NoError(t, err)
		assert.Equal(t, int64(rounds), got.Version)
		assert.Equal(t, int64(10*rounds), got.XP)
		assert.Equal(t, int64(rounds), got.CurrencyBalance)
	}
	stuck, err := s.Get(ctx, "stuck")
	require.NoError(t, err)
	assert.Zero(t, stuck.Version)
}

// receiptIsACopy checks that neither the committed diff nor a returned
// receipt shares memory with the stored one.
func receiptIsACopy(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	p, err := s.Get(ctx, "u1")
	require.NoError(t, err)

	d := AttemptDiff(p, "ex-1", "tok-1", 10, 1)
	adept := ledger.RankID("adept")
	d.Receipt.NewRank = &adept
	d.Receipt.RankEvents = []ledger.RankEvent{{Kind: ledger.RankEventRankUp, From: "novice", To: "adept", Threshold: 10}}
	d.Receipt.AchievementsUnlocked = []ledger.AchievementNotification{{AchievementID: "first", Name: "First", UnlockedAt: at}}

	_, err = s.CommitDiff(ctx, "u1", 0, d)
	require.NoError(t, err)

	// Mutating the caller's diff after commit
	*d.Receipt.NewRank = "master"
	d.Receipt.RankEvents[0].To = "master"
	d.Receipt.AchievementsUnlocked[0].Name = "changed"

	got, ok, err := s.Receipt(ctx, "u1", "tok-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, got.NewRank)
	assert.Equal(t, ledger.RankID("adept"), *got.NewRank)
	assert.Equal(t, ledger.RankID("adept"), got.RankEvents[0].To)
	assert.Equal(t, "First", got.AchievementsUnlocked[0].Name)

	// Mutating a returned receipt
	*got.NewRank = "master"
	got.AchievementsUnlocked[0].Name = "changed"

	again, _, err := s.Receipt(ctx, "u1", "tok-1")
	require.NoError(t, err)
	require.NotNil(t, again.NewRank)
	assert.Equal(t, ledger.RankID("adept"), *again.NewRank)
	assert.Equal(t, "First", again.AchievementsUnlocked[0].Name)
}
