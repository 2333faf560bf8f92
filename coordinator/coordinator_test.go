/*
coordinator_test.go - Behavior of the reward pipeline end to end

ORGANIZATION:
  1. Complete attempt: scoring, XP, currency, achievements in one commit
  2. Attempt policy: exhausted and cooldown rejections leave the ledger alone
  3. Idempotency: same token, same result, one commit
  4. Concurrency: per-user serialization
  5. Failure handling: store errors, conflicts, timeouts, cancellation

Each test has GIVEN/WHEN/THEN comments describing the scenario.
*/
package coordinator_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/progression-engine/achievement"
	"github.com/warp/progression-engine/attempt"
	"github.com/warp/progression-engine/coordinator"
	"github.com/warp/progression-engine/ledger"
	"github.com/warp/progression-engine/ledger/store"
)

// =============================================================================
// COMPLETE ATTEMPT
// =============================================================================

func TestCompleteAttempt_CommitsEverythingInOneDiff(t *testing.T) {
	// GIVEN: A new learner and a medium single-shot exercise
	// WHEN: A perfect attempt is submitted
	// THEN: Score 100, 100 XP + 10 achievement XP, 20 + 5 currency,
	//       one rank-up, first-steps unlocked, all at version 1
	h := newHarness(t, nil)

	res := h.mustComplete(t, completed("u1", "ex-once", 10, 10, "tok-1"))

	assert.True(t, res.AttemptAccepted)
	assert.Equal(t, 1, res.AttemptNumber)
	assert.Equal(t, 100, res.FinalScore)
	assert.Equal(t, 10, res.Score.AccuracyBonus)
	assert.Equal(t, int64(110), res.XPGained)
	require.NotNil(t, res.NewRank)
	assert.Equal(t, ledger.RankID("adept"), *res.NewRank)
	require.Len(t, res.RankEvents, 1)
	assert.Equal(t, int64(100), res.RankEvents[0].Threshold)
	assert.Equal(t, int64(25), res.CurrencyGained)
	assert.Equal(t, int64(25), res.NewBalance)
	require.Len(t, res.AchievementsUnlocked, 1)
	assert.Equal(t, ledger.AchievementID("first-steps"), res.AchievementsUnlocked[0].AchievementID)
	assert.False(t, res.AchievementsUnlocked[0].Enhanced)

	p := h.progress(t, "u1")
	assert.Equal(t, int64(1), p.Version)
	assert.Equal(t, int64(110), p.XP)
	assert.Equal(t, ledger.RankID("adept"), p.Rank)
	assert.Equal(t, int64(25), p.CurrencyBalance)
	assert.True(t, p.IsUnlocked("first-steps"))
	assert.Equal(t, 1, p.Attempt("ex-once").Count)
	assert.True(t, p.Attempt("ex-once").Passed)

	txs, err := h.coord.Transactions(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, "tok-1", txs[0].ReferenceID)
	assert.Equal(t, int64(20), txs[0].BalanceAfter)
	assert.Equal(t, "first-steps", txs[1].ReferenceID)
	assert.Equal(t, int64(25), txs[1].BalanceAfter)

	recs, err := h.coord.Attempts(context.Background(), "u1", "ex-once")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "tok-1", recs[0].Token)
	assert.Equal(t, 100, recs[0].FinalScore)
}

func TestCompleteAttempt_FailedAttemptEarnsPartialRewardOnly(t *testing.T) {
	h := newHarness(t, nil)

	res := h.mustComplete(t, completed("u1", "ex-retry", 4, 10, "tok-1"))

	assert.Equal(t, 40, res.FinalScore)
	assert.Equal(t, int64(20), res.XPGained)
	assert.Equal(t, int64(4), res.CurrencyGained)
	assert.Nil(t, res.NewRank)
	assert.Empty(t, res.AchievementsUnlocked, "failed attempts do not complete exercises")
	assert.NotNil(t, res.AchievementsUnlocked)
}

func TestCompleteAttempt_ActivePowerUpCrossesTwoThresholds(t *testing.T) {
	// GIVEN: A 2x power-up bought from the shop
	// WHEN: A perfect hard attempt grants 150 raw XP
	// THEN: 300 effective + 10 achievement XP, two ordered rank-up events
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.coord.Adjust(ctx, "u1", 10, "welcome bonus")
	require.NoError(t, err)
	_, err = h.coord.Purchase(ctx, "u1", purchase("double-xp", 10))
	require.NoError(t, err)

	res := h.mustComplete(t, completed("u1", "ex-open", 5, 5, "tok-1"))

	assert.Equal(t, int64(310), res.XPGained)
	require.Len(t, res.RankEvents, 2)
	assert.Equal(t, ledger.RankID("adept"), res.RankEvents[0].To)
	assert.Equal(t, ledger.RankID("master"), res.RankEvents[1].To)
}

func TestCompleteAttempt_AchievementXPCompletesTotalXPAchievement(t *testing.T) {
	// GIVEN: first-steps pays 50 XP and centurion needs 140 total XP
	// WHEN: A perfect medium attempt earns 100 XP
	// THEN: first-steps' reward lifts the learner to 150 and centurion
	//       unlocks in the same commit with its progress at 150
	h := newHarnessWithAchievements(t, nil, achievementsFrom(t,
		achievement.Definition{ID: "first-steps", Name: "First Steps", Category: "practice", Rarity: achievement.RarityCommon,
			RequiredProgress: 1, Metric: achievement.MetricExercisesCompleted, Reward: achievement.Reward{XP: 50}},
		achievement.Definition{ID: "centurion", Name: "Centurion", Category: "practice", Rarity: achievement.RarityRare,
			RequiredProgress: 140, Metric: achievement.MetricTotalXP, Reward: achievement.Reward{Currency: 7}},
	))

	res := h.mustComplete(t, completed("u1", "ex-once", 10, 10, "tok-1"))

	assert.Equal(t, int64(150), res.XPGained)
	assert.Equal(t, int64(27), res.CurrencyGained)
	require.Len(t, res.AchievementsUnlocked, 2)
	assert.Equal(t, ledger.AchievementID("first-steps"), res.AchievementsUnlocked[0].AchievementID)
	assert.Equal(t, ledger.AchievementID("centurion"), res.AchievementsUnlocked[1].AchievementID)

	p := h.progress(t, "u1")
	assert.Equal(t, int64(1), p.Version)
	assert.True(t, p.IsUnlocked("centurion"))
	assert.Equal(t, int64(150), p.Achievement("centurion").Current)
	assert.Equal(t, int64(27), p.CurrencyBalance)
}

func TestCompleteAttempt_Validation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.coord.CompleteAttempt(ctx, completed("u1", "ex-once", 1, 1, ""))
	assert.ErrorIs(t, err, ledger.ErrValidation)

	_, err = h.coord.CompleteAttempt(ctx, completed("u1", "ex-missing", 1, 1, "tok"))
	assert.ErrorIs(t, err, ledger.ErrUnknownExercise)

	_, err = h.coord.CompleteAttempt(ctx, completed("u1", "ex-once", 3, 2, "tok"))
	assert.ErrorIs(t, err, ledger.ErrValidation)

	assert.Equal(t, int64(0), h.progress(t, "u1").Version, "validation happens before any write")
}

// =============================================================================
// ATTEMPT POLICY
// =============================================================================

func TestCompleteAttempt_SingleAttemptExerciseKeepsFirstScore(t *testing.T) {
	// GIVEN: maxAttempts=1 and attempt #1 scored 40
	// WHEN: Attempt #2 is submitted with a new token
	// THEN: attemptAccepted=false, attempts-exhausted, ledger score stays 40
	h := newHarness(t, nil)

	first := h.mustComplete(t, completed("u1", "ex-once", 4, 10, "tok-1"))
	require.Equal(t, 40, first.FinalScore)

	second := h.mustComplete(t, completed("u1", "ex-once", 10, 10, "tok-2"))

	assert.False(t, second.AttemptAccepted)
	assert.Equal(t, string(attempt.ReasonExhausted), second.RejectReason)
	assert.Zero(t, second.XPGained)

	p := h.progress(t, "u1")
	assert.Equal(t, 40, p.Attempt("ex-once").LastScore)
	assert.Equal(t, 40, p.Attempt("ex-once").BestScore)
	assert.Equal(t, 1, p.Attempt("ex-once").Count)
	assert.Equal(t, int64(1), p.Version, "rejection writes nothing")
}

func TestCompleteAttempt_CooldownThenRetry(t *testing.T) {
	// GIVEN: retryDelayMinutes=10 and an attempt at t0
	// WHEN: Retried at t0+5m, then at t0+10m
	// THEN: First retry is rejected with retryAvailableAt = now+5m, second is accepted
	h := newHarness(t, nil)
	h.mustComplete(t, completed("u1", "ex-retry", 4, 10, "tok-1"))

	h.clock.Advance(5 * time.Minute)
	res := h.mustComplete(t, completed("u1", "ex-retry", 4, 10, "tok-2"))
	assert.False(t, res.AttemptAccepted)
	assert.Equal(t, string(attempt.ReasonCooldown), res.RejectReason)
	require.NotNil(t, res.RetryAvailableAt)
	assert.Equal(t, 5*time.Minute, res.RetryAvailableAt.Sub(h.clock.Now()))

	d, err := h.coord.Eligibility(context.Background(), "u1", "ex-retry")
	require.NoError(t, err)
	assert.Equal(t, attempt.ReasonCooldown, d.Reason)

	h.clock.Advance(5 * time.Minute)
	res = h.mustComplete(t, completed("u1", "ex-retry", 8, 10, "tok-3"))
	assert.True(t, res.AttemptAccepted)
	assert.Equal(t, 2, res.AttemptNumber)
	assert.Equal(t, 80, h.progress(t, "u1").Attempt("ex-retry").BestScore)
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func TestCompleteAttempt_SameTokenReturnsIdenticalResult(t *testing.T) {
	// GIVEN: A committed attempt with token tok-1
	// WHEN: The same submission is retried
	// THEN: The exact same RewardResult, and exactly one committed diff
	h := newHarness(t, nil)
	ev := completed("u1", "ex-once", 10, 10, "tok-1")

	first := h.mustComplete(t, ev)
	h.clock.Advance(time.Hour)
	second := h.mustComplete(t, ev)

	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), h.progress(t, "u1").Version)
	txs, err := h.coord.Transactions(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, txs, 2)
}

func TestCompleteAttempt_TokensAreScopedPerUser(t *testing.T) {
	h := newHarness(t, nil)
	a := h.mustComplete(t, completed("u1", "ex-once", 10, 10, "shared"))
	b := h.mustComplete(t, completed("u2", "ex-once", 5, 10, "shared"))

	assert.True(t, b.AttemptAccepted)
	assert.NotEqual(t, a.FinalScore, b.FinalScore)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestCompleteAttempt_ConcurrentAttemptsAdmitOnlyOne(t *testing.T) {
	// GIVEN: maxAttempts=1
	// WHEN: 16 different submissions race for the same user and exercise
	// THEN: Exactly one is admitted, the rest are exhausted
	h := newHarness(t, nil)
	const n = 16

	var wg sync.WaitGroup
	results := make([]ledger.RewardResult, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = h.coord.CompleteAttempt(context.Background(),
				completed("u1", "ex-once", 7, 10, fmt.Sprintf("tok-%d", i)))
		}()
	}
	wg.Wait()

	accepted := 0
	for i := range n {
		require.NoError(t, errs[i])
		if results[i].AttemptAccepted {
			accepted++
		} else {
			assert.Equal(t, string(attempt.ReasonExhausted), results[i].RejectReason)
		}
	}
	assert.Equal(t, 1, accepted)
	assert.Equal(t, 1, h.progress(t, "u1").Attempt("ex-once").Count)
}

func TestCompleteAttempt_ConcurrentDuplicatesShareOneCommit(t *testing.T) {
	h := newHarness(t, nil)
	const n = 12
	ev := completed("u1", "ex-open", 9, 10, "tok-dup")

	var wg sync.WaitGroup
	results := make([]ledger.RewardResult, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.coord.CompleteAttempt(context.Background(), ev)
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Equal(t, results[0], results[i])
	}
	assert.Equal(t, 1, h.progress(t, "u1").Attempt("ex-open").Count)
}

func TestCompleteAttempt_DifferentUsersDoNotInterfere(t *testing.T) {
	h := newHarness(t, nil)
	users := []ledger.UserID{"ana", "bruno", "carla", "diego", "elena", "fabio"}

	var wg sync.WaitGroup
	for _, u := range users {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.coord.CompleteAttempt(context.Background(), completed(u, "ex-once", 10, 10, "tok"))
			assert.NoError(t, err)
			assert.True(t, res.AttemptAccepted)
		}()
	}
	wg.Wait()

	for _, u := range users {
		assert.Equal(t, int64(25), h.progress(t, u).CurrencyBalance)
	}
}

// =============================================================================
// FAILURE HANDLING
// =============================================================================

func TestCompleteAttempt_StoreFailureAppliesNothing(t *testing.T) {
	// GIVEN: A store whose commits fail
	// WHEN: An attempt is submitted
	// THEN: PersistenceError, retryable, ledger untouched; the same token
	//       succeeds once the store recovers
	fs := &faultyStore{Store: store.NewMemory(), commitErr: errors.New("disk unavailable")}
	h := newHarness(t, fs)
	ev := completed("u1", "ex-once", 10, 10, "tok-1")

	_, err := h.coord.CompleteAttempt(context.Background(), ev)
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrPersistence)
	assert.True(t, ledger.IsRetryable(err))

	p := h.progress(t, "u1")
	assert.Equal(t, int64(0), p.Version)
	assert.Zero(t, p.XP)
	assert.Zero(t, p.CurrencyBalance)

	fs.commitErr = nil
	res := h.mustComplete(t, ev)
	assert.True(t, res.AttemptAccepted)
	assert.Equal(t, 1, res.AttemptNumber)
}

func TestCompleteAttempt_RetriesVersionConflicts(t *testing.T) {
	fs := &faultyStore{Store: store.NewMemory(), conflicts: 2}
	h := newHarness(t, fs)

	res := h.mustComplete(t, completed("u1", "ex-open", 10, 10, "tok-1"))
	assert.True(t, res.AttemptAccepted)
	assert.Equal(t, int32(3), fs.commitCalls.Load())
}

func TestCompleteAttempt_ConflictRetriesAreBounded(t *testing.T) {
	fs := &faultyStore{Store: store.NewMemory(), conflicts: 1000}
	h := newHarness(t, fs, coordinator.WithConfig(coordinator.Config{MaxConflictRetries: 3}))

	_, err := h.coord.CompleteAttempt(context.Background(), completed("u1", "ex-open", 10, 10, "tok-1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrPersistence)
	assert.ErrorIs(t, err, ledger.ErrVersionConflict)
	assert.Equal(t, int32(4), fs.commitCalls.Load())
}

func TestCompleteAttempt_CommitTimeoutIsTransientFailure(t *testing.T) {
	fs := &faultyStore{Store: store.NewMemory(), block: true}
	h := newHarness(t, fs, coordinator.WithConfig(coordinator.Config{CommitTimeout: 20 * time.Millisecond}))

	_, err := h.coord.CompleteAttempt(context.Background(), completed("u1", "ex-open", 10, 10, "tok-1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrPersistence)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int64(0), h.progress(t, "u1").Version)
}

func TestCompleteAttempt_CancelledBeforeCommitLeavesLedgerUntouched(t *testing.T) {
	// GIVEN: The caller cancels right after the snapshot is read
	// THEN: context.Canceled, no commit attempted, version still 0
	ctx, cancel := context.WithCancel(context.Background())
	fs := &faultyStore{Store: store.NewMemory(), onGet: cancel}
	h := newHarness(t, fs)

	_, err := h.coord.CompleteAttempt(ctx, completed("u1", "ex-open", 10, 10, "tok-1"))
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, fs.commitCalls.Load())

	fs.onGet = nil
	assert.Equal(t, int64(0), h.progress(t, "u1").Version)
}
