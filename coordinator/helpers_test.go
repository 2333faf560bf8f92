package coordinator_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/progression-engine/achievement"
	"github.com/warp/progression-engine/attempt"
	"github.com/warp/progression-engine/coordinator"
	"github.com/warp/progression-engine/economy"
	"github.com/warp/progression-engine/ledger"
	"github.com/warp/progression-engine/ledger/store"
	"github.com/warp/progression-engine/rank"
	"github.com/warp/progression-engine/scoring"
)

// =============================================================================
// TEST INFRASTRUCTURE
// =============================================================================

// testClock is a settable clock shared by the coordinator and the test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, time.September, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// faultyStore wraps a real store and injects commit failures.
type faultyStore struct {
	ledger.Store
	commitErr   error
	conflicts   int
	block       bool
	onGet       func()
	commitCalls atomic.Int32
}

func (s *faultyStore) Get(ctx context.Context, userID ledger.UserID) (ledger.UserProgress, error) {
	p, err := s.Store.Get(ctx, userID)
	if s.onGet != nil {
		s.onGet()
	}
	return p, err
}

func (s *faultyStore) CommitDiff(ctx context.Context, userID ledger.UserID, expected int64, diff ledger.Diff) (ledger.UserProgress, error) {
	s.commitCalls.Add(1)
	if s.block {
		<-ctx.Done()
		return ledger.UserProgress{}, ctx.Err()
	}
	if s.conflicts > 0 {
		s.conflicts--
		return ledger.UserProgress{}, ledger.ErrVersionConflict
	}
	if s.commitErr != nil {
		return ledger.UserProgress{}, s.commitErr
	}
	return s.Store.CommitDiff(ctx, userID, expected, diff)
}

func testExercises(t *testing.T) *coordinator.ExerciseCatalog {
	t.Helper()
	c, err := coordinator.NewExerciseCatalog([]coordinator.Exercise{
		{ID: "ex-once", Title: "Single shot", Difficulty: scoring.Medium, Policy: attempt.Config{MaxAttempts: 1}},
		{ID: "ex-retry", Title: "Three tries", Difficulty: scoring.Easy, Policy: attempt.Config{MaxAttempts: 3, AllowRetry: true, RetryDelayMinutes: 10}},
		{ID: "ex-open", Title: "Open practice", Difficulty: scoring.Hard, Policy: attempt.Config{AllowRetry: true}},
	})
	require.NoError(t, err)
	return c
}

func testRanks(t *testing.T) *rank.Engine {
	t.Helper()
	table, err := rank.NewTable([]rank.Definition{
		{ID: "novice", Threshold: 0},
		{ID: "adept", Threshold: 100},
		{ID: "master", Threshold: 300},
	})
	require.NoError(t, err)
	return rank.NewEngine(table, decimal.RequireFromString("1.1"))
}

func testAchievements(t *testing.T) *achievement.Engine {
	t.Helper()
	catalog, err := achievement.NewCatalog([]achievement.Definition{
		{ID: "first-steps", Name: "First Steps", Category: "practice", Rarity: achievement.RarityCommon,
			RequiredProgress: 1, Metric: achievement.MetricExercisesCompleted,
			Reward: achievement.Reward{XP: 10, Currency: 5}},
		{ID: "reborn", Name: "Reborn", Category: "prestige", Rarity: achievement.RarityLegendary,
			RequiredProgress: 1, Metric: achievement.MetricPrestigeLevel,
			Reward: achievement.Reward{Currency: 100}},
		{ID: "collector", Name: "Collector", Category: "shop", Rarity: achievement.RarityRare,
			RequiredProgress: 3, Metric: achievement.MetricManual,
			Reward: achievement.Reward{Currency: 20}},
	})
	require.NoError(t, err)
	return achievement.NewEngine(catalog)
}

func testShop(t *testing.T, e *economy.Engine) *economy.Shop {
	t.Helper()
	catalog, err := economy.NewCatalog([]economy.ShopItem{
		{ID: "hat", Name: "Sombrero", Category: economy.CategoryCosmetic, Price: 20},
		{ID: "double-xp", Name: "Double XP", Category: economy.CategoryPowerUp, Price: 10,
			PowerUp: &economy.PowerUp{Factor: decimal.NewFromInt(2), DurationMinutes: 30}},
	})
	require.NoError(t, err)
	return economy.NewShop(catalog, e)
}

func achievementsFrom(t *testing.T, defs ...achievement.Definition) *achievement.Engine {
	t.Helper()
	catalog, err := achievement.NewCatalog(defs)
	require.NoError(t, err)
	return achievement.NewEngine(catalog)
}

type harness struct {
	coord *coordinator.Coordinator
	store ledger.Store
	clock *testClock
}

func newHarness(t *testing.T, st ledger.Store, opts ...coordinator.Option) *harness {
	t.Helper()
	return newHarnessWithAchievements(t, st, testAchievements(t), opts...)
}

func newHarnessWithAchievements(t *testing.T, st ledger.Store, ach *achievement.Engine, opts ...coordinator.Option) *harness {
	t.Helper()
	if st == nil {
		st = store.NewMemory()
	}
	clock := newTestClock()
	eco := economy.NewEngine()
	opts = append([]coordinator.Option{
		coordinator.WithClock(clock.Now),
		coordinator.WithLogger(zap.NewNop()),
	}, opts...)
	coord := coordinator.New(coordinator.Deps{
		Store:        st,
		Exercises:    testExercises(t),
		Scoring:      scoring.DefaultPolicy(),
		Ranks:        testRanks(t),
		Achievements: ach,
		Economy:      eco,
		Shop:         testShop(t, eco),
	}, opts...)
	return &harness{coord: coord, store: st, clock: clock}
}

// completed builds an event; slow enough that no time bonus applies.
func completed(user ledger.UserID, ex ledger.ExerciseID, correct, total int, token string) coordinator.ExerciseCompleted {
	return coordinator.ExerciseCompleted{
		UserID:     user,
		ExerciseID: ex,
		Attempt:    scoring.Attempt{CorrectCount: correct, TotalCount: total, TimeSpent: 10 * time.Minute},
		Token:      token,
	}
}

func (h *harness) mustComplete(t *testing.T, ev coordinator.ExerciseCompleted) ledger.RewardResult {
	t.Helper()
	res, err := h.coord.CompleteAttempt(context.Background(), ev)
	require.NoError(t, err)
	return res
}

func (h *harness) progress(t *testing.T, user ledger.UserID) ledger.UserProgress {
	t.Helper()
	p, err := h.store.Get(context.Background(), user)
	require.NoError(t, err)
	return p
}
