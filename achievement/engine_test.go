package achievement_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/progression-engine/achievement"
	"github.com/warp/progression-engine/ledger"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var now = time.Date(2025, time.April, 2, 15, 30, 0, 0, time.UTC)

func testDefinitions() []achievement.Definition {
	return []achievement.Definition{
		// Deliberately listed before its prerequisite.
		{
			ID: "dedicated", Name: "Dedicated", Category: "practice", Rarity: achievement.RarityEpic,
			RequiredProgress: 3, Metric: achievement.MetricExercisesCompleted,
			Prerequisites: []ledger.AchievementID{"first-steps"},
			Reward:        achievement.Reward{XP: 100, Currency: 50},
		},
		{
			ID: "first-steps", Name: "First Steps", Category: "practice", Rarity: achievement.RarityCommon,
			RequiredProgress: 1, Metric: achievement.MetricExercisesCompleted,
			Reward: achievement.Reward{XP: 10, Currency: 5},
		},
		{
			ID: "flawless", Name: "Flawless", Category: "mastery", Rarity: achievement.RarityLegendary,
			RequiredProgress: 1, Metric: achievement.MetricPerfectScores,
			Scope:  []ledger.ExerciseID{"ex-boss"},
			Reward: achievement.Reward{Currency: 200},
		},
		{
			ID: "collector", Name: "Collector", Category: "shop", Rarity: achievement.RarityRare,
			RequiredProgress: 5, Metric: achievement.MetricManual,
			Reward: achievement.Reward{Currency: 25},
		},
	}
}

func newTestEngine(t *testing.T) *achievement.Engine {
	t.Helper()
	catalog, err := achievement.NewCatalog(testDefinitions())
	require.NoError(t, err)
	return achievement.NewEngine(catalog)
}

func passed(p *ledger.UserProgress, ids ...ledger.ExerciseID) {
	for _, id := range ids {
		p.Attempts[id] = ledger.AttemptSummary{Count: 1, LastOutcome: ledger.OutcomePassed, Passed: true, LastScore: 80, BestScore: 80}
	}
}

func apply(t *testing.T, p ledger.UserProgress, results []achievement.Result) ledger.UserProgress {
	t.Helper()
	next, err := ledger.Apply(p, ledger.Diff{Achievements: achievement.Changes(results)}, now)
	require.NoError(t, err)
	return next
}

// =============================================================================
// CATALOG
// =============================================================================

func TestNewCatalog_OrdersPrerequisitesFirst(t *testing.T) {
	catalog, err := achievement.NewCatalog(testDefinitions())
	require.NoError(t, err)

	pos := map[ledger.AchievementID]int{}
	for i, d := range catalog.Ordered() {
		pos[d.ID] = i
	}
	assert.Less(t, pos["first-steps"], pos["dedicated"])
	assert.Equal(t, 4, catalog.Len())
}

func TestNewCatalog_Validation(t *testing.T) {
	cycle := []achievement.Definition{
		{ID: "a", RequiredProgress: 1, Metric: achievement.MetricManual, Prerequisites: []ledger.AchievementID{"b"}},
		{ID: "b", RequiredProgress: 1, Metric: achievement.MetricManual, Prerequisites: []ledger.AchievementID{"a"}},
	}
	_, err := achievement.NewCatalog(cycle)
	assert.ErrorIs(t, err, ledger.ErrValidation)
	assert.Contains(t, err.Error(), "cycle")

	cases := map[string]achievement.Definition{
		"zero required":  {ID: "x", RequiredProgress: 0, Metric: achievement.MetricManual},
		"unknown metric": {ID: "x", RequiredProgress: 1, Metric: "vibes"},
		"unknown rarity": {ID: "x", RequiredProgress: 1, Metric: achievement.MetricManual, Rarity: "mythic"},
		"unknown prereq": {ID: "x", RequiredProgress: 1, Metric: achievement.MetricManual, Prerequisites: []ledger.AchievementID{"nope"}},
	}
	for name, d := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := achievement.NewCatalog([]achievement.Definition{d})
			assert.ErrorIs(t, err, ledger.ErrValidation)
		})
	}
}

// =============================================================================
// APPLY PROGRESS
// =============================================================================

func TestApplyProgress_UnlocksExactlyOnce(t *testing.T) {
	// GIVEN: "collector" requires 5
	// WHEN: ApplyProgress(5) is called twice, the first result committed
	// THEN: First call unlocks with reward, second is a no-op
	e := newTestEngine(t)
	p := ledger.NewUserProgress("u1")

	first, err := e.ApplyProgress(p, "collector", 5, now)
	require.NoError(t, err)
	assert.True(t, first.Unlocked)
	require.NotNil(t, first.Notification)
	assert.Equal(t, int64(25), first.Reward.Currency)
	p = apply(t, p, []achievement.Result{first})

	second, err := e.ApplyProgress(p, "collector", 5, now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, second.Unlocked)
	assert.Nil(t, second.Notification)
	assert.Nil(t, second.Change)
	assert.Zero(t, second.Reward)
	assert.True(t, p.Achievement("collector").UnlockedAt.Equal(now), "UnlockedAt is never rewritten")
}

func TestApplyProgress_RegressionRejected(t *testing.T) {
	e := newTestEngine(t)
	p := ledger.NewUserProgress("u1")
	p.Achievements["collector"] = ledger.AchievementProgress{Current: 3, Required: 5}

	_, err := e.ApplyProgress(p, "collector", 2, now)
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrInvalidProgress)
}

func TestApplyProgress_PartialProgressRecorded(t *testing.T) {
	e := newTestEngine(t)
	res, err := e.ApplyProgress(ledger.NewUserProgress("u1"), "collector", 2, now)
	require.NoError(t, err)
	assert.False(t, res.Unlocked)
	require.NotNil(t, res.Change)
	assert.Equal(t, int64(2), res.Change.Current)
	assert.Equal(t, int64(5), res.Change.Required)
	assert.Nil(t, res.Change.UnlockedAt)
}

func TestApplyProgress_UnknownAchievement(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.ApplyProgress(ledger.NewUserProgress("u1"), "ghost", 1, now)
	assert.ErrorIs(t, err, ledger.ErrUnknownAchievement)
	assert.True(t, ledger.IsNotFound(err))
}

func TestApplyProgress_PrerequisiteBlocksUnlock(t *testing.T) {
	// GIVEN: "dedicated" needs "first-steps", which is still locked
	// THEN: Progress is recorded but nothing unlocks
	e := newTestEngine(t)
	res, err := e.ApplyProgress(ledger.NewUserProgress("u1"), "dedicated", 3, now)
	require.NoError(t, err)
	assert.False(t, res.Unlocked)
	require.NotNil(t, res.Change)
	assert.Nil(t, res.Change.UnlockedAt)
}

func TestApplyProgress_EnhancedOnlyForEpicAndLegendary(t *testing.T) {
	e := newTestEngine(t)
	p := ledger.NewUserProgress("u1")

	res, err := e.ApplyProgress(p, "collector", 5, now)
	require.NoError(t, err)
	assert.False(t, res.Notification.Enhanced, "rare")

	p.Achievements["first-steps"] = ledger.AchievementProgress{Current: 1, Required: 1, UnlockedAt: &now}
	res, err = e.ApplyProgress(p, "dedicated", 3, now)
	require.NoError(t, err)
	assert.True(t, res.Notification.Enhanced, "epic")
	assert.Equal(t, "epic", res.Notification.Rarity)
}

// =============================================================================
// EVALUATE
// =============================================================================

func TestEvaluate_PrerequisiteUnlockedInSameEventCounts(t *testing.T) {
	// GIVEN: 3 completed exercises, nothing unlocked
	// WHEN: Evaluate runs once
	// THEN: Both first-steps and dedicated unlock, in prerequisite order
	e := newTestEngine(t)
	p := ledger.NewUserProgress("u1")
	passed(&p, "ex-1", "ex-2", "ex-3")

	results, err := e.Evaluate(p, "", now)
	require.NoError(t, err)

	notes := achievement.Notifications(results)
	require.Len(t, notes, 2)
	assert.Equal(t, ledger.AchievementID("first-steps"), notes[0].AchievementID)
	assert.Equal(t, ledger.AchievementID("dedicated"), notes[1].AchievementID)
	assert.Empty(t, p.Achievements, "input snapshot untouched")
}

func TestEvaluate_IsIdempotentAfterCommit(t *testing.T) {
	e := newTestEngine(t)
	p := ledger.NewUserProgress("u1")
	passed(&p, "ex-1")

	results, err := e.Evaluate(p, "", now)
	require.NoError(t, err)
	require.Len(t, achievement.Notifications(results), 1)
	p = apply(t, p, results)

	again, err := e.Evaluate(p, "", now)
	require.NoError(t, err)
	assert.Empty(t, achievement.Notifications(again))
}

func TestEvaluate_ScopeLimitsExerciseMetrics(t *testing.T) {
	e := newTestEngine(t)
	p := ledger.NewUserProgress("u1")
	p.Attempts["ex-1"] = ledger.AttemptSummary{Count: 1, BestScore: 100, Passed: true}

	results, err := e.Evaluate(p, "ex-1", now)
	require.NoError(t, err)
	for _, n := range achievement.Notifications(results) {
		assert.NotEqual(t, ledger.AchievementID("flawless"), n.AchievementID)
	}

	p.Attempts["ex-boss"] = ledger.AttemptSummary{Count: 1, BestScore: 100, Passed: true}
	results, err = e.Evaluate(p, "ex-boss", now)
	require.NoError(t, err)
	var ids []ledger.AchievementID
	for _, n := range achievement.Notifications(results) {
		ids = append(ids, n.AchievementID)
	}
	assert.Contains(t, ids, ledger.AchievementID("flawless"))
}

func TestEvaluate_SkipsManualAchievements(t *testing.T) {
	e := newTestEngine(t)
	results, err := e.Evaluate(ledger.NewUserProgress("u1"), "", now)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, ledger.AchievementID("collector"), r.Change.ID)
	}
}
