package scoring_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/progression-engine/ledger"
	"github.com/warp/progression-engine/scoring"
)

var meta = scoring.Meta{HintsUsed: 1, TimeSpent: 45 * time.Second, Difficulty: scoring.Medium}

func TestMultipleChoice_CountsMatchingSelections(t *testing.T) {
	a, err := scoring.MultipleChoice([]int{0, 2, 1, 3}, []int{0, 2, 3}, meta)
	require.NoError(t, err)
	assert.Equal(t, 2, a.CorrectCount)
	assert.Equal(t, 4, a.TotalCount, "unanswered questions still count toward total")
	assert.Equal(t, meta.HintsUsed, a.HintsUsed)
	assert.Equal(t, meta.Difficulty, a.Difficulty)

	_, err = scoring.MultipleChoice([]int{1}, []int{1, 2}, meta)
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestMatching_IgnoresUnknownPairs(t *testing.T) {
	key := map[string]string{"perro": "dog", "gato": "cat", "pez": "fish"}
	a, err := scoring.Matching(key, map[string]string{"perro": "dog", "gato": "fish", "vaca": "cow"}, meta)
	require.NoError(t, err)
	assert.Equal(t, 1, a.CorrectCount)
	assert.Equal(t, 3, a.TotalCount)
}

func TestWordSearch_CountsDistinctNormalizedWords(t *testing.T) {
	a, err := scoring.WordSearch(
		[]string{"Árbol", "casa", "sol"},
		[]string{"arbol", "ARBOL", "luna", " casa "},
		meta,
	)
	require.NoError(t, err)
	assert.Equal(t, 2, a.CorrectCount)
	assert.Equal(t, 3, a.TotalCount)
}

func TestFillInBlank_AcceptsAnySpelling(t *testing.T) {
	accepted := [][]string{{"está", "esta"}, {"niño"}, {"corazón"}}
	a, err := scoring.FillInBlank(accepted, []string{"ESTA", "nino", ""}, meta)
	require.NoError(t, err)
	assert.Equal(t, 2, a.CorrectCount)
	assert.Equal(t, 3, a.TotalCount)
}

func TestNormalizeText(t *testing.T) {
	assert.Equal(t, "arbol grande", scoring.NormalizeText("  Árbol   GRANDE "))
	assert.Equal(t, "cafe", scoring.NormalizeText("café"))
	assert.Equal(t, "", scoring.NormalizeText("   "))
}

// =============================================================================
// TIMELINE - Deterministic order for events sharing a year
// =============================================================================

func timelineEvents() []scoring.TimelineEvent {
	return []scoring.TimelineEvent{
		{ID: "moon-landing", Year: 1969},
		{ID: "columbus", Year: 1492},
		{ID: "woodstock", Year: 1969},
		{ID: "printing-press", Year: 1440},
	}
}

func TestCanonicalOrder_BreaksTiesByID(t *testing.T) {
	// GIVEN: Two events in 1969
	// THEN: They are ordered by ID, and repeated calls agree
	want := []string{"printing-press", "columbus", "moon-landing", "woodstock"}
	for range 20 {
		assert.Equal(t, want, scoring.CanonicalOrder(timelineEvents()))
	}
}

func TestTimeline_SameYearEventsAreInterchangeable(t *testing.T) {
	// GIVEN: A submission that swaps the two 1969 events
	// THEN: Every position is still correct
	a, err := scoring.Timeline(timelineEvents(),
		[]string{"printing-press", "columbus", "woodstock", "moon-landing"}, meta)
	require.NoError(t, err)
	assert.Equal(t, 4, a.CorrectCount)

	// GIVEN: A submission with the first two swapped
	a, err = scoring.Timeline(timelineEvents(),
		[]string{"columbus", "printing-press", "moon-landing", "woodstock"}, meta)
	require.NoError(t, err)
	assert.Equal(t, 2, a.CorrectCount)
}

func TestTimeline_RejectsMalformedOrder(t *testing.T) {
	events := timelineEvents()

	_, err := scoring.Timeline(events, []string{"columbus"}, meta)
	assert.ErrorIs(t, err, ledger.ErrValidation)

	_, err = scoring.Timeline(events, []string{"columbus", "columbus", "woodstock", "moon-landing"}, meta)
	assert.ErrorIs(t, err, ledger.ErrValidation)

	_, err = scoring.Timeline(events, []string{"columbus", "atlantis", "woodstock", "moon-landing"}, meta)
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestAdapters_FeedComputeUnchanged(t *testing.T) {
	a, err := scoring.Matching(map[string]string{"uno": "one", "dos": "two"},
		map[string]string{"uno": "one", "dos": "two"}, scoring.Meta{Difficulty: scoring.Easy, TimeSpent: time.Hour})
	require.NoError(t, err)

	s, err := scoring.Compute(a)
	require.NoError(t, err)
	assert.Equal(t, 100, s.TotalScore)
	assert.Equal(t, 5, s.AccuracyBonus)
}
