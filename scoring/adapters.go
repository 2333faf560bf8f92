/*
adapters.go - Projections from exercise mechanics into Attempt

PURPOSE:
  Each mechanic owns its own submission shape. The functions here reduce a
  submission against its answer key to {correct, total} and combine it with
  the shared Meta (hints, time, difficulty). Nothing here knows about
  points, bonuses or rewards; that stays in Policy.Compute.

MECHANICS:
  - MultipleChoice: one selected option per question
  - Matching:       left -> right pairs
  - WordSearch:     set of words found in the grid
  - Timeline:       ordering of dated events
  - FillInBlank:    free text per blank, several accepted spellings

TEXT COMPARISON:
  Free-text answers are compared after normalization: NFKC, lowercase,
  diacritics removed, inner whitespace collapsed. "Árbol " matches "arbol".

TIMELINE ORDER:
  The canonical order sorts events by Year, then by ID. Events sharing a
  year therefore have exactly one correct order, and scoring the same
  submission twice always gives the same result.
*/
package scoring

import (
	"sort"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/warp/progression-engine/ledger"
)

// Meta carries the mechanic-independent part of an attempt.
type Meta struct {
	HintsUsed  int           `json:"hints_used"`
	TimeSpent  time.Duration `json:"time_spent"`
	Difficulty Difficulty    `json:"difficulty"`
}

func (m Meta) attempt(correct, total int) Attempt {
	return Attempt{
		CorrectCount: correct,
		TotalCount:   total,
		HintsUsed:    m.HintsUsed,
		TimeSpent:    m.TimeSpent,
		Difficulty:   m.Difficulty,
	}
}

// =============================================================================
// MULTIPLE CHOICE
// =============================================================================

// MultipleChoice scores selected option indexes against the answer key.
// Unanswered questions may be shorter than key; they count as wrong.
func MultipleChoice(key, selected []int, meta Meta) (Attempt, error) {
	if len(key) == 0 {
		return Attempt{}, ledger.Invalid("key", "multiple choice needs at least one question")
	}
	if len(selected) > len(key) {
		return Attempt{}, ledger.Invalid("selected", "%d answers for %d questions", len(selected), len(key))
	}
	correct := 0
	for i, choice := range selected {
		if choice == key[i] {
			correct++
		}
	}
	return meta.attempt(correct, len(key)), nil
}

// =============================================================================
// MATCHING
// =============================================================================

// Matching scores submitted left->right pairs. Every left item in key is one
// point; pairs for unknown left items are ignored.
func Matching(key, submitted map[string]string, meta Meta) (Attempt, error) {
	if len(key) == 0 {
		return Attempt{}, ledger.Invalid("key", "matching needs at least one pair")
	}
	correct := 0
	for left, right := range key {
		if got, ok := submitted[left]; ok && got == right {
			correct++
		}
	}
	return meta.attempt(correct, len(key)), nil
}

// =============================================================================
// WORD SEARCH
// =============================================================================

// WordSearch counts distinct target words that were found.
func WordSearch(targets, found []string, meta Meta) (Attempt, error) {
	want := make(map[string]bool, len(targets))
	for _, w := range targets {
		want[NormalizeText(w)] = true
	}
	if len(want) == 0 {
		return Attempt{}, ledger.Invalid("targets", "word search needs at least one word")
	}
	hit := make(map[string]bool, len(found))
	for _, w := range found {
		n := NormalizeText(w)
		if want[n] {
			hit[n] = true
		}
	}
	return meta.attempt(len(hit), len(want)), nil
}

// =============================================================================
// TIMELINE ORDERING
// =============================================================================

type TimelineEvent struct {
	ID   string `json:"id"`
	Year int    `json:"year"`
}

// CanonicalOrder returns event IDs sorted by Year, ties broken by ID.
func CanonicalOrder(events []TimelineEvent) []string {
	sorted := append([]TimelineEvent(nil), events...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Year != sorted[j].Year {
			return sorted[i].Year < sorted[j].Year
		}
		return sorted[i].ID < sorted[j].ID
	})
	ids := make([]string, len(sorted))
	for i, e := range sorted {
		ids[i] = e.ID
	}
	return ids
}

// Timeline scores one point per position that matches the canonical order.
// Events sharing a year are interchangeable: placing either at a position
// their year occupies counts as correct.
func Timeline(events []TimelineEvent, submitted []string, meta Meta) (Attempt, error) {
	if len(events) == 0 {
		return Attempt{}, ledger.Invalid("events", "timeline needs at least one event")
	}
	if len(submitted) != len(events) {
		return Attempt{}, ledger.Invalid("order", "%d ids for %d events", len(submitted), len(events))
	}
	year := make(map[string]int, len(events))
	for _, e := range events {
		if _, dup := year[e.ID]; dup {
			return Attempt{}, ledger.Invalid("events", "duplicate event id %q", e.ID)
		}
		year[e.ID] = e.Year
	}

	canonical := CanonicalOrder(events)
	seen := make(map[string]bool, len(submitted))
	correct := 0
	for i, id := range submitted {
		y, known := year[id]
		if !known {
			return Attempt{}, ledger.Invalid("order", "unknown event id %q", id)
		}
		if seen[id] {
			return Attempt{}, ledger.Invalid("order", "event %q placed twice", id)
		}
		seen[id] = true
		if year[canonical[i]] == y {
			correct++
		}
	}
	return meta.attempt(correct, len(events)), nil
}

// =============================================================================
// FILL IN THE BLANK
// =============================================================================

// FillInBlank compares each answer to the accepted spellings for its blank.
func FillInBlank(accepted [][]string, answers []string, meta Meta) (Attempt, error) {
	if len(accepted) == 0 {
		return Attempt{}, ledger.Invalid("accepted", "fill in the blank needs at least one blank")
	}
	if len(answers) > len(accepted) {
		return Attempt{}, ledger.Invalid("answers", "%d answers for %d blanks", len(answers), len(accepted))
	}
	correct := 0
	for i, answer := range answers {
		got := NormalizeText(answer)
		if got == "" {
			continue
		}
		for _, ok := range accepted[i] {
			if got == NormalizeText(ok) {
				correct++
				break
			}
		}
	}
	return meta.attempt(correct, len(accepted)), nil
}

// NormalizeText folds case, width and accents and collapses whitespace.
func NormalizeText(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFKC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.Join(strings.Fields(strings.ToLower(folded)), " ")
}
