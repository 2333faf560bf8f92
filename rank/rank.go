/*
Package rank resolves ranks from XP, applies XP grants and handles prestige.

PURPOSE:
  The rank table is an ordered list of thresholds. A learner's rank is the
  highest threshold at or below their XP. Granting XP may cross several
  thresholds at once; each crossing is reported as its own RankUp event,
  lowest first, so downstream consumers never see a skipped rank.

MULTIPLIERS:
  effective = floor(raw * rankBonus * product(active sources))

  The product is computed in decimal and floored exactly once. The rank
  bonus comes from the rank held before the grant; a grant that causes a
  rank-up does not benefit from the new rank's bonus.

PRESTIGE:
  Available once XP reaches the top threshold. Accepting it resets XP to 0
  and rank to the first entry, increments PrestigeLevel and adds a
  permanent prestige MultiplierSource. It cannot be undone.

SEE ALSO:
  - ledger/types.go: MultiplierSource, RankEvent
  - coordinator/coordinator.go: Chains attempt and achievement XP through Advance
*/
package rank

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/progression-engine/ledger"
)

// =============================================================================
// TABLE
// =============================================================================

type Definition struct {
	ID              ledger.RankID   `json:"id"`
	Name            string          `json:"name"`
	Threshold       int64           `json:"threshold"`
	MultiplierBonus decimal.Decimal `json:"multiplier_bonus"`
}

// Table is an immutable, validated rank ladder.
type Table struct {
	defs  []Definition
	index map[ledger.RankID]int
}

// NewTable validates defs: non-empty, first threshold 0, strictly increasing
// thresholds, unique IDs and positive bonuses.
func NewTable(defs []Definition) (*Table, error) {
	if len(defs) == 0 {
		return nil, ledger.Invalid("ranks", "rank table is empty")
	}
	if defs[0].Threshold != 0 {
		return nil, ledger.Invalid("ranks", "first threshold must be 0, got %d", defs[0].Threshold)
	}
	t := &Table{
		defs:  make([]Definition, len(defs)),
		index: make(map[ledger.RankID]int, len(defs)),
	}
	for i, d := range defs {
		if d.ID == "" {
			return nil, ledger.Invalid("ranks", "rank %d has no id", i)
		}
		if _, dup := t.index[d.ID]; dup {
			return nil, ledger.Invalid("ranks", "duplicate rank id %q", d.ID)
		}
		if i > 0 && d.Threshold <= defs[i-1].Threshold {
			return nil, ledger.Invalid("ranks", "threshold of %q (%d) must exceed %q (%d)",
				d.ID, d.Threshold, defs[i-1].ID, defs[i-1].Threshold)
		}
		if d.MultiplierBonus.IsZero() {
			d.MultiplierBonus = decimal.NewFromInt(1)
		}
		if !d.MultiplierBonus.IsPositive() {
			return nil, ledger.Invalid("ranks", "multiplier bonus of %q must be positive", d.ID)
		}
		t.defs[i] = d
		t.index[d.ID] = i
	}
	return t, nil
}

// Resolve returns the highest rank whose threshold is <= xp.
func (t *Table) Resolve(xp int64) Definition {
	best := t.defs[0]
	for _, d := range t.defs[1:] {
		if d.Threshold > xp {
			break
		}
		best = d
	}
	return best
}

func (t *Table) Lookup(id ledger.RankID) (Definition, bool) {
	i, ok := t.index[id]
	if !ok {
		return Definition{}, false
	}
	return t.defs[i], true
}

func (t *Table) First() Definition { return t.defs[0] }
func (t *Table) Top() Definition   { return t.defs[len(t.defs)-1] }

// Definitions returns a copy of the ladder, lowest first.
func (t *Table) Definitions() []Definition {
	return append([]Definition(nil), t.defs...)
}

// current returns the stored rank, or the rank resolved from xp when the
// snapshot has none yet.
func (t *Table) current(xp int64, stored ledger.RankID) Definition {
	if d, ok := t.Lookup(stored); ok {
		return d
	}
	return t.Resolve(xp)
}

// =============================================================================
// ENGINE
// =============================================================================

// DefaultPrestigeFactor is the permanent bonus added per prestige level.
var DefaultPrestigeFactor = decimal.RequireFromString("1.1")

type Engine struct {
	table          *Table
	prestigeFactor decimal.Decimal
}

func NewEngine(table *Table, prestigeFactor decimal.Decimal) *Engine {
	if !prestigeFactor.IsPositive() {
		prestigeFactor = DefaultPrestigeFactor
	}
	return &Engine{table: table, prestigeFactor: prestigeFactor}
}

func (e *Engine) Table() *Table { return e.table }

func (e *Engine) PrestigeFactor() decimal.Decimal { return e.prestigeFactor }

// Multiplier composes the current rank bonus with every active source.
func (e *Engine) Multiplier(p ledger.UserProgress, at time.Time) decimal.Decimal {
	m := e.table.current(p.XP, p.Rank).MultiplierBonus
	for _, src := range p.ActiveMultipliers(at) {
		m = m.Mul(src.Factor)
	}
	return m
}

// Effective returns floor(raw * multiplier).
func Effective(raw int64, multiplier decimal.Decimal) int64 {
	return decimal.NewFromInt(raw).Mul(multiplier).Floor().IntPart()
}

// Advance is the XP/rank state after one or more grants.
type Advance struct {
	XP     int64
	Rank   ledger.RankID
	Events []ledger.RankEvent
}

// Start returns the Advance for p before any grant.
func (e *Engine) Start(p ledger.UserProgress) Advance {
	return Advance{XP: p.XP, Rank: e.table.current(p.XP, p.Rank).ID}
}

// Grant adds gain to a and records one event per crossed threshold.
// gain is final; no multiplier is applied here.
func (e *Engine) Grant(a Advance, gain int64, prestigeLevel int) (Advance, error) {
	if gain < 0 {
		return a, ledger.Invalid("xp", "grant must not be negative, got %d", gain)
	}
	next := Advance{
		XP:     a.XP + gain,
		Rank:   a.Rank,
		Events: append([]ledger.RankEvent(nil), a.Events...),
	}
	for _, d := range e.table.defs {
		if d.Threshold > a.XP && d.Threshold <= next.XP {
			next.Events = append(next.Events, ledger.RankEvent{
				Kind:          ledger.RankEventRankUp,
				From:          next.Rank,
				To:            d.ID,
				Threshold:     d.Threshold,
				PrestigeLevel: prestigeLevel,
			})
			next.Rank = d.ID
		}
	}
	return next, nil
}

// XPGrant is the outcome of ApplyXP.
type XPGrant struct {
	Raw        int64
	Effective  int64
	Multiplier decimal.Decimal
	Advance    Advance
}

// ApplyXP multiplies raw by the snapshot's multiplier and grants the result.
func (e *Engine) ApplyXP(p ledger.UserProgress, raw int64, at time.Time) (XPGrant, error) {
	if raw < 0 {
		return XPGrant{}, ledger.Invalid("xp", "raw gain must not be negative, got %d", raw)
	}
	m := e.Multiplier(p, at)
	eff := Effective(raw, m)
	adv, err := e.Grant(e.Start(p), eff, p.PrestigeLevel)
	if err != nil {
		return XPGrant{}, err
	}
	return XPGrant{Raw: raw, Effective: eff, Multiplier: m, Advance: adv}, nil
}

// Changes returns the diff entries that move p to a. Nil when unchanged.
func (a Advance) Changes(p ledger.UserProgress) (*ledger.XPChange, *ledger.RankChange) {
	var xp *ledger.XPChange
	var rk *ledger.RankChange
	if a.XP != p.XP {
		xp = &ledger.XPChange{From: p.XP, To: a.XP}
	}
	if a.Rank != p.Rank {
		rk = &ledger.RankChange{From: p.Rank, To: a.Rank}
	}
	return xp, rk
}

// RankedUp reports whether any threshold was crossed.
func (a Advance) RankedUp() bool { return len(a.Events) > 0 }

// =============================================================================
// PRESTIGE
// =============================================================================

// CanPrestige reports whether p has reached the final threshold. Reaching
// it counts: that XP already resolves to the top rank, and no rank lies
// beyond it for a larger total to exceed.
func (e *Engine) CanPrestige(p ledger.UserProgress) bool {
	return p.XP >= e.table.Top().Threshold
}

// Prestige builds the diff for accepting prestige. sourceID identifies the
// new prestige multiplier.
func (e *Engine) Prestige(p ledger.UserProgress, sourceID string, at time.Time) (ledger.Diff, ledger.RankEvent, error) {
	if !e.CanPrestige(p) {
		return ledger.Diff{}, ledger.RankEvent{}, fmt.Errorf("%w: %d xp, top rank %q needs %d",
			ledger.ErrPrestigeUnavailable, p.XP, e.table.Top().ID, e.table.Top().Threshold)
	}
	from := e.table.current(p.XP, p.Rank)
	first := e.table.First()
	level := p.PrestigeLevel + 1

	event := ledger.RankEvent{
		Kind:          ledger.RankEventPrestiged,
		From:          from.ID,
		To:            first.ID,
		PrestigeLevel: level,
	}
	diff := ledger.Diff{
		XP:       &ledger.XPChange{From: p.XP, To: 0},
		Prestige: &ledger.PrestigeChange{From: p.PrestigeLevel, To: level},
		Multipliers: []ledger.MultiplierSource{{
			ID:        sourceID,
			Kind:      ledger.MultiplierPrestige,
			Factor:    e.prestigeFactor,
			Label:     fmt.Sprintf("prestige %d", level),
			GrantedAt: at,
		}},
	}
	if p.Rank != first.ID {
		diff.Rank = &ledger.RankChange{From: p.Rank, To: first.ID}
	}
	return diff, event, nil
}
