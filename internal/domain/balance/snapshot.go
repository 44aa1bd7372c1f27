package balance

import (
	"time"

	"github.com/shopspring/decimal"
)

// Snapshot is an immutable capture of ledger balances used for
// simulate-then-commit flows: previews are computed against a snapshot and
// the commit path diffs the snapshot against the mutated rows, so the
// preview/commit boundary is type-checked instead of relying on deep copies.
type Snapshot struct {
	takenAt  time.Time
	balances map[string]decimal.Decimal
}

// Delta is one row's balance movement between two snapshots.
type Delta struct {
	CustomerEntitlementID string
	Before                decimal.Decimal
	After                 decimal.Decimal
}

// Change returns the signed movement (After - Before).
func (d Delta) Change() decimal.Decimal {
	return d.After.Sub(d.Before)
}

// Take captures the current balances of the given rows.
func Take(now time.Time, rows []*CustomerEntitlement) Snapshot {
	balances := make(map[string]decimal.Decimal, len(rows))
	for _, row := range rows {
		balances[row.ID] = row.CurrentBalance(now)
	}
	return Snapshot{takenAt: now, balances: balances}
}

// TakenAt returns the capture time.
func (s Snapshot) TakenAt() time.Time {
	return s.takenAt
}

// BalanceOf returns the captured balance of a row.
func (s Snapshot) BalanceOf(id string) (decimal.Decimal, bool) {
	b, ok := s.balances[id]
	return b, ok
}

// Diff computes the per-row movements from the snapshot to the given rows.
// Rows absent from the snapshot are reported with a zero Before.
func (s Snapshot) Diff(now time.Time, rows []*CustomerEntitlement) []Delta {
	deltas := make([]Delta, 0, len(rows))
	for _, row := range rows {
		after := row.CurrentBalance(now)
		before := s.balances[row.ID]
		if before.Equal(after) {
			continue
		}
		deltas = append(deltas, Delta{
			CustomerEntitlementID: row.ID,
			Before:                before,
			After:                 after,
		})
	}
	return deltas
}
