package domain

import "github.com/shopspring/decimal"

// MarginRatioInfinite is the sentinel emitted in place of an actual +Inf
// margin ratio when equity is non-positive (spec: represented as 999 in
// emitted payloads).
var MarginRatioInfinite = decimal.NewFromInt(999)

// PositionPnL computes a position's unrealized P&L against a mark price.
// LONG gains when mark > entry; SHORT gains when mark < entry.
func PositionPnL(pos *Position, mark decimal.Decimal) decimal.Decimal {
	diff := mark.Sub(pos.EntryPrice)
	if pos.Side == SideShort {
		diff = diff.Neg()
	}
	return diff.Mul(pos.Quantity)
}

// ResolveMarkPrice applies the stale-price fallback: when a symbol has no
// known price, the mark falls back to the position's entry price so its
// unrealized P&L is exactly zero rather than aborting the evaluation.
func ResolveMarkPrice(entryPrice decimal.Decimal, mark decimal.Decimal, hasMark bool) decimal.Decimal {
	if !hasMark {
		return entryPrice
	}
	return mark
}

// AccountAggregate is the derived, non-persisted view of a sub-account
// computed once per evaluation.
type AccountAggregate struct {
	Equity        decimal.Decimal
	TotalNotional decimal.Decimal
	MarginRatio   decimal.Decimal
}

// Aggregate sums per-position unrealized P&L and notional into account-level
// equity, total notional, and margin ratio, per spec.md §3.
func Aggregate(balance decimal.Decimal, maintenanceRate decimal.Decimal, positionPnL map[string]decimal.Decimal, positions map[string]*Position) AccountAggregate {
	equity := balance
	totalNotional := decimal.Zero

	for id, pos := range positions {
		equity = equity.Add(positionPnL[id])
		totalNotional = totalNotional.Add(pos.Notional)
	}

	var marginRatio decimal.Decimal
	if equity.IsPositive() {
		marginRatio = totalNotional.Mul(maintenanceRate).Div(equity)
	} else {
		marginRatio = MarginRatioInfinite
	}

	return AccountAggregate{
		Equity:        equity,
		TotalNotional: totalNotional,
		MarginRatio:   marginRatio,
	}
}

// LargestPosition returns the position with the greatest notional, ties
// broken by the lexicographically smallest position id, for deterministic
// ADL target selection.
func LargestPosition(positions map[string]*Position) *Position {
	var largest *Position
	for id, pos := range positions {
		if largest == nil {
			largest = pos
			continue
		}
		cmp := pos.Notional.Cmp(largest.Notional)
		if cmp > 0 || (cmp == 0 && id < largest.ID) {
			largest = pos
		}
	}
	return largest
}
