// Package tradeactions is the gateway the liquidation engine calls to
// actually move size: partial closes, full closes, and hard liquidations.
// Every call is async and can fail; the engine treats failure as
// GatewayError and keeps going (spec.md §7). Grounded on the
// engine.ClosePosition(pos.ID, closePrice, reason) call shape in
// backend/risk/liquidation.go, generalized into an interface so the engine
// doesn't depend on a concrete execution engine.
package tradeactions

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var ErrPositionNotFound = errors.New("tradeactions: position not found")

// CloseReason records why the gateway closed or reduced a position, for
// downstream audit and P&L attribution.
type CloseReason string

const (
	ReasonADLTier2      CloseReason = "ADL_TIER2"
	ReasonADLTier3      CloseReason = "ADL_TIER3"
	ReasonHardLiquidate CloseReason = "HARD_LIQUIDATION"
)

// Gateway is the TradeActions collaborator from spec.md §6: three async
// operations, all of which may fail independently.
type Gateway interface {
	// ClosePosition closes a position entirely at the best available price
	// and returns its realized P&L.
	ClosePosition(ctx context.Context, subAccountID, positionID string, reason CloseReason) (decimal.Decimal, error)

	// PartialClose reduces a position by fraction (0,1) at the best
	// available price and returns the realized P&L of the closed slice.
	PartialClose(ctx context.Context, subAccountID, positionID string, fraction decimal.Decimal, reason CloseReason) (decimal.Decimal, error)

	// LiquidatePosition forcibly closes a position as part of a hard
	// liquidation cascade. Distinct from ClosePosition so a gateway can
	// route liquidation fills through a different venue/priority queue.
	LiquidatePosition(ctx context.Context, subAccountID, positionID string) (decimal.Decimal, error)
}
