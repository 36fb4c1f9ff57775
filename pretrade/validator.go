// Package pretrade implements the order-admission checks a trade must pass
// before it reaches the book: leverage, per-trade notional, total exposure,
// and margin sufficiency. Grounded on the multi-check gate in
// backend/risk/pretrade.go's ValidateOrder, trimmed to the four checks
// spec.md §6 names for PreTradeValidator — position sizing, circuit
// breakers, trading-session gating, and credit limits belong to the trading
// venue the engine sits behind, not to the liquidation engine itself.
package pretrade

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/quantedge/liqengine/domain"
)

// Reason identifies which check rejected an order, for callers that want to
// branch on rejection cause rather than parse the message.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonMaxLeverage      Reason = "MAX_LEVERAGE_EXCEEDED"
	ReasonMaxNotional      Reason = "MAX_NOTIONAL_PER_TRADE_EXCEEDED"
	ReasonMaxExposure      Reason = "MAX_TOTAL_EXPOSURE_EXCEEDED"
	ReasonInsufficientFree Reason = "INSUFFICIENT_FREE_MARGIN"
)

// Result mirrors the Allowed/Reason/Checks shape of the teacher's
// PreTradeCheckResult, trimmed to the checks this validator performs.
type Result struct {
	Allowed        bool
	Reason         Reason
	Message        string
	RequiredMargin decimal.Decimal
}

// Order is the proposed trade the validator evaluates against a sub-account
// snapshot, before any position or balance mutation happens.
type Order struct {
	Symbol   string
	Side     domain.Side
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Leverage decimal.Decimal
}

// Validate runs the four admission checks against a point-in-time snapshot
// of the sub-account. It never mutates entry or touches the book: the
// caller is responsible for re-validating against fresh state if the order
// is queued rather than submitted immediately.
func Validate(entry *domain.Entry, order Order) Result {
	notional := order.Quantity.Mul(order.Price)

	if order.Leverage.GreaterThan(entry.Rules.MaxLeverage) {
		return Result{
			Allowed: false,
			Reason:  ReasonMaxLeverage,
			Message: fmt.Sprintf("requested leverage %s exceeds account max %s", order.Leverage, entry.Rules.MaxLeverage),
		}
	}

	if notional.GreaterThan(entry.Rules.MaxNotionalPerTrade) {
		return Result{
			Allowed: false,
			Reason:  ReasonMaxNotional,
			Message: fmt.Sprintf("order notional %s exceeds per-trade max %s", notional, entry.Rules.MaxNotionalPerTrade),
		}
	}

	existingNotional := decimal.Zero
	for _, pos := range entry.Positions {
		existingNotional = existingNotional.Add(pos.Notional)
	}
	projectedExposure := existingNotional.Add(notional)
	if projectedExposure.GreaterThan(entry.Rules.MaxTotalExposure) {
		return Result{
			Allowed: false,
			Reason:  ReasonMaxExposure,
			Message: fmt.Sprintf("projected total exposure %s exceeds max %s", projectedExposure, entry.Rules.MaxTotalExposure),
		}
	}

	requiredMargin := decimal.Zero
	if order.Leverage.IsPositive() {
		requiredMargin = notional.Div(order.Leverage)
	}
	freeMargin := freeMargin(entry)
	if requiredMargin.GreaterThan(freeMargin) {
		return Result{
			Allowed:        false,
			Reason:         ReasonInsufficientFree,
			Message:        fmt.Sprintf("required margin %s exceeds free margin %s", requiredMargin, freeMargin),
			RequiredMargin: requiredMargin,
		}
	}

	return Result{Allowed: true, RequiredMargin: requiredMargin}
}

// freeMargin approximates balance minus margin already committed to open
// positions. The engine's own margin ratio (notional * maintenanceRate /
// equity) is a liquidation-time measure; pre-trade admission instead checks
// against the margin a position actually reserves.
func freeMargin(entry *domain.Entry) decimal.Decimal {
	free := entry.Account.CurrentBalance
	for _, pos := range entry.Positions {
		free = free.Sub(pos.Margin)
	}
	return free
}
