// Package events defines the engine's fire-and-forget telemetry schema and
// its emitter implementations: an in-process buffered-channel emitter, a
// Redis pub/sub emitter for out-of-process subscribers, and no-op and
// recording emitters.
package events

import "github.com/shopspring/decimal"

// Type identifies the shape of an event's payload. Consumers switch on this
// field rather than on Go's dynamic type, so the schema stays stable across
// the wire (JSON) boundary described in spec.md §6.
type Type string

const (
	TypePnLUpdate       Type = "pnl_update"
	TypeMarginUpdate    Type = "margin_update"
	TypeMarginWarning   Type = "margin_warning"
	TypeADLTriggered    Type = "adl_triggered"
	TypeFullLiquidation Type = "full_liquidation"
	TypeRulesFallback   Type = "rules_fallback"
	TypeLiquidationErr  Type = "liquidation_error"
)

// Event wraps a typed payload with its discriminator so a single channel or
// pub/sub topic can carry every event type.
type Event struct {
	Type    Type        `json:"type"`
	Payload interface{} `json:"payload"`
}

// PnLUpdate reports one position's unrealized P&L against the mark price
// used to compute it.
type PnLUpdate struct {
	SubAccountID  string          `json:"subAccountId"`
	PositionID    string          `json:"positionId"`
	Symbol        string          `json:"symbol"`
	UnrealizedPnl decimal.Decimal `json:"unrealizedPnl"`
	MarkPrice     decimal.Decimal `json:"markPrice"`
}

// MarginUpdate reports the account-level aggregate for one evaluation.
// Status is only set on the terminal zeroed update emitted at the end of a
// hard-liquidation cascade.
type MarginUpdate struct {
	SubAccountID  string          `json:"subAccountId"`
	Equity        decimal.Decimal `json:"equity"`
	MarginRatio   decimal.Decimal `json:"marginRatio"`
	TotalNotional decimal.Decimal `json:"totalNotional"`
	Status        string          `json:"status,omitempty"`
}

// MarginWarning is the tier-1 telemetry event; it carries no trade action.
type MarginWarning struct {
	SubAccountID string          `json:"subAccountId"`
	MarginRatio  decimal.Decimal `json:"marginRatio"`
	Threshold    decimal.Decimal `json:"threshold"`
}

// ADLTriggered reports a tier-2 or tier-3 partial close of the largest
// position.
type ADLTriggered struct {
	SubAccountID string          `json:"subAccountId"`
	Tier         int             `json:"tier"`
	Symbol       string          `json:"symbol"`
	PositionID   string          `json:"positionId"`
	Fraction     decimal.Decimal `json:"fraction"`
	MarginRatio  decimal.Decimal `json:"marginRatio"`
}

// FullLiquidation reports the start of a hard-liquidation cascade.
type FullLiquidation struct {
	SubAccountID string          `json:"subAccountId"`
	MarginRatio  decimal.Decimal `json:"marginRatio"`
	Mode         string          `json:"mode"`
}

// RulesFallback reports that the engine used cached or built-in default
// rules because the RulesProvider could not be consulted.
type RulesFallback struct {
	SubAccountID string `json:"subAccountId"`
	UsedCached   bool   `json:"usedCached"`
}

// LiquidationError reports a per-position trade-action failure encountered
// mid-cascade. The cascade continues regardless.
type LiquidationError struct {
	SubAccountID string `json:"subAccountId"`
	PositionID   string `json:"positionId"`
	Error        string `json:"error"`
}

// Full liquidation modes (spec.md §6).
const (
	ModeHard           = "HARD"
	ModeInstantClose   = "INSTANT_CLOSE"
	ModeADL30Escalated = "ADL_30_ESCALATED"
)
