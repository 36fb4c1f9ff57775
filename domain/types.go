// Package domain holds the data model shared by every engine component:
// positions, accounts, risk rules, and the book entry that ties them
// together for one sub-account.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a position.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// AccountStatus is the lifecycle state of a sub-account.
type AccountStatus string

const (
	StatusActive     AccountStatus = "ACTIVE"
	StatusFrozen     AccountStatus = "FROZEN"
	StatusLiquidated AccountStatus = "LIQUIDATED"
)

// LiquidationMode controls what happens once an account crosses the
// critical-band threshold (T + criticalBand).
type LiquidationMode string

const (
	ModeADL30        LiquidationMode = "ADL_30"
	ModeInstantClose LiquidationMode = "INSTANT_CLOSE"
)

// Position is one open exposure within a sub-account.
type Position struct {
	ID               string
	SubAccountID     string
	Symbol           string
	Side             Side
	EntryPrice       decimal.Decimal
	Quantity         decimal.Decimal
	Notional         decimal.Decimal
	Leverage         decimal.Decimal
	Margin           decimal.Decimal
	LiquidationPrice decimal.Decimal
	OpenedAt         time.Time
}

// Account is the realized-cash and configuration side of a sub-account.
type Account struct {
	ID              string
	CurrentBalance  decimal.Decimal
	MaintenanceRate decimal.Decimal
	LiquidationMode LiquidationMode
	Status          AccountStatus
}

// Rules are the per-account risk parameters. Pre-trade limits are exposed
// to the validator but never enforced by the engine's tick-time evaluation.
type Rules struct {
	LiquidationThreshold decimal.Decimal
	MaxLeverage          decimal.Decimal
	MaxNotionalPerTrade  decimal.Decimal
	MaxTotalExposure     decimal.Decimal
}

// DefaultRules are used whenever a RulesProvider fails and the BookEntry has
// never cached a successful response.
func DefaultRules() Rules {
	return Rules{
		LiquidationThreshold: decimal.NewFromFloat(0.90),
		MaxLeverage:          decimal.NewFromInt(20),
		MaxNotionalPerTrade:  decimal.NewFromInt(100000),
		MaxTotalExposure:     decimal.NewFromInt(500000),
	}
}

// Entry is the book's unit of storage: one sub-account, its open positions,
// and its last-known risk rules. The engine owns reads and writes of
// Account.Status; positions are added/removed by the trade-action gateway.
type Entry struct {
	Account   Account
	Positions map[string]*Position
	Rules     Rules
}

// Clone returns a deep-enough copy of the entry for read-only consumers
// (the pre-trade validator operates on a snapshot rather than the live
// entry so it never races with the engine's own mutation of Account.Status).
func (e *Entry) Clone() *Entry {
	positions := make(map[string]*Position, len(e.Positions))
	for id, pos := range e.Positions {
		p := *pos
		positions[id] = &p
	}
	return &Entry{
		Account:   e.Account,
		Positions: positions,
		Rules:     e.Rules,
	}
}
