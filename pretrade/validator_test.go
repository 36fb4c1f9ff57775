package pretrade

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/quantedge/liqengine/domain"
)

func baseEntry() *domain.Entry {
	return &domain.Entry{
		Account: domain.Account{
			ID:             "acct-1",
			CurrentBalance: decimal.NewFromInt(10000),
			Status:         domain.StatusActive,
		},
		Positions: map[string]*domain.Position{},
		Rules: domain.Rules{
			LiquidationThreshold: decimal.NewFromFloat(0.90),
			MaxLeverage:          decimal.NewFromInt(20),
			MaxNotionalPerTrade:  decimal.NewFromInt(50000),
			MaxTotalExposure:     decimal.NewFromInt(100000),
		},
	}
}

func TestValidate_Allows(t *testing.T) {
	entry := baseEntry()
	order := Order{
		Symbol:   "BTC-PERP",
		Side:     domain.SideLong,
		Price:    decimal.NewFromInt(50000),
		Quantity: decimal.NewFromFloat(0.1),
		Leverage: decimal.NewFromInt(10),
	}

	result := Validate(entry, order)
	if !result.Allowed {
		t.Fatalf("expected order to be allowed, got reason %s: %s", result.Reason, result.Message)
	}
}

func TestValidate_RejectsExcessiveLeverage(t *testing.T) {
	entry := baseEntry()
	order := Order{
		Symbol:   "BTC-PERP",
		Price:    decimal.NewFromInt(50000),
		Quantity: decimal.NewFromFloat(0.1),
		Leverage: decimal.NewFromInt(50),
	}

	result := Validate(entry, order)
	if result.Allowed {
		t.Fatalf("expected order to be rejected for excessive leverage")
	}
	if result.Reason != ReasonMaxLeverage {
		t.Fatalf("expected reason %s, got %s", ReasonMaxLeverage, result.Reason)
	}
}

func TestValidate_RejectsExcessiveNotional(t *testing.T) {
	entry := baseEntry()
	order := Order{
		Symbol:   "BTC-PERP",
		Price:    decimal.NewFromInt(50000),
		Quantity: decimal.NewFromInt(2), // notional = 100000 > 50000 max
		Leverage: decimal.NewFromInt(10),
	}

	result := Validate(entry, order)
	if result.Allowed {
		t.Fatalf("expected order to be rejected for exceeding per-trade notional")
	}
	if result.Reason != ReasonMaxNotional {
		t.Fatalf("expected reason %s, got %s", ReasonMaxNotional, result.Reason)
	}
}

func TestValidate_RejectsExcessiveTotalExposure(t *testing.T) {
	entry := baseEntry()
	entry.Positions["pos-1"] = &domain.Position{
		ID: "pos-1", Symbol: "ETH-PERP", Notional: decimal.NewFromInt(70000), Margin: decimal.NewFromInt(3500),
	}
	order := Order{
		Symbol:   "BTC-PERP",
		Price:    decimal.NewFromInt(50000),
		Quantity: decimal.NewFromFloat(0.8), // notional = 40000, total = 110000 > 100000 max
		Leverage: decimal.NewFromInt(10),
	}

	result := Validate(entry, order)
	if result.Allowed {
		t.Fatalf("expected order to be rejected for exceeding total exposure")
	}
	if result.Reason != ReasonMaxExposure {
		t.Fatalf("expected reason %s, got %s", ReasonMaxExposure, result.Reason)
	}
}

func TestValidate_RejectsInsufficientFreeMargin(t *testing.T) {
	entry := baseEntry()
	entry.Account.CurrentBalance = decimal.NewFromInt(1000)
	order := Order{
		Symbol:   "BTC-PERP",
		Price:    decimal.NewFromInt(50000),
		Quantity: decimal.NewFromFloat(0.5), // notional = 25000
		Leverage: decimal.NewFromInt(10),    // required margin = 2500 > 1000 free
	}

	result := Validate(entry, order)
	if result.Allowed {
		t.Fatalf("expected order to be rejected for insufficient free margin")
	}
	if result.Reason != ReasonInsufficientFree {
		t.Fatalf("expected reason %s, got %s", ReasonInsufficientFree, result.Reason)
	}
}
