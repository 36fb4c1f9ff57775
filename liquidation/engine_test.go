package liquidation

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/quantedge/liqengine/config"
	"github.com/quantedge/liqengine/domain"
	"github.com/quantedge/liqengine/events"
	"github.com/quantedge/liqengine/positionbook"
	"github.com/quantedge/liqengine/priceservice"
	"github.com/quantedge/liqengine/tradeactions"
)

func testThresholds() config.ThresholdConfig {
	return config.ThresholdConfig{
		LiquidationThreshold: decimal.NewFromFloat(0.90),
		MaintenanceRate:      decimal.NewFromFloat(0.005),
		Tier2Fraction:        decimal.NewFromFloat(0.10),
		Tier3Fraction:        decimal.NewFromFloat(0.30),
		WarningBand:          decimal.NewFromFloat(0.10),
		CriticalBand:         decimal.NewFromFloat(0.05),
	}
}

// countingGateway wraps SimulatedGateway and counts calls, for asserting the
// at-most-one-cascade reentrancy property without inspecting internal state.
type countingGateway struct {
	*tradeactions.SimulatedGateway
	liquidateCalls int64
}

func (g *countingGateway) LiquidatePosition(ctx context.Context, subAccountID, positionID string) (decimal.Decimal, error) {
	atomic.AddInt64(&g.liquidateCalls, 1)
	return g.SimulatedGateway.LiquidatePosition(ctx, subAccountID, positionID)
}

func newHarness(mode domain.LiquidationMode) (*Engine, *positionbook.Book, *priceservice.Service, *events.RecordingEmitter, *countingGateway) {
	book := positionbook.New()
	prices := priceservice.New(nil)
	rec := events.NewRecordingEmitter()
	gw := &countingGateway{SimulatedGateway: tradeactions.NewSimulatedGateway(book, prices)}

	eng := New(book, prices, gw, nil, rec, testThresholds(), nil, nil)
	return eng, book, prices, rec, gw
}

func openHealthyAccount(book *positionbook.Book, prices *priceservice.Service, id string, mode domain.LiquidationMode) {
	book.Open(domain.Account{
		ID:              id,
		CurrentBalance:  decimal.NewFromInt(10000),
		MaintenanceRate: decimal.NewFromFloat(0.005),
		LiquidationMode: mode,
		Status:          domain.StatusActive,
	}, domain.DefaultRules())

	_ = book.AddPosition(id, &domain.Position{
		ID:         "pos-1",
		Symbol:     "BTC-PERP",
		Side:       domain.SideLong,
		EntryPrice: decimal.NewFromInt(50000),
		Quantity:   decimal.NewFromFloat(0.1),
		Notional:   decimal.NewFromInt(5000),
	})
	prices.SetPrice("BTC-PERP", decimal.NewFromInt(50000))
}

func TestEvaluateAccount_HealthyIsIdempotent(t *testing.T) {
	eng, book, prices, rec, _ := newHarness(domain.ModeADL30)
	openHealthyAccount(book, prices, "acct-1", domain.ModeADL30)

	for i := 0; i < 3; i++ {
		eng.EvaluateAccount(context.Background(), "acct-1")
	}

	if rec.CountByType(events.TypeFullLiquidation) != 0 {
		t.Fatalf("healthy account should never trigger full_liquidation")
	}
	if rec.CountByType(events.TypeADLTriggered) != 0 {
		t.Fatalf("healthy account should never trigger adl_triggered")
	}
	if rec.CountByType(events.TypeMarginUpdate) != 3 {
		t.Fatalf("expected one margin_update per evaluation, got %d", rec.CountByType(events.TypeMarginUpdate))
	}

	entry, err := book.Snapshot("acct-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry.Account.Status != domain.StatusActive {
		t.Fatalf("healthy account status should remain ACTIVE, got %s", entry.Account.Status)
	}
}

func TestEvaluateAccount_PnLSign(t *testing.T) {
	eng, book, prices, rec, _ := newHarness(domain.ModeADL30)
	openHealthyAccount(book, prices, "acct-1", domain.ModeADL30)
	prices.SetPrice("BTC-PERP", decimal.NewFromInt(51000))

	eng.EvaluateAccount(context.Background(), "acct-1")

	for _, ev := range rec.Events {
		if p, ok := ev.Payload.(events.PnLUpdate); ok {
			if !p.UnrealizedPnl.IsPositive() {
				t.Fatalf("long position with mark above entry should have positive uPnL, got %s", p.UnrealizedPnl)
			}
		}
	}
}

func TestEvaluateAccount_StalePriceFallsBackToEntry(t *testing.T) {
	eng, book, prices, rec, _ := newHarness(domain.ModeADL30)
	book.Open(domain.Account{
		ID:              "acct-1",
		CurrentBalance:  decimal.NewFromInt(10000),
		MaintenanceRate: decimal.NewFromFloat(0.005),
		LiquidationMode: domain.ModeADL30,
		Status:          domain.StatusActive,
	}, domain.DefaultRules())
	_ = book.AddPosition("acct-1", &domain.Position{
		ID:         "pos-1",
		Symbol:     "ETH-PERP", // never priced
		Side:       domain.SideLong,
		EntryPrice: decimal.NewFromInt(3000),
		Quantity:   decimal.NewFromInt(1),
		Notional:   decimal.NewFromInt(3000),
	})
	_ = prices

	eng.EvaluateAccount(context.Background(), "acct-1")

	found := false
	for _, ev := range rec.Events {
		if p, ok := ev.Payload.(events.PnLUpdate); ok {
			found = true
			if !p.UnrealizedPnl.IsZero() {
				t.Fatalf("stale/missing price should fall back to entry price, giving zero uPnL, got %s", p.UnrealizedPnl)
			}
		}
	}
	if !found {
		t.Fatalf("expected a pnl_update event")
	}
}

func TestEvaluateAccount_GuardedStatusSkipsEvaluation(t *testing.T) {
	eng, book, prices, rec, _ := newHarness(domain.ModeADL30)
	openHealthyAccount(book, prices, "acct-1", domain.ModeADL30)
	_ = book.SetStatus("acct-1", domain.StatusFrozen)

	eng.EvaluateAccount(context.Background(), "acct-1")

	if len(rec.Events) != 0 {
		t.Fatalf("evaluating a FROZEN account should emit nothing, got %d events", len(rec.Events))
	}
}

func TestEvaluateAccount_UnknownAccountIsSilent(t *testing.T) {
	eng, _, _, rec, _ := newHarness(domain.ModeADL30)
	eng.EvaluateAccount(context.Background(), "does-not-exist")
	if len(rec.Events) != 0 {
		t.Fatalf("evaluating an unknown account should emit nothing")
	}
}

func TestEvaluateAccount_HardLiquidationOnNonPositiveEquity(t *testing.T) {
	eng, book, prices, rec, gw := newHarness(domain.ModeADL30)
	openHealthyAccount(book, prices, "acct-1", domain.ModeADL30)
	_ = book.AdjustBalance("acct-1", func(a *domain.Account) {
		a.CurrentBalance = decimal.NewFromInt(-6000)
	})

	eng.EvaluateAccount(context.Background(), "acct-1")

	if rec.CountByType(events.TypeFullLiquidation) != 1 {
		t.Fatalf("expected exactly one full_liquidation event, got %d", rec.CountByType(events.TypeFullLiquidation))
	}
	if atomic.LoadInt64(&gw.liquidateCalls) != 1 {
		t.Fatalf("expected gateway.LiquidatePosition called once, got %d", gw.liquidateCalls)
	}

	entry, err := book.Snapshot("acct-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry.Account.Status != domain.StatusLiquidated {
		t.Fatalf("account should be LIQUIDATED, got %s", entry.Account.Status)
	}
	if len(entry.Positions) != 0 {
		t.Fatalf("all positions should be closed, got %d remaining", len(entry.Positions))
	}
}

func TestEvaluateAccount_Tier1WarningEmitsNoTradeAction(t *testing.T) {
	eng, book, prices, rec, gw := newHarness(domain.ModeADL30)
	// marginRatio = notional*maintenanceRate/equity. Pick equity so ratio lands
	// in [T-warningBand, T) = [0.80, 0.90).
	book.Open(domain.Account{
		ID:              "acct-1",
		CurrentBalance:  decimal.NewFromInt(30),
		MaintenanceRate: decimal.NewFromFloat(0.005),
		LiquidationMode: domain.ModeADL30,
		Status:          domain.StatusActive,
	}, domain.DefaultRules())
	_ = book.AddPosition("acct-1", &domain.Position{
		ID:         "pos-1",
		Symbol:     "BTC-PERP",
		Side:       domain.SideLong,
		EntryPrice: decimal.NewFromInt(50000),
		Quantity:   decimal.NewFromFloat(0.1),
		Notional:   decimal.NewFromInt(5000),
	})
	prices.SetPrice("BTC-PERP", decimal.NewFromInt(50000))
	// equity = 30, notional = 5000, maintenanceRate=0.005 -> ratio = 25/30 = 0.833

	eng.EvaluateAccount(context.Background(), "acct-1")

	if rec.CountByType(events.TypeMarginWarning) != 1 {
		t.Fatalf("expected exactly one margin_warning, got %d", rec.CountByType(events.TypeMarginWarning))
	}
	if rec.CountByType(events.TypeADLTriggered) != 0 || rec.CountByType(events.TypeFullLiquidation) != 0 {
		t.Fatalf("tier-1 warning must not trigger any trade action")
	}
	if atomic.LoadInt64(&gw.liquidateCalls) != 0 {
		t.Fatalf("tier-1 warning must not call the gateway")
	}
}

func TestEvaluateAccount_Tier2ADLPartialCloses(t *testing.T) {
	eng, book, prices, rec, _ := newHarness(domain.ModeADL30)
	book.Open(domain.Account{
		ID:              "acct-1",
		CurrentBalance:  decimal.NewFromInt(28),
		MaintenanceRate: decimal.NewFromFloat(0.005),
		LiquidationMode: domain.ModeADL30,
		Status:          domain.StatusActive,
	}, domain.DefaultRules())
	_ = book.AddPosition("acct-1", &domain.Position{
		ID:         "pos-1",
		Symbol:     "BTC-PERP",
		Side:       domain.SideLong,
		EntryPrice: decimal.NewFromInt(50000),
		Quantity:   decimal.NewFromFloat(0.1),
		Notional:   decimal.NewFromInt(5000),
	})
	prices.SetPrice("BTC-PERP", decimal.NewFromInt(50000))
	// equity=28, ratio = 25/28 ≈ 0.893 -- below 0.90, so bump notional via a
	// second position to land in [0.90,0.95).
	_ = book.AddPosition("acct-1", &domain.Position{
		ID:         "pos-2",
		Symbol:     "ETH-PERP",
		Side:       domain.SideLong,
		EntryPrice: decimal.NewFromInt(3000),
		Quantity:   decimal.NewFromInt(1),
		Notional:   decimal.NewFromInt(200),
	})
	prices.SetPrice("ETH-PERP", decimal.NewFromInt(3000))
	// notional = 5200, ratio = 26/28 ≈ 0.9286, within [0.90, 0.95)

	eng.EvaluateAccount(context.Background(), "acct-1")

	if rec.CountByType(events.TypeADLTriggered) != 1 {
		t.Fatalf("expected exactly one adl_triggered event, got %d", rec.CountByType(events.TypeADLTriggered))
	}
	for _, ev := range rec.Events {
		if a, ok := ev.Payload.(events.ADLTriggered); ok && a.Tier != 2 {
			t.Fatalf("expected tier 2, got %d", a.Tier)
		}
	}

	entry, err := book.Snapshot("acct-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry.Account.Status != domain.StatusActive {
		t.Fatalf("tier-2 ADL must not change account status")
	}
}

func TestEvaluateAccount_Tier3EscalatesToHardLiquidation(t *testing.T) {
	eng, book, prices, rec, gw := newHarness(domain.ModeADL30)
	// Build an account deep past critical band where a 30% partial close of
	// the only position still leaves the ratio at/above threshold, forcing
	// escalation to ADL_30_ESCALATED.
	book.Open(domain.Account{
		ID:              "acct-1",
		CurrentBalance:  decimal.NewFromInt(1),
		MaintenanceRate: decimal.NewFromFloat(0.005),
		LiquidationMode: domain.ModeADL30,
		Status:          domain.StatusActive,
	}, domain.DefaultRules())
	_ = book.AddPosition("acct-1", &domain.Position{
		ID:         "pos-1",
		Symbol:     "BTC-PERP",
		Side:       domain.SideLong,
		EntryPrice: decimal.NewFromInt(50000),
		Quantity:   decimal.NewFromFloat(0.1),
		Notional:   decimal.NewFromInt(5000),
	})
	prices.SetPrice("BTC-PERP", decimal.NewFromInt(50000))
	// equity=1, ratio = 25/1 = 25 >> T+criticalBand(0.95) -> tier 3

	eng.EvaluateAccount(context.Background(), "acct-1")

	if rec.CountByType(events.TypeADLTriggered) != 1 {
		t.Fatalf("expected exactly one adl_triggered (tier 3) event, got %d", rec.CountByType(events.TypeADLTriggered))
	}
	if rec.CountByType(events.TypeFullLiquidation) != 1 {
		t.Fatalf("partial close leaving ratio >= T should escalate to full_liquidation, got %d", rec.CountByType(events.TypeFullLiquidation))
	}
	if atomic.LoadInt64(&gw.liquidateCalls) != 1 {
		t.Fatalf("expected exactly one LiquidatePosition call during escalation, got %d", gw.liquidateCalls)
	}

	entry, err := book.Snapshot("acct-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry.Account.Status != domain.StatusLiquidated {
		t.Fatalf("escalated tier-3 account should end up LIQUIDATED, got %s", entry.Account.Status)
	}
}

func TestEvaluateAccount_InstantCloseMode(t *testing.T) {
	eng, book, prices, rec, gw := newHarness(domain.ModeInstantClose)
	book.Open(domain.Account{
		ID:              "acct-1",
		CurrentBalance:  decimal.NewFromInt(1),
		MaintenanceRate: decimal.NewFromFloat(0.005),
		LiquidationMode: domain.ModeInstantClose,
		Status:          domain.StatusActive,
	}, domain.DefaultRules())
	_ = book.AddPosition("acct-1", &domain.Position{
		ID:         "pos-1",
		Symbol:     "BTC-PERP",
		Side:       domain.SideLong,
		EntryPrice: decimal.NewFromInt(50000),
		Quantity:   decimal.NewFromFloat(0.1),
		Notional:   decimal.NewFromInt(5000),
	})
	prices.SetPrice("BTC-PERP", decimal.NewFromInt(50000))

	eng.EvaluateAccount(context.Background(), "acct-1")

	if rec.CountByType(events.TypeADLTriggered) != 0 {
		t.Fatalf("INSTANT_CLOSE mode must skip ADL entirely")
	}
	if rec.CountByType(events.TypeFullLiquidation) != 1 {
		t.Fatalf("expected one full_liquidation event, got %d", rec.CountByType(events.TypeFullLiquidation))
	}

	var mode string
	for _, ev := range rec.Events {
		if f, ok := ev.Payload.(events.FullLiquidation); ok {
			mode = f.Mode
		}
	}
	if mode != events.ModeInstantClose {
		t.Fatalf("expected mode %s, got %s", events.ModeInstantClose, mode)
	}
	_ = gw
}

func TestEvaluateAccount_AtMostOneCascadeUnderConcurrency(t *testing.T) {
	eng, book, prices, _, gw := newHarness(domain.ModeADL30)
	openHealthyAccount(book, prices, "acct-1", domain.ModeADL30)
	_ = book.AdjustBalance("acct-1", func(a *domain.Account) {
		a.CurrentBalance = decimal.NewFromInt(-6000)
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			eng.EvaluateAccount(context.Background(), "acct-1")
		}()
	}
	wg.Wait()

	if calls := atomic.LoadInt64(&gw.liquidateCalls); calls != 1 {
		t.Fatalf("expected exactly one liquidation cascade across 50 concurrent evaluations, got %d gateway calls", calls)
	}
}

func TestEvaluateAccount_ClassificationMonotonicity(t *testing.T) {
	thresholds := testThresholds()
	t.Run("exact threshold boundary is tier2 not warning", func(t *testing.T) {
		eng, book, prices, rec, _ := newHarness(domain.ModeADL30)
		// equity chosen so marginRatio == T exactly (25/equity = 0.90 -> equity ≈ 27.78)
		equity := decimal.NewFromInt(5000).Mul(decimal.NewFromFloat(0.005)).Div(thresholds.LiquidationThreshold)
		book.Open(domain.Account{
			ID:              "acct-1",
			CurrentBalance:  equity,
			MaintenanceRate: decimal.NewFromFloat(0.005),
			LiquidationMode: domain.ModeADL30,
			Status:          domain.StatusActive,
		}, domain.DefaultRules())
		_ = book.AddPosition("acct-1", &domain.Position{
			ID:         "pos-1",
			Symbol:     "BTC-PERP",
			Side:       domain.SideLong,
			EntryPrice: decimal.NewFromInt(50000),
			Quantity:   decimal.NewFromFloat(0.1),
			Notional:   decimal.NewFromInt(5000),
		})
		prices.SetPrice("BTC-PERP", decimal.NewFromInt(50000))

		eng.EvaluateAccount(context.Background(), "acct-1")

		if rec.CountByType(events.TypeADLTriggered) != 1 {
			t.Fatalf("ratio == T should land in tier 2 (>=), got %d adl events", rec.CountByType(events.TypeADLTriggered))
		}
		if rec.CountByType(events.TypeMarginWarning) != 0 {
			t.Fatalf("ratio == T must not also emit margin_warning")
		}
	})
}

func TestEvaluateAccount_CrossMarginAggregation(t *testing.T) {
	eng, book, prices, rec, _ := newHarness(domain.ModeADL30)
	book.Open(domain.Account{
		ID:              "acct-1",
		CurrentBalance:  decimal.NewFromInt(10000),
		MaintenanceRate: decimal.NewFromFloat(0.005),
		LiquidationMode: domain.ModeADL30,
		Status:          domain.StatusActive,
	}, domain.DefaultRules())
	_ = book.AddPosition("acct-1", &domain.Position{
		ID: "pos-1", Symbol: "BTC-PERP", Side: domain.SideLong,
		EntryPrice: decimal.NewFromInt(50000), Quantity: decimal.NewFromFloat(0.1), Notional: decimal.NewFromInt(5000),
	})
	_ = book.AddPosition("acct-1", &domain.Position{
		ID: "pos-2", Symbol: "ETH-PERP", Side: domain.SideShort,
		EntryPrice: decimal.NewFromInt(3000), Quantity: decimal.NewFromInt(1), Notional: decimal.NewFromInt(3000),
	})
	prices.SetPrice("BTC-PERP", decimal.NewFromInt(51000)) // +100 uPnL
	prices.SetPrice("ETH-PERP", decimal.NewFromInt(2900))  // +100 uPnL (short gains on drop)

	eng.EvaluateAccount(context.Background(), "acct-1")

	var lastUpdate events.MarginUpdate
	for _, ev := range rec.Events {
		if m, ok := ev.Payload.(events.MarginUpdate); ok {
			lastUpdate = m
		}
	}
	expectedEquity := decimal.NewFromInt(10000).Add(decimal.NewFromInt(100)).Add(decimal.NewFromInt(100))
	if !lastUpdate.Equity.Equal(expectedEquity) {
		t.Fatalf("expected aggregate equity %s, got %s", expectedEquity, lastUpdate.Equity)
	}
	expectedNotional := decimal.NewFromInt(8000)
	if !lastUpdate.TotalNotional.Equal(expectedNotional) {
		t.Fatalf("expected aggregate notional %s, got %s", expectedNotional, lastUpdate.TotalNotional)
	}
}

func TestEvaluateAccount_EventOrderingWithinOneEvaluation(t *testing.T) {
	eng, book, prices, rec, _ := newHarness(domain.ModeADL30)
	openHealthyAccount(book, prices, "acct-1", domain.ModeADL30)
	_ = book.AdjustBalance("acct-1", func(a *domain.Account) {
		a.CurrentBalance = decimal.NewFromInt(-6000)
	})

	eng.EvaluateAccount(context.Background(), "acct-1")

	if len(rec.Events) < 3 {
		t.Fatalf("expected at least pnl_update, margin_update, full_liquidation; got %d events", len(rec.Events))
	}
	if rec.Events[0].Type != events.TypePnLUpdate {
		t.Fatalf("first event should be pnl_update, got %s", rec.Events[0].Type)
	}
	if rec.Events[1].Type != events.TypeMarginUpdate {
		t.Fatalf("second event should be margin_update, got %s", rec.Events[1].Type)
	}
	if rec.Events[2].Type != events.TypeFullLiquidation {
		t.Fatalf("third event should be full_liquidation, got %s", rec.Events[2].Type)
	}
}

func TestEvaluateAccount_GatewayErrorDoesNotAbortCascade(t *testing.T) {
	eng, book, prices, rec, _ := newHarness(domain.ModeADL30)
	openHealthyAccount(book, prices, "acct-1", domain.ModeADL30)
	_ = book.AddPosition("acct-1", &domain.Position{
		ID:         "pos-2",
		Symbol:     "ETH-PERP",
		Side:       domain.SideLong,
		EntryPrice: decimal.NewFromInt(3000),
		Quantity:   decimal.NewFromInt(1),
		Notional:   decimal.NewFromInt(3000),
	})
	prices.SetPrice("ETH-PERP", decimal.NewFromInt(3000))
	_ = book.AdjustBalance("acct-1", func(a *domain.Account) {
		a.CurrentBalance = decimal.NewFromInt(-6000)
	})

	// A gateway where one specific position always fails; the cascade must
	// still attempt and settle the other position and still transition the
	// account to LIQUIDATED.
	failing := &failingGateway{book: book, prices: prices, failID: "pos-1"}
	eng.gateway = failing

	eng.EvaluateAccount(context.Background(), "acct-1")

	if rec.CountByType(events.TypeLiquidationErr) != 1 {
		t.Fatalf("expected one liquidation_error event for the failing position, got %d", rec.CountByType(events.TypeLiquidationErr))
	}

	entry, err := book.Snapshot("acct-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry.Account.Status != domain.StatusLiquidated {
		t.Fatalf("cascade must still reach LIQUIDATED despite one failed close")
	}
}

type failingGateway struct {
	book   *positionbook.Book
	prices *priceservice.Service
	failID string
}

func (g *failingGateway) ClosePosition(ctx context.Context, subAccountID, positionID string, reason tradeactions.CloseReason) (decimal.Decimal, error) {
	return g.LiquidatePosition(ctx, subAccountID, positionID)
}

func (g *failingGateway) PartialClose(ctx context.Context, subAccountID, positionID string, fraction decimal.Decimal, reason tradeactions.CloseReason) (decimal.Decimal, error) {
	return tradeactions.NewSimulatedGateway(g.book, g.prices).PartialClose(ctx, subAccountID, positionID, fraction, reason)
}

func (g *failingGateway) LiquidatePosition(ctx context.Context, subAccountID, positionID string) (decimal.Decimal, error) {
	if positionID == g.failID {
		return decimal.Zero, tradeactions.ErrPositionNotFound
	}
	return tradeactions.NewSimulatedGateway(g.book, g.prices).LiquidatePosition(ctx, subAccountID, positionID)
}
