// Package liquidation implements the evaluator, state machine, and
// concurrency guard that make up the core of the engine: evaluateAccount
// recomputes a sub-account's equity and margin ratio on every tick and,
// when thresholds are crossed, drives auto-deleveraging and forced
// liquidation through the trade-actions gateway. Grounded on the
// ticker-driven monitor loop and tiered stop-out logic of
// backend/risk/liquidation.go, generalized from that package's
// fixed stop-out/daily-loss/drawdown checks to the margin-ratio tier table.
package liquidation

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantedge/liqengine/config"
	"github.com/quantedge/liqengine/domain"
	"github.com/quantedge/liqengine/events"
	"github.com/quantedge/liqengine/logging"
	"github.com/quantedge/liqengine/metrics"
	"github.com/quantedge/liqengine/positionbook"
	"github.com/quantedge/liqengine/priceservice"
	"github.com/quantedge/liqengine/rules"
	"github.com/quantedge/liqengine/tradeactions"
)

// Engine is the liquidation engine: the evaluator, state machine, and
// reentrancy guard described in spec form as evaluateAccount.
type Engine struct {
	book     *positionbook.Book
	prices   *priceservice.Service
	gateway  tradeactions.Gateway
	provider rules.Provider
	emitter  events.Emitter
	metrics  *metrics.Collector
	logger   *logging.Logger

	thresholds config.ThresholdConfig

	// inFlight is the reentrancy set (§5): a sub-account id present here is
	// inside a liquidation cascade (_liquidateAll or _adlTier3), or has
	// already been hard-liquidated (that entry is never removed), and an
	// evaluateAccount for that id returns immediately at step 1.
	inFlight sync.Map
}

// New constructs an Engine. logger, collector and emitter may be nil: an
// INFO-level logger writing to stdout, a collector on its own private
// registry, and a NopEmitter are substituted so the engine always has
// somewhere to send telemetry.
func New(
	book *positionbook.Book,
	prices *priceservice.Service,
	gateway tradeactions.Gateway,
	provider rules.Provider,
	emitter events.Emitter,
	thresholds config.ThresholdConfig,
	logger *logging.Logger,
	collector *metrics.Collector,
) *Engine {
	if logger == nil {
		logger = logging.NewLogger(logging.INFO)
	}
	if collector == nil {
		collector = metrics.New()
	}
	if emitter == nil {
		emitter = events.NopEmitter{}
	}

	return &Engine{
		book:       book,
		prices:     prices,
		gateway:    gateway,
		provider:   provider,
		emitter:    emitter,
		metrics:    collector,
		logger:     logger,
		thresholds: thresholds,
	}
}

// EvaluateAccount is the single public hot-path operation (spec.md §4.3).
// It never returns an error to the caller: every failure mode is either
// silently skipped (reentrancy, guarded status, unknown account) or
// surfaced exclusively through the emitter (GatewayError). Rules are read
// straight off the entry (§4.4) — RefreshRules, not this method, is what
// keeps them current and emits rules_fallback.
func (e *Engine) EvaluateAccount(ctx context.Context, subAccountID string) {
	start := time.Now()
	outcome := "healthy"
	defer func() {
		e.metrics.EvaluationLatency.WithLabelValues(outcome).Observe(float64(time.Since(start).Microseconds()) / 1000)
		logging.LogSlowEvaluation(subAccountID, time.Since(start))
	}()

	// Step 1: guard.
	entry, err := e.book.Snapshot(subAccountID)
	if err != nil {
		outcome = "unknown_account"
		return
	}
	if entry.Account.Status == domain.StatusLiquidated || entry.Account.Status == domain.StatusFrozen {
		outcome = "guarded_status"
		return
	}
	if _, guarded := e.inFlight.Load(subAccountID); guarded {
		outcome = "reentrant"
		return
	}

	// Step 2: per-position P&L.
	positionPnL := e.computePositionPnL(entry, true)

	// Step 3-4: aggregate and emit margin_update.
	agg := domain.Aggregate(entry.Account.CurrentBalance, entry.Account.MaintenanceRate, positionPnL, entry.Positions)
	e.metrics.MarginRatio.WithLabelValues(subAccountID).Set(toFloat(agg.MarginRatio))
	e.metrics.Equity.WithLabelValues(subAccountID).Set(toFloat(agg.Equity))
	e.emitter.Emit(events.TypeMarginUpdate, events.MarginUpdate{
		SubAccountID:  subAccountID,
		Equity:        agg.Equity,
		MarginRatio:   agg.MarginRatio,
		TotalNotional: agg.TotalNotional,
	})

	// Step 5: classify.
	threshold := entry.Rules.LiquidationThreshold
	critical := threshold.Add(e.thresholds.CriticalBand)
	warningLow := threshold.Sub(e.thresholds.WarningBand)

	switch {
	case agg.Equity.LessThanOrEqual(decimal.Zero):
		outcome = "hard_liquidation"
		e.metrics.TierTransitions.WithLabelValues(outcome).Inc()
		e.liquidateAll(ctx, subAccountID, agg.MarginRatio, events.ModeHard)

	case agg.MarginRatio.GreaterThanOrEqual(critical) && entry.Account.LiquidationMode == domain.ModeInstantClose:
		outcome = "instant_close"
		e.metrics.TierTransitions.WithLabelValues(outcome).Inc()
		e.liquidateAll(ctx, subAccountID, agg.MarginRatio, events.ModeInstantClose)

	case agg.MarginRatio.GreaterThanOrEqual(critical) && entry.Account.LiquidationMode == domain.ModeADL30:
		outcome = "adl_tier3"
		e.metrics.TierTransitions.WithLabelValues(outcome).Inc()
		e.adlTier3(ctx, subAccountID, entry, agg)

	case agg.MarginRatio.GreaterThanOrEqual(threshold) && agg.MarginRatio.LessThan(critical):
		outcome = "adl_tier2"
		e.metrics.TierTransitions.WithLabelValues(outcome).Inc()
		e.adlTier2(ctx, subAccountID, entry, agg)

	case agg.MarginRatio.GreaterThanOrEqual(warningLow) && agg.MarginRatio.LessThan(threshold):
		outcome = "warning"
		e.metrics.TierTransitions.WithLabelValues(outcome).Inc()
		e.emitter.Emit(events.TypeMarginWarning, events.MarginWarning{
			SubAccountID: subAccountID,
			MarginRatio:  agg.MarginRatio,
			Threshold:    threshold,
		})

	default:
		// healthy; no further action.
	}
}

// computePositionPnL resolves each position's mark price (with stale-price
// fallback) and returns its unrealized P&L, optionally emitting pnl_update
// for each one. The per-evaluation re-check inside adlTier3 calls this with
// emit=false: the spec's ordering guarantee only promises pnl_update once
// per position per evaluation, not once per re-read.
func (e *Engine) computePositionPnL(entry *domain.Entry, emit bool) map[string]decimal.Decimal {
	pnl := make(map[string]decimal.Decimal, len(entry.Positions))
	for id, pos := range entry.Positions {
		mark, hasMark := e.prices.GetPrice(pos.Symbol)
		mark = domain.ResolveMarkPrice(pos.EntryPrice, mark, hasMark)
		p := domain.PositionPnL(pos, mark)
		pnl[id] = p
		if emit {
			e.emitter.Emit(events.TypePnLUpdate, events.PnLUpdate{
				SubAccountID:  entry.Account.ID,
				PositionID:    id,
				Symbol:        pos.Symbol,
				UnrealizedPnl: p,
				MarkPrice:     mark,
			})
		}
	}
	return pnl
}

// RefreshRules is the RulesProvider side of §4.4: "for the hot path the
// engine reads rules from the entry, never from the provider." This is the
// non-hot-path call that keeps the entry current — a periodic background
// task, not EvaluateAccount, invokes it per sub-account. It tries the
// provider, falls back to the entry's cached rules, and finally to built-in
// defaults, emitting rules_fallback when the fallback path is taken, then
// writes the result back onto the entry via book.SetRules so the next
// evaluation's hot-path read picks it up.
func (e *Engine) RefreshRules(ctx context.Context, subAccountID string) {
	entry, err := e.book.Snapshot(subAccountID)
	if err != nil {
		return
	}
	hasCached := entry.Rules != (domain.Rules{})
	r, usedCached := rules.Resolve(ctx, e.provider, subAccountID, entry.Rules, hasCached)
	if usedCached {
		e.emitter.Emit(events.TypeRulesFallback, events.RulesFallback{
			SubAccountID: subAccountID,
			UsedCached:   hasCached,
		})
	}
	_ = e.book.SetRules(subAccountID, r)
}

// adlTier2 partial-closes the configured tier-2 fraction of the largest
// position. No reentrancy guard: a single gateway call, not a cascade.
func (e *Engine) adlTier2(ctx context.Context, subAccountID string, entry *domain.Entry, agg domain.AccountAggregate) {
	largest := domain.LargestPosition(entry.Positions)
	if largest == nil {
		return
	}

	fraction := e.thresholds.Tier2Fraction
	e.emitter.Emit(events.TypeADLTriggered, events.ADLTriggered{
		SubAccountID: subAccountID,
		Tier:         2,
		Symbol:       largest.Symbol,
		PositionID:   largest.ID,
		Fraction:     fraction,
		MarginRatio:  agg.MarginRatio,
	})

	gwStart := time.Now()
	_, err := e.gateway.PartialClose(ctx, subAccountID, largest.ID, fraction, tradeactions.ReasonADLTier2)
	logging.LogSlowGatewayCall("partialClose", subAccountID, largest.ID, time.Since(gwStart))
	if err != nil {
		e.recordGatewayError(ctx, "partialClose", subAccountID, largest.ID, err)
	}
}

// adlTier3 partial-closes the tier-3 fraction of the largest position and,
// per the engine's resolution of the open escalation question (spec.md §9),
// re-reads the book afterward and trusts what it finds: if the margin ratio
// computed from the re-read state is still at or above threshold, it
// escalates to a hard liquidation tagged ADL_30_ESCALATED.
func (e *Engine) adlTier3(ctx context.Context, subAccountID string, entry *domain.Entry, agg domain.AccountAggregate) {
	if _, already := e.inFlight.LoadOrStore(subAccountID, struct{}{}); already {
		return
	}
	// Only unblock future evaluations when this call does NOT end in a hard
	// liquidation: once doLiquidateAll runs below, the account is terminally
	// LIQUIDATED and the guard must stay, for the same reason liquidateAll
	// never deletes it.
	escalated := false
	defer func() {
		if !escalated {
			e.inFlight.Delete(subAccountID)
		}
	}()

	largest := domain.LargestPosition(entry.Positions)
	if largest == nil {
		return
	}

	fraction := e.thresholds.Tier3Fraction
	e.emitter.Emit(events.TypeADLTriggered, events.ADLTriggered{
		SubAccountID: subAccountID,
		Tier:         3,
		Symbol:       largest.Symbol,
		PositionID:   largest.ID,
		Fraction:     fraction,
		MarginRatio:  agg.MarginRatio,
	})

	gwStart := time.Now()
	_, err := e.gateway.PartialClose(ctx, subAccountID, largest.ID, fraction, tradeactions.ReasonADLTier3)
	logging.LogSlowGatewayCall("partialClose", subAccountID, largest.ID, time.Since(gwStart))
	if err != nil {
		e.recordGatewayError(ctx, "partialClose", subAccountID, largest.ID, err)
	}

	newEntry, err := e.book.Snapshot(subAccountID)
	if err != nil || newEntry.Account.Status != domain.StatusActive {
		return
	}

	newPnL := e.computePositionPnL(newEntry, false)
	newAgg := domain.Aggregate(newEntry.Account.CurrentBalance, newEntry.Account.MaintenanceRate, newPnL, newEntry.Positions)
	if newAgg.MarginRatio.GreaterThanOrEqual(newEntry.Rules.LiquidationThreshold) {
		escalated = true
		e.metrics.TierTransitions.WithLabelValues("adl30_escalated").Inc()
		e.doLiquidateAll(ctx, subAccountID, newAgg.MarginRatio, events.ModeADL30Escalated)
	}
}

// liquidateAll is the guarded entry point to the hard-liquidation procedure.
// It never removes its guard entry on success: doLiquidateAll
// always ends with the account LIQUIDATED, a terminal state that can never
// be evaluated again, so there is no later cascade to unblock. Leaving the
// guard in place (rather than deleting it once the cascade returns) closes
// a race where a goroutine holding a pre-liquidation snapshot could slip
// past the guard a second time in the gap between the cascade finishing and
// the delete taking effect.
func (e *Engine) liquidateAll(ctx context.Context, subAccountID string, marginRatio decimal.Decimal, mode string) {
	if _, already := e.inFlight.LoadOrStore(subAccountID, struct{}{}); already {
		return
	}
	e.doLiquidateAll(ctx, subAccountID, marginRatio, mode)
}

// doLiquidateAll is the hard-liquidation procedure from spec.md §4.3 step 6.
// The caller must already hold the reentrancy guard for subAccountID.
func (e *Engine) doLiquidateAll(ctx context.Context, subAccountID string, marginRatio decimal.Decimal, mode string) {
	e.metrics.LiquidationsTotal.WithLabelValues(mode).Inc()
	e.emitter.Emit(events.TypeFullLiquidation, events.FullLiquidation{
		SubAccountID: subAccountID,
		MarginRatio:  marginRatio,
		Mode:         mode,
	})

	entry, err := e.book.Snapshot(subAccountID)
	if err == nil {
		ids := make([]string, 0, len(entry.Positions))
		for id := range entry.Positions {
			ids = append(ids, id)
		}
		for _, id := range ids {
			gwStart := time.Now()
			_, err := e.gateway.LiquidatePosition(ctx, subAccountID, id)
			logging.LogSlowGatewayCall("liquidatePosition", subAccountID, id, time.Since(gwStart))
			if err != nil {
				e.recordGatewayError(ctx, "liquidatePosition", subAccountID, id, err)
			}
		}
	}

	_ = e.book.SetStatus(subAccountID, domain.StatusLiquidated)

	e.emitter.Emit(events.TypeMarginUpdate, events.MarginUpdate{
		SubAccountID:  subAccountID,
		Equity:        decimal.Zero,
		MarginRatio:   decimal.Zero,
		TotalNotional: decimal.Zero,
		Status:        string(domain.StatusLiquidated),
	})
}

// recordGatewayError implements the GatewayError policy from spec.md §7:
// log, emit liquidation_error, and keep going. A failed partialClose in
// tier 2/3 does not escalate automatically; the next evaluation re-classifies.
func (e *Engine) recordGatewayError(ctx context.Context, operation, subAccountID, positionID string, err error) {
	e.metrics.GatewayErrorsTotal.WithLabelValues(operation).Inc()
	e.logger.Error("trade action gateway call failed", err,
		logging.AccountID(subAccountID),
		logging.PositionID(positionID),
		logging.String("operation", operation),
	)
	logging.TrackError(ctx, err, "high", map[string]interface{}{
		"operation":      operation,
		"sub_account_id": subAccountID,
		"position_id":    positionID,
	})
	e.emitter.Emit(events.TypeLiquidationErr, events.LiquidationError{
		SubAccountID: subAccountID,
		PositionID:   positionID,
		Error:        err.Error(),
	})
}

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
