package tradeactions

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quantedge/liqengine/domain"
	"github.com/quantedge/liqengine/logging"
	"github.com/quantedge/liqengine/positionbook"
	"github.com/quantedge/liqengine/priceservice"
)

// SimulatedGateway executes closes directly against a positionbook.Book and
// priceservice.Service, the way backend/bbook/engine.go's ClosePosition
// settles P&L straight into Account.Balance rather than routing an order to
// a real execution venue. Used by the demo binary and by engine tests that
// want real position-mutation side effects without a network dependency.
type SimulatedGateway struct {
	book   *positionbook.Book
	prices *priceservice.Service
	logger *logging.Logger
}

func NewSimulatedGateway(book *positionbook.Book, prices *priceservice.Service) *SimulatedGateway {
	return &SimulatedGateway{book: book, prices: prices, logger: logging.NewLogger(logging.INFO)}
}

func (g *SimulatedGateway) PartialClose(_ context.Context, subAccountID, positionID string, fraction decimal.Decimal, _ CloseReason) (decimal.Decimal, error) {
	entry, err := g.book.Snapshot(subAccountID)
	if err != nil {
		return decimal.Zero, err
	}
	pos, ok := entry.Positions[positionID]
	if !ok {
		return decimal.Zero, ErrPositionNotFound
	}

	mark, hasMark := g.prices.GetPrice(pos.Symbol)
	mark = domain.ResolveMarkPrice(pos.EntryPrice, mark, hasMark)

	closedQty := pos.Quantity.Mul(fraction)
	realized := domain.PositionPnL(pos, mark).Mul(fraction)

	err = g.book.ReducePosition(subAccountID, positionID, func(p *domain.Position) {
		p.Quantity = p.Quantity.Sub(closedQty)
		p.Notional = p.Notional.Sub(p.Notional.Mul(fraction))
		p.Margin = p.Margin.Sub(p.Margin.Mul(fraction))
	})
	if err != nil {
		return decimal.Zero, err
	}

	err = g.book.AdjustBalance(subAccountID, func(a *domain.Account) {
		a.CurrentBalance = a.CurrentBalance.Add(realized)
	})
	if err != nil {
		return decimal.Zero, err
	}

	g.logger.Info("partial close settled",
		logging.TradeID(uuid.NewString()),
		logging.AccountID(subAccountID),
		logging.PositionID(positionID),
		logging.String("realized_pnl", realized.String()),
	)

	return realized, nil
}

func (g *SimulatedGateway) ClosePosition(_ context.Context, subAccountID, positionID string, _ CloseReason) (decimal.Decimal, error) {
	return g.closeAll(subAccountID, positionID)
}

// LiquidatePosition forcibly closes a position during a hard-liquidation
// cascade. The simulated gateway settles it identically to ClosePosition;
// a real gateway would instead route it through a liquidation-priority
// execution path.
func (g *SimulatedGateway) LiquidatePosition(_ context.Context, subAccountID, positionID string) (decimal.Decimal, error) {
	return g.closeAll(subAccountID, positionID)
}

func (g *SimulatedGateway) closeAll(subAccountID, positionID string) (decimal.Decimal, error) {
	entry, err := g.book.Snapshot(subAccountID)
	if err != nil {
		return decimal.Zero, err
	}
	pos, ok := entry.Positions[positionID]
	if !ok {
		return decimal.Zero, ErrPositionNotFound
	}

	mark, hasMark := g.prices.GetPrice(pos.Symbol)
	mark = domain.ResolveMarkPrice(pos.EntryPrice, mark, hasMark)
	realized := domain.PositionPnL(pos, mark)

	if err := g.book.RemovePosition(subAccountID, positionID); err != nil {
		return decimal.Zero, err
	}

	err = g.book.AdjustBalance(subAccountID, func(a *domain.Account) {
		a.CurrentBalance = a.CurrentBalance.Add(realized)
	})
	if err != nil {
		return decimal.Zero, err
	}

	g.logger.Info("position closed",
		logging.TradeID(uuid.NewString()),
		logging.AccountID(subAccountID),
		logging.PositionID(positionID),
		logging.String("realized_pnl", realized.String()),
	)

	return realized, nil
}
