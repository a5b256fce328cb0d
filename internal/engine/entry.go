package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/schrute_scalper/internal/broker"
	"github.com/eddiefleurent/schrute_scalper/internal/models"
	"github.com/eddiefleurent/schrute_scalper/internal/orders"
	"github.com/eddiefleurent/schrute_scalper/internal/strategy"
)

// HandleSignal runs the entry pipeline for one strategy signal. Skips
// (duplicate position, cooldown, caps) return nil; only exchange and
// invariant failures surface as errors.
func (e *Engine) HandleSignal(ctx context.Context, sig *strategy.Signal) error {
	if sig == nil {
		return nil
	}
	symbol, side := sig.Symbol, sig.Side

	if _, exists := e.store.Get(symbol, side); exists {
		e.logger.Printf("%s %s signal skipped: position already open", symbol, side)
		return nil
	}
	if st := e.tracker.State(symbol, side); st != orders.StateNone {
		e.logger.Printf("%s %s signal skipped: lifecycle state %s", symbol, side, st)
		return nil
	}
	if e.hibernating() {
		e.logger.Printf("%s %s signal skipped: hibernating after stop streak", symbol, side)
		return nil
	}
	if e.inCooldown(symbol, sig.Source) {
		e.logger.Printf("%s %s signal skipped: %s cooldown active", symbol, side, sig.Source)
		return nil
	}
	if e.sourceCapReached(sig.Source) {
		e.logger.Printf("%s %s signal skipped: %s concurrency cap reached", symbol, side, sig.Source)
		return nil
	}

	price, err := e.broker.LatestPrice(ctx, symbol)
	if err != nil || price.Sign() <= 0 {
		e.logger.Printf("%s entry: no usable ticker (%v), falling back to signal price", symbol, err)
		price = sig.Entry
	}
	if price.Sign() <= 0 {
		return e.rejectEntry(symbol, side, "no usable entry price")
	}

	qty, err := e.sizeEntry(symbol, sig.Source, price)
	if err != nil {
		return e.rejectEntry(symbol, side, err.Error())
	}

	if err := e.checkMargin(ctx, symbol, qty, price); err != nil {
		return e.rejectEntry(symbol, side, err.Error())
	}

	sl, tp, risk := e.entryGeometry(symbol, side, price, sig.StopLoss, sig.TakeProfit)
	partial := decimal.Zero
	if e.cfg.Scalper.PartialTp.Enabled {
		step := risk.Mul(decimal.NewFromFloat(e.cfg.Scalper.PartialTp.FirstRr))
		if side == models.SideLong {
			partial = price.Add(step)
		} else {
			partial = price.Sub(step)
		}
		partial = e.registry.RoundPriceDown(symbol, partial)
	}

	// Safe reversal: an opposite-side position must be flat before the
	// entry order goes out, and only after every preflight check passed.
	if opp, ok := e.store.Get(symbol, side.Opposite()); ok {
		e.logger.Printf("%s: closing opposite %s position before %s entry", symbol, opp.Side, side)
		if err := e.fullExit(ctx, opp, price, models.EventTimeExit, "reversed by opposite signal"); err != nil {
			return fmt.Errorf("close opposite position: %w", err)
		}
		if _, still := e.store.Get(symbol, side.Opposite()); still {
			return e.rejectEntry(symbol, side, "opposite position still open after reversal close")
		}
	}

	if e.cfg.DryRun {
		return e.persistEntry(ctx, sig, symbol, side, price, qty, sl, tp, partial, false)
	}

	if err := e.broker.SetLeverage(ctx, symbol, e.cfg.Scalper.Leverage); err != nil {
		e.logger.Printf("%s: set leverage %d: %v", symbol, e.cfg.Scalper.Leverage, err)
	}

	if !e.tracker.TrackEntry(symbol, side, 0, sig.Source) {
		e.logger.Printf("%s %s entry refused by tracker", symbol, side)
		return nil
	}

	ack, err := e.broker.PlaceMarketOrder(ctx, broker.OrderRequest{
		Symbol:        symbol,
		Side:          side.EntryAction(),
		Qty:           qty,
		PositionSide:  e.positionSide(side),
		ClientOrderID: "entry-" + uuid.NewString()[:18],
	})
	if err != nil {
		e.tracker.Clear(symbol, side)
		e.alerts.Error("entry-fail-"+symbol, "%s%s %s entry order failed: %v", e.dryTag(), symbol, side, err)
		return fmt.Errorf("place entry order: %w", err)
	}

	fillPrice, estimated := e.resolveFillPrice(ctx, symbol, ack)
	if fillPrice.Sign() <= 0 {
		e.tracker.Clear(symbol, side)
		e.alerts.Critical("entry-noprice-"+symbol, "%s %s entry filled but no price resolvable, not persisting", symbol, side)
		return fmt.Errorf("entry price resolved to zero for %s order %d", symbol, ack.OrderID)
	}

	filled := ack.ExecutedQty
	if filled.Sign() <= 0 {
		filled, _, _ = e.poller.PollFill(ctx, symbol, ack.OrderID, qty)
	}
	if filled.Sign() <= 0 {
		filled = qty
	}

	return e.persistEntry(ctx, sig, symbol, side, fillPrice, filled, sl, tp, partial, estimated)
}

// sizeEntry converts the configured USD allocation into a step-legal,
// notional-satisfying quantity.
func (e *Engine) sizeEntry(symbol, source string, price decimal.Decimal) (decimal.Decimal, error) {
	allocs := e.cfg.UsdAllocationScalper
	if source == "ml" {
		allocs = e.cfg.UsdAllocationML
	}
	alloc, ok := allocs[symbol]
	if !ok || alloc <= 0 {
		return decimal.Zero, fmt.Errorf("no usd allocation for %s/%s", symbol, source)
	}

	qty := e.registry.TrimQty(symbol, decimal.NewFromFloat(alloc).Div(price), price)
	if qty.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("qty_invalid_after_trim")
	}
	if qty.Mul(price).LessThan(e.registry.MinNotional(symbol)) {
		qty = e.registry.MinQtyForNotional(symbol, price)
	}
	qty = e.registry.TrimQty(symbol, qty, price)
	if qty.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("qty_invalid_after_trim")
	}
	return qty, nil
}

// checkMargin verifies the account can carry the position at the
// configured leverage plus an approximate maintenance margin.
func (e *Engine) checkMargin(ctx context.Context, symbol string, qty, price decimal.Decimal) error {
	notional := qty.Mul(price)
	leverage := decimal.NewFromInt(int64(e.cfg.Scalper.Leverage))
	required := notional.Div(leverage).Add(notional.Mul(decimal.NewFromFloat(maintenanceRate)))

	balance, err := e.broker.Balance(ctx, "USDT")
	if err != nil {
		return fmt.Errorf("margin precheck: %w", err)
	}
	if required.GreaterThan(balance) {
		return fmt.Errorf("insufficient margin: need %s, have %s", required.StringFixed(2), balance.StringFixed(2))
	}
	return nil
}

// entryGeometry widens a too-tight stop to the fallback distance,
// recomputes the TP to keep the risk-reward ratio, and trims both to the
// tick grid.
func (e *Engine) entryGeometry(symbol string, side models.Side, price, sl, tp decimal.Decimal) (outSl, outTp, risk decimal.Decimal) {
	minGap := price.Mul(e.minSlDistance())
	risk = price.Sub(sl).Abs()

	if sl.Sign() <= 0 || risk.LessThanOrEqual(minGap) {
		fallback := price.Mul(decimal.NewFromFloat(e.cfg.Scalper.FallbackSlPct))
		e.logger.Printf("%s %s: stop %s within %s of entry %s, widening to fallback distance %s",
			symbol, side, sl, minGap, price, fallback)
		risk = fallback
		rr := decimal.NewFromFloat(e.cfg.Scalper.RiskRewardRatio)
		if side == models.SideLong {
			sl = price.Sub(fallback)
			tp = price.Add(fallback.Mul(rr))
		} else {
			sl = price.Add(fallback)
			tp = price.Sub(fallback.Mul(rr))
		}
	}

	return e.registry.RoundPriceDown(symbol, sl), e.registry.RoundPriceDown(symbol, tp), risk
}

// resolveFillPrice prefers the ack's average price, then queried fills,
// then a fresh ticker marked as estimated.
func (e *Engine) resolveFillPrice(ctx context.Context, symbol string, ack *broker.OrderAck) (decimal.Decimal, bool) {
	if ack.AvgPrice.Sign() > 0 {
		return ack.AvgPrice, false
	}
	if order, err := e.broker.GetOrder(ctx, symbol, ack.OrderID); err == nil {
		if p := order.FillPrice(); p.Sign() > 0 {
			return p, false
		}
	}
	if price, err := e.broker.LatestPrice(ctx, symbol); err == nil && price.Sign() > 0 {
		e.logger.Printf("%s order %d: no fill price reported, using ticker %s", symbol, ack.OrderID, price)
		return price, true
	}
	return decimal.Zero, false
}

// persistEntry stores the new position, attaches exit orders, and emits
// the ENTRY event.
func (e *Engine) persistEntry(ctx context.Context, sig *strategy.Signal, symbol string, side models.Side, entry, qty, sl, tp, partial decimal.Decimal, estimated bool) error {
	now := e.now().UTC()
	pos := &models.Position{
		Symbol:              symbol,
		Side:                side,
		EntryPrice:          entry,
		Size:                qty,
		StopLoss:            sl,
		TakeProfit:          tp,
		PeakPrice:           entry,
		Source:              sig.Source,
		Label:               sig.Reason,
		Confidence:          sig.Confidence,
		EntryTime:           now,
		EntryPriceEstimated: estimated,
		TrailingStopPct:     sig.TrailingStopPct,
	}
	if partial.Sign() > 0 {
		pos.PartialTpPrice = partial
		pos.PartialTpSize = e.registry.FloorQty(symbol, qty.Mul(sig.PartialSizePct))
		pos.TrailRemaining = e.cfg.Scalper.PartialTp.TrailRemaining
	}
	if e.cfg.HoldLimitHours > 0 {
		deadline := now.Add(time.Duration(e.cfg.HoldLimitHours) * time.Hour)
		pos.ExitTime = &deadline
	}

	if err := e.store.Add(pos); err != nil {
		e.tracker.Clear(symbol, side)
		e.alerts.Critical("entry-insane-"+symbol, "%s%s %s entry rejected by store: %v", e.dryTag(), symbol, side, err)
		return fmt.Errorf("persist position: %w", err)
	}
	e.tracker.MarkOpen(symbol, side)

	// Re-read: the store may have widened the stop, and the resting stop
	// order must sit at the stored price.
	if stored, ok := e.store.Get(symbol, side); ok {
		pos = stored
	}
	if !e.cfg.DryRun {
		e.attachExitOrders(ctx, pos)
	}
	e.recordEvent(models.LifecycleEvent{
		Symbol:     symbol,
		Side:       side,
		Type:       models.EventEntry,
		Price:      entry,
		Qty:        qty,
		EntryPrice: entry,
		StopLoss:   pos.StopLoss,
		TakeProfit: pos.TakeProfit,
		Reason:     sig.Reason,
		Source:     sig.Source,
	})
	e.alerts.Info("entry-"+symbol, "%s%s %s entry qty=%s at %s sl=%s tp=%s",
		e.dryTag(), symbol, side, qty, entry, pos.StopLoss, pos.TakeProfit)
	return nil
}

// attachExitOrders places the resting STOP_MARKET and TAKE_PROFIT_MARKET
// backstops and records their ids. A position left without a stop is a
// critical alert, not a rollback: the exit controller still manages it.
func (e *Engine) attachExitOrders(ctx context.Context, pos *models.Position) {
	symbol, side := pos.Symbol, pos.Side

	slAck, err := e.broker.PlaceStopOrder(ctx, broker.StopOrderRequest{
		Symbol:       symbol,
		Side:         side.CloseAction(),
		Type:         broker.OrderTypeStopMarket,
		StopPrice:    pos.StopLoss,
		Qty:          pos.Size,
		ReduceOnly:   e.reduceOnly(),
		PositionSide: e.positionSide(side),
	})
	if err != nil {
		e.alerts.Critical("naked-"+symbol, "%s %s position has no resting stop order: %v", symbol, side, err)
	}

	tpAck, tpErr := e.broker.PlaceStopOrder(ctx, broker.StopOrderRequest{
		Symbol:       symbol,
		Side:         side.CloseAction(),
		Type:         broker.OrderTypeTakeProfitMarket,
		StopPrice:    pos.TakeProfit,
		Qty:          pos.Size,
		ReduceOnly:   e.reduceOnly(),
		PositionSide: e.positionSide(side),
	})
	if tpErr != nil {
		e.alerts.Error("no-tp-"+symbol, "%s %s take-profit order failed: %v", symbol, side, tpErr)
	}

	if err := e.store.Update(symbol, side, func(p *models.Position) {
		if slAck != nil {
			p.StopOrderID = slAck.OrderID
		}
		if tpAck != nil {
			p.TpOrderID = tpAck.OrderID
		}
	}); err != nil {
		e.logger.Printf("%s %s: record exit order ids: %v", symbol, side, err)
	}
}

func (e *Engine) rejectEntry(symbol string, side models.Side, reason string) error {
	if len(reason) > 180 {
		reason = reason[:180]
	}
	e.logger.Printf("%s %s entry rejected: %s", symbol, side, reason)
	e.alerts.Error("entry-reject-"+symbol, "%s%s %s entry rejected: %s", e.dryTag(), symbol, side, reason)
	return nil
}
