package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/schrute_scalper/internal/broker"
	"github.com/eddiefleurent/schrute_scalper/internal/models"
)

// ExitLoop runs the exit controller until ctx is canceled: one evaluation
// pass over every open position roughly twice per second.
func (e *Engine) ExitLoop(ctx context.Context) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.EvaluateExits(ctx)
			e.beat()
		}
	}
}

// EvaluateExits runs one exit pass. A failure on one position never stops
// evaluation of the others.
func (e *Engine) EvaluateExits(ctx context.Context) {
	for _, pos := range e.store.All() {
		if err := e.evaluatePosition(ctx, pos); err != nil {
			e.logger.Printf("exit pass %s %s: %v", pos.Symbol, pos.Side, err)
		}
	}
}

// evaluatePosition applies the exit rules in priority order: sanity gate,
// stop loss, partial TP, trail activation, trailing stop, final TP, time
// exit. At most one rule fires per pass.
func (e *Engine) evaluatePosition(ctx context.Context, pos *models.Position) error {
	if !pos.IsSane(e.minSlDistance()) {
		if pos.EntryPrice.Sign() <= 0 && pos.BinanceMissingSince == nil {
			now := e.now()
			_ = e.store.Update(pos.Symbol, pos.Side, func(p *models.Position) {
				p.BinanceMissingSince = &now
			})
		}
		e.logger.Printf("%s %s: skipping insane record this pass", pos.Symbol, pos.Side)
		return nil
	}

	price, err := e.broker.LatestPrice(ctx, pos.Symbol)
	if err != nil {
		return fmt.Errorf("latest price: %w", err)
	}
	if price.Sign() <= 0 {
		return nil
	}

	long := pos.Side == models.SideLong

	// Stop loss, unless the trailing stop has taken over.
	if !pos.TrailActive {
		if (long && price.LessThanOrEqual(pos.StopLoss)) || (!long && price.GreaterThanOrEqual(pos.StopLoss)) {
			return e.fullExit(ctx, pos, price, models.EventSlExit, "stop loss hit")
		}
	}

	// Partial take-profit.
	if !pos.PartialTpDone && pos.PartialTpPrice.Sign() > 0 {
		if (long && price.GreaterThanOrEqual(pos.PartialTpPrice)) || (!long && price.LessThanOrEqual(pos.PartialTpPrice)) {
			return e.handleTp1(ctx, pos, price)
		}
	}

	// Trail activation: price must clear the partial TP by the buffer.
	if pos.AwaitingTrailActivation {
		buffer := decimal.NewFromFloat(trailActivationBufferPct)
		ref := pos.PartialTpPrice
		if ref.Sign() <= 0 {
			ref = pos.EntryPrice
		}
		armed := false
		if long {
			armed = price.GreaterThanOrEqual(ref.Mul(decimal.NewFromInt(1).Add(buffer)))
		} else {
			armed = price.LessThanOrEqual(ref.Mul(decimal.NewFromInt(1).Sub(buffer)))
		}
		if armed {
			e.logger.Printf("%s %s: trailing stop armed at %s", pos.Symbol, pos.Side, price)
			return e.store.Update(pos.Symbol, pos.Side, func(p *models.Position) {
				p.TrailActive = true
				p.AwaitingTrailActivation = false
				if p.PartialTpPrice.Sign() > 0 {
					p.StopLoss = p.PartialTpPrice
				}
				p.PeakPrice = price
			})
		}
	}

	// Trailing stop.
	if pos.TrailActive {
		if err := e.store.SetPeak(pos.Symbol, pos.Side, price); err != nil {
			return err
		}
		cur, ok := e.store.Get(pos.Symbol, pos.Side)
		if !ok {
			return nil
		}
		trailSl := e.trailingStop(cur)
		if trailSl.Sign() > 0 {
			if !trailSl.Equal(cur.TrailingSl) {
				_ = e.store.Update(pos.Symbol, pos.Side, func(p *models.Position) {
					p.TrailingSl = trailSl
				})
			}
			if (long && price.LessThanOrEqual(trailSl)) || (!long && price.GreaterThanOrEqual(trailSl)) {
				return e.fullExit(ctx, cur, price, models.EventTrailingExit, "trailing stop hit")
			}
		}
	}

	// Final take-profit.
	if (long && price.GreaterThanOrEqual(pos.TakeProfit)) || (!long && price.LessThanOrEqual(pos.TakeProfit)) {
		return e.fullExit(ctx, pos, price, models.EventTpExit, "take profit hit")
	}

	// Time-based exit.
	if pos.ExitTime != nil && e.now().After(*pos.ExitTime) {
		return e.fullExit(ctx, pos, price, models.EventTimeExit, "hold limit reached")
	}

	return nil
}

// trailingStop derives the current trailing stop from the peak and the
// position's trailing distance.
func (e *Engine) trailingStop(pos *models.Position) decimal.Decimal {
	pct := pos.TrailingStopPct
	if pct.Sign() <= 0 {
		return decimal.Zero
	}
	if pos.Side == models.SideLong {
		return pos.PeakPrice.Mul(decimal.NewFromInt(1).Sub(pct))
	}
	return pos.PeakPrice.Mul(decimal.NewFromInt(1).Add(pct))
}

// fullExit closes the remaining size of a position at market. On fill the
// record is removed and a lifecycle event emitted; on timeout the position
// stays in place and the sink is alerted for manual reconciliation.
func (e *Engine) fullExit(ctx context.Context, pos *models.Position, price decimal.Decimal, event models.EventType, reason string) error {
	symbol, side := pos.Symbol, pos.Side

	if e.cfg.DryRun {
		if !e.tracker.MarkExitPending(symbol, side) {
			return nil
		}
		e.finishExit(ctx, pos, price, pos.Size, event, reason)
		return nil
	}

	rows, err := e.broker.Positions(ctx, symbol)
	if err != nil {
		return fmt.Errorf("exchange position preflight: %w", err)
	}
	if !hasLivePosition(rows, side) {
		e.logger.Printf("%s %s: exchange flat, deferring to reconciliation", symbol, side)
		now := e.now()
		return e.store.Update(symbol, side, func(p *models.Position) {
			if p.BinanceMissingSince == nil {
				p.BinanceMissingSince = &now
			}
		})
	}

	if !e.tracker.MarkExitPending(symbol, side) {
		return nil
	}

	qty := e.registry.TrimQty(symbol, pos.Size, price)
	if qty.Sign() <= 0 {
		e.releaseExit(symbol, side)
		return fmt.Errorf("exit qty trimmed to zero for size %s", pos.Size)
	}

	ack, err := e.exec.PlaceMarketWithRetry(ctx, broker.OrderRequest{
		Symbol:        symbol,
		Side:          side.CloseAction(),
		Qty:           qty,
		ReduceOnly:    e.reduceOnly(),
		PositionSide:  e.positionSide(side),
		ClientOrderID: "exit-" + uuid.NewString()[:18],
	})
	if err != nil {
		e.releaseExit(symbol, side)
		e.alerts.Error("exit-fail-"+symbol, "%s %s exit order failed: %v", symbol, side, err)
		return fmt.Errorf("place exit order: %w", err)
	}

	executed, lastStatus, pollErr := e.poller.PollFill(ctx, symbol, ack.OrderID, qty)
	if executed.Sign() <= 0 {
		_ = e.store.Update(symbol, side, func(p *models.Position) {
			p.LastStopOrderStatus = lastStatus
		})
		if cancelErr := e.broker.CancelOrder(ctx, symbol, ack.OrderID); cancelErr != nil {
			e.logger.Printf("%s: cancel unfilled exit order %d: %v", symbol, ack.OrderID, cancelErr)
		}
		e.releaseExit(symbol, side)
		e.alerts.Critical("exit-stuck-"+symbol, "%s %s exit order %d did not fill (%s), manual reconciliation required", symbol, side, ack.OrderID, lastStatus)
		return fmt.Errorf("exit fill not observed: %w", pollErr)
	}

	exitPrice := price
	if order, err := e.broker.GetOrder(ctx, symbol, ack.OrderID); err == nil {
		if p := order.FillPrice(); p.Sign() > 0 {
			exitPrice = p
		}
	}

	e.finishExit(ctx, pos, exitPrice, executed, event, reason)
	return nil
}

// finishExit removes the record, clears the tracker, and emits the
// lifecycle event with realized PnL.
func (e *Engine) finishExit(ctx context.Context, pos *models.Position, exitPrice, qty decimal.Decimal, event models.EventType, reason string) {
	symbol, side := pos.Symbol, pos.Side
	pnl := pos.RealizedPnl(exitPrice, qty)

	if err := e.store.Close(ctx, symbol, side); err != nil {
		e.logger.Printf("%s %s: remove closed position: %v", symbol, side, err)
	}
	e.tracker.Clear(symbol, side)

	e.recordEvent(models.LifecycleEvent{
		Symbol:     symbol,
		Side:       side,
		Type:       event,
		Price:      exitPrice,
		Qty:        qty,
		EntryPrice: pos.EntryPrice,
		Pnl:        pnl,
		StopLoss:   pos.StopLoss,
		TakeProfit: pos.TakeProfit,
		Reason:     reason,
		Source:     pos.Source,
	})
	e.alerts.Info("exit-"+symbol, "%s%s %s %s qty=%s at %s pnl=%s (%s)",
		e.dryTag(), symbol, side, event, qty, exitPrice, pnl.StringFixed(4), reason)
	e.noteExit(symbol, pos.Source, event)
	e.snapshotEquity(ctx, string(event))
}

// releaseExit hands the key back to OPEN after a failed exit attempt.
func (e *Engine) releaseExit(symbol string, side models.Side) {
	e.tracker.Clear(symbol, side)
	e.tracker.MarkOpen(symbol, side)
}

// handleTp1 executes the poll-confirmed partial take-profit.
func (e *Engine) handleTp1(ctx context.Context, pos *models.Position, price decimal.Decimal) error {
	symbol, side := pos.Symbol, pos.Side
	step := e.registry.StepSize(symbol)

	qty := e.registry.TrimQty(symbol, pos.PartialTpSize, price)
	if qty.Sign() <= 0 {
		rows, err := e.broker.Positions(ctx, symbol)
		if err != nil {
			return fmt.Errorf("tp1 position query: %w", err)
		}
		if hasLivePosition(rows, side) {
			return e.fullExit(ctx, pos, price, models.EventTpExit, "partial size below step, closing remainder")
		}
		now := e.now()
		return e.store.Update(symbol, side, func(p *models.Position) {
			if p.BinanceMissingSince == nil {
				p.BinanceMissingSince = &now
			}
		})
	}

	// A partial that leaves dust closes the whole position instead.
	if pos.Size.Sub(qty).LessThan(step) {
		return e.fullExit(ctx, pos, price, models.EventTpExit, "tp1 residual below step, closing full size")
	}

	if e.cfg.DryRun {
		if !e.tracker.MarkExitPending(symbol, side) {
			return nil
		}
		err := e.applyTp1(pos, qty)
		e.releaseExit(symbol, side)
		if err == nil {
			e.emitTp1(ctx, pos, price, qty)
		}
		return err
	}

	if !e.tracker.MarkExitPending(symbol, side) {
		return nil
	}

	ack, err := e.broker.PlaceMarketOrder(ctx, broker.OrderRequest{
		Symbol:        symbol,
		Side:          side.CloseAction(),
		Qty:           qty,
		ReduceOnly:    e.reduceOnly(),
		PositionSide:  e.positionSide(side),
		ClientOrderID: "tp1-" + uuid.NewString()[:18],
	})
	if err != nil {
		e.releaseExit(symbol, side)
		e.alerts.Error("tp1-fail-"+symbol, "%s %s partial TP order failed: %v", symbol, side, err)
		return fmt.Errorf("place partial TP order: %w", err)
	}

	executed, lastStatus, pollErr := e.poller.PollFill(ctx, symbol, ack.OrderID, qty)
	executedTrimmed := e.registry.FloorQty(symbol, executed)

	if executedTrimmed.Sign() <= 0 {
		_ = e.store.Update(symbol, side, func(p *models.Position) {
			p.LastPartialOrderID = ack.OrderID
			p.LastStopOrderStatus = lastStatus
		})
		if cancelErr := e.broker.CancelOrder(ctx, symbol, ack.OrderID); cancelErr != nil {
			e.logger.Printf("%s: cancel unfilled partial TP order %d: %v", symbol, ack.OrderID, cancelErr)
		}
		e.releaseExit(symbol, side)
		e.alerts.Error("tp1-nofill-"+symbol, "%s %s partial TP order did not fill (%s)", symbol, side, lastStatus)
		return fmt.Errorf("partial TP fill not observed: %w", pollErr)
	}

	// A fill that leaves dust behind finishes as a full close.
	if pos.Size.Sub(executedTrimmed).LessThan(step) {
		e.releaseExit(symbol, side)
		return e.fullExit(ctx, pos, price, models.EventTpExit, "tp1 fill consumed position, closing")
	}

	fillPrice := price
	if order, err := e.broker.GetOrder(ctx, symbol, ack.OrderID); err == nil {
		if p := order.FillPrice(); p.Sign() > 0 {
			fillPrice = p
		}
	}

	err = e.applyTp1(pos, executedTrimmed)
	e.releaseExit(symbol, side)
	if err != nil {
		return err
	}
	_ = e.store.Update(symbol, side, func(p *models.Position) {
		p.LastPartialOrderID = ack.OrderID
	})
	e.emitTp1(ctx, pos, fillPrice, executedTrimmed)
	return nil
}

// applyTp1 commits the post-partial state: reduced size, breakeven stop,
// trailing armed.
func (e *Engine) applyTp1(pos *models.Position, qty decimal.Decimal) error {
	now := e.now().UTC()
	return e.store.Update(pos.Symbol, pos.Side, func(p *models.Position) {
		p.Size = p.Size.Sub(qty)
		p.PartialTpDone = true
		p.Tp1Triggered = true
		p.AwaitingTrailActivation = true
		p.StopLoss = p.EntryPrice
		p.Breakeven = true
		p.BreakevenSetAt = &now
	})
}

func (e *Engine) emitTp1(ctx context.Context, pos *models.Position, fillPrice, qty decimal.Decimal) {
	pnl := pos.RealizedPnl(fillPrice, qty)
	e.recordEvent(models.LifecycleEvent{
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		Type:       models.EventTp1Partial,
		Price:      fillPrice,
		Qty:        qty,
		EntryPrice: pos.EntryPrice,
		Pnl:        pnl,
		StopLoss:   pos.EntryPrice,
		TakeProfit: pos.TakeProfit,
		Reason:     "partial take profit",
		Source:     pos.Source,
	})
	e.alerts.Info("tp1-"+pos.Symbol, "%s%s %s partial TP qty=%s at %s pnl=%s",
		e.dryTag(), pos.Symbol, pos.Side, qty, fillPrice, pnl.StringFixed(4))
	e.snapshotEquity(ctx, string(models.EventTp1Partial))
}

func hasLivePosition(rows []broker.PositionRisk, side models.Side) bool {
	for _, row := range rows {
		if row.IsOpen() && row.Side() == side {
			return true
		}
	}
	return false
}

// WatchdogLoop monitors the exit controller heartbeat. When the heartbeat
// goes stale it sweeps every open position synchronously over REST and
// forces exits on clear SL/TP violations.
func (e *Engine) WatchdogLoop(ctx context.Context) error {
	interval := time.Duration(e.cfg.Watchdog.PollIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			timeout := time.Duration(e.cfg.Watchdog.HeartbeatTimeoutSec) * time.Second
			if age := e.HeartbeatAge(); age > timeout {
				e.alerts.Error("heartbeat-stale", "exit controller heartbeat stale for %s, sweeping via REST", age.Round(time.Second))
				e.SweepPositions(ctx)
			}
		}
	}
}

// SweepPositions is the REST fallback pass: it prices every open position
// and forces an exit when the market sits past SL or TP by more than the
// configured buffer.
func (e *Engine) SweepPositions(ctx context.Context) {
	buffer := decimal.NewFromFloat(e.cfg.Watchdog.SlTpBufferPct)
	one := decimal.NewFromInt(1)

	for _, pos := range e.store.All() {
		if !pos.IsSane(e.minSlDistance()) {
			continue
		}
		price, err := e.broker.LatestPrice(ctx, pos.Symbol)
		if err != nil || price.Sign() <= 0 {
			continue
		}
		long := pos.Side == models.SideLong

		var slBreached, tpBreached bool
		if long {
			slBreached = price.LessThanOrEqual(pos.StopLoss.Mul(one.Sub(buffer)))
			tpBreached = price.GreaterThanOrEqual(pos.TakeProfit.Mul(one.Add(buffer)))
		} else {
			slBreached = price.GreaterThanOrEqual(pos.StopLoss.Mul(one.Add(buffer)))
			tpBreached = price.LessThanOrEqual(pos.TakeProfit.Mul(one.Sub(buffer)))
		}

		switch {
		case slBreached && !pos.TrailActive:
			if err := e.fullExit(ctx, pos, price, models.EventRestExitSl, "watchdog: stop loss breached"); err != nil {
				e.logger.Printf("watchdog exit %s %s: %v", pos.Symbol, pos.Side, err)
			}
		case tpBreached:
			if err := e.fullExit(ctx, pos, price, models.EventRestExitTp, "watchdog: take profit breached"); err != nil {
				e.logger.Printf("watchdog exit %s %s: %v", pos.Symbol, pos.Side, err)
			}
		}
	}
}
