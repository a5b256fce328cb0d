package engine

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/schrute_scalper/internal/models"
)

// syncedSource tags positions synthesized from exchange state rather than
// opened by a strategy.
const syncedSource = "synced"

// ReconcileLoop runs Reconcile on a fixed cadence until ctx is canceled.
func (e *Engine) ReconcileLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.Reconcile(ctx); err != nil {
				e.logger.Printf("reconcile: %v", err)
			}
		}
	}
}

// Reconcile compares local positions against the exchange's report.
// Locally known positions absent from the exchange are removed only after
// the grace window; exchange positions unknown locally are synthesized, or
// diverted to an incomplete marker when the exchange reports no entry
// price.
func (e *Engine) Reconcile(ctx context.Context) error {
	if e.cfg.DryRun {
		return nil
	}
	rows, err := e.broker.Positions(ctx, "")
	if err != nil {
		return err
	}
	now := e.now()
	grace := e.cfg.GraceWindow()

	live := make(map[string]decimal.Decimal)
	for _, row := range rows {
		if row.IsOpen() {
			live[models.PositionKey(row.Symbol, row.Side())] = row.EntryPrice
		}
	}

	for _, pos := range e.store.All() {
		entry, onExchange := live[pos.Key()]
		if onExchange {
			e.confirmPosition(pos, entry)
			continue
		}

		if pos.BinanceMissingSince == nil {
			e.logger.Printf("%s %s missing on exchange, grace window started", pos.Symbol, pos.Side)
			if err := e.store.Update(pos.Symbol, pos.Side, func(p *models.Position) {
				p.BinanceMissingSince = &now
			}); err != nil {
				e.logger.Printf("mark %s missing: %v", pos.Key(), err)
			}
			continue
		}
		if now.Sub(*pos.BinanceMissingSince) <= grace {
			e.logger.Printf("%s %s still missing (%.0fs into grace window)",
				pos.Symbol, pos.Side, now.Sub(*pos.BinanceMissingSince).Seconds())
			continue
		}

		// The exchange side is already flat, so this is local cleanup
		// only: no exit order and no exit lifecycle row.
		e.logger.Printf("%s %s absent beyond grace window, removing local record", pos.Symbol, pos.Side)
		if err := e.store.Close(ctx, pos.Symbol, pos.Side); err != nil {
			e.logger.Printf("remove %s: %v", pos.Key(), err)
			continue
		}
		e.tracker.Clear(pos.Symbol, pos.Side)
		e.alerts.Info("reconcile-removed-"+pos.Symbol, "%s %s removed: exchange flat past grace window", pos.Symbol, pos.Side)
	}

	for _, row := range rows {
		if !row.IsOpen() {
			continue
		}
		if _, known := e.store.Get(row.Symbol, row.Side()); known {
			continue
		}
		e.adoptPosition(row.Symbol, row.Side(), row.Qty(), row.EntryPrice, now)
	}

	return nil
}

// confirmPosition clears a stale missing marker and upgrades an estimated
// entry price with the exchange's authoritative one.
func (e *Engine) confirmPosition(pos *models.Position, exchangeEntry decimal.Decimal) {
	needsClear := pos.BinanceMissingSince != nil
	needsEntry := pos.EntryPriceEstimated && exchangeEntry.Sign() > 0
	if !needsClear && !needsEntry {
		return
	}
	if err := e.store.Update(pos.Symbol, pos.Side, func(p *models.Position) {
		p.BinanceMissingSince = nil
		if needsEntry {
			p.EntryPrice = exchangeEntry
			p.EntryPriceEstimated = false
		}
	}); err != nil {
		e.logger.Printf("confirm %s: %v", pos.Key(), err)
	}
}

// adoptPosition synthesizes a local record for an exchange position the
// bot does not know. Without a usable entry price only an incomplete
// marker is stored.
func (e *Engine) adoptPosition(symbol string, side models.Side, qty, entry decimal.Decimal, now time.Time) {
	if entry.Sign() <= 0 {
		e.logger.Printf("%s %s on exchange with no entry price, marking incomplete", symbol, side)
		if err := e.store.MarkIncomplete(symbol, side, &models.Position{
			Symbol:    symbol,
			Side:      side,
			Size:      qty,
			Source:    syncedSource,
			EntryTime: now.UTC(),
		}); err != nil {
			e.logger.Printf("mark %s incomplete: %v", models.PositionKey(symbol, side), err)
		}
		return
	}

	risk := entry.Mul(e.minSlDistance())
	rr := decimal.NewFromFloat(e.cfg.Scalper.RiskRewardRatio)
	var sl, tp decimal.Decimal
	if side == models.SideLong {
		sl = entry.Sub(risk)
		tp = entry.Add(risk.Mul(rr))
	} else {
		sl = entry.Add(risk)
		tp = entry.Sub(risk.Mul(rr))
	}

	pos := &models.Position{
		Symbol:     symbol,
		Side:       side,
		EntryPrice: entry,
		Size:       qty,
		StopLoss:   sl,
		TakeProfit: tp,
		PeakPrice:  entry,
		Source:     syncedSource,
		EntryTime:  now.UTC(),
	}
	if e.cfg.HoldLimitHours > 0 {
		deadline := now.UTC().Add(time.Duration(e.cfg.HoldLimitHours) * time.Hour)
		pos.ExitTime = &deadline
	}

	e.logger.Printf("%s %s adopted from exchange: qty=%s entry=%s", symbol, side, qty, entry)
	if err := e.store.Add(pos); err != nil {
		e.logger.Printf("adopt %s: %v", pos.Key(), err)
		return
	}
	e.tracker.MarkOpen(symbol, side)
	e.alerts.Info("reconcile-adopted-"+symbol, "%s %s adopted from exchange at %s", symbol, side, entry)
}
