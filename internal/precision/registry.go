// Package precision normalizes prices and quantities to the exchange's
// per-symbol step size, tick size, and minimum notional. Every quantity or
// price submitted to the exchange passes through this registry; all
// arithmetic is decimal so step boundaries never drift through binary
// floats.
package precision

import (
	"log"
	"os"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// SymbolPrecision holds the exchange filters for one symbol.
type SymbolPrecision struct {
	StepSize         decimal.Decimal
	TickSize         decimal.Decimal
	MinQty           decimal.Decimal
	MaxQty           decimal.Decimal
	MinNotional      decimal.Decimal
	QuantityDecimals int32
	PriceDecimals    int32
}

// defaultPrecision is the conservative fallback for symbols the registry
// does not know: 8-decimal flooring and no notional floor.
var defaultPrecision = SymbolPrecision{
	StepSize:         decimal.New(1, -8),
	TickSize:         decimal.New(1, -8),
	MinQty:           decimal.New(1, -8),
	MaxQty:           decimal.New(1, 9),
	MinNotional:      decimal.Zero,
	QuantityDecimals: 8,
	PriceDecimals:    8,
}

// missingLogTTL limits how often a missing-symbol warning repeats.
const missingLogTTL = time.Hour

// Registry is the symbol precision table. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	symbols   map[string]SymbolPrecision
	missingAt map[string]time.Time
	logger    *log.Logger
}

// NewRegistry builds a registry seeded with the static table for the major
// USDT-margined perpetuals. Config overrides and exchange refreshes layer on
// top via Set.
func NewRegistry(logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.New(os.Stderr, "precision: ", log.LstdFlags)
	}
	r := &Registry{
		symbols:   make(map[string]SymbolPrecision),
		missingAt: make(map[string]time.Time),
		logger:    logger,
	}
	for sym, p := range staticTable() {
		r.symbols[sym] = p
	}
	return r
}

func staticTable() map[string]SymbolPrecision {
	mk := func(step, tick, minQty, minNotional string, qd, pd int32) SymbolPrecision {
		return SymbolPrecision{
			StepSize:         decimal.RequireFromString(step),
			TickSize:         decimal.RequireFromString(tick),
			MinQty:           decimal.RequireFromString(minQty),
			MaxQty:           decimal.New(1, 9),
			MinNotional:      decimal.RequireFromString(minNotional),
			QuantityDecimals: qd,
			PriceDecimals:    pd,
		}
	}
	return map[string]SymbolPrecision{
		"BTCUSDT":  mk("0.001", "0.10", "0.001", "100", 3, 1),
		"ETHUSDT":  mk("0.001", "0.01", "0.001", "20", 3, 2),
		"BNBUSDT":  mk("0.01", "0.010", "0.01", "5", 2, 3),
		"SOLUSDT":  mk("1", "0.0100", "1", "5", 0, 4),
		"XRPUSDT":  mk("0.1", "0.0001", "0.1", "5", 1, 4),
		"DOGEUSDT": mk("1", "0.000010", "1", "5", 0, 6),
		"ADAUSDT":  mk("1", "0.00010", "1", "5", 0, 5),
		"LINKUSDT": mk("0.01", "0.001", "0.01", "5", 2, 3),
		"AVAXUSDT": mk("1", "0.0010", "1", "5", 0, 4),
		"LTCUSDT":  mk("0.001", "0.01", "0.001", "20", 3, 2),
	}
}

// Get returns the precision for symbol, falling back to the conservative
// default when the symbol is unknown. The fallback is logged at most once
// per symbol per TTL; lookups never fail.
func (r *Registry) Get(symbol string) SymbolPrecision {
	r.mu.RLock()
	p, ok := r.symbols[symbol]
	r.mu.RUnlock()
	if ok {
		return p
	}

	r.mu.Lock()
	if last, seen := r.missingAt[symbol]; !seen || time.Since(last) > missingLogTTL {
		r.missingAt[symbol] = time.Now()
		r.logger.Printf("no precision entry for %s, using 8-decimal defaults", symbol)
	}
	r.mu.Unlock()
	return defaultPrecision
}

// Set installs or replaces the precision entry for symbol.
func (r *Registry) Set(symbol string, p SymbolPrecision) {
	if p.StepSize.Sign() <= 0 {
		p.StepSize = defaultPrecision.StepSize
	}
	if p.TickSize.Sign() <= 0 {
		p.TickSize = defaultPrecision.TickSize
	}
	if p.MaxQty.Sign() <= 0 {
		p.MaxQty = defaultPrecision.MaxQty
	}
	r.mu.Lock()
	r.symbols[symbol] = p
	delete(r.missingAt, symbol)
	r.mu.Unlock()
}

// RoundPriceDown floors price to the symbol's tick size.
func (r *Registry) RoundPriceDown(symbol string, price decimal.Decimal) decimal.Decimal {
	p := r.Get(symbol)
	return floorToStep(price, p.TickSize)
}

// FloorQty floors qty to the symbol's step size.
func (r *Registry) FloorQty(symbol string, qty decimal.Decimal) decimal.Decimal {
	p := r.Get(symbol)
	return floorToStep(qty, p.StepSize)
}

// MinQtyForNotional returns the smallest step-aligned quantity whose
// notional at price satisfies the symbol's minimum, never less than one
// step.
func (r *Registry) MinQtyForNotional(symbol string, price decimal.Decimal) decimal.Decimal {
	p := r.Get(symbol)
	if price.Sign() <= 0 {
		return p.StepSize
	}
	qty := ceilToStep(p.MinNotional.Div(price), p.StepSize)
	if qty.LessThan(p.StepSize) {
		qty = p.StepSize
	}
	if qty.LessThan(p.MinQty) {
		qty = ceilToStep(p.MinQty, p.StepSize)
	}
	return qty
}

// TrimQty floors qty to the step size. When flooring a positive request
// yields zero and a price is available, the quantity escalates to the
// minimum notional-satisfying size instead; the escalation is logged.
func (r *Registry) TrimQty(symbol string, qty, price decimal.Decimal) decimal.Decimal {
	p := r.Get(symbol)
	trimmed := floorToStep(qty, p.StepSize)
	if trimmed.Sign() > 0 {
		if trimmed.GreaterThan(p.MaxQty) {
			trimmed = floorToStep(p.MaxQty, p.StepSize)
		}
		return trimmed
	}
	if qty.Sign() <= 0 || price.Sign() <= 0 {
		return decimal.Zero
	}
	escalated := r.MinQtyForNotional(symbol, price)
	r.logger.Printf("%s qty %s floored to zero at step %s, escalating to %s for min notional %s",
		symbol, qty, p.StepSize, escalated, p.MinNotional)
	return escalated
}

// MinNotional returns the symbol's notional floor.
func (r *Registry) MinNotional(symbol string) decimal.Decimal {
	return r.Get(symbol).MinNotional
}

// StepSize returns the symbol's quantity increment.
func (r *Registry) StepSize(symbol string) decimal.Decimal {
	return r.Get(symbol).StepSize
}

func floorToStep(v, step decimal.Decimal) decimal.Decimal {
	if step.Sign() <= 0 {
		return v
	}
	return v.Div(step).Floor().Mul(step)
}

func ceilToStep(v, step decimal.Decimal) decimal.Decimal {
	if step.Sign() <= 0 {
		return v
	}
	return v.Div(step).Ceil().Mul(step)
}
