package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// breakevenEps is the absolute tolerance when comparing a stop moved to
// breakeven against the entry price.
var breakevenEps = decimal.New(1, -8)

// Position is the durable record of one open futures position, keyed by
// (symbol, side). Optional decimal fields use zero to mean "unset"; every
// real price in this domain is strictly positive.
type Position struct {
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
	Size       decimal.Decimal `json:"size"`
	StopLoss   decimal.Decimal `json:"stopLoss"`
	TakeProfit decimal.Decimal `json:"takeProfit"`
	PeakPrice  decimal.Decimal `json:"peakPrice"`

	PartialTpPrice decimal.Decimal `json:"partialTpPrice"`
	PartialTpSize  decimal.Decimal `json:"partialTpSize"`
	PartialTpDone  bool            `json:"partialTpDone"`
	TrailRemaining bool            `json:"trailRemaining"`

	Tp1Triggered            bool            `json:"tp1Triggered"`
	AwaitingTrailActivation bool            `json:"awaitingTrailActivation"`
	TrailActive             bool            `json:"trailActive"`
	TrailingSl              decimal.Decimal `json:"trailingSl"`
	TrailingStopPct         decimal.Decimal `json:"trailingStopPct"`

	Breakeven      bool       `json:"breakeven"`
	BreakevenSetAt *time.Time `json:"breakevenSetAt,omitempty"`

	BinanceMissingSince *time.Time `json:"binanceMissingSince,omitempty"`

	Source     string  `json:"source"`
	Label      string  `json:"label,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`

	EntryTime time.Time  `json:"entryTime"`
	ExitTime  *time.Time `json:"exitTime,omitempty"`

	// EntryPriceEstimated marks positions whose entry price came from a
	// ticker fallback rather than a confirmed fill.
	EntryPriceEstimated bool `json:"entryPriceEstimated,omitempty"`

	StopOrderID         int64  `json:"stopOrderId,omitempty"`
	TpOrderID           int64  `json:"tpOrderId,omitempty"`
	LastPartialOrderID  int64  `json:"lastPartialOrderId,omitempty"`
	LastStopOrderStatus string `json:"lastStopOrderStatus,omitempty"`
}

// Key returns the store key for this position.
func (p *Position) Key() string {
	return PositionKey(p.Symbol, p.Side)
}

// Copy returns a deep copy of the position.
func (p *Position) Copy() *Position {
	cp := *p
	if p.BreakevenSetAt != nil {
		t := *p.BreakevenSetAt
		cp.BreakevenSetAt = &t
	}
	if p.BinanceMissingSince != nil {
		t := *p.BinanceMissingSince
		cp.BinanceMissingSince = &t
	}
	if p.ExitTime != nil {
		t := *p.ExitTime
		cp.ExitTime = &t
	}
	return &cp
}

// AtBreakeven reports whether the stop is allowed to sit on the entry
// price: only after a partial take-profit or while waiting on trail
// activation.
func (p *Position) AtBreakeven() bool {
	return p.Breakeven || p.Tp1Triggered || p.AwaitingTrailActivation
}

// IsSane checks the structural invariants of a position record.
// minSlDistance is the minimum stop distance expressed as a fraction of the
// entry price (e.g. 0.0005). A record failing this predicate must never be
// stored under its primary key.
func (p *Position) IsSane(minSlDistance decimal.Decimal) bool {
	if !p.Side.Valid() {
		return false
	}
	if p.Size.Sign() <= 0 || p.EntryPrice.Sign() <= 0 {
		return false
	}
	if p.StopLoss.Sign() <= 0 || p.TakeProfit.Sign() <= 0 {
		return false
	}

	slGap := p.EntryPrice.Sub(p.StopLoss).Abs()
	tol := decimal.Max(breakevenEps, p.EntryPrice.Abs().Mul(decimal.New(1, -8)))
	if p.AtBreakeven() && slGap.LessThanOrEqual(tol) {
		return p.partialGeometryOK()
	}

	// A ratcheting trailing stop sits on the profit side of entry, so the
	// entry/stop ordering no longer applies.
	if p.TrailActive {
		return p.partialGeometryOK()
	}

	minGap := p.EntryPrice.Mul(minSlDistance)
	switch p.Side {
	case SideLong:
		if !p.StopLoss.LessThan(p.EntryPrice) || !p.EntryPrice.LessThan(p.TakeProfit) {
			return false
		}
	case SideShort:
		if !p.TakeProfit.LessThan(p.EntryPrice) || !p.EntryPrice.LessThan(p.StopLoss) {
			return false
		}
	}
	if slGap.LessThan(minGap) {
		return false
	}

	return p.partialGeometryOK()
}

// partialGeometryOK verifies that a set partial TP price lies strictly
// between entry and take-profit on the profit side. Once the partial has
// executed the stored price is historical and no longer constrained.
func (p *Position) partialGeometryOK() bool {
	if p.PartialTpPrice.Sign() <= 0 || p.PartialTpDone {
		return true
	}
	if p.Side == SideLong {
		return p.PartialTpPrice.GreaterThan(p.EntryPrice) && p.PartialTpPrice.LessThan(p.TakeProfit)
	}
	return p.PartialTpPrice.LessThan(p.EntryPrice) && p.PartialTpPrice.GreaterThan(p.TakeProfit)
}

// RealizedPnl returns the signed PnL of closing qty units at exitPrice.
func (p *Position) RealizedPnl(exitPrice, qty decimal.Decimal) decimal.Decimal {
	diff := exitPrice.Sub(p.EntryPrice)
	if p.Side == SideShort {
		diff = diff.Neg()
	}
	return diff.Mul(qty)
}

// UnrealizedPnl returns the mark-to-market PnL of the remaining size at the
// given price.
func (p *Position) UnrealizedPnl(price decimal.Decimal) decimal.Decimal {
	return p.RealizedPnl(price, p.Size)
}

// InProfit reports whether price is on the profit side of entry.
func (p *Position) InProfit(price decimal.Decimal) bool {
	if p.Side == SideLong {
		return price.GreaterThan(p.EntryPrice)
	}
	return price.LessThan(p.EntryPrice)
}
