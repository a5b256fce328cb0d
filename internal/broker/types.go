package broker

import (
	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/schrute_scalper/internal/models"
)

// Order statuses the lifecycle code inspects.
const (
	StatusNew             = "NEW"
	StatusPartiallyFilled = "PARTIALLY_FILLED"
	StatusFilled          = "FILLED"
	StatusCanceled        = "CANCELED"
	StatusExpired         = "EXPIRED"
	StatusRejected        = "REJECTED"
)

// Stop order types.
const (
	OrderTypeStopMarket       = "STOP_MARKET"
	OrderTypeTakeProfitMarket = "TAKE_PROFIT_MARKET"
)

// OrderRequest describes a MARKET order.
type OrderRequest struct {
	Symbol        string
	Side          string // BUY or SELL
	Qty           decimal.Decimal
	PositionSide  string // LONG/SHORT in hedge mode, empty in one-way
	ReduceOnly    bool
	ClientOrderID string
}

// StopOrderRequest describes a resting STOP_MARKET or TAKE_PROFIT_MARKET
// order attached to a position.
type StopOrderRequest struct {
	Symbol        string
	Side          string
	Type          string
	StopPrice     decimal.Decimal
	Qty           decimal.Decimal
	ReduceOnly    bool
	PositionSide  string
	ClientOrderID string
}

// OrderAck is the exchange acknowledgment of a placed order.
type OrderAck struct {
	OrderID       int64           `json:"orderId"`
	ClientOrderID string          `json:"clientOrderId"`
	Symbol        string          `json:"symbol"`
	Status        string          `json:"status"`
	AvgPrice      decimal.Decimal `json:"avgPrice"`
	ExecutedQty   decimal.Decimal `json:"executedQty"`
}

// Fill is one execution of an order.
type Fill struct {
	Price decimal.Decimal `json:"price"`
	Qty   decimal.Decimal `json:"qty"`
}

// Order is the queried state of an order.
type Order struct {
	OrderID     int64           `json:"orderId"`
	Symbol      string          `json:"symbol"`
	Status      string          `json:"status"`
	ExecutedQty decimal.Decimal `json:"executedQty"`
	AvgPrice    decimal.Decimal `json:"avgPrice"`
	Fills       []Fill          `json:"fills,omitempty"`
}

// FilledQty returns the executed quantity, preferring the executedQty field
// and falling back to summing individual fills.
func (o *Order) FilledQty() decimal.Decimal {
	if o.ExecutedQty.Sign() > 0 {
		return o.ExecutedQty
	}
	total := decimal.Zero
	for _, f := range o.Fills {
		total = total.Add(f.Qty)
	}
	return total
}

// FillPrice returns the average fill price, falling back to the first fill.
// Zero means no fill information is available.
func (o *Order) FillPrice() decimal.Decimal {
	if o.AvgPrice.Sign() > 0 {
		return o.AvgPrice
	}
	if len(o.Fills) > 0 {
		return o.Fills[0].Price
	}
	return decimal.Zero
}

// IsTerminal reports whether the order can no longer fill.
func (o *Order) IsTerminal() bool {
	switch o.Status {
	case StatusFilled, StatusCanceled, StatusExpired, StatusRejected:
		return true
	default:
		return false
	}
}

// PositionRisk is one row of the exchange's position report.
type PositionRisk struct {
	Symbol       string          `json:"symbol"`
	PositionAmt  decimal.Decimal `json:"positionAmt"`
	EntryPrice   decimal.Decimal `json:"entryPrice"`
	MarkPrice    decimal.Decimal `json:"markPrice"`
	PositionSide string          `json:"positionSide"`
}

// Side derives the direction from the signed position amount, or from the
// explicit positionSide in hedge mode.
func (p PositionRisk) Side() models.Side {
	switch p.PositionSide {
	case "LONG":
		return models.SideLong
	case "SHORT":
		return models.SideShort
	}
	if p.PositionAmt.Sign() < 0 {
		return models.SideShort
	}
	return models.SideLong
}

// Qty returns the absolute position size.
func (p PositionRisk) Qty() decimal.Decimal {
	return p.PositionAmt.Abs()
}

// IsOpen reports whether the exchange holds any quantity.
func (p PositionRisk) IsOpen() bool {
	return p.PositionAmt.Sign() != 0
}

// SymbolFilters are the exchange filters governing order legality for one
// symbol.
type SymbolFilters struct {
	Symbol            string
	StepSize          decimal.Decimal
	TickSize          decimal.Decimal
	MinQty            decimal.Decimal
	MaxQty            decimal.Decimal
	MinNotional       decimal.Decimal
	QuantityPrecision int32
	PricePrecision    int32
}

// ClosedCandle is one closed kline emitted by the stream.
type ClosedCandle struct {
	Symbol string
	Candle models.Candle
}
