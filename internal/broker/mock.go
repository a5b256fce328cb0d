package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/schrute_scalper/internal/models"
)

// Mock is an in-memory Broker for tests. By default every market order
// fills immediately at the configured price; hooks allow individual tests
// to inject partial fills, timeouts, and rejects.
type Mock struct {
	mu sync.Mutex

	Prices    map[string]decimal.Decimal
	Candles   map[string][]models.Candle
	Rows      []PositionRisk
	Hedge     bool
	Balances  map[string]decimal.Decimal
	Filters   map[string]*SymbolFilters
	OrderBook map[int64]*Order

	MarketOrders  []OrderRequest
	StopOrders    []StopOrderRequest
	CanceledIDs   []int64
	LeverageCalls map[string]int

	PlaceMarketErr error
	PlaceStopErr   error
	GetOrderErr    error
	PositionsErr   error
	BalanceErr     error
	PriceErr       error

	// OnPlaceMarket, when set, overrides the default immediate-fill ack.
	OnPlaceMarket func(req OrderRequest) (*OrderAck, error)
	// OnGetOrder, when set, overrides the stored order lookup.
	OnGetOrder func(symbol string, orderID int64) (*Order, error)

	nextOrderID int64
}

// NewMock returns an empty mock with all maps initialized.
func NewMock() *Mock {
	return &Mock{
		Prices:        make(map[string]decimal.Decimal),
		Candles:       make(map[string][]models.Candle),
		Balances:      make(map[string]decimal.Decimal),
		Filters:       make(map[string]*SymbolFilters),
		OrderBook:     make(map[int64]*Order),
		LeverageCalls: make(map[string]int),
		nextOrderID:   1000,
	}
}

// SetPosition replaces the exchange-side row for (symbol, side).
func (m *Mock) SetPosition(symbol string, side models.Side, qty, entry decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	amt := qty
	if side == models.SideShort {
		amt = qty.Neg()
	}
	for i, row := range m.Rows {
		if row.Symbol == symbol && row.Side() == side {
			m.Rows[i].PositionAmt = amt
			m.Rows[i].EntryPrice = entry
			return
		}
	}
	m.Rows = append(m.Rows, PositionRisk{Symbol: symbol, PositionAmt: amt, EntryPrice: entry, PositionSide: "BOTH"})
}

// ClearPositions removes all exchange-side rows.
func (m *Mock) ClearPositions() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Rows = nil
}

func (m *Mock) Balance(_ context.Context, asset string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.BalanceErr != nil {
		return decimal.Zero, m.BalanceErr
	}
	if bal, ok := m.Balances[asset]; ok {
		return bal, nil
	}
	return decimal.NewFromInt(10000), nil
}

func (m *Mock) Positions(_ context.Context, symbol string) ([]PositionRisk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PositionsErr != nil {
		return nil, m.PositionsErr
	}
	out := make([]PositionRisk, 0, len(m.Rows))
	for _, row := range m.Rows {
		if symbol == "" || row.Symbol == symbol {
			out = append(out, row)
		}
	}
	return out, nil
}

func (m *Mock) PositionMode(_ context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Hedge, nil
}

func (m *Mock) SetLeverage(_ context.Context, symbol string, leverage int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LeverageCalls[symbol] = leverage
	return nil
}

func (m *Mock) LatestPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PriceErr != nil {
		return decimal.Zero, m.PriceErr
	}
	price, ok := m.Prices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("no mock price for %s", symbol)
	}
	return price, nil
}

func (m *Mock) RecentCandles(_ context.Context, symbol, _ string, limit int) ([]models.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	candles := m.Candles[symbol]
	if limit > 0 && len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	out := make([]models.Candle, len(candles))
	copy(out, candles)
	return out, nil
}

func (m *Mock) SymbolFilters(_ context.Context, symbol string) (*SymbolFilters, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.Filters[symbol]; ok {
		cp := *f
		return &cp, nil
	}
	return nil, fmt.Errorf("no mock filters for %s", symbol)
}

func (m *Mock) PlaceMarketOrder(_ context.Context, req OrderRequest) (*OrderAck, error) {
	m.mu.Lock()
	hook := m.OnPlaceMarket
	if m.PlaceMarketErr != nil {
		err := m.PlaceMarketErr
		m.mu.Unlock()
		return nil, err
	}
	m.MarketOrders = append(m.MarketOrders, req)
	m.mu.Unlock()

	if hook != nil {
		return hook(req)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextOrderID++
	id := m.nextOrderID
	price := m.Prices[req.Symbol]
	order := &Order{
		OrderID:     id,
		Symbol:      req.Symbol,
		Status:      StatusFilled,
		ExecutedQty: req.Qty,
		AvgPrice:    price,
	}
	m.OrderBook[id] = order
	return &OrderAck{
		OrderID:       id,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Status:        StatusFilled,
		AvgPrice:      price,
		ExecutedQty:   req.Qty,
	}, nil
}

func (m *Mock) PlaceStopOrder(_ context.Context, req StopOrderRequest) (*OrderAck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PlaceStopErr != nil {
		return nil, m.PlaceStopErr
	}
	m.StopOrders = append(m.StopOrders, req)
	m.nextOrderID++
	id := m.nextOrderID
	m.OrderBook[id] = &Order{OrderID: id, Symbol: req.Symbol, Status: StatusNew}
	return &OrderAck{OrderID: id, Symbol: req.Symbol, Status: StatusNew}, nil
}

func (m *Mock) GetOrder(_ context.Context, symbol string, orderID int64) (*Order, error) {
	m.mu.Lock()
	hook := m.OnGetOrder
	err := m.GetOrderErr
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if hook != nil {
		return hook(symbol, orderID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.OrderBook[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *order
	return &cp, nil
}

func (m *Mock) CancelOrder(_ context.Context, _ string, orderID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CanceledIDs = append(m.CanceledIDs, orderID)
	if order, ok := m.OrderBook[orderID]; ok && !order.IsTerminal() {
		order.Status = StatusCanceled
	}
	return nil
}

func (m *Mock) ServerTime(_ context.Context) (time.Time, error) {
	return time.Now(), nil
}

func (m *Mock) SyncTimeOffset(_ context.Context) error {
	return nil
}
