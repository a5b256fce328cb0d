package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/schrute_scalper/internal/models"
)

// Broker is the typed surface over the exchange. It carries no business
// logic: callers own sizing, risk checks, and lifecycle state. All methods
// are safe for concurrent use.
type Broker interface {
	// Account
	Balance(ctx context.Context, asset string) (decimal.Decimal, error)
	Positions(ctx context.Context, symbol string) ([]PositionRisk, error)
	PositionMode(ctx context.Context) (hedge bool, err error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	// Market data
	LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	RecentCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)
	SymbolFilters(ctx context.Context, symbol string) (*SymbolFilters, error)

	// Orders
	PlaceMarketOrder(ctx context.Context, req OrderRequest) (*OrderAck, error)
	PlaceStopOrder(ctx context.Context, req StopOrderRequest) (*OrderAck, error)
	GetOrder(ctx context.Context, symbol string, orderID int64) (*Order, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error

	// Clock
	ServerTime(ctx context.Context) (time.Time, error)
	SyncTimeOffset(ctx context.Context) error
}

// Streamer is implemented by gateways that can deliver closed candles over
// a websocket. Kept separate from Broker so the circuit breaker never wraps
// the long-lived stream.
type Streamer interface {
	StreamClosedCandles(ctx context.Context, symbols []string, interval string) (<-chan ClosedCandle, error)
}

// Compile-time interface checks.
var (
	_ Broker   = (*BinanceClient)(nil)
	_ Streamer = (*BinanceClient)(nil)
	_ Broker   = (*CircuitBreakerBroker)(nil)
	_ Broker   = (*Mock)(nil)
)
