package broker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"github.com/eddiefleurent/schrute_scalper/internal/models"
)

// CircuitBreakerBroker wraps a Broker so that a run of exchange failures
// opens the circuit and sheds load instead of hammering a sick endpoint.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// CircuitBreakerSettings configures circuit breaker behavior.
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerBroker wraps broker with default settings.
func NewCircuitBreakerBroker(broker Broker, logger *log.Logger) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	}, logger)
}

// NewCircuitBreakerBrokerWithSettings wraps broker with custom settings.
func NewCircuitBreakerBrokerWithSettings(broker Broker, settings CircuitBreakerSettings, logger *log.Logger) *CircuitBreakerBroker {
	gbSettings := gobreaker.Settings{
		Name:        "BinanceCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			if logger != nil {
				logger.Printf("circuit breaker %s: %s -> %s", name, from, to)
			}
		},
	}
	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// execCircuitBreaker is a generic helper for the wrapper methods.
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

func (c *CircuitBreakerBroker) Balance(ctx context.Context, asset string) (decimal.Decimal, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (decimal.Decimal, error) {
		return b.Balance(ctx, asset)
	})
}

func (c *CircuitBreakerBroker) Positions(ctx context.Context, symbol string) ([]PositionRisk, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]PositionRisk, error) {
		return b.Positions(ctx, symbol)
	})
}

func (c *CircuitBreakerBroker) PositionMode(ctx context.Context) (bool, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (bool, error) {
		return b.PositionMode(ctx)
	})
}

func (c *CircuitBreakerBroker) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := execCircuitBreaker(c.breaker, c.broker, func(b Broker) (struct{}, error) {
		return struct{}{}, b.SetLeverage(ctx, symbol, leverage)
	})
	return err
}

func (c *CircuitBreakerBroker) LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (decimal.Decimal, error) {
		return b.LatestPrice(ctx, symbol)
	})
}

func (c *CircuitBreakerBroker) RecentCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]models.Candle, error) {
		return b.RecentCandles(ctx, symbol, interval, limit)
	})
}

func (c *CircuitBreakerBroker) SymbolFilters(ctx context.Context, symbol string) (*SymbolFilters, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*SymbolFilters, error) {
		return b.SymbolFilters(ctx, symbol)
	})
}

func (c *CircuitBreakerBroker) PlaceMarketOrder(ctx context.Context, req OrderRequest) (*OrderAck, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderAck, error) {
		return b.PlaceMarketOrder(ctx, req)
	})
}

func (c *CircuitBreakerBroker) PlaceStopOrder(ctx context.Context, req StopOrderRequest) (*OrderAck, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderAck, error) {
		return b.PlaceStopOrder(ctx, req)
	})
}

func (c *CircuitBreakerBroker) GetOrder(ctx context.Context, symbol string, orderID int64) (*Order, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*Order, error) {
		return b.GetOrder(ctx, symbol, orderID)
	})
}

func (c *CircuitBreakerBroker) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	_, err := execCircuitBreaker(c.breaker, c.broker, func(b Broker) (struct{}, error) {
		return struct{}{}, b.CancelOrder(ctx, symbol, orderID)
	})
	return err
}

func (c *CircuitBreakerBroker) ServerTime(ctx context.Context) (time.Time, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (time.Time, error) {
		return b.ServerTime(ctx)
	})
}

func (c *CircuitBreakerBroker) SyncTimeOffset(ctx context.Context) error {
	_, err := execCircuitBreaker(c.breaker, c.broker, func(b Broker) (struct{}, error) {
		return struct{}{}, b.SyncTimeOffset(ctx)
	})
	return err
}
