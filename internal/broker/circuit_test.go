package broker

import (
	"context"
	"errors"
	"log"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreakerPassesThrough(t *testing.T) {
	mock := NewMock()
	mock.Prices["BTCUSDT"] = decimal.NewFromInt(30000)
	cb := NewCircuitBreakerBroker(mock, log.New(os.Stderr, "cb-test: ", 0))

	price, err := cb.LatestPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.NewFromInt(30000)))
}

func TestCircuitBreakerOpensAfterFailureRun(t *testing.T) {
	mock := NewMock()
	mock.PositionsErr = errors.New("connection refused")
	cb := NewCircuitBreakerBrokerWithSettings(mock, CircuitBreakerSettings{
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      time.Minute,
		MinRequests:  3,
		FailureRatio: 0.5,
	}, log.New(os.Stderr, "cb-test: ", 0))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := cb.Positions(ctx, "BTCUSDT")
		require.Error(t, err)
	}

	// The circuit is now open: the underlying broker must not be called.
	mock.PositionsErr = nil
	_, err := cb.Positions(ctx, "BTCUSDT")
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}
