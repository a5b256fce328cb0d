package retry

import (
	"context"
	"log"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/schrute_scalper/internal/broker"
)

func fastConfig() Config {
	return Config{
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Timeout:        time.Second,
	}
}

func testReq() broker.OrderRequest {
	return broker.OrderRequest{
		Symbol:     "BTCUSDT",
		Side:       "SELL",
		Qty:        decimal.RequireFromString("0.1"),
		ReduceOnly: true,
	}
}

func TestPlaceSucceedsFirstTry(t *testing.T) {
	mock := broker.NewMock()
	mock.Prices["BTCUSDT"] = decimal.NewFromInt(30000)
	client := NewClient(mock, log.New(os.Stderr, "retry-test: ", 0), fastConfig())

	ack, err := client.PlaceMarketWithRetry(context.Background(), testReq())
	require.NoError(t, err)
	assert.Equal(t, broker.StatusFilled, ack.Status)
	assert.Len(t, mock.MarketOrders, 1)
}

func TestPlaceRetriesTransient(t *testing.T) {
	mock := broker.NewMock()
	mock.Prices["BTCUSDT"] = decimal.NewFromInt(30000)

	calls := 0
	mock.OnPlaceMarket = func(req broker.OrderRequest) (*broker.OrderAck, error) {
		calls++
		if calls < 3 {
			return nil, &broker.APIError{Status: 503, Code: -1001, Msg: "Internal error"}
		}
		return &broker.OrderAck{OrderID: 9, Status: broker.StatusFilled, ExecutedQty: req.Qty}, nil
	}

	client := NewClient(mock, log.New(os.Stderr, "retry-test: ", 0), fastConfig())
	ack, err := client.PlaceMarketWithRetry(context.Background(), testReq())
	require.NoError(t, err)
	assert.EqualValues(t, 9, ack.OrderID)
	assert.Equal(t, 3, calls)
}

func TestPlaceStopsOnPermanentReject(t *testing.T) {
	mock := broker.NewMock()
	calls := 0
	mock.OnPlaceMarket = func(broker.OrderRequest) (*broker.OrderAck, error) {
		calls++
		return nil, &broker.APIError{Status: 400, Code: -2019, Msg: "Margin is insufficient."}
	}

	client := NewClient(mock, log.New(os.Stderr, "retry-test: ", 0), fastConfig())
	_, err := client.PlaceMarketWithRetry(context.Background(), testReq())
	require.Error(t, err)
	assert.Equal(t, 1, calls, "permanent rejects must not be retried")
}

func TestPlaceHonorsCancellation(t *testing.T) {
	mock := broker.NewMock()
	mock.OnPlaceMarket = func(broker.OrderRequest) (*broker.OrderAck, error) {
		return nil, &broker.APIError{Status: 503, Msg: "unavailable"}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := NewClient(mock, log.New(os.Stderr, "retry-test: ", 0), fastConfig())
	_, err := client.PlaceMarketWithRetry(ctx, testReq())
	assert.Error(t, err)
	assert.Empty(t, mock.MarketOrders)
}
