// Package retry wraps exit-order placement with bounded retries. The
// gateway already retries transport-level failures per request; this layer
// covers the case where an exit must eventually reach the exchange even if
// a whole request cycle fails.
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"math/big"
	"os"
	"time"

	"github.com/eddiefleurent/schrute_scalper/internal/broker"
)

// Config bounds the retry loop.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

// DefaultConfig retries three times with 1.5x backoff under a two-minute
// overall deadline.
var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

// Client places orders with retry on transient failures.
type Client struct {
	broker broker.Broker
	logger *log.Logger
	config Config
}

// NewClient builds a retrying client over b.
func NewClient(b broker.Broker, logger *log.Logger, config ...Config) *Client {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if logger == nil {
		logger = log.New(os.Stderr, "retry: ", log.LstdFlags)
	}
	return &Client{broker: b, logger: logger, config: cfg}
}

// PlaceMarketWithRetry submits a market order, retrying transient failures
// with backoff and jitter. Permanent rejects return immediately.
func (c *Client) PlaceMarketWithRetry(ctx context.Context, req broker.OrderRequest) (*broker.OrderAck, error) {
	opCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		select {
		case <-opCtx.Done():
			return nil, fmt.Errorf("order placement timed out after %v: %w", c.config.Timeout, opCtx.Err())
		default:
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("operation canceled: %w", ctx.Err())
		}

		c.logger.Printf("place attempt %d/%d: %s %s qty=%s reduceOnly=%v",
			attempt+1, c.config.MaxRetries+1, req.Side, req.Symbol, req.Qty, req.ReduceOnly)

		ack, err := c.broker.PlaceMarketOrder(opCtx, req)
		if err == nil {
			c.logger.Printf("order placed on attempt %d: id=%d status=%s", attempt+1, ack.OrderID, ack.Status)
			return ack, nil
		}

		lastErr = err
		c.logger.Printf("place attempt %d failed: %v", attempt+1, err)

		if broker.IsTransient(err) && attempt < c.config.MaxRetries {
			c.logger.Printf("transient error, retrying in %v", backoff)
			select {
			case <-time.After(backoff):
				backoff = c.calculateNextBackoff(backoff)
			case <-opCtx.Done():
				return nil, fmt.Errorf("order placement timed out during backoff: %w", opCtx.Err())
			case <-ctx.Done():
				return nil, fmt.Errorf("operation canceled during backoff: %w", ctx.Err())
			}
		} else {
			break
		}
	}

	return nil, fmt.Errorf("failed to place order after %d attempts: %w", c.config.MaxRetries+1, lastErr)
}

func (c *Client) calculateNextBackoff(currentBackoff time.Duration) time.Duration {
	backoff := time.Duration(float64(currentBackoff) * 1.5)
	if backoff > c.config.MaxBackoff {
		backoff = c.config.MaxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			c.logger.Printf("failed to generate jitter: %v", err)
		} else {
			backoff += time.Duration(jitterVal.Int64())
		}
	}

	return backoff
}
