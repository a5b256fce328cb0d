package orders

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/schrute_scalper/internal/broker"
)

// ErrFillTimeout is returned when no execution was observed within the
// polling window. The partial executed quantity accompanies it.
var ErrFillTimeout = errors.New("order fill timeout")

// PollConfig bounds the fill-confirmation loop.
type PollConfig struct {
	Interval time.Duration
	Timeout  time.Duration
}

// DefaultPollConfig matches the exit controller's cadence: half-second
// polls for up to eight seconds.
var DefaultPollConfig = PollConfig{
	Interval: 500 * time.Millisecond,
	Timeout:  8 * time.Second,
}

// orderGetter is the slice of the gateway the poller needs.
type orderGetter interface {
	GetOrder(ctx context.Context, symbol string, orderID int64) (*broker.Order, error)
}

// Poller confirms order executions by polling order state.
type Poller struct {
	broker orderGetter
	config PollConfig
	logger *log.Logger
}

// NewPoller builds a poller over b. A zero config falls back to defaults.
func NewPoller(b orderGetter, config PollConfig, logger *log.Logger) *Poller {
	if config.Interval <= 0 {
		config.Interval = DefaultPollConfig.Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultPollConfig.Timeout
	}
	if logger == nil {
		logger = log.New(os.Stderr, "orders: ", log.LstdFlags)
	}
	return &Poller{broker: b, config: config, logger: logger}
}

// PollFill polls the order until it fills for the wanted quantity, reaches
// a terminal state, or the window expires. It returns the executed
// quantity observed so far; ErrFillTimeout signals that nothing (or only
// part) executed before the deadline, lastStatus reports the final order
// status seen.
func (p *Poller) PollFill(ctx context.Context, symbol string, orderID int64, want decimal.Decimal) (executed decimal.Decimal, lastStatus string, err error) {
	pollCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	executed = decimal.Zero
	for {
		order, getErr := p.broker.GetOrder(pollCtx, symbol, orderID)
		if getErr != nil {
			if errors.Is(getErr, broker.ErrOrderNotFound) {
				p.logger.Printf("poll %s order %d: not found yet", symbol, orderID)
			} else {
				p.logger.Printf("poll %s order %d: %v", symbol, orderID, getErr)
			}
		} else {
			executed = order.FilledQty()
			lastStatus = order.Status
			if order.Status == broker.StatusFilled || (want.Sign() > 0 && executed.GreaterThanOrEqual(want)) {
				return executed, lastStatus, nil
			}
			if order.IsTerminal() {
				if executed.Sign() > 0 {
					return executed, lastStatus, nil
				}
				return executed, lastStatus, fmt.Errorf("%w: order %d terminal with status %s", ErrFillTimeout, orderID, order.Status)
			}
		}

		select {
		case <-ticker.C:
		case <-pollCtx.Done():
			if ctx.Err() != nil {
				return executed, lastStatus, fmt.Errorf("poll canceled: %w", ctx.Err())
			}
			return executed, lastStatus, fmt.Errorf("%w: order %d after %s", ErrFillTimeout, orderID, p.config.Timeout)
		}
	}
}
