// Package engine orchestrates the trading lifecycle: the entry pipeline,
// the poll-driven exit controller, the reconciliation loop, and the REST
// watchdog sweep. All exchange submissions are serialized through the
// lifecycle tracker; all durable state flows through the position store.
package engine

import (
	"context"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/schrute_scalper/internal/broker"
	"github.com/eddiefleurent/schrute_scalper/internal/config"
	"github.com/eddiefleurent/schrute_scalper/internal/models"
	"github.com/eddiefleurent/schrute_scalper/internal/orders"
	"github.com/eddiefleurent/schrute_scalper/internal/precision"
	"github.com/eddiefleurent/schrute_scalper/internal/retry"
	"github.com/eddiefleurent/schrute_scalper/internal/sink"
	"github.com/eddiefleurent/schrute_scalper/internal/storage"
)

// maintenanceRate approximates the maintenance margin fraction applied in
// the pre-entry margin check when the exchange does not provide one.
const maintenanceRate = 0.01

// trailActivationBufferPct is how far past the partial TP price the market
// must travel, on the profit side, before the trailing stop arms.
const trailActivationBufferPct = 0.002

// Options wires an Engine. Broker, Store, Tracker, Registry, and Config
// are required; the rest default.
type Options struct {
	Config   *config.Config
	Broker   broker.Broker
	Store    storage.Interface
	Tracker  *orders.Tracker
	Registry *precision.Registry
	Poller   *orders.Poller
	Exec     *retry.Client
	Trades   *sink.LifecycleLog
	Equity   *sink.EquityCurve
	Alerts   *sink.Notifier
	Hedge    bool
	Logger   *log.Logger
}

// Engine is the lifecycle orchestrator. Safe for concurrent use by the
// worker goroutines.
type Engine struct {
	cfg      *config.Config
	broker   broker.Broker
	store    storage.Interface
	tracker  *orders.Tracker
	registry *precision.Registry
	poller   *orders.Poller
	exec     *retry.Client
	trades   *sink.LifecycleLog
	equity   *sink.EquityCurve
	alerts   *sink.Notifier
	hedge    bool
	logger   *log.Logger

	heartbeat atomic.Int64

	mu             sync.Mutex
	cooldownUntil  map[string]time.Time
	consecStops    int
	hibernateUntil time.Time

	now func() time.Time
}

// New builds an Engine from opts.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "engine: ", log.LstdFlags)
	}
	poller := opts.Poller
	if poller == nil {
		poller = orders.NewPoller(opts.Broker, orders.PollConfig{Timeout: opts.Config.OrderPollTimeout()}, logger)
	}
	exec := opts.Exec
	if exec == nil {
		exec = retry.NewClient(opts.Broker, logger)
	}
	alerts := opts.Alerts
	if alerts == nil {
		alerts = sink.NewNotifier("", 0, logger)
	}
	e := &Engine{
		cfg:           opts.Config,
		broker:        opts.Broker,
		store:         opts.Store,
		tracker:       opts.Tracker,
		registry:      opts.Registry,
		poller:        poller,
		exec:          exec,
		trades:        opts.Trades,
		equity:        opts.Equity,
		alerts:        alerts,
		hedge:         opts.Hedge,
		logger:        logger,
		cooldownUntil: make(map[string]time.Time),
		now:           time.Now,
	}
	e.heartbeat.Store(e.now().UnixNano())
	return e
}

// positionSide returns the order positionSide for hedge mode, empty in
// one-way mode.
func (e *Engine) positionSide(side models.Side) string {
	if e.hedge {
		return string(side)
	}
	return ""
}

// reduceOnly reports whether exits should carry the reduceOnly flag. In
// hedge mode the positionSide already guarantees reduction.
func (e *Engine) reduceOnly() bool {
	return !e.hedge
}

func (e *Engine) beat() {
	e.heartbeat.Store(e.now().UnixNano())
}

// HeartbeatAge returns how long ago the exit controller last completed a
// pass.
func (e *Engine) HeartbeatAge() time.Duration {
	return e.now().Sub(time.Unix(0, e.heartbeat.Load()))
}

func (e *Engine) minSlDistance() decimal.Decimal {
	return decimal.NewFromFloat(e.cfg.Scalper.MinSlDistancePct)
}

// dryTag prefixes alert messages in dry-run mode.
func (e *Engine) dryTag() string {
	if e.cfg.DryRun {
		return "(DRY) "
	}
	return ""
}

func (e *Engine) recordEvent(ev models.LifecycleEvent) {
	if ev.Time.IsZero() {
		ev.Time = e.now().UTC()
	}
	e.logger.Printf("%s%s %s %s price=%s qty=%s pnl=%s reason=%q",
		e.dryTag(), ev.Type, ev.Symbol, ev.Side, ev.Price, ev.Qty, ev.Pnl, ev.Reason)
	if e.trades == nil {
		return
	}
	if err := e.trades.Record(ev); err != nil {
		e.logger.Printf("record lifecycle event: %v", err)
	}
}

// snapshotEquity samples balance plus mark-to-market PnL of every open
// position, tagged with the event that triggered it. Best-effort: pricing
// failures skip the affected position.
func (e *Engine) snapshotEquity(ctx context.Context, tag string) {
	if e.equity == nil {
		return
	}
	balance, err := e.broker.Balance(ctx, "USDT")
	if err != nil {
		e.logger.Printf("equity snapshot: balance: %v", err)
		return
	}
	total := balance
	for _, pos := range e.store.All() {
		price, err := e.broker.LatestPrice(ctx, pos.Symbol)
		if err != nil || price.Sign() <= 0 {
			continue
		}
		total = total.Add(pos.UnrealizedPnl(price))
	}
	if _, err := e.equity.Sample(tag, total, e.now()); err != nil {
		e.logger.Printf("equity snapshot: %v", err)
	}
}

// noteExit updates the per-source cooldown and the consecutive-stop streak
// that drives hibernation.
func (e *Engine) noteExit(symbol, source string, event models.EventType) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if mins := e.cfg.CooldownMinutes[source]; mins > 0 && source != "" {
		e.cooldownUntil[symbol+"|"+source] = e.now().Add(time.Duration(mins) * time.Minute)
	}

	switch event {
	case models.EventSlExit, models.EventRestExitSl:
		e.consecStops++
		h := e.cfg.Hibernation
		if h.Enabled && e.consecStops >= h.ConsecutiveStops {
			e.hibernateUntil = e.now().Add(time.Duration(h.CooldownMinutes) * time.Minute)
			e.consecStops = 0
			e.logger.Printf("%d consecutive stops, hibernating until %s", h.ConsecutiveStops, e.hibernateUntil.Format(time.RFC3339))
			e.alerts.Error("hibernation", "%shibernating entries until %s after stop streak", e.dryTag(), e.hibernateUntil.Format(time.RFC3339))
		}
	default:
		if event.IsExit() {
			e.consecStops = 0
		}
	}
}

func (e *Engine) hibernating() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.Hibernation.Enabled && e.now().Before(e.hibernateUntil)
}

func (e *Engine) inCooldown(symbol, source string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	until, ok := e.cooldownUntil[symbol+"|"+source]
	return ok && e.now().Before(until)
}

// sourceCapReached counts open positions attributed to source against the
// configured concurrency cap. Zero or missing cap means unlimited.
func (e *Engine) sourceCapReached(source string) bool {
	limit, ok := e.cfg.MaxConcurrentTrades[source]
	if !ok || limit <= 0 {
		return false
	}
	open := 0
	for _, pos := range e.store.All() {
		if pos.Source == source {
			open++
		}
	}
	return open >= limit
}
