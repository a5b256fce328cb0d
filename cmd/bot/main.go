package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/schrute_scalper/internal/broker"
	"github.com/eddiefleurent/schrute_scalper/internal/config"
	"github.com/eddiefleurent/schrute_scalper/internal/engine"
	"github.com/eddiefleurent/schrute_scalper/internal/orders"
	"github.com/eddiefleurent/schrute_scalper/internal/precision"
	"github.com/eddiefleurent/schrute_scalper/internal/sink"
	"github.com/eddiefleurent/schrute_scalper/internal/storage"
	"github.com/eddiefleurent/schrute_scalper/internal/strategy"
)

const reconcileInterval = 30 * time.Second

// Bot owns every long-running worker and the shared services they use.
type Bot struct {
	cfg      *config.Config
	broker   broker.Broker
	streamer broker.Streamer
	engine   *engine.Engine
	scalper  *strategy.Scalper
	store    storage.Interface
	cache    *RollingCache
	atrCache *strategy.AtrCache
	logger   *log.Logger
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Credentials usually live in .env during development; a missing file
	// is fine in deployment.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := log.New(os.Stdout, "[BOT] ", log.LstdFlags)
	switch {
	case cfg.DryRun:
		logger.Println("DRY RUN MODE - no orders will reach the exchange")
	case cfg.LiveMode:
		logger.Println("LIVE TRADING MODE - real funds at risk!")
		logger.Println("Waiting 10 seconds to confirm...")
		time.Sleep(10 * time.Second)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bot, err := newBot(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("Startup failed: %v", err)
	}

	if err := bot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalf("Bot error: %v", err)
	}
	logger.Println("Bot stopped cleanly")
}

func newBot(ctx context.Context, cfg *config.Config, logger *log.Logger) (*Bot, error) {
	registry := precision.NewRegistry(logger)

	client := broker.NewBinanceClient(broker.ClientConfig{
		APIKey:     cfg.Binance.APIKey,
		APISecret:  cfg.Binance.APISecret,
		BaseURL:    cfg.Binance.BaseURL,
		StreamURL:  cfg.Binance.StreamURL,
		RecvWindow: cfg.Binance.RecvWindow,
		Registry:   registry,
		Logger:     logger,
	})
	if err := client.SyncTimeOffset(ctx); err != nil {
		logger.Printf("Clock sync failed (continuing, will resync on demand): %v", err)
	}

	refreshPrecision(ctx, cfg, client, registry, logger)

	var b broker.Broker = broker.NewCircuitBreakerBroker(client, logger)

	hedge := false
	if !cfg.DryRun {
		mode, err := b.PositionMode(ctx)
		if err != nil {
			logger.Printf("Position mode query failed, assuming one-way: %v", err)
		} else {
			hedge = mode
		}
		balance, err := b.Balance(ctx, "USDT")
		if err != nil {
			return nil, fmt.Errorf("verify exchange connection: %w", err)
		}
		logger.Printf("Connected. USDT balance: %s, hedge mode: %v", balance.StringFixed(2), hedge)
	}

	store, err := storage.NewJSONStore(storage.Config{
		Path:             cfg.Storage.PositionsPath,
		MinSlDistancePct: decimal.NewFromFloat(cfg.Scalper.MinSlDistancePct),
		FallbackSlPct:    decimal.NewFromFloat(cfg.Scalper.FallbackSlPct),
		Canceler:         b,
		Logger:           logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open position store: %w", err)
	}

	archiveDir := filepath.Join(cfg.Storage.LogsDir, "trades_archive")
	trades, err := sink.NewLifecycleLog(filepath.Join(archiveDir, "trade_lifecycle.csv"), logger)
	if err != nil {
		return nil, fmt.Errorf("open lifecycle log: %w", err)
	}
	equity, err := sink.NewEquityCurve(filepath.Join(archiveDir, "equity_curve.csv"))
	if err != nil {
		return nil, fmt.Errorf("open equity curve: %w", err)
	}

	webhook := cfg.Alerts.DiscordWebhook
	if webhook == "" {
		webhook = os.Getenv("DISCORD_WEBHOOK_URL")
	}
	if !cfg.Alerts.Enabled {
		webhook = ""
	}
	alerts := sink.NewNotifier(webhook, time.Duration(cfg.Alerts.DedupTTLSec)*time.Second, logger)

	eng := engine.New(engine.Options{
		Config:   cfg,
		Broker:   b,
		Store:    store,
		Tracker:  orders.NewTracker(logger),
		Registry: registry,
		Poller:   orders.NewPoller(b, orders.PollConfig{Timeout: cfg.OrderPollTimeout()}, logger),
		Trades:   trades,
		Equity:   equity,
		Alerts:   alerts,
		Hedge:    hedge,
		Logger:   logger,
	})

	cacheDir := filepath.Join(cfg.Storage.CacheDir, "rolling")
	cacheLimit := cfg.Scalper.MinCandles + 60
	cache := NewRollingCache(cacheDir, cfg.Scalper.Timeframe, cacheLimit, logger)
	cache.Warm(ctx, b, cfg.BasePairs)

	return &Bot{
		cfg:      cfg,
		broker:   b,
		streamer: client,
		engine:   eng,
		scalper:  strategy.New(cfg.Scalper),
		store:    store,
		cache:    cache,
		atrCache: strategy.NewAtrCache(filepath.Join(cfg.Storage.LogsDir, "scalper_atr_cache.json"), logger),
		logger:   logger,
	}, nil
}

// refreshPrecision layers live exchange filters and config overrides over
// the registry's static table.
func refreshPrecision(ctx context.Context, cfg *config.Config, client *broker.BinanceClient, registry *precision.Registry, logger *log.Logger) {
	for _, sym := range cfg.BasePairs {
		filters, err := client.SymbolFilters(ctx, sym)
		if err != nil {
			logger.Printf("Exchange filters for %s unavailable, using static table: %v", sym, err)
			continue
		}
		registry.Set(sym, precision.SymbolPrecision{
			StepSize:         filters.StepSize,
			TickSize:         filters.TickSize,
			MinQty:           filters.MinQty,
			MaxQty:           filters.MaxQty,
			MinNotional:      filters.MinNotional,
			QuantityDecimals: filters.QuantityPrecision,
			PriceDecimals:    filters.PricePrecision,
		})
	}
	for sym, o := range cfg.Scalper.SymbolPrecisions {
		p := registry.Get(sym)
		if o.StepSize != "" {
			p.StepSize = decimal.RequireFromString(o.StepSize)
		}
		if o.TickSize != "" {
			p.TickSize = decimal.RequireFromString(o.TickSize)
		}
		if o.MinNotional != "" {
			p.MinNotional = decimal.RequireFromString(o.MinNotional)
		}
		if o.MinQuantity > 0 {
			p.MinQty = decimal.NewFromFloat(o.MinQuantity)
		}
		if o.QuantityPrecision > 0 {
			p.QuantityDecimals = o.QuantityPrecision
		}
		if o.PricePrecision > 0 {
			p.PriceDecimals = o.PricePrecision
		}
		registry.Set(sym, p)
	}
}

// Run starts the workers and blocks until the context is canceled or a
// worker fails.
func (b *Bot) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return b.consumeCandles(ctx) })
	g.Go(func() error { return b.engine.ExitLoop(ctx) })
	g.Go(func() error { return b.engine.ReconcileLoop(ctx, reconcileInterval) })
	g.Go(func() error { return b.engine.WatchdogLoop(ctx) })

	err := g.Wait()

	// Serialize durable state before exiting.
	if saveErr := b.store.Save(); saveErr != nil {
		b.logger.Printf("Persist position store on shutdown: %v", saveErr)
	}
	b.cache.SaveAll()
	return err
}

// consumeCandles feeds closed candles from the stream into the rolling
// cache and runs the strategy and entry pipeline per symbol per candle.
func (b *Bot) consumeCandles(ctx context.Context) error {
	stream, err := b.streamer.StreamClosedCandles(ctx, b.cfg.BasePairs, b.cfg.Scalper.Timeframe)
	if err != nil {
		return fmt.Errorf("open candle stream: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case closed, ok := <-stream:
			if !ok {
				return fmt.Errorf("candle stream closed")
			}
			b.handleClosedCandle(ctx, closed)
		}
	}
}

func (b *Bot) handleClosedCandle(ctx context.Context, closed broker.ClosedCandle) {
	b.cache.Append(closed.Symbol, closed.Candle)
	candles := b.cache.Candles(closed.Symbol)

	if atr := b.scalper.LatestATR(candles); atr > 0 {
		b.atrCache.Put(closed.Symbol, atr)
	}

	sig := b.scalper.Evaluate(closed.Symbol, candles, time.Now())
	if sig != nil {
		if err := b.engine.HandleSignal(ctx, sig); err != nil {
			b.logger.Printf("Entry pipeline %s: %v", closed.Symbol, err)
		}
	}

	// Opportunistic reconcile once per candle cycle, on top of the
	// periodic worker.
	if err := b.engine.Reconcile(ctx); err != nil {
		b.logger.Printf("Reconcile after candle: %v", err)
	}
}
