// Package config loads and validates the bot's YAML configuration.
// Environment references like ${BINANCE_API_KEY} are expanded before
// parsing; unknown keys are rejected so typos fail at startup instead of
// silently disabling features.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root of the YAML file.
type Config struct {
	Environment string   `yaml:"environment"`
	BasePairs   []string `yaml:"base_pairs"`
	DryRun      bool     `yaml:"dry_run"`
	LiveMode    bool     `yaml:"live_mode"`

	Binance BinanceConfig `yaml:"binance"`

	MaxConcurrentTrades map[string]int `yaml:"max_concurrent_trades"`
	CooldownMinutes     map[string]int `yaml:"cooldown_minutes"`
	HoldLimitHours      int            `yaml:"hold_limit_hours"`

	UsdAllocationScalper map[string]float64 `yaml:"usd_allocation_scalper"`
	UsdAllocationML      map[string]float64 `yaml:"usd_allocation_ml"`

	Scalper  ScalperSettings `yaml:"scalper_settings"`
	Watchdog WatchdogConfig  `yaml:"watchdog"`
	Alerts   AlertsConfig    `yaml:"alerts"`
	Storage  StorageConfig   `yaml:"storage"`

	Hibernation HibernationConfig `yaml:"hibernation"`

	// BinanceMissingGraceSeconds bounds how long a locally known position
	// may be absent from the exchange before reconciliation removes it.
	// The BINANCE_MISSING_GRACE_SECONDS env var overrides it.
	BinanceMissingGraceSeconds int `yaml:"binance_missing_grace_seconds"`
}

// BinanceConfig carries credentials and endpoint overrides.
type BinanceConfig struct {
	APIKey     string `yaml:"api_key"`
	APISecret  string `yaml:"api_secret"`
	BaseURL    string `yaml:"base_url"`
	StreamURL  string `yaml:"stream_url"`
	RecvWindow int64  `yaml:"recv_window"`
}

// ScalperSettings configures the 5m scalper strategy and its execution.
type ScalperSettings struct {
	MinCandles     int    `yaml:"min_candles"`
	Timeframe      string `yaml:"timeframe"`
	UseDynamicSlTp bool   `yaml:"use_dynamic_sl_tp"`

	SwingSlLookback  int     `yaml:"swing_sl_lookback"`
	MinSlDistancePct float64 `yaml:"min_sl_distance_pct"`
	FallbackSlPct    float64 `yaml:"fallback_sl_pct"`
	RiskRewardRatio  float64 `yaml:"risk_reward_ratio"`
	MinTpSlGapPct    float64 `yaml:"min_tp_sl_gap_pct"`
	Leverage         int     `yaml:"leverage"`

	PartialTp PartialTpSettings `yaml:"partial_tp"`
	Filters   FilterSettings    `yaml:"filters"`

	EmaFilterPeriod      int     `yaml:"ema_filter_period"`
	AllowedTradingHours  []int   `yaml:"allowed_trading_hours"`
	TradingHoursTzOffset int     `yaml:"trading_hours_tz_offset_min"`
	UtMultiplier         float64 `yaml:"ut_multiplier"`
	UtBuyAtrPeriod       int     `yaml:"ut_buy_atr_period"`
	UtSellAtrPeriod      int     `yaml:"ut_sell_atr_period"`

	StcLength    int     `yaml:"stc_length"`
	StcFast      int     `yaml:"stc_fast"`
	StcSlow      int     `yaml:"stc_slow"`
	StcThreshold float64 `yaml:"stc_threshold"`

	MinBodyPct    float64 `yaml:"min_body_pct"`
	MinBodyOfAtr  float64 `yaml:"min_body_of_atr"`
	TrailAtrMult  float64 `yaml:"trail_atr_mult"`
	OrderPollSecs float64 `yaml:"order_poll_timeout_sec"`

	SymbolPrecisions map[string]SymbolPrecisionOverride `yaml:"symbol_precisions"`
}

// PartialTpSettings configures the first partial take-profit.
type PartialTpSettings struct {
	Enabled        bool    `yaml:"enabled"`
	FirstRr        float64 `yaml:"first_rr"`
	FirstSizePct   float64 `yaml:"first_size_pct"`
	TrailRemaining bool    `yaml:"trail_remaining"`
}

// FilterSettings toggles the entry filters.
type FilterSettings struct {
	UseTrendFilter     bool `yaml:"use_trend_filter"`
	UseTimeFilter      bool `yaml:"use_time_filter"`
	UseMinBody         bool `yaml:"use_min_body"`
	UseStcConfirmation bool `yaml:"use_stc_confirmation"`
}

// SymbolPrecisionOverride overrides the static precision table per symbol.
type SymbolPrecisionOverride struct {
	QuantityPrecision int32   `yaml:"quantityPrecision"`
	PricePrecision    int32   `yaml:"pricePrecision"`
	Leverage          int     `yaml:"leverage"`
	MinQuantity       float64 `yaml:"minQuantity"`
	StepSize          string  `yaml:"step_size"`
	TickSize          string  `yaml:"tick_size"`
	MinNotional       string  `yaml:"min_notional"`
}

// WatchdogConfig configures the heartbeat watchdog sweep.
type WatchdogConfig struct {
	HeartbeatTimeoutSec int     `yaml:"heartbeat_timeout_sec"`
	PollIntervalSec     int     `yaml:"poll_interval_sec"`
	SlTpBufferPct       float64 `yaml:"sl_tp_buffer_pct"`
}

// AlertsConfig configures the Discord webhook sink.
type AlertsConfig struct {
	Enabled           bool   `yaml:"enabled"`
	DiscordWebhook    string `yaml:"discord_webhook"`
	DiscordLogWebhook string `yaml:"discord_log_webhook"`
	DedupTTLSec       int    `yaml:"dedup_ttl_sec"`
}

// HibernationConfig gates entries after a streak of stop-loss exits.
type HibernationConfig struct {
	Enabled          bool `yaml:"enabled"`
	ConsecutiveStops int  `yaml:"consecutive_stops"`
	CooldownMinutes  int  `yaml:"cooldown_minutes"`
}

// StorageConfig locates the durable state files.
type StorageConfig struct {
	PositionsPath string `yaml:"positions_path"`
	LogsDir       string `yaml:"logs_dir"`
	CacheDir      string `yaml:"cache_dir"`
}

// Load reads, expands, parses, defaults, and validates the file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	expanded := os.ExpandEnv(string(raw))

	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Scalper.Timeframe == "" {
		c.Scalper.Timeframe = "5m"
	}
	if c.Scalper.MinCandles == 0 {
		c.Scalper.MinCandles = 60
	}
	if c.Scalper.SwingSlLookback == 0 {
		c.Scalper.SwingSlLookback = 10
	}
	if c.Scalper.MinSlDistancePct == 0 {
		c.Scalper.MinSlDistancePct = 0.0005
	}
	if c.Scalper.FallbackSlPct == 0 {
		c.Scalper.FallbackSlPct = 0.03
	}
	if c.Scalper.RiskRewardRatio == 0 {
		c.Scalper.RiskRewardRatio = 2.0
	}
	if c.Scalper.MinTpSlGapPct == 0 {
		c.Scalper.MinTpSlGapPct = 0.001
	}
	if c.Scalper.Leverage == 0 {
		c.Scalper.Leverage = 5
	}
	if c.Scalper.PartialTp.FirstRr == 0 {
		c.Scalper.PartialTp.FirstRr = 1.0
	}
	if c.Scalper.PartialTp.FirstSizePct == 0 {
		c.Scalper.PartialTp.FirstSizePct = 0.5
	}
	if c.Scalper.EmaFilterPeriod == 0 {
		c.Scalper.EmaFilterPeriod = 200
	}
	if c.Scalper.UtMultiplier == 0 {
		c.Scalper.UtMultiplier = 1.5
	}
	if c.Scalper.UtBuyAtrPeriod == 0 {
		c.Scalper.UtBuyAtrPeriod = 10
	}
	if c.Scalper.UtSellAtrPeriod == 0 {
		c.Scalper.UtSellAtrPeriod = 10
	}
	if c.Scalper.StcLength == 0 {
		c.Scalper.StcLength = 10
	}
	if c.Scalper.StcFast == 0 {
		c.Scalper.StcFast = 23
	}
	if c.Scalper.StcSlow == 0 {
		c.Scalper.StcSlow = 50
	}
	if c.Scalper.StcThreshold == 0 {
		c.Scalper.StcThreshold = 25
	}
	if c.Scalper.TrailAtrMult == 0 {
		c.Scalper.TrailAtrMult = 1.0
	}
	if c.Scalper.OrderPollSecs == 0 {
		c.Scalper.OrderPollSecs = 8
	}
	if c.Watchdog.HeartbeatTimeoutSec == 0 {
		c.Watchdog.HeartbeatTimeoutSec = 120
	}
	if c.Watchdog.PollIntervalSec == 0 {
		c.Watchdog.PollIntervalSec = 15
	}
	if c.Watchdog.SlTpBufferPct == 0 {
		c.Watchdog.SlTpBufferPct = 0.001
	}
	if c.Alerts.DedupTTLSec == 0 {
		c.Alerts.DedupTTLSec = 300
	}
	if c.Hibernation.ConsecutiveStops == 0 {
		c.Hibernation.ConsecutiveStops = 3
	}
	if c.Hibernation.CooldownMinutes == 0 {
		c.Hibernation.CooldownMinutes = 60
	}
	if c.Storage.PositionsPath == "" {
		c.Storage.PositionsPath = "open_positions.json"
	}
	if c.Storage.LogsDir == "" {
		c.Storage.LogsDir = "logs"
	}
	if c.Storage.CacheDir == "" {
		c.Storage.CacheDir = "cache"
	}
	if c.BinanceMissingGraceSeconds == 0 {
		c.BinanceMissingGraceSeconds = 30
	}
	if c.HoldLimitHours == 0 {
		c.HoldLimitHours = 24
	}
}

// Validate rejects configurations the bot cannot run on. Errors here are
// fatal at startup.
func (c *Config) Validate() error {
	if len(c.BasePairs) == 0 {
		return fmt.Errorf("config: base_pairs must list at least one symbol")
	}
	if !c.DryRun {
		if c.Binance.APIKey == "" || c.Binance.APISecret == "" {
			return fmt.Errorf("config: binance.api_key and binance.api_secret are required outside dry_run")
		}
	}
	for _, sym := range c.BasePairs {
		if _, ok := c.UsdAllocationScalper[sym]; !ok {
			return fmt.Errorf("config: usd_allocation_scalper missing entry for %s", sym)
		}
		if c.UsdAllocationScalper[sym] <= 0 {
			return fmt.Errorf("config: usd_allocation_scalper for %s must be positive", sym)
		}
	}
	if c.Scalper.MinSlDistancePct <= 0 || c.Scalper.MinSlDistancePct >= 1 {
		return fmt.Errorf("config: min_sl_distance_pct must be in (0, 1)")
	}
	if c.Scalper.FallbackSlPct <= 0 || c.Scalper.FallbackSlPct >= 1 {
		return fmt.Errorf("config: fallback_sl_pct must be in (0, 1)")
	}
	if c.Scalper.RiskRewardRatio <= 0 {
		return fmt.Errorf("config: risk_reward_ratio must be positive")
	}
	if p := c.Scalper.PartialTp; p.Enabled {
		if p.FirstRr <= 0 {
			return fmt.Errorf("config: partial_tp.first_rr must be positive")
		}
		if p.FirstSizePct <= 0 || p.FirstSizePct >= 1 {
			return fmt.Errorf("config: partial_tp.first_size_pct must be in (0, 1)")
		}
	}
	if hrs := c.Scalper.AllowedTradingHours; len(hrs) != 0 && len(hrs) != 2 {
		return fmt.Errorf("config: allowed_trading_hours must be [start, end]")
	}
	if c.Scalper.Leverage < 1 || c.Scalper.Leverage > 125 {
		return fmt.Errorf("config: leverage must be in [1, 125]")
	}
	if c.LiveMode && c.DryRun {
		return fmt.Errorf("config: live_mode and dry_run are mutually exclusive")
	}
	return nil
}

// GraceWindow returns the reconciliation grace duration, honoring the
// BINANCE_MISSING_GRACE_SECONDS environment override.
func (c *Config) GraceWindow() time.Duration {
	secs := c.BinanceMissingGraceSeconds
	if raw := os.Getenv("BINANCE_MISSING_GRACE_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			secs = v
		}
	}
	return time.Duration(secs) * time.Second
}

// OrderPollTimeout returns the exit-order polling window.
func (c *Config) OrderPollTimeout() time.Duration {
	return time.Duration(c.Scalper.OrderPollSecs * float64(time.Second))
}
