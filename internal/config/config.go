// Package config defines all configuration for the trading bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via FUTURESBOT_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun    bool            `mapstructure:"dry_run"`
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	Market    MarketConfig    `mapstructure:"market"`
	Signal    SignalConfig    `mapstructure:"signal"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Position  PositionConfig  `mapstructure:"position"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Store     StoreConfig     `mapstructure:"store"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
}

// ExchangeConfig holds venue endpoints and API credentials.
// Demo switches the account asset to VST (paper funds) while keeping the
// same REST surface; DryRun (top level) skips order placement entirely.
type ExchangeConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	WSHost  string        `mapstructure:"ws_host"`
	APIKey  string        `mapstructure:"api_key"`
	Secret  string        `mapstructure:"secret"`
	Demo    bool          `mapstructure:"demo"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// MarketConfig tunes the market-data cache.
//
//   - TickerTTL / KlineTTL: freshness windows for pull reads.
//   - MaxCacheSize: LRU bound across cached symbols.
//   - ReconnectDelay: base delay before a dropped ticker stream redials.
//   - SignificantChangePct: price move (percent) that emits a log event.
//   - PreloadBatch: parallel ticker fetches per preload wave.
type MarketConfig struct {
	TickerTTL            time.Duration `mapstructure:"ticker_ttl"`
	KlineTTL             time.Duration `mapstructure:"kline_ttl"`
	MaxCacheSize         int           `mapstructure:"max_cache_size"`
	ReconnectDelay       time.Duration `mapstructure:"reconnect_delay"`
	SignificantChangePct float64       `mapstructure:"significant_change_pct"`
	PreloadBatch         int           `mapstructure:"preload_batch"`
	StreamEnabled        bool          `mapstructure:"stream_enabled"`
}

// SignalConfig drives the worker pool and the indicator engine.
//
//   - Workers: concurrent signal workers.
//   - QueueSize: bound on the pending symbol-task queue.
//   - TaskTimeout: per-task deadline (fetches + evaluation).
//   - Interval / KlineLimit: candle series each evaluation uses.
//   - MinVolumeUSDT: 24h quote-volume floor; below it a symbol is skipped.
//   - UniverseSize: cap on the volume-ranked symbol universe.
//   - WaveSize / WaveInterval: progressive universe release schedule.
//   - QueueMaxSize / QueueTTL: signal queue bound and entry lifetime.
//   - QueueMaxAttempts: dispatch attempts before a queued signal is dropped.
//   - DedupWindow: window in which near-identical signals are rejected.
//   - WeightStrength/Recency/Volume: queue priority formula weights.
type SignalConfig struct {
	Workers       int           `mapstructure:"workers"`
	QueueSize     int           `mapstructure:"queue_size"`
	TaskTimeout   time.Duration `mapstructure:"task_timeout"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	Interval      string        `mapstructure:"interval"`
	KlineLimit    int           `mapstructure:"kline_limit"`
	MinVolumeUSDT float64       `mapstructure:"min_volume_usdt"`
	UniverseSize  int           `mapstructure:"universe_size"`
	WaveSize      int           `mapstructure:"wave_size"`
	WaveInterval  time.Duration `mapstructure:"wave_interval"`

	QueueMaxSize     int           `mapstructure:"queue_max_size"`
	QueueTTL         time.Duration `mapstructure:"queue_ttl"`
	QueueMaxAttempts int           `mapstructure:"queue_max_attempts"`
	DedupWindow      time.Duration `mapstructure:"dedup_window"`
	WeightStrength   float64       `mapstructure:"weight_strength"`
	WeightRecency    float64       `mapstructure:"weight_recency"`
	WeightVolume     float64       `mapstructure:"weight_volume"`

	RSIPeriod        int     `mapstructure:"rsi_period"`
	RSIOversold      float64 `mapstructure:"rsi_oversold"`
	RSIOverbought    float64 `mapstructure:"rsi_overbought"`
	FastMA           int     `mapstructure:"fast_ma"`
	SlowMA           int     `mapstructure:"slow_ma"`
	VolumeSpikeRatio float64 `mapstructure:"volume_spike_ratio"`
}

// RiskConfig sets the pre-trade validation limits and SL/TP geometry.
//
//   - MaxPositionSizePercent: notional cap as a percent of account equity.
//   - MaxDailyLossUSDT: realized-loss budget per UTC day.
//   - MaxDrawdownPercent: equity drawdown from peak that halts new trades.
//   - RiskRewardRatio: reward/risk floor; shortfall is surfaced as a warning.
//   - StopLossPercent / TakeProfitPercent: default SL/TP distance from entry.
type RiskConfig struct {
	MaxPositionSizePercent float64 `mapstructure:"max_position_size_percent"`
	MaxDailyLossUSDT       float64 `mapstructure:"max_daily_loss_usdt"`
	MaxDrawdownPercent     float64 `mapstructure:"max_drawdown_percent"`
	RiskRewardRatio        float64 `mapstructure:"risk_reward_ratio"`
	StopLossPercent        float64 `mapstructure:"stop_loss_percent"`
	TakeProfitPercent      float64 `mapstructure:"take_profit_percent"`
}

// ExecutorConfig bounds the trade executor pool.
//
//   - Executors: worker goroutines placing orders.
//   - MaxConcurrentTrades: cap on simultaneously open positions.
//   - ExecutionTimeout: wall clock budget for one placement pipeline.
//   - MaxSignalsPerSecond: local admission window in front of the pool.
//   - DefaultPositionSize: quote-currency notional when the caller gives none.
//   - MaxSlippagePercent: tolerated distance between signal and fill price.
//   - MaxAttempts: placement retries before a task is dropped.
type ExecutorConfig struct {
	Executors           int           `mapstructure:"executors"`
	MaxConcurrentTrades int           `mapstructure:"max_concurrent_trades"`
	ExecutionTimeout    time.Duration `mapstructure:"execution_timeout"`
	MaxSignalsPerSecond float64       `mapstructure:"max_signals_per_second"`
	DefaultPositionSize float64       `mapstructure:"default_position_size"`
	MaxSlippagePercent  float64       `mapstructure:"max_slippage_percent"`
	MaxAttempts         int           `mapstructure:"max_attempts"`
}

// PositionConfig controls the open-position monitor.
//
//   - MonitorInterval: price poll cadence for SL/TP/expiry checks.
//   - MaxHoldTime: positions older than this close with reason EXPIRED.
//   - TrailingStop / TrailingStopPercent: ratcheting stop once in profit.
//   - EmergencyClosePercent: adverse move that forces an immediate close.
type PositionConfig struct {
	MonitorInterval       time.Duration `mapstructure:"monitor_interval"`
	MaxHoldTime           time.Duration `mapstructure:"max_hold_time"`
	TrailingStop          bool          `mapstructure:"trailing_stop"`
	TrailingStopPercent   float64       `mapstructure:"trailing_stop_percent"`
	EmergencyClosePercent float64       `mapstructure:"emergency_close_percent"`
}

// EngineConfig drives the orchestrator's scan loop.
//
//   - ScanInterval: delay between scan cycles.
//   - MaxEligibleSymbols: cap on symbols dispatched per cycle.
//   - MinSignalStrength: signals below this are dropped.
//   - ImmediateExecution: strong signals bypass the queue.
type EngineConfig struct {
	ScanInterval       time.Duration `mapstructure:"scan_interval"`
	MaxEligibleSymbols int           `mapstructure:"max_eligible_symbols"`
	MinSignalStrength  float64       `mapstructure:"min_signal_strength"`
	ImmediateExecution bool          `mapstructure:"immediate_execution"`
}

// LedgerConfig points at the Postgres trade ledger. An empty DSN disables
// persistence (the bot runs with an in-memory no-op ledger).
type LedgerConfig struct {
	DSN string `mapstructure:"dsn"`
}

// StoreConfig sets where runtime state is persisted (JSON files).
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the HTTP status server.
type DashboardConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: FUTURESBOT_API_KEY, FUTURESBOT_API_SECRET,
// FUTURESBOT_LEDGER_DSN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("FUTURESBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("FUTURESBOT_API_KEY"); key != "" {
		cfg.Exchange.APIKey = key
	}
	if secret := os.Getenv("FUTURESBOT_API_SECRET"); secret != "" {
		cfg.Exchange.Secret = secret
	}
	if dsn := os.Getenv("FUTURESBOT_LEDGER_DSN"); dsn != "" {
		cfg.Ledger.DSN = dsn
	}
	if os.Getenv("FUTURESBOT_DRY_RUN") == "true" || os.Getenv("FUTURESBOT_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("exchange.timeout", 10*time.Second)

	v.SetDefault("market.ticker_ttl", 60*time.Second)
	v.SetDefault("market.kline_ttl", time.Minute)
	v.SetDefault("market.max_cache_size", 500)
	v.SetDefault("market.reconnect_delay", 3*time.Second)
	v.SetDefault("market.significant_change_pct", 0.1)
	v.SetDefault("market.preload_batch", 20)
	v.SetDefault("market.stream_enabled", true)

	v.SetDefault("signal.workers", 5)
	v.SetDefault("signal.queue_size", 15)
	v.SetDefault("signal.task_timeout", 6*time.Second)
	v.SetDefault("signal.retry_attempts", 2)
	v.SetDefault("signal.interval", "5m")
	v.SetDefault("signal.kline_limit", 100)
	v.SetDefault("signal.min_volume_usdt", 10_000)
	v.SetDefault("signal.universe_size", 500)
	v.SetDefault("signal.wave_size", 50)
	v.SetDefault("signal.wave_interval", 5*time.Minute)
	v.SetDefault("signal.queue_max_size", 100)
	v.SetDefault("signal.queue_ttl", 30*time.Second)
	v.SetDefault("signal.queue_max_attempts", 3)
	v.SetDefault("signal.dedup_window", 60*time.Second)
	v.SetDefault("signal.weight_strength", 0.6)
	v.SetDefault("signal.weight_recency", 0.3)
	v.SetDefault("signal.weight_volume", 0.1)
	v.SetDefault("signal.rsi_period", 14)
	v.SetDefault("signal.rsi_oversold", 30)
	v.SetDefault("signal.rsi_overbought", 70)
	v.SetDefault("signal.fast_ma", 9)
	v.SetDefault("signal.slow_ma", 21)
	v.SetDefault("signal.volume_spike_ratio", 1.5)

	v.SetDefault("risk.max_position_size_percent", 20)
	v.SetDefault("risk.max_daily_loss_usdt", 500)
	v.SetDefault("risk.max_drawdown_percent", 15)
	v.SetDefault("risk.risk_reward_ratio", 2.0)
	v.SetDefault("risk.stop_loss_percent", 2.0)
	v.SetDefault("risk.take_profit_percent", 3.0)

	v.SetDefault("executor.executors", 3)
	v.SetDefault("executor.max_concurrent_trades", 5)
	v.SetDefault("executor.execution_timeout", 10*time.Second)
	v.SetDefault("executor.max_signals_per_second", 0.8)
	v.SetDefault("executor.default_position_size", 100)
	v.SetDefault("executor.max_slippage_percent", 0.5)
	v.SetDefault("executor.max_attempts", 3)

	v.SetDefault("position.monitor_interval", 3*time.Second)
	v.SetDefault("position.max_hold_time", 12*time.Hour)
	v.SetDefault("position.trailing_stop", true)
	v.SetDefault("position.trailing_stop_percent", 1.0)
	v.SetDefault("position.emergency_close_percent", 5.0)

	v.SetDefault("engine.scan_interval", 15*time.Second)
	v.SetDefault("engine.max_eligible_symbols", 50)
	v.SetDefault("engine.min_signal_strength", 55)
	v.SetDefault("engine.immediate_execution", true)

	v.SetDefault("store.data_dir", "data")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("dashboard.enabled", true)
	v.SetDefault("dashboard.port", 8085)
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Exchange.BaseURL == "" {
		return fmt.Errorf("exchange.base_url is required")
	}
	if !c.DryRun && (c.Exchange.APIKey == "" || c.Exchange.Secret == "") {
		return fmt.Errorf("exchange.api_key and exchange.secret are required unless dry_run is set (set FUTURESBOT_API_KEY / FUTURESBOT_API_SECRET)")
	}
	if c.Market.MaxCacheSize <= 0 {
		return fmt.Errorf("market.max_cache_size must be > 0")
	}
	if c.Signal.Workers <= 0 {
		return fmt.Errorf("signal.workers must be > 0")
	}
	if c.Signal.FastMA >= c.Signal.SlowMA {
		return fmt.Errorf("signal.fast_ma (%d) must be < signal.slow_ma (%d)", c.Signal.FastMA, c.Signal.SlowMA)
	}
	if c.Signal.KlineLimit < c.Signal.SlowMA+1 {
		return fmt.Errorf("signal.kline_limit must cover signal.slow_ma (need >= %d)", c.Signal.SlowMA+1)
	}
	if c.Signal.QueueMaxSize <= 0 {
		return fmt.Errorf("signal.queue_max_size must be > 0")
	}
	if c.Signal.WaveSize <= 0 {
		return fmt.Errorf("signal.wave_size must be > 0")
	}
	if c.Signal.WeightStrength < 0 || c.Signal.WeightRecency < 0 || c.Signal.WeightVolume < 0 {
		return fmt.Errorf("signal priority weights must be >= 0")
	}
	if c.Risk.MaxPositionSizePercent <= 0 || c.Risk.MaxPositionSizePercent > 100 {
		return fmt.Errorf("risk.max_position_size_percent must be in (0, 100]")
	}
	if c.Risk.StopLossPercent <= 0 || c.Risk.TakeProfitPercent <= 0 {
		return fmt.Errorf("risk.stop_loss_percent and risk.take_profit_percent must be > 0")
	}
	if c.Executor.Executors <= 0 {
		return fmt.Errorf("executor.executors must be > 0")
	}
	if c.Executor.MaxConcurrentTrades <= 0 {
		return fmt.Errorf("executor.max_concurrent_trades must be > 0")
	}
	if c.Executor.DefaultPositionSize <= 0 {
		return fmt.Errorf("executor.default_position_size must be > 0")
	}
	if c.Position.MonitorInterval <= 0 {
		return fmt.Errorf("position.monitor_interval must be > 0")
	}
	if c.Engine.ScanInterval <= 0 {
		return fmt.Errorf("engine.scan_interval must be > 0")
	}
	if c.Engine.MinSignalStrength < 0 || c.Engine.MinSignalStrength > 100 {
		return fmt.Errorf("engine.min_signal_strength must be in [0, 100]")
	}
	return nil
}
