// Package config loads the pipeline's single immutable CoreConfig (spec
// §9) from YAML plus environment overrides. This is the only package that
// touches viper or os.Getenv; every core component receives *CoreConfig by
// constructor argument, never via global lookup (spec §9's redesign note).
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	pipelineerrors "github.com/abdoElHodaky/cryptocore/pkg/errors"
)

// ExchangePrior is a per-exchange static reliability prior (spec §4.B)
// plus the feed endpoint the Tick Source Adapter dials for it (spec
// §4.A). One entry configures one exchange end-to-end.
type ExchangePrior struct {
	ExchangeID       string  `mapstructure:"exchange_id"`
	ReliabilityPrior float64 `mapstructure:"reliability_prior"`
	FeedURL          string  `mapstructure:"feed_url"`
}

// CoreConfig is the single struct constructed at startup with every
// recognized option from spec §9 enumerated.
type CoreConfig struct {
	// F: compliance cadence and classification.
	MonitoringInterval    time.Duration `mapstructure:"monitoring_interval_ms"`
	ObservationWindow     int           `mapstructure:"observation_window_intervals"`
	TargetCorrelation     float64       `mapstructure:"target_correlation"`
	WarningThreshold      float64       `mapstructure:"warning_threshold"`
	CriticalThreshold     float64       `mapstructure:"critical_threshold"`
	EmergencyThreshold    float64       `mapstructure:"emergency_threshold"`
	RegulatoryReportEvery time.Duration `mapstructure:"regulatory_report_interval"`

	// G: risk gates.
	MaxPositionSize            float64 `mapstructure:"max_position_size"`
	MaxGrossExposure           float64 `mapstructure:"max_gross_exposure"`
	MaxDrawdown                float64 `mapstructure:"max_drawdown"`
	CorrelationBucketThreshold float64 `mapstructure:"correlation_bucket_threshold"`
	SlippageBaseBps            float64 `mapstructure:"slippage_base_bps"`
	MarketImpactCoef           float64 `mapstructure:"market_impact_coef"`
	MaxSlippageBps             float64 `mapstructure:"max_slippage_bps"`
	TransactionCostBps         float64 `mapstructure:"transaction_cost_bps"`
	LatencyMinMs               int     `mapstructure:"latency_min_ms"`
	LatencyMaxMs               int     `mapstructure:"latency_max_ms"`
	InitialEquity              float64 `mapstructure:"initial_equity"`

	// D: quality gate base thresholds, overridable by F.
	MinConfidenceThresholdBase float64       `mapstructure:"min_confidence_threshold_base"`
	MinDataQualityBase         float64       `mapstructure:"min_data_quality_base"`
	MinParticipantsBase        int           `mapstructure:"min_participants_base"`
	MinStrengthBase            float64       `mapstructure:"min_strength_base"`
	MaxExpectedReturnPerSignal float64       `mapstructure:"max_expected_return_per_signal"`
	SignalHorizon              time.Duration `mapstructure:"signal_horizon"`
	SignalRefreshInterval      time.Duration `mapstructure:"signal_refresh_interval"`

	// B: per-exchange weighting priors.
	ExchangePriors []ExchangePrior `mapstructure:"exchange_priors"`

	// Pipeline-wide: the tradable pairs every component is wired for.
	TradingPairs []string `mapstructure:"trading_pairs"`

	// C: warm-up and arbitrage detection.
	WarmupWindowSteps     int           `mapstructure:"warmup_window_steps"`
	ArbitrageThresholdBps float64       `mapstructure:"arbitrage_threshold_bps"`
	RoundTripCostBps      float64       `mapstructure:"round_trip_cost_bps"`
	StaleThreshold        time.Duration `mapstructure:"stale_threshold"`

	// Oracle (score oracle §6).
	OracleMaxRequestsPerHour int `mapstructure:"oracle_max_requests_per_hour"`

	// Sink (§6/§7).
	SinkBufferCapacity int `mapstructure:"sink_buffer_capacity"`

	// Monitoring surface.
	PrometheusPort int    `mapstructure:"prometheus_port"`
	HTTPPort       int    `mapstructure:"http_port"`
	LogLevel       string `mapstructure:"log_level"`
}

// Defaults returns the spec-documented default values (spec §4, §9).
func Defaults() CoreConfig {
	return CoreConfig{
		MonitoringInterval:    10 * time.Second,
		ObservationWindow:     3,
		TargetCorrelation:     0.85,
		WarningThreshold:      0.80,
		CriticalThreshold:     0.75,
		EmergencyThreshold:    0.70,
		RegulatoryReportEvery: 24 * time.Hour,

		MaxPositionSize:            0.10,
		MaxGrossExposure:           0.50,
		MaxDrawdown:                0.20,
		CorrelationBucketThreshold: 0.80,
		SlippageBaseBps:            5,
		MarketImpactCoef:           0.1,
		MaxSlippageBps:             50,
		TransactionCostBps:         8,
		LatencyMinMs:               50,
		LatencyMaxMs:               200,
		InitialEquity:              100000,

		MinConfidenceThresholdBase: 0.5,
		MinDataQualityBase:         0.5,
		MinParticipantsBase:        2,
		MinStrengthBase:            0.1,
		MaxExpectedReturnPerSignal: 0.02,
		SignalHorizon:              6 * time.Hour,
		SignalRefreshInterval:      200 * time.Millisecond,

		TradingPairs: []string{"BTC/USD", "ETH/USD"},
		ExchangePriors: []ExchangePrior{
			{ExchangeID: "exchange-a", ReliabilityPrior: 1.0, FeedURL: "wss://feed.exchange-a.example/stream"},
			{ExchangeID: "exchange-b", ReliabilityPrior: 0.9, FeedURL: "wss://feed.exchange-b.example/stream"},
		},

		WarmupWindowSteps:     60,
		ArbitrageThresholdBps: 25,
		RoundTripCostBps:      20,
		StaleThreshold:        5 * time.Second,

		OracleMaxRequestsPerHour: 30,
		SinkBufferCapacity:       10000,

		PrometheusPort: 9090,
		HTTPPort:       8080,
		LogLevel:       "info",
	}
}

// Load reads YAML config (if present) into a CoreConfig seeded with
// Defaults, then validates it (spec §7 Fatal errors: invalid config
// rejected at startup). CRYPTOCORE_-prefixed environment variables
// override only keys that the YAML file itself sets; when no config file
// is found, the environment is not consulted and Defaults are used.
func Load(configPath string) (*CoreConfig, error) {
	defaults := Defaults()

	v := viper.New()
	v.SetConfigName("cryptocore")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/cryptocore")
	}
	v.AutomaticEnv()
	v.SetEnvPrefix("CRYPTOCORE")

	cfg := defaults
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, pipelineerrors.Wrap(err, pipelineerrors.ErrFatal, "failed to read config file")
		}
	} else if err := v.Unmarshal(&cfg); err != nil {
		return nil, pipelineerrors.Wrap(err, pipelineerrors.ErrFatal, "failed to unmarshal config")
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces the Fatal-error invariants of spec §7: invalid config,
// target_correlation outside [-1,1]. The caller additionally rejects an
// empty adapter list, since only it knows which exchanges were configured.
func Validate(cfg *CoreConfig) error {
	if cfg.TargetCorrelation < -1 || cfg.TargetCorrelation > 1 {
		return pipelineerrors.Newf(pipelineerrors.ErrFatal, "target_correlation %f outside [-1,1]", cfg.TargetCorrelation)
	}
	if cfg.EmergencyThreshold > cfg.CriticalThreshold || cfg.CriticalThreshold > cfg.WarningThreshold || cfg.WarningThreshold > cfg.TargetCorrelation {
		return pipelineerrors.Newf(pipelineerrors.ErrFatal,
			"compliance thresholds must satisfy emergency <= critical <= warning <= target, got %f <= %f <= %f <= %f",
			cfg.EmergencyThreshold, cfg.CriticalThreshold, cfg.WarningThreshold, cfg.TargetCorrelation)
	}
	if cfg.MaxPositionSize <= 0 || cfg.MaxPositionSize > 1 {
		return pipelineerrors.Newf(pipelineerrors.ErrFatal, "max_position_size %f outside (0,1]", cfg.MaxPositionSize)
	}
	if cfg.MaxGrossExposure <= 0 || cfg.MaxGrossExposure > 10 {
		return pipelineerrors.Newf(pipelineerrors.ErrFatal, "max_gross_exposure %f out of range", cfg.MaxGrossExposure)
	}
	if cfg.MonitoringInterval <= 0 {
		return pipelineerrors.New(pipelineerrors.ErrFatal, "monitoring_interval_ms must be positive")
	}
	if cfg.InitialEquity <= 0 {
		return pipelineerrors.New(pipelineerrors.ErrFatal, "initial_equity must be positive")
	}
	return nil
}

// ReliabilityPrior looks up the configured static prior for an exchange,
// defaulting to 1.0 when unconfigured.
func (c *CoreConfig) ReliabilityPrior(exchangeID string) float64 {
	for _, p := range c.ExchangePriors {
		if p.ExchangeID == exchangeID {
			return p.ReliabilityPrior
		}
	}
	return 1.0
}

// Describe renders a short human summary, used in startup logs.
func (c *CoreConfig) Describe() string {
	return fmt.Sprintf("target_correlation=%.2f monitoring_interval=%s max_drawdown=%.0f%%",
		c.TargetCorrelation, c.MonitoringInterval, c.MaxDrawdown*100)
}
