// Package telemetry collects the pipeline's Prometheus metrics, one
// registry shared across A-G's defined transition points (connect/
// disconnect, quality threshold crossing, regime change, signal
// emission/suppression, violation open/escalate/resolve, position
// open/close) per SPEC_FULL.md's ambient-observability expansion of
// spec §4.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the pipeline's single metrics surface, constructed once at
// startup by the Pipeline, which updates it from the component streams it
// routes; the components themselves are not given it.
type Metrics struct {
	Registry *prometheus.Registry

	// A: Tick Source Adapter.
	TicksIngested      *prometheus.CounterVec
	AdapterConnections *prometheus.CounterVec
	AdapterBackoffSecs *prometheus.HistogramVec

	// B: Stream Health Monitor.
	ExchangeReliability *prometheus.GaugeVec
	StaleStreams        *prometheus.GaugeVec

	// C: Market Data Aggregator.
	ArbitrageHints  *prometheus.CounterVec
	RegimeGauge     *prometheus.GaugeVec
	DataQuality     *prometheus.GaugeVec
	CrossedMarkets  prometheus.Counter

	// D: Signal Processor.
	SignalsEmitted    *prometheus.CounterVec
	SignalsCancelled  *prometheus.CounterVec
	SignalsSuppressed *prometheus.CounterVec
	OracleUnavailable prometheus.Counter

	// E: Correlation Tracker.
	CorrelationGauge *prometheus.GaugeVec
	OutcomesResolved *prometheus.CounterVec

	// F: TRS Compliance Engine.
	ComplianceStatus   *prometheus.GaugeVec
	ViolationsOpened   *prometheus.CounterVec
	ViolationsResolved *prometheus.CounterVec
	ReportsEmitted     prometheus.Counter

	// G: Trading Simulator.
	PositionsOpened *prometheus.CounterVec
	PositionsClosed *prometheus.CounterVec
	RiskRejections  *prometheus.CounterVec
	PortfolioEquity prometheus.Gauge

	// Ambient: sink/oracle backpressure.
	SinkErrors   prometheus.Counter
	SinkDepth    prometheus.Gauge
}

// New constructs and registers every metric against a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		TicksIngested: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cryptocore_ticks_ingested_total", Help: "Ticks ingested per exchange/pair.",
		}, []string{"exchange", "pair"}),
		AdapterConnections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cryptocore_adapter_connections_total", Help: "Adapter connect attempts by outcome.",
		}, []string{"exchange", "outcome"}),
		AdapterBackoffSecs: f.NewHistogramVec(prometheus.HistogramOpts{
			Name: "cryptocore_adapter_backoff_seconds", Help: "Reconnect backoff duration.",
			Buckets: []float64{0.5, 1, 2, 4, 8, 16, 32, 60},
		}, []string{"exchange"}),

		ExchangeReliability: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cryptocore_exchange_reliability", Help: "Current per-exchange reliability score.",
		}, []string{"exchange"}),
		StaleStreams: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cryptocore_stale_stream", Help: "1 if the exchange stream is currently stale.",
		}, []string{"exchange"}),

		ArbitrageHints: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cryptocore_arbitrage_hints_total", Help: "Arbitrage hints emitted by pair.",
		}, []string{"pair"}),
		RegimeGauge: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cryptocore_regime", Help: "Current regime classification as an ordinal, by pair.",
		}, []string{"pair"}),
		DataQuality: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cryptocore_data_quality", Help: "Current aggregated data quality, by pair.",
		}, []string{"pair"}),
		CrossedMarkets: f.NewCounter(prometheus.CounterOpts{
			Name: "cryptocore_crossed_markets_total", Help: "Crossed best-bid/best-ask observations.",
		}),

		SignalsEmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cryptocore_signals_emitted_total", Help: "Signals emitted by pair/direction.",
		}, []string{"pair", "direction"}),
		SignalsCancelled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cryptocore_signals_cancelled_total", Help: "Signals cancelled (Crisis withdrawal) by pair.",
		}, []string{"pair"}),
		SignalsSuppressed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cryptocore_signals_suppressed_total", Help: "Generation passes suppressed by gate, by reason.",
		}, []string{"pair", "reason"}),
		OracleUnavailable: f.NewCounter(prometheus.CounterOpts{
			Name: "cryptocore_oracle_unavailable_total", Help: "Score-oracle degrade-to-unadjusted events.",
		}),

		CorrelationGauge: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cryptocore_prediction_correlation", Help: "Current measured prediction/outcome correlation, by pair (empty = portfolio).",
		}, []string{"pair"}),
		OutcomesResolved: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cryptocore_outcomes_resolved_total", Help: "Outcomes resolved, by whether a position was ever opened.",
		}, []string{"had_position"}),

		ComplianceStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cryptocore_compliance_status", Help: "Current ComplianceStatus as an ordinal, by pair (empty = portfolio).",
		}, []string{"pair"}),
		ViolationsOpened: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cryptocore_violations_opened_total", Help: "Violations opened, by severity.",
		}, []string{"severity"}),
		ViolationsResolved: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cryptocore_violations_resolved_total", Help: "Violations resolved, by outcome.",
		}, []string{"outcome"}),
		ReportsEmitted: f.NewCounter(prometheus.CounterOpts{
			Name: "cryptocore_regulatory_reports_total", Help: "Regulatory reports emitted.",
		}),

		PositionsOpened: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cryptocore_positions_opened_total", Help: "Positions opened, by pair.",
		}, []string{"pair"}),
		PositionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cryptocore_positions_closed_total", Help: "Positions closed, by reason.",
		}, []string{"reason"}),
		RiskRejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cryptocore_risk_rejections_total", Help: "Signals rejected by G's risk gates, by reason.",
		}, []string{"reason"}),
		PortfolioEquity: f.NewGauge(prometheus.GaugeOpts{
			Name: "cryptocore_portfolio_equity", Help: "Current simulated portfolio equity.",
		}),

		SinkErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "cryptocore_sink_errors_total", Help: "Persistence sink append failures.",
		}),
		SinkDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "cryptocore_sink_ring_depth", Help: "Current occupancy of the sink's bounded ring.",
		}),
	}
}
