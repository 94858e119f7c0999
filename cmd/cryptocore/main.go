package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/abdoElHodaky/cryptocore/internal/config"
	"github.com/abdoElHodaky/cryptocore/internal/domain"
	"github.com/abdoElHodaky/cryptocore/internal/httpapi"
	"github.com/abdoElHodaky/cryptocore/internal/pipeline"
	"github.com/abdoElHodaky/cryptocore/internal/simulator"
	"github.com/abdoElHodaky/cryptocore/internal/tick"
)

const (
	appName    = "cryptocore"
	appVersion = "v0.1.0"
)

func main() {
	var (
		configPath      = flag.String("config", "", "Directory containing cryptocore.yaml")
		oracleEndpoint  = flag.String("oracle-endpoint", "", "Score-oracle HTTP endpoint (empty disables it)")
		sinkPath        = flag.String("sink-path", "", "Durable append-only path for regulatory reports (empty disables persistence)")
		stressScenarios = flag.String("stress-scenarios", "", "YAML file of stress scenarios to evaluate against the live portfolio before starting (spec §4.G)")
		version         = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *version {
		fmt.Printf("%s %s\n", appName, appVersion)
		os.Exit(0)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	logger.Info("starting "+appName, zap.String("version", appVersion), zap.String("config", cfg.Describe()))

	sources, err := buildSources(cfg, logger)
	if err != nil {
		logger.Fatal("failed to build tick sources", zap.Error(err))
	}

	p, err := pipeline.New(cfg, sources, pipeline.Options{
		OracleEndpoint:     *oracleEndpoint,
		SinkDurabilityPath: *sinkPath,
	}, logger)
	if err != nil {
		logger.Fatal("failed to construct pipeline", zap.Error(err))
	}

	if *stressScenarios != "" {
		runStressScenarios(p, *stressScenarios, logger)
	}

	api := httpapi.New(p.Metrics())
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      api.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- p.Run(ctx) }()
	api.SetReady(true)

	go func() {
		logger.Info("serving health/metrics", zap.Int("port", cfg.HTTPPort))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server stopped unexpectedly", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		logger.Info("shutdown signal received")
		cancel()
		<-runErr
	case err := <-runErr:
		if err != nil {
			logger.Error("pipeline stopped with error", zap.Error(err))
		}
	}

	api.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server forced to shut down", zap.Error(err))
	}

	logger.Info(appName + " stopped")
}

// buildSources constructs one Tick Source Adapter per configured exchange,
// all sharing the generic wire-format parser (spec §4.A). An exchange
// whose feed diverges from the generic envelope gets its own ParseFunc
// registered here.
func buildSources(cfg *config.CoreConfig, logger *zap.Logger) ([]tick.Source, error) {
	if len(cfg.ExchangePriors) == 0 {
		return nil, fmt.Errorf("no exchange feeds configured")
	}
	dialer := tick.NewGorillaDialer()
	sources := make([]tick.Source, 0, len(cfg.ExchangePriors))
	for _, prior := range cfg.ExchangePriors {
		if prior.FeedURL == "" {
			logger.Warn("skipping exchange with no feed_url configured", zap.String("exchange", prior.ExchangeID))
			continue
		}
		sources = append(sources, tick.NewWSAdapter(prior.ExchangeID, prior.FeedURL, dialer, tick.ParseGenericJSON, logger))
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("every configured exchange is missing a feed_url")
	}
	return sources, nil
}

// runStressScenarios loads a stress-test scenario file (spec §4.G) and
// evaluates each scenario against a full-notional long what-if signal,
// logging the breached gates and hypothetical P&L without touching the
// live portfolio. Run once at startup, before the pipeline begins serving
// live ticks.
func runStressScenarios(p *pipeline.Pipeline, path string, logger *zap.Logger) {
	scenarios, err := simulator.LoadScenarios(path)
	if err != nil {
		logger.Fatal("failed to load stress scenarios", zap.Error(err))
	}
	now := time.Now()
	for _, scenario := range scenarios {
		sig := domain.LiveTradingSignal{
			SignalID:   "stress-" + scenario.Pair,
			Pair:       scenario.Pair,
			Direction:  domain.DirectionLong,
			Strength:   1.0,
			Confidence: 1.0,
			CreatedAt:  now,
			ExpiresAt:  now.Add(scenario.ShockDuration),
		}
		result := p.RunStressScenario(scenario, sig, now)
		logger.Info("stress scenario evaluated",
			zap.String("scenario_id", result.ScenarioID),
			zap.String("pair", result.Pair),
			zap.Float64("shocked_price", result.ShockedPrice),
			zap.Float64("simulated_pnl", result.SimulatedPnL),
			zap.Any("breached_gates", result.BreachedGates),
		)
	}
}
