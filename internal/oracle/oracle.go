// Package oracle implements the outbound score-oracle client (spec §6):
// a rate-limited, circuit-breaker-wrapped HTTP client that enriches D's
// confidence with a clamped multiplicative adjustment.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	pipelineerrors "github.com/abdoElHodaky/cryptocore/pkg/errors"
)

// ScoreAdjustment is the oracle's response (spec §6): a hard-clamped
// multiplicative confidence factor plus the features/confidence it was
// derived from.
type ScoreAdjustment struct {
	Factor     float64            `json:"factor"`
	Features   map[string]float64 `json:"features"`
	Confidence float64            `json:"confidence"`
}

const (
	minFactor = 0.8
	maxFactor = 1.2
)

// ScoreContext is the feature payload D sends to the oracle for a given
// pair/regime.
type ScoreContext struct {
	Pair       string  `json:"pair"`
	Regime     string  `json:"regime"`
	Strength   float64 `json:"strength"`
	Confidence float64 `json:"confidence"`
	DataQuality float64 `json:"data_quality"`
}

// Client is D's optional score-oracle dependency (spec §6). A nil *Client
// is a valid no-op: Score always returns ErrOracleUnavailable so callers
// degrade to unadjusted confidence.
type Client struct {
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	limiter    *rate.Limiter
	endpoint   string
	logger     *zap.Logger
}

// New constructs a Client capped at maxRequestsPerHour (spec §6 default
// 30/hr), wrapped in a circuit breaker per the teacher's resilience
// idiom (internal/architecture/fx/resilience).
func New(endpoint string, maxRequestsPerHour int, logger *zap.Logger) *Client {
	limit := rate.Limit(float64(maxRequestsPerHour) / float64(time.Hour/time.Second))
	settings := gobreaker.Settings{
		Name:        "score_oracle",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("score oracle breaker state change",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
	return &Client{
		httpClient: &http.Client{Timeout: 2 * time.Second},
		breaker:    gobreaker.NewCircuitBreaker(settings),
		limiter:    rate.NewLimiter(limit, maxRequestsPerHour),
		endpoint:   endpoint,
		logger:     logger,
	}
}

// Score requests a ScoreAdjustment for sc. Per spec §7 OracleUnavailable,
// any breaker-open, limiter-denied, or transport failure returns
// ErrOracleUnavailable and callers must proceed with unadjusted
// confidence rather than blocking or retrying.
func (c *Client) Score(ctx context.Context, sc ScoreContext) (ScoreAdjustment, error) {
	if c == nil || c.endpoint == "" {
		return ScoreAdjustment{}, pipelineerrors.New(pipelineerrors.ErrOracleUnavailable, "oracle not configured")
	}
	if !c.limiter.Allow() {
		return ScoreAdjustment{}, pipelineerrors.New(pipelineerrors.ErrOracleUnavailable, "oracle rate limit exceeded")
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.request(ctx, sc)
	})
	if err != nil {
		return ScoreAdjustment{}, pipelineerrors.Wrap(err, pipelineerrors.ErrOracleUnavailable, "oracle request failed")
	}

	adj := result.(ScoreAdjustment)
	adj.Factor = clamp(adj.Factor, minFactor, maxFactor)
	return adj, nil
}

func (c *Client) request(ctx context.Context, sc ScoreContext) (ScoreAdjustment, error) {
	body, err := json.Marshal(sc)
	if err != nil {
		return ScoreAdjustment{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return ScoreAdjustment{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ScoreAdjustment{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ScoreAdjustment{}, fmt.Errorf("oracle returned status %d", resp.StatusCode)
	}

	var adj ScoreAdjustment
	if err := json.NewDecoder(resp.Body).Decode(&adj); err != nil {
		return ScoreAdjustment{}, err
	}
	return adj, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
