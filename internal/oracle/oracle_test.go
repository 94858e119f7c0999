package oracle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNilClientDegradesToOracleUnavailable(t *testing.T) {
	var c *Client
	_, err := c.Score(context.Background(), ScoreContext{Pair: "BTC-USD"})
	assert.Error(t, err)
}

func TestScoreClampsFactorToRange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ScoreAdjustment{Factor: 5.0, Confidence: 0.9})
	}))
	defer srv.Close()

	c := New(srv.URL, 30, zaptest.NewLogger(t))
	adj, err := c.Score(context.Background(), ScoreContext{Pair: "BTC-USD", Regime: "Normal"})
	require.NoError(t, err)
	assert.Equal(t, maxFactor, adj.Factor)
}

func TestRateLimiterDeniesBurstBeyondConfiguredRate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ScoreAdjustment{Factor: 1.0})
	}))
	defer srv.Close()

	c := New(srv.URL, 1, zaptest.NewLogger(t))
	_, err := c.Score(context.Background(), ScoreContext{Pair: "BTC-USD"})
	require.NoError(t, err)

	_, err = c.Score(context.Background(), ScoreContext{Pair: "BTC-USD"})
	assert.Error(t, err)
}

func TestUnreachableEndpointDegrades(t *testing.T) {
	c := New("http://127.0.0.1:1", 30, zaptest.NewLogger(t))
	_, err := c.Score(context.Background(), ScoreContext{Pair: "BTC-USD"})
	assert.Error(t, err)
}
