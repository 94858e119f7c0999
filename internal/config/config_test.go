package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	assert.NoError(t, Validate(&cfg))
}

func TestValidateRejectsOutOfRangeTarget(t *testing.T) {
	cfg := Defaults()
	cfg.TargetCorrelation = 1.5
	assert.Error(t, Validate(&cfg))
}

func TestValidateRejectsInvertedThresholds(t *testing.T) {
	cfg := Defaults()
	cfg.WarningThreshold = 0.60
	cfg.CriticalThreshold = 0.75
	assert.Error(t, Validate(&cfg))
}

func TestReliabilityPriorDefault(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, 1.0, cfg.ReliabilityPrior("unknown"))
}

func TestReliabilityPriorConfigured(t *testing.T) {
	cfg := Defaults()
	cfg.ExchangePriors = []ExchangePrior{{ExchangeID: "binance", ReliabilityPrior: 0.9}}
	assert.Equal(t, 0.9, cfg.ReliabilityPrior("binance"))
}
