package domain

import "time"

// StreamHealth is the per-exchange health record maintained exclusively by
// the Stream Health Monitor (spec §3/§4.B). quality_score is recomputed
// when a tick arrives, with its freshness term decaying as the gap since
// the exchange's previous message grows; it is not recomputed between
// ticks, so without fresh ticks it keeps its last value.
type StreamHealth struct {
	ExchangeID       string
	Connected        bool
	EWMALatencyMs    float64
	MessagesPerSec   float64
	ErrorCount24h    int
	QualityScore     float64
	ReliabilityWeight float64
	LastMessageAt    time.Time
}

// HealthUpdateKind tags the threshold crossing that produced a HealthUpdate.
type HealthUpdateKind int

const (
	HealthBecameHealthy HealthUpdateKind = iota
	HealthBecameDegraded
	HealthConnected
	HealthDisconnected
)

// HealthUpdate is emitted by B on a threshold crossing (spec §4.B).
type HealthUpdate struct {
	Kind       HealthUpdateKind
	ExchangeID string
	Health     StreamHealth
	At         time.Time
}
