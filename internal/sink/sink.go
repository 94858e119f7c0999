// Package sink implements the persistence sink (spec §6): an append-only
// envelope store for RegulatoryReports, backed by a bounded in-memory
// ring for read access and a file-append writer for durability of the
// ledger itself (not of in-flight ticks, per spec §1 non-goals).
package sink

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/segmentio/ksuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/abdoElHodaky/cryptocore/internal/domain"
	pipelineerrors "github.com/abdoElHodaky/cryptocore/pkg/errors"
)

// Envelope wraps a RegulatoryReport with a ksuid-ordered envelope id and
// the time it was appended.
type Envelope struct {
	EnvelopeID string                  `json:"envelope_id"`
	AppendedAt time.Time               `json:"appended_at"`
	Report     domain.RegulatoryReport `json:"report"`
}

// Sink is F's ReportSink capability, a bounded ring of the most recent
// envelopes plus an append-only durability log.
type Sink struct {
	capacity int
	file     *os.File
	breaker  *gobreaker.CircuitBreaker
	logger   *zap.Logger

	mu   sync.Mutex
	ring []Envelope
}

// New constructs a Sink capped at capacity envelopes (spec §6 default
// 10k), appending durably to path if non-empty.
func New(capacity int, path string, logger *zap.Logger) (*Sink, error) {
	var f *os.File
	if path != "" {
		var err error
		f, err = os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, pipelineerrors.Wrap(err, pipelineerrors.ErrSink, "opening sink durability file")
		}
	}

	settings := gobreaker.Settings{
		Name:        "persistence_sink",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("sink breaker state change",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}

	return &Sink{
		capacity: capacity,
		file:     f,
		breaker:  gobreaker.NewCircuitBreaker(settings),
		logger:   logger,
	}, nil
}

// Append implements compliance.ReportSink: it writes r into the bounded
// ring and durably to disk, wrapped in a breaker so that, once failures
// trip it, appends fail fast with spec §7 SinkError; a slow write is not
// timed out.
func (s *Sink) Append(ctx context.Context, r domain.RegulatoryReport) error {
	env := Envelope{EnvelopeID: ksuid.New().String(), AppendedAt: time.Now(), Report: r}

	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.appendLocked(env)
	})
	if err != nil {
		return pipelineerrors.Wrap(err, pipelineerrors.ErrSink, "sink append failed")
	}
	return nil
}

func (s *Sink) appendLocked(env Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ring = append(s.ring, env)
	if len(s.ring) > s.capacity {
		s.ring = s.ring[len(s.ring)-s.capacity:]
	}

	if s.file == nil {
		return nil
	}
	line, err := json.Marshal(env)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	_, err = s.file.Write(line)
	return err
}

// Recent returns up to n of the most recently appended envelopes, newest
// last.
func (s *Sink) Recent(n int) []Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > len(s.ring) {
		n = len(s.ring)
	}
	out := make([]Envelope, n)
	copy(out, s.ring[len(s.ring)-n:])
	return out
}

// Len reports the current ring occupancy.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ring)
}

// Close releases the durability file handle, if any.
func (s *Sink) Close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}
