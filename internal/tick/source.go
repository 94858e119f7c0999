// Package tick implements the Tick Source Adapter capability (spec §4.A):
// a lazy, unbounded per-exchange stream of StreamEvents, with
// reconnect-with-backoff and bounded, lossy-overflow delivery.
package tick

import (
	"context"

	"github.com/abdoElHodaky/cryptocore/internal/domain"
)

// Source is the capability every exchange adapter satisfies (spec §6,
// §9: "each exchange adapter satisfies a TickSource capability"). No
// inheritance hierarchy — any type implementing these two methods works.
type Source interface {
	// ExchangeID is the canonical name this source reports under.
	ExchangeID() string

	// Connect establishes the underlying transport and returns a channel
	// of StreamEvents. The channel is closed when ctx is cancelled or the
	// source permanently fails. Returns TransportError on unrecoverable
	// setup (spec §4.A, §7).
	Connect(ctx context.Context) (<-chan domain.StreamEvent, error)
}

// HistoryStore is the read-only historical data store collaborator used
// by C only for regime warm-up (spec §6). A real implementation is out
// of scope; this interface lets C depend on an abstraction.
type HistoryStore interface {
	LastN(ctx context.Context, pair string, n int) ([]domain.AggregatedView, error)
}

// Normalize upper-cases a raw exchange symbol and maps '-' and '_'
// separators to '/', giving the canonical BASE/QUOTE form (spec §4.A, §6).
// Whitespace is not trimmed.
func Normalize(raw string) string {
	out := make([]byte, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case c >= 'a' && c <= 'z':
			out = append(out, c-('a'-'A'))
		case c == '-' || c == '_':
			out = append(out, '/')
		default:
			out = append(out, c)
		}
	}
	return string(out)
}
