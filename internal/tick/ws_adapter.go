package tick

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/abdoElHodaky/cryptocore/internal/domain"
	pipelineerrors "github.com/abdoElHodaky/cryptocore/pkg/errors"
)

// DefaultBufferSize is the default downstream buffer before the
// oldest-drop overflow policy kicks in (spec §4.A default 1024 ticks).
const DefaultBufferSize = 1024

// ParseFunc decodes one raw WebSocket message into a Tick. Adapters that
// fail to parse a payload should return an error; the adapter counts and
// logs it without propagating (spec §4.A: "rejects malformed payloads").
type ParseFunc func(raw []byte) (domain.Tick, error)

// Dialer abstracts websocket.Dialer so tests can substitute a fake
// transport without a real network connection.
type Dialer interface {
	Dial(url string, header map[string][]string) (Conn, error)
}

// Conn is the minimal connection surface the adapter needs.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// WSAdapter is a generic WebSocket-backed TickSource (spec §4.A), shared
// by every exchange: each exchange supplies a URL and a ParseFunc.
type WSAdapter struct {
	exchangeID string
	url        string
	dialer     Dialer
	parse      ParseFunc
	bufferSize int
	logger     *zap.Logger

	malformedCount int64
}

// NewWSAdapter constructs an adapter for one exchange's WebSocket feed.
func NewWSAdapter(exchangeID, url string, dialer Dialer, parse ParseFunc, logger *zap.Logger) *WSAdapter {
	return &WSAdapter{
		exchangeID: exchangeID,
		url:        url,
		dialer:     dialer,
		parse:      parse,
		bufferSize: DefaultBufferSize,
		logger:     logger,
	}
}

func (a *WSAdapter) ExchangeID() string { return a.exchangeID }

// Connect dials the exchange and starts the reconnect-with-backoff read
// loop on a background goroutine, publishing StreamEvents to the
// returned channel until ctx is cancelled.
func (a *WSAdapter) Connect(ctx context.Context) (<-chan domain.StreamEvent, error) {
	conn, err := a.dialer.Dial(a.url, nil)
	if err != nil {
		return nil, pipelineerrors.Wrap(err, pipelineerrors.ErrTransport, fmt.Sprintf("initial connect to %s failed", a.exchangeID)).WithComponent("A")
	}

	out := make(chan domain.StreamEvent, a.bufferSize)
	go a.run(ctx, conn, out)
	return out, nil
}

func (a *WSAdapter) run(ctx context.Context, conn Conn, out chan<- domain.StreamEvent) {
	defer close(out)
	backoff := NewBackoff()
	a.emit(out, domain.StreamEvent{Kind: domain.EventConnected, ExchangeID: a.exchangeID, At: time.Now()})

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close()
			return
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			a.emit(out, domain.StreamEvent{Kind: domain.EventDisconnected, ExchangeID: a.exchangeID, Err: err, At: time.Now()})
			a.logger.Warn("stream disconnected, reconnecting", zap.String("exchange", a.exchangeID), zap.Error(err))

			conn = a.reconnect(ctx, backoff, out)
			if conn == nil {
				return
			}
			backoff.Reset()
			a.emit(out, domain.StreamEvent{Kind: domain.EventConnected, ExchangeID: a.exchangeID, At: time.Now()})
			continue
		}

		t, perr := a.parse(raw)
		if perr != nil {
			a.malformedCount++
			a.logger.Debug("malformed payload dropped", zap.String("exchange", a.exchangeID), zap.Error(perr))
			continue
		}
		t.ExchangeID = a.exchangeID
		t.PairSymbol = Normalize(t.PairSymbol)
		t.ReceivedAt = time.Now()

		a.emit(out, domain.StreamEvent{Kind: domain.EventTick, ExchangeID: a.exchangeID, Tick: t, At: t.ReceivedAt})
	}
}

// reconnect retries with exponential backoff (base 1s, cap 60s, +/-20%
// jitter) until ctx is cancelled or a connection succeeds.
func (a *WSAdapter) reconnect(ctx context.Context, backoff *Backoff, out chan<- domain.StreamEvent) Conn {
	for {
		delay := backoff.Next()
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		conn, err := a.dialer.Dial(a.url, nil)
		if err == nil {
			return conn
		}
		a.emit(out, domain.StreamEvent{Kind: domain.EventError, ExchangeID: a.exchangeID,
			Err: pipelineerrors.Wrap(err, pipelineerrors.ErrTransport, "reconnect failed").WithComponent("A"), At: time.Now()})
	}
}

// emit delivers an event, applying the bounded-buffer oldest-drop
// overflow policy of spec §4.A when the consumer lags.
func (a *WSAdapter) emit(out chan<- domain.StreamEvent, ev domain.StreamEvent) {
	select {
	case out <- ev:
		return
	default:
	}

	// Buffer full: drop the oldest queued event to make room, then push.
	select {
	case <-out:
	default:
	}
	select {
	case out <- ev:
	default:
	}

	overflow := domain.StreamEvent{Kind: domain.EventOverflowDrop, ExchangeID: a.exchangeID, OverflowCount: 1, At: time.Now()}
	select {
	case out <- overflow:
	default:
	}
}

// MalformedCount returns how many payloads failed to parse (spec §4.A:
// "logged, counted, not propagated").
func (a *WSAdapter) MalformedCount() int64 { return a.malformedCount }

// gorillaDialer adapts *websocket.Dialer to the Dialer interface.
type gorillaDialer struct{ d *websocket.Dialer }

// NewGorillaDialer returns a Dialer backed by gorilla/websocket for
// production use.
func NewGorillaDialer() Dialer {
	return gorillaDialer{d: websocket.DefaultDialer}
}

func (g gorillaDialer) Dial(url string, header map[string][]string) (Conn, error) {
	conn, _, err := g.d.Dial(url, header)
	if err != nil {
		return nil, err
	}
	return gorillaConn{conn}, nil
}

type gorillaConn struct{ c *websocket.Conn }

func (g gorillaConn) ReadMessage() (int, []byte, error) { return g.c.ReadMessage() }
func (g gorillaConn) Close() error                      { return g.c.Close() }
