package tick

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/abdoElHodaky/cryptocore/internal/domain"
)

// wireTick is the generic wire envelope every exchange feed is expected to
// normalize to before reaching WSAdapter (spec §4.A: the per-exchange
// detail is in the feed, not in C's or D's consumption of a Tick).
type wireTick struct {
	Pair      string  `json:"pair"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	Last      float64 `json:"last"`
	Volume    float64 `json:"volume"`
	Timestamp int64   `json:"timestamp_ms"`
}

// ParseGenericJSON decodes the common {pair,bid,ask,last,volume,
// timestamp_ms} envelope used by every configured exchange feed. Exchanges
// with a divergent wire format get their own ParseFunc; this one covers the
// default case (spec §4.A: "rejects malformed payloads" without
// propagating the error).
func ParseGenericJSON(raw []byte) (domain.Tick, error) {
	var w wireTick
	if err := json.Unmarshal(raw, &w); err != nil {
		return domain.Tick{}, fmt.Errorf("malformed tick payload: %w", err)
	}
	if w.Pair == "" || w.Last <= 0 {
		return domain.Tick{}, fmt.Errorf("tick payload missing pair or non-positive last price")
	}
	return domain.Tick{
		PairSymbol:        Normalize(w.Pair),
		Bid:               w.Bid,
		Ask:               w.Ask,
		Last:              w.Last,
		Volume:            w.Volume,
		ExchangeTimestamp: time.UnixMilli(w.Timestamp),
	}, nil
}
