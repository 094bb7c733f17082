package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Resolution identifies the bucket duration of a candle series.
type Resolution string

const (
	Res1m  Resolution = "1m"
	Res5m  Resolution = "5m"
	Res15m Resolution = "15m"
	Res1h  Resolution = "1h"
	Res4h  Resolution = "4h"
	Res1d  Resolution = "1d"
	Res1w  Resolution = "1w"
)

// SupportedResolutions lists every resolution the engine maintains,
// shortest step first.
var SupportedResolutions = []Resolution{Res1m, Res5m, Res15m, Res1h, Res4h, Res1d, Res1w}

var resolutionSteps = map[Resolution]int64{
	Res1m:  60,
	Res5m:  300,
	Res15m: 900,
	Res1h:  3600,
	Res4h:  14400,
	Res1d:  86400,
	Res1w:  604800,
}

// ParseResolution validates a resolution string from config or a request.
func ParseResolution(s string) (Resolution, error) {
	r := Resolution(s)
	if _, ok := resolutionSteps[r]; !ok {
		return "", fmt.Errorf("unsupported resolution %q", s)
	}
	return r, nil
}

// StepSeconds returns the bucket duration in seconds, or 0 for an
// unknown resolution.
func (r Resolution) StepSeconds() int64 {
	return resolutionSteps[r]
}

// Align floors a unix-seconds timestamp to the resolution boundary.
func (r Resolution) Align(ts int64) int64 {
	step := r.StepSeconds()
	if step == 0 {
		return ts
	}
	return ts - ts%step
}

// Candle is one OHLCV aggregate of one symbol and resolution. Time is
// unix seconds aligned to the resolution boundary; (Symbol, Resolution,
// Time) is the natural key.
type Candle struct {
	Symbol     string     `json:"symbol"`
	Resolution Resolution `json:"resolution"`
	Time       int64      `json:"time"`
	Open       float64    `json:"open"`
	High       float64    `json:"high"`
	Low        float64    `json:"low"`
	Close      float64    `json:"close"`
	Volume     float64    `json:"volume"`
}

// TradeBar is an OHLCV aggregate built from raw executed trades of a
// single exchange. Time is unix seconds aligned to the bar bucket;
// (Symbol, ExchangeID, Time) is the natural key.
type TradeBar struct {
	Symbol     string  `json:"symbol"`
	ExchangeID string  `json:"exchange_id"`
	Time       int64   `json:"time"`
	Open       float64 `json:"open"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Close      float64 `json:"close"`
	Volume     float64 `json:"volume"`
}

// Tick is one executed trade as reported by an exchange. Price and
// Quantity keep the exchange's exact string representation as decimals;
// Timestamp is unix milliseconds.
type Tick struct {
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Timestamp int64           `json:"timestamp"`
	Side      string          `json:"side"` // "buy" or "sell" (taker side)
}

// Gap is an under-covered window of a candle series, valid for one
// detection cycle only. The window is half-open: [Start, End).
type Gap struct {
	Symbol     string     `json:"symbol"`
	Resolution Resolution `json:"resolution"`
	Start      int64      `json:"start"`
	End        int64      `json:"end"`
}

// FetchCursor records the last trade timestamp (unix milliseconds)
// successfully processed for one (exchange, symbol) pair, so a restarted
// aggregator resumes incrementally instead of re-fetching history.
type FetchCursor struct {
	ExchangeID  string `json:"exchange_id"`
	Symbol      string `json:"symbol"`
	LastFetchTS int64  `json:"last_fetch_ts"`
}
