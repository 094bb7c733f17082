package services

import (
	"context"

	"marketdata_engine/models"
)

// CandleStore persists candle series keyed by (symbol, resolution, time).
//
// PutCandles is an idempotent upsert: a repeated write for the same
// timestamp replaces the prior value (last write wins). Each timestamp's
// upsert is independently atomic; no multi-key transaction is provided.
type CandleStore interface {
	PutCandles(ctx context.Context, symbol string, res models.Resolution, candles []models.Candle) error
	// GetCandleRange returns a timestamp-ascending, de-duplicated slice
	// restricted to the inclusive range [from, to]. An empty result is
	// a valid outcome, not an error.
	GetCandleRange(ctx context.Context, symbol string, res models.Resolution, from, to int64) ([]models.Candle, error)
}

// TradeBarStore is the trade-bar counterpart of CandleStore, keyed by
// (symbol, exchangeID, time).
type TradeBarStore interface {
	PutTradeBars(ctx context.Context, symbol, exchangeID string, bars []models.TradeBar) error
	GetTradeBarRange(ctx context.Context, symbol, exchangeID string, from, to int64) ([]models.TradeBar, error)
}

// LatestPriceStore holds a singleton latest-price cell per symbol.
// GetLatestPrice returns ErrNoData when the cell was never written.
type LatestPriceStore interface {
	SetLatestPrice(ctx context.Context, symbol string, price float64, ts int64) error
	GetLatestPrice(ctx context.Context, symbol string) (price float64, ts int64, err error)
}

// TimeSeriesStore is the one resource shared across all components: a
// collection of independently-mutable keys, not a transactional database.
type TimeSeriesStore interface {
	CandleStore
	TradeBarStore
	LatestPriceStore

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
