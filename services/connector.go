package services

import (
	"context"

	"marketdata_engine/models"
)

// ExchangeConnector fetches market data from one upstream exchange. An
// implementation owns the provider's pagination and rate limits and
// returns one stitched, ascending, de-duplicated result regardless of the
// requested range size.
//
// Both fetch methods distinguish "no data available" (empty slice, nil
// error) from a provider failure. On a transient failure mid-pagination
// the connector still returns the complete ascending prefix it obtained,
// alongside a *TransientUpstreamError; the caller may write the prefix
// (writes are idempotent) and retry later. Non-recoverable provider
// responses are reported as *PermanentUpstreamError.
type ExchangeConnector interface {
	// Name identifies the exchange, e.g. "binance". Used as the
	// exchangeId key of trade bars and fetch cursors.
	Name() string

	// FetchCandles returns exchange-supplied candles for the inclusive
	// unix-seconds range [from, to] at the given resolution.
	FetchCandles(ctx context.Context, symbol string, res models.Resolution, from, to int64) ([]models.Candle, error)

	// FetchTrades returns raw executed trades for the inclusive
	// unix-milliseconds range [from, to].
	FetchTrades(ctx context.Context, symbol string, from, to int64) ([]models.Tick, error)
}
