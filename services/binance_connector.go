package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"marketdata_engine/models"
)

// Connector configuration
const (
	BinanceBaseURL        = "https://api.binance.com"
	BinancePageLimit      = 1000
	BinanceRequestTimeout = 15 * time.Second
	BinancePageDelay      = 100 * time.Millisecond

	// aggTrades rejects ranges wider than one hour, so trade pagination
	// walks the requested range in hour slices.
	binanceTradeSliceMS = int64(time.Hour / time.Millisecond)
)

var binanceIntervals = map[models.Resolution]string{
	models.Res1m:  "1m",
	models.Res5m:  "5m",
	models.Res15m: "15m",
	models.Res1h:  "1h",
	models.Res4h:  "4h",
	models.Res1d:  "1d",
	models.Res1w:  "1w",
}

// BinanceConnector fetches candles and raw trades from the Binance spot
// REST API, stitching pages into one ascending de-duplicated result.
type BinanceConnector struct {
	name       string
	baseURL    string
	httpClient *http.Client
	pageLimit  int
	pageDelay  time.Duration
}

func NewBinanceConnector() *BinanceConnector {
	return NewBinanceConnectorWithBaseURL("binance", BinanceBaseURL)
}

// NewBinanceConnectorWithBaseURL supports Binance-compatible mirrors and
// test servers.
func NewBinanceConnectorWithBaseURL(name, baseURL string) *BinanceConnector {
	return &BinanceConnector{
		name:       name,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: BinanceRequestTimeout},
		pageLimit:  BinancePageLimit,
		pageDelay:  BinancePageDelay,
	}
}

func (b *BinanceConnector) Name() string { return b.name }

// FetchCandles pages through /api/v3/klines. On a transient provider
// failure the ascending prefix collected so far is returned with the
// error.
func (b *BinanceConnector) FetchCandles(ctx context.Context, symbol string, res models.Resolution, from, to int64) ([]models.Candle, error) {
	interval, ok := binanceIntervals[res]
	if !ok {
		return nil, &PermanentUpstreamError{Op: "fetch candles", Symbol: symbol, Err: fmt.Errorf("resolution %s not supported", res)}
	}

	stepMS := res.StepSeconds() * 1000
	cursor := from * 1000
	endMS := to * 1000

	var out []models.Candle
	for cursor <= endMS {
		page, err := b.fetchKlinePage(ctx, symbol, interval, res, cursor, endMS)
		if err != nil {
			return out, err
		}
		if len(page) == 0 {
			break
		}
		for _, c := range page {
			if len(out) > 0 && c.Time <= out[len(out)-1].Time {
				continue // overlap from page stitching
			}
			out = append(out, c)
		}
		cursor = page[len(page)-1].Time*1000 + stepMS
		if len(page) < b.pageLimit {
			break
		}
		if err := b.sleepBetweenPages(ctx); err != nil {
			return out, &TransientUpstreamError{Op: "fetch candles " + symbol, Err: err}
		}
	}
	return out, nil
}

func (b *BinanceConnector) fetchKlinePage(ctx context.Context, symbol, interval string, res models.Resolution, startMS, endMS int64) ([]models.Candle, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", interval)
	q.Set("startTime", strconv.FormatInt(startMS, 10))
	q.Set("endTime", strconv.FormatInt(endMS, 10))
	q.Set("limit", strconv.Itoa(b.pageLimit))

	body, err := b.get(ctx, "/api/v3/klines", q, "fetch candles "+symbol, symbol)
	if err != nil {
		return nil, err
	}

	// Each kline row is a mixed array:
	// [openTime, open, high, low, close, volume, closeTime, ...]
	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, &PermanentUpstreamError{Op: "fetch candles", Symbol: symbol, Err: fmt.Errorf("malformed kline response: %w", err)}
	}

	candles := make([]models.Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			return nil, &PermanentUpstreamError{Op: "fetch candles", Symbol: symbol, Err: fmt.Errorf("kline row has %d fields", len(row))}
		}
		var openTimeMS int64
		if err := json.Unmarshal(row[0], &openTimeMS); err != nil {
			return nil, &PermanentUpstreamError{Op: "fetch candles", Symbol: symbol, Err: fmt.Errorf("malformed kline open time: %w", err)}
		}
		vals := make([]float64, 5)
		for i := 0; i < 5; i++ {
			var s string
			if err := json.Unmarshal(row[i+1], &s); err != nil {
				return nil, &PermanentUpstreamError{Op: "fetch candles", Symbol: symbol, Err: fmt.Errorf("malformed kline field: %w", err)}
			}
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, &PermanentUpstreamError{Op: "fetch candles", Symbol: symbol, Err: fmt.Errorf("malformed kline value %q: %w", s, err)}
			}
			vals[i] = v
		}
		candles = append(candles, models.Candle{
			Symbol:     symbol,
			Resolution: res,
			Time:       res.Align(openTimeMS / 1000),
			Open:       vals[0],
			High:       vals[1],
			Low:        vals[2],
			Close:      vals[3],
			Volume:     vals[4],
		})
	}
	return candles, nil
}

type binanceAggTrade struct {
	ID         int64  `json:"a"`
	Price      string `json:"p"`
	Quantity   string `json:"q"`
	Time       int64  `json:"T"`
	BuyerMaker bool   `json:"m"`
}

// FetchTrades pages through /api/v3/aggTrades in hour slices. A page
// truncated by the limit resumes by aggregate trade id (fromId) rather
// than by time, since several trades can share one millisecond and a
// time-based resume would skip the ones past the cut. Returned ticks
// are ascending by timestamp; the taker side is derived from the
// buyer-maker flag.
func (b *BinanceConnector) FetchTrades(ctx context.Context, symbol string, from, to int64) ([]models.Tick, error) {
	if from > to {
		return nil, nil
	}

	var out []models.Tick
	lastID := int64(-1)
	fromID := int64(-1) // id-based resume after a truncated page
	cursor := from

	for {
		sliceEnd := cursor + binanceTradeSliceMS - 1
		if sliceEnd > to {
			sliceEnd = to
		}

		q := url.Values{}
		q.Set("symbol", symbol)
		q.Set("limit", strconv.Itoa(b.pageLimit))
		if fromID >= 0 {
			q.Set("fromId", strconv.FormatInt(fromID, 10))
		} else {
			q.Set("startTime", strconv.FormatInt(cursor, 10))
			q.Set("endTime", strconv.FormatInt(sliceEnd, 10))
		}

		body, err := b.get(ctx, "/api/v3/aggTrades", q, "fetch trades "+symbol, symbol)
		if err != nil {
			return out, err
		}

		var trades []binanceAggTrade
		if err := json.Unmarshal(body, &trades); err != nil {
			return out, &PermanentUpstreamError{Op: "fetch trades", Symbol: symbol, Err: fmt.Errorf("malformed trade response: %w", err)}
		}

		for _, t := range trades {
			if t.ID <= lastID {
				continue
			}
			if t.Time > to {
				// fromId pages are not time-bounded upstream.
				return out, nil
			}
			price, err := decimal.NewFromString(t.Price)
			if err != nil {
				return out, &PermanentUpstreamError{Op: "fetch trades", Symbol: symbol, Err: fmt.Errorf("malformed trade price %q: %w", t.Price, err)}
			}
			qty, err := decimal.NewFromString(t.Quantity)
			if err != nil {
				return out, &PermanentUpstreamError{Op: "fetch trades", Symbol: symbol, Err: fmt.Errorf("malformed trade quantity %q: %w", t.Quantity, err)}
			}
			side := "buy"
			if t.BuyerMaker {
				side = "sell"
			}
			out = append(out, models.Tick{
				Price:     price,
				Quantity:  qty,
				Timestamp: t.Time,
				Side:      side,
			})
			lastID = t.ID
		}

		switch {
		case len(trades) >= b.pageLimit:
			fromID = lastID + 1
		case fromID >= 0:
			// A short fromId page means the feed itself is exhausted.
			return out, nil
		default:
			cursor = sliceEnd + 1
			if cursor > to {
				return out, nil
			}
		}
		if err := b.sleepBetweenPages(ctx); err != nil {
			return out, &TransientUpstreamError{Op: "fetch trades " + symbol, Err: err}
		}
	}
}

// get issues one bounded-timeout request and maps provider failures to
// the error taxonomy: network failures and 429/5xx are transient, other
// non-200 responses permanent.
func (b *BinanceConnector) get(ctx context.Context, path string, q url.Values, op, symbol string) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, BinanceRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, b.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return nil, &PermanentUpstreamError{Op: op, Symbol: symbol, Err: err}
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, &TransientUpstreamError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientUpstreamError{Op: op, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &TransientUpstreamError{Op: op, Err: fmt.Errorf("provider returned %d", resp.StatusCode)}
	default:
		return nil, &PermanentUpstreamError{Op: op, Symbol: symbol, Err: fmt.Errorf("provider returned %d: %s", resp.StatusCode, truncateBody(body))}
	}
}

func (b *BinanceConnector) sleepBetweenPages(ctx context.Context) error {
	if b.pageDelay <= 0 {
		return nil
	}
	select {
	case <-time.After(b.pageDelay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func truncateBody(body []byte) string {
	const max = 200
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
