package services

import (
	"context"
	"sort"
	"sync"

	"marketdata_engine/models"
)

// MemoryStore is an in-process TimeSeriesStore. It backs the engine when
// no MongoDB URI is configured (data does not survive a restart) and the
// package tests.
type MemoryStore struct {
	mu      sync.RWMutex
	candles map[string]map[int64]models.Candle // symbol|resolution -> time -> candle
	bars    map[string]map[int64]models.TradeBar
	latest  map[string]latestCell
}

type latestCell struct {
	price float64
	ts    int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		candles: make(map[string]map[int64]models.Candle),
		bars:    make(map[string]map[int64]models.TradeBar),
		latest:  make(map[string]latestCell),
	}
}

func candleSeriesKey(symbol string, res models.Resolution) string {
	return symbol + "|" + string(res)
}

func barSeriesKey(symbol, exchangeID string) string {
	return symbol + "|" + exchangeID
}

func (m *MemoryStore) PutCandles(ctx context.Context, symbol string, res models.Resolution, candles []models.Candle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := candleSeriesKey(symbol, res)
	series, ok := m.candles[key]
	if !ok {
		series = make(map[int64]models.Candle, len(candles))
		m.candles[key] = series
	}
	for _, c := range candles {
		c.Symbol = symbol
		c.Resolution = res
		series[c.Time] = c
	}
	return nil
}

func (m *MemoryStore) GetCandleRange(ctx context.Context, symbol string, res models.Resolution, from, to int64) ([]models.Candle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	series := m.candles[candleSeriesKey(symbol, res)]
	out := make([]models.Candle, 0, len(series))
	for ts, c := range series {
		if ts >= from && ts <= to {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time < out[j].Time })
	return out, nil
}

func (m *MemoryStore) PutTradeBars(ctx context.Context, symbol, exchangeID string, bars []models.TradeBar) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := barSeriesKey(symbol, exchangeID)
	series, ok := m.bars[key]
	if !ok {
		series = make(map[int64]models.TradeBar, len(bars))
		m.bars[key] = series
	}
	for _, b := range bars {
		b.Symbol = symbol
		b.ExchangeID = exchangeID
		series[b.Time] = b
	}
	return nil
}

func (m *MemoryStore) GetTradeBarRange(ctx context.Context, symbol, exchangeID string, from, to int64) ([]models.TradeBar, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	series := m.bars[barSeriesKey(symbol, exchangeID)]
	out := make([]models.TradeBar, 0, len(series))
	for ts, b := range series {
		if ts >= from && ts <= to {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time < out[j].Time })
	return out, nil
}

func (m *MemoryStore) SetLatestPrice(ctx context.Context, symbol string, price float64, ts int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latest[symbol] = latestCell{price: price, ts: ts}
	return nil
}

func (m *MemoryStore) GetLatestPrice(ctx context.Context, symbol string) (float64, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cell, ok := m.latest[symbol]
	if !ok {
		return 0, 0, ErrNoData
	}
	return cell.price, cell.ts, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Close(ctx context.Context) error { return nil }
