package services

import (
	"context"
	"sync"

	"marketdata_engine/models"
)

// scriptedConnector is an in-process ExchangeConnector whose behavior is
// supplied per test. It records every fetch call.
type scriptedConnector struct {
	name           string
	fetchCandlesFn func(symbol string, res models.Resolution, from, to int64) ([]models.Candle, error)
	fetchTradesFn  func(symbol string, from, to int64) ([]models.Tick, error)

	mu          sync.Mutex
	candleCalls []candleCall
	tradeCalls  []tradeCall
}

type candleCall struct {
	symbol   string
	res      models.Resolution
	from, to int64
}

type tradeCall struct {
	symbol   string
	from, to int64
}

func (c *scriptedConnector) Name() string {
	if c.name == "" {
		return "scripted"
	}
	return c.name
}

func (c *scriptedConnector) FetchCandles(ctx context.Context, symbol string, res models.Resolution, from, to int64) ([]models.Candle, error) {
	c.mu.Lock()
	c.candleCalls = append(c.candleCalls, candleCall{symbol: symbol, res: res, from: from, to: to})
	c.mu.Unlock()
	if c.fetchCandlesFn == nil {
		return nil, nil
	}
	return c.fetchCandlesFn(symbol, res, from, to)
}

func (c *scriptedConnector) FetchTrades(ctx context.Context, symbol string, from, to int64) ([]models.Tick, error) {
	c.mu.Lock()
	c.tradeCalls = append(c.tradeCalls, tradeCall{symbol: symbol, from: from, to: to})
	c.mu.Unlock()
	if c.fetchTradesFn == nil {
		return nil, nil
	}
	return c.fetchTradesFn(symbol, from, to)
}

func (c *scriptedConnector) candleCallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.candleCalls)
}

func (c *scriptedConnector) tradeCallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tradeCalls)
}
