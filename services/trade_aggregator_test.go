package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"marketdata_engine/models"
)

func tick(ts int64, price, qty string) models.Tick {
	return models.Tick{
		Price:     decimal.RequireFromString(price),
		Quantity:  decimal.RequireFromString(qty),
		Timestamp: ts,
		Side:      "buy",
	}
}

func TestBucketTicks(t *testing.T) {
	// Two ticks in minute bucket 60, one in bucket 120.
	ticks := []models.Tick{
		tick(61000, "100.5", "0.1"),
		tick(95000, "99.0", "0.2"),
		tick(121000, "101.0", "0.3"),
	}

	bars := BucketTicks("BTCUSDT", "binance", ticks, time.Minute)
	if len(bars) != 2 {
		t.Fatalf("expected 2 bars, got %d", len(bars))
	}

	first := bars[0]
	if first.Time != 60 {
		t.Errorf("first bar time = %d, want 60", first.Time)
	}
	if first.Open != 100.5 || first.Close != 99.0 {
		t.Errorf("first bar open/close = %v/%v, want 100.5/99.0", first.Open, first.Close)
	}
	if first.High != 100.5 || first.Low != 99.0 {
		t.Errorf("first bar high/low = %v/%v, want 100.5/99.0", first.High, first.Low)
	}
	if first.Volume != 0.3 {
		t.Errorf("first bar volume = %v, want 0.3", first.Volume)
	}

	second := bars[1]
	if second.Time != 120 || second.Open != 101.0 || second.Volume != 0.3 {
		t.Errorf("unexpected second bar: %+v", second)
	}
}

func TestBucketTicksEmpty(t *testing.T) {
	if bars := BucketTicks("BTCUSDT", "binance", nil, time.Minute); bars != nil {
		t.Errorf("expected nil for no ticks, got %v", bars)
	}
}

func newTestAggregator(connector ExchangeConnector, store *MemoryStore, cursors CursorStore, now time.Time) *TradeAggregator {
	registry := NewSymbolRegistry(nil, []string{"BTCUSDT"})
	agg := NewTradeAggregator(
		map[string]ExchangeConnector{"binance": connector},
		store, store, cursors, registry,
		TradeAggregatorOptions{Lookback: time.Hour},
	)
	agg.nowFn = func() time.Time { return now }
	return agg
}

func TestAggregatorWritesBarsAndAdvancesCursor(t *testing.T) {
	now := time.UnixMilli(10 * 60 * 60 * 1000) // 10h
	connector := &scriptedConnector{
		fetchTradesFn: func(symbol string, from, to int64) ([]models.Tick, error) {
			return []models.Tick{
				tick(from+1000, "100", "1"),
				tick(from+2000, "105", "2"),
			}, nil
		},
	}
	store := NewMemoryStore()
	cursors := NewMemoryCursorStore()
	agg := newTestAggregator(connector, store, cursors, now)

	agg.runCycle(context.Background())

	bars, err := store.GetTradeBarRange(context.Background(), "BTCUSDT", "binance", 0, now.Unix())
	if err != nil {
		t.Fatalf("range read failed: %v", err)
	}
	if len(bars) == 0 {
		t.Fatal("no bars written")
	}

	price, _, err := store.GetLatestPrice(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("latest price read failed: %v", err)
	}
	if price != 105 {
		t.Errorf("latest price = %v, want 105", price)
	}

	wantCursor := now.UnixMilli() - time.Hour.Milliseconds() + 2000
	cursorTS, ok, err := cursors.Load(context.Background(), "binance", "BTCUSDT")
	if err != nil || !ok {
		t.Fatalf("cursor not saved: ok=%v err=%v", ok, err)
	}
	if cursorTS != wantCursor {
		t.Errorf("cursor = %d, want %d", cursorTS, wantCursor)
	}
}

func TestAggregatorBucketSpansCycles(t *testing.T) {
	// Bucket 60 receives ticks across two poll cycles. The bar must be
	// built from both, not rebuilt from whichever arrived last.
	all := []models.Tick{
		tick(61000, "100", "1"),
		tick(95000, "200", "2"),
	}
	connector := &scriptedConnector{
		fetchTradesFn: func(symbol string, from, to int64) ([]models.Tick, error) {
			var out []models.Tick
			for _, tk := range all {
				if tk.Timestamp >= from && tk.Timestamp <= to {
					out = append(out, tk)
				}
			}
			return out, nil
		},
	}
	store := NewMemoryStore()
	cursors := NewMemoryCursorStore()
	agg := newTestAggregator(connector, store, cursors, time.UnixMilli(70_000))

	// First cycle lands mid-bucket: nothing may be flushed yet and the
	// cursor must stay behind the held-back tick.
	agg.runCycle(context.Background())
	if bars, _ := store.GetTradeBarRange(context.Background(), "BTCUSDT", "binance", 0, 1000); len(bars) != 0 {
		t.Fatalf("open bucket flushed early: %+v", bars)
	}
	if _, ok, _ := cursors.Load(context.Background(), "binance", "BTCUSDT"); ok {
		t.Fatal("cursor advanced past a held-back tick")
	}
	price, _, err := store.GetLatestPrice(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("latest price read failed: %v", err)
	}
	if price != 100 {
		t.Errorf("latest price = %v, want 100", price)
	}

	// Second cycle runs after the bucket closed and must see its full
	// tick set, including the tick already fetched last cycle.
	agg.nowFn = func() time.Time { return time.UnixMilli(130_000) }
	agg.runCycle(context.Background())

	bars, err := store.GetTradeBarRange(context.Background(), "BTCUSDT", "binance", 0, 1000)
	if err != nil {
		t.Fatalf("range read failed: %v", err)
	}
	if len(bars) != 1 {
		t.Fatalf("expected 1 bar, got %d", len(bars))
	}
	bar := bars[0]
	if bar.Time != 60 || bar.Open != 100 || bar.High != 200 || bar.Low != 100 || bar.Close != 200 {
		t.Errorf("bar built from a partial tick set: %+v", bar)
	}
	if bar.Volume != 3 {
		t.Errorf("bar volume = %v, want 3", bar.Volume)
	}

	cursorTS, ok, err := cursors.Load(context.Background(), "binance", "BTCUSDT")
	if err != nil || !ok {
		t.Fatalf("cursor not saved: ok=%v err=%v", ok, err)
	}
	if cursorTS != 95000 {
		t.Errorf("cursor = %d, want 95000", cursorTS)
	}
}

func TestAggregatorResumesFromCursor(t *testing.T) {
	now := time.UnixMilli(10 * 60 * 60 * 1000)
	connector := &scriptedConnector{}
	store := NewMemoryStore()
	cursors := NewMemoryCursorStore()

	savedTS := now.UnixMilli() - 5000
	if err := cursors.Save(context.Background(), "binance", "BTCUSDT", savedTS); err != nil {
		t.Fatalf("cursor seed failed: %v", err)
	}

	agg := newTestAggregator(connector, store, cursors, now)
	agg.runCycle(context.Background())

	connector.mu.Lock()
	defer connector.mu.Unlock()
	if len(connector.tradeCalls) != 1 {
		t.Fatalf("expected 1 trade fetch, got %d", len(connector.tradeCalls))
	}
	if got := connector.tradeCalls[0].from; got != savedTS+1 {
		t.Errorf("fetch resumed from %d, want %d", got, savedTS+1)
	}
}

func TestAggregatorFirstRunUsesLookback(t *testing.T) {
	now := time.UnixMilli(10 * 60 * 60 * 1000)
	connector := &scriptedConnector{}
	agg := newTestAggregator(connector, NewMemoryStore(), NewMemoryCursorStore(), now)

	agg.runCycle(context.Background())

	connector.mu.Lock()
	defer connector.mu.Unlock()
	want := now.UnixMilli() - time.Hour.Milliseconds()
	if got := connector.tradeCalls[0].from; got != want {
		t.Errorf("first fetch from %d, want lookback start %d", got, want)
	}
}

func TestAggregatorDisablesPairOnPermanentFailure(t *testing.T) {
	now := time.UnixMilli(10 * 60 * 60 * 1000)
	connector := &scriptedConnector{
		fetchTradesFn: func(symbol string, from, to int64) ([]models.Tick, error) {
			return nil, &PermanentUpstreamError{Op: "fetch trades", Symbol: symbol, Err: errors.New("delisted")}
		},
	}
	agg := newTestAggregator(connector, NewMemoryStore(), NewMemoryCursorStore(), now)

	agg.runCycle(context.Background())
	agg.runCycle(context.Background())

	if n := connector.tradeCallCount(); n != 1 {
		t.Errorf("disabled pair fetched again: %d calls", n)
	}
	disabled := agg.DisabledPairs()
	if len(disabled) != 1 || disabled[0] != "binance|BTCUSDT" {
		t.Errorf("unexpected disabled pairs: %v", disabled)
	}
}

func TestAggregatorTransientFailureRetriedNextCycle(t *testing.T) {
	now := time.UnixMilli(10 * 60 * 60 * 1000)
	connector := &scriptedConnector{
		fetchTradesFn: func(symbol string, from, to int64) ([]models.Tick, error) {
			return nil, &TransientUpstreamError{Op: "fetch trades", Err: errors.New("503")}
		},
	}
	agg := newTestAggregator(connector, NewMemoryStore(), NewMemoryCursorStore(), now)

	agg.runCycle(context.Background())
	agg.runCycle(context.Background())

	if n := connector.tradeCallCount(); n != 2 {
		t.Errorf("transient failure should be retried next cycle, got %d calls", n)
	}
	if len(agg.DisabledPairs()) != 0 {
		t.Errorf("transient failure must not disable the pair")
	}
}

func TestSymbolRegistryFallback(t *testing.T) {
	registry := NewSymbolRegistry(nil, []string{"BTCUSDT", "ETHUSDT"})

	symbols := registry.ActiveSymbols(context.Background())
	if len(symbols) != 2 || symbols[0] != "BTCUSDT" {
		t.Errorf("expected configured fallback symbols, got %v", symbols)
	}
}
