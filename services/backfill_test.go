package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"marketdata_engine/models"
)

// servesHours answers any candle fetch from a fixed hourly dataset
// covering one day starting at base.
func servesHours(base int64) func(string, models.Resolution, int64, int64) ([]models.Candle, error) {
	return func(symbol string, res models.Resolution, from, to int64) ([]models.Candle, error) {
		var out []models.Candle
		for h := 0; h < 24; h++ {
			ts := base + int64(h)*3600
			if ts >= from && ts <= to {
				out = append(out, hourlyCandle(ts, float64(100+h)))
			}
		}
		return out, nil
	}
}

func TestBackfillFillsGap(t *testing.T) {
	store := NewMemoryStore()
	connector := &scriptedConnector{fetchCandlesFn: servesHours(0)}
	orchestrator := NewBackfillOrchestrator(store, connector, 3)

	gap := models.Gap{Symbol: "BTCUSDT", Resolution: models.Res1h, Start: 18000, End: 25200} // hours 5 and 6

	report, err := orchestrator.Run(context.Background(), []models.Gap{gap})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if report.Filled != 1 || report.Exhausted != 0 || report.Failed != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}

	candles, err := store.GetCandleRange(context.Background(), "BTCUSDT", models.Res1h, 18000, 25199)
	if err != nil {
		t.Fatalf("range read failed: %v", err)
	}
	if len(candles) != 2 {
		t.Errorf("expected the 2 missing candles written, got %d", len(candles))
	}
}

func TestBackfillExhaustedWindowNotRefetched(t *testing.T) {
	store := NewMemoryStore()
	connector := &scriptedConnector{} // zero rows, nil error
	orchestrator := NewBackfillOrchestrator(store, connector, 3)

	gap := models.Gap{Symbol: "BTCUSDT", Resolution: models.Res1h, Start: 0, End: day}
	// The same window reported twice in one cycle must be fetched once.
	report, err := orchestrator.Run(context.Background(), []models.Gap{gap, gap})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if report.Exhausted != 1 {
		t.Errorf("expected 1 exhausted window, got %+v", report)
	}
	if n := connector.candleCallCount(); n != 1 {
		t.Errorf("exhausted window re-requested: %d fetches", n)
	}
}

func TestBackfillTransientRetriesBounded(t *testing.T) {
	store := NewMemoryStore()
	connector := &scriptedConnector{
		fetchCandlesFn: func(string, models.Resolution, int64, int64) ([]models.Candle, error) {
			return nil, &TransientUpstreamError{Op: "fetch candles", Err: errors.New("503")}
		},
	}
	orchestrator := NewBackfillOrchestrator(store, connector, 3)

	gap := models.Gap{Symbol: "BTCUSDT", Resolution: models.Res1h, Start: 0, End: day}
	report, err := orchestrator.Run(context.Background(), []models.Gap{gap})
	if err != nil {
		t.Fatalf("transient failures must not abort the cycle: %v", err)
	}
	if report.Failed != 1 {
		t.Errorf("expected 1 failed gap, got %+v", report)
	}
	if n := connector.candleCallCount(); n != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", n)
	}
}

func TestBackfillWritesPartialPrefix(t *testing.T) {
	store := NewMemoryStore()
	connector := &scriptedConnector{
		fetchCandlesFn: func(symbol string, res models.Resolution, from, to int64) ([]models.Candle, error) {
			return []models.Candle{hourlyCandle(from, 100)},
				&PermanentUpstreamError{Op: "fetch candles", Symbol: symbol, Err: errors.New("400")}
		},
	}
	orchestrator := NewBackfillOrchestrator(store, connector, 3)

	gap := models.Gap{Symbol: "BTCUSDT", Resolution: models.Res1h, Start: 0, End: day}
	report, err := orchestrator.Run(context.Background(), []models.Gap{gap})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if report.Failed != 1 {
		t.Errorf("expected failed gap, got %+v", report)
	}

	candles, err := store.GetCandleRange(context.Background(), "BTCUSDT", models.Res1h, 0, day-1)
	if err != nil {
		t.Fatalf("range read failed: %v", err)
	}
	if len(candles) != 1 {
		t.Errorf("partial prefix not written: got %d candles", len(candles))
	}
}

func TestBackfillShortestResolutionFirst(t *testing.T) {
	store := NewMemoryStore()
	connector := &scriptedConnector{fetchCandlesFn: servesHours(0)}
	orchestrator := NewBackfillOrchestrator(store, connector, 3)

	gaps := []models.Gap{
		{Symbol: "BTCUSDT", Resolution: models.Res1h, Start: 0, End: day},
		{Symbol: "BTCUSDT", Resolution: models.Res1m, Start: 0, End: 3600},
	}
	if _, err := orchestrator.Run(context.Background(), gaps); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	connector.mu.Lock()
	defer connector.mu.Unlock()
	if len(connector.candleCalls) != 2 {
		t.Fatalf("expected 2 fetches, got %d", len(connector.candleCalls))
	}
	if connector.candleCalls[0].res != models.Res1m {
		t.Errorf("expected 1m gap fetched first, got %s", connector.candleCalls[0].res)
	}
}

func TestBackfillStoreErrorAborts(t *testing.T) {
	inner := NewMemoryStore()
	store := &failingPutStore{MemoryStore: inner}
	connector := &scriptedConnector{fetchCandlesFn: servesHours(0)}
	orchestrator := NewBackfillOrchestrator(store, connector, 3)

	gaps := []models.Gap{
		{Symbol: "BTCUSDT", Resolution: models.Res1h, Start: 0, End: day},
		{Symbol: "BTCUSDT", Resolution: models.Res1h, Start: day, End: 2 * day},
	}
	_, err := orchestrator.Run(context.Background(), gaps)
	if !IsStoreError(err) {
		t.Fatalf("expected store error, got %v", err)
	}
	if n := connector.candleCallCount(); n != 1 {
		t.Errorf("cycle should abort after the first store failure, got %d fetches", n)
	}
}

type failingPutStore struct {
	*MemoryStore
}

func (f *failingPutStore) PutCandles(ctx context.Context, symbol string, res models.Resolution, candles []models.Candle) error {
	return &StoreError{Op: "put candles", Err: errors.New("connection reset")}
}

// TestGapHealCycle exercises the full continuity loop: a series with a
// hole is detected, backfilled, and re-detection comes back clean.
func TestGapHealCycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	// Hourly day with hours 5 and 6 missing, plus two more holes to get
	// below threshold (20/24 < 0.95*24).
	hours := make([]int, 0, 20)
	for h := 0; h < 24; h++ {
		if h == 5 || h == 6 || h == 14 || h == 20 {
			continue
		}
		hours = append(hours, h)
	}
	seedHourly(t, store, "BTCUSDT", 0, hours)

	detector := NewGapDetector(store, 0.95, 24*time.Hour)
	gaps, err := detector.DetectGaps(ctx, "BTCUSDT", models.Res1h, 0, day)
	if err != nil {
		t.Fatalf("detect failed: %v", err)
	}
	if len(gaps) != 1 {
		t.Fatalf("expected 1 gap before healing, got %d", len(gaps))
	}

	connector := &scriptedConnector{fetchCandlesFn: servesHours(0)}
	orchestrator := NewBackfillOrchestrator(store, connector, 3)
	report, err := orchestrator.Run(ctx, gaps)
	if err != nil {
		t.Fatalf("backfill failed: %v", err)
	}
	if report.Filled != 1 {
		t.Fatalf("expected 1 filled gap, got %+v", report)
	}

	gaps, err = detector.DetectGaps(ctx, "BTCUSDT", models.Res1h, 0, day)
	if err != nil {
		t.Fatalf("re-detect failed: %v", err)
	}
	if len(gaps) != 0 {
		t.Errorf("healed series still reports gaps: %v", gaps)
	}

	candles, err := store.GetCandleRange(ctx, "BTCUSDT", models.Res1h, 0, day-1)
	if err != nil {
		t.Fatalf("range read failed: %v", err)
	}
	if len(candles) != 24 {
		t.Errorf("expected a complete 24-candle day, got %d", len(candles))
	}
}
