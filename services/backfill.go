package services

import (
	"context"
	"fmt"
	"log"
	"sort"

	"marketdata_engine/models"
)

// DefaultBackfillRetries bounds transient re-fetch attempts per gap per
// cycle.
const DefaultBackfillRetries = 3

// BackfillReport summarizes one orchestrator cycle.
type BackfillReport struct {
	Filled    int // gaps fully re-fetched and written
	Exhausted int // windows upstream returned zero rows for; not re-requested this cycle
	Failed    int // gaps left for the next cycle after bounded retries
}

// BackfillOrchestrator heals detected gaps by re-fetching and re-writing
// the missing ranges. Writes are idempotent upserts, so a backfill racing
// a scheduler fetch for the same series needs no mutual exclusion.
type BackfillOrchestrator struct {
	store      CandleStore
	connector  ExchangeConnector
	maxRetries int
}

func NewBackfillOrchestrator(store CandleStore, connector ExchangeConnector, maxRetries int) *BackfillOrchestrator {
	if maxRetries <= 0 {
		maxRetries = DefaultBackfillRetries
	}
	return &BackfillOrchestrator{store: store, connector: connector, maxRetries: maxRetries}
}

// Run processes one cycle of gaps, shortest-duration resolutions first
// (they represent the most time-sensitive staleness). A window for which
// upstream returns zero rows is marked exhausted for this cycle and not
// immediately re-requested, bounding the loop even when the range is
// permanently unavailable upstream. Only a StoreError aborts the cycle.
func (o *BackfillOrchestrator) Run(ctx context.Context, gaps []models.Gap) (BackfillReport, error) {
	var report BackfillReport
	if len(gaps) == 0 {
		return report, nil
	}

	sort.SliceStable(gaps, func(i, j int) bool {
		return gaps[i].Resolution.StepSeconds() < gaps[j].Resolution.StepSeconds()
	})

	exhausted := make(map[string]struct{})
	for _, gap := range gaps {
		key := gapKey(gap)
		if _, done := exhausted[key]; done {
			continue
		}

		candles, err := o.fetchWithRetry(ctx, gap)

		// Write whatever ascending prefix we obtained before deciding
		// the gap's fate; a partially filled range shrinks next cycle's
		// re-detection.
		if len(candles) > 0 {
			if putErr := o.store.PutCandles(ctx, gap.Symbol, gap.Resolution, candles); putErr != nil {
				return report, putErr
			}
		}

		switch {
		case err == nil && len(candles) == 0:
			// Upstream confirms it has nothing for this window.
			exhausted[key] = struct{}{}
			report.Exhausted++
			log.Printf("Backfill: window [%d,%d) for %s/%s exhausted upstream", gap.Start, gap.End, gap.Symbol, gap.Resolution)
		case err == nil:
			report.Filled++
		case IsStoreError(err):
			return report, err
		default:
			report.Failed++
			log.Printf("Backfill: gap [%d,%d) for %s/%s deferred to next cycle: %v", gap.Start, gap.End, gap.Symbol, gap.Resolution, err)
		}
	}
	return report, nil
}

// fetchWithRetry re-fetches a gap window, retrying transient failures up
// to maxRetries. The last (possibly partial) result is returned with the
// final error, if any.
func (o *BackfillOrchestrator) fetchWithRetry(ctx context.Context, gap models.Gap) ([]models.Candle, error) {
	step := gap.Resolution.StepSeconds()
	var candles []models.Candle
	var err error

	for attempt := 0; attempt < o.maxRetries; attempt++ {
		// The gap window is half-open; fetch up to the last bucket in it.
		candles, err = o.connector.FetchCandles(ctx, gap.Symbol, gap.Resolution, gap.Start, gap.End-step)
		if err == nil || !IsTransient(err) {
			return candles, err
		}
	}
	return candles, err
}

func gapKey(g models.Gap) string {
	return fmt.Sprintf("%s|%s|%d|%d", g.Symbol, g.Resolution, g.Start, g.End)
}
