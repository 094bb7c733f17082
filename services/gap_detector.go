package services

import (
	"context"
	"log"
	"time"

	"marketdata_engine/models"
)

// Gap detection defaults. Both are configurable; the origin values are
// defaults, not load-bearing constants.
const (
	DefaultGapThreshold   = 0.95
	DefaultGapScanSegment = 24 * time.Hour
)

// GapDetector scans a candle series against its expected cadence and
// reports under-covered windows. Detection is idempotent: re-running
// over a healed window reports nothing, and re-reporting a still-open
// gap is harmless because backfill writes are idempotent upserts.
type GapDetector struct {
	store     CandleStore
	threshold float64
	segment   time.Duration
}

// NewGapDetector builds a detector; zero threshold or segment select the
// defaults.
func NewGapDetector(store CandleStore, threshold float64, segment time.Duration) *GapDetector {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultGapThreshold
	}
	if segment <= 0 {
		segment = DefaultGapScanSegment
	}
	return &GapDetector{store: store, threshold: threshold, segment: segment}
}

// DetectGaps scans [from, to) in fixed-size segments advanced strictly
// forward. A segment whose actual candle count falls below
// threshold*expected is reported as one Gap covering the segment. A
// read failure on one segment is logged and skipped so later segments
// still make progress; only a StoreError aborts the scan, returning the
// gaps found so far.
func (d *GapDetector) DetectGaps(ctx context.Context, symbol string, res models.Resolution, from, to int64) ([]models.Gap, error) {
	step := res.StepSeconds()
	if step == 0 || to <= from {
		return nil, nil
	}

	segment := int64(d.segment.Seconds())
	if segment < step {
		segment = step
	}

	var gaps []models.Gap
	for segStart := from; segStart < to; segStart += segment {
		segEnd := segStart + segment
		if segEnd > to {
			segEnd = to
		}
		expected := (segEnd - segStart) / step
		if expected == 0 {
			continue
		}

		// Range reads are inclusive; the segment is half-open.
		candles, err := d.store.GetCandleRange(ctx, symbol, res, segStart, segEnd-1)
		if err != nil {
			if IsStoreError(err) {
				return gaps, err
			}
			log.Printf("Gap scan: skipping segment [%d,%d) for %s/%s: %v", segStart, segEnd, symbol, res, err)
			continue
		}

		actual := len(candles)
		if float64(actual) < d.threshold*float64(expected) {
			gaps = append(gaps, models.Gap{
				Symbol:     symbol,
				Resolution: res,
				Start:      segStart,
				End:        segEnd,
			})
		}
	}
	return gaps, nil
}
