package services

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"marketdata_engine/models"
)

// Aggregator defaults
const (
	DefaultAggPollInterval  = 15 * time.Second
	DefaultAggBucket        = time.Minute
	DefaultAggFirstLookback = 4 * time.Hour
)

// TradeAggregator polls each exchange's raw trade feed per symbol,
// buckets ticks into fixed-duration OHLCV bars and writes them into the
// trade-bar store. No cross-exchange merge happens here; a blended view
// is a read-time concern of downstream consumers.
type TradeAggregator struct {
	connectors map[string]ExchangeConnector // keyed by exchange id
	bars       TradeBarStore
	latest     LatestPriceStore
	cursors    CursorStore
	registry   *SymbolRegistry
	publisher  PricePublisher // optional

	pollInterval time.Duration
	bucket       time.Duration
	lookback     time.Duration
	nowFn        func() time.Time

	mu       sync.Mutex
	disabled map[string]bool // exchange|symbol pairs with permanent upstream failures
}

// TradeAggregatorOptions collects the optional knobs; zero values select
// the defaults.
type TradeAggregatorOptions struct {
	PollInterval time.Duration
	Bucket       time.Duration
	Lookback     time.Duration
	Publisher    PricePublisher
}

func NewTradeAggregator(connectors map[string]ExchangeConnector, bars TradeBarStore, latest LatestPriceStore, cursors CursorStore, registry *SymbolRegistry, opts TradeAggregatorOptions) *TradeAggregator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultAggPollInterval
	}
	if opts.Bucket <= 0 {
		opts.Bucket = DefaultAggBucket
	}
	if opts.Lookback <= 0 {
		opts.Lookback = DefaultAggFirstLookback
	}
	return &TradeAggregator{
		connectors:   connectors,
		bars:         bars,
		latest:       latest,
		cursors:      cursors,
		registry:     registry,
		publisher:    opts.Publisher,
		pollInterval: opts.PollInterval,
		bucket:       opts.Bucket,
		lookback:     opts.Lookback,
		nowFn:        time.Now,
		disabled:     make(map[string]bool),
	}
}

// Run drives the aggregation loop until the context is cancelled. An
// in-flight cycle runs to completion rather than being cancelled
// mid-write, so a partially written range is never mistaken for a gap.
func (a *TradeAggregator) Run(ctx context.Context) {
	log.Printf("Trade aggregator started (%d exchanges, poll interval %v)", len(a.connectors), a.pollInterval)

	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	a.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Println("Trade aggregator stopped")
			return
		case <-ticker.C:
			a.runCycle(ctx)
		}
	}
}

// runCycle processes every (exchange, symbol) pair once. A failure on
// one pair is isolated: it is skipped this cycle and retried on the
// next, except permanent upstream failures which disable the pair for
// the process's life, and store failures which abort the cycle.
func (a *TradeAggregator) runCycle(ctx context.Context) {
	symbols := a.registry.ActiveSymbols(ctx)

	for exchangeID, connector := range a.connectors {
		for _, symbol := range symbols {
			if a.isDisabled(exchangeID, symbol) {
				continue
			}
			if err := a.processPair(ctx, exchangeID, connector, symbol); err != nil {
				switch {
				case IsStoreError(err):
					log.Printf("Trade aggregator: store unreachable, aborting cycle: %v", err)
					return
				case IsPermanent(err):
					a.disablePair(exchangeID, symbol)
					log.Printf("Trade aggregator: disabling %s/%s: %v", exchangeID, symbol, err)
				default:
					log.Printf("Trade aggregator: skipping %s/%s this cycle: %v", exchangeID, symbol, err)
				}
			}
		}
	}
}

// processPair fetches ticks since the pair's cursor (or a bounded
// lookback on first run) and writes bars for every bucket that has
// closed. Ticks in the still-open bucket are held back: the cursor only
// advances past completed buckets, so the next cycle re-fetches the open
// bucket's ticks together with whatever arrived since, and each bar is
// always built from the bucket's full tick set. A bar upsert from a
// partial set would erase the earlier ticks' contribution to open, the
// extrema and volume.
func (a *TradeAggregator) processPair(ctx context.Context, exchangeID string, connector ExchangeConnector, symbol string) error {
	now := a.nowFn().UnixMilli()

	from := now - a.lookback.Milliseconds()
	if cursorTS, ok, err := a.cursors.Load(ctx, exchangeID, symbol); err != nil {
		log.Printf("Trade aggregator: cursor read failed for %s/%s, using lookback window: %v", exchangeID, symbol, err)
	} else if ok {
		from = cursorTS + 1
	}
	if from > now {
		return nil
	}

	ticks, fetchErr := connector.FetchTrades(ctx, symbol, from, now)
	if len(ticks) == 0 {
		return fetchErr
	}

	completed := completedTicks(ticks, now, a.bucket)
	if len(completed) > 0 {
		bars := BucketTicks(symbol, exchangeID, completed, a.bucket)
		if err := a.bars.PutTradeBars(ctx, symbol, exchangeID, bars); err != nil {
			return err
		}
	}

	// The latest-price cell tracks the freshest tick even while its
	// bucket is still open.
	last := ticks[len(ticks)-1]
	lastPrice, _ := last.Price.Float64()
	lastSec := last.Timestamp / 1000
	if err := a.latest.SetLatestPrice(ctx, symbol, lastPrice, lastSec); err != nil {
		return err
	}
	if a.publisher != nil {
		a.publisher.PublishPrice(symbol, lastPrice, lastSec)
	}

	if len(completed) > 0 {
		if err := a.cursors.Save(ctx, exchangeID, symbol, completed[len(completed)-1].Timestamp); err != nil {
			// Non-fatal: bars are already written and upserts make the
			// re-processing after a restart harmless.
			log.Printf("Trade aggregator: cursor save failed for %s/%s: %v", exchangeID, symbol, err)
		}
	}

	return fetchErr
}

// completedTicks returns the ascending prefix of ticks whose bucket has
// already closed at nowMS. The remainder belongs to the still-open
// bucket and is processed once that bucket closes.
func completedTicks(ticks []models.Tick, nowMS int64, bucket time.Duration) []models.Tick {
	bucketSec := int64(bucket.Seconds())
	if bucketSec <= 0 {
		bucketSec = int64(DefaultAggBucket.Seconds())
	}
	nowSec := nowMS / 1000
	openBucket := nowSec - nowSec%bucketSec
	for i, t := range ticks {
		if t.Timestamp/1000 >= openBucket {
			return ticks[:i]
		}
	}
	return ticks
}

func (a *TradeAggregator) isDisabled(exchangeID, symbol string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.disabled[exchangeID+"|"+symbol]
}

func (a *TradeAggregator) disablePair(exchangeID, symbol string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.disabled[exchangeID+"|"+symbol] = true
}

// DisabledPairs lists pairs shut off by permanent upstream failures.
func (a *TradeAggregator) DisabledPairs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	pairs := make([]string, 0, len(a.disabled))
	for pair := range a.disabled {
		pairs = append(pairs, pair)
	}
	sort.Strings(pairs)
	return pairs
}

type barAccumulator struct {
	open   decimal.Decimal
	high   decimal.Decimal
	low    decimal.Decimal
	close  decimal.Decimal
	volume decimal.Decimal
}

// BucketTicks aggregates ascending ticks into fixed-duration OHLCV bars:
// open is the first tick's price in the bucket, close the last, high/low
// the extrema, volume the exact decimal sum of quantities. Pure
// computation; no I/O.
func BucketTicks(symbol, exchangeID string, ticks []models.Tick, bucket time.Duration) []models.TradeBar {
	if len(ticks) == 0 {
		return nil
	}
	bucketSec := int64(bucket.Seconds())
	if bucketSec <= 0 {
		bucketSec = int64(DefaultAggBucket.Seconds())
	}

	accums := make(map[int64]*barAccumulator)
	order := make([]int64, 0)
	for _, tick := range ticks {
		sec := tick.Timestamp / 1000
		bucketTS := sec - sec%bucketSec

		acc, ok := accums[bucketTS]
		if !ok {
			accums[bucketTS] = &barAccumulator{
				open:   tick.Price,
				high:   tick.Price,
				low:    tick.Price,
				close:  tick.Price,
				volume: tick.Quantity,
			}
			order = append(order, bucketTS)
			continue
		}
		if tick.Price.GreaterThan(acc.high) {
			acc.high = tick.Price
		}
		if tick.Price.LessThan(acc.low) {
			acc.low = tick.Price
		}
		acc.close = tick.Price
		acc.volume = acc.volume.Add(tick.Quantity)
	}

	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	bars := make([]models.TradeBar, 0, len(order))
	for _, bucketTS := range order {
		acc := accums[bucketTS]
		bars = append(bars, models.TradeBar{
			Symbol:     symbol,
			ExchangeID: exchangeID,
			Time:       bucketTS,
			Open:       acc.open.InexactFloat64(),
			High:       acc.high.InexactFloat64(),
			Low:        acc.low.InexactFloat64(),
			Close:      acc.close.InexactFloat64(),
			Volume:     acc.volume.InexactFloat64(),
		})
	}
	return bars
}
