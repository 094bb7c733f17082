package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-co-op/gocron"

	"marketdata_engine/models"
	"marketdata_engine/services"
)

// Cadence defaults. The floor bounds upstream load no matter how short
// the resolution; the cap keeps long resolutions reasonably fresh.
const (
	DefaultFloorInterval   = 30 * time.Second
	DefaultMaxInterval     = time.Hour
	DefaultFetchDepth      = 3
	DefaultScanInterval    = 30 * time.Minute
	DefaultScanLookback    = 3 * 24 * time.Hour
	DefaultStoreRetrySleep = 15 * time.Second
	DefaultCycleTimeout    = 2 * time.Minute
)

// Options configures the scheduler; zero values select the defaults.
type Options struct {
	Resolutions     []models.Resolution
	FloorInterval   time.Duration
	MaxInterval     time.Duration
	FetchDepth      int // trailing buckets fetched per tick
	ScanInterval    time.Duration
	ScanLookback    time.Duration
	StoreRetrySleep time.Duration
	CycleTimeout    time.Duration
}

func (o *Options) applyDefaults() {
	if len(o.Resolutions) == 0 {
		o.Resolutions = models.SupportedResolutions
	}
	if o.FloorInterval <= 0 {
		o.FloorInterval = DefaultFloorInterval
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = DefaultMaxInterval
	}
	if o.FetchDepth <= 0 {
		o.FetchDepth = DefaultFetchDepth
	}
	if o.ScanInterval <= 0 {
		o.ScanInterval = DefaultScanInterval
	}
	if o.ScanLookback <= 0 {
		o.ScanLookback = DefaultScanLookback
	}
	if o.StoreRetrySleep <= 0 {
		o.StoreRetrySleep = DefaultStoreRetrySleep
	}
	if o.CycleTimeout <= 0 {
		o.CycleTimeout = DefaultCycleTimeout
	}
}

// Scheduler ticks each supported resolution independently: per tick it
// fetches the trailing window for every active symbol, and on a slower
// cadence it scans a trailing multi-day window for gaps and hands them
// to the backfill orchestrator.
type Scheduler struct {
	cron      *gocron.Scheduler
	store     services.CandleStore
	latest    services.LatestPriceStore
	connector services.ExchangeConnector
	detector  *services.GapDetector
	backfill  *services.BackfillOrchestrator
	registry  *services.SymbolRegistry
	publisher services.PricePublisher // optional
	opts      Options

	mu       sync.Mutex
	disabled map[string]bool // symbol|resolution pairs with permanent upstream failures
}

func NewScheduler(
	store services.CandleStore,
	latest services.LatestPriceStore,
	connector services.ExchangeConnector,
	detector *services.GapDetector,
	backfill *services.BackfillOrchestrator,
	registry *services.SymbolRegistry,
	publisher services.PricePublisher,
	opts Options,
) *Scheduler {
	opts.applyDefaults()
	return &Scheduler{
		cron:      gocron.NewScheduler(time.UTC),
		store:     store,
		latest:    latest,
		connector: connector,
		detector:  detector,
		backfill:  backfill,
		registry:  registry,
		publisher: publisher,
		opts:      opts,
		disabled:  make(map[string]bool),
	}
}

// Start registers all jobs and runs them asynchronously.
func (s *Scheduler) Start() {
	log.Println("Starting resolution scheduler...")

	for _, res := range s.opts.Resolutions {
		res := res
		poll := pollInterval(res, s.opts.FloorInterval, s.opts.MaxInterval)
		s.cron.Every(int(poll.Seconds())).Seconds().Do(func() {
			s.fetchCycle(res)
		})
		s.cron.Every(int(s.opts.ScanInterval.Seconds())).Seconds().Do(func() {
			s.scanCycle(res)
		})
		log.Printf("Scheduled %s: fetch every %v, gap scan every %v", res, poll, s.opts.ScanInterval)
	}

	s.cron.StartAsync()
	log.Println("Resolution scheduler started")
}

// Stop stops all jobs.
func (s *Scheduler) Stop() {
	s.cron.Stop()
	log.Println("Resolution scheduler stopped")
}

// pollInterval clamps a resolution's natural step into [floor, max].
func pollInterval(res models.Resolution, floor, max time.Duration) time.Duration {
	step := time.Duration(res.StepSeconds()) * time.Second
	if step < floor {
		return floor
	}
	if step > max {
		return max
	}
	return step
}

// fetchCycle fetches and stores the trailing window of one resolution
// for every active symbol. A failure on one symbol is isolated; a store
// failure aborts the cycle and sleeps a bounded interval before the next
// tick retries it.
func (s *Scheduler) fetchCycle(res models.Resolution) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.CycleTimeout)
	defer cancel()

	symbols := s.registry.ActiveSymbols(ctx)
	for _, symbol := range symbols {
		if s.isDisabled(symbol, res) {
			continue
		}
		if err := s.fetchPair(ctx, symbol, res); err != nil {
			switch {
			case services.IsStoreError(err):
				log.Printf("Scheduler: store unreachable, aborting %s cycle: %v", res, err)
				time.Sleep(s.opts.StoreRetrySleep)
				return
			case services.IsPermanent(err):
				s.disablePair(symbol, res)
				log.Printf("Scheduler: disabling %s/%s: %v", symbol, res, err)
			default:
				log.Printf("Scheduler: skipping %s/%s this cycle: %v", symbol, res, err)
			}
		}
	}
}

// fetchPair fetches the trailing FetchDepth buckets for one pair and
// upserts them. A partial result from a transient failure is still
// written before the error is reported. A panic is contained to the
// pair and surfaces as an error so the caller logs the skip like any
// other per-pair failure.
func (s *Scheduler) fetchPair(ctx context.Context, symbol string, res models.Resolution) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic processing %s/%s: %v", symbol, res, r)
		}
	}()

	step := res.StepSeconds()
	to := res.Align(time.Now().Unix())
	from := to - step*int64(s.opts.FetchDepth-1)

	candles, fetchErr := s.connector.FetchCandles(ctx, symbol, res, from, to)
	if len(candles) > 0 {
		if putErr := s.store.PutCandles(ctx, symbol, res, candles); putErr != nil {
			return putErr
		}
		newest := candles[len(candles)-1]
		if latestErr := s.latest.SetLatestPrice(ctx, symbol, newest.Close, newest.Time); latestErr != nil {
			return latestErr
		}
		if s.publisher != nil {
			s.publisher.PublishPrice(symbol, newest.Close, newest.Time)
		}
	}
	return fetchErr
}

// scanCycle detects gaps over the trailing scan window of one resolution
// for every active symbol and backfills them, shortest resolutions
// first (ordering is the orchestrator's concern).
func (s *Scheduler) scanCycle(res models.Resolution) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.CycleTimeout)
	defer cancel()

	to := res.Align(time.Now().Unix())
	from := res.Align(to - int64(s.opts.ScanLookback.Seconds()))

	var gaps []models.Gap
	for _, symbol := range s.registry.ActiveSymbols(ctx) {
		if s.isDisabled(symbol, res) {
			continue
		}
		found, err := s.detector.DetectGaps(ctx, symbol, res, from, to)
		if err != nil {
			if services.IsStoreError(err) {
				log.Printf("Scheduler: store unreachable during gap scan, aborting: %v", err)
				time.Sleep(s.opts.StoreRetrySleep)
				return
			}
			log.Printf("Scheduler: gap scan failed for %s/%s: %v", symbol, res, err)
			continue
		}
		gaps = append(gaps, found...)
	}

	if len(gaps) == 0 {
		return
	}
	log.Printf("Scheduler: %d gap(s) detected on %s, backfilling", len(gaps), res)

	report, err := s.backfill.Run(ctx, gaps)
	if err != nil {
		log.Printf("Scheduler: backfill aborted: %v", err)
		if services.IsStoreError(err) {
			time.Sleep(s.opts.StoreRetrySleep)
		}
		return
	}
	log.Printf("Scheduler: backfill done (filled=%d exhausted=%d failed=%d)", report.Filled, report.Exhausted, report.Failed)
}

func (s *Scheduler) isDisabled(symbol string, res models.Resolution) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disabled[symbol+"|"+string(res)]
}

func (s *Scheduler) disablePair(symbol string, res models.Resolution) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disabled[symbol+"|"+string(res)] = true
}

// DisabledPairs lists symbol/resolution pairs shut off by permanent
// upstream failures.
func (s *Scheduler) DisabledPairs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.disabled)
}
