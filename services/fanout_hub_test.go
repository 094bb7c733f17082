package services

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"
)

func startHub(t *testing.T, latest LatestPriceStore, defaultDelta int, now *atomic.Int64) *LiveFanoutHub {
	t.Helper()
	hub := NewLiveFanoutHub(latest, NewStreamSettings(nil, defaultDelta, time.Hour))
	if now != nil {
		hub.nowFn = func() time.Time { return time.Unix(now.Load(), 0) }
	}
	go hub.Run()
	t.Cleanup(hub.Stop)
	return hub
}

func waitForUpdate(t *testing.T, sub *Subscriber) PriceUpdate {
	t.Helper()
	select {
	case raw, ok := <-sub.Receive():
		if !ok {
			t.Fatal("subscriber channel closed while waiting for an update")
		}
		var payload struct {
			Type   string  `json:"type"`
			Symbol string  `json:"symbol"`
			Price  float64 `json:"price"`
			Time   int64   `json:"time"`
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			t.Fatalf("malformed delivery: %v", err)
		}
		if payload.Type != "price" {
			t.Fatalf("unexpected message type %q", payload.Type)
		}
		return PriceUpdate{Symbol: payload.Symbol, Price: payload.Price, Time: payload.Time}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an update")
		return PriceUpdate{}
	}
}

func expectNoUpdate(t *testing.T, sub *Subscriber) {
	t.Helper()
	select {
	case raw, ok := <-sub.Receive():
		if ok {
			t.Fatalf("unexpected delivery: %s", raw)
		}
	case <-time.After(150 * time.Millisecond):
	}
}

func waitForClientCount(t *testing.T, hub *LiveFanoutHub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.ClientCount() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("client count never reached %d (now %d)", want, hub.ClientCount())
}

func TestWatchDeliversSnapshot(t *testing.T) {
	store := NewMemoryStore()
	store.SetLatestPrice(context.Background(), "BTCUSDT", 42000, 1000)
	hub := startHub(t, store, 0, nil)

	sub := hub.Attach("client-1")
	hub.Watch(sub, "BTCUSDT")

	update := waitForUpdate(t, sub)
	if update.Symbol != "BTCUSDT" || update.Price != 42000 {
		t.Errorf("unexpected snapshot: %+v", update)
	}
}

func TestThrottleHonorsMinInterval(t *testing.T) {
	var now atomic.Int64
	now.Store(1000)
	hub := startHub(t, NewMemoryStore(), 5, &now)

	sub := hub.Attach("client-1")
	hub.Watch(sub, "BTCUSDT")

	// First update always delivers.
	hub.PublishPrice("BTCUSDT", 100, 1000)
	if got := waitForUpdate(t, sub); got.Price != 100 {
		t.Fatalf("first delivery price = %v, want 100", got.Price)
	}

	// A changed price inside the interval is dropped, not queued.
	now.Store(1002)
	hub.PublishPrice("BTCUSDT", 101, 1002)
	expectNoUpdate(t, sub)

	// Once the interval elapses the next change goes through.
	now.Store(1006)
	hub.PublishPrice("BTCUSDT", 102, 1006)
	if got := waitForUpdate(t, sub); got.Price != 102 {
		t.Errorf("post-interval delivery price = %v, want 102", got.Price)
	}
}

func TestUnchangedPriceSuppressed(t *testing.T) {
	var now atomic.Int64
	now.Store(1000)
	hub := startHub(t, NewMemoryStore(), 0, &now)

	sub := hub.Attach("client-1")
	hub.Watch(sub, "BTCUSDT")

	hub.PublishPrice("BTCUSDT", 100, 1000)
	waitForUpdate(t, sub)

	// Same price long after the interval: still suppressed.
	now.Store(2000)
	hub.PublishPrice("BTCUSDT", 100, 2000)
	expectNoUpdate(t, sub)
}

func TestSymbolSwitchStopsOldDeliveries(t *testing.T) {
	hub := startHub(t, NewMemoryStore(), 0, nil)

	sub := hub.Attach("client-1")
	hub.Watch(sub, "AAA")

	hub.PublishPrice("AAA", 10, 1000)
	if got := waitForUpdate(t, sub); got.Symbol != "AAA" {
		t.Fatalf("expected AAA delivery, got %+v", got)
	}

	// Watch returns only after the hub has processed the switch, so
	// anything published for the old symbol afterwards must not arrive.
	hub.Watch(sub, "BBB")
	hub.PublishPrice("AAA", 11, 1001)
	expectNoUpdate(t, sub)

	hub.PublishPrice("BBB", 20, 1002)
	if got := waitForUpdate(t, sub); got.Symbol != "BBB" || got.Price != 20 {
		t.Errorf("expected BBB delivery, got %+v", got)
	}
}

func TestUnwatchStopsDeliveries(t *testing.T) {
	hub := startHub(t, NewMemoryStore(), 0, nil)

	sub := hub.Attach("client-1")
	hub.Watch(sub, "AAA")
	hub.PublishPrice("AAA", 10, 1000)
	waitForUpdate(t, sub)

	hub.Unwatch(sub)
	hub.PublishPrice("AAA", 11, 1001)
	expectNoUpdate(t, sub)
}

func TestSlowSubscriberEvicted(t *testing.T) {
	hub := startHub(t, NewMemoryStore(), 0, nil)

	sub := hub.Attach("slow")
	hub.Watch(sub, "BTCUSDT")
	waitForClientCount(t, hub, 1)

	// Never drain; distinct prices bypass the unchanged-price check.
	for i := 0; i <= FanoutSendBuffer+4; i++ {
		hub.PublishPrice("BTCUSDT", float64(100+i), int64(1000+i))
	}

	waitForClientCount(t, hub, 0)
}

func TestAttachDetachCounts(t *testing.T) {
	hub := startHub(t, NewMemoryStore(), 0, nil)

	a := hub.Attach("a")
	hub.Attach("b")
	waitForClientCount(t, hub, 2)

	hub.Detach(a)
	waitForClientCount(t, hub, 1)
}

func TestParseInbound(t *testing.T) {
	sub := &Subscriber{}

	cases := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{"malformed json", `{"action":`, true},
		{"unknown action", `{"action":"subscribe","symbol":"BTCUSDT"}`, true},
		{"init without client id", `{"action":"init"}`, true},
		{"watch without symbol", `{"action":"watch"}`, true},
		{"valid init", `{"action":"init","client_id":"c1"}`, false},
		{"valid watch", `{"action":"watch","symbol":"BTCUSDT"}`, false},
		{"valid unwatch", `{"action":"unwatch"}`, false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cmd, err := parseInbound(sub, []byte(c.payload))
			if c.wantErr {
				if err == nil {
					t.Errorf("expected rejection for %s", c.payload)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cmd == nil {
				t.Fatal("expected a command")
			}
		})
	}
}

func TestParseInboundCommandTypes(t *testing.T) {
	sub := &Subscriber{}

	cmd, err := parseInbound(sub, []byte(`{"action":"watch","symbol":"ETHUSDT"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	watch, ok := cmd.(watchCmd)
	if !ok {
		t.Fatalf("expected watchCmd, got %T", cmd)
	}
	if watch.symbol != "ETHUSDT" {
		t.Errorf("watch symbol = %q", watch.symbol)
	}

	cmd, err = parseInbound(sub, []byte(`{"action":"init","client_id":"c9"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ident, ok := cmd.(identifyCmd)
	if !ok {
		t.Fatalf("expected identifyCmd, got %T", cmd)
	}
	if ident.clientID != "c9" {
		t.Errorf("client id = %q", ident.clientID)
	}
}

func TestPublishPriceNeverBlocks(t *testing.T) {
	// No hub goroutine running: the queue fills and further publishes
	// must drop rather than block.
	hub := NewLiveFanoutHub(NewMemoryStore(), NewStreamSettings(nil, 0, time.Hour))

	done := make(chan struct{})
	go func() {
		for i := 0; i < FanoutUpdateQueueSize*2; i++ {
			hub.PublishPrice("BTCUSDT", float64(i), int64(i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("PublishPrice blocked with a full queue of %d", FanoutUpdateQueueSize)
	}
}
