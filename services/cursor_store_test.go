package services

import (
	"context"
	"path/filepath"
	"testing"
)

func TestSQLiteCursorStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cursors.db")
	store, err := NewSQLiteCursorStore(path)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer store.Close()

	ctx := context.Background()

	if _, ok, err := store.Load(ctx, "binance", "BTCUSDT"); err != nil || ok {
		t.Fatalf("expected no cursor initially, got ok=%v err=%v", ok, err)
	}

	if err := store.Save(ctx, "binance", "BTCUSDT", 1700000000000); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	ts, ok, err := store.Load(ctx, "binance", "BTCUSDT")
	if err != nil || !ok {
		t.Fatalf("load failed: ok=%v err=%v", ok, err)
	}
	if ts != 1700000000000 {
		t.Errorf("cursor = %d, want 1700000000000", ts)
	}

	// Save is an upsert.
	if err := store.Save(ctx, "binance", "BTCUSDT", 1700000005000); err != nil {
		t.Fatalf("second save failed: %v", err)
	}
	ts, _, _ = store.Load(ctx, "binance", "BTCUSDT")
	if ts != 1700000005000 {
		t.Errorf("cursor after upsert = %d, want 1700000005000", ts)
	}

	// Cursors are per (exchange, symbol).
	if _, ok, _ := store.Load(ctx, "kraken", "BTCUSDT"); ok {
		t.Error("cursor leaked across exchanges")
	}
}

func TestSQLiteCursorStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cursors.db")
	ctx := context.Background()

	store, err := NewSQLiteCursorStore(path)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := store.Save(ctx, "binance", "ETHUSDT", 42); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopened, err := NewSQLiteCursorStore(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	ts, ok, err := reopened.Load(ctx, "binance", "ETHUSDT")
	if err != nil || !ok || ts != 42 {
		t.Errorf("cursor did not survive reopen: ts=%d ok=%v err=%v", ts, ok, err)
	}
}

func TestMemoryCursorStore(t *testing.T) {
	store := NewMemoryCursorStore()
	ctx := context.Background()

	if _, ok, _ := store.Load(ctx, "binance", "BTCUSDT"); ok {
		t.Fatal("expected no cursor initially")
	}
	if err := store.Save(ctx, "binance", "BTCUSDT", 99); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	ts, ok, _ := store.Load(ctx, "binance", "BTCUSDT")
	if !ok || ts != 99 {
		t.Errorf("got ts=%d ok=%v, want 99/true", ts, ok)
	}
}
