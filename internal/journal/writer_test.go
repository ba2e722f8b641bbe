package journal

import (
	"context"
	"testing"
	"time"

	"dydx-pairs-bot/internal/config"

	"go.uber.org/zap"
)

func TestNewDisabledReturnsNil(t *testing.T) {
	w, err := New(config.JournalConfig{}, zap.NewNop())
	if err != nil || w != nil {
		t.Fatalf("expected nil writer when disabled, got %v (%v)", w, err)
	}
}

func TestNewRequiresDSN(t *testing.T) {
	if _, err := New(config.JournalConfig{Enabled: true}, zap.NewNop()); err == nil {
		t.Fatalf("expected error for missing dsn")
	}
}

func TestNilWriterIsSafe(t *testing.T) {
	var w *Writer
	w.Start(context.Background())
	w.RecordOrder(OrderEvent{Kind: "submit"})
	w.RecordLiquidation(LiquidationRecord{RunID: "x"})
	if w.Dropped() != 0 {
		t.Fatalf("expected no drops on nil writer")
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestQueueFullDrops(t *testing.T) {
	w := newWriter(nil, "", 1, zap.NewNop())
	w.RecordOrder(OrderEvent{Kind: "submit"})
	w.RecordOrder(OrderEvent{Kind: "reconciled"})
	w.RecordLiquidation(LiquidationRecord{RunID: "a"})
	w.RecordLiquidation(LiquidationRecord{RunID: "b"})
	if got := w.Dropped(); got != 2 {
		t.Fatalf("expected 2 drops, got %d", got)
	}
	ev := <-w.orders
	if ev.Time.IsZero() {
		t.Fatalf("expected event time stamped on enqueue")
	}
}

func TestRunDrainsWithoutDB(t *testing.T) {
	w := newWriter(nil, "journal", 4, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	w.RecordOrder(OrderEvent{Kind: "submit"})
	deadline := time.Now().Add(time.Second)
	for len(w.orders) > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(w.orders) != 0 {
		t.Fatalf("expected queue drained")
	}
	if got := w.table("order_events"); got != "journal.order_events" {
		t.Fatalf("unexpected table name %q", got)
	}
}
