package state

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestCursorRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if got := LoadCursor(ctx, store, "cursor"); got != 0 {
		t.Fatalf("expected zero cursor, got %d", got)
	}
	if err := SaveCursor(ctx, store, "cursor", 1234); err != nil {
		t.Fatalf("save: %v", err)
	}
	if got := LoadCursor(ctx, store, "cursor"); got != 1234 {
		t.Fatalf("expected 1234, got %d", got)
	}
	_ = store.Set(ctx, "cursor", "-4")
	if got := LoadCursor(ctx, store, "cursor"); got != 0 {
		t.Fatalf("expected negative cursor to read as zero, got %d", got)
	}
	if got := LoadCursor(ctx, nil, "cursor"); got != 0 {
		t.Fatalf("expected zero from nil store, got %d", got)
	}
}

func TestAppendAuditKeysAreDistinct(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	at := time.Unix(1700000000, 0)
	for seq := int64(1); seq <= 3; seq++ {
		if err := AppendAudit(ctx, store, at, seq, map[string]string{"action": "pause"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	n := 0
	for key, val := range store.data {
		if !strings.HasPrefix(key, AuditPrefix) {
			continue
		}
		n++
		if val != `{"action":"pause"}` {
			t.Fatalf("unexpected payload %s", val)
		}
	}
	if n != 3 {
		t.Fatalf("expected 3 audit records, got %d", n)
	}
}
