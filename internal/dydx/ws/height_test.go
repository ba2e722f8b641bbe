package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

func TestParseHeightMessage(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want int64
		ok   bool
	}{
		{"subscribed", `{"type":"subscribed","channel":"v4_block_height","contents":{"height":"1200","time":"2024-01-01T00:00:00Z"}}`, 1200, true},
		{"channel_data", `{"type":"channel_data","channel":"v4_block_height","contents":{"blockHeight":"1201","time":"2024-01-01T00:00:01Z"}}`, 1201, true},
		{"other channel", `{"type":"channel_data","channel":"v4_trades","contents":{"blockHeight":"5"}}`, 0, false},
		{"connected", `{"type":"connected","connection_id":"abc"}`, 0, false},
		{"garbage height", `{"type":"channel_data","channel":"v4_block_height","contents":{"blockHeight":"x"}}`, 0, false},
	}
	for _, tc := range cases {
		got, ok := parseHeightMessage(json.RawMessage(tc.raw))
		if ok != tc.ok || got != tc.want {
			t.Fatalf("%s: expected (%d, %v), got (%d, %v)", tc.name, tc.want, tc.ok, got, ok)
		}
	}
}

func TestHeightFeedStaleness(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	feed := NewHeightFeed(nil, zap.NewNop())
	feed.now = func() time.Time { return now }

	if _, ok := feed.Height(time.Second); ok {
		t.Fatalf("expected no height before any message")
	}
	feed.handleMessage(json.RawMessage(`{"type":"channel_data","channel":"v4_block_height","contents":{"blockHeight":"50"}}`))
	if h, ok := feed.Height(time.Second); !ok || h != 50 {
		t.Fatalf("expected height 50, got %d (%v)", h, ok)
	}
	now = now.Add(2 * time.Second)
	if _, ok := feed.Height(time.Second); ok {
		t.Fatalf("expected stale height to be rejected")
	}
	if h, ok := feed.Height(0); !ok || h != 50 {
		t.Fatalf("expected height without age bound, got %d (%v)", h, ok)
	}
}

func TestHeightFeedIgnoresRegression(t *testing.T) {
	feed := NewHeightFeed(nil, zap.NewNop())
	feed.handleMessage(json.RawMessage(`{"type":"channel_data","channel":"v4_block_height","contents":{"blockHeight":"90"}}`))
	feed.handleMessage(json.RawMessage(`{"type":"channel_data","channel":"v4_block_height","contents":{"blockHeight":"80"}}`))
	if h, _ := feed.Height(0); h != 90 {
		t.Fatalf("expected height to stay at 90, got %d", h)
	}
}

func TestHeightFeedSubscribesAndReceives(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	subCh := make(chan map[string]any, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept ws: %v", err)
			return
		}
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err == nil {
			subCh <- msg
		}
		payload := `{"type":"channel_data","channel":"v4_block_height","contents":{"blockHeight":"4242"}}`
		if err := conn.Write(ctx, websocket.MessageText, []byte(payload)); err != nil {
			return
		}
		<-ctx.Done()
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	client := New(wsURL, 10*time.Millisecond, 0, zap.NewNop())
	defer client.Close()
	feed := NewHeightFeed(client, zap.NewNop())
	if err := feed.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case msg := <-subCh:
		if msg["type"] != "subscribe" || msg["channel"] != "v4_block_height" {
			t.Fatalf("unexpected subscription: %v", msg)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for subscription")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if h, ok := feed.Height(time.Minute); ok {
			if h != 4242 {
				t.Fatalf("expected height 4242, got %d", h)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("height never observed")
}
