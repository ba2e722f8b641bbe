package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

func TestClientReplaysSubscriptionsAfterReconnect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var sessions atomic.Int32
	subs := make(chan string, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		n := sessions.Add(1)
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		subs <- string(data)
		if n == 1 {
			_ = conn.Close(websocket.StatusInternalError, "drop")
			return
		}
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"connected"}`))
		<-ctx.Done()
	}))
	defer server.Close()

	client := New("ws"+strings.TrimPrefix(server.URL, "http"), 5*time.Millisecond, 0, zap.NewNop())
	if err := client.Subscribe(ctx, map[string]string{"type": "subscribe", "channel": "v4_block_height"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	got := make(chan json.RawMessage, 1)
	done := make(chan error, 1)
	go func() {
		done <- client.Run(ctx, func(msg json.RawMessage) {
			select {
			case got <- msg:
			default:
			}
		})
	}()

	for i := 0; i < 2; i++ {
		select {
		case sub := <-subs:
			if !strings.Contains(sub, "v4_block_height") {
				t.Fatalf("session %d: unexpected subscription %s", i+1, sub)
			}
		case <-ctx.Done():
			t.Fatalf("timed out waiting for subscription %d", i+1)
		}
	}
	select {
	case msg := <-got:
		if string(msg) != `{"type":"connected"}` {
			t.Fatalf("unexpected message %s", msg)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for message")
	}

	client.Close()
	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-ctx.Done():
		t.Fatalf("run did not stop after close")
	}
}
