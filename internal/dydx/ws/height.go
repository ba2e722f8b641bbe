package ws

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const blockHeightChannel = "v4_block_height"

// HeightFeed tracks the latest block height published on the indexer's
// block height channel.
type HeightFeed struct {
	client *Client
	log    *zap.Logger
	now    func() time.Time

	mu        sync.RWMutex
	height    int64
	updatedAt time.Time
}

func NewHeightFeed(client *Client, log *zap.Logger) *HeightFeed {
	if log == nil {
		log = zap.NewNop()
	}
	return &HeightFeed{client: client, log: log, now: time.Now}
}

// Start subscribes and runs the read loop in the background until ctx ends.
func (f *HeightFeed) Start(ctx context.Context) error {
	if f.client == nil {
		return nil
	}
	if err := f.client.Subscribe(ctx, map[string]any{"type": "subscribe", "channel": blockHeightChannel}); err != nil {
		return err
	}
	go func() {
		if err := f.client.Run(ctx, f.handleMessage); err != nil && ctx.Err() == nil && !errors.Is(err, ErrClosed) {
			f.log.Warn("height feed stopped", zap.Error(err))
		}
	}()
	return nil
}

// Height returns the last observed height if it is younger than maxAge.
func (f *HeightFeed) Height(maxAge time.Duration) (int64, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.height == 0 {
		return 0, false
	}
	if maxAge > 0 && f.now().Sub(f.updatedAt) > maxAge {
		return 0, false
	}
	return f.height, true
}

func (f *HeightFeed) handleMessage(raw json.RawMessage) {
	height, ok := parseHeightMessage(raw)
	if !ok {
		return
	}
	f.mu.Lock()
	if height > f.height {
		f.height = height
	}
	f.updatedAt = f.now()
	f.mu.Unlock()
}

type channelMessage struct {
	Type     string          `json:"type"`
	Channel  string          `json:"channel"`
	Contents json.RawMessage `json:"contents"`
}

// parseHeightMessage accepts both the initial "subscribed" snapshot
// ({"height": ...}) and "channel_data" updates ({"blockHeight": ...}).
func parseHeightMessage(raw json.RawMessage) (int64, bool) {
	var msg channelMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return 0, false
	}
	if msg.Channel != blockHeightChannel || len(msg.Contents) == 0 {
		return 0, false
	}
	if msg.Type != "subscribed" && msg.Type != "channel_data" {
		return 0, false
	}
	var contents struct {
		Height      string `json:"height"`
		BlockHeight string `json:"blockHeight"`
	}
	if err := json.Unmarshal(msg.Contents, &contents); err != nil {
		return 0, false
	}
	value := contents.BlockHeight
	if value == "" {
		value = contents.Height
	}
	height, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || height <= 0 {
		return 0, false
	}
	return height, true
}
