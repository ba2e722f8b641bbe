package state

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

const TrackedAgentsKey = "agents:tracked"

// Agent is an open pair trade the bot manages. Liquidation clears the list.
type Agent struct {
	Market1    string    `json:"market_1"`
	Market2    string    `json:"market_2"`
	HedgeRatio float64   `json:"hedge_ratio"`
	ZScore     float64   `json:"z_score"`
	Direction  string    `json:"direction"`
	OrderIDs   []string  `json:"order_ids"`
	OpenedAt   time.Time `json:"opened_at"`
}

func LoadTrackedAgents(ctx context.Context, store Store) ([]Agent, error) {
	if store == nil {
		return nil, nil
	}
	raw, ok, err := store.Get(ctx, TrackedAgentsKey)
	if err != nil {
		return nil, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var agents []Agent
	if err := json.Unmarshal([]byte(raw), &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

// SaveTrackedAgents overwrites the checkpoint. A nil slice is stored as an
// empty list so readers can tell "cleared" from "never written".
func SaveTrackedAgents(ctx context.Context, store Store, agents []Agent) error {
	if store == nil {
		return nil
	}
	if agents == nil {
		agents = []Agent{}
	}
	payload, err := json.Marshal(agents)
	if err != nil {
		return err
	}
	return store.Set(ctx, TrackedAgentsKey, string(payload))
}

// AppendTrackedAgent adds one agent to the checkpoint.
func AppendTrackedAgent(ctx context.Context, store Store, agent Agent) error {
	agents, err := LoadTrackedAgents(ctx, store)
	if err != nil {
		return err
	}
	return SaveTrackedAgents(ctx, store, append(agents, agent))
}
