package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"dydx-pairs-bot/internal/config"
	"dydx-pairs-bot/internal/dydx/indexer"
	"dydx-pairs-bot/internal/dydx/node"
	"dydx-pairs-bot/internal/liquidation"
	"dydx-pairs-bot/internal/logging"
	"dydx-pairs-bot/internal/market"
	"dydx-pairs-bot/internal/state"
	"dydx-pairs-bot/internal/state/sqlite"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const defaultVerifyEnvFile = ".env"

type report struct {
	Address        string             `json:"address"`
	Subaccount     int                `json:"subaccount"`
	Equity         string             `json:"equity"`
	FreeCollateral string             `json:"free_collateral"`
	IndexerHeight  int64              `json:"indexer_height"`
	NodeHeight     int64              `json:"node_height,omitempty"`
	PubKey         string             `json:"pub_key,omitempty"`
	Positions      []indexer.Position `json:"positions"`
	OpenOrders     []indexer.Order    `json:"open_orders"`
	ClosePlans     []planView         `json:"close_plans"`
	TrackedAgents  []state.Agent      `json:"tracked_agents,omitempty"`
}

type planView struct {
	Market string `json:"market"`
	Side   string `json:"side"`
	Size   string `json:"size"`
	Price  string `json:"price"`
	Error  string `json:"error,omitempty"`
}

// verify prints the account as the bot sees it and the closing orders a
// liquidation would place right now. It never broadcasts.
func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	asJSON := flag.Bool("json", false, "print the report as JSON")
	marketTicker := flag.String("market", "", "print metadata and rounding for one market and exit")
	price := flag.String("price", "", "price to round with -market")
	size := flag.String("size", "", "size to round with -market")
	flag.Parse()

	if err := config.LoadEnv(defaultVerifyEnvFile); err != nil {
		fatal(err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	idx := indexer.New(cfg.Indexer.BaseURL, cfg.Indexer.Timeout, cfg.Account.Address, cfg.Account.Subaccount, log)
	markets := market.NewDirectory(idx, log)

	if *marketTicker != "" {
		if err := printMarket(ctx, markets, *marketTicker, *price, *size); err != nil {
			fatal(err)
		}
		return
	}

	rep, err := buildReport(ctx, cfg, idx, markets, log)
	if err != nil {
		fatal(err)
	}
	if *asJSON {
		out, err := json.MarshalIndent(rep, "", "  ")
		if err != nil {
			fatal(err)
		}
		fmt.Println(string(out))
		return
	}
	printReport(rep)
}

func buildReport(ctx context.Context, cfg *config.Config, idx *indexer.Client, markets *market.Directory, log *zap.Logger) (report, error) {
	rep := report{Address: cfg.Account.Address, Subaccount: cfg.Account.Subaccount}
	sub, err := idx.GetSubaccount(ctx)
	if err != nil {
		return rep, fmt.Errorf("subaccount: %w", err)
	}
	rep.Equity = sub.Equity.String()
	rep.FreeCollateral = sub.FreeCollateral.String()
	if rep.IndexerHeight, err = idx.GetHeight(ctx); err != nil {
		log.Warn("indexer height unavailable", zap.Error(err))
	}
	if rep.Positions, err = idx.GetOpenPositions(ctx); err != nil {
		return rep, fmt.Errorf("positions: %w", err)
	}
	if rep.OpenOrders, err = idx.GetSubaccountOrders(ctx, indexer.OrdersQuery{Status: indexer.StatusOpen}); err != nil {
		return rep, fmt.Errorf("open orders: %w", err)
	}

	if key := strings.TrimSpace(os.Getenv("DYDX_PRIVATE_KEY")); key != "" {
		signer, err := node.NewSigner(key)
		if err != nil {
			return rep, err
		}
		rep.PubKey = signer.PubKeyHex()
		client, err := node.NewClient(cfg.Node.RPCURL, cfg.Node.ChainID, cfg.Node.Timeout, signer)
		if err != nil {
			return rep, err
		}
		if rep.NodeHeight, err = client.LatestBlockHeight(ctx); err != nil {
			log.Warn("node height unavailable", zap.Error(err))
		}
	}

	planner := liquidation.New(nil, idx, markets, state.NewMemoryStore(), liquidation.Config{
		BuyMultiplier:  decimal.NewFromFloat(cfg.Liquidation.BuyMultiplier),
		SellMultiplier: decimal.NewFromFloat(cfg.Liquidation.SellMultiplier),
	}, log)
	for _, pos := range rep.Positions {
		plan, err := planner.Plan(ctx, pos)
		if err != nil {
			rep.ClosePlans = append(rep.ClosePlans, planView{Market: pos.Market, Error: err.Error()})
			continue
		}
		rep.ClosePlans = append(rep.ClosePlans, planView{
			Market: plan.Intent.Market,
			Side:   string(plan.Intent.Side),
			Size:   plan.Intent.Size.String(),
			Price:  plan.Intent.Price.String(),
		})
	}

	if cfg.State.SQLitePath != "" {
		if _, err := os.Stat(cfg.State.SQLitePath); err == nil {
			rep.TrackedAgents = loadAgents(ctx, cfg.State.SQLitePath, log)
		}
	}
	return rep, nil
}

func loadAgents(ctx context.Context, path string, log *zap.Logger) []state.Agent {
	store, err := sqlite.New(path)
	if err != nil {
		log.Warn("state store unavailable", zap.Error(err))
		return nil
	}
	defer func() { _ = store.Close() }()
	agents, err := state.LoadTrackedAgents(ctx, store)
	if err != nil {
		log.Warn("tracked agents unreadable", zap.Error(err))
	}
	return agents
}

func printMarket(ctx context.Context, markets *market.Directory, ticker, price, size string) error {
	m, err := markets.Lookup(ctx, ticker)
	if err != nil {
		return err
	}
	fmt.Printf("market %s clob=%d status=%s tick=%s step=%s oracle=%s\n",
		m.Ticker, m.ClobPairID, m.Status, m.TickSize, m.StepSize, m.OraclePrice)
	if price != "" {
		p, err := decimal.NewFromString(price)
		if err != nil {
			return fmt.Errorf("invalid price: %w", err)
		}
		fmt.Printf("price %s -> %s\n", p, m.RoundPrice(p))
	}
	if size != "" {
		s, err := decimal.NewFromString(size)
		if err != nil {
			return fmt.Errorf("invalid size: %w", err)
		}
		fmt.Printf("size %s -> %s\n", s, m.RoundSize(s))
	}
	if !m.Active() {
		return errors.New("market is not active")
	}
	return nil
}

func printReport(rep report) {
	fmt.Printf("account %s/%d equity=%s free_collateral=%s\n", rep.Address, rep.Subaccount, rep.Equity, rep.FreeCollateral)
	if rep.NodeHeight > 0 {
		fmt.Printf("heights: indexer=%d node=%d lag=%d\n", rep.IndexerHeight, rep.NodeHeight, rep.NodeHeight-rep.IndexerHeight)
	} else {
		fmt.Printf("heights: indexer=%d node=n/a\n", rep.IndexerHeight)
	}
	if rep.PubKey != "" {
		fmt.Printf("signer pub_key=%s\n", rep.PubKey)
	}
	fmt.Printf("positions: %d\n", len(rep.Positions))
	for _, p := range rep.Positions {
		fmt.Printf("  %s %s size=%s entry=%s\n", p.Market, p.Side, p.Size, p.EntryPrice)
	}
	fmt.Printf("open orders: %d\n", len(rep.OpenOrders))
	for _, o := range rep.OpenOrders {
		fmt.Printf("  %s %s %s %s@%s client_id=%s gtb=%s\n", o.ID, o.Ticker, o.Side, o.Size, o.Price, o.ClientID, o.GoodTilBlock)
	}
	fmt.Println("liquidation plan:")
	for _, p := range rep.ClosePlans {
		if p.Error != "" {
			fmt.Printf("  %s: %s\n", p.Market, p.Error)
			continue
		}
		fmt.Printf("  %s %s %s @ %s reduce-only\n", p.Market, p.Side, p.Size, p.Price)
	}
	if len(rep.TrackedAgents) > 0 {
		fmt.Printf("tracked agents: %d\n", len(rep.TrackedAgents))
		for _, a := range rep.TrackedAgents {
			fmt.Printf("  %s/%s %s z=%.2f orders=%v\n", a.Market1, a.Market2, a.Direction, a.ZScore, a.OrderIDs)
		}
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
