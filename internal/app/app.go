package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"dydx-pairs-bot/internal/alerts"
	"dydx-pairs-bot/internal/config"
	"dydx-pairs-bot/internal/dydx/indexer"
	"dydx-pairs-bot/internal/dydx/node"
	"dydx-pairs-bot/internal/dydx/ws"
	"dydx-pairs-bot/internal/exec"
	"dydx-pairs-bot/internal/journal"
	"dydx-pairs-bot/internal/liquidation"
	"dydx-pairs-bot/internal/market"
	"dydx-pairs-bot/internal/metrics"
	"dydx-pairs-bot/internal/state"
	"dydx-pairs-bot/internal/state/sqlite"
	"dydx-pairs-bot/internal/strategy"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var ErrPaused = errors.New("trading paused")

const (
	heightReconnectDelay  = 2 * time.Second
	marketRefreshInterval = 5 * time.Minute
	shutdownTimeout       = 5 * time.Second
)

type App struct {
	cfg        *config.Config
	log        *zap.Logger
	store      state.Store
	indexer    *indexer.Client
	heightWS   *ws.Client
	heights    *ws.HeightFeed
	markets    *market.Directory
	engine     *exec.Engine
	orders     *journaledEngine
	liquidator *liquidation.Orchestrator
	metrics    *metrics.Metrics
	prom       *metrics.Prometheus
	alerts     *alerts.Telegram
	journal    *journal.Writer
	tif        exec.TimeInForce
	server     *http.Server

	// trade serializes signal execution and liquidation for the account.
	trade        sync.Mutex
	paused       atomic.Bool
	riskOverride atomic.Pointer[config.RiskConfig]
	auditSeq     atomic.Int64
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	privateKey := strings.TrimSpace(os.Getenv("DYDX_PRIVATE_KEY"))
	if privateKey == "" {
		return nil, errors.New("DYDX_PRIVATE_KEY is required")
	}
	signer, err := node.NewSigner(privateKey)
	if err != nil {
		return nil, err
	}
	nodeClient, err := node.NewClient(cfg.Node.RPCURL, cfg.Node.ChainID, cfg.Node.Timeout, signer)
	if err != nil {
		return nil, err
	}
	nodeClient.SetLogger(log)
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	journalWriter, err := journal.New(cfg.Journal, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a, err := newApp(cfg, log, store, nodeClient, journalWriter)
	if err != nil {
		_ = store.Close()
		_ = journalWriter.Close()
		return nil, err
	}
	return a, nil
}

func newApp(cfg *config.Config, log *zap.Logger, store state.Store, client broadcaster, journalWriter *journal.Writer) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	tif, err := exec.ParseTimeInForce(cfg.Execution.TimeInForce)
	if err != nil {
		return nil, err
	}
	a := &App{
		cfg:     cfg,
		log:     log,
		store:   store,
		alerts:  alerts.NewTelegram(cfg.Telegram, log),
		journal: journalWriter,
		tif:     tif,
	}
	if cfg.Metrics.EnabledValue() {
		a.prom = metrics.NewPrometheus()
		a.metrics = a.prom.Metrics
	} else {
		a.metrics = metrics.NewNoop()
	}

	a.indexer = indexer.New(cfg.Indexer.BaseURL, cfg.Indexer.Timeout, cfg.Account.Address, cfg.Account.Subaccount, log)
	a.markets = market.NewDirectory(a.indexer, log)

	adapter := &nodeAdapter{
		client:     client,
		maxAge:     cfg.Indexer.HeightMaxAge,
		owner:      cfg.Account.Address,
		subaccount: uint32(cfg.Account.Subaccount),
		log:        log,
	}
	if cfg.Indexer.HeightFeedEnabled() {
		a.heightWS = ws.New(cfg.Indexer.WSURL, heightReconnectDelay, cfg.Indexer.PingInterval, log)
		a.heights = ws.NewHeightFeed(a.heightWS, log)
		adapter.heights = a.heights
	}

	a.engine = exec.NewEngine(adapter, a.indexer, a.markets, exec.Config{
		SettleDelay:        cfg.Execution.SettleDelay,
		GoodTilBlockMargin: cfg.Execution.GoodTilBlockMargin,
		PollAttempts:       cfg.Execution.PollAttempts,
		PollInterval:       cfg.Execution.PollInterval,
		QueryRetries:       cfg.Execution.QueryRetries,
		QueryBackoff:       cfg.Execution.QueryBackoff,
		TimeInForce:        tif,
	}, a.metrics, log)
	a.orders = newJournaledEngine(a.engine, journalWriter)

	a.liquidator = liquidation.New(a.orders, a.indexer, a.markets, store, liquidation.Config{
		BuyMultiplier:  decimal.NewFromFloat(cfg.Liquidation.BuyMultiplier),
		SellMultiplier: decimal.NewFromFloat(cfg.Liquidation.SellMultiplier),
		CloseInterval:  cfg.Liquidation.CloseInterval,
	}, log)
	a.liquidator.SetAlerts(a.alerts)
	if journalWriter != nil {
		a.liquidator.SetJournal(journalWriter)
	}
	a.liquidator.SetMetrics(a.metrics)
	return a, nil
}

func (a *App) Run(ctx context.Context) error {
	defer a.close()
	a.journal.Start(ctx)
	if err := a.markets.Refresh(ctx); err != nil {
		a.log.Warn("market refresh failed", zap.Error(err))
	}
	if a.heights != nil {
		if err := a.heights.Start(ctx); err != nil {
			a.log.Warn("height feed unavailable, using node rpc", zap.Error(err))
		}
	}
	agents, err := state.LoadTrackedAgents(ctx, a.store)
	if err != nil {
		return fmt.Errorf("load tracked agents: %w", err)
	}
	a.log.Info("loaded state", zap.Int("tracked_agents", len(agents)), zap.Int("markets", len(a.markets.Tickers())))
	if a.cfg.Execution.CancelOnStartValue() {
		a.startupSweep(ctx)
	}
	if err := a.startServer(ctx); err != nil {
		return err
	}
	a.startOperator(ctx)

	ticker := time.NewTicker(a.cfg.Execution.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.refresh(ctx)
		}
	}
}

// Abort liquidates everything and returns. It is the process-level kill
// switch; the run survives cancellation of ctx.
func (a *App) Abort(ctx context.Context) (*liquidation.Run, error) {
	defer a.close()
	a.journal.Start(ctx)
	if err := a.markets.Refresh(ctx); err != nil {
		a.log.Warn("market refresh failed", zap.Error(err))
	}
	return a.Liquidate(ctx)
}

// Liquidate pauses trading first so an in-flight signal stops at its next
// step, then runs once that signal has released the account.
func (a *App) Liquidate(ctx context.Context) (*liquidation.Run, error) {
	a.setPaused(true)
	a.trade.Lock()
	defer a.trade.Unlock()
	run, err := a.liquidator.Liquidate(ctx)
	if err != nil {
		a.log.Error("liquidation failed", zap.Error(err))
	}
	return run, err
}

func (a *App) CancelAll(ctx context.Context) (exec.CancelSummary, error) {
	return a.orders.CancelAll(ctx)
}

func (a *App) Cancel(ctx context.Context, orderID string) (exec.CancelOutcome, error) {
	return a.orders.Cancel(ctx, orderID)
}

// ExecuteSignal places both legs of a pair trade. When the second leg does
// not land the first is cancelled on a best-effort basis. A pause that
// arrives mid-signal unwinds whatever was placed and skips the checkpoint.
func (a *App) ExecuteSignal(ctx context.Context, sig strategy.Signal) ([]exec.ReconciledOrder, error) {
	a.trade.Lock()
	defer a.trade.Unlock()
	if a.isPaused() {
		return nil, ErrPaused
	}
	if err := sig.Normalize(); err != nil {
		return nil, err
	}
	legs := sig.Legs(a.tif)
	if err := strategy.CheckSignal(a.riskConfig(), legs, a.openOrders()); err != nil {
		return nil, err
	}
	first, err := a.orders.SubmitAndReconcile(ctx, legs[0])
	if err != nil {
		return nil, fmt.Errorf("leg %s: %w", legs[0].Market, err)
	}
	if a.isPaused() {
		a.unwind(ctx, first)
		return []exec.ReconciledOrder{first}, ErrPaused
	}
	second, err := a.orders.SubmitAndReconcile(ctx, legs[1])
	if err != nil {
		outcome, cancelErr := a.orders.Cancel(ctx, first.OrderID)
		a.log.Error("second leg failed, unwinding first",
			zap.String("market", legs[1].Market),
			zap.String("first_order_id", first.OrderID),
			zap.Stringer("cancel_outcome", outcome),
			zap.NamedError("cancel_error", cancelErr),
			zap.Error(err),
		)
		a.notify(ctx, fmt.Sprintf("pair %s/%s: leg 2 failed (%v), leg 1 cancel %s", sig.Market1, sig.Market2, err, outcome))
		return []exec.ReconciledOrder{first}, fmt.Errorf("leg %s: %w", legs[1].Market, err)
	}
	orders := []exec.ReconciledOrder{first, second}
	agent := state.Agent{
		Market1:    sig.Market1,
		Market2:    sig.Market2,
		HedgeRatio: sig.HedgeRatio,
		ZScore:     sig.ZScore,
		Direction:  string(sig.Direction),
		OrderIDs:   []string{first.OrderID, second.OrderID},
		OpenedAt:   time.Now().UTC(),
	}
	if a.isPaused() {
		a.unwind(ctx, first, second)
		return orders, ErrPaused
	}
	if err := state.AppendTrackedAgent(ctx, a.store, agent); err != nil {
		return orders, fmt.Errorf("checkpoint agent: %w", err)
	}
	a.log.Info("pair opened",
		zap.String("market_1", sig.Market1),
		zap.String("market_2", sig.Market2),
		zap.String("direction", string(sig.Direction)),
		zap.Float64("z_score", sig.ZScore),
	)
	a.notify(ctx, fmt.Sprintf("pair opened %s %s/%s z=%.2f", sig.Direction, sig.Market1, sig.Market2, sig.ZScore))
	return orders, nil
}

// unwind cancels orders placed by a signal that was paused before it could
// be checkpointed.
func (a *App) unwind(ctx context.Context, orders ...exec.ReconciledOrder) {
	for _, o := range orders {
		outcome, err := a.orders.Cancel(ctx, o.OrderID)
		a.log.Warn("trading paused mid-signal, unwinding leg",
			zap.String("order_id", o.OrderID),
			zap.String("market", o.Market),
			zap.Stringer("cancel_outcome", outcome),
			zap.Error(err),
		)
	}
}

func (a *App) startupSweep(ctx context.Context) {
	summary, err := a.orders.CancelAll(ctx)
	if err != nil {
		a.log.Warn("startup cancel sweep failed", zap.Error(err))
		return
	}
	a.log.Info("startup cancel sweep",
		zap.Int("orders", len(summary.Results)),
		zap.Stringer("outcome", summary.Outcome),
		zap.Int("failed", len(summary.Failed())),
	)
}

func (a *App) refresh(ctx context.Context) {
	if err := a.engine.Refresh(ctx); err != nil && ctx.Err() == nil {
		a.log.Warn("registry refresh failed", zap.Error(err))
	}
	if time.Since(a.markets.LastRefresh()) >= marketRefreshInterval {
		if err := a.markets.Refresh(ctx); err != nil {
			a.log.Warn("market refresh failed", zap.Error(err))
		}
	}
}

func (a *App) openOrders() int {
	n := 0
	for _, o := range a.engine.Registry().Snapshot() {
		if !o.Status.Terminal() {
			n++
		}
	}
	return n
}

func (a *App) notify(ctx context.Context, msg string) {
	if err := a.alerts.Send(ctx, msg); err != nil {
		a.log.Warn("alert send failed", zap.Error(err))
	}
}

func (a *App) close() {
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		_ = a.server.Shutdown(ctx)
		cancel()
	}
	if a.heightWS != nil {
		a.heightWS.Close()
	}
	if err := a.journal.Close(); err != nil {
		a.log.Warn("journal close failed", zap.Error(err))
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}
