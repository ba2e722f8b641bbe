package liquidation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"dydx-pairs-bot/internal/alerts"
	"dydx-pairs-bot/internal/dydx/indexer"
	"dydx-pairs-bot/internal/exec"
	"dydx-pairs-bot/internal/journal"
	"dydx-pairs-bot/internal/market"
	"dydx-pairs-bot/internal/metrics"
	"dydx-pairs-bot/internal/state"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var ErrNoCloseSize = errors.New("position size below step size")

type Engine interface {
	CancelAll(ctx context.Context) (exec.CancelSummary, error)
	SubmitAndReconcile(ctx context.Context, intent exec.OrderIntent) (exec.ReconciledOrder, error)
}

type Positions interface {
	GetOpenPositions(ctx context.Context) ([]indexer.Position, error)
}

type Markets interface {
	Lookup(ctx context.Context, ticker string) (market.Market, error)
}

type Recorder interface {
	RecordLiquidation(rec journal.LiquidationRecord)
}

type Config struct {
	BuyMultiplier  decimal.Decimal
	SellMultiplier decimal.Decimal
	CloseInterval  time.Duration
}

func DefaultConfig() Config {
	return Config{
		BuyMultiplier:  decimal.RequireFromString("1.7"),
		SellMultiplier: decimal.RequireFromString("0.3"),
		CloseInterval:  200 * time.Millisecond,
	}
}

type ClosePlan struct {
	Position indexer.Position
	Intent   exec.OrderIntent
}

type CloseFailure struct {
	Market string
	Err    error
}

// Run is the record of one liquidation.
type Run struct {
	ID           string
	StartedAt    time.Time
	FinishedAt   time.Time
	State        State
	AbortedIn    State
	Positions    []indexer.Position
	Plans        []ClosePlan
	Closed       []exec.ReconciledOrder
	Failures     []CloseFailure
	Cancel       exec.CancelSummary
	CancelErr    error
	Partial      bool
	Checkpointed bool
	Err          error
}

// Orchestrator closes everything: open orders first, then every position
// with a reduce-only order priced through the book, then clears the
// tracked-agent checkpoint.
type Orchestrator struct {
	engine    Engine
	positions Positions
	markets   Markets
	store     state.Store
	alerts    alerts.Sink
	journal   Recorder
	metrics   *metrics.Metrics
	log       *zap.Logger
	cfg       Config

	sm    *StateMachine
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	runMu sync.Mutex
	mu    sync.RWMutex
	last  *Run
}

func New(engine Engine, positions Positions, markets Markets, store state.Store, cfg Config, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.BuyMultiplier.Sign() <= 0 {
		cfg.BuyMultiplier = def.BuyMultiplier
	}
	if cfg.SellMultiplier.Sign() <= 0 {
		cfg.SellMultiplier = def.SellMultiplier
	}
	return &Orchestrator{
		engine:    engine,
		positions: positions,
		markets:   markets,
		store:     store,
		metrics:   metrics.NewNoop(),
		log:       log,
		cfg:       cfg,
		sm:        NewStateMachine(),
		sleep:     sleepCtx,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (o *Orchestrator) SetAlerts(sink alerts.Sink) {
	o.alerts = sink
}

func (o *Orchestrator) SetJournal(rec Recorder) {
	o.journal = rec
}

func (o *Orchestrator) SetMetrics(m *metrics.Metrics) {
	o.metrics = metrics.OrNoop(m)
}

func (o *Orchestrator) State() State {
	return o.sm.State()
}

// LastRun returns the most recent finished run, if any.
func (o *Orchestrator) LastRun() (*Run, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.last, o.last != nil
}

// Liquidate runs to completion even if ctx is cancelled; a half-finished
// close-out is worse than a late one. Per-position failures are recorded in
// the run and do not stop it. The returned error is non-nil only when the
// position list could not be read or the checkpoint write failed.
func (o *Orchestrator) Liquidate(ctx context.Context) (*Run, error) {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	ctx = context.WithoutCancel(ctx)

	run := &Run{ID: uuid.NewString(), StartedAt: o.now()}
	log := o.log.With(zap.String("run_id", run.ID))
	o.metrics.LiquidationRuns.Inc()
	run.State = o.sm.Apply(EventStart)
	log.Warn("liquidation started")

	summary, err := o.engine.CancelAll(ctx)
	run.Cancel = summary
	switch {
	case err != nil:
		run.CancelErr = err
		run.State = o.markPartial(run, EventItemFailed)
		log.Error("cancel all failed, closing positions anyway", zap.Error(err))
	case summary.Outcome == exec.CancelFailed:
		run.State = o.markPartial(run, EventItemFailed)
		for _, r := range summary.Failed() {
			log.Warn("order cancel failed", zap.String("order_id", r.OrderID), zap.Error(r.Err))
		}
	default:
		run.State = o.sm.Apply(EventOrdersCanceled)
	}

	positions, err := o.positions.GetOpenPositions(ctx)
	if err != nil {
		o.abort(run, fmt.Errorf("fetch positions: %w", err))
		log.Error("liquidation aborted", zap.String("stage", string(run.AbortedIn)), zap.Error(err))
		o.finish(ctx, run)
		return run, fmt.Errorf("liquidation %s: %w", run.ID, run.Err)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Market < positions[j].Market })
	for _, p := range positions {
		if p.Size.IsZero() {
			continue
		}
		run.Positions = append(run.Positions, p)
	}

	submitted := 0
	for _, pos := range run.Positions {
		plan, err := o.Plan(ctx, pos)
		if err != nil {
			o.recordFailure(run, pos.Market, err)
			continue
		}
		run.Plans = append(run.Plans, plan)
		if submitted > 0 {
			_ = o.sleep(ctx, o.cfg.CloseInterval)
		}
		submitted++
		order, err := o.engine.SubmitAndReconcile(ctx, plan.Intent)
		if err != nil {
			o.recordFailure(run, pos.Market, err)
			continue
		}
		run.Closed = append(run.Closed, order)
		o.metrics.PositionsClosed.Inc()
		log.Info("position close placed",
			zap.String("market", pos.Market),
			zap.String("side", string(plan.Intent.Side)),
			zap.String("size", plan.Intent.Size.String()),
			zap.String("price", plan.Intent.Price.String()),
			zap.String("order_id", order.OrderID),
		)
	}

	if err := state.SaveTrackedAgents(ctx, o.store, nil); err != nil {
		o.abort(run, fmt.Errorf("checkpoint: %w", err))
		log.Error("liquidation checkpoint failed", zap.String("stage", string(run.AbortedIn)), zap.Error(err))
		o.finish(ctx, run)
		return run, fmt.Errorf("liquidation %s: %w", run.ID, run.Err)
	}
	run.Checkpointed = true
	run.State = o.sm.Apply(EventCheckpointed)
	if run.Partial {
		o.metrics.LiquidationPartial.Inc()
	}
	log.Warn("liquidation checkpointed",
		zap.Int("positions", len(run.Positions)),
		zap.Int("closed", len(run.Closed)),
		zap.Int("failures", len(run.Failures)),
		zap.Bool("partial", run.Partial),
	)
	o.finish(ctx, run)
	o.sm.Apply(EventDone)
	return run, nil
}

// Plan builds the reduce-only closing order for pos.
func (o *Orchestrator) Plan(ctx context.Context, pos indexer.Position) (ClosePlan, error) {
	m, err := o.markets.Lookup(ctx, pos.Market)
	if err != nil {
		return ClosePlan{}, err
	}
	side := exec.SideSell
	if pos.Side == indexer.SideShort || (pos.Side == "" && pos.Size.Sign() < 0) {
		side = exec.SideBuy
	}
	mult := o.cfg.SellMultiplier
	if side == exec.SideBuy {
		mult = o.cfg.BuyMultiplier
	}
	price := m.RoundPrice(pos.EntryPrice.Mul(mult))
	if price.Sign() <= 0 {
		return ClosePlan{}, fmt.Errorf("%s: no usable closing price from entry %s", pos.Market, pos.EntryPrice)
	}
	size := m.RoundSize(pos.Size.Abs())
	if size.Sign() <= 0 {
		return ClosePlan{}, fmt.Errorf("%s: %s at step %s: %w", pos.Market, pos.Size.Abs(), m.StepSize, ErrNoCloseSize)
	}
	return ClosePlan{
		Position: pos,
		Intent: exec.OrderIntent{
			Market:     m.Ticker,
			Side:       side,
			Size:       size,
			Price:      price,
			ReduceOnly: true,
		},
	}, nil
}

func (o *Orchestrator) markPartial(run *Run, event Event) State {
	run.Partial = true
	return o.sm.Apply(event)
}

// abort resets the machine and marks the run ABORTED, keeping the stage it
// stopped in.
func (o *Orchestrator) abort(run *Run, err error) {
	run.AbortedIn = run.State
	run.Err = err
	o.sm.Apply(EventAbort)
	run.State = StateAborted
	o.metrics.LiquidationAborted.Inc()
}

func (o *Orchestrator) recordFailure(run *Run, market string, err error) {
	run.Failures = append(run.Failures, CloseFailure{Market: market, Err: err})
	run.State = o.markPartial(run, EventItemFailed)
	o.metrics.CloseFailures.Inc()
	o.log.Error("position close failed", zap.String("run_id", run.ID), zap.String("market", market), zap.Error(err))
}

func (o *Orchestrator) finish(ctx context.Context, run *Run) {
	run.FinishedAt = o.now()
	o.mu.Lock()
	o.last = run
	o.mu.Unlock()
	if o.journal != nil {
		rec := journal.LiquidationRecord{
			RunID:         run.ID,
			StartedAt:     run.StartedAt,
			FinishedAt:    run.FinishedAt,
			State:         string(run.State),
			Positions:     len(run.Positions),
			Closed:        len(run.Closed),
			Failures:      len(run.Failures),
			Partial:       run.Partial,
			CancelOutcome: run.Cancel.Outcome.String(),
		}
		if run.Err != nil {
			rec.Error = run.Err.Error()
		}
		o.journal.RecordLiquidation(rec)
	}
	if o.alerts != nil {
		if err := o.alerts.Send(ctx, Summary(run)); err != nil {
			o.log.Warn("liquidation alert failed", zap.Error(err))
		}
	}
}

// Summary renders a run for operators.
func Summary(run *Run) string {
	var b strings.Builder
	switch {
	case run.Err != nil:
		fmt.Fprintf(&b, "Liquidation %s ABORTED during %s: %v\n", short(run.ID), run.AbortedIn, run.Err)
	case run.Partial:
		fmt.Fprintf(&b, "Liquidation %s finished with failures\n", short(run.ID))
	default:
		fmt.Fprintf(&b, "Liquidation %s complete\n", short(run.ID))
	}
	fmt.Fprintf(&b, "cancels: %s (%d orders)", run.Cancel.Outcome, len(run.Cancel.Results))
	if run.CancelErr != nil {
		fmt.Fprintf(&b, ", list failed: %v", run.CancelErr)
	}
	fmt.Fprintf(&b, "\nclosed %d/%d positions", len(run.Closed), len(run.Positions))
	for _, f := range run.Failures {
		fmt.Fprintf(&b, "\n- %s: %v", f.Market, f.Err)
	}
	return b.String()
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
