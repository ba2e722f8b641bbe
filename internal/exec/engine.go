package exec

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"dydx-pairs-bot/internal/dydx/indexer"
	"dydx-pairs-bot/internal/metrics"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

type Config struct {
	SettleDelay        time.Duration
	GoodTilBlockMargin int64
	PollAttempts       int
	PollInterval       time.Duration
	QueryRetries       int
	QueryBackoff       time.Duration
	TimeInForce        TimeInForce
}

// Engine submits orders through the node and binds them to indexer records.
// All submissions and cancels for the account run under one flow lock.
type Engine struct {
	node     Node
	indexer  Indexer
	markets  Markets
	registry *Registry
	metrics  *metrics.Metrics
	log      *zap.Logger
	cfg      Config

	clientID func() uint32
	sleep    func(ctx context.Context, d time.Duration) error

	flow sync.Mutex
}

func NewEngine(node Node, idx Indexer, markets Markets, cfg Config, m *metrics.Metrics, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = 1
	}
	if cfg.TimeInForce == "" {
		cfg.TimeInForce = TimeInForceUnspecified
	}
	return &Engine{
		node:     node,
		indexer:  idx,
		markets:  markets,
		registry: NewRegistry(),
		metrics:  metrics.OrNoop(m),
		log:      log,
		cfg:      cfg,
		clientID: rand.Uint32,
		sleep:    sleepCtx,
	}
}

func (e *Engine) Registry() *Registry {
	return e.registry
}

// SubmitAndReconcile places intent and waits for the indexer to show the
// resulting order. Failures are *ReconciliationFailure.
func (e *Engine) SubmitAndReconcile(ctx context.Context, intent OrderIntent) (ReconciledOrder, error) {
	e.flow.Lock()
	defer e.flow.Unlock()

	sub, err := e.submit(ctx, intent)
	if err != nil {
		return ReconciledOrder{}, err
	}
	return e.reconcile(ctx, sub)
}

func (e *Engine) submit(ctx context.Context, intent OrderIntent) (*SubmissionResult, error) {
	if err := validateIntent(intent); err != nil {
		return nil, &ReconciliationFailure{Reason: ReasonUnrecoverable, Market: intent.Market, Err: err}
	}
	m, err := e.markets.Lookup(ctx, intent.Market)
	if err != nil {
		return nil, queryFailure(intent.Market, 0, nil, err)
	}
	intent.Market = m.Ticker
	intent.Price = m.RoundPrice(intent.Price)
	intent.Size = m.RoundSize(intent.Size)
	if intent.Size.Sign() <= 0 {
		return nil, &ReconciliationFailure{Reason: ReasonUnrecoverable, Market: intent.Market,
			Err: fmt.Errorf("size rounds to zero at step %s", m.StepSize)}
	}
	if intent.TimeInForce == "" {
		intent.TimeInForce = e.cfg.TimeInForce
	}
	intent.ClientID = e.nextClientID(m.ClobPairID)

	height, err := e.node.LatestBlockHeight(ctx)
	if err != nil {
		return nil, &ReconciliationFailure{Reason: ReasonTransient, Market: intent.Market, ClientID: intent.ClientID,
			Err: fmt.Errorf("block height: %w", err)}
	}
	sub := &SubmissionResult{
		Height:       height,
		GoodTilBlock: height + 1 + e.cfg.GoodTilBlockMargin,
		ClobPairID:   m.ClobPairID,
		Intent:       intent,
	}
	ack, nodeErr := e.node.SubmitOrder(ctx, Submission{Intent: intent, ClobPairID: m.ClobPairID, GoodTilBlock: sub.GoodTilBlock})
	if nodeErr != nil {
		e.log.Warn("order broadcast outcome unknown, reconciling anyway",
			zap.String("market", intent.Market),
			zap.Uint32("client_id", intent.ClientID),
			zap.Error(nodeErr),
		)
		e.metrics.OrdersSubmitted.Inc()
		sub.BroadcastErr = nodeErr
		return sub, nil
	}
	if !ack.Accepted {
		e.metrics.OrdersRejected.Inc()
		e.log.Warn("order rejected",
			zap.String("market", intent.Market),
			zap.Uint32("client_id", intent.ClientID),
			zap.Uint32("code", ack.Code),
			zap.String("codespace", ack.Codespace),
			zap.String("log", ack.Log),
		)
		return nil, &ReconciliationFailure{
			Reason:     ReasonRejected,
			Market:     intent.Market,
			ClientID:   intent.ClientID,
			Code:       ack.Code,
			Codespace:  ack.Codespace,
			Log:        ack.Log,
			Submission: sub,
		}
	}
	sub.Acknowledged = true
	sub.TxHash = ack.TxHash
	e.metrics.OrdersSubmitted.Inc()
	e.log.Info("order submitted",
		zap.String("market", intent.Market),
		zap.String("side", string(intent.Side)),
		zap.String("size", intent.Size.String()),
		zap.String("price", intent.Price.String()),
		zap.Uint32("client_id", intent.ClientID),
		zap.Int64("good_til_block", sub.GoodTilBlock),
		zap.String("tx", ack.TxHash),
	)
	return sub, nil
}

func (e *Engine) reconcile(ctx context.Context, sub *SubmissionResult) (ReconciledOrder, error) {
	intent := sub.Intent
	nodeErr := sub.BroadcastErr
	key := SubmissionKey{ClientID: intent.ClientID, ClobPairID: sub.ClobPairID}
	unresolved := func(lastSeen []indexer.Order, err error) error {
		e.metrics.OrdersUnresolved.Inc()
		return &ReconciliationFailure{
			Reason:     ReasonUnresolved,
			Market:     intent.Market,
			ClientID:   intent.ClientID,
			LastSeen:   lastSeen,
			Submission: sub,
			Err:        err,
		}
	}

	if err := e.sleep(ctx, e.cfg.SettleDelay); err != nil {
		return ReconciledOrder{}, unresolved(nil, errors.Join(nodeErr, err))
	}
	var lastSeen []indexer.Order
	for attempt := 0; attempt < e.cfg.PollAttempts; attempt++ {
		if attempt > 0 {
			if err := e.sleep(ctx, e.cfg.PollInterval); err != nil {
				return ReconciledOrder{}, unresolved(lastSeen, errors.Join(nodeErr, err))
			}
		}
		orders, err := e.latestOrders(ctx, intent.Market)
		if err != nil {
			return ReconciledOrder{}, queryFailure(intent.Market, intent.ClientID, sub, err)
		}
		lastSeen = orders
		match, ok := findSubmission(orders, key, sub.Height)
		if !ok {
			e.log.Debug("submission not visible yet",
				zap.String("key", key.String()),
				zap.Int("attempt", attempt+1),
				zap.Int("seen", len(orders)),
			)
			continue
		}
		rec := fromIndexerOrder(match)
		if rec.Market == "" {
			rec.Market = intent.Market
		}
		if rec.GoodTilBlock == 0 {
			rec.GoodTilBlock = sub.GoodTilBlock
		}
		bound, err := e.registry.Bind(rec)
		if err != nil {
			return ReconciledOrder{}, &ReconciliationFailure{Reason: ReasonUnrecoverable, Market: intent.Market,
				ClientID: intent.ClientID, Submission: sub, Err: err}
		}
		e.metrics.OrdersReconciled.Inc()
		e.metrics.RegistrySize.Set(float64(e.registry.Len()))
		e.log.Info("order reconciled",
			zap.String("order_id", bound.OrderID),
			zap.String("key", key.String()),
			zap.String("status", string(bound.Status)),
		)
		return bound, nil
	}
	e.log.Warn("order unresolved",
		zap.String("market", intent.Market),
		zap.String("key", key.String()),
		zap.Int("seen", len(lastSeen)),
	)
	return ReconciledOrder{}, unresolved(lastSeen, nodeErr)
}

// Refresh re-reads every registry entry. Not-found evicts; transient
// errors leave the entry as is. It runs under the flow lock, and a lagging
// indexer read cannot reopen an order the registry already holds as
// terminal.
func (e *Engine) Refresh(ctx context.Context) error {
	e.flow.Lock()
	defer e.flow.Unlock()

	for _, o := range e.registry.Snapshot() {
		if err := ctx.Err(); err != nil {
			return err
		}
		fresh, err := e.getOrder(ctx, o.OrderID)
		switch {
		case errors.Is(err, indexer.ErrNotFound):
			if e.registry.Evict(o.OrderID) {
				e.metrics.RegistryEvictions.Inc()
				e.log.Info("order evicted", zap.String("order_id", o.OrderID))
			}
		case err != nil:
			e.log.Warn("order refresh failed", zap.String("order_id", o.OrderID), zap.Error(err))
		default:
			status := MapStatus(fresh.Status)
			if !e.registry.UpdateStatus(o.OrderID, status) && status != o.Status {
				e.log.Debug("stale order status ignored",
					zap.String("order_id", o.OrderID),
					zap.String("registry", string(o.Status)),
					zap.String("indexer", string(status)),
				)
			}
		}
	}
	if height, err := e.node.LatestBlockHeight(ctx); err == nil {
		if n := e.registry.Prune(height); n > 0 {
			e.log.Debug("expired bindings pruned", zap.Int("count", n), zap.Int64("height", height))
		}
	}
	e.metrics.RegistrySize.Set(float64(e.registry.Len()))
	return nil
}

func (e *Engine) latestOrders(ctx context.Context, ticker string) ([]indexer.Order, error) {
	var orders []indexer.Order
	err := e.retry(ctx, func() error {
		var err error
		orders, err = e.indexer.GetSubaccountOrders(ctx, indexer.OrdersQuery{Ticker: ticker, ReturnLatestOrders: true})
		return err
	})
	return orders, err
}

func (e *Engine) getOrder(ctx context.Context, orderID string) (indexer.Order, error) {
	var order indexer.Order
	err := e.retry(ctx, func() error {
		var err error
		order, err = e.indexer.GetOrder(ctx, orderID)
		return err
	})
	return order, err
}

// retry repeats fn while it fails with a transient indexer error.
func (e *Engine) retry(ctx context.Context, fn func() error) error {
	eb := backoff.NewExponentialBackOff()
	if e.cfg.QueryBackoff > 0 {
		eb.InitialInterval = e.cfg.QueryBackoff
	}
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(max(e.cfg.QueryRetries, 0))), ctx)
	return backoff.RetryNotify(func() error {
		err := fn()
		if err != nil && !indexer.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		e.metrics.IndexerRetries.Inc()
		e.log.Debug("indexer query retry", zap.Duration("wait", wait), zap.Error(err))
	})
}

func (e *Engine) nextClientID(clob int) uint32 {
	id := e.clientID()
	for i := 0; i < 8 && e.registry.Bound(SubmissionKey{ClientID: id, ClobPairID: clob}); i++ {
		id = e.clientID()
	}
	return id
}

func (e *Engine) goodTilBlock(ctx context.Context) (int64, error) {
	height, err := e.node.LatestBlockHeight(ctx)
	if err != nil {
		return 0, fmt.Errorf("block height: %w", err)
	}
	return height + 1 + e.cfg.GoodTilBlockMargin, nil
}

// findSubmission returns the first order matching key. Orders arrive newest
// first so the first hit is the most recent.
func findSubmission(orders []indexer.Order, key SubmissionKey, height int64) (indexer.Order, bool) {
	for _, o := range orders {
		// expired before the submission was made, so it is an older order
		if gtb := o.GoodTilBlockValue(); gtb > 0 && gtb < height {
			continue
		}
		clientID, ok := o.ClientIDValue()
		if !ok || clientID != key.ClientID {
			continue
		}
		clob, ok := o.ClobPairIDValue()
		if !ok || clob != key.ClobPairID {
			continue
		}
		return o, true
	}
	return indexer.Order{}, false
}

func validateIntent(intent OrderIntent) error {
	switch {
	case intent.Market == "":
		return errors.New("market is required")
	case !intent.Side.Valid():
		return fmt.Errorf("invalid side %q", intent.Side)
	case intent.Size.Sign() <= 0:
		return errors.New("size must be positive")
	case intent.Price.Sign() <= 0:
		return errors.New("price must be positive")
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
