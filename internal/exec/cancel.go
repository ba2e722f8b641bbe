package exec

import (
	"context"
	"errors"
	"fmt"

	"dydx-pairs-bot/internal/dydx/indexer"

	"go.uber.org/zap"
)

// CancelOutcome is ordered by severity: CANCELED < ALREADY_GONE < FAILED.
type CancelOutcome int

const (
	CancelCanceled CancelOutcome = iota
	CancelAlreadyGone
	CancelFailed
)

func (o CancelOutcome) String() string {
	switch o {
	case CancelCanceled:
		return "CANCELED"
	case CancelAlreadyGone:
		return "ALREADY_GONE"
	case CancelFailed:
		return "FAILED"
	}
	return fmt.Sprintf("CancelOutcome(%d)", int(o))
}

func (o CancelOutcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func WorstOutcome(a, b CancelOutcome) CancelOutcome {
	if b > a {
		return b
	}
	return a
}

type CancelResult struct {
	OrderID string
	Market  string
	Outcome CancelOutcome
	Err     error
}

type CancelSummary struct {
	Outcome CancelOutcome
	Results []CancelResult
}

func (s CancelSummary) Failed() []CancelResult {
	var out []CancelResult
	for _, r := range s.Results {
		if r.Outcome == CancelFailed {
			out = append(out, r)
		}
	}
	return out
}

// Cancel cancels one order by indexer id. Orders that are unknown or
// already terminal report CancelAlreadyGone rather than an error.
func (e *Engine) Cancel(ctx context.Context, orderID string) (CancelOutcome, error) {
	e.flow.Lock()
	defer e.flow.Unlock()

	order, ok := e.registry.Get(orderID)
	if !ok {
		fresh, err := e.getOrder(ctx, orderID)
		if errors.Is(err, indexer.ErrNotFound) {
			e.evict(orderID)
			return e.recordCancel(orderID, CancelAlreadyGone, nil)
		}
		if err != nil {
			return e.recordCancel(orderID, CancelFailed, fmt.Errorf("resolve order %s: %w", orderID, err))
		}
		order = fromIndexerOrder(fresh)
	}
	return e.cancelOrder(ctx, order)
}

// CancelAll cancels every open order of the subaccount. Each order is
// handled independently and the summary carries the worst outcome.
func (e *Engine) CancelAll(ctx context.Context) (CancelSummary, error) {
	e.flow.Lock()
	defer e.flow.Unlock()

	var open []indexer.Order
	err := e.retry(ctx, func() error {
		var err error
		open, err = e.indexer.GetSubaccountOrders(ctx, indexer.OrdersQuery{Status: indexer.StatusOpen})
		return err
	})
	if err != nil {
		return CancelSummary{Outcome: CancelFailed}, fmt.Errorf("list open orders: %w", err)
	}
	summary := CancelSummary{Outcome: CancelCanceled}
	for _, o := range open {
		order := fromIndexerOrder(o)
		outcome, err := e.cancelOrder(ctx, order)
		summary.Results = append(summary.Results, CancelResult{
			OrderID: order.OrderID,
			Market:  order.Market,
			Outcome: outcome,
			Err:     err,
		})
		summary.Outcome = WorstOutcome(summary.Outcome, outcome)
	}
	e.log.Info("cancel all finished",
		zap.Int("orders", len(open)),
		zap.Stringer("outcome", summary.Outcome),
		zap.Int("failed", len(summary.Failed())),
	)
	return summary, nil
}

func (e *Engine) cancelOrder(ctx context.Context, order ReconciledOrder) (CancelOutcome, error) {
	if order.Status.Terminal() {
		return e.recordCancel(order.OrderID, CancelAlreadyGone, nil)
	}
	gtb, err := e.goodTilBlock(ctx)
	if err != nil {
		return e.recordCancel(order.OrderID, CancelFailed, err)
	}
	ref := OrderRef{
		Market:     order.Market,
		ClientID:   order.ClientID,
		ClobPairID: order.ClobPairID,
		OrderFlags: order.OrderFlags,
	}
	ack, err := e.node.CancelOrder(ctx, ref, gtb)
	if err != nil {
		return e.recordCancel(order.OrderID, CancelFailed, fmt.Errorf("cancel %s: %w", order.OrderID, err))
	}
	if ack.Accepted {
		e.registry.UpdateStatus(order.OrderID, StatusBestEffortCanceled)
		return e.recordCancel(order.OrderID, CancelCanceled, nil)
	}

	// A rejected cancel is usually a race with a fill or an earlier cancel.
	fresh, err := e.getOrder(ctx, order.OrderID)
	if errors.Is(err, indexer.ErrNotFound) {
		e.evict(order.OrderID)
		return e.recordCancel(order.OrderID, CancelAlreadyGone, nil)
	}
	if err == nil {
		status := MapStatus(fresh.Status)
		if status.Terminal() {
			e.registry.UpdateStatus(order.OrderID, status)
			return e.recordCancel(order.OrderID, CancelAlreadyGone, nil)
		}
	}
	rejected := &CancelRejectedError{OrderID: order.OrderID, Code: ack.Code, Codespace: ack.Codespace, Log: ack.Log}
	if err != nil {
		return e.recordCancel(order.OrderID, CancelFailed, errors.Join(rejected, err))
	}
	return e.recordCancel(order.OrderID, CancelFailed, rejected)
}

func (e *Engine) evict(orderID string) {
	if e.registry.Evict(orderID) {
		e.metrics.RegistryEvictions.Inc()
		e.metrics.RegistrySize.Set(float64(e.registry.Len()))
	}
}

func (e *Engine) recordCancel(orderID string, outcome CancelOutcome, err error) (CancelOutcome, error) {
	switch outcome {
	case CancelCanceled:
		e.metrics.CancelsCanceled.Inc()
		e.log.Info("order canceled", zap.String("order_id", orderID))
	case CancelAlreadyGone:
		e.metrics.CancelsAlreadyGone.Inc()
		e.log.Info("order already gone", zap.String("order_id", orderID))
	case CancelFailed:
		e.metrics.CancelsFailed.Inc()
		e.log.Warn("order cancel failed", zap.String("order_id", orderID), zap.Error(err))
	}
	return outcome, err
}
