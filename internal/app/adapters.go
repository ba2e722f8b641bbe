package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dydx-pairs-bot/internal/dydx/node"
	"dydx-pairs-bot/internal/exec"
	"dydx-pairs-bot/internal/journal"
	"dydx-pairs-bot/internal/liquidation"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type heightSource interface {
	Height(maxAge time.Duration) (int64, bool)
}

type broadcaster interface {
	LatestBlockHeight(ctx context.Context) (int64, error)
	PlaceOrder(ctx context.Context, msg node.PlaceOrderMsg) (node.Ack, error)
	CancelOrder(ctx context.Context, msg node.CancelOrderMsg) (node.Ack, error)
}

// nodeAdapter turns the node client's error-based rejections into the
// engine's Ack form. Only outcomes that may have reached the mempool stay
// errors.
type nodeAdapter struct {
	client     broadcaster
	heights    heightSource
	maxAge     time.Duration
	owner      string
	subaccount uint32
	log        *zap.Logger
}

func (n *nodeAdapter) LatestBlockHeight(ctx context.Context) (int64, error) {
	if n.heights != nil {
		if height, ok := n.heights.Height(n.maxAge); ok {
			return height, nil
		}
	}
	return n.client.LatestBlockHeight(ctx)
}

func (n *nodeAdapter) SubmitOrder(ctx context.Context, sub exec.Submission) (exec.Ack, error) {
	gtb, err := toBlock(sub.GoodTilBlock)
	if err != nil {
		return localReject(err), nil
	}
	side, err := toNodeSide(sub.Intent.Side)
	if err != nil {
		return localReject(err), nil
	}
	msg := node.PlaceOrderMsg{
		OrderID:      n.orderID(sub.Intent.ClientID, sub.ClobPairID, node.OrderFlagsShortTerm),
		Side:         side,
		Size:         sub.Intent.Size.String(),
		Price:        sub.Intent.Price.String(),
		TimeInForce:  toNodeTimeInForce(sub.Intent.TimeInForce),
		ReduceOnly:   sub.Intent.ReduceOnly,
		GoodTilBlock: gtb,
	}
	ack, err := n.client.PlaceOrder(ctx, msg)
	return n.toAck(ctx, ack, err)
}

func (n *nodeAdapter) CancelOrder(ctx context.Context, ref exec.OrderRef, goodTilBlock int64) (exec.Ack, error) {
	gtb, err := toBlock(goodTilBlock)
	if err != nil {
		return localReject(err), nil
	}
	msg := node.CancelOrderMsg{
		OrderID:      n.orderID(ref.ClientID, ref.ClobPairID, ref.OrderFlags),
		GoodTilBlock: gtb,
	}
	ack, err := n.client.CancelOrder(ctx, msg)
	return n.toAck(ctx, ack, err)
}

func (n *nodeAdapter) orderID(clientID uint32, clob int, flags uint32) node.OrderID {
	return node.OrderID{
		Owner:      n.owner,
		Subaccount: n.subaccount,
		ClientID:   clientID,
		OrderFlags: flags,
		ClobPairID: uint32(clob),
	}
}

func (n *nodeAdapter) toAck(ctx context.Context, ack node.Ack, err error) (exec.Ack, error) {
	if err == nil {
		return exec.Ack{Accepted: true, TxHash: ack.Hash, Height: ack.Height}, nil
	}
	var rejected *node.RejectedError
	if errors.As(err, &rejected) {
		return exec.Ack{
			TxHash:    ack.Hash,
			Code:      rejected.Code,
			Codespace: rejected.Codespace,
			Log:       rejected.Log,
		}, nil
	}
	if errors.Is(err, node.ErrUnknownOutcome) || ctx.Err() != nil {
		return exec.Ack{}, err
	}
	// Encoding and signing failures happen before anything is sent.
	n.log.Warn("order not broadcast", zap.Error(err))
	return localReject(err), nil
}

func localReject(err error) exec.Ack {
	return exec.Ack{Codespace: "client", Log: err.Error()}
}

func toBlock(height int64) (uint32, error) {
	if height <= 0 || height > int64(^uint32(0)) {
		return 0, fmt.Errorf("good til block %d out of range", height)
	}
	return uint32(height), nil
}

func toNodeSide(side exec.Side) (node.Side, error) {
	switch side {
	case exec.SideBuy:
		return node.SideBuy, nil
	case exec.SideSell:
		return node.SideSell, nil
	}
	return 0, fmt.Errorf("unsupported side %q", side)
}

func toNodeTimeInForce(tif exec.TimeInForce) node.TimeInForce {
	switch tif {
	case exec.TimeInForceIOC:
		return node.TimeInForceIOC
	case exec.TimeInForcePostOnly:
		return node.TimeInForcePostOnly
	case exec.TimeInForceFillOrKill:
		return node.TimeInForceFillOrKill
	}
	return node.TimeInForceUnspecified
}

var (
	_ exec.Node          = (*nodeAdapter)(nil)
	_ liquidation.Engine = (*journaledEngine)(nil)
)

// journaledEngine records every order action in the journal. It is what
// the liquidation orchestrator and the admin surfaces talk to.
type journaledEngine struct {
	engine  *exec.Engine
	journal *journal.Writer
	now     func() time.Time
}

func newJournaledEngine(engine *exec.Engine, w *journal.Writer) *journaledEngine {
	return &journaledEngine{engine: engine, journal: w, now: func() time.Time { return time.Now().UTC() }}
}

func (j *journaledEngine) SubmitAndReconcile(ctx context.Context, intent exec.OrderIntent) (exec.ReconciledOrder, error) {
	order, err := j.engine.SubmitAndReconcile(ctx, intent)
	ev := journal.OrderEvent{
		Time:   j.now(),
		Kind:   "submit",
		Market: intent.Market,
		Side:   string(intent.Side),
		Size:   intent.Size.String(),
		Price:  intent.Price.String(),
	}
	if err != nil {
		var failure *exec.ReconciliationFailure
		if errors.As(err, &failure) {
			ev.Outcome = string(failure.Reason)
			ev.ClientID = failure.ClientID
		} else {
			ev.Outcome = "error"
		}
		ev.Detail = err.Error()
	} else {
		ev.Outcome = "reconciled"
		ev.OrderID = order.OrderID
		ev.ClientID = order.ClientID
		ev.Size = decimalString(order.Size, ev.Size)
		ev.Price = decimalString(order.Price, ev.Price)
	}
	j.journal.RecordOrder(ev)
	return order, err
}

func (j *journaledEngine) Cancel(ctx context.Context, orderID string) (exec.CancelOutcome, error) {
	outcome, err := j.engine.Cancel(ctx, orderID)
	j.recordCancel(exec.CancelResult{OrderID: orderID, Outcome: outcome, Err: err})
	return outcome, err
}

func (j *journaledEngine) CancelAll(ctx context.Context) (exec.CancelSummary, error) {
	summary, err := j.engine.CancelAll(ctx)
	for _, res := range summary.Results {
		j.recordCancel(res)
	}
	return summary, err
}

func (j *journaledEngine) recordCancel(res exec.CancelResult) {
	ev := journal.OrderEvent{
		Time:    j.now(),
		Kind:    "cancel",
		Market:  res.Market,
		OrderID: res.OrderID,
		Outcome: res.Outcome.String(),
	}
	if res.Err != nil {
		ev.Detail = res.Err.Error()
	}
	j.journal.RecordOrder(ev)
}

func decimalString(v decimal.Decimal, fallback string) string {
	if v.IsZero() {
		return fallback
	}
	return v.String()
}
