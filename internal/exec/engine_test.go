package exec

import (
	"context"
	"errors"
	"testing"
	"time"

	"dydx-pairs-bot/internal/dydx/indexer"
)

func buyIntent() OrderIntent {
	return OrderIntent{Market: "ETH-USD", Side: SideBuy, Size: dec("1.0004"), Price: dec("2000.04")}
}

func TestSubmitAndReconcileBindsSubmission(t *testing.T) {
	node := newFakeNode()
	idx := newFakeIndexer()
	landOnSubmit(node, idx)
	e := newTestEngine(node, idx)
	e.clientID = fixedClientIDs(42)

	order, err := e.SubmitAndReconcile(context.Background(), buyIntent())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if order.OrderID != "ord-1" || order.ClientID != 42 || order.ClobPairID != 1 || order.Status != StatusOpen {
		t.Fatalf("unexpected order: %+v", order)
	}
	if len(node.submitted) != 1 {
		t.Fatalf("expected one submission, got %d", len(node.submitted))
	}
	sub := node.submitted[0]
	if sub.GoodTilBlock != 1011 {
		t.Fatalf("expected good til block 1011, got %d", sub.GoodTilBlock)
	}
	if !sub.Intent.Price.Equal(dec("2000.0")) || !sub.Intent.Size.Equal(dec("1.000")) {
		t.Fatalf("expected rounded price and size, got %s %s", sub.Intent.Price, sub.Intent.Size)
	}
	if sub.Intent.TimeInForce != TimeInForceUnspecified {
		t.Fatalf("expected default time in force, got %q", sub.Intent.TimeInForce)
	}
	if q := idx.lastQueries[0]; q.Ticker != "ETH-USD" || !q.ReturnLatestOrders {
		t.Fatalf("unexpected indexer query: %+v", q)
	}
	if got, ok := e.Registry().Get("ord-1"); !ok || got.ClientID != 42 {
		t.Fatalf("expected registry entry, got %+v (%v)", got, ok)
	}
}

func TestSubmitAndReconcileMatchesClientAndClob(t *testing.T) {
	node := newFakeNode()
	idx := newFakeIndexer()
	idx.add(indexerOrder("other-clob", 777, 6, "SOL-USD", indexer.StatusOpen, 900))
	idx.add(indexerOrder("mine", 777, 5, "SOL-USD", indexer.StatusOpen, 901))
	idx.add(indexerOrder("theirs", 888, 5, "SOL-USD", indexer.StatusOpen, 902))
	e := newTestEngine(node, idx)
	e.clientID = fixedClientIDs(777)

	intent := OrderIntent{Market: "SOL-USD", Side: SideSell, Size: dec("3"), Price: dec("150")}
	order, err := e.SubmitAndReconcile(context.Background(), intent)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if order.OrderID != "mine" {
		t.Fatalf("expected to bind only client 777 on clob 5, got %s", order.OrderID)
	}
	if e.Registry().Len() != 1 {
		t.Fatalf("expected exactly one binding, got %d", e.Registry().Len())
	}
}

func TestSubmitRejectedSkipsIndexer(t *testing.T) {
	node := newFakeNode()
	node.submitAck = Ack{Accepted: false, Code: 3006, Codespace: "clob", Log: "insufficient margin"}
	idx := newFakeIndexer()
	e := newTestEngine(node, idx)

	_, err := e.SubmitAndReconcile(context.Background(), buyIntent())
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected rejected, got %v", err)
	}
	var failure *ReconciliationFailure
	if !errors.As(err, &failure) || failure.Code != 3006 || failure.Codespace != "clob" {
		t.Fatalf("expected rejection details, got %+v", failure)
	}
	if idx.calls() != 0 {
		t.Fatalf("expected zero indexer queries after rejection, got %d", idx.calls())
	}
}

func TestSubmitUnknownOutcomeStillReconciles(t *testing.T) {
	node := newFakeNode()
	node.submitErr = errors.New("node: outcome unknown")
	idx := newFakeIndexer()
	landOnSubmit(node, idx)
	e := newTestEngine(node, idx)

	order, err := e.SubmitAndReconcile(context.Background(), buyIntent())
	if err != nil {
		t.Fatalf("expected order found despite unknown outcome, got %v", err)
	}
	if order.OrderID == "" {
		t.Fatalf("expected bound order")
	}
}

func TestSubmitUnknownOutcomeUnresolvedWrapsNodeError(t *testing.T) {
	node := newFakeNode()
	nodeErr := errors.New("node: outcome unknown")
	node.submitErr = nodeErr
	e := newTestEngine(node, newFakeIndexer())

	_, err := e.SubmitAndReconcile(context.Background(), buyIntent())
	if !errors.Is(err, ErrUnresolved) || !errors.Is(err, nodeErr) {
		t.Fatalf("expected unresolved wrapping node error, got %v", err)
	}
}

func TestSubmitUnresolvedCarriesLastSeen(t *testing.T) {
	node := newFakeNode()
	idx := newFakeIndexer()
	idx.add(indexerOrder("old", 1, 1, "ETH-USD", indexer.StatusFilled, 10))
	idx.add(indexerOrder("new", 2, 1, "ETH-USD", indexer.StatusOpen, 20))
	e := newTestEngine(node, idx)
	e.cfg.PollAttempts = 3
	e.clientID = fixedClientIDs(99)

	_, err := e.SubmitAndReconcile(context.Background(), buyIntent())
	var failure *ReconciliationFailure
	if !errors.As(err, &failure) || failure.Reason != ReasonUnresolved {
		t.Fatalf("expected unresolved, got %v", err)
	}
	if len(failure.LastSeen) != 2 || failure.LastSeen[0].ID != "new" {
		t.Fatalf("expected last seen newest first, got %+v", failure.LastSeen)
	}
	if idx.listCalls != 3 {
		t.Fatalf("expected three poll attempts, got %d", idx.listCalls)
	}
	if e.Registry().Len() != 0 {
		t.Fatalf("expected no binding")
	}
}

func TestSubmitRetriesTransientIndexerErrors(t *testing.T) {
	node := newFakeNode()
	idx := newFakeIndexer()
	landOnSubmit(node, idx)
	idx.listErrs = []error{&indexer.HTTPError{Status: 503}, &indexer.HTTPError{Status: 429}}
	e := newTestEngine(node, idx)

	if _, err := e.SubmitAndReconcile(context.Background(), buyIntent()); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if idx.listCalls != 3 {
		t.Fatalf("expected 3 list calls, got %d", idx.listCalls)
	}
}

func TestSubmitSurfacesTransientAfterRetries(t *testing.T) {
	node := newFakeNode()
	idx := newFakeIndexer()
	idx.listErrs = []error{&indexer.HTTPError{Status: 502}, &indexer.HTTPError{Status: 502}, &indexer.HTTPError{Status: 502}}
	e := newTestEngine(node, idx)

	_, err := e.SubmitAndReconcile(context.Background(), buyIntent())
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected transient failure, got %v", err)
	}
}

func TestSubmitUnrecoverableIndexerError(t *testing.T) {
	node := newFakeNode()
	idx := newFakeIndexer()
	idx.listErrs = []error{&indexer.HTTPError{Status: 400, Body: "bad"}}
	e := newTestEngine(node, idx)

	_, err := e.SubmitAndReconcile(context.Background(), buyIntent())
	if !errors.Is(err, ErrUnrecoverable) {
		t.Fatalf("expected unrecoverable failure, got %v", err)
	}
	if idx.listCalls != 1 {
		t.Fatalf("expected no retry for 400, got %d calls", idx.listCalls)
	}
}

func TestSubmitRejectsInvalidIntent(t *testing.T) {
	node := newFakeNode()
	e := newTestEngine(node, newFakeIndexer())
	cases := []OrderIntent{
		{Side: SideBuy, Size: dec("1"), Price: dec("1")},
		{Market: "ETH-USD", Side: "HOLD", Size: dec("1"), Price: dec("1")},
		{Market: "ETH-USD", Side: SideBuy, Size: dec("0"), Price: dec("1")},
		{Market: "ETH-USD", Side: SideBuy, Size: dec("0.0001"), Price: dec("1")},
		{Market: "DOGE-USD", Side: SideBuy, Size: dec("1"), Price: dec("1")},
	}
	for i, intent := range cases {
		if _, err := e.SubmitAndReconcile(context.Background(), intent); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
	if len(node.submitted) != 0 {
		t.Fatalf("expected nothing broadcast, got %d", len(node.submitted))
	}
}

func TestSubmitHeightFailureIsTransient(t *testing.T) {
	node := newFakeNode()
	node.heightErr = errBoom
	e := newTestEngine(node, newFakeIndexer())
	if _, err := e.SubmitAndReconcile(context.Background(), buyIntent()); !errors.Is(err, ErrTransient) {
		t.Fatalf("expected transient failure, got %v", err)
	}
	if len(node.submitted) != 0 {
		t.Fatalf("expected no broadcast without a height")
	}
}

func TestSettleDelayHonoursContext(t *testing.T) {
	node := newFakeNode()
	idx := newFakeIndexer()
	e := newTestEngine(node, idx)
	e.sleep = sleepCtx
	e.cfg.SettleDelay = time.Hour
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := e.SubmitAndReconcile(ctx, buyIntent())
	if !errors.Is(err, ErrUnresolved) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected unresolved deadline error, got %v", err)
	}
	if idx.calls() != 0 {
		t.Fatalf("expected no indexer query before settle delay elapsed")
	}
}

func TestClientIDAvoidsBoundKeys(t *testing.T) {
	node := newFakeNode()
	idx := newFakeIndexer()
	landOnSubmit(node, idx)
	e := newTestEngine(node, idx)
	e.clientID = fixedClientIDs(5, 5, 6)

	first, err := e.SubmitAndReconcile(context.Background(), buyIntent())
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := e.SubmitAndReconcile(context.Background(), buyIntent())
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if first.ClientID != 5 || second.ClientID != 6 {
		t.Fatalf("expected client ids 5 then 6, got %d and %d", first.ClientID, second.ClientID)
	}
}

func TestRefreshEvictsAndUpdates(t *testing.T) {
	node := newFakeNode()
	idx := newFakeIndexer()
	e := newTestEngine(node, idx)
	for _, o := range []ReconciledOrder{
		{OrderID: "gone", ClientID: 1, ClobPairID: 1, Status: StatusOpen},
		{OrderID: "filled", ClientID: 2, ClobPairID: 1, Status: StatusOpen},
		{OrderID: "flaky", ClientID: 3, ClobPairID: 1, Status: StatusOpen},
	} {
		if _, err := e.Registry().Bind(o); err != nil {
			t.Fatalf("bind: %v", err)
		}
	}
	idx.add(indexerOrder("filled", 2, 1, "ETH-USD", indexer.StatusFilled, 5))
	idx.getErr["flaky"] = &indexer.HTTPError{Status: 500}

	if err := e.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, ok := e.Registry().Get("gone"); ok {
		t.Fatalf("expected not-found order evicted")
	}
	if o, _ := e.Registry().Get("filled"); o.Status != StatusFilled {
		t.Fatalf("expected filled status, got %s", o.Status)
	}
	if o, ok := e.Registry().Get("flaky"); !ok || o.Status != StatusOpen {
		t.Fatalf("expected transient failure to leave entry untouched, got %+v (%v)", o, ok)
	}
}

func TestMapStatus(t *testing.T) {
	cases := map[indexer.OrderStatus]Status{
		indexer.StatusOpen:               StatusOpen,
		indexer.StatusUntriggered:        StatusOpen,
		indexer.StatusBestEffortOpened:   StatusOpen,
		indexer.StatusFilled:             StatusFilled,
		indexer.StatusCanceled:           StatusCanceled,
		indexer.StatusBestEffortCanceled: StatusBestEffortCanceled,
		"SOMETHING_NEW":                  StatusUnknown,
	}
	for in, want := range cases {
		if got := MapStatus(in); got != want {
			t.Fatalf("%s: expected %s, got %s", in, want, got)
		}
	}
}
