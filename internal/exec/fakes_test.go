package exec

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"dydx-pairs-bot/internal/dydx/indexer"
	"dydx-pairs-bot/internal/market"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fakeNode struct {
	mu        sync.Mutex
	height    int64
	heightErr error
	submitAck Ack
	submitErr error
	cancelAck Ack
	cancelErr error
	submitted []Submission
	canceled  []OrderRef
	onSubmit  func(Submission)
}

func newFakeNode() *fakeNode {
	return &fakeNode{height: 1000, submitAck: Ack{Accepted: true, TxHash: "TX"}, cancelAck: Ack{Accepted: true}}
}

func (n *fakeNode) LatestBlockHeight(context.Context) (int64, error) {
	return n.height, n.heightErr
}

func (n *fakeNode) SubmitOrder(_ context.Context, sub Submission) (Ack, error) {
	n.mu.Lock()
	n.submitted = append(n.submitted, sub)
	hook := n.onSubmit
	n.mu.Unlock()
	if hook != nil {
		hook(sub)
	}
	return n.submitAck, n.submitErr
}

func (n *fakeNode) CancelOrder(_ context.Context, ref OrderRef, _ int64) (Ack, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.canceled = append(n.canceled, ref)
	return n.cancelAck, n.cancelErr
}

type fakeIndexer struct {
	mu          sync.Mutex
	orders      []indexer.Order
	byID        map[string]indexer.Order
	listErrs    []error
	getErr      map[string]error
	listCalls   int
	getCalls    int
	lastQueries []indexer.OrdersQuery
}

func newFakeIndexer() *fakeIndexer {
	return &fakeIndexer{byID: make(map[string]indexer.Order), getErr: make(map[string]error)}
}

func (f *fakeIndexer) add(o indexer.Order) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = append([]indexer.Order{o}, f.orders...)
	f.byID[o.ID] = o
}

func (f *fakeIndexer) GetOrder(_ context.Context, id string) (indexer.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if err := f.getErr[id]; err != nil {
		return indexer.Order{}, err
	}
	o, ok := f.byID[id]
	if !ok {
		return indexer.Order{}, &indexer.HTTPError{Status: 404, Body: "not found"}
	}
	return o, nil
}

func (f *fakeIndexer) GetSubaccountOrders(_ context.Context, q indexer.OrdersQuery) ([]indexer.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	f.lastQueries = append(f.lastQueries, q)
	if len(f.listErrs) > 0 {
		err := f.listErrs[0]
		f.listErrs = f.listErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	var out []indexer.Order
	for _, o := range f.orders {
		if q.Ticker != "" && o.Ticker != q.Ticker {
			continue
		}
		if q.Status != "" && o.Status != q.Status {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

func (f *fakeIndexer) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls + f.getCalls
}

type fakeMarkets map[string]market.Market

func (m fakeMarkets) Lookup(_ context.Context, ticker string) (market.Market, error) {
	mk, ok := m[ticker]
	if !ok {
		return market.Market{}, market.ErrUnknownMarket
	}
	return mk, nil
}

func testMarkets() fakeMarkets {
	return fakeMarkets{
		"ETH-USD": {Ticker: "ETH-USD", ClobPairID: 1, Status: "ACTIVE", TickSize: dec("0.1"), StepSize: dec("0.001")},
		"BTC-USD": {Ticker: "BTC-USD", ClobPairID: 0, Status: "ACTIVE", TickSize: dec("1"), StepSize: dec("0.0001")},
		"SOL-USD": {Ticker: "SOL-USD", ClobPairID: 5, Status: "ACTIVE", TickSize: dec("0.01"), StepSize: dec("0.1")},
	}
}

func indexerOrder(id string, clientID uint32, clob int, ticker string, status indexer.OrderStatus, height int64) indexer.Order {
	return indexer.Order{
		ID:              id,
		ClientID:        strconv.FormatUint(uint64(clientID), 10),
		ClobPairID:      strconv.Itoa(clob),
		Ticker:          ticker,
		Side:            "BUY",
		Size:            dec("1"),
		Price:           dec("100"),
		Status:          status,
		OrderFlags:      "0",
		CreatedAtHeight: strconv.FormatInt(height, 10),
	}
}

// landOnSubmit makes every accepted submission visible in the indexer.
func landOnSubmit(node *fakeNode, idx *fakeIndexer) {
	var seq int
	node.onSubmit = func(sub Submission) {
		seq++
		idx.add(indexerOrder("ord-"+strconv.Itoa(seq), sub.Intent.ClientID, sub.ClobPairID, sub.Intent.Market, indexer.StatusOpen, node.height+int64(seq)))
	}
}

func newTestEngine(node *fakeNode, idx *fakeIndexer) *Engine {
	e := NewEngine(node, idx, testMarkets(), Config{
		GoodTilBlockMargin: 10,
		PollAttempts:       1,
		QueryRetries:       2,
		QueryBackoff:       time.Millisecond,
	}, nil, zap.NewNop())
	e.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return e
}

func fixedClientIDs(ids ...uint32) func() uint32 {
	var i int
	return func() uint32 {
		id := ids[i%len(ids)]
		i++
		return id
	}
}

var errBoom = errors.New("boom")
