package exec

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"dydx-pairs-bot/internal/dydx/indexer"
	"dydx-pairs-bot/internal/market"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

type TimeInForce string

const (
	TimeInForceUnspecified TimeInForce = "UNSPECIFIED"
	TimeInForceIOC         TimeInForce = "IOC"
	TimeInForcePostOnly    TimeInForce = "POST_ONLY"
	TimeInForceFillOrKill  TimeInForce = "FILL_OR_KILL"
)

func ParseTimeInForce(s string) (TimeInForce, error) {
	switch tif := TimeInForce(strings.ToUpper(strings.TrimSpace(s))); tif {
	case "":
		return TimeInForceUnspecified, nil
	case TimeInForceUnspecified, TimeInForceIOC, TimeInForcePostOnly, TimeInForceFillOrKill:
		return tif, nil
	}
	return "", fmt.Errorf("unsupported time in force %q", s)
}

// OrderIntent is what the caller wants placed. ClientID is assigned by the
// engine at submission.
type OrderIntent struct {
	Market      string
	Side        Side
	Size        decimal.Decimal
	Price       decimal.Decimal
	ReduceOnly  bool
	ClientID    uint32
	TimeInForce TimeInForce
}

func (i OrderIntent) Notional() decimal.Decimal {
	return i.Size.Mul(i.Price).Abs()
}

// SubmissionResult says the node acknowledged a broadcast. It implies
// nothing about matching or indexer visibility. BroadcastErr is set when
// the node outcome is unknown and the order may still have landed.
type SubmissionResult struct {
	Acknowledged bool
	BroadcastErr error
	Height       int64
	GoodTilBlock int64
	ClobPairID   int
	TxHash       string
	Intent       OrderIntent
}

type Status string

const (
	StatusOpen               Status = "OPEN"
	StatusFilled             Status = "FILLED"
	StatusCanceled           Status = "CANCELED"
	StatusBestEffortCanceled Status = "BEST_EFFORT_CANCELED"
	StatusUnknown            Status = "UNKNOWN"
)

// Terminal reports whether no further cancel can affect the order.
func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusBestEffortCanceled:
		return true
	}
	return false
}

func MapStatus(s indexer.OrderStatus) Status {
	switch s {
	case indexer.StatusOpen, indexer.StatusUntriggered, indexer.StatusBestEffortOpened:
		return StatusOpen
	case indexer.StatusFilled:
		return StatusFilled
	case indexer.StatusCanceled:
		return StatusCanceled
	case indexer.StatusBestEffortCanceled:
		return StatusBestEffortCanceled
	}
	return StatusUnknown
}

type ReconciledOrder struct {
	OrderID         string
	ClientID        uint32
	ClobPairID      int
	OrderFlags      uint32
	Market          string
	Side            Side
	Size            decimal.Decimal
	Price           decimal.Decimal
	ReduceOnly      bool
	Status          Status
	CreatedAtHeight int64
	GoodTilBlock    int64
}

func (o ReconciledOrder) Key() SubmissionKey {
	return SubmissionKey{ClientID: o.ClientID, ClobPairID: o.ClobPairID}
}

// SubmissionKey identifies a submission on the exchange side.
type SubmissionKey struct {
	ClientID   uint32
	ClobPairID int
}

func (k SubmissionKey) String() string {
	return strconv.FormatUint(uint64(k.ClientID), 10) + "/" + strconv.Itoa(k.ClobPairID)
}

func fromIndexerOrder(o indexer.Order) ReconciledOrder {
	clientID, _ := o.ClientIDValue()
	clob, _ := o.ClobPairIDValue()
	flags, _ := strconv.ParseUint(strings.TrimSpace(o.OrderFlags), 10, 32)
	return ReconciledOrder{
		OrderID:         o.ID,
		ClientID:        clientID,
		ClobPairID:      clob,
		OrderFlags:      uint32(flags),
		Market:          o.Ticker,
		Side:            Side(strings.ToUpper(o.Side)),
		Size:            o.Size,
		Price:           o.Price,
		ReduceOnly:      o.ReduceOnly,
		Status:          MapStatus(o.Status),
		CreatedAtHeight: o.CreatedAtHeightValue(),
		GoodTilBlock:    o.GoodTilBlockValue(),
	}
}

// Submission is a place request after market resolution.
type Submission struct {
	Intent       OrderIntent
	ClobPairID   int
	GoodTilBlock int64
}

// OrderRef addresses an existing order for cancellation.
type OrderRef struct {
	Market     string
	ClientID   uint32
	ClobPairID int
	OrderFlags uint32
}

// Ack is the node's answer to a broadcast. A non-accepted Ack is a
// definitive rejection; an error from the Node means the outcome is unknown.
type Ack struct {
	Accepted  bool
	TxHash    string
	Height    int64
	Code      uint32
	Codespace string
	Log       string
}

type Node interface {
	LatestBlockHeight(ctx context.Context) (int64, error)
	SubmitOrder(ctx context.Context, sub Submission) (Ack, error)
	CancelOrder(ctx context.Context, ref OrderRef, goodTilBlock int64) (Ack, error)
}

type Indexer interface {
	GetOrder(ctx context.Context, orderID string) (indexer.Order, error)
	GetSubaccountOrders(ctx context.Context, q indexer.OrdersQuery) ([]indexer.Order, error)
}

type Markets interface {
	Lookup(ctx context.Context, ticker string) (market.Market, error)
}
