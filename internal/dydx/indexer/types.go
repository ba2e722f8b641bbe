package indexer

import (
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	StatusOpen               OrderStatus = "OPEN"
	StatusFilled             OrderStatus = "FILLED"
	StatusCanceled           OrderStatus = "CANCELED"
	StatusBestEffortCanceled OrderStatus = "BEST_EFFORT_CANCELED"
	StatusBestEffortOpened   OrderStatus = "BEST_EFFORT_OPENED"
	StatusUntriggered        OrderStatus = "UNTRIGGERED"
)

// Order mirrors the indexer order record. Numeric identifiers arrive as
// strings and are parsed on demand.
type Order struct {
	ID              string          `json:"id"`
	SubaccountID    string          `json:"subaccountId"`
	ClientID        string          `json:"clientId"`
	ClobPairID      string          `json:"clobPairId"`
	Side            string          `json:"side"`
	Size            decimal.Decimal `json:"size"`
	TotalFilled     decimal.Decimal `json:"totalFilled"`
	Price           decimal.Decimal `json:"price"`
	Type            string          `json:"type"`
	Status          OrderStatus     `json:"status"`
	TimeInForce     string          `json:"timeInForce"`
	ReduceOnly      bool            `json:"reduceOnly"`
	OrderFlags      string          `json:"orderFlags"`
	GoodTilBlock    string          `json:"goodTilBlock"`
	CreatedAtHeight string          `json:"createdAtHeight"`
	Ticker          string          `json:"ticker"`
}

func (o Order) ClientIDValue() (uint32, bool) {
	v, err := strconv.ParseUint(strings.TrimSpace(o.ClientID), 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}

func (o Order) ClobPairIDValue() (int, bool) {
	v, err := strconv.Atoi(strings.TrimSpace(o.ClobPairID))
	if err != nil {
		return 0, false
	}
	return v, true
}

func (o Order) CreatedAtHeightValue() int64 {
	v, _ := strconv.ParseInt(strings.TrimSpace(o.CreatedAtHeight), 10, 64)
	return v
}

func (o Order) GoodTilBlockValue() int64 {
	v, _ := strconv.ParseInt(strings.TrimSpace(o.GoodTilBlock), 10, 64)
	return v
}

type PositionSide string

const (
	SideLong  PositionSide = "LONG"
	SideShort PositionSide = "SHORT"
)

type Position struct {
	Market     string          `json:"market"`
	Status     string          `json:"status"`
	Side       PositionSide    `json:"side"`
	Size       decimal.Decimal `json:"size"`
	MaxSize    decimal.Decimal `json:"maxSize"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
	SumOpen    decimal.Decimal `json:"sumOpen"`
	SumClose   decimal.Decimal `json:"sumClose"`
}

type Subaccount struct {
	Address                string              `json:"address"`
	SubaccountNumber       int                 `json:"subaccountNumber"`
	Equity                 decimal.Decimal     `json:"equity"`
	FreeCollateral         decimal.Decimal     `json:"freeCollateral"`
	OpenPerpetualPositions map[string]Position `json:"openPerpetualPositions"`
}

type PerpetualMarket struct {
	Ticker      string          `json:"ticker"`
	ClobPairID  string          `json:"clobPairId"`
	Status      string          `json:"status"`
	TickSize    decimal.Decimal `json:"tickSize"`
	StepSize    decimal.Decimal `json:"stepSize"`
	OraclePrice decimal.Decimal `json:"oraclePrice"`
}

type Height struct {
	Height string `json:"height"`
	Time   string `json:"time"`
}

// OrdersQuery filters GetSubaccountOrders. Empty fields are omitted.
type OrdersQuery struct {
	Ticker             string
	Status             OrderStatus
	ReturnLatestOrders bool
	Limit              int
}
