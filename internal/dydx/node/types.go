package node

import "encoding/json"

type Side int32

const (
	SideBuy  Side = 1
	SideSell Side = 2
)

type TimeInForce int32

const (
	TimeInForceUnspecified TimeInForce = 0
	TimeInForceIOC         TimeInForce = 1
	TimeInForcePostOnly    TimeInForce = 2
	TimeInForceFillOrKill  TimeInForce = 3
)

// OrderFlagsShortTerm marks orders that live until their good-til-block and
// are never written to state; all orders placed by this bot are short-term.
const OrderFlagsShortTerm uint32 = 0

// MaxClientID bounds the client id space.
const MaxClientID uint32 = 1<<32 - 1

type OrderID struct {
	Owner      string
	Subaccount uint32
	ClientID   uint32
	OrderFlags uint32
	ClobPairID uint32
}

type PlaceOrderMsg struct {
	OrderID      OrderID
	Side         Side
	Size         string
	Price        string
	TimeInForce  TimeInForce
	ReduceOnly   bool
	GoodTilBlock uint32
}

type CancelOrderMsg struct {
	OrderID      OrderID
	GoodTilBlock uint32
}

// Ack is the node's mempool verdict on a broadcast. Code zero means the
// transaction was accepted for inclusion; it says nothing about matching.
type Ack struct {
	Code      uint32
	Codespace string
	Log       string
	Hash      string
	Height    int64
}

func (a Ack) Accepted() bool {
	return a.Code == 0
}

type rpcRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      int64          `json:"id"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type broadcastResult struct {
	Code      uint32 `json:"code"`
	Codespace string `json:"codespace"`
	Log       string `json:"log"`
	Hash      string `json:"hash"`
}

type statusResult struct {
	SyncInfo struct {
		LatestBlockHeight string `json:"latest_block_height"`
	} `json:"sync_info"`
}
