package node

import (
	"bytes"
	"errors"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	msgTypePlaceOrder  = "place_order"
	msgTypeCancelOrder = "cancel_order"
)

// EncodePlaceOrder produces the canonical byte form that is signed. Keys are
// written in a fixed order so identical messages always hash identically.
func EncodePlaceOrder(chainID string, msg PlaceOrderMsg) ([]byte, error) {
	if msg.OrderID.Owner == "" {
		return nil, errors.New("order owner is required")
	}
	if msg.Side != SideBuy && msg.Side != SideSell {
		return nil, errors.New("order side is required")
	}
	if msg.Size == "" || msg.Price == "" {
		return nil, errors.New("order size and price are required")
	}
	if msg.GoodTilBlock == 0 {
		return nil, errors.New("good til block is required")
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	w := &mapWriter{enc: enc}
	w.header(3)
	w.str("chain_id", chainID)
	w.str("type", msgTypePlaceOrder)
	w.key("msg")
	w.header(7)
	w.key("order_id")
	encodeOrderID(w, msg.OrderID)
	w.int("side", int64(msg.Side))
	w.str("size", msg.Size)
	w.str("price", msg.Price)
	w.int("time_in_force", int64(msg.TimeInForce))
	w.bool("reduce_only", msg.ReduceOnly)
	w.uint("good_til_block", uint64(msg.GoodTilBlock))
	if w.err != nil {
		return nil, w.err
	}
	return buf.Bytes(), nil
}

func EncodeCancelOrder(chainID string, msg CancelOrderMsg) ([]byte, error) {
	if msg.OrderID.Owner == "" {
		return nil, errors.New("order owner is required")
	}
	if msg.GoodTilBlock == 0 {
		return nil, errors.New("good til block is required")
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	w := &mapWriter{enc: enc}
	w.header(3)
	w.str("chain_id", chainID)
	w.str("type", msgTypeCancelOrder)
	w.key("msg")
	w.header(2)
	w.key("order_id")
	encodeOrderID(w, msg.OrderID)
	w.uint("good_til_block", uint64(msg.GoodTilBlock))
	if w.err != nil {
		return nil, w.err
	}
	return buf.Bytes(), nil
}

// EncodeTx wraps a signed payload into the broadcast envelope.
func EncodeTx(payload []byte, pubKey []byte, sig []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, errors.New("payload is required")
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	w := &mapWriter{enc: enc}
	w.header(3)
	w.bytes("body", payload)
	w.bytes("pub_key", pubKey)
	w.bytes("signature", sig)
	if w.err != nil {
		return nil, w.err
	}
	return buf.Bytes(), nil
}

func encodeOrderID(w *mapWriter, id OrderID) {
	w.header(5)
	w.str("owner", id.Owner)
	w.uint("subaccount", uint64(id.Subaccount))
	w.uint("client_id", uint64(id.ClientID))
	w.uint("order_flags", uint64(id.OrderFlags))
	w.uint("clob_pair_id", uint64(id.ClobPairID))
}

// mapWriter keeps the first encoding error so the call sites read as a flat
// list of fields.
type mapWriter struct {
	enc *msgpack.Encoder
	err error
}

func (w *mapWriter) header(n int) {
	if w.err != nil {
		return
	}
	w.err = w.enc.EncodeMapLen(n)
}

func (w *mapWriter) key(k string) {
	if w.err != nil {
		return
	}
	w.err = w.enc.EncodeString(k)
}

func (w *mapWriter) str(k, v string) {
	w.key(k)
	if w.err != nil {
		return
	}
	w.err = w.enc.EncodeString(v)
}

func (w *mapWriter) int(k string, v int64) {
	w.key(k)
	if w.err != nil {
		return
	}
	w.err = w.enc.EncodeInt(v)
}

func (w *mapWriter) uint(k string, v uint64) {
	w.key(k)
	if w.err != nil {
		return
	}
	w.err = w.enc.EncodeUint(v)
}

func (w *mapWriter) bool(k string, v bool) {
	w.key(k)
	if w.err != nil {
		return
	}
	w.err = w.enc.EncodeBool(v)
}

func (w *mapWriter) bytes(k string, v []byte) {
	w.key(k)
	if w.err != nil {
		return
	}
	w.err = w.enc.EncodeBytes(v)
}
