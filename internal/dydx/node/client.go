package node

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrUnknownOutcome is returned when a broadcast may or may not have reached
// the mempool (transport failure, 5xx). The order can still land.
var ErrUnknownOutcome = errors.New("node: broadcast outcome unknown")

// RejectedError is a definitive refusal by the node.
type RejectedError struct {
	Code      uint32
	Codespace string
	Log       string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("node rejected tx: codespace=%s code=%d: %s", e.Codespace, e.Code, e.Log)
}

// Client broadcasts signed order messages over CometBFT JSON-RPC.
//
// The tx body is a msgpack envelope signed with a secp256k1 key, not the
// chain's protobuf TxRaw with a Cosmos SignDoc. A real dYdX node rejects it
// at decode time; a protobuf encoder must replace EncodePlaceOrder,
// EncodeCancelOrder and Signer.SignTx before this talks to a live chain.
type Client struct {
	rpcURL  string
	chainID string
	http    *http.Client
	signer  *Signer
	log     *zap.Logger
	reqID   atomic.Int64
}

func NewClient(rpcURL, chainID string, timeout time.Duration, signer *Signer) (*Client, error) {
	if signer == nil {
		return nil, errors.New("signer is required")
	}
	if strings.TrimSpace(rpcURL) == "" {
		return nil, errors.New("rpc url is required")
	}
	return &Client{
		rpcURL:  strings.TrimRight(rpcURL, "/"),
		chainID: chainID,
		http: &http.Client{
			Timeout: timeout,
		},
		signer: signer,
		log:    zap.NewNop(),
	}, nil
}

func (c *Client) SetLogger(log *zap.Logger) {
	if log != nil {
		c.log = log
	}
}

func (c *Client) LatestBlockHeight(ctx context.Context) (int64, error) {
	raw, err := c.call(ctx, "status", map[string]any{})
	if err != nil {
		return 0, err
	}
	var status statusResult
	if err := json.Unmarshal(raw, &status); err != nil {
		return 0, err
	}
	height, err := strconv.ParseInt(strings.TrimSpace(status.SyncInfo.LatestBlockHeight), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid latest block height %q: %w", status.SyncInfo.LatestBlockHeight, err)
	}
	return height, nil
}

func (c *Client) PlaceOrder(ctx context.Context, msg PlaceOrderMsg) (Ack, error) {
	payload, err := EncodePlaceOrder(c.chainID, msg)
	if err != nil {
		return Ack{}, err
	}
	return c.broadcast(ctx, payload)
}

func (c *Client) CancelOrder(ctx context.Context, msg CancelOrderMsg) (Ack, error) {
	payload, err := EncodeCancelOrder(c.chainID, msg)
	if err != nil {
		return Ack{}, err
	}
	return c.broadcast(ctx, payload)
}

func (c *Client) broadcast(ctx context.Context, payload []byte) (Ack, error) {
	tx, err := c.signer.SignTx(payload)
	if err != nil {
		return Ack{}, err
	}
	raw, err := c.call(ctx, "broadcast_tx_sync", map[string]any{"tx": base64.StdEncoding.EncodeToString(tx)})
	if err != nil {
		return Ack{}, err
	}
	var result broadcastResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return Ack{}, fmt.Errorf("%w: decode broadcast result: %v", ErrUnknownOutcome, err)
	}
	ack := Ack{Code: result.Code, Codespace: result.Codespace, Log: result.Log, Hash: result.Hash}
	if !ack.Accepted() && ack.Codespace == "sdk" && ack.Code == sdkErrTxInMempoolCache {
		return ack, fmt.Errorf("%w: code %d: %s", ErrUnknownOutcome, ack.Code, ack.Log)
	}
	if !ack.Accepted() {
		return ack, &RejectedError{Code: ack.Code, Codespace: ack.Codespace, Log: ack.Log}
	}
	c.log.Debug("broadcast accepted", zap.String("hash", ack.Hash))
	return ack, nil
}

// mempoolDuplicate is CometBFT's answer for a tx it already holds. The
// first copy may still be included, so it is not a rejection.
const mempoolDuplicate = "tx already exists in cache"

// sdkErrTxInMempoolCache is the same condition reported as a check-tx code.
const sdkErrTxInMempoolCache = 19

// call performs one JSON-RPC request. Transport failures, 5xx and mempool
// duplicates map to ErrUnknownOutcome; other JSON-RPC errors are rejections.
func (c *Client) call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: c.reqID.Add(1), Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrUnknownOutcome, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("%w: http %d: %s", ErrUnknownOutcome, resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, &RejectedError{Codespace: "http", Code: uint32(resp.StatusCode), Log: strings.TrimSpace(string(payload))}
	}
	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrUnknownOutcome, err)
	}
	if rpcResp.Error != nil {
		detail := strings.TrimSpace(rpcResp.Error.Message + " " + rpcResp.Error.Data)
		if strings.Contains(detail, mempoolDuplicate) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownOutcome, detail)
		}
		return nil, &RejectedError{Codespace: "rpc", Code: uint32(absInt(rpcResp.Error.Code)), Log: strings.TrimSpace(rpcResp.Error.Message + " " + rpcResp.Error.Data)}
	}
	return rpcResp.Result, nil
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
