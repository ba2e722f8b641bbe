package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Client reads the eventually-consistent indexer. Every call classifies its
// failure: ErrNotFound for 404, *HTTPError for other statuses, and the raw
// transport error otherwise (see IsTransient).
type Client struct {
	baseURL    string
	http       *http.Client
	log        *zap.Logger
	address    string
	subaccount int
}

func New(baseURL string, timeout time.Duration, address string, subaccount int, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: timeout,
		},
		log:        log,
		address:    strings.TrimSpace(address),
		subaccount: subaccount,
	}
}

func (c *Client) Address() string {
	return c.address
}

func (c *Client) Subaccount() int {
	return c.subaccount
}

func (c *Client) GetOrder(ctx context.Context, orderID string) (Order, error) {
	if strings.TrimSpace(orderID) == "" {
		return Order{}, fmt.Errorf("order id is required")
	}
	var order Order
	if err := c.get(ctx, "/v4/orders/"+url.PathEscape(orderID), nil, &order); err != nil {
		return Order{}, err
	}
	return order, nil
}

// GetSubaccountOrders lists orders for the configured subaccount. With
// ReturnLatestOrders set the indexer returns the most recent orders first;
// the result is additionally sorted by created-at height, newest first.
func (c *Client) GetSubaccountOrders(ctx context.Context, q OrdersQuery) ([]Order, error) {
	params := url.Values{}
	params.Set("address", c.address)
	params.Set("subaccountNumber", strconv.Itoa(c.subaccount))
	if q.Ticker != "" {
		params.Set("ticker", q.Ticker)
	}
	if q.Status != "" {
		params.Set("status", string(q.Status))
	}
	if q.ReturnLatestOrders {
		params.Set("returnLatestOrders", "true")
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	var orders []Order
	if err := c.get(ctx, "/v4/orders", params, &orders); err != nil {
		return nil, err
	}
	sort.SliceStable(orders, func(i, j int) bool {
		return orders[i].CreatedAtHeightValue() > orders[j].CreatedAtHeightValue()
	})
	return orders, nil
}

func (c *Client) GetSubaccount(ctx context.Context) (Subaccount, error) {
	var resp struct {
		Subaccount Subaccount `json:"subaccount"`
	}
	path := fmt.Sprintf("/v4/addresses/%s/subaccountNumber/%d", url.PathEscape(c.address), c.subaccount)
	if err := c.get(ctx, path, nil, &resp); err != nil {
		return Subaccount{}, err
	}
	return resp.Subaccount, nil
}

// GetOpenPositions returns the open perpetual positions sorted by market.
func (c *Client) GetOpenPositions(ctx context.Context) ([]Position, error) {
	sub, err := c.GetSubaccount(ctx)
	if err != nil {
		return nil, err
	}
	positions := make([]Position, 0, len(sub.OpenPerpetualPositions))
	for market, pos := range sub.OpenPerpetualPositions {
		if pos.Market == "" {
			pos.Market = market
		}
		positions = append(positions, pos)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Market < positions[j].Market })
	return positions, nil
}

func (c *Client) GetPerpetualMarkets(ctx context.Context, ticker string) (map[string]PerpetualMarket, error) {
	var params url.Values
	if ticker != "" {
		params = url.Values{}
		params.Set("ticker", ticker)
	}
	var resp struct {
		Markets map[string]PerpetualMarket `json:"markets"`
	}
	if err := c.get(ctx, "/v4/perpetualMarkets", params, &resp); err != nil {
		return nil, err
	}
	for key, m := range resp.Markets {
		if m.Ticker == "" {
			m.Ticker = key
			resp.Markets[key] = m
		}
	}
	return resp.Markets, nil
}

func (c *Client) GetHeight(ctx context.Context) (int64, error) {
	var resp Height
	if err := c.get(ctx, "/v4/height", nil, &resp); err != nil {
		return 0, err
	}
	height, err := strconv.ParseInt(strings.TrimSpace(resp.Height), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid indexer height %q: %w", resp.Height, err)
	}
	return height, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		httpErr := &HTTPError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		if resp.StatusCode != http.StatusNotFound {
			c.log.Debug("indexer request failed", zap.String("path", path), zap.Int("status", resp.StatusCode))
		}
		return httpErr
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
