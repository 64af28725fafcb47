// Package broker provides a client for account operations against the
// brokerage REST gateway: positions, account equity, quotes, and market
// orders. The sync engine only reads market data; this client backs the
// trading-side runners that consume the synced bars.
package broker

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
)

const (
	requestTimeout  = 30 * time.Second
	maxRetryElapsed = time.Minute

	// priceLookback and priceGranularity shape the quote request: the last
	// close of a short one-minute history stands in for the current price.
	priceLookback    = "2h"
	priceGranularity = "1min"

	// maxOrderConfirmations bounds the gateway's confirmation loop. Each
	// order placement may come back as a question that must be answered
	// before the order id is issued.
	maxOrderConfirmations = 5
)

// Order sides accepted by the gateway.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Client talks to a brokerage gateway such as ibeam. The gateway holds the
// authenticated session; this client is stateless apart from cached account
// and contract ids.
type Client struct {
	host   string
	client *http.Client
	logger *slog.Logger

	accountID string
	conids    map[string]string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP client, primarily for tests.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.client = client
	}
}

// NewClient creates a client for the gateway at host, e.g.
// "https://ibeam:5000". The gateway serves a self-signed certificate, so the
// default client skips verification.
func NewClient(host string, logger *slog.Logger, opts ...ClientOption) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		host: host,
		client: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
		logger: logger.With("component", "broker"),
		conids: make(map[string]string),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Position is one holding in the brokerage account.
type Position struct {
	Conid        int64   `json:"conid"`
	ContractDesc string  `json:"contractDesc"`
	Quantity     float64 `json:"position"`
	MarketValue  float64 `json:"mktValue"`
	MarketPrice  float64 `json:"mktPrice"`
	Currency     string  `json:"currency"`
}

// OrderRequest describes a market order to place.
type OrderRequest struct {
	Symbol   string
	Side     string // SideBuy or SideSell
	Quantity float64
}

// Validate checks the order request fields.
func (r *OrderRequest) Validate() error {
	if r.Symbol == "" {
		return fmt.Errorf("order symbol cannot be empty")
	}
	if r.Side != SideBuy && r.Side != SideSell {
		return fmt.Errorf("order side must be %s or %s, got %q", SideBuy, SideSell, r.Side)
	}
	if r.Quantity <= 0 {
		return fmt.Errorf("order quantity must be positive, got %v", r.Quantity)
	}
	return nil
}

// OrderResult reports a placed order.
type OrderResult struct {
	OrderID string `json:"order_id"`
	Status  string `json:"order_status"`
}

// AccountID returns the gateway's primary account id, resolving and caching
// it on first use.
func (c *Client) AccountID(ctx context.Context) (string, error) {
	if c.accountID != "" {
		return c.accountID, nil
	}

	var accounts []struct {
		ID string `json:"id"`
	}
	if err := c.getJSON(ctx, "/v1/api/portfolio/accounts", &accounts); err != nil {
		return "", fmt.Errorf("listing accounts: %w", err)
	}
	if len(accounts) == 0 {
		return "", fmt.Errorf("gateway reported no accounts")
	}

	c.accountID = accounts[0].ID
	c.logger.Debug("resolved account", "account_id", c.accountID)
	return c.accountID, nil
}

// Positions returns every open position in the account.
func (c *Client) Positions(ctx context.Context) ([]Position, error) {
	accountID, err := c.AccountID(ctx)
	if err != nil {
		return nil, err
	}

	var positions []Position
	path := fmt.Sprintf("/v1/api/portfolio/%s/positions/0", accountID)
	if err := c.getJSON(ctx, path, &positions); err != nil {
		return nil, fmt.Errorf("listing positions: %w", err)
	}
	return positions, nil
}

// Position returns the holding for a symbol, or nil when the account holds
// none of it.
func (c *Client) Position(ctx context.Context, symbol string) (*Position, error) {
	conid, err := c.resolveConid(ctx, symbol)
	if err != nil {
		return nil, err
	}

	positions, err := c.Positions(ctx)
	if err != nil {
		return nil, err
	}

	for i := range positions {
		if fmt.Sprintf("%d", positions[i].Conid) == conid {
			return &positions[i], nil
		}
	}
	return nil, nil
}

// TotalEquity returns the account's net liquidation value.
func (c *Client) TotalEquity(ctx context.Context) (decimal.Decimal, error) {
	accountID, err := c.AccountID(ctx)
	if err != nil {
		return decimal.Zero, err
	}

	var summary struct {
		NetLiquidation struct {
			Amount float64 `json:"amount"`
		} `json:"netliquidation"`
	}
	path := fmt.Sprintf("/v1/api/portfolio/%s/summary", accountID)
	if err := c.getJSON(ctx, path, &summary); err != nil {
		return decimal.Zero, fmt.Errorf("reading account summary: %w", err)
	}

	return decimal.NewFromFloat(summary.NetLiquidation.Amount), nil
}

// CurrentPrice returns the symbol's latest one-minute close as a quote.
func (c *Client) CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	conid, err := c.resolveConid(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}

	params := url.Values{}
	params.Set("conid", conid)
	params.Set("period", priceLookback)
	params.Set("bar", priceGranularity)

	var history struct {
		Data []struct {
			Close float64 `json:"c"`
		} `json:"data"`
	}
	path := "/v1/api/iserver/marketdata/history?" + params.Encode()
	if err := c.getJSON(ctx, path, &history); err != nil {
		return decimal.Zero, fmt.Errorf("reading price history: %w", err)
	}
	if len(history.Data) == 0 {
		return decimal.Zero, fmt.Errorf("no recent price data for %s", symbol)
	}

	return decimal.NewFromFloat(history.Data[len(history.Data)-1].Close), nil
}

// MarketOrder places a day market order and answers the gateway's
// confirmation questions until an order id comes back.
func (c *Client) MarketOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	accountID, err := c.AccountID(ctx)
	if err != nil {
		return nil, err
	}
	conid, err := c.resolveConid(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}

	payload := map[string]interface{}{
		"orders": []map[string]interface{}{{
			"conid":     jsonNumber(conid),
			"orderType": "MKT",
			"side":      req.Side,
			"quantity":  req.Quantity,
			"tif":       "DAY",
		}},
	}

	var replies []orderReply
	path := fmt.Sprintf("/v1/api/iserver/account/%s/orders", accountID)
	if err := c.postJSON(ctx, path, payload, &replies); err != nil {
		return nil, fmt.Errorf("placing order: %w", err)
	}

	// The gateway may answer with confirmation prompts instead of the order.
	// Confirm each one until the order id arrives.
	for i := 0; i < maxOrderConfirmations; i++ {
		if len(replies) == 0 {
			return nil, fmt.Errorf("gateway returned an empty order response")
		}
		reply := replies[0]
		if reply.OrderID != "" {
			c.logger.Info("order placed",
				"symbol", req.Symbol, "side", req.Side, "quantity", req.Quantity,
				"order_id", reply.OrderID, "status", reply.Status)
			return &OrderResult{OrderID: reply.OrderID, Status: reply.Status}, nil
		}
		if reply.ID == "" {
			return nil, fmt.Errorf("gateway order response carried neither an order id nor a confirmation id")
		}

		confirmPath := fmt.Sprintf("/v1/api/iserver/reply/%s", reply.ID)
		if err := c.postJSON(ctx, confirmPath, map[string]bool{"confirmed": true}, &replies); err != nil {
			return nil, fmt.Errorf("confirming order: %w", err)
		}
	}

	return nil, fmt.Errorf("order not accepted after %d confirmations", maxOrderConfirmations)
}

// HealthCheck tickles the gateway to keep the session alive and verify it
// responds.
func (c *Client) HealthCheck(ctx context.Context) error {
	var resp map[string]interface{}
	if err := c.getJSON(ctx, "/v1/api/tickle", &resp); err != nil {
		return fmt.Errorf("gateway health check failed: %w", err)
	}
	return nil
}

type orderReply struct {
	ID      string `json:"id"`
	OrderID string `json:"order_id"`
	Status  string `json:"order_status"`
}

func (c *Client) resolveConid(ctx context.Context, symbol string) (string, error) {
	if conid, ok := c.conids[symbol]; ok {
		return conid, nil
	}

	var results []struct {
		Conid json.Number `json:"conid"`
	}
	path := "/v1/api/iserver/secdef/search?symbol=" + url.QueryEscape(symbol)
	if err := c.getJSON(ctx, path, &results); err != nil {
		return "", fmt.Errorf("contract search for %s: %w", symbol, err)
	}
	if len(results) == 0 {
		return "", fmt.Errorf("no contract found for symbol %s", symbol)
	}

	conid := results[0].Conid.String()
	c.conids[symbol] = conid
	return conid, nil
}

func (c *Client) getJSON(ctx context.Context, path string, target interface{}) error {
	return c.doJSON(ctx, http.MethodGet, path, nil, target)
}

func (c *Client) postJSON(ctx context.Context, path string, body, target interface{}) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request body: %w", err)
	}
	return c.doJSON(ctx, http.MethodPost, path, encoded, target)
}

// doJSON performs a request against the gateway with exponential backoff on
// transient failures. Client errors other than 429 fail immediately.
func (c *Client) doJSON(ctx context.Context, method, path string, body []byte, target interface{}) error {
	operation := func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.host+path, reader)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("creating request: %w", err))
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("executing request: %w", err)
		}
		defer resp.Body.Close()

		payload, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("reading response body: %w", err)
		}

		switch {
		case resp.StatusCode == http.StatusOK:
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("gateway returned status %d: %s", resp.StatusCode, string(payload))
		default:
			return backoff.Permanent(fmt.Errorf("gateway returned status %d: %s", resp.StatusCode, string(payload)))
		}

		if err := json.Unmarshal(payload, target); err != nil {
			return backoff.Permanent(fmt.Errorf("unmarshaling response: %w", err))
		}
		return nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = maxRetryElapsed

	return backoff.Retry(operation, backoff.WithContext(expBackoff, ctx))
}

// jsonNumber renders a numeric string without quotes in the order payload.
func jsonNumber(s string) json.Number {
	return json.Number(s)
}
