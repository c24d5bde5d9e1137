// Package alpaca is a minimal hand-rolled client for the Alpaca Trading
// REST API (paper or live). It covers only the surface the bot needs:
// positions, market orders, full-position liquidation, and order lookup.
//
// Usage example:
//
//	c := alpaca.NewClient(alpaca.Config{KeyID: "PK...", SecretKey: "..."})
//	pos, err := c.GetPosition(ctx, "BTCUSD")
//	if err != nil { log.Fatal(err) }
//	if pos == nil { fmt.Println("flat") }
package alpaca

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"
)

const (
	defaultBaseURL = "https://paper-api.alpaca.markets"
	defaultTimeout = 7 * time.Second
)

var routes = map[string]string{
	"positions.list":  "/v2/positions",
	"positions.get":   "/v2/positions/%s",
	"positions.close": "/v2/positions/%s",
	"orders.place":    "/v2/orders",
	"orders.get":      "/v2/orders/%s",
	"account.get":     "/v2/account",
}

// Config configures the API client.
type Config struct {
	KeyID     string
	SecretKey string
	BaseURL   string // default: paper trading endpoint
	Timeout   time.Duration
	Debug     bool
}

// Client is a thin HTTP client over the Alpaca REST API.
type Client struct {
	keyID     string
	secretKey string
	baseURL   string
	debug     bool

	httpClient *http.Client
}

// NewClient creates an API client from the given config.
func NewClient(cfg Config) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &Client{
		keyID:      cfg.KeyID,
		secretKey:  cfg.SecretKey,
		baseURL:    base,
		debug:      cfg.Debug,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// APIError is a non-2xx response from the API.
type APIError struct {
	HTTPStatus int    `json:"-"`
	Code       int    `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("alpaca: http %d code %d: %s", e.HTTPStatus, e.Code, e.Message)
}

// IsNotFound reports whether err is a 404 API error.
func IsNotFound(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.HTTPStatus == http.StatusNotFound
}

// ---- Wire types ----
// Alpaca encodes quantities and prices as JSON strings; they are passed
// through verbatim and parsed by the caller.

// Position is an open position on the account.
type Position struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"` // "long" | "short"
	Qty           string `json:"qty"`
	QtyAvailable  string `json:"qty_available"`
	AvgEntryPrice string `json:"avg_entry_price"`
	MarketValue   string `json:"market_value"`
}

// Order is the broker's view of an order.
type Order struct {
	ID             string     `json:"id"`
	ClientOrderID  string     `json:"client_order_id"`
	Symbol         string     `json:"symbol"`
	Side           string     `json:"side"`
	Type           string     `json:"type"`
	Status         string     `json:"status"`
	Notional       string     `json:"notional"`
	Qty            string     `json:"qty"`
	FilledQty      string     `json:"filled_qty"`
	FilledAvgPrice string     `json:"filled_avg_price"`
	SubmittedAt    *time.Time `json:"submitted_at"`
	FilledAt       *time.Time `json:"filled_at"`
	FailedAt       *time.Time `json:"failed_at"`
}

// PlaceOrderRequest is the order submission payload. Exactly one of
// Notional or Qty must be set.
type PlaceOrderRequest struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"` // "buy" | "sell"
	Type          string `json:"type"` // "market"
	TimeInForce   string `json:"time_in_force"`
	Notional      string `json:"notional,omitempty"`
	Qty           string `json:"qty,omitempty"`
	ClientOrderID string `json:"client_order_id,omitempty"`
}

// ---- Endpoint methods ----

// GetPosition returns the open position for a symbol, or nil (no error)
// when the account holds nothing for it.
func (c *Client) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	var pos Position
	err := c.do(ctx, http.MethodGet, fmt.Sprintf(routes["positions.get"], url.PathEscape(symbol)), nil, &pos)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &pos, nil
}

// ListPositions returns all open positions on the account.
func (c *Client) ListPositions(ctx context.Context) ([]Position, error) {
	var list []Position
	if err := c.do(ctx, http.MethodGet, routes["positions.list"], nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// PlaceOrder submits an order and returns the broker's record of it.
func (c *Client) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*Order, error) {
	var order Order
	if err := c.do(ctx, http.MethodPost, routes["orders.place"], req, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// ClosePosition liquidates the full position for a symbol and returns the
// closing order.
func (c *Client) ClosePosition(ctx context.Context, symbol string) (*Order, error) {
	var order Order
	if err := c.do(ctx, http.MethodDelete, fmt.Sprintf(routes["positions.close"], url.PathEscape(symbol)), nil, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrder fetches one order by id.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	var order Order
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf(routes["orders.get"], url.PathEscape(orderID)), nil, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// Ping verifies credentials and connectivity via the account endpoint.
func (c *Client) Ping(ctx context.Context) error {
	var out map[string]any
	return c.do(ctx, http.MethodGet, routes["account.get"], nil, &out)
}

// ---- Request helper ----

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("alpaca: marshal request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("alpaca: create request: %w", err)
	}
	req.Header.Set("APCA-API-KEY-ID", c.keyID)
	req.Header.Set("APCA-API-SECRET-KEY", c.secretKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.debug {
		log.Printf("[alpaca] %s %s", method, path)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("alpaca: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("alpaca: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{HTTPStatus: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = string(data)
		}
		return apiErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("alpaca: decode response: %w", err)
	}
	return nil
}
