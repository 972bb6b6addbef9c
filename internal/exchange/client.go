// Package exchange implements the futures venue's REST and WebSocket clients
// plus the rate governor that schedules every outbound call.
//
// The REST client (Client) covers the endpoints the pipeline needs:
//   - Contracts:     GET  /openApi/swap/v2/quote/contracts  — tradable symbol directory
//   - Ticker:        GET  /openApi/swap/v2/quote/ticker     — 24h ticker for one symbol
//   - Klines:        GET  /openApi/swap/v2/quote/klines     — OHLCV series
//   - Depth:         GET  /openApi/swap/v2/quote/depth      — order book snapshot
//   - Balance:       GET  /openApi/swap/v2/user/balance     — margin account state
//   - Positions:     GET  /openApi/swap/v2/user/positions   — open positions
//   - OpenOrders:    GET  /openApi/swap/v2/trade/openOrders — resting orders
//   - PlaceOrder:    POST /openApi/swap/v2/trade/order      — market order with SL/TP
//   - ClosePosition: POST /openApi/swap/v1/trade/closePosition
//   - ListenKey:     POST/PUT /openApi/user/auth/userDataStream — user-data stream session
//
// Every response arrives in the envelope {code, msg, data}; code != 0 maps to
// ExchangeError. Private endpoints are signed with HMAC-SHA256 over the query
// string. Transport errors are retried on 5xx by resty; envelope errors are
// surfaced untouched. Read endpoints do not rate-limit themselves: the request
// manager owns their scheduling. Order endpoints draw from the governor's
// trading budget directly.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"futures-bot/pkg/types"
)

const (
	pathContracts     = "/openApi/swap/v2/quote/contracts"
	pathTicker        = "/openApi/swap/v2/quote/ticker"
	pathKlines        = "/openApi/swap/v2/quote/klines"
	pathDepth         = "/openApi/swap/v2/quote/depth"
	pathBalance       = "/openApi/swap/v2/user/balance"
	pathPositions     = "/openApi/swap/v2/user/positions"
	pathOpenOrders    = "/openApi/swap/v2/trade/openOrders"
	pathOrder         = "/openApi/swap/v2/trade/order"
	pathClosePosition = "/openApi/swap/v1/trade/closePosition"
	pathListenKey     = "/openApi/user/auth/userDataStream"
)

// envelope is the outer frame on every REST response.
type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// Client is the venue REST API client. It wraps a resty HTTP client with
// retry, request signing, and response normalization.
type Client struct {
	http   *resty.Client
	signer *Signer
	gov    *Governor
	asset  string // quote asset of interest: USDT live, VST demo
	dryRun bool   // when true, order endpoints return fake fills without HTTP calls
	logger *slog.Logger
}

// ClientOptions carries the knobs the client needs from config.
type ClientOptions struct {
	BaseURL string
	APIKey  string
	Secret  string
	Demo    bool
	DryRun  bool
	Timeout time.Duration
}

// NewClient creates a REST client with retry and signing.
func NewClient(opts ClientOptions, gov *Governor, logger *slog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpClient := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500*time.Millisecond).
		SetRetryMaxWaitTime(3*time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	asset := "USDT"
	if opts.Demo {
		asset = "VST"
	}

	return &Client{
		http:   httpClient,
		signer: NewSigner(opts.APIKey, opts.Secret),
		gov:    gov,
		asset:  asset,
		dryRun: opts.DryRun,
		logger: logger.With("component", "exchange"),
	}
}

// Asset returns the quote asset the client resolves balances for.
func (c *Client) Asset() string { return c.asset }

// Governor exposes the rate governor so other components can draw from the
// same budgets.
func (c *Client) Governor() *Governor { return c.gov }

// do issues one request and unwraps the envelope. Signed requests get the
// timestamp + signature treatment and the API key header.
func (c *Client) do(ctx context.Context, op, method, path string, params url.Values, signed bool) (json.RawMessage, error) {
	if params == nil {
		params = url.Values{}
	}
	if signed {
		params = c.signer.SignQuery(params)
	}

	req := c.http.R().SetContext(ctx).SetQueryParamsFromValues(params)
	if signed {
		req.SetHeader("X-BX-APIKEY", c.signer.APIKey())
	}

	var resp *resty.Response
	var err error
	switch method {
	case resty.MethodPost:
		resp, err = req.Post(path)
	default:
		resp, err = req.Get(path)
	}
	if err != nil {
		return nil, &TransportError{Op: op, Reason: "network", Err: err}
	}

	var env envelope
	if uerr := json.Unmarshal(resp.Body(), &env); uerr != nil {
		if resp.StatusCode() >= 400 {
			return nil, &TransportError{Op: op, Reason: "http_status", Err: fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String())}
		}
		return nil, NewSchemaError(op, uerr)
	}
	if env.Code != 0 {
		return nil, &ExchangeError{Code: env.Code, Msg: env.Msg}
	}
	return env.Data, nil
}

// Contracts fetches the full perpetual contract directory.
func (c *Client) Contracts(ctx context.Context) ([]types.ContractInfo, error) {
	data, err := c.do(ctx, "getContracts", resty.MethodGet, pathContracts, nil, false)
	if err != nil {
		return nil, err
	}
	return parseContracts(data)
}

// Ticker fetches the 24h ticker for one symbol.
func (c *Client) Ticker(ctx context.Context, symbol string) (*types.Ticker, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	data, err := c.do(ctx, "getTicker", resty.MethodGet, pathTicker, params, false)
	if err != nil {
		return nil, err
	}
	return parseTicker(symbol, data)
}

// Klines fetches up to limit candles for symbol at the given interval,
// oldest first.
func (c *Client) Klines(ctx context.Context, symbol, interval string, limit int) ([]types.Kline, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))
	data, err := c.do(ctx, "getKlines", resty.MethodGet, pathKlines, params, false)
	if err != nil {
		return nil, err
	}
	return parseKlines(data)
}

// Depth fetches an order book snapshot.
func (c *Client) Depth(ctx context.Context, symbol string, limit int) (*types.Depth, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", strconv.Itoa(limit))
	data, err := c.do(ctx, "getDepth", resty.MethodGet, pathDepth, params, false)
	if err != nil {
		return nil, err
	}
	return parseDepth(symbol, data)
}

// Balance fetches the margin account snapshot for the asset of interest.
func (c *Client) Balance(ctx context.Context) (*types.Balance, error) {
	data, err := c.do(ctx, "getBalance", resty.MethodGet, pathBalance, nil, true)
	if err != nil {
		return nil, err
	}
	return parseBalance(data, c.asset)
}

// Positions fetches open positions, optionally filtered to one symbol.
func (c *Client) Positions(ctx context.Context, symbol string) ([]types.ExchangePosition, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	data, err := c.do(ctx, "getPositions", resty.MethodGet, pathPositions, params, true)
	if err != nil {
		return nil, err
	}
	return parsePositions(data)
}

// OpenOrders fetches resting orders, optionally filtered to one symbol.
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]types.OpenOrder, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	data, err := c.do(ctx, "getOpenOrders", resty.MethodGet, pathOpenOrders, params, true)
	if err != nil {
		return nil, err
	}
	return parseOpenOrders(data)
}

// PlaceOrder submits a MARKET order with optional attached SL/TP. It draws
// from the trading budget at critical priority before touching the wire.
func (c *Client) PlaceOrder(ctx context.Context, order types.OrderRequest) (*types.OrderResult, error) {
	if order.Quantity <= 0 {
		return nil, fmt.Errorf("place order %s: quantity must be positive", order.Symbol)
	}
	if c.dryRun {
		c.logger.Info("DRY-RUN: would place order",
			"symbol", order.Symbol, "side", order.Side, "quantity", order.Quantity)
		return &types.OrderResult{
			OrderID:     "dry-run-" + uuid.NewString(),
			Status:      types.OrderStatusNew,
			ExecutedQty: order.Quantity,
		}, nil
	}
	if err := c.gov.Acquire(ctx, ClassTrading, types.PriorityCritical); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("symbol", order.Symbol)
	params.Set("side", string(order.Side))
	params.Set("positionSide", string(order.PositionSide))
	params.Set("type", string(order.Type))
	params.Set("quantity", strconv.FormatFloat(order.Quantity, 'f', -1, 64))
	if order.StopLoss > 0 {
		params.Set("stopLoss", strconv.FormatFloat(order.StopLoss, 'f', -1, 64))
	}
	if order.TakeProfit > 0 {
		params.Set("takeProfit", strconv.FormatFloat(order.TakeProfit, 'f', -1, 64))
	}

	data, err := c.do(ctx, "placeOrder", resty.MethodPost, pathOrder, params, true)
	if err != nil {
		return nil, err
	}
	result, err := parseOrderResult(data)
	if err != nil {
		return nil, err
	}
	c.logger.Info("order placed",
		"symbol", order.Symbol, "side", order.Side,
		"quantity", order.Quantity, "order_id", result.OrderID)
	return result, nil
}

// ClosePosition closes the given percentage (0–100] of the open position on
// symbol with a market order.
func (c *Client) ClosePosition(ctx context.Context, symbol string, percentage float64) (*types.OrderResult, error) {
	if percentage <= 0 || percentage > 100 {
		percentage = 100
	}
	if c.dryRun {
		c.logger.Info("DRY-RUN: would close position", "symbol", symbol, "percentage", percentage)
		return &types.OrderResult{
			OrderID: "dry-run-" + uuid.NewString(),
			Status:  types.OrderStatusFilled,
		}, nil
	}
	if err := c.gov.Acquire(ctx, ClassTrading, types.PriorityCritical); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("percentage", strconv.FormatFloat(percentage, 'f', -1, 64))

	data, err := c.do(ctx, "closePosition", resty.MethodPost, pathClosePosition, params, true)
	if err != nil {
		return nil, err
	}
	result, err := parseOrderResult(data)
	if err != nil {
		return nil, err
	}
	c.logger.Info("position close submitted", "symbol", symbol, "order_id", result.OrderID)
	return result, nil
}

// CreateListenKey opens a user-data stream session and returns its key.
// The venue answers this endpoint both bare ({"listenKey": ...}) and
// enveloped, so it bypasses the usual envelope unwrap.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	return c.listenKeyRequest(ctx, "createListenKey", resty.MethodPost, "")
}

// KeepAliveListenKey extends the user-data stream session. Sessions lapse
// after 60 minutes without a keepalive.
func (c *Client) KeepAliveListenKey(ctx context.Context, key string) error {
	_, err := c.listenKeyRequest(ctx, "keepAliveListenKey", resty.MethodPut, key)
	return err
}

func (c *Client) listenKeyRequest(ctx context.Context, op, method, key string) (string, error) {
	params := url.Values{}
	if key != "" {
		params.Set("listenKey", key)
	}
	params = c.signer.SignQuery(params)

	req := c.http.R().SetContext(ctx).
		SetQueryParamsFromValues(params).
		SetHeader("X-BX-APIKEY", c.signer.APIKey())

	var resp *resty.Response
	var err error
	switch method {
	case resty.MethodPut:
		resp, err = req.Put(pathListenKey)
	default:
		resp, err = req.Post(pathListenKey)
	}
	if err != nil {
		return "", &TransportError{Op: op, Reason: "network", Err: err}
	}

	var out struct {
		Code      int             `json:"code"`
		Msg       string          `json:"msg"`
		ListenKey string          `json:"listenKey"`
		Data      json.RawMessage `json:"data"`
	}
	if uerr := json.Unmarshal(resp.Body(), &out); uerr != nil {
		if resp.StatusCode() >= 400 {
			return "", &TransportError{Op: op, Reason: "http_status", Err: fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String())}
		}
		return "", NewSchemaError(op, uerr)
	}
	if out.Code != 0 {
		return "", &ExchangeError{Code: out.Code, Msg: out.Msg}
	}

	got := out.ListenKey
	if got == "" && len(out.Data) > 0 {
		var nested struct {
			ListenKey string `json:"listenKey"`
		}
		if uerr := json.Unmarshal(out.Data, &nested); uerr == nil {
			got = nested.ListenKey
		}
	}
	if got == "" {
		// Keepalive responses often echo nothing; the session key stands.
		got = key
	}
	if got == "" {
		return "", NewSchemaError(op, fmt.Errorf("response carries no listenKey"))
	}
	return got, nil
}
