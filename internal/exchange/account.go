// account.go implements the user-data stream: order and account updates
// pushed by the venue for the authenticated account.
//
// A session starts with CreateListenKey; the feed then dials
// wss://<host>/market?listenKey=<key> and keeps the key alive with periodic
// PUTs (sessions lapse after an hour without one). Frames share the market
// stream's wire format — optionally gzip-compressed JSON plus "Ping" text
// probes — but carry event objects instead of channel envelopes:
//
//	{"e":"ORDER_TRADE_UPDATE","E":<ms>,"o":{...}}  — one order's fill state
//	{"e":"ACCOUNT_UPDATE","E":<ms>,"a":{"P":[...]}} — position amounts
//
// Decoded updates reach the callbacks as normalized types; a position row
// with amount zero is the venue telling us the position no longer exists.
// Reconnects mint a fresh listen key every time, with the same exponential
// backoff as the market feed.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"futures-bot/pkg/types"
)

const listenKeyKeepAlive = 25 * time.Minute

// accountFrame is the outer shape of a user-data stream message.
type accountFrame struct {
	Event     string          `json:"e"`
	EventTime int64           `json:"E"`
	Account   json.RawMessage `json:"a"`
	Order     json.RawMessage `json:"o"`
}

// AccountFeed maintains the account's user-data stream and invokes the
// callbacks for every decoded update. Callbacks receive the feed's run
// context so downstream ledger writes stop with the feed.
type AccountFeed struct {
	client    *Client
	host      string
	onAccount func(context.Context, types.AccountUpdate)
	onOrder   func(context.Context, types.OrderUpdate)

	conn   *websocket.Conn
	connMu sync.Mutex

	reconnectBase time.Duration

	logger *slog.Logger
}

// NewAccountFeed builds the feed. host is the bare WS host (scheme
// optional); either callback may be nil.
func NewAccountFeed(client *Client, host string, reconnectBase time.Duration,
	onAccount func(context.Context, types.AccountUpdate),
	onOrder func(context.Context, types.OrderUpdate),
	logger *slog.Logger) *AccountFeed {
	if reconnectBase <= 0 {
		reconnectBase = 3 * time.Second
	}
	return &AccountFeed{
		client:        client,
		host:          strings.TrimPrefix(strings.TrimPrefix(host, "wss://"), "ws://"),
		onAccount:     onAccount,
		onOrder:       onOrder,
		reconnectBase: reconnectBase,
		logger:        logger.With("component", "account_stream"),
	}
}

// Run opens a session and maintains the stream with auto-reconnect. Each
// reconnect requests a fresh listen key. Blocks until ctx is cancelled.
func (f *AccountFeed) Run(ctx context.Context) error {
	backoff := f.reconnectBase

	for {
		key, err := f.client.CreateListenKey(ctx)
		if err == nil {
			err = f.connectAndRead(ctx, key)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("account stream disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Close tears down the current connection, unblocking the read loop.
func (f *AccountFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *AccountFeed) connectAndRead(ctx context.Context, key string) error {
	u := url.URL{Scheme: "wss", Host: f.host, Path: "/market", RawQuery: "listenKey=" + url.QueryEscape(key)}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	keepCtx, stopKeepAlive := context.WithCancel(ctx)
	defer stopKeepAlive()
	go f.keepAlive(keepCtx, key)

	f.logger.Info("account stream connected")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.handleFrame(ctx, msg)
	}
}

// keepAlive extends the listen key until its connection goes away. A failed
// keepalive is only logged: the read loop notices the dead session first.
func (f *AccountFeed) keepAlive(ctx context.Context, key string) {
	ticker := time.NewTicker(listenKeyKeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.client.KeepAliveListenKey(ctx, key); err != nil && ctx.Err() == nil {
				f.logger.Warn("listen key keepalive failed", "error", err)
			}
		}
	}
}

func (f *AccountFeed) handleFrame(ctx context.Context, data []byte) {
	payload, err := inflateFrame(data)
	if err != nil {
		f.logger.Warn("bad account frame", "error", err)
		return
	}

	if string(payload) == "Ping" {
		if err := f.writeMessage(websocket.TextMessage, []byte("Pong")); err != nil {
			f.logger.Warn("pong failed", "error", err)
		}
		return
	}

	var frame accountFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		f.logger.Debug("ignoring non-json account message")
		return
	}

	eventTime := time.Now()
	if frame.EventTime > 0 {
		eventTime = time.UnixMilli(frame.EventTime)
	}

	switch frame.Event {
	case "ACCOUNT_UPDATE":
		update, err := accountUpdateFromFrame(eventTime, frame.Account)
		if err != nil {
			f.logger.Warn("bad account update payload", "error", err)
			return
		}
		if f.onAccount != nil {
			f.onAccount(ctx, update)
		}
	case "ORDER_TRADE_UPDATE":
		update, err := orderUpdateFromFrame(eventTime, frame.Order)
		if err != nil {
			f.logger.Warn("bad order update payload", "error", err)
			return
		}
		if update.OrderID == "" {
			return
		}
		if f.onOrder != nil {
			f.onOrder(ctx, update)
		}
	}
}

func (f *AccountFeed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("stream not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return f.conn.WriteMessage(msgType, data)
}

// accountUpdateFromFrame normalizes the "a" object. Zero-amount rows are
// kept: they are the external-close notification the position manager
// reconciles against.
func accountUpdateFromFrame(eventTime time.Time, data json.RawMessage) (types.AccountUpdate, error) {
	update := types.AccountUpdate{EventTime: eventTime}
	if len(data) == 0 {
		return update, nil
	}

	var acct struct {
		Positions []rawFields `json:"P"`
	}
	if err := json.Unmarshal(data, &acct); err != nil {
		return update, NewSchemaError("accountUpdate", err)
	}

	for _, fields := range acct.Positions {
		symbol := fields.pickString("s", "symbol")
		if symbol == "" {
			continue
		}
		amt := fields.pickFloat("pa", "positionAmt")
		side := types.LONG
		if fields.pickString("ps", "positionSide") == string(types.SHORT) || amt < 0 {
			side = types.SHORT
		}
		update.Positions = append(update.Positions, types.ExchangePosition{
			Symbol:           symbol,
			PositionSide:     side,
			PositionAmt:      amt,
			EntryPrice:       fields.pickFloat("ep", "entryPrice"),
			MarkPrice:        fields.pickFloat("mp", "markPrice"),
			UnrealizedProfit: fields.pickFloat("up", "unrealizedProfit"),
			UpdateTime:       eventTime,
		})
	}
	return update, nil
}

// orderUpdateFromFrame normalizes the "o" object. Order ids arrive as bare
// numbers on the stream and as strings over REST; both decode to the same
// ledger key.
func orderUpdateFromFrame(eventTime time.Time, data json.RawMessage) (types.OrderUpdate, error) {
	if len(data) == 0 {
		return types.OrderUpdate{}, NewSchemaError("orderUpdate", fmt.Errorf("empty order payload"))
	}

	var fields rawFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return types.OrderUpdate{}, NewSchemaError("orderUpdate", err)
	}

	return types.OrderUpdate{
		OrderID:     fields.pickString("i", "orderId"),
		Symbol:      fields.pickString("s", "symbol"),
		Status:      types.OrderStatus(fields.pickString("X", "status")),
		ExecutedQty: fields.pickFloat("z", "executedQty"),
		AvgPrice:    fields.pickFloat("ap", "avgPrice"),
		RealizedPnl: fields.pickFloat("rp", "realizedPnl"),
		EventTime:   eventTime,
	}, nil
}
