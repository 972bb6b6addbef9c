// stream.go implements the per-symbol market data feed.
//
// The venue serves one WebSocket per symbol at wss://<host>/market?symbol=X.
// After connecting, the feed sends a subscription frame for the symbol's
// ticker channel and then decodes frames as they arrive. Frames may be plain
// JSON or gzip-compressed (magic bytes 1F 8B); the server also sends "Ping"
// text frames that must be answered with "Pong" to keep the connection open.
//
// The feed auto-reconnects with exponential backoff starting at the
// configured base delay (capped at 30s) and re-subscribes after each dial.
// While the feed is down, callers fall back to REST pulls; the feed only
// refreshes caches, it never gates trading.
package exchange

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"futures-bot/pkg/types"
)

const (
	streamReadTimeout  = 90 * time.Second
	streamWriteTimeout = 10 * time.Second
	maxReconnectWait   = 30 * time.Second
)

// subscribeFrame is the channel subscription request.
type subscribeFrame struct {
	ID       string `json:"id"`
	ReqType  string `json:"reqType"`
	DataType string `json:"dataType"`
}

// streamEnvelope is the outer frame on data messages.
type streamEnvelope struct {
	DataType string          `json:"dataType"`
	Data     json.RawMessage `json:"data"`
}

// StreamFeed maintains the ticker stream for a single symbol and invokes the
// update callback for every decoded ticker frame.
type StreamFeed struct {
	url      string
	symbol   string
	onTicker func(types.Ticker)

	conn   *websocket.Conn
	connMu sync.Mutex

	reconnectBase time.Duration

	logger *slog.Logger
}

// NewStreamFeed builds a feed for one symbol. host is the bare WS host
// (scheme optional); reconnectBase is the initial reconnect delay.
func NewStreamFeed(host, symbol string, reconnectBase time.Duration, onTicker func(types.Ticker), logger *slog.Logger) *StreamFeed {
	if reconnectBase <= 0 {
		reconnectBase = 3 * time.Second
	}
	h := strings.TrimPrefix(strings.TrimPrefix(host, "wss://"), "ws://")
	u := url.URL{Scheme: "wss", Host: h, Path: "/market", RawQuery: "symbol=" + url.QueryEscape(symbol)}
	return &StreamFeed{
		url:           u.String(),
		symbol:        symbol,
		onTicker:      onTicker,
		reconnectBase: reconnectBase,
		logger:        logger.With("component", "stream", "symbol", symbol),
	}
}

// Run connects and maintains the stream with auto-reconnect. Blocks until
// ctx is cancelled.
func (f *StreamFeed) Run(ctx context.Context) error {
	backoff := f.reconnectBase

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("stream disconnected, reconnecting", "error", err, "backoff", backoff)

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

// Close tears down the current connection, unblocking the read loop. The
// Run loop still owns reconnect policy; cancel its context to stop for good.
func (f *StreamFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *StreamFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
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

	sub := subscribeFrame{
		ID:       uuid.NewString(),
		ReqType:  "sub",
		DataType: f.symbol + "@ticker",
	}
	if err := f.writeJSON(sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("stream connected")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.handleFrame(msg)
	}
}

// handleFrame inflates, routes, and decodes one wire frame.
func (f *StreamFeed) handleFrame(data []byte) {
	payload, err := inflateFrame(data)
	if err != nil {
		f.logger.Warn("bad stream frame", "error", err)
		return
	}

	// Keepalive probes are plain text, not JSON.
	if string(payload) == "Ping" {
		if err := f.writeMessage(websocket.TextMessage, []byte("Pong")); err != nil {
			f.logger.Warn("pong failed", "error", err)
		}
		return
	}

	var env streamEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		f.logger.Debug("ignoring non-json stream message")
		return
	}
	if !strings.Contains(env.DataType, "@ticker") || len(env.Data) == 0 {
		return
	}

	var fields rawFields
	if err := json.Unmarshal(env.Data, &fields); err != nil {
		f.logger.Warn("bad ticker payload", "error", err)
		return
	}

	ticker := tickerFromFields(fields)
	if ticker.Symbol == "" {
		ticker.Symbol = f.symbol
	}
	if f.onTicker != nil {
		f.onTicker(ticker)
	}
}

// inflateFrame returns the frame contents, gunzipping when the gzip magic
// bytes lead the payload.
func inflateFrame(data []byte) ([]byte, error) {
	if len(data) < 2 || data[0] != 0x1f || data[1] != 0x8b {
		return data, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("gzip inflate: %w", err)
	}
	return out, nil
}

func (f *StreamFeed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("stream not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return f.conn.WriteJSON(v)
}

func (f *StreamFeed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("stream not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return f.conn.WriteMessage(msgType, data)
}
