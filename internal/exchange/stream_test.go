package exchange

import (
	"bytes"
	"compress/gzip"
	"testing"
	"time"

	"futures-bot/pkg/types"
)

func TestInflateFrame(t *testing.T) {
	t.Parallel()

	plain := []byte(`{"dataType":"BTC-USDT@ticker"}`)
	got, err := inflateFrame(plain)
	if err != nil {
		t.Fatalf("inflateFrame plain: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Errorf("plain frame altered: %q", got)
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write(plain)
	zw.Close()

	got, err = inflateFrame(buf.Bytes())
	if err != nil {
		t.Fatalf("inflateFrame gzip: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Errorf("gzip frame = %q, want %q", got, plain)
	}

	if _, err := inflateFrame([]byte{0x1f}); err != nil {
		t.Errorf("single byte should pass through, got %v", err)
	}
}

func TestStreamFeedURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		host string
		want string
	}{
		{"open-api-swap.example.com", "wss://open-api-swap.example.com/market?symbol=BTC-USDT"},
		{"wss://open-api-swap.example.com", "wss://open-api-swap.example.com/market?symbol=BTC-USDT"},
	}

	for _, tt := range tests {
		f := NewStreamFeed(tt.host, "BTC-USDT", 0, nil, testLogger())
		if f.url != tt.want {
			t.Errorf("url for host %q = %q, want %q", tt.host, f.url, tt.want)
		}
	}
}

func TestHandleFrameTicker(t *testing.T) {
	t.Parallel()

	var got types.Ticker
	f := NewStreamFeed("host", "BTC-USDT", time.Second, func(tk types.Ticker) { got = tk }, testLogger())

	f.handleFrame([]byte(`{"dataType":"BTC-USDT@ticker","data":{"c":"30123.5","v":"88","q":"2600000"}}`))

	if got.LastPrice != 30123.5 {
		t.Errorf("LastPrice = %v, want 30123.5", got.LastPrice)
	}
	if got.Symbol != "BTC-USDT" {
		t.Errorf("Symbol = %q, want BTC-USDT (filled from feed)", got.Symbol)
	}
}

func TestHandleFrameGzipTicker(t *testing.T) {
	t.Parallel()

	var got types.Ticker
	f := NewStreamFeed("host", "ETH-USDT", time.Second, func(tk types.Ticker) { got = tk }, testLogger())

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write([]byte(`{"dataType":"ETH-USDT@ticker","data":{"s":"ETH-USDT","c":"2010"}}`))
	zw.Close()

	f.handleFrame(buf.Bytes())

	if got.LastPrice != 2010 {
		t.Errorf("LastPrice = %v, want 2010", got.LastPrice)
	}
}

func TestHandleFrameIgnoresOtherChannels(t *testing.T) {
	t.Parallel()

	called := false
	f := NewStreamFeed("host", "BTC-USDT", time.Second, func(types.Ticker) { called = true }, testLogger())

	f.handleFrame([]byte(`{"dataType":"BTC-USDT@depth","data":{"bids":[]}}`))
	f.handleFrame([]byte(`not json at all`))
	f.handleFrame([]byte(`Ping`))

	if called {
		t.Error("callback fired for non-ticker frame")
	}
}
