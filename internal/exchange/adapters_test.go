package exchange

import (
	"encoding/json"
	"testing"

	"futures-bot/pkg/types"
)

func TestNormalizeSymbol(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"btcusdt", "BTC-USDT"},
		{"BTCUSDT", "BTC-USDT"},
		{"BTC-USDT", "BTC-USDT"},
		{" ethusdc ", "ETH-USDC"},
		{"solvst", "SOL-VST"},
		{"USDT", "USDT"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := NormalizeSymbol(tt.in); got != tt.want {
			t.Errorf("NormalizeSymbol(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseTicker(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload string
		want    float64 // LastPrice
		wantErr bool
	}{
		{
			name:    "long field names",
			payload: `{"symbol":"BTC-USDT","lastPrice":"30000","volume":"100","quoteVolume":"3000000"}`,
			want:    30000,
		},
		{
			name:    "stream aliases",
			payload: `{"s":"BTC-USDT","c":"30000","p":"1.5","P":"450","v":"100","q":"3000000","b":"29999","a":"30001","o":"29550","h":"30100","l":"29400"}`,
			want:    30000,
		},
		{
			name:    "one-element array",
			payload: `[{"symbol":"BTC-USDT","lastPrice":"30000"}]`,
			want:    30000,
		},
		{
			name:    "empty array",
			payload: `[]`,
			wantErr: true,
		},
		{
			name:    "no price fields",
			payload: `{"symbol":"BTC-USDT","volume":"100"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := parseTicker("BTC-USDT", json.RawMessage(tt.payload))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseTicker: %v", err)
			}
			if got.LastPrice != tt.want {
				t.Errorf("LastPrice = %v, want %v", got.LastPrice, tt.want)
			}
			if got.Symbol != "BTC-USDT" {
				t.Errorf("Symbol = %q, want BTC-USDT", got.Symbol)
			}
		})
	}
}

func TestParseTickerAliasFields(t *testing.T) {
	t.Parallel()

	payload := `{"s":"ETH-USDT","c":"2000","P":"40","p":"2.04","v":"5000","q":"10000000","b":"1999.5","a":"2000.5","h":"2050","l":"1950"}`
	got, err := parseTicker("ETH-USDT", json.RawMessage(payload))
	if err != nil {
		t.Fatalf("parseTicker: %v", err)
	}
	if got.PriceChange != 40 {
		t.Errorf("PriceChange = %v, want 40", got.PriceChange)
	}
	if got.PriceChangePercent != 2.04 {
		t.Errorf("PriceChangePercent = %v, want 2.04", got.PriceChangePercent)
	}
	if got.BidPrice != 1999.5 || got.AskPrice != 2000.5 {
		t.Errorf("bid/ask = %v/%v, want 1999.5/2000.5", got.BidPrice, got.AskPrice)
	}
	if got.HighPrice24h != 2050 || got.LowPrice24h != 1950 {
		t.Errorf("high/low = %v/%v, want 2050/1950", got.HighPrice24h, got.LowPrice24h)
	}
}

func TestParseKlines(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload string
		wantLen int
		wantErr bool
	}{
		{
			name:    "object rows",
			payload: `[{"time":1700000000000,"open":"100","high":"102","low":"99","close":"101","volume":"10"}]`,
			wantLen: 1,
		},
		{
			name:    "positional rows",
			payload: `[[1700000000000,"100","102","99","101","10"],[1700000060000,"101","103","100","102","12"]]`,
			wantLen: 2,
		},
		{
			name:    "mixed rows",
			payload: `[[1700000000000,"100","102","99","101","10"],{"time":1700000060000,"open":"101","high":"103","low":"100","close":"102","volume":"12"}]`,
			wantLen: 2,
		},
		{
			name:    "short positional row",
			payload: `[[1700000000000,"100","102"]]`,
			wantErr: true,
		},
		{
			name:    "object missing close",
			payload: `[{"time":1700000000000,"open":"100"}]`,
			wantErr: true,
		},
		{
			name:    "empty array",
			payload: `[]`,
			wantLen: 0,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := parseKlines(json.RawMessage(tt.payload))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseKlines: %v", err)
			}
			if len(got) != tt.wantLen {
				t.Errorf("len = %d, want %d", len(got), tt.wantLen)
			}
		})
	}
}

func TestParseKlinesReversesDescending(t *testing.T) {
	t.Parallel()

	payload := `[
		[1700000120000,"102","104","101","103","8"],
		[1700000060000,"101","103","100","102","12"],
		[1700000000000,"100","102","99","101","10"]]`
	got, err := parseKlines(json.RawMessage(payload))
	if err != nil {
		t.Fatalf("parseKlines: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i := 1; i < len(got); i++ {
		if !got[i-1].OpenTime.Before(got[i].OpenTime) {
			t.Fatalf("row %d not ascending: %v then %v", i, got[i-1].OpenTime, got[i].OpenTime)
		}
	}
	if got[2].Close != 103 {
		t.Errorf("latest close = %v, want 103", got[2].Close)
	}
}

func TestParseBalance(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload string
		asset   string
		want    float64 // Equity
		wantErr bool
	}{
		{
			name:    "wrapped object",
			payload: `{"balance":{"asset":"USDT","balance":"1000","equity":"1010","availableMargin":"900","usedMargin":"100","unrealizedProfit":"10"}}`,
			asset:   "USDT",
			want:    1010,
		},
		{
			name:    "bare object",
			payload: `{"asset":"USDT","balance":"500","equity":"505"}`,
			asset:   "USDT",
			want:    505,
		},
		{
			name:    "flat array picks asset",
			payload: `[{"asset":"BTC","balance":"1","equity":"1"},{"asset":"USDT","balance":"1000","equity":"1020"}]`,
			asset:   "USDT",
			want:    1020,
		},
		{
			name:    "nested array",
			payload: `[[{"asset":"VST","balance":"100000","equity":"100500"}]]`,
			asset:   "VST",
			want:    100500,
		},
		{
			name:    "equity derived from balance plus pnl",
			payload: `{"asset":"USDT","balance":"1000","unrealizedProfit":"-25"}`,
			asset:   "USDT",
			want:    975,
		},
		{
			name:    "asset missing from array",
			payload: `[{"asset":"BTC","balance":"1","equity":"1"}]`,
			asset:   "USDT",
			wantErr: true,
		},
		{
			name:    "garbage",
			payload: `42`,
			asset:   "USDT",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := parseBalance(json.RawMessage(tt.payload), tt.asset)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseBalance: %v", err)
			}
			if got.Equity != tt.want {
				t.Errorf("Equity = %v, want %v", got.Equity, tt.want)
			}
			if got.Asset != tt.asset {
				t.Errorf("Asset = %q, want %q", got.Asset, tt.asset)
			}
		})
	}
}

func TestParsePositions(t *testing.T) {
	t.Parallel()

	payload := `[
		{"symbol":"BTC-USDT","positionSide":"LONG","positionAmt":"0.5","entryPrice":"30000","markPrice":"30100","unrealizedProfit":"50"},
		{"symbol":"ETH-USDT","positionSide":"SHORT","positionAmt":"2","avgPrice":"2000","markPrice":"1990"},
		{"symbol":"SOL-USDT","positionAmt":"-10","entryPrice":"150"},
		{"symbol":"XRP-USDT","positionAmt":"0","entryPrice":"0.5"}]`

	got, err := parsePositions(json.RawMessage(payload))
	if err != nil {
		t.Fatalf("parsePositions: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3 (zero-amount row dropped)", len(got))
	}
	if got[0].PositionSide != types.LONG || got[0].EntryPrice != 30000 {
		t.Errorf("BTC position = %+v", got[0])
	}
	if got[1].PositionSide != types.SHORT {
		t.Errorf("ETH positionSide = %s, want SHORT", got[1].PositionSide)
	}
	if got[1].EntryPrice != 2000 {
		t.Errorf("ETH entry via avgPrice alias = %v, want 2000", got[1].EntryPrice)
	}
	if got[2].PositionSide != types.SHORT {
		t.Errorf("negative amount should imply SHORT, got %s", got[2].PositionSide)
	}
}

func TestParseOpenOrders(t *testing.T) {
	t.Parallel()

	wrapped := `{"orders":[{"orderId":"1","symbol":"BTC-USDT","side":"BUY","type":"LIMIT","origQty":"0.1","price":"29000","status":"NEW"}]}`
	got, err := parseOpenOrders(json.RawMessage(wrapped))
	if err != nil {
		t.Fatalf("parseOpenOrders wrapped: %v", err)
	}
	if len(got) != 1 || got[0].OrderID != "1" || got[0].Quantity != 0.1 {
		t.Errorf("wrapped orders = %+v", got)
	}

	bare := `[{"orderID":"2","symbol":"ETH-USDT","side":"SELL","type":"MARKET","quantity":"1","status":"PARTIALLY_FILLED"}]`
	got, err = parseOpenOrders(json.RawMessage(bare))
	if err != nil {
		t.Fatalf("parseOpenOrders bare: %v", err)
	}
	if len(got) != 1 || got[0].OrderID != "2" {
		t.Errorf("bare orders = %+v", got)
	}
}

func TestParseOrderResult(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload string
		wantID  string
		wantErr bool
	}{
		{"wrapped", `{"order":{"orderId":"777","status":"FILLED","executedQty":"0.01","avgPrice":"30050"}}`, "777", false},
		{"bare", `{"orderId":"888"}`, "888", false},
		{"alternate id key", `{"orderID":"999","status":"NEW"}`, "999", false},
		{"numeric id", `{"orderId":12345}`, "12345", false},
		{"missing id", `{"status":"NEW"}`, "", true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := parseOrderResult(json.RawMessage(tt.payload))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseOrderResult: %v", err)
			}
			if got.OrderID != tt.wantID {
				t.Errorf("OrderID = %q, want %q", got.OrderID, tt.wantID)
			}
			if got.Status == "" {
				t.Error("Status defaulted to empty, want NEW")
			}
		})
	}
}

func TestToFloat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want float64
	}{
		{`"30000.5"`, 30000.5},
		{`30000.5`, 30000.5},
		{`"-7"`, -7},
		{`null`, 0},
		{`""`, 0},
		{`"abc"`, 0},
		{``, 0},
	}

	for _, tt := range tests {
		if got := toFloat(json.RawMessage(tt.in)); got != tt.want {
			t.Errorf("toFloat(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
