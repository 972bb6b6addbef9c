// adapters.go normalizes the venue's response payloads into the canonical
// structs in pkg/types. The API is loose about shapes: numbers arrive as
// strings or raw numbers, klines come as objects or positional arrays,
// balances come in three different containers, and streaming tickers use
// one-letter aliases for the REST field names. Everything funnels through
// here so the rest of the codebase sees exactly one shape per concept.
//
// A payload that matches none of the accepted shapes surfaces as a
// TransportError with reason "schema". Individual malformed numeric fields
// decode to zero rather than failing the whole payload.
package exchange

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"futures-bot/pkg/types"
)

// rawFields is a decoded JSON object with values left raw for alias lookup.
type rawFields map[string]json.RawMessage

// toFloat decodes a raw JSON value that may be a number, a quoted number,
// or absent. Malformed input decodes to 0.
func toFloat(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return 0
	}
	s := strings.Trim(string(raw), `"`)
	if s == "" || s == "null" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

// toString decodes a raw JSON value that may be a string or a bare number.
func toString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.Trim(string(raw), `"`)
}

// pickFloat returns the first present alias, decoded as a float.
func (f rawFields) pickFloat(names ...string) float64 {
	for _, name := range names {
		if raw, ok := f[name]; ok {
			return toFloat(raw)
		}
	}
	return 0
}

// pickString returns the first present alias, decoded as a string.
func (f rawFields) pickString(names ...string) string {
	for _, name := range names {
		if raw, ok := f[name]; ok {
			return toString(raw)
		}
	}
	return ""
}

// pickTime decodes a millisecond epoch from the first present alias.
func (f rawFields) pickTime(names ...string) time.Time {
	ms := f.pickFloat(names...)
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(ms))
}

// NormalizeSymbol maps loose user input ("btcusdt") to the venue's dashed
// uppercase form ("BTC-USDT"). Already-dashed input passes through.
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if s == "" || strings.Contains(s, "-") {
		return s
	}
	for _, quote := range []string{"USDT", "USDC", "VST"} {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return s[:len(s)-len(quote)] + "-" + quote
		}
	}
	return s
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// parseTicker accepts a ticker object or a one-element array of objects,
// with either full field names or the stream's short aliases.
func parseTicker(symbol string, data json.RawMessage) (*types.Ticker, error) {
	obj := data
	var list []json.RawMessage
	if err := json.Unmarshal(data, &list); err == nil {
		if len(list) == 0 {
			return nil, NewSchemaError("getTicker", fmt.Errorf("empty ticker array"))
		}
		obj = list[0]
	}

	var fields rawFields
	if err := json.Unmarshal(obj, &fields); err != nil {
		return nil, NewSchemaError("getTicker", err)
	}

	t := tickerFromFields(fields)
	if t.Symbol == "" {
		t.Symbol = symbol
	}
	if t.LastPrice == 0 && t.BidPrice == 0 && t.AskPrice == 0 {
		return nil, NewSchemaError("getTicker", fmt.Errorf("no price fields in payload"))
	}
	return &t, nil
}

// tickerFromFields maps one ticker object, long names or short aliases,
// into the canonical struct. Shared by the REST and streaming paths.
func tickerFromFields(fields rawFields) types.Ticker {
	return types.Ticker{
		Symbol:             fields.pickString("symbol", "s"),
		LastPrice:          fields.pickFloat("lastPrice", "c"),
		PriceChange:        fields.pickFloat("priceChange", "P"),
		PriceChangePercent: fields.pickFloat("priceChangePercent", "p"),
		Volume:             fields.pickFloat("volume", "v"),
		QuoteVolume:        fields.pickFloat("quoteVolume", "q"),
		BidPrice:           fields.pickFloat("bidPrice", "b"),
		AskPrice:           fields.pickFloat("askPrice", "a"),
		HighPrice24h:       fields.pickFloat("highPrice", "highPrice24h", "h"),
		LowPrice24h:        fields.pickFloat("lowPrice", "lowPrice24h", "l"),
		LastUpdate:         time.Now(),
	}
}

// parseKlines accepts rows as objects ({time, open, ...}) or positional
// arrays ([time, open, high, low, close, volume]), mixed freely. Rows come
// back oldest first regardless of the wire order.
func parseKlines(data json.RawMessage) ([]types.Kline, error) {
	var rows []json.RawMessage
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, NewSchemaError("getKlines", err)
	}

	klines := make([]types.Kline, 0, len(rows))
	for i, row := range rows {
		k, err := parseKlineRow(row)
		if err != nil {
			return nil, NewSchemaError("getKlines", fmt.Errorf("row %d: %w", i, err))
		}
		klines = append(klines, k)
	}

	// Some endpoints return newest first; the pipeline wants ascending time.
	if len(klines) > 1 && klines[0].OpenTime.After(klines[len(klines)-1].OpenTime) {
		for i, j := 0, len(klines)-1; i < j; i, j = i+1, j-1 {
			klines[i], klines[j] = klines[j], klines[i]
		}
	}
	return klines, nil
}

func parseKlineRow(row json.RawMessage) (types.Kline, error) {
	trimmed := strings.TrimSpace(string(row))
	if strings.HasPrefix(trimmed, "[") {
		var cells []json.RawMessage
		if err := json.Unmarshal(row, &cells); err != nil {
			return types.Kline{}, err
		}
		if len(cells) < 6 {
			return types.Kline{}, fmt.Errorf("positional kline has %d cells, want 6", len(cells))
		}
		return types.Kline{
			OpenTime: time.UnixMilli(int64(toFloat(cells[0]))),
			Open:     toFloat(cells[1]),
			High:     toFloat(cells[2]),
			Low:      toFloat(cells[3]),
			Close:    toFloat(cells[4]),
			Volume:   toFloat(cells[5]),
		}, nil
	}

	var fields rawFields
	if err := json.Unmarshal(row, &fields); err != nil {
		return types.Kline{}, err
	}
	if _, ok := fields["close"]; !ok {
		if _, ok := fields["c"]; !ok {
			return types.Kline{}, fmt.Errorf("kline object missing close field")
		}
	}
	return types.Kline{
		OpenTime: fields.pickTime("time", "openTime", "t"),
		Open:     fields.pickFloat("open", "o"),
		High:     fields.pickFloat("high", "h"),
		Low:      fields.pickFloat("low", "l"),
		Close:    fields.pickFloat("close", "c"),
		Volume:   fields.pickFloat("volume", "v"),
	}, nil
}

// parseDepth decodes an order book snapshot with [price, qty] string pairs.
func parseDepth(symbol string, data json.RawMessage) (*types.Depth, error) {
	var payload struct {
		Bids [][]json.RawMessage `json:"bids"`
		Asks [][]json.RawMessage `json:"asks"`
		T    json.RawMessage     `json:"T"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, NewSchemaError("getDepth", err)
	}

	levels := func(rows [][]json.RawMessage) []types.PriceLevel {
		out := make([]types.PriceLevel, 0, len(rows))
		for _, row := range rows {
			if len(row) < 2 {
				continue
			}
			out = append(out, types.PriceLevel{Price: toFloat(row[0]), Quantity: toFloat(row[1])})
		}
		return out
	}

	ts := time.Now()
	if ms := toFloat(payload.T); ms > 0 {
		ts = time.UnixMilli(int64(ms))
	}
	return &types.Depth{
		Symbol: symbol,
		Bids:   levels(payload.Bids),
		Asks:   levels(payload.Asks),
		Time:   ts,
	}, nil
}

// parseContracts decodes the symbol directory. Status 1 means TRADING.
func parseContracts(data json.RawMessage) ([]types.ContractInfo, error) {
	var rows []rawFields
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, NewSchemaError("getContracts", err)
	}

	contracts := make([]types.ContractInfo, 0, len(rows))
	for _, fields := range rows {
		symbol := fields.pickString("symbol")
		if symbol == "" {
			continue
		}
		contracts = append(contracts, types.ContractInfo{
			Symbol:       symbol,
			Status:       int(fields.pickFloat("status", "apiStateOpen")),
			QuoteAsset:   fields.pickString("currency", "quoteAsset"),
			PricePrec:    int(fields.pickFloat("pricePrecision")),
			QuantityPrec: int(fields.pickFloat("quantityPrecision")),
			MinQuantity:  fields.pickFloat("tradeMinQuantity", "size"),
			MinNotional:  fields.pickFloat("tradeMinUSDT", "minNotional"),
		})
	}
	return contracts, nil
}

// ————————————————————————————————————————————————————————————————————————
// Account data
// ————————————————————————————————————————————————————————————————————————

// parseBalance accepts the three container shapes the venue has shipped:
// {"balance": {...}}, a flat array of per-asset objects, or a nested array.
// It returns the entry for the configured asset.
func parseBalance(data json.RawMessage, asset string) (*types.Balance, error) {
	trimmed := strings.TrimSpace(string(data))

	if strings.HasPrefix(trimmed, "{") {
		var wrapper struct {
			Balance json.RawMessage `json:"balance"`
		}
		if err := json.Unmarshal(data, &wrapper); err == nil && len(wrapper.Balance) > 0 {
			return balanceFromObject(wrapper.Balance, asset)
		}
		return balanceFromObject(data, asset)
	}

	if strings.HasPrefix(trimmed, "[") {
		var rows []json.RawMessage
		if err := json.Unmarshal(data, &rows); err != nil {
			return nil, NewSchemaError("getBalance", err)
		}
		// Nested-array form: unwrap one level.
		if len(rows) > 0 && strings.HasPrefix(strings.TrimSpace(string(rows[0])), "[") {
			var inner []json.RawMessage
			if err := json.Unmarshal(rows[0], &inner); err != nil {
				return nil, NewSchemaError("getBalance", err)
			}
			rows = inner
		}
		for _, row := range rows {
			b, err := balanceFromObject(row, asset)
			if err == nil && b.Asset == asset {
				return b, nil
			}
		}
		return nil, NewSchemaError("getBalance", fmt.Errorf("no balance entry for asset %s", asset))
	}

	return nil, NewSchemaError("getBalance", fmt.Errorf("unrecognized balance payload"))
}

func balanceFromObject(raw json.RawMessage, asset string) (*types.Balance, error) {
	var fields rawFields
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, NewSchemaError("getBalance", err)
	}
	got := fields.pickString("asset", "currency")
	if got == "" {
		got = asset
	}
	b := &types.Balance{
		Asset:            got,
		Balance:          fields.pickFloat("balance", "walletBalance"),
		Equity:           fields.pickFloat("equity"),
		AvailableMargin:  fields.pickFloat("availableMargin", "available"),
		UsedMargin:       fields.pickFloat("usedMargin", "used"),
		UnrealizedProfit: fields.pickFloat("unrealizedProfit", "unrealisedPnl"),
	}
	if b.Equity == 0 && b.Balance == 0 {
		return nil, NewSchemaError("getBalance", fmt.Errorf("no balance fields in payload"))
	}
	if b.Equity == 0 {
		b.Equity = b.Balance + b.UnrealizedProfit
	}
	return b, nil
}

// parsePositions decodes the open-position report. Rows with zero amount
// are dropped.
func parsePositions(data json.RawMessage) ([]types.ExchangePosition, error) {
	var rows []rawFields
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, NewSchemaError("getPositions", err)
	}

	positions := make([]types.ExchangePosition, 0, len(rows))
	for _, fields := range rows {
		amt := fields.pickFloat("positionAmt", "positionAmount")
		if amt == 0 {
			continue
		}
		side := types.LONG
		if strings.EqualFold(fields.pickString("positionSide"), "SHORT") || amt < 0 {
			side = types.SHORT
		}
		positions = append(positions, types.ExchangePosition{
			Symbol:           fields.pickString("symbol"),
			PositionSide:     side,
			PositionAmt:      amt,
			EntryPrice:       fields.pickFloat("entryPrice", "avgPrice"),
			MarkPrice:        fields.pickFloat("markPrice"),
			UnrealizedProfit: fields.pickFloat("unrealizedProfit", "unrealisedPnl"),
			Percentage:       fields.pickFloat("percentage"),
			LiquidationPrice: fields.pickFloat("liquidationPrice"),
			MaintMargin:      fields.pickFloat("maintMargin"),
			UpdateTime:       fields.pickTime("updateTime"),
		})
	}
	return positions, nil
}

// parseOpenOrders accepts {"orders": [...]} or a bare array.
func parseOpenOrders(data json.RawMessage) ([]types.OpenOrder, error) {
	rows := data
	var wrapper struct {
		Orders json.RawMessage `json:"orders"`
	}
	if err := json.Unmarshal(data, &wrapper); err == nil && len(wrapper.Orders) > 0 {
		rows = wrapper.Orders
	}

	var list []rawFields
	if err := json.Unmarshal(rows, &list); err != nil {
		return nil, NewSchemaError("getOpenOrders", err)
	}

	orders := make([]types.OpenOrder, 0, len(list))
	for _, fields := range list {
		orders = append(orders, types.OpenOrder{
			OrderID:      fields.pickString("orderId", "orderID"),
			Symbol:       fields.pickString("symbol"),
			Side:         types.Side(fields.pickString("side")),
			PositionSide: types.PositionSide(fields.pickString("positionSide")),
			Type:         types.OrderType(fields.pickString("type")),
			Quantity:     fields.pickFloat("origQty", "quantity"),
			Price:        fields.pickFloat("price"),
			Status:       types.OrderStatus(fields.pickString("status")),
			CreatedAt:    fields.pickTime("time", "createTime"),
		})
	}
	return orders, nil
}

// parseOrderResult accepts {"order": {...}} or a bare order object.
func parseOrderResult(data json.RawMessage) (*types.OrderResult, error) {
	obj := data
	var wrapper struct {
		Order json.RawMessage `json:"order"`
	}
	if err := json.Unmarshal(data, &wrapper); err == nil && len(wrapper.Order) > 0 {
		obj = wrapper.Order
	}

	var fields rawFields
	if err := json.Unmarshal(obj, &fields); err != nil {
		return nil, NewSchemaError("placeOrder", err)
	}
	orderID := fields.pickString("orderId", "orderID")
	if orderID == "" {
		return nil, NewSchemaError("placeOrder", fmt.Errorf("response missing orderId"))
	}

	status := types.OrderStatus(fields.pickString("status"))
	if status == "" {
		status = types.OrderStatusNew
	}
	return &types.OrderResult{
		OrderID:     orderID,
		Status:      status,
		ExecutedQty: fields.pickFloat("executedQty"),
		AvgPrice:    fields.pickFloat("avgPrice"),
	}, nil
}
