package polymarket

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/bookrecorder/internal/domain"
)

// DefaultMarketWSURL is the CLOB market channel endpoint.
const DefaultMarketWSURL = "wss://ws-subscriptions-clob.polymarket.com/ws/market"

// Venue is the venue name used in records, metrics and keys.
const Venue = "polymarket"

// MarketAdapter speaks the CLOB market channel protocol.
type MarketAdapter struct {
	wsURL  string
	origin string
}

// NewMarketAdapter creates an adapter for the given endpoint.
func NewMarketAdapter(wsURL string) *MarketAdapter {
	if wsURL == "" {
		wsURL = DefaultMarketWSURL
	}
	return &MarketAdapter{wsURL: wsURL, origin: "https://polymarket.com"}
}

func (a *MarketAdapter) Venue() string    { return Venue }
func (a *MarketAdapter) Endpoint() string { return a.wsURL }
func (a *MarketAdapter) Ping() []byte     { return []byte("PING") }

func (a *MarketAdapter) Header() http.Header {
	h := http.Header{}
	h.Set("Origin", a.origin)
	return h
}

// SubscribeFrames returns the single market subscription for the target's
// asset ids.
func (a *MarketAdapter) SubscribeFrames(t domain.Target) ([][]byte, error) {
	var ids []string
	for _, id := range t.Instruments() {
		if isDigits(id) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("polymarket/ws: %s: %w", t.Label(), domain.ErrNoInstruments)
	}
	b, err := json.Marshal(WSCommand{Type: "market", Assets: ids})
	if err != nil {
		return nil, fmt.Errorf("polymarket/ws: marshal subscribe: %w", err)
	}
	return [][]byte{b}, nil
}

// Decode accepts a JSON object or array of objects. Frames that are not JSON
// at all, such as the PONG reply, are control frames.
func (a *MarketAdapter) Decode(frame []byte, receivedAt time.Time) ([]domain.Payload, error) {
	trimmed := bytes.TrimSpace(frame)
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return nil, nil
	}

	var items []json.RawMessage
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("polymarket/ws: %w: %v", domain.ErrMalformedPayload, err)
		}
	} else {
		items = []json.RawMessage{trimmed}
	}

	var (
		out  []domain.Payload
		errs []error
	)
	for _, item := range items {
		p, err := decodePayload(item, receivedAt)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, p)
	}
	return out, errors.Join(errs...)
}

func decodePayload(item json.RawMessage, receivedAt time.Time) (domain.Payload, error) {
	var msg WSMessage
	if err := json.Unmarshal(item, &msg); err != nil {
		return domain.Payload{}, fmt.Errorf("polymarket/ws: %w: %v", domain.ErrMalformedPayload, err)
	}

	symbol := msg.symbol()
	if symbol == "" {
		return domain.Payload{}, fmt.Errorf("polymarket/ws: %w: %s without asset id", domain.ErrMalformedPayload, msg.EventType)
	}
	ts, err := parseTimestamp(msg.Timestamp)
	if err != nil {
		return domain.Payload{}, fmt.Errorf("polymarket/ws: %w: timestamp: %v", domain.ErrMalformedPayload, err)
	}
	if ts == 0 {
		ts = receivedAt.UnixMilli()
	}

	p := domain.Payload{
		Symbol:     symbol,
		Type:       msg.EventType,
		EventTS:    ts,
		ReceivedAt: receivedAt,
		Data:       item,
	}

	switch msg.EventType {
	case "book":
		p.Updates = []domain.StreamMessage{{
			Symbol:     symbol,
			Type:       domain.MessageSnapshot,
			UpdateType: msg.EventType,
			EventTS:    ts,
			Bids:       levels(msg.Bids),
			Asks:       levels(msg.Asks),
		}}
	case "price_change":
		p.Updates = msg.deltas(symbol, ts)
	default:
		return domain.Payload{}, fmt.Errorf("polymarket/ws: %w: %q", domain.ErrUnknownEvent, msg.EventType)
	}
	return p, nil
}

// symbol resolves the payload's instrument from the first field present.
func (m WSMessage) symbol() string {
	for _, s := range []string{m.AssetID, m.Symbol, m.Market} {
		if s != "" {
			return s
		}
	}
	if len(m.PriceChanges) > 0 {
		return m.PriceChanges[0].AssetID
	}
	return ""
}

// deltas splits a price_change payload into one delta per asset, in order of
// first appearance.
func (m WSMessage) deltas(symbol string, ts int64) []domain.StreamMessage {
	if len(m.PriceChanges) == 0 {
		return []domain.StreamMessage{{
			Symbol:     symbol,
			Type:       domain.MessageDelta,
			UpdateType: m.EventType,
			EventTS:    ts,
			Bids:       levels(m.Bids),
			Asks:       levels(m.Asks),
		}}
	}

	index := make(map[string]int)
	var out []domain.StreamMessage
	for _, pc := range m.PriceChanges {
		asset := pc.AssetID
		if asset == "" {
			asset = symbol
		}
		i, ok := index[asset]
		if !ok {
			i = len(out)
			index[asset] = i
			out = append(out, domain.StreamMessage{
				Symbol:     asset,
				Type:       domain.MessageDelta,
				UpdateType: m.EventType,
				EventTS:    ts,
			})
		}
		lv := domain.PriceLevel{Price: string(pc.Price), Size: string(pc.Size)}
		switch strings.ToUpper(pc.Side) {
		case "BUY":
			out[i].Bids = append(out[i].Bids, lv)
		case "SELL":
			out[i].Asks = append(out[i].Asks, lv)
		}
	}
	return out
}

func levels(in []WSPriceLevel) []domain.PriceLevel {
	out := make([]domain.PriceLevel, 0, len(in))
	for _, l := range in {
		out = append(out, domain.PriceLevel{Price: string(l.Price), Size: string(l.Size)})
	}
	return out
}

// parseTimestamp accepts ms as a number, a digit string or an ISO-8601 time.
// An absent timestamp yields 0.
func parseTimestamp(raw json.RawMessage) (int64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, nil
	}
	if raw[0] != '"' {
		f, err := strconv.ParseFloat(string(raw), 64)
		if err != nil {
			return 0, err
		}
		return int64(f), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, err
	}
	if s == "" {
		return 0, nil
	}
	if isDigits(s) {
		return strconv.ParseInt(s, 10, 64)
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return 0, err
	}
	return t.UnixMilli(), nil
}
