// Package bybit implements the Bybit v5 public orderbook stream and the
// instruments-info lookup used to discover delivery contracts.
package bybit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/bookrecorder/internal/domain"
)

// Category is a v5 product category.
type Category string

const (
	CategorySpot   Category = "spot"
	CategoryLinear Category = "linear"
)

// DefaultPublicWSURL returns the public stream endpoint for a category.
func DefaultPublicWSURL(c Category) string {
	return "wss://stream.bybit.com/v5/public/" + string(c)
}

// OrderbookAdapter speaks the orderbook.<depth>.<symbol> topic.
type OrderbookAdapter struct {
	venue    string
	endpoint string
	depth    int
}

// NewOrderbookAdapter creates an adapter. venue names the output streams,
// e.g. "bybit_spot".
func NewOrderbookAdapter(venue, endpoint string, depth int) *OrderbookAdapter {
	return &OrderbookAdapter{venue: venue, endpoint: endpoint, depth: depth}
}

func (a *OrderbookAdapter) Venue() string       { return a.venue }
func (a *OrderbookAdapter) Endpoint() string    { return a.endpoint }
func (a *OrderbookAdapter) Header() http.Header { return nil }
func (a *OrderbookAdapter) Ping() []byte        { return []byte(`{"op":"ping"}`) }

// Topic returns the orderbook topic for symbol.
func (a *OrderbookAdapter) Topic(symbol string) string {
	return "orderbook." + strconv.Itoa(a.depth) + "." + symbol
}

type wsRequest struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

// SubscribeFrames returns one subscribe request covering every instrument.
func (a *OrderbookAdapter) SubscribeFrames(t domain.Target) ([][]byte, error) {
	syms := t.Instruments()
	if len(syms) == 0 {
		return nil, fmt.Errorf("bybit/ws: %s: %w", t.Label(), domain.ErrNoInstruments)
	}
	args := make([]string, 0, len(syms))
	for _, s := range syms {
		args = append(args, a.Topic(s))
	}
	b, err := json.Marshal(wsRequest{Op: "subscribe", Args: args})
	if err != nil {
		return nil, fmt.Errorf("bybit/ws: marshal subscribe: %w", err)
	}
	return [][]byte{b}, nil
}

type wsMessage struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	TS    int64           `json:"ts"`
	CTS   int64           `json:"cts"`
	Op    string          `json:"op"`
	Data  json.RawMessage `json:"data"`
}

type wsBook struct {
	Symbol   string              `json:"s"`
	Bids     []domain.PriceLevel `json:"b"`
	Asks     []domain.PriceLevel `json:"a"`
	UpdateID *int64              `json:"u"`
	Seq      *int64              `json:"seq"`
}

// Decode handles orderbook snapshot and delta messages. Replies to
// subscribe and ping requests carry no topic and are control frames.
func (a *OrderbookAdapter) Decode(frame []byte, receivedAt time.Time) ([]domain.Payload, error) {
	var msg wsMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, fmt.Errorf("bybit/ws: %w: %v", domain.ErrMalformedPayload, err)
	}
	if msg.Topic == "" {
		return nil, nil
	}
	if !strings.HasPrefix(msg.Topic, "orderbook.") {
		return nil, fmt.Errorf("bybit/ws: %w: topic %q", domain.ErrUnknownEvent, msg.Topic)
	}

	var kind domain.MessageType
	switch msg.Type {
	case "snapshot":
		kind = domain.MessageSnapshot
	case "delta":
		kind = domain.MessageDelta
	default:
		return nil, fmt.Errorf("bybit/ws: %w: type %q", domain.ErrUnknownEvent, msg.Type)
	}

	var data wsBook
	if len(bytes.TrimSpace(msg.Data)) == 0 {
		return nil, fmt.Errorf("bybit/ws: %w: %s without data", domain.ErrMalformedPayload, msg.Topic)
	}
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		return nil, fmt.Errorf("bybit/ws: %w: %v", domain.ErrMalformedPayload, err)
	}
	if data.Symbol == "" {
		return nil, fmt.Errorf("bybit/ws: %w: %s without symbol", domain.ErrMalformedPayload, msg.Topic)
	}

	ts := msg.TS
	if ts == 0 {
		ts = receivedAt.UnixMilli()
	}
	return []domain.Payload{{
		Symbol:     data.Symbol,
		Type:       msg.Type,
		EventTS:    ts,
		ReceivedAt: receivedAt,
		Data:       json.RawMessage(frame),
		Updates: []domain.StreamMessage{{
			Symbol:     data.Symbol,
			Type:       kind,
			UpdateType: msg.Type,
			EventTS:    ts,
			UpdateID:   data.UpdateID,
			Seq:        data.Seq,
			Bids:       data.Bids,
			Asks:       data.Asks,
		}},
	}}, nil
}
