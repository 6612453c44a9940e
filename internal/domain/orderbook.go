package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// PriceLevel is a single price+size entry in an orderbook. Both fields keep
// the venue's decimal text as received.
type PriceLevel struct {
	Price string
	Size  string
}

// MarshalJSON encodes the level as a [price, size] pair.
func (l PriceLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{l.Price, l.Size})
}

// UnmarshalJSON accepts [price, size] pairs whose elements are either JSON
// strings or bare numbers.
func (l *PriceLevel) UnmarshalJSON(b []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(b, &pair); err != nil {
		return fmt.Errorf("price level: %w", err)
	}
	if len(pair) < 2 {
		return fmt.Errorf("price level: want 2 elements, got %d", len(pair))
	}
	price, err := decimalText(pair[0])
	if err != nil {
		return err
	}
	size, err := decimalText(pair[1])
	if err != nil {
		return err
	}
	l.Price, l.Size = price, size
	return nil
}

func decimalText(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("price level: %w", err)
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("price level: %w", err)
	}
	return n.String(), nil
}

// MessageType distinguishes full book replacements from incremental updates.
type MessageType string

const (
	MessageSnapshot MessageType = "snapshot"
	MessageDelta    MessageType = "delta"
)

// StreamMessage is a venue payload normalised to a single symbol's book
// update.
type StreamMessage struct {
	Symbol         string
	Type           MessageType
	UpdateType     string // venue event name, e.g. "book" or "delta"
	EventTS        int64  // exchange timestamp in ms; synthesised when absent
	LocalReceiveTS int64  // ms, taken at socket read
	ReceivedAt     time.Time
	UpdateID       *int64
	Seq            *int64
	Bids           []PriceLevel
	Asks           []PriceLevel
}

// Payload is one accepted application message. A payload becomes exactly one
// raw record and zero or more book updates.
type Payload struct {
	Symbol     string
	Type       string
	EventTS    int64
	ReceivedAt time.Time
	Data       json.RawMessage
	Updates    []StreamMessage
}

// RawRecord is the line written to the raw output stream.
type RawRecord struct {
	Symbol         string          `json:"symbol"`
	Type           string          `json:"type"`
	TS             int64           `json:"ts"`
	LocalReceiveTS int64           `json:"local_receive_ts"`
	Data           json.RawMessage `json:"data"`

	ReceivedAt time.Time `json:"-"`
}

// SnapshotRecord is an immutable view of one book after an update was
// applied.
type SnapshotRecord struct {
	Symbol         string       `json:"symbol"`
	UpdateType     string       `json:"update_type"`
	TS             int64        `json:"ts"`
	LocalReceiveTS int64        `json:"local_receive_ts"`
	UpdateID       *int64       `json:"update_id"`
	Seq            *int64       `json:"seq"`
	BestBid        *string      `json:"best_bid"`
	BestAsk        *string      `json:"best_ask"`
	BidDepth       int          `json:"bid_depth"`
	AskDepth       int          `json:"ask_depth"`
	Bids           []PriceLevel `json:"bids"`
	Asks           []PriceLevel `json:"asks"`

	ReceivedAt time.Time `json:"-"`
}

// UnixMilli converts a receipt time into the ms timestamp used in records.
func UnixMilli(t time.Time) int64 {
	return t.UnixMilli()
}
