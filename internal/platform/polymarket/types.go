package polymarket

import (
	"bytes"
	"encoding/json"
	"strings"
)

// flexBool unmarshals from JSON bool or string ("true"/"false") so Gamma API
// responses work whether "active" is sent as bool or string.
type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = flexBool(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*f = flexBool(strings.EqualFold(s, "true") || s == "1")
	return nil
}

// flexText keeps a JSON string or number as its text.
type flexText string

func (f *flexText) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexText(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexText(n.String())
	return nil
}

// --------------------------------------------------------------------------
// Gamma API DTOs
// --------------------------------------------------------------------------

// APIEvent is an event as returned by /events/slug/{slug}.
type APIEvent struct {
	ID      string      `json:"id"`
	Slug    string      `json:"slug"`
	Title   string      `json:"title"`
	Active  flexBool    `json:"active"`
	Closed  flexBool    `json:"closed"`
	Markets []APIMarket `json:"markets"`
}

// APIMarket is a market nested in an event.
type APIMarket struct {
	ID           string          `json:"id"`
	Question     string          `json:"question"`
	ConditionID  string          `json:"conditionId"`
	Slug         string          `json:"slug"`
	Active       flexBool        `json:"active"`
	Closed       flexBool        `json:"closed"`
	ClobTokenIDs json.RawMessage `json:"clobTokenIds"`
}

// TokenIDs returns the CLOB token ids of the market. Gamma sends them either
// as a JSON list or as a JSON-encoded string; every run of digits counts as
// one id.
func (m APIMarket) TokenIDs() []string {
	raw := bytes.TrimSpace(m.ClobTokenIDs)
	if len(raw) == 0 {
		return nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil
		}
		return digitRuns(s)
	}
	var items []flexText
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	var out []string
	for _, it := range items {
		if isDigits(string(it)) {
			out = append(out, string(it))
		}
	}
	return out
}

func digitRuns(s string) []string {
	var out []string
	start := -1
	for i := 0; i <= len(s); i++ {
		if i < len(s) && s[i] >= '0' && s[i] <= '9' {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			out = append(out, s[start:i])
			start = -1
		}
	}
	return out
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// --------------------------------------------------------------------------
// WebSocket DTOs
// --------------------------------------------------------------------------

// WSPriceLevel is a single level in a WebSocket book message.
type WSPriceLevel struct {
	Price flexText `json:"price"`
	Size  flexText `json:"size"`
}

// WSPriceChange is one entry of a price_change message.
type WSPriceChange struct {
	AssetID string   `json:"asset_id"`
	Price   flexText `json:"price"`
	Size    flexText `json:"size"`
	Side    string   `json:"side"` // "BUY" or "SELL"
}

// WSMessage covers the market channel events this recorder consumes.
type WSMessage struct {
	EventType    string          `json:"event_type"`
	AssetID      string          `json:"asset_id"`
	Symbol       string          `json:"symbol"`
	Market       string          `json:"market"`
	Timestamp    json.RawMessage `json:"timestamp"`
	Hash         string          `json:"hash"`
	Bids         []WSPriceLevel  `json:"bids"`
	Asks         []WSPriceLevel  `json:"asks"`
	PriceChanges []WSPriceChange `json:"price_changes"`
}

// WSCommand is the subscribe message for the market channel.
type WSCommand struct {
	Type   string   `json:"type"`
	Assets []string `json:"assets_ids"`
}
