package feed

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// EventTrade is the wire tag of a trade event.
const EventTrade = "T"

// Event is a decoded live event: either Trade or Unrecognized.
type Event interface {
	eventType() string
}

// Trade is one option trade print.
type Trade struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Size      int64           `json:"size"`
	Timestamp time.Time       `json:"timestamp"`
}

func (Trade) eventType() string { return EventTrade }

// Unrecognized is any event the engine does not act on (quotes,
// aggregates, malformed trades).
type Unrecognized struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"raw"`
}

func (u Unrecognized) eventType() string { return u.Type }

// wireEvent is the vendor shape: short field codes, unix-ms timestamp.
type wireEvent struct {
	Ev  string          `json:"ev"`
	Sym string          `json:"sym"`
	P   decimal.Decimal `json:"p"`
	S   int64           `json:"s"`
	T   int64           `json:"t,omitempty"`
}

func decodeEvent(raw json.RawMessage) Event {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return Unrecognized{Raw: raw}
	}
	if w.Ev != EventTrade || w.Sym == "" {
		return Unrecognized{Type: w.Ev, Raw: raw}
	}
	tr := Trade{
		Symbol: w.Sym,
		Price:  w.P,
		Size:   w.S,
	}
	// A trade without "t" keeps a zero Timestamp.
	if w.T != 0 {
		tr.Timestamp = time.UnixMilli(w.T).UTC()
	}
	return tr
}

// Message is one decoded server frame. Exactly one of Events, Error or
// Status is set.
type Message struct {
	Events  []Event
	Error   string
	Status  string
	Message string
}

// ErrMalformedFrame is returned for frames that are neither an event
// array nor a control object.
var ErrMalformedFrame = errors.New("feed: malformed frame")

type controlFrame struct {
	Error   string `json:"error"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// DecodeMessage decodes a server frame: a JSON array of events, or an
// object carrying either "error" or "status"/"message".
func DecodeMessage(b []byte) (Message, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return Message{}, ErrMalformedFrame
	}

	if b[0] == '[' {
		var raws []json.RawMessage
		if err := json.Unmarshal(b, &raws); err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		events := make([]Event, 0, len(raws))
		for _, r := range raws {
			events = append(events, decodeEvent(r))
		}
		return Message{Events: events}, nil
	}

	var c controlFrame
	if err := json.Unmarshal(b, &c); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if c.Error == "" && c.Status == "" {
		return Message{}, fmt.Errorf("%w: %s", ErrMalformedFrame, b)
	}
	return Message{Error: c.Error, Status: c.Status, Message: c.Message}, nil
}

// EncodeTrades renders trades in the vendor wire shape. Used by the
// replay tooling and tests.
func EncodeTrades(trades ...Trade) ([]byte, error) {
	out := make([]wireEvent, 0, len(trades))
	for _, t := range trades {
		w := wireEvent{
			Ev:  EventTrade,
			Sym: t.Symbol,
			P:   t.Price,
			S:   t.Size,
		}
		if !t.Timestamp.IsZero() {
			w.T = t.Timestamp.UnixMilli()
		}
		out = append(out, w)
	}
	return json.Marshal(out)
}
