// Package stream runs websocket sessions that rebuild order books from venue
// payloads and hand raw and snapshot records to an Output.
package stream

import (
	"net/http"
	"time"

	"github.com/alanyoungcy/bookrecorder/internal/domain"
)

// Adapter converts between one venue's wire protocol and the session.
type Adapter interface {
	Venue() string
	Endpoint() string
	Header() http.Header
	// SubscribeFrames returns the control frames sent once after connect.
	SubscribeFrames(target domain.Target) ([][]byte, error)
	// Ping returns the text frame sent on every keepalive tick.
	Ping() []byte
	// Decode turns one socket frame into application payloads. Control
	// frames yield no payloads and no error. A frame with several payloads
	// may return the good ones together with an error describing the rest.
	Decode(frame []byte, receivedAt time.Time) ([]domain.Payload, error)
}

// Output receives a session's records.
type Output interface {
	Raw(rec domain.RawRecord) error
	Snapshot(rec domain.SnapshotRecord) error
	Flush() error
	Close() error
}
