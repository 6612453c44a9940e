package domain

import (
	"context"
	"time"
)

// SessionRole is the part a session plays for its owner.
type SessionRole string

const (
	RoleWorker  SessionRole = "worker"
	RoleCurrent SessionRole = "current"
	RoleNext    SessionRole = "next"
)

// SessionStatus is the throughput snapshot a session reports periodically.
type SessionStatus struct {
	ID          string
	Venue       string
	Target      string
	Connected   bool
	Frames      int64
	Payloads    int64
	Errors      int64
	StartedAt   time.Time
	LastFrameAt time.Time
}

// StatusSink receives session status. Implementations must be safe for
// concurrent use.
type StatusSink interface {
	Report(st SessionStatus)
	SetRole(id string, role SessionRole)
	Remove(id string)
}

// LifecycleEvent describes a scheduler or pool decision.
type LifecycleEvent struct {
	Time      time.Time
	Slot      string
	Event     string
	Target    string
	SessionID string
	Detail    map[string]any
}

// Lifecycle event names.
const (
	EventCurrentStarted = "current_started"
	EventNextStarted    = "next_started"
	EventPromoted       = "promoted"
	EventAbandoned      = "abandoned"
	EventReplaced       = "replaced"
	EventResolveFailed  = "resolve_failed"
	EventSymbolsChanged = "symbols_changed"
	EventWriterFailed   = "writer_failed"
)

// EventSink receives lifecycle events. Emit must not block the caller for
// long.
type EventSink interface {
	Emit(ctx context.Context, ev LifecycleEvent)
}

// SnapshotPublisher pushes decimated snapshots to a live consumer.
type SnapshotPublisher interface {
	Publish(ctx context.Context, venue string, rec SnapshotRecord) error
	Name() string
}
