package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/bookrecorder/internal/domain"
)

const insertEvent = `
	INSERT INTO session_events (id, occurred_at, slot, event, target, session_id, detail)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`

// EventStore implements domain.EventSink. Emit queues the event; Run writes
// queued events in batches so a slow database never stalls a scheduler.
type EventStore struct {
	pool   *pgxpool.Pool
	queue  chan domain.LifecycleEvent
	logger *slog.Logger
}

// NewEventStore creates a journal with room for size pending events.
func NewEventStore(c *Client, size int, logger *slog.Logger) *EventStore {
	if size <= 0 {
		size = 1024
	}
	var pool *pgxpool.Pool
	if c != nil {
		pool = c.pool
	}
	return &EventStore{
		pool:   pool,
		queue:  make(chan domain.LifecycleEvent, size),
		logger: logger.With(slog.String("component", "event_store")),
	}
}

// Emit never blocks. Events that do not fit are logged and dropped.
func (s *EventStore) Emit(_ context.Context, ev domain.LifecycleEvent) {
	select {
	case s.queue <- ev:
	default:
		s.logger.Warn("journal queue full, event dropped",
			slog.String("event", ev.Event),
			slog.String("slot", ev.Slot),
		)
	}
}

// Run writes events until ctx is cancelled, then flushes what is queued with
// a short grace period.
func (s *EventStore) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			s.flush(flushCtx, s.drain(nil))
			return nil
		case ev := <-s.queue:
			s.flush(ctx, s.drain([]domain.LifecycleEvent{ev}))
		}
	}
}

// drain appends whatever is already queued, up to one batch.
func (s *EventStore) drain(batch []domain.LifecycleEvent) []domain.LifecycleEvent {
	for len(batch) < 100 {
		select {
		case ev := <-s.queue:
			batch = append(batch, ev)
		default:
			return batch
		}
	}
	return batch
}

func (s *EventStore) flush(ctx context.Context, events []domain.LifecycleEvent) {
	if len(events) == 0 {
		return
	}
	if err := s.Insert(ctx, events...); err != nil {
		s.logger.Error("journal write failed",
			slog.Int("events", len(events)),
			slog.String("error", err.Error()),
		)
	}
}

// Insert writes events in one batch.
func (s *EventStore) Insert(ctx context.Context, events ...domain.LifecycleEvent) error {
	batch := &pgx.Batch{}
	for _, ev := range events {
		args, err := eventArgs(ev)
		if err != nil {
			return err
		}
		batch.Queue(insertEvent, args...)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres: insert session events: %w", err)
	}
	return nil
}

func eventArgs(ev domain.LifecycleEvent) ([]any, error) {
	detail := ev.Detail
	if detail == nil {
		detail = map[string]any{}
	}
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return nil, fmt.Errorf("postgres: marshal event detail: %w", err)
	}
	return []any{uuid.New(), ev.Time, ev.Slot, ev.Event, ev.Target, ev.SessionID, detailJSON}, nil
}

// Recent returns the newest events, optionally for one slot.
func (s *EventStore) Recent(ctx context.Context, slot string, limit int) ([]domain.LifecycleEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := `SELECT occurred_at, slot, event, target, session_id, detail FROM session_events`
	args := []any{}
	if slot != "" {
		query += ` WHERE slot = $1`
		args = append(args, slot)
	}
	query += fmt.Sprintf(` ORDER BY occurred_at DESC LIMIT %d`, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list session events: %w", err)
	}
	defer rows.Close()

	var out []domain.LifecycleEvent
	for rows.Next() {
		var ev domain.LifecycleEvent
		var detailJSON []byte
		if err := rows.Scan(&ev.Time, &ev.Slot, &ev.Event, &ev.Target, &ev.SessionID, &detailJSON); err != nil {
			return nil, fmt.Errorf("postgres: scan session event: %w", err)
		}
		if len(detailJSON) > 0 {
			if err := json.Unmarshal(detailJSON, &ev.Detail); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal event detail: %w", err)
			}
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate session events: %w", err)
	}
	return out, nil
}
