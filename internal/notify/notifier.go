// Package notify forwards selected lifecycle events to chat channels
// (Telegram, Discord).
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/alanyoungcy/bookrecorder/internal/domain"
)

// Sender delivers one message to a channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// DefaultEvents are forwarded when no filter is configured.
var DefaultEvents = []string{
	domain.EventWriterFailed,
	domain.EventPromoted,
	domain.EventAbandoned,
	domain.EventSymbolsChanged,
}

// Notifier implements domain.EventSink. Emit only queues; Run sends.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	queue   chan domain.LifecycleEvent
	timeout time.Duration
	logger  *slog.Logger
}

// NewNotifier creates a notifier forwarding the named events. An empty list
// selects DefaultEvents.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	if len(events) == 0 {
		events = DefaultEvents
	}
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		allowed[strings.TrimSpace(e)] = true
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		queue:   make(chan domain.LifecycleEvent, 64),
		timeout: 10 * time.Second,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Emit queues ev if its name passes the filter. A full queue drops it.
func (n *Notifier) Emit(_ context.Context, ev domain.LifecycleEvent) {
	if len(n.senders) == 0 || !n.events[ev.Event] {
		return
	}
	select {
	case n.queue <- ev:
	default:
		n.logger.Warn("notification dropped", slog.String("event", ev.Event))
	}
}

// Run sends queued events until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-n.queue:
			sctx, cancel := context.WithTimeout(ctx, n.timeout)
			title, message := Format(ev)
			if err := n.dispatch(sctx, title, message); err != nil {
				n.logger.Warn("notification failed", slog.String("event", ev.Event), slog.String("error", err.Error()))
			}
			cancel()
		}
	}
}

// Format renders an event as a title and a body.
func Format(ev domain.LifecycleEvent) (string, string) {
	title := fmt.Sprintf("bookrec %s: %s", strings.ReplaceAll(ev.Event, "_", " "), ev.Slot)

	var b strings.Builder
	if ev.Target != "" {
		fmt.Fprintf(&b, "target: %s\n", ev.Target)
	}
	keys := make([]string, 0, len(ev.Detail))
	for k := range ev.Detail {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, ev.Detail[k])
	}
	fmt.Fprintf(&b, "at: %s", ev.Time.UTC().Format(time.RFC3339))
	return title, b.String()
}

// dispatch tries every sender; one failure does not stop the others.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent", slog.String("sender", s.Name()), slog.String("title", title))
	}
	return errors.Join(errs...)
}
