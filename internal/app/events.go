package app

import (
	"context"

	"github.com/alanyoungcy/bookrecorder/internal/domain"
)

// events delivers every lifecycle event to each sink in order. Sinks queue
// internally, so Emit never blocks a scheduler.
type events []domain.EventSink

func (e events) Emit(ctx context.Context, ev domain.LifecycleEvent) {
	for _, s := range e {
		s.Emit(ctx, ev)
	}
}
