// Package symbolset keeps one stream worker running per desired target and
// reconciles the running set against a Source on a fixed interval.
package symbolset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/alanyoungcy/bookrecorder/internal/domain"
	"github.com/alanyoungcy/bookrecorder/internal/metrics"
)

// WorkerFunc records target until ctx is cancelled.
type WorkerFunc func(ctx context.Context, target domain.Target)

// Manager reconciles the registry against its source.
type Manager struct {
	name     string
	source   Source
	refresh  time.Duration
	work     WorkerFunc
	registry *Registry
	events   domain.EventSink
	logger   *slog.Logger
}

// NewManager creates a manager. events may be nil.
func NewManager(name string, source Source, refresh time.Duration, work WorkerFunc, events domain.EventSink, logger *slog.Logger) *Manager {
	return &Manager{
		name:     name,
		source:   source,
		refresh:  refresh,
		work:     work,
		registry: NewRegistry(),
		events:   events,
		logger:   logger.With(slog.String("component", "symbolset"), slog.String("pool", name)),
	}
}

// Running returns the keys of the running workers.
func (m *Manager) Running() []string {
	return m.registry.Keys()
}

// Run reconciles immediately and then every refresh interval. It returns
// ErrNoTargets if the desired set is ever empty, and nil once ctx is
// cancelled and every worker has stopped.
func (m *Manager) Run(ctx context.Context) error {
	defer m.registry.Wait()

	ticker := time.NewTicker(m.refresh)
	defer ticker.Stop()

	for {
		if err := m.reconcile(ctx); err != nil {
			if errors.Is(err, domain.ErrNoTargets) {
				return err
			}
			if ctx.Err() == nil {
				m.logger.Warn("reconcile failed", slog.String("error", err.Error()))
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (m *Manager) reconcile(ctx context.Context) error {
	targets, err := m.source.DesiredTargets(ctx)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return fmt.Errorf("symbolset: %s: %w", m.name, domain.ErrNoTargets)
	}

	desired := make(map[string]domain.Target, len(targets))
	for _, t := range targets {
		desired[t.Key()] = t
	}

	var added, removed []string
	for _, key := range m.registry.Keys() {
		if _, ok := desired[key]; !ok {
			m.registry.Stop(key)
			removed = append(removed, key)
		}
	}
	for key, t := range desired {
		if m.registry.Start(ctx, key, func(wctx context.Context) { m.work(wctx, t) }) {
			added = append(added, key)
		}
	}
	if len(added) == 0 && len(removed) == 0 {
		return nil
	}

	slices.Sort(added)
	m.logger.Info("symbol set changed",
		slog.Any("added", added),
		slog.Any("removed", removed),
		slog.Int("running", len(m.registry.Keys())),
	)
	metrics.SchedulerEvents.WithLabelValues(domain.EventSymbolsChanged).Inc()
	if m.events != nil {
		m.events.Emit(ctx, domain.LifecycleEvent{
			Time:   time.Now(),
			Slot:   m.name,
			Event:  domain.EventSymbolsChanged,
			Detail: map[string]any{"added": added, "removed": removed},
		})
	}
	return nil
}
