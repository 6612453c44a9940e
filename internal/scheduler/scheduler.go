// Package scheduler rolls a calendar-keyed market slot from one window
// instance to the next. Each slot runs a CURRENT session that drives output
// and, near the end of its period, a pre-warmed NEXT session that takes over
// once it is receiving data.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/bookrecorder/internal/domain"
	"github.com/alanyoungcy/bookrecorder/internal/metrics"
	"github.com/alanyoungcy/bookrecorder/internal/recorder"
)

// Template yields the window instance for a point in time.
type Template interface {
	InstanceAt(now time.Time) domain.WindowInstance
	Key() string
}

// Resolver turns an instance into a subscription target. It may be slow and
// must honour ctx.
type Resolver interface {
	Resolve(ctx context.Context, inst domain.WindowInstance) (domain.Target, error)
}

// Session is a stream session as seen by the scheduler.
type Session interface {
	ID() string
	Run(ctx context.Context) error
	Ready() <-chan struct{}
}

// Factory builds a session for target whose records pass through gate.
type Factory func(target domain.Target, gate *recorder.Gate) Session

// Config holds the slot tunables.
type Config struct {
	Tick         time.Duration // scheduler loop interval
	Lead         time.Duration // start NEXT this long before the period ends
	MaxReadyWait time.Duration // abandon NEXT if it has no data after this long
	RestartDelay time.Duration // wait before restarting a CURRENT that exited
}

// Scheduler drives one slot. All state is owned by the goroutine calling Run
// (or Tick in tests); sessions are reached only through their context,
// readiness channel and gate.
type Scheduler struct {
	cfg      Config
	tmpl     Template
	resolver Resolver
	factory  Factory
	events   domain.EventSink
	status   domain.StatusSink
	logger   *slog.Logger
	now      func() time.Time

	current     *handle
	currentInst domain.WindowInstance
	next        *handle
	retired     []*handle // stopped but possibly still closing output
	lastExit    time.Time
	failedKey   string
}

type handle struct {
	sess      Session
	target    domain.Target
	inst      domain.WindowInstance
	gate      *recorder.Gate
	cancel    context.CancelFunc
	done      chan struct{}
	err       error
	startedAt time.Time
}

func (h *handle) ready() bool {
	select {
	case <-h.sess.Ready():
		return true
	default:
		return false
	}
}

func (h *handle) exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// stop is safe to call more than once.
func (h *handle) stop() { h.cancel() }

// retire stops h and keeps it until it has exited, so shutdown can wait for
// its output to close.
func (s *Scheduler) retire(h *handle) {
	h.stop()
	s.retired = append(s.retired, h)
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithEvents sets the lifecycle event sink.
func WithEvents(sink domain.EventSink) Option {
	return func(s *Scheduler) { s.events = sink }
}

// WithStatus sets the status sink used for session roles.
func WithStatus(sink domain.StatusSink) Option {
	return func(s *Scheduler) { s.status = sink }
}

// New creates a scheduler for one slot.
func New(cfg Config, tmpl Template, resolver Resolver, factory Factory, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:      cfg,
		tmpl:     tmpl,
		resolver: resolver,
		factory:  factory,
		logger:   logger.With(slog.String("component", "scheduler"), slog.String("slot", tmpl.Key())),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run ticks until ctx is cancelled, then stops every session it started and
// waits for them to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	defer s.shutdown()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick advances the state machine once.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()
	s.reap(now)

	if s.current == nil {
		s.coldStart(ctx, now)
		if s.current == nil {
			return
		}
	}

	cand := s.candidate(now)
	if s.next != nil && (cand == nil || cand.Key() != s.next.inst.Key()) {
		s.emit(ctx, domain.EventReplaced, s.next, nil)
		s.retire(s.next)
		s.next = nil
	}
	if cand != nil && s.next == nil {
		s.startNext(ctx, *cand, now)
	}
	if s.next == nil {
		return
	}

	if s.next.ready() {
		changed := s.next.target.Identity() != s.current.target.Identity()
		if changed || !now.Before(s.currentInst.End) {
			s.promote(ctx)
		}
		return
	}
	if waited := now.Sub(s.next.startedAt); waited >= s.cfg.MaxReadyWait {
		s.emit(ctx, domain.EventAbandoned, s.next, map[string]any{"waited": waited.String()})
		s.retire(s.next)
		s.next = nil
	}
}

// candidate returns the instance a NEXT session should be serving, if any.
func (s *Scheduler) candidate(now time.Time) *domain.WindowInstance {
	end := s.currentInst.End
	if !now.Before(end) {
		inst := s.tmpl.InstanceAt(now)
		return &inst
	}
	if end.Sub(now) <= s.cfg.Lead {
		inst := s.tmpl.InstanceAt(end)
		return &inst
	}
	return nil
}

func (s *Scheduler) reap(now time.Time) {
	if s.current != nil && s.current.exited() {
		s.logger.Warn("current session exited",
			slog.String("target", s.current.target.Label()),
			slog.Any("error", s.current.err),
		)
		s.current = nil
		s.lastExit = now
	}
	if s.next != nil && s.next.exited() {
		s.logger.Warn("next session exited before promotion",
			slog.String("target", s.next.target.Label()),
			slog.Any("error", s.next.err),
		)
		s.next = nil
	}
	live := s.retired[:0]
	for _, h := range s.retired {
		if !h.exited() {
			live = append(live, h)
		}
	}
	clear(s.retired[len(live):])
	s.retired = live
}

// coldStart starts CURRENT when none is running. A CURRENT promoted ahead of
// its period that exits before the period begins is restarted for the same
// instance, not for the one the clock still falls in.
func (s *Scheduler) coldStart(ctx context.Context, now time.Time) {
	if !s.lastExit.IsZero() && now.Sub(s.lastExit) < s.cfg.RestartDelay {
		return
	}
	inst := s.tmpl.InstanceAt(now)
	if !s.currentInst.Start.IsZero() && now.Before(s.currentInst.Start) {
		inst = s.currentInst
	}
	if s.next != nil && s.next.inst.Key() == inst.Key() {
		s.promote(ctx)
		return
	}

	target, ok := s.resolve(ctx, inst)
	if !ok {
		return
	}
	s.current = s.launch(ctx, target, inst, recorder.NewGate(true), domain.RoleCurrent, now)
	s.currentInst = inst
	s.emit(ctx, domain.EventCurrentStarted, s.current, nil)
}

func (s *Scheduler) startNext(ctx context.Context, inst domain.WindowInstance, now time.Time) {
	target, ok := s.resolve(ctx, inst)
	if !ok {
		return
	}
	s.next = s.launch(ctx, target, inst, recorder.NewGate(false), domain.RoleNext, now)
	s.emit(ctx, domain.EventNextStarted, s.next, nil)
}

// promote stops CURRENT, then moves output to NEXT at a single cut-off.
func (s *Scheduler) promote(ctx context.Context) {
	old, nxt := s.current, s.next
	var oldGate *recorder.Gate
	if old != nil {
		s.retire(old)
		oldGate = old.gate
	}
	cut := recorder.Handover(oldGate, nxt.gate, s.now)

	s.current, s.currentInst, s.next = nxt, nxt.inst, nil
	if s.status != nil {
		s.status.SetRole(nxt.sess.ID(), domain.RoleCurrent)
	}
	detail := map[string]any{"cutoff": cut.UTC().Format(time.RFC3339Nano)}
	if old != nil {
		detail["previous"] = old.target.Label()
	}
	s.emit(ctx, domain.EventPromoted, nxt, detail)
}

func (s *Scheduler) resolve(ctx context.Context, inst domain.WindowInstance) (domain.Target, bool) {
	target, err := s.resolver.Resolve(ctx, inst)
	if err == nil && len(target.Instruments()) == 0 {
		err = fmt.Errorf("scheduler: %s: %w", inst.Slug, domain.ErrNoInstruments)
	}
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return domain.Target{}, false
		}
		if s.failedKey != inst.Key() {
			s.failedKey = inst.Key()
			s.emit(ctx, domain.EventResolveFailed, nil, map[string]any{"slug": inst.Slug, "error": err.Error()})
		} else {
			s.logger.Debug("resolve failed", slog.String("slug", inst.Slug), slog.String("error", err.Error()))
		}
		return domain.Target{}, false
	}
	if s.failedKey == inst.Key() {
		s.failedKey = ""
	}
	if target.Window == nil {
		w := inst
		target.Window = &w
	}
	return target, true
}

func (s *Scheduler) launch(ctx context.Context, target domain.Target, inst domain.WindowInstance, gate *recorder.Gate, role domain.SessionRole, now time.Time) *handle {
	sctx, cancel := context.WithCancel(ctx)
	sess := s.factory(target, gate)
	h := &handle{
		sess:      sess,
		target:    target,
		inst:      inst,
		gate:      gate,
		cancel:    cancel,
		done:      make(chan struct{}),
		startedAt: now,
	}
	if s.status != nil {
		s.status.SetRole(sess.ID(), role)
	}
	go func() {
		defer close(h.done)
		h.err = sess.Run(sctx)
		if s.status != nil {
			s.status.Remove(sess.ID())
		}
	}()
	return h
}

// shutdown stops every session, including retired ones, and waits until all
// of them have closed their output.
func (s *Scheduler) shutdown() {
	all := append([]*handle{s.current, s.next}, s.retired...)
	for _, h := range all {
		if h != nil {
			h.stop()
		}
	}
	for _, h := range all {
		if h != nil {
			<-h.done
		}
	}
	s.current, s.next, s.retired = nil, nil, nil
}

func (s *Scheduler) emit(ctx context.Context, event string, h *handle, detail map[string]any) {
	metrics.SchedulerEvents.WithLabelValues(event).Inc()
	ev := domain.LifecycleEvent{
		Time:   s.now(),
		Slot:   s.tmpl.Key(),
		Event:  event,
		Detail: detail,
	}
	attrs := []any{slog.String("event", event)}
	if h != nil {
		ev.Target = h.target.Label()
		ev.SessionID = h.sess.ID()
		attrs = append(attrs, slog.String("target", ev.Target), slog.String("session_id", ev.SessionID))
	}
	for k, v := range detail {
		attrs = append(attrs, slog.Any(k, v))
	}
	level := slog.LevelInfo
	if event == domain.EventAbandoned || event == domain.EventResolveFailed {
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "window "+event, attrs...)
	if s.events != nil {
		s.events.Emit(ctx, ev)
	}
}
