package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/bookrecorder/internal/domain"
	"github.com/alanyoungcy/bookrecorder/internal/recorder"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return epoch.Add(time.Duration(sec) * time.Second) }

// periodTemplate has 100s periods; static templates keep one slug for all of
// them.
type periodTemplate struct{ static bool }

func (p periodTemplate) Key() string { return "test-slot" }

func (p periodTemplate) InstanceAt(now time.Time) domain.WindowInstance {
	off := now.Sub(epoch) / (100 * time.Second)
	start := epoch.Add(off * 100 * time.Second)
	slug := "m-" + strconv.FormatInt(int64(off*100), 10)
	if p.static {
		slug = "m-static"
	}
	return domain.WindowInstance{Template: "test", Slug: slug, Start: start, End: start.Add(100 * time.Second)}
}

type fakeResolver struct {
	mu    sync.Mutex
	fail  map[string]error
	empty bool
	calls int
}

func (r *fakeResolver) Resolve(_ context.Context, inst domain.WindowInstance) (domain.Target, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if err := r.fail[inst.Slug]; err != nil {
		return domain.Target{}, err
	}
	t := domain.Target{Venue: "polymarket", Window: &inst}
	if !r.empty {
		t.AssetIDs = []string{"id-" + inst.Slug}
	}
	return t, nil
}

type fakeSession struct {
	id       string
	target   domain.Target
	gate     *recorder.Gate
	ready    chan struct{}
	exit     chan struct{}
	linger   chan struct{} // when set, Run returns after cancellation only once it is closed
	mu       sync.Mutex
	ctx      context.Context
	readyOne sync.Once
}

func (f *fakeSession) ID() string             { return f.id }
func (f *fakeSession) Ready() <-chan struct{} { return f.ready }
func (f *fakeSession) markReady()             { f.readyOne.Do(func() { close(f.ready) }) }

func (f *fakeSession) Run(ctx context.Context) error {
	f.mu.Lock()
	f.ctx = ctx
	f.mu.Unlock()
	select {
	case <-ctx.Done():
		if f.linger != nil {
			<-f.linger
		}
		return nil
	case <-f.exit:
		return errors.New("socket closed")
	}
}

// cancelled reports whether the context handed to Run has been cancelled.
func (f *fakeSession) cancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ctx != nil && f.ctx.Err() != nil
}

type harness struct {
	t        *testing.T
	now      time.Time
	onNow    func()
	resolver *fakeResolver
	sessions []*fakeSession
	events   []domain.LifecycleEvent
	mu       sync.Mutex
	sched    *Scheduler
}

func (h *harness) Emit(_ context.Context, ev domain.LifecycleEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

func (h *harness) eventNames() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.events))
	for _, ev := range h.events {
		out = append(out, ev.Event)
	}
	return out
}

func newHarness(t *testing.T, tmpl Template) *harness {
	t.Helper()
	h := &harness{t: t, resolver: &fakeResolver{fail: map[string]error{}}}
	factory := func(target domain.Target, gate *recorder.Gate) Session {
		s := &fakeSession{
			id:     "s" + strconv.Itoa(len(h.sessions)),
			target: target,
			gate:   gate,
			ready:  make(chan struct{}),
			exit:   make(chan struct{}),
		}
		h.sessions = append(h.sessions, s)
		return s
	}
	clock := func() time.Time {
		if h.onNow != nil {
			h.onNow()
		}
		return h.now
	}
	cfg := Config{Tick: time.Second, Lead: 5 * time.Second, MaxReadyWait: 30 * time.Second, RestartDelay: 2 * time.Second}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.sched = New(cfg, tmpl, h.resolver, factory, logger, WithClock(clock), WithEvents(h))
	t.Cleanup(h.sched.shutdown)
	return h
}

func (h *harness) tick(sec int) {
	h.now = at(sec)
	h.sched.Tick(context.Background())
}

func (h *harness) waitRunning(s *fakeSession) {
	require.Eventually(h.t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.ctx != nil
	}, time.Second, time.Millisecond)
}

func TestScheduler_PromotesAtFirstPayload(t *testing.T) {
	h := newHarness(t, periodTemplate{})

	h.tick(0)
	require.Len(t, h.sessions, 1)
	a := h.sessions[0]
	assert.Equal(t, "m-0", a.target.Label())
	assert.True(t, a.gate.Admits(at(0)))

	for sec := 1; sec < 95; sec++ {
		h.tick(sec)
	}
	require.Len(t, h.sessions, 1, "NEXT must not start before the lead time")

	h.tick(95)
	require.Len(t, h.sessions, 2)
	b := h.sessions[1]
	assert.Equal(t, "m-100", b.target.Label())
	assert.False(t, b.gate.Admits(at(95)))

	h.tick(96)
	assert.Same(t, a, h.sched.current.sess)

	h.waitRunning(a)
	b.markReady()
	var cancelledAtCut bool
	h.onNow = func() { cancelledAtCut = a.cancelled() }
	h.tick(97)
	h.onNow = nil

	assert.Same(t, b, h.sched.current.sess)
	assert.Nil(t, h.sched.next)
	assert.True(t, cancelledAtCut, "CURRENT must be cancelled before the cut-off is taken")

	cut := at(97)
	assert.True(t, a.gate.Admits(cut.Add(-time.Millisecond)))
	assert.False(t, a.gate.Admits(cut))
	assert.False(t, b.gate.Admits(cut.Add(-time.Millisecond)))
	assert.True(t, b.gate.Admits(cut))

	// The following ticks inside A's nominal period must not start another
	// session for B's period.
	for sec := 98; sec < 195; sec++ {
		h.tick(sec)
	}
	assert.Len(t, h.sessions, 2)
	assert.Equal(t, []string{
		domain.EventCurrentStarted, domain.EventNextStarted, domain.EventPromoted,
	}, h.eventNames())
}

func TestScheduler_StaticWaitsForBoundary(t *testing.T) {
	h := newHarness(t, periodTemplate{static: true})

	h.tick(0)
	h.tick(95)
	require.Len(t, h.sessions, 2)
	a, b := h.sessions[0], h.sessions[1]
	b.markReady()

	h.tick(97)
	assert.Same(t, a, h.sched.current.sess, "same identity promotes only at the boundary")
	h.tick(99)
	assert.Same(t, a, h.sched.current.sess)

	h.tick(100)
	assert.Same(t, b, h.sched.current.sess)
	assert.False(t, a.gate.Admits(at(100)))
	assert.True(t, b.gate.Admits(at(100)))
}

func TestScheduler_AbandonsSilentNext(t *testing.T) {
	h := newHarness(t, periodTemplate{})

	h.tick(0)
	h.tick(95)
	require.Len(t, h.sessions, 2)
	first := h.sessions[1]
	h.waitRunning(first)

	h.tick(124)
	assert.Same(t, first, h.sched.next.sess)

	h.tick(125)
	assert.Nil(t, h.sched.next)
	assert.Eventually(t, first.cancelled, time.Second, time.Millisecond)
	assert.Contains(t, h.eventNames(), domain.EventAbandoned)

	h.tick(126)
	require.Len(t, h.sessions, 3)
	assert.Equal(t, "m-100", h.sessions[2].target.Label())
	assert.Same(t, h.sessions[0], h.sched.current.sess, "CURRENT keeps recording while NEXT retries")
}

func TestScheduler_ReplacesStaleNext(t *testing.T) {
	h := newHarness(t, periodTemplate{})

	h.tick(0)
	h.tick(95)
	require.Len(t, h.sessions, 2)
	stale := h.sessions[1]

	// The loop stalled past the whole of B's period.
	h.tick(205)
	require.Len(t, h.sessions, 3)
	assert.Equal(t, "m-200", h.sessions[2].target.Label())
	assert.Same(t, h.sessions[2], h.sched.next.sess)
	assert.Contains(t, h.eventNames(), domain.EventReplaced)
	h.waitRunning(stale)
	assert.Eventually(t, stale.cancelled, time.Second, time.Millisecond)

	h.sessions[2].markReady()
	h.tick(206)
	assert.Same(t, h.sessions[2], h.sched.current.sess)
}

func TestScheduler_ResolveFailureRetries(t *testing.T) {
	h := newHarness(t, periodTemplate{})
	h.resolver.fail["m-100"] = errors.New("gamma down")

	h.tick(0)
	h.tick(95)
	h.tick(96)
	assert.Len(t, h.sessions, 1)
	assert.Nil(t, h.sched.next)

	names := h.eventNames()
	failures := 0
	for _, n := range names {
		if n == domain.EventResolveFailed {
			failures++
		}
	}
	assert.Equal(t, 1, failures, "repeated failures for one instance are reported once")

	delete(h.resolver.fail, "m-100")
	h.tick(97)
	require.Len(t, h.sessions, 2)
	assert.Equal(t, "m-100", h.sessions[1].target.Label())
}

func TestScheduler_NeverStartsWithoutInstruments(t *testing.T) {
	h := newHarness(t, periodTemplate{})
	h.resolver.empty = true

	h.tick(0)
	h.tick(1)
	assert.Empty(t, h.sessions)
	assert.Nil(t, h.sched.current)
	assert.Contains(t, h.eventNames(), domain.EventResolveFailed)
}

func TestScheduler_RestartsExitedCurrent(t *testing.T) {
	h := newHarness(t, periodTemplate{})

	h.tick(10)
	require.Len(t, h.sessions, 1)
	a := h.sessions[0]
	h.waitRunning(a)
	close(a.exit)
	require.Eventually(t, h.sched.current.exited, time.Second, time.Millisecond)

	h.tick(11)
	assert.Nil(t, h.sched.current)
	assert.Len(t, h.sessions, 1)

	h.tick(12)
	assert.Len(t, h.sessions, 1, "restart waits for the reconnect delay")

	h.tick(13)
	require.Len(t, h.sessions, 2)
	assert.Equal(t, "m-0", h.sessions[1].target.Label())
	assert.True(t, h.sessions[1].gate.Admits(at(13)))
}

func TestScheduler_RunStopsSessions(t *testing.T) {
	h := newHarness(t, periodTemplate{})
	h.now = at(0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.sched.Run(ctx) }()

	require.Eventually(t, func() bool { return len(h.eventNames()) > 0 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Nil(t, h.sched.current)
}

func TestScheduler_ShutdownWaitsForPromotedOutSession(t *testing.T) {
	h := newHarness(t, periodTemplate{})

	h.tick(0)
	require.Len(t, h.sessions, 1)
	a := h.sessions[0]
	a.linger = make(chan struct{})
	h.waitRunning(a)

	h.tick(95)
	require.Len(t, h.sessions, 2)
	h.sessions[1].markReady()
	h.tick(96)
	require.Same(t, h.sessions[1], h.sched.current.sess)
	require.Eventually(t, a.cancelled, time.Second, time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		h.sched.shutdown()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("shutdown returned while the previous CURRENT was still closing")
	case <-time.After(50 * time.Millisecond):
	}
	close(a.linger)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not return")
	}
}

func TestScheduler_RetiredSessionsArePruned(t *testing.T) {
	h := newHarness(t, periodTemplate{})

	h.tick(0)
	h.tick(95)
	h.sessions[1].markReady()
	h.tick(96)
	require.Len(t, h.sched.retired, 1)

	require.Eventually(t, h.sched.retired[0].exited, time.Second, time.Millisecond)
	h.tick(97)
	assert.Empty(t, h.sched.retired)
}

func TestScheduler_RestartsEarlyPromotedCurrentForItsOwnPeriod(t *testing.T) {
	h := newHarness(t, periodTemplate{})

	h.tick(0)
	h.tick(95)
	require.Len(t, h.sessions, 2)
	b := h.sessions[1]
	b.markReady()
	h.tick(96)
	require.Same(t, b, h.sched.current.sess, "a new identity promotes as soon as it is ready")

	h.waitRunning(b)
	close(b.exit)
	require.Eventually(t, h.sched.current.exited, time.Second, time.Millisecond)

	h.tick(97)
	assert.Nil(t, h.sched.current)
	h.tick(99)
	require.Len(t, h.sessions, 3)
	assert.Equal(t, "m-100", h.sessions[2].target.Label())
	assert.Equal(t, "m-100", h.sched.currentInst.Slug)
}
