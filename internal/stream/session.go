package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/bookrecorder/internal/book"
	"github.com/alanyoungcy/bookrecorder/internal/domain"
	"github.com/alanyoungcy/bookrecorder/internal/metrics"
)

// Config holds session timing.
type Config struct {
	DialTimeout    time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	StatusInterval time.Duration
	LogInterval    time.Duration
	ReconnectDelay time.Duration
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	for _, f := range []struct{ v, def *time.Duration }{
		{&c.DialTimeout, &d.DialTimeout},
		{&c.ReadTimeout, &d.ReadTimeout},
		{&c.WriteTimeout, &d.WriteTimeout},
		{&c.PingInterval, &d.PingInterval},
		{&c.StatusInterval, &d.StatusInterval},
		{&c.LogInterval, &d.LogInterval},
		{&c.ReconnectDelay, &d.ReconnectDelay},
	} {
		if *f.v <= 0 {
			*f.v = *f.def
		}
	}
	return c
}

// DefaultConfig returns the timings used when none are configured.
func DefaultConfig() Config {
	return Config{
		DialTimeout:    10 * time.Second,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   10 * time.Second,
		PingInterval:   10 * time.Second,
		StatusInterval: time.Second,
		LogInterval:    30 * time.Second,
		ReconnectDelay: 2 * time.Second,
	}
}

// Session streams one target. Run may be called repeatedly; each call opens
// one connection with fresh books and a fresh Output.
type Session struct {
	id        string
	cfg       Config
	adapter   Adapter
	target    domain.Target
	newOutput func() Output
	status    domain.StatusSink
	logger    *slog.Logger
	dialer    *websocket.Dialer

	readyOnce sync.Once
	ready     chan struct{}
	startedAt time.Time

	connected atomic.Bool
	frames    atomic.Int64
	payloads  atomic.Int64
	errs      atomic.Int64
	lastFrame atomic.Int64
}

// New creates a session. status may be nil.
func New(cfg Config, adapter Adapter, target domain.Target, newOutput func() Output, status domain.StatusSink, logger *slog.Logger) *Session {
	id := uuid.NewString()
	cfg = cfg.withDefaults()
	return &Session{
		id:        id,
		cfg:       cfg,
		adapter:   adapter,
		target:    target,
		newOutput: newOutput,
		status:    status,
		logger: logger.With(
			slog.String("component", "session"),
			slog.String("session_id", id),
			slog.String("venue", adapter.Venue()),
			slog.String("target", target.Label()),
		),
		dialer:    &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		ready:     make(chan struct{}),
		startedAt: time.Now(),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Target returns the subscription target.
func (s *Session) Target() domain.Target { return s.target }

// Ready is closed once the session has accepted its first application
// payload.
func (s *Session) Ready() <-chan struct{} { return s.ready }

// Run connects, subscribes and records until ctx is cancelled or the socket
// fails. Cancellation returns nil; a socket failure returns an error wrapping
// domain.ErrWSDisconnect.
func (s *Session) Run(ctx context.Context) error {
	venue := s.adapter.Venue()
	metrics.SessionsRunning.WithLabelValues(venue).Inc()
	defer metrics.SessionsRunning.WithLabelValues(venue).Dec()
	defer metrics.SessionExits.WithLabelValues(venue).Inc()

	out := s.newOutput()
	defer func() {
		if err := out.Close(); err != nil && !errors.Is(err, domain.ErrStreamFailed) {
			s.logger.Error("close output", slog.String("error", err.Error()))
		}
	}()

	frames, err := s.adapter.SubscribeFrames(s.target)
	if err != nil {
		return fmt.Errorf("stream: subscribe %s: %w", s.target.Label(), err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	conn, _, err := s.dialer.DialContext(dialCtx, s.adapter.Endpoint(), s.adapter.Header())
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("stream: dial %s: %w: %v", s.adapter.Endpoint(), domain.ErrWSDisconnect, err)
	}

	for _, f := range frames {
		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, f); err != nil {
			conn.Close()
			return fmt.Errorf("stream: send subscribe: %w: %v", domain.ErrWSDisconnect, err)
		}
	}

	s.connected.Store(true)
	defer func() {
		s.connected.Store(false)
		s.report()
	}()
	s.logger.InfoContext(ctx, "session connected",
		slog.Int("instruments", len(s.target.Instruments())),
	)

	connCtx, stop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer wg.Wait()
	defer stop()

	wg.Add(2)
	go func() {
		defer wg.Done()
		<-connCtx.Done()
		conn.Close()
	}()
	go func() {
		defer wg.Done()
		s.keepalive(connCtx, conn, stop)
	}()

	books := book.NewSet()
	for {
		if ctx.Err() != nil {
			return nil
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.WarnContext(ctx, "session disconnected", slog.String("error", err.Error()))
			return fmt.Errorf("stream: read %s: %w: %v", s.target.Label(), domain.ErrWSDisconnect, err)
		}
		s.handleFrame(books, out, frame, time.Now())
	}
}

// RunForever runs the session until ctx is cancelled, reconnecting after a
// fixed delay whenever the socket loop exits.
func (s *Session) RunForever(ctx context.Context) {
	for {
		err := s.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		s.logger.WarnContext(ctx, "session ended, reconnecting",
			slog.Any("error", err),
			slog.Duration("delay", s.cfg.ReconnectDelay),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.ReconnectDelay):
		}
	}
}

func (s *Session) handleFrame(books *book.Set, out Output, frame []byte, receivedAt time.Time) {
	s.frames.Add(1)
	s.lastFrame.Store(receivedAt.UnixNano())
	metrics.Frames.WithLabelValues(s.adapter.Venue()).Inc()

	payloads, err := s.adapter.Decode(frame, receivedAt)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrUnknownEvent) && !errors.Is(err, domain.ErrMalformedPayload):
		// Trades, tick size changes and other channel chatter carry no book.
		s.logger.Debug("event ignored", slog.String("reason", err.Error()))
	default:
		s.errs.Add(1)
		metrics.PayloadErrors.WithLabelValues(s.adapter.Venue()).Inc()
		s.logger.Warn("payload skipped", slog.String("error", err.Error()))
	}
	if len(payloads) == 0 {
		return
	}
	s.readyOnce.Do(func() { close(s.ready) })

	ts := receivedAt.UnixMilli()
	for _, p := range payloads {
		s.payloads.Add(1)
		eventTS := p.EventTS
		if eventTS == 0 {
			eventTS = ts
		}
		s.check(out.Raw(domain.RawRecord{
			Symbol:         p.Symbol,
			Type:           p.Type,
			TS:             eventTS,
			LocalReceiveTS: ts,
			Data:           p.Data,
			ReceivedAt:     receivedAt,
		}))
		for _, u := range p.Updates {
			u.LocalReceiveTS, u.ReceivedAt = ts, receivedAt
			if u.EventTS == 0 {
				u.EventTS = eventTS
			}
			if rec, ok := books.Apply(u); ok {
				s.check(out.Snapshot(rec))
			}
		}
	}
	s.check(out.Flush())
}

func (s *Session) check(err error) {
	if err == nil || errors.Is(err, domain.ErrStreamFailed) {
		return
	}
	s.logger.Error("record output", slog.String("error", err.Error()))
}

// keepalive pings on its own ticker and reports status. A failed ping stops
// the connection.
func (s *Session) keepalive(ctx context.Context, conn *websocket.Conn, stop context.CancelFunc) {
	ping := time.NewTicker(s.cfg.PingInterval)
	defer ping.Stop()
	status := time.NewTicker(s.cfg.StatusInterval)
	defer status.Stop()
	logEvery := time.NewTicker(s.cfg.LogInterval)
	defer logEvery.Stop()

	var lastLogged int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, s.adapter.Ping()); err != nil {
				s.logger.Warn("keepalive failed", slog.String("error", err.Error()))
				stop()
				return
			}
		case <-status.C:
			s.report()
		case <-logEvery.C:
			n := s.frames.Load()
			s.logger.Info("throughput",
				slog.Int64("frames", n-lastLogged),
				slog.Int64("frames_total", n),
				slog.Int64("payloads_total", s.payloads.Load()),
				slog.Int64("errors_total", s.errs.Load()),
			)
			lastLogged = n
		}
	}
}

// Status returns the current counters.
func (s *Session) Status() domain.SessionStatus {
	st := domain.SessionStatus{
		ID:        s.id,
		Venue:     s.adapter.Venue(),
		Target:    s.target.Label(),
		Connected: s.connected.Load(),
		Frames:    s.frames.Load(),
		Payloads:  s.payloads.Load(),
		Errors:    s.errs.Load(),
		StartedAt: s.startedAt,
	}
	if ns := s.lastFrame.Load(); ns > 0 {
		st.LastFrameAt = time.Unix(0, ns)
	}
	return st
}

func (s *Session) report() {
	if s.status != nil {
		s.status.Report(s.Status())
	}
}
