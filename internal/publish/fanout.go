// Package publish delivers decimated snapshots to live consumers off the
// recording path.
package publish

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/bookrecorder/internal/domain"
	"github.com/alanyoungcy/bookrecorder/internal/metrics"
)

type item struct {
	venue string
	rec   domain.SnapshotRecord
}

// Fanout queues snapshots and hands each one to every publisher from a
// single goroutine. Offer never blocks; a full queue drops the snapshot.
type Fanout struct {
	pubs    []domain.SnapshotPublisher
	queue   chan item
	timeout time.Duration
	logger  *slog.Logger
	errLog  rate.Sometimes
}

// NewFanout creates a fan-out with a queue of size entries.
func NewFanout(size int, timeout time.Duration, logger *slog.Logger, pubs ...domain.SnapshotPublisher) *Fanout {
	if size <= 0 {
		size = 4096
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Fanout{
		pubs:    pubs,
		queue:   make(chan item, size),
		timeout: timeout,
		logger:  logger.With(slog.String("component", "publish")),
		errLog:  rate.Sometimes{First: 5, Interval: 30 * time.Second},
	}
}

// Offer implements recorder.Publisher.
func (f *Fanout) Offer(venue string, rec domain.SnapshotRecord) {
	select {
	case f.queue <- item{venue: venue, rec: rec}:
	default:
		metrics.PublishDropped.WithLabelValues("fanout").Inc()
	}
}

// Run delivers until ctx is cancelled.
func (f *Fanout) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case it := <-f.queue:
			f.deliver(ctx, it)
		}
	}
}

func (f *Fanout) deliver(ctx context.Context, it item) {
	for _, p := range f.pubs {
		pctx, cancel := context.WithTimeout(ctx, f.timeout)
		err := p.Publish(pctx, it.venue, it.rec)
		cancel()
		if err == nil {
			continue
		}
		metrics.PublishErrors.WithLabelValues(p.Name()).Inc()
		f.errLog.Do(func() {
			f.logger.Warn("publish failed",
				slog.String("publisher", p.Name()),
				slog.String("symbol", it.rec.Symbol),
				slog.String("error", err.Error()),
			)
		})
	}
}
