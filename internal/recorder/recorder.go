// Package recorder routes a session's raw and snapshot records to the
// rotating writers of its venue, decimating and publishing on the way.
package recorder

import (
	"errors"
	"log/slog"
	"time"

	"github.com/alanyoungcy/bookrecorder/internal/decimate"
	"github.com/alanyoungcy/bookrecorder/internal/domain"
	"github.com/alanyoungcy/bookrecorder/internal/rotate"
)

// Decimated is one decimated output stream.
type Decimated struct {
	Width  time.Duration
	Writer *rotate.Writer
}

// Streams is the set of writers for one venue.
type Streams struct {
	Raw       *rotate.Writer
	Snapshot  *rotate.Writer
	Decimated []Decimated
}

// Publisher receives the finest decimated stream. Offer must not block.
type Publisher interface {
	Offer(venue string, rec domain.SnapshotRecord)
}

// Recorder owns the writers of one venue. Writers are shared by every
// session of that venue.
type Recorder struct {
	venue   string
	streams Streams
	pub     Publisher
	logger  *slog.Logger
}

// New creates a Recorder. pub may be nil.
func New(venue string, streams Streams, pub Publisher, logger *slog.Logger) *Recorder {
	return &Recorder{
		venue:   venue,
		streams: streams,
		pub:     pub,
		logger:  logger.With(slog.String("component", "recorder"), slog.String("venue", venue)),
	}
}

// Venue returns the venue name.
func (r *Recorder) Venue() string { return r.venue }

func (r *Recorder) writers() []*rotate.Writer {
	ws := []*rotate.Writer{r.streams.Raw, r.streams.Snapshot}
	for _, d := range r.streams.Decimated {
		ws = append(ws, d.Writer)
	}
	return ws
}

// Close flushes and closes every writer.
func (r *Recorder) Close() error {
	var errs []error
	for _, w := range r.writers() {
		if w != nil {
			errs = append(errs, w.Close())
		}
	}
	return errors.Join(errs...)
}

// Output returns a per-session view gated by gate.
func (r *Recorder) Output(gate *Gate) *Output {
	o := &Output{r: r, gate: gate, symbols: make(map[string]struct{})}
	for _, d := range r.streams.Decimated {
		o.decimators = append(o.decimators, decimate.New(d.Width))
	}
	return o
}

// Output is used by a single session goroutine.
type Output struct {
	r          *Recorder
	gate       *Gate
	decimators []*decimate.Decimator
	symbols    map[string]struct{}
}

// Raw writes one raw record unless the session was retired before it arrived.
func (o *Output) Raw(rec domain.RawRecord) error {
	o.symbols[rec.Symbol] = struct{}{}
	_, err := o.gate.Keep(rec.ReceivedAt, func() error {
		return o.r.streams.Raw.Write(rec.Symbol, rec.LocalReceiveTS, rec)
	})
	return err
}

// Snapshot writes the full snapshot record and feeds the decimators. The
// decimated records are gated by Do, so a session that has not been promoted
// yet writes full snapshots only.
func (o *Output) Snapshot(rec domain.SnapshotRecord) error {
	o.symbols[rec.Symbol] = struct{}{}
	var errs []error
	_, err := o.gate.Keep(rec.ReceivedAt, func() error {
		return o.r.streams.Snapshot.Write(rec.Symbol, rec.LocalReceiveTS, rec)
	})
	errs = append(errs, err)

	for i, d := range o.decimators {
		if out, ok := d.Observe(rec); ok {
			errs = append(errs, o.decimated(i, out))
		}
	}
	return errors.Join(errs...)
}

func (o *Output) decimated(i int, rec domain.SnapshotRecord) error {
	written, err := o.gate.Do(rec.ReceivedAt, func() error {
		return o.r.streams.Decimated[i].Writer.Write(rec.Symbol, rec.LocalReceiveTS, rec)
	})
	if written && i == 0 && o.r.pub != nil {
		o.r.pub.Offer(o.r.venue, rec)
	}
	return err
}

// Flush pushes buffered lines to disk.
func (o *Output) Flush() error {
	var errs []error
	for _, w := range o.r.writers() {
		errs = append(errs, w.Flush())
	}
	return errors.Join(errs...)
}

// Close emits every pending decimated record and flushes. The per-symbol files
// this session touched stay open until their hour ends or the recorder
// closes, so a reconnecting session continues the same files.
func (o *Output) Close() error {
	var errs []error
	for i, d := range o.decimators {
		for _, rec := range d.Flush() {
			errs = append(errs, o.decimated(i, rec))
		}
	}
	errs = append(errs, o.Flush())
	for sym := range o.symbols {
		for _, w := range o.r.writers() {
			errs = append(errs, w.Release(sym))
		}
	}
	return errors.Join(errs...)
}
