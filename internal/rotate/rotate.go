// Package rotate appends line-delimited JSON records to hour-bucketed files,
// rotating transparently when the bucket changes.
package rotate

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/bookrecorder/internal/domain"
	"github.com/alanyoungcy/bookrecorder/internal/metrics"
)

// Layout selects how files are named and partitioned.
type Layout int

const (
	// PerSymbol writes <dir>/<SYMBOL>/<hour>/<SYMBOL>-<tag>-<hour>.json, one
	// open file per symbol.
	PerSymbol Layout = iota
	// Batch writes <dir>/<hour>/<tag>-<hour>-batch_<NNNN>.json, one open file
	// shared by every symbol and session, rotated every MaxRecords lines.
	Batch
)

const hourLayout = "2006010215"

var errClosed = errors.New("rotate: writer closed")

// HourKey returns the UTC hour bucket for a timestamp in ms.
func HourKey(ts int64) string {
	return time.UnixMilli(ts).UTC().Format(hourLayout)
}

// Options configures a Writer.
type Options struct {
	Dir        string
	Tag        string
	Layout     Layout
	MaxRecords int // Batch only; 0 disables count rotation

	// OnClosed is called with the path of every file the writer closes. It
	// must not block.
	OnClosed func(path string)
	// OnFailed is called once when a partition fails.
	OnFailed func(err error)
}

// Writer is safe for concurrent use. Each partition has its own lock, so
// writers for different symbols do not contend on file I/O.
type Writer struct {
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	parts  map[string]*partition
	latest string // newest hour written by any partition
	closed bool
}

type partition struct {
	mu    sync.Mutex
	hour  string
	seq   int
	count int
	path  string
	file  *os.File
	buf   *bufio.Writer
	err   error
}

// New creates a Writer. No file is opened until the first Write.
func New(opts Options, logger *slog.Logger) *Writer {
	return &Writer{
		opts:   opts,
		logger: logger.With(slog.String("component", "rotate"), slog.String("tag", opts.Tag)),
		parts:  make(map[string]*partition),
	}
}

// Tag returns the stream tag.
func (w *Writer) Tag() string { return w.opts.Tag }

func (w *Writer) partitionKey(symbol string) string {
	if w.opts.Layout == Batch {
		return ""
	}
	return symbol
}

// partition returns the partition for symbol and the hour a record stamped
// hour belongs in. A record older than the newest hour the writer has seen is
// clamped forward, so a file closed at the end of its hour is never reopened.
// When hour is new, every partition still holding an older file is returned
// as stale for the caller to close.
func (w *Writer) partition(symbol, hour string) (*partition, string, []*partition, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, "", nil, errClosed
	}
	key := w.partitionKey(symbol)
	p, ok := w.parts[key]
	if !ok {
		p = &partition{}
		w.parts[key] = p
	}

	var stale []*partition
	switch {
	case hour > w.latest:
		if w.latest != "" {
			for k, q := range w.parts {
				if k != key {
					stale = append(stale, q)
				}
			}
		}
		w.latest = hour
	case hour < w.latest:
		hour = w.latest
	}
	return p, hour, stale, nil
}

// closeStale closes partitions whose file belongs to an hour before hour.
// Each is closed under its own lock, so a symbol with no traffic in the new
// hour still hands its finished file to OnClosed.
func (w *Writer) closeStale(stale []*partition, hour string) {
	for _, p := range stale {
		p.mu.Lock()
		if p.file != nil && p.hour < hour {
			if err := w.closeFile(p); err != nil {
				_ = w.fail(p, err)
			}
		}
		p.mu.Unlock()
	}
}

// Write appends v as one JSON line to the file for symbol and the hour of ts.
// Hours never move backwards: a late record is written to the newest open
// hour rather than reopening a file that was already closed.
func (w *Writer) Write(symbol string, ts int64, v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("rotate: marshal %s record: %w", w.opts.Tag, err)
	}
	line = append(line, '\n')

	p, hour, stale, err := w.partition(symbol, HourKey(ts))
	if err != nil {
		return err
	}
	w.closeStale(stale, hour)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}

	if p.file == nil || hour > p.hour || (w.opts.MaxRecords > 0 && w.opts.Layout == Batch && p.count >= w.opts.MaxRecords) {
		if p.file != nil && hour < p.hour {
			hour = p.hour
		}
		if err := w.rotate(p, symbol, hour); err != nil {
			return w.fail(p, err)
		}
	}

	if _, err := p.buf.Write(line); err != nil {
		return w.fail(p, fmt.Errorf("write %s: %w", p.path, err))
	}
	p.count++
	metrics.RecordsWritten.WithLabelValues(w.opts.Tag).Inc()
	return nil
}

// rotate closes the partition's current file, if any, and then opens the next
// one. The caller holds p.mu.
func (w *Writer) rotate(p *partition, symbol, hour string) error {
	if p.file != nil {
		if err := w.closeFile(p); err != nil {
			return err
		}
	}

	var path string
	switch w.opts.Layout {
	case Batch:
		if hour != p.hour {
			p.seq = w.nextBatchSeq(hour)
		} else {
			p.seq++
		}
		path = filepath.Join(w.opts.Dir, hour, fmt.Sprintf("%s-%s-batch_%04d.json", w.opts.Tag, hour, p.seq))
	default:
		path = filepath.Join(w.opts.Dir, symbol, hour, fmt.Sprintf("%s-%s-%s.json", symbol, w.opts.Tag, hour))
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}

	p.file, p.buf, p.path = f, bufio.NewWriterSize(f, 64*1024), path
	p.hour, p.count = hour, 0
	metrics.FileRotations.WithLabelValues(w.opts.Tag).Inc()
	w.logger.Debug("opened file", slog.String("path", path))
	return nil
}

// nextBatchSeq continues numbering after any batch file already on disk for
// the hour, so a restart never appends to a full batch.
func (w *Writer) nextBatchSeq(hour string) int {
	prefix := fmt.Sprintf("%s-%s-batch_", w.opts.Tag, hour)
	matches, _ := filepath.Glob(filepath.Join(w.opts.Dir, hour, prefix+"*.json"))
	maxSeq := 0
	for _, m := range matches {
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), prefix), ".json"))
		if err == nil && n > maxSeq {
			maxSeq = n
		}
	}
	return maxSeq + 1
}

func (w *Writer) closeFile(p *partition) error {
	path := p.path
	ferr := p.buf.Flush()
	cerr := p.file.Close()
	p.file, p.buf = nil, nil
	if err := errors.Join(ferr, cerr); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if w.opts.OnClosed != nil {
		w.opts.OnClosed(path)
	}
	return nil
}

// fail marks the partition failed. Later writes to it return the same error.
func (w *Writer) fail(p *partition, err error) error {
	if p.file != nil {
		_ = p.file.Close()
		p.file, p.buf = nil, nil
	}
	p.err = fmt.Errorf("%w: %s: %v", domain.ErrStreamFailed, w.opts.Tag, err)
	metrics.WriterFailures.WithLabelValues(w.opts.Tag).Inc()
	w.logger.Error("output stream failed", slog.String("error", err.Error()))
	if w.opts.OnFailed != nil {
		w.opts.OnFailed(p.err)
	}
	return p.err
}

// Flush writes buffered lines of every partition to disk.
func (w *Writer) Flush() error {
	w.mu.Lock()
	parts := make([]*partition, 0, len(w.parts))
	for _, p := range w.parts {
		parts = append(parts, p)
	}
	w.mu.Unlock()

	var errs []error
	for _, p := range parts {
		p.mu.Lock()
		if p.buf != nil && p.err == nil {
			if err := p.buf.Flush(); err != nil {
				errs = append(errs, w.fail(p, fmt.Errorf("flush %s: %w", p.path, err)))
			}
		}
		p.mu.Unlock()
	}
	return errors.Join(errs...)
}

// Release flushes the lines buffered for symbol when its session ends. The
// file itself stays open until its hour ends or the writer closes, so a
// session that reconnects within the hour appends to the same file and the
// archive receives it once, complete. A failed partition is dropped so the
// next session can retry. Release is a no-op for the Batch layout, whose
// single file is shared.
func (w *Writer) Release(symbol string) error {
	if w.opts.Layout == Batch {
		return nil
	}
	w.mu.Lock()
	p, ok := w.parts[symbol]
	w.mu.Unlock()
	if !ok {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		w.mu.Lock()
		if w.parts[symbol] == p {
			delete(w.parts, symbol)
		}
		w.mu.Unlock()
		return nil
	}
	if p.buf == nil {
		return nil
	}
	if err := p.buf.Flush(); err != nil {
		return w.fail(p, fmt.Errorf("flush %s: %w", p.path, err))
	}
	return nil
}

// Close flushes and closes every open file. Writes after Close fail.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	parts := w.parts
	w.parts = make(map[string]*partition)
	w.mu.Unlock()

	var errs []error
	for _, p := range parts {
		p.mu.Lock()
		if p.file != nil {
			if err := w.closeFile(p); err != nil {
				errs = append(errs, err)
			}
		}
		p.mu.Unlock()
	}
	return errors.Join(errs...)
}
