package s3blob

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/bookrecorder/internal/domain"
	"github.com/alanyoungcy/bookrecorder/internal/metrics"
)

// ArchiverConfig controls how closed files are uploaded.
type ArchiverConfig struct {
	Dir                string // local root; object keys are paths relative to it
	Prefix             string
	QueueSize          int
	MultipartThreshold int64
	PartSize           int64
	DeleteAfterUpload  bool
	Timeout            time.Duration // per file
}

// Archiver uploads closed recording files from a bounded queue. A single Run
// goroutine owns all uploads.
type Archiver struct {
	cfg    ArchiverConfig
	writer domain.BlobWriter
	reader domain.BlobReader
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	queue  chan string
}

// NewArchiver creates an archiver. reader may be nil to skip existence checks.
func NewArchiver(cfg ArchiverConfig, writer domain.BlobWriter, reader domain.BlobReader, logger *slog.Logger) *Archiver {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	return &Archiver{
		cfg:    cfg,
		writer: writer,
		reader: reader,
		logger: logger.With(slog.String("component", "archiver")),
		queue:  make(chan string, cfg.QueueSize),
	}
}

// Enqueue schedules a closed file for upload. It never blocks; when the queue
// is full or the archiver is closed the file is left on disk and false is
// returned.
func (a *Archiver) Enqueue(file string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}
	select {
	case a.queue <- file:
		return true
	default:
		metrics.ArchiveUploads.WithLabelValues("dropped").Inc()
		a.logger.Warn("archive queue full, file left on disk", slog.String("path", file))
		return false
	}
}

// Close stops accepting files. Run drains what is already queued and returns.
func (a *Archiver) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
}

// Run uploads queued files until Close has been called and the queue is
// empty. Cancelling ctx aborts in-flight and remaining uploads.
func (a *Archiver) Run(ctx context.Context) error {
	for file := range a.queue {
		if ctx.Err() != nil {
			continue
		}
		if err := a.Upload(ctx, file); err != nil {
			metrics.ArchiveUploads.WithLabelValues("failed").Inc()
			a.logger.Error("archive upload failed",
				slog.String("path", file),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// Upload sends one file. Objects already present in the bucket are skipped.
func (a *Archiver) Upload(ctx context.Context, file string) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	key, err := a.Key(file)
	if err != nil {
		return err
	}
	if a.reader != nil {
		exists, err := a.reader.Exists(ctx, key)
		if err != nil {
			return err
		}
		if exists {
			metrics.ArchiveUploads.WithLabelValues("skipped").Inc()
			a.logger.Debug("object exists, skipping", slog.String("key", key))
			return a.cleanup(file)
		}
	}

	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("s3blob: open %s: %w", file, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("s3blob: stat %s: %w", file, err)
	}

	start := time.Now()
	if a.cfg.MultipartThreshold > 0 && info.Size() >= a.cfg.MultipartThreshold {
		err = a.writer.PutMultipart(ctx, key, f, a.cfg.PartSize)
	} else {
		err = a.writer.Put(ctx, key, f, "application/json")
	}
	if err != nil {
		return err
	}
	metrics.ArchiveUploads.WithLabelValues("uploaded").Inc()
	a.logger.Info("archived",
		slog.String("key", key),
		slog.Int64("bytes", info.Size()),
		slog.Duration("took", time.Since(start)),
	)
	return a.cleanup(file)
}

func (a *Archiver) cleanup(file string) error {
	if !a.cfg.DeleteAfterUpload {
		return nil
	}
	if err := os.Remove(file); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("s3blob: remove %s: %w", file, err)
	}
	return nil
}

// Key maps a local file under Dir to its object key.
func (a *Archiver) Key(file string) (string, error) {
	rel, err := filepath.Rel(a.cfg.Dir, file)
	if err != nil {
		return "", fmt.Errorf("s3blob: key for %s: %w", file, err)
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("s3blob: %s is outside %s", file, a.cfg.Dir)
	}
	return path.Join(strings.Trim(a.cfg.Prefix, "/"), rel), nil
}
