// Package decimate reduces a per-update snapshot stream to at most one record
// per symbol per time bucket, keeping the latest record seen in each bucket.
package decimate

import (
	"sort"
	"time"

	"github.com/alanyoungcy/bookrecorder/internal/domain"
)

type pending struct {
	bucket int64
	rec    domain.SnapshotRecord
}

// Decimator is owned by one session and is not safe for concurrent use.
type Decimator struct {
	width   int64 // bucket width in ms
	pending map[string]pending
}

// New returns a decimator with the given bucket width. Widths under one
// millisecond are rounded up to one millisecond.
func New(width time.Duration) *Decimator {
	ms := width.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return &Decimator{width: ms, pending: make(map[string]pending)}
}

// Width returns the bucket width.
func (d *Decimator) Width() time.Duration {
	return time.Duration(d.width) * time.Millisecond
}

// Bucket returns the bucket index of a receipt timestamp in ms.
func (d *Decimator) Bucket(ts int64) int64 {
	b := ts / d.width
	if ts < 0 && ts%d.width != 0 {
		b--
	}
	return b
}

// Observe offers rec as the candidate for its bucket. When rec opens a newer
// bucket the record retained for the previous bucket is returned for output.
// Records from a bucket older than the pending one are ignored.
func (d *Decimator) Observe(rec domain.SnapshotRecord) (domain.SnapshotRecord, bool) {
	bucket := d.Bucket(rec.LocalReceiveTS)
	prev, ok := d.pending[rec.Symbol]
	switch {
	case !ok:
		d.pending[rec.Symbol] = pending{bucket: bucket, rec: rec}
		return domain.SnapshotRecord{}, false
	case bucket == prev.bucket:
		d.pending[rec.Symbol] = pending{bucket: bucket, rec: rec}
		return domain.SnapshotRecord{}, false
	case bucket < prev.bucket:
		return domain.SnapshotRecord{}, false
	default:
		d.pending[rec.Symbol] = pending{bucket: bucket, rec: rec}
		return prev.rec, true
	}
}

// Flush returns and clears every pending record, ordered by symbol.
func (d *Decimator) Flush() []domain.SnapshotRecord {
	if len(d.pending) == 0 {
		return nil
	}
	out := make([]domain.SnapshotRecord, 0, len(d.pending))
	for _, p := range d.pending {
		out = append(out, p.rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	clear(d.pending)
	return out
}
