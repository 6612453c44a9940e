package recorder

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/bookrecorder/internal/domain"
	"github.com/alanyoungcy/bookrecorder/internal/rotate"
)

type fakePublisher struct {
	mu   sync.Mutex
	recs []domain.SnapshotRecord
}

func (f *fakePublisher) Offer(_ string, rec domain.SnapshotRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = append(f.recs, rec)
}

func newRecorder(t *testing.T, dir string, pub Publisher) *Recorder {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New("bybit_spot", Streams{
		Raw:      rotate.New(rotate.Options{Dir: dir, Tag: "rt"}, log),
		Snapshot: rotate.New(rotate.Options{Dir: dir, Tag: "rt_ss"}, log),
		Decimated: []Decimated{
			{Width: time.Second, Writer: rotate.New(rotate.Options{Dir: dir, Tag: "rt_ss_1s"}, log)},
		},
	}, pub, log)
}

func readReceiveTimes(t *testing.T, path string) []int64 {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var out []int64
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 1024*1024), 1024*1024)
	for sc.Scan() {
		var rec struct {
			LocalReceiveTS int64 `json:"local_receive_ts"`
		}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		out = append(out, rec.LocalReceiveTS)
	}
	return out
}

func snap(ts time.Time) domain.SnapshotRecord {
	return domain.SnapshotRecord{Symbol: "BTCUSDT", UpdateType: "delta", LocalReceiveTS: ts.UnixMilli(), ReceivedAt: ts}
}

func TestOutputWritesAllStreamsAndFlushesPendingOnClose(t *testing.T) {
	dir := t.TempDir()
	pub := &fakePublisher{}
	r := newRecorder(t, dir, pub)
	out := r.Output(NewGate(true))

	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, out.Raw(domain.RawRecord{Symbol: "BTCUSDT", Type: "snapshot", LocalReceiveTS: base.UnixMilli(), ReceivedAt: base, Data: json.RawMessage(`{}`)}))
	for _, off := range []time.Duration{0, 300 * time.Millisecond, 1200 * time.Millisecond, 1900 * time.Millisecond, 2500 * time.Millisecond} {
		require.NoError(t, out.Snapshot(snap(base.Add(off))))
	}
	require.NoError(t, out.Close())
	require.NoError(t, r.Close())

	hour := rotate.HourKey(base.UnixMilli())
	full := readReceiveTimes(t, filepath.Join(dir, "BTCUSDT", hour, "BTCUSDT-rt_ss-"+hour+".json"))
	assert.Len(t, full, 5)

	dec := readReceiveTimes(t, filepath.Join(dir, "BTCUSDT", hour, "BTCUSDT-rt_ss_1s-"+hour+".json"))
	ms := base.UnixMilli()
	assert.Equal(t, []int64{ms + 300, ms + 1900, ms + 2500}, dec)
	assert.Len(t, pub.recs, 3)

	assert.FileExists(t, filepath.Join(dir, "BTCUSDT", hour, "BTCUSDT-rt-"+hour+".json"))
}

func TestUnopenedGateKeepsFullStreamsOnly(t *testing.T) {
	dir := t.TempDir()
	pub := &fakePublisher{}
	r := newRecorder(t, dir, pub)
	out := r.Output(NewGate(false))

	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, out.Raw(domain.RawRecord{Symbol: "BTCUSDT", Type: "snapshot", LocalReceiveTS: base.UnixMilli(), ReceivedAt: base, Data: json.RawMessage(`{}`)}))
	require.NoError(t, out.Snapshot(snap(base)))
	require.NoError(t, out.Snapshot(snap(base.Add(1500*time.Millisecond))))
	require.NoError(t, out.Close())
	require.NoError(t, r.Close())

	hour := rotate.HourKey(base.UnixMilli())
	assert.Len(t, readReceiveTimes(t, filepath.Join(dir, "BTCUSDT", hour, "BTCUSDT-rt-"+hour+".json")), 1)
	assert.Len(t, readReceiveTimes(t, filepath.Join(dir, "BTCUSDT", hour, "BTCUSDT-rt_ss-"+hour+".json")), 2)
	assert.NoFileExists(t, filepath.Join(dir, "BTCUSDT", hour, "BTCUSDT-rt_ss_1s-"+hour+".json"))
	assert.Empty(t, pub.recs)
}

func TestRetiredGateDropsRecordsAfterCutoff(t *testing.T) {
	dir := t.TempDir()
	r := newRecorder(t, dir, nil)
	gate := NewGate(true)
	out := r.Output(gate)

	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	Handover(gate, NewGate(false), func() time.Time { return base.Add(time.Second) })

	require.NoError(t, out.Snapshot(snap(base)))
	require.NoError(t, out.Snapshot(snap(base.Add(2*time.Second))))
	require.NoError(t, out.Close())
	require.NoError(t, r.Close())

	hour := rotate.HourKey(base.UnixMilli())
	full := readReceiveTimes(t, filepath.Join(dir, "BTCUSDT", hour, "BTCUSDT-rt_ss-"+hour+".json"))
	assert.Equal(t, []int64{base.UnixMilli()}, full)
	assert.True(t, gate.Retains(base))
	assert.False(t, gate.Retains(base.Add(time.Second)))
}

func TestHandoverSplitsAtCutoff(t *testing.T) {
	oldGate, newGate := NewGate(true), NewGate(false)
	base := time.Unix(1000, 0)

	cut := Handover(oldGate, newGate, func() time.Time { return base })
	assert.Equal(t, base, cut)

	assert.True(t, oldGate.Admits(base.Add(-time.Nanosecond)))
	assert.False(t, oldGate.Admits(base))
	assert.False(t, newGate.Admits(base.Add(-time.Nanosecond)))
	assert.True(t, newGate.Admits(base))
	assert.True(t, newGate.Admits(base.Add(time.Hour)))
}

func TestHandoverWaitsForInflightWrite(t *testing.T) {
	oldGate, newGate := NewGate(true), NewGate(false)
	entered, release := make(chan struct{}), make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		_, _ = oldGate.Do(time.Unix(10, 0), func() error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	handed := make(chan struct{})
	go func() {
		Handover(oldGate, newGate, func() time.Time { return time.Unix(20, 0) })
		close(handed)
	}()

	select {
	case <-handed:
		t.Fatal("handover completed during an admitted write")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-done
	<-handed
	assert.True(t, newGate.Admits(time.Unix(20, 0)))
}
