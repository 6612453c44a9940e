package s3blob

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/bookrecorder/internal/rotate"
)

type memBlob struct {
	mu        sync.Mutex
	objects   map[string][]byte
	multipart []string
	putErr    error
}

func newMemBlob() *memBlob { return &memBlob{objects: map[string][]byte{}} }

func (m *memBlob) Put(_ context.Context, key string, data io.Reader, _ string) error {
	if m.putErr != nil {
		return m.putErr
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = b
	return nil
}

func (m *memBlob) PutMultipart(ctx context.Context, key string, data io.Reader, _ int64) error {
	m.mu.Lock()
	m.multipart = append(m.multipart, key)
	m.mu.Unlock()
	return m.Put(ctx, key, data, "")
}

func (m *memBlob) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

func writeFile(t *testing.T, dir, rel, body string) string {
	t.Helper()
	p := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestArchiver_Key(t *testing.T) {
	a := NewArchiver(ArchiverConfig{Dir: "/data/bybit", Prefix: "/books/"}, newMemBlob(), nil, discard())

	key, err := a.Key("/data/bybit/BTCUSDT/2025010215/BTCUSDT-_rt-2025010215.json")
	require.NoError(t, err)
	assert.Equal(t, "books/BTCUSDT/2025010215/BTCUSDT-_rt-2025010215.json", key)

	_, err = a.Key("/elsewhere/file.json")
	assert.Error(t, err)
}

func TestArchiver_UploadAndDelete(t *testing.T) {
	dir := t.TempDir()
	blob := newMemBlob()
	a := NewArchiver(ArchiverConfig{Dir: dir, Prefix: "pm", DeleteAfterUpload: true}, blob, blob, discard())

	file := writeFile(t, dir, "2025010215/_rt-2025010215-batch_0001.json", "{}\n")
	require.NoError(t, a.Upload(context.Background(), file))

	assert.Equal(t, []byte("{}\n"), blob.objects["pm/2025010215/_rt-2025010215-batch_0001.json"])
	_, err := os.Stat(file)
	assert.True(t, os.IsNotExist(err))
}

func TestArchiver_SkipsExisting(t *testing.T) {
	dir := t.TempDir()
	blob := newMemBlob()
	blob.objects["x/a.json"] = []byte("old")
	a := NewArchiver(ArchiverConfig{Dir: dir, Prefix: "x"}, blob, blob, discard())

	file := writeFile(t, dir, "a.json", "new")
	require.NoError(t, a.Upload(context.Background(), file))
	assert.Equal(t, []byte("old"), blob.objects["x/a.json"])
	assert.FileExists(t, file)
}

func TestArchiver_Multipart(t *testing.T) {
	dir := t.TempDir()
	blob := newMemBlob()
	a := NewArchiver(ArchiverConfig{Dir: dir, MultipartThreshold: 4}, blob, nil, discard())

	small := writeFile(t, dir, "small.json", "abc")
	large := writeFile(t, dir, "large.json", "abcdef")
	require.NoError(t, a.Upload(context.Background(), small))
	require.NoError(t, a.Upload(context.Background(), large))
	assert.Equal(t, []string{"large.json"}, blob.multipart)
	assert.Len(t, blob.objects, 2)
}

func TestArchiver_FailureKeepsFile(t *testing.T) {
	dir := t.TempDir()
	blob := newMemBlob()
	blob.putErr = errors.New("503")
	a := NewArchiver(ArchiverConfig{Dir: dir, DeleteAfterUpload: true}, blob, nil, discard())

	file := writeFile(t, dir, "a.json", "x")
	assert.Error(t, a.Upload(context.Background(), file))
	assert.FileExists(t, file)
}

func TestArchiver_QueueBoundedAndDrainedOnClose(t *testing.T) {
	dir := t.TempDir()
	blob := newMemBlob()
	a := NewArchiver(ArchiverConfig{Dir: dir, QueueSize: 2}, blob, nil, discard())

	f1 := writeFile(t, dir, "1.json", "1")
	f2 := writeFile(t, dir, "2.json", "2")
	f3 := writeFile(t, dir, "3.json", "3")
	assert.True(t, a.Enqueue(f1))
	assert.True(t, a.Enqueue(f2))
	assert.False(t, a.Enqueue(f3), "a full queue drops instead of blocking")

	a.Close()
	assert.False(t, a.Enqueue(f3))
	require.NoError(t, a.Run(context.Background()))
	assert.Len(t, blob.objects, 2)
	assert.Contains(t, blob.objects, "1.json")
	assert.Contains(t, blob.objects, "2.json")
}

func TestArchiver_ReconnectWithinHourUploadsWholeFile(t *testing.T) {
	dir := t.TempDir()
	blob := newMemBlob()
	a := NewArchiver(ArchiverConfig{Dir: dir, DeleteAfterUpload: true}, blob, blob, discard())
	w := rotate.New(rotate.Options{
		Dir: dir, Tag: "bybit_spot_orderbook_rt", Layout: rotate.PerSymbol,
		OnClosed: func(path string) { a.Enqueue(path) },
	}, discard())

	at := func(m int) int64 { return time.Date(2025, 1, 2, 10, m, 0, 0, time.UTC).UnixMilli() }
	require.NoError(t, w.Write("BTCUSDT", at(5), map[string]int{"seq": 1}))
	require.NoError(t, w.Release("BTCUSDT")) // session drops and reconnects
	require.NoError(t, w.Write("BTCUSDT", at(6), map[string]int{"seq": 2}))
	require.NoError(t, w.Close())

	a.Close()
	require.NoError(t, a.Run(context.Background()))

	key := "BTCUSDT/2025010210/BTCUSDT-bybit_spot_orderbook_rt-2025010210.json"
	require.Contains(t, blob.objects, key)
	assert.Equal(t, "{\"seq\":1}\n{\"seq\":2}\n", string(blob.objects[key]))
	assert.Len(t, blob.objects, 1)
	assert.NoFileExists(t, filepath.Join(dir, key))
}
