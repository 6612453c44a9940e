package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/bookrecorder/internal/domain"
	"github.com/alanyoungcy/bookrecorder/internal/recorder"
	"github.com/alanyoungcy/bookrecorder/internal/rotate"
)

// testAdapter speaks a minimal protocol:
// {"s":"SYM","k":"snapshot|delta","b":[[p,s]],"a":[[p,s]]}.
type testAdapter struct {
	url string
}

func (a *testAdapter) Venue() string       { return "test" }
func (a *testAdapter) Endpoint() string    { return a.url }
func (a *testAdapter) Header() http.Header { return nil }
func (a *testAdapter) Ping() []byte        { return []byte("PING") }

func (a *testAdapter) SubscribeFrames(t domain.Target) ([][]byte, error) {
	return [][]byte{[]byte("sub:" + strings.Join(t.Instruments(), ","))}, nil
}

func (a *testAdapter) Decode(frame []byte, receivedAt time.Time) ([]domain.Payload, error) {
	if string(frame) == "PONG" {
		return nil, nil
	}
	var m struct {
		S string              `json:"s"`
		K string              `json:"k"`
		B []domain.PriceLevel `json:"b"`
		A []domain.PriceLevel `json:"a"`
	}
	if err := json.Unmarshal(frame, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
	}
	if m.S == "" {
		return nil, domain.ErrMalformedPayload
	}
	if m.K != "snapshot" && m.K != "delta" {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownEvent, m.K)
	}
	return []domain.Payload{{
		Symbol: m.S, Type: m.K, ReceivedAt: receivedAt, Data: frame,
		Updates: []domain.StreamMessage{{Symbol: m.S, Type: domain.MessageType(m.K), UpdateType: m.K, Bids: m.B, Asks: m.A}},
	}}, nil
}

type memOutput struct {
	mu     sync.Mutex
	raws   []domain.RawRecord
	snaps  []domain.SnapshotRecord
	closed bool
}

func (o *memOutput) Raw(r domain.RawRecord) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.raws = append(o.raws, r)
	return nil
}

func (o *memOutput) Snapshot(r domain.SnapshotRecord) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.snaps = append(o.snaps, r)
	return nil
}

func (o *memOutput) Flush() error { return nil }

func (o *memOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	return nil
}

func (o *memOutput) snapshot() ([]domain.RawRecord, []domain.SnapshotRecord, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]domain.RawRecord(nil), o.raws...), append([]domain.SnapshotRecord(nil), o.snaps...), o.closed
}

type wsServer struct {
	*httptest.Server
	received chan string
}

// newWSServer upgrades every request, records inbound text frames and runs
// script against the connection.
func newWSServer(t *testing.T, script func(conn *websocket.Conn)) *wsServer {
	t.Helper()
	s := &wsServer{received: make(chan string, 64)}
	upgrader := websocket.Upgrader{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		go func() {
			for {
				_, msg, err := conn.ReadMessage()
				if err != nil {
					return
				}
				select {
				case s.received <- string(msg):
				default:
				}
			}
		}()
		script(conn)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *wsServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		DialTimeout:    time.Second,
		ReadTimeout:    2 * time.Second,
		WriteTimeout:   time.Second,
		PingInterval:   20 * time.Millisecond,
		StatusInterval: 10 * time.Millisecond,
		LogInterval:    time.Second,
		ReconnectDelay: 10 * time.Millisecond,
	}
}

func TestSessionAppliesSnapshotThenDelta(t *testing.T) {
	release := make(chan struct{})
	srv := newWSServer(t, func(conn *websocket.Conn) {
		frames := []string{
			`{"s":"BTC","k":"delta","b":[["99","1"]]}`,
			`not json`,
			`{"s":"BTC","k":"snapshot","b":[["100.5","2"],["100.0","1"]],"a":[["101.0","3"]]}`,
			`{"s":"BTC","k":"delta","b":[["100.5","0"]]}`,
		}
		for _, f := range frames {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(f))
		}
		<-release
	})
	defer close(release)

	out := &memOutput{}
	s := New(testConfig(), &testAdapter{url: srv.wsURL()}, domain.Target{Venue: "test", Symbol: "BTC"},
		func() Output { return out }, nil, quiet())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-s.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("session never became ready")
	}
	assert.Equal(t, "sub:BTC", <-srv.received)

	require.Eventually(t, func() bool {
		_, snaps, _ := out.snapshot()
		return len(snaps) == 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	raws, snaps, closed := out.snapshot()
	assert.True(t, closed)
	assert.Len(t, raws, 3)
	last := snaps[1]
	require.NotNil(t, last.BestBid)
	assert.Equal(t, "100.0", *last.BestBid)
	assert.Equal(t, 1, last.BidDepth)
	assert.Equal(t, raws[2].LocalReceiveTS, last.LocalReceiveTS)
	assert.Equal(t, int64(3), s.Status().Payloads)
	assert.Equal(t, int64(1), s.Status().Errors)
}

func TestSessionSendsKeepalive(t *testing.T) {
	release := make(chan struct{})
	srv := newWSServer(t, func(conn *websocket.Conn) { <-release })
	defer close(release)

	s := New(testConfig(), &testAdapter{url: srv.wsURL()}, domain.Target{Venue: "test", Symbol: "ETH"},
		func() Output { return &memOutput{} }, nil, quiet())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	assert.Equal(t, "sub:ETH", <-srv.received)
	select {
	case msg := <-srv.received:
		assert.Equal(t, "PING", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("no keepalive ping")
	}
}

func TestSessionReturnsOnServerClose(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"s":"A","k":"snapshot"}`))
	})

	out := &memOutput{}
	s := New(testConfig(), &testAdapter{url: srv.wsURL()}, domain.Target{Venue: "test", Symbol: "A"},
		func() Output { return out }, nil, quiet())

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrWSDisconnect))
	_, _, closed := out.snapshot()
	assert.True(t, closed)
}

func TestSessionDialFailure(t *testing.T) {
	s := New(testConfig(), &testAdapter{url: "ws://127.0.0.1:1"}, domain.Target{Venue: "test", Symbol: "A"},
		func() Output { return &memOutput{} }, nil, quiet())
	err := s.Run(context.Background())
	assert.ErrorIs(t, err, domain.ErrWSDisconnect)
}

func TestRunForeverReconnectsWithFreshOutput(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"s":"A","k":"snapshot","b":[["1","1"]]}`))
	})

	var mu sync.Mutex
	outputs := 0
	s := New(testConfig(), &testAdapter{url: srv.wsURL()}, domain.Target{Venue: "test", Symbol: "A"},
		func() Output {
			mu.Lock()
			outputs++
			mu.Unlock()
			return &memOutput{}
		}, nil, quiet())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.RunForever(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return outputs >= 3
	}, 3*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunForever did not stop")
	}
}

type lineRecord struct {
	Type           string `json:"type"`
	UpdateType     string `json:"update_type"`
	LocalReceiveTS int64  `json:"local_receive_ts"`
}

// readBatches decodes every batch file written under dir for tag, oldest hour
// first.
func readBatches(t *testing.T, dir, tag string) []lineRecord {
	t.Helper()
	paths, err := filepath.Glob(filepath.Join(dir, "*", tag+"-*-batch_*.json"))
	require.NoError(t, err)
	var out []lineRecord
	for _, p := range paths {
		f, err := os.Open(p)
		require.NoError(t, err)
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			var rec lineRecord
			require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
			out = append(out, rec)
		}
		f.Close()
	}
	return out
}

func TestStandbySessionRecordsBookBeforeHandover(t *testing.T) {
	promoted := make(chan struct{})
	release := make(chan struct{})
	srv := newWSServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"s":"BTC","k":"snapshot","b":[["100","1"]],"a":[["101","1"]]}`))
		<-promoted
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"s":"BTC","k":"delta","b":[["100","2"]]}`))
		<-release
	})
	defer close(release)

	dir := t.TempDir()
	open := func(tag string) *rotate.Writer {
		return rotate.New(rotate.Options{Dir: dir, Tag: tag, Layout: rotate.Batch}, quiet())
	}
	rec := recorder.New("test", recorder.Streams{
		Raw:       open("rt"),
		Snapshot:  open("rt_ss"),
		Decimated: []recorder.Decimated{{Width: time.Second, Writer: open("rt_ss_1s")}},
	}, nil, quiet())

	// The standby session starts behind a gate that is not open yet.
	gate := recorder.NewGate(false)
	s := New(testConfig(), &testAdapter{url: srv.wsURL()}, domain.Target{Venue: "test", Symbol: "BTC"},
		func() Output { return rec.Output(gate) }, nil, quiet())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-s.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("session never became ready")
	}
	cut := recorder.Handover(recorder.NewGate(true), gate, time.Now)
	close(promoted)

	require.Eventually(t, func() bool { return s.Status().Payloads == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	require.NoError(t, rec.Close())

	raws := readBatches(t, dir, "rt")
	require.Len(t, raws, 2)
	assert.Equal(t, "snapshot", raws[0].Type, "the initial book is recorded before promotion")
	assert.Equal(t, "delta", raws[1].Type)

	snaps := readBatches(t, dir, "rt_ss")
	require.Len(t, snaps, 2)
	assert.Equal(t, "snapshot", snaps[0].UpdateType)

	dec := readBatches(t, dir, "rt_ss_1s")
	require.Len(t, dec, 1)
	assert.GreaterOrEqual(t, dec[0].LocalReceiveTS, cut.UnixMilli())
}

func TestSessionIgnoresUnknownEventsWithoutCountingErrors(t *testing.T) {
	release := make(chan struct{})
	srv := newWSServer(t, func(conn *websocket.Conn) {
		frames := []string{
			`{"s":"BTC","k":"last_trade_price"}`,
			`{"s":"BTC","k":"tick_size_change"}`,
			`{"s":"BTC","k":"snapshot","b":[["100","1"]]}`,
			`{"k":"snapshot"}`,
		}
		for _, f := range frames {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(f))
		}
		<-release
	})
	defer close(release)

	out := &memOutput{}
	s := New(testConfig(), &testAdapter{url: srv.wsURL()}, domain.Target{Venue: "test", Symbol: "BTC"},
		func() Output { return out }, nil, quiet())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.Status().Errors == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	raws, _, _ := out.snapshot()
	assert.Len(t, raws, 1)
	assert.Equal(t, int64(1), s.Status().Errors, "only the malformed frame counts as an error")
	assert.Equal(t, int64(1), s.Status().Payloads)
}
