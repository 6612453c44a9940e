package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/bookrecorder/internal/domain"
)

func startHub(t *testing.T) (*Hub, *websocket.Conn) {
	t.Helper()
	h := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(cancel)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return h.clientCount() == 1 }, time.Second, 5*time.Millisecond)
	return h, conn
}

func TestHubBroadcastsSnapshots(t *testing.T) {
	h, conn := startHub(t)

	bid := "0.51"
	require.NoError(t, h.Publish(context.Background(), "polymarket", domain.SnapshotRecord{
		Symbol:  "123",
		TS:      1_700_000_000_000,
		BestBid: &bid,
	}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, "book:polymarket:123", env.Channel)
	assert.Equal(t, "polymarket", env.Venue)
	require.NotNil(t, env.Book.BestBid)
	assert.Equal(t, "0.51", *env.Book.BestBid)
}

func TestClientSubscriptions(t *testing.T) {
	c := &client{subs: map[string]bool{DefaultPattern: true}}
	assert.True(t, c.isSubscribed(Channel("bybit_spot", "BTCUSDT")))

	c.apply(subscribeMsg{Action: "unsubscribe", Channels: []string{DefaultPattern}})
	c.apply(subscribeMsg{Action: "subscribe", Channels: []string{"book:bybit_future:*"}})
	assert.False(t, c.isSubscribed(Channel("bybit_spot", "BTCUSDT")))
	assert.True(t, c.isSubscribed(Channel("bybit_future", "BTCUSDT-27MAR26")))
}
