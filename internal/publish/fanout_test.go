package publish

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/bookrecorder/internal/domain"
)

type capture struct {
	mu   sync.Mutex
	name string
	got  []string
	err  error
}

func (c *capture) Name() string { return c.name }

func (c *capture) Publish(_ context.Context, venue string, rec domain.SnapshotRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, venue+":"+rec.Symbol)
	return c.err
}

func (c *capture) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestFanout_DeliversToAll(t *testing.T) {
	a := &capture{name: "a"}
	b := &capture{name: "b", err: errors.New("down")}
	f := NewFanout(8, time.Second, discard(), a, b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	f.Offer("bybit_spot", domain.SnapshotRecord{Symbol: "BTCUSDT"})
	f.Offer("bybit_spot", domain.SnapshotRecord{Symbol: "ETHUSDT"})

	require.Eventually(t, func() bool { return a.len() == 2 && b.len() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"bybit_spot:BTCUSDT", "bybit_spot:ETHUSDT"}, a.got)
}

func TestFanout_OfferDropsWhenFull(t *testing.T) {
	a := &capture{name: "a"}
	f := NewFanout(1, time.Second, discard(), a)

	f.Offer("v", domain.SnapshotRecord{Symbol: "1"})
	f.Offer("v", domain.SnapshotRecord{Symbol: "2"})
	assert.Len(t, f.queue, 1)
}
