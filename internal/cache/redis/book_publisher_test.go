package redis

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/bookrecorder/internal/domain"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "book:bybit_spot:BTCUSDT:latest", LatestKey("bybit_spot", "BTCUSDT"))
	assert.Equal(t, "book:bybit_spot:BTCUSDT:bbo", BBOKey("bybit_spot", "BTCUSDT"))
	assert.Equal(t, "ch:book:polymarket:123", Channel("polymarket", "123"))
}

func TestBBOFields(t *testing.T) {
	bid := "0.52"
	rec := domain.SnapshotRecord{Symbol: "123", TS: 1700000000000, BestBid: &bid, BidDepth: 3}

	got := bboFields(rec)
	assert.Equal(t, "0.52", got["bid"])
	assert.Equal(t, "", got["ask"], "an empty side is stored as an empty string")
	assert.Equal(t, 3, got["bid_depth"])
	assert.Equal(t, int64(1700000000000), got["ts"])
}
