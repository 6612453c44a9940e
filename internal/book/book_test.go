package book

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/bookrecorder/internal/domain"
)

func lv(price, size string) domain.PriceLevel {
	return domain.PriceLevel{Price: price, Size: size}
}

func TestSnapshotThenDeltaRemovesBestBid(t *testing.T) {
	b := New("BTCUSDT")
	b.ApplySnapshot(
		[]domain.PriceLevel{lv("100.5", "2"), lv("100.0", "1")},
		[]domain.PriceLevel{lv("101.0", "3")},
	)
	applied, bad := b.ApplyDelta([]domain.PriceLevel{lv("100.5", "0")}, nil)
	require.True(t, applied)
	assert.Zero(t, bad)

	rec := b.Record(domain.StreamMessage{Symbol: "BTCUSDT", Type: domain.MessageDelta, UpdateType: "delta"})
	require.NotNil(t, rec.BestBid)
	assert.Equal(t, "100.0", *rec.BestBid)
	assert.Equal(t, 1, rec.BidDepth)
	require.NotNil(t, rec.BestAsk)
	assert.Equal(t, "101.0", *rec.BestAsk)
	assert.Equal(t, 1, rec.AskDepth)
}

func TestDeltaBeforeSnapshotIsDropped(t *testing.T) {
	b := New("ETHUSDT")
	applied, _ := b.ApplyDelta([]domain.PriceLevel{lv("10", "1")}, []domain.PriceLevel{lv("11", "1")})
	assert.False(t, applied)
	assert.False(t, b.Ready())
	bids, asks := b.Depth()
	assert.Zero(t, bids)
	assert.Zero(t, asks)
}

func TestLadderOrdering(t *testing.T) {
	b := New("X")
	b.ApplySnapshot(
		[]domain.PriceLevel{lv("1.5", "1"), lv("3", "1"), lv("2.25", "1")},
		[]domain.PriceLevel{lv("9", "1"), lv("4", "1"), lv("7.5", "1")},
	)
	assert.Equal(t, []domain.PriceLevel{lv("3", "1"), lv("2.25", "1"), lv("1.5", "1")}, b.Bids())
	assert.Equal(t, []domain.PriceLevel{lv("4", "1"), lv("7.5", "1"), lv("9", "1")}, b.Asks())
}

func TestSamePriceLastWriteWins(t *testing.T) {
	b := New("X")
	b.ApplySnapshot(nil, nil)
	b.ApplyDelta([]domain.PriceLevel{lv("10", "1"), lv("10.00", "4"), lv("10", "2")}, nil)
	assert.Equal(t, []domain.PriceLevel{lv("10", "2")}, b.Bids())
}

func TestIndependentDeltaOrderDoesNotMatter(t *testing.T) {
	deltas := []domain.PriceLevel{lv("10", "1"), lv("11", "2"), lv("12", "0"), lv("9", "5")}
	reversed := []domain.PriceLevel{deltas[3], deltas[2], deltas[1], deltas[0]}

	a, b := New("X"), New("X")
	snap := []domain.PriceLevel{lv("12", "3"), lv("8", "1")}
	a.ApplySnapshot(snap, nil)
	b.ApplySnapshot(snap, nil)
	for _, d := range deltas {
		a.ApplyDelta([]domain.PriceLevel{d}, nil)
	}
	for _, d := range reversed {
		b.ApplyDelta([]domain.PriceLevel{d}, nil)
	}
	assert.Equal(t, a.Bids(), b.Bids())
	assert.Equal(t, []domain.PriceLevel{lv("11", "2"), lv("10", "1"), lv("9", "5"), lv("8", "1")}, a.Bids())
}

func TestSnapshotReplacesBook(t *testing.T) {
	b := New("X")
	b.ApplySnapshot([]domain.PriceLevel{lv("1", "1")}, []domain.PriceLevel{lv("2", "1")})
	b.ApplySnapshot([]domain.PriceLevel{lv("5", "1"), lv("4", "0")}, nil)
	assert.Equal(t, []domain.PriceLevel{lv("5", "1")}, b.Bids())
	assert.Empty(t, b.Asks())

	rec := b.Record(domain.StreamMessage{})
	assert.Nil(t, rec.BestAsk)
	assert.NotNil(t, rec.Asks)
}

func TestMalformedLevelsAreSkipped(t *testing.T) {
	b := New("X")
	bad := b.ApplySnapshot([]domain.PriceLevel{lv("abc", "1"), lv("1", "-2"), lv("2", "1")}, nil)
	assert.Equal(t, 2, bad)
	assert.Equal(t, []domain.PriceLevel{lv("2", "1")}, b.Bids())
}

func TestRemovingAbsentLevelIsNoop(t *testing.T) {
	b := New("X")
	b.ApplySnapshot([]domain.PriceLevel{lv("1", "1")}, nil)
	applied, _ := b.ApplyDelta([]domain.PriceLevel{lv("7", "0")}, nil)
	assert.True(t, applied)
	assert.Equal(t, []domain.PriceLevel{lv("1", "1")}, b.Bids())
}

func TestSetApplyReturnsRecordOnlyOnChange(t *testing.T) {
	s := NewSet()
	_, ok := s.Apply(domain.StreamMessage{Symbol: "a", Type: domain.MessageDelta, Bids: []domain.PriceLevel{lv("1", "1")}})
	assert.False(t, ok)

	rec, ok := s.Apply(domain.StreamMessage{Symbol: "a", Type: domain.MessageSnapshot, UpdateType: "book", Bids: []domain.PriceLevel{lv("0.45", "10")}})
	require.True(t, ok)
	assert.Equal(t, "a", rec.Symbol)
	assert.Equal(t, "book", rec.UpdateType)
	assert.Equal(t, 1, s.Len())
}
