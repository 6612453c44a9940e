// Package book reconstructs full depth order books from snapshot and delta
// messages. A Book is owned by a single stream session and is not safe for
// concurrent use.
package book

import (
	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"github.com/alanyoungcy/bookrecorder/internal/domain"
)

type level struct {
	price decimal.Decimal
	raw   domain.PriceLevel
}

// Book holds the bid and ask ladders for one symbol.
type Book struct {
	symbol string
	bids   *btree.BTreeG[level]
	asks   *btree.BTreeG[level]
	ready  bool
}

// New returns an empty book that is not ready until its first snapshot.
func New(symbol string) *Book {
	b := &Book{symbol: symbol}
	b.reset()
	return b
}

func (b *Book) reset() {
	opts := btree.Options{NoLocks: true}
	// Bids descend so that Min is always the best bid.
	b.bids = btree.NewBTreeGOptions(func(x, y level) bool {
		return x.price.GreaterThan(y.price)
	}, opts)
	b.asks = btree.NewBTreeGOptions(func(x, y level) bool {
		return x.price.LessThan(y.price)
	}, opts)
}

// Symbol returns the symbol the book was created for.
func (b *Book) Symbol() string { return b.symbol }

// Ready reports whether a snapshot has been applied.
func (b *Book) Ready() bool { return b.ready }

// ApplySnapshot replaces both ladders with the given levels and marks the
// book ready. Levels whose price or size cannot be parsed are skipped; the
// number skipped is returned.
func (b *Book) ApplySnapshot(bids, asks []domain.PriceLevel) int {
	b.reset()
	bad := upsertAll(b.bids, bids) + upsertAll(b.asks, asks)
	b.ready = true
	return bad
}

// ApplyDelta folds the given levels into the ladders in order. It reports
// false without touching the book when no snapshot has been applied yet.
func (b *Book) ApplyDelta(bids, asks []domain.PriceLevel) (applied bool, bad int) {
	if !b.ready {
		return false, 0
	}
	return true, upsertAll(b.bids, bids) + upsertAll(b.asks, asks)
}

// Apply routes msg to ApplySnapshot or ApplyDelta and reports whether the
// book changed as a result.
func (b *Book) Apply(msg domain.StreamMessage) bool {
	switch msg.Type {
	case domain.MessageSnapshot:
		b.ApplySnapshot(msg.Bids, msg.Asks)
		return true
	case domain.MessageDelta:
		applied, _ := b.ApplyDelta(msg.Bids, msg.Asks)
		return applied
	default:
		return false
	}
}

func upsertAll(tree *btree.BTreeG[level], levels []domain.PriceLevel) int {
	bad := 0
	for _, pl := range levels {
		price, err := decimal.NewFromString(pl.Price)
		if err != nil {
			bad++
			continue
		}
		size, err := decimal.NewFromString(pl.Size)
		if err != nil || size.IsNegative() {
			bad++
			continue
		}
		if size.IsZero() {
			tree.Delete(level{price: price})
			continue
		}
		tree.Set(level{price: price, raw: pl})
	}
	return bad
}

// BestBid returns the highest bid, if any.
func (b *Book) BestBid() (domain.PriceLevel, bool) {
	l, ok := b.bids.Min()
	return l.raw, ok
}

// BestAsk returns the lowest ask, if any.
func (b *Book) BestAsk() (domain.PriceLevel, bool) {
	l, ok := b.asks.Min()
	return l.raw, ok
}

// Depth returns the number of price levels on each side.
func (b *Book) Depth() (bids, asks int) {
	return b.bids.Len(), b.asks.Len()
}

// Bids returns the bid ladder, best first.
func (b *Book) Bids() []domain.PriceLevel { return ladder(b.bids) }

// Asks returns the ask ladder, best first.
func (b *Book) Asks() []domain.PriceLevel { return ladder(b.asks) }

func ladder(tree *btree.BTreeG[level]) []domain.PriceLevel {
	out := make([]domain.PriceLevel, 0, tree.Len())
	tree.Scan(func(l level) bool {
		out = append(out, l.raw)
		return true
	})
	return out
}

// Record builds the snapshot record for the book as it stands after msg.
func (b *Book) Record(msg domain.StreamMessage) domain.SnapshotRecord {
	rec := domain.SnapshotRecord{
		Symbol:         b.symbol,
		UpdateType:     msg.UpdateType,
		TS:             msg.EventTS,
		LocalReceiveTS: msg.LocalReceiveTS,
		UpdateID:       msg.UpdateID,
		Seq:            msg.Seq,
		Bids:           b.Bids(),
		Asks:           b.Asks(),
		ReceivedAt:     msg.ReceivedAt,
	}
	rec.BidDepth, rec.AskDepth = len(rec.Bids), len(rec.Asks)
	if len(rec.Bids) > 0 {
		p := rec.Bids[0].Price
		rec.BestBid = &p
	}
	if len(rec.Asks) > 0 {
		p := rec.Asks[0].Price
		rec.BestAsk = &p
	}
	return rec
}
