package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/bookrecorder/internal/domain"
)

// BookPublisher stores the latest snapshot per symbol and announces it.
//
// Key schema:
//
//	book:{venue}:{symbol}:latest  - JSON snapshot record, expires after ttl
//	book:{venue}:{symbol}:bbo     - hash with bid, ask, bid_depth, ask_depth, ts
//	ch:book:{venue}:{symbol}      - pub/sub channel carrying the JSON record
type BookPublisher struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewBookPublisher creates a publisher. A zero ttl keeps keys forever.
func NewBookPublisher(c *Client, ttl time.Duration) *BookPublisher {
	return &BookPublisher{rdb: c.rdb, ttl: ttl}
}

func LatestKey(venue, symbol string) string { return "book:" + venue + ":" + symbol + ":latest" }
func BBOKey(venue, symbol string) string    { return "book:" + venue + ":" + symbol + ":bbo" }
func Channel(venue, symbol string) string   { return "ch:book:" + venue + ":" + symbol }

func (p *BookPublisher) Name() string { return "redis" }

// Publish writes the record and its top of book in one transaction.
func (p *BookPublisher) Publish(ctx context.Context, venue string, rec domain.SnapshotRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("redis: marshal %s: %w", rec.Symbol, err)
	}
	bboKey := BBOKey(venue, rec.Symbol)

	pipe := p.rdb.TxPipeline()
	pipe.Set(ctx, LatestKey(venue, rec.Symbol), payload, p.ttl)
	pipe.HSet(ctx, bboKey, bboFields(rec))
	if p.ttl > 0 {
		pipe.Expire(ctx, bboKey, p.ttl)
	}
	pipe.Publish(ctx, Channel(venue, rec.Symbol), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: publish %s:%s: %w", venue, rec.Symbol, err)
	}
	return nil
}

// bboFields flattens the top of book. A missing side is stored as "".
func bboFields(rec domain.SnapshotRecord) map[string]any {
	return map[string]any{
		"bid":       deref(rec.BestBid),
		"ask":       deref(rec.BestAsk),
		"bid_depth": rec.BidDepth,
		"ask_depth": rec.AskDepth,
		"ts":        rec.TS,
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
