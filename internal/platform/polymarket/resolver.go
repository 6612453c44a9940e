package polymarket

import (
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/bookrecorder/internal/domain"
)

// Resolver turns a window instance into a subscription target by looking up
// the event's asset ids.
type Resolver struct {
	gamma   *GammaClient
	timeout time.Duration
}

// NewResolver creates a Resolver. Every lookup is bounded by timeout.
func NewResolver(gamma *GammaClient, timeout time.Duration) *Resolver {
	return &Resolver{gamma: gamma, timeout: timeout}
}

// Resolve returns the target for inst, or an error if the event cannot be
// fetched or has no tradable instruments.
func (r *Resolver) Resolve(ctx context.Context, inst domain.WindowInstance) (domain.Target, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	ids, err := r.gamma.AssetIDs(ctx, inst.Slug)
	if err != nil {
		return domain.Target{}, fmt.Errorf("polymarket: resolve %s: %w", inst.Slug, err)
	}
	w := inst
	return domain.Target{Venue: Venue, AssetIDs: ids, Window: &w}, nil
}
