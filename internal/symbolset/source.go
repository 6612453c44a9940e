package symbolset

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/alanyoungcy/bookrecorder/internal/domain"
	"github.com/alanyoungcy/bookrecorder/internal/platform/bybit"
)

// Source yields the targets that should be live right now.
type Source interface {
	DesiredTargets(ctx context.Context) ([]domain.Target, error)
}

// StaticSource always returns the same symbols.
type StaticSource struct {
	targets []domain.Target
}

// NewStaticSource builds a source over a fixed symbol list.
func NewStaticSource(venue string, symbols []string) *StaticSource {
	return &StaticSource{targets: targetsFor(venue, symbols)}
}

func (s *StaticSource) DesiredTargets(context.Context) ([]domain.Target, error) {
	return slices.Clone(s.targets), nil
}

// DeliveryLister lists the delivery contracts currently tradable.
type DeliveryLister interface {
	DeliverySymbols(ctx context.Context, category bybit.Category, statuses []string, f bybit.DeliveryFilter, now time.Time) ([]string, error)
}

// DefaultDeliveryStatuses are the instrument states polled for dated
// contracts.
var DefaultDeliveryStatuses = []string{"Trading", "PreLaunch", "Delivering", "Closed"}

// DeliverySource returns the configured symbols plus every active delivery
// contract.
type DeliverySource struct {
	venue    string
	symbols  []string
	lister   DeliveryLister
	category bybit.Category
	statuses []string
	filter   bybit.DeliveryFilter
	now      func() time.Time
	logger   *slog.Logger

	fetched bool
}

// NewDeliverySource creates a source for dated linear contracts.
func NewDeliverySource(venue string, symbols []string, lister DeliveryLister, filter bybit.DeliveryFilter, logger *slog.Logger) *DeliverySource {
	return &DeliverySource{
		venue:    venue,
		symbols:  symbols,
		lister:   lister,
		category: bybit.CategoryLinear,
		statuses: DefaultDeliveryStatuses,
		filter:   filter,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "delivery_source")),
	}
}

// DesiredTargets is not safe for concurrent use; the manager polls it from
// one goroutine.
func (d *DeliverySource) DesiredTargets(ctx context.Context) ([]domain.Target, error) {
	delivery, err := d.lister.DeliverySymbols(ctx, d.category, d.statuses, d.filter, d.now())
	if err != nil {
		if !d.fetched {
			d.fetched = true
			d.logger.Warn("delivery symbols unavailable, using configured symbols",
				slog.String("error", err.Error()),
				slog.Int("configured", len(d.symbols)),
			)
			return targetsFor(d.venue, d.symbols), nil
		}
		return nil, fmt.Errorf("symbolset: delivery symbols: %w", err)
	}
	d.fetched = true

	all := append(slices.Clone(d.symbols), delivery...)
	return targetsFor(d.venue, all), nil
}

func targetsFor(venue string, symbols []string) []domain.Target {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]domain.Target, 0, len(symbols))
	for _, sym := range symbols {
		if sym == "" {
			continue
		}
		if _, ok := seen[sym]; ok {
			continue
		}
		seen[sym] = struct{}{}
		out = append(out, domain.Target{Venue: venue, Symbol: sym})
	}
	return out
}
