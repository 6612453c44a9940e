package domain

import (
	"slices"
	"strconv"
	"strings"
	"time"
)

// WindowInstance is one concrete occurrence of a calendar-keyed market.
// Instances are values; a new period produces a new instance.
type WindowInstance struct {
	Template string
	Label    string
	Slug     string
	URL      string
	Start    time.Time
	End      time.Time
}

// Key identifies the instance by slug and period start.
func (w WindowInstance) Key() string {
	return w.Slug + "@" + strconv.FormatInt(w.Start.Unix(), 10)
}

// Contains reports whether t falls in [Start, End).
func (w WindowInstance) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Target is what a stream session subscribes to: a stable symbol, or a
// window instance resolved to its asset ids.
type Target struct {
	Venue    string
	Symbol   string
	AssetIDs []string
	Window   *WindowInstance
}

// Key is unique per venue and subscription.
func (t Target) Key() string {
	if t.Window != nil {
		return t.Venue + ":" + t.Window.Key()
	}
	return t.Venue + ":" + t.Symbol
}

// Label is a short human-readable name for logs and status.
func (t Target) Label() string {
	if t.Window != nil {
		return t.Window.Slug
	}
	return t.Symbol
}

// Instruments returns the identifiers placed in the subscribe message.
func (t Target) Instruments() []string {
	if len(t.AssetIDs) > 0 {
		return t.AssetIDs
	}
	if t.Symbol == "" {
		return nil
	}
	return []string{t.Symbol}
}

// Identity describes the resolved subscription independent of its period.
// Two targets with the same identity stream the same instruments.
func (t Target) Identity() string {
	ids := slices.Clone(t.Instruments())
	slices.Sort(ids)
	name := t.Symbol
	if t.Window != nil {
		name = t.Window.Slug
	}
	return name + "|" + strings.Join(ids, ",")
}
