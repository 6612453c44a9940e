// Package window computes the calendar-keyed market instances that a slot
// subscribes to over time.
package window

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/alanyoungcy/bookrecorder/internal/domain"
)

// DefaultTimezone is the zone the market calendar is defined in.
const DefaultTimezone = "America/New_York"

// Asset maps a human name to the ticker used in slugs.
type Asset struct {
	Name      string
	Symbol    string
	Include5m bool
}

// ParseAsset parses "name:symbol:include5m". The symbol defaults to the
// name and include5m defaults to true; "0" disables it.
func ParseAsset(tag string) (Asset, error) {
	var parts []string
	for _, p := range strings.Split(tag, ":") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return Asset{}, fmt.Errorf("window: empty asset tag %q", tag)
	}
	a := Asset{Name: parts[0], Symbol: parts[0], Include5m: true}
	if len(parts) > 1 {
		a.Symbol = parts[1]
	}
	if len(parts) > 2 {
		a.Include5m = parts[2] != "0"
	}
	return a, nil
}

type cadence int

const (
	daily cadence = iota
	hourly
	epoch
)

// Template is one recurring market for one asset.
type Template struct {
	pattern string
	asset   Asset
	loc     *time.Location
	cadence cadence
	period  time.Duration
	label   string
}

// NewTemplate classifies pattern by its placeholders.
func NewTemplate(pattern string, asset Asset, loc *time.Location) Template {
	t := Template{pattern: pattern, asset: asset, loc: loc, cadence: daily, period: 24 * time.Hour, label: "1d"}
	switch {
	case strings.Contains(pattern, "{epoch_5m}"):
		t.cadence, t.period, t.label = epoch, 5*time.Minute, "5m"
	case strings.Contains(pattern, "{epoch_15m}"):
		t.cadence, t.period, t.label = epoch, 15*time.Minute, "15m"
	case strings.Contains(pattern, "{epoch_4h}"):
		t.cadence, t.period, t.label = epoch, 4*time.Hour, "4h"
	case strings.Contains(pattern, "{hour12}") && strings.Contains(pattern, "{ampm}"):
		t.cadence, t.period, t.label = hourly, time.Hour, "1h"
	}
	return t
}

// Label is the cadence name: 5m, 15m, 4h, 1h or 1d.
func (t Template) Label() string { return t.label }

// Period is the nominal instance length.
func (t Template) Period() time.Duration { return t.period }

// Pattern returns the raw template.
func (t Template) Pattern() string { return t.pattern }

// Key identifies the slot: the pattern with the asset substituted, so that a
// template without asset placeholders yields one slot however many assets
// are configured.
func (t Template) Key() string {
	return strings.NewReplacer("{name}", t.asset.Name, "{symbol}", t.asset.Symbol).Replace(t.pattern)
}

// Bounds returns the period containing now.
func (t Template) Bounds(now time.Time) (start, end time.Time) {
	local := now.In(t.loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, t.loc)
	nextMidnight := time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, t.loc)

	switch t.cadence {
	case epoch:
		elapsed := local.Sub(midnight)
		start = midnight.Add(elapsed - elapsed%t.period)
		end = start.Add(t.period)
		if end.After(nextMidnight) {
			end = nextMidnight
		}
		return start, end
	case hourly:
		start = now.Truncate(time.Hour)
		return start, start.Add(time.Hour)
	default:
		return midnight, nextMidnight
	}
}

// Render fills the pattern for the period starting at start.
func (t Template) Render(start time.Time) string {
	local := start.In(t.loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, t.loc)
	floor := func(p time.Duration) string {
		elapsed := local.Sub(midnight)
		return strconv.FormatInt(midnight.Add(elapsed-elapsed%p).Unix(), 10)
	}
	return strings.NewReplacer(
		"{name}", t.asset.Name,
		"{symbol}", t.asset.Symbol,
		"{month}", strings.ToLower(local.Month().String()),
		"{day}", strconv.Itoa(local.Day()),
		"{hour12}", local.Format("3"),
		"{ampm}", strings.ToLower(local.Format("PM")),
		"{epoch_4h}", floor(4*time.Hour),
		"{epoch_15m}", floor(15*time.Minute),
		"{epoch_5m}", floor(5*time.Minute),
	).Replace(t.pattern)
}

// InstanceAt returns the instance whose period contains now.
func (t Template) InstanceAt(now time.Time) domain.WindowInstance {
	start, end := t.Bounds(now)
	url := t.Render(start)
	return domain.WindowInstance{
		Template: t.pattern,
		Label:    t.label,
		Slug:     Slug(url),
		URL:      url,
		Start:    start,
		End:      end,
	}
}

// Next returns the instance that follows inst.
func (t Template) Next(inst domain.WindowInstance) domain.WindowInstance {
	return t.InstanceAt(inst.End)
}

// Slug extracts the event slug from an event URL.
func Slug(eventURL string) string {
	u := strings.TrimRight(eventURL, "/")
	if _, after, ok := strings.Cut(u, "/event/"); ok {
		return after
	}
	if i := strings.LastIndex(u, "/"); i >= 0 {
		return u[i+1:]
	}
	return u
}

// Slots expands every pattern for every asset, skipping 5m patterns for
// assets that exclude them and collapsing patterns that do not depend on the
// asset.
func Slots(patterns []string, assets []Asset, loc *time.Location) []Template {
	seen := make(map[string]bool)
	var out []Template
	for _, a := range assets {
		for _, p := range patterns {
			t := NewTemplate(p, a, loc)
			if t.label == "5m" && !a.Include5m {
				continue
			}
			if seen[t.Key()] {
				continue
			}
			seen[t.Key()] = true
			out = append(out, t)
		}
	}
	return out
}
