package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/bookrecorder/internal/domain"
)

// DefaultRESTURL is the v5 REST root.
const DefaultRESTURL = "https://api.bybit.com"

var deliverySymbolPattern = regexp.MustCompile(`.+-\d{2}[A-Z]{3}\d{2}$`)

// Instrument is one row of /v5/market/instruments-info.
type Instrument struct {
	Symbol       string `json:"symbol"`
	ContractType string `json:"contractType"`
	Status       string `json:"status"`
	DeliveryTime string `json:"deliveryTime"`
}

// DeliveryAt returns the delivery time, or zero for perpetuals.
func (i Instrument) DeliveryAt() time.Time {
	ms, err := strconv.ParseInt(i.DeliveryTime, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

type instrumentsResponse struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		Category       string       `json:"category"`
		List           []Instrument `json:"list"`
		NextPageCursor string       `json:"nextPageCursor"`
	} `json:"result"`
}

// InstrumentsClient pages through instruments-info.
type InstrumentsClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewInstrumentsClient creates a client. rps bounds page requests; zero or
// less disables the limit.
func NewInstrumentsClient(baseURL string, timeout time.Duration, rps float64) *InstrumentsClient {
	if baseURL == "" {
		baseURL = DefaultRESTURL
	}
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return &InstrumentsClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, 2),
	}
}

// List returns every instrument of category in the given status, following
// nextPageCursor until it is empty.
func (c *InstrumentsClient) List(ctx context.Context, category Category, status string) ([]Instrument, error) {
	var (
		out    []Instrument
		cursor string
	)
	for {
		params := url.Values{}
		params.Set("category", string(category))
		params.Set("limit", "1000")
		if status != "" {
			params.Set("status", status)
		}
		if cursor != "" {
			params.Set("cursor", cursor)
		}

		var resp instrumentsResponse
		if err := c.get(ctx, "/v5/market/instruments-info?"+params.Encode(), &resp); err != nil {
			return nil, fmt.Errorf("bybit/rest: instruments %s %s: %w", category, status, err)
		}
		if resp.RetCode != 0 {
			return nil, fmt.Errorf("bybit/rest: instruments %s %s: retCode %d: %s", category, status, resp.RetCode, resp.RetMsg)
		}
		out = append(out, resp.Result.List...)
		cursor = resp.Result.NextPageCursor
		if cursor == "" {
			return out, nil
		}
	}
}

func (c *InstrumentsClient) get(ctx context.Context, path string, v any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, body)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, body)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, body)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

// DeliveryFilter selects live dated contracts.
type DeliveryFilter struct {
	Quote   string   // required settle suffix before the date, e.g. "USDT"
	Exclude []string // symbols never recorded
}

// Match reports whether inst is a dated contract that has not yet delivered
// at now.
func (f DeliveryFilter) Match(inst Instrument, now time.Time) bool {
	ct := inst.ContractType
	if !strings.Contains(ct, "Futures") && !strings.Contains(ct, "Perpetual") {
		return false
	}
	at := inst.DeliveryAt()
	if at.IsZero() || at.Before(now) {
		return false
	}
	sym := strings.TrimSpace(inst.Symbol)
	if !deliverySymbolPattern.MatchString(sym) {
		return false
	}
	base := sym[:strings.LastIndex(sym, "-")]
	if f.Quote != "" && !strings.HasSuffix(base, f.Quote) {
		return false
	}
	return !slices.Contains(f.Exclude, sym) && !slices.Contains(f.Exclude, base)
}

// DeliverySymbols lists every status and returns the matching symbols,
// sorted and without duplicates.
func (c *InstrumentsClient) DeliverySymbols(ctx context.Context, category Category, statuses []string, f DeliveryFilter, now time.Time) ([]string, error) {
	seen := make(map[string]bool)
	for _, st := range statuses {
		list, err := c.List(ctx, category, st)
		if err != nil {
			return nil, err
		}
		for _, inst := range list {
			if f.Match(inst, now) {
				seen[strings.TrimSpace(inst.Symbol)] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	slices.Sort(out)
	return out, nil
}
