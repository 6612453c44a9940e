package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/bookrecorder/internal/domain"
)

const userAgent = "bookrecorder/1.0"

// GammaClient is the REST client for the Polymarket Gamma API, which
// provides event and market metadata.
type GammaClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewGammaClient creates a new Gamma API client.
//
// baseURL is the Gamma API root, e.g. "https://gamma-api.polymarket.com".
// rps bounds the request rate; zero or less disables the limit.
func NewGammaClient(baseURL string, timeout time.Duration, rps float64) *GammaClient {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return &GammaClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, 5),
	}
}

// GetEventBySlug returns the event with the given slug.
func (g *GammaClient) GetEventBySlug(ctx context.Context, slug string) (APIEvent, error) {
	body, err := g.doGet(ctx, "/events/slug/"+url.PathEscape(slug))
	if err != nil {
		return APIEvent{}, fmt.Errorf("polymarket/gamma: get event %s: %w", slug, err)
	}

	var ev APIEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return APIEvent{}, fmt.Errorf("polymarket/gamma: decode event %s: %w", slug, err)
	}
	return ev, nil
}

// AssetIDs resolves the CLOB token ids of every market of the event, in
// order and without duplicates.
func (g *GammaClient) AssetIDs(ctx context.Context, slug string) ([]string, error) {
	ev, err := g.GetEventBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var ids []string
	for _, m := range ev.Markets {
		for _, id := range m.TokenIDs() {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("polymarket/gamma: event %s: %w", slug, domain.ErrNoInstruments)
	}
	return ids, nil
}

func (g *GammaClient) doGet(ctx context.Context, path string) ([]byte, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}

	return body, nil
}

// checkHTTPStatus maps non-2xx responses to domain errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	bodyStr := string(body)
	if len(bodyStr) > 512 {
		bodyStr = bodyStr[:512]
	}
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, bodyStr)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}
