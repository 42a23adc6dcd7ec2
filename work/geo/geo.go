package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"adsplice-proxy/work/logger"
	"adsplice-proxy/work/safeurl"

	"github.com/maypok86/otter/v2"
)

// Locator maps a client IP to an ISO country code. "" means unknown.
type Locator interface {
	CountryForIP(ctx context.Context, ip string) (string, error)
}

// Nop never knows the country
type Nop struct{}

func (Nop) CountryForIP(context.Context, string) (string, error) { return "", nil }

// HTTPLocator asks a lookup service and caches answers, misses included.
type HTTPLocator struct {
	pattern string // printf pattern, %s is the escaped IP
	client  *http.Client
	timeout time.Duration
	cache   *otter.Cache[string, string]
}

// NewHTTPLocator creates a locator for a lookup URL pattern such as
// "https://geo.example/json/%s".
func NewHTTPLocator(pattern string, client *http.Client, timeout time.Duration) (*HTTPLocator, error) {
	cache, err := otter.New(&otter.Options[string, string]{
		MaximumSize:      50000,
		ExpiryCalculator: otter.ExpiryWriting[string, string](6 * time.Hour),
	})
	if err != nil {
		return nil, fmt.Errorf("geo cache: %w", err)
	}
	return &HTTPLocator{pattern: pattern, client: client, timeout: timeout, cache: cache}, nil
}

// CountryForIP returns the country for ip. Private addresses are never
// looked up. Failures are returned but not cached.
func (l *HTTPLocator) CountryForIP(ctx context.Context, ip string) (string, error) {
	if ip == "" || safeurl.IsPrivateHost(ip) {
		return "", nil
	}
	if country, ok := l.cache.GetIfPresent(ip); ok {
		return country, nil
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf(l.pattern, url.PathEscape(ip)), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json, text/plain")

	resp, err := l.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("geo lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("geo lookup returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<10))
	if err != nil {
		return "", fmt.Errorf("geo lookup: %w", err)
	}

	country := parseCountry(body)
	l.cache.Set(ip, country)
	logger.Debug("{geo/geo - CountryForIP} %s -> %q", ip, country)
	return country, nil
}

// parseCountry accepts a bare two-letter code or a JSON object with one of
// the usual country code fields.
func parseCountry(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if len(trimmed) == 2 {
		return strings.ToUpper(trimmed)
	}

	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return ""
	}
	for _, k := range []string{"country_code", "countryCode", "country"} {
		if s, ok := fields[k].(string); ok && len(s) == 2 {
			return strings.ToUpper(s)
		}
	}
	return ""
}
