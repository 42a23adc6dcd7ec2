package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"adsplice-proxy/work/buffer"
	"adsplice-proxy/work/client"
	"adsplice-proxy/work/config"
	"adsplice-proxy/work/filter"
	"adsplice-proxy/work/logger"
	"adsplice-proxy/work/metrics"
	"adsplice-proxy/work/proxypool"
	"adsplice-proxy/work/safeurl"
	"adsplice-proxy/work/utils"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/time/rate"
)

// snippetSize bounds the body prefix kept for operator diagnostics.
const snippetSize = 512

// maxTextBody bounds playlists and API bodies read into memory.
const maxTextBody = 8 << 20

// maxRedirects bounds redirect chains, including hops handed over to a proxy.
const maxRedirects = 5

// Request describes one outbound fetch.
type Request struct {
	URL     string
	Range   string // forwarded verbatim when set
	Accept  string
	ProxyID string // proxy to reuse, see proxypool.Entry.ID
	Tag     string

	hops int // redirects already followed
}

// Response is a successful (2xx) upstream answer. The caller owns Body.
type Response struct {
	Status     int
	Header     http.Header
	Body       io.ReadCloser
	URL        *url.URL // final URL after redirects
	ProxyIndex int      // -1 when fetched directly
	ProxyID    string   // empty when fetched directly

	entry *proxypool.Entry
}

// Gateway performs outbound fetches. It enforces the SSRF guard first, then
// routes CDN hosts through the proxy pool and everything else directly.
type Gateway struct {
	config   *config.Config
	pool     *proxypool.Pool
	clients  *client.Clients
	cdn      *filter.HostMatcher
	buffers  *buffer.BufferPool
	limiters *xsync.MapOf[string, *rate.Limiter]
	guard    func(raw string) (*url.URL, error)

	// direct shares the direct transport but stops before any hop to a CDN
	// host, which must be re-fetched through a proxy.
	direct *http.Client
}

// New creates a gateway
func New(cfg *config.Config, pool *proxypool.Pool, clients *client.Clients, cdn *filter.HostMatcher, buffers *buffer.BufferPool) *Gateway {
	g := &Gateway{
		config:   cfg,
		pool:     pool,
		clients:  clients,
		cdn:      cdn,
		buffers:  buffers,
		limiters: xsync.NewMapOf[string, *rate.Limiter](),
		guard:    safeurl.Check,
	}
	g.direct = &http.Client{
		Transport:     clients.Direct().Transport,
		Timeout:       clients.Direct().Timeout,
		CheckRedirect: g.checkDirectRedirect,
	}
	return g
}

// SetGuard replaces the URL guard. Only tests that talk to loopback
// servers have a reason to call it.
func (g *Gateway) SetGuard(guard func(raw string) (*url.URL, error)) {
	g.guard = guard
}

// Check runs the configured URL guard without fetching
func (g *Gateway) Check(raw string) (*url.URL, error) {
	return g.guard(raw)
}

// IsCDN reports whether the URL's host must be fetched through a proxy
func (g *Gateway) IsCDN(u *url.URL) bool {
	return g.cdn.Match(u.Hostname())
}

// Fetch performs a single outbound request. Non-2xx answers come back as
// *UpstreamError with the body snippet and proxy index filled in.
func (g *Gateway) Fetch(ctx context.Context, req Request) (*Response, error) {
	return g.fetch(ctx, req, nil, false)
}

// fetch does the work for Fetch and FetchText. tried collects the proxies
// used so far; holdSuccess leaves the success report to the caller, which
// still has to validate the body.
func (g *Gateway) fetch(ctx context.Context, req Request, tried map[*proxypool.Entry]struct{}, holdSuccess bool) (*Response, error) {
	u, err := g.guard(req.URL)
	if err != nil {
		metrics.UpstreamErrors.WithLabelValues("blocked").Inc()
		logger.Warn("{gateway/gateway - Fetch} refused %s: %v", utils.LogURL(g.config, req.URL), err)
		return nil, err
	}

	var (
		entry *proxypool.Entry
		hc    = g.direct
	)
	if g.IsCDN(u) {
		entry, err = g.pickProxy(req, tried)
		if err != nil {
			return nil, err
		}
		if tried != nil {
			tried[entry] = struct{}{}
		}
		hc, err = g.clients.ForProxy(entry.URL)
		if err != nil {
			g.pool.ReportOutcome(entry, false)
			return nil, &UpstreamError{URL: req.URL, ProxyIndex: entry.Index, ProxyID: entry.ID(), Proxy: entry.Label(), Err: err}
		}
	}

	proxyIndex, proxyID := -1, ""
	if entry != nil {
		proxyIndex, proxyID = entry.Index, entry.ID()
	}

	outCtx, cancel := ctx, context.CancelFunc(func() {})
	if entry != nil {
		// a dead proxy must not wedge the request
		outCtx, cancel = context.WithTimeout(ctx, g.config.ProxyFetchTimeout)
	}

	if err := g.wait(outCtx, u.Host); err != nil {
		cancel()
		metrics.UpstreamErrors.WithLabelValues("rate_limited").Inc()
		logger.Warn("{gateway/gateway - Fetch} gave up waiting for the %s rate limit: %v", u.Host, err)
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(outCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		cancel()
		return nil, err
	}
	g.clients.SetHeaders(httpReq)
	if req.Accept != "" {
		httpReq.Header.Set("Accept", req.Accept)
	}
	if req.Range != "" {
		httpReq.Header.Set("Range", req.Range)
	}

	resp, err := hc.Do(httpReq)
	if err != nil {
		cancel()
		metrics.UpstreamErrors.WithLabelValues("network").Inc()
		ue := &UpstreamError{URL: req.URL, ProxyIndex: proxyIndex, ProxyID: proxyID, Err: err}
		if entry != nil {
			ue.Proxy = entry.Label()
			// the caller's own cancellation says nothing about the proxy
			if !errors.Is(ctx.Err(), context.Canceled) {
				g.pool.ReportOutcome(entry, false)
			}
		}
		return nil, ue
	}

	if entry == nil && isRedirect(resp.StatusCode) {
		if next, ok := g.cdnRedirect(resp); ok {
			resp.Body.Close()
			cancel()
			if req.hops >= maxRedirects {
				return nil, &UpstreamError{URL: req.URL, Status: resp.StatusCode, ProxyIndex: -1,
					Err: fmt.Errorf("stopped after %d redirects", req.hops)}
			}
			logger.Debug("{gateway/gateway - Fetch} %s redirected to CDN host %s, switching to a proxy",
				utils.LogURL(g.config, req.URL), next.Host)
			req.URL = next.String()
			req.hops++
			return g.fetch(ctx, req, tried, holdSuccess)
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, snippetSize))
		resp.Body.Close()
		cancel()

		metrics.UpstreamErrors.WithLabelValues("status").Inc()
		ue := &UpstreamError{
			URL:        req.URL,
			Status:     resp.StatusCode,
			Snippet:    utils.Truncate(strings.TrimSpace(string(snippet)), snippetSize),
			ProxyIndex: proxyIndex,
			ProxyID:    proxyID,
		}
		if entry != nil {
			ue.Proxy = entry.Label()
			if blamesProxy(resp.StatusCode) {
				g.pool.ReportOutcome(entry, false)
			}
			logger.Warn("{gateway/gateway - Fetch} CDN fetch %s via proxy #%d returned %d: %s",
				utils.LogURL(g.config, req.URL), proxyIndex, resp.StatusCode, ue.Snippet)
		}
		return nil, ue
	}

	if entry != nil && !holdSuccess {
		g.pool.ReportOutcome(entry, true)
	}

	final := u
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL
	}

	return &Response{
		Status:     resp.StatusCode,
		Header:     resp.Header,
		Body:       &cancelOnClose{ReadCloser: resp.Body, cancel: cancel},
		URL:        final,
		ProxyIndex: proxyIndex,
		ProxyID:    proxyID,
		entry:      entry,
	}, nil
}

// FetchText fetches a playlist or API body into memory and validates it.
// For CDN hosts a failed or soft-blocked attempt is retried on a different
// proxy, up to maxProxyAttempts distinct proxies. Each failure is reported
// to the pool. Direct hosts get a single attempt. The returned Response
// carries status and headers only; its body has already been consumed.
func (g *Gateway) FetchText(ctx context.Context, req Request, validate Validator) ([]byte, *Response, error) {
	attempts := g.config.MaxProxyAttempts
	if attempts <= 0 {
		attempts = 1
	}
	tried := make(map[*proxypool.Entry]struct{}, attempts)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err := g.fetch(ctx, req, tried, true)
		if err != nil {
			if errors.Is(err, ErrNoProxy) && lastErr != nil {
				// ran out of distinct proxies, report what actually went wrong
				return nil, nil, lastErr
			}
			if errors.Is(err, ErrBlockedURL) || errors.Is(err, ErrNoProxy) || ctx.Err() != nil {
				return nil, nil, err
			}
			var ue *UpstreamError
			if errors.As(err, &ue) && ue.Status > 0 && !blamesProxy(ue.Status) {
				// 404 and friends come from the origin, not the egress IP
				return nil, nil, err
			}
			lastErr = err
		} else {
			body, rerr := g.buffers.ReadAll(resp.Body, maxTextBody)
			resp.Body.Close()

			if rerr == nil && validate != nil {
				rerr = validate(body)
			}
			if rerr == nil {
				g.pool.ReportOutcome(resp.entry, true)
				return body, resp, nil
			}

			if errors.Is(rerr, ErrSoftBlock) {
				metrics.UpstreamErrors.WithLabelValues("soft_block").Inc()
				logger.Warn("{gateway/gateway - FetchText} soft block from %s via proxy #%d: %v",
					utils.LogURL(g.config, req.URL), resp.ProxyIndex, rerr)
			}
			g.pool.ReportOutcome(resp.entry, false)
			lastErr = &UpstreamError{URL: req.URL, Status: resp.Status, ProxyIndex: resp.ProxyIndex, ProxyID: resp.ProxyID,
				Snippet: utils.Truncate(string(body), snippetSize), Err: rerr}
		}

		if !g.IsCDNURL(req.URL) {
			break
		}
		req.ProxyID = ""
		logger.Debug("{gateway/gateway - FetchText} attempt %d/%d for %s failed: %v",
			attempt, attempts, utils.LogURL(g.config, req.URL), lastErr)
	}
	return nil, nil, lastErr
}

// IsCDNURL is IsCDN for a raw URL string
func (g *Gateway) IsCDNURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return g.IsCDN(u)
}

func (g *Gateway) pickProxy(req Request, tried map[*proxypool.Entry]struct{}) (*proxypool.Entry, error) {
	if req.ProxyID != "" {
		if e, ok := g.pool.SelectByID(req.ProxyID); ok {
			return e, nil
		}
		logger.Debug("{gateway/gateway - pickProxy} proxy %s no longer loaded, picking at random", req.ProxyID)
	}
	tag := req.Tag
	if tag == "" {
		tag = "fetch"
	}
	e, ok := g.pool.SelectRandomExcept(tag, tried)
	if !ok {
		metrics.UpstreamErrors.WithLabelValues("no_proxy").Inc()
		return nil, ErrNoProxy
	}
	return e, nil
}

// limiterFor paces requests per origin host, created on first use.
func (g *Gateway) limiterFor(host string) *rate.Limiter {
	limiter, _ := g.limiters.LoadOrCompute(host, func() *rate.Limiter {
		logger.Debug("{gateway/gateway - limiterFor} created rate limiter for %s: %d req/sec", host, g.config.OriginRatePerHost)
		return rate.NewLimiter(rate.Limit(g.config.OriginRatePerHost), max(1, g.config.OriginRatePerHost))
	})
	return limiter
}

// wait blocks for a token of the host's limiter. Direct fetches have no
// per-fetch deadline of their own, so their wait is capped at FetchTimeout.
// A wait that cannot finish in time fails as a deadline error.
func (g *Gateway) wait(ctx context.Context, host string) error {
	if _, ok := ctx.Deadline(); !ok && g.config.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.config.FetchTimeout)
		defer cancel()
	}
	err := g.limiterFor(host).Wait(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	return fmt.Errorf("%w: rate limit for %s: %v", context.DeadlineExceeded, host, err)
}

// checkDirectRedirect applies the redirect policy of direct fetches. Hops to
// a CDN host are not followed here; fetch re-issues them through a proxy.
func (g *Gateway) checkDirectRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", len(via))
	}
	// a public origin must not bounce us into the private network
	if _, err := g.guard(req.URL.String()); err != nil {
		return fmt.Errorf("redirect refused: %w", err)
	}
	if g.IsCDN(req.URL) {
		return http.ErrUseLastResponse
	}
	return nil
}

// cdnRedirect returns the target of a redirect that checkDirectRedirect held
// back because it points at a CDN host.
func (g *Gateway) cdnRedirect(resp *http.Response) (*url.URL, bool) {
	loc := resp.Header.Get("Location")
	if loc == "" || resp.Request == nil {
		return nil, false
	}
	next, err := resp.Request.URL.Parse(loc)
	if err != nil || !g.IsCDN(next) {
		return nil, false
	}
	return next, true
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// blamesProxy reports whether a status suggests the egress IP is the problem
func blamesProxy(status int) bool {
	switch {
	case status == http.StatusForbidden,
		status == http.StatusProxyAuthRequired,
		status == http.StatusTooManyRequests,
		status >= 500:
		return true
	}
	return false
}

// cancelOnClose releases the per-fetch timeout once the body is done.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
