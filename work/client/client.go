package client

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"adsplice-proxy/work/config"
	"adsplice-proxy/work/safeurl"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/net/proxy"
)

// Clients hands out HTTP clients for direct origin fetches and for fetches
// routed through a specific egress proxy. One transport is kept per proxy
// so connections to the CDN are reused on the same egress IP.
type Clients struct {
	config  *config.Config
	direct  *http.Client
	proxied *xsync.MapOf[string, *http.Client]
}

// CustomResponseWriter wraps http.ResponseWriter to track status and bytes and implement Flusher
type CustomResponseWriter struct {
	http.ResponseWriter
	WroteHeader bool
	statusCode  int
	written     int64
}

// New builds the direct client and an empty per-proxy client map
func New(cfg *config.Config) *Clients {
	transport := &http.Transport{
		Proxy:                 nil, // direct means direct, ignore HTTP_PROXY
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: cfg.FetchTimeout, // bodies stream, so only headers are bounded here
	}

	return &Clients{
		config:  cfg,
		direct:  &http.Client{Timeout: 0, Transport: transport, CheckRedirect: LimitRedirects},
		proxied: xsync.NewMapOf[string, *http.Client](),
	}
}

// Direct returns the client for non-CDN hosts
func (c *Clients) Direct() *http.Client {
	return c.direct
}

// ForProxy returns the client bound to the proxy at u, creating it on first use
func (c *Clients) ForProxy(u *url.URL) (*http.Client, error) {
	key := u.String()
	if hc, ok := c.proxied.Load(key); ok {
		return hc, nil
	}

	transport, err := c.proxyTransport(u)
	if err != nil {
		return nil, err
	}
	hc := &http.Client{Timeout: 0, Transport: transport, CheckRedirect: LimitRedirects}

	actual, _ := c.proxied.LoadOrStore(key, hc)
	return actual, nil
}

func (c *Clients) proxyTransport(u *url.URL) (*http.Transport, error) {
	dialer := &net.Dialer{Timeout: c.config.ProxyFetchTimeout, KeepAlive: 30 * time.Second}

	t := &http.Transport{
		MaxIdleConns:          50,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: c.config.ProxyFetchTimeout,
	}

	switch u.Scheme {
	case "http", "https":
		t.Proxy = http.ProxyURL(u)
		t.DialContext = dialer.DialContext
	case "socks5", "socks5h":
		var auth *proxy.Auth
		if u.User != nil {
			pw, _ := u.User.Password()
			auth = &proxy.Auth{User: u.User.Username(), Password: pw}
		}
		d, err := proxy.SOCKS5("tcp", u.Host, auth, dialer)
		if err != nil {
			return nil, fmt.Errorf("failed to build socks5 dialer for %s: %w", u.Host, err)
		}
		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("socks5 dialer for %s does not support contexts", u.Host)
		}
		t.DialContext = cd.DialContext
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	return t, nil
}

// Prune drops cached clients for proxies no longer in keep
func (c *Clients) Prune(keep []*url.URL) int {
	wanted := make(map[string]struct{}, len(keep))
	for _, u := range keep {
		wanted[u.String()] = struct{}{}
	}

	removed := 0
	c.proxied.Range(func(key string, hc *http.Client) bool {
		if _, ok := wanted[key]; !ok {
			c.proxied.Delete(key)
			if t, ok := hc.Transport.(*http.Transport); ok {
				t.CloseIdleConnections()
			}
			removed++
		}
		return true
	})
	return removed
}

// SetHeaders applies the outbound identity every origin request carries
func (c *Clients) SetHeaders(req *http.Request) {
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Connection", "keep-alive")
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "*/*")
	}
}

// CheckProxy fetches target through the proxy at u and reports whether it answered
// with a 2xx. Only a small prefix of the body is read.
func (c *Clients) CheckProxy(ctx context.Context, u *url.URL, target string) error {
	hc, err := c.ForProxy(u)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	c.SetHeaders(req)

	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.CopyN(io.Discard, resp.Body, 4096)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// LimitRedirects caps redirect chains and applies the SSRF guard to every hop
func LimitRedirects(req *http.Request, via []*http.Request) error {
	if len(via) >= 5 {
		return fmt.Errorf("stopped after %d redirects", len(via))
	}
	if s := strings.ToLower(req.URL.Scheme); s != "http" && s != "https" {
		return fmt.Errorf("redirect to %s scheme refused", s)
	}
	// a public origin must not bounce us into the private network
	if _, err := safeurl.Check(req.URL.String()); err != nil {
		return fmt.Errorf("redirect refused: %w", err)
	}
	return nil
}

// CustomResponseWriter implementation
func NewCustomResponseWriter(w http.ResponseWriter) *CustomResponseWriter {
	return &CustomResponseWriter{
		ResponseWriter: w,
		WroteHeader:    false,
		statusCode:     0,
	}
}

func (crw *CustomResponseWriter) WriteHeader(statusCode int) {
	if crw.WroteHeader {
		return
	}
	crw.statusCode = statusCode
	crw.ResponseWriter.WriteHeader(statusCode)
	crw.WroteHeader = true
}

func (crw *CustomResponseWriter) Write(b []byte) (int, error) {
	if !crw.WroteHeader {
		crw.WriteHeader(http.StatusOK)
	}
	n, err := crw.ResponseWriter.Write(b)
	crw.written += int64(n)
	return n, err
}

// Status returns the written status code, 200 if only the body was written
func (crw *CustomResponseWriter) Status() int {
	if crw.statusCode == 0 {
		return http.StatusOK
	}
	return crw.statusCode
}

// Written returns the number of body bytes passed through
func (crw *CustomResponseWriter) Written() int64 {
	return crw.written
}

// Implement http.Flusher interface
func (crw *CustomResponseWriter) Flush() {
	if flusher, ok := crw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
