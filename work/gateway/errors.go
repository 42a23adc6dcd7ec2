package gateway

import (
	"errors"
	"fmt"

	"adsplice-proxy/work/safeurl"
)

var (
	// ErrBlockedURL marks URLs rejected by the SSRF guard.
	ErrBlockedURL = safeurl.ErrBlocked
	// ErrNoProxy means a CDN host needed a proxy and none was available.
	ErrNoProxy = errors.New("no proxy available")
	// ErrSoftBlock means the origin answered 200 with an empty or degraded payload.
	ErrSoftBlock = errors.New("upstream soft block")
)

// UpstreamError carries triage detail for a failed outbound fetch. Handlers
// show it to operators only; clients get a generic message.
type UpstreamError struct {
	URL        string
	Status     int    // 0 for transport errors
	Snippet    string // start of the response body
	ProxyIndex int    // -1 when fetched directly
	ProxyID    string // stable across pool reloads, unlike ProxyIndex
	Proxy      string
	Err        error
}

func (e *UpstreamError) Error() string {
	via := "direct"
	if e.ProxyIndex >= 0 {
		via = fmt.Sprintf("proxy #%d", e.ProxyIndex)
	}
	if e.Status > 0 && e.Err != nil {
		return fmt.Sprintf("upstream returned %d via %s: %v", e.Status, via, e.Err)
	}
	if e.Status > 0 {
		return fmt.Sprintf("upstream returned %d via %s", e.Status, via)
	}
	return fmt.Sprintf("upstream fetch via %s failed: %v", via, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Diagnostics returns the operator-facing fields
func (e *UpstreamError) Diagnostics() map[string]any {
	d := map[string]any{
		"status":     e.Status,
		"proxyIndex": e.ProxyIndex,
	}
	if e.Proxy != "" {
		d["proxy"] = e.Proxy
	}
	if e.ProxyID != "" {
		d["proxyId"] = e.ProxyID
	}
	if e.Snippet != "" {
		d["snippet"] = e.Snippet
	}
	if e.Err != nil {
		d["cause"] = e.Err.Error()
	}
	return d
}
