package rewriter

import (
	"net/url"
	"strings"

	"adsplice-proxy/work/config"
	"adsplice-proxy/work/parser"
	"adsplice-proxy/work/types"

	"github.com/grafana/regexp"
)

// Full-mode segment endpoint and its query parameters
const (
	SegmentPath = "/segment"
	ParamURL    = "url"
	ParamProxy  = "proxy"
)

var uriAttributeRe = regexp.MustCompile(`URI="([^"]*)"`)

// Rewriter finalises segment URLs for one playlist response
type Rewriter struct {
	publicBase string
	corsRelay  string
	proxyID    string
}

// New creates a rewriter from the request snapshot. proxyID names the pool
// entry that fetched the media playlist and is empty for direct fetches.
// Full-mode URLs carry it so segment fetches reuse the same egress, even
// after the proxy list has been reloaded.
func New(snap config.Snapshot, proxyID string) *Rewriter {
	return &Rewriter{
		publicBase: strings.TrimRight(snap.BaseURL, "/"),
		corsRelay:  snap.CorsRelayURL,
		proxyID:    proxyID,
	}
}

// Rewrite resolves a segment URI against baseURL and wraps it for mode.
// URLs on this server are returned untouched. cors without a configured
// relay behaves like full.
func (rw *Rewriter) Rewrite(line, baseURL string, mode types.DeliveryMode) string {
	ref := strings.TrimSpace(line)
	if rw.isOwn(ref) {
		return ref
	}
	abs, err := parser.ResolveURL(ref, baseURL)
	if err != nil {
		return ref
	}
	if rw.isOwn(abs) {
		return abs
	}

	switch mode {
	case types.ModePassthrough:
		return abs
	case types.ModeCORS:
		if rw.corsRelay != "" {
			return rw.corsRelay + abs
		}
	}
	return rw.full(abs)
}

func (rw *Rewriter) full(abs string) string {
	q := url.Values{}
	q.Set(ParamURL, abs)
	if rw.proxyID != "" {
		q.Set(ParamProxy, rw.proxyID)
	}
	return rw.publicBase + SegmentPath + "?" + q.Encode()
}

func (rw *Rewriter) isOwn(u string) bool {
	if rw.publicBase != "" && strings.HasPrefix(u, rw.publicBase+"/") {
		return true
	}
	return strings.HasPrefix(u, SegmentPath+"?") || strings.HasPrefix(u, "/ads/")
}

// Playlist rewrites every URI line, and the URI attribute of key and map
// tags, of a media playlist.
func (rw *Rewriter) Playlist(lines []string, baseURL string, mode types.DeliveryMode) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		switch {
		case parser.IsURI(l):
			out[i] = rw.Rewrite(l, baseURL, mode)
		case strings.HasPrefix(l, "#EXT-X-KEY:") || strings.HasPrefix(l, "#EXT-X-MAP:"):
			out[i] = uriAttributeRe.ReplaceAllStringFunc(l, func(m string) string {
				ref := uriAttributeRe.FindStringSubmatch(m)[1]
				return `URI="` + rw.Rewrite(ref, baseURL, mode) + `"`
			})
		default:
			out[i] = l
		}
	}
	return out
}

// Unwrap undoes Rewrite for mode, returning the absolute origin URL.
func (rw *Rewriter) Unwrap(rewritten string, mode types.DeliveryMode) (string, bool) {
	switch mode {
	case types.ModePassthrough:
		return rewritten, true
	case types.ModeCORS:
		if rw.corsRelay != "" {
			return strings.CutPrefix(rewritten, rw.corsRelay)
		}
	}
	rest, ok := strings.CutPrefix(rewritten, rw.publicBase+SegmentPath+"?")
	if !ok {
		return "", false
	}
	q, err := url.ParseQuery(rest)
	if err != nil || q.Get(ParamURL) == "" {
		return "", false
	}
	return q.Get(ParamURL), true
}
