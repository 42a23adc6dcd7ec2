package proxy

import (
	"fmt"
	"net/http"
	"strings"

	"adsplice-proxy/work/gateway"
	"adsplice-proxy/work/logger"
	"adsplice-proxy/work/utils"
)

// ServeUpstream relays a GET against the origin's JSON API. Answers are
// cached for the upstream TTL, and soft blocks are retried on other
// proxies by the gateway.
func (sp *StreamProxy) ServeUpstream(w http.ResponseWriter, r *http.Request, path string) error {
	base := strings.TrimRight(sp.Config.UpstreamAPIBase, "/")
	if base == "" {
		return ErrUpstreamDisabled
	}
	if path == "" {
		return fmt.Errorf("%w: empty upstream path", ErrInvalidRequest)
	}

	target := base + "/" + strings.TrimLeft(path, "/")
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	if e, ok := sp.Upstream.Get(target); ok {
		writeCached(w, e.ContentType, "HIT", e.Content)
		return nil
	}

	body, resp, err := sp.Gateway.FetchText(r.Context(), gateway.Request{
		URL:    target,
		Accept: "application/json",
		Tag:    "api",
	}, gateway.ValidateAPI)
	if err != nil {
		if isClientGone(r.Context(), err) {
			logger.Debug("{proxy/upstream - ServeUpstream} client left before %s answered", utils.LogURL(sp.Config, target))
		}
		return err
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	sp.Upstream.Set(target, body, contentType)
	writeCached(w, contentType, "MISS", body)
	return nil
}

func writeCached(w http.ResponseWriter, contentType, state string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("X-Cache", state)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
