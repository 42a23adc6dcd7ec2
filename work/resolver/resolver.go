package resolver

import (
	"context"
	"fmt"

	"adsplice-proxy/work/config"
	"adsplice-proxy/work/gateway"
	"adsplice-proxy/work/logger"
	"adsplice-proxy/work/parser"
	"adsplice-proxy/work/utils"
)

// ErrNoVariant is returned when a master playlist names no usable variant.
var ErrNoVariant = parser.ErrNoVariant

const playlistAccept = "application/vnd.apple.mpegurl, application/x-mpegurl, */*"

// Result is a flattened media playlist
type Result struct {
	Lines []string
	// BaseURL is the URL the media playlist was fetched from, after
	// redirects. Relative segment URIs resolve against it.
	BaseURL string
	// Profile is the rendition's format when a master playlist described it.
	Profile parser.Profile
	// ProxyID names the pool entry that fetched the media playlist, empty
	// for direct fetches. CDN tokens inside it are bound to that egress.
	ProxyID string
}

// Resolver turns an origin playlist URL into a single media playlist
type Resolver struct {
	config  *config.Config
	gateway *gateway.Gateway
}

// New creates a resolver
func New(cfg *config.Config, gw *gateway.Gateway) *Resolver {
	return &Resolver{config: cfg, gateway: gw}
}

// Resolve fetches originURL. A master playlist is followed to its first
// variant, which passes the URL guard again before it is fetched through
// the same egress as the master. A master without a variant is an error.
func (r *Resolver) Resolve(ctx context.Context, originURL string) (*Result, error) {
	body, resp, err := r.gateway.FetchText(ctx, gateway.Request{
		URL:    originURL,
		Accept: playlistAccept,
		Tag:    "playlist",
	}, gateway.ValidatePlaylist)
	if err != nil {
		return nil, fmt.Errorf("fetch playlist: %w", err)
	}

	content := string(body)
	result := &Result{BaseURL: finalURL(resp, originURL), ProxyID: resp.ProxyID}

	if parser.IsMaster(content) {
		variant, variantURL, err := parser.FirstVariant(content, result.BaseURL)
		if err != nil {
			logger.Warn("{resolver/resolver - Resolve} master %s has no usable variant: %v", utils.LogURL(r.config, originURL), err)
			return nil, fmt.Errorf("%w: %v", ErrNoVariant, err)
		}
		if _, err := r.gateway.Check(variantURL); err != nil {
			logger.Warn("{resolver/resolver - Resolve} variant %s refused: %v", utils.LogURL(r.config, variantURL), err)
			return nil, fmt.Errorf("variant url: %w", err)
		}

		logger.Debug("{resolver/resolver - Resolve} master %s -> variant %s (%s)",
			utils.LogURL(r.config, originURL), utils.LogURL(r.config, variantURL), variant.Profile().Key())

		req := gateway.Request{URL: variantURL, Accept: playlistAccept, Tag: "playlist", ProxyID: resp.ProxyID}
		body, resp, err = r.gateway.FetchText(ctx, req, gateway.ValidatePlaylist)
		if err != nil {
			return nil, fmt.Errorf("fetch variant: %w", err)
		}
		content = string(body)
		result.BaseURL = finalURL(resp, variantURL)
		result.Profile = variant.Profile()
		result.ProxyID = resp.ProxyID
	}

	result.Lines = parser.SplitLines(content)
	if err := parser.Validate(result.Lines); err != nil {
		return nil, err
	}
	return result, nil
}

func finalURL(resp *gateway.Response, requested string) string {
	if resp == nil || resp.URL == nil {
		return requested
	}
	return resp.URL.String()
}
