package pipeline

import (
	"context"
	"fmt"
	"strconv"

	"adsplice-proxy/work/ads"
	"adsplice-proxy/work/cache"
	"adsplice-proxy/work/config"
	"adsplice-proxy/work/logger"
	"adsplice-proxy/work/metrics"
	"adsplice-proxy/work/parser"
	"adsplice-proxy/work/resolver"
	"adsplice-proxy/work/rewriter"
	"adsplice-proxy/work/stripper"
	"adsplice-proxy/work/types"
	"adsplice-proxy/work/utils"

	"golang.org/x/sync/singleflight"
)

// ContentType of rendered playlists
const ContentType = "application/vnd.apple.mpegurl"

// Catalog resolves a video rendition to its origin playlist
type Catalog interface {
	PlayableSource(ctx context.Context, videoID, quality string) (*types.Playable, error)
}

// Request is one playlist request
type Request struct {
	VideoID  string
	Quality  string
	Snapshot config.Snapshot
	Client   types.ClientInfo
}

// Result is a rendered playlist
type Result struct {
	Content  []byte
	Cached   bool
	Stripped int
	AdID     string // ad spliced into Content, empty when none
	// WithoutAds is set when the ad subsystem failed and the playlist was
	// rendered with ads disabled.
	WithoutAds bool
}

// Pipeline renders playlists: resolve, strip the origin pre-roll, splice a
// first-party ad, rewrite segment URLs. Results are cached per origin URL,
// delivery mode and ads flag, and identical concurrent misses are computed
// once.
type Pipeline struct {
	config   *config.Config
	catalog  Catalog
	resolver *resolver.Resolver
	injector *ads.Injector
	cache    *cache.ResponseCache
	flights  singleflight.Group
}

// New creates a pipeline. A nil injector disables ads.
func New(cfg *config.Config, catalog Catalog, res *resolver.Resolver, injector *ads.Injector, responses *cache.ResponseCache) *Pipeline {
	return &Pipeline{
		config:   cfg,
		catalog:  catalog,
		resolver: res,
		injector: injector,
		cache:    responses,
	}
}

// CacheKey identifies a rendered playlist
func CacheKey(originURL string, mode types.DeliveryMode, adsEnabled bool) string {
	return originURL + "|" + string(mode) + "|ads=" + strconv.FormatBool(adsEnabled)
}

// Playlist returns the rendered playlist for req
func (p *Pipeline) Playlist(ctx context.Context, req Request) (*Result, error) {
	playable, err := p.catalog.PlayableSource(ctx, req.VideoID, req.Quality)
	if err != nil {
		return nil, err
	}

	snap := req.Snapshot
	if p.injector == nil {
		snap = snap.WithoutAds()
	}
	key := CacheKey(playable.OriginURL, snap.Mode, snap.AdsEnabled)

	if e, ok := p.cache.Get(key); ok {
		res := &Result{Content: e.Content, Cached: true, AdID: e.Tag}
		p.recordImpression(res, playable, req.Client)
		return res, nil
	}

	// the first caller's cancellation must not fail the others sharing the flight
	flightCtx := context.WithoutCancel(ctx)
	v, err, shared := p.flights.Do(key, func() (any, error) {
		if e, ok := p.cache.Get(key); ok {
			return &Result{Content: e.Content, Cached: true, AdID: e.Tag}, nil
		}
		res, err := p.render(flightCtx, playable, snap, req.Client)
		if err != nil {
			return nil, err
		}
		if !res.WithoutAds {
			p.cache.SetTagged(key, res.Content, ContentType, res.AdID)
		}
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		logger.Debug("{pipeline/pipeline - Playlist} shared render for %s", utils.LogURL(p.config, playable.OriginURL))
	}
	res := v.(*Result)
	p.recordImpression(res, playable, req.Client)
	return res, nil
}

// recordImpression counts one viewer of res. Every caller that receives a
// playlist with an ad records once, whether it rendered, shared a flight or
// hit the cache.
func (p *Pipeline) recordImpression(res *Result, playable *types.Playable, client types.ClientInfo) {
	if p.injector == nil || res.AdID == "" {
		return
	}
	p.injector.Record(res.AdID, playable.VideoID, client)
}

func (p *Pipeline) render(ctx context.Context, playable *types.Playable, snap config.Snapshot, client types.ClientInfo) (*Result, error) {
	resolved, err := p.resolver.Resolve(ctx, playable.OriginURL)
	if err != nil {
		return nil, err
	}

	stripped := stripper.Strip(resolved.Lines, snap.StripCeiling)
	if stripped.Outcome == stripper.Stripped {
		metrics.StrippedSegments.Add(float64(stripped.Count))
		logger.Debug("{pipeline/pipeline - render} stripped %d pre-roll segments from video %s", stripped.Count, playable.VideoID)
	}

	result := &Result{Stripped: stripped.Count}
	lines := stripped.Lines

	if snap.AdsEnabled {
		placed, err := p.inject(ctx, ads.InjectRequest{
			Lines:    lines,
			Quality:  playable.Quality,
			VideoID:  playable.VideoID,
			Profile:  resolved.Profile,
			Client:   client,
			Snapshot: snap,
		})
		if err != nil {
			metrics.AdFallbacks.Inc()
			logger.Warn("{pipeline/pipeline - render} ad injection failed for video %s, serving without ads: %v", playable.VideoID, err)
			snap = snap.WithoutAds()
			result.WithoutAds = true
		} else {
			lines = placed.Lines
			result.AdID = placed.AdID
		}
	}

	rw := rewriter.New(snap, resolved.ProxyID)
	result.Content = []byte(parser.Join(rw.Playlist(lines, resolved.BaseURL, snap.Mode)))
	return result, nil
}

// inject places an ad and turns a panic into an error. The impression is
// recorded by the caller once per viewer.
func (p *Pipeline) inject(ctx context.Context, req ads.InjectRequest) (pl ads.Placement, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ad injection panicked: %v", r)
		}
	}()
	return p.injector.Place(ctx, req)
}
