package proxy

import (
	"context"
	"errors"
	"sync"
	"time"

	"adsplice-proxy/work/ads"
	"adsplice-proxy/work/analytics"
	"adsplice-proxy/work/buffer"
	"adsplice-proxy/work/cache"
	"adsplice-proxy/work/catalog"
	"adsplice-proxy/work/config"
	"adsplice-proxy/work/gateway"
	"adsplice-proxy/work/logger"
	"adsplice-proxy/work/pipeline"
	"adsplice-proxy/work/proxypool"
)

var (
	// ErrInvalidRequest marks malformed client input.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrAtCapacity means every segment relay slot is taken.
	ErrAtCapacity = errors.New("server at capacity")
	// ErrUpstreamDisabled means no upstream API base is configured.
	ErrUpstreamDisabled = errors.New("upstream api not configured")
)

// sweepInterval is how often expired response cache entries are dropped.
const sweepInterval = time.Minute

// AdLookup reads single ads for click tracking
type AdLookup interface {
	Ad(ctx context.Context, adID string) (*ads.Ad, error)
}

// Components are the collaborators a StreamProxy serves requests with.
// Catalog, SegmentCache and Recorder may be nil.
type Components struct {
	Pool         *proxypool.Pool
	Gateway      *gateway.Gateway
	Pipeline     *pipeline.Pipeline
	Catalog      *catalog.Catalog
	Ads          AdLookup
	Segments     *ads.SegmentSource
	SegmentCache *cache.SegmentCache
	Playlists    *cache.ResponseCache
	Upstream     *cache.ResponseCache
	Recorder     *analytics.Recorder
	BufferPool   *buffer.BufferPool
}

// StreamProxy is the application server: it renders playlists, relays
// origin segments, serves ad segments and tracks clicks. It owns the
// segment relay limit and the cache maintenance loop.
type StreamProxy struct {
	Components
	Config *config.Config

	segmentSlots chan struct{} // bounded in-flight segment relays
	stopChan     chan struct{}
	stopOnce     sync.Once
	startedAt    time.Time
}

// New creates a StreamProxy
func New(cfg *config.Config, c Components) *StreamProxy {
	logger.Debug("{proxy/proxy - New} Initializing StreamProxy (segment slots: %d)", cfg.MaxSegmentStreams)

	slots := cfg.MaxSegmentStreams
	if slots <= 0 {
		slots = 1
	}
	return &StreamProxy{
		Components:   c,
		Config:       cfg,
		segmentSlots: make(chan struct{}, slots),
		stopChan:     make(chan struct{}),
		startedAt:    time.Now(),
	}
}

// Uptime since New
func (sp *StreamProxy) Uptime() time.Duration {
	return time.Since(sp.startedAt)
}

// acquireSlot takes a segment relay slot without waiting
func (sp *StreamProxy) acquireSlot() (release func(), ok bool) {
	select {
	case sp.segmentSlots <- struct{}{}:
		return func() { <-sp.segmentSlots }, true
	default:
		return nil, false
	}
}

// ActiveSlots is the number of segment relays in flight
func (sp *StreamProxy) ActiveSlots() int {
	return len(sp.segmentSlots)
}

// StartMaintenance sweeps expired response cache entries until
// StopMaintenance is called. It blocks; run it in its own goroutine.
func (sp *StreamProxy) StartMaintenance() {
	logger.Debug("{proxy/proxy - StartMaintenance} Starting cache sweep loop (interval: %s)", sweepInterval)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sp.stopChan:
			logger.Debug("{proxy/proxy - StartMaintenance} Cache sweep loop stopped")
			return
		case <-ticker.C:
			sp.sweep()
		}
	}
}

// StopMaintenance ends the sweep loop. Safe to call more than once.
func (sp *StreamProxy) StopMaintenance() {
	sp.stopOnce.Do(func() { close(sp.stopChan) })
}

func (sp *StreamProxy) sweep() {
	removed := 0
	for _, c := range []*cache.ResponseCache{sp.Playlists, sp.Upstream} {
		if c != nil {
			removed += c.Sweep()
		}
	}
	if removed > 0 {
		logger.Debug("{proxy/proxy - sweep} Removed %d expired cache entries", removed)
	}
}

// FlushResult reports what FlushCaches dropped
type FlushResult struct {
	Playlists int `json:"playlists"`
	Upstream  int `json:"upstream"`
}

// FlushCaches empties the response caches, the ad segment cache and the
// catalog lookup cache.
func (sp *StreamProxy) FlushCaches() FlushResult {
	var res FlushResult
	if sp.Playlists != nil {
		res.Playlists = sp.Playlists.Len()
		sp.Playlists.Flush()
	}
	if sp.Upstream != nil {
		res.Upstream = sp.Upstream.Len()
		sp.Upstream.Flush()
	}
	if sp.SegmentCache != nil {
		sp.SegmentCache.Clear()
	}
	if sp.Catalog != nil {
		sp.Catalog.Flush()
	}
	logger.Info("{proxy/proxy - FlushCaches} Flushed %d playlists and %d upstream responses", res.Playlists, res.Upstream)
	return res
}
