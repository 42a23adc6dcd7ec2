package catalog

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"adsplice-proxy/work/logger"
	"adsplice-proxy/work/types"

	"github.com/maypok86/otter/v2"
)

var (
	// ErrNotFound means the video or the requested quality is unknown.
	ErrNotFound = errors.New("video not found")
	// ErrInvalidSource means the catalog returned an unusable origin URL.
	ErrInvalidSource = errors.New("invalid origin url")
)

// Source resolves a video rendition to its origin playlist
type Source interface {
	PlayableSource(ctx context.Context, videoID, quality string) (*types.Playable, error)
}

// Catalog fronts a Source with a short-lived lookup cache and checks that
// every answer is a fully-qualified http(s) URL.
type Catalog struct {
	source Source
	cache  *otter.Cache[string, types.Playable]
}

// New creates a catalog. Lookups are cached for ttl, up to size entries.
func New(source Source, ttl time.Duration, size int) (*Catalog, error) {
	if size <= 0 {
		size = 10000
	}
	cache, err := otter.New(&otter.Options[string, types.Playable]{
		MaximumSize:      size,
		ExpiryCalculator: otter.ExpiryWriting[string, types.Playable](ttl),
	})
	if err != nil {
		return nil, fmt.Errorf("catalog cache: %w", err)
	}
	return &Catalog{source: source, cache: cache}, nil
}

// PlayableSource returns the origin playlist for a video rendition
func (c *Catalog) PlayableSource(ctx context.Context, videoID, quality string) (*types.Playable, error) {
	if videoID == "" {
		return nil, fmt.Errorf("%w: empty video id", ErrNotFound)
	}

	key := videoID + "\x00" + quality
	if p, ok := c.cache.GetIfPresent(key); ok {
		return &p, nil
	}

	p, err := c.source.PlayableSource(ctx, videoID, quality)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(p.OriginURL)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		logger.Warn("{catalog/catalog - PlayableSource} video %s has unusable origin url", videoID)
		return nil, fmt.Errorf("%w: video %s", ErrInvalidSource, videoID)
	}

	c.cache.Set(key, *p)
	return p, nil
}

// Flush drops every cached lookup
func (c *Catalog) Flush() {
	c.cache.InvalidateAll()
}
