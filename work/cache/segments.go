package cache

import (
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// segmentTTL bounds how long an edited ad can keep serving old bytes.
const segmentTTL = time.Hour

// SegmentCache keeps ad segment bytes in memory, bounded by total size.
type SegmentCache struct {
	cache *ristretto.Cache[string, []byte]
}

// NewSegmentCache creates a cache holding up to maxBytes of segment data
func NewSegmentCache(maxBytes int64) (*SegmentCache, error) {
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: 10000,
		MaxCost:     maxBytes,
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		return nil, err
	}
	return &SegmentCache{cache: c}, nil
}

func (sc *SegmentCache) Get(key string) ([]byte, bool) {
	return sc.cache.Get(key)
}

// Set stores data and waits for the write to land, so a Get right after
// sees it unless the admission policy rejected it.
func (sc *SegmentCache) Set(key string, data []byte) {
	sc.cache.SetWithTTL(key, data, int64(len(data)), segmentTTL)
	sc.cache.Wait()
}

// Clear drops everything
func (sc *SegmentCache) Clear() {
	sc.cache.Clear()
}

// Ratio returns the hit ratio since start
func (sc *SegmentCache) Ratio() float64 {
	return sc.cache.Metrics.Ratio()
}

func (sc *SegmentCache) Close() {
	sc.cache.Close()
}
