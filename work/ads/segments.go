package ads

import (
	"context"
	"fmt"
	"strconv"

	"adsplice-proxy/work/logger"
)

// SegmentCache holds ad segment bytes in memory
type SegmentCache interface {
	Get(key string) ([]byte, bool)
	Set(key string, data []byte)
}

// SegmentSource serves ad segment bytes. Format variants come from the
// transcoder, native segments from the store, and both go through the cache.
type SegmentSource struct {
	store      Store
	transcoder Transcoder
	cache      SegmentCache
}

// NewSegmentSource creates a segment source. transcoder and cache may be nil.
func NewSegmentSource(store Store, transcoder Transcoder, cache SegmentCache) *SegmentSource {
	return &SegmentSource{store: store, transcoder: transcoder, cache: cache}
}

// Variant returns the segment encoded for format, or nil when the
// transcoder has no such variant.
func (s *SegmentSource) Variant(ctx context.Context, adID, format string, index int) ([]byte, error) {
	if s.transcoder == nil || format == "" {
		return nil, nil
	}
	key := SegmentKey(adID, index, format)
	if data, ok := s.lookup(key); ok {
		return data, nil
	}
	data, err := s.transcoder.FormatVariant(ctx, adID, format, index)
	if err != nil {
		return nil, fmt.Errorf("format variant %s: %w", key, err)
	}
	if data != nil {
		s.remember(key, data)
	}
	return data, nil
}

// Segment returns the segment at index, preferring the variant for format.
// A missing or failing variant falls back to the native segment. The
// second return value is the format actually served, "" for native.
func (s *SegmentSource) Segment(ctx context.Context, adID string, index int, format string) ([]byte, string, error) {
	if format != "" {
		data, err := s.Variant(ctx, adID, format, index)
		if err != nil {
			logger.Warn("{ads/segments - Segment} %v, serving native segment", err)
		}
		if data != nil {
			return data, format, nil
		}
	}

	key := SegmentKey(adID, index, "")
	if data, ok := s.lookup(key); ok {
		return data, "", nil
	}
	data, err := s.store.AdSegmentBuffer(ctx, adID, strconv.Itoa(index))
	if err != nil {
		return nil, "", err
	}
	if data == nil {
		return nil, "", fmt.Errorf("%w: segment %s", ErrNotFound, key)
	}
	s.remember(key, data)
	return data, "", nil
}

func (s *SegmentSource) lookup(key string) ([]byte, bool) {
	if s.cache == nil {
		return nil, false
	}
	return s.cache.Get(key)
}

func (s *SegmentSource) remember(key string, data []byte) {
	if s.cache != nil {
		s.cache.Set(key, data)
	}
}
