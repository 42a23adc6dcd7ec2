package ads

import (
	"context"
	"errors"
	"strconv"
)

// Status values of an ad
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// ErrNotFound is returned by stores for unknown ads or segments.
var ErrNotFound = errors.New("ad not found")

// Ad is a first-party advertisement
type Ad struct {
	ID           string
	Title        string
	Weight       int
	ForceDisplay bool
	Status       string
	Duration     float64 // nominal, seconds
	ClickURL     string
	// Format is the native encoding profile key, e.g. "1280x720@30".
	// Empty means unknown, which never triggers a format lookup.
	Format   string
	Segments []Segment
}

// Active reports whether the ad may be selected
func (a *Ad) Active() bool {
	return a.Status == StatusActive
}

// SegmentsFor returns the segments recorded for quality, or every segment
// when none is recorded for it.
func (a *Ad) SegmentsFor(quality string) []Segment {
	if quality == "" {
		return a.Segments
	}
	var out []Segment
	for _, s := range a.Segments {
		if s.Quality == quality {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return a.Segments
	}
	return out
}

// Segment is one media segment of an ad
type Segment struct {
	Index   int
	Quality string
	Path    string
	// Variants maps a format key to an alternate encoding of this segment.
	Variants map[string]string
}

// Store is the read side of the ad catalog
type Store interface {
	// ListActiveAds returns the active ads with their segments.
	ListActiveAds(ctx context.Context) ([]Ad, error)
	// Ad returns one ad regardless of status.
	Ad(ctx context.Context, adID string) (*Ad, error)
	// AdSegmentBuffer returns the bytes of a native segment addressed by its
	// index, or nil when there is none.
	AdSegmentBuffer(ctx context.Context, adID, key string) ([]byte, error)
}

// Transcoder looks up pre-encoded format variants of ad segments.
type Transcoder interface {
	// FormatVariant returns the segment re-encoded for formatKey, or nil
	// when no such variant exists.
	FormatVariant(ctx context.Context, adID, formatKey string, index int) ([]byte, error)
}

// SegmentKey names an ad segment in the segment cache. An empty format is
// the native encoding.
func SegmentKey(adID string, index int, format string) string {
	key := adID + "/" + strconv.Itoa(index)
	if format != "" {
		key += "@" + format
	}
	return key
}
