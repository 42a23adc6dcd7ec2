package config

import (
	"net/url"
	"strconv"
	"strings"

	"adsplice-proxy/work/types"
)

// Snapshot is the immutable set of knobs one playlist request runs with.
// It is resolved once from the loaded Config plus the request query and
// then passed explicitly to every pipeline stage.
type Snapshot struct {
	Mode           types.DeliveryMode
	AdsEnabled     bool
	SegmentsToSkip int
	CorsRelayURL   string
	BaseURL        string
	AdSegmentSecs  float64
	StripCeiling   int
	Raw            bool
}

// Snapshot returns the request-independent defaults
func (c *Config) Snapshot() Snapshot {
	return Snapshot{
		Mode:           types.ParseMode(c.DefaultMode, types.ModeFull),
		AdsEnabled:     c.AdsEnabled,
		SegmentsToSkip: c.SegmentsToSkip,
		CorsRelayURL:   c.CorsRelayURL,
		BaseURL:        strings.TrimRight(c.BaseURL, "/"),
		AdSegmentSecs:  c.AdSegmentSecs,
		StripCeiling:   c.StripCeiling,
	}
}

// SnapshotFor overlays the optional query parameters mode, ads and raw on
// top of the configured defaults. Unknown or malformed values keep the default.
func (c *Config) SnapshotFor(q url.Values) Snapshot {
	s := c.Snapshot()

	if m := q.Get("mode"); m != "" {
		s.Mode = types.ParseMode(m, s.Mode)
	}
	if v := q.Get("ads"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			s.AdsEnabled = b
		}
	}
	if v := q.Get("raw"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			s.Raw = b
		}
	}
	return s
}

// WithoutAds is the same snapshot with ad splicing turned off
func (s Snapshot) WithoutAds() Snapshot {
	s.AdsEnabled = false
	return s
}
