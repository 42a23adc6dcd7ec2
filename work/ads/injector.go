package ads

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/url"
	"strconv"
	"time"

	"adsplice-proxy/work/config"
	"adsplice-proxy/work/logger"
	"adsplice-proxy/work/metrics"
	"adsplice-proxy/work/parser"
	"adsplice-proxy/work/types"
)

// ImpressionRecorder accepts impressions without blocking the caller.
type ImpressionRecorder interface {
	RecordImpression(imp types.Impression)
}

// InjectRequest is one playlist to splice an ad into
type InjectRequest struct {
	Lines   []string
	Quality string
	VideoID string
	// Profile is the target rendition's format, zero when unknown.
	Profile  parser.Profile
	Client   types.ClientInfo
	Snapshot config.Snapshot
}

// Placement is a spliced playlist. AdID is empty when no ad qualified and
// Lines are the input untouched.
type Placement struct {
	Lines []string
	AdID  string
}

// Injector splices a first-party ad in place of the first origin segments.
type Injector struct {
	store    Store
	selector *Selector
	segments *SegmentSource
	recorder ImpressionRecorder
	intn     func(n int) int
	now      func() time.Time
}

// NewInjector creates an injector. segments and recorder may be nil.
func NewInjector(store Store, selector *Selector, segments *SegmentSource, recorder ImpressionRecorder) *Injector {
	if selector == nil {
		selector = NewSelector(nil)
	}
	return &Injector{
		store:    store,
		selector: selector,
		segments: segments,
		recorder: recorder,
		intn:     rand.IntN,
		now:      time.Now,
	}
}

// Inject places an ad like Place and records the impression right away.
// Callers that serve the same placement more than once, from a cache for
// instance, use Place and Record instead.
func (in *Injector) Inject(ctx context.Context, req InjectRequest) ([]string, error) {
	pl, err := in.Place(ctx, req)
	if err != nil {
		return nil, err
	}
	in.Record(pl.AdID, req.VideoID, req.Client)
	return pl.Lines, nil
}

// Place selects an ad and splices one of its segments at the head of the
// playlist, followed by a discontinuity, dropping the first
// Snapshot.SegmentsToSkip origin segments. When no ad qualifies the lines
// come back untouched. An error means the ad subsystem failed and the
// caller should render without ads. Place records nothing.
func (in *Injector) Place(ctx context.Context, req InjectRequest) (Placement, error) {
	active, err := in.store.ListActiveAds(ctx)
	if err != nil {
		return Placement{}, fmt.Errorf("list active ads: %w", err)
	}

	ad, ok := in.selector.Select(active)
	if !ok {
		logger.Debug("{ads/injector - Place} no ad qualifies for video %s", req.VideoID)
		return Placement{Lines: req.Lines}, nil
	}
	candidates := ad.SegmentsFor(req.Quality)
	if len(candidates) == 0 {
		logger.Debug("{ads/injector - Place} ad %s has no segments, passing through", ad.ID)
		return Placement{Lines: req.Lines}, nil
	}
	seg := candidates[in.intn(len(candidates))]

	format := in.formatFor(ctx, ad, seg, req.Profile)
	adURI := SegmentURL(req.Snapshot.BaseURL, ad.ID, seg.Index, format)
	out := Splice(req.Lines, adURI, req.Snapshot.AdSegmentSecs, req.Snapshot.SegmentsToSkip)

	metrics.AdSelections.WithLabelValues(ad.ID).Inc()
	logger.Debug("{ads/injector - Place} spliced ad %s segment %d (format %q) into video %s",
		ad.ID, seg.Index, format, req.VideoID)

	return Placement{Lines: out, AdID: ad.ID}, nil
}

// Record logs one impression of adID. An empty adID is a no-op.
func (in *Injector) Record(adID, videoID string, client types.ClientInfo) {
	if in.recorder == nil || adID == "" {
		return
	}
	in.recorder.RecordImpression(types.Impression{
		AdID:     adID,
		VideoID:  videoID,
		Client:   client,
		ServedAt: in.now(),
	})
}

// formatFor returns the format key to request when the ad's native
// encoding differs from the target rendition and a variant exists, else "".
func (in *Injector) formatFor(ctx context.Context, ad *Ad, seg Segment, target parser.Profile) string {
	if in.segments == nil || !target.Known() {
		return ""
	}
	if parser.ParseProfile(ad.Format).Matches(target) {
		return ""
	}
	key := target.Key()
	data, err := in.segments.Variant(ctx, ad.ID, key, seg.Index)
	if err != nil {
		logger.Warn("{ads/injector - formatFor} %v, using native segment", err)
		return ""
	}
	if data == nil {
		logger.Debug("{ads/injector - formatFor} ad %s has no %s variant of segment %d, using native",
			ad.ID, key, seg.Index)
		return ""
	}
	return key
}

// SegmentURL is the public URL an ad segment is served from
func SegmentURL(base, adID string, index int, format string) string {
	u := base + "/ads/" + url.PathEscape(adID) + "/segments/" + strconv.Itoa(index)
	if format != "" {
		u += "?format=" + url.QueryEscape(format)
	}
	return u
}

// Splice emits the playlist-wide header, then one ad segment of secs
// duration and a discontinuity, then the rest of the playlist minus its
// first skip segments. skip is clamped to the origin segment count minus
// one, so at least one origin segment always survives even when skip
// covers the whole playlist.
// Tags such as EXT-X-KEY that precede the first segment move after the
// discontinuity so that they never apply to the ad.
func Splice(lines []string, adURI string, secs float64, skip int) []string {
	if secs <= 0 {
		secs = 3.0
	}
	total := parser.CountSegments(lines)
	skip = max(0, min(skip, total-1))

	var header, body []string
	seenSegment := false
	for _, l := range lines {
		if parser.IsSegmentTag(l) {
			seenSegment = true
		}
		if !seenSegment && parser.IsPlaylistTag(l) {
			header = append(header, l)
			continue
		}
		body = append(body, l)
	}

	out := make([]string, 0, len(lines)+3)
	out = append(out, header...)
	out = append(out,
		"#EXTINF:"+strconv.FormatFloat(secs, 'f', 3, 64)+",",
		adURI,
		parser.TagDiscontinuity,
	)

	dropped, open := 0, false
	for _, l := range body {
		if dropped >= skip {
			out = append(out, l)
			continue
		}
		switch {
		case parser.IsSegmentScoped(l):
			if parser.IsSegmentTag(l) {
				open = true
			}
		case parser.IsURI(l):
			if open {
				dropped++
				open = false
			}
		default:
			out = append(out, l)
		}
	}
	return out
}
