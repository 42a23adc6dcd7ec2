package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PlaylistRequests counts playlist requests by final outcome
// (ok, cached, not_found, blocked, upstream, no_proxy, error).
var PlaylistRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "adsplice_playlist_requests_total",
	Help: "Playlist requests by outcome",
}, []string{"outcome"})

// CacheLookups counts response cache hits and misses per cache instance.
var CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "adsplice_cache_lookups_total",
	Help: "Response cache lookups",
}, []string{"cache", "result"})

// StrippedSegments counts origin pre-roll segments removed by the stripper.
var StrippedSegments = promauto.NewCounter(prometheus.CounterOpts{
	Name: "adsplice_stripped_segments_total",
	Help: "Origin pre-roll segments removed",
})

// AdSelections counts how often each ad was spliced into a playlist.
var AdSelections = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "adsplice_ad_selections_total",
	Help: "First-party ad selections",
}, []string{"ad"})

// AdFallbacks counts playlists re-rendered with ads disabled after an ad subsystem error.
var AdFallbacks = promauto.NewCounter(prometheus.CounterOpts{
	Name: "adsplice_ad_fallbacks_total",
	Help: "Playlists served without ads after an ad subsystem failure",
})

// ProxyOutcomes counts reported proxy outcomes. The "proxy" label is the
// pool index so cardinality stays bounded by the list size.
var ProxyOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "adsplice_proxy_outcomes_total",
	Help: "Proxy fetch outcomes",
}, []string{"proxy", "result"})

// ProxiesInCooldown tracks how many pool entries are currently cooling down.
var ProxiesInCooldown = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "adsplice_proxies_in_cooldown",
	Help: "Proxy pool entries in cooldown",
})

// ProxyPoolSize tracks the number of loaded pool entries.
var ProxyPoolSize = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "adsplice_proxy_pool_size",
	Help: "Proxy pool entries loaded",
})

// UpstreamErrors counts outbound fetch failures by kind
// (blocked, no_proxy, status, network, soft_block).
var UpstreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "adsplice_upstream_errors_total",
	Help: "Outbound fetch failures",
}, []string{"kind"})

// BytesTransferred tracks segment bytes relayed to clients.
// The "source" label distinguishes origin segments from ad segments.
var BytesTransferred = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "adsplice_bytes_transferred_total",
	Help: "Segment bytes relayed to clients",
}, []string{"source"})

// ActiveSegmentStreams tracks segment responses currently being relayed.
var ActiveSegmentStreams = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "adsplice_active_segment_streams",
	Help: "Segment responses in flight",
})

// AnalyticsDropped counts impressions or clicks that could not be recorded.
var AnalyticsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "adsplice_analytics_dropped_total",
	Help: "Analytics events dropped",
}, []string{"event"})
