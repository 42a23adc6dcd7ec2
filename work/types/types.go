package types

import (
	"net/http"
	"strings"
	"time"
)

// DeliveryMode selects how a player ultimately fetches segment bytes.
type DeliveryMode string

// Supported delivery modes.
const (
	ModeCORS        DeliveryMode = "cors"        // Through an external CORS relay prefix
	ModeFull        DeliveryMode = "full"        // Through this server's own segment endpoint
	ModePassthrough DeliveryMode = "passthrough" // Directly from the origin CDN
)

// ParseMode converts a query or config value into a DeliveryMode, returning
// def for anything unrecognized.
func ParseMode(s string, def DeliveryMode) DeliveryMode {
	switch DeliveryMode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeCORS:
		return ModeCORS
	case ModeFull:
		return ModeFull
	case ModePassthrough:
		return ModePassthrough
	}
	return def
}

// ClientInfo carries the caller attributes recorded alongside impressions
// and clicks. It is captured once per request so that fire-and-forget work
// never touches the *http.Request after the handler returns.
type ClientInfo struct {
	IP        string
	UserAgent string
	Referrer  string
}

// ClientInfoFrom extracts ClientInfo given an already resolved client IP
func ClientInfoFrom(r *http.Request, ip string) ClientInfo {
	return ClientInfo{
		IP:        ip,
		UserAgent: r.UserAgent(),
		Referrer:  r.Referer(),
	}
}

// Playable is the catalog answer for a (video, quality) pair.
type Playable struct {
	VideoID   string
	Quality   string
	OriginURL string
}

// Impression is one spliced ad shown in a playlist.
type Impression struct {
	ID       string
	AdID     string
	VideoID  string
	Client   ClientInfo
	Country  string // filled in asynchronously, empty when unknown
	ServedAt time.Time
}

// Click is one click-through on an ad.
type Click struct {
	ID        string
	AdID      string
	VideoID   string
	Client    ClientInfo
	Country   string
	ClickedAt time.Time
}
