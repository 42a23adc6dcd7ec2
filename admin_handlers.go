package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"adsplice-proxy/work/ads"
	"adsplice-proxy/work/cache"
	"adsplice-proxy/work/logger"
	"adsplice-proxy/work/middleware"
	"adsplice-proxy/work/utils"

	"github.com/gorilla/mux"
)

// StatsResponse is the operator overview served by /admin/stats.
type StatsResponse struct {
	Uptime               string         `json:"uptime"`
	MemoryUsage          string         `json:"memoryUsage"`
	Goroutines           int            `json:"goroutines"`
	WorkerThreads        int            `json:"workerThreads"`
	AnalyticsWorkers     int            `json:"analyticsWorkersBusy"`
	ActiveSegmentStreams int            `json:"activeSegmentStreams"`
	Playlists            cache.Stats    `json:"playlistCache"`
	Upstream             cache.Stats    `json:"upstreamCache"`
	SegmentCacheHitRatio float64        `json:"segmentCacheHitRatio"`
	ProxiesTotal         int            `json:"proxiesTotal"`
	ProxiesHealthy       int            `json:"proxiesHealthy"`
	ProxiesInCooldown    int            `json:"proxiesInCooldown"`
	LastProxyReload      time.Time      `json:"lastProxyReload,omitzero"`
	Database             map[string]any `json:"database,omitempty"`
}

// AdRequest is the body of POST /admin/ads
type AdRequest struct {
	ID           string             `json:"id"`
	Title        string             `json:"title"`
	Weight       int                `json:"weight"`
	ForceDisplay bool               `json:"forceDisplay"`
	Status       string             `json:"status"`
	Duration     float64            `json:"duration"`
	ClickURL     string             `json:"clickURL"`
	Format       string             `json:"format"`
	Segments     []AdSegmentRequest `json:"segments"`
}

// AdSegmentRequest is one segment of an AdRequest
type AdSegmentRequest struct {
	Index    int               `json:"index"`
	Quality  string            `json:"quality"`
	Path     string            `json:"path"`
	Variants map[string]string `json:"variants"`
}

// VideoSourceRequest is the body of POST /admin/videos
type VideoSourceRequest struct {
	VideoID   string `json:"videoID"`
	Title     string `json:"title"`
	Quality   string `json:"quality"`
	OriginURL string `json:"originURL"`
}

// setupAdminRoutes registers the operator API. Every route goes through
// the operator token gate.
func setupAdminRoutes(router *mux.Router, a *app) {
	guard := func(h http.HandlerFunc) http.HandlerFunc {
		return middleware.RequireOperator(a.cfg.OperatorTokenHash, h)
	}

	admin := router.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/stats", guard(middleware.GzipMiddleware(handleGetStats(a)))).Methods("GET")
	admin.HandleFunc("/proxies", guard(middleware.GzipMiddleware(handleGetProxies(a)))).Methods("GET")
	admin.HandleFunc("/proxies/reload", guard(handleReloadProxies(a))).Methods("POST")
	admin.HandleFunc("/cache/flush", guard(handleFlushCaches(a))).Methods("POST")
	admin.HandleFunc("/ads", guard(handleSaveAd(a))).Methods("POST")
	admin.HandleFunc("/ads/{adID}/stats", guard(handleGetAdStats(a))).Methods("GET")
	admin.HandleFunc("/videos", guard(handleSaveVideoSource(a))).Methods("POST")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("{admin_handlers - writeJSON} failed to encode response: %v", err)
	}
}

func writeAdminError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func handleGetStats(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)

		pool := a.pool.Stats()
		stats := StatsResponse{
			Uptime:               formatDuration(a.proxy.Uptime()),
			MemoryUsage:          utils.FormatBytes(int64(m.Alloc)),
			Goroutines:           runtime.NumGoroutine(),
			WorkerThreads:        a.cfg.WorkerThreads,
			AnalyticsWorkers:     a.workers.Running(),
			ActiveSegmentStreams: a.proxy.ActiveSlots(),
			Playlists:            a.proxy.Playlists.Stats(),
			Upstream:             a.proxy.Upstream.Stats(),
			ProxiesTotal:         pool.Total,
			ProxiesHealthy:       pool.Healthy,
			ProxiesInCooldown:    pool.InCooldown,
			LastProxyReload:      a.reloader.LastReload(),
		}
		if a.proxy.SegmentCache != nil {
			stats.SegmentCacheHitRatio = a.proxy.SegmentCache.Ratio()
		}

		dbStats, err := a.db.GetStats(r.Context())
		if err != nil {
			logger.Warn("{admin_handlers - handleGetStats} database stats unavailable: %v", err)
		} else {
			stats.Database = dbStats
		}

		writeJSON(w, http.StatusOK, stats)
	}
}

func handleGetProxies(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, a.pool.Stats())
	}
}

func handleReloadProxies(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := a.reloader.ReloadNow()
		if err != nil {
			logger.Warn("{admin_handlers - handleReloadProxies} reload failed: %v", err)
			writeAdminError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		logger.Info("{admin_handlers - handleReloadProxies} proxy list reloaded by operator: %d entries", n)
		writeJSON(w, http.StatusOK, map[string]int{"loaded": n})
	}
}

func handleFlushCaches(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, a.proxy.FlushCaches())
	}
}

func handleSaveAd(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AdRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
			writeAdminError(w, http.StatusBadRequest, fmt.Sprintf("invalid ad: %v", err))
			return
		}
		if req.ID == "" || req.Weight < 0 {
			writeAdminError(w, http.StatusBadRequest, "ad needs an id and a non-negative weight")
			return
		}
		if req.Status != "" && req.Status != ads.StatusActive && req.Status != ads.StatusInactive {
			writeAdminError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", req.Status))
			return
		}

		ad := &ads.Ad{
			ID:           req.ID,
			Title:        req.Title,
			Weight:       req.Weight,
			ForceDisplay: req.ForceDisplay,
			Status:       req.Status,
			Duration:     req.Duration,
			ClickURL:     req.ClickURL,
			Format:       req.Format,
		}
		for _, s := range req.Segments {
			ad.Segments = append(ad.Segments, ads.Segment{Index: s.Index, Quality: s.Quality, Path: s.Path, Variants: s.Variants})
		}

		if err := a.db.SaveAd(r.Context(), ad); err != nil {
			logger.Error("{admin_handlers - handleSaveAd} failed to save ad %s: %v", req.ID, err)
			writeAdminError(w, http.StatusInternalServerError, "failed to save ad")
			return
		}
		// edited segments must not keep serving from memory
		if a.proxy.SegmentCache != nil {
			a.proxy.SegmentCache.Clear()
		}
		a.proxy.Playlists.Flush()

		logger.Info("{admin_handlers - handleSaveAd} saved ad %s with %d segments", ad.ID, len(ad.Segments))
		writeJSON(w, http.StatusOK, map[string]any{"id": ad.ID, "segments": len(ad.Segments)})
	}
}

func handleGetAdStats(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		adID := mux.Vars(r)["adID"]
		impressions, clicks, err := a.db.AdCounts(r.Context(), adID)
		if err != nil {
			logger.Error("{admin_handlers - handleGetAdStats} %v", err)
			writeAdminError(w, http.StatusInternalServerError, "failed to count ad events")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": adID, "impressions": impressions, "clicks": clicks})
	}
}

func handleSaveVideoSource(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req VideoSourceRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
			writeAdminError(w, http.StatusBadRequest, fmt.Sprintf("invalid video source: %v", err))
			return
		}
		if req.VideoID == "" || req.Quality == "" || req.OriginURL == "" {
			writeAdminError(w, http.StatusBadRequest, "videoID, quality and originURL are required")
			return
		}
		if err := a.db.SaveVideoSource(r.Context(), req.VideoID, req.Title, req.Quality, req.OriginURL); err != nil {
			logger.Error("{admin_handlers - handleSaveVideoSource} failed to save video %s: %v", req.VideoID, err)
			writeAdminError(w, http.StatusInternalServerError, "failed to save video source")
			return
		}
		if a.proxy.Catalog != nil {
			a.proxy.Catalog.Flush()
		}
		writeJSON(w, http.StatusOK, map[string]string{"videoID": req.VideoID, "quality": req.Quality})
	}
}

// formatDuration renders d as "1d 2h 3m 4s", dropping leading zero units
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
