package proxy

import (
	"fmt"
	"net/http"

	"adsplice-proxy/work/logger"
	"adsplice-proxy/work/metrics"
	"adsplice-proxy/work/pipeline"
	"adsplice-proxy/work/types"
	"adsplice-proxy/work/utils"
)

// ServePlaylist renders the playlist of one video. The query may carry
// quality, mode, ads and raw. Errors are returned before anything is
// written so the caller can pick the status.
func (sp *StreamProxy) ServePlaylist(w http.ResponseWriter, r *http.Request, videoID string) error {
	if videoID == "" {
		return fmt.Errorf("%w: missing video id", ErrInvalidRequest)
	}

	q := r.URL.Query()
	snap := sp.Config.SnapshotFor(q)
	res, err := sp.Pipeline.Playlist(r.Context(), pipeline.Request{
		VideoID:  videoID,
		Quality:  q.Get("quality"),
		Snapshot: snap,
		Client:   types.ClientInfoFrom(r, utils.ClientIP(r)),
	})
	if err != nil {
		metrics.PlaylistRequests.WithLabelValues("error").Inc()
		return err
	}

	outcome := "rendered"
	switch {
	case res.Cached:
		outcome = "cached"
	case res.WithoutAds:
		outcome = "without_ads"
	}
	metrics.PlaylistRequests.WithLabelValues(outcome).Inc()
	logger.Debug("{proxy/playlist - ServePlaylist} video %s mode %s ads %v: %s", videoID, snap.Mode, snap.AdsEnabled, outcome)

	contentType := pipeline.ContentType
	if snap.Raw {
		contentType = "text/plain; charset=utf-8"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-cache")
	if res.Cached {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(res.Content); err != nil {
		logger.Debug("{proxy/playlist - ServePlaylist} client went away: %v", err)
	}
	return nil
}
