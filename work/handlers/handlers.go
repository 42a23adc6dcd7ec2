package handlers

import (
	"net/http"

	"adsplice-proxy/work/proxy"

	"github.com/gorilla/mux"
)

// HandlePlaylist serves /videos/{videoID}/playlist.m3u8
func HandlePlaylist(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := sp.ServePlaylist(w, r, mux.Vars(r)["videoID"]); err != nil {
			WriteError(w, r, sp.Config, err)
		}
	}
}

// HandleSegment serves the full-mode segment relay
func HandleSegment(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := sp.ServeSegment(w, r); err != nil {
			WriteError(w, r, sp.Config, err)
		}
	}
}

// HandleAdSegment serves /ads/{adID}/segments/{index}
func HandleAdSegment(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		if err := sp.ServeAdSegment(w, r, vars["adID"], vars["index"]); err != nil {
			WriteError(w, r, sp.Config, err)
		}
	}
}

// HandleAdClick serves /ads/{adID}/click
func HandleAdClick(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := sp.TrackClick(w, r, mux.Vars(r)["adID"]); err != nil {
			WriteError(w, r, sp.Config, err)
		}
	}
}

// HandleUpstream serves /api/upstream/{path}
func HandleUpstream(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := sp.ServeUpstream(w, r, mux.Vars(r)["path"]); err != nil {
			WriteError(w, r, sp.Config, err)
		}
	}
}
