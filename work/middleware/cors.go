package middleware

import (
	"net/http"
)

// CORS lets browser players on any origin fetch playlists and segments,
// and answers preflight requests directly.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Range, "+OperatorHeader)
		h.Set("Access-Control-Expose-Headers", "Content-Length, Content-Range, Accept-Ranges, X-Cache, "+RequestIDHeader)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
