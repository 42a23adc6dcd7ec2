package middleware

import (
	"net/http"
	"time"

	"adsplice-proxy/work/client"
	"adsplice-proxy/work/logger"

	"github.com/google/uuid"
)

// RequestIDHeader carries the request correlation id
const RequestIDHeader = "X-Request-ID"

// RequestID tags every request with an id, reusing a well-formed incoming
// one, and logs the outcome at debug level.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)

		start := time.Now()
		crw := client.NewCustomResponseWriter(w)
		next.ServeHTTP(crw, r)

		logger.Debug("{middleware/requestid - RequestID} %s %s %s -> %d (%d bytes, %s)",
			id, r.Method, r.URL.Path, crw.Status(), crw.Written(), time.Since(start).Round(time.Millisecond))
	})
}
