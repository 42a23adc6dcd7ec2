package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"adsplice-proxy/work/ads"
	"adsplice-proxy/work/catalog"
	"adsplice-proxy/work/config"
	"adsplice-proxy/work/gateway"
	"adsplice-proxy/work/logger"
	"adsplice-proxy/work/middleware"
	"adsplice-proxy/work/parser"
	"adsplice-proxy/work/proxy"
	"adsplice-proxy/work/resolver"
)

// errorBody is the JSON answer for failed requests. Diagnostics is only
// filled in for operators.
type errorBody struct {
	Error       string         `json:"error"`
	Diagnostics map[string]any `json:"diagnostics,omitempty"`
}

// statusFor maps an error to the HTTP status the client sees
func statusFor(err error) int {
	var ue *gateway.UpstreamError
	switch {
	case errors.Is(err, proxy.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, catalog.ErrNotFound),
		errors.Is(err, ads.ErrNotFound),
		errors.Is(err, proxy.ErrUpstreamDisabled):
		return http.StatusNotFound
	case errors.Is(err, gateway.ErrBlockedURL):
		return http.StatusForbidden
	case errors.Is(err, gateway.ErrNoProxy),
		errors.Is(err, proxy.ErrAtCapacity):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &ue) && (ue.Status == http.StatusNotFound || ue.Status == http.StatusGone):
		return http.StatusNotFound
	case errors.As(err, &ue),
		errors.Is(err, gateway.ErrSoftBlock),
		errors.Is(err, resolver.ErrNoVariant),
		errors.Is(err, parser.ErrMalformed),
		errors.Is(err, catalog.ErrInvalidSource):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// WriteError answers with a minimal JSON error. Callers holding a valid
// operator token also get the upstream triage fields.
func WriteError(w http.ResponseWriter, r *http.Request, cfg *config.Config, err error) {
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		logger.Debug("{handlers/errors - WriteError} %s %s: client went away", r.Method, r.URL.Path)
		return
	}

	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Warn("{handlers/errors - WriteError} %s %s -> %d: %v", r.Method, r.URL.Path, status, err)
	} else {
		logger.Debug("{handlers/errors - WriteError} %s %s -> %d: %v", r.Method, r.URL.Path, status, err)
	}

	body := errorBody{Error: http.StatusText(status)}
	if middleware.IsOperator(r, cfg.OperatorTokenHash) {
		var ue *gateway.UpstreamError
		if errors.As(err, &ue) {
			body.Diagnostics = ue.Diagnostics()
		} else {
			body.Diagnostics = map[string]any{"cause": err.Error()}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Debug("{handlers/errors - WriteError} failed to encode error body: %v", err)
	}
}
