package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"adsplice-proxy/work/gateway"
	"adsplice-proxy/work/logger"
	"adsplice-proxy/work/metrics"
	"adsplice-proxy/work/rewriter"
	"adsplice-proxy/work/types"
	"adsplice-proxy/work/utils"
)

// relayedHeaders are copied from the origin segment response
var relayedHeaders = []string{"Content-Type", "Content-Length", "Content-Range", "Accept-Ranges", "Last-Modified", "ETag"}

// ServeSegment relays one origin segment for full delivery mode. The
// bytes are streamed as they arrive and the upstream fetch is abandoned
// as soon as the client goes away.
func (sp *StreamProxy) ServeSegment(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	target := q.Get(rewriter.ParamURL)
	if target == "" {
		return fmt.Errorf("%w: missing %s parameter", ErrInvalidRequest, rewriter.ParamURL)
	}

	req := gateway.Request{
		URL:     target,
		Range:   r.Header.Get("Range"),
		ProxyID: q.Get(rewriter.ParamProxy),
		Tag:     "segment",
	}

	release, ok := sp.acquireSlot()
	if !ok {
		logger.Warn("{proxy/segment - ServeSegment} all %d segment slots busy, rejecting %s", cap(sp.segmentSlots), utils.ClientIP(r))
		return ErrAtCapacity
	}
	defer release()

	resp, err := sp.Gateway.Fetch(r.Context(), req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	h := w.Header()
	for _, name := range relayedHeaders {
		if v := resp.Header.Get(name); v != "" {
			h.Set(name, v)
		}
	}
	if h.Get("Content-Type") == "" {
		h.Set("Content-Type", "video/mp2t")
	}
	if h.Get("Accept-Ranges") == "" {
		h.Set("Accept-Ranges", "bytes")
	}
	w.WriteHeader(resp.Status)

	metrics.ActiveSegmentStreams.Inc()
	defer metrics.ActiveSegmentStreams.Dec()

	n, err := sp.BufferPool.Copy(w, resp.Body)
	metrics.BytesTransferred.WithLabelValues("origin").Add(float64(n))
	if err != nil {
		if r.Context().Err() != nil {
			logger.Debug("{proxy/segment - ServeSegment} client disconnected after %s of %s",
				utils.FormatBytes(n), utils.LogURL(sp.Config, target))
		} else {
			logger.Warn("{proxy/segment - ServeSegment} relay of %s stopped after %s: %v",
				utils.LogURL(sp.Config, target), utils.FormatBytes(n), err)
		}
	}
	return nil
}

// ServeAdSegment serves one first-party ad segment, in the format named
// by ?format= when a variant exists. Range requests are honoured.
func (sp *StreamProxy) ServeAdSegment(w http.ResponseWriter, r *http.Request, adID, rawIndex string) error {
	index, err := strconv.Atoi(rawIndex)
	if err != nil || index < 0 {
		return fmt.Errorf("%w: segment index %q", ErrInvalidRequest, rawIndex)
	}
	format := r.URL.Query().Get("format")

	data, served, err := sp.Segments.Segment(r.Context(), adID, index, format)
	if err != nil {
		return err
	}
	if served == "" {
		served = "native"
	}

	w.Header().Set("Content-Type", "video/mp2t")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Header().Set("X-Ad-Format", served)
	http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(data))
	metrics.BytesTransferred.WithLabelValues("ad").Add(float64(len(data)))
	return nil
}

// TrackClick records a click on an ad and redirects to its click-through
// URL. Ads without one answer 204.
func (sp *StreamProxy) TrackClick(w http.ResponseWriter, r *http.Request, adID string) error {
	ad, err := sp.Ads.Ad(r.Context(), adID)
	if err != nil {
		return err
	}

	if sp.Recorder != nil {
		sp.Recorder.RecordClick(types.Click{
			AdID:      ad.ID,
			VideoID:   r.URL.Query().Get("video"),
			Client:    types.ClientInfoFrom(r, utils.ClientIP(r)),
			ClickedAt: time.Now(),
		})
	}

	if ad.ClickURL == "" {
		w.WriteHeader(http.StatusNoContent)
		return nil
	}
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, ad.ClickURL, http.StatusFound)
	return nil
}

// isClientGone reports whether err only means the caller hung up
func isClientGone(ctx context.Context, err error) bool {
	return errors.Is(err, context.Canceled) && ctx.Err() != nil
}
