package analytics

import (
	"context"
	"sync"
	"time"

	"adsplice-proxy/work/geo"
	"adsplice-proxy/work/logger"
	"adsplice-proxy/work/metrics"
	"adsplice-proxy/work/types"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
)

// Sink persists analytics events
type Sink interface {
	InsertImpression(ctx context.Context, imp types.Impression) error
	InsertClick(ctx context.Context, c types.Click) error
}

// Recorder writes impressions and clicks in the background. Callers never
// wait: events are submitted to a worker pool and dropped, with a metric,
// when the pool is saturated. Failures are logged and go no further.
type Recorder struct {
	workers *ants.Pool
	sink    Sink
	locator geo.Locator
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewRecorder creates a recorder on a shared, non-blocking worker pool.
// A nil locator leaves countries empty.
func NewRecorder(workers *ants.Pool, sink Sink, locator geo.Locator, timeout time.Duration) *Recorder {
	if locator == nil {
		locator = geo.Nop{}
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Recorder{workers: workers, sink: sink, locator: locator, timeout: timeout}
}

// RecordImpression stores imp asynchronously, filling in its ID and country.
func (r *Recorder) RecordImpression(imp types.Impression) {
	if imp.ID == "" {
		imp.ID = uuid.NewString()
	}
	r.dispatch("impression", func(ctx context.Context) error {
		imp.Country = r.country(ctx, imp.Client.IP)
		return r.sink.InsertImpression(ctx, imp)
	})
}

// RecordClick stores c asynchronously, filling in its ID and country.
func (r *Recorder) RecordClick(c types.Click) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.ClickedAt.IsZero() {
		c.ClickedAt = time.Now()
	}
	r.dispatch("click", func(ctx context.Context) error {
		c.Country = r.country(ctx, c.Client.IP)
		return r.sink.InsertClick(ctx, c)
	})
}

func (r *Recorder) dispatch(event string, task func(ctx context.Context) error) {
	r.wg.Add(1)
	err := r.workers.Submit(func() {
		defer r.wg.Done()
		defer func() {
			if p := recover(); p != nil {
				metrics.AnalyticsDropped.WithLabelValues(event).Inc()
				logger.Error("{analytics/recorder - dispatch} %s task panicked: %v", event, p)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if err := task(ctx); err != nil {
			metrics.AnalyticsDropped.WithLabelValues(event).Inc()
			logger.Warn("{analytics/recorder - dispatch} failed to record %s: %v", event, err)
		}
	})
	if err != nil {
		r.wg.Done()
		metrics.AnalyticsDropped.WithLabelValues(event).Inc()
		logger.Warn("{analytics/recorder - dispatch} dropped %s: %v", event, err)
	}
}

// country looks up the client's country, giving up quietly on error
func (r *Recorder) country(ctx context.Context, ip string) string {
	c, err := r.locator.CountryForIP(ctx, ip)
	if err != nil {
		logger.Debug("{analytics/recorder - country} geo lookup for %s failed: %v", ip, err)
		return ""
	}
	return c
}

// Wait blocks until submitted events finish or ctx ends.
func (r *Recorder) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
