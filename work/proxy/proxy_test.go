package proxy

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"adsplice-proxy/work/ads"
	"adsplice-proxy/work/analytics"
	"adsplice-proxy/work/buffer"
	"adsplice-proxy/work/cache"
	"adsplice-proxy/work/client"
	"adsplice-proxy/work/config"
	"adsplice-proxy/work/filter"
	"adsplice-proxy/work/gateway"
	"adsplice-proxy/work/proxypool"
	"adsplice-proxy/work/rewriter"
	"adsplice-proxy/work/types"

	"github.com/panjf2000/ants/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAds struct {
	ads      map[string]*ads.Ad
	segments map[string][]byte
}

func (f *fakeAds) ListActiveAds(ctx context.Context) ([]ads.Ad, error) { return nil, nil }

func (f *fakeAds) Ad(ctx context.Context, id string) (*ads.Ad, error) {
	if a, ok := f.ads[id]; ok {
		return a, nil
	}
	return nil, ads.ErrNotFound
}

func (f *fakeAds) AdSegmentBuffer(ctx context.Context, adID, key string) ([]byte, error) {
	return f.segments[adID+"/"+key], nil
}

type clickSink struct {
	mu     sync.Mutex
	clicks []types.Click
}

func (s *clickSink) InsertImpression(ctx context.Context, imp types.Impression) error { return nil }

func (s *clickSink) InsertClick(ctx context.Context, c types.Click) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clicks = append(s.clicks, c)
	return nil
}

func testConfig() *config.Config {
	cfg := config.GetDefaultConfig()
	cfg.BaseURL = "https://proxy.example"
	cfg.OriginRatePerHost = 1000
	cfg.MaxSegmentStreams = 4
	config.ValidateAndSetDefaults(cfg)
	return cfg
}

func newTestProxy(t *testing.T, cfg *config.Config, store *fakeAds, recorder *analytics.Recorder) *StreamProxy {
	t.Helper()
	gw := gateway.New(cfg, proxypool.New(nil, proxypool.Options{}), client.New(cfg),
		filter.NewHostMatcher(cfg.CDNDomains), buffer.NewBufferPool(1024))
	gw.SetGuard(func(raw string) (*url.URL, error) { return url.Parse(raw) })

	if store == nil {
		store = &fakeAds{}
	}
	return New(cfg, Components{
		Gateway:    gw,
		Ads:        store,
		Segments:   ads.NewSegmentSource(store, nil, nil),
		Playlists:  cache.NewResponseCache("playlist", time.Minute, 10),
		Upstream:   cache.NewResponseCache("upstream", time.Minute, 10),
		Recorder:   recorder,
		BufferPool: buffer.NewBufferPool(1024),
	})
}

func segmentRequest(target string, extra url.Values) *http.Request {
	q := url.Values{rewriter.ParamURL: {target}}
	for k, v := range extra {
		q[k] = v
	}
	return httptest.NewRequest(http.MethodGet, rewriter.SegmentPath+"?"+q.Encode(), nil)
}

func TestServeSegmentRelaysRange(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bytes=2-5", r.Header.Get("Range"))
		w.Header().Set("Content-Type", "video/mp2t")
		w.Header().Set("Content-Range", "bytes 2-5/10")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte("2345"))
	}))
	defer origin.Close()

	sp := newTestProxy(t, testConfig(), nil, nil)
	req := segmentRequest(origin.URL+"/seg0.ts", nil)
	req.Header.Set("Range", "bytes=2-5")
	rec := httptest.NewRecorder()

	require.NoError(t, sp.ServeSegment(rec, req))
	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "2345", rec.Body.String())
	assert.Equal(t, "bytes 2-5/10", rec.Header().Get("Content-Range"))
	assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
	assert.Zero(t, sp.ActiveSlots())
}

func TestServeSegmentRequiresURL(t *testing.T) {
	sp := newTestProxy(t, testConfig(), nil, nil)
	err := sp.ServeSegment(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/segment", nil))
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestServeSegmentBlockedURL(t *testing.T) {
	sp := newTestProxy(t, testConfig(), nil, nil)
	sp.Gateway = gateway.New(sp.Config, proxypool.New(nil, proxypool.Options{}), client.New(sp.Config),
		filter.NewHostMatcher(nil), buffer.NewBufferPool(1024))

	err := sp.ServeSegment(httptest.NewRecorder(), segmentRequest("http://169.254.169.254/latest", nil))
	assert.ErrorIs(t, err, gateway.ErrBlockedURL)
}

func TestServeSegmentAtCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSegmentStreams = 1
	sp := newTestProxy(t, cfg, nil, nil)

	release, ok := sp.acquireSlot()
	require.True(t, ok)
	defer release()

	err := sp.ServeSegment(httptest.NewRecorder(), segmentRequest("https://cdn.example/seg.ts", nil))
	assert.ErrorIs(t, err, ErrAtCapacity)
}

// firstWriteRecorder signals once the relay has started writing the body.
type firstWriteRecorder struct {
	*httptest.ResponseRecorder
	once  sync.Once
	wrote chan struct{}
}

func (w *firstWriteRecorder) Write(p []byte) (int, error) {
	n, err := w.ResponseRecorder.Write(p)
	w.once.Do(func() { close(w.wrote) })
	return n, err
}

func TestServeSegmentStopsWhenClientLeaves(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp2t")
		_, _ = w.Write(make([]byte, 1024))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer origin.Close()

	sp := newTestProxy(t, testConfig(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := segmentRequest(origin.URL+"/live.ts", nil).WithContext(ctx)
	rec := &firstWriteRecorder{ResponseRecorder: httptest.NewRecorder(), wrote: make(chan struct{})}

	done := make(chan error, 1)
	go func() { done <- sp.ServeSegment(rec, req) }()

	select {
	case <-rec.wrote:
	case err := <-done:
		t.Fatalf("relay ended before any body bytes arrived: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("no body bytes relayed")
	}
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("segment relay kept running after the client left")
	}
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1024, rec.Body.Len())
	assert.Zero(t, sp.ActiveSlots())
}

func TestServeSegmentReusesPlaylistProxy(t *testing.T) {
	var firstHits, secondHits atomic.Int32
	first := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		firstHits.Add(1)
		_, _ = w.Write([]byte("first"))
	}))
	defer first.Close()
	second := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secondHits.Add(1)
		_, _ = w.Write([]byte("second"))
	}))
	defer second.Close()

	cfg := testConfig()
	cfg.CDNDomains = []string{"cdn.example"}
	var entries []*proxypool.Entry
	for _, raw := range []string{first.URL, second.URL} {
		u, err := url.Parse(raw)
		require.NoError(t, err)
		entries = append(entries, proxypool.NewEntry(u))
	}
	pool := proxypool.New(entries, proxypool.Options{})
	want, _ := pool.SelectByIndex(1)

	sp := newTestProxy(t, cfg, nil, nil)
	sp.Gateway = gateway.New(cfg, pool, client.New(cfg), filter.NewHostMatcher(cfg.CDNDomains), buffer.NewBufferPool(1024))

	rec := httptest.NewRecorder()
	err := sp.ServeSegment(rec, segmentRequest("http://media.cdn.example/seg0.ts", url.Values{rewriter.ParamProxy: {want.ID()}}))
	require.NoError(t, err)
	assert.Equal(t, "second", rec.Body.String())
	assert.Zero(t, firstHits.Load())
	assert.Equal(t, int32(1), secondHits.Load())
}

func TestServeAdSegment(t *testing.T) {
	store := &fakeAds{segments: map[string][]byte{"house/0": []byte("0123456789")}}
	sp := newTestProxy(t, testConfig(), store, nil)

	rec := httptest.NewRecorder()
	require.NoError(t, sp.ServeAdSegment(rec, httptest.NewRequest(http.MethodGet, "/ads/house/segments/0", nil), "house", "0"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "video/mp2t", rec.Header().Get("Content-Type"))
	assert.Equal(t, "native", rec.Header().Get("X-Ad-Format"))
	assert.Equal(t, "0123456789", rec.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/ads/house/segments/0", nil)
	req.Header.Set("Range", "bytes=0-3")
	rec = httptest.NewRecorder()
	require.NoError(t, sp.ServeAdSegment(rec, req, "house", "0"))
	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "0123", rec.Body.String())

	err := sp.ServeAdSegment(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil), "house", "7")
	assert.ErrorIs(t, err, ads.ErrNotFound)

	err = sp.ServeAdSegment(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil), "house", "-1")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestTrackClickRecordsAndRedirects(t *testing.T) {
	pool, err := ants.NewPool(2, ants.WithNonblocking(true))
	require.NoError(t, err)
	defer pool.Release()

	sink := &clickSink{}
	recorder := analytics.NewRecorder(pool, sink, nil, time.Second)
	store := &fakeAds{ads: map[string]*ads.Ad{
		"house":  {ID: "house", ClickURL: "https://sponsor.example/landing"},
		"silent": {ID: "silent"},
	}}
	sp := newTestProxy(t, testConfig(), store, recorder)

	req := httptest.NewRequest(http.MethodGet, "/ads/house/click?video=v1", nil)
	req.Header.Set("User-Agent", "player/1.0")
	rec := httptest.NewRecorder()
	require.NoError(t, sp.TrackClick(rec, req, "house"))
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://sponsor.example/landing", rec.Header().Get("Location"))

	rec = httptest.NewRecorder()
	require.NoError(t, sp.TrackClick(rec, httptest.NewRequest(http.MethodGet, "/ads/silent/click", nil), "silent"))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	assert.ErrorIs(t, sp.TrackClick(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil), "gone"), ads.ErrNotFound)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, recorder.Wait(ctx))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.clicks, 2)
	byAd := map[string]types.Click{}
	for _, c := range sink.clicks {
		byAd[c.AdID] = c
	}
	assert.Equal(t, "v1", byAd["house"].VideoID)
	assert.Equal(t, "player/1.0", byAd["house"].Client.UserAgent)
	assert.NotEmpty(t, byAd["house"].ID)
	assert.Empty(t, byAd["silent"].VideoID)
}

func TestServeUpstreamCaches(t *testing.T) {
	var hits atomic.Int32
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/v1/videos/42", r.URL.Path)
		assert.Equal(t, "full=1", r.URL.RawQuery)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": 42}`))
	}))
	defer api.Close()

	cfg := testConfig()
	cfg.UpstreamAPIBase = api.URL + "/v1/"
	sp := newTestProxy(t, cfg, nil, nil)

	for i, state := range []string{"MISS", "HIT"} {
		rec := httptest.NewRecorder()
		require.NoError(t, sp.ServeUpstream(rec, httptest.NewRequest(http.MethodGet, "/api/upstream/videos/42?full=1", nil), "videos/42"))
		assert.Equal(t, state, rec.Header().Get("X-Cache"), "request %d", i)
		assert.JSONEq(t, `{"id": 42}`, rec.Body.String())
	}
	assert.Equal(t, int32(1), hits.Load())
}

func TestServeUpstreamSoftBlock(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"mediaDefinitions": []}`))
	}))
	defer api.Close()

	cfg := testConfig()
	cfg.UpstreamAPIBase = api.URL
	sp := newTestProxy(t, cfg, nil, nil)

	err := sp.ServeUpstream(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/upstream/video/1", nil), "video/1")
	assert.ErrorIs(t, err, gateway.ErrSoftBlock)
	assert.Zero(t, sp.Upstream.Len())
}

func TestServeUpstreamDisabled(t *testing.T) {
	sp := newTestProxy(t, testConfig(), nil, nil)
	err := sp.ServeUpstream(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil), "x")
	assert.True(t, errors.Is(err, ErrUpstreamDisabled))
}

func TestFlushCaches(t *testing.T) {
	sp := newTestProxy(t, testConfig(), nil, nil)
	sp.Playlists.Set("a", []byte("x"), "text/plain")
	sp.Upstream.Set("b", []byte("y"), "application/json")
	sp.Upstream.Set("c", []byte("z"), "application/json")

	res := sp.FlushCaches()
	assert.Equal(t, FlushResult{Playlists: 1, Upstream: 2}, res)
	assert.Zero(t, sp.Playlists.Len())
	assert.Zero(t, sp.Upstream.Len())
}

func TestMaintenanceStops(t *testing.T) {
	sp := newTestProxy(t, testConfig(), nil, nil)
	done := make(chan struct{})
	go func() {
		sp.StartMaintenance()
		close(done)
	}()
	sp.StopMaintenance()
	sp.StopMaintenance()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("maintenance loop did not stop")
	}
}
