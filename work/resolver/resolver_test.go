package resolver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"adsplice-proxy/work/buffer"
	"adsplice-proxy/work/client"
	"adsplice-proxy/work/config"
	"adsplice-proxy/work/filter"
	"adsplice-proxy/work/gateway"
	"adsplice-proxy/work/parser"
	"adsplice-proxy/work/proxypool"
	"adsplice-proxy/work/safeurl"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newResolver(t *testing.T, handler http.HandlerFunc) (*Resolver, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.GetDefaultConfig()
	cfg.OriginRatePerHost = 1000
	config.ValidateAndSetDefaults(cfg)

	gw := gateway.New(cfg, proxypool.New(nil, proxypool.Options{}), client.New(cfg),
		filter.NewHostMatcher(nil), buffer.NewBufferPool(4096))
	// loopback test servers are fine, anything on blocked.example is not
	gw.SetGuard(func(raw string) (*url.URL, error) {
		u, err := url.Parse(raw)
		if err != nil || u.Hostname() == "blocked.example" {
			return nil, safeurl.ErrBlocked
		}
		return u, nil
	})
	return New(cfg, gw), srv
}

func TestResolveMediaPlaylist(t *testing.T) {
	r, srv := newResolver(t, func(w http.ResponseWriter, req *http.Request) {
		_, _ = w.Write([]byte("#EXTM3U\n#EXTINF:4,\nseg0.ts\n#EXT-X-ENDLIST\n"))
	})

	res, err := r.Resolve(context.Background(), srv.URL+"/v/index.m3u8")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/v/index.m3u8", res.BaseURL)
	assert.Equal(t, []string{"#EXTM3U", "#EXTINF:4,", "seg0.ts", "#EXT-X-ENDLIST"}, res.Lines)
	assert.Empty(t, res.ProxyID)
	assert.False(t, res.Profile.Known())
}

func TestResolveFollowsFirstVariant(t *testing.T) {
	var variantHits atomic.Int32
	r, srv := newResolver(t, func(w http.ResponseWriter, req *http.Request) {
		switch req.URL.Path {
		case "/v/master.m3u8":
			_, _ = w.Write([]byte("#EXTM3U\n" +
				"#EXT-X-STREAM-INF:BANDWIDTH=2000000,RESOLUTION=1280x720,FRAME-RATE=30\nhd/index.m3u8\n" +
				"#EXT-X-STREAM-INF:BANDWIDTH=500000,RESOLUTION=640x360\nsd/index.m3u8\n"))
		case "/v/hd/index.m3u8":
			variantHits.Add(1)
			_, _ = w.Write([]byte("#EXTM3U\n#EXTINF:4,\nseg0.ts\n"))
		default:
			http.NotFound(w, req)
		}
	})

	res, err := r.Resolve(context.Background(), srv.URL+"/v/master.m3u8")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/v/hd/index.m3u8", res.BaseURL)
	assert.Equal(t, "1280x720@30", res.Profile.Key())
	assert.Equal(t, int32(1), variantHits.Load())
	assert.Contains(t, res.Lines, "seg0.ts")
}

func TestResolveMasterWithoutVariantIsFatal(t *testing.T) {
	r, srv := newResolver(t, func(w http.ResponseWriter, req *http.Request) {
		_, _ = w.Write([]byte("#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1\n"))
	})

	_, err := r.Resolve(context.Background(), srv.URL+"/master.m3u8")
	assert.ErrorIs(t, err, ErrNoVariant)
}

func TestResolveRevalidatesVariantURL(t *testing.T) {
	r, srv := newResolver(t, func(w http.ResponseWriter, req *http.Request) {
		_, _ = w.Write([]byte("#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1\nhttp://blocked.example/internal.m3u8\n"))
	})

	_, err := r.Resolve(context.Background(), srv.URL+"/master.m3u8")
	assert.ErrorIs(t, err, safeurl.ErrBlocked)
}

func TestResolveSurfacesUpstreamStatus(t *testing.T) {
	r, srv := newResolver(t, func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	})

	_, err := r.Resolve(context.Background(), srv.URL+"/missing.m3u8")
	var ue *gateway.UpstreamError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, http.StatusNotFound, ue.Status)
}

func TestResolveRejectsSoftBlockAndMalformed(t *testing.T) {
	r, srv := newResolver(t, func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "/empty.m3u8" {
			return
		}
		_, _ = w.Write([]byte("#EXTM3U\n#EXTINF:4,\n"))
	})

	_, err := r.Resolve(context.Background(), srv.URL+"/empty.m3u8")
	assert.ErrorIs(t, err, gateway.ErrSoftBlock)

	_, err = r.Resolve(context.Background(), srv.URL+"/broken.m3u8")
	assert.ErrorIs(t, err, parser.ErrMalformed)
}
