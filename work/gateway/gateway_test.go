package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"adsplice-proxy/work/buffer"
	"adsplice-proxy/work/client"
	"adsplice-proxy/work/config"
	"adsplice-proxy/work/filter"
	"adsplice-proxy/work/proxypool"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cdnSegment = "http://media.cdn.example/v/seg1.ts"

func testConfig() *config.Config {
	cfg := config.GetDefaultConfig()
	cfg.OriginRatePerHost = 1000
	cfg.CDNDomains = []string{"cdn.example"}
	config.ValidateAndSetDefaults(cfg)
	return cfg
}

func newGateway(t *testing.T, proxies ...string) (*Gateway, *proxypool.Pool) {
	t.Helper()
	cfg := testConfig()

	entries := make([]*proxypool.Entry, 0, len(proxies))
	for _, p := range proxies {
		u, err := url.Parse(p)
		require.NoError(t, err)
		entries = append(entries, proxypool.NewEntry(u))
	}
	pool := proxypool.New(entries, proxypool.Options{FailureThreshold: 3})

	g := New(cfg, pool, client.New(cfg), filter.NewHostMatcher(cfg.CDNDomains), buffer.NewBufferPool(4096))
	return g, pool
}

// fakeProxy answers absolute-form requests as if it had forwarded them.
func fakeProxy(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func allowAll(raw string) (*url.URL, error) { return url.Parse(raw) }

func TestFetchBlocksPrivateURLsBeforeProxySelection(t *testing.T) {
	proxy, hits := fakeProxy(t, func(w http.ResponseWriter, r *http.Request) {})
	g, pool := newGateway(t, proxy.URL)

	for _, raw := range []string{"http://127.0.0.1/admin", "file:///etc/passwd", "http://169.254.169.254/"} {
		_, err := g.Fetch(context.Background(), Request{URL: raw})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrBlockedURL)
	}

	assert.Zero(t, hits.Load())
	assert.True(t, pool.Stats().Entries[0].LastUsed.IsZero())
}

func TestFetchCDNWithoutProxyFailsClosed(t *testing.T) {
	g, _ := newGateway(t)
	_, err := g.Fetch(context.Background(), Request{URL: cdnSegment})
	assert.ErrorIs(t, err, ErrNoProxy)
}

func TestFetchCDNThroughProxyForwardsRange(t *testing.T) {
	proxy, hits := fakeProxy(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, cdnSegment, r.URL.String())
		assert.Equal(t, "bytes=0-3", r.Header.Get("Range"))
		w.Header().Set("Content-Range", "bytes 0-3/10")
		w.Header().Set("Content-Type", "video/mp2t")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte("abcd"))
	})
	g, pool := newGateway(t, proxy.URL)

	resp, err := g.Fetch(context.Background(), Request{URL: cdnSegment, Range: "bytes=0-3"})
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "abcd", string(body))
	assert.Equal(t, http.StatusPartialContent, resp.Status)
	assert.Equal(t, "bytes 0-3/10", resp.Header.Get("Content-Range"))
	assert.Equal(t, 0, resp.ProxyIndex)
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, int64(1), pool.Stats().Entries[0].Successes)
}

func TestFetchHonoursProxyID(t *testing.T) {
	first, firstHits := fakeProxy(t, func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("a")) })
	second, secondHits := fakeProxy(t, func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("b")) })
	g, pool := newGateway(t, first.URL, second.URL)
	want, _ := pool.SelectByIndex(1)

	for range 5 {
		resp, err := g.Fetch(context.Background(), Request{URL: cdnSegment, ProxyID: want.ID()})
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, 1, resp.ProxyIndex)
		assert.Equal(t, want.ID(), resp.ProxyID)
	}
	assert.Zero(t, firstHits.Load())
	assert.Equal(t, int32(5), secondHits.Load())
}

func TestFetchProxyIDFollowsReload(t *testing.T) {
	first, firstHits := fakeProxy(t, func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("a")) })
	second, secondHits := fakeProxy(t, func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("b")) })
	third, thirdHits := fakeProxy(t, func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("c")) })
	g, pool := newGateway(t, first.URL, second.URL, third.URL)

	// remember the second proxy, then drop the first so positions shift
	kept, _ := pool.SelectByIndex(1)
	id := kept.ID()
	var fresh []*proxypool.Entry
	for _, raw := range []string{second.URL, third.URL} {
		u, err := url.Parse(raw)
		require.NoError(t, err)
		fresh = append(fresh, proxypool.NewEntry(u))
	}
	pool.Reload(fresh)

	resp, err := g.Fetch(context.Background(), Request{URL: cdnSegment, ProxyID: id})
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, "b", string(body))
	assert.Equal(t, 0, resp.ProxyIndex)
	assert.Zero(t, firstHits.Load())
	assert.Equal(t, int32(1), secondHits.Load())
	assert.Zero(t, thirdHits.Load())
}

func TestFetchUnknownProxyIDFallsBackToRandom(t *testing.T) {
	proxy, _ := fakeProxy(t, func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("a")) })
	g, _ := newGateway(t, proxy.URL)

	resp, err := g.Fetch(context.Background(), Request{URL: cdnSegment, ProxyID: "gone"})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 0, resp.ProxyIndex)
}

func TestFetchRateLimitHonoursDeadline(t *testing.T) {
	var hits atomic.Int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("ok"))
	}))
	defer origin.Close()

	g, _ := newGateway(t)
	g.SetGuard(allowAll)
	g.config.OriginRatePerHost = 1

	resp, err := g.Fetch(context.Background(), Request{URL: origin.URL + "/a"})
	require.NoError(t, err)
	resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = g.Fetch(ctx, Request{URL: origin.URL + "/b"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	gone, stop := context.WithCancel(context.Background())
	stop()
	_, err = g.Fetch(gone, Request{URL: origin.URL + "/c"})
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, int32(1), hits.Load())
}

func TestFetchRedirectToCDNGoesThroughProxy(t *testing.T) {
	proxy, hits := fakeProxy(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, cdnSegment, r.URL.String())
		_, _ = w.Write([]byte("via proxy"))
	})
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, cdnSegment, http.StatusFound)
	}))
	defer origin.Close()

	g, pool := newGateway(t, proxy.URL)
	g.SetGuard(allowAll)

	resp, err := g.Fetch(context.Background(), Request{URL: origin.URL + "/watch"})
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, "via proxy", string(body))
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, 0, resp.ProxyIndex)
	assert.Equal(t, cdnSegment, resp.URL.String())
	assert.Equal(t, int64(1), pool.Stats().Entries[0].Successes)
}

func TestFetchRedirectToCDNWithoutProxyFailsClosed(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, cdnSegment, http.StatusFound)
	}))
	defer origin.Close()

	g, _ := newGateway(t)
	g.SetGuard(allowAll)

	_, err := g.Fetch(context.Background(), Request{URL: origin.URL + "/watch"})
	assert.ErrorIs(t, err, ErrNoProxy)
}

func TestFetchFollowsRedirectsBetweenOrigins(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("#EXTM3U\n"))
	}))
	defer target.Close()
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target.URL+"/final.m3u8", http.StatusMovedPermanently)
	}))
	defer origin.Close()

	g, _ := newGateway(t)
	g.SetGuard(allowAll)

	resp, err := g.Fetch(context.Background(), Request{URL: origin.URL + "/start.m3u8"})
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, -1, resp.ProxyIndex)
	assert.Equal(t, target.URL+"/final.m3u8", resp.URL.String())
}

func TestFetchCDNErrorCarriesDiagnostics(t *testing.T) {
	proxy, _ := fakeProxy(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("token bound to another ip"))
	})
	g, pool := newGateway(t, proxy.URL)

	_, err := g.Fetch(context.Background(), Request{URL: cdnSegment})
	require.Error(t, err)

	var ue *UpstreamError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, http.StatusForbidden, ue.Status)
	assert.Equal(t, 0, ue.ProxyIndex)
	assert.Equal(t, "token bound to another ip", ue.Snippet)
	assert.Equal(t, http.StatusForbidden, ue.Diagnostics()["status"])
	assert.Equal(t, int64(1), pool.Stats().Entries[0].Failures)
}

func TestFetchDirectForNonCDNHosts(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("#EXTM3U\n"))
	}))
	defer origin.Close()

	g, _ := newGateway(t)
	g.SetGuard(allowAll)

	resp, err := g.Fetch(context.Background(), Request{URL: origin.URL + "/a.m3u8"})
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, -1, resp.ProxyIndex)
}

func TestFetchTextRetriesSoftBlockOnDistinctProxies(t *testing.T) {
	empty := func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }
	a, aHits := fakeProxy(t, empty)
	b, bHits := fakeProxy(t, empty)
	g, pool := newGateway(t, a.URL, b.URL)

	_, _, err := g.FetchText(context.Background(), Request{URL: "http://api.cdn.example/video/1"}, ValidateAPI)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSoftBlock)

	assert.Equal(t, int32(1), aHits.Load())
	assert.Equal(t, int32(1), bHits.Load())
	for _, e := range pool.Stats().Entries {
		assert.Equal(t, int64(1), e.Failures)
		assert.Zero(t, e.Successes)
	}
}

func TestFetchTextSucceedsAfterSoftBlock(t *testing.T) {
	var calls atomic.Int32
	respond := func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			_, _ = w.Write([]byte(`{"mediaDefinitions": []}`))
			return
		}
		_, _ = w.Write([]byte(`{"mediaDefinitions": [{"quality": "720"}]}`))
	}
	a, _ := fakeProxy(t, respond)
	b, _ := fakeProxy(t, respond)
	g, _ := newGateway(t, a.URL, b.URL)

	body, resp, err := g.FetchText(context.Background(), Request{URL: "http://api.cdn.example/video/1"}, ValidateAPI)
	require.NoError(t, err)
	assert.Contains(t, string(body), "720")
	assert.GreaterOrEqual(t, resp.ProxyIndex, 0)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetchTextDoesNotRetryOriginNotFound(t *testing.T) {
	a, aHits := fakeProxy(t, func(w http.ResponseWriter, r *http.Request) { http.NotFound(w, r) })
	b, bHits := fakeProxy(t, func(w http.ResponseWriter, r *http.Request) { http.NotFound(w, r) })
	g, _ := newGateway(t, a.URL, b.URL)

	_, _, err := g.FetchText(context.Background(), Request{URL: "http://api.cdn.example/video/404"}, ValidateAPI)
	var ue *UpstreamError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, http.StatusNotFound, ue.Status)
	assert.Equal(t, int32(1), aHits.Load()+bHits.Load())
}

func TestValidators(t *testing.T) {
	assert.NoError(t, ValidatePlaylist([]byte("\xef\xbb\xbf#EXTM3U\n#EXT-X-VERSION:3\n")))
	assert.ErrorIs(t, ValidatePlaylist([]byte("  \n")), ErrSoftBlock)
	assert.ErrorIs(t, ValidatePlaylist([]byte("<html>denied</html>")), ErrSoftBlock)

	assert.NoError(t, ValidateAPI([]byte(`{"id": 1}`)))
	assert.ErrorIs(t, ValidateAPI([]byte("[]")), ErrSoftBlock)
	assert.ErrorIs(t, ValidateAPI([]byte(" { } ")), ErrSoftBlock)
	assert.ErrorIs(t, ValidateAPI([]byte(`{"mediaDefinitions":null}`)), ErrSoftBlock)
	assert.ErrorIs(t, ValidateAPI(nil), ErrSoftBlock)
}
