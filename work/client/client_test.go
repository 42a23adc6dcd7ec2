package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"adsplice-proxy/work/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	cfg := config.GetDefaultConfig()
	config.ValidateAndSetDefaults(cfg)
	return cfg
}

func TestForProxyCachesPerProxy(t *testing.T) {
	c := New(testConfig())
	a, _ := url.Parse("http://1.2.3.4:3128")
	b, _ := url.Parse("socks5://u:p@5.6.7.8:1080")

	ca, err := c.ForProxy(a)
	require.NoError(t, err)
	again, err := c.ForProxy(a)
	require.NoError(t, err)
	assert.Same(t, ca, again)

	cb, err := c.ForProxy(b)
	require.NoError(t, err)
	assert.NotSame(t, ca, cb)

	assert.Equal(t, 1, c.Prune([]*url.URL{a}))
	again, err = c.ForProxy(a)
	require.NoError(t, err)
	assert.Same(t, ca, again)
}

func TestForProxyRejectsUnknownScheme(t *testing.T) {
	c := New(testConfig())
	u, _ := url.Parse("ftp://1.2.3.4:21")
	_, err := c.ForProxy(u)
	assert.Error(t, err)
}

func TestCheckProxyThroughHTTPProxy(t *testing.T) {
	// an HTTP forward proxy receives absolute-form request URIs
	var seen string
	proxySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.URL.String()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer proxySrv.Close()

	c := New(testConfig())
	u, _ := url.Parse(proxySrv.URL)
	require.NoError(t, c.CheckProxy(context.Background(), u, "http://health.example.com/generate_204"))
	assert.Equal(t, "http://health.example.com/generate_204", seen)
}

func TestCheckProxyFailsOnStatus(t *testing.T) {
	proxySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer proxySrv.Close()

	c := New(testConfig())
	u, _ := url.Parse(proxySrv.URL)
	assert.Error(t, c.CheckProxy(context.Background(), u, "http://health.example.com/"))
}

func TestSetHeaders(t *testing.T) {
	cfg := testConfig()
	cfg.UserAgent = "test-agent"
	c := New(cfg)

	req := httptest.NewRequest(http.MethodGet, "http://origin.example.com/a.m3u8", nil)
	req.Header.Set("Accept", "application/vnd.apple.mpegurl")
	c.SetHeaders(req)

	assert.Equal(t, "test-agent", req.Header.Get("User-Agent"))
	assert.Equal(t, "application/vnd.apple.mpegurl", req.Header.Get("Accept"))
}

func TestCustomResponseWriterCounts(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewCustomResponseWriter(rec)
	_, _ = w.Write([]byte("hello"))
	w.WriteHeader(http.StatusTeapot)

	assert.Equal(t, http.StatusOK, w.Status())
	assert.Equal(t, int64(5), w.Written())
	assert.Equal(t, http.StatusOK, rec.Code)
}
