package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"adsplice-proxy/work/ads"
	"adsplice-proxy/work/catalog"
	"adsplice-proxy/work/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) (*DB, string) {
	t.Helper()
	dir := t.TempDir()
	media := filepath.Join(dir, "media")
	require.NoError(t, os.MkdirAll(media, 0755))

	db, err := Open(filepath.Join(dir, "db", "test.db"), media)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, media
}

func writeMedia(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func houseAd() *ads.Ad {
	return &ads.Ad{
		ID:       "house",
		Title:    "House ad",
		Weight:   3,
		Status:   ads.StatusActive,
		Duration: 6,
		ClickURL: "https://sponsor.example/landing",
		Format:   "1280x720@30",
		Segments: []ads.Segment{
			{Index: 0, Quality: "720", Path: "house-0.ts", Variants: map[string]string{"640x360": "house-0-360.ts"}},
			{Index: 1, Quality: "720", Path: "house-1.ts"},
		},
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	db, err := Open(path, dir)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(path, dir)
	require.NoError(t, err)
	defer db.Close()

	var applied int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&applied))
	assert.Equal(t, 1, applied)
}

func TestSaveAndListActiveAds(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.SaveAd(ctx, houseAd()))
	require.NoError(t, db.SaveAd(ctx, &ads.Ad{ID: "paused", Weight: 1, Status: ads.StatusInactive,
		Segments: []ads.Segment{{Index: 0, Path: "paused.ts"}}}))

	active, err := db.ListActiveAds(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)

	got := active[0]
	assert.Equal(t, "house", got.ID)
	assert.Equal(t, "https://sponsor.example/landing", got.ClickURL)
	assert.False(t, got.ForceDisplay)
	require.Len(t, got.Segments, 2)
	assert.Equal(t, "house-0-360.ts", got.Segments[0].Variants["640x360"])
	assert.Empty(t, got.Segments[1].Variants)
}

func TestSaveAdReplacesSegments(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()

	a := houseAd()
	require.NoError(t, db.SaveAd(ctx, a))
	a.Segments = a.Segments[1:]
	a.ForceDisplay = true
	require.NoError(t, db.SaveAd(ctx, a))

	active, err := db.ListActiveAds(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.True(t, active[0].ForceDisplay)
	require.Len(t, active[0].Segments, 1)
	assert.Equal(t, 1, active[0].Segments[0].Index)
}

func TestAdNotFound(t *testing.T) {
	db, _ := openTestDB(t)
	_, err := db.Ad(context.Background(), "missing")
	assert.ErrorIs(t, err, ads.ErrNotFound)
}

func TestAdSegmentBufferAndVariants(t *testing.T) {
	db, media := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.SaveAd(ctx, houseAd()))
	writeMedia(t, media, "house-0.ts", "native")
	writeMedia(t, media, "house-0-360.ts", "small")

	data, err := db.AdSegmentBuffer(ctx, "house", "0")
	require.NoError(t, err)
	assert.Equal(t, "native", string(data))

	// recorded but missing on disk
	data, err = db.AdSegmentBuffer(ctx, "house", "1")
	require.NoError(t, err)
	assert.Nil(t, data)

	data, err = db.AdSegmentBuffer(ctx, "house", "9")
	require.NoError(t, err)
	assert.Nil(t, data)

	_, err = db.AdSegmentBuffer(ctx, "house", "x")
	assert.ErrorIs(t, err, ads.ErrNotFound)

	data, err = db.FormatVariant(ctx, "house", "640x360", 0)
	require.NoError(t, err)
	assert.Equal(t, "small", string(data))

	data, err = db.FormatVariant(ctx, "house", "1920x1080", 0)
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestPlayableSource(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.SaveVideoSource(ctx, "v1", "Clip", "480", "https://origin.example/v1/480.m3u8"))
	require.NoError(t, db.SaveVideoSource(ctx, "v1", "", "1080", "https://origin.example/v1/1080.m3u8"))
	require.NoError(t, db.SaveVideoSource(ctx, "v1", "", "720", "https://origin.example/v1/720.m3u8"))

	p, err := db.PlayableSource(ctx, "v1", "720")
	require.NoError(t, err)
	assert.Equal(t, "https://origin.example/v1/720.m3u8", p.OriginURL)

	p, err = db.PlayableSource(ctx, "v1", "")
	require.NoError(t, err)
	assert.Equal(t, "1080", p.Quality)

	_, err = db.PlayableSource(ctx, "v1", "2160")
	assert.ErrorIs(t, err, catalog.ErrNotFound)
	_, err = db.PlayableSource(ctx, "v2", "")
	assert.ErrorIs(t, err, catalog.ErrNotFound)

	var title string
	require.NoError(t, db.QueryRow("SELECT title FROM videos WHERE id = ?", "v1").Scan(&title))
	assert.Equal(t, "Clip", title)
}

func TestAnalyticsCounts(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()
	client := types.ClientInfo{IP: "203.0.113.9", UserAgent: "test", Referrer: "https://site.example/"}
	now := time.Now()

	require.NoError(t, db.InsertImpression(ctx, types.Impression{ID: "i1", AdID: "house", VideoID: "v1", Client: client, ServedAt: now}))
	require.NoError(t, db.InsertImpression(ctx, types.Impression{ID: "i2", AdID: "house", VideoID: "v1", Client: client, ServedAt: now}))
	require.NoError(t, db.InsertClick(ctx, types.Click{ID: "c1", AdID: "house", Client: client, Country: "NL", ClickedAt: now}))

	impressions, clicks, err := db.AdCounts(ctx, "house")
	require.NoError(t, err)
	assert.Equal(t, 2, impressions)
	assert.Equal(t, 1, clicks)

	stats, err := db.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats["impressions_count"])
	assert.Positive(t, stats["database_size_bytes"])
}
