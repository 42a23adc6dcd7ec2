package database

import (
	"context"
	"fmt"

	"adsplice-proxy/work/types"
)

// InsertImpression stores one impression
func (db *DB) InsertImpression(ctx context.Context, imp types.Impression) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO impressions (id, ad_id, video_id, referrer, user_agent, ip, country, served_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, imp.ID, imp.AdID, imp.VideoID, imp.Client.Referrer, imp.Client.UserAgent, imp.Client.IP, imp.Country, imp.ServedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert impression: %w", err)
	}
	return nil
}

// InsertClick stores one click
func (db *DB) InsertClick(ctx context.Context, c types.Click) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO clicks (id, ad_id, video_id, referrer, user_agent, ip, country, clicked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.AdID, c.VideoID, c.Client.Referrer, c.Client.UserAgent, c.Client.IP, c.Country, c.ClickedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert click: %w", err)
	}
	return nil
}

// AdCounts returns impression and click totals for an ad
func (db *DB) AdCounts(ctx context.Context, adID string) (impressions, clicks int, err error) {
	err = db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM impressions WHERE ad_id = ?),
			(SELECT COUNT(*) FROM clicks WHERE ad_id = ?)
	`, adID, adID).Scan(&impressions, &clicks)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count ad events: %w", err)
	}
	return impressions, clicks, nil
}
