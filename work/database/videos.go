package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"adsplice-proxy/work/catalog"
	"adsplice-proxy/work/types"
)

// PlayableSource returns the origin playlist URL of a video rendition. An
// empty quality picks the highest numeric quality on record.
func (db *DB) PlayableSource(ctx context.Context, videoID, quality string) (*types.Playable, error) {
	var (
		row *sql.Row
		p   = types.Playable{VideoID: videoID}
	)
	if quality == "" {
		row = db.QueryRowContext(ctx, `
			SELECT quality, origin_url FROM video_sources
			WHERE video_id = ?
			ORDER BY CAST(quality AS INTEGER) DESC, quality DESC
			LIMIT 1
		`, videoID)
	} else {
		row = db.QueryRowContext(ctx,
			`SELECT quality, origin_url FROM video_sources WHERE video_id = ? AND quality = ?`, videoID, quality)
	}

	err := row.Scan(&p.Quality, &p.OriginURL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: video %s quality %q", catalog.ErrNotFound, videoID, quality)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up video source: %w", err)
	}
	return &p, nil
}

// SaveVideoSource records the origin playlist URL of one rendition,
// creating the video row when needed.
func (db *DB) SaveVideoSource(ctx context.Context, videoID, title, quality, originURL string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO videos (id, title) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET title = CASE WHEN excluded.title = '' THEN videos.title ELSE excluded.title END
	`, videoID, title); err != nil {
		return fmt.Errorf("failed to save video: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO video_sources (video_id, quality, origin_url) VALUES (?, ?, ?)
		ON CONFLICT(video_id, quality) DO UPDATE SET origin_url = excluded.origin_url
	`, videoID, quality, originURL); err != nil {
		return fmt.Errorf("failed to save video source: %w", err)
	}
	return tx.Commit()
}
