package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"adsplice-proxy/work/ads"
)

const adColumns = `id, title, weight, force_display, status, duration, click_url, format`

// ListActiveAds returns active ads with their segments and segment variants
func (db *DB) ListActiveAds(ctx context.Context) ([]ads.Ad, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+adColumns+` FROM ads WHERE status = ? ORDER BY id`, ads.StatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to query ads: %w", err)
	}
	defer rows.Close()

	var out []ads.Ad
	byID := make(map[string]int)
	for rows.Next() {
		a, err := scanAd(rows)
		if err != nil {
			return nil, err
		}
		byID[a.ID] = len(out)
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read ads: %w", err)
	}
	rows.Close()

	if len(out) == 0 {
		return nil, nil
	}

	segRows, err := db.QueryContext(ctx, `
		SELECT s.ad_id, s.segment_index, s.quality, s.file_path, v.format_key, v.file_path
		FROM ad_segments s
		JOIN ads a ON a.id = s.ad_id AND a.status = ?
		LEFT JOIN ad_segment_variants v ON v.ad_id = s.ad_id AND v.segment_index = s.segment_index
		ORDER BY s.ad_id, s.segment_index
	`, ads.StatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to query ad segments: %w", err)
	}
	defer segRows.Close()

	for segRows.Next() {
		var (
			adID          string
			seg           ads.Segment
			format, vpath sql.NullString
		)
		if err := segRows.Scan(&adID, &seg.Index, &seg.Quality, &seg.Path, &format, &vpath); err != nil {
			return nil, fmt.Errorf("failed to scan ad segment: %w", err)
		}
		i, ok := byID[adID]
		if !ok {
			continue
		}
		a := &out[i]
		n := len(a.Segments)
		if n == 0 || a.Segments[n-1].Index != seg.Index {
			a.Segments = append(a.Segments, seg)
			n++
		}
		if format.Valid {
			last := &a.Segments[n-1]
			if last.Variants == nil {
				last.Variants = make(map[string]string)
			}
			last.Variants[format.String] = vpath.String
		}
	}
	if err := segRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read ad segments: %w", err)
	}
	return out, nil
}

// Ad returns one ad without its segments
func (db *DB) Ad(ctx context.Context, adID string) (*ads.Ad, error) {
	row := db.QueryRowContext(ctx, `SELECT `+adColumns+` FROM ads WHERE id = ?`, adID)
	a, err := scanAd(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ads.ErrNotFound
	}
	return a, err
}

// AdSegmentBuffer reads the native segment file of an ad. key is the
// segment index.
func (db *DB) AdSegmentBuffer(ctx context.Context, adID, key string) ([]byte, error) {
	index, err := strconv.Atoi(key)
	if err != nil {
		return nil, fmt.Errorf("%w: segment key %q", ads.ErrNotFound, key)
	}
	var path string
	err = db.QueryRowContext(ctx,
		`SELECT file_path FROM ad_segments WHERE ad_id = ? AND segment_index = ?`, adID, index).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up ad segment: %w", err)
	}
	return db.readMedia(path)
}

// FormatVariant reads a pre-encoded variant of an ad segment, or nil when
// none was recorded for formatKey.
func (db *DB) FormatVariant(ctx context.Context, adID, formatKey string, index int) ([]byte, error) {
	var path string
	err := db.QueryRowContext(ctx, `
		SELECT file_path FROM ad_segment_variants
		WHERE ad_id = ? AND segment_index = ? AND format_key = ?
	`, adID, index, formatKey).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up segment variant: %w", err)
	}
	return db.readMedia(path)
}

// SaveAd inserts or updates an ad and replaces its segments and variants
func (db *DB) SaveAd(ctx context.Context, a *ads.Ad) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	status := a.Status
	if status == "" {
		status = ads.StatusActive
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO ads (id, title, weight, force_display, status, duration, click_url, format, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			weight = excluded.weight,
			force_display = excluded.force_display,
			status = excluded.status,
			duration = excluded.duration,
			click_url = excluded.click_url,
			format = excluded.format,
			updated_at = CURRENT_TIMESTAMP
	`, a.ID, a.Title, a.Weight, a.ForceDisplay, status, a.Duration, a.ClickURL, a.Format)
	if err != nil {
		return fmt.Errorf("failed to save ad: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM ad_segments WHERE ad_id = ?`, a.ID); err != nil {
		return fmt.Errorf("failed to clear ad segments: %w", err)
	}
	for _, s := range a.Segments {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO ad_segments (ad_id, segment_index, quality, file_path) VALUES (?, ?, ?, ?)`,
			a.ID, s.Index, s.Quality, s.Path); err != nil {
			return fmt.Errorf("failed to save ad segment %d: %w", s.Index, err)
		}
		for format, path := range s.Variants {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO ad_segment_variants (ad_id, segment_index, format_key, file_path) VALUES (?, ?, ?, ?)`,
				a.ID, s.Index, format, path); err != nil {
				return fmt.Errorf("failed to save segment variant %s: %w", format, err)
			}
		}
	}

	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAd(row rowScanner) (*ads.Ad, error) {
	var a ads.Ad
	if err := row.Scan(&a.ID, &a.Title, &a.Weight, &a.ForceDisplay, &a.Status, &a.Duration, &a.ClickURL, &a.Format); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan ad: %w", err)
	}
	return &a, nil
}
