package repository

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/clipfeed/internal/model"
)

// PostgresFeedRepo はPostgreSQLを使用したフィード読み取りリポジトリ。
type PostgresFeedRepo struct {
	db *sql.DB
}

// NewPostgresFeedRepo はPostgresFeedRepoを生成する。
func NewPostgresFeedRepo(db *sql.DB) *PostgresFeedRepo {
	return &PostgresFeedRepo{db: db}
}

var _ FeedRepository = (*PostgresFeedRepo)(nil)

// TopRecentIDs はclips_recentから視聴数上位のIDを返す。
func (r *PostgresFeedRepo) TopRecentIDs(ctx context.Context, since time.Time, categoryIDs []int64, limit int) ([]string, error) {
	if limit <= 0 {
		return []string{}, nil
	}
	query := `SELECT id FROM clips_recent WHERE created_at >= $1`
	args := []any{since}
	if len(categoryIDs) > 0 {
		query += ` AND category_id = ANY($2)`
		args = append(args, pq.Array(categoryIDs))
	}
	query += fmt.Sprintf(` ORDER BY view_count DESC, id LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("上位クリップIDの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, min(limit, 1024))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("クリップIDのスキャンに失敗しました: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("クリップIDの反復処理に失敗しました: %w", err)
	}
	return ids, nil
}

// FindByIDs はclips_feedビューから指定IDのクリップを取得する。
// ビューのchannel/category/creator列はJSON配列のため、先頭要素を取り出して設定する。
func (r *PostgresFeedRepo) FindByIDs(ctx context.Context, ids []string) ([]model.Clip, error) {
	if len(ids) == 0 {
		return []model.Clip{}, nil
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, livestream_id, title, clip_url, thumbnail_url, video_url, privacy,
		        duration, created_at, is_date_estimated, is_mature,
		        view_count, likes_count, score, is_boosted, last_view_refresh,
		        channel, category, creator
		 FROM clips_feed
		 WHERE id = ANY($1)`,
		pq.Array(ids),
	)
	if err != nil {
		return nil, fmt.Errorf("クリップの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	clips := make([]model.Clip, 0, len(ids))
	for rows.Next() {
		var (
			c                                             model.Clip
			livestreamID, clipURL, thumbURL, videoURL, pv sql.NullString
			duration                                      sql.NullFloat64
			lastRefresh                                   sql.NullTime
			channelJSON, categoryJSON, creatorJSON        []byte
		)
		if err := rows.Scan(
			&c.ID, &livestreamID, &c.Title, &clipURL, &thumbURL, &videoURL, &pv,
			&duration, &c.CreatedAt, &c.IsDateEstimated, &c.IsMature,
			&c.ViewCount, &c.LikesCount, &c.Score, &c.IsBoosted, &lastRefresh,
			&channelJSON, &categoryJSON, &creatorJSON,
		); err != nil {
			return nil, fmt.Errorf("クリップのスキャンに失敗しました: %w", err)
		}
		c.LivestreamID = nullStringValue(livestreamID)
		c.ClipURL = nullStringValue(clipURL)
		c.ThumbnailURL = nullStringValue(thumbURL)
		c.VideoURL = nullStringValue(videoURL)
		c.Privacy = nullStringValue(pv)
		c.Duration = duration.Float64
		if lastRefresh.Valid {
			t := lastRefresh.Time
			c.LastViewRefresh = &t
		}

		if c.Channel, err = firstOf[model.Channel](channelJSON); err != nil {
			return nil, fmt.Errorf("channel列の解析に失敗しました (id=%s): %w", c.ID, err)
		}
		if c.Category, err = firstOf[model.Category](categoryJSON); err != nil {
			return nil, fmt.Errorf("category列の解析に失敗しました (id=%s): %w", c.ID, err)
		}
		if c.Creator, err = firstOf[model.Creator](creatorJSON); err != nil {
			return nil, fmt.Errorf("creator列の解析に失敗しました (id=%s): %w", c.ID, err)
		}
		clips = append(clips, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("クリップの反復処理に失敗しました: %w", err)
	}
	return clips, nil
}

// firstOf はJSON配列の先頭要素、または単一オブジェクトをTとしてデコードする。
// 空配列・nullの場合はnilを返す。
func firstOf[T any](raw []byte) (*T, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '[' {
		var items []T
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, err
		}
		if len(items) == 0 {
			return nil, nil
		}
		return &items[0], nil
	}
	var item T
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// nullString は空文字列をsql.NullStringに変換する。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringValue はsql.NullStringから文字列を取得する。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}
