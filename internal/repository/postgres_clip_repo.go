package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/clipfeed/internal/model"
)

// PostgresClipRepo はPostgreSQLを使用したクリップ書き込みリポジトリ。
// 取り込み・メトリクス再取得・スコア再計算で共有する。
type PostgresClipRepo struct {
	db *sql.DB
}

// NewPostgresClipRepo はPostgresClipRepoを生成する。
func NewPostgresClipRepo(db *sql.DB) *PostgresClipRepo {
	return &PostgresClipRepo{db: db}
}

var (
	_ ClipRepository    = (*PostgresClipRepo)(nil)
	_ RefreshRepository = (*PostgresClipRepo)(nil)
	_ RescoreRepository = (*PostgresClipRepo)(nil)
)

// UpsertCategories はカテゴリをUPSERTする。
func (r *PostgresClipRepo) UpsertCategories(ctx context.Context, refs []model.CategoryRef) error {
	if len(refs) == 0 {
		return nil
	}
	args := make([]any, 0, len(refs)*4)
	for _, c := range refs {
		args = append(args, c.ID, nullString(c.Name), nullString(c.Slug), nullString(c.ParentCategory))
	}
	query := `INSERT INTO categories (id, name, slug, parent_category) VALUES ` +
		placeholders(len(refs), 4) +
		` ON CONFLICT (id) DO UPDATE SET
		    name = EXCLUDED.name,
		    slug = EXCLUDED.slug,
		    parent_category = EXCLUDED.parent_category,
		    updated_at = now()`
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("カテゴリのUPSERTに失敗しました: %w", err)
	}
	return nil
}

// UpsertUsers はユーザーをUPSERTする。
func (r *PostgresClipRepo) UpsertUsers(ctx context.Context, refs []model.UserRef) error {
	if len(refs) == 0 {
		return nil
	}
	args := make([]any, 0, len(refs)*3)
	for _, u := range refs {
		args = append(args, u.ID, nullString(u.Username), nullString(u.Slug))
	}
	query := `INSERT INTO users (id, username, slug) VALUES ` +
		placeholders(len(refs), 3) +
		` ON CONFLICT (id) DO UPDATE SET
		    username = EXCLUDED.username,
		    slug = EXCLUDED.slug,
		    updated_at = now()`
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("ユーザーのUPSERTに失敗しました: %w", err)
	}
	return nil
}

// UpsertChannels はチャンネルをUPSERTする。
func (r *PostgresClipRepo) UpsertChannels(ctx context.Context, refs []model.ChannelRef) error {
	if len(refs) == 0 {
		return nil
	}
	args := make([]any, 0, len(refs)*5)
	for _, c := range refs {
		var userID sql.NullInt64
		if c.UserID != nil {
			userID = sql.NullInt64{Int64: *c.UserID, Valid: true}
		}
		args = append(args, c.ID, nullString(c.Username), nullString(c.Slug), nullString(c.ProfilePicture), userID)
	}
	query := `INSERT INTO channels (id, username, slug, profile_picture, user_id) VALUES ` +
		placeholders(len(refs), 5) +
		` ON CONFLICT (id) DO UPDATE SET
		    username = EXCLUDED.username,
		    slug = EXCLUDED.slug,
		    profile_picture = EXCLUDED.profile_picture,
		    user_id = COALESCE(EXCLUDED.user_id, channels.user_id),
		    updated_at = now()`
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("チャンネルのUPSERTに失敗しました: %w", err)
	}
	return nil
}

// InsertClips はクリップをclipsとclips_recentに挿入する。
// 既存IDのクリップは更新しない（指標の更新はUpdateMetricsが担う）。
func (r *PostgresClipRepo) InsertClips(ctx context.Context, clips []model.Clip) (int64, error) {
	if len(clips) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	clipArgs := make([]any, 0, len(clips)*19)
	recentArgs := make([]any, 0, len(clips)*8)
	for i := range clips {
		c := &clips[i]
		categoryID, channelID, creatorID := refIDs(c)
		clipArgs = append(clipArgs,
			c.ID, nullString(c.LivestreamID), c.Title, categoryID, channelID, creatorID,
			nullString(c.ClipURL), nullString(c.ThumbnailURL), nullString(c.VideoURL), nullString(c.Privacy),
			c.Duration, c.CreatedAt, c.IsDateEstimated, c.IsMature,
			c.ViewCount, c.LikesCount, c.Score, c.IsBoosted, nullTime(c.LastViewRefresh),
		)
		recentArgs = append(recentArgs,
			c.ID, c.CreatedAt, categoryID, channelID,
			c.ViewCount, c.LikesCount, c.Score, nullTime(c.LastViewRefresh),
		)
	}

	result, err := tx.ExecContext(ctx,
		`INSERT INTO clips (id, livestream_id, title, category_id, channel_id, creator_id,
		                    clip_url, thumbnail_url, video_url, privacy,
		                    duration, created_at, is_date_estimated, is_mature,
		                    view_count, likes_count, score, is_boosted, last_view_refresh)
		 VALUES `+placeholders(len(clips), 19)+`
		 ON CONFLICT (id) DO NOTHING`,
		clipArgs...,
	)
	if err != nil {
		return 0, fmt.Errorf("クリップの挿入に失敗しました: %w", err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("挿入件数の取得に失敗しました: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO clips_recent (id, created_at, category_id, channel_id,
		                           view_count, likes_count, score, last_view_refresh)
		 VALUES `+placeholders(len(clips), 8)+`
		 ON CONFLICT (id) DO NOTHING`,
		recentArgs...,
	)
	if err != nil {
		return 0, fmt.Errorf("clips_recentへの挿入に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return inserted, nil
}

// placeholders は複数行INSERT用の "($1, $2), ($3, $4)" 形式のプレースホルダを生成する。
func placeholders(rows, cols int) string {
	var sb strings.Builder
	n := 1
	for i := 0; i < rows; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for j := 0; j < cols; j++ {
			if j > 0 {
				sb.WriteString(", ")
			}
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			n++
		}
		sb.WriteByte(')')
	}
	return sb.String()
}

// refIDs はクリップの参照先IDを外部キー列の値に変換する。IDが0の参照はNULLになる。
func refIDs(c *model.Clip) (category, channel, creator sql.NullInt64) {
	if c.Category != nil {
		category = nullInt64(c.Category.ID)
	}
	if c.Channel != nil {
		channel = nullInt64(c.Channel.ID)
	}
	if c.Creator != nil {
		creator = nullInt64(c.Creator.ID)
	}
	return category, channel, creator
}

func nullInt64(v int64) sql.NullInt64 {
	if v == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: v, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
