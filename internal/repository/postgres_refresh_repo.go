package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/clipfeed/internal/model"
)

// refreshPageSize は再取得対象を読み出す際の1クエリあたりの件数。
const refreshPageSize = 1000

// ListCategoryIDsByParent は親カテゴリ（大文字小文字を区別しない）に属するカテゴリIDを返す。
func (r *PostgresClipRepo) ListCategoryIDsByParent(ctx context.Context, parent string) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM categories WHERE lower(parent_category) = lower($1) ORDER BY id`,
		parent,
	)
	if err != nil {
		return nil, fmt.Errorf("カテゴリIDの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("カテゴリIDのスキャンに失敗しました: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("カテゴリIDの反復処理に失敗しました: %w", err)
	}
	return ids, nil
}

// ListRefreshCandidates は再取得対象のクリップをcreated_atの降順で返す。
// 件数が多い場合に備えrefreshPageSize件ずつOFFSETで読み進める。
func (r *PostgresClipRepo) ListRefreshCandidates(ctx context.Context, q RefreshQuery) ([]model.RefreshCandidate, error) {
	query := `SELECT r.id, r.created_at, r.view_count, c.duration, ch.username,
	                 c.is_boosted, r.score, r.last_view_refresh
	          FROM clips_recent r
	          INNER JOIN clips c ON c.id = r.id
	          LEFT JOIN channels ch ON ch.id = r.channel_id
	          WHERE r.created_at >= $1
	            AND (r.last_view_refresh IS NULL OR r.last_view_refresh < $2)`
	args := []any{q.Since, q.RefreshedBefore}
	if len(q.CategoryIDs) > 0 {
		query += ` AND r.category_id = ANY($3)`
		args = append(args, pq.Array(q.CategoryIDs))
	}
	n := len(args)
	query += fmt.Sprintf(` ORDER BY r.created_at DESC, r.id LIMIT $%d OFFSET $%d`, n+1, n+2)

	var candidates []model.RefreshCandidate
	for offset := 0; ; offset += refreshPageSize {
		page, err := r.queryCandidates(ctx, query, append(args, refreshPageSize, offset)...)
		if err != nil {
			return nil, fmt.Errorf("再取得対象の取得に失敗しました: %w", err)
		}
		candidates = append(candidates, page...)
		if len(page) < refreshPageSize {
			return candidates, nil
		}
	}
}

// UpdateMetrics はclipsとclips_recentの指標を同一トランザクションで更新する。
func (r *PostgresClipRepo) UpdateMetrics(ctx context.Context, id string, m model.Metrics, score float64, refreshedAt time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"clips", "clips_recent"} {
		_, err := tx.ExecContext(ctx,
			`UPDATE `+table+`
			 SET view_count = $2, likes_count = $3, score = $4, last_view_refresh = $5
			 WHERE id = $1`,
			id, m.ViewCount, m.LikesCount, score, refreshedAt,
		)
		if err != nil {
			return fmt.Errorf("%sの指標更新に失敗しました: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// ListForRescore はidの昇順でafterIDより後のクリップをlimit件返す。
func (r *PostgresClipRepo) ListForRescore(ctx context.Context, since time.Time, afterID string, limit int) ([]model.RefreshCandidate, error) {
	var sinceArg sql.NullTime
	if !since.IsZero() {
		sinceArg = sql.NullTime{Time: since, Valid: true}
	}
	candidates, err := r.queryCandidates(ctx,
		`SELECT c.id, c.created_at, c.view_count, c.duration, ch.username,
		        c.is_boosted, c.score, c.last_view_refresh
		 FROM clips c
		 LEFT JOIN channels ch ON ch.id = c.channel_id
		 WHERE c.id > $1
		   AND ($2::timestamptz IS NULL OR c.created_at >= $2)
		 ORDER BY c.id
		 LIMIT $3`,
		afterID, sinceArg, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("再計算対象の取得に失敗しました: %w", err)
	}
	return candidates, nil
}

// UpdateScores はclipsとclips_recentのスコアを同一トランザクションで更新する。
func (r *PostgresClipRepo) UpdateScores(ctx context.Context, updates []ScoreUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"clips", "clips_recent"} {
		stmt, err := tx.PrepareContext(ctx, `UPDATE `+table+` SET score = $2 WHERE id = $1`)
		if err != nil {
			return fmt.Errorf("%sのスコア更新文の準備に失敗しました: %w", table, err)
		}
		for _, u := range updates {
			if _, err := stmt.ExecContext(ctx, u.ID, u.Score); err != nil {
				stmt.Close()
				return fmt.Errorf("%sのスコア更新に失敗しました (id=%s): %w", table, u.ID, err)
			}
		}
		stmt.Close()
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

func (r *PostgresClipRepo) queryCandidates(ctx context.Context, query string, args ...any) ([]model.RefreshCandidate, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []model.RefreshCandidate
	for rows.Next() {
		var (
			c           model.RefreshCandidate
			duration    sql.NullFloat64
			username    sql.NullString
			lastRefresh sql.NullTime
		)
		if err := rows.Scan(&c.ID, &c.CreatedAt, &c.ViewCount, &duration, &username,
			&c.IsBoosted, &c.Score, &lastRefresh); err != nil {
			return nil, err
		}
		c.Duration = duration.Float64
		c.ChannelUsername = nullStringValue(username)
		if lastRefresh.Valid {
			t := lastRefresh.Time
			c.LastViewRefresh = &t
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}
