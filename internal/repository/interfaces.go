// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/clipfeed/internal/model"
)

// ClipRepository は取り込みパイプラインが使用する書き込みインターフェース。
type ClipRepository interface {
	// UpsertCategories はカテゴリをid単位でUPSERTする。
	UpsertCategories(ctx context.Context, refs []model.CategoryRef) error
	// UpsertUsers はユーザーをid単位でUPSERTする。
	UpsertUsers(ctx context.Context, refs []model.UserRef) error
	// UpsertChannels はチャンネルをid単位でUPSERTする。user_idが空の場合は既存値を保持する。
	UpsertChannels(ctx context.Context, refs []model.ChannelRef) error
	// InsertClips はクリップをclipsとclips_recentに挿入する。既存IDは無視する。
	// 挿入された件数を返す。
	InsertClips(ctx context.Context, clips []model.Clip) (int64, error)
}

// RefreshQuery はメトリクス再取得対象の抽出条件。
type RefreshQuery struct {
	// Since より新しいcreated_atのクリップが対象。
	Since time.Time
	// RefreshedBefore より前に再取得された（または未取得の）クリップが対象。
	RefreshedBefore time.Time
	// CategoryIDs が空の場合はカテゴリで絞り込まない。
	CategoryIDs []int64
}

// RefreshRepository はメトリクス再取得ワーカーの永続化インターフェース。
type RefreshRepository interface {
	// ListCategoryIDsByParent は親カテゴリに属するカテゴリIDを返す。
	ListCategoryIDsByParent(ctx context.Context, parent string) ([]int64, error)
	// ListRefreshCandidates は再取得対象のクリップを新しい順に返す。
	ListRefreshCandidates(ctx context.Context, q RefreshQuery) ([]model.RefreshCandidate, error)
	// UpdateMetrics はclipsとclips_recentの指標・スコア・再取得時刻を同一トランザクションで更新する。
	UpdateMetrics(ctx context.Context, id string, m model.Metrics, score float64, refreshedAt time.Time) error
}

// ScoreUpdate は1クリップ分のスコア更新。
type ScoreUpdate struct {
	ID    string
	Score float64
}

// RescoreRepository はスコア再計算ジョブの永続化インターフェース。
type RescoreRepository interface {
	// ListForRescore はidの昇順にafterIDより後のクリップをlimit件返す。
	// sinceがゼロ値でない場合はcreated_atがsince以降のクリップに限定する。
	ListForRescore(ctx context.Context, since time.Time, afterID string, limit int) ([]model.RefreshCandidate, error)
	// UpdateScores はスコアを同一トランザクションで更新する。
	UpdateScores(ctx context.Context, updates []ScoreUpdate) error
}

// FeedRepository はフィード配信の読み取りインターフェース。
type FeedRepository interface {
	// TopRecentIDs はsince以降に作成されたクリップのIDを視聴数の降順で最大limit件返す。
	// categoryIDsが空の場合はカテゴリで絞り込まない。
	TopRecentIDs(ctx context.Context, since time.Time, categoryIDs []int64, limit int) ([]string, error)
	// FindByIDs は指定IDのクリップを参照情報付きで返す。順序は保証しない。
	FindByIDs(ctx context.Context, ids []string) ([]model.Clip, error)
}
