// Package cleanup はclips_recentテーブルの保持期間外の行を削除するジョブを提供する。
// clips_recentは直近クリップのローリングウィンドウであり、clipsテーブルは削除しない。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// DefaultRetention はclips_recentの行を保持する期間。
const DefaultRetention = 168 * time.Hour

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Recorder は削除した行数を記録する。
type Recorder interface {
	RecordRecentPruned(count int64)
}

// PruneJob はclips_recentの保持期間外の行を削除するジョブ。
// 何度実行しても結果が変わらない。
type PruneJob struct {
	db        Executor
	recorder  Recorder
	logger    *slog.Logger
	Retention time.Duration
}

// NewPruneJob は新しいPruneJobを生成する。retentionが0以下の場合はDefaultRetentionを使用する。
// recorderはnilでもよい。
func NewPruneJob(db Executor, recorder Recorder, logger *slog.Logger, retention time.Duration) *PruneJob {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &PruneJob{
		db:        db,
		recorder:  recorder,
		logger:    logger,
		Retention: retention,
	}
}

// Start は指定間隔でジョブを実行する。起動直後に1回実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *PruneJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	_, _ = j.Run(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = j.Run(ctx)
		}
	}
}

// Run はcreated_atが保持期間より古いclips_recentの行を削除し、削除件数を返す。
// 削除対象がない場合でもエラーにならない。
func (j *PruneJob) Run(ctx context.Context) (int64, error) {
	start := time.Now()

	interval := fmt.Sprintf("%d seconds", int64(j.Retention/time.Second))

	query := `DELETE FROM clips_recent WHERE created_at < now() - $1::interval`
	result, err := j.db.ExecContext(ctx, query, interval)
	if err != nil {
		j.logger.Error("clips_recentの削除に失敗しました",
			slog.String("error", err.Error()),
			slog.Duration("retention", j.Retention),
		)
		return 0, fmt.Errorf("clips_recentの削除に失敗: %w", err)
	}

	deletedCount, err := result.RowsAffected()
	if err != nil {
		j.logger.Error("削除件数の取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("削除件数の取得に失敗: %w", err)
	}
	if j.recorder != nil {
		j.recorder.RecordRecentPruned(deletedCount)
	}

	duration := time.Since(start)
	j.logger.Info("clips_recentの削除が完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Duration("retention", j.Retention),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return deletedCount, nil
}
