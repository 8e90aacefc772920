// Package rescore は保存済みクリップのスコア一括再計算を提供する。
package rescore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/clipfeed/internal/repository"
)

// DefaultBatchSize は1回の読み書きで処理するクリップ数。
const DefaultBatchSize = 1000

// ClipScorer はフィールド単位の入力からスコアを計算するインターフェース。
type ClipScorer interface {
	ScoreFor(views int64, createdAt time.Time, duration float64, channel string) float64
}

// Recorder は再計算したクリップ数を記録する。
type Recorder interface {
	RecordRescored(count int)
}

// Result は再計算の集計結果。
type Result struct {
	Scanned int
	Updated int
	Boosted int
	Batches int
}

// Job はスコアの一括再計算ジョブ。
type Job struct {
	repo      repository.RescoreRepository
	scorer    ClipScorer
	recorder  Recorder
	logger    *slog.Logger
	batchSize int
}

// NewJob はJobの新しいインスタンスを生成する。batchSizeが0以下の場合はDefaultBatchSizeを使用する。
func NewJob(repo repository.RescoreRepository, scorer ClipScorer, recorder Recorder, logger *slog.Logger, batchSize int) *Job {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Job{
		repo:      repo,
		scorer:    scorer,
		recorder:  recorder,
		logger:    logger,
		batchSize: batchSize,
	}
}

// Run は全クリップ（sinceが非ゼロの場合はそれ以降に作成されたもの）のスコアを再計算する。
// idの昇順にbatchSize件ずつ読み込み、ブーストされたクリップはスキップする。
func (j *Job) Run(ctx context.Context, since time.Time) (*Result, error) {
	start := time.Now()
	res := &Result{}
	afterID := ""

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		batch, err := j.repo.ListForRescore(ctx, since, afterID, j.batchSize)
		if err != nil {
			return res, err
		}
		if len(batch) == 0 {
			break
		}
		res.Scanned += len(batch)
		afterID = batch[len(batch)-1].ID

		updates := make([]repository.ScoreUpdate, 0, len(batch))
		for _, c := range batch {
			if c.IsBoosted {
				res.Boosted++
				continue
			}
			updates = append(updates, repository.ScoreUpdate{
				ID:    c.ID,
				Score: j.scorer.ScoreFor(c.ViewCount, c.CreatedAt, c.Duration, c.ChannelUsername),
			})
		}

		if err := j.repo.UpdateScores(ctx, updates); err != nil {
			return res, fmt.Errorf("スコアの一括更新に失敗しました (after_id=%s): %w", afterID, err)
		}
		res.Updated += len(updates)
		res.Batches++
		if j.recorder != nil {
			j.recorder.RecordRescored(len(updates))
		}

		j.logger.Debug("スコアを再計算しました",
			slog.Int("batch", res.Batches),
			slog.Int("updated", len(updates)),
			slog.String("last_id", afterID),
		)

		if len(batch) < j.batchSize {
			break
		}
	}

	j.logger.Info("スコアの再計算が完了しました",
		slog.Int("scanned", res.Scanned),
		slog.Int("updated", res.Updated),
		slog.Int("boosted_skipped", res.Boosted),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return res, nil
}
