package refresh

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/hitoshi/clipfeed/internal/model"
)

// MetricsFetcher はクリップ単体のライブ指標を取得するインターフェース。
type MetricsFetcher interface {
	FetchClip(ctx context.Context, id string) (model.Metrics, error)
}

// ClipScorer はフィールド単位の入力からスコアを計算するインターフェース。
type ClipScorer interface {
	ScoreFor(views int64, createdAt time.Time, duration float64, channel string) float64
}

// MetricsWriter は再取得したメトリクスを保存するインターフェース。
type MetricsWriter interface {
	UpdateMetrics(ctx context.Context, id string, m model.Metrics, score float64, refreshedAt time.Time) error
}

// RefresherConfig はRefresherの設定パラメータ。
type RefresherConfig struct {
	// MaxRetries は1クリップあたりの最大試行回数（デフォルト: 3）。
	MaxRetries int
	// Gap は取得前の固定待機時間（デフォルト: 1s）。
	Gap time.Duration
	// Jitter は取得前待機に加える乱数幅。[0, Jitter) の一様乱数（デフォルト: 500ms）。
	Jitter time.Duration
}

// Refresher は1クリップ分のメトリクス再取得を行う。
// Pending → Fetching → {Success | MetricsMissing | 再試行 | Exhausted} の状態遷移を持つ。
type Refresher struct {
	fetcher MetricsFetcher
	scorer  ClipScorer
	writer  MetricsWriter
	logger  *slog.Logger
	cfg     RefresherConfig

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(n int64) int64
}

// NewRefresher はRefresherの新しいインスタンスを生成する。
func NewRefresher(fetcher MetricsFetcher, scorer ClipScorer, writer MetricsWriter, logger *slog.Logger, cfg RefresherConfig) *Refresher {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Gap < 0 {
		cfg.Gap = 0
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	return &Refresher{
		fetcher: fetcher,
		scorer:  scorer,
		writer:  writer,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
		sleep:   sleepContext,
		jitter:  rand.Int64N,
	}
}

// Refresh はクリップのメトリクスを取得し、スコアを再計算して保存する。
// 一時的な失敗は指数バックオフで再試行する。ブーストされたクリップはスコアを維持し、指標のみ更新する。
func (r *Refresher) Refresh(ctx context.Context, c model.RefreshCandidate) Outcome {
	logger := r.logger.With(slog.String("clip_id", c.ID))

	if err := r.sleep(ctx, r.preFetchDelay()); err != nil {
		return OutcomeCanceled
	}

	for attempt := 1; ; attempt++ {
		m, err := r.fetcher.FetchClip(ctx, c.ID)
		if err == nil {
			return r.store(ctx, logger, c, m)
		}

		kind := ClassifyError(err)
		switch kind {
		case FailureCanceled:
			return OutcomeCanceled
		case FailureMetricsMissing:
			logger.Info("クリップのメトリクスが存在しないためスキップしました")
			return OutcomeMetricsMissing
		case FailureNotFound:
			logger.Info("クリップが削除されているためスキップしました")
			return OutcomeNotFound
		}

		if attempt >= r.cfg.MaxRetries {
			logger.Warn("メトリクスの再取得が再試行上限に達しました",
				slog.Int("attempts", attempt),
				slog.String("error", err.Error()),
			)
			return OutcomeExhausted
		}

		backoff := CalculateBackoff(attempt)
		if kind == FailureRateLimited {
			logger.Warn("上流のレート制限を受けました。待機後に再試行します",
				slog.Int("attempt", attempt),
				slog.Duration("backoff", backoff),
			)
		} else {
			logger.Warn("メトリクスの再取得に失敗しました。待機後に再試行します",
				slog.Int("attempt", attempt),
				slog.Duration("backoff", backoff),
				slog.String("error", err.Error()),
			)
		}
		if err := r.sleep(ctx, backoff); err != nil {
			return OutcomeCanceled
		}
	}
}

func (r *Refresher) store(ctx context.Context, logger *slog.Logger, c model.RefreshCandidate, m model.Metrics) Outcome {
	score := c.Score
	if !c.IsBoosted {
		score = r.scorer.ScoreFor(m.ViewCount, c.CreatedAt, c.Duration, c.ChannelUsername)
	}
	if err := r.writer.UpdateMetrics(ctx, c.ID, m, score, r.now()); err != nil {
		logger.Error("メトリクスの保存に失敗しました",
			slog.String("error", err.Error()),
		)
		return OutcomeStoreFailed
	}
	logger.Debug("メトリクスを更新しました",
		slog.Int64("view_count", m.ViewCount),
		slog.Int64("likes_count", m.LikesCount),
		slog.Float64("score", score),
	)
	return OutcomeSuccess
}

func (r *Refresher) preFetchDelay() time.Duration {
	d := r.cfg.Gap
	if r.cfg.Jitter > 0 {
		d += time.Duration(r.jitter(int64(r.cfg.Jitter)))
	}
	return d
}

// sleepContext はdだけ待機する。コンテキストがキャンセルされた場合はその時点で戻る。
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
