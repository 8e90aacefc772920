// Package refresh は直近クリップのメトリクス再取得ワーカーを提供する。
// スケジューラ、上限付きワーカープール、リトライ/バックオフ戦略を含む。
package refresh

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/clipfeed/internal/model"
	"github.com/hitoshi/clipfeed/internal/repository"
)

// ClipRefresher は1クリップ分の再取得を行うインターフェース。
type ClipRefresher interface {
	Refresh(ctx context.Context, c model.RefreshCandidate) Outcome
}

// Recorder は再取得タスクの結果を記録する。
type Recorder interface {
	RecordRefreshOutcome(outcome string)
}

// SchedulerConfig はSchedulerの設定パラメータ。
type SchedulerConfig struct {
	// Workers は同時に実行するタスク数の上限（デフォルト: 2）。
	Workers int
	// Window は再取得対象とするクリップの作成日時の範囲（デフォルト: 72h）。
	Window time.Duration
	// Cooldown は前回の再取得からこの時間が経過したクリップのみ対象にする（デフォルト: 3h）。
	Cooldown time.Duration
	// ParentCategory は対象カテゴリの親カテゴリ（デフォルト: irl）。
	ParentCategory string
	// TaskTimeout は1タスクの実行時間の上限（デフォルト: 2m）。
	TaskTimeout time.Duration
}

// PassResult は1回の再取得パスの集計結果。
type PassResult struct {
	RunID      string
	Candidates int
	Dispatched int
	Outcomes   map[Outcome]int
}

// Scheduler はメトリクス再取得パスのスケジューリングと並列制御を行う。
// semaphoreパターンで同時実行数を制御する。
type Scheduler struct {
	repo      repository.RefreshRepository
	refresher ClipRefresher
	recorder  Recorder
	logger    *slog.Logger
	cfg       SchedulerConfig

	now func() time.Time
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。recorderはnilでもよい。
func NewScheduler(
	repo repository.RefreshRepository,
	refresher ClipRefresher,
	recorder Recorder,
	logger *slog.Logger,
	cfg SchedulerConfig,
) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.Window <= 0 {
		cfg.Window = 72 * time.Hour
	}
	if cfg.Cooldown < 0 {
		cfg.Cooldown = 0
	}
	if cfg.ParentCategory == "" {
		cfg.ParentCategory = "irl"
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 2 * time.Minute
	}
	return &Scheduler{
		repo:      repo,
		refresher: refresher,
		recorder:  recorder,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Start は指定間隔でスケジューラを起動する。起動直後に1回実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("メトリクス再取得スケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("workers", s.cfg.Workers),
	)

	if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("メトリクス再取得パスの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("メトリクス再取得スケジューラを停止しました")
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("メトリクス再取得パスの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は再取得対象のクリップを1回取得し、並列で再取得を実行する。
// コンテキストがキャンセルされると新規タスクの投入を止める。
// 実行中のタスクはキャンセルから切り離したコンテキストでTaskTimeoutまで継続する。
func (s *Scheduler) RunOnce(ctx context.Context) (*PassResult, error) {
	start := s.now()
	res := &PassResult{RunID: uuid.NewString(), Outcomes: make(map[Outcome]int)}
	logger := s.logger.With(slog.String("run_id", res.RunID))

	categoryIDs, err := s.repo.ListCategoryIDsByParent(ctx, s.cfg.ParentCategory)
	if err != nil {
		return res, err
	}
	if len(categoryIDs) == 0 {
		logger.Info("再取得対象のカテゴリがありません",
			slog.String("parent_category", s.cfg.ParentCategory),
		)
		return res, nil
	}

	candidates, err := s.repo.ListRefreshCandidates(ctx, repository.RefreshQuery{
		Since:           start.Add(-s.cfg.Window),
		RefreshedBefore: start.Add(-s.cfg.Cooldown),
		CategoryIDs:     categoryIDs,
	})
	if err != nil {
		return res, err
	}
	res.Candidates = len(candidates)
	if len(candidates) == 0 {
		logger.Info("再取得対象のクリップはありません")
		return res, nil
	}

	logger.Info("メトリクス再取得パスを開始します",
		slog.Int("candidate_count", len(candidates)),
		slog.Int("category_count", len(categoryIDs)),
	)

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, s.cfg.Workers)
	)
	detached := context.WithoutCancel(ctx)

dispatch:
	for _, c := range candidates {
		select {
		case <-ctx.Done():
			break dispatch
		case sem <- struct{}{}:
		}
		if ctx.Err() != nil {
			<-sem
			break dispatch
		}
		res.Dispatched++

		wg.Add(1)
		go func(c model.RefreshCandidate) {
			defer wg.Done()
			defer func() { <-sem }()

			taskCtx, cancel := context.WithTimeout(detached, s.cfg.TaskTimeout)
			defer cancel()

			outcome := s.refresher.Refresh(taskCtx, c)
			mu.Lock()
			res.Outcomes[outcome]++
			mu.Unlock()
			if s.recorder != nil {
				s.recorder.RecordRefreshOutcome(string(outcome))
			}
		}(c)
	}

	wg.Wait()

	attrs := []any{
		slog.Int("candidate_count", res.Candidates),
		slog.Int("dispatched", res.Dispatched),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	}
	for outcome, n := range res.Outcomes {
		attrs = append(attrs, slog.Int(string(outcome), n))
	}
	logger.Info("メトリクス再取得パスが完了しました", attrs...)

	return res, ctx.Err()
}
