// Package ingest はクリップの取り込みパスを提供する。
// 上流の一覧エンドポイントをカーソルで順に取得し、スコア付け・マージを行い、
// 新規クリップを関係DBに、全体をシードファイルに書き込む。
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/clipfeed/internal/clip"
	"github.com/hitoshi/clipfeed/internal/model"
	"github.com/hitoshi/clipfeed/internal/repository"
	"github.com/hitoshi/clipfeed/internal/seed"
	"github.com/hitoshi/clipfeed/internal/upstream"
)

// ErrFirstPageFailed は1件も取得できないまま上流エラーで停止した場合のエラー。
// この場合シードファイルは書き換えない。
var ErrFirstPageFailed = errors.New("最初のページの取得に失敗しました")

// PageFetcher は一覧エンドポイントのページ取得インターフェース。
type PageFetcher interface {
	FetchPage(ctx context.Context, cursor string) (*upstream.Page, error)
}

// ClipScorer はクリップのスコア計算インターフェース。
type ClipScorer interface {
	Score(clip *model.Clip) float64
}

// TitleSanitizer はタイトルの無害化インターフェース。
type TitleSanitizer interface {
	Sanitize(title string) string
}

// MediaURLGuard はメディアURLの検証インターフェース。不正なURLには空文字列を返す。
type MediaURLGuard interface {
	MediaURL(rawURL string) string
}

// Recorder は取り込みのメトリクスを記録する。
type Recorder interface {
	RecordIngestPage(outcome string)
	RecordIngestRun(result string, fetched, inserted int, duration time.Duration)
}

// Config はPipelineの設定パラメータ。
type Config struct {
	SeedFilePath string
	// TargetCount は1パスで取得するクリップ数の目安（デフォルト: 7000）。
	TargetCount int
	// PageSize は上流の1ページあたり件数。最大ページ数の算出に使用する（デフォルト: 20）。
	PageSize int
	// PageDelay はページ間の待機時間（デフォルト: 850ms）。
	PageDelay time.Duration
	// BatchSize は関係DBへの書き込み単位（デフォルト: 250）。
	BatchSize int
}

func (c *Config) applyDefaults() {
	if c.TargetCount <= 0 {
		c.TargetCount = 7000
	}
	if c.PageSize <= 0 {
		c.PageSize = 20
	}
	if c.PageDelay < 0 {
		c.PageDelay = 0
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 250
	}
}

// MaxPages は1パスで取得する最大ページ数を返す。
func (c Config) MaxPages() int {
	return (c.TargetCount + c.PageSize - 1) / c.PageSize
}

// Result は1回の取り込みパスの結果。
type Result struct {
	RunID         string
	Pages         int
	Fetched       int
	Total         int
	Duplicates    int
	Invalid       int
	NewClips      int
	Inserted      int64
	FailedBatches int
	// Halted はページング途中で停止した原因。最後まで取得できた場合はnil。
	Halted error
}

// Pipeline は取り込みパスを実行する。
type Pipeline struct {
	fetcher  PageFetcher
	scorer   ClipScorer
	repo     repository.ClipRepository
	titles   TitleSanitizer
	urls     MediaURLGuard
	recorder Recorder
	logger   *slog.Logger
	cfg      Config

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPipeline はPipelineの新しいインスタンスを生成する。
// repoがnilの場合はシードファイルのみに書き込む。recorderはnilでもよい。
func NewPipeline(
	fetcher PageFetcher,
	scorer ClipScorer,
	repo repository.ClipRepository,
	titles TitleSanitizer,
	urls MediaURLGuard,
	recorder Recorder,
	logger *slog.Logger,
	cfg Config,
) *Pipeline {
	cfg.applyDefaults()
	return &Pipeline{
		fetcher:  fetcher,
		scorer:   scorer,
		repo:     repo,
		titles:   titles,
		urls:     urls,
		recorder: recorder,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
		sleep:    sleepContext,
	}
}

// Start は指定間隔で取り込みパスを繰り返す。起動直後に1回実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (p *Pipeline) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.logger.Info("取り込みスケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("target_count", p.cfg.TargetCount),
	)

	p.runLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("取り込みスケジューラを停止しました")
			return
		case <-ticker.C:
			p.runLogged(ctx)
		}
	}
}

func (p *Pipeline) runLogged(ctx context.Context) {
	if _, err := p.RunOnce(ctx); err != nil && ctx.Err() == nil {
		p.logger.Error("取り込みパスの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// RunOnce は取り込みパスを1回実行する。
func (p *Pipeline) RunOnce(ctx context.Context) (*Result, error) {
	start := p.now()
	res := &Result{RunID: uuid.NewString()}
	logger := p.logger.With(slog.String("run_id", res.RunID))

	fetched, halted, err := p.crawl(ctx, logger, res)
	if err != nil {
		p.recordRun("failed", res, time.Since(start))
		return res, err
	}
	res.Halted = halted
	res.Fetched = len(fetched)

	now := p.now()
	for i := range fetched {
		p.prepare(&fetched[i])
	}

	existing, err := seed.Load(p.cfg.SeedFilePath, now)
	if err != nil {
		p.recordRun("failed", res, time.Since(start))
		return res, fmt.Errorf("既存のシードファイルを読み込めないため書き込みを中止しました: %w", err)
	}

	merged, stats := clip.Merge(existing, fetched)
	res.Total = stats.Total
	res.Duplicates = stats.Duplicates
	res.Invalid = stats.Invalid

	fresh := clip.NewClips(existing, fetched)
	res.NewClips = len(fresh)
	if p.repo != nil {
		p.persist(ctx, logger, fresh, res)
	}

	if err := seed.Save(p.cfg.SeedFilePath, merged); err != nil {
		p.recordRun("failed", res, time.Since(start))
		return res, err
	}

	result := "success"
	if halted != nil {
		result = "partial"
	}
	p.recordRun(result, res, time.Since(start))

	logger.Info("取り込みパスが完了しました",
		slog.Int("pages", res.Pages),
		slog.Int("fetched", res.Fetched),
		slog.Int("total", res.Total),
		slog.Int("duplicates", res.Duplicates),
		slog.Int("invalid", res.Invalid),
		slog.Int("new_clips", res.NewClips),
		slog.Int64("inserted", res.Inserted),
		slog.Int("failed_batches", res.FailedBatches),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return res, nil
}

// crawl はカーソルを辿って一覧ページを順に取得する。
// 途中の上流エラーはページングを止める理由としてhaltedに返し、取得済みのクリップは保持する。
// 1件も取得できずに上流エラーで止まった場合はErrFirstPageFailedを返す。
func (p *Pipeline) crawl(ctx context.Context, logger *slog.Logger, res *Result) (clips []model.Clip, halted error, err error) {
	maxPages := p.cfg.MaxPages()
	cursor := ""

	for page := 0; page < maxPages && len(clips) < p.cfg.TargetCount; page++ {
		if page > 0 {
			if err := p.sleep(ctx, p.cfg.PageDelay); err != nil {
				return nil, nil, err
			}
		}

		pg, fetchErr := p.fetcher.FetchPage(ctx, cursor)
		res.Pages++
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, nil, ctxErr
		}

		if fetchErr != nil {
			if errors.Is(fetchErr, upstream.ErrMalformedPayload) {
				p.recordPage("malformed")
				if pg != nil && pg.NextCursor != "" && pg.NextCursor != cursor {
					logger.Warn("形式が不正なページをスキップしました",
						slog.Int("page", page+1),
						slog.String("error", fetchErr.Error()),
					)
					cursor = pg.NextCursor
					continue
				}
			} else {
				p.recordPage("error")
			}

			if len(clips) == 0 {
				return nil, nil, fmt.Errorf("%w: %w", ErrFirstPageFailed, fetchErr)
			}
			logAttrs := []any{
				slog.Int("page", page+1),
				slog.Int("fetched", len(clips)),
				slog.String("error", fetchErr.Error()),
			}
			var upErr *upstream.UpstreamError
			if errors.As(fetchErr, &upErr) && upErr.IsRateLimited() {
				logger.Warn("上流のレート制限によりページングを停止しました", logAttrs...)
			} else {
				logger.Warn("上流エラーによりページングを停止しました", logAttrs...)
			}
			return clips, fetchErr, nil
		}

		p.recordPage("ok")
		if pg.Invalid > 0 {
			logger.Debug("正規化できないレコードを除外しました",
				slog.Int("page", page+1),
				slog.Int("invalid", pg.Invalid),
			)
		}
		clips = append(clips, pg.Clips...)
		if pg.NextCursor == "" {
			break
		}
		cursor = pg.NextCursor
	}
	return clips, nil, nil
}

// prepare はタイトルとメディアURLを無害化し、スコアを付与する。
func (p *Pipeline) prepare(c *model.Clip) {
	if p.titles != nil {
		c.Title = p.titles.Sanitize(c.Title)
	}
	if p.urls != nil {
		c.ClipURL = p.urls.MediaURL(c.ClipURL)
		c.VideoURL = p.urls.MediaURL(c.VideoURL)
		c.ThumbnailURL = p.urls.MediaURL(c.ThumbnailURL)
		if c.Channel != nil {
			c.Channel.ProfilePicture = p.urls.MediaURL(c.Channel.ProfilePicture)
		}
	}
	c.Score = p.scorer.Score(c)
}

// persist は新規クリップをBatchSize単位で関係DBに書き込む。
// 参照レコードは外部キー制約のため categories → users → channels の順にUPSERTする。
// 失敗したバッチはログに記録してスキップする。
func (p *Pipeline) persist(ctx context.Context, logger *slog.Logger, fresh []model.Clip, res *Result) {
	for start := 0; start < len(fresh); start += p.cfg.BatchSize {
		end := min(start+p.cfg.BatchSize, len(fresh))
		batch := fresh[start:end]

		inserted, err := p.writeBatch(ctx, batch)
		if err != nil {
			res.FailedBatches++
			logger.Error("クリップバッチの書き込みに失敗しました",
				slog.Int("batch_start", start),
				slog.Int("batch_size", len(batch)),
				slog.String("error", err.Error()),
			)
			continue
		}
		res.Inserted += inserted
	}
}

func (p *Pipeline) writeBatch(ctx context.Context, batch []model.Clip) (int64, error) {
	refs := clip.ExtractRefs(batch)
	if err := p.repo.UpsertCategories(ctx, refs.Categories); err != nil {
		return 0, err
	}
	if err := p.repo.UpsertUsers(ctx, refs.Users); err != nil {
		return 0, err
	}
	if err := p.repo.UpsertChannels(ctx, refs.Channels); err != nil {
		return 0, err
	}
	return p.repo.InsertClips(ctx, batch)
}

func (p *Pipeline) recordPage(outcome string) {
	if p.recorder != nil {
		p.recorder.RecordIngestPage(outcome)
	}
}

func (p *Pipeline) recordRun(result string, res *Result, d time.Duration) {
	if p.recorder != nil {
		p.recorder.RecordIngestRun(result, res.Fetched, int(res.Inserted), d)
	}
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
