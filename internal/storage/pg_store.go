package storage

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/hitoshi/clipfeed/internal/model"
	"github.com/hitoshi/clipfeed/internal/repository"
)

// DefaultWindow はpgバックエンドが対象とするcreated_atの期間のデフォルト値。
const DefaultWindow = 72 * time.Hour

// DefaultCategoryIDs はpgバックエンドが対象とするカテゴリのデフォルト値。
var DefaultCategoryIDs = []int64{8549, 8548, 28, 16, 8379}

// PGConfig はPGStoreの設定パラメータ。
type PGConfig struct {
	Window      time.Duration
	CategoryIDs []int64
}

// PGStore はリレーショナルバックエンドのStore実装。
// 上位IDはclips_recentから視聴数順に、本体はclips_feedビューから取得する。
type PGStore struct {
	repo        repository.FeedRepository
	logger      *slog.Logger
	window      time.Duration
	categoryIDs []int64
	now         func() time.Time
}

var _ Store = (*PGStore)(nil)

// NewPGStore はPGStoreを生成する。Windowが0以下の場合はDefaultWindowを使用する。
func NewPGStore(repo repository.FeedRepository, logger *slog.Logger, cfg PGConfig) *PGStore {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	return &PGStore{
		repo:        repo,
		logger:      logger,
		window:      cfg.Window,
		categoryIDs: cfg.CategoryIDs,
		now:         time.Now,
	}
}

// TopClipIDs は期間内・対象カテゴリのクリップIDを視聴数の降順で返す。
// 重複除去後に不足しないようlimitの2倍を取得してから切り詰める。
func (s *PGStore) TopClipIDs(ctx context.Context, limit int) []string {
	if limit <= 0 {
		return []string{}
	}
	since := s.now().Add(-s.window)
	fetch := limit * 2
	if limit > math.MaxInt/2 {
		fetch = math.MaxInt
	}
	ids, err := s.repo.TopRecentIDs(ctx, since, s.categoryIDs, fetch)
	if err != nil {
		s.logger.Error("上位クリップIDの取得に失敗しました",
			slog.Int("limit", limit),
			slog.String("error", err.Error()),
		)
		return []string{}
	}

	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, min(limit, len(ids)))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
		if len(out) == limit {
			break
		}
	}
	return out
}

// GetClips はclips_feedビューからクリップを取得し、指定順に並べて返す。
// 重複したIDは最初の位置のみ返す。
func (s *PGStore) GetClips(ctx context.Context, ids []string) []model.Clip {
	if len(ids) == 0 {
		return []model.Clip{}
	}
	found, err := s.repo.FindByIDs(ctx, ids)
	if err != nil {
		s.logger.Error("クリップの取得に失敗しました",
			slog.Int("count", len(ids)),
			slog.String("error", err.Error()),
		)
		return []model.Clip{}
	}

	byID := make(map[string]model.Clip, len(found))
	for _, c := range found {
		byID[c.ID] = c
	}
	out := make([]model.Clip, 0, len(ids))
	for _, id := range ids {
		c, ok := byID[id]
		if !ok {
			continue
		}
		// 取り出したIDを消し、重複指定は最初の位置のみ残す
		delete(byID, id)
		out = append(out, c)
	}
	return out
}
