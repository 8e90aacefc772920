// Package feed はフィード配信のドメインロジックを提供する。
// スコア上位の候補プールからページを切り出し、ページ内の表示順のみをシャッフルする。
package feed

import (
	"cmp"
	"context"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/hitoshi/clipfeed/internal/model"
	"github.com/hitoshi/clipfeed/internal/storage"
)

const (
	// DefaultPageSize はpageSize未指定時の1ページあたり件数。
	DefaultPageSize = 20
	// MaxPageSize は1ページあたり件数の上限。
	MaxPageSize = 50
	// minPoolSize は候補プールの最小サイズ。
	minPoolSize = 200
	// maxHeadroom は候補プールに上乗せする件数の上限。
	maxHeadroom = 120
	// maxPoolOffset はページ先頭位置の上限。これを超えるページは常に空。
	maxPoolOffset = 100_000

	// DefaultRecommendDays はおすすめ配信者の集計期間（日）。
	DefaultRecommendDays = 3
	// DefaultRecommendLimit はおすすめ配信者の件数。
	DefaultRecommendLimit = 5
	// maxRecommendDays は集計期間の上限（日）。
	maxRecommendDays = 30
	// recommendPoolSize はおすすめ配信者の集計に使う候補プールのサイズ。
	recommendPoolSize = 500
)

// Recorder はフィード配信のメトリクスを記録する。
type Recorder interface {
	RecordFeedServed(count int)
}

// Service はフィードのページングとおすすめ配信者の集計を行う。
// 共有する可変状態を持たないため、複数リクエストから同時に利用できる。
type Service struct {
	store    storage.Store
	recorder Recorder

	now     func() time.Time
	shuffle func(n int, swap func(i, j int))
}

// NewService はServiceの新しいインスタンスを生成する。recorderはnilでもよい。
func NewService(store storage.Store, recorder Recorder) *Service {
	return &Service{
		store:    store,
		recorder: recorder,
		now:      time.Now,
		shuffle:  rand.Shuffle,
	}
}

// ClampPage はページ番号を1以上、ページサイズを[1, MaxPageSize]に丸める。
func ClampPage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	return page, min(max(pageSize, 1), MaxPageSize)
}

// PoolSize はページ取得に必要な候補プールのサイズを返す。
// max(page×size + min(120, ceil(1.5×size)), 200)。
func PoolSize(page, pageSize int) int {
	headroom := min(maxHeadroom, (3*pageSize+1)/2)
	return max(page*pageSize+headroom, minPoolSize)
}

// GetPage はpage番目（1始まり）のクリップを返す。
// 候補プールの順位でページの所属が決まり、ページ内の順序は呼び出しごとにシャッフルされる。
// プールが空の場合やストレージ障害時は空のスライスを返す。
func (s *Service) GetPage(ctx context.Context, page, pageSize int) []model.Clip {
	page, pageSize = ClampPage(page, pageSize)
	if page-1 > maxPoolOffset/pageSize {
		s.record(0)
		return []model.Clip{}
	}

	ids := s.store.TopClipIDs(ctx, PoolSize(page, pageSize))
	pool := s.store.GetClips(ctx, ids)

	start := (page - 1) * pageSize
	if start >= len(pool) {
		s.record(0)
		return []model.Clip{}
	}
	end := min(start+pageSize, len(pool))

	out := make([]model.Clip, end-start)
	copy(out, pool[start:end])
	s.shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })

	s.record(len(out))
	return out
}

// RecommendedStreamers は直近days日に作成されたクリップ数が多いチャンネルを最大limit件返す。
// 件数が同じ場合は候補プール内で先に現れたチャンネルを優先する。
func (s *Service) RecommendedStreamers(ctx context.Context, days, limit int) []model.StreamerCount {
	if days < 1 {
		days = DefaultRecommendDays
	}
	days = min(days, maxRecommendDays)
	if limit < 1 {
		limit = DefaultRecommendLimit
	}
	limit = min(limit, MaxPageSize)

	cutoff := s.now().AddDate(0, 0, -days)
	clips := s.store.GetClips(ctx, s.store.TopClipIDs(ctx, recommendPoolSize))

	counts := make(map[string]int)
	var order []string
	for _, c := range clips {
		user := c.ChannelUsername()
		if user == "" || !c.CreatedAt.After(cutoff) {
			continue
		}
		if _, ok := counts[user]; !ok {
			order = append(order, user)
		}
		counts[user]++
	}

	out := make([]model.StreamerCount, 0, len(order))
	for _, user := range order {
		out = append(out, model.StreamerCount{Username: user, ClipCount: counts[user]})
	}
	slices.SortStableFunc(out, func(a, b model.StreamerCount) int {
		return cmp.Compare(b.ClipCount, a.ClipCount)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *Service) record(n int) {
	if s.recorder != nil {
		s.recorder.RecordFeedServed(n)
	}
}
