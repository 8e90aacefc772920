package storage

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/clipfeed/internal/clip"
	"github.com/hitoshi/clipfeed/internal/model"
	"github.com/hitoshi/clipfeed/internal/seed"
)

// JSONStore はシードファイルを起動時に一度だけ読み込むStore実装。
// 読み込み後は不変のため、並行アクセスにロックを必要としない。
type JSONStore struct {
	ordered []string
	byID    map[string]model.Clip
}

var _ Store = (*JSONStore)(nil)

// NewJSONStore はシードファイルを読み込んでJSONStoreを生成する。
// 読み込みに失敗した場合はエラーをログに記録し、空のStoreを返す。
func NewJSONStore(path string, logger *slog.Logger) *JSONStore {
	clips, err := seed.Load(path, time.Now())
	if err != nil {
		logger.Error("シードファイルを読み込めないため空のフィードで起動します",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		clips = nil
	}
	return newJSONStoreFromClips(clips)
}

// newJSONStoreFromClips はクリップ列から重複と不正IDを除き、スコアの降順で索引を構築する。
func newJSONStoreFromClips(clips []model.Clip) *JSONStore {
	merged, _ := clip.Merge(clips, nil)
	s := &JSONStore{
		ordered: make([]string, 0, len(merged)),
		byID:    make(map[string]model.Clip, len(merged)),
	}
	for _, c := range merged {
		s.ordered = append(s.ordered, c.ID)
		s.byID[c.ID] = c
	}
	return s
}

// TopClipIDs はスコア上位のクリップIDを返す。
func (s *JSONStore) TopClipIDs(_ context.Context, limit int) []string {
	if limit <= 0 {
		return []string{}
	}
	if limit > len(s.ordered) {
		limit = len(s.ordered)
	}
	out := make([]string, limit)
	copy(out, s.ordered[:limit])
	return out
}

// GetClips は指定IDのクリップを指定順で返す。
// 同じIDが複数回指定された場合は最初の位置にのみ含める。
func (s *JSONStore) GetClips(_ context.Context, ids []string) []model.Clip {
	out := make([]model.Clip, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		c, ok := s.byID[id]
		if !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, c)
	}
	return out
}

// Len は保持しているクリップ数を返す。
func (s *JSONStore) Len() int {
	return len(s.ordered)
}
