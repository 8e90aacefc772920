package clip

import (
	"cmp"
	"math"
	"slices"

	"github.com/hitoshi/clipfeed/internal/model"
)

// MergeStats はマージ処理の集計結果。
type MergeStats struct {
	Total      int // 出力件数
	Duplicates int // 既出IDのためスキップした件数
	Invalid    int // ID形式が不正なため除外した件数
}

// Merge は既存クリップと新規取得クリップをIDで重複排除して結合する。
// existing → incoming の順に走査し、最初に現れたレコードを採用する（先勝ち）。
// そのため既存クリップのフィールド（スコアを含む）は再取り込みで上書きされない。
// 出力はスコアの降順で安定ソートされる。
func Merge(existing, incoming []model.Clip) ([]model.Clip, MergeStats) {
	var stats MergeStats
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	out := make([]model.Clip, 0, len(existing)+len(incoming))

	add := func(c model.Clip) {
		if !ValidID(c.ID) {
			stats.Invalid++
			return
		}
		if _, ok := seen[c.ID]; ok {
			stats.Duplicates++
			return
		}
		seen[c.ID] = struct{}{}
		out = append(out, c)
	}
	for _, c := range existing {
		add(c)
	}
	for _, c := range incoming {
		add(c)
	}

	SortByScore(out)
	stats.Total = len(out)
	return out, stats
}

// SortByScore はクリップをスコアの降順で安定ソートする。NaNは0として扱う。
func SortByScore(clips []model.Clip) {
	slices.SortStableFunc(clips, func(a, b model.Clip) int {
		return cmp.Compare(sortKey(b.Score), sortKey(a.Score))
	})
}

func sortKey(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return v
}

// NewClips はincomingのうちexistingに存在しないIDのクリップを返す。
// ID形式が不正なもの、およびincoming内での2件目以降は除外する。
// 関係DBへ書き込む「新規」クリップの抽出に使用する。
func NewClips(existing, incoming []model.Clip) []model.Clip {
	known := make(map[string]struct{}, len(existing))
	for _, c := range existing {
		known[c.ID] = struct{}{}
	}
	var out []model.Clip
	for _, c := range incoming {
		if !ValidID(c.ID) {
			continue
		}
		if _, ok := known[c.ID]; ok {
			continue
		}
		known[c.ID] = struct{}{}
		out = append(out, c)
	}
	return out
}
