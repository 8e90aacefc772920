// Package scoring はクリップのトレンドスコア計算を提供する。
// 取り込み時と定期的なメトリクス再取得時の両方で同じScorerを使用する。
package scoring

import (
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/hitoshi/clipfeed/internal/model"
)

// Variant はスコア計算方式を表す。
type Variant string

const (
	// VariantDecayed は複数シグナルを重み付けして時間減衰させる方式。
	// 評価ごとに乱数ジッターが掛かるため同一入力でも結果が揺らぐ。
	VariantDecayed Variant = "decayed"
	// VariantLogLinear は log10(views+1) から経過分数に比例した減衰を引く方式。
	VariantLogLinear Variant = "loglinear"
)

// Tier は配信者のティアを表す。TierNewのみボーナス対象。
type Tier string

const (
	TierNone      Tier = ""
	TierNew       Tier = "new"
	TierAffiliate Tier = "affiliate"
	TierPartner   Tier = "partner"
)

// Weights は減衰スコアの各シグナルの重み。
type Weights struct {
	Views    float64 // log2(view_count + 1) に掛かる
	Duration float64 // 1 / duration に掛かる
	Favorite float64 // お気に入り配信者フラグに掛かる
}

// Config はScorerの設定パラメータ。
type Config struct {
	Variant Variant

	Weights Weights
	// Gravity は経過時間に対する減衰指数（デフォルト: 1.8）。
	Gravity float64
	// Offset は経過時間（時間）に加算するオフセット（デフォルト: 2）。
	Offset float64
	// JitterFactor はジッターの上限。乗数は [1, 1+JitterFactor) の一様乱数（デフォルト: 0.02）。
	JitterFactor float64

	// DecayPerMinute は対数線形スコアの1分あたりの減衰量（デフォルト: 0.001）。
	DecayPerMinute float64
	// NewTierBonus はTierNewに加算するボーナス（デフォルト: 0.5）。
	NewTierBonus float64

	// PriorityStreamers はスコアをブーストするチャンネルのユーザー名（大文字小文字を区別しない）。
	PriorityStreamers []string
	// PriorityBoost は優先配信者のスコアに掛ける係数（デフォルト: 1.5）。
	PriorityBoost float64
	// FavoriteStreamers は減衰スコアのお気に入りシグナルの対象チャンネル。
	FavoriteStreamers []string
}

// DefaultPriorityStreamers は優先配信者の既定リスト。
var DefaultPriorityStreamers = []string{
	"iceposeidon", "adinross", "ac7ionman", "dariusirl", "chickenandy",
	"amouranth", "sambond", "kangjoel", "shoovy",
}

// DefaultFavoriteStreamers はお気に入り配信者の既定リスト。
var DefaultFavoriteStreamers = []string{
	"SamBond", "Ice Poseidon", "sweatergxd", "fqnos", "shoovy", "Amouranth",
	"ChickenAndy", "n3on", "TAEMIN1998", "alondrissa", "AdrianahLee",
}

// DefaultConfig はデフォルトのスコア設定を返す。
func DefaultConfig() Config {
	return Config{
		Variant: VariantLogLinear,
		Weights: Weights{
			Views:    1.0,
			Duration: 0.5,
			Favorite: 2.0,
		},
		Gravity:           1.8,
		Offset:            2,
		JitterFactor:      0.02,
		DecayPerMinute:    0.001,
		NewTierBonus:      0.5,
		PriorityStreamers: DefaultPriorityStreamers,
		PriorityBoost:     1.5,
		FavoriteStreamers: DefaultFavoriteStreamers,
	}
}

// Scorer はトレンドスコアを計算する。
// 状態を持たないため複数goroutineから安全に利用できる。
type Scorer struct {
	config    Config
	priority  map[string]struct{}
	favorites map[string]struct{}

	now    func() time.Time
	jitter func() float64 // [0, 1) の一様乱数
}

// NewScorer はScorerの新しいインスタンスを生成する。
func NewScorer(config Config) *Scorer {
	if config.Variant == "" {
		config.Variant = VariantLogLinear
	}
	if config.PriorityBoost <= 0 {
		config.PriorityBoost = 1
	}
	s := &Scorer{
		config:    config,
		priority:  lowerSet(config.PriorityStreamers),
		favorites: lowerSet(config.FavoriteStreamers),
		now:       time.Now,
		jitter:    rand.Float64,
	}
	return s
}

func lowerSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}

// Variant は使用中のスコア計算方式を返す。
func (s *Scorer) Variant() Variant {
	return s.config.Variant
}

// Decayed は複数シグナルの減衰スコアを計算する。
// 経過時間は1時間を下限とし、durationが0以下の場合は1秒として扱う。
func (s *Scorer) Decayed(views int64, createdAt time.Time, duration float64, favorite bool) float64 {
	ageHours := s.age(createdAt).Hours()
	if ageHours < 1 {
		ageHours = 1
	}
	if duration <= 0 || math.IsNaN(duration) {
		duration = 1
	}

	raw := s.config.Weights.Views*math.Log2(float64(nonNegative(views))+1) +
		s.config.Weights.Duration*(1/duration)
	if favorite {
		raw += s.config.Weights.Favorite
	}

	decayed := raw / math.Pow(ageHours+s.config.Offset, s.config.Gravity)
	jitter := 1 + s.jitter()*s.config.JitterFactor
	return finite(decayed * jitter)
}

// LogLinear は対数線形の減衰スコアを計算する。
// 経過時間は1分を下限とする。
func (s *Scorer) LogLinear(views int64, createdAt time.Time, tier Tier) float64 {
	ageMinutes := s.age(createdAt).Minutes()
	if ageMinutes < 1 {
		ageMinutes = 1
	}
	score := math.Log10(float64(nonNegative(views))+1) - s.config.DecayPerMinute*ageMinutes
	if tier == TierNew {
		score += s.config.NewTierBonus
	}
	return finite(score)
}

// Score は設定された方式でクリップのスコアを計算し、優先配信者ブーストを適用する。
// ブーストは減衰計算の後に1回だけ掛かり、正のスコアにのみ適用される。
func (s *Scorer) Score(clip *model.Clip) float64 {
	return s.ScoreFor(clip.ViewCount, clip.CreatedAt, clip.Duration, clip.ChannelUsername())
}

// ScoreFor はフィールド単位の入力からスコアを計算する。
// メトリクス再取得ではクリップ全体を持たないため、こちらを使用する。
func (s *Scorer) ScoreFor(views int64, createdAt time.Time, duration float64, channel string) float64 {
	var base float64
	switch s.config.Variant {
	case VariantDecayed:
		base = s.Decayed(views, createdAt, duration, s.IsFavorite(channel))
	default:
		base = s.LogLinear(views, createdAt, TierNone)
	}
	if base > 0 && s.IsPriority(channel) {
		base *= s.config.PriorityBoost
	}
	return finite(base)
}

// IsPriority はチャンネルが優先配信者リストに含まれるかを返す。
func (s *Scorer) IsPriority(channel string) bool {
	_, ok := s.priority[strings.ToLower(channel)]
	return ok && channel != ""
}

// IsFavorite はチャンネルがお気に入り配信者リストに含まれるかを返す。
func (s *Scorer) IsFavorite(channel string) bool {
	_, ok := s.favorites[strings.ToLower(channel)]
	return ok && channel != ""
}

// age は作成日時からの経過時間を返す。ゼロ値の作成日時は現在時刻として扱う。
func (s *Scorer) age(createdAt time.Time) time.Duration {
	if createdAt.IsZero() {
		return 0
	}
	return s.now().Sub(createdAt)
}

func nonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

// finite はNaNと無限大を0に丸める。
func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
