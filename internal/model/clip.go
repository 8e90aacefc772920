package model

import "time"

// Clip は配信プラットフォームから取得したクリップを表す。
// JSONフィールド名はsnake_caseで、フラットファイルとAPI応答の両方で使用する。
type Clip struct {
	ID              string     `json:"id"`
	LivestreamID    string     `json:"livestream_id,omitempty"`
	Title           string     `json:"title"`
	ClipURL         string     `json:"clip_url,omitempty"`
	VideoURL        string     `json:"video_url,omitempty"`
	ThumbnailURL    string     `json:"thumbnail_url,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	IsDateEstimated bool       `json:"is_date_estimated,omitempty"` // created_atが欠落し取り込み時刻で補完した場合true
	ViewCount       int64      `json:"view_count"`
	LikesCount      int64      `json:"likes_count"`
	Duration        float64    `json:"duration"`
	Privacy         string     `json:"privacy,omitempty"`
	IsMature        bool       `json:"is_mature"`
	Score           float64    `json:"score"`
	IsBoosted       bool       `json:"is_boosted"`
	LastViewRefresh *time.Time `json:"last_view_refresh,omitempty"`

	Channel  *Channel  `json:"channel,omitempty"`
	Category *Category `json:"category,omitempty"`
	Creator  *Creator  `json:"creator,omitempty"`
}

// Channel はクリップが属するチャンネルを表す。
type Channel struct {
	ID             int64  `json:"id"`
	Username       string `json:"username"`
	Slug           string `json:"slug,omitempty"`
	ProfilePicture string `json:"profile_picture,omitempty"`
}

// Category はクリップのカテゴリを表す。
// ParentCategoryは上位グループ（例: "irl"）のスラッグ。
type Category struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	Slug           string `json:"slug,omitempty"`
	ParentCategory string `json:"parent_category,omitempty"`
}

// Creator はクリップを作成したユーザーを表す。
type Creator struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Slug     string `json:"slug,omitempty"`
}

// ChannelUsername はチャンネルのユーザー名を返す。チャンネルがない場合は空文字列。
func (c *Clip) ChannelUsername() string {
	if c.Channel == nil {
		return ""
	}
	return c.Channel.Username
}

// CategoryRef はcategoriesテーブルへのUPSERT用レコード。
type CategoryRef struct {
	ID             int64
	Name           string
	Slug           string
	ParentCategory string
}

// UserRef はusersテーブルへのUPSERT用レコード。
type UserRef struct {
	ID       int64
	Username string
	Slug     string
}

// ChannelRef はchannelsテーブルへのUPSERT用レコード。
// UserIDはクリップのcreatorから得られる場合のみ設定される。
type ChannelRef struct {
	ID             int64
	Username       string
	Slug           string
	ProfilePicture string
	UserID         *int64
}

// Refs は1バッチのクリップから抽出した参照レコード群。
// 外部キー制約のため categories → users → channels の順にUPSERTする。
type Refs struct {
	Categories []CategoryRef
	Users      []UserRef
	Channels   []ChannelRef
}

// Metrics はクリップ単体APIから取得したライブ指標。
type Metrics struct {
	ViewCount  int64
	LikesCount int64
}

// RefreshCandidate はメトリクス再取得の対象クリップを表す。
// ChannelUsernameとDurationはスコア再計算に使用する。
type RefreshCandidate struct {
	ID              string
	CreatedAt       time.Time
	ViewCount       int64
	Duration        float64
	ChannelUsername string
	IsBoosted       bool
	Score           float64
	LastViewRefresh *time.Time
}

// StreamerCount はチャンネルごとのクリップ数を表す。
type StreamerCount struct {
	Username  string `json:"username"`
	ClipCount int    `json:"clip_count"`
}
