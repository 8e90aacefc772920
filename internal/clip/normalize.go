// Package clip はクリップレコードの正規化、重複排除マージ、参照レコード抽出を提供する。
// 上流APIのページとフラットファイルの両方をここで同じ正規形に変換する。
package clip

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/clipfeed/internal/model"
)

// ErrShapeMismatch はJSONドキュメントが配列でも {clips:[...]} でもない場合のエラー。
var ErrShapeMismatch = errors.New("クリップ配列を含まないJSONドキュメントです")

// Shape はデコードしたドキュメントの形を表す。
type Shape int

const (
	// ShapeObject は {clips: [...], nextCursor: ...} 形式。
	ShapeObject Shape = iota
	// ShapeArray はクリップのみを並べた配列形式。
	ShapeArray
)

// Document は1つのJSONドキュメントをデコードした結果。
type Document struct {
	Shape      Shape
	Clips      []model.Clip
	NextCursor string
	// Invalid はIDを持たない等の理由で正規化できなかったレコード数。
	Invalid int
}

// clipIDPattern はクリップIDの検証パターン。
var clipIDPattern = regexp.MustCompile(`^clip_[A-Za-z0-9]+$`)

// clipIDSearch は任意の文字列からクリップIDを探すパターン。
var clipIDSearch = regexp.MustCompile(`clip_[A-Za-z0-9]+`)

// ValidID はIDがクリップIDの形式に一致するかを返す。
func ValidID(id string) bool {
	return clipIDPattern.MatchString(id)
}

// ExtractID は与えられた文字列（ID、パーマリンク、動画URL等）から最初に見つかったクリップIDを返す。
// クエリ文字列は無視する。見つからない場合は空文字列を返す。
func ExtractID(sources ...string) string {
	for _, s := range sources {
		if s == "" {
			continue
		}
		if i := strings.IndexByte(s, '?'); i >= 0 {
			s = s[:i]
		}
		if m := clipIDSearch.FindString(s); m != "" {
			return m
		}
	}
	return ""
}

// Decode はJSONドキュメントをデコードし、クリップを正規形に変換する。
// 受け付ける形は {clips: [...]} と配列の2つのみで、それ以外はErrShapeMismatchを返す。
// オブジェクト形式でclipsが配列でない場合も、nextCursorが読み取れればDocument.NextCursorに設定して返す。
// nowはcreated_atが欠落したレコードの補完時刻として使用する。
func Decode(data []byte, now time.Time) (Document, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return Document{}, ErrShapeMismatch
	}

	var records []json.RawMessage
	var doc Document

	switch trimmed[0] {
	case '[':
		doc.Shape = ShapeArray
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return doc, fmt.Errorf("クリップ配列のデコードに失敗しました: %w", err)
		}
	case '{':
		doc.Shape = ShapeObject
		var envelope struct {
			Clips      json.RawMessage `json:"clips"`
			NextCursor *string         `json:"nextCursor"`
			Cursor     *string         `json:"next_cursor"`
		}
		if err := json.Unmarshal(trimmed, &envelope); err != nil {
			return doc, fmt.Errorf("JSONオブジェクトのデコードに失敗しました: %w", err)
		}
		switch {
		case envelope.NextCursor != nil:
			doc.NextCursor = *envelope.NextCursor
		case envelope.Cursor != nil:
			doc.NextCursor = *envelope.Cursor
		}
		clipsRaw := bytes.TrimSpace(envelope.Clips)
		if len(clipsRaw) == 0 || clipsRaw[0] != '[' {
			return doc, ErrShapeMismatch
		}
		if err := json.Unmarshal(clipsRaw, &records); err != nil {
			return doc, fmt.Errorf("clips配列のデコードに失敗しました: %w", err)
		}
	default:
		return doc, ErrShapeMismatch
	}

	doc.Clips = make([]model.Clip, 0, len(records))
	for _, raw := range records {
		c, ok := NormalizeRecord(raw, now)
		if !ok {
			doc.Invalid++
			continue
		}
		doc.Clips = append(doc.Clips, c)
	}
	return doc, nil
}

// NormalizeRecord は1件のJSONレコードを正規形のクリップに変換する。
// snake_caseと旧camelCase（videoUrl, thumbnailUrl, sourceUrl, timestamp, viewCount, author）の両方を受け付ける。
// IDが得られないレコードはfalseを返す。
func NormalizeRecord(raw json.RawMessage, now time.Time) (model.Clip, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var r record
	if err := dec.Decode(&r); err != nil || r == nil {
		return model.Clip{}, false
	}
	return r.toClip(now)
}

// record はキー名の揺れを吸収するための汎用マップ。
type record map[string]any

// pick は最初に存在するキーの値を返す。
func (r record) pick(keys ...string) any {
	for _, k := range keys {
		if v, ok := r[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func (r record) str(keys ...string) string {
	return asString(r.pick(keys...))
}

func (r record) toClip(now time.Time) (model.Clip, bool) {
	sourceURL := r.str("clip_url", "clipUrl", "sourceUrl")
	videoURL := r.str("video_url", "videoUrl")
	thumbURL := r.str("thumbnail_url", "thumbnailUrl")

	id := r.str("id")
	if id == "" {
		id = ExtractID(sourceURL, videoURL, thumbURL)
	}
	if id == "" {
		return model.Clip{}, false
	}

	c := model.Clip{
		ID:           id,
		LivestreamID: r.str("livestream_id", "livestreamId"),
		Title:        r.str("title"),
		ClipURL:      sourceURL,
		VideoURL:     videoURL,
		ThumbnailURL: thumbURL,
		ViewCount:    asInt64(r.pick("view_count", "viewCount", "views")),
		LikesCount:   asInt64(r.pick("likes_count", "likesCount", "likes")),
		Duration:     asFloat(r.pick("duration")),
		Privacy:      r.str("privacy"),
		IsMature:     asBool(r.pick("is_mature", "isMature")),
		Score:        asFloat(r.pick("score")),
		IsBoosted:    asBool(r.pick("is_boosted", "isBoosted")),
	}

	if t, ok := asTime(r.pick("created_at", "createdAt", "timestamp")); ok {
		c.CreatedAt = t
		c.IsDateEstimated = asBool(r.pick("is_date_estimated"))
	} else {
		c.CreatedAt = now.UTC()
		c.IsDateEstimated = true
	}
	if t, ok := asTime(r.pick("last_view_refresh", "lastViewRefresh")); ok {
		c.LastViewRefresh = &t
	}

	c.Channel = toChannel(r.pick("channel"))
	if c.Channel == nil {
		if author := r.str("author"); author != "" {
			c.Channel = &model.Channel{Username: author, Slug: strings.ToLower(author)}
		}
	}
	c.Category = toCategory(r.pick("category"))
	c.Creator = toCreator(r.pick("creator"))
	if c.Creator == nil {
		if streamer := streamerFromURL(r.str("sourceUrl")); streamer != "" {
			c.Creator = &model.Creator{Username: streamer, Slug: streamer}
		}
	}

	return c, true
}

// unwrap はJOIN結果由来の要素1つの配列を単一オブジェクトに戻す。
func unwrap(v any) any {
	if arr, ok := v.([]any); ok {
		if len(arr) == 0 {
			return nil
		}
		return arr[0]
	}
	return v
}

func toChannel(v any) *model.Channel {
	switch t := unwrap(v).(type) {
	case string:
		if t == "" {
			return nil
		}
		return &model.Channel{Username: t, Slug: strings.ToLower(t)}
	case map[string]any:
		r := record(t)
		ch := &model.Channel{
			ID:             asInt64(r.pick("id")),
			Username:       r.str("username"),
			Slug:           r.str("slug"),
			ProfilePicture: r.str("profile_picture", "profilePicture"),
		}
		if ch.ID == 0 && ch.Username == "" {
			return nil
		}
		return ch
	}
	return nil
}

func toCategory(v any) *model.Category {
	t, ok := unwrap(v).(map[string]any)
	if !ok {
		return nil
	}
	r := record(t)
	cat := &model.Category{
		ID:             asInt64(r.pick("id")),
		Name:           r.str("name"),
		Slug:           r.str("slug"),
		ParentCategory: r.str("parent_category", "parentCategory"),
	}
	if cat.ID == 0 && cat.Name == "" {
		return nil
	}
	return cat
}

func toCreator(v any) *model.Creator {
	t, ok := unwrap(v).(map[string]any)
	if !ok {
		return nil
	}
	r := record(t)
	cr := &model.Creator{
		ID:       asInt64(r.pick("id")),
		Username: r.str("username"),
		Slug:     r.str("slug"),
	}
	if cr.ID == 0 && cr.Username == "" {
		return nil
	}
	return cr
}

// streamerFromURL は https://kick.com/<streamer>/... 形式のURLから配信者名を取り出す。
func streamerFromURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || !strings.HasSuffix(strings.ToLower(u.Hostname()), "kick.com") {
		return ""
	}
	path := strings.Trim(u.Path, "/")
	if path == "" {
		return ""
	}
	return strings.ToLower(strings.SplitN(path, "/", 2)[0])
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}

func asInt64(v any) int64 {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return int64(f)
		}
	case string:
		if i, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64); err == nil {
			return i
		}
	}
	return 0
}

func asFloat(v any) float64 {
	switch t := v.(type) {
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			return f
		}
	}
	return 0
}

func asBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, _ := strconv.ParseBool(t)
		return b
	}
	return false
}

// timeLayouts は created_at として受け付ける書式。
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// asTime は文字列またはエポックミリ秒を時刻に変換する。
func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed.UTC(), true
			}
		}
	case json.Number:
		if ms, err := t.Int64(); err == nil && ms > 0 {
			return time.UnixMilli(ms).UTC(), true
		}
	}
	return time.Time{}, false
}
