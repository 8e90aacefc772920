package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/hitoshi/clipfeed/internal/feed"
	"github.com/hitoshi/clipfeed/internal/middleware"
	"github.com/hitoshi/clipfeed/internal/model"
)

const (
	feedCacheControl      = "public, max-age=15, s-maxage=30, stale-while-revalidate=60"
	emptyFeedCacheControl = "public, max-age=15, s-maxage=15, stale-while-revalidate=60"
	streamersCacheControl = "public, max-age=60, s-maxage=300, stale-while-revalidate=600"
)

// FeedServiceInterface はフィードハンドラーが必要とするサービスインターフェース。
type FeedServiceInterface interface {
	// GetPage はpage番目のクリップを返す。障害時は空のスライスを返す。
	GetPage(ctx context.Context, page, pageSize int) []model.Clip
	// RecommendedStreamers は直近days日のクリップ数上位のチャンネルを返す。
	RecommendedStreamers(ctx context.Context, days, limit int) []model.StreamerCount
}

// FeedHandler はフィード配信のHTTPハンドラー。
type FeedHandler struct {
	service FeedServiceInterface
}

// NewFeedHandler はFeedHandlerを生成する。
func NewFeedHandler(service FeedServiceInterface) *FeedHandler {
	return &FeedHandler{service: service}
}

// GetFeed はクリップフィードの1ページを返す。
// GET /feed?page=<int>&pageSize=<int>
//
// 整数として解釈できないパラメータは400を返す。範囲外の値は丸める。
// ストレージ障害時も5xxにはせず空配列を返す。
func (h *FeedHandler) GetFeed(w http.ResponseWriter, r *http.Request) {
	page, ok := queryInt(w, r, "page", 1)
	if !ok {
		return
	}
	pageSize, ok := queryInt(w, r, "pageSize", feed.DefaultPageSize)
	if !ok {
		return
	}

	clips := h.service.GetPage(r.Context(), page, pageSize)
	if clips == nil {
		clips = []model.Clip{}
	}

	if len(clips) == 0 {
		w.Header().Set("Cache-Control", emptyFeedCacheControl)
	} else {
		w.Header().Set("Cache-Control", feedCacheControl)
	}
	writeJSON(w, http.StatusOK, clips)
}

// GetRecommendedStreamers はクリップ数の多いチャンネルを返す。
// GET /streamers/recommended?days=<int>&limit=<int>
func (h *FeedHandler) GetRecommendedStreamers(w http.ResponseWriter, r *http.Request) {
	days, ok := queryInt(w, r, "days", feed.DefaultRecommendDays)
	if !ok {
		return
	}
	limit, ok := queryInt(w, r, "limit", feed.DefaultRecommendLimit)
	if !ok {
		return
	}

	streamers := h.service.RecommendedStreamers(r.Context(), days, limit)
	if streamers == nil {
		streamers = []model.StreamerCount{}
	}

	w.Header().Set("Cache-Control", streamersCacheControl)
	writeJSON(w, http.StatusOK, streamers)
}

// queryInt はクエリパラメータを整数として読み取る。未指定の場合はdefaultValを返す。
// 解釈できない場合は400レスポンスを書き込みfalseを返す。
func queryInt(w http.ResponseWriter, r *http.Request, name string, defaultVal int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return defaultVal, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidParameterError(name, raw))
		return 0, false
	}
	return v, true
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}
