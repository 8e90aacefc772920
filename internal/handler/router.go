package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/clipfeed/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	CORSAllowedOrigin string
	// RateLimiter はnilの場合レート制限を行わない。
	RateLimiter *middleware.RateLimiter

	FeedService FeedServiceInterface
	// HealthChecker はnilの場合/healthは常に200を返す。
	HealthChecker HealthChecker
	// MetricsHandler はnilの場合/metricsを公開しない。
	MetricsHandler http.Handler
	// Logger はnilの場合slog.Default()を使用する。
	Logger *slog.Logger
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RealIP → Recovery → Logging → SecurityHeaders → CORS → RateLimit(/feed, /streamers)
//
// /health と /metrics はレート制限の対象外とする。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	feedHandler := NewFeedHandler(deps.FeedService)
	healthHandler := NewHealthHandler(deps.HealthChecker)

	r.Get("/health", healthHandler.Health)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.Middleware())
		}
		r.Get("/feed", feedHandler.GetFeed)
		r.Get("/streamers/recommended", feedHandler.GetRecommendedStreamers)
	})

	return r
}
