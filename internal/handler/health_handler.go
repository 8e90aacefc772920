package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// HealthChecker はバックエンドの疎通確認を行う。*sql.DBが満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

const healthCheckTimeout = 2 * time.Second

// HealthHandler は/healthのHTTPハンドラー。
type HealthHandler struct {
	checker HealthChecker
}

// NewHealthHandler はHealthHandlerを生成する。checkerがnilの場合は常に200を返す。
func NewHealthHandler(checker HealthChecker) *HealthHandler {
	return &HealthHandler{checker: checker}
}

type healthResponse struct {
	Status string `json:"status"`
}

// Health はプロセスとデータベースの状態を返す。
// GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")

	if h.checker != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()
		if err := h.checker.PingContext(ctx); err != nil {
			slog.Warn("health check failed", slog.String("error", err.Error()))
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable"})
			return
		}
	}

	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}
