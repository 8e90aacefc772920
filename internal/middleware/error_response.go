package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hitoshi/clipfeed/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
// /feedは共有キャッシュ可能なため、エラー応答はCDNに保持させない。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode)

	body := ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode error response",
			slog.String("code", apiErr.Code),
			slog.String("error", err.Error()),
		)
	}
}

// WriteInternalServerError は内部エラーの500レスポンスを書き込む。詳細は返さない。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, model.NewInternalError())
}
