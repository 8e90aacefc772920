// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// クライアントに返す原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, system
	Action   string // 利用者向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidParameter = "INVALID_PARAMETER"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeRateLimited      = "RATE_LIMIT_EXCEEDED"
)

// NewInvalidParameterError はクエリパラメータが整数として解釈できない場合のエラーを生成する。
func NewInvalidParameterError(name, value string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidParameter,
		Message:  fmt.Sprintf("パラメータ %s の値が不正です: %q", name, value),
		Category: "validation",
		Action:   fmt.Sprintf("%s には整数を指定してください。", name),
	}
}

// NewInternalError は内部エラーを生成する。
// 詳細はログのみに記録し、クライアントには一般的なメッセージを返す。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewRateLimitedError はレート制限超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "Retry-Afterヘッダーの秒数だけ待ってから再度お試しください。",
	}
}
