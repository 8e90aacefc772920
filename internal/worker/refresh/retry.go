package refresh

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/clipfeed/internal/upstream"
)

// Outcome はメトリクス再取得タスクの終了状態。値はメトリクスのラベルとしても使用する。
type Outcome string

const (
	// OutcomeSuccess はメトリクスを取得し保存できた。
	OutcomeSuccess Outcome = "success"
	// OutcomeMetricsMissing はレスポンスに数値のメトリクスがなかった。再試行しない。
	OutcomeMetricsMissing Outcome = "metrics_missing"
	// OutcomeNotFound はクリップが削除済み（404/410）。再試行しない。
	OutcomeNotFound Outcome = "not_found"
	// OutcomeExhausted は再試行回数を使い切った。
	OutcomeExhausted Outcome = "exhausted"
	// OutcomeStoreFailed はメトリクスは取得できたが保存に失敗した。
	OutcomeStoreFailed Outcome = "store_failed"
	// OutcomeCanceled はタスクのコンテキストが終了した。
	OutcomeCanceled Outcome = "canceled"
)

// FailureKind は取得失敗の分類。
type FailureKind int

const (
	// FailureTransient は再試行対象の失敗（429・5xx・ネットワーク障害・形式不正）。
	FailureTransient FailureKind = iota
	// FailureRateLimited は上流のレート制限。再試行スケジュールはFailureTransientと同じ。
	FailureRateLimited
	// FailureMetricsMissing はメトリクス欠落。終端。
	FailureMetricsMissing
	// FailureNotFound はクリップ削除済み。終端。
	FailureNotFound
	// FailureCanceled はコンテキストの終了。終端。
	FailureCanceled
)

// initialBackoff は指数バックオフの初回遅延。
const initialBackoff = time.Second

// ClassifyError は取得エラーを分類する。
func ClassifyError(err error) FailureKind {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return FailureCanceled
	}
	if errors.Is(err, upstream.ErrMetricsMissing) {
		return FailureMetricsMissing
	}
	var upErr *upstream.UpstreamError
	if errors.As(err, &upErr) {
		if upErr.IsNotFound() {
			return FailureNotFound
		}
		if upErr.IsRateLimited() {
			return FailureRateLimited
		}
	}
	return FailureTransient
}

// Terminal は再試行しない分類かを返す。
func (k FailureKind) Terminal() bool {
	return k == FailureMetricsMissing || k == FailureNotFound || k == FailureCanceled
}

// CalculateBackoff はattempt回目（1始まり）の失敗後の待機時間を返す。
// 1s, 2s, 4s, ... と倍増する。
func CalculateBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := initialBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}
