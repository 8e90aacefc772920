package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/clipfeed/internal/model"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	Rate            rate.Limit    // クライアントあたりのレート（req/sec）
	Burst           int           // バーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultRateLimiterConfig はperMinute req/min/IP のレート制限設定を返す。
// perMinuteが0以下の場合は120を使用する。
func DefaultRateLimiterConfig(perMinute int) RateLimiterConfig {
	if perMinute <= 0 {
		perMinute = 120
	}
	return RateLimiterConfig{
		Rate:            rate.Limit(float64(perMinute) / 60.0),
		Burst:           perMinute,
		CleanupInterval: 5 * time.Minute,
	}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter はクライアントIPごとのトークンバケットを保持する。
type RateLimiter struct {
	config RateLimiterConfig

	mu       sync.Mutex
	visitors map[string]*visitor

	stopOnce sync.Once
	done     chan struct{}
}

// NewRateLimiter はRateLimiterを生成し、未使用エントリの掃除をバックグラウンドで開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		config:   config,
		visitors: make(map[string]*visitor),
		done:     make(chan struct{}),
	}
	go rl.sweepLoop()
	return rl
}

// Stop は掃除ゴルーチンを停止する。複数回呼んでもよい。
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.done) })
}

// Middleware はクライアントIPごとのレート制限ミドルウェアを返す。
// RemoteAddrを使うため、プロキシ配下ではchiのRealIPの後に置く。
func (rl *RateLimiter) Middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientKey(r)
			if rl.limiterFor(key, time.Now()).Allow() {
				next.ServeHTTP(w, r)
				return
			}
			slog.Warn("rate limit exceeded",
				slog.String("client", key),
				slog.String("path", r.URL.Path),
			)
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(rl.config.Rate)))
			WriteErrorResponse(w, http.StatusTooManyRequests, model.NewRateLimitedError())
		})
	}
}

// LimiterCount は保持しているクライアント数を返す。
func (rl *RateLimiter) LimiterCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.visitors)
}

// clientKey はRemoteAddrからポートを除いたIPを返す。
func clientKey(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func (rl *RateLimiter) limiterFor(key string, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, ok := rl.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.config.Rate, rl.config.Burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter
}

func (rl *RateLimiter) sweepLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			rl.sweep(now)
		case <-rl.done:
			return
		}
	}
}

// sweep はCleanupIntervalの2倍以上アクセスのないクライアントを削除する。
func (rl *RateLimiter) sweep(now time.Time) {
	idle := 2 * rl.config.CleanupInterval

	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, v := range rl.visitors {
		if now.Sub(v.lastSeen) >= idle {
			delete(rl.visitors, key)
		}
	}
}

// retryAfterSeconds はトークンが1つ補充されるまでの秒数を切り上げで返す。
func retryAfterSeconds(limit rate.Limit) int {
	if limit <= 0 {
		return 60
	}
	return max(1, int(math.Ceil(1/float64(limit))))
}
