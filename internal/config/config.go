package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrDatabaseURLRequired はデータベースを必要とするコマンドでDATABASE_URLが未設定の場合のエラー。
var ErrDatabaseURLRequired = errors.New("DATABASE_URL is required for this command")

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Storage
	StoreBackend string
	DatabaseURL  string
	SeedFilePath string

	// Upstream
	UpstreamClipsURL string
	UpstreamTimeout  time.Duration
	UpstreamMaxSize  int64

	// Ingest
	IngestTargetCount int
	IngestPageSize    int
	IngestPageDelay   time.Duration
	IngestInterval    time.Duration
	IngestBatchSize   int

	// Refresh
	RefreshWorkers        int
	RefreshMaxRetries     int
	RefreshWindow         time.Duration
	RefreshCooldown       time.Duration
	RefreshInterval       time.Duration
	RefreshGap            time.Duration
	RefreshJitter         time.Duration
	RefreshTaskTimeout    time.Duration
	RefreshParentCategory string

	// Scoring
	ScoreVariant      string
	PriorityStreamers []string
	FavoriteStreamers []string
	PriorityBoost     float64

	// Feed
	FeedWindow      time.Duration
	FeedCategoryIDs []int64

	// Cache
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	FeedCacheTTL  time.Duration

	// Cleanup
	RecentRetention time.Duration
	CleanupInterval time.Duration

	// Server
	ServerPort        string
	CORSAllowedOrigin string
	RateLimitFeed     int
	// MetricsPort はworkerが/metricsを公開するポート。空の場合は公開しない。
	MetricsPort string

	// Logging
	LogLevel string
}

// Load は環境変数からConfigを読み込む。
// 値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	var invalid []string

	cfg.StoreBackend = strings.ToLower(getEnvString("STORE_BACKEND", "json"))
	if cfg.StoreBackend != "json" && cfg.StoreBackend != "pg" {
		invalid = append(invalid, "STORE_BACKEND")
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.StoreBackend == "pg" && cfg.DatabaseURL == "" {
		invalid = append(invalid, "DATABASE_URL")
	}

	cfg.ScoreVariant = strings.ToLower(getEnvString("SCORE_VARIANT", "loglinear"))
	if cfg.ScoreVariant != "loglinear" && cfg.ScoreVariant != "decayed" {
		invalid = append(invalid, "SCORE_VARIANT")
	}

	cfg.LogLevel = strings.ToLower(getEnvString("LOG_LEVEL", "info"))

	if len(invalid) > 0 {
		return nil, fmt.Errorf("environment variables are missing or invalid: %v", invalid)
	}

	// Optional fields with defaults
	cfg.SeedFilePath = getEnvString("SEED_FILE_PATH", "data/seed-clips.json")
	cfg.UpstreamClipsURL = getEnvString("UPSTREAM_CLIPS_URL", "https://kick.com/api/v2/clips")
	cfg.UpstreamTimeout = getEnvDuration("UPSTREAM_TIMEOUT", 15*time.Second)
	cfg.UpstreamMaxSize = getEnvInt64("UPSTREAM_MAX_SIZE", 5242880)
	cfg.IngestTargetCount = getEnvInt("INGEST_TARGET_COUNT", 7000)
	cfg.IngestPageSize = getEnvInt("INGEST_PAGE_SIZE", 20)
	cfg.IngestPageDelay = getEnvDuration("INGEST_PAGE_DELAY", 850*time.Millisecond)
	cfg.IngestInterval = getEnvDuration("INGEST_INTERVAL", 130*time.Minute)
	cfg.IngestBatchSize = getEnvInt("INGEST_BATCH_SIZE", 250)
	cfg.RefreshWorkers = getEnvInt("REFRESH_WORKERS", 2)
	cfg.RefreshMaxRetries = getEnvInt("REFRESH_MAX_RETRIES", 3)
	cfg.RefreshWindow = getEnvDuration("REFRESH_WINDOW", 72*time.Hour)
	cfg.RefreshCooldown = getEnvDuration("REFRESH_COOLDOWN", 3*time.Hour)
	cfg.RefreshInterval = getEnvDuration("REFRESH_INTERVAL", 3*time.Hour)
	cfg.RefreshGap = getEnvDuration("REFRESH_GAP", time.Second)
	cfg.RefreshJitter = getEnvDuration("REFRESH_JITTER", 500*time.Millisecond)
	cfg.RefreshTaskTimeout = getEnvDuration("REFRESH_TASK_TIMEOUT", 2*time.Minute)
	cfg.RefreshParentCategory = getEnvString("REFRESH_PARENT_CATEGORY", "irl")
	cfg.PriorityStreamers = getEnvList("PRIORITY_STREAMERS", nil)
	cfg.FavoriteStreamers = getEnvList("FAVORITE_STREAMERS", nil)
	cfg.PriorityBoost = getEnvFloat("PRIORITY_BOOST", 1.5)
	cfg.FeedWindow = getEnvDuration("FEED_WINDOW", 72*time.Hour)
	cfg.FeedCategoryIDs = getEnvInt64List("FEED_CATEGORY_IDS", []int64{8549, 8548, 28, 16, 8379})
	cfg.RedisAddr = getEnvString("REDIS_ADDR", "")
	cfg.RedisPassword = getEnvString("REDIS_PASSWORD", "")
	cfg.RedisDB = getEnvInt("REDIS_DB", 0)
	cfg.FeedCacheTTL = getEnvDuration("FEED_CACHE_TTL", 30*time.Second)
	cfg.RecentRetention = getEnvDuration("RECENT_RETENTION", 168*time.Hour)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", 24*time.Hour)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "*")
	cfg.RateLimitFeed = getEnvInt("RATE_LIMIT_FEED", 120)
	cfg.MetricsPort = getEnvString("METRICS_PORT", "")

	return cfg, nil
}

// RequireDatabase はDATABASE_URLが設定されているかを検証する。
func (c *Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return ErrDatabaseURLRequired
	}
	return nil
}

// CacheEnabled はフィードキャッシュ（Redis）が有効かを返す。
func (c *Config) CacheEnabled() bool {
	return c.RedisAddr != ""
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// getEnvList はカンマ区切りの値を空要素を除いて返す。
func getEnvList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// getEnvInt64List はカンマ区切りの整数列を返す。1つでも解析できない場合はデフォルト値を返す。
func getEnvInt64List(key string, defaultVal []int64) []int64 {
	parts := getEnvList(key, nil)
	if len(parts) == 0 {
		return defaultVal
	}
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		i, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return defaultVal
		}
		out = append(out, i)
	}
	return out
}
