package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/clipfeed/internal/model"
)

// ErrCacheMiss はキャッシュにキーが存在しないことを示す。
var ErrCacheMiss = errors.New("cache miss")

// Cache はCachedStoreが使用するキー・バリューキャッシュ。
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// CacheRecorder はキャッシュのヒット・ミスを記録する。
type CacheRecorder interface {
	RecordFeedCache(operation string, hit bool)
}

// RedisConfig はRedis接続の設定。
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient は設定からRedisクライアントを生成する。
func NewRedisClient(cfg RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// RedisCache はgo-redisによるCache実装。
type RedisCache struct {
	rdb    *redis.Client
	prefix string
}

var _ Cache = (*RedisCache)(nil)

// NewRedisCache はRedisCacheを生成する。キーにはprefixが付与される。
func NewRedisCache(rdb *redis.Client, prefix string) *RedisCache {
	return &RedisCache{rdb: rdb, prefix: prefix}
}

// Get はキーの値を返す。キーが存在しない場合はErrCacheMissを返す。
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := c.rdb.Get(ctx, c.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, ErrCacheMiss
	}
	return b, err
}

// Set はキーに値をTTL付きで保存する。
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.rdb.Set(ctx, c.prefix+key, value, ttl).Err()
}

// CachedStore はStoreの結果をCacheに短時間保持するデコレータ。
// キャッシュの障害は下位Storeへのフォールバックで吸収し、呼び出し元には伝えない。
type CachedStore struct {
	next     Store
	cache    Cache
	ttl      time.Duration
	logger   *slog.Logger
	recorder CacheRecorder
}

var _ Store = (*CachedStore)(nil)

// NewCachedStore はCachedStoreを生成する。recorderはnilでもよい。
func NewCachedStore(next Store, cache Cache, ttl time.Duration, logger *slog.Logger, recorder CacheRecorder) *CachedStore {
	return &CachedStore{
		next:     next,
		cache:    cache,
		ttl:      ttl,
		logger:   logger,
		recorder: recorder,
	}
}

// TopClipIDs はlimitごとにキャッシュした上位IDを返す。
func (s *CachedStore) TopClipIDs(ctx context.Context, limit int) []string {
	key := "top:" + strconv.Itoa(limit)
	var ids []string
	if s.load(ctx, "top_ids", key, &ids) {
		return ids
	}
	ids = s.next.TopClipIDs(ctx, limit)
	if len(ids) > 0 {
		s.store(ctx, key, ids)
	}
	return ids
}

// GetClips はID列の組み合わせごとにキャッシュしたクリップを返す。
func (s *CachedStore) GetClips(ctx context.Context, ids []string) []model.Clip {
	if len(ids) == 0 {
		return []model.Clip{}
	}
	key := "clips:" + idsKey(ids)
	var clips []model.Clip
	if s.load(ctx, "clips", key, &clips) {
		return clips
	}
	clips = s.next.GetClips(ctx, ids)
	if len(clips) > 0 {
		s.store(ctx, key, clips)
	}
	return clips
}

func (s *CachedStore) load(ctx context.Context, operation, key string, dst any) bool {
	b, err := s.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			s.logger.Warn("フィードキャッシュの読み取りに失敗しました",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
		s.record(operation, false)
		return false
	}
	if err := json.Unmarshal(b, dst); err != nil {
		s.logger.Warn("フィードキャッシュの値が不正です",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		s.record(operation, false)
		return false
	}
	s.record(operation, true)
	return true
}

func (s *CachedStore) store(ctx context.Context, key string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, b, s.ttl); err != nil {
		s.logger.Warn("フィードキャッシュへの書き込みに失敗しました",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

func (s *CachedStore) record(operation string, hit bool) {
	if s.recorder != nil {
		s.recorder.RecordFeedCache(operation, hit)
	}
}

// idsKey はID列から固定長のキャッシュキーを生成する。
func idsKey(ids []string) string {
	sum := sha256.Sum256([]byte(strings.Join(ids, ",")))
	return hex.EncodeToString(sum[:])
}
