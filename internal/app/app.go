package app

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/clipfeed/internal/config"
	"github.com/hitoshi/clipfeed/internal/database"
	"github.com/hitoshi/clipfeed/internal/feed"
	"github.com/hitoshi/clipfeed/internal/handler"
	"github.com/hitoshi/clipfeed/internal/ingest"
	"github.com/hitoshi/clipfeed/internal/logger"
	"github.com/hitoshi/clipfeed/internal/metrics"
	"github.com/hitoshi/clipfeed/internal/middleware"
	"github.com/hitoshi/clipfeed/internal/repository"
	"github.com/hitoshi/clipfeed/internal/scoring"
	"github.com/hitoshi/clipfeed/internal/security"
	"github.com/hitoshi/clipfeed/internal/seed"
	"github.com/hitoshi/clipfeed/internal/storage"
	"github.com/hitoshi/clipfeed/internal/upstream"
	"github.com/hitoshi/clipfeed/internal/worker/cleanup"
	"github.com/hitoshi/clipfeed/internal/worker/refresh"
	"github.com/hitoshi/clipfeed/internal/worker/rescore"
)

const (
	dbPingTimeout   = 5 * time.Second
	shutdownTimeout = 30 * time.Second
	titleMaxRunes   = 300
	cacheKeyPrefix  = "clipfeed:"
)

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップし、環境変数からConfigを読み込んでログレベルを反映する。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. ログレベルの反映
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("failed to set log level: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	if cmd.needsDatabase() {
		if err := cfg.RequireDatabase(); err != nil {
			return fmt.Errorf("%s: %w", cmd, err)
		}
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("store_backend", cfg.StoreBackend),
		slog.String("port", cfg.ServerPort),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cmdArgs []string
	if len(args) > 1 {
		cmdArgs = args[1:]
	}

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandIngest:
		return runIngest(ctx, cfg)
	case CommandRefresh:
		return runRefresh(ctx, cfg)
	case CommandRescore:
		return runRescore(ctx, cfg, cmdArgs)
	case CommandCleanSeed:
		return runCleanSeed(cfg)
	case CommandPrune:
		return runPrune(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg, cmdArgs)
	default:
		return runServe(ctx, cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// ストレージバックエンドを構築し、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	collector, registry := newMetrics()

	// 1. DB接続（pgバックエンドの場合のみ）
	var db *sql.DB
	if cfg.StoreBackend == string(storage.BackendPG) {
		var err error
		db, err = openDatabase(ctx, cfg)
		if err != nil {
			return err
		}
		defer db.Close()
	}

	// 2. ストレージの初期化
	store, closeStore, err := newStore(cfg, db, collector)
	if err != nil {
		return err
	}
	defer closeStore()

	// 3. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig(cfg.RateLimitFeed))
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		FeedService:       feed.NewService(store, collector),
		MetricsHandler:    metrics.Handler(registry),
		Logger:            slog.Default(),
	}
	if db != nil {
		deps.HealthChecker = db
	}

	// 4. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      handler.NewRouter(deps),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 取り込み・メトリクス再取得・clips_recent削除の各ループを並行に実行し、
// SIGINTまたはSIGTERMシグナルを受信するとすべて停止するまで待つ。
func runWorker(ctx context.Context, cfg *config.Config) error {
	collector, registry := newMetrics()

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	repo := repository.NewPostgresClipRepo(db)
	client := newUpstreamClient(cfg, collector)
	scorer := newScorer(cfg, scoring.Variant(cfg.ScoreVariant))

	pipeline := newPipeline(cfg, client, scorer, repo, collector)
	scheduler := newRefreshScheduler(cfg, client, scorer, repo, collector)
	pruneJob := cleanup.NewPruneJob(db, collector, slog.Default(), cfg.RecentRetention)

	if cfg.MetricsPort != "" {
		metricsServer := &http.Server{
			Addr:              ":" + cfg.MetricsPort,
			Handler:           metrics.SetupMetricsRoute(registry),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server listen error", slog.String("error", err.Error()))
			}
		}()
		defer metricsServer.Close()
	}

	slog.Info("worker starting",
		slog.Duration("ingest_interval", cfg.IngestInterval),
		slog.Duration("refresh_interval", cfg.RefreshInterval),
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
		slog.Int("refresh_workers", cfg.RefreshWorkers),
	)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		pipeline.Start(ctx, cfg.IngestInterval)
	}()
	go func() {
		defer wg.Done()
		scheduler.Start(ctx, cfg.RefreshInterval)
	}()
	go func() {
		defer wg.Done()
		pruneJob.Start(ctx, cfg.CleanupInterval)
	}()
	wg.Wait()

	slog.Info("worker stopped gracefully")
	return nil
}

// runIngest は取り込みパスを1回実行する。
// DATABASE_URLが未設定の場合はシードファイルのみに書き込む。
func runIngest(ctx context.Context, cfg *config.Config) error {
	collector, _ := newMetrics()

	var repo repository.ClipRepository
	if cfg.DatabaseURL != "" {
		db, err := openDatabase(ctx, cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		repo = repository.NewPostgresClipRepo(db)
	} else {
		slog.Warn("DATABASE_URL is not set; ingesting into the seed file only")
	}

	client := newUpstreamClient(cfg, collector)
	scorer := newScorer(cfg, scoring.Variant(cfg.ScoreVariant))

	if _, err := newPipeline(cfg, client, scorer, repo, collector).RunOnce(ctx); err != nil {
		return fmt.Errorf("ingest failed: %w", err)
	}
	return nil
}

// runRefresh はメトリクス再取得パスを1回実行する。
func runRefresh(ctx context.Context, cfg *config.Config) error {
	collector, _ := newMetrics()

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	repo := repository.NewPostgresClipRepo(db)
	client := newUpstreamClient(cfg, collector)
	scorer := newScorer(cfg, scoring.Variant(cfg.ScoreVariant))

	if _, err := newRefreshScheduler(cfg, client, scorer, repo, collector).RunOnce(ctx); err != nil {
		return fmt.Errorf("refresh failed: %w", err)
	}
	return nil
}

// runRescore は全クリップ（または--since以降に作成されたクリップ）のスコアを
// 対数線形スコアで再計算する。
func runRescore(ctx context.Context, cfg *config.Config, args []string) error {
	since, err := parseRescoreFlags(args)
	if err != nil {
		return err
	}

	collector, _ := newMetrics()

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	repo := repository.NewPostgresClipRepo(db)
	scorer := newScorer(cfg, scoring.VariantLogLinear)

	job := rescore.NewJob(repo, scorer, collector, slog.Default(), rescore.DefaultBatchSize)
	if _, err := job.Run(ctx, since); err != nil {
		return fmt.Errorf("rescore failed: %w", err)
	}
	return nil
}

// parseRescoreFlags はrescoreコマンドの引数を解析する。
// --sinceはRFC3339形式で、未指定の場合はゼロ値（全件）を返す。
func parseRescoreFlags(args []string) (time.Time, error) {
	fs := flag.NewFlagSet(string(CommandRescore), flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	sinceStr := fs.String("since", "", "rescore clips created at or after this RFC3339 timestamp")
	if err := fs.Parse(args); err != nil {
		return time.Time{}, fmt.Errorf("invalid rescore arguments: %w", err)
	}
	if *sinceStr == "" {
		return time.Time{}, nil
	}
	since, err := time.Parse(time.RFC3339, *sinceStr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since value %q: %w", *sinceStr, err)
	}
	return since, nil
}

// runCleanSeed はシードファイルを読み込み、重複と不正IDを除いて正規形で書き戻す。
func runCleanSeed(cfg *config.Config) error {
	stats, err := seed.Clean(cfg.SeedFilePath, time.Now())
	if err != nil {
		return fmt.Errorf("clean-seed failed: %w", err)
	}
	slog.Info("seed file cleaned",
		slog.String("path", cfg.SeedFilePath),
		slog.Int("total", stats.Total),
		slog.Int("duplicates", stats.Duplicates),
		slog.Int("invalid", stats.Invalid),
	)
	return nil
}

// runPrune はclips_recentの保持期間外の行を1回削除する。
func runPrune(ctx context.Context, cfg *config.Config) error {
	collector, _ := newMetrics()

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := cleanup.NewPruneJob(db, collector, slog.Default(), cfg.RecentRetention).Run(ctx); err != nil {
		return fmt.Errorf("prune failed: %w", err)
	}
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// --down N が指定された場合はN件のマイグレーションを取り消す。
func runMigrate(cfg *config.Config, args []string) error {
	down, err := parseMigrateFlags(args)
	if err != nil {
		return err
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		slog.Int("down", down),
	)

	var version uint
	if down > 0 {
		version, err = database.RollbackMigrations(cfg.DatabaseURL, down)
	} else {
		version, err = database.RunMigrations(cfg.DatabaseURL)
	}
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("schema_version", uint64(version)),
	)
	return nil
}

func parseMigrateFlags(args []string) (int, error) {
	fs := flag.NewFlagSet(string(CommandMigrate), flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	down := fs.Int("down", 0, "number of migrations to roll back")
	if err := fs.Parse(args); err != nil {
		return 0, fmt.Errorf("invalid migrate arguments: %w", err)
	}
	if *down < 0 {
		return 0, fmt.Errorf("invalid --down value %d", *down)
	}
	return *down, nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// --- ワイヤリング ---

// newMetrics はプロセス用のレジストリとCollectorを生成する。
func newMetrics() (*metrics.Collector, *prometheus.Registry) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return metrics.NewCollector(registry), registry
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		return nil, err
	}
	if err := database.Ping(ctx, db, dbPingTimeout); err != nil {
		db.Close()
		return nil, err
	}
	slog.Info("database connection established")
	return db, nil
}

// newStore は設定されたバックエンドのStoreを生成する。
// REDIS_ADDRが設定されている場合はCachedStoreで包む。返される関数で後始末を行う。
func newStore(cfg *config.Config, db *sql.DB, collector *metrics.Collector) (storage.Store, func(), error) {
	store, err := storage.New(storage.Options{
		Backend:      storage.Backend(cfg.StoreBackend),
		SeedFilePath: cfg.SeedFilePath,
		DB:           db,
		Window:       cfg.FeedWindow,
		CategoryIDs:  cfg.FeedCategoryIDs,
		Logger:       slog.Default(),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create store: %w", err)
	}

	if !cfg.CacheEnabled() {
		return store, func() {}, nil
	}

	rdb := storage.NewRedisClient(storage.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	slog.Info("feed cache enabled",
		slog.String("redis_addr", cfg.RedisAddr),
		slog.Duration("ttl", cfg.FeedCacheTTL),
	)
	cached := storage.NewCachedStore(store, storage.NewRedisCache(rdb, cacheKeyPrefix), cfg.FeedCacheTTL, slog.Default(), collector)
	return cached, func() { rdb.Close() }, nil
}

// newUpstreamClient はSSRF対策済みのHTTPクライアントで上流APIクライアントを生成する。
func newUpstreamClient(cfg *config.Config, collector *metrics.Collector) *upstream.Client {
	httpClient := security.NewURLGuard().NewSafeClient(cfg.UpstreamTimeout)
	return upstream.NewClient(httpClient, slog.Default(), upstream.Config{
		BaseURL:     cfg.UpstreamClipsURL,
		MaxBodySize: cfg.UpstreamMaxSize,
		Recorder:    collector,
	})
}

// newScorer は設定からScorerを生成する。variantで方式を指定する。
func newScorer(cfg *config.Config, variant scoring.Variant) *scoring.Scorer {
	sc := scoring.DefaultConfig()
	sc.Variant = variant
	sc.PriorityBoost = cfg.PriorityBoost
	if len(cfg.PriorityStreamers) > 0 {
		sc.PriorityStreamers = cfg.PriorityStreamers
	}
	if len(cfg.FavoriteStreamers) > 0 {
		sc.FavoriteStreamers = cfg.FavoriteStreamers
	}
	return scoring.NewScorer(sc)
}

// newPipeline は取り込みパイプラインを生成する。repoがnilの場合はシードファイルのみに書き込む。
func newPipeline(cfg *config.Config, client *upstream.Client, scorer *scoring.Scorer, repo repository.ClipRepository, collector *metrics.Collector) *ingest.Pipeline {
	return ingest.NewPipeline(
		client,
		scorer,
		repo,
		security.NewTitleSanitizer(titleMaxRunes),
		security.NewURLGuard(),
		collector,
		slog.Default(),
		ingest.Config{
			SeedFilePath: cfg.SeedFilePath,
			TargetCount:  cfg.IngestTargetCount,
			PageSize:     cfg.IngestPageSize,
			PageDelay:    cfg.IngestPageDelay,
			BatchSize:    cfg.IngestBatchSize,
		},
	)
}

// newRefreshScheduler はメトリクス再取得のスケジューラを生成する。
func newRefreshScheduler(cfg *config.Config, client *upstream.Client, scorer *scoring.Scorer, repo *repository.PostgresClipRepo, collector *metrics.Collector) *refresh.Scheduler {
	refresher := refresh.NewRefresher(client, scorer, repo, slog.Default(), refresh.RefresherConfig{
		MaxRetries: cfg.RefreshMaxRetries,
		Gap:        cfg.RefreshGap,
		Jitter:     cfg.RefreshJitter,
	})
	return refresh.NewScheduler(repo, refresher, collector, slog.Default(), refresh.SchedulerConfig{
		Workers:        cfg.RefreshWorkers,
		Window:         cfg.RefreshWindow,
		Cooldown:       cfg.RefreshCooldown,
		ParentCategory: cfg.RefreshParentCategory,
		TaskTimeout:    cfg.RefreshTaskTimeout,
	})
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
