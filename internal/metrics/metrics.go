// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 取り込み・メトリクス再取得・フィード配信から利用する。
type MetricsCollector interface {
	RecordUpstreamStatus(statusCode int)
	RecordUpstreamLatency(duration time.Duration)
	RecordIngestPage(outcome string)
	RecordIngestRun(result string, fetched, inserted int, duration time.Duration)
	RecordRefreshOutcome(outcome string)
	RecordRescored(count int)
	RecordRecentPruned(count int64)
	RecordFeedCache(operation string, hit bool)
	RecordFeedServed(count int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	upstreamStatus  *prometheus.CounterVec
	upstreamLatency prometheus.Histogram
	ingestPages     *prometheus.CounterVec
	ingestRuns      *prometheus.CounterVec
	ingestFetched   prometheus.Counter
	ingestInserted  prometheus.Counter
	ingestDuration  prometheus.Histogram
	refreshOutcomes *prometheus.CounterVec
	rescored        prometheus.Counter
	recentPruned    prometheus.Counter
	feedCache       *prometheus.CounterVec
	feedServed      prometheus.Histogram
}

var _ MetricsCollector = (*Collector)(nil)

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		upstreamStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clipfeed_upstream_http_status_total",
			Help: "上流APIのHTTPステータスコード別レスポンス数（0はネットワーク障害）",
		}, []string{"status_code"}),
		upstreamLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "clipfeed_upstream_latency_seconds",
			Help:    "上流APIリクエストのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		ingestPages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clipfeed_ingest_pages_total",
			Help: "取り込みで処理した一覧ページ数",
		}, []string{"outcome"}),
		ingestRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clipfeed_ingest_runs_total",
			Help: "取り込みパスの実行回数",
		}, []string{"result"}),
		ingestFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clipfeed_ingest_clips_fetched_total",
			Help: "取り込みで上流から取得したクリップの合計数",
		}),
		ingestInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clipfeed_ingest_clips_inserted_total",
			Help: "取り込みで新規に保存されたクリップの合計数",
		}),
		ingestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "clipfeed_ingest_duration_seconds",
			Help:    "取り込みパスの所要時間（秒）",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 1200},
		}),
		refreshOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clipfeed_refresh_outcomes_total",
			Help: "メトリクス再取得タスクの結果別件数",
		}, []string{"outcome"}),
		rescored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clipfeed_rescored_clips_total",
			Help: "スコアを再計算したクリップの合計数",
		}),
		recentPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clipfeed_recent_pruned_total",
			Help: "clips_recentから削除された行の合計数",
		}),
		feedCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clipfeed_feed_cache_total",
			Help: "フィードキャッシュの操作別ヒット・ミス数",
		}, []string{"operation", "result"}),
		feedServed: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "clipfeed_feed_page_clips",
			Help:    "フィード1ページで返したクリップ数",
			Buckets: []float64{0, 1, 5, 10, 20, 30, 50},
		}),
	}

	reg.MustRegister(
		c.upstreamStatus,
		c.upstreamLatency,
		c.ingestPages,
		c.ingestRuns,
		c.ingestFetched,
		c.ingestInserted,
		c.ingestDuration,
		c.refreshOutcomes,
		c.rescored,
		c.recentPruned,
		c.feedCache,
		c.feedServed,
	)

	return c
}

// RecordUpstreamStatus は上流APIのHTTPステータスコードを記録する。
func (c *Collector) RecordUpstreamStatus(statusCode int) {
	c.upstreamStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordUpstreamLatency は上流APIリクエストのレイテンシを記録する。
func (c *Collector) RecordUpstreamLatency(duration time.Duration) {
	c.upstreamLatency.Observe(duration.Seconds())
}

// RecordIngestPage は一覧ページの処理結果（ok|malformed|error）を記録する。
func (c *Collector) RecordIngestPage(outcome string) {
	c.ingestPages.WithLabelValues(outcome).Inc()
}

// RecordIngestRun は取り込みパス1回分の結果を記録する。
func (c *Collector) RecordIngestRun(result string, fetched, inserted int, duration time.Duration) {
	c.ingestRuns.WithLabelValues(result).Inc()
	c.ingestFetched.Add(float64(fetched))
	c.ingestInserted.Add(float64(inserted))
	c.ingestDuration.Observe(duration.Seconds())
}

// RecordRefreshOutcome はメトリクス再取得タスクの終了状態を記録する。
func (c *Collector) RecordRefreshOutcome(outcome string) {
	c.refreshOutcomes.WithLabelValues(outcome).Inc()
}

// RecordRescored はスコアを再計算したクリップ数を記録する。
func (c *Collector) RecordRescored(count int) {
	c.rescored.Add(float64(count))
}

// RecordRecentPruned はclips_recentから削除した行数を記録する。
func (c *Collector) RecordRecentPruned(count int64) {
	c.recentPruned.Add(float64(count))
}

// RecordFeedCache はフィードキャッシュのヒット・ミスを記録する。
func (c *Collector) RecordFeedCache(operation string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.feedCache.WithLabelValues(operation, result).Inc()
}

// RecordFeedServed はフィード1ページで返したクリップ数を記録する。
func (c *Collector) RecordFeedServed(count int) {
	c.feedServed.Observe(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
