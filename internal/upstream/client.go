// Package upstream は配信プラットフォームのクリップAPIクライアントを提供する。
// 一覧エンドポイント（カーソルページング）と単体エンドポイント（メトリクス取得）を扱う。
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/hitoshi/clipfeed/internal/clip"
	"github.com/hitoshi/clipfeed/internal/model"
)

const (
	// DefaultBaseURL はクリップAPIのベースURL。
	DefaultBaseURL = "https://kick.com/api/v2/clips"
	// defaultMaxBodySize はレスポンスボディの最大読み取りサイズ（5MiB）。
	defaultMaxBodySize = 5 << 20
	// errorBodyLimit はエラー時に保持するボディの最大長。
	errorBodyLimit = 512
)

// browserHeaders は全リクエストに付与する固定ヘッダー。
// 上流はこれらを欠いたリクエストを拒否する。
// Accept-Encodingはnet/httpのTransportに任せる（手動で設定すると自動解凍されない）。
var browserHeaders = map[string]string{
	"User-Agent":      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/134.0.0.0 Safari/537.36",
	"Accept":          "application/json, text/plain, */*",
	"Accept-Language": "en-US,en;q=0.9",
	"Referer":         "https://kick.com",
}

var (
	// ErrMalformedPayload はレスポンスJSONが想定した形でない場合のエラー。
	ErrMalformedPayload = errors.New("上流APIのレスポンス形式が不正です")
	// ErrMetricsMissing はクリップ単体レスポンスに数値のview_count/likes_countがない場合のエラー。
	// クリップの削除や非公開化を示すため、再試行しない。
	ErrMetricsMissing = errors.New("クリップのメトリクスが存在しません")
)

// UpstreamError は上流APIの非2xx応答またはネットワーク障害を表す。
// ネットワーク障害の場合StatusCodeは0でErrに原因が入る。
type UpstreamError struct {
	StatusCode int
	Body       string
	Err        error
}

// Error はerrorインターフェースを実装する。
func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("上流APIへのリクエストに失敗しました: %v", e.Err)
	}
	return fmt.Sprintf("上流APIがステータス %d を返しました: %s", e.StatusCode, e.Body)
}

// Unwrap は原因のエラーを返す。
func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// IsRateLimited は上流が明示的にレート制限を返したかを判定する。
func (e *UpstreamError) IsRateLimited() bool {
	if e.StatusCode == http.StatusTooManyRequests {
		return true
	}
	lower := strings.ToLower(e.Body)
	return strings.Contains(lower, "too many requests") || strings.Contains(lower, "ratelimit")
}

// IsNotFound はクリップが存在しない（削除済み）ことを示す応答かを判定する。
func (e *UpstreamError) IsNotFound() bool {
	return e.StatusCode == http.StatusNotFound || e.StatusCode == http.StatusGone
}

// Page は一覧エンドポイントの1ページ分の結果。
type Page struct {
	Clips      []model.Clip
	NextCursor string
	// Invalid はIDを持たない等で正規化できなかったレコード数。
	Invalid int
}

// Recorder は上流APIのレスポンスを記録する。
type Recorder interface {
	RecordUpstreamStatus(statusCode int)
	RecordUpstreamLatency(duration time.Duration)
}

// Config はClientの設定パラメータ。
type Config struct {
	// BaseURL はクリップAPIのベースURL（デフォルト: DefaultBaseURL）。
	BaseURL string
	// MaxBodySize はレスポンスボディの最大読み取りサイズ（デフォルト: 5MiB）。
	MaxBodySize int64
	// Recorder はnilの場合は記録しない。
	Recorder Recorder
}

// Client はクリップAPIのクライアント。
// 1つのプロセスで1回生成し、取り込みとメトリクス再取得の両方で共有する。
type Client struct {
	httpClient  *http.Client
	logger      *slog.Logger
	baseURL     string
	maxBodySize int64
	recorder    Recorder
	now         func() time.Time
}

// NewClient はClientの新しいインスタンスを生成する。
// httpClientにCookieJarが設定されていない場合、publicsuffixリストに基づくJarを設定したコピーを使用する。
// タイムアウトはhttpClient側で設定すること。
func NewClient(httpClient *http.Client, logger *slog.Logger, cfg Config) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if httpClient.Jar == nil {
		withJar := *httpClient
		if jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List}); err == nil {
			withJar.Jar = jar
		}
		httpClient = &withJar
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}
	return &Client{
		httpClient:  httpClient,
		logger:      logger,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		maxBodySize: cfg.MaxBodySize,
		recorder:    cfg.Recorder,
		now:         time.Now,
	}
}

// FetchPage は一覧エンドポイントから1ページ取得する。cursorが空の場合は先頭ページ。
// 非2xx応答とネットワーク障害は*UpstreamErrorを返す。
// レスポンス形式が不正な場合はErrMalformedPayloadをラップしたエラーを返すが、
// nextCursorが読み取れた場合はPage.NextCursorに設定したPageも返す。
func (c *Client) FetchPage(ctx context.Context, cursor string) (*Page, error) {
	reqURL := c.baseURL
	if cursor != "" {
		reqURL += "?cursor=" + url.QueryEscape(cursor)
	}

	body, err := c.get(ctx, reqURL)
	if err != nil {
		return nil, err
	}

	doc, err := clip.Decode(body, c.now())
	if err != nil {
		return &Page{NextCursor: doc.NextCursor}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return &Page{
		Clips:      doc.Clips,
		NextCursor: doc.NextCursor,
		Invalid:    doc.Invalid,
	}, nil
}

// FetchClip はクリップ単体エンドポイントからライブ指標を取得する。
// レスポンスは {clip: {...}} と素のレコードのどちらの形も受け付ける。
// view_count/likes_countが数値でない場合はErrMetricsMissingを返す。
func (c *Client) FetchClip(ctx context.Context, id string) (model.Metrics, error) {
	body, err := c.get(ctx, c.baseURL+"/"+url.PathEscape(id))
	if err != nil {
		return model.Metrics{}, err
	}
	return decodeMetrics(body)
}

// decodeMetrics はクリップ単体レスポンスからメトリクスを取り出す。
func decodeMetrics(body []byte) (model.Metrics, error) {
	var parsed any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&parsed); err != nil {
		return model.Metrics{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	obj, ok := parsed.(map[string]any)
	if !ok {
		return model.Metrics{}, ErrMetricsMissing
	}
	if inner, ok := obj["clip"].(map[string]any); ok {
		obj = inner
	}

	views, okViews := obj["view_count"].(json.Number)
	likes, okLikes := obj["likes_count"].(json.Number)
	if !okViews || !okLikes {
		return model.Metrics{}, ErrMetricsMissing
	}
	v, errV := views.Float64()
	l, errL := likes.Float64()
	if errV != nil || errL != nil {
		return model.Metrics{}, ErrMetricsMissing
	}
	return model.Metrics{ViewCount: int64(v), LikesCount: int64(l)}, nil
}

// get は固定ヘッダー付きでGETし、2xxの場合にボディを返す。
func (c *Client) get(ctx context.Context, reqURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	for k, v := range browserHeaders {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.record(0, time.Since(start))
		c.logger.Warn("上流APIの呼び出しに失敗しました",
			slog.String("url", stripQuery(reqURL)),
			slog.String("error", err.Error()),
		)
		return nil, &UpstreamError{Err: err}
	}
	defer resp.Body.Close()
	c.record(resp.StatusCode, time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: string(snippet)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodySize))
	if err != nil {
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Err: fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)}
	}
	return body, nil
}

func (c *Client) record(statusCode int, latency time.Duration) {
	if c.recorder == nil {
		return
	}
	c.recorder.RecordUpstreamStatus(statusCode)
	c.recorder.RecordUpstreamLatency(latency)
}

// stripQuery はログ出力用にクエリ文字列（カーソル）を取り除く。
func stripQuery(u string) string {
	if i := strings.IndexByte(u, '?'); i >= 0 {
		return u[:i]
	}
	return u
}
