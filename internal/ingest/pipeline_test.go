package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/clipfeed/internal/model"
	"github.com/hitoshi/clipfeed/internal/seed"
	"github.com/hitoshi/clipfeed/internal/upstream"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// syncBuffer はgoroutineから安全に読み書きできるログ出力先。
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// fakePage はfakeFetcherが1回の呼び出しで返す結果。
type fakePage struct {
	page *upstream.Page
	err  error
}

// fakeFetcher は順にページを返すPageFetcher。
type fakeFetcher struct {
	pages   []fakePage
	cursors []string
}

func (f *fakeFetcher) FetchPage(_ context.Context, cursor string) (*upstream.Page, error) {
	f.cursors = append(f.cursors, cursor)
	i := len(f.cursors) - 1
	if i >= len(f.pages) {
		return &upstream.Page{}, nil
	}
	return f.pages[i].page, f.pages[i].err
}

// fixedScorer は全クリップに閲覧数をそのままスコアとして付与する。
type fixedScorer struct{}

func (fixedScorer) Score(c *model.Clip) float64 { return float64(c.ViewCount) }

// mockClipRepo はClipRepositoryのテスト用モック。
type mockClipRepo struct {
	calls      []string
	inserted   [][]model.Clip
	failOnCall map[string]int // メソッド名 → 失敗させる呼び出し回数目（1始まり）
	counts     map[string]int
}

func newMockClipRepo() *mockClipRepo {
	return &mockClipRepo{failOnCall: map[string]int{}, counts: map[string]int{}}
}

func (m *mockClipRepo) hit(name string) error {
	m.calls = append(m.calls, name)
	m.counts[name]++
	if n, ok := m.failOnCall[name]; ok && n == m.counts[name] {
		return fmt.Errorf("%s failed", name)
	}
	return nil
}

func (m *mockClipRepo) UpsertCategories(_ context.Context, _ []model.CategoryRef) error {
	return m.hit("categories")
}

func (m *mockClipRepo) UpsertUsers(_ context.Context, _ []model.UserRef) error {
	return m.hit("users")
}

func (m *mockClipRepo) UpsertChannels(_ context.Context, _ []model.ChannelRef) error {
	return m.hit("channels")
}

func (m *mockClipRepo) InsertClips(_ context.Context, clips []model.Clip) (int64, error) {
	if err := m.hit("clips"); err != nil {
		return 0, err
	}
	m.inserted = append(m.inserted, clips)
	return int64(len(clips)), nil
}

// fakeRecorder は記録された取り込みメトリクスを保持する。
type fakeRecorder struct {
	pages []string
	runs  []string
}

func (r *fakeRecorder) RecordIngestPage(outcome string) { r.pages = append(r.pages, outcome) }

func (r *fakeRecorder) RecordIngestRun(result string, _, _ int, _ time.Duration) {
	r.runs = append(r.runs, result)
}

type trimTitles struct{}

func (trimTitles) Sanitize(title string) string { return strings.TrimSpace(title) }

// rejectHTTP はhttp://のURLを拒否するMediaURLGuard。
type rejectHTTP struct{}

func (rejectHTTP) MediaURL(raw string) string {
	if strings.HasPrefix(raw, "https://") {
		return raw
	}
	return ""
}

func testClip(id string, views int64) model.Clip {
	return model.Clip{
		ID:        id,
		Title:     "title " + id,
		CreatedAt: time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC),
		ViewCount: views,
		Channel:   &model.Channel{ID: 10, Username: "alice"},
		Category:  &model.Category{ID: 1, Name: "IRL", ParentCategory: "irl"},
	}
}

func newTestPipeline(t *testing.T, fetcher PageFetcher, repo *mockClipRepo, rec *fakeRecorder, cfg Config) (*Pipeline, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	if cfg.SeedFilePath == "" {
		cfg.SeedFilePath = filepath.Join(t.TempDir(), "seed-clips.json")
	}
	p := NewPipeline(fetcher, fixedScorer{}, nil, trimTitles{}, rejectHTTP{}, nil, newTestLogger(&buf), cfg)
	if repo != nil {
		p.repo = repo
	}
	if rec != nil {
		p.recorder = rec
	}
	p.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return p, &buf
}

func TestConfig_MaxPages(t *testing.T) {
	tests := []struct {
		target, size, want int
	}{
		{7000, 20, 350},
		{41, 20, 3},
		{40, 20, 2},
		{1, 20, 1},
	}
	for _, tt := range tests {
		cfg := Config{TargetCount: tt.target, PageSize: tt.size}
		if got := cfg.MaxPages(); got != tt.want {
			t.Errorf("MaxPages(%d, %d) = %d, want %d", tt.target, tt.size, got, tt.want)
		}
	}
}

func TestRunOnce_FollowsCursorAndWritesSeed(t *testing.T) {
	fetcher := &fakeFetcher{pages: []fakePage{
		{page: &upstream.Page{Clips: []model.Clip{testClip("clip_A", 10), testClip("clip_B", 30)}, NextCursor: "c1"}},
		{page: &upstream.Page{Clips: []model.Clip{testClip("clip_C", 20), testClip("clip_A", 99)}, NextCursor: ""}},
	}}
	repo := newMockClipRepo()
	rec := &fakeRecorder{}
	p, _ := newTestPipeline(t, fetcher, repo, rec, Config{})

	res, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}

	if got := strings.Join(fetcher.cursors, ","); got != ",c1" {
		t.Errorf("cursors = %q, want %q", got, ",c1")
	}
	if res.Pages != 2 || res.Fetched != 4 {
		t.Errorf("Pages/Fetched = %d/%d, want 2/4", res.Pages, res.Fetched)
	}
	if res.Total != 3 || res.Duplicates != 1 {
		t.Errorf("Total/Duplicates = %d/%d, want 3/1", res.Total, res.Duplicates)
	}
	if res.NewClips != 3 || res.Inserted != 3 {
		t.Errorf("NewClips/Inserted = %d/%d, want 3/3", res.NewClips, res.Inserted)
	}
	if res.RunID == "" {
		t.Error("RunIDが設定されるべき")
	}

	saved, err := seed.Load(p.cfg.SeedFilePath, time.Now())
	if err != nil {
		t.Fatalf("seed.Load: %v", err)
	}
	var ids []string
	for _, c := range saved {
		ids = append(ids, c.ID)
	}
	if got := strings.Join(ids, ","); got != "clip_B,clip_C,clip_A" {
		t.Errorf("saved order = %q, want %q", got, "clip_B,clip_C,clip_A")
	}
	// 先勝ち: 2ページ目のclip_A（99 views）は採用されない
	if saved[2].ViewCount != 10 {
		t.Errorf("clip_A view_count = %d, want 10", saved[2].ViewCount)
	}

	if got := strings.Join(repo.calls, ","); got != "categories,users,channels,clips" {
		t.Errorf("repo calls = %q", got)
	}
	if got := strings.Join(rec.pages, ","); got != "ok,ok" {
		t.Errorf("page outcomes = %q", got)
	}
	if got := strings.Join(rec.runs, ","); got != "success" {
		t.Errorf("run results = %q", got)
	}
}

func TestRunOnce_StopsAtTargetCount(t *testing.T) {
	fetcher := &fakeFetcher{pages: []fakePage{
		{page: &upstream.Page{Clips: []model.Clip{testClip("clip_A", 1), testClip("clip_B", 2)}, NextCursor: "c1"}},
		{page: &upstream.Page{Clips: []model.Clip{testClip("clip_C", 3), testClip("clip_D", 4)}, NextCursor: "c2"}},
		{page: &upstream.Page{Clips: []model.Clip{testClip("clip_E", 5)}, NextCursor: "c3"}},
	}}
	p, _ := newTestPipeline(t, fetcher, nil, nil, Config{TargetCount: 3, PageSize: 2})

	res, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if res.Pages != 2 {
		t.Errorf("Pages = %d, want 2", res.Pages)
	}
	if res.Fetched != 4 {
		t.Errorf("Fetched = %d, want 4", res.Fetched)
	}
}

func TestRunOnce_FirstPageFailure_LeavesSeedUntouched(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed-clips.json")
	if err := seed.Save(path, []model.Clip{testClip("clip_OLD", 5)}); err != nil {
		t.Fatalf("seed.Save: %v", err)
	}
	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	fetcher := &fakeFetcher{pages: []fakePage{
		{err: &upstream.UpstreamError{StatusCode: 429, Body: "Too Many Requests"}},
	}}
	rec := &fakeRecorder{}
	p, _ := newTestPipeline(t, fetcher, newMockClipRepo(), rec, Config{SeedFilePath: path})

	_, err = p.RunOnce(context.Background())
	if !errors.Is(err, ErrFirstPageFailed) {
		t.Fatalf("err = %v, want ErrFirstPageFailed", err)
	}
	var upErr *upstream.UpstreamError
	if !errors.As(err, &upErr) || upErr.StatusCode != 429 {
		t.Errorf("原因のUpstreamErrorが保持されるべき: %v", err)
	}

	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, after) {
		t.Error("最初のページが失敗した場合シードファイルは変更されないべき")
	}
	if got := strings.Join(rec.runs, ","); got != "failed" {
		t.Errorf("run results = %q, want failed", got)
	}
}

func TestRunOnce_MidCrawlFailure_KeepsFetchedClips(t *testing.T) {
	fetcher := &fakeFetcher{pages: []fakePage{
		{page: &upstream.Page{Clips: []model.Clip{testClip("clip_A", 1)}, NextCursor: "c1"}},
		{err: &upstream.UpstreamError{StatusCode: 503, Body: "unavailable"}},
		{page: &upstream.Page{Clips: []model.Clip{testClip("clip_Z", 1)}}},
	}}
	rec := &fakeRecorder{}
	p, buf := newTestPipeline(t, fetcher, nil, rec, Config{})

	res, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if res.Halted == nil {
		t.Error("Haltedに停止原因が設定されるべき")
	}
	if res.Total != 1 {
		t.Errorf("Total = %d, want 1", res.Total)
	}
	if len(fetcher.cursors) != 2 {
		t.Errorf("失敗後はページングを停止すべき: %d calls", len(fetcher.cursors))
	}
	if got := strings.Join(rec.runs, ","); got != "partial" {
		t.Errorf("run results = %q, want partial", got)
	}
	if !strings.Contains(buf.String(), "上流エラーによりページングを停止しました") {
		t.Errorf("停止ログが出力されるべき: %s", buf.String())
	}
}

func TestRunOnce_MalformedPageWithCursor_Continues(t *testing.T) {
	malformed := fmt.Errorf("%w: bad shape", upstream.ErrMalformedPayload)
	fetcher := &fakeFetcher{pages: []fakePage{
		{page: &upstream.Page{Clips: []model.Clip{testClip("clip_A", 1)}, NextCursor: "c1"}},
		{page: &upstream.Page{NextCursor: "c2"}, err: malformed},
		{page: &upstream.Page{Clips: []model.Clip{testClip("clip_B", 2)}}},
	}}
	rec := &fakeRecorder{}
	p, _ := newTestPipeline(t, fetcher, nil, rec, Config{})

	res, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if got := strings.Join(fetcher.cursors, ","); got != ",c1,c2" {
		t.Errorf("cursors = %q, want %q", got, ",c1,c2")
	}
	if res.Total != 2 || res.Halted != nil {
		t.Errorf("Total/Halted = %d/%v, want 2/nil", res.Total, res.Halted)
	}
	if got := strings.Join(rec.pages, ","); got != "ok,malformed,ok" {
		t.Errorf("page outcomes = %q", got)
	}
}

func TestRunOnce_MalformedFirstPageWithoutCursor_IsFatal(t *testing.T) {
	fetcher := &fakeFetcher{pages: []fakePage{
		{page: &upstream.Page{}, err: fmt.Errorf("%w: bad shape", upstream.ErrMalformedPayload)},
	}}
	p, _ := newTestPipeline(t, fetcher, nil, nil, Config{})

	_, err := p.RunOnce(context.Background())
	if !errors.Is(err, ErrFirstPageFailed) {
		t.Fatalf("err = %v, want ErrFirstPageFailed", err)
	}
}

func TestRunOnce_SanitizesBeforeScoringAndSaving(t *testing.T) {
	c := testClip("clip_A", 7)
	c.Title = "  hello  "
	c.ThumbnailURL = "http://insecure.example/thumb.jpg"
	c.VideoURL = "https://cdn.example/video.m3u8"
	fetcher := &fakeFetcher{pages: []fakePage{{page: &upstream.Page{Clips: []model.Clip{c}}}}}
	p, _ := newTestPipeline(t, fetcher, nil, nil, Config{})

	if _, err := p.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	saved, err := seed.Load(p.cfg.SeedFilePath, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	got := saved[0]
	if got.Title != "hello" {
		t.Errorf("Title = %q, want %q", got.Title, "hello")
	}
	if got.ThumbnailURL != "" {
		t.Errorf("ThumbnailURL = %q, want empty", got.ThumbnailURL)
	}
	if got.VideoURL != "https://cdn.example/video.m3u8" {
		t.Errorf("VideoURL = %q", got.VideoURL)
	}
	if got.Score != 7 {
		t.Errorf("Score = %v, want 7", got.Score)
	}
}

func TestRunOnce_OnlyNewClipsReachRepository(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed-clips.json")
	if err := seed.Save(path, []model.Clip{testClip("clip_A", 5)}); err != nil {
		t.Fatal(err)
	}
	fetcher := &fakeFetcher{pages: []fakePage{
		{page: &upstream.Page{Clips: []model.Clip{testClip("clip_A", 50), testClip("clip_B", 1)}}},
	}}
	repo := newMockClipRepo()
	p, _ := newTestPipeline(t, fetcher, repo, nil, Config{SeedFilePath: path})

	res, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if res.NewClips != 1 {
		t.Errorf("NewClips = %d, want 1", res.NewClips)
	}
	if len(repo.inserted) != 1 || len(repo.inserted[0]) != 1 || repo.inserted[0][0].ID != "clip_B" {
		t.Errorf("inserted = %+v, want [clip_B]", repo.inserted)
	}
}

func TestRunOnce_FailedBatchIsSkipped(t *testing.T) {
	fetcher := &fakeFetcher{pages: []fakePage{
		{page: &upstream.Page{Clips: []model.Clip{
			testClip("clip_A", 4), testClip("clip_B", 3), testClip("clip_C", 2),
		}}},
	}}
	repo := newMockClipRepo()
	repo.failOnCall["users"] = 1
	p, buf := newTestPipeline(t, fetcher, repo, nil, Config{BatchSize: 2})

	res, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if res.FailedBatches != 1 {
		t.Errorf("FailedBatches = %d, want 1", res.FailedBatches)
	}
	if res.Inserted != 1 {
		t.Errorf("Inserted = %d, want 1", res.Inserted)
	}
	// 参照のUPSERTに失敗したバッチはクリップを挿入しない
	want := "categories,users,categories,users,channels,clips"
	if got := strings.Join(repo.calls, ","); got != want {
		t.Errorf("repo calls = %q, want %q", got, want)
	}
	if !strings.Contains(buf.String(), "クリップバッチの書き込みに失敗しました") {
		t.Error("バッチ失敗のログが出力されるべき")
	}
	if res.Total != 3 {
		t.Errorf("シードファイルにはDB失敗に関わらず全件書き込むべき: Total = %d", res.Total)
	}
}

func TestRunOnce_UnreadableSeedAbortsWithoutOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed-clips.json")
	if err := os.WriteFile(path, []byte(`{"not":"clips"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	fetcher := &fakeFetcher{pages: []fakePage{
		{page: &upstream.Page{Clips: []model.Clip{testClip("clip_A", 1)}}},
	}}
	p, _ := newTestPipeline(t, fetcher, nil, nil, Config{SeedFilePath: path})

	if _, err := p.RunOnce(context.Background()); err == nil {
		t.Fatal("読めないシードファイルではエラーを返すべき")
	}
	data, _ := os.ReadFile(path)
	if string(data) != `{"not":"clips"}` {
		t.Errorf("シードファイルが上書きされた: %s", data)
	}
}

func TestRunOnce_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fetcher := &fakeFetcher{pages: []fakePage{
		{page: &upstream.Page{Clips: []model.Clip{testClip("clip_A", 1)}}},
	}}
	p, _ := newTestPipeline(t, fetcher, nil, nil, Config{})

	_, err := p.RunOnce(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if _, statErr := os.Stat(p.cfg.SeedFilePath); !os.IsNotExist(statErr) {
		t.Error("キャンセル時はシードファイルを書き込まないべき")
	}
}

func TestSleepContext(t *testing.T) {
	if err := sleepContext(context.Background(), time.Millisecond); err != nil {
		t.Errorf("sleepContext: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleepContext(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestStart_StopsOnCancel(t *testing.T) {
	fetcher := &fakeFetcher{pages: []fakePage{
		{page: &upstream.Page{Clips: []model.Clip{testClip("clip_A", 1)}}},
	}}
	p, _ := newTestPipeline(t, fetcher, nil, nil, Config{})
	buf := &syncBuffer{}
	p.logger = slog.New(slog.NewJSONHandler(buf, nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Start(ctx, time.Hour)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for !strings.Contains(buf.String(), "取り込みパスが完了しました") {
		select {
		case <-deadline:
			t.Fatal("初回の取り込みパスが実行されるべき")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Startはキャンセル後に戻るべき")
	}
}
