package refresh

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/clipfeed/internal/model"
	"github.com/hitoshi/clipfeed/internal/repository"
)

// mockRefreshRepo はRefreshRepositoryのテスト用モック。
type mockRefreshRepo struct {
	categoryIDs  []int64
	categoryErr  error
	candidates   []model.RefreshCandidate
	candidateErr error
	gotParent    string
	gotQuery     repository.RefreshQuery
}

func (m *mockRefreshRepo) ListCategoryIDsByParent(_ context.Context, parent string) ([]int64, error) {
	m.gotParent = parent
	return m.categoryIDs, m.categoryErr
}

func (m *mockRefreshRepo) ListRefreshCandidates(_ context.Context, q repository.RefreshQuery) ([]model.RefreshCandidate, error) {
	m.gotQuery = q
	return m.candidates, m.candidateErr
}

func (m *mockRefreshRepo) UpdateMetrics(_ context.Context, _ string, _ model.Metrics, _ float64, _ time.Time) error {
	return nil
}

// mockClipRefresher はClipRefresherのテスト用モック。
type mockClipRefresher struct {
	refreshFunc func(ctx context.Context, c model.RefreshCandidate) Outcome
}

func (m *mockClipRefresher) Refresh(ctx context.Context, c model.RefreshCandidate) Outcome {
	return m.refreshFunc(ctx, c)
}

// outcomeRecorder は記録された結果を数える。
type outcomeRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func (r *outcomeRecorder) RecordRefreshOutcome(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = map[string]int{}
	}
	r.counts[outcome]++
}

func candidates(ids ...string) []model.RefreshCandidate {
	out := make([]model.RefreshCandidate, 0, len(ids))
	for _, id := range ids {
		out = append(out, model.RefreshCandidate{ID: id})
	}
	return out
}

func TestNewScheduler_Defaults(t *testing.T) {
	var buf bytes.Buffer
	s := NewScheduler(&mockRefreshRepo{}, &mockClipRefresher{}, nil, newTestLogger(&buf), SchedulerConfig{})
	if s.cfg.Workers != 2 {
		t.Errorf("Workers = %d, want 2", s.cfg.Workers)
	}
	if s.cfg.Window != 72*time.Hour {
		t.Errorf("Window = %v, want 72h", s.cfg.Window)
	}
	if s.cfg.ParentCategory != "irl" {
		t.Errorf("ParentCategory = %q, want irl", s.cfg.ParentCategory)
	}
	if s.cfg.TaskTimeout != 2*time.Minute {
		t.Errorf("TaskTimeout = %v, want 2m", s.cfg.TaskTimeout)
	}
}

func TestScheduler_RunOnce_BuildsCandidateQuery(t *testing.T) {
	var buf bytes.Buffer
	repo := &mockRefreshRepo{categoryIDs: []int64{8549, 28}}
	s := NewScheduler(repo, &mockClipRefresher{}, nil, newTestLogger(&buf), SchedulerConfig{
		Window:         72 * time.Hour,
		Cooldown:       3 * time.Hour,
		ParentCategory: "IRL",
	})
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	res, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if res.Candidates != 0 || res.Dispatched != 0 {
		t.Errorf("Candidates/Dispatched = %d/%d, want 0/0", res.Candidates, res.Dispatched)
	}
	if repo.gotParent != "IRL" {
		t.Errorf("parent = %q, want IRL", repo.gotParent)
	}
	if !repo.gotQuery.Since.Equal(now.Add(-72 * time.Hour)) {
		t.Errorf("Since = %v", repo.gotQuery.Since)
	}
	if !repo.gotQuery.RefreshedBefore.Equal(now.Add(-3 * time.Hour)) {
		t.Errorf("RefreshedBefore = %v", repo.gotQuery.RefreshedBefore)
	}
	if len(repo.gotQuery.CategoryIDs) != 2 {
		t.Errorf("CategoryIDs = %v", repo.gotQuery.CategoryIDs)
	}
}

func TestScheduler_RunOnce_NoCategoriesSkipsPass(t *testing.T) {
	var buf bytes.Buffer
	repo := &mockRefreshRepo{candidates: candidates("clip_A")}
	called := false
	refresher := &mockClipRefresher{refreshFunc: func(_ context.Context, _ model.RefreshCandidate) Outcome {
		called = true
		return OutcomeSuccess
	}}
	s := NewScheduler(repo, refresher, nil, newTestLogger(&buf), SchedulerConfig{})

	if _, err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if called {
		t.Error("カテゴリがない場合は再取得しないべき")
	}
}

func TestScheduler_RunOnce_RepositoryError(t *testing.T) {
	var buf bytes.Buffer
	repo := &mockRefreshRepo{categoryIDs: []int64{1}, candidateErr: errors.New("db down")}
	s := NewScheduler(repo, &mockClipRefresher{}, nil, newTestLogger(&buf), SchedulerConfig{})

	if _, err := s.RunOnce(context.Background()); err == nil {
		t.Fatal("リポジトリのエラーを返すべき")
	}
}

func TestScheduler_RunOnce_RespectsWorkerLimit(t *testing.T) {
	var buf bytes.Buffer
	repo := &mockRefreshRepo{
		categoryIDs: []int64{1},
		candidates:  candidates("clip_A", "clip_B", "clip_C", "clip_D", "clip_E", "clip_F"),
	}
	var running, peak int32
	refresher := &mockClipRefresher{refreshFunc: func(_ context.Context, c model.RefreshCandidate) Outcome {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		if c.ID == "clip_C" {
			return OutcomeMetricsMissing
		}
		return OutcomeSuccess
	}}
	rec := &outcomeRecorder{}
	s := NewScheduler(repo, refresher, rec, newTestLogger(&buf), SchedulerConfig{Workers: 2})

	res, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if peak > 2 {
		t.Errorf("同時実行数 = %d, want <= 2", peak)
	}
	if res.Dispatched != 6 {
		t.Errorf("Dispatched = %d, want 6", res.Dispatched)
	}
	if res.Outcomes[OutcomeSuccess] != 5 || res.Outcomes[OutcomeMetricsMissing] != 1 {
		t.Errorf("Outcomes = %v", res.Outcomes)
	}
	if rec.counts["success"] != 5 || rec.counts["metrics_missing"] != 1 {
		t.Errorf("recorded = %v", rec.counts)
	}
}

func TestScheduler_RunOnce_CancelStopsDispatchButFinishesInFlight(t *testing.T) {
	var buf bytes.Buffer
	repo := &mockRefreshRepo{
		categoryIDs: []int64{1},
		candidates:  candidates("clip_A", "clip_B", "clip_C", "clip_D"),
	}

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	var once sync.Once
	var completed int32
	refresher := &mockClipRefresher{refreshFunc: func(taskCtx context.Context, _ model.RefreshCandidate) Outcome {
		once.Do(func() { close(started) })
		time.Sleep(30 * time.Millisecond)
		if taskCtx.Err() != nil {
			return OutcomeCanceled
		}
		atomic.AddInt32(&completed, 1)
		return OutcomeSuccess
	}}
	s := NewScheduler(repo, refresher, nil, newTestLogger(&buf), SchedulerConfig{Workers: 1})

	go func() {
		<-started
		cancel()
	}()

	res, err := s.RunOnce(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if res.Dispatched != 1 {
		t.Errorf("Dispatched = %d, want 1", res.Dispatched)
	}
	// 実行中のタスクは親のキャンセルの影響を受けずに完了する
	if atomic.LoadInt32(&completed) != 1 {
		t.Errorf("completed = %d, want 1", completed)
	}
}

func TestScheduler_Start_StopsOnCancel(t *testing.T) {
	var buf bytes.Buffer
	repo := &mockRefreshRepo{}
	s := NewScheduler(repo, &mockClipRefresher{}, nil, newTestLogger(&buf), SchedulerConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx, time.Hour)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Startはキャンセル後に戻るべき")
	}
}
