package app

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hitoshi/clipfeed/internal/config"
	"github.com/hitoshi/clipfeed/internal/ingest"
	"github.com/hitoshi/clipfeed/internal/seed"
)

func setTestEnv(t *testing.T) {
	t.Helper()
	t.Setenv("STORE_BACKEND", "json")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("SCORE_VARIANT", "")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("SEED_FILE_PATH", filepath.Join(t.TempDir(), "seed-clips.json"))
}

func TestRun_CommandsRequiringDatabase_FailFast(t *testing.T) {
	for _, cmd := range []string{"worker", "refresh", "rescore", "prune", "migrate"} {
		t.Run(cmd, func(t *testing.T) {
			setTestEnv(t)

			var buf bytes.Buffer
			err := Run(&buf, []string{cmd})
			if !errors.Is(err, config.ErrDatabaseURLRequired) {
				t.Errorf("Run(%s) error = %v, want ErrDatabaseURLRequired", cmd, err)
			}
		})
	}
}

func TestRun_CleanSeed_RewritesSeedFile(t *testing.T) {
	setTestEnv(t)
	path := os.Getenv("SEED_FILE_PATH")

	raw := `{"clips":[
		{"id":"clip_A1","title":"first","created_at":"2026-10-15T00:00:00Z","view_count":10,"score":2},
		{"id":"clip_A1","title":"dup","created_at":"2026-10-15T00:00:00Z","view_count":99,"score":9},
		{"id":"not a clip","title":"bad","created_at":"2026-10-15T00:00:00Z"},
		{"id":"clip_B2","title":"second","created_at":"2026-10-15T00:00:00Z","view_count":5,"score":1}
	]}`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := Run(&buf, []string{"clean-seed"}); err != nil {
		t.Fatalf("Run(clean-seed) error = %v", err)
	}

	clips, err := seed.Load(path, time.Now())
	if err != nil {
		t.Fatalf("seed.Load error = %v", err)
	}
	if len(clips) != 2 {
		t.Fatalf("len = %d, want 2", len(clips))
	}
	if clips[0].ID != "clip_A1" || clips[0].Title != "first" {
		t.Errorf("clips[0] = %s %q, want clip_A1 first", clips[0].ID, clips[0].Title)
	}
}

func TestRun_Ingest_FirstPageFailure_ReturnsError(t *testing.T) {
	setTestEnv(t)
	path := os.Getenv("SEED_FILE_PATH")

	// ループバック宛てはSSRF対策のHTTPクライアントが拒否するため、先頭ページの取得に失敗する
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream should not be reached")
	}))
	defer srv.Close()
	t.Setenv("UPSTREAM_CLIPS_URL", srv.URL)

	var buf bytes.Buffer
	err := Run(&buf, []string{"ingest"})
	if !errors.Is(err, ingest.ErrFirstPageFailed) {
		t.Fatalf("Run(ingest) error = %v, want ErrFirstPageFailed", err)
	}
	if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
		t.Error("seed file should not be written when the first page fails")
	}
}

func TestRun_WithInvalidEnv_ReturnsError(t *testing.T) {
	setTestEnv(t)
	t.Setenv("STORE_BACKEND", "sqlite")

	var buf bytes.Buffer
	if err := Run(&buf, []string{"serve"}); err == nil {
		t.Fatal("Run with invalid STORE_BACKEND should return error")
	}
}
