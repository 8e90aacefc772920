// Package storage はフィード配信用のクリップ読み取り層を提供する。
// バックエンドはフラットファイル（json）とリレーショナル（pg）の2種類で、
// 起動時にNewで1つを選択する。読み取りはエラーを返さず、障害時は空の結果に縮退する。
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/clipfeed/internal/model"
	"github.com/hitoshi/clipfeed/internal/repository"
)

// Store はフィード配信が使用するクリップの読み取りインターフェース。
type Store interface {
	// TopClipIDs はランキング上位のクリップIDを最大limit件、重複なしで返す。
	TopClipIDs(ctx context.Context, limit int) []string
	// GetClips は指定IDのクリップを指定順で返す。存在しないIDは結果から除かれる。
	GetClips(ctx context.Context, ids []string) []model.Clip
}

// Backend はストレージバックエンドの種類。
type Backend string

const (
	BackendJSON Backend = "json"
	BackendPG   Backend = "pg"
)

// Options はNewに渡すバックエンド選択パラメータ。
type Options struct {
	Backend Backend
	// SeedFilePath はjsonバックエンドが読み込むシードファイルのパス。
	SeedFilePath string
	// DB はpgバックエンドが使用する接続。
	DB *sql.DB
	// Window はpgバックエンドで対象とするcreated_atの期間。
	Window time.Duration
	// CategoryIDs はpgバックエンドで対象とするカテゴリ。空の場合は全カテゴリ。
	CategoryIDs []int64
	Logger      *slog.Logger
}

// New は設定されたバックエンドのStoreを生成する。
func New(opts Options) (Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	switch opts.Backend {
	case BackendJSON, "":
		return NewJSONStore(opts.SeedFilePath, logger), nil
	case BackendPG:
		if opts.DB == nil {
			return nil, fmt.Errorf("pgバックエンドにはデータベース接続が必要です")
		}
		return NewPGStore(repository.NewPostgresFeedRepo(opts.DB), logger, PGConfig{
			Window:      opts.Window,
			CategoryIDs: opts.CategoryIDs,
		}), nil
	default:
		return nil, fmt.Errorf("不明なストレージバックエンドです: %q", opts.Backend)
	}
}
