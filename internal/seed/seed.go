// Package seed はクリップのフラットファイル（シードファイル）の読み書きを提供する。
// 読み込みは旧camelCase形式・配列形式も受け付け、書き込みは常に
// {"clips": [...], "nextCursor": null} のsnake_case形式で行う。
package seed

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/hitoshi/clipfeed/internal/clip"
	"github.com/hitoshi/clipfeed/internal/model"
)

// File はシードファイルの書き込み形式。
type File struct {
	Clips      []model.Clip `json:"clips"`
	NextCursor *string      `json:"nextCursor"`
}

// Load はシードファイルを読み込み、正規形のクリップを返す。
// ファイルが存在しない場合は空のスライスを返す。
// nowはcreated_atが欠落したレコードの補完時刻として使用する。
func Load(path string, now time.Time) ([]model.Clip, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return []model.Clip{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("シードファイルの読み込みに失敗しました: %w", err)
	}

	doc, err := clip.Decode(data, now)
	if err != nil {
		return nil, fmt.Errorf("シードファイルの解析に失敗しました (%s): %w", path, err)
	}
	return doc.Clips, nil
}

// Save はクリップをシードファイルに書き込む。
// 同一ディレクトリの一時ファイルに書き込んでからリネームするため、
// 読み手が書き込み途中のファイルを見ることはない。
func Save(path string, clips []model.Clip) error {
	if clips == nil {
		clips = []model.Clip{}
	}
	data, err := json.MarshalIndent(File{Clips: clips}, "", "  ")
	if err != nil {
		return fmt.Errorf("シードファイルのエンコードに失敗しました: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("シードディレクトリの作成に失敗しました: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("一時ファイルの作成に失敗しました: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("一時ファイルへの書き込みに失敗しました: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("一時ファイルのクローズに失敗しました: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("シードファイルの置き換えに失敗しました: %w", err)
	}
	return nil
}

// Clean はシードファイルを読み込み、不正IDと重複を除いてスコア順に並べ替え、正規形で書き戻す。
func Clean(path string, now time.Time) (clip.MergeStats, error) {
	clips, err := Load(path, now)
	if err != nil {
		return clip.MergeStats{}, err
	}
	merged, stats := clip.Merge(clips, nil)
	if err := Save(path, merged); err != nil {
		return stats, err
	}
	return stats, nil
}
