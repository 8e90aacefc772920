package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// level はSetupで生成したロガーが共有する出力レベル。
// 設定読み込み後にSetLevelで変更できる。
var level = new(slog.LevelVar)

// Setup はJSON構造化ログ出力のslog.Loggerを生成して返す。
// writerが指定された場合はそのwriterに出力する。
func Setup(w io.Writer) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	return slog.New(handler)
}

// SetupDefault はJSON構造化ログ出力をグローバルロガーとして設定する。
// writerが指定された場合はそのwriterに出力する。
// 本番ではos.Stdoutを渡すことを想定している。
func SetupDefault(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	logger := Setup(w)
	slog.SetDefault(logger)
}

// SetLevel はログレベル名（debug|info|warn|error）から出力レベルを設定する。
// 空文字列はinfoとして扱う。
func SetLevel(name string) error {
	if strings.TrimSpace(name) == "" {
		level.Set(slog.LevelInfo)
		return nil
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(name)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", name, err)
	}
	level.Set(l)
	return nil
}

// Level は現在の出力レベルを返す。
func Level() slog.Level {
	return level.Level()
}
