package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker は取り込み・メトリクス再取得・clips_recent削除を常駐実行することを示す。
	CommandWorker Command = "worker"
	// CommandIngest は取り込みパスを1回実行することを示す。
	CommandIngest Command = "ingest"
	// CommandRefresh はメトリクス再取得パスを1回実行することを示す。
	CommandRefresh Command = "refresh"
	// CommandRescore は全クリップのスコアを再計算することを示す。
	CommandRescore Command = "rescore"
	// CommandCleanSeed はシードファイルを正規化して書き戻すことを示す。
	CommandCleanSeed Command = "clean-seed"
	// CommandPrune はclips_recentの保持期間外の行を削除することを示す。
	CommandPrune Command = "prune"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch Command(args[0]) {
	case CommandServe, CommandWorker, CommandIngest, CommandRefresh, CommandRescore,
		CommandCleanSeed, CommandPrune, CommandMigrate, CommandHealthcheck:
		return Command(args[0])
	default:
		return CommandServe
	}
}

// needsDatabase はコマンドがDATABASE_URLを必須とするかを返す。
// ingestはDATABASE_URLがない場合シードファイルのみに書き込む。
func (c Command) needsDatabase() bool {
	switch c {
	case CommandWorker, CommandRefresh, CommandRescore, CommandPrune, CommandMigrate:
		return true
	default:
		return false
	}
}
