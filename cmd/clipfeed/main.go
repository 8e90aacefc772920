// Command clipfeed はクリップフィードのAPIサーバー・ワーカー・運用コマンドを提供する。
//
//	clipfeed [serve|worker|ingest|refresh|rescore|clean-seed|prune|migrate|healthcheck]
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/clipfeed/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
