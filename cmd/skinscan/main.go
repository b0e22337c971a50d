// Command skinscan は肌スキャンAPIサーバーとワーカーを起動する。
//
// 使い方:
//
//	skinscan [serve|worker|migrate|healthcheck]
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/skinscan/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "skinscan: %v\n", err)
		os.Exit(1)
	}
}
