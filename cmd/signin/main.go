// Command signin はサインインクライアントとコード交換ブローカーを1つのバイナリで提供する。
//
//	signin [serve|migrate|healthcheck|login|logout|status|token|profile]
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/signin/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "signin:", err)
		os.Exit(1)
	}
}
