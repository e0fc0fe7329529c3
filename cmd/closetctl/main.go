// closet APIのコマンドラインクライアントのエントリポイント。
package main

import (
	"os"

	"github.com/nao1215/closet/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
