// Command pulsehours はPulseHoursのWebサーバー・ワーカー・管理コマンドを起動する。
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/pulsehours/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "pulsehours: %v\n", err)
		os.Exit(1)
	}
}
