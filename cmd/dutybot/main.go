package main

import (
	"os"

	logx "dutybot/pkg/logx"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logx.NewConsole("INFO").Error("dutybot failed", logx.Err(err))
		os.Exit(1)
	}
}
