package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sheerbytes/chunkget/internal/cli/get"
	"github.com/sheerbytes/chunkget/internal/config"
	"github.com/sheerbytes/chunkget/internal/termio"
)

const version = "v0.1.0"

func main() {
	termio.Init()
	if hasVersionFlag(os.Args[1:]) {
		fmt.Fprintln(termio.Stdout(), version)
		termio.Flush()
		return
	}
	if err := config.LoadDotEnv(""); err != nil {
		fmt.Fprintln(termio.Stderr(), err)
		termio.Flush()
		os.Exit(get.ExitBadArgument)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := get.Run(ctx, os.Args[1:], termio.Stdout(), termio.Stderr())
	stop()
	termio.Flush()
	os.Exit(code)
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" {
			return true
		}
	}
	return false
}
