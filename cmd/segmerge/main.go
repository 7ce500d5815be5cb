// Command segmerge merges recorder segments from the command line with the
// same merger the webhook service uses.
package main

import (
	"fmt"
	"log/slog"
	"os"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
	return NewRootCmd(&Dependencies{Out: os.Stdout}).Execute()
}
