package main

import (
	"log/slog"
	"os"

	"github.com/lmeireles/snapex/cmd/snapex/commands"
)

func main() {
	// Initialize structured logger with text format for readability
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: commands.LogLevel,
	}))
	slog.SetDefault(logger)

	os.Exit(commands.Execute())
}
