// Package testutil provides shared test infrastructure.
package testutil

import (
	"log/slog"
	"os"
)

// TestLogger returns a logger suitable for tests: quiet unless something is wrong.
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
