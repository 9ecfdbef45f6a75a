package app

import (
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
)

const testModeEnv = "ODYSSEY_TEST_MODE"

var (
	testModeFlag atomic.Bool
	testModeOnce sync.Once
)

// detectTestMode reads the ODYSSEY_TEST_MODE flag once.
func detectTestMode() {
	testModeFlag.Store(os.Getenv(testModeEnv) == "1")
}

// InTestMode reports whether the application should skip runtime side effects.
func InTestMode() bool {
	testModeOnce.Do(detectTestMode)
	return testModeFlag.Load()
}

// RefreshTestMode updates the cached flag after environment changes.
func RefreshTestMode() {
	testModeOnce.Do(func() {})
	detectTestMode()
}

// SkipInTestMode logs and reports true when the binary named component must
// exit without touching Postgres, Redis or the network.
func SkipInTestMode(logger *slog.Logger, component string) bool {
	if !InTestMode() {
		return false
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("test mode active, skipping startup", slog.String("component", component))
	return true
}
