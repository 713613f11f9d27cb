// Build information injected through -ldflags, e.g.
//   go build -ldflags "-X github.com/nobletooth/ttlkv/pkg/utils.Version=v0.3.1"
// CAUTION: Keep the variable names stable, release scripts refer to them.

package utils

import (
	"log/slog"
	"strconv"
	"time"
)

// devVersion is reported by binaries built without release ldflags.
const devVersion = "v0.0.0-dev"

var (
	TestMode   string // Set to "true" by test builds; turns invariant violations into panics.
	IsTestMode bool
	Version    string
	Commit     string
	BuildTime  string
	StartTime  time.Time
)

func init() {
	StartTime = time.Now()

	if Version == "" {
		Version = devVersion
	}
	if Commit == "" {
		Commit = "unknown"
	}
	if BuildTime == "" {
		BuildTime = "unknown"
	}
	if len(TestMode) > 0 {
		if isTestMode, err := strconv.ParseBool(TestMode); err == nil {
			IsTestMode = isTestMode
		} else {
			slog.Warn("Failed to parse TestMode build flag, defaulting to false.", "error", err)
		}
	}
}

// Uptime reports how long the process has been running.
func Uptime() time.Duration {
	return time.Since(StartTime)
}
