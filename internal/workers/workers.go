package workers

import (
	"os"
	"runtime"
	"strconv"
)

// EnvOverride names the environment variable that pins the transcode
// worker count.
const EnvOverride = "TRANSCODE_WORKERS"

// Count returns the number of workers for a task type. It respects
// container CPU limits via GOMAXPROCS (Go 1.19+).
//
// The multiplier adjusts for task characteristics:
//   - 1.0 for CPU-bound tasks such as audio encoding
//   - 2.0 for I/O-bound tasks such as remote transcoding
//
// The limit parameter caps the worker count. Use 0 for no limit.
//
// Can be overridden with the TRANSCODE_WORKERS environment variable.
func Count(multiplier float64, limit int) int {
	if override := os.Getenv(EnvOverride); override != "" {
		if count, err := strconv.Atoi(override); err == nil && count > 0 {
			if limit > 0 && count > limit {
				return limit
			}
			return count
		}
	}

	// GOMAXPROCS is automatically set to container CPU limit in Go 1.19+
	available := runtime.GOMAXPROCS(0)

	workers := int(float64(available) * multiplier)

	if workers < 1 {
		workers = 1
	}
	if limit > 0 && workers > limit {
		workers = limit
	}

	return workers
}

// ForTranscode returns the provider slot count for local encoding
// (1 per CPU). The limit parameter caps the maximum number of workers.
func ForTranscode(limit int) int {
	return Count(1.0, limit)
}

// ForRemote returns the slot count when encoding happens off-host
// (2 per CPU), since local work is only stream copying.
func ForRemote(limit int) int {
	return Count(2.0, limit)
}
