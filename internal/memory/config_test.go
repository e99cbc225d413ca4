package memory

import (
	"runtime/debug"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.MemoryLimitBytes != 0 {
		t.Errorf("Expected MemoryLimitBytes to be 0, got %d", cfg.MemoryLimitBytes)
	}
	if cfg.HighWaterMark >= cfg.CriticalWaterMark {
		t.Errorf("HighWaterMark %.2f should be below CriticalWaterMark %.2f", cfg.HighWaterMark, cfg.CriticalWaterMark)
	}
	if cfg.CheckInterval != 5*time.Second {
		t.Errorf("Expected CheckInterval to be 5s, got %v", cfg.CheckInterval)
	}
}

// restoreMemoryLimit resets the runtime limit changed by ConfigureFromEnv.
func restoreMemoryLimit(t *testing.T) {
	t.Helper()
	old := debug.SetMemoryLimit(-1)
	t.Cleanup(func() { debug.SetMemoryLimit(old) })
}

func TestConfigureFromEnv(t *testing.T) {
	tests := []struct {
		name           string
		memoryLimit    string
		memoryRatio    string
		wantConfigured bool
		wantSource     string
		wantGoLimit    int64
		wantRatio      float64
	}{
		{
			name:       "Nothing set",
			wantSource: sourceNone,
		},
		{
			name:        "Unparsable limit",
			memoryLimit: "lots",
			wantSource:  sourceNone,
		},
		{
			name:        "Negative limit",
			memoryLimit: "-5",
			wantSource:  sourceNone,
		},
		{
			name:           "Default ratio",
			memoryLimit:    "1000000000",
			wantConfigured: true,
			wantSource:     sourceMemoryLimit,
			wantGoLimit:    750000000,
			wantRatio:      DefaultMemoryRatio,
		},
		{
			name:           "Custom ratio",
			memoryLimit:    "1000000000",
			memoryRatio:    "0.5",
			wantConfigured: true,
			wantSource:     sourceMemoryLimit,
			wantGoLimit:    500000000,
			wantRatio:      0.5,
		},
		{
			name:           "Ratio out of range falls back to default",
			memoryLimit:    "1000000000",
			memoryRatio:    "1.5",
			wantConfigured: true,
			wantSource:     sourceMemoryLimit,
			wantGoLimit:    750000000,
			wantRatio:      DefaultMemoryRatio,
		},
		{
			name:           "Unparsable ratio falls back to default",
			memoryLimit:    "1000000000",
			memoryRatio:    "most",
			wantConfigured: true,
			wantSource:     sourceMemoryLimit,
			wantGoLimit:    750000000,
			wantRatio:      DefaultMemoryRatio,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			restoreMemoryLimit(t)
			t.Setenv("GOMEMLIMIT", "")
			t.Setenv("MEMORY_LIMIT", tt.memoryLimit)
			t.Setenv("MEMORY_RATIO", tt.memoryRatio)

			result := ConfigureFromEnv()

			if result.Configured != tt.wantConfigured {
				t.Errorf("Configured = %v, want %v", result.Configured, tt.wantConfigured)
			}
			if result.Source != tt.wantSource {
				t.Errorf("Source = %q, want %q", result.Source, tt.wantSource)
			}
			if result.GoMemLimit != tt.wantGoLimit {
				t.Errorf("GoMemLimit = %d, want %d", result.GoMemLimit, tt.wantGoLimit)
			}
			if result.Ratio != tt.wantRatio {
				t.Errorf("Ratio = %f, want %f", result.Ratio, tt.wantRatio)
			}
			if tt.wantConfigured {
				if got := debug.SetMemoryLimit(-1); got != tt.wantGoLimit {
					t.Errorf("runtime memory limit = %d, want %d", got, tt.wantGoLimit)
				}
			}
		})
	}
}

func TestConfigureFromEnvPrefersGOMEMLIMIT(t *testing.T) {
	restoreMemoryLimit(t)
	t.Setenv("GOMEMLIMIT", "500MiB")
	t.Setenv("MEMORY_LIMIT", "1073741824")

	// GOMEMLIMIT is only read at startup, so set the runtime limit directly.
	debug.SetMemoryLimit(500 * 1024 * 1024)

	result := ConfigureFromEnv()

	if !result.Configured || result.Source != sourceGOMEMLIMIT {
		t.Fatalf("result = %+v, want configured from GOMEMLIMIT", result)
	}
	if result.GoMemLimit != 500*1024*1024 {
		t.Errorf("GoMemLimit = %d", result.GoMemLimit)
	}
	if result.ContainerLimit != 0 {
		t.Errorf("ContainerLimit = %d, MEMORY_LIMIT should be ignored", result.ContainerLimit)
	}
}
