package config

import (
    "os"
    "testing"
    "time"
)

func TestLoadDefaults(t *testing.T) {
    // Clear relevant envs
    os.Unsetenv("PORT")
    os.Unsetenv("LOG_LEVEL")
    os.Unsetenv("TELEPHONY_SETUP_WINDOW_MS")
    os.Unsetenv("FALLBACK_ERROR_RATE_LIMIT")

    c := Load()

    if c.Server.Port != "8080" {
        t.Fatalf("expected default port 8080, got %q", c.Server.Port)
    }
    if c.Telephony.SetupWindow != 5*time.Second {
        t.Fatalf("expected default setup window 5s, got %v", c.Telephony.SetupWindow)
    }
    if c.Fallback.ErrorRateLimit != 0.5 {
        t.Fatalf("expected default error rate limit 0.5, got %v", c.Fallback.ErrorRateLimit)
    }
    if c.Mux.BufferSize != 256 {
        t.Fatalf("expected default mux buffer 256, got %d", c.Mux.BufferSize)
    }
}

func TestLoadEnvOverrides(t *testing.T) {
    os.Setenv("TOOLS_TIMEOUT_MS", "1500")
    os.Setenv("FALLBACK_WINDOW_SIZE", "25")
    defer os.Unsetenv("TOOLS_TIMEOUT_MS")
    defer os.Unsetenv("FALLBACK_WINDOW_SIZE")

    c := Load()

    if c.Tools.Timeout != 1500*time.Millisecond {
        t.Fatalf("expected tool timeout 1.5s, got %v", c.Tools.Timeout)
    }
    if c.Fallback.WindowSize != 25 {
        t.Fatalf("expected window size 25, got %d", c.Fallback.WindowSize)
    }
}
