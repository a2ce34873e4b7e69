package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"concierge/bridge/internal/config"
)

type CheckResult struct {
	Name    string        `json:"name"`
	OK      bool          `json:"ok"`
	Latency time.Duration `json:"latency_ms"`
	Error   string        `json:"error,omitempty"`
}

type HealthStatus struct {
	OK        bool          `json:"ok"`
	Checks    []CheckResult `json:"checks"`
	CheckedAt time.Time     `json:"checked_at"`
}

func (h HealthStatus) String() string {
	status := "OK"
	if !h.OK {
		status = "FAIL"
	}
	s := fmt.Sprintf("Health: %s\n", status)
	for _, c := range h.Checks {
		mark := "✓"
		if !c.OK {
			mark = "✗"
		}
		s += fmt.Sprintf("  %s %s (%dms)", mark, c.Name, c.Latency.Milliseconds())
		if c.Error != "" {
			s += fmt.Sprintf(" - %s", c.Error)
		}
		s += "\n"
	}
	return s
}

// CheckAll runs all upstream checks and returns combined status
func CheckAll(ctx context.Context, cfg config.Config) HealthStatus {
	checks := []CheckResult{
		checkSpeech(cfg),
		checkTools(ctx, cfg),
	}

	allOK := true
	for _, c := range checks {
		if !c.OK {
			allOK = false
		}
	}

	return HealthStatus{
		OK:        allOK,
		Checks:    checks,
		CheckedAt: time.Now().UTC(),
	}
}

// checkSpeech validates the speech-session configuration. Opening a real
// model session just to probe it would bill a session, so this stays a
// config check.
func checkSpeech(cfg config.Config) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "speech"}

	if cfg.Speech.APIKey == "" {
		result.Error = "SPEECH_API_KEY not set"
		result.Latency = time.Since(start)
		return result
	}
	if cfg.Speech.URL == "" {
		result.Error = "SPEECH_URL not set"
		result.Latency = time.Since(start)
		return result
	}
	if !strings.HasPrefix(cfg.Speech.URL, "wss://") && !strings.HasPrefix(cfg.Speech.URL, "ws://") {
		result.Error = fmt.Sprintf("SPEECH_URL %q is not a websocket URL", cfg.Speech.URL)
		result.Latency = time.Since(start)
		return result
	}

	result.OK = true
	result.Latency = time.Since(start)
	return result
}

func checkTools(ctx context.Context, cfg config.Config) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "tools"}

	if cfg.Tools.BaseURL == "" {
		result.Error = "TOOLS_BASE_URL not set"
		result.Latency = time.Since(start)
		return result
	}

	req, err := http.NewRequestWithContext(ctx, "GET", cfg.Tools.BaseURL+"/healthz", nil)
	if err != nil {
		result.Error = fmt.Sprintf("request build failed: %v", err)
		result.Latency = time.Since(start)
		return result
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		result.Error = fmt.Sprintf("request failed: %v", err)
		result.Latency = time.Since(start)
		return result
	}
	defer resp.Body.Close()

	result.Latency = time.Since(start)

	if resp.StatusCode != 200 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		result.Error = fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, string(body))
		return result
	}

	result.OK = true
	return result
}
