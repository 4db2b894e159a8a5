package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Agent.Name != "clinicclaim-agent" {
		t.Errorf("unexpected agent name: %s", cfg.Agent.Name)
	}
	if cfg.Portal.LoginAttemptBound() != 3 {
		t.Errorf("expected 3 login attempts, got %d", cfg.Portal.LoginAttemptBound())
	}
	if cfg.Portal.LivenessWindow() != 10*time.Minute {
		t.Errorf("unexpected liveness window: %v", cfg.Portal.LivenessWindow())
	}
	if !cfg.Browser.IsHeadless() {
		t.Error("expected headless by default")
	}
	if !cfg.Diag.ScreenshotsEnabled() {
		t.Error("expected screenshots enabled by default")
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	raw := `
portal:
  base_url: "https://portal.example.sg"
  login_attempts: 2
  switch_timeout: "7s"
browser:
  debugger_url: "ws://localhost:9222"
  headless: false
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Portal.BaseURL != "https://portal.example.sg" {
		t.Errorf("unexpected base url: %s", cfg.Portal.BaseURL)
	}
	if cfg.Portal.LoginAttemptBound() != 2 {
		t.Errorf("expected 2 attempts, got %d", cfg.Portal.LoginAttemptBound())
	}
	if cfg.Portal.SwitchBound() != 7*time.Second {
		t.Errorf("unexpected switch bound: %v", cfg.Portal.SwitchBound())
	}
	if cfg.Browser.IsHeadless() {
		t.Error("expected headless disabled")
	}
	// Untouched sections keep defaults.
	if cfg.Portal.SearchBound() != 15*time.Second {
		t.Errorf("unexpected search bound: %v", cfg.Portal.SearchBound())
	}
}

func TestValidateRejectsMissingPortal(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Browser.DebuggerURL = "ws://localhost:9222"
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for missing base_url")
	}

	cfg.Portal.BaseURL = "https://portal.example.sg"
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected validation error: %v", err)
	}
}

func TestValidateRequiresBrowserEndpoint(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Portal.BaseURL = "https://portal.example.sg"
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error with no debugger_url and no launch command")
	}

	cfg.Browser.Launch = []string{"chrome", "--remote-debugging-port=9222"}
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected validation error: %v", err)
	}
}

func TestDurationFallbacks(t *testing.T) {
	p := PortalConfig{SwitchTimeout: "not-a-duration", PollInterval: ""}
	if p.SwitchBound() != 20*time.Second {
		t.Errorf("expected fallback switch bound, got %v", p.SwitchBound())
	}
	if p.PollEvery() != 500*time.Millisecond {
		t.Errorf("expected fallback poll interval, got %v", p.PollEvery())
	}
}

func TestLoadCredentialsFromEnv(t *testing.T) {
	t.Setenv(EnvUsername, "clinic01")
	t.Setenv(EnvPassword, "s3cret")

	creds, err := LoadCredentials()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if creds.Username != "clinic01" || creds.Password != "s3cret" {
		t.Errorf("unexpected credentials: %+v", creds)
	}
}

func TestLoadCredentialsMissing(t *testing.T) {
	t.Setenv(EnvUsername, "")
	t.Setenv(EnvPassword, "")

	if _, err := LoadCredentials(); err == nil {
		t.Error("expected error when credentials absent")
	}
}
