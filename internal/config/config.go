package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Env variable names for portal credentials. Credentials are never read from
// the YAML file.
const (
	EnvUsername = "CLINIC_PORTAL_USERNAME"
	EnvPassword = "CLINIC_PORTAL_PASSWORD"
)

// Config captures all tunable settings for the claim-draft agent.
type Config struct {
	Agent   AgentConfig   `yaml:"agent"`
	Portal  PortalConfig  `yaml:"portal"`
	Browser BrowserConfig `yaml:"browser"`
	Diag    DiagConfig    `yaml:"diag"`
}

type AgentConfig struct {
	Name    string `yaml:"name"`
	LogFile string `yaml:"log_file"`
	// Rotating log settings (megabytes / file count).
	LogMaxSizeMB  int `yaml:"log_max_size_mb"`
	LogMaxBackups int `yaml:"log_max_backups"`
	// Hard cap on login attempts across a whole run, summed over all
	// patients. Zero means the default.
	MaxLoginAttemptsPerRun int `yaml:"max_login_attempts_per_run"`
}

// PortalConfig describes the remote clinic portal and the timing bounds the
// state machine uses against it.
type PortalConfig struct {
	// Base address of the portal login/search entry point.
	BaseURL string `yaml:"base_url"`
	// Per-call login attempt bound (default: 3).
	LoginAttempts int `yaml:"login_attempts"`
	// How long a successful login is trusted without re-checking (e.g., "10m").
	SessionLiveness string `yaml:"session_liveness"`
	// Bound for sub-system switch confirmation polling (e.g., "20s").
	SwitchTimeout string `yaml:"switch_timeout"`
	// Bound for patient search result polling (e.g., "15s").
	SearchTimeout string `yaml:"search_timeout"`
	// Interval between confirmation polls (e.g., "500ms").
	PollInterval string `yaml:"poll_interval"`
	// Bound for a single guarded click (e.g., "5s").
	ActionTimeout string `yaml:"action_timeout"`
	// Minimum patient identifier length the portal accepts (default: 4).
	MinSearchTermLength int `yaml:"min_search_term_length"`
}

// BrowserConfig configures how we attach to or launch Chrome for Rod.
type BrowserConfig struct {
	// Control endpoint for Rod (e.g., ws://localhost:9222). Required when launch is empty.
	DebuggerURL string `yaml:"debugger_url"`
	// Optional launch command to start Chrome (e.g., ["chrome", "--remote-debugging-port=9222"]).
	Launch []string `yaml:"launch"`
	// Headless controls whether Chrome runs in headless mode (default: true).
	Headless *bool `yaml:"headless"`
	// Default navigation timeout (e.g., "15s").
	DefaultNavigationTimeout string `yaml:"default_navigation_timeout"`
	// Viewport for new pages (default: 1920x1080).
	ViewportWidth  int `yaml:"viewport_width"`
	ViewportHeight int `yaml:"viewport_height"`
}

// DiagConfig controls the diagnostic side channel. Nothing here affects the
// behavior of the core state machine.
type DiagConfig struct {
	// Directory for JSONL run traces.
	TraceDir string `yaml:"trace_dir"`
	// Directory for checkpoint screenshots.
	ScreenshotDir string `yaml:"screenshot_dir"`
	// How many rotated trace files to keep (default: 5).
	MaxTraces int `yaml:"max_traces"`
	// Screenshots are best-effort; disable them entirely here.
	Screenshots *bool `yaml:"screenshots"`
}

// Credentials are supplied via environment only.
type Credentials struct {
	Username string
	Password string
}

// DefaultConfig provides reasonable defaults for local development.
func DefaultConfig() Config {
	return Config{
		Agent: AgentConfig{
			Name:                   "clinicclaim-agent",
			LogFile:                "clinicclaim-agent.log",
			LogMaxSizeMB:           20,
			LogMaxBackups:          5,
			MaxLoginAttemptsPerRun: 10,
		},
		Portal: PortalConfig{
			LoginAttempts:       3,
			SessionLiveness:     "10m",
			SwitchTimeout:       "20s",
			SearchTimeout:       "15s",
			PollInterval:        "500ms",
			ActionTimeout:       "5s",
			MinSearchTermLength: 4,
		},
		Browser: BrowserConfig{
			DefaultNavigationTimeout: "15s",
			ViewportWidth:            1920,
			ViewportHeight:           1080,
		},
		Diag: DiagConfig{
			TraceDir:      "data/traces",
			ScreenshotDir: "data/screenshots",
			MaxTraces:     5,
		},
	}
}

// Load reads YAML config from disk and overlays defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, errors.New("config path is required")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// LoadCredentials reads portal credentials from the environment, loading a
// .env file first when one exists.
func LoadCredentials() (Credentials, error) {
	// Missing .env is fine; explicit env vars win either way.
	_ = godotenv.Load()

	creds := Credentials{
		Username: os.Getenv(EnvUsername),
		Password: os.Getenv(EnvPassword),
	}
	if creds.Username == "" || creds.Password == "" {
		return creds, fmt.Errorf("credentials not set: %s and %s are required", EnvUsername, EnvPassword)
	}
	return creds, nil
}

// Validate ensures required fields exist so a run can start deterministically.
func (c *Config) Validate() error {
	if c.Agent.Name == "" {
		return errors.New("agent.name is required")
	}
	if c.Portal.BaseURL == "" {
		return errors.New("portal.base_url is required")
	}
	if c.Browser.DebuggerURL == "" && len(c.Browser.Launch) == 0 {
		return errors.New("browser.debugger_url or browser.launch must be provided")
	}
	return nil
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// LoginAttemptBound returns the per-call login attempt bound with a sane default.
func (p PortalConfig) LoginAttemptBound() int {
	if p.LoginAttempts <= 0 {
		return 3
	}
	return p.LoginAttempts
}

// LivenessWindow returns how long a successful login stays trusted.
func (p PortalConfig) LivenessWindow() time.Duration {
	return parseDurationOr(p.SessionLiveness, 10*time.Minute)
}

// SwitchBound returns the sub-system switch confirmation bound.
func (p PortalConfig) SwitchBound() time.Duration {
	return parseDurationOr(p.SwitchTimeout, 20*time.Second)
}

// SearchBound returns the patient search polling bound.
func (p PortalConfig) SearchBound() time.Duration {
	return parseDurationOr(p.SearchTimeout, 15*time.Second)
}

// PollEvery returns the interval between confirmation polls.
func (p PortalConfig) PollEvery() time.Duration {
	return parseDurationOr(p.PollInterval, 500*time.Millisecond)
}

// ActionBound returns the bound for a single guarded click.
func (p PortalConfig) ActionBound() time.Duration {
	return parseDurationOr(p.ActionTimeout, 5*time.Second)
}

// MinTermLength returns the minimum accepted search term length.
func (p PortalConfig) MinTermLength() int {
	if p.MinSearchTermLength <= 0 {
		return 4
	}
	return p.MinSearchTermLength
}

// NavigationTimeout returns the parsed navigation timeout with a sane default.
func (b BrowserConfig) NavigationTimeout() time.Duration {
	return parseDurationOr(b.DefaultNavigationTimeout, 15*time.Second)
}

// IsHeadless returns whether Chrome should run in headless mode (default: true).
func (b BrowserConfig) IsHeadless() bool {
	if b.Headless == nil {
		return true
	}
	return *b.Headless
}

// GetViewportWidth returns the viewport width with a sane default.
func (b BrowserConfig) GetViewportWidth() int {
	if b.ViewportWidth <= 0 {
		return 1920
	}
	return b.ViewportWidth
}

// GetViewportHeight returns the viewport height with a sane default.
func (b BrowserConfig) GetViewportHeight() int {
	if b.ViewportHeight <= 0 {
		return 1080
	}
	return b.ViewportHeight
}

// KeepTraces returns how many rotated trace files to keep.
func (d DiagConfig) KeepTraces() int {
	if d.MaxTraces <= 0 {
		return 5
	}
	return d.MaxTraces
}

// ScreenshotsEnabled reports whether checkpoint screenshots should be taken.
func (d DiagConfig) ScreenshotsEnabled() bool {
	if d.Screenshots == nil {
		return true
	}
	return *d.Screenshots
}

// MaxRunLoginAttempts returns the process-wide login attempt cap.
func (a AgentConfig) MaxRunLoginAttempts() int {
	if a.MaxLoginAttemptsPerRun <= 0 {
		return 10
	}
	return a.MaxLoginAttemptsPerRun
}
