package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"clinicclaim-agent/internal/config"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog"
)

// ErrNoActivePage is returned when an operation needs a page before one exists.
var ErrNoActivePage = errors.New("no active page")

// Manager owns the Chrome instance and the arena of page handles. Exactly one
// handle is "active" at a time; everything downstream interacts with the
// portal through that handle. Ownership transfers only through Adopt.
type Manager struct {
	cfg config.BrowserConfig
	log zerolog.Logger

	mu         sync.Mutex
	browser    *rod.Browser
	active     *rod.Page
	generation int // increments on every adoption, for staleness diagnostics
	controlURL string
}

func NewManager(cfg config.BrowserConfig, log zerolog.Logger) *Manager {
	return &Manager{cfg: cfg, log: log.With().Str("component", "browser").Logger()}
}

// Start connects to an existing Chrome or launches a new one using Rod's launcher.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.browser != nil {
		if _, err := m.browser.Version(); err == nil {
			return nil // healthy, reuse
		}
		m.log.Warn().Msg("stale browser connection detected, reconnecting")
		_ = m.browser.Close()
		m.browser = nil
		m.active = nil
		m.controlURL = ""
	}

	controlURL := m.cfg.DebuggerURL
	if controlURL == "" && len(m.cfg.Launch) > 0 {
		bin := m.cfg.Launch[0]
		launch := launcher.New().Bin(bin).Headless(m.cfg.IsHeadless())
		for _, rawFlag := range m.cfg.Launch[1:] {
			flagStr := strings.TrimLeft(rawFlag, "-")
			name, val, hasVal := strings.Cut(flagStr, "=")
			if hasVal {
				launch = launch.Set(flags.Flag(name), val)
			} else {
				launch = launch.Set(flags.Flag(name))
			}
		}
		url, err := launch.Launch()
		if err != nil {
			// Fallback: let Rod pick the port and defaults.
			fallback := launcher.New().Bin(bin).Headless(m.cfg.IsHeadless())
			alt, altErr := fallback.Launch()
			if altErr != nil {
				return fmt.Errorf("launch chrome: %w (fallback: %v)", err, altErr)
			}
			controlURL = alt
		} else {
			controlURL = url
		}
	}

	if controlURL == "" {
		return errors.New("no debugger_url or launch command provided")
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}

	m.browser = browser
	m.controlURL = controlURL
	m.log.Info().Str("control_url", controlURL).Msg("browser connected")
	return nil
}

// OpenPage creates a fresh page, makes it the active handle, and navigates to url.
// Any previous active handle is closed.
func (m *Manager) OpenPage(url string) (*rod.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.browser == nil {
		return nil, errors.New("browser not connected")
	}

	page, err := m.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             m.cfg.GetViewportWidth(),
		Height:            m.cfg.GetViewportHeight(),
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		m.log.Warn().Err(err).Msg("failed to set viewport")
	}

	if err := page.Timeout(m.cfg.NavigationTimeout()).Navigate(url); err != nil {
		_ = page.Close()
		return nil, fmt.Errorf("navigate to %s: %w", url, err)
	}

	m.swapActiveLocked(page)
	return page, nil
}

// Active returns the current active page handle, or nil before OpenPage.
func (m *Manager) Active() *rod.Page {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Generation returns how many adoptions have happened. Useful for asserting
// that no stale handle survived an ownership transfer.
func (m *Manager) Generation() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

// Adopt makes page the active handle and closes the previous one. This is the
// only ownership transfer point for popup pages; the swap is atomic with
// respect to Active().
func (m *Manager) Adopt(page *rod.Page) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.swapActiveLocked(page)
}

func (m *Manager) swapActiveLocked(page *rod.Page) {
	prev := m.active
	m.active = page
	m.generation++
	if prev != nil && prev != page {
		if err := prev.Close(); err != nil {
			m.log.Warn().Err(err).Msg("closing previous page handle")
		}
	}
}

// ClearSiteData wipes cookies and site storage for the active page's origin
// and reloads. Used for CSRF/session-invalid recovery.
func (m *Manager) ClearSiteData() error {
	page := m.Active()
	if page == nil {
		return ErrNoActivePage
	}

	info, err := page.Info()
	if err != nil {
		return fmt.Errorf("page info: %w", err)
	}

	if err := (proto.NetworkClearBrowserCookies{}).Call(page); err != nil {
		return fmt.Errorf("clear cookies: %w", err)
	}
	origin := originOf(info.URL)
	if origin != "" {
		if err := (proto.StorageClearDataForOrigin{
			Origin:       origin,
			StorageTypes: "all",
		}).Call(page); err != nil {
			// Storage clearing is best-effort; cookies are the part that matters.
			m.log.Warn().Err(err).Str("origin", origin).Msg("clear site storage")
		}
	}

	if err := page.Timeout(m.cfg.NavigationTimeout()).Reload(); err != nil {
		return fmt.Errorf("reload after clearing site data: %w", err)
	}
	return page.Timeout(m.cfg.NavigationTimeout()).WaitLoad()
}

// Navigate drives the active page to url within the configured bound.
func (m *Manager) Navigate(url string) error {
	page := m.Active()
	if page == nil {
		return ErrNoActivePage
	}
	if err := page.Timeout(m.cfg.NavigationTimeout()).Navigate(url); err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	return page.Timeout(m.cfg.NavigationTimeout()).WaitLoad()
}

// Screenshot captures the active page as PNG. Best-effort diagnostics only.
func (m *Manager) Screenshot() ([]byte, error) {
	page := m.Active()
	if page == nil {
		return nil, ErrNoActivePage
	}
	data, err := page.Timeout(10 * time.Second).Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return nil, fmt.Errorf("capture screenshot: %w", err)
	}
	return data, nil
}

// Shutdown closes the active page and the underlying browser.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		_ = m.active.Close()
		m.active = nil
	}

	var err error
	if m.browser != nil {
		err = m.browser.Close()
		m.browser = nil
	}
	m.controlURL = ""
	m.log.Info().Msg("browser shutdown complete")
	return err
}

// originOf reduces a URL to its scheme://host[:port] origin.
func originOf(url string) string {
	rest := url
	scheme, after, ok := strings.Cut(rest, "://")
	if !ok {
		return ""
	}
	host := after
	if i := strings.IndexAny(host, "/?#"); i >= 0 {
		host = host[:i]
	}
	if host == "" {
		return ""
	}
	return scheme + "://" + host
}
