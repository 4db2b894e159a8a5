package portal

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"clinicclaim-agent/internal/config"

	"github.com/go-rod/rod"
	"github.com/rs/zerolog"
)

// ErrNoPendingSwitch means a partner sub-system switch was requested without
// a portal dialog having asked for it first. Switches are dialog-driven only.
var ErrNoPendingSwitch = errors.New("no pending switch request for target system")

// ErrSwitchTimeout means the target system never confirmed within the bound.
// The session context is left exactly as it was.
var ErrSwitchTimeout = errors.New("sub-system switch not confirmed in time")

var (
	partnerAURLRe = regexp.MustCompile(`(?i)phpc`)
	partnerBURLRe = regexp.MustCompile(`(?i)gp\s?-?first`)

	partnerASwitchLabelRe = `(?i)(phpc|partner\s*a)`
	partnerBSwitchLabelRe = `(?i)(gp\s*first|partner\s*b)`
	baseSwitchLabelRe     = `(?i)(main\s*portal|back\s*to\s*(portal|clinic)|home)`

	menuToggleSelectors = []string{
		`button[aria-label*="menu" i]`,
		`.navbar-toggler`,
		`.hamburger`,
		`[id*="menuToggle" i]`,
	}
)

// navSnapshot is what switch confirmation looks at: the page address and its
// visible text. Captured as a value so the decision logic stays page-free.
type navSnapshot struct {
	URL  string
	Body string
}

// matchesSystem reports whether a snapshot shows the target system's own UI.
func matchesSystem(snap navSnapshot, target System) bool {
	switch target {
	case SystemPartnerA:
		return partnerAURLRe.MatchString(snap.URL) || partnerABrandRe.MatchString(snap.Body)
	case SystemPartnerB:
		return partnerBURLRe.MatchString(snap.URL) || partnerBBrandRe.MatchString(snap.Body)
	case SystemBase:
		return !partnerAURLRe.MatchString(snap.URL) && !partnerBURLRe.MatchString(snap.URL) &&
			!partnerABrandRe.MatchString(snap.Body) && !partnerBBrandRe.MatchString(snap.Body)
	default:
		return false
	}
}

func switchLabelFor(target System) string {
	switch target {
	case SystemPartnerA:
		return partnerASwitchLabelRe
	case SystemPartnerB:
		return partnerBSwitchLabelRe
	default:
		return baseSwitchLabelRe
	}
}

// SystemSwitcher moves the session between the base portal and partner
// sub-systems. A switch to a partner system is only honored when a dialog has
// flagged it; the flag is cleared on confirmed arrival, never on failure.
type SystemSwitcher struct {
	session *Session
	dialogs *DialogCoordinator
	cfg     config.PortalConfig
	log     zerolog.Logger

	// Seams for tests. Default to the page-backed implementations.
	triggerFn  func(ctx context.Context, target System) error
	snapshotFn func() (navSnapshot, error)
}

func NewSystemSwitcher(session *Session, dialogs *DialogCoordinator, cfg config.PortalConfig, log zerolog.Logger) *SystemSwitcher {
	s := &SystemSwitcher{
		session: session,
		dialogs: dialogs,
		cfg:     cfg,
		log:     log.With().Str("component", "switcher").Logger(),
	}
	s.triggerFn = s.trigger
	s.snapshotFn = s.snapshot
	return s
}

// SwitchTo drives the session into the target system and waits, bounded, for
// the target's own UI to confirm arrival. On timeout the current system and
// any pending flags are left untouched so the caller can retry or bail.
func (s *SystemSwitcher) SwitchTo(ctx context.Context, target System) error {
	if s.session.CurrentSystem() == target {
		return nil
	}

	switch target {
	case SystemPartnerA:
		if !s.session.Flags.NeedsPartnerA() {
			return fmt.Errorf("%w: %s", ErrNoPendingSwitch, target)
		}
	case SystemPartnerB:
		if !s.session.Flags.NeedsPartnerB() {
			return fmt.Errorf("%w: %s", ErrNoPendingSwitch, target)
		}
	}

	s.log.Info().Str("target", target.String()).Msg("switching sub-system")

	if err := s.triggerFn(ctx, target); err != nil {
		return fmt.Errorf("triggering switch to %s: %w", target, err)
	}

	if err := s.awaitConfirmation(ctx, target); err != nil {
		return err
	}

	s.session.setSystem(target)
	switch target {
	case SystemPartnerA:
		s.session.Flags.ClearPartnerA()
	case SystemPartnerB:
		s.session.Flags.ClearPartnerB()
	}
	s.log.Info().Str("system", target.String()).Msg("sub-system switch confirmed")
	return nil
}

func (s *SystemSwitcher) awaitConfirmation(ctx context.Context, target System) error {
	deadline := time.Now().Add(s.cfg.SwitchBound())
	for {
		snap, err := s.snapshotFn()
		if err == nil && matchesSystem(snap, target) {
			return nil
		}
		if err != nil {
			s.log.Debug().Err(err).Msg("confirmation snapshot")
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s after %s", ErrSwitchTimeout, target, s.cfg.SwitchBound())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.PollEvery()):
		}
	}
}

// trigger finds and activates the control that starts the switch, adopting
// any popup window the portal opens for the partner system.
func (s *SystemSwitcher) trigger(ctx context.Context, target System) error {
	page := s.session.Pages.Active()
	if page == nil {
		return errors.New("no active page")
	}

	el := s.findSwitchControl(page, target)
	if el == nil {
		return fmt.Errorf("switch control for %s not found", target)
	}

	// Partner systems sometimes open in a new window. Arm the wait before
	// clicking so a fast popup is not missed.
	wait := page.Timeout(3 * time.Second).WaitOpen()

	if err := el.Timeout(s.cfg.ActionBound()).Click("left", 1); err != nil {
		s.log.Warn().Err(err).Msg("switch control click, using forced click")
		if _, err := el.Eval(`() => this.click()`); err != nil {
			return fmt.Errorf("activating switch control: %w", err)
		}
	}

	if popup, err := wait(); err == nil && popup != nil {
		popup = popup.CancelTimeout()
		s.log.Info().Msg("partner system opened in popup, adopting")
		s.session.Pages.Adopt(popup)
		s.dialogs.Install(popup, false)
	}
	return nil
}

// findSwitchControl tries the visible navigation first, then expands
// collapsed menus, then falls back to select dropdowns.
func (s *SystemSwitcher) findSwitchControl(page *rod.Page, target System) *rod.Element {
	label := switchLabelFor(target)

	if el, err := page.Timeout(2 * time.Second).ElementR(`a, button`, label); err == nil {
		if visible, err := el.Visible(); err == nil && visible {
			return el
		}
	}

	for _, sel := range menuToggleSelectors {
		toggle, err := page.Timeout(time.Second).Element(sel)
		if err != nil {
			continue
		}
		if err := toggle.Timeout(2 * time.Second).Click("left", 1); err != nil {
			continue
		}
		if el, err := page.Timeout(2 * time.Second).ElementR(`a, button`, label); err == nil {
			if visible, err := el.Visible(); err == nil && visible {
				return el
			}
		}
	}

	if el, err := page.Timeout(2 * time.Second).ElementR(`select option`, label); err == nil {
		if parent, err := el.Parent(); err == nil {
			return parent
		}
	}
	return nil
}

func (s *SystemSwitcher) snapshot() (navSnapshot, error) {
	page := s.session.Pages.Active()
	if page == nil {
		return navSnapshot{}, errors.New("no active page")
	}
	info, err := page.Timeout(2 * time.Second).Info()
	if err != nil {
		return navSnapshot{}, err
	}
	return navSnapshot{URL: info.URL, Body: visibleBodyText(page)}, nil
}
