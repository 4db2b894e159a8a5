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

var (
	// ErrLoginFailed means every attempt in one Login call was exhausted.
	ErrLoginFailed = errors.New("login failed")
	// ErrAuthRejected means the portal explicitly rejected the credentials;
	// retrying would only lock the account.
	ErrAuthRejected = errors.New("authentication rejected")
	// ErrLoginInProgress guards against two concurrent logins racing on the
	// same page.
	ErrLoginInProgress = errors.New("login already in progress")
)

var (
	csrfBannerRe = regexp.MustCompile(`(?i)(csrf|invalid session|session (is |has )?(invalid|expired)|token mismatch)`)
	authErrorRe  = regexp.MustCompile(`(?i)(invalid (user\s?id|username|login) or password|authentication failed|incorrect password|account (is )?locked)`)
	loginFormRe  = regexp.MustCompile(`(?i)(log\s?in|sign\s?in)`)
	logoutRe     = regexp.MustCompile(`(?i)(log\s?out|sign\s?out)`)
)

// Credential field lookup is an ordered guess list; the portal documents no
// stable selector contract. First structural match wins.
var (
	usernameSelectors = []string{
		`input[name="username"]`,
		`input[name="userid"]`,
		`input[name="loginId"]`,
		`input[type="text"][id*="user" i]`,
		`form input[type="text"]`,
	}
	passwordSelectors = []string{
		`input[name="password"]`,
		`input[type="password"]`,
	}
	loginButtonSelectors = []string{
		`button[type="submit"]`,
		`input[type="submit"]`,
		`button[id*="login" i]`,
	}
)

// SessionManager establishes and maintains the authenticated portal context.
type SessionManager struct {
	session *Session
	cfg     config.PortalConfig
	creds   config.Credentials
	log     zerolog.Logger

	// attemptFn runs one navigate-detect-fill-submit cycle. Swappable in
	// tests; defaults to (*SessionManager).attempt.
	attemptFn func(ctx context.Context) (bool, error)
}

func NewSessionManager(session *Session, cfg config.PortalConfig, creds config.Credentials, log zerolog.Logger) *SessionManager {
	m := &SessionManager{
		session: session,
		cfg:     cfg,
		creds:   creds,
		log:     log.With().Str("component", "session").Logger(),
	}
	m.attemptFn = m.attempt
	return m
}

// Login brings the session to an authenticated state. Repeated calls within
// the liveness window are free: the short-circuit happens before any page
// interaction. Exhausting the attempt bound is fatal and propagates.
func (m *SessionManager) Login(ctx context.Context) error {
	if m.session.Authenticated(m.cfg.LivenessWindow()) {
		m.log.Debug().Msg("session still live, login skipped")
		return nil
	}

	if !m.session.beginLogin() {
		return ErrLoginInProgress
	}
	defer m.session.endLogin()

	bound := m.cfg.LoginAttemptBound()
	for attempt := 1; attempt <= bound; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		ok, err := m.attemptFn(ctx)
		if err != nil {
			// Explicit rejection. Do not hammer the portal further.
			return err
		}
		if ok {
			m.session.markAuthenticated(time.Now())
			m.log.Info().Int("attempt", attempt).Msg("login succeeded")
			return nil
		}
		m.log.Warn().Int("attempt", attempt).Msg("login attempt did not authenticate")
	}

	m.session.invalidateAuth()
	return fmt.Errorf("%w after %d attempts", ErrLoginFailed, bound)
}

// attempt runs one full login cycle. Returns (true, nil) on success,
// (false, nil) when a retry is worthwhile, and a non-nil error only for the
// fatal explicit-rejection case.
func (m *SessionManager) attempt(ctx context.Context) (bool, error) {
	if err := m.session.Pages.Navigate(m.cfg.BaseURL); err != nil {
		m.log.Warn().Err(err).Msg("navigate to portal")
		return false, nil
	}
	page := m.session.Pages.Active()
	if page == nil {
		return false, nil
	}

	body := visibleBodyText(page)

	if csrfBannerRe.MatchString(body) {
		m.log.Warn().Msg("CSRF banner detected, resetting browsing context")
		if err := m.session.Pages.ClearSiteData(); err != nil {
			m.log.Warn().Err(err).Msg("clearing site data")
		}
		return false, nil
	}

	if logoutRe.MatchString(body) && !loginFormRe.MatchString(body) {
		// Already authenticated from a previous run.
		return true, nil
	}

	userEl := firstMatch(page, usernameSelectors)
	passEl := firstMatch(page, passwordSelectors)
	if userEl == nil || passEl == nil {
		m.log.Warn().Msg("credential fields not found")
		return false, nil
	}

	if err := fillInput(userEl, m.creds.Username); err != nil {
		m.log.Warn().Err(err).Msg("filling username")
		return false, nil
	}
	if err := fillInput(passEl, m.creds.Password); err != nil {
		m.log.Warn().Err(err).Msg("filling password")
		return false, nil
	}

	if btn := firstMatch(page, loginButtonSelectors); btn != nil {
		if err := btn.Timeout(5 * time.Second).Click("left", 1); err != nil {
			m.log.Warn().Err(err).Msg("clicking login button")
		}
	} else {
		// Key-submit fallback when the form exposes no button.
		if err := page.Keyboard.Press('\r'); err != nil {
			m.log.Warn().Err(err).Msg("key-submit fallback")
		}
	}

	if err := page.Timeout(m.cfg.SearchBound()).WaitLoad(); err != nil {
		m.log.Warn().Err(err).Msg("waiting for post-login load")
	}

	body = visibleBodyText(page)
	switch {
	case csrfBannerRe.MatchString(body):
		m.log.Warn().Msg("CSRF banner after submit, resetting")
		if err := m.session.Pages.ClearSiteData(); err != nil {
			m.log.Warn().Err(err).Msg("clearing site data")
		}
		return false, nil
	case authErrorRe.MatchString(body):
		return false, fmt.Errorf("%w: portal reported an authentication error", ErrAuthRejected)
	case logoutRe.MatchString(body):
		return true, nil
	default:
		return false, nil
	}
}

// firstMatch walks an ordered selector list and returns the first visible hit.
func firstMatch(page *rod.Page, selectors []string) *rod.Element {
	for _, sel := range selectors {
		el, err := page.Timeout(2 * time.Second).Element(sel)
		if err != nil {
			continue
		}
		if visible, err := el.Visible(); err != nil || !visible {
			continue
		}
		return el
	}
	return nil
}

func fillInput(el *rod.Element, value string) error {
	if err := el.SelectAllText(); err == nil {
		_ = el.Input("")
	}
	return el.Input(value)
}

func visibleBodyText(page *rod.Page) string {
	res, err := page.Timeout(3 * time.Second).Eval(`() => document.body ? document.body.innerText : ''`)
	if err != nil || res == nil {
		return ""
	}
	return res.Value.Str()
}
