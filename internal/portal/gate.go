package portal

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/rs/zerolog"
)

// ErrUnsafeAction aborts the run: a click would have hit a submit-like
// control on a live claim form. Never retried, never swallowed.
var ErrUnsafeAction = errors.New("unsafe action: submit-like control on claim form")

var (
	submitPatternRe = regexp.MustCompile(`(?i)\bsubmit\b`)
	safeActionRe    = regexp.MustCompile(`(?i)\b(draft|compute|calculate)\b`)
)

// targetMeta carries the target element's own text surface. Classification
// looks at nothing outside the target itself.
type targetMeta struct {
	Text  string
	Value string
	Aria  string
	Type  string
}

func (m targetMeta) combined() string {
	return strings.Join([]string{m.Text, m.Value, m.Aria}, " ")
}

// isSubmitLike reports whether clicking this target could finalize a claim.
// A safe keyword (draft/compute) always wins over a submit pattern.
func isSubmitLike(m targetMeta) bool {
	combined := m.combined()
	if safeActionRe.MatchString(combined) {
		return false
	}
	if submitPatternRe.MatchString(combined) {
		return true
	}
	// A bare submit input with no reassuring keyword is submit-like too.
	return strings.EqualFold(strings.TrimSpace(m.Type), "submit")
}

// SafeActionGate wraps every simulated click. While a claim form is active it
// refuses submit-like targets outright; everything else is clicked with a
// bounded timeout and one forced retry.
type SafeActionGate struct {
	session *Session
	timeout time.Duration
	log     zerolog.Logger
}

func NewSafeActionGate(session *Session, timeout time.Duration, log zerolog.Logger) *SafeActionGate {
	return &SafeActionGate{
		session: session,
		timeout: timeout,
		log:     log.With().Str("component", "gate").Logger(),
	}
}

// GuardedClick clicks el unless doing so could submit a claim. label is used
// for logging only. Ordinary click failures outside the unsafe path are
// swallowed after the bounded retry.
func (g *SafeActionGate) GuardedClick(el *rod.Element, label string) error {
	page := g.session.Pages.Active()
	if page != nil && claimFormActive(page) {
		meta := collectTargetMeta(el)
		if isSubmitLike(meta) {
			g.log.Error().
				Str("label", label).
				Str("text", meta.Text).
				Str("value", meta.Value).
				Msg("blocked submit-like click")
			return fmt.Errorf("%w: %q", ErrUnsafeAction, label)
		}
	}

	if err := el.Timeout(g.timeout).Click("left", 1); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			// One forced retry: dispatch the click directly on the node.
			if _, ferr := el.Eval(`() => this.click()`); ferr != nil {
				g.log.Warn().Err(ferr).Str("label", label).Msg("forced click failed")
			}
			return nil
		}
		g.log.Warn().Err(err).Str("label", label).Msg("click failed")
	}
	return nil
}

// collectTargetMeta reads the target's own text/value/aria-label/type.
func collectTargetMeta(el *rod.Element) targetMeta {
	var m targetMeta
	if text, err := el.Text(); err == nil {
		m.Text = text
	}
	if v, err := el.Attribute("value"); err == nil && v != nil {
		m.Value = *v
	} else if prop, err := el.Property("value"); err == nil {
		m.Value = prop.Str()
	}
	if aria, err := el.Attribute("aria-label"); err == nil && aria != nil {
		m.Aria = *aria
	}
	if typ, err := el.Attribute("type"); err == nil && typ != nil {
		m.Type = *typ
	}
	return m
}

// claimFormActive detects whether the active page is rendering a claim/visit
// form. The stable marker is the presence of a save-as-draft control.
func claimFormActive(page *rod.Page) bool {
	res, err := page.Timeout(2 * time.Second).Eval(`
	() => {
		const controls = document.querySelectorAll('button, input[type="button"], input[type="submit"], a');
		for (const el of controls) {
			const text = ((el.innerText || '') + ' ' + (el.value || '')).toLowerCase();
			if (text.includes('draft')) return true;
		}
		return false;
	}
	`)
	if err != nil || res == nil {
		return false
	}
	return res.Value.Bool()
}
