package portal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"clinicclaim-agent/internal/config"

	"github.com/go-rod/rod"
	"github.com/rs/zerolog"
)

var (
	// ErrInvalidSearchTerm means the identifier would be rejected by the
	// portal before any search runs; nothing was sent.
	ErrInvalidSearchTerm = errors.New("invalid patient search term")
	// ErrPatientNotFound means every program catalogue reported a clean
	// member-not-found. This is a data problem, not a portal problem.
	ErrPatientNotFound = errors.New("patient not found in any program")
	// ErrSearchFailed means a search stopped for a reason other than a clean
	// member-not-found; the diagnostic reason carries the detail.
	ErrSearchFailed = errors.New("patient search failed")
)

var memberNotFoundRe = regexp.MustCompile(`(?i)(member\s+not\s+found|no\s+(matching\s+)?(member|patient|record)s?\s+(were\s+)?found)`)

// searchPrograms is the fixed lookup order. The general catalogue first; the
// partner catalogue only when the general one cleanly reports not-found.
var searchPrograms = []ProgramKind{ProgramOther, ProgramPartnerA}

// validateSearchTerm rejects identifiers the portal itself would bounce.
func validateSearchTerm(term string, minLen int) error {
	trimmed := strings.TrimSpace(term)
	if len(trimmed) < minLen {
		return fmt.Errorf("%w: %q shorter than %d characters", ErrInvalidSearchTerm, term, minLen)
	}
	for _, r := range trimmed {
		if unicode.IsDigit(r) {
			return nil
		}
	}
	return fmt.Errorf("%w: %q contains no digit", ErrInvalidSearchTerm, term)
}

// resolvePortalFromRow names the sub-portal a result row belongs to, reading
// only the row's own text. An unbranded row belongs to the base portal.
func resolvePortalFromRow(rowText string) string {
	switch {
	case partnerABrandRe.MatchString(rowText):
		return "PHPC"
	case partnerBBrandRe.MatchString(rowText):
		return "GP First"
	default:
		return "base"
	}
}

// SearchResult is the final outcome of a patient lookup across programs.
type SearchResult struct {
	Found          bool
	Program        ProgramKind
	ResolvedPortal string
	Attempts       []SearchAttempt
}

// PatientLocator searches the program catalogues for a patient, in fixed
// order, honoring the portal's own not-found signals.
type PatientLocator struct {
	session *Session
	gate    *SafeActionGate
	fields  *FieldResolver
	cfg     config.PortalConfig
	log     zerolog.Logger

	// attemptFn runs one search under one program. Swappable in tests.
	attemptFn func(ctx context.Context, term, visitDate string, program ProgramKind) SearchAttempt
}

func NewPatientLocator(session *Session, gate *SafeActionGate, fields *FieldResolver, cfg config.PortalConfig, log zerolog.Logger) *PatientLocator {
	l := &PatientLocator{
		session: session,
		gate:    gate,
		fields:  fields,
		cfg:     cfg,
		log:     log.With().Str("component", "patient").Logger(),
	}
	l.attemptFn = l.attempt
	return l
}

// Search walks the program catalogues in fixed order. It short-circuits on
// the first hit, continues past clean member-not-found responses, and stops
// immediately on anything else.
func (l *PatientLocator) Search(ctx context.Context, term, visitDate string) (SearchResult, error) {
	if err := validateSearchTerm(term, l.cfg.MinTermLength()); err != nil {
		return SearchResult{}, err
	}

	var result SearchResult
	for _, program := range searchPrograms {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		attempt := l.attemptFn(ctx, term, visitDate, program)
		result.Attempts = append(result.Attempts, attempt)

		switch {
		case attempt.Found:
			result.Found = true
			result.Program = program
			result.ResolvedPortal = attempt.ResolvedPortal
			l.log.Info().
				Str("program", program.String()).
				Str("portal", attempt.ResolvedPortal).
				Msg("patient located")
			return result, nil
		case attempt.MemberNotFound:
			l.log.Info().
				Str("program", program.String()).
				Msg("member not found, trying next program")
		default:
			return result, fmt.Errorf("%w under %s: %s", ErrSearchFailed, program, attempt.DiagnosticReason)
		}
	}
	return result, fmt.Errorf("%w: %q", ErrPatientNotFound, term)
}

// attempt runs one search against the live page. Any outcome that is neither
// a result row nor a member-not-found message becomes a diagnostic stop.
func (l *PatientLocator) attempt(ctx context.Context, term, visitDate string, program ProgramKind) SearchAttempt {
	attempt := SearchAttempt{Term: term, Program: program}

	page := l.session.Pages.Active()
	if page == nil {
		attempt.DiagnosticReason = "no active page"
		return attempt
	}

	if err := l.selectProgram(page, program); err != nil {
		attempt.DiagnosticReason = fmt.Sprintf("selecting program: %v", err)
		return attempt
	}

	termField := l.fields.Resolve(page, FieldSpec{
		Label: regexp.MustCompile(`(?i)(patient|member)\s*(id|identifier|nric)`),
		Hints: []string{"nric", "patient", "member", "search"},
	})
	if !termField.OK() {
		attempt.DiagnosticReason = fmt.Sprintf("search field: %s", termField.Reason)
		return attempt
	}
	if err := l.fillVerified(termField.Element, term); err != nil {
		attempt.DiagnosticReason = err.Error()
		return attempt
	}

	if visitDate != "" {
		dateField := l.fields.Resolve(page, FieldSpec{
			Label: regexp.MustCompile(`(?i)visit\s*date`),
			Hints: []string{"visit", "date"},
		})
		if !dateField.OK() {
			// A caller that supplied a visit date expects it to narrow the
			// search; proceeding without it can match the wrong visit.
			attempt.DiagnosticReason = fmt.Sprintf("visit date field: %s", dateField.Reason)
			return attempt
		}
		if err := l.fillVerified(dateField.Element, visitDate); err != nil {
			attempt.DiagnosticReason = err.Error()
			return attempt
		}
	}

	searchBtn, err := page.Timeout(2 * time.Second).ElementR(`button, input[type="button"], input[type="submit"], a`, `(?i)\bsearch\b`)
	if err != nil {
		attempt.DiagnosticReason = "search control not found"
		return attempt
	}
	if err := l.gate.GuardedClick(searchBtn, "patient search"); err != nil {
		attempt.DiagnosticReason = fmt.Sprintf("search click: %v", err)
		return attempt
	}

	return l.awaitOutcome(ctx, page, attempt)
}

// fillVerified types a value and reads it back; a mismatch after one retry
// is a hard stop rather than a silent wrong-patient search.
func (l *PatientLocator) fillVerified(el *rod.Element, value string) error {
	for try := 0; try < 2; try++ {
		if err := el.SelectAllText(); err == nil {
			_ = el.Input("")
		}
		if err := el.Input(value); err != nil {
			return fmt.Errorf("typing %q: %w", value, err)
		}
		echoed, err := el.Property("value")
		if err == nil && echoed.Str() == value {
			return nil
		}
	}
	return fmt.Errorf("field echo mismatch for %q (%s)", value, ReasonValueMismatch)
}

func (l *PatientLocator) selectProgram(page *rod.Page, program ProgramKind) error {
	label := `(?i)\bother\b`
	if program == ProgramPartnerA {
		label = partnerASwitchLabelRe
	}
	el, err := page.Timeout(2 * time.Second).ElementR(`input[type="radio"], option, label`, label)
	if err != nil {
		// Portals without a program selector search everything at once.
		return nil
	}
	if _, err := el.Eval(`() => { this.click && this.click(); if (this.tagName === 'OPTION') { this.selected = true; this.parentElement.dispatchEvent(new Event('change', {bubbles: true})); } }`); err != nil {
		return fmt.Errorf("activating program selector: %w", err)
	}
	return nil
}

// awaitOutcome polls, bounded, until the page shows either a result row or a
// member-not-found message.
func (l *PatientLocator) awaitOutcome(ctx context.Context, page *rod.Page, attempt SearchAttempt) SearchAttempt {
	deadline := time.Now().Add(l.cfg.SearchBound())
	for {
		rowText, notFound, err := l.readResults(page)
		switch {
		case err != nil:
			l.log.Debug().Err(err).Msg("reading search results")
		case notFound:
			attempt.MemberNotFound = true
			return attempt
		case rowText != "":
			attempt.Found = true
			attempt.ResolvedPortal = resolvePortalFromRow(rowText)
			return attempt
		}

		if msg := l.session.Flags.LastDialogMessage(); msg != "" && memberNotFoundRe.MatchString(msg) {
			attempt.MemberNotFound = true
			return attempt
		}
		if time.Now().After(deadline) {
			attempt.DiagnosticReason = fmt.Sprintf("no result or not-found signal within %s", l.cfg.SearchBound())
			return attempt
		}
		select {
		case <-ctx.Done():
			attempt.DiagnosticReason = ctx.Err().Error()
			return attempt
		case <-time.After(l.cfg.PollEvery()):
		}
	}
}

// readResults returns the first result row's text, or notFound when the page
// shows a member-not-found message.
func (l *PatientLocator) readResults(page *rod.Page) (string, bool, error) {
	res, err := page.Timeout(2 * time.Second).Eval(`() => {
		const row = document.querySelector('table tbody tr, .result-row, [class*="searchResult"] tr');
		const rowText = row ? row.innerText.trim() : '';
		const body = document.body ? document.body.innerText : '';
		return {row: rowText, body: body};
	}`)
	if err != nil {
		return "", false, err
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return "", false, err
	}
	var out struct {
		Row  string `json:"row"`
		Body string `json:"body"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", false, err
	}
	if memberNotFoundRe.MatchString(out.Body) {
		return "", true, nil
	}
	return out.Row, false, nil
}
