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
	// ErrDraftControlMissing means no draft-only control exists on the form.
	// Saving through anything submit-like is never an option.
	ErrDraftControlMissing = errors.New("draft control not found on claim form")
	// ErrDraftRejected means the portal refused the draft and the refusal is
	// not one we know how to repair.
	ErrDraftRejected = errors.New("draft save rejected by portal")
)

var (
	draftMarkerRe   = regexp.MustCompile(`(?i)\bdraft\b`)
	computeMarkerRe = regexp.MustCompile(`(?i)\b(compute|calculate)\b`)
	draftSavedRe    = regexp.MustCompile(`(?i)(draft\s+(has\s+been\s+)?saved|saved\s+(successfully|as\s+draft))`)
	invalidItemRe   = regexp.MustCompile(`(?i)(invalid|unknown|unrecognised|unrecognized)\s+(line\s+)?(item|drug|medication)|(item|drug|medication)[^.]*\bnot\s+(valid|found|recognised|recognized)\b`)
)

// draftDialogKind classifies the dialog the portal raises after a draft save.
type draftDialogKind int

const (
	draftDialogNone draftDialogKind = iota
	draftDialogSaved
	draftDialogFixableItem
	draftDialogUnknown
)

func classifyDraftDialog(message string) draftDialogKind {
	switch {
	case message == "":
		return draftDialogNone
	case draftSavedRe.MatchString(message):
		return draftDialogSaved
	case invalidItemRe.MatchString(message):
		return draftDialogFixableItem
	default:
		return draftDialogUnknown
	}
}

// SaveOutcome reports how a draft save ended.
type SaveOutcome struct {
	Saved         bool
	Retried       bool
	DialogMessage string
}

// DraftSaver persists the filled visit form as a draft. It computes first on
// a best-effort basis, saves strictly through a draft-only control, and
// repairs exactly one known-fixable validation refusal before giving up.
type DraftSaver struct {
	session *Session
	gate    *SafeActionGate
	cfg     config.PortalConfig
	log     zerolog.Logger

	// Seams for tests. Default to the page-backed implementations.
	computeFn func(ctx context.Context) error
	saveFn    func(ctx context.Context) error
	cleanupFn func(ctx context.Context) error
}

func NewDraftSaver(session *Session, gate *SafeActionGate, cfg config.PortalConfig, log zerolog.Logger) *DraftSaver {
	d := &DraftSaver{
		session: session,
		gate:    gate,
		cfg:     cfg,
		log:     log.With().Str("component", "draft").Logger(),
	}
	d.computeFn = d.compute
	d.saveFn = d.save
	d.cleanupFn = d.removeInvalidLineItems
	return d
}

// Save drafts the current claim form. A missing draft control is a failure
// value, never a reason to try another control.
func (d *DraftSaver) Save(ctx context.Context) (SaveOutcome, error) {
	if err := d.computeFn(ctx); err != nil {
		d.log.Warn().Err(err).Msg("compute before draft is best-effort, continuing")
	}

	d.session.Flags.RecordDialog("")
	if err := d.saveFn(ctx); err != nil {
		return SaveOutcome{}, err
	}

	msg := d.awaitDialog(ctx)
	outcome := SaveOutcome{DialogMessage: msg}

	switch classifyDraftDialog(msg) {
	case draftDialogNone, draftDialogSaved:
		outcome.Saved = true
		d.log.Info().Msg("claim drafted")
		return outcome, nil

	case draftDialogFixableItem:
		d.log.Warn().Str("dialog", msg).Msg("portal rejected a line item, cleaning up and retrying once")
		if err := d.cleanupFn(ctx); err != nil {
			return outcome, fmt.Errorf("repairing line items: %w", err)
		}
		d.session.Flags.RecordDialog("")
		if err := d.saveFn(ctx); err != nil {
			return outcome, err
		}
		outcome.Retried = true
		outcome.DialogMessage = d.awaitDialog(ctx)
		switch classifyDraftDialog(outcome.DialogMessage) {
		case draftDialogNone, draftDialogSaved:
			outcome.Saved = true
			d.log.Info().Msg("claim drafted after line item cleanup")
			return outcome, nil
		default:
			return outcome, fmt.Errorf("%w after retry: %s", ErrDraftRejected, outcome.DialogMessage)
		}

	default:
		return outcome, fmt.Errorf("%w: %s", ErrDraftRejected, msg)
	}
}

// awaitDialog gives the portal a short, bounded window to raise a dialog
// after the draft click. No dialog means the save went through quietly.
func (d *DraftSaver) awaitDialog(ctx context.Context) string {
	deadline := time.Now().Add(d.cfg.ActionBound())
	for {
		if msg := d.session.Flags.LastDialogMessage(); msg != "" {
			return msg
		}
		if time.Now().After(deadline) {
			return ""
		}
		select {
		case <-ctx.Done():
			return ""
		case <-time.After(d.cfg.PollEvery()):
		}
	}
}

func (d *DraftSaver) compute(ctx context.Context) error {
	page := d.session.Pages.Active()
	if page == nil {
		return errors.New("no active page")
	}
	el := findControl(page, computeMarkerRe, nil)
	if el == nil {
		return errors.New("compute control not found")
	}
	return d.gate.GuardedClick(el, "compute claim")
}

// draftOnly reports whether a control qualifies as the draft save control:
// a draft marker must be present and a submit marker must be absent. This is
// stricter than the click gate, which lets a safe keyword veto a submit
// match; here a control reading "Submit Draft" is never acceptable.
func draftOnly(m targetMeta) bool {
	combined := m.combined()
	return draftMarkerRe.MatchString(combined) && !submitPatternRe.MatchString(combined)
}

// save clicks the draft control. The control must carry a draft marker and
// no submit marker at all; otherwise it does not count.
func (d *DraftSaver) save(ctx context.Context) error {
	page := d.session.Pages.Active()
	if page == nil {
		return errors.New("no active page")
	}
	el := findControl(page, draftMarkerRe, draftOnly)
	if el == nil {
		return ErrDraftControlMissing
	}
	return d.gate.GuardedClick(el, "save as draft")
}

// removeInvalidLineItems deletes rows the portal flagged so the retry is not
// refused for the same reason.
func (d *DraftSaver) removeInvalidLineItems(ctx context.Context) error {
	page := d.session.Pages.Active()
	if page == nil {
		return errors.New("no active page")
	}
	_, err := page.Timeout(5 * time.Second).Eval(`() => {
		const rows = document.querySelectorAll('tr.error, tr.invalid, tr:has(.field-error), tr:has(.error)');
		let removed = 0;
		for (const row of rows) {
			const del = row.querySelector('a[title*="remove" i], a[title*="delete" i], button[title*="remove" i], [class*="delete" i], [class*="remove" i]');
			if (del) { del.click(); removed++; }
		}
		return removed;
	}`)
	if err != nil {
		return fmt.Errorf("removing flagged rows: %w", err)
	}
	return nil
}

// findControl returns the first visible clickable whose text or attributes
// match marker and pass the extra filter.
func findControl(page *rod.Page, marker *regexp.Regexp, keep func(targetMeta) bool) *rod.Element {
	els, err := page.Timeout(2 * time.Second).Elements(`button, input[type="button"], input[type="submit"], a`)
	if err != nil {
		return nil
	}
	for _, el := range els {
		if visible, err := el.Visible(); err != nil || !visible {
			continue
		}
		meta := collectTargetMeta(el)
		if !marker.MatchString(meta.combined()) {
			continue
		}
		if keep != nil && !keep(meta) {
			continue
		}
		return el
	}
	return nil
}
