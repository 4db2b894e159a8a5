// Package agent drives the per-patient pipeline: authenticate, locate the
// patient, follow any dialog-driven sub-system switch, fill the visit form,
// and save it as a draft. It never submits anything.
package agent

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"clinicclaim-agent/internal/browser"
	"clinicclaim-agent/internal/claims"
	"clinicclaim-agent/internal/config"
	"clinicclaim-agent/internal/diag"
	"clinicclaim-agent/internal/portal"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrLoginBudgetExhausted means the process-wide login allowance is spent.
// Continuing would risk locking the clinic's account.
var ErrLoginBudgetExhausted = errors.New("process-wide login budget exhausted")

var visitFormMarkerRe = regexp.MustCompile(`(?i)(new|create|file)\s+(e-?)?(claim|visit)`)

// PatientOutcome is the result of one visit in the batch.
type PatientOutcome struct {
	PatientID  string
	Drafted    bool
	Portal     string
	Skipped    []string
	Err        string
	Screenshot string
}

// RunReport summarizes one batch run.
type RunReport struct {
	RunID    string
	Started  time.Time
	Finished time.Time
	Outcomes []PatientOutcome
}

// Drafted counts the visits that ended as saved drafts.
func (r RunReport) Drafted() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Drafted {
			n++
		}
	}
	return n
}

// Runner owns the wired pipeline for one process.
type Runner struct {
	cfg      config.Config
	session  *portal.Session
	sessions *portal.SessionManager
	dialogs  *portal.DialogCoordinator
	switcher *portal.SystemSwitcher
	locator  *portal.PatientLocator
	filler   *portal.FormFiller
	drafts   *portal.DraftSaver
	tracer   *diag.Tracer
	shots    *diag.Checkpointer
	log      zerolog.Logger

	loginsUsed int

	// The dialog handler fires from its own goroutine; it needs to know
	// which patient was on the page when the dialog appeared.
	patientMu     sync.Mutex
	activePatient string

	// processFn handles one visit. Swappable in tests.
	processFn func(ctx context.Context, visit claims.Visit) PatientOutcome
}

// NewRunner wires every pipeline component around one page arena.
func NewRunner(cfg config.Config, pages *browser.Manager, creds config.Credentials, tracer *diag.Tracer, log zerolog.Logger) *Runner {
	session := portal.NewSession(pages)
	dialogs := portal.NewDialogCoordinator(session, log)
	gate := portal.NewSafeActionGate(session, cfg.Portal.ActionBound(), log)
	fields := portal.NewFieldResolver(log)

	r := &Runner{
		cfg:      cfg,
		session:  session,
		sessions: portal.NewSessionManager(session, cfg.Portal, creds, log),
		dialogs:  dialogs,
		switcher: portal.NewSystemSwitcher(session, dialogs, cfg.Portal, log),
		locator:  portal.NewPatientLocator(session, gate, fields, cfg.Portal, log),
		filler:   portal.NewFormFiller(session, gate, fields, cfg.Portal, log),
		drafts:   portal.NewDraftSaver(session, gate, cfg.Portal, log),
		tracer:   tracer,
		shots:    diag.NewCheckpointer(cfg.Diag, pages.Screenshot, log),
		log:      log.With().Str("component", "runner").Logger(),
	}
	r.processFn = r.processPatient

	// Every native dialog is a diagnostic checkpoint, whatever it said.
	dialogs.OnDialog = func(ev portal.DialogEvent) {
		patient := r.currentPatient()
		r.trace("dialog", patient, ev.Message)
		r.shots.Capture(diag.CheckpointDialog, patient)
	}
	return r
}

func (r *Runner) setCurrentPatient(id string) {
	r.patientMu.Lock()
	defer r.patientMu.Unlock()
	r.activePatient = id
}

func (r *Runner) currentPatient() string {
	r.patientMu.Lock()
	defer r.patientMu.Unlock()
	return r.activePatient
}

// Run works through the batch, one patient at a time. Authentication
// failures abort the whole run; everything else is contained to its patient.
func (r *Runner) Run(ctx context.Context, batch claims.Batch) (RunReport, error) {
	report := RunReport{
		RunID:   uuid.NewString()[:8],
		Started: time.Now(),
	}
	defer func() { report.Finished = time.Now() }()

	if r.tracer != nil {
		if err := r.tracer.Start(report.RunID); err != nil {
			r.log.Warn().Err(err).Msg("trace file unavailable, continuing without")
		}
		defer r.tracer.Close()
	}

	r.log.Info().Str("run_id", report.RunID).Int("visits", len(batch.Visits)).Msg("run started")

	for _, visit := range batch.Visits {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		// State from one patient must never leak into the next.
		r.session.ResetForNewPatient()
		r.setCurrentPatient(visit.PatientID)

		if err := r.chargeLogin(ctx); err != nil {
			return report, err
		}

		outcome := r.processFn(ctx, visit)
		report.Outcomes = append(report.Outcomes, outcome)
		r.trace("patient_done", visit.PatientID, outcome)

		if fatal, err := r.fatalOutcome(outcome); fatal {
			return report, err
		}
	}

	r.log.Info().
		Str("run_id", report.RunID).
		Int("drafted", report.Drafted()).
		Int("total", len(report.Outcomes)).
		Msg("run finished")
	return report, nil
}

// chargeLogin enforces the process-wide login allowance. A live session is
// free; each real login cycle spends one charge.
func (r *Runner) chargeLogin(ctx context.Context) error {
	if r.session.Authenticated(r.cfg.Portal.LivenessWindow()) {
		return nil
	}
	if r.loginsUsed >= r.cfg.Agent.MaxRunLoginAttempts() {
		return fmt.Errorf("%w: %d logins used", ErrLoginBudgetExhausted, r.loginsUsed)
	}
	r.loginsUsed++
	return nil
}

// fatalOutcome picks out the failures that make continuing pointless or
// dangerous for the rest of the batch.
func (r *Runner) fatalOutcome(o PatientOutcome) (bool, error) {
	if o.Err == "" {
		return false, nil
	}
	for _, sentinel := range []error{portal.ErrUnsafeAction, portal.ErrAuthRejected, portal.ErrLoginFailed} {
		if matchesSentinel(o.Err, sentinel) {
			return true, fmt.Errorf("aborting run: %s", o.Err)
		}
	}
	return false, nil
}

// matchesSentinel checks an outcome's flattened error text against a
// sentinel. Outcomes carry strings so they serialize into traces cleanly.
func matchesSentinel(msg string, sentinel error) bool {
	return sentinel != nil && msg != "" && strings.Contains(msg, sentinel.Error())
}

// processPatient runs the full pipeline for one visit.
func (r *Runner) processPatient(ctx context.Context, visit claims.Visit) PatientOutcome {
	outcome := PatientOutcome{PatientID: visit.PatientID}
	log := r.log.With().Str("patient", visit.PatientID).Logger()

	if r.session.Pages.Active() == nil {
		if _, err := r.session.Pages.OpenPage(r.cfg.Portal.BaseURL); err != nil {
			outcome.Err = fmt.Sprintf("opening portal page: %v", err)
			return outcome
		}
	}

	if err := r.sessions.Login(ctx); err != nil {
		outcome.Err = err.Error()
		outcome.Screenshot = r.shots.Capture(diag.CheckpointLoginFailed, visit.PatientID)
		return outcome
	}

	page := r.session.Pages.Active()
	if page == nil {
		outcome.Err = "no active page after login"
		return outcome
	}
	r.dialogs.Install(page, true)

	result, err := r.locator.Search(ctx, visit.PatientID, visit.VisitDate)
	if err != nil {
		outcome.Err = err.Error()
		r.trace("search_failed", visit.PatientID, result.Attempts)
		return outcome
	}
	outcome.Portal = result.ResolvedPortal
	r.trace("patient_located", visit.PatientID, result.Attempts)

	if err := r.followPendingSwitch(ctx); err != nil {
		outcome.Err = err.Error()
		return outcome
	}

	if err := r.openVisitForm(); err != nil {
		outcome.Err = err.Error()
		outcome.Screenshot = r.shots.Capture(diag.CheckpointFormNotFound, visit.PatientID)
		return outcome
	}

	state, err := r.filler.Fill(ctx, visit.Input())
	outcome.Skipped = state.Skipped
	if err != nil {
		outcome.Err = err.Error()
		return outcome
	}
	r.trace("form_filled", visit.PatientID, state.Filled)

	saved, err := r.drafts.Save(ctx)
	if saved.DialogMessage != "" {
		r.trace("draft_dialog", visit.PatientID, saved.DialogMessage)
	}
	if err != nil {
		outcome.Err = err.Error()
		outcome.Screenshot = r.shots.Capture(diag.CheckpointDraftFailed, visit.PatientID)
		return outcome
	}

	outcome.Drafted = true
	log.Info().Bool("retried", saved.Retried).Msg("visit drafted")
	return outcome
}

// followPendingSwitch honors whichever partner flag a dialog raised during
// the search. At most one can be pending for a single patient.
func (r *Runner) followPendingSwitch(ctx context.Context) error {
	switch {
	case r.session.Flags.NeedsPartnerA():
		return r.switcher.SwitchTo(ctx, portal.SystemPartnerA)
	case r.session.Flags.NeedsPartnerB():
		return r.switcher.SwitchTo(ctx, portal.SystemPartnerB)
	default:
		return nil
	}
}

// openVisitForm moves from the located patient to a fresh claim form.
func (r *Runner) openVisitForm() error {
	page := r.session.Pages.Active()
	if page == nil {
		return errors.New("no active page")
	}

	// Opening the patient record first is required on some layouts.
	if row, err := page.Timeout(2 * time.Second).Element(`table tbody tr a, .result-row a`); err == nil {
		if err := row.Timeout(r.cfg.Portal.ActionBound()).Click("left", 1); err != nil {
			r.log.Debug().Err(err).Msg("opening patient record")
		}
	}

	el, err := page.Timeout(r.cfg.Portal.ActionBound()).ElementR(`a, button, input`, visitFormMarkerRe.String())
	if err != nil {
		return fmt.Errorf("visit form entry control not found: %w", err)
	}
	if err := el.Timeout(r.cfg.Portal.ActionBound()).Click("left", 1); err != nil {
		return fmt.Errorf("opening visit form: %w", err)
	}
	if err := page.Timeout(r.cfg.Browser.NavigationTimeout()).WaitLoad(); err != nil {
		r.log.Debug().Err(err).Msg("waiting for visit form")
	}
	return nil
}

func (r *Runner) trace(kind, patientID string, data interface{}) {
	if r.tracer != nil {
		r.tracer.Record(kind, patientID, data)
	}
}
