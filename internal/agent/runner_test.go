package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"clinicclaim-agent/internal/claims"
	"clinicclaim-agent/internal/config"
	"clinicclaim-agent/internal/diag"
	"clinicclaim-agent/internal/portal"

	"github.com/rs/zerolog"
)

func testBatch(n int) claims.Batch {
	var b claims.Batch
	for i := 0; i < n; i++ {
		b.Visits = append(b.Visits, claims.Visit{
			PatientID:  fmt.Sprintf("S123456%dA", i),
			VisitDate:  "01/03/2025",
			ChargeType: "Standard Consultation",
			Diagnosis:  "J06.9",
		})
	}
	return b
}

func newTestRunner(t *testing.T) *Runner {
	t.Helper()
	cfg := config.DefaultConfig()
	return NewRunner(cfg, nil, config.Credentials{}, nil, zerolog.Nop())
}

func TestRunProcessesEveryVisit(t *testing.T) {
	r := newTestRunner(t)
	r.processFn = func(_ context.Context, visit claims.Visit) PatientOutcome {
		return PatientOutcome{PatientID: visit.PatientID, Drafted: true}
	}

	report, err := r.Run(context.Background(), testBatch(3))
	if err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
	if len(report.Outcomes) != 3 || report.Drafted() != 3 {
		t.Errorf("outcomes = %d drafted = %d, want 3 and 3", len(report.Outcomes), report.Drafted())
	}
	if report.RunID == "" {
		t.Error("report has no run id")
	}
}

func TestRunClearsFlagsBetweenPatients(t *testing.T) {
	r := newTestRunner(t)
	r.processFn = func(_ context.Context, visit claims.Visit) PatientOutcome {
		if r.session.Flags.NeedsPartnerA() || r.session.Flags.NeedsPartnerB() {
			t.Errorf("patient %s started with stale flags", visit.PatientID)
		}
		// Simulate a dialog-driven flag that the pipeline never consumed.
		r.session.Flags.SetPartnerA()
		r.session.Flags.RecordDialog("leftover")
		return PatientOutcome{PatientID: visit.PatientID, Drafted: true}
	}

	if _, err := r.Run(context.Background(), testBatch(3)); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
}

func TestRunPatientFailuresAreContained(t *testing.T) {
	r := newTestRunner(t)
	r.processFn = func(_ context.Context, visit claims.Visit) PatientOutcome {
		if visit.PatientID == "S1234561A" {
			return PatientOutcome{PatientID: visit.PatientID, Err: portal.ErrPatientNotFound.Error()}
		}
		return PatientOutcome{PatientID: visit.PatientID, Drafted: true}
	}

	report, err := r.Run(context.Background(), testBatch(3))
	if err != nil {
		t.Fatalf("Run() = %v, want nil (not-found is per-patient)", err)
	}
	if len(report.Outcomes) != 3 || report.Drafted() != 2 {
		t.Errorf("outcomes = %d drafted = %d, want 3 and 2", len(report.Outcomes), report.Drafted())
	}
}

func TestRunAbortsOnAuthRejection(t *testing.T) {
	r := newTestRunner(t)
	r.processFn = func(_ context.Context, visit claims.Visit) PatientOutcome {
		return PatientOutcome{
			PatientID: visit.PatientID,
			Err:       fmt.Sprintf("%v: portal reported an authentication error", portal.ErrAuthRejected),
		}
	}

	report, err := r.Run(context.Background(), testBatch(5))
	if err == nil {
		t.Fatal("Run() = nil, want abort on rejected credentials")
	}
	if len(report.Outcomes) != 1 {
		t.Errorf("outcomes = %d, want 1 (no further patients after rejection)", len(report.Outcomes))
	}
}

func TestRunEnforcesLoginBudget(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Agent.MaxLoginAttemptsPerRun = 2
	r := NewRunner(cfg, nil, config.Credentials{}, nil, zerolog.Nop())

	// The session never becomes authenticated, so every patient needs a
	// fresh login charge.
	r.processFn = func(_ context.Context, visit claims.Visit) PatientOutcome {
		return PatientOutcome{PatientID: visit.PatientID, Drafted: true}
	}

	report, err := r.Run(context.Background(), testBatch(5))
	if !errors.Is(err, ErrLoginBudgetExhausted) {
		t.Fatalf("Run() = %v, want ErrLoginBudgetExhausted", err)
	}
	if len(report.Outcomes) != 2 {
		t.Errorf("outcomes = %d, want 2 before the budget ran out", len(report.Outcomes))
	}
}

func TestRunHonorsContextCancellation(t *testing.T) {
	r := newTestRunner(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r.processFn = func(context.Context, claims.Visit) PatientOutcome {
		t.Fatal("no patient may run with a cancelled context")
		return PatientOutcome{}
	}

	if _, err := r.Run(ctx, testBatch(2)); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() = %v, want context.Canceled", err)
	}
}

func TestDialogCheckpointIsWired(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Diag.TraceDir = dir
	off := false
	cfg.Diag.Screenshots = &off

	tracer, err := diag.NewTracer(cfg.Diag)
	if err != nil {
		t.Fatal(err)
	}
	r := NewRunner(cfg, nil, config.Credentials{}, tracer, zerolog.Nop())
	if r.dialogs.OnDialog == nil {
		t.Fatal("dialog observer not wired")
	}

	r.processFn = func(_ context.Context, visit claims.Visit) PatientOutcome {
		r.dialogs.OnDialog(portal.DialogEvent{Message: "Member Not Found", ObservedAt: time.Now()})
		return PatientOutcome{PatientID: visit.PatientID, Drafted: true}
	}

	if _, err := r.Run(context.Background(), testBatch(1)); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("trace files = %d, want 1", len(entries))
	}
	raw, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatal(err)
	}

	found := false
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		var ev diag.Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Fatalf("trace line %q: %v", line, err)
		}
		if ev.Kind == "dialog" && ev.PatientID == "S1234560A" {
			found = true
		}
	}
	if !found {
		t.Error("no dialog trace event recorded for the active patient")
	}
}

func TestFatalOutcomeClassification(t *testing.T) {
	r := newTestRunner(t)
	tests := []struct {
		name  string
		err   string
		fatal bool
	}{
		{name: "clean outcome", err: "", fatal: false},
		{name: "patient not found", err: portal.ErrPatientNotFound.Error(), fatal: false},
		{name: "draft rejected", err: portal.ErrDraftRejected.Error(), fatal: false},
		{name: "auth rejected", err: portal.ErrAuthRejected.Error() + ": bad password", fatal: true},
		{name: "blocked submit click", err: portal.ErrUnsafeAction.Error() + `: "save as draft"`, fatal: true},
		{name: "login exhausted", err: portal.ErrLoginFailed.Error() + " after 3 attempts", fatal: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fatal, _ := r.fatalOutcome(PatientOutcome{Err: tt.err})
			if fatal != tt.fatal {
				t.Errorf("fatalOutcome(%q) = %v, want %v", tt.err, fatal, tt.fatal)
			}
		})
	}
}
