package portal

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"clinicclaim-agent/internal/config"

	"github.com/go-rod/rod"
	"github.com/rs/zerolog"
)

func newTestFiller(t *testing.T) *FormFiller {
	t.Helper()
	return NewFormFiller(nil, nil, nil, config.DefaultConfig().Portal, zerolog.Nop())
}

func sampleVisit() VisitInput {
	return VisitInput{
		VisitDate:  "01/03/2025",
		ChargeType: "Standard Consultation",
		MCDays:     2,
		Diagnosis:  "J06.9",
		LineItems: []LineItem{
			{Name: "PARACETAMOL 500MG TAB", Quantity: 20},
			{Name: "LOZENGES", Quantity: 12},
		},
	}
}

func TestBuildStepsOrderAndRequirements(t *testing.T) {
	f := newTestFiller(t)
	steps := f.buildSteps(sampleVisit())

	var names []string
	required := map[string]bool{}
	for _, s := range steps {
		names = append(names, s.name)
		required[s.name] = s.required
	}

	want := []string{
		"country_preselect",
		"visit_date",
		"charge_type",
		"mc_days",
		"diagnosis",
		"line_item:PARACETAMOL 500MG TAB",
		"line_item:LOZENGES",
	}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("step order = %v, want %v", names, want)
	}

	for _, name := range []string{"visit_date", "charge_type", "diagnosis"} {
		if !required[name] {
			t.Errorf("step %s should be required", name)
		}
	}
	for _, name := range []string{"country_preselect", "mc_days", "line_item:LOZENGES"} {
		if required[name] {
			t.Errorf("step %s should be optional", name)
		}
	}
}

func TestFillRecordsFilledInOrder(t *testing.T) {
	f := newTestFiller(t)
	f.stepsFn = func(VisitInput) []fillStep {
		ok := func(context.Context, *rod.Page) error { return nil }
		return []fillStep{
			{name: "visit_date", required: true, run: ok},
			{name: "charge_type", required: true, run: ok},
			{name: "diagnosis", required: true, run: ok},
		}
	}

	state, err := f.Fill(context.Background(), sampleVisit())
	if err != nil {
		t.Fatalf("Fill() = %v, want nil", err)
	}
	want := []string{"visit_date", "charge_type", "diagnosis"}
	if !reflect.DeepEqual(state.Filled, want) {
		t.Errorf("Filled = %v, want %v", state.Filled, want)
	}
	if len(state.Skipped) != 0 {
		t.Errorf("Skipped = %v, want empty", state.Skipped)
	}
}

func TestFillOptionalFailureBecomesSkip(t *testing.T) {
	f := newTestFiller(t)
	f.stepsFn = func(VisitInput) []fillStep {
		return []fillStep{
			{name: "country_preselect", run: func(context.Context, *rod.Page) error {
				return errors.New("no country dropdown")
			}},
			{name: "visit_date", required: true, run: func(context.Context, *rod.Page) error {
				return nil
			}},
		}
	}

	state, err := f.Fill(context.Background(), sampleVisit())
	if err != nil {
		t.Fatalf("Fill() = %v, want nil", err)
	}
	if !reflect.DeepEqual(state.Skipped, []string{"country_preselect"}) {
		t.Errorf("Skipped = %v, want [country_preselect]", state.Skipped)
	}
	if !reflect.DeepEqual(state.Filled, []string{"visit_date"}) {
		t.Errorf("Filled = %v, want [visit_date]", state.Filled)
	}
}

func TestFillRequiredFailureAborts(t *testing.T) {
	f := newTestFiller(t)
	fieldErr := errors.New("locating field: label_not_found")
	f.stepsFn = func(VisitInput) []fillStep {
		return []fillStep{
			{name: "visit_date", required: true, run: func(context.Context, *rod.Page) error {
				return nil
			}},
			{name: "charge_type", required: true, run: func(context.Context, *rod.Page) error {
				return fieldErr
			}},
			{name: "diagnosis", required: true, run: func(context.Context, *rod.Page) error {
				t.Fatal("steps after a required failure must not run")
				return nil
			}},
		}
	}

	state, err := f.Fill(context.Background(), sampleVisit())
	if !errors.Is(err, fieldErr) {
		t.Fatalf("Fill() = %v, want wrapped field error", err)
	}
	if !reflect.DeepEqual(state.Filled, []string{"visit_date"}) {
		t.Errorf("partial Filled = %v, want [visit_date]", state.Filled)
	}
}

func TestFillNoMedicalCertificateSkipsMCDays(t *testing.T) {
	f := newTestFiller(t)
	in := sampleVisit()
	in.MCDays = 0

	for _, s := range f.buildSteps(in) {
		if s.name != "mc_days" {
			continue
		}
		if s.required {
			t.Fatal("mc_days must stay optional")
		}
		if err := s.run(context.Background(), nil); err == nil {
			t.Fatal("mc_days step with zero days should report a skip reason")
		}
		return
	}
	t.Fatal("mc_days step missing from the plan")
}

func TestFillHonorsContextCancellation(t *testing.T) {
	f := newTestFiller(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f.stepsFn = func(VisitInput) []fillStep {
		return []fillStep{
			{name: "visit_date", required: true, run: func(context.Context, *rod.Page) error {
				t.Fatal("steps must not run with a cancelled context")
				return nil
			}},
		}
	}

	if _, err := f.Fill(ctx, sampleVisit()); !errors.Is(err, context.Canceled) {
		t.Fatalf("Fill() = %v, want context.Canceled", err)
	}
}
