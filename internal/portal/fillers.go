package portal

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"clinicclaim-agent/internal/config"

	"github.com/go-rod/rod"
	"github.com/rs/zerolog"
)

// VisitInput carries the values to put on the claim form. Produced upstream
// from the claims input file; the filler never reads files itself.
type VisitInput struct {
	VisitDate  string // DD/MM/YYYY, already validated
	ChargeType string
	MCDays     int
	Diagnosis  string
	LineItems  []LineItem
}

var addItemMarkerRe = regexp.MustCompile(`(?i)\badd\b.*\b(item|drug|row|line)\b|\b(item|drug|row|line)\b.*\badd\b`)

// fillStep is one unit of form work. Optional steps record a skip instead of
// failing the visit.
type fillStep struct {
	name     string
	required bool
	run      func(ctx context.Context, page *rod.Page) error
}

// FormFiller populates the visit claim form field by field, accumulating
// what was filled and what was skipped.
type FormFiller struct {
	session *Session
	gate    *SafeActionGate
	fields  *FieldResolver
	cfg     config.PortalConfig
	log     zerolog.Logger

	// stepsFn builds the work list for one visit. Swappable in tests.
	stepsFn func(in VisitInput) []fillStep
}

func NewFormFiller(session *Session, gate *SafeActionGate, fields *FieldResolver, cfg config.PortalConfig, log zerolog.Logger) *FormFiller {
	f := &FormFiller{
		session: session,
		gate:    gate,
		fields:  fields,
		cfg:     cfg,
		log:     log.With().Str("component", "filler").Logger(),
	}
	f.stepsFn = f.buildSteps
	return f
}

// Fill runs the step list in order. A required step failing aborts the visit
// with the partial state; optional steps degrade to a recorded skip.
func (f *FormFiller) Fill(ctx context.Context, in VisitInput) (ClaimDraftState, error) {
	state := ClaimDraftState{
		VisitDate:  in.VisitDate,
		ChargeType: in.ChargeType,
		MCDays:     in.MCDays,
		Diagnosis:  in.Diagnosis,
		LineItems:  in.LineItems,
	}

	var page *rod.Page
	if f.session != nil && f.session.Pages != nil {
		page = f.session.Pages.Active()
	}

	for _, step := range f.stepsFn(in) {
		if err := ctx.Err(); err != nil {
			return state, err
		}
		err := step.run(ctx, page)
		if err == nil {
			state.Filled = append(state.Filled, step.name)
			continue
		}
		if !step.required {
			f.log.Warn().Err(err).Str("field", step.name).Msg("optional field skipped")
			state.Skipped = append(state.Skipped, step.name)
			continue
		}
		return state, fmt.Errorf("filling %s: %w", step.name, err)
	}
	return state, nil
}

func (f *FormFiller) buildSteps(in VisitInput) []fillStep {
	steps := []fillStep{
		{
			// A convenience default the portal sometimes forgets to apply.
			name: "country_preselect",
			run: func(_ context.Context, page *rod.Page) error {
				return f.selectOption(page, regexp.MustCompile(`(?i)country`), []string{"country"}, "Singapore")
			},
		},
		{
			name:     "visit_date",
			required: true,
			run: func(_ context.Context, page *rod.Page) error {
				return f.fillField(page, FieldSpec{
					Label:     regexp.MustCompile(`(?i)visit\s*date`),
					Hints:     []string{"visit", "date"},
					Conflicts: []string{"mc", "start", "end"},
				}, in.VisitDate)
			},
		},
		{
			name:     "charge_type",
			required: true,
			run: func(_ context.Context, page *rod.Page) error {
				return f.selectOption(page, regexp.MustCompile(`(?i)charge\s*type`), []string{"charge"}, in.ChargeType)
			},
		},
	}

	if in.MCDays > 0 {
		steps = append(steps, fillStep{
			name: "mc_days",
			run: func(_ context.Context, page *rod.Page) error {
				return f.fillField(page, FieldSpec{
					Label:     regexp.MustCompile(`(?i)mc\s*day`),
					Hints:     []string{"mcday", "day"},
					Conflicts: []string{"date", "start", "end", "visit"},
				}, strconv.Itoa(in.MCDays))
			},
		})
	} else {
		steps = append(steps, fillStep{
			name: "mc_days",
			run: func(context.Context, *rod.Page) error {
				return fmt.Errorf("no medical certificate for this visit")
			},
		})
	}

	steps = append(steps, fillStep{
		name:     "diagnosis",
		required: true,
		run: func(_ context.Context, page *rod.Page) error {
			return f.fillDiagnosis(page, in.Diagnosis)
		},
	})

	for _, item := range in.LineItems {
		item := item
		steps = append(steps, fillStep{
			name: "line_item:" + item.Name,
			run: func(_ context.Context, page *rod.Page) error {
				return f.addLineItem(page, item)
			},
		})
	}
	return steps
}

// fillField resolves a field and types a value with echo verification.
func (f *FormFiller) fillField(page *rod.Page, spec FieldSpec, value string) error {
	if page == nil {
		return fmt.Errorf("no active page")
	}
	res := f.fields.Resolve(page, spec)
	if !res.OK() {
		return fmt.Errorf("locating field: %s", res.Reason)
	}
	el := res.Element
	if err := el.SelectAllText(); err == nil {
		_ = el.Input("")
	}
	if err := el.Input(value); err != nil {
		return fmt.Errorf("typing value: %w", err)
	}
	echoed, err := el.Property("value")
	if err == nil && echoed.Str() != value {
		return fmt.Errorf("field echoed %q, wanted %q (%s)", echoed.Str(), value, ReasonValueMismatch)
	}
	return nil
}

// selectOption picks an option by visible text in the dropdown the label
// points at.
func (f *FormFiller) selectOption(page *rod.Page, label *regexp.Regexp, hints []string, option string) error {
	if page == nil {
		return fmt.Errorf("no active page")
	}
	res := f.fields.Resolve(page, FieldSpec{Label: label, Hints: hints})
	if !res.OK() {
		return fmt.Errorf("locating dropdown: %s", res.Reason)
	}
	if err := res.Element.Select([]string{option}, true, rod.SelectorTypeText); err != nil {
		return fmt.Errorf("selecting %q: %w", option, err)
	}
	return nil
}

// fillDiagnosis types the code into the diagnosis lookup and accepts the
// first suggestion when the portal offers an autocomplete list.
func (f *FormFiller) fillDiagnosis(page *rod.Page, diagnosis string) error {
	spec := FieldSpec{
		Label: regexp.MustCompile(`(?i)diagnosis`),
		Hints: []string{"diagnosis", "icd"},
	}
	if err := f.fillField(page, spec, diagnosis); err != nil {
		return err
	}
	// Autocomplete portals require an explicit pick; plain inputs ignore this.
	_, err := page.Timeout(2*time.Second).Eval(`() => {
		const hit = document.querySelector('.ui-autocomplete li, .autocomplete-suggestion, [class*="suggestion" i] li');
		if (hit) hit.click();
	}`)
	if err != nil {
		f.log.Debug().Err(err).Msg("diagnosis suggestion pick")
	}
	return nil
}

// addLineItem appends one drug/consumable row and fills its name and
// quantity cells.
func (f *FormFiller) addLineItem(page *rod.Page, item LineItem) error {
	if page == nil {
		return fmt.Errorf("no active page")
	}
	add := findControl(page, addItemMarkerRe, nil)
	if add == nil {
		return fmt.Errorf("add-item control not found")
	}
	if err := f.gate.GuardedClick(add, "add line item"); err != nil {
		return fmt.Errorf("adding row: %w", err)
	}

	_, err := page.Timeout(5*time.Second).Eval(`(name, qty) => {
		const rows = document.querySelectorAll('table tr');
		const row = rows[rows.length - 1];
		if (!row) throw new Error('no item row after add');
		const nameInput = row.querySelector('input[type="text"], input:not([type])');
		const qtyInput = row.querySelector('input[type="number"], input[name*="qty" i], input[id*="qty" i]');
		if (!nameInput) throw new Error('item name cell not found');
		const set = (el, v) => {
			el.value = v;
			el.dispatchEvent(new Event('input', {bubbles: true}));
			el.dispatchEvent(new Event('change', {bubbles: true}));
		};
		set(nameInput, name);
		if (qtyInput) set(qtyInput, String(qty));
	}`, item.Name, item.Quantity)
	if err != nil {
		return fmt.Errorf("filling item row: %w", err)
	}
	return nil
}
