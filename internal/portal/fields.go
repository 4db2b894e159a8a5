package portal

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/rs/zerolog"
)

// LocatorReason tags a failed field resolution. Callers must treat a failure
// as a failed operation, never as license to guess another element.
type LocatorReason string

const (
	ReasonLabelNotFound LocatorReason = "label_not_found"
	ReasonRowNotFound   LocatorReason = "row_not_found"
	ReasonInputNotFound LocatorReason = "input_not_found"
	ReasonValueMismatch LocatorReason = "value_mismatch"
	ReasonSnapshotError LocatorReason = "snapshot_error"
)

// LocatorResult is the typed outcome of a label-anchored search. Reason is
// populated only on failure; Element only on success.
type LocatorResult struct {
	Element  *rod.Element
	Selector string
	Score    float64
	Reason   LocatorReason
}

func (r LocatorResult) OK() bool { return r.Reason == "" }

// FieldSpec describes one field concept to resolve.
type FieldSpec struct {
	// Label matches the visible label text anchoring the field.
	Label *regexp.Regexp
	// Hints are attribute fragments that positively identify the concept
	// (matched against name/id/aria-label/placeholder, lowercased).
	Hints []string
	// Conflicts are fragments of a competing concept; a hit strongly
	// disqualifies a candidate (e.g. "date"/"visit" when the target is not
	// a date field).
	Conflicts []string
	// Scope restricts the snapshot to a CSS selector; empty means body.
	Scope string
}

// labelCell is one visible text node from the snapshot.
type labelCell struct {
	Text     string  `json:"text"`
	RowIndex int     `json:"row"`
	ColStart int     `json:"colStart"`
	ColSpan  int     `json:"colSpan"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
}

func (l labelCell) area() float64 { return l.Width * l.Height }

// inputCandidate is one input-like control from the snapshot. Ref is a
// generated attribute selector handle valid until the next navigation.
type inputCandidate struct {
	Ref         string  `json:"ref"`
	Tag         string  `json:"tag"`
	Type        string  `json:"type"`
	Name        string  `json:"name"`
	ID          string  `json:"id"`
	Aria        string  `json:"aria"`
	Placeholder string  `json:"placeholder"`
	RowIndex    int     `json:"row"`
	ColStart    int     `json:"colStart"`
	ColSpan     int     `json:"colSpan"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Width       float64 `json:"width"`
	Height      float64 `json:"height"`
	Visible     bool    `json:"visible"`
	Disabled    bool    `json:"disabled"`
	ReadOnly    bool    `json:"readOnly"`
	Value       string  `json:"value"`
}

// formSnapshot is everything the resolver needs, captured in one JS pass.
type formSnapshot struct {
	Labels []labelCell      `json:"labels"`
	Inputs []inputCandidate `json:"inputs"`
}

// FieldResolver runs the generic label-anchored search-and-score algorithm
// every specific filler reuses. Resolution is always scoped to one semantic
// row; strategies never silently fall back to an unrelated field.
type FieldResolver struct {
	log zerolog.Logger
}

func NewFieldResolver(log zerolog.Logger) *FieldResolver {
	return &FieldResolver{log: log.With().Str("component", "fields").Logger()}
}

// Resolve locates the input for spec on page. The strategy chain is row-scan,
// then attribute scan, then geometry-band scan, each tried only after the
// previous returned a failure result.
func (r *FieldResolver) Resolve(page *rod.Page, spec FieldSpec) LocatorResult {
	snap, err := captureFormSnapshot(page, spec.Scope)
	if err != nil {
		r.log.Warn().Err(err).Msg("form snapshot failed")
		return LocatorResult{Reason: ReasonSnapshotError}
	}

	res := locateInSnapshot(snap, spec)
	if !res.OK() {
		r.log.Debug().
			Str("label", spec.Label.String()).
			Str("reason", string(res.Reason)).
			Msg("field not resolved")
		return res
	}

	el, err := page.Timeout(2 * time.Second).Element(refSelector(res.Selector))
	if err != nil {
		return LocatorResult{Reason: ReasonInputNotFound}
	}
	res.Element = el
	return res
}

// locateInSnapshot is the pure core of the algorithm.
func locateInSnapshot(snap formSnapshot, spec FieldSpec) LocatorResult {
	label, ok := findLabel(snap.Labels, spec.Label)
	if !ok {
		// The attribute scan needs no label anchor, so a missing label is
		// only terminal once it too comes up empty.
		if res := attrScan(snap, spec); res.OK() {
			return res
		}
		return LocatorResult{Reason: ReasonLabelNotFound}
	}

	primary := rowScan(snap, label, spec)
	if primary.OK() {
		return primary
	}
	if res := attrScan(snap, spec); res.OK() {
		return res
	}
	if res := geometryScan(snap, label, spec); res.OK() {
		return res
	}
	// All strategies failed; the row-scan diagnosis is the canonical one.
	return primary
}

// findLabel picks the smallest visible text node matching re.
func findLabel(labels []labelCell, re *regexp.Regexp) (labelCell, bool) {
	var best labelCell
	found := false
	for _, l := range labels {
		if !re.MatchString(l.Text) {
			continue
		}
		if !found || l.area() < best.area() {
			best = l
			found = true
		}
	}
	return best, found
}

// rowScan resolves within the label's tabular row only, honoring column
// spans so a multi-field row never bleeds candidates across label windows.
func rowScan(snap formSnapshot, label labelCell, spec FieldSpec) LocatorResult {
	if label.RowIndex < 0 {
		return LocatorResult{Reason: ReasonRowNotFound}
	}

	startCol, endCol := columnWindow(snap.Labels, label)

	var rowInputs []inputCandidate
	for _, in := range snap.Inputs {
		if in.RowIndex != label.RowIndex || !in.Visible {
			continue
		}
		if in.ColStart < startCol || in.ColStart >= endCol {
			continue
		}
		rowInputs = append(rowInputs, in)
	}
	if len(rowInputs) == 0 {
		return LocatorResult{Reason: ReasonInputNotFound}
	}
	return pickBest(rowInputs, spec)
}

// columnWindow returns the half-open column range owned by label within its
// row: from the label's starting column up to the next label cell.
func columnWindow(labels []labelCell, label labelCell) (int, int) {
	start := label.ColStart
	end := int(^uint(0) >> 1) // max int
	for _, l := range labels {
		if l.RowIndex != label.RowIndex || l == label {
			continue
		}
		if l.ColStart > label.ColStart && l.ColStart < end {
			end = l.ColStart
		}
	}
	return start, end
}

// attrScan accepts only candidates whose own attributes positively identify
// the concept; a weak match is a failure, not a fallback.
func attrScan(snap formSnapshot, spec FieldSpec) LocatorResult {
	var strong []inputCandidate
	for _, in := range snap.Inputs {
		if !in.Visible {
			continue
		}
		if hintHits(in, spec.Hints) == 0 || hintHits(in, spec.Conflicts) > 0 {
			continue
		}
		strong = append(strong, in)
	}
	if len(strong) == 0 {
		return LocatorResult{Reason: ReasonInputNotFound}
	}
	return pickBest(strong, spec)
}

// geometryScan resolves in the horizontal band of the label for layouts with
// no usable rows: candidates share the label's vertical center and sit to
// its right.
func geometryScan(snap formSnapshot, label labelCell, spec FieldSpec) LocatorResult {
	bandCenter := label.Y + label.Height/2
	var band []inputCandidate
	for _, in := range snap.Inputs {
		if !in.Visible || in.X < label.X {
			continue
		}
		center := in.Y + in.Height/2
		tolerance := label.Height
		if in.Height > tolerance {
			tolerance = in.Height
		}
		if center >= bandCenter-tolerance && center <= bandCenter+tolerance {
			band = append(band, in)
		}
	}
	if len(band) == 0 {
		return LocatorResult{Reason: ReasonInputNotFound}
	}
	return pickBest(band, spec)
}

// pickBest scores candidates and returns the winner, or a failure when the
// best candidate is disqualified by a conflicting concept.
func pickBest(candidates []inputCandidate, spec FieldSpec) LocatorResult {
	best := LocatorResult{Reason: ReasonInputNotFound, Score: -1 << 20}
	for _, in := range candidates {
		score := scoreCandidate(in, spec)
		if score > best.Score {
			best = LocatorResult{Selector: in.Ref, Score: score}
		}
	}
	if best.Score < 0 {
		return LocatorResult{Reason: ReasonInputNotFound}
	}
	return best
}

// scoreCandidate weighs positive attribute hints against strongly negative
// conflicting-concept hits, with rendered width as a tiebreaker and a
// disabled/read-only penalty.
func scoreCandidate(in inputCandidate, spec FieldSpec) float64 {
	score := 0.0
	score += 2.0 * float64(hintHits(in, spec.Hints))
	score -= 5.0 * float64(hintHits(in, spec.Conflicts))
	score += in.Width / 1000.0
	if in.Disabled || in.ReadOnly {
		score -= 3.0
	}
	return score
}

func hintHits(in inputCandidate, hints []string) int {
	haystack := strings.ToLower(strings.Join([]string{in.Name, in.ID, in.Aria, in.Placeholder}, " "))
	hits := 0
	for _, h := range hints {
		if h != "" && strings.Contains(haystack, strings.ToLower(h)) {
			hits++
		}
	}
	return hits
}

func refSelector(ref string) string {
	return fmt.Sprintf(`[data-agent-ref=%q]`, ref)
}

// captureFormSnapshot extracts labels and input candidates in one JS pass.
// Each candidate gets a data-agent-ref handle so the winner can be resolved
// back to a live element.
func captureFormSnapshot(page *rod.Page, scope string) (formSnapshot, error) {
	if scope == "" {
		scope = "body"
	}

	res, err := page.Timeout(5*time.Second).Evaluate(&rod.EvalOptions{
		JS: `
		(scopeSel) => {
			const scope = document.querySelector(scopeSel);
			if (!scope) return { labels: [], inputs: [] };

			const isVisible = (el) => {
				const rect = el.getBoundingClientRect();
				const style = getComputedStyle(el);
				return style.display !== 'none' && style.visibility !== 'hidden' &&
					style.opacity !== '0' && rect.width > 0 && rect.height > 0;
			};

			const trs = Array.from(scope.querySelectorAll('tr'));
			const rowOf = (el) => {
				const tr = el.closest('tr');
				return tr ? trs.indexOf(tr) : -1;
			};
			const colOf = (el) => {
				const cell = el.closest('td, th');
				if (!cell) return { start: 0, span: 1 };
				let start = 0;
				let sib = cell.previousElementSibling;
				while (sib) {
					start += sib.colSpan || 1;
					sib = sib.previousElementSibling;
				}
				return { start, span: cell.colSpan || 1 };
			};

			const labels = [];
			scope.querySelectorAll('td, th, label, span, b, strong').forEach((el) => {
				const text = (el.innerText || '').trim();
				if (!text || text.length > 60 || !isVisible(el)) return;
				// Skip wrappers whose text lives entirely in a smaller child.
				const child = Array.from(el.children).find(
					(c) => (c.innerText || '').trim() === text
				);
				if (child) return;
				const rect = el.getBoundingClientRect();
				const col = colOf(el);
				labels.push({
					text,
					row: rowOf(el),
					colStart: col.start,
					colSpan: col.span,
					x: rect.x, y: rect.y, width: rect.width, height: rect.height
				});
			});

			let counter = 0;
			const inputs = [];
			scope.querySelectorAll('input:not([type="hidden"]), select, textarea').forEach((el) => {
				let ref = el.getAttribute('data-agent-ref');
				if (!ref) {
					ref = 'fld_' + (counter++) + '_' + Date.now();
					el.setAttribute('data-agent-ref', ref);
				}
				const rect = el.getBoundingClientRect();
				const col = colOf(el);
				inputs.push({
					ref,
					tag: el.tagName.toLowerCase(),
					type: el.type || '',
					name: el.name || '',
					id: el.id || '',
					aria: el.getAttribute('aria-label') || '',
					placeholder: el.getAttribute('placeholder') || '',
					row: rowOf(el),
					colStart: col.start,
					colSpan: col.span,
					x: rect.x, y: rect.y, width: rect.width, height: rect.height,
					visible: isVisible(el),
					disabled: !!el.disabled,
					readOnly: !!el.readOnly,
					value: el.value || ''
				});
			});

			return { labels, inputs };
		}
		`,
		JSArgs:       []interface{}{scope},
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil || res == nil {
		return formSnapshot{}, fmt.Errorf("snapshot eval: %w", err)
	}

	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return formSnapshot{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	var snap formSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return formSnapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}
