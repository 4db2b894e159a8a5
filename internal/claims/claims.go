// Package claims loads and validates the visit batch file the agent works
// through. The batch is the only input besides credentials; everything in it
// is checked before a browser ever starts.
package claims

import (
	"fmt"
	"os"
	"strings"
	"time"

	"clinicclaim-agent/internal/portal"

	"gopkg.in/yaml.v3"
)

// DateLayout is the portal's date format, day first.
const DateLayout = "02/01/2006"

// Batch is one input file: the visits to draft in a single run.
type Batch struct {
	Visits []Visit `yaml:"visits"`
}

// Visit is one patient encounter to put on the portal as a draft claim.
type Visit struct {
	// PatientID is the identifier searched on the portal (NRIC or similar).
	PatientID string `yaml:"patient_id"`
	// VisitDate in DD/MM/YYYY.
	VisitDate string `yaml:"visit_date"`
	// ChargeType as the portal's dropdown displays it.
	ChargeType string `yaml:"charge_type"`
	// MCDays is zero when no medical certificate was issued.
	MCDays int `yaml:"mc_days"`
	// Diagnosis code, typically ICD-10.
	Diagnosis string `yaml:"diagnosis"`
	// LineItems are the drugs and consumables dispensed.
	LineItems []LineItem `yaml:"line_items"`
}

// LineItem is one dispensed drug or consumable.
type LineItem struct {
	Name     string `yaml:"name"`
	Quantity int    `yaml:"quantity"`
}

// Load reads and validates a batch file. A batch that fails validation is
// rejected whole; partial batches are worse than no batch.
func Load(path string) (Batch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Batch{}, fmt.Errorf("reading batch file: %w", err)
	}
	var b Batch
	if err := yaml.Unmarshal(data, &b); err != nil {
		return Batch{}, fmt.Errorf("parsing batch file %s: %w", path, err)
	}
	if err := b.Validate(); err != nil {
		return Batch{}, fmt.Errorf("validating batch file %s: %w", path, err)
	}
	return b, nil
}

// Validate checks the whole batch.
func (b Batch) Validate() error {
	if len(b.Visits) == 0 {
		return fmt.Errorf("batch contains no visits")
	}
	for i, v := range b.Visits {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("visit %d (%s): %w", i+1, v.PatientID, err)
		}
	}
	return nil
}

// Validate checks one visit.
func (v Visit) Validate() error {
	if strings.TrimSpace(v.PatientID) == "" {
		return fmt.Errorf("patient_id is required")
	}
	if v.VisitDate == "" {
		return fmt.Errorf("visit_date is required")
	}
	if _, err := time.Parse(DateLayout, v.VisitDate); err != nil {
		return fmt.Errorf("visit_date %q is not DD/MM/YYYY: %w", v.VisitDate, err)
	}
	if strings.TrimSpace(v.ChargeType) == "" {
		return fmt.Errorf("charge_type is required")
	}
	if strings.TrimSpace(v.Diagnosis) == "" {
		return fmt.Errorf("diagnosis is required")
	}
	if v.MCDays < 0 {
		return fmt.Errorf("mc_days %d is negative", v.MCDays)
	}
	for i, item := range v.LineItems {
		if strings.TrimSpace(item.Name) == "" {
			return fmt.Errorf("line item %d has no name", i+1)
		}
		if item.Quantity <= 0 {
			return fmt.Errorf("line item %d (%s) has quantity %d", i+1, item.Name, item.Quantity)
		}
	}
	return nil
}

// Input converts a visit into what the form filler consumes.
func (v Visit) Input() portal.VisitInput {
	items := make([]portal.LineItem, 0, len(v.LineItems))
	for _, item := range v.LineItems {
		items = append(items, portal.LineItem{Name: item.Name, Quantity: item.Quantity})
	}
	return portal.VisitInput{
		VisitDate:  v.VisitDate,
		ChargeType: v.ChargeType,
		MCDays:     v.MCDays,
		Diagnosis:  v.Diagnosis,
		LineItems:  items,
	}
}
