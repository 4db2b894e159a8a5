package portal

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestClassifyDialog(t *testing.T) {
	tests := []struct {
		name     string
		message  string
		expected routeTarget
	}{
		{
			name:     "redirect instruction partner a",
			message:  "Please proceed to search this patient under the PHPC system.",
			expected: routePartnerA,
		},
		{
			name:     "bare partner a brand",
			message:  "Record found in PHPC.",
			expected: routePartnerA,
		},
		{
			name:     "redirect instruction partner b",
			message:  "Please submit this visit via the GP First system.",
			expected: routePartnerB,
		},
		{
			name:     "partner b brand",
			message:  "This patient is enrolled under GPFirst.",
			expected: routePartnerB,
		},
		{
			name:     "validation message",
			message:  "Visit date is required.",
			expected: routeNone,
		},
		{
			name:     "empty",
			message:  "",
			expected: routeNone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyDialog(tt.message); got != tt.expected {
				t.Errorf("classifyDialog(%q) = %v, want %v", tt.message, got, tt.expected)
			}
		})
	}
}

func TestHandleSetsFlagsAndRecordsMessage(t *testing.T) {
	session := NewSession(nil)
	c := NewDialogCoordinator(session, zerolog.Nop())

	c.handle(DialogEvent{
		Message:    "Please search the patient under the PHPC system.",
		Kind:       DialogAlert,
		ObservedAt: time.Now(),
	})

	if !session.Flags.NeedsPartnerA() {
		t.Error("expected partner A flag set")
	}
	if session.Flags.NeedsPartnerB() {
		t.Error("partner B flag must stay clear")
	}
	if session.Flags.LastDialogMessage() == "" {
		t.Error("expected last dialog message recorded")
	}
}

func TestHandleUnclassifiedDialogLeavesFlagsClear(t *testing.T) {
	session := NewSession(nil)
	c := NewDialogCoordinator(session, zerolog.Nop())

	c.handle(DialogEvent{Message: "Invalid visit date.", Kind: DialogAlert, ObservedAt: time.Now()})

	if session.Flags.NeedsPartnerA() || session.Flags.NeedsPartnerB() {
		t.Error("no route flag may be set for an unclassified dialog")
	}
	if got := session.Flags.LastDialogMessage(); got != "Invalid visit date." {
		t.Errorf("unexpected recorded message: %q", got)
	}
}

func TestHandleNotifiesObserverAfterDrain(t *testing.T) {
	session := NewSession(nil)
	c := NewDialogCoordinator(session, zerolog.Nop())

	var seen []DialogEvent
	c.OnDialog = func(ev DialogEvent) { seen = append(seen, ev) }

	c.handle(DialogEvent{Message: "Anything", Kind: DialogConfirm, ObservedAt: time.Now()})

	if len(seen) != 1 {
		t.Fatalf("expected 1 observed event, got %d", len(seen))
	}
	if seen[0].Kind != DialogConfirm {
		t.Errorf("unexpected kind: %v", seen[0].Kind)
	}
}

func TestFlagHygieneAcrossPatients(t *testing.T) {
	session := NewSession(nil)
	c := NewDialogCoordinator(session, zerolog.Nop())

	c.handle(DialogEvent{Message: "Search under PHPC", Kind: DialogAlert, ObservedAt: time.Now()})
	if !session.Flags.NeedsPartnerA() {
		t.Fatal("expected flag set")
	}

	session.ResetForNewPatient()

	if session.Flags.NeedsPartnerA() || session.Flags.NeedsPartnerB() {
		t.Error("flags from patient N must not leak into patient N+1")
	}
	if session.Flags.LastDialogMessage() != "" {
		t.Error("dialog message must be cleared at the patient boundary")
	}
}
