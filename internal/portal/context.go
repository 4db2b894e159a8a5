package portal

import (
	"sync"
	"time"

	"clinicclaim-agent/internal/browser"
)

// System identifies which of the mutually exclusive sub-systems the active
// page is currently rendering.
type System int

const (
	SystemBase System = iota
	SystemPartnerA
	SystemPartnerB
)

func (s System) String() string {
	switch s {
	case SystemBase:
		return "base"
	case SystemPartnerA:
		return "partner_a"
	case SystemPartnerB:
		return "partner_b"
	default:
		return "unknown"
	}
}

// ProgramKind selects which patient catalogue a search attempt runs against.
type ProgramKind int

const (
	ProgramOther ProgramKind = iota
	ProgramPartnerA
)

func (p ProgramKind) String() string {
	if p == ProgramPartnerA {
		return "partner_a"
	}
	return "other"
}

// DialogKind classifies a native modal interrupt.
type DialogKind int

const (
	DialogAlert DialogKind = iota
	DialogConfirm
	DialogPrompt
)

// DialogEvent is an immutable record of one native modal interrupt.
type DialogEvent struct {
	Message    string
	Kind       DialogKind
	ObservedAt time.Time
}

// RouteFlags is the only channel through which the dialog coordinator talks
// to the rest of the system. Each flag is a single-writer/single-consumer
// mailbox: the coordinator sets, exactly one downstream component clears.
type RouteFlags struct {
	mu                sync.Mutex
	needsPartnerA     bool
	needsPartnerB     bool
	lastDialogMessage string
}

func (f *RouteFlags) SetPartnerA() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.needsPartnerA = true
}

func (f *RouteFlags) SetPartnerB() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.needsPartnerB = true
}

func (f *RouteFlags) NeedsPartnerA() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.needsPartnerA
}

func (f *RouteFlags) NeedsPartnerB() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.needsPartnerB
}

// ClearPartnerA is called by the consumer that acted on the flag.
func (f *RouteFlags) ClearPartnerA() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.needsPartnerA = false
}

func (f *RouteFlags) ClearPartnerB() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.needsPartnerB = false
}

// RecordDialog persists the latest dialog message for later error classification.
func (f *RouteFlags) RecordDialog(msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastDialogMessage = msg
}

func (f *RouteFlags) LastDialogMessage() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastDialogMessage
}

// Reset clears all flags and the recorded dialog message.
func (f *RouteFlags) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.needsPartnerA = false
	f.needsPartnerB = false
	f.lastDialogMessage = ""
}

// Session is the single live automation context for a run. It bundles the
// page arena, the route-flag mailbox, and the portal-side state (which
// sub-system is rendered, authentication freshness). It is created once per
// run and mutated in place.
type Session struct {
	Pages *browser.Manager
	Flags *RouteFlags

	mu              sync.Mutex
	currentSystem   System
	authenticated   bool
	lastAuthAt      time.Time
	loginInProgress bool
}

func NewSession(pages *browser.Manager) *Session {
	return &Session{
		Pages: pages,
		Flags: &RouteFlags{},
	}
}

func (s *Session) CurrentSystem() System {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentSystem
}

func (s *Session) setSystem(sys System) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentSystem = sys
}

// Authenticated reports whether a login succeeded within the given window.
func (s *Session) Authenticated(within time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated && time.Since(s.lastAuthAt) < within
}

func (s *Session) markAuthenticated(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authenticated = true
	s.lastAuthAt = at
}

func (s *Session) invalidateAuth() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authenticated = false
}

// beginLogin flips the re-entrancy guard; returns false when a login is
// already running on this session.
func (s *Session) beginLogin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loginInProgress {
		return false
	}
	s.loginInProgress = true
	return true
}

func (s *Session) endLogin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loginInProgress = false
}

// ResetForNewPatient clears every flag so state from patient N can never
// influence patient N+1.
func (s *Session) ResetForNewPatient() {
	s.Flags.Reset()
}

// SearchAttempt records the outcome of one patient search under one program.
type SearchAttempt struct {
	Term             string
	Program          ProgramKind
	Found            bool
	MemberNotFound   bool
	ResolvedPortal   string
	DiagnosticReason string
}

// LineItem is one drug/consumable row supplied by the upstream extraction.
type LineItem struct {
	Name     string
	Quantity int
}

// ClaimDraftState accumulates the visit form values filled so far. It is
// never serialized anywhere except the remote form itself.
type ClaimDraftState struct {
	VisitDate  string
	ChargeType string
	MCDays     int
	Diagnosis  string
	LineItems  []LineItem
	Filled     []string // field names filled, in order
	Skipped    []string // optional fields skipped with a logged reason
}
