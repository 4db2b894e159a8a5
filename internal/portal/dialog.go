package portal

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog"
)

// routeTarget is the outcome of classifying a dialog message.
type routeTarget int

const (
	routeNone routeTarget = iota
	routePartnerA
	routePartnerB
)

// The portal raises a native dialog when a record must be filed under a
// partner sub-system instead of the one currently rendered. Classification
// keys on the redirect instruction or on the bare partner brand.
var (
	partnerARedirectRe = regexp.MustCompile(`(?i)(switch|proceed|search|submit|file)[^.]*\b(phpc|partner\s*a)\b`)
	partnerBRedirectRe = regexp.MustCompile(`(?i)(switch|proceed|search|submit|file)[^.]*\b(gp\s*first|partner\s*b)\b`)
	partnerABrandRe    = regexp.MustCompile(`(?i)\bphpc\b`)
	partnerBBrandRe    = regexp.MustCompile(`(?i)\b(gp\s*first|partner\s*b)\b`)
)

func classifyDialog(message string) routeTarget {
	switch {
	case partnerARedirectRe.MatchString(message), partnerABrandRe.MatchString(message):
		return routePartnerA
	case partnerBRedirectRe.MatchString(message), partnerBBrandRe.MatchString(message):
		return routePartnerB
	default:
		return routeNone
	}
}

// DialogCoordinator intercepts native modal interrupts on the active page.
// The handler accepts the dialog before anything else; querying the document
// while a dialog is open can deadlock the whole automation. All it may do
// afterwards is classify the captured message and set route flags; it never
// touches the DOM.
type DialogCoordinator struct {
	session *Session
	log     zerolog.Logger

	// Observer for the diagnostic side channel; called after the dialog has
	// been drained, never from inside the accept path.
	OnDialog func(DialogEvent)

	mu     sync.Mutex
	cancel context.CancelFunc
}

func NewDialogCoordinator(session *Session, log zerolog.Logger) *DialogCoordinator {
	return &DialogCoordinator{
		session: session,
		log:     log.With().Str("component", "dialog").Logger(),
	}
}

// Install subscribes to dialog events on page, replacing any previous
// subscription (e.g. after adopting a popup). In-flight flags survive a
// re-install unless reset is requested.
func (c *DialogCoordinator) Install(page *rod.Page, reset bool) {
	if reset {
		c.session.Flags.Reset()
	}

	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	bound := page.Context(ctx)
	wait := bound.EachEvent(func(ev *proto.PageJavascriptDialogOpening) {
		// Accept first. Nothing else is safe while the dialog is open.
		if err := (proto.PageHandleJavaScriptDialog{Accept: true}).Call(bound); err != nil {
			c.log.Warn().Err(err).Msg("accepting dialog")
		}
		c.handle(DialogEvent{
			Message:    ev.Message,
			Kind:       dialogKindOf(ev.Type),
			ObservedAt: time.Now(),
		})
	})
	go wait()
}

// Uninstall drops the current subscription, if any.
func (c *DialogCoordinator) Uninstall() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

// handle classifies a drained dialog and updates the flag mailbox. No DOM
// access happens here or anywhere downstream of it.
func (c *DialogCoordinator) handle(ev DialogEvent) {
	c.session.Flags.RecordDialog(ev.Message)

	switch classifyDialog(ev.Message) {
	case routePartnerA:
		c.session.Flags.SetPartnerA()
		c.log.Info().Str("message", ev.Message).Msg("dialog requests partner A sub-system")
	case routePartnerB:
		c.session.Flags.SetPartnerB()
		c.log.Info().Str("message", ev.Message).Msg("dialog requests partner B sub-system")
	default:
		c.log.Debug().Str("message", ev.Message).Msg("dialog drained")
	}

	if c.OnDialog != nil {
		c.OnDialog(ev)
	}
}

func dialogKindOf(t proto.PageDialogType) DialogKind {
	switch t {
	case proto.PageDialogTypeConfirm:
		return DialogConfirm
	case proto.PageDialogTypePrompt:
		return DialogPrompt
	default:
		return DialogAlert
	}
}
