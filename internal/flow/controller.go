// Package flow implements the per-identity conversation state machine.
//
// The Controller turns one inbound event into at most one session write plus
// the replies and notifications that follow from it. Work for one identity is
// strictly sequential; different identities run in parallel.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/OutletPipe/internal/catalog"
	"github.com/BTreeMap/OutletPipe/internal/envelope"
	"github.com/BTreeMap/OutletPipe/internal/genai"
	"github.com/BTreeMap/OutletPipe/internal/messaging"
	"github.com/BTreeMap/OutletPipe/internal/models"
	"github.com/BTreeMap/OutletPipe/internal/store"
)

// DefaultEventDeadline bounds the handling of one inbound event.
const DefaultEventDeadline = 25 * time.Second

const tryAgainTimeout = 5 * time.Second

// Quick-reply ids answered without the generator.
const (
	ButtonMenu       = "menu"
	ButtonLogout     = "logout"
	ButtonConfirmYes = "confirm_yes"
	ButtonConfirmNo  = "confirm_no"
	ButtonSummary    = "summary"
)

// Generator produces the display text and raw envelope for one turn.
type Generator interface {
	Generate(ctx context.Context, req genai.Request) (genai.Generation, error)
}

// Dispatcher sends replies and fan-out notifications.
type Dispatcher interface {
	Send(ctx context.Context, msg models.OutboundMessage) (models.DeliveryResult, error)
	FanOut(ctx context.Context, n messaging.Notification, recipients []messaging.Recipient) []messaging.FanOutResult
}

var (
	_ Generator  = (*genai.Client)(nil)
	_ Dispatcher = (*messaging.Dispatcher)(nil)
)

// Deps are the collaborators a Controller needs. Audit may be nil.
type Deps struct {
	Sessions   store.SessionStore
	Dedup      store.DedupRepo
	Directory  store.Directory
	Records    store.RecordSink
	Audit      store.AuditRepo
	Generator  Generator
	Validator  *envelope.Validator
	Dispatcher Dispatcher
	Catalog    *catalog.Catalog
}

// Opts holds controller configuration.
type Opts struct {
	EventDeadline time.Duration
	HistoryLimit  int
	Now           func() time.Time
}

// Option configures a Controller.
type Option func(*Opts)

// WithEventDeadline bounds how long one inbound event may take.
func WithEventDeadline(d time.Duration) Option {
	return func(o *Opts) { o.EventDeadline = d }
}

// WithHistoryLimit bounds the turns kept per session.
func WithHistoryLimit(n int) Option {
	return func(o *Opts) { o.HistoryLimit = n }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Controller is the conversation state machine.
type Controller struct {
	deps  Deps
	opts  Opts
	locks *IdentityLocks
}

// NewController validates deps and applies options.
func NewController(deps Deps, opts ...Option) (*Controller, error) {
	switch {
	case deps.Sessions == nil:
		return nil, fmt.Errorf("flow: session store is required")
	case deps.Dedup == nil:
		return nil, fmt.Errorf("flow: dedup repo is required")
	case deps.Directory == nil:
		return nil, fmt.Errorf("flow: directory is required")
	case deps.Records == nil:
		return nil, fmt.Errorf("flow: record sink is required")
	case deps.Generator == nil:
		return nil, fmt.Errorf("flow: generator is required")
	case deps.Dispatcher == nil:
		return nil, fmt.Errorf("flow: dispatcher is required")
	}
	if deps.Validator == nil {
		deps.Validator = envelope.NewValidator()
	}
	if deps.Catalog == nil {
		deps.Catalog = catalog.Default()
	}
	cfg := Opts{EventDeadline: DefaultEventDeadline, HistoryLimit: models.DefaultHistoryLimit, Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Controller{deps: deps, opts: cfg, locks: NewIdentityLocks()}, nil
}

// Outcome reports what HandleInbound did with one event.
type Outcome struct {
	Identity      string                   `json:"identity"`
	MessageID     string                   `json:"messageId"`
	Duplicate     bool                     `json:"duplicate,omitempty"`
	State         models.StateType         `json:"state,omitempty"`
	FormKind      models.FormKind          `json:"formKind,omitempty"`
	Intent        models.Intent            `json:"intent,omitempty"`
	Handled       models.ErrorKind         `json:"handled,omitempty"` // error kind answered in-band
	Replies       []models.DeliveryResult  `json:"replies,omitempty"`
	Notifications []messaging.FanOutResult `json:"-"`
}

// turn is the working state of one event while the identity lock is held.
type turn struct {
	evt      models.InboundEvent
	identity string
	now      time.Time
	fresh    bool // no session existed before this event
	sess     *models.Session
	env      *models.Envelope
	display  string
	history  bool
	intent   models.Intent
	handled  models.ErrorKind
	replies  []models.OutboundMessage
	fanouts  []fanOut
}

// fanOut is a notification whose recipients are resolved after the lock is released.
type fanOut struct {
	notification messaging.Notification
	outlet       string
	roles        []models.Role
}

func (t *turn) reply(msg models.OutboundMessage) {
	t.replies = append(t.replies, msg)
}

// HandleInbound processes one inbound event end to end. Duplicates are
// acknowledged without effect. A returned error is transient or terminal;
// envelope, transition and authentication problems are answered in-band.
func (c *Controller) HandleInbound(ctx context.Context, evt models.InboundEvent) (*Outcome, error) {
	if err := evt.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrTerminal, err)
	}
	identity, err := messaging.CanonicalizePhone(evt.From)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrTerminal, err)
	}
	out := &Outcome{Identity: identity, MessageID: evt.MessageID}

	ctx, cancel := context.WithTimeout(ctx, c.opts.EventDeadline)
	defer cancel()

	claimed, err := c.deps.Dedup.ClaimInbound(ctx, evt.MessageID, identity, c.opts.Now())
	if err != nil {
		return out, fmt.Errorf("%w: claim inbound: %w", models.ErrTransientInfra, err)
	}
	if !claimed {
		slog.Info("Controller.HandleInbound: duplicate message ignored", "identity", identity, "messageID", evt.MessageID)
		out.Duplicate = true
		return out, nil
	}

	t, err := c.runLocked(ctx, identity, evt)
	if errors.Is(err, models.ErrVersionConflict) {
		slog.Warn("Controller.HandleInbound: session changed underneath, retrying once", "identity", identity)
		t, err = c.runLocked(ctx, identity, evt)
	}
	if err != nil {
		if relErr := c.deps.Dedup.ReleaseInbound(context.WithoutCancel(ctx), evt.MessageID); relErr != nil {
			slog.Error("Controller.HandleInbound: failed to release claim", "messageID", evt.MessageID, "error", relErr)
		}
		deadline := ctx.Err() != nil
		if deadline && !models.IsTransient(err) {
			err = fmt.Errorf("%w: %w", models.ErrTransientInfra, err)
		}
		slog.Error("Controller.HandleInbound: event failed", "identity", identity, "messageID", evt.MessageID, "kind", models.ClassifyError(err), "error", err)
		if !deadline && models.IsTransient(err) {
			c.sendTryAgain(identity)
		}
		return out, err
	}

	if err := c.deps.Dedup.MarkProcessed(context.WithoutCancel(ctx), evt.MessageID, c.opts.Now()); err != nil {
		slog.Warn("Controller.HandleInbound: failed to mark processed", "messageID", evt.MessageID, "error", err)
	}
	out.State = t.sess.State
	out.FormKind = t.sess.Cursor.FormKind
	out.Intent = t.intent
	out.Handled = t.handled
	c.deliver(ctx, t, out)
	return out, nil
}

// runLocked loads, transitions and persists the session under the identity lock.
func (c *Controller) runLocked(ctx context.Context, identity string, evt models.InboundEvent) (*turn, error) {
	if err := c.locks.Acquire(ctx, identity); err != nil {
		return nil, fmt.Errorf("%w: identity lock: %w", models.ErrTransientInfra, err)
	}
	defer c.locks.Release(identity)

	loaded, err := c.deps.Sessions.GetSession(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("%w: load session: %w", models.ErrTransientInfra, err)
	}
	now := c.opts.Now()
	t := &turn{evt: evt, identity: identity, now: now, fresh: loaded == nil}
	var version int64
	if loaded == nil {
		t.sess = models.NewSession(identity, now)
	} else {
		t.sess = loaded.Clone()
		version = loaded.Version
	}
	reenter(t.sess)
	t.sess.LastInboundAt = now

	if err := c.decide(ctx, t); err != nil {
		return nil, err
	}
	if t.history {
		t.sess.AppendTurn("user", userText(t.evt), now, c.opts.HistoryLimit)
		if len(t.replies) > 0 {
			t.sess.AppendTurn("assistant", t.replies[0].Body, now, c.opts.HistoryLimit)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: event deadline: %w", models.ErrTransientInfra, err)
	}

	saved, err := c.deps.Sessions.UpsertSession(ctx, identity, func(s *models.Session) error {
		if s.Version != version {
			return models.ErrVersionConflict
		}
		next := t.sess.Clone()
		next.Version = s.Version
		if !s.CreatedAt.IsZero() {
			next.CreatedAt = s.CreatedAt
		}
		*s = *next
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: persist session: %w", models.ErrTransientInfra, err)
	}
	t.sess = saved
	slog.Debug("Controller.runLocked: session persisted", "identity", identity, "state", saved.State, "form", saved.Cursor.FormKind, "version", saved.Version)
	return t, nil
}

// reenter moves a logged-out session back to a live state.
func reenter(s *models.Session) {
	if s.State != models.StateLoggedOut {
		return
	}
	s.Cursor = models.Cursor{}
	if s.HasCredentials() {
		s.State = models.StateMenu
	} else {
		s.State = models.StateUnauthenticated
	}
}

// decide computes the next session value and the replies for t.
func (c *Controller) decide(ctx context.Context, t *turn) error {
	if !t.sess.HasCredentials() {
		t.sess.State = models.StateUnauthenticated
		t.sess.Cursor = models.Cursor{}
		return c.login(ctx, t)
	}
	if t.evt.Type == models.InboundUnsupported {
		t.reply(c.menuMessage(t.sess, c.deps.Catalog.Texts.Unsupported))
		return nil
	}

	t.history = true
	raw, display, err := c.envelopeFor(ctx, t)
	if err != nil {
		return err
	}
	env, verr := c.deps.Validator.Validate(raw)
	c.audit(ctx, t, raw, env, verr)

	switch {
	case verr != nil:
		slog.Warn("Controller.decide: envelope rejected", "identity", t.identity, "error", verr)
		t.handled = models.KindInvalidEnvelope
		t.reply(c.fallbackMessage())
		return nil
	case env == nil:
		if display == "" {
			display = c.deps.Catalog.Texts.Fallback
		}
		t.reply(models.OutboundMessage{Kind: models.KindText, Body: display})
		return nil
	}

	t.env, t.display, t.intent = env, display, env.Intent
	apply, ok := lookupTransition(t.sess.State, env.Intent)
	if !ok || !permitted(t.sess.Role, env.Intent) {
		slog.Info("Controller.decide: unknown transition", "identity", t.identity, "state", t.sess.State, "intent", env.Intent, "role", t.sess.Role)
		t.handled = models.KindUnknownTransition
		toMenu(t.sess)
		t.reply(c.menuMessage(t.sess, c.deps.Catalog.Texts.UnknownTransition))
		return nil
	}
	if err := apply(ctx, c, t); err != nil {
		return err
	}
	c.attachEnvelopeButtons(t)
	return nil
}

// envelopeFor returns the raw envelope and display text for an authenticated turn.
func (c *Controller) envelopeFor(ctx context.Context, t *turn) ([]byte, string, error) {
	if raw, ok := shortcut(t.evt); ok {
		slog.Debug("Controller.envelopeFor: quick reply shortcut", "identity", t.identity, "envelope", string(raw))
		return raw, "", nil
	}
	menu, _ := c.deps.Catalog.MenuFor(t.sess.Role)
	titles := make([]string, 0, len(menu.Options))
	for _, o := range menu.Options {
		titles = append(titles, o.Title)
	}
	gen, err := c.deps.Generator.Generate(ctx, genai.Request{
		Role:     t.sess.Role,
		State:    t.sess.State,
		Cursor:   t.sess.Cursor,
		History:  t.sess.History,
		Text:     userText(t.evt),
		MenuHint: strings.Join(titles, ", "),
	})
	if err != nil {
		if models.IsTransient(err) {
			return nil, "", err
		}
		return nil, "", fmt.Errorf("%w: generator: %w", models.ErrTransientInfra, err)
	}
	return gen.Envelope, envelope.StripMarkers(gen.DisplayText), nil
}

// shortcut maps deterministic quick replies to synthetic envelopes.
func shortcut(evt models.InboundEvent) ([]byte, bool) {
	id := evt.ButtonID
	if evt.Type == models.InboundText {
		id = strings.ToLower(strings.TrimSpace(evt.Text))
		if id != ButtonMenu && id != ButtonLogout {
			return nil, false
		}
	}
	switch id {
	case ButtonMenu:
		return envelope.Synthetic(models.IntentShowMenu, nil), true
	case ButtonLogout:
		return envelope.Synthetic(models.IntentLogout, nil), true
	case ButtonSummary:
		return envelope.Synthetic(models.IntentReviewSummary, nil), true
	case ButtonConfirmYes:
		return envelope.Synthetic(models.IntentConfirm, map[string]interface{}{"confirmed": true}), true
	case ButtonConfirmNo:
		return envelope.Synthetic(models.IntentConfirm, map[string]interface{}{"confirmed": false}), true
	default:
		return nil, false
	}
}

func userText(evt models.InboundEvent) string {
	if evt.Type == models.InboundButton && evt.Text == "" {
		return evt.ButtonID
	}
	return evt.Text
}

// login resolves the text of an unauthenticated identity as an actor code.
func (c *Controller) login(ctx context.Context, t *turn) error {
	code := ""
	if t.evt.Type == models.InboundText {
		code = strings.TrimSpace(t.evt.Text)
	}
	if code != "" && len(code) <= 64 {
		actor, err := c.deps.Directory.LookupActorByCode(ctx, code)
		if err != nil {
			return fmt.Errorf("%w: lookup actor: %w", models.ErrTransientInfra, err)
		}
		if c.canLogin(actor, t.identity) {
			t.sess.Role = actor.Role
			t.sess.ActorCode = actor.Code
			t.sess.Outlet = actor.Outlet
			t.sess.State = models.StateMenu
			slog.Info("Controller.login: identity authenticated", "identity", t.identity, "role", actor.Role, "outlet", actor.Outlet)
			t.reply(c.menuMessage(t.sess, c.deps.Catalog.Texts.Welcome))
			return nil
		}
	}
	t.handled = models.KindAuthRequired
	text := c.deps.Catalog.Texts.LoginPrompt
	if !t.fresh && code != "" {
		text = c.deps.Catalog.Texts.LoginFailed
	}
	t.reply(models.OutboundMessage{Kind: models.KindText, Body: text})
	return nil
}

// canLogin checks that actor exists and is either unbound or bound to identity.
func (c *Controller) canLogin(actor *models.Actor, identity string) bool {
	if actor == nil || actor.Outlet == "" || actor.Role == models.RoleUnauthenticated || !models.IsValidRole(actor.Role) {
		return false
	}
	if actor.Phone == "" {
		return true
	}
	bound, err := messaging.CanonicalizePhone(actor.Phone)
	return err == nil && bound == identity
}

func (c *Controller) audit(ctx context.Context, t *turn, raw []byte, env *models.Envelope, verr error) {
	if c.deps.Audit == nil || (len(raw) == 0 && verr == nil) {
		return
	}
	a := models.EnvelopeAudit{
		Identity:  t.identity,
		MessageID: t.evt.MessageID,
		Valid:     verr == nil,
		CreatedAt: t.now,
	}
	if env != nil {
		a.Intent = string(env.Intent)
	}
	var ie *envelope.InvalidError
	if errors.As(verr, &ie) {
		a.Reason = ie.Reason
	}
	if len(raw) > 0 {
		a.Redacted = envelope.Redact(raw)
	}
	if err := c.deps.Audit.AppendEnvelopeAudit(ctx, a); err != nil {
		slog.Warn("Controller.audit: failed to store envelope audit", "identity", t.identity, "error", err)
	}
}

// deliver sends replies and notifications after the lock is released.
func (c *Controller) deliver(ctx context.Context, t *turn, out *Outcome) {
	for i, msg := range t.replies {
		msg.To = t.identity
		if msg.ContextTag == "" {
			msg.ContextTag = fmt.Sprintf("reply:%s:%d", t.evt.MessageID, i)
		}
		res, err := c.deps.Dispatcher.Send(ctx, msg)
		if err != nil {
			slog.Error("Controller.deliver: reply not delivered", "identity", t.identity, "kind", models.ClassifyError(err), "error", err)
		}
		out.Replies = append(out.Replies, res)
	}
	for _, f := range t.fanouts {
		recipients, err := c.recipients(ctx, f, t.identity)
		if err != nil {
			slog.Error("Controller.deliver: failed to resolve recipients", "event", f.notification.EventType, "error", err)
			continue
		}
		out.Notifications = append(out.Notifications, c.deps.Dispatcher.FanOut(ctx, f.notification, recipients)...)
	}
}

// recipients resolves the actors a notification goes to, excluding the sender.
func (c *Controller) recipients(ctx context.Context, f fanOut, sender string) ([]messaging.Recipient, error) {
	actors, err := c.deps.Directory.ListActors(ctx, f.outlet, f.roles...)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []messaging.Recipient
	for _, a := range actors {
		if a.Phone == "" {
			continue
		}
		identity, err := messaging.CanonicalizePhone(a.Phone)
		if err != nil || identity == sender {
			continue
		}
		key := string(a.Role) + ":" + identity
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, messaging.Recipient{Identity: identity, Role: a.Role})
	}
	return out, nil
}

func (c *Controller) sendTryAgain(identity string) {
	ctx, cancel := context.WithTimeout(context.Background(), tryAgainTimeout)
	defer cancel()
	_, err := c.deps.Dispatcher.Send(ctx, models.OutboundMessage{
		Kind:       models.KindText,
		To:         identity,
		Body:       c.deps.Catalog.Texts.TryAgain,
		ContextTag: "try-again",
	})
	if err != nil {
		slog.Warn("Controller.sendTryAgain: apology not delivered", "identity", identity, "error", err)
	}
}

// ExpireIfIdle logs out identity when its last inbound is before cutoff. It
// reports whether the session was expired. Credentials are kept so the next
// message lands on the menu.
func (c *Controller) ExpireIfIdle(ctx context.Context, identity string, cutoff time.Time) (bool, error) {
	if err := c.locks.Acquire(ctx, identity); err != nil {
		return false, fmt.Errorf("%w: identity lock: %w", models.ErrTransientInfra, err)
	}
	defer c.locks.Release(identity)

	current, err := c.deps.Sessions.GetSession(ctx, identity)
	if err != nil {
		return false, fmt.Errorf("%w: load session: %w", models.ErrTransientInfra, err)
	}
	if current == nil || current.State == models.StateLoggedOut || !current.LastInboundAt.Before(cutoff) {
		return false, nil
	}
	_, err = c.deps.Sessions.UpsertSession(ctx, identity, func(s *models.Session) error {
		if s.Version != current.Version {
			return models.ErrVersionConflict
		}
		s.State = models.StateLoggedOut
		s.Cursor = models.Cursor{}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("%w: expire session: %w", models.ErrTransientInfra, err)
	}
	slog.Info("Controller.ExpireIfIdle: session expired", "identity", identity, "lastInboundAt", current.LastInboundAt)
	return true, nil
}

// Clear deletes the session for identity.
func (c *Controller) Clear(ctx context.Context, identity string) error {
	identity, err := messaging.CanonicalizePhone(identity)
	if err != nil {
		return err
	}
	if err := c.locks.Acquire(ctx, identity); err != nil {
		return fmt.Errorf("%w: identity lock: %w", models.ErrTransientInfra, err)
	}
	defer c.locks.Release(identity)
	if err := c.deps.Sessions.DeleteSession(ctx, identity); err != nil {
		return fmt.Errorf("%w: delete session: %w", models.ErrTransientInfra, err)
	}
	slog.Info("Controller.Clear: session cleared", "identity", identity)
	return nil
}

// Session returns the stored session for identity, or nil.
func (c *Controller) Session(ctx context.Context, identity string) (*models.Session, error) {
	identity, err := messaging.CanonicalizePhone(identity)
	if err != nil {
		return nil, err
	}
	return c.deps.Sessions.GetSession(ctx, identity)
}
