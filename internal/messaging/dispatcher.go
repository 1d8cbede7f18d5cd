package messaging

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/BTreeMap/OutletPipe/internal/catalog"
	"github.com/BTreeMap/OutletPipe/internal/models"
	"github.com/BTreeMap/OutletPipe/internal/store"
)

// Defaults for the dispatcher.
const (
	DefaultSessionWindow  = 24 * time.Hour
	DefaultFanOutLimit    = 8
	DefaultFanOutClaimTTL = 7 * 24 * time.Hour
	previewRunes          = 60
)

// ErrTemplateNotFound is returned when a message names a template the catalog lacks.
var ErrTemplateNotFound = errors.New("template not found")

// DispatcherOpts holds configuration for the dispatcher.
type DispatcherOpts struct {
	Window         time.Duration
	ReopenTemplate string // empty disables the default downgrade
	Retry          *RetryPolicy
	FanOutLimit    int
	FanOutClaimTTL time.Duration
	Now            func() time.Time
}

// DispatcherOption configures the dispatcher.
type DispatcherOption func(*DispatcherOpts)

// WithSessionWindow sets how long after the last inbound free-form sends are allowed.
func WithSessionWindow(d time.Duration) DispatcherOption {
	return func(o *DispatcherOpts) { o.Window = d }
}

// WithReopenTemplate sets the template used when the window has closed.
func WithReopenTemplate(name string) DispatcherOption {
	return func(o *DispatcherOpts) { o.ReopenTemplate = name }
}

// WithRetryPolicy replaces the default retry policy.
func WithRetryPolicy(p *RetryPolicy) DispatcherOption {
	return func(o *DispatcherOpts) { o.Retry = p }
}

// WithFanOutLimit caps concurrent sends in one fan-out.
func WithFanOutLimit(n int) DispatcherOption {
	return func(o *DispatcherOpts) { o.FanOutLimit = n }
}

// WithFanOutClaimTTL sets how long a fan-out key suppresses repeats.
func WithFanOutClaimTTL(d time.Duration) DispatcherOption {
	return func(o *DispatcherOpts) { o.FanOutClaimTTL = d }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) DispatcherOption {
	return func(o *DispatcherOpts) { o.Now = now }
}

// Dispatcher applies window, retry and logging policy on top of a Provider.
type Dispatcher struct {
	provider Provider
	sessions store.SessionStore
	log      store.DeliveryLog
	claims   store.ClaimRepo
	catalog  *catalog.Catalog
	opts     DispatcherOpts
}

// NewDispatcher wires a dispatcher. claims may be nil when FanOut is unused.
func NewDispatcher(provider Provider, sessions store.SessionStore, log store.DeliveryLog, claims store.ClaimRepo, cat *catalog.Catalog, opts ...DispatcherOption) *Dispatcher {
	cfg := DispatcherOpts{
		Window:         DefaultSessionWindow,
		ReopenTemplate: catalog.TemplateSessionReopen,
		Retry:          DefaultRetryPolicy(),
		FanOutLimit:    DefaultFanOutLimit,
		FanOutClaimTTL: DefaultFanOutClaimTTL,
		Now:            time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cat == nil {
		cat = catalog.Default()
	}
	return &Dispatcher{provider: provider, sessions: sessions, log: log, claims: claims, catalog: cat, opts: cfg}
}

// plan is a message resolved against the window and the catalog.
type plan struct {
	to         string
	kind       models.MessageKind
	body       string
	buttons    []models.Button
	template   catalog.Template
	params     []string
	contextTag string
	downgraded bool
}

// Send delivers one logical message, downgrading to a template outside the
// session window and retrying transient provider failures.
func (d *Dispatcher) Send(ctx context.Context, msg models.OutboundMessage) (models.DeliveryResult, error) {
	result := models.DeliveryResult{To: msg.To, Kind: msg.Kind}
	if err := msg.Validate(); err != nil {
		return result, fmt.Errorf("%w: %w", models.ErrTerminal, err)
	}
	to, err := d.provider.ValidateAndCanonicalizeRecipient(msg.To)
	if err != nil {
		return result, fmt.Errorf("%w: %w", models.ErrTerminal, err)
	}
	msg.To = to
	result.To = to

	p, err := d.resolve(ctx, msg)
	if err != nil {
		slog.Warn("Dispatcher.Send: message not sendable", "to", to, "kind", msg.Kind, "error", err)
		return result, err
	}
	result.Kind = p.kind
	result.Downgraded = p.downgraded
	digest := payloadDigest(p)

	attempts, err := d.opts.Retry.Execute(ctx, func(attempt int) error {
		id, sendErr := d.attempt(ctx, p, digest, attempt)
		if sendErr == nil {
			result.ProviderMessageID = id
		}
		return sendErr
	})
	result.Attempts = attempts
	if err != nil {
		slog.Error("Dispatcher.Send: delivery failed", "to", to, "kind", p.kind, "attempts", attempts, "error", err)
		return result, err
	}
	slog.Debug("Dispatcher.Send: delivered", "to", to, "kind", p.kind, "downgraded", p.downgraded, "attempts", attempts)
	return result, nil
}

func (d *Dispatcher) resolve(ctx context.Context, msg models.OutboundMessage) (plan, error) {
	p := plan{to: msg.To, kind: msg.Kind, body: msg.Body, buttons: msg.Buttons, contextTag: msg.ContextTag}

	if msg.Kind == models.KindTemplate {
		tpl, ok := d.catalog.Template(msg.Template.Name)
		if !ok {
			return p, fmt.Errorf("%w: %w: %q", models.ErrTerminal, ErrTemplateNotFound, msg.Template.Name)
		}
		p.template, p.params = tpl, msg.Template.Params
		return p, nil
	}

	open, err := d.inWindow(ctx, msg.To)
	if err != nil {
		return p, err
	}
	if open {
		return p, nil
	}

	ref := msg.Fallback
	if ref == nil && d.opts.ReopenTemplate != "" {
		ref = &models.TemplateRef{Name: d.opts.ReopenTemplate, Params: []string{preview(msg.Body)}}
	}
	if ref == nil {
		return p, fmt.Errorf("%w: %w", models.ErrTerminal, models.ErrOutsideWindow)
	}
	tpl, ok := d.catalog.Template(ref.Name)
	if !ok {
		return p, fmt.Errorf("%w: %w: %w: %q", models.ErrTerminal, models.ErrOutsideWindow, ErrTemplateNotFound, ref.Name)
	}
	params := ref.Params
	if len(params) > tpl.Params {
		params = params[:tpl.Params]
	}
	slog.Info("Dispatcher.Send: session window closed, downgrading to template", "to", msg.To, "template", tpl.Name)
	return plan{
		to:         msg.To,
		kind:       models.KindTemplate,
		template:   tpl,
		params:     params,
		contextTag: msg.ContextTag,
		downgraded: true,
	}, nil
}

// inWindow reports whether free-form sends to identity are currently allowed.
func (d *Dispatcher) inWindow(ctx context.Context, identity string) (bool, error) {
	sess, err := d.sessions.GetSession(ctx, identity)
	if err != nil {
		return false, fmt.Errorf("%w: window lookup: %w", models.ErrTransientInfra, err)
	}
	if sess == nil || sess.LastInboundAt.IsZero() {
		return false, nil
	}
	return d.opts.Now().Sub(sess.LastInboundAt) <= d.opts.Window, nil
}

// attempt logs, calls the provider once and completes the log entry.
func (d *Dispatcher) attempt(ctx context.Context, p plan, digest string, n int) (string, error) {
	entry := &models.DeliveryLogEntry{
		To:            p.to,
		Kind:          p.kind,
		ContextTag:    p.contextTag,
		PayloadDigest: digest,
		Attempt:       n,
		Status:        models.DeliveryAttempted,
		CreatedAt:     d.opts.Now(),
	}
	if err := d.log.AppendDelivery(ctx, entry); err != nil {
		return "", fmt.Errorf("%w: append delivery log: %w", models.ErrTransientInfra, err)
	}

	receipt, sendErr := d.call(ctx, p)

	outcome := store.DeliveryOutcome{CompletedAt: d.opts.Now()}
	if sendErr != nil {
		outcome.Status = models.DeliveryFailed
		outcome.Error = sendErr.Error()
		var pe *ProviderError
		if errors.As(sendErr, &pe) && pe.Status != 0 {
			outcome.ProviderStatus = strconv.Itoa(pe.Status)
		}
	} else {
		outcome.Status = models.DeliverySent
		outcome.ProviderStatus = receipt.ProviderStatus
		outcome.ProviderMessageID = receipt.ProviderMessageID
	}
	if err := d.log.CompleteDelivery(context.WithoutCancel(ctx), entry.ID, outcome); err != nil {
		slog.Warn("Dispatcher.attempt: failed to complete delivery log entry", "id", entry.ID, "error", err)
	}
	return receipt.ProviderMessageID, sendErr
}

func (d *Dispatcher) call(ctx context.Context, p plan) (SendReceipt, error) {
	switch p.kind {
	case models.KindText:
		return d.provider.SendText(ctx, p.to, p.body)
	case models.KindInteractive:
		return d.provider.SendInteractive(ctx, p.to, p.body, p.buttons)
	default:
		return d.provider.SendTemplate(ctx, p.to, p.template, p.params)
	}
}

// payloadDigest is the sha256 of the resolved payload, stored instead of the content.
func payloadDigest(p plan) string {
	data, _ := json.Marshal(struct {
		Kind     models.MessageKind `json:"kind"`
		Body     string             `json:"body,omitempty"`
		Buttons  []models.Button    `json:"buttons,omitempty"`
		Template string             `json:"template,omitempty"`
		Params   []string           `json:"params,omitempty"`
	}{p.kind, p.body, p.buttons, p.template.Name, p.params})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func preview(body string) string {
	r := []rune(body)
	if len(r) <= previewRunes {
		return body
	}
	return string(r[:previewRunes-3]) + "..."
}
