package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/OutletPipe/internal/models"
	"golang.org/x/sync/errgroup"
)

// Notification is a side-channel message sent to several recipients because
// of one business event.
type Notification struct {
	EventType string // e.g. "supply", "escalation"
	EntityID  string // id of the record or event that triggered it
	Message   models.OutboundMessage
}

// Recipient is one fan-out target.
type Recipient struct {
	Identity string
	Role     models.Role
}

// FanOutResult is the per-recipient outcome of a fan-out.
type FanOutResult struct {
	Recipient Recipient
	Result    models.DeliveryResult
	Err       error
}

// FanOutKey is the idempotency key for sending n to r.
func FanOutKey(n Notification, r Recipient) string {
	return fmt.Sprintf("%s:%s:%s:%s", n.EventType, n.EntityID, r.Role, r.Identity)
}

// FanOut sends n to every recipient at most once per key. A recipient whose
// key is already claimed is reported as skipped; a failed send releases its
// key so a later run can deliver it.
func (d *Dispatcher) FanOut(ctx context.Context, n Notification, recipients []Recipient) []FanOutResult {
	results := make([]FanOutResult, len(recipients))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.FanOutLimit)

	for i, r := range recipients {
		i, r := i, r
		g.Go(func() error {
			results[i] = d.fanOutOne(gctx, n, r)
			return nil
		})
	}
	_ = g.Wait()

	sent, skipped, failed := 0, 0, 0
	for _, res := range results {
		switch {
		case res.Err != nil:
			failed++
		case res.Result.Skipped:
			skipped++
		default:
			sent++
		}
	}
	slog.Info("Dispatcher.FanOut: completed", "event", n.EventType, "entity", n.EntityID, "sent", sent, "skipped", skipped, "failed", failed)
	return results
}

func (d *Dispatcher) fanOutOne(ctx context.Context, n Notification, r Recipient) FanOutResult {
	res := FanOutResult{Recipient: r}
	identity, err := d.provider.ValidateAndCanonicalizeRecipient(r.Identity)
	if err != nil {
		res.Err = fmt.Errorf("%w: %w", models.ErrTerminal, err)
		return res
	}
	r.Identity = identity
	res.Recipient = r
	res.Result.To = identity

	key := FanOutKey(n, r)
	if d.claims != nil {
		claimed, err := d.claims.ClaimKey(ctx, key, d.opts.FanOutClaimTTL)
		if err != nil {
			res.Err = fmt.Errorf("%w: claim %s: %w", models.ErrTransientInfra, key, err)
			return res
		}
		if !claimed {
			slog.Debug("Dispatcher.FanOut: already sent", "key", key)
			res.Result.Skipped = true
			return res
		}
	}

	msg := n.Message
	msg.To = identity
	if msg.ContextTag == "" {
		msg.ContextTag = key
	}
	res.Result, res.Err = d.Send(ctx, msg)
	if res.Err != nil && d.claims != nil {
		if err := d.claims.ReleaseKey(context.WithoutCancel(ctx), key); err != nil {
			slog.Warn("Dispatcher.FanOut: failed to release claim", "key", key, "error", err)
		}
	}
	return res
}
