package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/OutletPipe/internal/catalog"
	"github.com/BTreeMap/OutletPipe/internal/flow"
	"github.com/BTreeMap/OutletPipe/internal/models"
	"github.com/BTreeMap/OutletPipe/internal/store"
)

const (
	// DefaultIdleTimeout is how long a session may go without inbound traffic.
	DefaultIdleTimeout = 10 * time.Minute
	// DefaultSweepInterval is how often Run sweeps.
	DefaultSweepInterval = 2 * time.Minute
	// DefaultInboundRetention is how long inbound message ids are kept for dedup.
	DefaultInboundRetention = 48 * time.Hour
)

// Expirer logs out an identity if it is still idle.
type Expirer interface {
	ExpireIfIdle(ctx context.Context, identity string, cutoff time.Time) (bool, error)
}

// Sender delivers one outbound message.
type Sender interface {
	Send(ctx context.Context, msg models.OutboundMessage) (models.DeliveryResult, error)
}

var _ Expirer = (*flow.Controller)(nil)

// SweepOpts configures a Sweeper.
type SweepOpts struct {
	IdleTimeout      time.Duration
	Interval         time.Duration
	InboundRetention time.Duration
	Now              func() time.Time
}

// SweepOption configures a Sweeper.
type SweepOption func(*SweepOpts)

// WithIdleTimeout sets the inactivity threshold.
func WithIdleTimeout(d time.Duration) SweepOption {
	return func(o *SweepOpts) {
		if d > 0 {
			o.IdleTimeout = d
		}
	}
}

// WithSweepInterval sets the ticker period used by Run.
func WithSweepInterval(d time.Duration) SweepOption {
	return func(o *SweepOpts) {
		if d > 0 {
			o.Interval = d
		}
	}
}

// WithInboundRetention sets how long processed inbound ids are kept.
func WithInboundRetention(d time.Duration) SweepOption {
	return func(o *SweepOpts) {
		if d > 0 {
			o.InboundRetention = d
		}
	}
}

// WithSweepClock overrides time.Now.
func WithSweepClock(now func() time.Time) SweepOption {
	return func(o *SweepOpts) { o.Now = now }
}

// SweepReport summarizes one pass.
type SweepReport struct {
	Candidates int
	Expired    []string
	Notified   int
	Purged     int64
}

// Sweeper expires idle sessions and purges old inbound ids.
type Sweeper struct {
	sessions store.SessionStore
	dedup    store.DedupRepo
	expirer  Expirer
	sender   Sender
	catalog  *catalog.Catalog
	opts     SweepOpts
}

// NewSweeper creates a Sweeper. dedup may be nil to skip purging.
func NewSweeper(sessions store.SessionStore, dedup store.DedupRepo, expirer Expirer, sender Sender, cat *catalog.Catalog, opts ...SweepOption) *Sweeper {
	cfg := SweepOpts{
		IdleTimeout:      DefaultIdleTimeout,
		Interval:         DefaultSweepInterval,
		InboundRetention: DefaultInboundRetention,
		Now:              time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cat == nil {
		cat = catalog.Default()
	}
	return &Sweeper{sessions: sessions, dedup: dedup, expirer: expirer, sender: sender, catalog: cat, opts: cfg}
}

// Sweep runs one pass. A session that receives traffic while the pass runs
// stays active; only the pass that actually expires a session notifies it.
// Identities that never logged in are expired without a notice.
func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	now := s.opts.Now()
	cutoff := now.Add(-s.opts.IdleTimeout)

	idle, err := s.sessions.ListIdleSessions(ctx, cutoff)
	if err != nil {
		return report, fmt.Errorf("%w: list idle sessions: %w", models.ErrTransientInfra, err)
	}
	report.Candidates = len(idle)

	for _, sess := range idle {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		expired, err := s.expirer.ExpireIfIdle(ctx, sess.Identity, cutoff)
		if err != nil {
			slog.Error("Sweeper.Sweep: expire failed", "identity", sess.Identity, "error", err)
			continue
		}
		if !expired {
			continue
		}
		report.Expired = append(report.Expired, sess.Identity)
		if !sess.HasCredentials() {
			continue
		}
		if _, err := s.sender.Send(ctx, s.notice(sess.Identity, now)); err != nil {
			slog.Warn("Sweeper.Sweep: logout notice not delivered", "identity", sess.Identity, "error", err)
			continue
		}
		report.Notified++
	}

	if s.dedup != nil {
		purged, err := s.dedup.PurgeInboundBefore(ctx, now.Add(-s.opts.InboundRetention))
		if err != nil {
			slog.Warn("Sweeper.Sweep: inbound purge failed", "error", err)
		}
		report.Purged = purged
	}

	if len(report.Expired) > 0 || report.Purged > 0 {
		slog.Info("Sweeper.Sweep: pass complete", "candidates", report.Candidates, "expired", len(report.Expired), "notified", report.Notified, "purged", report.Purged)
	}
	return report, nil
}

func (s *Sweeper) notice(identity string, now time.Time) models.OutboundMessage {
	return models.OutboundMessage{
		Kind:       models.KindInteractive,
		To:         identity,
		Body:       s.catalog.Texts.IdleLoggedOut,
		Buttons:    []models.Button{{ID: flow.ButtonMenu, Title: "Menu"}},
		ContextTag: fmt.Sprintf("idle-logout:%s:%d", identity, now.Unix()),
		Fallback:   &models.TemplateRef{Name: catalog.TemplateIdleLogout},
	}
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	slog.Info("Sweeper.Run: started", "interval", s.opts.Interval, "idleTimeout", s.opts.IdleTimeout)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Sweeper.Run: stopped")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				slog.Error("Sweeper.Run: sweep failed", "error", err)
			}
		}
	}
}
