package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/OutletPipe/internal/catalog"
	"github.com/BTreeMap/OutletPipe/internal/messaging"
	"github.com/BTreeMap/OutletPipe/internal/models"
	"github.com/BTreeMap/OutletPipe/internal/pending"
	"github.com/BTreeMap/OutletPipe/internal/store"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultReminderCron fires the closing reminder at 19:00 every day.
	DefaultReminderCron = "0 19 * * *"
	// reminderClaimTTL outlives the day a reminder key names.
	reminderClaimTTL    = 72 * time.Hour
	reminderConcurrency = 8
)

// ReminderJob sends one templated reminder per pending recipient per day.
type ReminderJob struct {
	Name     string
	Template string
	// Params builds the template parameters for an item.
	Params func(pending.Item) []string

	source pending.Source
	claims store.ClaimRepo
	sender Sender
}

// ReminderFailure is a recipient whose reminder was not delivered.
type ReminderFailure struct {
	Identity string `json:"identity"`
	Error    string `json:"error"`
}

// ReminderReport is the per-recipient outcome of one run.
type ReminderReport struct {
	Day     string            `json:"day"`
	Sent    []string          `json:"sent"`
	Skipped []string          `json:"skipped"`
	Failed  []ReminderFailure `json:"failed"`
}

// NewClosingReminder creates the daily "closing not recorded" reminder.
func NewClosingReminder(source pending.Source, claims store.ClaimRepo, sender Sender) *ReminderJob {
	return &ReminderJob{
		Name:     "closing",
		Template: catalog.TemplateClosingReminder,
		Params:   func(it pending.Item) []string { return []string{it.Outlet} },
		source:   source,
		claims:   claims,
		sender:   sender,
	}
}

// ReminderKey is the idempotency key for one recipient on one day.
func ReminderKey(job string, day time.Time, identity string) string {
	return fmt.Sprintf("reminder:%s:%s:%s", job, day.Format(pending.DayLayout), identity)
}

// Run sends the reminders due on day. Re-running for the same day sends
// nothing new. The error is non-nil only if the pending list could not be read.
func (j *ReminderJob) Run(ctx context.Context, day time.Time) (ReminderReport, error) {
	report := ReminderReport{Day: day.Format(pending.DayLayout)}
	items, err := j.source.ListPending(ctx, day)
	if err != nil {
		return report, err
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(reminderConcurrency)
	seen := make(map[string]bool)
	for _, it := range items {
		identity, err := messaging.CanonicalizePhone(it.Identity)
		if err != nil {
			mu.Lock()
			report.Failed = append(report.Failed, ReminderFailure{Identity: it.Identity, Error: err.Error()})
			mu.Unlock()
			continue
		}
		if seen[identity] {
			continue
		}
		seen[identity] = true

		g.Go(func() error {
			status, err := j.remind(gctx, day, identity, it)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				report.Failed = append(report.Failed, ReminderFailure{Identity: identity, Error: err.Error()})
			case status == reminderSkipped:
				report.Skipped = append(report.Skipped, identity)
			default:
				report.Sent = append(report.Sent, identity)
			}
			return nil
		})
	}
	_ = g.Wait()

	slog.Info("ReminderJob.Run: done", "job", j.Name, "day", report.Day, "sent", len(report.Sent), "skipped", len(report.Skipped), "failed", len(report.Failed))
	return report, nil
}

type reminderStatus int

const (
	reminderSent reminderStatus = iota
	reminderSkipped
)

func (j *ReminderJob) remind(ctx context.Context, day time.Time, identity string, it pending.Item) (reminderStatus, error) {
	key := ReminderKey(j.Name, day, identity)
	claimed, err := j.claims.ClaimKey(ctx, key, reminderClaimTTL)
	if err != nil {
		return reminderSent, fmt.Errorf("claim %s: %w", key, err)
	}
	if !claimed {
		return reminderSkipped, nil
	}

	var params []string
	if j.Params != nil {
		params = j.Params(it)
	}
	_, err = j.sender.Send(ctx, models.OutboundMessage{
		Kind:       models.KindTemplate,
		To:         identity,
		Template:   &models.TemplateRef{Name: j.Template, Params: params},
		ContextTag: key,
	})
	if err != nil {
		if relErr := j.claims.ReleaseKey(context.WithoutCancel(ctx), key); relErr != nil {
			slog.Error("ReminderJob.remind: failed to release claim", "key", key, "error", relErr)
		}
		return reminderSent, err
	}
	return reminderSent, nil
}
