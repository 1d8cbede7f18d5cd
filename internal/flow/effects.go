package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/OutletPipe/internal/catalog"
	"github.com/BTreeMap/OutletPipe/internal/messaging"
	"github.com/BTreeMap/OutletPipe/internal/models"
	"github.com/google/uuid"
)

// recordNamespace derives stable record ids from inbound message ids.
var recordNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("outletpipe:record"))

// RecordID returns the business record id for a confirming message.
func RecordID(messageID string) string {
	return uuid.NewSHA1(recordNamespace, []byte(messageID)).String()
}

func toMenu(s *models.Session) {
	s.State = models.StateMenu
	s.Cursor = models.Cursor{}
}

func showMenu(ctx context.Context, c *Controller, t *turn) error {
	toMenu(t.sess)
	t.reply(c.menuMessage(t.sess, t.display))
	return nil
}

func recordClosing(ctx context.Context, c *Controller, t *turn) error {
	a := t.env.Args
	t.sess.State = models.StateAwaitingSubstep
	t.sess.Cursor = models.Cursor{
		FormKind: models.FormClosingConfirm,
		Closing:  &models.ClosingForm{Product: a.Product, Quantity: a.Quantity, Waste: a.Waste},
	}
	summary := fmt.Sprintf("Closing stock for %s: %s", a.Product, formatQty(a.Quantity))
	if a.Waste > 0 {
		summary += fmt.Sprintf(", waste %s", formatQty(a.Waste))
	}
	t.reply(confirmMessage(t.display, summary))
	return nil
}

func recordDeposit(ctx context.Context, c *Controller, t *turn) error {
	a := t.env.Args
	t.sess.State = models.StateAwaitingSubstep
	t.sess.Cursor = models.Cursor{
		FormKind: models.FormDepositConfirm,
		Deposit:  &models.DepositForm{Amount: a.Amount, Reference: a.Reference},
	}
	summary := fmt.Sprintf("Deposit of %s", formatQty(a.Amount))
	if a.Reference != "" {
		summary += fmt.Sprintf(" (ref %s)", a.Reference)
	}
	t.reply(confirmMessage(t.display, summary))
	return nil
}

func recordSupply(ctx context.Context, c *Controller, t *turn) error {
	a := t.env.Args
	outlet := a.Outlet
	if outlet == "" {
		outlet = t.sess.Outlet
	}
	t.sess.State = models.StateAwaitingSubstep
	t.sess.Cursor = models.Cursor{
		FormKind: models.FormSupplyConfirm,
		Supply:   &models.SupplyForm{Product: a.Product, Quantity: a.Quantity, Outlet: outlet},
	}
	summary := fmt.Sprintf("Supply to %s: %s x %s", outlet, a.Product, formatQty(a.Quantity))
	t.reply(confirmMessage(t.display, summary))
	return nil
}

func confirm(ctx context.Context, c *Controller, t *turn) error {
	if !t.env.Args.Confirmed {
		return cancel(ctx, c, t)
	}
	rec, err := recordFromCursor(t)
	if err != nil {
		// a confirm with nothing pending is answered like an unknown transition
		t.handled = models.KindUnknownTransition
		toMenu(t.sess)
		t.reply(c.menuMessage(t.sess, c.deps.Catalog.Texts.UnknownTransition))
		return nil
	}
	inserted, err := c.deps.Records.SaveRecord(ctx, rec)
	if err != nil {
		return fmt.Errorf("%w: save record: %w", models.ErrTransientInfra, err)
	}
	if !inserted {
		slog.Info("confirm: record already saved", "identity", t.identity, "record", rec.ID)
	}

	if supply := t.sess.Cursor.Supply; supply != nil {
		qty := formatQty(supply.Quantity)
		t.fanouts = append(t.fanouts, fanOut{
			notification: messaging.Notification{
				EventType: "supply",
				EntityID:  rec.ID,
				Message: models.OutboundMessage{
					Kind:     models.KindText,
					Body:     fmt.Sprintf("Supply recorded for %s: %s x %s.", supply.Outlet, supply.Product, qty),
					Fallback: &models.TemplateRef{Name: catalog.TemplateSupplyNotice, Params: []string{supply.Product, qty, supply.Outlet}},
				},
			},
			outlet: supply.Outlet,
			roles:  []models.Role{models.RoleSupervisor, models.RoleAttendant},
		})
	}

	slog.Info("confirm: record committed", "identity", t.identity, "kind", rec.Kind, "record", rec.ID)
	toMenu(t.sess)
	t.reply(c.menuMessage(t.sess, joinText(c.deps.Catalog.Texts.Saved, t.display)))
	return nil
}

func cancel(ctx context.Context, c *Controller, t *turn) error {
	toMenu(t.sess)
	t.reply(c.menuMessage(t.sess, c.deps.Catalog.Texts.Cancelled))
	return nil
}

func escalate(ctx context.Context, c *Controller, t *turn) error {
	reason := t.env.Args.Reason
	who := t.sess.ActorCode
	t.fanouts = append(t.fanouts, fanOut{
		notification: messaging.Notification{
			EventType: "escalation",
			EntityID:  t.evt.MessageID,
			Message: models.OutboundMessage{
				Kind:     models.KindText,
				Body:     fmt.Sprintf("%s (%s, %s) asked for help: %s", who, t.sess.Role, t.sess.Outlet, reason),
				Fallback: &models.TemplateRef{Name: catalog.TemplateEscalation, Params: []string{who, reason}},
			},
		},
		outlet: t.sess.Outlet,
		roles:  []models.Role{models.RoleSupervisor},
	})
	toMenu(t.sess)
	t.reply(c.menuMessage(t.sess, c.deps.Catalog.Texts.Escalated))
	return nil
}

func reviewSummary(ctx context.Context, c *Controller, t *turn) error {
	outlet := t.sess.Outlet
	if t.env.Args.Outlet != "" {
		outlet = t.env.Args.Outlet
	}
	since := t.now.UTC().Truncate(24 * time.Hour)
	records, err := c.deps.Records.ListRecords(ctx, outlet, since)
	if err != nil {
		return fmt.Errorf("%w: list records: %w", models.ErrTransientInfra, err)
	}
	toMenu(t.sess)
	t.reply(c.menuMessage(t.sess, joinText(t.display, summarize(outlet, records))))
	return nil
}

func logout(ctx context.Context, c *Controller, t *turn) error {
	t.sess.State = models.StateLoggedOut
	t.sess.Cursor = models.Cursor{}
	t.sess.ClearCredentials()
	slog.Info("logout: identity logged out", "identity", t.identity)
	t.reply(models.OutboundMessage{Kind: models.KindText, Body: c.deps.Catalog.Texts.LoggedOut})
	return nil
}

// recordFromCursor builds the business record for the pending form.
func recordFromCursor(t *turn) (models.BusinessRecord, error) {
	cur := t.sess.Cursor
	rec := models.BusinessRecord{
		ID:        RecordID(t.evt.MessageID),
		Identity:  t.identity,
		ActorCode: t.sess.ActorCode,
		Outlet:    t.sess.Outlet,
		CreatedAt: t.now,
	}
	var form interface{}
	switch cur.FormKind {
	case models.FormClosingConfirm:
		rec.Kind, form = models.RecordClosing, cur.Closing
	case models.FormDepositConfirm:
		rec.Kind, form = models.RecordDeposit, cur.Deposit
	case models.FormSupplyConfirm:
		rec.Kind, form = models.RecordSupply, cur.Supply
		if cur.Supply.Outlet != "" {
			rec.Outlet = cur.Supply.Outlet
		}
	default:
		return rec, models.ErrInvalidCursor
	}
	payload, err := json.Marshal(form)
	if err != nil {
		return rec, err
	}
	rec.Payload = payload
	return rec, nil
}

// summarize renders today's records for an outlet.
func summarize(outlet string, records []models.BusinessRecord) string {
	if len(records) == 0 {
		return fmt.Sprintf("No records for %s today.", outlet)
	}
	counts := map[models.RecordKind]int{}
	var deposits float64
	for _, r := range records {
		counts[r.Kind]++
		if r.Kind == models.RecordDeposit {
			var d models.DepositForm
			if err := json.Unmarshal(r.Payload, &d); err == nil {
				deposits += d.Amount
			}
		}
	}
	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	var b strings.Builder
	fmt.Fprintf(&b, "Today at %s:", outlet)
	for _, k := range kinds {
		fmt.Fprintf(&b, "\n- %s: %d", k, counts[models.RecordKind(k)])
	}
	if deposits > 0 {
		fmt.Fprintf(&b, "\n- deposits total: %s", formatQty(deposits))
	}
	return b.String()
}

func confirmMessage(lead, summary string) models.OutboundMessage {
	return models.OutboundMessage{
		Kind: models.KindInteractive,
		Body: joinText(lead, summary+". Confirm?"),
		Buttons: []models.Button{
			{ID: ButtonConfirmYes, Title: "Yes"},
			{ID: ButtonConfirmNo, Title: "No"},
		},
	}
}

// menuMessage renders the role menu, led by lead when set.
func (c *Controller) menuMessage(s *models.Session, lead string) models.OutboundMessage {
	menu, ok := c.deps.Catalog.MenuFor(s.Role)
	if !ok {
		return models.OutboundMessage{Kind: models.KindText, Body: joinText(lead, c.deps.Catalog.Texts.LoginPrompt)}
	}
	buttons := make([]models.Button, 0, len(menu.Options))
	for _, o := range menu.Options {
		buttons = append(buttons, models.Button{ID: o.ID, Title: o.Title})
	}
	return models.OutboundMessage{Kind: models.KindInteractive, Body: joinText(lead, menu.Body), Buttons: buttons}
}

// fallbackMessage is the generic reply for a rejected envelope.
func (c *Controller) fallbackMessage() models.OutboundMessage {
	return models.OutboundMessage{
		Kind:    models.KindInteractive,
		Body:    c.deps.Catalog.Texts.Fallback,
		Buttons: []models.Button{{ID: ButtonMenu, Title: "Menu"}},
	}
}

// attachEnvelopeButtons adds the envelope's quick replies to the turn's
// replies. Confirmation prompts keep only yes and no. A reply without buttons
// gets at most MaxButtons; a menu gains the ids it does not already offer.
func (c *Controller) attachEnvelopeButtons(t *turn) {
	if t.env == nil || len(t.env.Buttons) == 0 {
		return
	}
	limit := c.deps.Validator.Policy().MaxButtons
	for i := range t.replies {
		msg := &t.replies[i]
		if hasButton(msg.Buttons, ButtonConfirmYes) {
			continue
		}
		capacity := catalog.MaxMenuOptions
		if len(msg.Buttons) == 0 {
			capacity = limit
		}
		for _, id := range t.env.Buttons {
			if len(msg.Buttons) >= capacity {
				break
			}
			if hasButton(msg.Buttons, id) {
				continue
			}
			msg.Buttons = append(msg.Buttons, models.Button{ID: id, Title: c.buttonTitle(t.sess.Role, id)})
		}
		if len(msg.Buttons) > 0 {
			msg.Kind = models.KindInteractive
		}
	}
}

func hasButton(buttons []models.Button, id string) bool {
	for _, b := range buttons {
		if b.ID == id {
			return true
		}
	}
	return false
}

// buttonTitle names a quick reply after the role's menu option with the same
// id, falling back to the id itself.
func (c *Controller) buttonTitle(role models.Role, id string) string {
	if menu, ok := c.deps.Catalog.MenuFor(role); ok {
		for _, o := range menu.Options {
			if o.ID == id {
				return o.Title
			}
		}
	}
	switch id {
	case ButtonMenu:
		return "Menu"
	case ButtonLogout:
		return "Logout"
	case ButtonSummary:
		return "Summary"
	}
	title := strings.NewReplacer("_", " ", "-", " ").Replace(id)
	return strings.ToUpper(title[:1]) + title[1:]
}

func joinText(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}

func formatQty(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
