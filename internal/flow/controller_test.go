package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/OutletPipe/internal/catalog"
	"github.com/BTreeMap/OutletPipe/internal/genai"
	"github.com/BTreeMap/OutletPipe/internal/messaging"
	"github.com/BTreeMap/OutletPipe/internal/models"
	"github.com/BTreeMap/OutletPipe/internal/store"
)

const (
	attendantPhone  = "254700000001"
	supervisorPhone = "254700000002"
	supplierPhone   = "254700000003"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	ctrl     *Controller
	store    *store.InMemoryStore
	provider *messaging.MockProvider
	gen      *genai.MockGenerator
	clock    *testClock
	seq      int
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	st := store.NewInMemoryStore()
	st.SetClock(clock.Now)
	provider := messaging.NewMockProvider()
	retry := &messaging.RetryPolicy{MaxAttempts: 2, InitialDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond}
	dispatcher := messaging.NewDispatcher(provider, st, st, st, catalog.Default(),
		messaging.WithRetryPolicy(retry), messaging.WithClock(clock.Now))
	gen := genai.NewMockGenerator()

	ctx := context.Background()
	for _, a := range []models.Actor{
		{Code: "ATT1", Role: models.RoleAttendant, Outlet: "Westlands"},
		{Code: "SUP1", Role: models.RoleSupervisor, Outlet: "Westlands", Phone: supervisorPhone},
		{Code: "SPL1", Role: models.RoleSupplier, Outlet: "Westlands"},
		{Code: "BOUND", Role: models.RoleAttendant, Outlet: "Karen", Phone: "254799999999"},
	} {
		if err := st.SaveActor(ctx, a); err != nil {
			t.Fatalf("SaveActor: %v", err)
		}
	}

	ctrl, err := NewController(Deps{
		Sessions:   st,
		Dedup:      st,
		Directory:  st,
		Records:    st,
		Audit:      st,
		Generator:  gen,
		Dispatcher: dispatcher,
	}, append([]Option{WithClock(clock.Now)}, opts...)...)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	return &harness{ctrl: ctrl, store: st, provider: provider, gen: gen, clock: clock}
}

func (h *harness) text(t *testing.T, from, body string) *Outcome {
	t.Helper()
	h.seq++
	return h.handle(t, models.InboundEvent{MessageID: fmt.Sprintf("wamid.%d", h.seq), From: from, Type: models.InboundText, Text: body})
}

func (h *harness) button(t *testing.T, from, id string) *Outcome {
	t.Helper()
	h.seq++
	return h.handle(t, models.InboundEvent{MessageID: fmt.Sprintf("wamid.%d", h.seq), From: from, Type: models.InboundButton, ButtonID: id})
}

func (h *harness) handle(t *testing.T, evt models.InboundEvent) *Outcome {
	t.Helper()
	out, err := h.ctrl.HandleInbound(context.Background(), evt)
	if err != nil {
		t.Fatalf("HandleInbound(%s): %v", evt.MessageID, err)
	}
	return out
}

func (h *harness) session(t *testing.T, identity string) *models.Session {
	t.Helper()
	s, err := h.store.GetSession(context.Background(), identity)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if s == nil {
		t.Fatalf("no session for %s", identity)
	}
	return s
}

func (h *harness) lastSent(t *testing.T, to string) messaging.SentMessage {
	t.Helper()
	sent := h.provider.SentTo(to)
	if len(sent) == 0 {
		t.Fatalf("nothing sent to %s", to)
	}
	return sent[len(sent)-1]
}

func (h *harness) login(t *testing.T, from, code string) {
	t.Helper()
	out := h.text(t, from, code)
	if out.State != models.StateMenu {
		t.Fatalf("login %s: state = %s, want MENU", code, out.State)
	}
}

func TestNewControllerRequiresDeps(t *testing.T) {
	if _, err := NewController(Deps{}); err == nil {
		t.Fatal("expected error for missing deps")
	}
}

func TestFreshIdentityGetsLoginPrompt(t *testing.T) {
	h := newHarness(t)

	out := h.text(t, "+254 700 000001", "hi")

	if out.Identity != attendantPhone {
		t.Errorf("identity = %q", out.Identity)
	}
	if out.State != models.StateUnauthenticated || out.Handled != models.KindAuthRequired {
		t.Errorf("outcome = %+v", out)
	}
	if h.gen.Calls() != 0 {
		t.Errorf("generator called %d times before login", h.gen.Calls())
	}
	if got := h.lastSent(t, attendantPhone); got.Body != catalog.Default().Texts.LoginPrompt {
		t.Errorf("reply = %q", got.Body)
	}
}

func TestLoginAttachesRoleAndShowsMenu(t *testing.T) {
	h := newHarness(t)

	h.text(t, attendantPhone, "hi")
	h.login(t, attendantPhone, "att1")

	s := h.session(t, attendantPhone)
	if s.Role != models.RoleAttendant || s.Outlet != "Westlands" || s.ActorCode != "ATT1" {
		t.Errorf("session = %+v", s)
	}
	reply := h.lastSent(t, attendantPhone)
	if reply.Kind != models.KindInteractive || !strings.HasPrefix(reply.Body, catalog.Default().Texts.Welcome) {
		t.Errorf("reply = %+v", reply)
	}
}

func TestLoginRejectsUnknownAndBoundCodes(t *testing.T) {
	h := newHarness(t)
	h.text(t, attendantPhone, "hi")

	for _, code := range []string{"NOPE", "BOUND"} {
		out := h.text(t, attendantPhone, code)
		if out.State != models.StateUnauthenticated || out.Handled != models.KindAuthRequired {
			t.Errorf("code %s: outcome = %+v", code, out)
		}
		if got := h.lastSent(t, attendantPhone).Body; got != catalog.Default().Texts.LoginFailed {
			t.Errorf("code %s: reply = %q", code, got)
		}
	}
}

func TestDepositOpensConfirmForm(t *testing.T) {
	h := newHarness(t)
	h.login(t, attendantPhone, "ATT1")

	h.gen.Push(genai.Reply("Record a deposit of 500?", `{"intent":"record-deposit","args":{"amount":500}}`))
	out := h.text(t, attendantPhone, "deposit 500")

	if out.State != models.StateAwaitingSubstep || out.FormKind != models.FormDepositConfirm || out.Intent != models.IntentRecordDeposit {
		t.Fatalf("outcome = %+v", out)
	}
	s := h.session(t, attendantPhone)
	if s.Cursor.Deposit == nil || s.Cursor.Deposit.Amount != 500 {
		t.Errorf("cursor = %+v", s.Cursor)
	}
	reply := h.lastSent(t, attendantPhone)
	if len(reply.Buttons) != 2 || reply.Buttons[0].ID != ButtonConfirmYes {
		t.Errorf("reply buttons = %+v", reply.Buttons)
	}
	if len(s.History) != 2 || s.History[0].Text != "deposit 500" {
		t.Errorf("history = %+v", s.History)
	}
	req := h.gen.Requests()[0]
	if req.Role != models.RoleAttendant || req.State != models.StateMenu || req.MenuHint == "" {
		t.Errorf("generator request = %+v", req)
	}
}

func TestEnvelopeButtonsReachReply(t *testing.T) {
	h := newHarness(t)
	h.login(t, attendantPhone, "ATT1")

	h.gen.Push(genai.Reply("Here is the menu.", `{"intent":"show-menu","buttons":["escalate_help","deposit"]}`))
	h.text(t, attendantPhone, "what can I do")

	reply := h.lastSent(t, attendantPhone)
	ids := map[string]string{}
	for _, b := range reply.Buttons {
		if _, dup := ids[b.ID]; dup {
			t.Errorf("button %q repeated: %+v", b.ID, reply.Buttons)
		}
		ids[b.ID] = b.Title
	}
	if ids["escalate_help"] != "Escalate help" {
		t.Errorf("buttons = %+v, want escalate_help", reply.Buttons)
	}
	if ids["deposit"] != "Record deposit" {
		t.Errorf("deposit title = %q", ids["deposit"])
	}
	if reply.Kind != models.KindInteractive {
		t.Errorf("kind = %s", reply.Kind)
	}
}

func TestEnvelopeButtonsLeaveConfirmPromptAlone(t *testing.T) {
	h := newHarness(t)
	h.login(t, attendantPhone, "ATT1")

	h.gen.Push(genai.Reply("", `{"intent":"record-deposit","args":{"amount":200},"buttons":["help"]}`))
	h.text(t, attendantPhone, "deposit 200")

	reply := h.lastSent(t, attendantPhone)
	if len(reply.Buttons) != 2 || reply.Buttons[0].ID != ButtonConfirmYes || reply.Buttons[1].ID != ButtonConfirmNo {
		t.Errorf("confirm buttons = %+v", reply.Buttons)
	}
}

func TestInvalidEnvelopeNeverMutatesState(t *testing.T) {
	h := newHarness(t)
	h.login(t, attendantPhone, "ATT1")
	before := h.session(t, attendantPhone)

	h.gen.Push(genai.Reply("Recording -5", `{"intent":"record-deposit","args":{"amount":-5}}`))
	out := h.text(t, attendantPhone, "deposit -5")

	if out.Handled != models.KindInvalidEnvelope || out.State != models.StateMenu {
		t.Fatalf("outcome = %+v", out)
	}
	after := h.session(t, attendantPhone)
	if after.State != before.State || !after.Cursor.IsZero() || after.Role != before.Role {
		t.Errorf("session changed: %+v", after)
	}
	reply := h.lastSent(t, attendantPhone)
	if reply.Body != catalog.Default().Texts.Fallback || len(reply.Buttons) != 1 || reply.Buttons[0].ID != ButtonMenu {
		t.Errorf("reply = %+v", reply)
	}

	audits := h.store.EnvelopeAudits()
	last := audits[len(audits)-1]
	if last.Valid || last.Reason == "" {
		t.Errorf("audit = %+v", last)
	}
}

func TestMissingEnvelopeIsRejected(t *testing.T) {
	h := newHarness(t)
	h.login(t, attendantPhone, "ATT1")

	h.gen.Push(genai.Reply("Hello there!", ""))
	out := h.text(t, attendantPhone, "hello")

	if out.Handled != models.KindInvalidEnvelope || out.State != models.StateMenu {
		t.Errorf("outcome = %+v", out)
	}
}

func TestRoleCannotRequestForeignIntent(t *testing.T) {
	h := newHarness(t)
	h.login(t, attendantPhone, "ATT1")

	h.gen.Push(genai.Reply("Here is the summary", `{"intent":"review-summary"}`))
	out := h.text(t, attendantPhone, "show me today's summary")

	if out.Handled != models.KindUnknownTransition || out.State != models.StateMenu {
		t.Errorf("outcome = %+v", out)
	}
	if got := h.lastSent(t, attendantPhone).Body; !strings.HasPrefix(got, catalog.Default().Texts.UnknownTransition) {
		t.Errorf("reply = %q", got)
	}
}

func TestConfirmWithoutFormIsUnknownTransition(t *testing.T) {
	h := newHarness(t)
	h.login(t, attendantPhone, "ATT1")

	out := h.button(t, attendantPhone, ButtonConfirmYes)

	if out.Handled != models.KindUnknownTransition || out.State != models.StateMenu {
		t.Errorf("outcome = %+v", out)
	}
}

func TestDuplicateMessageIsIgnored(t *testing.T) {
	h := newHarness(t)
	evt := models.InboundEvent{MessageID: "wamid.dup", From: attendantPhone, Type: models.InboundText, Text: "hi"}

	first := h.handle(t, evt)
	sent := h.provider.Calls()
	second := h.handle(t, evt)

	if first.Duplicate || !second.Duplicate {
		t.Errorf("first = %+v, second = %+v", first, second)
	}
	if h.provider.Calls() != sent {
		t.Errorf("duplicate produced %d extra sends", h.provider.Calls()-sent)
	}
	if v := h.session(t, attendantPhone).Version; v != 1 {
		t.Errorf("version = %d, want 1", v)
	}
}

func TestConfirmSavesRecordOnce(t *testing.T) {
	h := newHarness(t)
	h.login(t, attendantPhone, "ATT1")
	h.gen.Push(genai.Reply("Closing 12 loaves?", `{"intent":"record-closing","args":{"product":"Bread","quantity":12,"waste":1}}`))
	h.text(t, attendantPhone, "closing bread 12 waste 1")

	out := h.button(t, attendantPhone, ButtonConfirmYes)

	if out.State != models.StateMenu || out.Intent != models.IntentConfirm {
		t.Fatalf("outcome = %+v", out)
	}
	records, err := h.store.ListRecords(context.Background(), "Westlands", time.Time{})
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	rec := records[0]
	if rec.Kind != models.RecordClosing || rec.ID != RecordID(out.MessageID) || !strings.Contains(string(rec.Payload), `"product":"Bread"`) {
		t.Errorf("record = %+v", rec)
	}
	if !h.session(t, attendantPhone).Cursor.IsZero() {
		t.Error("cursor not cleared after confirm")
	}
}

func TestDeclineCancelsForm(t *testing.T) {
	h := newHarness(t)
	h.login(t, attendantPhone, "ATT1")
	h.gen.Push(genai.Reply("Deposit 200?", `{"intent":"record-deposit","args":{"amount":200}}`))
	h.text(t, attendantPhone, "deposit 200")

	out := h.button(t, attendantPhone, ButtonConfirmNo)

	if out.State != models.StateMenu {
		t.Errorf("state = %s", out.State)
	}
	records, _ := h.store.ListRecords(context.Background(), "Westlands", time.Time{})
	if len(records) != 0 {
		t.Errorf("records = %d, want 0", len(records))
	}
	if got := h.lastSent(t, attendantPhone).Body; !strings.HasPrefix(got, catalog.Default().Texts.Cancelled) {
		t.Errorf("reply = %q", got)
	}
}

func TestSupplyNotifiesOutletOutsideWindowWithTemplate(t *testing.T) {
	h := newHarness(t)
	// the supervisor last wrote 30 hours ago
	h.login(t, supervisorPhone, "SUP1")
	h.clock.Advance(30 * time.Hour)
	h.login(t, supplierPhone, "SPL1")

	h.gen.Push(genai.Reply("20 crates of milk?", `{"intent":"record-supply","args":{"product":"Milk","quantity":20}}`))
	h.text(t, supplierPhone, "delivered 20 milk")
	out := h.button(t, supplierPhone, ButtonConfirmYes)

	if len(out.Notifications) != 1 {
		t.Fatalf("notifications = %+v", out.Notifications)
	}
	n := out.Notifications[0]
	if n.Err != nil || n.Recipient.Identity != supervisorPhone || !n.Result.Downgraded {
		t.Fatalf("notification = %+v", n)
	}
	got := h.lastSent(t, supervisorPhone)
	if got.Kind != models.KindTemplate || got.Template != catalog.TemplateSupplyNotice {
		t.Fatalf("supervisor got %+v", got)
	}
	if strings.Join(got.Params, "|") != "Milk|20|Westlands" {
		t.Errorf("params = %v", got.Params)
	}
}

func TestEscalationReachesSupervisorOnce(t *testing.T) {
	h := newHarness(t)
	h.login(t, supervisorPhone, "SUP1")
	h.login(t, attendantPhone, "ATT1")

	h.gen.Push(genai.Reply("I'll get a supervisor.", `{"intent":"escalate-to-human","args":{"reason":"till is short"}}`))
	out := h.text(t, attendantPhone, "I need help, the till is short")

	if out.State != models.StateMenu || len(out.Notifications) != 1 {
		t.Fatalf("outcome = %+v", out)
	}
	got := h.lastSent(t, supervisorPhone)
	if got.Kind != models.KindText || !strings.Contains(got.Body, "till is short") {
		t.Errorf("supervisor got %+v", got)
	}
}

func TestSupervisorSummary(t *testing.T) {
	h := newHarness(t)
	h.login(t, attendantPhone, "ATT1")
	h.gen.Push(genai.Reply("Deposit 300?", `{"intent":"record-deposit","args":{"amount":300}}`))
	h.text(t, attendantPhone, "deposit 300")
	h.button(t, attendantPhone, ButtonConfirmYes)

	h.login(t, supervisorPhone, "SUP1")
	out := h.button(t, supervisorPhone, ButtonSummary)

	if out.Intent != models.IntentReviewSummary || out.State != models.StateMenu {
		t.Fatalf("outcome = %+v", out)
	}
	body := h.lastSent(t, supervisorPhone).Body
	if !strings.Contains(body, "deposit: 1") || !strings.Contains(body, "deposits total: 300") {
		t.Errorf("summary = %q", body)
	}
}

func TestLogoutAndReentry(t *testing.T) {
	h := newHarness(t)
	h.login(t, attendantPhone, "ATT1")

	out := h.button(t, attendantPhone, ButtonLogout)
	if out.State != models.StateLoggedOut {
		t.Fatalf("state = %s", out.State)
	}
	if s := h.session(t, attendantPhone); s.HasCredentials() {
		t.Errorf("credentials kept after logout: %+v", s)
	}

	out = h.text(t, attendantPhone, "hello again")
	if out.State != models.StateUnauthenticated || out.Handled != models.KindAuthRequired {
		t.Errorf("re-entry outcome = %+v", out)
	}
}

func TestTypedMenuBypassesGenerator(t *testing.T) {
	h := newHarness(t)
	h.login(t, attendantPhone, "ATT1")

	out := h.text(t, attendantPhone, "  MENU ")

	if out.Intent != models.IntentShowMenu || h.gen.Calls() != 0 {
		t.Errorf("outcome = %+v, generator calls = %d", out, h.gen.Calls())
	}
}

func TestUnsupportedMessage(t *testing.T) {
	h := newHarness(t)
	h.login(t, attendantPhone, "ATT1")

	h.handle(t, models.InboundEvent{MessageID: "wamid.img", From: attendantPhone, Type: models.InboundUnsupported})

	if got := h.lastSent(t, attendantPhone).Body; !strings.HasPrefix(got, catalog.Default().Texts.Unsupported) {
		t.Errorf("reply = %q", got)
	}
}

func TestExpireIfIdleKeepsCredentials(t *testing.T) {
	h := newHarness(t)
	h.login(t, attendantPhone, "ATT1")
	ctx := context.Background()

	expired, err := h.ctrl.ExpireIfIdle(ctx, attendantPhone, h.clock.Now().Add(-time.Minute))
	if err != nil || expired {
		t.Fatalf("recent session: expired=%v err=%v", expired, err)
	}

	h.clock.Advance(2 * time.Hour)
	expired, err = h.ctrl.ExpireIfIdle(ctx, attendantPhone, h.clock.Now().Add(-time.Hour))
	if err != nil || !expired {
		t.Fatalf("idle session: expired=%v err=%v", expired, err)
	}
	s := h.session(t, attendantPhone)
	if s.State != models.StateLoggedOut || !s.HasCredentials() {
		t.Errorf("session = %+v", s)
	}

	out := h.text(t, attendantPhone, "menu")
	if out.State != models.StateMenu || out.Intent != models.IntentShowMenu {
		t.Errorf("re-entry outcome = %+v", out)
	}
}

func TestClearDeletesSession(t *testing.T) {
	h := newHarness(t)
	h.login(t, attendantPhone, "ATT1")

	if err := h.ctrl.Clear(context.Background(), "+254700000001"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	s, err := h.ctrl.Session(context.Background(), attendantPhone)
	if err != nil || s != nil {
		t.Errorf("session after clear = %+v, err = %v", s, err)
	}
}

type blockingGenerator struct{}

func (blockingGenerator) Generate(ctx context.Context, req genai.Request) (genai.Generation, error) {
	<-ctx.Done()
	return genai.Generation{}, ctx.Err()
}

func TestDeadlineReleasesClaim(t *testing.T) {
	h := newHarness(t, WithEventDeadline(20*time.Millisecond))
	h.login(t, attendantPhone, "ATT1")
	h.ctrl.deps.Generator = blockingGenerator{}
	before := h.session(t, attendantPhone)
	sends := h.provider.Calls()

	evt := models.InboundEvent{MessageID: "wamid.slow", From: attendantPhone, Type: models.InboundText, Text: "deposit 10"}
	_, err := h.ctrl.HandleInbound(context.Background(), evt)

	if !models.IsTransient(err) {
		t.Fatalf("err = %v, want transient", err)
	}
	if after := h.session(t, attendantPhone); after.Version != before.Version {
		t.Errorf("session written on deadline: version %d -> %d", before.Version, after.Version)
	}
	if h.provider.Calls() != sends {
		t.Error("reply sent after deadline")
	}
	claimed, err := h.store.ClaimInbound(context.Background(), "wamid.slow", attendantPhone, h.clock.Now())
	if err != nil || !claimed {
		t.Errorf("claim not released: claimed=%v err=%v", claimed, err)
	}
}

func TestGeneratorFailureSendsTryAgain(t *testing.T) {
	h := newHarness(t)
	h.login(t, attendantPhone, "ATT1")
	h.gen.Push(genai.MockReply{Err: errors.New("upstream 503")})

	_, err := h.ctrl.HandleInbound(context.Background(), models.InboundEvent{MessageID: "wamid.fail", From: attendantPhone, Type: models.InboundText, Text: "deposit 10"})

	if !models.IsTransient(err) {
		t.Fatalf("err = %v, want transient", err)
	}
	if got := h.lastSent(t, attendantPhone).Body; got != catalog.Default().Texts.TryAgain {
		t.Errorf("reply = %q", got)
	}
}

func TestInvalidInboundIsTerminal(t *testing.T) {
	h := newHarness(t)
	_, err := h.ctrl.HandleInbound(context.Background(), models.InboundEvent{From: attendantPhone, Type: models.InboundText, Text: "hi"})
	if !errors.Is(err, models.ErrTerminal) {
		t.Errorf("err = %v, want terminal", err)
	}
}

func TestSameIdentityIsSerialized(t *testing.T) {
	h := newHarness(t)
	h.login(t, attendantPhone, "ATT1")
	start := h.session(t, attendantPhone).Version

	const n = 10
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.ctrl.HandleInbound(context.Background(), models.InboundEvent{
				MessageID: fmt.Sprintf("wamid.c%d", i), From: attendantPhone, Type: models.InboundButton, ButtonID: ButtonMenu,
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("HandleInbound: %v", err)
		}
	}
	if got := h.session(t, attendantPhone).Version; got != start+n {
		t.Errorf("version = %d, want %d", got, start+n)
	}
	if h.ctrl.locks.Len() != 0 {
		t.Errorf("lock table not empty: %d", h.ctrl.locks.Len())
	}
}
