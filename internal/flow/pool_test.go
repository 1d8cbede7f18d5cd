package flow

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/OutletPipe/internal/models"
)

type recordingHandler struct {
	mu      sync.Mutex
	order   map[string][]string
	active  map[string]int
	overlap bool
}

func (r *recordingHandler) HandleInbound(ctx context.Context, evt models.InboundEvent) (*Outcome, error) {
	r.mu.Lock()
	r.active[evt.From]++
	if r.active[evt.From] > 1 {
		r.overlap = true
	}
	r.mu.Unlock()

	time.Sleep(time.Millisecond)

	r.mu.Lock()
	r.active[evt.From]--
	r.order[evt.From] = append(r.order[evt.From], evt.MessageID)
	r.mu.Unlock()
	if evt.Text == "fail" {
		return nil, models.ErrTransientInfra
	}
	return &Outcome{Identity: evt.From, MessageID: evt.MessageID}, nil
}

func TestPoolKeepsPerIdentityOrder(t *testing.T) {
	h := &recordingHandler{order: map[string][]string{}, active: map[string]int{}}
	pool := NewPool(h, 4)

	var events []models.InboundEvent
	for i := 0; i < 12; i++ {
		from := fmt.Sprintf("25470000000%d", i%3)
		text := "ok"
		if i == 7 {
			text = "fail"
		}
		events = append(events, models.InboundEvent{MessageID: fmt.Sprintf("m%02d", i), From: from, Type: models.InboundText, Text: text})
	}

	results := pool.Process(context.Background(), events)

	if len(results) != len(events) {
		t.Fatalf("results = %d, want %d", len(results), len(events))
	}
	for i, r := range results {
		if i == 7 {
			if r.Err == nil {
				t.Errorf("result %d: expected error", i)
			}
			continue
		}
		if i == 10 {
			continue
		}
		if r.Err != nil || r.Outcome.MessageID != events[i].MessageID {
			t.Errorf("result %d = %+v", i, r)
		}
	}
	if h.overlap {
		t.Error("events for one identity overlapped")
	}
	for from, ids := range h.order {
		for i := 1; i < len(ids); i++ {
			if ids[i-1] > ids[i] {
				t.Errorf("%s processed out of order: %v", from, ids)
			}
		}
	}
}

func TestPoolHaltsLaneAfterTransientFailure(t *testing.T) {
	h := &recordingHandler{order: map[string][]string{}, active: map[string]int{}}
	pool := NewPool(h, 4)
	const a, b = "254700000001", "254700000002"
	events := []models.InboundEvent{
		{MessageID: "m0", From: a, Text: "ok"},
		{MessageID: "m1", From: a, Text: "fail"},
		{MessageID: "m2", From: a, Text: "ok"},
		{MessageID: "m3", From: b, Text: "ok"},
		{MessageID: "m4", From: a, Text: "ok"},
	}

	results := pool.Process(context.Background(), events)

	if got := h.order[a]; len(got) != 2 || got[0] != "m0" || got[1] != "m1" {
		t.Errorf("handled for %s = %v, want [m0 m1]", a, got)
	}
	if got := h.order[b]; len(got) != 1 {
		t.Errorf("other identity handled = %v", got)
	}
	for _, i := range []int{2, 4} {
		if !models.IsTransient(results[i].Err) || results[i].Outcome != nil {
			t.Errorf("result %d = %+v, want held transient", i, results[i])
		}
	}
	if results[3].Err != nil {
		t.Errorf("result 3 = %+v", results[3])
	}
}

func TestPoolContinuesLaneAfterTerminalFailure(t *testing.T) {
	h := &terminalHandler{}
	events := []models.InboundEvent{
		{MessageID: "m0", From: "254700000001", Text: "bad"},
		{MessageID: "m1", From: "254700000001", Text: "ok"},
	}
	results := NewPool(h, 1).Process(context.Background(), events)
	if results[0].Err == nil || results[1].Err != nil {
		t.Errorf("results = %+v", results)
	}
}

type terminalHandler struct{}

func (terminalHandler) HandleInbound(ctx context.Context, evt models.InboundEvent) (*Outcome, error) {
	if evt.Text == "bad" {
		return nil, models.ErrTerminal
	}
	return &Outcome{MessageID: evt.MessageID}, nil
}

func TestNewPoolDefaultSize(t *testing.T) {
	if p := NewPool(nil, 0); p.size != DefaultPoolSize {
		t.Errorf("size = %d", p.size)
	}
}

func TestInboxDrainsChannel(t *testing.T) {
	h := &recordingHandler{order: map[string][]string{}, active: map[string]int{}}
	events := make(chan models.InboundEvent, 2)
	events <- models.InboundEvent{MessageID: "a", From: "254700000001"}
	events <- models.InboundEvent{MessageID: "b", From: "254700000002"}
	close(events)

	NewInbox(h, events).Run(context.Background())

	if n := len(h.order["254700000001"]) + len(h.order["254700000002"]); n != 2 {
		t.Fatalf("handled %d events, want 2", n)
	}
}

func TestInboxKeepsArrivalOrderPerIdentity(t *testing.T) {
	h := &recordingHandler{order: map[string][]string{}, active: map[string]int{}}
	const n = 200
	froms := []string{"254700000001", "254700000002", "254700000003"}
	events := make(chan models.InboundEvent, n)
	for i := 0; i < n; i++ {
		events <- models.InboundEvent{MessageID: fmt.Sprintf("m%03d", i), From: froms[i%len(froms)]}
	}
	close(events)

	NewInbox(h, events).Run(context.Background())

	if h.overlap {
		t.Error("events for one identity overlapped")
	}
	total := 0
	for _, from := range froms {
		ids := h.order[from]
		total += len(ids)
		for i := 1; i < len(ids); i++ {
			if ids[i-1] > ids[i] {
				t.Fatalf("%s handled out of arrival order at %d: %v", from, i, ids)
			}
		}
	}
	if total != n {
		t.Errorf("handled %d events, want %d", total, n)
	}
}

func TestInboxStopsOnCancel(t *testing.T) {
	h := &recordingHandler{order: map[string][]string{}, active: map[string]int{}}
	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan models.InboundEvent)
	stopped := make(chan struct{})
	go func() {
		NewInbox(h, events).Run(ctx)
		close(stopped)
	}()
	events <- models.InboundEvent{MessageID: "a", From: "254700000001"}
	cancel()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
