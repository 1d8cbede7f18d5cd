package testutil

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/OutletPipe/internal/models"
)

func TestNewEnvSeedsAttendant(t *testing.T) {
	env := NewEnv(t)
	a, err := env.Store.LookupActorByCode(context.Background(), Attendant.Code)
	if err != nil || a == nil || a.Role != models.RoleAttendant {
		t.Fatalf("seeded actor = %+v, %v", a, err)
	}

	out, err := env.Controller.HandleInbound(context.Background(), models.InboundEvent{
		MessageID:  "m1",
		From:       "+254700000001",
		Type:       models.InboundText,
		Text:       "att1",
		ReceivedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if out.State != models.StateMenu {
		t.Errorf("state = %s", out.State)
	}
	if len(env.Provider.SentTo("254700000001")) != 1 {
		t.Errorf("sent = %+v", env.Provider.Sent())
	}
}

func TestNewEnvCustomActors(t *testing.T) {
	sup := models.Actor{Code: "SUP1", Role: models.RoleSupervisor, Outlet: "Karen"}
	env := NewEnv(t, sup)
	if a, _ := env.Store.LookupActorByCode(context.Background(), Attendant.Code); a != nil {
		t.Errorf("default attendant seeded alongside custom actors: %+v", a)
	}
	if a, _ := env.Store.LookupActorByCode(context.Background(), "sup1"); a == nil {
		t.Error("custom actor missing")
	}
}

func TestDecodeAPIResponse(t *testing.T) {
	rr := httptest.NewRecorder()
	rr.Body.WriteString(`{"status":"ok","message":"done"}`)
	resp := DecodeAPIResponse(t, rr)
	if resp.Status != "ok" || resp.Message != "done" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestMustMarshalJSON(t *testing.T) {
	got := string(MustMarshalJSON(t, map[string]int{"a": 1}))
	if !strings.Contains(got, `"a":1`) {
		t.Errorf("got %s", got)
	}
}
