// Package testutil builds an in-memory OutletPipe stack for tests outside the
// flow package: a controller over InMemoryStore, a mock provider and a
// scripted generator.
package testutil

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/OutletPipe/internal/catalog"
	"github.com/BTreeMap/OutletPipe/internal/flow"
	"github.com/BTreeMap/OutletPipe/internal/genai"
	"github.com/BTreeMap/OutletPipe/internal/messaging"
	"github.com/BTreeMap/OutletPipe/internal/models"
	"github.com/BTreeMap/OutletPipe/internal/store"
)

// Attendant is the default actor seeded by NewEnv.
var Attendant = models.Actor{Code: "ATT1", Role: models.RoleAttendant, Outlet: "Westlands"}

// Env is a wired in-memory stack.
type Env struct {
	Store      *store.InMemoryStore
	Provider   *messaging.MockProvider
	Dispatcher *messaging.Dispatcher
	Generator  *genai.MockGenerator
	Controller *flow.Controller
}

// NewEnv wires a controller over fresh in-memory collaborators and seeds
// actors. With no actors given it seeds Attendant.
func NewEnv(t testing.TB, actors ...models.Actor) *Env {
	t.Helper()
	if len(actors) == 0 {
		actors = []models.Actor{Attendant}
	}
	st := store.NewInMemoryStore()
	for _, a := range actors {
		if err := st.SaveActor(context.Background(), a); err != nil {
			t.Fatalf("testutil.NewEnv: SaveActor(%s): %v", a.Code, err)
		}
	}
	provider := messaging.NewMockProvider()
	cat := catalog.Default()
	dispatcher := messaging.NewDispatcher(provider, st, st, st, cat)
	gen := genai.NewMockGenerator()
	ctrl, err := flow.NewController(flow.Deps{
		Sessions: st, Dedup: st, Directory: st, Records: st, Audit: st,
		Generator: gen, Dispatcher: dispatcher, Catalog: cat,
	})
	if err != nil {
		t.Fatalf("testutil.NewEnv: %v", err)
	}
	return &Env{Store: st, Provider: provider, Dispatcher: dispatcher, Generator: gen, Controller: ctrl}
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t testing.TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// DecodeAPIResponse decodes the JSON envelope written by the API.
func DecodeAPIResponse(t testing.TB, rr *httptest.ResponseRecorder) models.APIResponse {
	t.Helper()
	var resp models.APIResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}
	return resp
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t testing.TB, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}
