package pending

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/OutletPipe/internal/models"
)

type fakeReader struct {
	rows   string
	err    error
	table  string
	column string
	value  string
}

func (f *fakeReader) SelectEq(table, column, value string, out interface{}) error {
	f.table, f.column, f.value = table, column, value
	if f.err != nil {
		return f.err
	}
	return json.Unmarshal([]byte(f.rows), out)
}

var day = time.Date(2026, 3, 10, 18, 0, 0, 0, time.UTC)

func TestSupabaseSourceFiltersByDueDate(t *testing.T) {
	r := &fakeReader{rows: `[
		{"identity":"254700000001","role":"attendant","outlet":"Westlands","due_date":"2026-03-10"},
		{"identity":"","role":"attendant","outlet":"Karen","due_date":"2026-03-10"}
	]`}
	s := &SupabaseSource{reader: r, table: DefaultTable}

	items, err := s.ListPending(context.Background(), day)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if r.table != DefaultTable || r.column != "due_date" || r.value != "2026-03-10" {
		t.Errorf("query = %s %s=%s", r.table, r.column, r.value)
	}
	if len(items) != 1 || items[0].Identity != "254700000001" || items[0].Role != models.RoleAttendant {
		t.Errorf("items = %+v", items)
	}
}

func TestSupabaseSourceErrorIsTransient(t *testing.T) {
	s := &SupabaseSource{reader: &fakeReader{err: errors.New("connection refused")}, table: DefaultTable}
	_, err := s.ListPending(context.Background(), day)
	if !errors.Is(err, models.ErrTransientInfra) {
		t.Errorf("err = %v", err)
	}
}

func TestNewSupabaseSourceRequiresConfig(t *testing.T) {
	t.Setenv("SUPABASE_URL", "")
	t.Setenv("SUPABASE_KEY", "")
	if _, err := NewSupabaseSource(); err == nil {
		t.Error("expected error without URL")
	}
	if _, err := NewSupabaseSource(WithURL("https://example.supabase.co")); err == nil {
		t.Error("expected error without key")
	}
}

func TestStaticSource(t *testing.T) {
	s := NewStaticSource(
		Item{Identity: "254700000001", DueDate: "2026-03-10"},
		Item{Identity: "254700000002", DueDate: "2026-03-11"},
	)
	s.Add(Item{Identity: "254700000003"})

	items, _ := s.ListPending(context.Background(), day)
	if len(items) != 2 || items[0].Identity != "254700000001" || items[1].Identity != "254700000003" {
		t.Errorf("items = %+v", items)
	}
}
