// Package pending lists the people who still owe a piece of work on a given
// day, such as an outlet whose closing stock has not been recorded.
package pending

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/OutletPipe/internal/models"
	"github.com/supabase-community/supabase-go"
)

// DefaultTable is the PostgREST table read by SupabaseSource.
const DefaultTable = "pending_closings"

// DayLayout formats the day a pending item is due.
const DayLayout = "2006-01-02"

// Item is one identity that still owes work.
type Item struct {
	Identity string      `json:"identity"`
	Role     models.Role `json:"role"`
	Outlet   string      `json:"outlet"`
	Detail   string      `json:"detail,omitempty"`
	DueDate  string      `json:"due_date,omitempty"`
}

// Source lists pending items due on day.
type Source interface {
	ListPending(ctx context.Context, day time.Time) ([]Item, error)
}

// rowReader selects rows where column equals value.
type rowReader interface {
	SelectEq(table, column, value string, out interface{}) error
}

type supabaseReader struct {
	client *supabase.Client
}

func (r supabaseReader) SelectEq(table, column, value string, out interface{}) error {
	_, err := r.client.From(table).
		Select("*", "", false).
		Eq(column, value).
		ExecuteTo(out)
	return err
}

// Opts configures a SupabaseSource.
type Opts struct {
	URL    string
	APIKey string
	Table  string
}

// Option configures a SupabaseSource.
type Option func(*Opts)

// WithURL sets the Supabase project URL.
func WithURL(url string) Option {
	return func(o *Opts) { o.URL = url }
}

// WithAPIKey sets the Supabase service key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithTable sets the table to read.
func WithTable(table string) Option {
	return func(o *Opts) { o.Table = table }
}

// SupabaseSource reads pending items from a Supabase table keyed by due_date.
type SupabaseSource struct {
	reader rowReader
	table  string
}

var _ Source = (*SupabaseSource)(nil)

// NewSupabaseSource creates a source from options, falling back to
// SUPABASE_URL, SUPABASE_KEY and PENDING_TABLE.
func NewSupabaseSource(opts ...Option) (*SupabaseSource, error) {
	cfg := Opts{URL: os.Getenv("SUPABASE_URL"), APIKey: os.Getenv("SUPABASE_KEY"), Table: os.Getenv("PENDING_TABLE")}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("supabase URL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("supabase API key is required")
	}
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	client, err := supabase.NewClient(cfg.URL, cfg.APIKey, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create supabase client: %w", err)
	}
	return &SupabaseSource{reader: supabaseReader{client: client}, table: cfg.Table}, nil
}

// ListPending returns the items due on day. Rows without an identity are skipped.
func (s *SupabaseSource) ListPending(ctx context.Context, day time.Time) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rows []Item
	if err := s.reader.SelectEq(s.table, "due_date", day.Format(DayLayout), &rows); err != nil {
		return nil, fmt.Errorf("%w: list pending: %w", models.ErrTransientInfra, err)
	}
	items := rows[:0]
	for _, it := range rows {
		if strings.TrimSpace(it.Identity) == "" {
			slog.Warn("SupabaseSource.ListPending: row without identity skipped", "table", s.table, "outlet", it.Outlet)
			continue
		}
		items = append(items, it)
	}
	slog.Debug("SupabaseSource.ListPending: loaded", "table", s.table, "day", day.Format(DayLayout), "count", len(items))
	return items, nil
}

// StaticSource serves a fixed list, keyed by due date.
type StaticSource struct {
	mu    sync.Mutex
	items []Item
}

var _ Source = (*StaticSource)(nil)

// NewStaticSource creates a source over items. Items with an empty DueDate are due every day.
func NewStaticSource(items ...Item) *StaticSource {
	return &StaticSource{items: items}
}

// Add appends items.
func (s *StaticSource) Add(items ...Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, items...)
}

func (s *StaticSource) ListPending(ctx context.Context, day time.Time) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := day.Format(DayLayout)
	var out []Item
	for _, it := range s.items {
		if it.DueDate == "" || it.DueDate == want {
			out = append(out, it)
		}
	}
	return out, nil
}
