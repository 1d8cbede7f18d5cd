package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/BTreeMap/OutletPipe/internal/models"
	"github.com/google/uuid"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "sqlite_store_test_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	dbPath := filepath.Join(tempDir, "test.db")
	s, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func getenvOrSkip(t *testing.T, key string) string {
	v := ""
	if val, ok := syscall.Getenv(key); ok {
		v = val
	}
	if v == "" {
		t.Skipf("env %s not set", key)
	}
	return v
}

// forEachBackend runs fn against the in-memory store, SQLite and, when
// DATABASE_URL is set, Postgres.
func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewInMemoryStore()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, newTestSQLiteStore(t)) })
	t.Run("postgres", func(t *testing.T) {
		dsn := getenvOrSkip(t, "DATABASE_URL")
		s, err := NewPostgresStore(WithPostgresDSN(dsn))
		if err != nil {
			t.Fatalf("NewPostgresStore failed: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		fn(t, s)
	})
}

func uniqueIdentity() string {
	return "2547" + uuid.NewString()[:8]
}

func TestDetectDSNType(t *testing.T) {
	tests := map[string]string{
		"postgres://user:pw@localhost/db":   "postgres",
		"postgresql://localhost/db":         "postgres",
		"host=localhost dbname=outletpipe":  "postgres",
		"/var/lib/outletpipe/outletpipe.db": "sqlite3",
		"file.db":                           "sqlite3",
	}
	for dsn, want := range tests {
		if got := DetectDSNType(dsn); got != want {
			t.Errorf("DetectDSNType(%q) = %q, want %q", dsn, got, want)
		}
	}
}

func TestUpsertSessionCreatesAndVersions(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id := uniqueIdentity()

		got, err := s.GetSession(ctx, id)
		if err != nil || got != nil {
			t.Fatalf("expected no session, got %v, %v", got, err)
		}

		now := time.Now().UTC().Truncate(time.Millisecond)
		sess, err := s.UpsertSession(ctx, id, func(sess *models.Session) error {
			sess.LastInboundAt = now
			return nil
		})
		if err != nil {
			t.Fatalf("UpsertSession failed: %v", err)
		}
		if sess.Version != 1 || sess.State != models.StateUnauthenticated {
			t.Errorf("unexpected new session: version=%d state=%s", sess.Version, sess.State)
		}

		sess, err = s.UpsertSession(ctx, id, func(sess *models.Session) error {
			sess.Role = models.RoleAttendant
			sess.Outlet = "Westlands"
			sess.ActorCode = "ATT1"
			sess.State = models.StateAwaitingSubstep
			sess.Cursor = models.Cursor{FormKind: models.FormDepositConfirm, Deposit: &models.DepositForm{Amount: 500}}
			sess.AppendTurn("user", "deposit 500", now, 0)
			return nil
		})
		if err != nil {
			t.Fatalf("second UpsertSession failed: %v", err)
		}
		if sess.Version != 2 {
			t.Errorf("expected version 2, got %d", sess.Version)
		}

		loaded, err := s.GetSession(ctx, id)
		if err != nil || loaded == nil {
			t.Fatalf("GetSession failed: %v", err)
		}
		if loaded.Cursor.Deposit == nil || loaded.Cursor.Deposit.Amount != 500 {
			t.Errorf("cursor not persisted: %+v", loaded.Cursor)
		}
		if len(loaded.History) != 1 || loaded.History[0].Text != "deposit 500" {
			t.Errorf("history not persisted: %+v", loaded.History)
		}
		if !loaded.LastInboundAt.Equal(now) {
			t.Errorf("lastInboundAt = %v, want %v", loaded.LastInboundAt, now)
		}
	})
}

func TestUpsertSessionMutateErrorWritesNothing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id := uniqueIdentity()
		boom := errors.New("boom")

		if _, err := s.UpsertSession(ctx, id, func(*models.Session) error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("expected mutate error, got %v", err)
		}
		if got, _ := s.GetSession(ctx, id); got != nil {
			t.Errorf("session should not exist after aborted upsert, got %+v", got)
		}

		// Invalid results are rejected too.
		_, err := s.UpsertSession(ctx, id, func(sess *models.Session) error {
			sess.Role = models.RoleSupervisor
			return nil
		})
		if !errors.Is(err, models.ErrOutletRequired) {
			t.Errorf("expected ErrOutletRequired, got %v", err)
		}
	})
}

func TestListIdleSessions(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()
		idle, fresh, gone := uniqueIdentity(), uniqueIdentity(), uniqueIdentity()

		set := func(id string, at time.Time, state models.StateType) {
			t.Helper()
			_, err := s.UpsertSession(ctx, id, func(sess *models.Session) error {
				sess.LastInboundAt = at
				sess.State = state
				return nil
			})
			if err != nil {
				t.Fatalf("seed %s: %v", id, err)
			}
		}
		set(idle, now.Add(-30*time.Minute), models.StateUnauthenticated)
		set(fresh, now.Add(-time.Minute), models.StateUnauthenticated)
		set(gone, now.Add(-time.Hour), models.StateLoggedOut)

		got, err := s.ListIdleSessions(ctx, now.Add(-10*time.Minute))
		if err != nil {
			t.Fatalf("ListIdleSessions failed: %v", err)
		}
		found := map[string]bool{}
		for _, sess := range got {
			found[sess.Identity] = true
		}
		if !found[idle] {
			t.Error("idle session not listed")
		}
		if found[fresh] || found[gone] {
			t.Errorf("unexpected sessions listed: %v", found)
		}

		if err := s.DeleteSession(ctx, idle); err != nil {
			t.Fatalf("DeleteSession failed: %v", err)
		}
		if got, _ := s.GetSession(ctx, idle); got != nil {
			t.Error("session still present after delete")
		}
	})
}

func TestInboundDedup(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now()
		msg := "wamid." + uuid.NewString()

		ok, err := s.ClaimInbound(ctx, msg, "254700000001", now)
		if err != nil || !ok {
			t.Fatalf("first claim: ok=%v err=%v", ok, err)
		}
		ok, _ = s.ClaimInbound(ctx, msg, "254700000001", now)
		if ok {
			t.Error("second claim of in-flight message should fail")
		}

		if err := s.ReleaseInbound(ctx, msg); err != nil {
			t.Fatalf("ReleaseInbound: %v", err)
		}
		ok, _ = s.ClaimInbound(ctx, msg, "254700000001", now)
		if !ok {
			t.Error("claim after release should succeed")
		}

		if err := s.MarkProcessed(ctx, msg, now); err != nil {
			t.Fatalf("MarkProcessed: %v", err)
		}
		if err := s.ReleaseInbound(ctx, msg); err != nil {
			t.Fatalf("ReleaseInbound: %v", err)
		}
		ok, _ = s.ClaimInbound(ctx, msg, "254700000001", now.Add(time.Hour))
		if ok {
			t.Error("processed message must stay deduplicated")
		}

		stale := "wamid." + uuid.NewString()
		s.ClaimInbound(ctx, stale, "254700000001", now.Add(-time.Hour))
		ok, _ = s.ClaimInbound(ctx, stale, "254700000001", now)
		if !ok {
			t.Error("stale unprocessed claim should be taken over")
		}

		n, err := s.PurgeInboundBefore(ctx, now.Add(2*time.Hour))
		if err != nil {
			t.Fatalf("PurgeInboundBefore: %v", err)
		}
		if n < 2 {
			t.Errorf("expected at least 2 purged, got %d", n)
		}
	})
}

func TestDeliveryLogCompletesOnce(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		to := uniqueIdentity()
		e := &models.DeliveryLogEntry{To: to, Kind: models.KindText, PayloadDigest: "abc", Attempt: 1,
			CreatedAt: time.Now().Add(-time.Second)}
		if err := s.AppendDelivery(ctx, e); err != nil {
			t.Fatalf("AppendDelivery: %v", err)
		}
		if e.ID == "" || e.Status != models.DeliveryAttempted {
			t.Fatalf("entry not stamped: %+v", e)
		}

		done := time.Now()
		if err := s.CompleteDelivery(ctx, e.ID, DeliveryOutcome{Status: models.DeliverySent, ProviderStatus: "queued", ProviderMessageID: "SM1", CompletedAt: done}); err != nil {
			t.Fatalf("CompleteDelivery: %v", err)
		}
		if err := s.CompleteDelivery(ctx, e.ID, DeliveryOutcome{Status: models.DeliveryFailed, Error: "late", CompletedAt: done}); err != nil {
			t.Fatalf("second CompleteDelivery: %v", err)
		}

		second := &models.DeliveryLogEntry{To: to, Kind: models.KindTemplate, PayloadDigest: "def", Attempt: 1}
		if err := s.AppendDelivery(ctx, second); err != nil {
			t.Fatalf("AppendDelivery: %v", err)
		}

		list, err := s.ListDeliveries(ctx, to, 10)
		if err != nil {
			t.Fatalf("ListDeliveries: %v", err)
		}
		if len(list) != 2 {
			t.Fatalf("expected 2 entries, got %d", len(list))
		}
		if list[0].ID != second.ID {
			t.Errorf("expected newest first")
		}
		first := list[1]
		if first.Status != models.DeliverySent || first.ProviderMessageID != "SM1" || first.Error != "" {
			t.Errorf("completion overwritten: %+v", first)
		}
		if first.CompletedAt == nil {
			t.Error("completed_at not set")
		}
	})
}

func TestClaimKey(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		key := "fanout:supply:" + uuid.NewString() + ":supervisor:254700000009"

		ok, err := s.ClaimKey(ctx, key, 0)
		if err != nil || !ok {
			t.Fatalf("first claim: ok=%v err=%v", ok, err)
		}
		if ok, _ := s.ClaimKey(ctx, key, 0); ok {
			t.Error("second claim should fail")
		}
		if err := s.ReleaseKey(ctx, key); err != nil {
			t.Fatalf("ReleaseKey: %v", err)
		}
		if ok, _ := s.ClaimKey(ctx, key, 0); !ok {
			t.Error("claim after release should succeed")
		}

		short := "reminder:" + uuid.NewString()
		if ok, _ := s.ClaimKey(ctx, short, 20*time.Millisecond); !ok {
			t.Fatal("short claim failed")
		}
		time.Sleep(60 * time.Millisecond)
		if ok, _ := s.ClaimKey(ctx, short, time.Hour); !ok {
			t.Error("expired claim should be reclaimable")
		}
	})
}

func TestRecordsAndActors(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		outlet := "outlet-" + uuid.NewString()[:6]
		rec := models.BusinessRecord{ID: "rec-" + uuid.NewString(), Kind: models.RecordDeposit, Identity: "254700000001",
			ActorCode: "ATT1", Outlet: outlet, Payload: []byte(`{"amount":500}`), CreatedAt: time.Now()}

		ok, err := s.SaveRecord(ctx, rec)
		if err != nil || !ok {
			t.Fatalf("SaveRecord: ok=%v err=%v", ok, err)
		}
		if ok, _ := s.SaveRecord(ctx, rec); ok {
			t.Error("duplicate record should not be inserted")
		}
		list, err := s.ListRecords(ctx, outlet, time.Now().Add(-time.Hour))
		if err != nil || len(list) != 1 {
			t.Fatalf("ListRecords: %v %v", list, err)
		}

		code := "att" + uuid.NewString()[:6]
		if err := s.SaveActor(ctx, models.Actor{Code: code, Role: models.RoleAttendant, Outlet: outlet}); err != nil {
			t.Fatalf("SaveActor: %v", err)
		}
		if err := s.SaveActor(ctx, models.Actor{Code: "sup" + code, Role: models.RoleSupervisor, Outlet: outlet}); err != nil {
			t.Fatalf("SaveActor: %v", err)
		}
		a, err := s.LookupActorByCode(ctx, "  "+code+" ")
		if err != nil || a == nil || a.Role != models.RoleAttendant {
			t.Fatalf("LookupActorByCode: %+v %v", a, err)
		}
		if a, _ := s.LookupActorByCode(ctx, "nobody"); a != nil {
			t.Error("unknown code should return nil")
		}
		sups, err := s.ListActors(ctx, outlet, models.RoleSupervisor)
		if err != nil || len(sups) != 1 {
			t.Errorf("ListActors(supervisor) = %v, %v", sups, err)
		}
		all, _ := s.ListActors(ctx, outlet)
		if len(all) != 2 {
			t.Errorf("ListActors(all) = %d actors, want 2", len(all))
		}
	})
}

func TestRedisDedupAndClaims(t *testing.T) {
	url := getenvOrSkip(t, "REDIS_URL")
	ctx := context.Background()
	client, err := NewRedisClient(ctx, url)
	if err != nil {
		t.Fatalf("NewRedisClient: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	d := NewRedisDedup(client, time.Minute)
	msg := uuid.NewString()
	if ok, err := d.ClaimInbound(ctx, msg, "1", time.Now()); err != nil || !ok {
		t.Fatalf("claim: %v %v", ok, err)
	}
	if ok, _ := d.ClaimInbound(ctx, msg, "1", time.Now()); ok {
		t.Error("duplicate claim should fail")
	}
	if err := d.ReleaseInbound(ctx, msg); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := d.ClaimInbound(ctx, msg, "1", time.Now()); !ok {
		t.Error("claim after release should succeed")
	}
	d.MarkProcessed(ctx, msg, time.Now())
	d.ReleaseInbound(ctx, msg)
	if ok, _ := d.ClaimInbound(ctx, msg, "1", time.Now()); ok {
		t.Error("processed id must not be reclaimable")
	}

	c := NewRedisClaims(client)
	key := uuid.NewString()
	if ok, _ := c.ClaimKey(ctx, key, time.Minute); !ok {
		t.Error("claim failed")
	}
	if ok, _ := c.ClaimKey(ctx, key, time.Minute); ok {
		t.Error("second claim should fail")
	}
	c.ReleaseKey(ctx, key)
}
