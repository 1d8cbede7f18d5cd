// Package store provides storage backends for OutletPipe.
//
// It defines the session store contract and its companion repositories
// (inbound dedup, delivery log, idempotency claims, envelope audit, business
// records and the actor directory), with in-memory, SQLite and PostgreSQL
// implementations plus Redis-backed dedup and claims.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/BTreeMap/OutletPipe/internal/models"
)

// DefaultClaimTimeout is how long an unprocessed inbound claim blocks redelivery
// before another worker may take it over.
const DefaultClaimTimeout = 2 * time.Minute

// SessionStore persists one Session per identity.
type SessionStore interface {
	// GetSession returns the session for identity, or nil when none exists.
	GetSession(ctx context.Context, identity string) (*models.Session, error)
	// UpsertSession loads or creates the session, applies mutate and persists the
	// result atomically. The stored Version is incremented on every write. If
	// mutate returns an error nothing is written and that error is returned.
	UpsertSession(ctx context.Context, identity string, mutate func(*models.Session) error) (*models.Session, error)
	// DeleteSession removes the session. Deleting a missing session is not an error.
	DeleteSession(ctx context.Context, identity string) error
	// ListIdleSessions returns live sessions whose last inbound is before cutoff.
	ListIdleSessions(ctx context.Context, cutoff time.Time) ([]models.Session, error)
}

// DeliveryLog is the append-only audit trail of outbound send attempts.
type DeliveryLog interface {
	// AppendDelivery records an attempt before the provider is called. It assigns
	// ID and CreatedAt when unset.
	AppendDelivery(ctx context.Context, e *models.DeliveryLogEntry) error
	// CompleteDelivery writes the outcome fields once; later calls are ignored.
	CompleteDelivery(ctx context.Context, id string, outcome DeliveryOutcome) error
	// ListDeliveries returns the newest entries for a recipient.
	ListDeliveries(ctx context.Context, to string, limit int) ([]models.DeliveryLogEntry, error)
}

// DeliveryOutcome carries the completion fields of a DeliveryLogEntry.
type DeliveryOutcome struct {
	Status            models.DeliveryStatus
	ProviderStatus    string
	ProviderMessageID string
	Error             string
	CompletedAt       time.Time
}

// ClaimRepo hands out idempotency keys for fan-out notifications and reminders.
type ClaimRepo interface {
	// ClaimKey returns true if the caller now owns key. A ttl of zero never expires.
	ClaimKey(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// ReleaseKey gives a key back so a later run may claim it again.
	ReleaseKey(ctx context.Context, key string) error
}

// AuditRepo stores redacted envelope verdicts.
type AuditRepo interface {
	AppendEnvelopeAudit(ctx context.Context, a models.EnvelopeAudit) error
}

// RecordSink stores confirmed business records.
type RecordSink interface {
	// SaveRecord inserts r and returns false if a record with the same ID exists.
	SaveRecord(ctx context.Context, r models.BusinessRecord) (bool, error)
	// ListRecords returns records for an outlet created at or after since.
	ListRecords(ctx context.Context, outlet string, since time.Time) ([]models.BusinessRecord, error)
}

// Directory resolves actor codes and fan-out recipients.
type Directory interface {
	// LookupActorByCode returns the actor for code (case-insensitive), or nil.
	LookupActorByCode(ctx context.Context, code string) (*models.Actor, error)
	// ListActors returns actors for outlet ("" means any outlet) holding one of roles.
	ListActors(ctx context.Context, outlet string, roles ...models.Role) ([]models.Actor, error)
	// SaveActor inserts or replaces an actor.
	SaveActor(ctx context.Context, a models.Actor) error
}

// Store is the full persistence surface a backend provides.
type Store interface {
	SessionStore
	DedupRepo
	DeliveryLog
	ClaimRepo
	AuditRepo
	RecordSink
	Directory
	Close() error
}

// Opts holds configuration for creating a SQL-backed store.
type Opts struct {
	DSN string // database connection string or SQLite file path
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithPostgresDSN sets the Postgres connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the SQLite file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for Postgres URLs or key/value DSNs and
// "sqlite3" otherwise.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(lower, "host=") && strings.Contains(lower, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func hasRole(roles []models.Role, r models.Role) bool {
	if len(roles) == 0 {
		return true
	}
	for _, want := range roles {
		if want == r {
			return true
		}
	}
	return false
}
