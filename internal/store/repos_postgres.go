package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/BTreeMap/OutletPipe/internal/models"
)

func (s *PostgresStore) ClaimKey(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	var expires interface{}
	if ttl > 0 {
		expires = now.Add(ttl)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO claims (claim_key, claimed_at, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (claim_key) DO UPDATE SET claimed_at = EXCLUDED.claimed_at, expires_at = EXCLUDED.expires_at
		 WHERE claims.expires_at IS NOT NULL AND claims.expires_at < EXCLUDED.claimed_at`,
		key, now, expires)
	if err != nil {
		return false, fmt.Errorf("claim key %s failed: %w", key, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *PostgresStore) ReleaseKey(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM claims WHERE claim_key = $1`, key); err != nil {
		return fmt.Errorf("release key %s failed: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) AppendEnvelopeAudit(ctx context.Context, a models.EnvelopeAudit) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO envelope_audit (identity, message_id, intent, valid, reason, redacted, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.Identity, nilIfEmpty(a.MessageID), nilIfEmpty(a.Intent), a.Valid, nilIfEmpty(a.Reason),
		nilIfEmpty(string(a.Redacted)), a.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("append envelope audit failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveRecord(ctx context.Context, r models.BusinessRecord) (bool, error) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO business_records (id, kind, identity, actor_code, outlet, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (id) DO NOTHING`,
		r.ID, r.Kind, r.Identity, nilIfEmpty(r.ActorCode), nilIfEmpty(r.Outlet), string(r.Payload), r.CreatedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("save record %s failed: %w", r.ID, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *PostgresStore) ListRecords(ctx context.Context, outlet string, since time.Time) ([]models.BusinessRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM business_records WHERE ($1 = '' OR outlet = $1) AND created_at >= $2 ORDER BY created_at`,
		outlet, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("list records failed: %w", err)
	}
	defer rows.Close()
	var out []models.BusinessRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) LookupActorByCode(ctx context.Context, code string) (*models.Actor, error) {
	a, err := scanActor(s.db.QueryRowContext(ctx,
		`SELECT `+actorColumns+` FROM actors WHERE code = $1`, normalizeCode(code)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup actor failed: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) ListActors(ctx context.Context, outlet string, roles ...models.Role) ([]models.Actor, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+actorColumns+` FROM actors WHERE ($1 = '' OR outlet = $1) ORDER BY code`, outlet)
	if err != nil {
		return nil, fmt.Errorf("list actors failed: %w", err)
	}
	defer rows.Close()
	var out []models.Actor
	for rows.Next() {
		a, err := scanActor(rows)
		if err != nil {
			return nil, fmt.Errorf("scan actor failed: %w", err)
		}
		if hasRole(roles, a.Role) {
			out = append(out, a)
		}
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveActor(ctx context.Context, a models.Actor) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO actors (code, role, outlet, phone, name, created_at) VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (code) DO UPDATE SET role = EXCLUDED.role, outlet = EXCLUDED.outlet,
		 phone = EXCLUDED.phone, name = EXCLUDED.name`,
		normalizeCode(a.Code), a.Role, a.Outlet, nilIfEmpty(a.Phone), nilIfEmpty(a.Name), a.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save actor %s failed: %w", a.Code, err)
	}
	return nil
}
