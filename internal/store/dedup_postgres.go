package store

import (
	"context"
	"fmt"
	"time"
)

// Compile-time check that PostgresStore implements DedupRepo.
var _ DedupRepo = (*PostgresStore)(nil)

func (s *PostgresStore) ClaimInbound(ctx context.Context, messageID, identity string, now time.Time) (bool, error) {
	now = now.UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO inbound_dedup (message_id, identity, received_at) VALUES ($1, $2, $3)
		 ON CONFLICT (message_id) DO NOTHING`,
		messageID, identity, now,
	)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}

	res, err = s.db.ExecContext(ctx,
		`UPDATE inbound_dedup SET received_at = $1, identity = $2
		 WHERE message_id = $3 AND processed_at IS NULL AND received_at < $4`,
		now, identity, messageID, now.Add(-DefaultClaimTimeout),
	)
	if err != nil {
		return false, fmt.Errorf("reclaim inbound failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *PostgresStore) MarkProcessed(ctx context.Context, messageID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE inbound_dedup SET processed_at = $1 WHERE message_id = $2`,
		now.UTC(), messageID,
	)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) ReleaseInbound(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM inbound_dedup WHERE message_id = $1 AND processed_at IS NULL`, messageID)
	if err != nil {
		return fmt.Errorf("release inbound failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) PurgeInboundBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM inbound_dedup WHERE received_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge inbound failed: %w", err)
	}
	return res.RowsAffected()
}
