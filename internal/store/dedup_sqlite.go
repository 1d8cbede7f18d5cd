package store

import (
	"context"
	"fmt"
	"time"
)

// Compile-time check that SQLiteStore implements DedupRepo.
var _ DedupRepo = (*SQLiteStore)(nil)

func (s *SQLiteStore) ClaimInbound(ctx context.Context, messageID, identity string, now time.Time) (bool, error) {
	now = now.UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO inbound_dedup (message_id, identity, received_at) VALUES (?, ?, ?)`,
		messageID, identity, now,
	)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}

	// Take over a claim whose worker never finished.
	res, err = s.db.ExecContext(ctx,
		`UPDATE inbound_dedup SET received_at = ?, identity = ?
		 WHERE message_id = ? AND processed_at IS NULL AND received_at < ?`,
		now, identity, messageID, now.Add(-DefaultClaimTimeout),
	)
	if err != nil {
		return false, fmt.Errorf("reclaim inbound failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *SQLiteStore) MarkProcessed(ctx context.Context, messageID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`,
		now.UTC(), messageID,
	)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ReleaseInbound(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM inbound_dedup WHERE message_id = ? AND processed_at IS NULL`, messageID)
	if err != nil {
		return fmt.Errorf("release inbound failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PurgeInboundBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM inbound_dedup WHERE received_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge inbound failed: %w", err)
	}
	return res.RowsAffected()
}
