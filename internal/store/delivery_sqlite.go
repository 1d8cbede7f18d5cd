package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/OutletPipe/internal/models"
	"github.com/google/uuid"
)

// Compile-time check that SQLiteStore implements DeliveryLog.
var _ DeliveryLog = (*SQLiteStore)(nil)

func (s *SQLiteStore) AppendDelivery(ctx context.Context, e *models.DeliveryLogEntry) error {
	stampDelivery(e, uuid.NewString)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delivery_log (id, recipient, kind, context_tag, payload_digest, attempt, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.To, e.Kind, nilIfEmpty(e.ContextTag), e.PayloadDigest, e.Attempt, e.Status, e.CreatedAt.UTC(),
	)
	if err != nil {
		slog.Error("SQLiteStore AppendDelivery failed", "error", err, "to", e.To)
		return fmt.Errorf("append delivery failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CompleteDelivery(ctx context.Context, id string, o DeliveryOutcome) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE delivery_log SET status = ?, provider_status = ?, provider_message_id = ?, error = ?, completed_at = ?
		 WHERE id = ? AND status = ?`,
		o.Status, nilIfEmpty(o.ProviderStatus), nilIfEmpty(o.ProviderMessageID), nilIfEmpty(o.Error),
		nilIfZero(o.CompletedAt), id, models.DeliveryAttempted,
	)
	if err != nil {
		slog.Error("SQLiteStore CompleteDelivery failed", "error", err, "id", id)
		return fmt.Errorf("complete delivery failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListDeliveries(ctx context.Context, to string, limit int) ([]models.DeliveryLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deliveryColumns+` FROM delivery_log WHERE recipient = ? ORDER BY created_at DESC LIMIT ?`,
		to, limit)
	if err != nil {
		return nil, fmt.Errorf("list deliveries failed: %w", err)
	}
	defer rows.Close()

	var out []models.DeliveryLogEntry
	for rows.Next() {
		e, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
