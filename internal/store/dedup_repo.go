// Package store provides the DedupRepo interface for inbound message deduplication.
package store

import (
	"context"
	"time"
)

// DedupRecord represents an inbound message deduplication record.
type DedupRecord struct {
	MessageID   string     `json:"message_id"`
	Identity    string     `json:"identity"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// DedupRepo defines the interface for inbound message deduplication.
//
// A message id moves through claimed -> processed. A claim that is released
// (processing failed) or that stays unprocessed past DefaultClaimTimeout can be
// claimed again, so upstream redelivery reprocesses it.
type DedupRepo interface {
	// ClaimInbound returns true if the caller now owns processing of messageID.
	ClaimInbound(ctx context.Context, messageID, identity string, now time.Time) (bool, error)

	// MarkProcessed sets the processed_at timestamp for a message.
	MarkProcessed(ctx context.Context, messageID string, now time.Time) error

	// ReleaseInbound forgets an unprocessed claim.
	ReleaseInbound(ctx context.Context, messageID string) error

	// PurgeInboundBefore drops records received before cutoff and returns how many.
	PurgeInboundBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
