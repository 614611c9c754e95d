package cache

import (
	"context"
	"time"
)

// MessageCache is the optional redis-backed fast path. MarkSeen absorbs
// webhook redeliveries before they hit Postgres; StoreSent keeps recently
// confirmed sends available to the UI layer without a table scan.
//
// The cache is advisory: the unique index on wa_message_id remains the
// source of truth for deduplication. Callers that mark an id but then fail
// to persist the message must Unmark it, or the provider's redelivery would
// be absorbed with nothing stored.
type MessageCache interface {
	MarkSeen(ctx context.Context, waMessageID string) (first bool, err error)
	Unmark(ctx context.Context, waMessageID string) error
	StoreSent(ctx context.Context, messageID int64, waMessageID string, sentAt time.Time) error
}
