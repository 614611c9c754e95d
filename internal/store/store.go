// Package store persists teams, drivers, conversations and messages. The
// relational store is the source of truth: the delivery queue is recoverable
// by re-scanning for queued messages, and the atomic Claim transition is the
// only synchronization primitive the workers need.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Mayur-31/WhatsApp-API-Project-sub000/internal/model"
)

// ErrNotFound is returned for missing or inactive rows. Team lookups treat
// inactive teams as absent: there is no default tenant.
var ErrNotFound = errors.New("store: not found")

// ErrDuplicateMessage is returned when a message with the same provider
// message id already exists. Webhook redeliveries hit this and are absorbed.
var ErrDuplicateMessage = errors.New("store: duplicate provider message id")

type TeamStore interface {
	TeamByID(ctx context.Context, id int64) (*model.Team, error)
	// TeamByPhoneNumberID demultiplexes inbound webhooks: the provider
	// reports the receiving phone_number_id in event metadata.
	TeamByPhoneNumberID(ctx context.Context, phoneNumberID string) (*model.Team, error)
	ActiveTeams(ctx context.Context) ([]model.Team, error)
}

type DriverStore interface {
	DriverByID(ctx context.Context, id int64) (*model.Driver, error)
	DriverByPhone(ctx context.Context, teamID int64, phone string) (*model.Driver, error)
	// EnsureDriver returns the driver for the canonical phone, creating it
	// on first contact.
	EnsureDriver(ctx context.Context, teamID int64, phone, name string) (*model.Driver, error)
}

type ConversationStore interface {
	ConversationByID(ctx context.Context, id int64) (*model.Conversation, error)
	// EnsureDriverConversation returns the single open conversation for
	// (team, driver), creating it when absent.
	EnsureDriverConversation(ctx context.Context, teamID, driverID int64) (*model.Conversation, error)
	EnsureGroupConversation(ctx context.Context, teamID int64, groupJID string) (*model.Conversation, error)
	// RecordInbound advances last_inbound_at and last_message_at. Both are
	// monotonic: a late-delivered webhook never moves them backwards.
	RecordInbound(ctx context.Context, conversationID int64, at time.Time) error
	TouchLastMessage(ctx context.Context, conversationID int64, at time.Time) error
}

type MessageStore interface {
	CreateMessage(ctx context.Context, m *model.Message) error
	MessageByID(ctx context.Context, id int64) (*model.Message, error)
	MessageByWaID(ctx context.Context, waMessageID string) (*model.Message, error)

	// Claim atomically moves a message from queued to sending. It reports
	// false when the row was already claimed or is not queued, so any
	// number of concurrent workers process each message at most once.
	Claim(ctx context.Context, id int64) (bool, error)

	MarkSent(ctx context.Context, id int64, waMessageID string, at time.Time) error
	// ScheduleRetry puts a failed attempt back in queued state with the
	// next attempt time; the retry scanner re-enqueues it when due.
	ScheduleRetry(ctx context.Context, id int64, retryCount int, nextRetryAt time.Time, reason string) error
	MarkFailed(ctx context.Context, id int64, reason string) error

	// UpdateStatusByWaID applies a provider delivery-status event. The
	// status only moves forward (sent, delivered, read; failed is
	// terminal): a redelivered or out-of-order event that would regress
	// the status is a silent no-op. It reports ErrNotFound for events
	// that match no stored message.
	UpdateStatusByWaID(ctx context.Context, waMessageID string, status model.Status, at time.Time) error

	// DueRetries lists queued messages ready for delivery: retry count at
	// most the maximum, and next_retry_at either passed or never set. A
	// NULL next_retry_at marks a message that was enqueued but never
	// attempted, which happens when the process restarts and loses the
	// in-memory queue.
	DueRetries(ctx context.Context, now time.Time, maxRetries, limit int) ([]model.Message, error)

	// ReleaseStale returns sending messages last touched before the cutoff
	// to queued state. A claim that never completed means the process died
	// mid-attempt; releasing it lets the scanner re-pick the message.
	ReleaseStale(ctx context.Context, before time.Time) (int, error)
}

// Store is the full persistence surface consumed by the gateway core.
type Store interface {
	TeamStore
	DriverStore
	ConversationStore
	MessageStore
}

// statusRank orders the delivery lifecycle for UpdateStatusByWaID. Statuses
// outside the lifecycle (queued, sending) rank lowest so the first provider
// event always applies.
func statusRank(s model.Status) int {
	switch s {
	case model.StatusSent:
		return 1
	case model.StatusDelivered:
		return 2
	case model.StatusRead:
		return 3
	case model.StatusFailed:
		return 4
	default:
		return 0
	}
}
