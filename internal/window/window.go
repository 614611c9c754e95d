// Package window implements the 24-hour free-form messaging window imposed
// by the WhatsApp Business platform: non-template messages may only be sent
// within 24 hours of the last inbound message from the contact.
package window

import (
	"fmt"
	"time"

	"github.com/Mayur-31/WhatsApp-API-Project-sub000/internal/model"
)

const Duration = 24 * time.Hour

// Status is the computed window state for a conversation at a point in time.
type Status struct {
	CanSendFreeform bool
	Remaining       time.Duration
	Note            string
}

// ErrClosed signals that a free-form send was attempted outside the window.
// Callers must switch to a template message; this is never retried.
type ErrClosed struct {
	ConversationID int64
	LastInboundAt  *time.Time
}

func (e *ErrClosed) Error() string {
	if e.LastInboundAt == nil {
		return fmt.Sprintf("window: conversation %d has never received an inbound message", e.ConversationID)
	}
	return fmt.Sprintf("window: conversation %d closed, last inbound at %s", e.ConversationID, e.LastInboundAt.UTC().Format(time.RFC3339))
}

// Compute returns the window state for conv at now. The window opens only
// when the ingestor records an inbound message and closes purely by elapsed
// time; nothing is stored. Group conversations are exempt from the policy
// and always report open.
func Compute(conv model.Conversation, now time.Time) Status {
	if conv.IsGroup() {
		return Status{
			CanSendFreeform: true,
			Remaining:       Duration,
			Note:            "group conversation, no window restriction",
		}
	}

	if conv.LastInboundAt == nil {
		return Status{Note: "window never opened, contact has not messaged yet"}
	}

	elapsed := now.Sub(*conv.LastInboundAt)
	if elapsed >= Duration {
		return Status{Note: "window closed, last inbound more than 24h ago"}
	}

	remaining := Duration - elapsed
	return Status{
		CanSendFreeform: true,
		Remaining:       remaining,
		Note:            fmt.Sprintf("window open, %s remaining", remaining.Round(time.Minute)),
	}
}

// Check returns nil when a free-form send is allowed, or *ErrClosed.
func Check(conv model.Conversation, now time.Time) error {
	if Compute(conv, now).CanSendFreeform {
		return nil
	}
	return &ErrClosed{ConversationID: conv.ID, LastInboundAt: conv.LastInboundAt}
}
