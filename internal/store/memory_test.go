package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Mayur-31/WhatsApp-API-Project-sub000/internal/model"
)

func queuedMessage(t *testing.T, m *Memory) *model.Message {
	t.Helper()

	msg := &model.Message{
		TeamID:         1,
		ConversationID: 1,
		Direction:      model.ToContact,
		Type:           model.TypeText,
		Content:        "hello",
		Status:         model.StatusQueued,
	}
	if err := m.CreateMessage(context.Background(), msg); err != nil {
		t.Fatalf("CreateMessage() error: %v", err)
	}
	return msg
}

func TestClaim_ExactlyOnceUnderContention(t *testing.T) {
	t.Parallel()

	mem := NewMemory()
	msg := queuedMessage(t, mem)

	const claimers = 16
	var wins int
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(claimers)
	for i := 0; i < claimers; i++ {
		go func() {
			defer wg.Done()
			ok, err := mem.Claim(context.Background(), msg.ID)
			if err != nil {
				t.Errorf("Claim() error: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly 1 winning claim, got %d", wins)
	}

	got, _ := mem.MessageByID(context.Background(), msg.ID)
	if got.Status != model.StatusSending {
		t.Fatalf("expected status sending after claim, got %s", got.Status)
	}
}

func TestClaim_OnlyQueuedMessages(t *testing.T) {
	t.Parallel()

	mem := NewMemory()
	msg := queuedMessage(t, mem)
	ctx := context.Background()

	if err := mem.MarkSent(ctx, msg.ID, "wamid.done", time.Now()); err != nil {
		t.Fatalf("MarkSent() error: %v", err)
	}

	ok, err := mem.Claim(ctx, msg.ID)
	if err != nil {
		t.Fatalf("Claim() error: %v", err)
	}
	if ok {
		t.Fatalf("expected claim of sent message to fail")
	}

	if ok, _ := mem.Claim(ctx, 99999); ok {
		t.Fatalf("expected claim of missing message to fail")
	}
}

func TestCreateMessage_DuplicateWaID(t *testing.T) {
	t.Parallel()

	mem := NewMemory()
	ctx := context.Background()

	waID := "wamid.unique1"
	first := &model.Message{
		TeamID: 1, ConversationID: 1,
		Direction: model.FromContact, Type: model.TypeText,
		Status: model.StatusDelivered, WaMessageID: &waID,
	}
	if err := mem.CreateMessage(ctx, first); err != nil {
		t.Fatalf("CreateMessage() error: %v", err)
	}

	dup := &model.Message{
		TeamID: 1, ConversationID: 1,
		Direction: model.FromContact, Type: model.TypeText,
		Status: model.StatusDelivered, WaMessageID: &waID,
	}
	if err := mem.CreateMessage(ctx, dup); !errors.Is(err, ErrDuplicateMessage) {
		t.Fatalf("expected ErrDuplicateMessage, got %v", err)
	}
}

func TestRecordInbound_NeverMovesBackwards(t *testing.T) {
	t.Parallel()

	mem := NewMemory()
	ctx := context.Background()

	conv, err := mem.EnsureDriverConversation(ctx, 1, 1)
	if err != nil {
		t.Fatalf("EnsureDriverConversation() error: %v", err)
	}

	later := time.Now()
	earlier := later.Add(-time.Hour)

	if err := mem.RecordInbound(ctx, conv.ID, later); err != nil {
		t.Fatalf("RecordInbound() error: %v", err)
	}
	if err := mem.RecordInbound(ctx, conv.ID, earlier); err != nil {
		t.Fatalf("RecordInbound() error: %v", err)
	}

	got, _ := mem.ConversationByID(ctx, conv.ID)
	if got.LastInboundAt == nil || !got.LastInboundAt.Equal(later) {
		t.Fatalf("expected last_inbound_at pinned to %v, got %v", later, got.LastInboundAt)
	}
}

func TestDueRetries_NilNextRetryAtIsDue(t *testing.T) {
	t.Parallel()

	mem := NewMemory()
	msg := queuedMessage(t, mem)

	due, err := mem.DueRetries(context.Background(), time.Now(), 3, 10)
	if err != nil {
		t.Fatalf("DueRetries() error: %v", err)
	}
	if len(due) != 1 || due[0].ID != msg.ID {
		t.Fatalf("expected never-attempted queued message to be due, got %+v", due)
	}
}

func TestReleaseStale_ReturnsSendingToQueued(t *testing.T) {
	t.Parallel()

	mem := NewMemory()
	msg := queuedMessage(t, mem)
	ctx := context.Background()

	if ok, _ := mem.Claim(ctx, msg.ID); !ok {
		t.Fatalf("expected claim to succeed")
	}

	// Cutoff in the past: the claim is fresh and must survive.
	n, err := mem.ReleaseStale(ctx, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("ReleaseStale() error: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected fresh claim kept, released %d", n)
	}

	// Cutoff in the future covers the claim: it goes back to queued.
	n, err = mem.ReleaseStale(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("ReleaseStale() error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 released claim, got %d", n)
	}

	got, _ := mem.MessageByID(ctx, msg.ID)
	if got.Status != model.StatusQueued {
		t.Fatalf("expected status queued after release, got %s", got.Status)
	}
}

func TestUpdateStatusByWaID_NeverRegresses(t *testing.T) {
	t.Parallel()

	mem := NewMemory()
	ctx := context.Background()

	waID := "wamid.ordered1"
	msg := &model.Message{
		TeamID: 1, ConversationID: 1,
		Direction: model.ToContact, Type: model.TypeText,
		Status: model.StatusSent, WaMessageID: &waID,
	}
	if err := mem.CreateMessage(ctx, msg); err != nil {
		t.Fatalf("CreateMessage() error: %v", err)
	}

	readAt := time.Now()
	if err := mem.UpdateStatusByWaID(ctx, waID, model.StatusRead, readAt); err != nil {
		t.Fatalf("UpdateStatusByWaID(read) error: %v", err)
	}

	// A late delivered event must be a no-op, not an error.
	if err := mem.UpdateStatusByWaID(ctx, waID, model.StatusDelivered, readAt.Add(time.Second)); err != nil {
		t.Fatalf("UpdateStatusByWaID(delivered) error: %v", err)
	}

	got, _ := mem.MessageByWaID(ctx, waID)
	if got.Status != model.StatusRead {
		t.Fatalf("expected status to stay read, got %s", got.Status)
	}
	if !got.UpdatedAt.Equal(readAt) {
		t.Fatalf("expected timestamp of the ignored event discarded, got %v", got.UpdatedAt)
	}

	if err := mem.UpdateStatusByWaID(ctx, "wamid.ghost", model.StatusRead, readAt); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown id, got %v", err)
	}
}

func TestEnsureDriver_UpsertKeepsName(t *testing.T) {
	t.Parallel()

	mem := NewMemory()
	ctx := context.Background()

	d1, err := mem.EnsureDriver(ctx, 1, "628123456789", "Budi")
	if err != nil {
		t.Fatalf("EnsureDriver() error: %v", err)
	}

	// An empty name on a later sighting must not wipe the stored one.
	d2, err := mem.EnsureDriver(ctx, 1, "628123456789", "")
	if err != nil {
		t.Fatalf("EnsureDriver() error: %v", err)
	}
	if d2.ID != d1.ID {
		t.Fatalf("expected same driver, got %d and %d", d1.ID, d2.ID)
	}
	if d2.Name != "Budi" {
		t.Fatalf("expected name preserved, got %q", d2.Name)
	}
}

func TestEnsureConversation_SingleThreadPerDriver(t *testing.T) {
	t.Parallel()

	mem := NewMemory()
	ctx := context.Background()

	c1, err := mem.EnsureDriverConversation(ctx, 1, 7)
	if err != nil {
		t.Fatalf("EnsureDriverConversation() error: %v", err)
	}
	c2, err := mem.EnsureDriverConversation(ctx, 1, 7)
	if err != nil {
		t.Fatalf("EnsureDriverConversation() error: %v", err)
	}
	if c1.ID != c2.ID {
		t.Fatalf("expected one conversation per driver, got %d and %d", c1.ID, c2.ID)
	}

	g1, err := mem.EnsureGroupConversation(ctx, 1, "123@g.us")
	if err != nil {
		t.Fatalf("EnsureGroupConversation() error: %v", err)
	}
	g2, err := mem.EnsureGroupConversation(ctx, 1, "123@g.us")
	if err != nil {
		t.Fatalf("EnsureGroupConversation() error: %v", err)
	}
	if g1.ID != g2.ID {
		t.Fatalf("expected one conversation per group, got %d and %d", g1.ID, g2.ID)
	}
	if g1.ID == c1.ID {
		t.Fatalf("expected distinct threads for driver and group")
	}
}
