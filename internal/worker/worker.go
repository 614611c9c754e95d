// Package worker runs the two background loops of the delivery engine: the
// Worker drains the delivery queue and talks to the provider, the Scanner
// re-enqueues messages whose retry backoff has elapsed. Both follow the
// same lifecycle: Start spawns one goroutine, Stop cancels it and waits.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Mayur-31/WhatsApp-API-Project-sub000/internal/cache"
	"github.com/Mayur-31/WhatsApp-API-Project-sub000/internal/dispatch"
	"github.com/Mayur-31/WhatsApp-API-Project-sub000/internal/media"
	"github.com/Mayur-31/WhatsApp-API-Project-sub000/internal/model"
	"github.com/Mayur-31/WhatsApp-API-Project-sub000/internal/queue"
	"github.com/Mayur-31/WhatsApp-API-Project-sub000/internal/store"
	"github.com/Mayur-31/WhatsApp-API-Project-sub000/internal/window"
)

const DefaultMaxRetries = 3

type Worker struct {
	queue      *queue.Queue
	store      store.Store
	dispatcher *dispatch.Dispatcher
	cache      cache.MessageCache
	maxRetries int
	logger     *slog.Logger

	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a delivery worker. msgCache may be nil when redis is disabled.
func New(q *queue.Queue, st store.Store, d *dispatch.Dispatcher, msgCache cache.MessageCache, maxRetries int, logger *slog.Logger) (*Worker, error) {
	if q == nil || st == nil || d == nil {
		return nil, errors.New("queue, store and dispatcher must not be nil")
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		queue:      q,
		store:      st,
		dispatcher: d,
		cache:      msgCache,
		maxRetries: maxRetries,
		logger:     logger,
		done:       make(chan struct{}),
	}, nil
}

func (w *Worker) Start() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running.Store(true)

	go func() {
		defer close(w.done)

		w.logger.Info("delivery worker started")
		for {
			entry, err := w.queue.Dequeue(ctx)
			if err != nil {
				w.logger.Info("delivery worker stopping")
				return
			}
			w.safeProcess(ctx, entry)
		}
	}()

	return true
}

func (w *Worker) Stop() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running.Load() {
		return false
	}

	w.cancel()
	<-w.done
	w.running.Store(false)

	w.logger.Info("delivery worker stopped")
	return true
}

func (w *Worker) IsRunning() bool {
	return w.running.Load()
}

func (w *Worker) safeProcess(ctx context.Context, entry queue.Entry) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("delivery worker panic recovered", "message_id", entry.MessageID, "panic", r)
		}
	}()

	start := time.Now()
	if err := w.Process(ctx, entry); err != nil {
		w.logger.Error("delivery attempt failed",
			"message_id", entry.MessageID,
			"team_id", entry.TeamID,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err)
	}
}

// Process handles one queue entry end to end. The claim step is the only
// synchronization: when several workers race on the same entry, exactly one
// wins the queued→sending transition and the rest no-op.
func (w *Worker) Process(ctx context.Context, entry queue.Entry) error {
	claimed, err := w.store.Claim(ctx, entry.MessageID)
	if err != nil {
		return fmt.Errorf("claim message %d: %w", entry.MessageID, err)
	}
	if !claimed {
		w.logger.Debug("message already claimed or not queued, skipping", "message_id", entry.MessageID)
		return nil
	}

	// The claim just succeeded, so the row exists; a reload failure means
	// the retry count cannot be read and backoff accounting cannot be
	// trusted. Fail terminally rather than retry with a reset counter.
	m, err := w.store.MessageByID(ctx, entry.MessageID)
	if err != nil {
		return w.failPermanently(ctx, &model.Message{ID: entry.MessageID}, fmt.Errorf("reload message %d after claim: %w", entry.MessageID, err))
	}

	team, err := w.store.TeamByID(ctx, m.TeamID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return w.failPermanently(ctx, m, fmt.Errorf("team %d not found or inactive", m.TeamID))
		}
		return w.retryOrFail(ctx, m, fmt.Errorf("load team: %w", err))
	}
	if team.AccessToken == "" || team.PhoneNumberID == "" {
		return w.failPermanently(ctx, m, fmt.Errorf("team %d has no provider credentials configured", team.ID))
	}

	conv, err := w.store.ConversationByID(ctx, m.ConversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return w.failPermanently(ctx, m, fmt.Errorf("conversation %d not found", m.ConversationID))
		}
		return w.retryOrFail(ctx, m, fmt.Errorf("load conversation: %w", err))
	}

	// Free-form sends to a contact are only legal inside the 24h window.
	// Templates are exempt, groups have no window.
	if m.Type != model.TypeTemplate && !conv.IsGroup() {
		if err := window.Check(*conv, time.Now()); err != nil {
			return w.failPermanently(ctx, m, err)
		}
	}

	to, err := w.destination(ctx, conv)
	if err != nil {
		return w.failPermanently(ctx, m, err)
	}

	waID, err := w.dispatcher.DispatchMessage(ctx, team, to, m)
	if err != nil {
		var tooLarge *media.ErrTooLarge
		if errors.As(err, &tooLarge) {
			return w.failPermanently(ctx, m, err)
		}
		return w.retryOrFail(ctx, m, err)
	}

	now := time.Now()
	if err := w.store.MarkSent(ctx, m.ID, waID, now); err != nil {
		return fmt.Errorf("mark sent %d: %w", m.ID, err)
	}
	if err := w.store.TouchLastMessage(ctx, conv.ID, now); err != nil {
		w.logger.Warn("failed to touch conversation", "conversation_id", conv.ID, "error", err)
	}
	if w.cache != nil {
		if err := w.cache.StoreSent(ctx, m.ID, waID, now); err != nil {
			w.logger.Warn("failed to cache sent message", "message_id", m.ID, "error", err)
		}
	}

	w.logger.Info("message sent", "message_id", m.ID, "team_id", m.TeamID, "wa_message_id", waID)
	return nil
}

func (w *Worker) destination(ctx context.Context, conv *model.Conversation) (string, error) {
	if conv.IsGroup() {
		return *conv.GroupJID, nil
	}
	if conv.DriverID == nil {
		return "", fmt.Errorf("conversation %d has neither driver nor group", conv.ID)
	}
	driver, err := w.store.DriverByID(ctx, *conv.DriverID)
	if err != nil {
		return "", fmt.Errorf("load driver %d: %w", *conv.DriverID, err)
	}
	return driver.Phone, nil
}

// failPermanently marks the message failed without scheduling a retry:
// closed window, oversize media, missing tenant. The message stays visible
// in history with its failure reason.
func (w *Worker) failPermanently(ctx context.Context, m *model.Message, cause error) error {
	if err := w.store.MarkFailed(ctx, m.ID, cause.Error()); err != nil {
		return fmt.Errorf("mark failed %d: %w", m.ID, err)
	}
	w.logger.Warn("message failed permanently", "message_id", m.ID, "reason", cause.Error())
	return cause
}

// retryOrFail applies the backoff policy to a transient failure: attempts
// beyond maxRetries fail terminally, otherwise the message goes back to
// queued with next_retry_at = now + 2^attempt seconds for the scanner.
func (w *Worker) retryOrFail(ctx context.Context, m *model.Message, cause error) error {
	attempt := m.RetryCount + 1
	if attempt > w.maxRetries {
		if err := w.store.MarkFailed(ctx, m.ID, cause.Error()); err != nil {
			return fmt.Errorf("mark failed %d: %w", m.ID, err)
		}
		w.logger.Warn("message failed after exhausting retries",
			"message_id", m.ID, "attempts", attempt, "reason", cause.Error())
		return cause
	}

	backoff := time.Duration(1<<uint(attempt)) * time.Second
	nextRetry := time.Now().Add(backoff)
	if err := w.store.ScheduleRetry(ctx, m.ID, attempt, nextRetry, cause.Error()); err != nil {
		return fmt.Errorf("schedule retry %d: %w", m.ID, err)
	}

	w.logger.Warn("delivery attempt failed, retry scheduled",
		"message_id", m.ID,
		"attempt", attempt,
		"max_retries", w.maxRetries,
		"backoff", backoff.String(),
		"reason", cause.Error())
	return cause
}
