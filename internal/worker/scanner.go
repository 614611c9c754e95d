package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Mayur-31/WhatsApp-API-Project-sub000/internal/queue"
	"github.com/Mayur-31/WhatsApp-API-Project-sub000/internal/store"
)

const (
	DefaultScanInterval  = 60 * time.Second
	DefaultScanBatchSize = 50

	// staleClaimAge bounds how long a sending claim may sit untouched
	// before the scanner assumes the process holding it died and returns
	// the message to queued. Well above the longest provider timeout.
	staleClaimAge = 5 * time.Minute
)

// Scanner periodically re-enqueues queued messages whose retry backoff has
// elapsed. It is the recovery path for retries and for work stranded by a
// restart: the queue is in-memory, the messages table is not.
type Scanner struct {
	interval   time.Duration
	batchSize  int
	maxRetries int
	store      store.MessageStore
	queue      *queue.Queue
	logger     *slog.Logger

	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewScanner(st store.MessageStore, q *queue.Queue, interval time.Duration, batchSize, maxRetries int, logger *slog.Logger) (*Scanner, error) {
	if st == nil || q == nil {
		return nil, errors.New("store and queue must not be nil")
	}
	if interval <= 0 {
		interval = DefaultScanInterval
	}
	if batchSize <= 0 {
		batchSize = DefaultScanBatchSize
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		interval:   interval,
		batchSize:  batchSize,
		maxRetries: maxRetries,
		store:      st,
		queue:      q,
		logger:     logger,
		done:       make(chan struct{}),
	}, nil
}

func (s *Scanner) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running.Store(true)

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.logger.Info("retry scanner started", "interval", s.interval.String())

		s.safeTick(ctx)

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("retry scanner stopping")
				return
			case <-ticker.C:
				s.safeTick(ctx)
			}
		}
	}()

	return true
}

func (s *Scanner) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return false
	}

	s.cancel()
	<-s.done
	s.running.Store(false)

	s.logger.Info("retry scanner stopped")
	return true
}

func (s *Scanner) IsRunning() bool {
	return s.running.Load()
}

func (s *Scanner) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("retry scanner tick panic recovered", "panic", r)
		}
	}()

	start := time.Now()
	n := s.Tick(ctx)
	if n > 0 {
		s.logger.Info("retry scanner tick completed",
			"requeued", n, "duration_ms", time.Since(start).Milliseconds())
	}
}

// Tick scans once and returns how many messages were re-enqueued. Enqueue
// blocks under backpressure, so a full queue slows the scanner instead of
// duplicating work downstream.
func (s *Scanner) Tick(ctx context.Context) int {
	if released, err := s.store.ReleaseStale(ctx, time.Now().Add(-staleClaimAge)); err != nil {
		s.logger.Error("stale claim release failed", "error", err)
	} else if released > 0 {
		s.logger.Warn("released stale sending claims", "count", released)
	}

	due, err := s.store.DueRetries(ctx, time.Now(), s.maxRetries, s.batchSize)
	if err != nil {
		s.logger.Error("retry scan failed", "error", err)
		return 0
	}

	requeued := 0
	for _, m := range due {
		if err := s.queue.Enqueue(ctx, queue.Entry{MessageID: m.ID, TeamID: m.TeamID}); err != nil {
			s.logger.Warn("retry enqueue interrupted", "message_id", m.ID, "error", err)
			return requeued
		}
		requeued++
	}
	return requeued
}
