package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/notify-router/internal/domain"
	"github.com/kursadbilgin/notify-router/internal/queue"
	"github.com/kursadbilgin/notify-router/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultRecoveryScanInterval = 30 * time.Second
	defaultRecoveryAfter        = 2 * time.Minute
	defaultRecoveryScanLimit    = 100
)

type RecoveryConfig struct {
	Interval time.Duration
	// PendingAfter is how long a PENDING record waits before it is republished.
	PendingAfter time.Duration
	// ProcessingAfter is how long a record may stay PROCESSING before it is
	// failed as abandoned. Keep it above the dispatch timeout.
	ProcessingAfter time.Duration
}

// RecoveryScanner repairs records the dispatch path left behind. PENDING
// records whose dispatch message never reached a worker are republished.
// PROCESSING records whose worker died or could not store the outcome are
// failed.
type RecoveryScanner struct {
	notifications   repository.NotificationRepository
	logs            repository.DeliveryLogRepository
	publisher       queue.Publisher
	logger          *zap.Logger
	interval        time.Duration
	pendingAfter    time.Duration
	processingAfter time.Duration
	limit           int
	now             func() time.Time
}

func NewRecoveryScanner(
	notifications repository.NotificationRepository,
	logs repository.DeliveryLogRepository,
	publisher queue.Publisher,
	cfg RecoveryConfig,
	logger *zap.Logger,
) (*RecoveryScanner, error) {
	if notifications == nil {
		return nil, fmt.Errorf("notification repository is required")
	}
	if logs == nil {
		return nil, fmt.Errorf("delivery log repository is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultRecoveryScanInterval
	}
	if cfg.PendingAfter <= 0 {
		cfg.PendingAfter = defaultRecoveryAfter
	}
	if cfg.ProcessingAfter <= 0 {
		cfg.ProcessingAfter = defaultDispatchTimeout + defaultRecoveryAfter
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RecoveryScanner{
		notifications:   notifications,
		logs:            logs,
		publisher:       publisher,
		logger:          logger,
		interval:        cfg.Interval,
		pendingAfter:    cfg.PendingAfter,
		processingAfter: cfg.ProcessingAfter,
		limit:           defaultRecoveryScanLimit,
		now:             func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *RecoveryScanner) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.runOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *RecoveryScanner) runOnce(ctx context.Context) {
	if _, err := s.scan(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("recovery scanner scan failed", zap.Error(err))
	}
	if _, err := s.failAbandoned(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("recovery scanner abandoned dispatch sweep failed", zap.Error(err))
	}
}

// scan republishes stale PENDING records and returns how many were published.
// A record republished twice is harmless: the claim lets only one worker in.
func (s *RecoveryScanner) scan(ctx context.Context) (int, error) {
	stale, err := s.notifications.ListStale(ctx, domain.StatusPending, s.now().Add(-s.pendingAfter), s.limit)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch stale pending notifications: %w", err)
	}

	published := 0
	for i := range stale {
		record := &stale[i]
		queueName := queue.QueueName(record.Channel)
		if err := s.publisher.Publish(ctx, queueName, queue.NewDispatchMessage(record, record.ID)); err != nil {
			s.logger.Error("failed to republish pending notification",
				zap.String("messageId", record.ID),
				zap.String("queue", queueName),
				zap.Error(err),
			)
			continue
		}
		published++

		// Touch the record so the next scan does not republish it right away.
		record.UpdatedAt = s.now()
		if err := s.notifications.UpdateIfStatus(ctx, record, record.Status); err != nil {
			s.logger.Debug("failed to touch republished notification",
				zap.String("messageId", record.ID),
				zap.Error(err),
			)
		}
	}

	if published > 0 {
		s.logger.Info("republished stale pending notifications", zap.Int("count", published))
	}
	return published, nil
}

// failAbandoned moves records stuck in PROCESSING to FAILED and returns how
// many it moved. A worker that finishes first wins the conditional update.
func (s *RecoveryScanner) failAbandoned(ctx context.Context) (int, error) {
	stuck, err := s.notifications.ListStale(ctx, domain.StatusProcessing, s.now().Add(-s.processingAfter), s.limit)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch abandoned notifications: %w", err)
	}

	failed := 0
	for i := range stuck {
		record := &stuck[i]
		detail := fmt.Sprintf("dispatch abandoned in PROCESSING for over %s", s.processingAfter)
		record.LastError = &detail
		if err := record.Transition(domain.StatusFailed, s.now()); err != nil {
			s.logger.Error("cannot fail abandoned notification", zap.String("messageId", record.ID), zap.Error(err))
			continue
		}

		if err := s.notifications.UpdateIfStatus(ctx, record, domain.StatusProcessing); err != nil {
			if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) {
				continue
			}
			s.logger.Error("failed to fail abandoned notification",
				zap.String("messageId", record.ID),
				zap.Error(err),
			)
			continue
		}
		failed++

		appendDeliveryLog(ctx, s.logs, s.logger, &domain.DeliveryLogEntry{
			ID:          uuid.NewString(),
			MessageID:   record.ID,
			EventType:   domain.EventFailed,
			Component:   domain.ComponentOrchestrator,
			ProviderKey: record.ProviderKey,
			Detail:      detail,
			CreatedAt:   s.now(),
		}, record.Status)
		s.logger.Warn("failed abandoned notification",
			zap.String("messageId", record.ID),
			zap.Int("retryCount", record.RetryCount),
		)
	}
	return failed, nil
}
