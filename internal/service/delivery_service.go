package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/notify-router/internal/domain"
	"github.com/kursadbilgin/notify-router/internal/governor"
	"github.com/kursadbilgin/notify-router/internal/observability"
	"github.com/kursadbilgin/notify-router/internal/provider"
	"github.com/kursadbilgin/notify-router/internal/queue"
	"github.com/kursadbilgin/notify-router/internal/registry"
	"github.com/kursadbilgin/notify-router/internal/repository"
	"github.com/kursadbilgin/notify-router/internal/routing"
	"go.uber.org/zap"
)

const (
	defaultDispatchTimeout = 2 * time.Minute
	defaultMaxRetriesLimit = 10
)

// AdapterSource hands out the adapter for a provider. *provider.Pool satisfies it.
type AdapterSource interface {
	Get(p domain.Provider) (provider.Adapter, error)
}

// HealthReporter receives delivery outcomes. *health.Monitor satisfies it.
type HealthReporter interface {
	ReportDelivery(ctx context.Context, providerKey string, success bool, detail string)
}

type DeliveryConfig struct {
	// DispatchTimeout bounds one dispatch including retries and backoff.
	DispatchTimeout time.Duration
	// MaxRetriesLimit is the largest max_retries a request may ask for.
	MaxRetriesLimit int
	// Environment is applied to requests that do not name one.
	Environment domain.Environment
}

type Dependencies struct {
	Notifications repository.NotificationRepository
	Logs          repository.DeliveryLogRepository
	Publisher     queue.Publisher
	Registry      *registry.Registry
	Resolver      *routing.Resolver
	Governor      *governor.Governor
	Adapters      AdapterSource
	Health        HealthReporter
	Metrics       *observability.Metrics
}

// SubmitResult is the outcome of Submit. Duplicate is set when an existing
// record was returned for a repeated idempotency key.
type SubmitResult struct {
	Record    *domain.NotificationRecord
	Duplicate bool
	Reason    string
}

// DeliveryService accepts notification requests and drives each accepted
// record through routing and delivery.
type DeliveryService struct {
	notifications repository.NotificationRepository
	logs          repository.DeliveryLogRepository
	publisher     queue.Publisher
	registry      *registry.Registry
	resolver      *routing.Resolver
	governor      *governor.Governor
	adapters      AdapterSource
	health        HealthReporter
	metrics       *observability.Metrics
	logger        *zap.Logger
	cfg           DeliveryConfig
	now           func() time.Time
}

func NewDeliveryService(deps Dependencies, cfg DeliveryConfig, logger *zap.Logger) (*DeliveryService, error) {
	switch {
	case deps.Notifications == nil:
		return nil, fmt.Errorf("notification repository is required")
	case deps.Logs == nil:
		return nil, fmt.Errorf("delivery log repository is required")
	case deps.Publisher == nil:
		return nil, fmt.Errorf("publisher is required")
	case deps.Registry == nil:
		return nil, fmt.Errorf("registry is required")
	case deps.Resolver == nil:
		return nil, fmt.Errorf("resolver is required")
	case deps.Governor == nil:
		return nil, fmt.Errorf("governor is required")
	case deps.Adapters == nil:
		return nil, fmt.Errorf("adapter source is required")
	}
	if deps.Health == nil {
		deps.Health = noopHealth{}
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = defaultDispatchTimeout
	}
	if cfg.MaxRetriesLimit <= 0 {
		cfg.MaxRetriesLimit = defaultMaxRetriesLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &DeliveryService{
		notifications: deps.Notifications,
		logs:          deps.Logs,
		publisher:     deps.Publisher,
		registry:      deps.Registry,
		resolver:      deps.Resolver,
		governor:      deps.Governor,
		adapters:      deps.Adapters,
		health:        deps.Health,
		metrics:       deps.Metrics,
		logger:        logger,
		cfg:           cfg,
		now:           func() time.Time { return time.Now().UTC() },
	}, nil
}

type noopHealth struct{}

func (noopHealth) ReportDelivery(context.Context, string, bool, string) {}

// Submit validates and persists a request, rejects it when no provider is
// eligible, and hands accepted records to the dispatch queue. Validation
// failures persist nothing.
func (s *DeliveryService) Submit(ctx context.Context, req *domain.NotificationRequest) (*SubmitResult, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: request is required", domain.ErrValidation)
	}
	normalizeRequest(req)
	if req.Environment == "" {
		req.Environment = s.cfg.Environment
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.MaxRetries != nil && *req.MaxRetries > s.cfg.MaxRetriesLimit {
		return nil, fmt.Errorf("%w: max retries cannot exceed %d", domain.ErrValidation, s.cfg.MaxRetriesLimit)
	}

	if req.IdempotencyKey != nil {
		existing, err := s.notifications.GetByIdempotencyKey(ctx, *req.IdempotencyKey)
		if err == nil {
			return &SubmitResult{Record: existing, Duplicate: true, Reason: rejectionReason(existing)}, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
		}
	}

	chain, checkErr := s.resolver.Check(routing.RequestFromSubmission(req))
	if checkErr != nil && !domain.IsRejection(checkErr) {
		return nil, fmt.Errorf("failed to check eligibility: %w", checkErr)
	}

	now := s.now()
	record := &domain.NotificationRecord{
		ID:             uuid.NewString(),
		IdempotencyKey: req.IdempotencyKey,
		Channel:        req.Channel,
		Priority:       req.Priority,
		Recipients:     req.Recipients,
		ProviderHint:   req.ProviderKey,
		GroupHint:      req.GroupKey,
		TemplateName:   req.TemplateName,
		Environment:    req.Environment,
		Content:        req.Content,
		Status:         domain.StatusPending,
		MaxRetries:     chain.MaxRetries,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if req.MaxRetries != nil {
		record.MaxRetries = *req.MaxRetries
	}

	if err := s.notifications.Create(ctx, record); err != nil {
		if errors.Is(err, domain.ErrConflict) && req.IdempotencyKey != nil {
			existing, getErr := s.notifications.GetByIdempotencyKey(ctx, *req.IdempotencyKey)
			if getErr != nil {
				return nil, fmt.Errorf("failed to load existing notification after idempotency conflict: %w", getErr)
			}
			s.logger.Info("idempotency conflict resolved",
				zap.String("existingId", existing.ID),
				zap.String("idempotencyKey", *req.IdempotencyKey),
			)
			return &SubmitResult{Record: existing, Duplicate: true, Reason: rejectionReason(existing)}, nil
		}
		return nil, fmt.Errorf("failed to persist notification: %w", err)
	}

	logger := observability.WithContextLogger(s.logger, observability.WithMessageID(ctx, record.ID))
	s.appendLog(ctx, record, domain.EventAccepted, domain.ComponentAPI, nil, 0, "")

	if checkErr != nil {
		reason := checkErr.Error()
		record.LastError = &reason
		if err := record.Transition(domain.StatusRejected, s.now()); err != nil {
			return nil, err
		}
		if err := s.notifications.UpdateIfStatus(context.WithoutCancel(ctx), record, domain.StatusPending); err != nil {
			return nil, fmt.Errorf("failed to reject notification: %w", err)
		}
		s.appendLog(ctx, record, domain.EventRejected, domain.ComponentAPI, nil, 0, reason)
		s.metrics.IncNotificationFailed(strings.ToLower(record.Channel.String()), "rejected")
		logger.Info("notification rejected", zap.String("reason", reason))
		return &SubmitResult{Record: record, Reason: reason}, nil
	}

	correlationID, ok := observability.CorrelationIDFromContext(ctx)
	if !ok {
		correlationID = record.ID
	}
	if err := s.publisher.Publish(ctx, queue.QueueName(record.Channel), queue.NewDispatchMessage(record, correlationID)); err != nil {
		logger.Warn("failed to publish dispatch message, leaving record for recovery", zap.Error(err))
		return &SubmitResult{Record: record}, nil
	}

	logger.Info("notification accepted",
		zap.String("channel", record.Channel.String()),
		zap.Strings("candidates", chain.ProviderKeys()),
	)
	return &SubmitResult{Record: record}, nil
}

func (s *DeliveryService) GetStatus(ctx context.Context, id string) (*domain.NotificationRecord, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: message id is required", domain.ErrValidation)
	}
	return s.notifications.GetByID(ctx, id)
}

// Logs returns the delivery log of a record in sequence order.
func (s *DeliveryService) Logs(ctx context.Context, id string) ([]domain.DeliveryLogEntry, error) {
	record, err := s.GetStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.logs.ListByMessage(ctx, record.ID)
}

func (s *DeliveryService) List(ctx context.Context, params repository.ListParams) ([]domain.NotificationRecord, int64, error) {
	return s.notifications.List(ctx, params)
}

func (s *DeliveryService) ListLogs(ctx context.Context, query repository.DeliveryLogQuery) ([]domain.DeliveryLogEntry, int64, error) {
	return s.logs.List(ctx, query)
}

// appendLog writes an audit entry. Transition events carry the record status.
// Failures are logged and never abort delivery.
func (s *DeliveryService) appendLog(
	ctx context.Context,
	record *domain.NotificationRecord,
	event domain.LogEventType,
	component string,
	providerKey *string,
	latency time.Duration,
	detail string,
) {
	appendDeliveryLog(ctx, s.logs, s.logger, &domain.DeliveryLogEntry{
		ID:          uuid.NewString(),
		MessageID:   record.ID,
		EventType:   event,
		Component:   component,
		ProviderKey: providerKey,
		Latency:     latency,
		Detail:      detail,
		CreatedAt:   s.now(),
	}, record.Status)
}

// appendDeliveryLog stores entry on a detached context. Failures are only logged.
func appendDeliveryLog(ctx context.Context, logs repository.DeliveryLogRepository, logger *zap.Logger, entry *domain.DeliveryLogEntry, status domain.Status) {
	if isTransitionEvent(entry.EventType) {
		entry.Status = &status
	}
	if err := logs.Append(context.WithoutCancel(ctx), entry); err != nil {
		logger.Error("failed to append delivery log",
			zap.String("messageId", entry.MessageID),
			zap.String("event", entry.EventType.String()),
			zap.Error(err),
		)
	}
}

func isTransitionEvent(event domain.LogEventType) bool {
	switch event {
	case domain.EventAccepted, domain.EventProcessing, domain.EventSent, domain.EventFailed, domain.EventRejected:
		return true
	}
	return false
}

func rejectionReason(record *domain.NotificationRecord) string {
	if record.Status == domain.StatusRejected && record.LastError != nil {
		return *record.LastError
	}
	return ""
}

func normalizeRequest(req *domain.NotificationRequest) {
	req.IdempotencyKey = normalizeOptionalString(req.IdempotencyKey)
	if req.Priority == "" {
		req.Priority = domain.PriorityMedium
	}
	for i := range req.Recipients {
		req.Recipients[i] = strings.TrimSpace(req.Recipients[i])
	}
	req.ProviderKey = strings.TrimSpace(req.ProviderKey)
	req.GroupKey = strings.TrimSpace(req.GroupKey)
	req.TemplateName = strings.TrimSpace(req.TemplateName)
}

func normalizeOptionalString(v *string) *string {
	if v == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*v)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
