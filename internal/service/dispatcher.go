package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/notify-router/internal/domain"
	"github.com/kursadbilgin/notify-router/internal/governor"
	"github.com/kursadbilgin/notify-router/internal/observability"
	"github.com/kursadbilgin/notify-router/internal/provider"
	"github.com/kursadbilgin/notify-router/internal/queue"
	"github.com/kursadbilgin/notify-router/internal/routing"
	"go.uber.org/zap"
)

// Failure reasons reported in metrics.
const (
	reasonRetryExhausted = "retry_exhausted"
	reasonPermanent      = "permanent_error"
	reasonRateLimited    = "rate_limited"
	reasonTimeout        = "timeout"
	reasonNoProvider     = "no_eligible_provider"
)

const terminalWriteAttempts = 4

type deliveryOutcome struct {
	response    *provider.ProviderResponse
	providerKey string
	latency     time.Duration
	lastErr     error
	reason      string
}

// Dispatch claims a PENDING record and delivers it. It returns an error when
// the record could not be loaded or claimed, so the message is redelivered,
// or when the outcome could not be stored. A record left in PROCESSING that
// way is failed later by the RecoveryScanner.
func (s *DeliveryService) Dispatch(ctx context.Context, msg queue.DispatchMessage) error {
	ctx = observability.WithMessageID(ctx, msg.MessageID)
	if msg.CorrelationID != "" {
		ctx = observability.WithCorrelationID(ctx, msg.CorrelationID)
	}
	logger := observability.WithContextLogger(s.logger, ctx)

	record, err := s.notifications.GetByID(ctx, msg.MessageID)
	if errors.Is(err, domain.ErrNotFound) {
		logger.Warn("notification not found, dropping dispatch message")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load notification: %w", err)
	}
	if record.Status != domain.StatusPending {
		logger.Debug("notification already claimed, skipping", zap.String("status", record.Status.String()))
		return nil
	}

	if err := record.Transition(domain.StatusProcessing, s.now()); err != nil {
		return err
	}
	if err := s.notifications.UpdateIfStatus(ctx, record, domain.StatusPending); err != nil {
		if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) {
			logger.Debug("lost claim race, skipping")
			return nil
		}
		return fmt.Errorf("failed to claim notification: %w", err)
	}
	s.appendLog(ctx, record, domain.EventProcessing, domain.ComponentOrchestrator, nil, 0, "")

	channel := strings.ToLower(record.Channel.String())
	s.metrics.IncWorkerInFlight(channel)
	defer s.metrics.DecWorkerInFlight(channel)

	dispatchCtx, cancel := context.WithTimeout(ctx, s.cfg.DispatchTimeout)
	defer cancel()

	chain, err := s.resolver.Resolve(routing.RequestFromRecord(record))
	if err != nil {
		return s.finish(ctx, record, deliveryOutcome{lastErr: err, reason: reasonNoProvider}, logger)
	}

	outcome := s.deliver(dispatchCtx, record, chain, logger)
	return s.finish(ctx, record, outcome, logger)
}

// deliver walks the chain. Every send after the first counts against the
// record's retry budget, whether it retries the same provider or fails over.
func (s *DeliveryService) deliver(ctx context.Context, record *domain.NotificationRecord, chain routing.Chain, logger *zap.Logger) deliveryOutcome {
	budget := record.MaxRetries
	sends := 0
	outcome := deliveryOutcome{reason: reasonRateLimited}

	for idx, cand := range chain.Candidates {
		key := cand.Provider.Key
		if sends > 0 && !governor.HasBudget(record.RetryCount, budget) {
			outcome.reason = reasonRetryExhausted
			break
		}
		if idx > 0 && sends > 0 {
			from := chain.Candidates[idx-1].Provider.Key
			s.metrics.IncFailover(from)
			s.appendLog(ctx, record, domain.EventFailoverStarted, domain.ComponentOrchestrator, &key, 0,
				fmt.Sprintf("failing over from %s", from))
		}

		candidateRetries := 0
		for {
			// Load is reserved before admission so a candidate skipped at
			// capacity keeps its rate-limit quota.
			release, ok := s.registry.AcquireLoad(chain.GroupKey, key, cand.CapacityLimit)
			if !ok {
				detail := fmt.Sprintf("provider %s is at capacity %d", key, cand.CapacityLimit)
				s.appendLog(ctx, record, domain.EventRateLimited, domain.ComponentOrchestrator, &key, 0, detail)
				if outcome.lastErr == nil {
					outcome.lastErr = fmt.Errorf("%s: %w", detail, domain.ErrRateLimited)
				}
				break
			}
			if err := s.governor.Admit(ctx, cand.Provider); err != nil {
				release()
				s.appendLog(ctx, record, domain.EventRateLimited, domain.ComponentOrchestrator, &key, 0, err.Error())
				if outcome.lastErr == nil {
					outcome.lastErr = err
				}
				break
			}

			if sends > 0 {
				record.RetryCount++
				s.metrics.IncRetry(key)
			}
			sends++

			resp, latency, err := s.attempt(ctx, record, cand)
			release()

			outcome.providerKey = key
			outcome.latency = latency
			if err == nil {
				s.metrics.ObserveAttempt(key, "success", latency)
				s.health.ReportDelivery(ctx, key, true, "")
				outcome.response = resp
				outcome.lastErr = nil
				outcome.reason = ""
				return outcome
			}

			outcome.lastErr = err
			transient := provider.IsTransient(err)
			s.metrics.ObserveAttempt(key, attemptOutcome(err), latency)
			s.appendLog(ctx, record, domain.EventAttemptFailed, domain.ComponentOrchestrator, &key, latency, err.Error())
			if transient {
				s.health.ReportDelivery(ctx, key, false, err.Error())
			}
			logger.Warn("delivery attempt failed",
				zap.String("providerKey", key),
				zap.Int("retryCount", record.RetryCount),
				zap.Bool("transient", transient),
				zap.Error(err),
			)

			if ctx.Err() != nil {
				outcome.reason = reasonTimeout
				return outcome
			}
			if !transient {
				outcome.reason = reasonPermanent
				break
			}
			outcome.reason = reasonRetryExhausted
			if !governor.ShouldRetry(candidateRetries, record.RetryCount, cand.MaxRetries, budget) {
				break
			}

			delay := s.governor.Backoff(candidateRetries)
			candidateRetries++
			s.appendLog(ctx, record, domain.EventRetryScheduled, domain.ComponentOrchestrator, &key, 0,
				fmt.Sprintf("retry %d in %s", candidateRetries, delay.Round(time.Millisecond)))
			if err := s.governor.Wait(ctx, delay); err != nil {
				outcome.reason = reasonTimeout
				return outcome
			}
		}
	}

	if outcome.lastErr == nil {
		outcome.lastErr = domain.ErrNoEligibleProvider
	}
	return outcome
}

func (s *DeliveryService) attempt(ctx context.Context, record *domain.NotificationRecord, cand routing.Candidate) (*provider.ProviderResponse, time.Duration, error) {
	adapter, err := s.adapters.Get(cand.Provider)
	if err != nil {
		return nil, 0, &provider.ProviderError{Message: "adapter unavailable", Transient: false, Cause: err}
	}

	attemptCtx := ctx
	if timeout := cand.Provider.Limits.Timeout; timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := adapter.Send(attemptCtx, record)
	latency := time.Since(start)
	if err != nil && provider.IsTimeout(err) {
		err = fmt.Errorf("%w after %s: %v", domain.ErrProviderTimeout, latency.Round(time.Millisecond), err)
	}
	return resp, latency, err
}

// finish writes the terminal state. It runs on a context detached from
// cancellation so a timed-out dispatch still leaves SENT or FAILED behind.
func (s *DeliveryService) finish(ctx context.Context, record *domain.NotificationRecord, outcome deliveryOutcome, logger *zap.Logger) error {
	ctx = context.WithoutCancel(ctx)
	channel := strings.ToLower(record.Channel.String())

	var providerKey *string
	if outcome.providerKey != "" {
		key := outcome.providerKey
		providerKey = &key
		record.ProviderKey = providerKey
	}

	next := domain.StatusFailed
	detail := ""
	if outcome.lastErr == nil {
		next = domain.StatusSent
		if outcome.response != nil && strings.TrimSpace(outcome.response.MessageID) != "" {
			id := outcome.response.MessageID
			record.ProviderMessageID = &id
		}
		record.LastError = nil
	} else {
		detail = outcome.lastErr.Error()
		record.LastError = &detail
	}

	if err := record.Transition(next, s.now()); err != nil {
		return err
	}
	if err := s.storeOutcome(ctx, record, logger); err != nil {
		if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) {
			logger.Warn("notification was finalized elsewhere, dropping outcome",
				zap.String("status", next.String()),
				zap.Error(err),
			)
			return nil
		}
		logger.Error("failed to write terminal status", zap.String("status", next.String()), zap.Error(err))
		return fmt.Errorf("failed to write terminal status: %w", err)
	}

	if next == domain.StatusSent {
		s.appendLog(ctx, record, domain.EventSent, domain.ComponentOrchestrator, providerKey, outcome.latency, "")
		s.metrics.IncNotificationSent(channel, outcome.providerKey)
		logger.Info("notification sent",
			zap.String("providerKey", outcome.providerKey),
			zap.Int("retryCount", record.RetryCount),
		)
		return nil
	}

	s.appendLog(ctx, record, domain.EventFailed, domain.ComponentOrchestrator, providerKey, 0, detail)
	s.metrics.IncNotificationFailed(channel, outcome.reason)
	logger.Warn("notification failed",
		zap.String("reason", outcome.reason),
		zap.Int("retryCount", record.RetryCount),
		zap.String("lastError", detail),
	)
	return nil
}

// storeOutcome writes the terminal record, retrying transient store errors
// with the governor's backoff. A conflict means the record already left
// PROCESSING and is not retried.
func (s *DeliveryService) storeOutcome(ctx context.Context, record *domain.NotificationRecord, logger *zap.Logger) error {
	var err error
	for attempt := 0; attempt < terminalWriteAttempts; attempt++ {
		if attempt > 0 {
			delay := s.governor.Backoff(attempt - 1)
			logger.Warn("retrying terminal status write",
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
			if waitErr := s.governor.Wait(ctx, delay); waitErr != nil {
				return err
			}
		}

		err = s.notifications.UpdateIfStatus(ctx, record, domain.StatusProcessing)
		if err == nil || errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) {
			return err
		}
	}
	return err
}

func attemptOutcome(err error) string {
	switch {
	case provider.IsTimeout(err):
		return "timeout"
	case provider.IsTransient(err):
		return "transient"
	default:
		return "permanent"
	}
}
