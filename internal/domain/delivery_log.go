package domain

import (
	"fmt"
	"strings"
	"time"
)

// LogEventType names an event in the delivery audit trail.
type LogEventType string

const (
	EventAccepted        LogEventType = "accepted"
	EventRejected        LogEventType = "rejected"
	EventProcessing      LogEventType = "processing"
	EventAttemptFailed   LogEventType = "attempt_failed"
	EventRateLimited     LogEventType = "rate_limited"
	EventRetryScheduled  LogEventType = "retry_scheduled"
	EventFailoverStarted LogEventType = "failover"
	EventSent            LogEventType = "sent"
	EventFailed          LogEventType = "failed"
)

func (e LogEventType) String() string { return string(e) }

func (e LogEventType) IsValid() bool {
	switch e {
	case EventAccepted, EventRejected, EventProcessing, EventAttemptFailed, EventRateLimited,
		EventRetryScheduled, EventFailoverStarted, EventSent, EventFailed:
		return true
	}
	return false
}

func ParseLogEventTypeFromString(s string) (LogEventType, error) {
	e := LogEventType(strings.ToLower(strings.TrimSpace(s)))
	if !e.IsValid() {
		return "", fmt.Errorf("%w: invalid event type %q", ErrValidation, s)
	}
	return e, nil
}

// Components that write delivery log entries.
const (
	ComponentAPI          = "api"
	ComponentOrchestrator = "orchestrator"
)

// DeliveryLogEntry is an immutable audit record for a notification. Status is
// set only for entries that record a lifecycle transition.
type DeliveryLogEntry struct {
	ID          string
	MessageID   string
	Sequence    int
	EventType   LogEventType
	Status      *Status
	Component   string
	ProviderKey *string
	Latency     time.Duration
	Detail      string
	CreatedAt   time.Time
}

// IsTransition reports whether the entry records a lifecycle transition.
func (e DeliveryLogEntry) IsTransition() bool {
	return e.Status != nil
}
