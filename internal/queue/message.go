package queue

import (
	"fmt"
	"strings"

	"github.com/kursadbilgin/notify-router/internal/domain"
)

// DispatchMessage is the broker payload that hands an accepted notification
// to the orchestrator. The record itself stays in Postgres.
type DispatchMessage struct {
	MessageID     string          `json:"messageId"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Channel       domain.Channel  `json:"channel"`
	Priority      domain.Priority `json:"priority"`
}

func NewDispatchMessage(n *domain.NotificationRecord, correlationID string) DispatchMessage {
	return DispatchMessage{
		MessageID:     n.ID,
		CorrelationID: correlationID,
		Channel:       n.Channel,
		Priority:      n.Priority,
	}
}

func (m DispatchMessage) Validate() error {
	if strings.TrimSpace(m.MessageID) == "" {
		return fmt.Errorf("messageId is required")
	}
	if !m.Channel.IsValid() {
		return fmt.Errorf("invalid channel %q", m.Channel)
	}
	if !m.Priority.IsValid() {
		return fmt.Errorf("invalid priority %q", m.Priority)
	}
	return nil
}
