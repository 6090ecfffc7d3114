package domain

import (
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle state of a notification.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusSent       Status = "SENT"
	StatusFailed     Status = "FAILED"
	StatusRejected   Status = "REJECTED"
)

func (s Status) String() string { return string(s) }

func (s Status) IsValid() bool {
	_, ok := statusTransitions[s]
	return ok
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s.IsValid() && len(statusTransitions[s]) == 0
}

var statusTransitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusRejected},
	StatusProcessing: {StatusSent, StatusFailed},
	StatusSent:       {},
	StatusFailed:     {},
	StatusRejected:   {},
}

// CanTransitionTo reports whether moving from s to next is legal.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func ParseStatusFromString(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid status %q", ErrValidation, s)
	}
	return st, nil
}

// Channel represents the delivery channel.
type Channel string

const (
	ChannelEmail Channel = "EMAIL"
	ChannelSMS   Channel = "SMS"
	ChannelChat  Channel = "CHAT"
)

func (c Channel) String() string { return string(c) }

func (c Channel) IsValid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelChat:
		return true
	}
	return false
}

func ParseChannelFromString(s string) (Channel, error) {
	ch := Channel(strings.ToUpper(strings.TrimSpace(s)))
	if !ch.IsValid() {
		return "", fmt.Errorf("%w: invalid channel %q", ErrValidation, s)
	}
	return ch, nil
}

// Priority represents the message priority level.
type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityMedium Priority = "MEDIUM"
	PriorityLow    Priority = "LOW"
)

func (p Priority) String() string { return string(p) }

func (p Priority) IsValid() bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

func ParsePriorityFromString(s string) (Priority, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return PriorityMedium, nil
	}
	pr := Priority(strings.ToUpper(trimmed))
	if !pr.IsValid() {
		return "", fmt.Errorf("%w: invalid priority %q", ErrValidation, s)
	}
	return pr, nil
}

const MaxRecipients = 100

// Content is the already-rendered message body. The engine never inspects it
// beyond handing it to a provider adapter.
type Content struct {
	Subject string
	Text    string
	HTML    string
	Ref     string
}

func (c Content) IsEmpty() bool {
	return strings.TrimSpace(c.Text) == "" && strings.TrimSpace(c.HTML) == "" && strings.TrimSpace(c.Ref) == ""
}

// NotificationRequest is an inbound submission.
type NotificationRequest struct {
	IdempotencyKey *string
	Channel        Channel
	Priority       Priority
	Recipients     []string
	ProviderKey    string
	GroupKey       string
	TemplateName   string
	Environment    Environment
	Content        Content
	MaxRetries     *int
}

func (r *NotificationRequest) Validate() error {
	if !r.Channel.IsValid() {
		return fmt.Errorf("%w: invalid channel %q", ErrValidation, r.Channel)
	}
	if !r.Priority.IsValid() {
		return fmt.Errorf("%w: invalid priority %q", ErrValidation, r.Priority)
	}
	if len(r.Recipients) == 0 {
		return fmt.Errorf("%w: at least one recipient is required", ErrValidation)
	}
	if len(r.Recipients) > MaxRecipients {
		return fmt.Errorf("%w: recipients exceed %d (got %d)", ErrValidation, MaxRecipients, len(r.Recipients))
	}
	for _, recipient := range r.Recipients {
		if strings.TrimSpace(recipient) == "" {
			return fmt.Errorf("%w: recipient cannot be empty", ErrValidation)
		}
	}
	if r.Content.IsEmpty() {
		return fmt.Errorf("%w: content is required", ErrValidation)
	}
	if r.MaxRetries != nil && *r.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries cannot be negative", ErrValidation)
	}
	return nil
}

// Attributes returns the routing attributes of the request.
func (r *NotificationRequest) Attributes() RequestAttributes {
	return RequestAttributes{
		RecipientCount: len(r.Recipients),
		TemplateName:   r.TemplateName,
		Environment:    r.Environment,
	}
}

// NotificationRecord is the tracked state of one accepted request.
type NotificationRecord struct {
	ID                string
	IdempotencyKey    *string
	Channel           Channel
	Priority          Priority
	Recipients        []string
	ProviderHint      string
	GroupHint         string
	TemplateName      string
	Environment       Environment
	Content           Content
	Status            Status
	RetryCount        int
	MaxRetries        int
	ProviderKey       *string
	ProviderMessageID *string
	LastError         *string
	CreatedAt         time.Time
	SentAt            *time.Time
	UpdatedAt         time.Time
}

// Attributes returns the routing attributes of the record.
func (n *NotificationRecord) Attributes() RequestAttributes {
	return RequestAttributes{
		RecipientCount: len(n.Recipients),
		TemplateName:   n.TemplateName,
		Environment:    n.Environment,
	}
}

// Transition moves the record to next if the lifecycle allows it.
func (n *NotificationRecord) Transition(next Status, now time.Time) error {
	if !n.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: notification %s cannot move from %s to %s", ErrInvalidTransition, n.ID, n.Status, next)
	}
	n.Status = next
	n.UpdatedAt = now
	if next == StatusSent {
		n.SentAt = &now
	}
	return nil
}
