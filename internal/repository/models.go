package repository

import (
	"time"

	"github.com/kursadbilgin/notify-router/internal/domain"
)

// NotificationModel is the persistence model for the notifications table.
type NotificationModel struct {
	ID                string             `gorm:"type:uuid;primaryKey"`
	IdempotencyKey    *string            `gorm:"type:varchar(255)"`
	Channel           domain.Channel     `gorm:"type:varchar(10);not null"`
	Priority          domain.Priority    `gorm:"type:varchar(10);not null"`
	Recipients        []string           `gorm:"type:jsonb;serializer:json;not null"`
	ProviderHint      string             `gorm:"type:varchar(100)"`
	GroupHint         string             `gorm:"type:varchar(100)"`
	TemplateName      string             `gorm:"type:varchar(255)"`
	Environment       domain.Environment `gorm:"type:varchar(20)"`
	Subject           string             `gorm:"type:text"`
	BodyText          string             `gorm:"type:text"`
	BodyHTML          string             `gorm:"type:text"`
	ContentRef        string             `gorm:"type:varchar(500)"`
	Status            domain.Status      `gorm:"type:varchar(20);not null"`
	RetryCount        int                `gorm:"not null;default:0"`
	MaxRetries        int                `gorm:"not null;default:0"`
	ProviderKey       *string            `gorm:"type:varchar(100)"`
	ProviderMessageID *string            `gorm:"type:varchar(255)"`
	LastError         *string            `gorm:"type:text"`
	CreatedAt         time.Time
	SentAt            *time.Time
	UpdatedAt         time.Time
}

func (NotificationModel) TableName() string {
	return "notifications"
}

// DeliveryLogModel is the persistence model for delivery_logs.
type DeliveryLogModel struct {
	ID          string              `gorm:"type:uuid;primaryKey"`
	MessageID   string              `gorm:"type:uuid;not null"`
	Sequence    int                 `gorm:"not null"`
	EventType   domain.LogEventType `gorm:"type:varchar(30);not null"`
	Status      *domain.Status      `gorm:"type:varchar(20)"`
	Component   string              `gorm:"type:varchar(30);not null"`
	ProviderKey *string             `gorm:"type:varchar(100)"`
	LatencyMs   int64               `gorm:"not null;default:0"`
	Detail      string              `gorm:"type:text"`
	CreatedAt   time.Time
}

func (DeliveryLogModel) TableName() string {
	return "delivery_logs"
}

// HealthCheckModel is the persistence model for provider_health_checks.
type HealthCheckModel struct {
	ID          string           `gorm:"type:uuid;primaryKey"`
	ProviderKey string           `gorm:"type:varchar(100);not null"`
	Healthy     bool             `gorm:"not null"`
	LatencyMs   int64            `gorm:"not null;default:0"`
	StatusCode  *int             `gorm:"type:int"`
	Error       *string          `gorm:"type:text"`
	CheckType   domain.CheckType `gorm:"type:varchar(20);not null"`
	CheckedAt   time.Time        `gorm:"not null"`
}

func (HealthCheckModel) TableName() string {
	return "provider_health_checks"
}

// IncidentModel is the persistence model for provider_health_incidents.
type IncidentModel struct {
	ID              string                  `gorm:"type:uuid;primaryKey"`
	ProviderKey     string                  `gorm:"type:varchar(100);not null"`
	Title           string                  `gorm:"type:varchar(255);not null"`
	Description     string                  `gorm:"type:text"`
	Status          domain.IncidentStatus   `gorm:"type:varchar(20);not null"`
	Severity        domain.IncidentSeverity `gorm:"type:varchar(20);not null"`
	ResolutionNotes string                  `gorm:"type:text"`
	DetectedAt      time.Time               `gorm:"not null"`
	AcknowledgedAt  *time.Time
	ResolvedAt      *time.Time
	ClosedAt        *time.Time
}

func (IncidentModel) TableName() string {
	return "provider_health_incidents"
}

// ProviderStateModel is the persistence model for provider_health_states.
type ProviderStateModel struct {
	ProviderKey          string             `gorm:"type:varchar(100);primaryKey"`
	State                domain.HealthState `gorm:"type:varchar(20);not null"`
	IsHealthy            bool               `gorm:"not null"`
	ConsecutiveFailures  int                `gorm:"not null;default:0"`
	ConsecutiveSuccesses int                `gorm:"not null;default:0"`
	LastCheckAt          *time.Time
	LastError            *string `gorm:"type:text"`
	UpdatedAt            time.Time
}

func (ProviderStateModel) TableName() string {
	return "provider_health_states"
}

func notificationModelFromDomain(n *domain.NotificationRecord) *NotificationModel {
	if n == nil {
		return nil
	}

	return &NotificationModel{
		ID:                n.ID,
		IdempotencyKey:    n.IdempotencyKey,
		Channel:           n.Channel,
		Priority:          n.Priority,
		Recipients:        n.Recipients,
		ProviderHint:      n.ProviderHint,
		GroupHint:         n.GroupHint,
		TemplateName:      n.TemplateName,
		Environment:       n.Environment,
		Subject:           n.Content.Subject,
		BodyText:          n.Content.Text,
		BodyHTML:          n.Content.HTML,
		ContentRef:        n.Content.Ref,
		Status:            n.Status,
		RetryCount:        n.RetryCount,
		MaxRetries:        n.MaxRetries,
		ProviderKey:       n.ProviderKey,
		ProviderMessageID: n.ProviderMessageID,
		LastError:         n.LastError,
		CreatedAt:         n.CreatedAt,
		SentAt:            n.SentAt,
		UpdatedAt:         n.UpdatedAt,
	}
}

func notificationModelToDomain(m *NotificationModel) *domain.NotificationRecord {
	if m == nil {
		return nil
	}

	return &domain.NotificationRecord{
		ID:             m.ID,
		IdempotencyKey: m.IdempotencyKey,
		Channel:        m.Channel,
		Priority:       m.Priority,
		Recipients:     m.Recipients,
		ProviderHint:   m.ProviderHint,
		GroupHint:      m.GroupHint,
		TemplateName:   m.TemplateName,
		Environment:    m.Environment,
		Content: domain.Content{
			Subject: m.Subject,
			Text:    m.BodyText,
			HTML:    m.BodyHTML,
			Ref:     m.ContentRef,
		},
		Status:            m.Status,
		RetryCount:        m.RetryCount,
		MaxRetries:        m.MaxRetries,
		ProviderKey:       m.ProviderKey,
		ProviderMessageID: m.ProviderMessageID,
		LastError:         m.LastError,
		CreatedAt:         m.CreatedAt,
		SentAt:            m.SentAt,
		UpdatedAt:         m.UpdatedAt,
	}
}

func deliveryLogModelFromDomain(e *domain.DeliveryLogEntry) *DeliveryLogModel {
	if e == nil {
		return nil
	}

	return &DeliveryLogModel{
		ID:          e.ID,
		MessageID:   e.MessageID,
		Sequence:    e.Sequence,
		EventType:   e.EventType,
		Status:      e.Status,
		Component:   e.Component,
		ProviderKey: e.ProviderKey,
		LatencyMs:   e.Latency.Milliseconds(),
		Detail:      e.Detail,
		CreatedAt:   e.CreatedAt,
	}
}

func deliveryLogModelToDomain(m *DeliveryLogModel) *domain.DeliveryLogEntry {
	if m == nil {
		return nil
	}

	return &domain.DeliveryLogEntry{
		ID:          m.ID,
		MessageID:   m.MessageID,
		Sequence:    m.Sequence,
		EventType:   m.EventType,
		Status:      m.Status,
		Component:   m.Component,
		ProviderKey: m.ProviderKey,
		Latency:     time.Duration(m.LatencyMs) * time.Millisecond,
		Detail:      m.Detail,
		CreatedAt:   m.CreatedAt,
	}
}

func healthCheckModelFromDomain(r *domain.HealthCheckResult) *HealthCheckModel {
	if r == nil {
		return nil
	}

	m := &HealthCheckModel{
		ID:          r.ID,
		ProviderKey: r.ProviderKey,
		Healthy:     r.Healthy,
		LatencyMs:   r.Latency.Milliseconds(),
		CheckType:   r.CheckType,
		CheckedAt:   r.CheckedAt,
	}
	if r.StatusCode > 0 {
		code := r.StatusCode
		m.StatusCode = &code
	}
	if r.Error != "" {
		msg := r.Error
		m.Error = &msg
	}
	return m
}

func healthCheckModelToDomain(m *HealthCheckModel) *domain.HealthCheckResult {
	if m == nil {
		return nil
	}

	r := &domain.HealthCheckResult{
		ID:          m.ID,
		ProviderKey: m.ProviderKey,
		Healthy:     m.Healthy,
		Latency:     time.Duration(m.LatencyMs) * time.Millisecond,
		CheckType:   m.CheckType,
		CheckedAt:   m.CheckedAt,
	}
	if m.StatusCode != nil {
		r.StatusCode = *m.StatusCode
	}
	if m.Error != nil {
		r.Error = *m.Error
	}
	return r
}

func incidentModelFromDomain(i *domain.Incident) *IncidentModel {
	if i == nil {
		return nil
	}

	return &IncidentModel{
		ID:              i.ID,
		ProviderKey:     i.ProviderKey,
		Title:           i.Title,
		Description:     i.Description,
		Status:          i.Status,
		Severity:        i.Severity,
		ResolutionNotes: i.ResolutionNotes,
		DetectedAt:      i.DetectedAt,
		AcknowledgedAt:  i.AcknowledgedAt,
		ResolvedAt:      i.ResolvedAt,
		ClosedAt:        i.ClosedAt,
	}
}

func incidentModelToDomain(m *IncidentModel) *domain.Incident {
	if m == nil {
		return nil
	}

	return &domain.Incident{
		ID:              m.ID,
		ProviderKey:     m.ProviderKey,
		Title:           m.Title,
		Description:     m.Description,
		Status:          m.Status,
		Severity:        m.Severity,
		ResolutionNotes: m.ResolutionNotes,
		DetectedAt:      m.DetectedAt,
		AcknowledgedAt:  m.AcknowledgedAt,
		ResolvedAt:      m.ResolvedAt,
		ClosedAt:        m.ClosedAt,
	}
}

func providerStateModelFromDomain(s *domain.ProviderState) *ProviderStateModel {
	if s == nil {
		return nil
	}

	m := &ProviderStateModel{
		ProviderKey:          s.ProviderKey,
		State:                s.State,
		IsHealthy:            s.State != domain.HealthStateUnhealthy,
		ConsecutiveFailures:  s.ConsecutiveFailures,
		ConsecutiveSuccesses: s.ConsecutiveSuccesses,
		LastCheckAt:          s.LastCheckAt,
		UpdatedAt:            s.UpdatedAt,
	}
	if s.LastError != "" {
		msg := s.LastError
		m.LastError = &msg
	}
	return m
}

func providerStateModelToDomain(m *ProviderStateModel) *domain.ProviderState {
	if m == nil {
		return nil
	}

	s := &domain.ProviderState{
		ProviderKey:          m.ProviderKey,
		State:                m.State,
		ConsecutiveFailures:  m.ConsecutiveFailures,
		ConsecutiveSuccesses: m.ConsecutiveSuccesses,
		LastCheckAt:          m.LastCheckAt,
		UpdatedAt:            m.UpdatedAt,
	}
	if m.LastError != nil {
		s.LastError = *m.LastError
	}
	return s
}
