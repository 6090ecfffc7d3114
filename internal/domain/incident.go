package domain

import (
	"fmt"
	"strings"
	"time"
)

// IncidentStatus is the lifecycle state of an incident.
type IncidentStatus string

const (
	IncidentStatusOpen          IncidentStatus = "open"
	IncidentStatusInvestigating IncidentStatus = "investigating"
	IncidentStatusResolved      IncidentStatus = "resolved"
	IncidentStatusClosed        IncidentStatus = "closed"
)

func (s IncidentStatus) String() string { return string(s) }

func (s IncidentStatus) IsValid() bool {
	_, ok := incidentTransitions[s]
	return ok
}

// IsActive reports whether the incident still tracks an ongoing problem.
func (s IncidentStatus) IsActive() bool {
	return s == IncidentStatusOpen || s == IncidentStatusInvestigating
}

var incidentTransitions = map[IncidentStatus][]IncidentStatus{
	IncidentStatusOpen:          {IncidentStatusInvestigating, IncidentStatusResolved},
	IncidentStatusInvestigating: {IncidentStatusResolved},
	IncidentStatusResolved:      {IncidentStatusClosed},
	IncidentStatusClosed:        {},
}

func ParseIncidentStatusFromString(s string) (IncidentStatus, error) {
	st := IncidentStatus(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid incident status %q", ErrValidation, s)
	}
	return st, nil
}

// IncidentSeverity ranks the impact of an incident.
type IncidentSeverity string

const (
	SeverityLow      IncidentSeverity = "low"
	SeverityMedium   IncidentSeverity = "medium"
	SeverityHigh     IncidentSeverity = "high"
	SeverityCritical IncidentSeverity = "critical"
)

func (s IncidentSeverity) String() string { return string(s) }

// Incident is a tracked period of provider unhealthiness.
type Incident struct {
	ID              string
	ProviderKey     string
	Title           string
	Description     string
	Status          IncidentStatus
	Severity        IncidentSeverity
	ResolutionNotes string
	DetectedAt      time.Time
	AcknowledgedAt  *time.Time
	ResolvedAt      *time.Time
	ClosedAt        *time.Time
}

// OpenIncident creates a new incident in the open state.
func OpenIncident(id, providerKey, description string, severity IncidentSeverity, now time.Time) *Incident {
	return &Incident{
		ID:          id,
		ProviderKey: providerKey,
		Title:       fmt.Sprintf("provider %s is unhealthy", providerKey),
		Description: description,
		Status:      IncidentStatusOpen,
		Severity:    severity,
		DetectedAt:  now,
	}
}

// Advance moves the incident to next, stamping the matching lifecycle timestamp.
func (i *Incident) Advance(next IncidentStatus, notes string, now time.Time) error {
	allowed := false
	for _, candidate := range incidentTransitions[i.Status] {
		if candidate == next {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: incident %s cannot move from %q to %q", ErrInvalidTransition, i.ID, i.Status, next)
	}

	i.Status = next
	switch next {
	case IncidentStatusInvestigating:
		i.AcknowledgedAt = &now
	case IncidentStatusResolved:
		i.ResolvedAt = &now
		if notes != "" {
			i.ResolutionNotes = notes
		}
	case IncidentStatusClosed:
		i.ClosedAt = &now
	}
	return nil
}
