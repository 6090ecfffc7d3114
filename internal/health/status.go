package health

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/notify-router/internal/domain"
	"github.com/kursadbilgin/notify-router/internal/repository"
)

// ProviderStatus is the operational view of one provider.
type ProviderStatus struct {
	Provider             domain.Provider
	State                domain.HealthState
	Healthy              bool
	Stale                bool
	LastCheckAt          *time.Time
	LastError            string
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastCheck            *domain.HealthCheckResult
}

// ListProviderStatus joins directory config, live health and the latest
// stored probe of every provider. Stale providers report STALE.
func (m *Monitor) ListProviderStatus(ctx context.Context) ([]ProviderStatus, error) {
	latest, err := m.checks.LatestPerProvider(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load latest health checks: %w", err)
	}

	now := m.now()
	providers := m.registry.Snapshot().Providers()
	out := make([]ProviderStatus, 0, len(providers))
	for _, p := range providers {
		h := m.registry.Health(p.Key)
		c := m.counter(p.Key)
		c.mu.Lock()
		failures, successes := c.failures, c.successes
		c.mu.Unlock()

		status := ProviderStatus{
			Provider:             p,
			State:                h.State,
			Healthy:              h.Healthy(),
			LastCheckAt:          h.LastCheckAt,
			LastError:            h.LastError,
			ConsecutiveFailures:  failures,
			ConsecutiveSuccesses: successes,
		}
		if p.Health.Enabled && p.Health.IsStale(h.LastCheckAt, now) {
			status.Stale = true
			status.State = domain.HealthStateStale
		}
		if check, ok := latest[p.Key]; ok {
			check := check
			status.LastCheck = &check
		}
		out = append(out, status)
	}
	return out, nil
}

func (m *Monitor) AcknowledgeIncident(ctx context.Context, id string) (*domain.Incident, error) {
	return m.advanceIncident(ctx, id, domain.IncidentStatusInvestigating, "")
}

func (m *Monitor) ResolveIncident(ctx context.Context, id string, notes string) (*domain.Incident, error) {
	return m.advanceIncident(ctx, id, domain.IncidentStatusResolved, notes)
}

func (m *Monitor) CloseIncident(ctx context.Context, id string) (*domain.Incident, error) {
	return m.advanceIncident(ctx, id, domain.IncidentStatusClosed, "")
}

func (m *Monitor) ListIncidents(ctx context.Context, filter repository.IncidentFilter) ([]domain.Incident, int64, error) {
	return m.incidents.List(ctx, filter)
}

func (m *Monitor) advanceIncident(ctx context.Context, id string, next domain.IncidentStatus, notes string) (*domain.Incident, error) {
	incident, err := m.incidents.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := incident.Advance(next, notes, m.now()); err != nil {
		return nil, err
	}
	if err := m.incidents.Update(ctx, incident); err != nil {
		return nil, fmt.Errorf("failed to update incident: %w", err)
	}
	return incident, nil
}
