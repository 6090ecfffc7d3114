package domain

import (
	"errors"
	"testing"
	"time"
)

func TestHealthStateTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from HealthState
		to   HealthState
		want bool
	}{
		{from: HealthStateUnknown, to: HealthStateHealthy, want: true},
		{from: HealthStateUnknown, to: HealthStateUnhealthy, want: true},
		{from: HealthStateHealthy, to: HealthStateUnhealthy, want: true},
		{from: HealthStateUnhealthy, to: HealthStateHealthy, want: true},
		{from: HealthStateHealthy, to: HealthStateUnknown, want: false},
		{from: HealthStateHealthy, to: HealthStateStale, want: false},
		{from: HealthStateStale, to: HealthStateHealthy, want: false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Errorf("%s.CanTransitionTo(%s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestHealthConfigIsStale(t *testing.T) {
	t.Parallel()

	cfg := DefaultHealthConfig()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if cfg.IsStale(nil, now) {
		t.Fatal("IsStale(nil) = true, want false")
	}

	recent := now.Add(-2 * cfg.CheckInterval)
	if cfg.IsStale(&recent, now) {
		t.Fatal("IsStale(exactly 2x interval) = true, want false")
	}

	old := now.Add(-2*cfg.CheckInterval - time.Second)
	if !cfg.IsStale(&old, now) {
		t.Fatal("IsStale(older than 2x interval) = false, want true")
	}
}

func TestHealthConfigValidate(t *testing.T) {
	t.Parallel()

	cfg := DefaultHealthConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() unexpected error = %v", err)
	}

	cfg.FailureThreshold = 0
	if err := cfg.Validate(); !errors.Is(err, ErrValidation) {
		t.Fatalf("Validate() error = %v, want ErrValidation", err)
	}
}

func TestParseCheckTypeFromString(t *testing.T) {
	t.Parallel()

	got, err := ParseCheckTypeFromString("")
	if err != nil || got != CheckTypeManual {
		t.Fatalf("ParseCheckTypeFromString(\"\") = %s, %v, want manual", got, err)
	}

	got, err = ParseCheckTypeFromString(" On_Demand ")
	if err != nil || got != CheckTypeOnDemand {
		t.Fatalf("ParseCheckTypeFromString() = %s, %v, want on_demand", got, err)
	}

	if _, err := ParseCheckTypeFromString("nightly"); !errors.Is(err, ErrValidation) {
		t.Fatalf("ParseCheckTypeFromString() error = %v, want ErrValidation", err)
	}
}

func TestIncidentAdvance(t *testing.T) {
	t.Parallel()

	detected := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	incident := OpenIncident("i1", "sendgrid", "3 consecutive failures", SeverityHigh, detected)

	if incident.Status != IncidentStatusOpen {
		t.Fatalf("Status = %s, want open", incident.Status)
	}

	if err := incident.Advance(IncidentStatusClosed, "", detected); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Advance(closed) from open error = %v, want ErrInvalidTransition", err)
	}

	ack := detected.Add(time.Minute)
	if err := incident.Advance(IncidentStatusInvestigating, "", ack); err != nil {
		t.Fatalf("Advance(investigating) error = %v", err)
	}
	if incident.AcknowledgedAt == nil || !incident.AcknowledgedAt.Equal(ack) {
		t.Fatalf("AcknowledgedAt = %v, want %v", incident.AcknowledgedAt, ack)
	}

	resolved := ack.Add(time.Minute)
	if err := incident.Advance(IncidentStatusResolved, "provider recovered", resolved); err != nil {
		t.Fatalf("Advance(resolved) error = %v", err)
	}
	if incident.ResolutionNotes != "provider recovered" {
		t.Fatalf("ResolutionNotes = %q, want %q", incident.ResolutionNotes, "provider recovered")
	}
	if incident.Status.IsActive() {
		t.Fatal("resolved incident should not be active")
	}

	if err := incident.Advance(IncidentStatusClosed, "", resolved.Add(time.Hour)); err != nil {
		t.Fatalf("Advance(closed) error = %v", err)
	}
	if err := incident.Advance(IncidentStatusOpen, "", resolved); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Advance(open) from closed error = %v, want ErrInvalidTransition", err)
	}
}
