package domain

import (
	"fmt"
	"strings"
	"time"
)

// HealthState is the health monitor state of a provider.
type HealthState string

const (
	HealthStateUnknown   HealthState = "UNKNOWN"
	HealthStateHealthy   HealthState = "HEALTHY"
	HealthStateUnhealthy HealthState = "UNHEALTHY"
	// HealthStateStale is derived at read time and never stored.
	HealthStateStale HealthState = "STALE"
)

func (s HealthState) String() string { return string(s) }

var healthTransitions = map[HealthState][]HealthState{
	HealthStateUnknown:   {HealthStateHealthy, HealthStateUnhealthy},
	HealthStateHealthy:   {HealthStateUnhealthy},
	HealthStateUnhealthy: {HealthStateHealthy},
}

// CanTransitionTo reports whether moving from s to next is a legal health transition.
func (s HealthState) CanTransitionTo(next HealthState) bool {
	for _, allowed := range healthTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// CheckType describes what triggered a health probe.
type CheckType string

const (
	CheckTypeManual    CheckType = "manual"
	CheckTypeAutomatic CheckType = "automatic"
	CheckTypeStartup   CheckType = "startup"
	CheckTypeScheduled CheckType = "scheduled"
	CheckTypeOnDemand  CheckType = "on_demand"
)

func (t CheckType) String() string { return string(t) }

func (t CheckType) IsValid() bool {
	switch t {
	case CheckTypeManual, CheckTypeAutomatic, CheckTypeStartup, CheckTypeScheduled, CheckTypeOnDemand:
		return true
	}
	return false
}

func ParseCheckTypeFromString(s string) (CheckType, error) {
	ct := CheckType(strings.ToLower(strings.TrimSpace(s)))
	if ct == "" {
		return CheckTypeManual, nil
	}
	if !ct.IsValid() {
		return "", fmt.Errorf("%w: invalid check type %q", ErrValidation, s)
	}
	return ct, nil
}

// Health config defaults, matching the provider directory defaults.
const (
	DefaultCheckInterval    = 5 * time.Minute
	DefaultCheckTimeout     = 30 * time.Second
	DefaultFailureThreshold = 3
	DefaultSuccessThreshold = 2
	DefaultMaxLatency       = 5 * time.Second
)

// HealthConfig is the per-provider health check policy.
type HealthConfig struct {
	Enabled          bool
	CheckInterval    time.Duration
	Timeout          time.Duration
	FailureThreshold int
	SuccessThreshold int
	MaxLatency       time.Duration
	AlertOnFailure   bool
	AlertOnRecovery  bool
}

// DefaultHealthConfig returns the policy used when a provider does not define one.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		Enabled:          true,
		CheckInterval:    DefaultCheckInterval,
		Timeout:          DefaultCheckTimeout,
		FailureThreshold: DefaultFailureThreshold,
		SuccessThreshold: DefaultSuccessThreshold,
		MaxLatency:       DefaultMaxLatency,
		AlertOnFailure:   true,
		AlertOnRecovery:  true,
	}
}

func (c HealthConfig) Validate() error {
	if c.CheckInterval <= 0 {
		return fmt.Errorf("%w: check interval must be positive", ErrValidation)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("%w: check timeout must be positive", ErrValidation)
	}
	if c.FailureThreshold < 1 || c.SuccessThreshold < 1 {
		return fmt.Errorf("%w: health thresholds must be at least 1", ErrValidation)
	}
	return nil
}

// IsStale reports whether the last check is older than twice the check interval.
func (c HealthConfig) IsStale(lastCheck *time.Time, now time.Time) bool {
	if lastCheck == nil || c.CheckInterval <= 0 {
		return false
	}
	return now.Sub(*lastCheck) > 2*c.CheckInterval
}

// HealthCheckResult is the immutable record of a single probe.
type HealthCheckResult struct {
	ID          string
	ProviderKey string
	Healthy     bool
	Latency     time.Duration
	StatusCode  int
	Error       string
	CheckType   CheckType
	CheckedAt   time.Time
}

// ProviderState is the persisted health monitor state of a provider, used to
// restore live health after a restart.
type ProviderState struct {
	ProviderKey          string
	State                HealthState
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastCheckAt          *time.Time
	LastError            string
	UpdatedAt            time.Time
}
