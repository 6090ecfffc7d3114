package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/notify-router/internal/domain"
	"github.com/kursadbilgin/notify-router/internal/observability"
	"github.com/kursadbilgin/notify-router/internal/provider"
	"github.com/kursadbilgin/notify-router/internal/registry"
	"github.com/kursadbilgin/notify-router/internal/repository"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// AdapterSource hands out the adapter for a provider. *provider.Pool satisfies it.
type AdapterSource interface {
	Get(p domain.Provider) (provider.Adapter, error)
}

type Option func(*Monitor)

func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Monitor) {
		m.metrics = metrics
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

type counters struct {
	mu        sync.Mutex
	failures  int
	successes int
}

type scheduleEntry struct {
	id       cron.EntryID
	interval time.Duration
}

// Monitor drives the provider health state machine from scheduled probes,
// manual probes and delivery outcomes.
type Monitor struct {
	registry  *registry.Registry
	adapters  AdapterSource
	checks    repository.HealthCheckRepository
	incidents repository.IncidentRepository
	states    repository.ProviderStateRepository
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time

	counters sync.Map // provider key -> *counters
	inflight sync.Map // provider key -> *atomic.Bool

	cronMu   sync.Mutex
	cron     *cron.Cron
	schedule map[string]scheduleEntry
	runCtx   context.Context
	startup  sync.WaitGroup
}

func NewMonitor(
	reg *registry.Registry,
	adapters AdapterSource,
	checks repository.HealthCheckRepository,
	incidents repository.IncidentRepository,
	states repository.ProviderStateRepository,
	logger *zap.Logger,
	opts ...Option,
) (*Monitor, error) {
	if reg == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if adapters == nil {
		return nil, fmt.Errorf("adapter source is required")
	}
	if checks == nil || incidents == nil || states == nil {
		return nil, fmt.Errorf("health repositories are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Monitor{
		registry:  reg,
		adapters:  adapters,
		checks:    checks,
		incidents: incidents,
		states:    states,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		schedule:  make(map[string]scheduleEntry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// RunHealthCheck probes a provider immediately. It fails with
// domain.ErrProbeInFlight when a probe for the same provider is running.
func (m *Monitor) RunHealthCheck(ctx context.Context, providerKey string, checkType domain.CheckType) (*domain.HealthCheckResult, error) {
	p, err := m.registry.GetProvider(providerKey)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("provider %s: %w", providerKey, domain.ErrUnknownProvider)
	}
	if err != nil {
		return nil, err
	}
	if checkType == "" {
		checkType = domain.CheckTypeManual
	}

	guard := m.guard(p.Key)
	if !guard.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: %s", domain.ErrProbeInFlight, p.Key)
	}
	defer guard.Store(false)

	return m.probe(ctx, p, checkType), nil
}

// ReportDelivery feeds a delivery outcome into the same counters as probes.
// Providers without health monitoring ignore it: nothing would ever probe
// them back to HEALTHY once delivery failures marked them UNHEALTHY.
func (m *Monitor) ReportDelivery(ctx context.Context, providerKey string, success bool, detail string) {
	p, err := m.registry.GetProvider(providerKey)
	if err != nil || !p.Health.Enabled {
		return
	}
	m.record(ctx, p, success, detail, nil)
}

func (m *Monitor) guard(providerKey string) *atomic.Bool {
	if v, ok := m.inflight.Load(providerKey); ok {
		return v.(*atomic.Bool)
	}
	v, _ := m.inflight.LoadOrStore(providerKey, new(atomic.Bool))
	return v.(*atomic.Bool)
}

func (m *Monitor) counter(providerKey string) *counters {
	if v, ok := m.counters.Load(providerKey); ok {
		return v.(*counters)
	}
	v, _ := m.counters.LoadOrStore(providerKey, &counters{})
	return v.(*counters)
}

func (m *Monitor) probe(ctx context.Context, p domain.Provider, checkType domain.CheckType) *domain.HealthCheckResult {
	cfg := p.Health
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = domain.DefaultCheckTimeout
	}

	result := &domain.HealthCheckResult{
		ID:          uuid.NewString(),
		ProviderKey: p.Key,
		CheckType:   checkType,
		CheckedAt:   m.now(),
	}

	adapter, err := m.adapters.Get(p)
	if err != nil {
		result.Error = err.Error()
	} else {
		probeCtx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		res, probeErr := adapter.Probe(probeCtx)
		cancel()

		result.Latency = time.Since(start)
		if res != nil {
			result.StatusCode = res.StatusCode
			if res.Latency > 0 {
				result.Latency = res.Latency
			}
		}

		switch {
		case probeErr != nil && provider.IsTimeout(probeErr):
			result.Error = fmt.Sprintf("probe timed out after %s", timeout)
		case probeErr != nil:
			result.Error = probeErr.Error()
		case cfg.MaxLatency > 0 && result.Latency > cfg.MaxLatency:
			result.Error = fmt.Sprintf("latency %s exceeds %s", result.Latency.Round(time.Millisecond), cfg.MaxLatency)
		default:
			result.Healthy = true
		}
	}

	m.metrics.IncHealthCheck(p.Key, result.Healthy, checkType.String())

	storeCtx := context.WithoutCancel(ctx)
	if err := m.checks.Append(storeCtx, result); err != nil {
		m.logger.Error("failed to store health check",
			zap.String("providerKey", p.Key),
			zap.Error(err),
		)
	}

	checkedAt := result.CheckedAt
	m.record(storeCtx, p, result.Healthy, result.Error, &checkedAt)
	return result
}

// record advances the health state machine of p. checkedAt is nil for
// delivery outcomes, which do not refresh the staleness clock. The provider's
// counter lock is held until the state and incident writes are done, so they
// reach storage in transition order.
func (m *Monitor) record(ctx context.Context, p domain.Provider, success bool, detail string, checkedAt *time.Time) {
	failureThreshold := max(p.Health.FailureThreshold, 1)
	successThreshold := max(p.Health.SuccessThreshold, 1)

	c := m.counter(p.Key)
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := m.registry.Health(p.Key)
	next := prev
	if checkedAt != nil {
		next.LastCheckAt = checkedAt
	}

	if success {
		c.failures = 0
		c.successes++
		next.LastError = ""
		switch prev.State {
		case domain.HealthStateUnknown, "":
			next.State = domain.HealthStateHealthy
		case domain.HealthStateUnhealthy:
			if c.successes >= successThreshold {
				next.State = domain.HealthStateHealthy
			}
		}
	} else {
		c.successes = 0
		c.failures++
		next.LastError = detail
		if prev.State != domain.HealthStateUnhealthy && c.failures >= failureThreshold {
			next.State = domain.HealthStateUnhealthy
		}
	}
	m.registry.SetHealth(p.Key, next)

	state := &domain.ProviderState{
		ProviderKey:          p.Key,
		State:                next.State,
		ConsecutiveFailures:  c.failures,
		ConsecutiveSuccesses: c.successes,
		LastCheckAt:          next.LastCheckAt,
		LastError:            next.LastError,
		UpdatedAt:            m.now(),
	}

	m.metrics.SetProviderHealthy(p.Key, next.Healthy())
	if err := m.states.Upsert(ctx, state); err != nil {
		m.logger.Error("failed to persist provider health state",
			zap.String("providerKey", p.Key),
			zap.Error(err),
		)
	}

	if prev.State == next.State {
		return
	}

	m.logger.Info("provider health changed",
		zap.String("providerKey", p.Key),
		zap.String("from", prev.State.String()),
		zap.String("to", next.State.String()),
		zap.String("lastError", next.LastError),
	)

	switch {
	case next.State == domain.HealthStateUnhealthy && p.Health.AlertOnFailure:
		m.openIncident(ctx, p, detail)
	case prev.State == domain.HealthStateUnhealthy && next.State == domain.HealthStateHealthy:
		m.resolveActiveIncident(ctx, p)
	}
}

func (m *Monitor) openIncident(ctx context.Context, p domain.Provider, detail string) {
	if _, err := m.incidents.GetActiveByProvider(ctx, p.Key); err == nil {
		return
	} else if !errors.Is(err, domain.ErrNotFound) {
		m.logger.Error("failed to look up active incident", zap.String("providerKey", p.Key), zap.Error(err))
		return
	}

	incident := domain.OpenIncident(uuid.NewString(), p.Key, detail, domain.SeverityHigh, m.now())
	if err := m.incidents.Create(ctx, incident); err != nil {
		m.logger.Error("failed to open incident", zap.String("providerKey", p.Key), zap.Error(err))
		return
	}
	m.metrics.IncIncidentOpened(p.Key, incident.Severity.String())
	m.logger.Warn("provider incident opened",
		zap.String("providerKey", p.Key),
		zap.String("incidentId", incident.ID),
		zap.String("detail", detail),
	)
}

func (m *Monitor) resolveActiveIncident(ctx context.Context, p domain.Provider) {
	incident, err := m.incidents.GetActiveByProvider(ctx, p.Key)
	if errors.Is(err, domain.ErrNotFound) {
		return
	}
	if err != nil {
		m.logger.Error("failed to look up active incident", zap.String("providerKey", p.Key), zap.Error(err))
		return
	}

	if err := incident.Advance(domain.IncidentStatusResolved, "provider recovered", m.now()); err != nil {
		m.logger.Error("failed to resolve incident", zap.String("incidentId", incident.ID), zap.Error(err))
		return
	}
	if err := m.incidents.Update(ctx, incident); err != nil {
		m.logger.Error("failed to resolve incident", zap.String("incidentId", incident.ID), zap.Error(err))
		return
	}
	if p.Health.AlertOnRecovery {
		m.logger.Info("provider incident resolved",
			zap.String("providerKey", p.Key),
			zap.String("incidentId", incident.ID),
		)
	}
}

// Restore loads persisted health so a restart does not forget unhealthy providers.
func (m *Monitor) Restore(ctx context.Context) error {
	states, err := m.states.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load provider health states: %w", err)
	}

	snap := m.registry.Snapshot()
	for _, st := range states {
		p, err := snap.GetProvider(st.ProviderKey)
		if err != nil || !p.Health.Enabled {
			continue
		}
		c := m.counter(st.ProviderKey)
		c.mu.Lock()
		c.failures = st.ConsecutiveFailures
		c.successes = st.ConsecutiveSuccesses
		m.registry.SetHealth(st.ProviderKey, domain.ProviderHealth{
			State:       st.State,
			LastCheckAt: st.LastCheckAt,
			LastError:   st.LastError,
		})
		c.mu.Unlock()
		m.metrics.SetProviderHealthy(st.ProviderKey, st.State != domain.HealthStateUnhealthy)
	}
	return nil
}

// forgetUnmonitored returns providers whose monitoring is off to UNKNOWN.
// No probe is scheduled for them, so a kept UNHEALTHY state would never clear.
func (m *Monitor) forgetUnmonitored(snap *registry.Snapshot) {
	for _, p := range snap.Providers() {
		if p.Health.Enabled {
			continue
		}
		c := m.counter(p.Key)
		c.mu.Lock()
		if m.registry.Health(p.Key).State == domain.HealthStateUnhealthy {
			m.registry.SetHealth(p.Key, domain.ProviderHealth{State: domain.HealthStateUnknown})
			m.metrics.SetProviderHealthy(p.Key, true)
			m.logger.Info("provider health monitoring disabled, clearing UNHEALTHY state",
				zap.String("providerKey", p.Key),
			)
		}
		c.failures = 0
		c.successes = 0
		c.mu.Unlock()
	}
}
