package health

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kursadbilgin/notify-router/internal/domain"
	"github.com/kursadbilgin/notify-router/internal/provider"
	"github.com/kursadbilgin/notify-router/internal/registry"
	"github.com/kursadbilgin/notify-router/internal/repository"
)

type fakeAdapter struct {
	probeFn func(ctx context.Context) (*provider.ProbeResult, error)
}

func (a *fakeAdapter) Send(ctx context.Context, n *domain.NotificationRecord) (*provider.ProviderResponse, error) {
	return &provider.ProviderResponse{StatusCode: 200}, nil
}

func (a *fakeAdapter) Probe(ctx context.Context) (*provider.ProbeResult, error) {
	return a.probeFn(ctx)
}

type fakeSource struct {
	adapter provider.Adapter
	err     error
}

func (s *fakeSource) Get(p domain.Provider) (provider.Adapter, error) {
	return s.adapter, s.err
}

type memoryChecks struct {
	mu      sync.Mutex
	results []domain.HealthCheckResult
}

func (r *memoryChecks) Append(ctx context.Context, result *domain.HealthCheckResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, *result)
	return nil
}

func (r *memoryChecks) LatestPerProvider(ctx context.Context) (map[string]domain.HealthCheckResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]domain.HealthCheckResult)
	for _, res := range r.results {
		out[res.ProviderKey] = res
	}
	return out, nil
}

func (r *memoryChecks) ListByProvider(ctx context.Context, providerKey string, limit int) ([]domain.HealthCheckResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.HealthCheckResult
	for _, res := range r.results {
		if res.ProviderKey == providerKey {
			out = append(out, res)
		}
	}
	return out, nil
}

func (r *memoryChecks) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results)
}

type memoryIncidents struct {
	mu        sync.Mutex
	incidents map[string]domain.Incident
}

func newMemoryIncidents() *memoryIncidents {
	return &memoryIncidents{incidents: make(map[string]domain.Incident)}
}

func (r *memoryIncidents) Create(ctx context.Context, incident *domain.Incident) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.incidents[incident.ID] = *incident
	return nil
}

func (r *memoryIncidents) Update(ctx context.Context, incident *domain.Incident) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.incidents[incident.ID]; !ok {
		return domain.ErrNotFound
	}
	r.incidents[incident.ID] = *incident
	return nil
}

func (r *memoryIncidents) GetByID(ctx context.Context, id string) (*domain.Incident, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	incident, ok := r.incidents[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &incident, nil
}

func (r *memoryIncidents) GetActiveByProvider(ctx context.Context, providerKey string) (*domain.Incident, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, incident := range r.incidents {
		if incident.ProviderKey == providerKey && incident.Status.IsActive() {
			incident := incident
			return &incident, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *memoryIncidents) List(ctx context.Context, filter repository.IncidentFilter) ([]domain.Incident, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Incident
	for _, incident := range r.incidents {
		if filter.ProviderKey != nil && incident.ProviderKey != *filter.ProviderKey {
			continue
		}
		if filter.Status != nil && incident.Status != *filter.Status {
			continue
		}
		out = append(out, incident)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out, int64(len(out)), nil
}

type memoryStates struct {
	mu     sync.Mutex
	states map[string]domain.ProviderState

	upsertFn func(state *domain.ProviderState)
	upserts  int
}

func newMemoryStates() *memoryStates {
	return &memoryStates{states: make(map[string]domain.ProviderState)}
}

func (r *memoryStates) Upsert(ctx context.Context, state *domain.ProviderState) error {
	if r.upsertFn != nil {
		r.upsertFn(state)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upserts++
	r.states[state.ProviderKey] = *state
	return nil
}

func (r *memoryStates) List(ctx context.Context) ([]domain.ProviderState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.ProviderState, 0, len(r.states))
	for _, st := range r.states {
		out = append(out, st)
	}
	return out, nil
}

func (r *memoryStates) upsertCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.upserts
}

func (r *memoryStates) get(key string) domain.ProviderState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[key]
}

func testProvider(key string) domain.Provider {
	cfg := domain.DefaultHealthConfig()
	cfg.MaxLatency = time.Second
	return domain.Provider{
		Key:      key,
		Name:     key,
		Type:     domain.ProviderTypeHTTPAPI,
		Enabled:  true,
		Priority: 100,
		Weight:   10,
		Limits:   domain.ProviderLimits{MaxRetries: 3, Timeout: time.Second},
		Settings: domain.HTTPAPISettings{Endpoint: "https://" + key + ".example.com/send"},
		Health:   cfg,
	}
}

type harness struct {
	monitor   *Monitor
	registry  *registry.Registry
	adapter   *fakeAdapter
	checks    *memoryChecks
	incidents *memoryIncidents
	states    *memoryStates
	now       time.Time
}

func newHarness(t *testing.T, providers ...domain.Provider) *harness {
	t.Helper()

	if len(providers) == 0 {
		providers = []domain.Provider{testProvider("p1")}
	}
	snap, err := registry.NewSnapshot(providers, nil, nil, "")
	if err != nil {
		t.Fatalf("NewSnapshot() error = %v", err)
	}

	h := &harness{
		registry: registry.New(snap),
		adapter: &fakeAdapter{probeFn: func(ctx context.Context) (*provider.ProbeResult, error) {
			return &provider.ProbeResult{StatusCode: 200}, nil
		}},
		checks:    &memoryChecks{},
		incidents: newMemoryIncidents(),
		states:    newMemoryStates(),
		now:       time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	h.monitor, err = NewMonitor(h.registry, &fakeSource{adapter: h.adapter}, h.checks, h.incidents, h.states, nil,
		WithClock(func() time.Time { return h.now }))
	if err != nil {
		t.Fatalf("NewMonitor() error = %v", err)
	}
	return h
}

func (h *harness) failProbes() {
	h.adapter.probeFn = func(ctx context.Context) (*provider.ProbeResult, error) {
		return &provider.ProbeResult{StatusCode: 503}, &provider.ProviderError{StatusCode: 503, Message: "unavailable", Transient: true}
	}
}

func (h *harness) passProbes() {
	h.adapter.probeFn = func(ctx context.Context) (*provider.ProbeResult, error) {
		return &provider.ProbeResult{StatusCode: 200}, nil
	}
}

func (h *harness) check(t *testing.T, key string) *domain.HealthCheckResult {
	t.Helper()
	res, err := h.monitor.RunHealthCheck(context.Background(), key, domain.CheckTypeManual)
	if err != nil {
		t.Fatalf("RunHealthCheck() error = %v", err)
	}
	return res
}

func TestNewMonitorValidatesDependencies(t *testing.T) {
	t.Parallel()

	reg := registry.New(registry.Empty())
	if _, err := NewMonitor(nil, &fakeSource{}, &memoryChecks{}, newMemoryIncidents(), newMemoryStates(), nil); err == nil {
		t.Fatal("expected error for nil registry")
	}
	if _, err := NewMonitor(reg, nil, &memoryChecks{}, newMemoryIncidents(), newMemoryStates(), nil); err == nil {
		t.Fatal("expected error for nil adapter source")
	}
	if _, err := NewMonitor(reg, &fakeSource{}, nil, newMemoryIncidents(), newMemoryStates(), nil); err == nil {
		t.Fatal("expected error for nil repositories")
	}
}

func TestFirstSuccessMarksUnknownHealthy(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	res := h.check(t, "p1")
	if !res.Healthy {
		t.Fatalf("result healthy = false, error %q", res.Error)
	}
	if got := h.registry.Health("p1").State; got != domain.HealthStateHealthy {
		t.Fatalf("state = %s, want HEALTHY", got)
	}
	if h.checks.count() != 1 {
		t.Fatalf("stored checks = %d, want 1", h.checks.count())
	}
	if st := h.states.get("p1"); st.State != domain.HealthStateHealthy || st.ConsecutiveSuccesses != 1 {
		t.Fatalf("persisted state = %+v", st)
	}
}

func TestFailureThresholdAndStreakReset(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.check(t, "p1")

	h.failProbes()
	h.check(t, "p1")
	h.check(t, "p1")
	if got := h.registry.Health("p1").State; got != domain.HealthStateHealthy {
		t.Fatalf("state after 2 failures = %s, want HEALTHY", got)
	}

	h.passProbes()
	h.check(t, "p1")

	h.failProbes()
	h.check(t, "p1")
	h.check(t, "p1")
	if got := h.registry.Health("p1").State; got != domain.HealthStateHealthy {
		t.Fatalf("streak was not reset by success, state = %s", got)
	}

	h.check(t, "p1")
	health := h.registry.Health("p1")
	if health.State != domain.HealthStateUnhealthy {
		t.Fatalf("state after 3 consecutive failures = %s, want UNHEALTHY", health.State)
	}
	if !strings.Contains(health.LastError, "503") {
		t.Fatalf("last error = %q", health.LastError)
	}
}

func TestUnknownProviderBecomesUnhealthyAtThreshold(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.failProbes()
	for i := 0; i < domain.DefaultFailureThreshold; i++ {
		h.check(t, "p1")
	}
	if got := h.registry.Health("p1").State; got != domain.HealthStateUnhealthy {
		t.Fatalf("state = %s, want UNHEALTHY", got)
	}
}

func TestRecoveryNeedsSuccessThresholdAndResolvesIncident(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.failProbes()
	for i := 0; i < domain.DefaultFailureThreshold; i++ {
		h.check(t, "p1")
	}

	incidents, _, _ := h.monitor.ListIncidents(context.Background(), repository.IncidentFilter{})
	if len(incidents) != 1 || incidents[0].Status != domain.IncidentStatusOpen {
		t.Fatalf("incidents after outage = %+v", incidents)
	}

	// A further failure must not open a second incident.
	h.check(t, "p1")

	h.passProbes()
	h.check(t, "p1")
	if got := h.registry.Health("p1").State; got != domain.HealthStateUnhealthy {
		t.Fatalf("state after 1 success = %s, want UNHEALTHY", got)
	}
	h.check(t, "p1")
	if got := h.registry.Health("p1").State; got != domain.HealthStateHealthy {
		t.Fatalf("state after 2 successes = %s, want HEALTHY", got)
	}

	incidents, _, _ = h.monitor.ListIncidents(context.Background(), repository.IncidentFilter{})
	if len(incidents) != 1 {
		t.Fatalf("incidents = %d, want 1", len(incidents))
	}
	if incidents[0].Status != domain.IncidentStatusResolved || incidents[0].ResolvedAt == nil {
		t.Fatalf("incident was not resolved: %+v", incidents[0])
	}
}

func TestNoIncidentWhenAlertingDisabled(t *testing.T) {
	t.Parallel()

	p := testProvider("p1")
	p.Health.AlertOnFailure = false
	h := newHarness(t, p)
	h.failProbes()
	for i := 0; i < domain.DefaultFailureThreshold; i++ {
		h.check(t, "p1")
	}

	incidents, _, _ := h.monitor.ListIncidents(context.Background(), repository.IncidentFilter{})
	if len(incidents) != 0 {
		t.Fatalf("incidents = %d, want 0", len(incidents))
	}
}

func TestSlowProbeCountsAsFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.adapter.probeFn = func(ctx context.Context) (*provider.ProbeResult, error) {
		return &provider.ProbeResult{StatusCode: 200, Latency: 3 * time.Second}, nil
	}

	res := h.check(t, "p1")
	if res.Healthy {
		t.Fatal("slow probe reported healthy")
	}
	if !strings.Contains(res.Error, "exceeds") {
		t.Fatalf("error = %q", res.Error)
	}
}

func TestProbeTimeoutIsFailure(t *testing.T) {
	t.Parallel()

	p := testProvider("p1")
	p.Health.Timeout = 20 * time.Millisecond
	h := newHarness(t, p)
	h.adapter.probeFn = func(ctx context.Context) (*provider.ProbeResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	res := h.check(t, "p1")
	if res.Healthy {
		t.Fatal("timed out probe reported healthy")
	}
	if !strings.Contains(res.Error, "timed out") {
		t.Fatalf("error = %q", res.Error)
	}
}

func TestAdapterBuildFailureIsFailedProbe(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.monitor.adapters = &fakeSource{err: errors.New("bad settings")}

	res := h.check(t, "p1")
	if res.Healthy || !strings.Contains(res.Error, "bad settings") {
		t.Fatalf("result = %+v", res)
	}
}

func TestRunHealthCheckUnknownProvider(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, err := h.monitor.RunHealthCheck(context.Background(), "missing", domain.CheckTypeManual)
	if !errors.Is(err, domain.ErrUnknownProvider) {
		t.Fatalf("error = %v, want ErrUnknownProvider", err)
	}
}

func TestProbeInFlightGuard(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	started := make(chan struct{})
	release := make(chan struct{})
	h.adapter.probeFn = func(ctx context.Context) (*provider.ProbeResult, error) {
		close(started)
		<-release
		return &provider.ProbeResult{StatusCode: 200}, nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.monitor.RunHealthCheck(context.Background(), "p1", domain.CheckTypeManual)
	}()
	<-started

	if _, err := h.monitor.RunHealthCheck(context.Background(), "p1", domain.CheckTypeManual); !errors.Is(err, domain.ErrProbeInFlight) {
		t.Fatalf("error = %v, want ErrProbeInFlight", err)
	}

	// A scheduled probe is skipped, not queued.
	h.monitor.runScheduled("p1", domain.CheckTypeScheduled)

	close(release)
	<-done

	if h.checks.count() != 1 {
		t.Fatalf("stored checks = %d, want 1", h.checks.count())
	}
}

func TestReportDeliveryFeedsCounters(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	for i := 0; i < domain.DefaultFailureThreshold; i++ {
		h.monitor.ReportDelivery(ctx, "p1", false, "provider returned status 500")
	}

	health := h.registry.Health("p1")
	if health.State != domain.HealthStateUnhealthy {
		t.Fatalf("state = %s, want UNHEALTHY", health.State)
	}
	if health.LastCheckAt != nil {
		t.Fatal("delivery outcomes must not refresh the check clock")
	}
	if h.checks.count() != 0 {
		t.Fatalf("delivery outcomes stored %d checks", h.checks.count())
	}

	h.monitor.ReportDelivery(ctx, "missing", false, "ignored")
}

func TestListProviderStatusDerivesStale(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testProvider("p1"), testProvider("p2"))
	h.check(t, "p1")

	h.now = h.now.Add(2*domain.DefaultCheckInterval + time.Second)
	h.check(t, "p2")

	statuses, err := h.monitor.ListProviderStatus(context.Background())
	if err != nil {
		t.Fatalf("ListProviderStatus() error = %v", err)
	}
	if len(statuses) != 2 {
		t.Fatalf("statuses = %d, want 2", len(statuses))
	}

	byKey := make(map[string]ProviderStatus)
	for _, st := range statuses {
		byKey[st.Provider.Key] = st
	}

	if !byKey["p1"].Stale || byKey["p1"].State != domain.HealthStateStale {
		t.Fatalf("p1 status = %+v, want stale", byKey["p1"])
	}
	if !byKey["p1"].Healthy {
		t.Fatal("stale provider must stay routable")
	}
	if byKey["p2"].Stale || byKey["p2"].State != domain.HealthStateHealthy {
		t.Fatalf("p2 status = %+v", byKey["p2"])
	}
	if byKey["p2"].LastCheck == nil || !byKey["p2"].LastCheck.Healthy {
		t.Fatalf("p2 latest check = %+v", byKey["p2"].LastCheck)
	}
}

func TestRestoreLoadsPersistedHealth(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	checked := h.now.Add(-time.Minute)
	_ = h.states.Upsert(context.Background(), &domain.ProviderState{
		ProviderKey:         "p1",
		State:               domain.HealthStateUnhealthy,
		ConsecutiveFailures: 5,
		LastCheckAt:         &checked,
		LastError:           "down",
	})
	_ = h.states.Upsert(context.Background(), &domain.ProviderState{ProviderKey: "removed", State: domain.HealthStateUnhealthy})

	if err := h.monitor.Restore(context.Background()); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	health := h.registry.Health("p1")
	if health.State != domain.HealthStateUnhealthy || health.LastError != "down" {
		t.Fatalf("restored health = %+v", health)
	}
	if got := h.registry.Health("removed").State; got != domain.HealthStateUnknown {
		t.Fatalf("removed provider state = %s, want UNKNOWN", got)
	}

	// One success is not enough to recover a restored outage.
	h.check(t, "p1")
	if got := h.registry.Health("p1").State; got != domain.HealthStateUnhealthy {
		t.Fatalf("state = %s, want UNHEALTHY", got)
	}
}

func TestIncidentLifecycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	h.failProbes()
	for i := 0; i < domain.DefaultFailureThreshold; i++ {
		h.check(t, "p1")
	}

	incidents, _, _ := h.monitor.ListIncidents(ctx, repository.IncidentFilter{})
	id := incidents[0].ID

	acked, err := h.monitor.AcknowledgeIncident(ctx, id)
	if err != nil || acked.Status != domain.IncidentStatusInvestigating || acked.AcknowledgedAt == nil {
		t.Fatalf("AcknowledgeIncident() = %+v, %v", acked, err)
	}

	if _, err := h.monitor.CloseIncident(ctx, id); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("CloseIncident() before resolve error = %v, want ErrInvalidTransition", err)
	}

	resolved, err := h.monitor.ResolveIncident(ctx, id, "rotated credentials")
	if err != nil || resolved.ResolutionNotes != "rotated credentials" {
		t.Fatalf("ResolveIncident() = %+v, %v", resolved, err)
	}

	closed, err := h.monitor.CloseIncident(ctx, id)
	if err != nil || closed.Status != domain.IncidentStatusClosed || closed.ClosedAt == nil {
		t.Fatalf("CloseIncident() = %+v, %v", closed, err)
	}

	if _, err := h.monitor.AcknowledgeIncident(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("AcknowledgeIncident(missing) error = %v, want ErrNotFound", err)
	}
}

func TestStartSchedulesAndSyncReconciles(t *testing.T) {
	t.Parallel()

	disabled := testProvider("p3")
	disabled.Health.Enabled = false
	h := newHarness(t, testProvider("p1"), testProvider("p2"), disabled)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.monitor.Start(ctx)
	defer h.monitor.Stop()

	h.monitor.startup.Wait()
	if h.checks.count() != 2 {
		t.Fatalf("startup probes = %d, want 2", h.checks.count())
	}

	h.monitor.cronMu.Lock()
	scheduled := len(h.monitor.schedule)
	h.monitor.cronMu.Unlock()
	if scheduled != 2 {
		t.Fatalf("scheduled providers = %d, want 2", scheduled)
	}

	p2 := testProvider("p2")
	p2.Health.CheckInterval = time.Minute
	next, err := registry.NewSnapshot([]domain.Provider{p2}, nil, nil, "")
	if err != nil {
		t.Fatalf("NewSnapshot() error = %v", err)
	}
	h.monitor.Sync(next)

	h.monitor.cronMu.Lock()
	defer h.monitor.cronMu.Unlock()
	if len(h.monitor.schedule) != 1 {
		t.Fatalf("scheduled providers after sync = %d, want 1", len(h.monitor.schedule))
	}
	if entry := h.monitor.schedule["p2"]; entry.interval != time.Minute {
		t.Fatalf("p2 interval = %s, want 1m", entry.interval)
	}
}

func TestReportDeliveryIgnoredWithoutMonitoring(t *testing.T) {
	t.Parallel()

	p := testProvider("p1")
	p.Health.Enabled = false
	h := newHarness(t, p)
	ctx := context.Background()

	for i := 0; i < domain.DefaultFailureThreshold+1; i++ {
		h.monitor.ReportDelivery(ctx, "p1", false, "provider returned status 503")
	}

	health := h.registry.Health("p1")
	if health.State != domain.HealthStateUnknown || !health.Healthy() {
		t.Fatalf("health = %+v, want routable UNKNOWN", health)
	}
	if h.states.upsertCount() != 0 {
		t.Fatalf("persisted states = %d, want 0", h.states.upsertCount())
	}

	h.monitor.Start(ctx)
	h.monitor.Stop()
	h.monitor.cronMu.Lock()
	scheduled := len(h.monitor.schedule)
	h.monitor.cronMu.Unlock()
	if scheduled != 0 {
		t.Fatalf("scheduled providers = %d, want 0", scheduled)
	}
	if got := h.registry.Health("p1"); !got.Healthy() {
		t.Fatalf("health after Start = %+v, want routable", got)
	}
}

func TestSyncClearsUnhealthyWhenMonitoringDisabled(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	for i := 0; i < domain.DefaultFailureThreshold; i++ {
		h.monitor.ReportDelivery(ctx, "p1", false, "provider returned status 503")
	}
	if got := h.registry.Health("p1").State; got != domain.HealthStateUnhealthy {
		t.Fatalf("state = %s, want UNHEALTHY", got)
	}

	p := testProvider("p1")
	p.Health.Enabled = false
	next, err := registry.NewSnapshot([]domain.Provider{p}, nil, nil, "")
	if err != nil {
		t.Fatalf("NewSnapshot() error = %v", err)
	}
	h.registry.OnSwap(func(_, next *registry.Snapshot) { h.monitor.Sync(next) })
	h.registry.Swap(next)

	health := h.registry.Health("p1")
	if health.State != domain.HealthStateUnknown || !health.Healthy() {
		t.Fatalf("health after reload = %+v, want routable UNKNOWN", health)
	}

	// Persisted state of an unmonitored provider is not restored either.
	if err := h.monitor.Restore(ctx); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if got := h.registry.Health("p1").State; got != domain.HealthStateUnknown {
		t.Fatalf("state after Restore = %s, want UNKNOWN", got)
	}
}

func TestHealthWritesFollowTransitionOrder(t *testing.T) {
	t.Parallel()

	p := testProvider("p1")
	p.Health.FailureThreshold = 1
	p.Health.SuccessThreshold = 1
	h := newHarness(t, p)
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.states.upsertFn = func(state *domain.ProviderState) {
		if state.State == domain.HealthStateUnhealthy {
			once.Do(func() {
				close(entered)
				<-release
			})
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.monitor.ReportDelivery(ctx, "p1", false, "provider returned status 503")
	}()
	<-entered

	wg.Add(1)
	go func() {
		defer wg.Done()
		h.monitor.ReportDelivery(ctx, "p1", true, "")
	}()

	// The success must wait for the failure's writes to finish.
	time.Sleep(50 * time.Millisecond)
	if got := h.states.upsertCount(); got != 0 {
		t.Fatalf("upserts while the first transition is being written = %d, want 0", got)
	}
	close(release)
	wg.Wait()

	if got := h.registry.Health("p1").State; got != domain.HealthStateHealthy {
		t.Fatalf("live state = %s, want HEALTHY", got)
	}
	if st := h.states.get("p1"); st.State != domain.HealthStateHealthy || st.ConsecutiveSuccesses != 1 {
		t.Fatalf("persisted state = %+v, want the later HEALTHY state", st)
	}

	incidents, _, _ := h.monitor.ListIncidents(ctx, repository.IncidentFilter{})
	if len(incidents) != 1 || incidents[0].Status != domain.IncidentStatusResolved {
		t.Fatalf("incidents = %+v, want one resolved incident", incidents)
	}
}
