package service

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/kursadbilgin/notify-router/internal/domain"
	"github.com/kursadbilgin/notify-router/internal/governor"
	"github.com/kursadbilgin/notify-router/internal/provider"
	"github.com/kursadbilgin/notify-router/internal/queue"
	"github.com/kursadbilgin/notify-router/internal/ratelimit"
	"github.com/kursadbilgin/notify-router/internal/registry"
	"github.com/kursadbilgin/notify-router/internal/repository"
	"github.com/kursadbilgin/notify-router/internal/routing"
)

type fakeNotificationRepo struct {
	mu      sync.Mutex
	records map[string]domain.NotificationRecord

	createFn         func(ctx context.Context, n *domain.NotificationRecord) error
	updateIfStatusFn func(ctx context.Context, n *domain.NotificationRecord, expected domain.Status) error
}

func newFakeNotificationRepo() *fakeNotificationRepo {
	return &fakeNotificationRepo{records: make(map[string]domain.NotificationRecord)}
}

func (r *fakeNotificationRepo) Create(ctx context.Context, n *domain.NotificationRecord) error {
	if r.createFn != nil {
		return r.createFn(ctx, n)
	}
	return r.insert(n)
}

func (r *fakeNotificationRepo) insert(n *domain.NotificationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n.IdempotencyKey != nil {
		for _, existing := range r.records {
			if existing.IdempotencyKey != nil && *existing.IdempotencyKey == *n.IdempotencyKey {
				return domain.ErrConflict
			}
		}
	}
	r.records[n.ID] = *n
	return nil
}

func (r *fakeNotificationRepo) GetByID(ctx context.Context, id string) (*domain.NotificationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.records[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &n, nil
}

func (r *fakeNotificationRepo) GetByIdempotencyKey(ctx context.Context, key string) (*domain.NotificationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.records {
		if n.IdempotencyKey != nil && *n.IdempotencyKey == key {
			n := n
			return &n, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *fakeNotificationRepo) List(ctx context.Context, params repository.ListParams) ([]domain.NotificationRecord, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.NotificationRecord, 0, len(r.records))
	for _, n := range r.records {
		if params.Status != nil && n.Status != *params.Status {
			continue
		}
		out = append(out, n)
	}
	return out, int64(len(out)), nil
}

func (r *fakeNotificationRepo) UpdateIfStatus(ctx context.Context, n *domain.NotificationRecord, expected domain.Status) error {
	if r.updateIfStatusFn != nil {
		return r.updateIfStatusFn(ctx, n, expected)
	}
	return r.store(n, expected)
}

func (r *fakeNotificationRepo) store(n *domain.NotificationRecord, expected domain.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.records[n.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if current.Status != expected {
		return domain.ErrConflict
	}
	r.records[n.ID] = *n
	return nil
}

func (r *fakeNotificationRepo) ListStale(ctx context.Context, status domain.Status, before time.Time, limit int) ([]domain.NotificationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.NotificationRecord
	for _, n := range r.records {
		if n.Status == status && !n.UpdatedAt.After(before) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeNotificationRepo) get(t *testing.T, id string) domain.NotificationRecord {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.records[id]
	if !ok {
		t.Fatalf("record %s not stored", id)
	}
	return n
}

func (r *fakeNotificationRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

type fakeLogRepo struct {
	mu      sync.Mutex
	entries []domain.DeliveryLogEntry
}

func (r *fakeLogRepo) Append(ctx context.Context, entry *domain.DeliveryLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	seq := 0
	for _, e := range r.entries {
		if e.MessageID == entry.MessageID && e.Sequence > seq {
			seq = e.Sequence
		}
	}
	entry.Sequence = seq + 1
	r.entries = append(r.entries, *entry)
	return nil
}

func (r *fakeLogRepo) ListByMessage(ctx context.Context, messageID string) ([]domain.DeliveryLogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.DeliveryLogEntry
	for _, e := range r.entries {
		if e.MessageID == messageID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *fakeLogRepo) List(ctx context.Context, q repository.DeliveryLogQuery) ([]domain.DeliveryLogEntry, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]domain.DeliveryLogEntry(nil), r.entries...)
	return out, int64(len(out)), nil
}

func (r *fakeLogRepo) events(messageID string) []domain.LogEventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.LogEventType
	for _, e := range r.entries {
		if e.MessageID == messageID {
			out = append(out, e.EventType)
		}
	}
	return out
}

type fakePublisher struct {
	mu        sync.Mutex
	published []queue.DispatchMessage
	queues    []string
	publishFn func(ctx context.Context, queueName string, msg queue.DispatchMessage) error
}

func (p *fakePublisher) Publish(ctx context.Context, queueName string, msg queue.DispatchMessage) error {
	if p.publishFn != nil {
		if err := p.publishFn(ctx, queueName, msg); err != nil {
			return err
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, msg)
	p.queues = append(p.queues, queueName)
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func (p *fakePublisher) messages() []queue.DispatchMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]queue.DispatchMessage(nil), p.published...)
}

type fakeAdapter struct {
	mu     sync.Mutex
	calls  int
	sendFn func(ctx context.Context, n *domain.NotificationRecord) (*provider.ProviderResponse, error)
}

func (a *fakeAdapter) Send(ctx context.Context, n *domain.NotificationRecord) (*provider.ProviderResponse, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	return a.sendFn(ctx, n)
}

func (a *fakeAdapter) Probe(ctx context.Context) (*provider.ProbeResult, error) {
	return &provider.ProbeResult{StatusCode: 200}, nil
}

func (a *fakeAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func okAdapter(messageID string) *fakeAdapter {
	return &fakeAdapter{sendFn: func(ctx context.Context, n *domain.NotificationRecord) (*provider.ProviderResponse, error) {
		return &provider.ProviderResponse{StatusCode: 202, MessageID: messageID}, nil
	}}
}

func failingAdapter(status int, transient bool) *fakeAdapter {
	return &fakeAdapter{sendFn: func(ctx context.Context, n *domain.NotificationRecord) (*provider.ProviderResponse, error) {
		return nil, &provider.ProviderError{StatusCode: status, Message: "provider failure", Transient: transient}
	}}
}

type fakeSource struct {
	adapters map[string]provider.Adapter
}

func (s *fakeSource) Get(p domain.Provider) (provider.Adapter, error) {
	a, ok := s.adapters[p.Key]
	if !ok {
		return nil, domain.ErrUnknownProvider
	}
	return a, nil
}

type healthReport struct {
	providerKey string
	success     bool
}

type fakeHealth struct {
	mu      sync.Mutex
	reports []healthReport
}

func (h *fakeHealth) ReportDelivery(ctx context.Context, providerKey string, success bool, detail string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reports = append(h.reports, healthReport{providerKey: providerKey, success: success})
}

func (h *fakeHealth) all() []healthReport {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]healthReport(nil), h.reports...)
}

func testProvider(key string) domain.Provider {
	return domain.Provider{
		Key:      key,
		Name:     key,
		Type:     domain.ProviderTypeHTTPAPI,
		Enabled:  true,
		Priority: 100,
		Weight:   10,
		Limits:   domain.ProviderLimits{MaxRetries: 3, Timeout: time.Second},
		Settings: domain.HTTPAPISettings{Endpoint: "https://" + key + ".example.com/send"},
		Health:   domain.DefaultHealthConfig(),
	}
}

func failoverGroup(key string, maxRetries int, providerKeys ...string) domain.ProviderGroup {
	members := make([]domain.GroupMembership, 0, len(providerKeys))
	for i, pk := range providerKeys {
		members = append(members, domain.GroupMembership{ProviderKey: pk, Priority: i + 1, Weight: 1, Enabled: true})
	}
	return domain.ProviderGroup{
		Key:             key,
		Strategy:        domain.StrategyFailover,
		FailoverEnabled: true,
		MaxRetries:      maxRetries,
		Enabled:         true,
		Members:         members,
	}
}

type testEnv struct {
	service  *DeliveryService
	repo     *fakeNotificationRepo
	logs     *fakeLogRepo
	pub      *fakePublisher
	registry *registry.Registry
	governor *governor.Governor
	health   *fakeHealth
}

func newTestEnv(t *testing.T, providers []domain.Provider, groups []domain.ProviderGroup, defaultGroup string, adapters map[string]provider.Adapter) *testEnv {
	t.Helper()

	snap, err := registry.NewSnapshot(providers, groups, nil, defaultGroup)
	if err != nil {
		t.Fatalf("NewSnapshot() error = %v", err)
	}
	reg := registry.New(snap)

	resolver, err := routing.NewResolver(reg, nil)
	if err != nil {
		t.Fatalf("NewResolver() error = %v", err)
	}
	gov, err := governor.New(ratelimit.NewMemoryRateLimiter(), nil,
		governor.WithBackoff(time.Millisecond, time.Millisecond),
		governor.WithRand(func(int) int { return 0 }),
	)
	if err != nil {
		t.Fatalf("governor.New() error = %v", err)
	}

	env := &testEnv{
		repo:     newFakeNotificationRepo(),
		logs:     &fakeLogRepo{},
		pub:      &fakePublisher{},
		registry: reg,
		governor: gov,
		health:   &fakeHealth{},
	}
	env.service, err = NewDeliveryService(Dependencies{
		Notifications: env.repo,
		Logs:          env.logs,
		Publisher:     env.pub,
		Registry:      reg,
		Resolver:      resolver,
		Governor:      gov,
		Adapters:      &fakeSource{adapters: adapters},
		Health:        env.health,
	}, DeliveryConfig{DispatchTimeout: 5 * time.Second}, nil)
	if err != nil {
		t.Fatalf("NewDeliveryService() error = %v", err)
	}
	return env
}

func (e *testEnv) submit(t *testing.T, req *domain.NotificationRequest) *SubmitResult {
	t.Helper()
	res, err := e.service.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	return res
}

func (e *testEnv) dispatch(t *testing.T, id string) domain.NotificationRecord {
	t.Helper()
	stored := e.repo.get(t, id)
	if err := e.service.Dispatch(context.Background(), queue.NewDispatchMessage(&stored, "corr-1")); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	return e.repo.get(t, id)
}

func emailRequest() *domain.NotificationRequest {
	return &domain.NotificationRequest{
		Channel:    domain.ChannelEmail,
		Priority:   domain.PriorityHigh,
		Recipients: []string{"user@example.com"},
		Content:    domain.Content{Subject: "hi", Text: "hello"},
	}
}

func intPtr(v int) *int { return &v }

func strPtr(v string) *string { return &v }
