package registry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kursadbilgin/notify-router/internal/domain"
)

func testProvider(key string, priority int) domain.Provider {
	return domain.Provider{
		Key:      key,
		Name:     key,
		Type:     domain.ProviderTypeHTTPAPI,
		Enabled:  true,
		Priority: priority,
		Weight:   10,
		Limits:   domain.ProviderLimits{MaxRetries: 3, Timeout: 30 * time.Second, RateLimitPerMinute: 60},
		Settings: domain.HTTPAPISettings{Endpoint: "https://" + key + ".example.com/send"},
		Health:   domain.DefaultHealthConfig(),
	}
}

func testSnapshot(t *testing.T) *Snapshot {
	t.Helper()

	p1 := testProvider("p1", 10)
	p2 := testProvider("p2", 20)
	p3 := testProvider("p3", 30)
	p3.Enabled = false

	group := domain.ProviderGroup{
		Key:      "email",
		Strategy: domain.StrategyPriority,
		Enabled:  true,
		Members: []domain.GroupMembership{
			{ProviderKey: "p1", Priority: 10, Weight: 1, Enabled: true},
			{ProviderKey: "p2", Priority: 20, Weight: 1, Enabled: true},
			{ProviderKey: "p3", Priority: 30, Weight: 1, Enabled: true},
		},
	}
	rules := []domain.RoutingRule{
		{Key: "late", Priority: 50, Enabled: true, TargetGroup: "email"},
		{Key: "off", Priority: 1, Enabled: false, TargetGroup: "email"},
		{Key: "early", Priority: 5, Enabled: true, TargetGroup: "email"},
	}

	snap, err := NewSnapshot([]domain.Provider{p1, p2, p3}, []domain.ProviderGroup{group}, rules, "email")
	if err != nil {
		t.Fatalf("NewSnapshot() error = %v", err)
	}
	return snap
}

func TestNewSnapshotRejectsDanglingReferences(t *testing.T) {
	t.Parallel()

	p1 := testProvider("p1", 10)

	_, err := NewSnapshot(
		[]domain.Provider{p1},
		[]domain.ProviderGroup{{Key: "g", Strategy: domain.StrategyPriority, Members: []domain.GroupMembership{{ProviderKey: "missing"}}}},
		nil,
		"",
	)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("NewSnapshot() unknown member error = %v, want ErrValidation", err)
	}

	_, err = NewSnapshot([]domain.Provider{p1}, nil, []domain.RoutingRule{{Key: "r", TargetGroup: "nope"}}, "")
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("NewSnapshot() unknown rule target error = %v, want ErrValidation", err)
	}

	_, err = NewSnapshot([]domain.Provider{p1, p1}, nil, nil, "")
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("NewSnapshot() duplicate provider error = %v, want ErrValidation", err)
	}

	_, err = NewSnapshot([]domain.Provider{p1}, nil, nil, "ghost")
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("NewSnapshot() unknown default group error = %v, want ErrValidation", err)
	}
}

func TestSnapshotRulesSortedAndEnabled(t *testing.T) {
	t.Parallel()

	rules := testSnapshot(t).Rules()
	if len(rules) != 2 {
		t.Fatalf("Rules() len = %d, want 2", len(rules))
	}
	if rules[0].Key != "early" || rules[1].Key != "late" {
		t.Fatalf("Rules() order = [%s %s], want [early late]", rules[0].Key, rules[1].Key)
	}
}

func TestRegistryListEnabledMembersFiltersDisabledAndUnhealthy(t *testing.T) {
	t.Parallel()

	reg := New(testSnapshot(t))

	members, err := reg.ListEnabledMembers("email")
	if err != nil {
		t.Fatalf("ListEnabledMembers() error = %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("ListEnabledMembers() len = %d, want 2", len(members))
	}

	reg.SetHealth("p1", domain.ProviderHealth{State: domain.HealthStateUnhealthy})
	members, err = reg.ListEnabledMembers("email")
	if err != nil {
		t.Fatalf("ListEnabledMembers() error = %v", err)
	}
	if len(members) != 1 || members[0].Provider.Key != "p2" {
		t.Fatalf("ListEnabledMembers() = %+v, want only p2", members)
	}

	if _, err := reg.ListEnabledMembers("sms"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("ListEnabledMembers(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestRegistryGetGroupKeepsMembershipOrder(t *testing.T) {
	t.Parallel()

	reg := New(testSnapshot(t))
	group, err := reg.GetGroup("email")
	if err != nil {
		t.Fatalf("GetGroup() error = %v", err)
	}
	if len(group.Members) != 3 || group.Members[0].ProviderKey != "p1" || group.Members[2].ProviderKey != "p3" {
		t.Fatalf("GetGroup() members = %+v", group.Members)
	}

	if _, err := reg.GetProvider("nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("GetProvider(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestRegistrySwapRunsHooksAndBumpsVersion(t *testing.T) {
	t.Parallel()

	reg := New(Empty())
	var gotPrev, gotNext *Snapshot
	reg.OnSwap(func(prev, next *Snapshot) {
		gotPrev, gotNext = prev, next
	})

	before := reg.Snapshot()
	next := testSnapshot(t)
	reg.Swap(next)

	if reg.Snapshot() != next {
		t.Fatal("Swap() did not publish the new snapshot")
	}
	if gotPrev != before || gotNext != next {
		t.Fatal("swap hook did not receive prev/next snapshots")
	}
	if next.Version() != before.Version()+1 {
		t.Fatalf("Version() = %d, want %d", next.Version(), before.Version()+1)
	}
}

func TestRegistryCursorAdvances(t *testing.T) {
	t.Parallel()

	reg := New(nil)
	if got := reg.PeekCursor("g"); got != 0 {
		t.Fatalf("PeekCursor() = %d, want 0", got)
	}
	for want := uint64(0); want < 3; want++ {
		if got := reg.NextCursor("g"); got != want {
			t.Fatalf("NextCursor() = %d, want %d", got, want)
		}
	}
	if got := reg.PeekCursor("g"); got != 3 {
		t.Fatalf("PeekCursor() = %d, want 3", got)
	}
}

func TestRegistryAcquireLoadRespectsCapacity(t *testing.T) {
	t.Parallel()

	reg := New(nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	acquired := 0
	releases := make([]func(), 0, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, ok := reg.AcquireLoad("g", "p1", 3)
			if ok {
				mu.Lock()
				acquired++
				releases = append(releases, release)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if acquired != 3 {
		t.Fatalf("acquired = %d, want 3", acquired)
	}
	if got := reg.Load("g", "p1"); got != 3 {
		t.Fatalf("Load() = %d, want 3", got)
	}

	releases[0]()
	releases[0]()
	if got := reg.Load("g", "p1"); got != 2 {
		t.Fatalf("Load() after double release = %d, want 2", got)
	}

	if _, ok := reg.AcquireLoad("g", "p2", 0); !ok {
		t.Fatal("AcquireLoad() with unlimited capacity should succeed")
	}
}
