package registry

import (
	"sync"
	"sync/atomic"

	"github.com/kursadbilgin/notify-router/internal/domain"
)

// SwapHook is invoked after a new snapshot has been published.
type SwapHook func(prev, next *Snapshot)

// Registry publishes the current directory snapshot and owns the mutable
// per-entity state that routing and health share: provider health, group
// round-robin cursors and member load counters.
type Registry struct {
	current atomic.Pointer[Snapshot]

	health  sync.Map // provider key -> domain.ProviderHealth
	cursors sync.Map // group key -> *atomic.Uint64
	loads   sync.Map // loadKey -> *atomic.Int64

	hooksMu sync.RWMutex
	hooks   []SwapHook
}

type loadKey struct {
	group    string
	provider string
}

func New(initial *Snapshot) *Registry {
	if initial == nil {
		initial = Empty()
	}
	r := &Registry{}
	r.current.Store(initial)
	return r
}

// Snapshot returns the current snapshot. Callers that need a consistent view
// across several lookups should hold on to it.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Swap atomically publishes next and runs the swap hooks.
func (r *Registry) Swap(next *Snapshot) {
	if next == nil {
		return
	}
	prev := r.current.Load()
	next.version = prev.version + 1
	r.current.Store(next)

	r.hooksMu.RLock()
	hooks := append([]SwapHook(nil), r.hooks...)
	r.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(prev, next)
	}
}

func (r *Registry) OnSwap(hook SwapHook) {
	if hook == nil {
		return
	}
	r.hooksMu.Lock()
	r.hooks = append(r.hooks, hook)
	r.hooksMu.Unlock()
}

func (r *Registry) GetProvider(key string) (domain.Provider, error) {
	return r.Snapshot().GetProvider(key)
}

func (r *Registry) GetGroup(key string) (domain.ProviderGroup, error) {
	return r.Snapshot().GetGroup(key)
}

// ListEnabledMembers returns the routable members of a group in membership
// order: provider enabled, provider healthy and membership enabled.
func (r *Registry) ListEnabledMembers(groupKey string) ([]Member, error) {
	return r.EnabledMembers(r.Snapshot(), groupKey)
}

// EnabledMembers is ListEnabledMembers against a caller-held snapshot.
func (r *Registry) EnabledMembers(snap *Snapshot, groupKey string) ([]Member, error) {
	members, err := snap.Members(groupKey)
	if err != nil {
		return nil, err
	}
	out := members[:0]
	for _, m := range members {
		if m.Provider.Enabled && m.Membership.Enabled && r.Health(m.Provider.Key).Healthy() {
			out = append(out, m)
		}
	}
	return out, nil
}

// Health returns the live health of a provider. Providers never observed are UNKNOWN.
func (r *Registry) Health(providerKey string) domain.ProviderHealth {
	if v, ok := r.health.Load(providerKey); ok {
		return v.(domain.ProviderHealth)
	}
	return domain.ProviderHealth{State: domain.HealthStateUnknown}
}

// SetHealth replaces the live health of a provider. Only the health monitor calls it.
func (r *Registry) SetHealth(providerKey string, h domain.ProviderHealth) {
	r.health.Store(providerKey, h)
}

func (r *Registry) cursor(groupKey string) *atomic.Uint64 {
	if v, ok := r.cursors.Load(groupKey); ok {
		return v.(*atomic.Uint64)
	}
	v, _ := r.cursors.LoadOrStore(groupKey, new(atomic.Uint64))
	return v.(*atomic.Uint64)
}

// NextCursor returns the current round-robin position of a group and advances it.
func (r *Registry) NextCursor(groupKey string) uint64 {
	return r.cursor(groupKey).Add(1) - 1
}

// PeekCursor returns the current round-robin position without advancing it.
func (r *Registry) PeekCursor(groupKey string) uint64 {
	return r.cursor(groupKey).Load()
}

func (r *Registry) loadCounter(groupKey, providerKey string) *atomic.Int64 {
	key := loadKey{group: groupKey, provider: providerKey}
	if v, ok := r.loads.Load(key); ok {
		return v.(*atomic.Int64)
	}
	v, _ := r.loads.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Load returns the in-flight attempt count of a group member.
func (r *Registry) Load(groupKey, providerKey string) int64 {
	return r.loadCounter(groupKey, providerKey).Load()
}

// AcquireLoad reserves one unit of member capacity. capacity <= 0 is unlimited.
// The returned release func is idempotent.
func (r *Registry) AcquireLoad(groupKey, providerKey string, capacity int) (func(), bool) {
	counter := r.loadCounter(groupKey, providerKey)
	for {
		current := counter.Load()
		if capacity > 0 && current >= int64(capacity) {
			return func() {}, false
		}
		if counter.CompareAndSwap(current, current+1) {
			break
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { counter.Add(-1) })
	}, true
}
