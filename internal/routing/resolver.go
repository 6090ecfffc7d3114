package routing

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"

	"github.com/kursadbilgin/notify-router/internal/domain"
	"github.com/kursadbilgin/notify-router/internal/registry"
	"go.uber.org/zap"
)

// Request carries the routing inputs of a submission or stored record.
type Request struct {
	ProviderKey string
	GroupKey    string
	Attributes  domain.RequestAttributes
}

func RequestFromRecord(n *domain.NotificationRecord) Request {
	return Request{
		ProviderKey: n.ProviderHint,
		GroupKey:    n.GroupHint,
		Attributes:  n.Attributes(),
	}
}

func RequestFromSubmission(r *domain.NotificationRequest) Request {
	return Request{
		ProviderKey: r.ProviderKey,
		GroupKey:    r.GroupKey,
		Attributes:  r.Attributes(),
	}
}

// Candidate is one provider in a delivery chain.
type Candidate struct {
	Provider      domain.Provider
	GroupKey      string
	MaxRetries    int
	CapacityLimit int
}

// Chain is the ordered list of providers to try for one request. It is never empty.
type Chain struct {
	Candidates []Candidate
	GroupKey   string
	RuleKey    string
	Strategy   domain.RoutingStrategy
	// MaxRetries is the retry budget shared by the whole chain.
	MaxRetries int
	Explicit   bool
}

func (c Chain) Head() Candidate { return c.Candidates[0] }

func (c Chain) ProviderKeys() []string {
	keys := make([]string, len(c.Candidates))
	for i, cand := range c.Candidates {
		keys[i] = cand.Provider.Key
	}
	return keys
}

type Option func(*Resolver)

// WithRand replaces the random sources used by the random and load_balance strategies.
func WithRand(intn func(n int) int, shuffle func(n int, swap func(i, j int))) Option {
	return func(r *Resolver) {
		if intn != nil {
			r.intn = intn
		}
		if shuffle != nil {
			r.shuffle = shuffle
		}
	}
}

type Resolver struct {
	registry *registry.Registry
	logger   *zap.Logger
	intn     func(n int) int
	shuffle  func(n int, swap func(i, j int))
}

func NewResolver(reg *registry.Registry, logger *zap.Logger, opts ...Option) (*Resolver, error) {
	if reg == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Resolver{
		registry: reg,
		logger:   logger,
		intn:     rand.Intn,
		shuffle:  rand.Shuffle,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Resolve produces the delivery chain for req. Round-robin groups advance
// their cursor.
func (r *Resolver) Resolve(req Request) (Chain, error) {
	return r.resolve(req, true)
}

// Check runs the same resolution as Resolve without advancing any
// round-robin cursor.
func (r *Resolver) Check(req Request) (Chain, error) {
	return r.resolve(req, false)
}

func (r *Resolver) resolve(req Request, advance bool) (Chain, error) {
	snap := r.registry.Snapshot()

	providerKey := strings.TrimSpace(req.ProviderKey)
	if providerKey != "" {
		return r.resolveProvider(snap, providerKey, req.Attributes)
	}

	target, fallback, ruleKey, err := r.selectGroups(snap, req)
	if err != nil {
		return Chain{}, err
	}

	chain, err := r.rankGroup(snap, target, req.Attributes, advance)
	if err != nil {
		return Chain{}, err
	}
	if len(chain.Candidates) == 0 && fallback != "" {
		r.logger.Debug("no eligible provider in target group, using fallback",
			zap.String("groupKey", target),
			zap.String("fallbackGroup", fallback),
		)
		chain, err = r.rankGroup(snap, fallback, req.Attributes, advance)
		if err != nil {
			return Chain{}, err
		}
	}
	if len(chain.Candidates) == 0 {
		return Chain{}, fmt.Errorf("group %s: %w", target, domain.ErrNoEligibleProvider)
	}

	chain.RuleKey = ruleKey
	return chain, nil
}

func (r *Resolver) resolveProvider(snap *registry.Snapshot, key string, attrs domain.RequestAttributes) (Chain, error) {
	p, err := snap.GetProvider(key)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return Chain{}, fmt.Errorf("provider %s: %w", key, domain.ErrUnknownProvider)
		}
		return Chain{}, err
	}
	if !p.Enabled {
		return Chain{}, fmt.Errorf("provider %s is disabled: %w", key, domain.ErrProviderUnavailable)
	}
	if !r.registry.Health(key).Healthy() {
		return Chain{}, fmt.Errorf("provider %s is unhealthy: %w", key, domain.ErrProviderUnavailable)
	}
	if !environmentMatches(p, attrs) {
		return Chain{}, fmt.Errorf("provider %s serves %s: %w", key, p.Environment, domain.ErrProviderUnavailable)
	}

	return Chain{
		Candidates: []Candidate{{Provider: p, MaxRetries: p.Limits.MaxRetries}},
		MaxRetries: p.Limits.MaxRetries,
		Explicit:   true,
	}, nil
}

// selectGroups picks the target and optional fallback group: explicit group,
// then the first matching rule, then the default group.
func (r *Resolver) selectGroups(snap *registry.Snapshot, req Request) (string, string, string, error) {
	groupKey := strings.TrimSpace(req.GroupKey)
	if groupKey != "" {
		if _, err := snap.GetGroup(groupKey); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return "", "", "", fmt.Errorf("group %s: %w", groupKey, domain.ErrUnknownGroup)
			}
			return "", "", "", err
		}
		return groupKey, "", "", nil
	}

	for _, rule := range snap.Rules() {
		if rule.Condition.Matches(req.Attributes) {
			return rule.TargetGroup, rule.FallbackGroup, rule.Key, nil
		}
	}

	if def := snap.DefaultGroup(); def != "" {
		return def, "", "", nil
	}
	return "", "", "", fmt.Errorf("no rule matched and no default group: %w", domain.ErrNoEligibleProvider)
}

func (r *Resolver) rankGroup(snap *registry.Snapshot, groupKey string, attrs domain.RequestAttributes, advance bool) (Chain, error) {
	group, err := snap.GetGroup(groupKey)
	if err != nil {
		return Chain{}, err
	}

	chain := Chain{GroupKey: group.Key, Strategy: group.Strategy, MaxRetries: group.MaxRetries}
	if !group.Enabled {
		return chain, nil
	}

	members, err := r.registry.EnabledMembers(snap, groupKey)
	if err != nil {
		return Chain{}, err
	}
	eligible := members[:0]
	for _, m := range members {
		if environmentMatches(m.Provider, attrs) {
			eligible = append(eligible, m)
		}
	}
	if len(eligible) == 0 {
		return chain, nil
	}

	var ordered []registry.Member
	switch group.Strategy {
	case domain.StrategyRoundRobin:
		ordered = r.roundRobin(group.Key, eligible, advance)
	case domain.StrategyLoadBalance:
		ordered = r.loadBalance(group.Key, eligible)
	case domain.StrategyRandom:
		ordered = r.random(eligible)
	default:
		ordered = byPriority(eligible)
	}

	if !group.FailoverEnabled && group.Strategy != domain.StrategyFailover {
		ordered = ordered[:1]
	}

	chain.Candidates = make([]Candidate, len(ordered))
	for i, m := range ordered {
		maxRetries := m.Membership.MaxRetries
		if maxRetries <= 0 {
			maxRetries = m.Provider.Limits.MaxRetries
		}
		chain.Candidates[i] = Candidate{
			Provider:      m.Provider,
			GroupKey:      group.Key,
			MaxRetries:    maxRetries,
			CapacityLimit: m.Membership.CapacityLimit,
		}
	}
	return chain, nil
}

// byPriority orders by ascending membership priority, then descending weight.
// Ties keep membership order.
func byPriority(members []registry.Member) []registry.Member {
	out := append([]registry.Member(nil), members...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Membership, out[j].Membership
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.Weight > b.Weight
	})
	return out
}

// roundRobin rotates the eligible members so the cursor position comes first.
func (r *Resolver) roundRobin(groupKey string, members []registry.Member, advance bool) []registry.Member {
	var cursor uint64
	if advance {
		cursor = r.registry.NextCursor(groupKey)
	} else {
		cursor = r.registry.PeekCursor(groupKey)
	}

	n := len(members)
	start := int(cursor % uint64(n))
	out := make([]registry.Member, 0, n)
	out = append(out, members[start:]...)
	out = append(out, members[:start]...)
	return out
}

// loadBalance picks the head by weight among members below capacity; the
// rest follow in priority order.
func (r *Resolver) loadBalance(groupKey string, members []registry.Member) []registry.Member {
	ordered := byPriority(members)

	type loaded struct {
		idx  int
		load int64
	}
	available := make([]loaded, 0, len(ordered))
	totalWeight := 0
	for i, m := range ordered {
		load := r.registry.Load(groupKey, m.Provider.Key)
		if limit := m.Membership.CapacityLimit; limit > 0 && load >= int64(limit) {
			continue
		}
		available = append(available, loaded{idx: i, load: load})
		totalWeight += m.Membership.Weight
	}
	if len(available) == 0 {
		return ordered
	}

	sort.SliceStable(available, func(i, j int) bool { return available[i].load < available[j].load })

	head := available[0].idx
	if totalWeight > 0 {
		pick := r.intn(totalWeight)
		for _, a := range available {
			w := ordered[a.idx].Membership.Weight
			if pick < w {
				head = a.idx
				break
			}
			pick -= w
		}
	}

	out := make([]registry.Member, 0, len(ordered))
	out = append(out, ordered[head])
	for i, m := range ordered {
		if i != head {
			out = append(out, m)
		}
	}
	return out
}

func (r *Resolver) random(members []registry.Member) []registry.Member {
	out := append([]registry.Member(nil), members...)
	r.shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// environmentMatches reports whether a provider may serve a request. Requests
// without an environment accept every provider.
func environmentMatches(p domain.Provider, attrs domain.RequestAttributes) bool {
	if attrs.Environment == "" || p.Environment == "" {
		return true
	}
	return p.Environment == attrs.Environment
}
