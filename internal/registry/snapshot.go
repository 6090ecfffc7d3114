package registry

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kursadbilgin/notify-router/internal/domain"
)

// Member pairs a provider with its group-scoped membership.
type Member struct {
	Provider   domain.Provider
	Membership domain.GroupMembership
}

type memberRef struct {
	provider   int
	membership domain.GroupMembership
}

type groupEntry struct {
	group   domain.ProviderGroup
	members []memberRef
}

// Snapshot is an immutable view of the provider directory. Providers live in an
// arena slice; groups refer to their members by arena index and rules refer to
// groups by key.
type Snapshot struct {
	version      uint64
	providers    []domain.Provider
	providerIdx  map[string]int
	groups       []groupEntry
	groupIdx     map[string]int
	rules        []domain.RoutingRule
	defaultGroup string
}

// NewSnapshot validates the directory and builds its indexes.
func NewSnapshot(
	providers []domain.Provider,
	groups []domain.ProviderGroup,
	rules []domain.RoutingRule,
	defaultGroup string,
) (*Snapshot, error) {
	s := &Snapshot{
		providers:    make([]domain.Provider, 0, len(providers)),
		providerIdx:  make(map[string]int, len(providers)),
		groups:       make([]groupEntry, 0, len(groups)),
		groupIdx:     make(map[string]int, len(groups)),
		rules:        make([]domain.RoutingRule, 0, len(rules)),
		defaultGroup: strings.TrimSpace(defaultGroup),
	}

	for i := range providers {
		p := providers[i]
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := s.providerIdx[p.Key]; dup {
			return nil, fmt.Errorf("%w: duplicate provider %s", domain.ErrValidation, p.Key)
		}
		s.providerIdx[p.Key] = len(s.providers)
		s.providers = append(s.providers, p)
	}

	for i := range groups {
		g := groups[i]
		if err := g.Validate(); err != nil {
			return nil, err
		}
		if _, dup := s.groupIdx[g.Key]; dup {
			return nil, fmt.Errorf("%w: duplicate group %s", domain.ErrValidation, g.Key)
		}

		entry := groupEntry{group: g, members: make([]memberRef, 0, len(g.Members))}
		for _, m := range g.Members {
			idx, ok := s.providerIdx[m.ProviderKey]
			if !ok {
				return nil, fmt.Errorf("%w: group %s references unknown provider %s", domain.ErrValidation, g.Key, m.ProviderKey)
			}
			entry.members = append(entry.members, memberRef{provider: idx, membership: m})
		}
		entry.group.Members = nil

		s.groupIdx[g.Key] = len(s.groups)
		s.groups = append(s.groups, entry)
	}

	for i := range rules {
		r := rules[i]
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if _, ok := s.groupIdx[r.TargetGroup]; !ok {
			return nil, fmt.Errorf("%w: rule %s targets unknown group %s", domain.ErrValidation, r.Key, r.TargetGroup)
		}
		if r.FallbackGroup != "" {
			if _, ok := s.groupIdx[r.FallbackGroup]; !ok {
				return nil, fmt.Errorf("%w: rule %s falls back to unknown group %s", domain.ErrValidation, r.Key, r.FallbackGroup)
			}
		}
		s.rules = append(s.rules, r)
	}
	sort.SliceStable(s.rules, func(i, j int) bool {
		return s.rules[i].Priority < s.rules[j].Priority
	})

	if s.defaultGroup != "" {
		if _, ok := s.groupIdx[s.defaultGroup]; !ok {
			return nil, fmt.Errorf("%w: default group %s is not defined", domain.ErrValidation, s.defaultGroup)
		}
	}

	return s, nil
}

// Empty returns a snapshot with no providers, used before the directory loads.
func Empty() *Snapshot {
	s, _ := NewSnapshot(nil, nil, nil, "")
	return s
}

func (s *Snapshot) Version() uint64 { return s.version }

func (s *Snapshot) GetProvider(key string) (domain.Provider, error) {
	idx, ok := s.providerIdx[key]
	if !ok {
		return domain.Provider{}, fmt.Errorf("%w: provider %s", domain.ErrNotFound, key)
	}
	return s.providers[idx], nil
}

// GetGroup returns the group with its members in declaration order.
func (s *Snapshot) GetGroup(key string) (domain.ProviderGroup, error) {
	idx, ok := s.groupIdx[key]
	if !ok {
		return domain.ProviderGroup{}, fmt.Errorf("%w: group %s", domain.ErrNotFound, key)
	}
	entry := s.groups[idx]
	g := entry.group
	g.Members = make([]domain.GroupMembership, 0, len(entry.members))
	for _, m := range entry.members {
		g.Members = append(g.Members, m.membership)
	}
	return g, nil
}

// Members returns every member of a group, regardless of enablement or health.
func (s *Snapshot) Members(groupKey string) ([]Member, error) {
	idx, ok := s.groupIdx[groupKey]
	if !ok {
		return nil, fmt.Errorf("%w: group %s", domain.ErrNotFound, groupKey)
	}
	refs := s.groups[idx].members
	out := make([]Member, 0, len(refs))
	for _, ref := range refs {
		out = append(out, Member{Provider: s.providers[ref.provider], Membership: ref.membership})
	}
	return out, nil
}

// Rules returns the enabled routing rules in ascending priority order.
func (s *Snapshot) Rules() []domain.RoutingRule {
	out := make([]domain.RoutingRule, 0, len(s.rules))
	for _, r := range s.rules {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out
}

func (s *Snapshot) DefaultGroup() string { return s.defaultGroup }

// Providers returns all providers in declaration order.
func (s *Snapshot) Providers() []domain.Provider {
	out := make([]domain.Provider, len(s.providers))
	copy(out, s.providers)
	return out
}

// Groups returns all group keys in declaration order.
func (s *Snapshot) Groups() []string {
	out := make([]string, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g.group.Key)
	}
	return out
}
