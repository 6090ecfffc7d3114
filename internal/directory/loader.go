package directory

import (
	"fmt"
	"os"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/kursadbilgin/notify-router/internal/domain"
	"github.com/kursadbilgin/notify-router/internal/registry"
	"gopkg.in/yaml.v3"
)

// Directory defaults, applied when a field is omitted from the file.
const (
	defaultProviderPriority = 100
	defaultProviderWeight   = 10
	defaultMaxRetries       = 3
	defaultTimeoutSeconds   = 30
	defaultRatePerMinute    = 60
	defaultGroupMaxRetries  = 2
	defaultMemberPriority   = 100
	defaultMemberWeight     = 1
	defaultRulePriority     = 100
	defaultExpectedStatus   = 200
	defaultSMTPPort         = 587
)

// File is the on-disk layout of the provider directory.
type File struct {
	DefaultGroup string         `yaml:"default_group"`
	Providers    []ProviderFile `yaml:"providers"`
	Groups       []GroupFile    `yaml:"groups"`
	Rules        []RuleFile     `yaml:"rules"`
}

type ProviderFile struct {
	Key         string         `yaml:"key"`
	Name        string         `yaml:"name"`
	Type        string         `yaml:"type"`
	Enabled     *bool          `yaml:"enabled"`
	Priority    *int           `yaml:"priority"`
	Weight      *int           `yaml:"weight"`
	Environment string         `yaml:"environment"`
	Limits      LimitsFile     `yaml:"limits"`
	SMTP        *SMTPFile      `yaml:"smtp"`
	HTTPAPI     *HTTPAPIFile   `yaml:"http_api"`
	Messaging   *MessagingFile `yaml:"messaging"`
	Health      HealthFile     `yaml:"health"`
}

type LimitsFile struct {
	MaxRetries         *int `yaml:"max_retries"`
	TimeoutSeconds     int  `yaml:"timeout_seconds"`
	RateLimitPerMinute *int `yaml:"rate_limit_per_minute"`
}

type SMTPFile struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	StartTLS *bool  `yaml:"starttls"`
}

type HTTPAPIFile struct {
	Endpoint       string `yaml:"endpoint"`
	APIKeyHeader   string `yaml:"api_key_header"`
	APIKey         string `yaml:"api_key"`
	From           string `yaml:"from"`
	HealthURL      string `yaml:"health_url"`
	ExpectedStatus int    `yaml:"expected_status"`
}

type MessagingFile struct {
	Endpoint   string `yaml:"endpoint"`
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
	From       string `yaml:"from"`
	HealthURL  string `yaml:"health_url"`
}

type HealthFile struct {
	Enabled              *bool `yaml:"enabled"`
	CheckIntervalMinutes int   `yaml:"check_interval_minutes"`
	TimeoutSeconds       int   `yaml:"timeout_seconds"`
	FailureThreshold     int   `yaml:"failure_threshold"`
	SuccessThreshold     int   `yaml:"success_threshold"`
	MaxResponseTimeMs    int   `yaml:"max_response_time_ms"`
	AlertOnFailure       *bool `yaml:"alert_on_failure"`
	AlertOnRecovery      *bool `yaml:"alert_on_recovery"`
}

type GroupFile struct {
	Key             string       `yaml:"key"`
	Name            string       `yaml:"name"`
	Strategy        string       `yaml:"strategy"`
	FailoverEnabled *bool        `yaml:"failover_enabled"`
	MaxRetries      *int         `yaml:"max_retries"`
	Enabled         *bool        `yaml:"enabled"`
	Members         []MemberFile `yaml:"members"`
}

type MemberFile struct {
	Provider      string `yaml:"provider"`
	Priority      *int   `yaml:"priority"`
	Weight        *int   `yaml:"weight"`
	Enabled       *bool  `yaml:"enabled"`
	MaxRetries    int    `yaml:"max_retries"`
	CapacityLimit int    `yaml:"capacity_limit"`
}

type RuleFile struct {
	Key           string        `yaml:"key"`
	Name          string        `yaml:"name"`
	Priority      *int          `yaml:"priority"`
	Enabled       *bool         `yaml:"enabled"`
	TargetGroup   string        `yaml:"target_group"`
	FallbackGroup string        `yaml:"fallback_group"`
	Condition     ConditionFile `yaml:"condition"`
}

type ConditionFile struct {
	RecipientCount  string `yaml:"recipient_count"`
	TemplatePattern string `yaml:"template_pattern"`
	Environment     string `yaml:"environment"`
}

// LoadFile reads and parses a directory file. The returned checksum identifies
// the file content.
func LoadFile(path string) (*registry.Snapshot, uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("reading provider directory: %w", err)
	}
	snap, err := Parse(data)
	if err != nil {
		return nil, 0, err
	}
	return snap, xxhash.Sum64(data), nil
}

// Parse decodes a directory document and builds a validated snapshot.
func Parse(data []byte) (*registry.Snapshot, error) {
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: parsing provider directory YAML: %v", domain.ErrValidation, err)
	}
	return file.Snapshot()
}

// Snapshot converts the file layout into a validated registry snapshot.
func (f File) Snapshot() (*registry.Snapshot, error) {
	providers := make([]domain.Provider, 0, len(f.Providers))
	for _, pf := range f.Providers {
		p, err := pf.toDomain()
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}

	groups := make([]domain.ProviderGroup, 0, len(f.Groups))
	for _, gf := range f.Groups {
		g, err := gf.toDomain()
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}

	rules := make([]domain.RoutingRule, 0, len(f.Rules))
	for _, rf := range f.Rules {
		r, err := rf.toDomain()
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}

	snap, err := registry.NewSnapshot(providers, groups, rules, f.DefaultGroup)
	if err != nil {
		return nil, fmt.Errorf("validating provider directory: %w", err)
	}
	return snap, nil
}

func (pf ProviderFile) toDomain() (domain.Provider, error) {
	ptype, err := domain.ParseProviderTypeFromString(pf.Type)
	if err != nil {
		return domain.Provider{}, fmt.Errorf("provider %s: %w", pf.Key, err)
	}
	env, err := domain.ParseEnvironmentFromString(pf.Environment)
	if err != nil {
		return domain.Provider{}, fmt.Errorf("provider %s: %w", pf.Key, err)
	}

	settings, err := pf.settings(ptype)
	if err != nil {
		return domain.Provider{}, err
	}

	timeoutSeconds := pf.Limits.TimeoutSeconds
	if timeoutSeconds <= 0 {
		timeoutSeconds = defaultTimeoutSeconds
	}

	name := pf.Name
	if name == "" {
		name = pf.Key
	}

	return domain.Provider{
		Key:      pf.Key,
		Name:     name,
		Type:     ptype,
		Enabled:  boolOr(pf.Enabled, true),
		Priority: intOr(pf.Priority, defaultProviderPriority),
		Weight:   intOr(pf.Weight, defaultProviderWeight),
		Limits: domain.ProviderLimits{
			MaxRetries:         intOr(pf.Limits.MaxRetries, defaultMaxRetries),
			Timeout:            time.Duration(timeoutSeconds) * time.Second,
			RateLimitPerMinute: intOr(pf.Limits.RateLimitPerMinute, defaultRatePerMinute),
		},
		Settings:    settings,
		Health:      pf.Health.toDomain(),
		Environment: env,
	}, nil
}

// settings picks the typed block matching the provider type. Blocks for other
// types are rejected so a typo cannot silently drop configuration.
func (pf ProviderFile) settings(ptype domain.ProviderType) (domain.ProviderSettings, error) {
	blocks := 0
	for _, present := range []bool{pf.SMTP != nil, pf.HTTPAPI != nil, pf.Messaging != nil} {
		if present {
			blocks++
		}
	}
	if blocks != 1 {
		return nil, fmt.Errorf("%w: provider %s must define exactly one settings block", domain.ErrValidation, pf.Key)
	}

	switch ptype {
	case domain.ProviderTypeSMTP:
		if pf.SMTP == nil {
			break
		}
		port := pf.SMTP.Port
		if port == 0 {
			port = defaultSMTPPort
		}
		return domain.SMTPSettings{
			Host:     pf.SMTP.Host,
			Port:     port,
			Username: pf.SMTP.Username,
			Password: pf.SMTP.Password,
			From:     pf.SMTP.From,
			StartTLS: boolOr(pf.SMTP.StartTLS, true),
		}, nil
	case domain.ProviderTypeHTTPAPI:
		if pf.HTTPAPI == nil {
			break
		}
		expected := pf.HTTPAPI.ExpectedStatus
		if expected == 0 {
			expected = defaultExpectedStatus
		}
		return domain.HTTPAPISettings{
			Endpoint:       pf.HTTPAPI.Endpoint,
			APIKeyHeader:   pf.HTTPAPI.APIKeyHeader,
			APIKey:         pf.HTTPAPI.APIKey,
			From:           pf.HTTPAPI.From,
			HealthURL:      pf.HTTPAPI.HealthURL,
			ExpectedStatus: expected,
		}, nil
	case domain.ProviderTypeMessaging:
		if pf.Messaging == nil {
			break
		}
		return domain.MessagingSettings{
			Endpoint:   pf.Messaging.Endpoint,
			AccountSID: pf.Messaging.AccountSID,
			AuthToken:  pf.Messaging.AuthToken,
			From:       pf.Messaging.From,
			HealthURL:  pf.Messaging.HealthURL,
		}, nil
	}
	return nil, fmt.Errorf("%w: provider %s settings block does not match type %s", domain.ErrValidation, pf.Key, ptype)
}

func (hf HealthFile) toDomain() domain.HealthConfig {
	cfg := domain.DefaultHealthConfig()
	cfg.Enabled = boolOr(hf.Enabled, cfg.Enabled)
	if hf.CheckIntervalMinutes > 0 {
		cfg.CheckInterval = time.Duration(hf.CheckIntervalMinutes) * time.Minute
	}
	if hf.TimeoutSeconds > 0 {
		cfg.Timeout = time.Duration(hf.TimeoutSeconds) * time.Second
	}
	if hf.FailureThreshold > 0 {
		cfg.FailureThreshold = hf.FailureThreshold
	}
	if hf.SuccessThreshold > 0 {
		cfg.SuccessThreshold = hf.SuccessThreshold
	}
	if hf.MaxResponseTimeMs > 0 {
		cfg.MaxLatency = time.Duration(hf.MaxResponseTimeMs) * time.Millisecond
	}
	cfg.AlertOnFailure = boolOr(hf.AlertOnFailure, cfg.AlertOnFailure)
	cfg.AlertOnRecovery = boolOr(hf.AlertOnRecovery, cfg.AlertOnRecovery)
	return cfg
}

func (gf GroupFile) toDomain() (domain.ProviderGroup, error) {
	strategy, err := domain.ParseRoutingStrategyFromString(gf.Strategy)
	if err != nil {
		return domain.ProviderGroup{}, fmt.Errorf("group %s: %w", gf.Key, err)
	}

	name := gf.Name
	if name == "" {
		name = gf.Key
	}

	members := make([]domain.GroupMembership, 0, len(gf.Members))
	for _, mf := range gf.Members {
		members = append(members, domain.GroupMembership{
			ProviderKey:   mf.Provider,
			Priority:      intOr(mf.Priority, defaultMemberPriority),
			Weight:        intOr(mf.Weight, defaultMemberWeight),
			Enabled:       boolOr(mf.Enabled, true),
			MaxRetries:    mf.MaxRetries,
			CapacityLimit: mf.CapacityLimit,
		})
	}

	return domain.ProviderGroup{
		Key:             gf.Key,
		Name:            name,
		Strategy:        strategy,
		FailoverEnabled: boolOr(gf.FailoverEnabled, true),
		MaxRetries:      intOr(gf.MaxRetries, defaultGroupMaxRetries),
		Enabled:         boolOr(gf.Enabled, true),
		Members:         members,
	}, nil
}

func (rf RuleFile) toDomain() (domain.RoutingRule, error) {
	var env domain.Environment
	if rf.Condition.Environment != "" {
		parsed, err := domain.ParseEnvironmentFromString(rf.Condition.Environment)
		if err != nil {
			return domain.RoutingRule{}, fmt.Errorf("rule %s: %w", rf.Key, err)
		}
		env = parsed
	}

	name := rf.Name
	if name == "" {
		name = rf.Key
	}

	return domain.RoutingRule{
		Key:           rf.Key,
		Name:          name,
		Priority:      intOr(rf.Priority, defaultRulePriority),
		Enabled:       boolOr(rf.Enabled, true),
		TargetGroup:   rf.TargetGroup,
		FallbackGroup: rf.FallbackGroup,
		Condition: domain.RuleCondition{
			RecipientCount:  rf.Condition.RecipientCount,
			TemplatePattern: rf.Condition.TemplatePattern,
			Environment:     env,
		},
	}, nil
}

func boolOr(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}

func intOr(v *int, fallback int) int {
	if v == nil {
		return fallback
	}
	return *v
}
