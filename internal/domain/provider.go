package domain

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ProviderType identifies the delivery protocol of a provider.
type ProviderType string

const (
	ProviderTypeSMTP      ProviderType = "smtp"
	ProviderTypeHTTPAPI   ProviderType = "http_api"
	ProviderTypeMessaging ProviderType = "messaging"
)

func (t ProviderType) String() string { return string(t) }

func (t ProviderType) IsValid() bool {
	switch t {
	case ProviderTypeSMTP, ProviderTypeHTTPAPI, ProviderTypeMessaging:
		return true
	}
	return false
}

func ParseProviderTypeFromString(s string) (ProviderType, error) {
	pt := ProviderType(strings.ToLower(strings.TrimSpace(s)))
	if !pt.IsValid() {
		return "", fmt.Errorf("%w: invalid provider type %q", ErrValidation, s)
	}
	return pt, nil
}

// Environment is the deployment environment a provider or rule belongs to.
type Environment string

const (
	EnvironmentDevelopment Environment = "development"
	EnvironmentStaging     Environment = "staging"
	EnvironmentProduction  Environment = "production"
)

func (e Environment) String() string { return string(e) }

func (e Environment) IsValid() bool {
	switch e {
	case EnvironmentDevelopment, EnvironmentStaging, EnvironmentProduction:
		return true
	}
	return false
}

func ParseEnvironmentFromString(s string) (Environment, error) {
	env := Environment(strings.ToLower(strings.TrimSpace(s)))
	if env == "" {
		return EnvironmentProduction, nil
	}
	if !env.IsValid() {
		return "", fmt.Errorf("%w: invalid environment %q", ErrValidation, s)
	}
	return env, nil
}

// ProviderSettings is the typed configuration payload of a provider. The set of
// implementations is closed: one per ProviderType.
type ProviderSettings interface {
	Type() ProviderType
	Validate() error
	sealed()
}

// SMTPSettings configures an SMTP relay.
type SMTPSettings struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	StartTLS bool
}

func (SMTPSettings) Type() ProviderType { return ProviderTypeSMTP }
func (SMTPSettings) sealed()            {}

func (s SMTPSettings) Validate() error {
	if strings.TrimSpace(s.Host) == "" {
		return fmt.Errorf("%w: smtp host is required", ErrValidation)
	}
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("%w: invalid smtp port %d", ErrValidation, s.Port)
	}
	if strings.TrimSpace(s.From) == "" {
		return fmt.Errorf("%w: smtp from address is required", ErrValidation)
	}
	return nil
}

// Addr returns host:port.
func (s SMTPSettings) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// HTTPAPISettings configures a JSON HTTP delivery API (SendGrid-like).
type HTTPAPISettings struct {
	Endpoint       string
	APIKeyHeader   string
	APIKey         string
	From           string
	HealthURL      string
	ExpectedStatus int
}

func (HTTPAPISettings) Type() ProviderType { return ProviderTypeHTTPAPI }
func (HTTPAPISettings) sealed()            {}

func (s HTTPAPISettings) Validate() error {
	if err := validateURL("endpoint", s.Endpoint); err != nil {
		return err
	}
	if s.HealthURL != "" {
		if err := validateURL("health url", s.HealthURL); err != nil {
			return err
		}
	}
	return nil
}

// MessagingSettings configures a messaging API (Twilio-like SMS/chat gateway).
type MessagingSettings struct {
	Endpoint   string
	AccountSID string
	AuthToken  string
	From       string
	HealthURL  string
}

func (MessagingSettings) Type() ProviderType { return ProviderTypeMessaging }
func (MessagingSettings) sealed()            {}

func (s MessagingSettings) Validate() error {
	if err := validateURL("endpoint", s.Endpoint); err != nil {
		return err
	}
	if strings.TrimSpace(s.AccountSID) == "" {
		return fmt.Errorf("%w: messaging account sid is required", ErrValidation)
	}
	if strings.TrimSpace(s.From) == "" {
		return fmt.Errorf("%w: messaging sender is required", ErrValidation)
	}
	if s.HealthURL != "" {
		if err := validateURL("health url", s.HealthURL); err != nil {
			return err
		}
	}
	return nil
}

func validateURL(field, raw string) error {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fmt.Errorf("%w: %s is required", ErrValidation, field)
	}
	if _, err := url.ParseRequestURI(trimmed); err != nil {
		return fmt.Errorf("%w: invalid %s: %v", ErrValidation, field, err)
	}
	return nil
}

// ProviderLimits are the operational limits of a provider.
type ProviderLimits struct {
	MaxRetries         int
	Timeout            time.Duration
	RateLimitPerMinute int
}

// Provider is a configured downstream delivery channel.
type Provider struct {
	Key         string
	Name        string
	Type        ProviderType
	Enabled     bool
	Priority    int
	Weight      int
	Limits      ProviderLimits
	Settings    ProviderSettings
	Health      HealthConfig
	Environment Environment
}

func (p *Provider) Validate() error {
	if strings.TrimSpace(p.Key) == "" {
		return fmt.Errorf("%w: provider key is required", ErrValidation)
	}
	if !p.Type.IsValid() {
		return fmt.Errorf("%w: provider %s: invalid type %q", ErrValidation, p.Key, p.Type)
	}
	if p.Settings == nil {
		return fmt.Errorf("%w: provider %s: settings are required", ErrValidation, p.Key)
	}
	if p.Settings.Type() != p.Type {
		return fmt.Errorf("%w: provider %s: settings for %s do not match type %s",
			ErrValidation, p.Key, p.Settings.Type(), p.Type)
	}
	if err := p.Settings.Validate(); err != nil {
		return fmt.Errorf("provider %s: %w", p.Key, err)
	}
	if p.Weight < 0 {
		return fmt.Errorf("%w: provider %s: weight cannot be negative", ErrValidation, p.Key)
	}
	if p.Limits.MaxRetries < 0 {
		return fmt.Errorf("%w: provider %s: max retries cannot be negative", ErrValidation, p.Key)
	}
	if p.Limits.RateLimitPerMinute < 0 {
		return fmt.Errorf("%w: provider %s: rate limit cannot be negative", ErrValidation, p.Key)
	}
	if err := p.Health.Validate(); err != nil {
		return fmt.Errorf("provider %s: %w", p.Key, err)
	}
	return nil
}

// ProviderHealth is the live health view of a provider, owned by the health monitor.
type ProviderHealth struct {
	State       HealthState
	LastCheckAt *time.Time
	LastError   string
}

// Healthy reports whether the provider may receive traffic. Providers that have
// never been probed are routable until proven otherwise.
func (h ProviderHealth) Healthy() bool {
	return h.State != HealthStateUnhealthy
}
