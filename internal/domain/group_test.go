package domain

import (
	"errors"
	"testing"
	"time"
)

func TestRuleConditionMatches(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		cond  RuleCondition
		attrs RequestAttributes
		want  bool
	}{
		{name: "empty condition matches", cond: RuleCondition{}, attrs: RequestAttributes{RecipientCount: 1}, want: true},
		{name: "gte matches", cond: RuleCondition{RecipientCount: ">= 10"}, attrs: RequestAttributes{RecipientCount: 10}, want: true},
		{name: "gte misses", cond: RuleCondition{RecipientCount: ">=10"}, attrs: RequestAttributes{RecipientCount: 9}, want: false},
		{name: "lt matches", cond: RuleCondition{RecipientCount: "< 5"}, attrs: RequestAttributes{RecipientCount: 4}, want: true},
		{name: "bare number is equality", cond: RuleCondition{RecipientCount: "1"}, attrs: RequestAttributes{RecipientCount: 1}, want: true},
		{name: "not equal", cond: RuleCondition{RecipientCount: "!= 3"}, attrs: RequestAttributes{RecipientCount: 3}, want: false},
		{
			name:  "template pattern matches",
			cond:  RuleCondition{TemplatePattern: "^marketing_.*"},
			attrs: RequestAttributes{TemplateName: "marketing_weekly"},
			want:  true,
		},
		{
			name:  "template pattern requires a template",
			cond:  RuleCondition{TemplatePattern: ".*"},
			attrs: RequestAttributes{},
			want:  false,
		},
		{
			name:  "environment mismatch",
			cond:  RuleCondition{Environment: EnvironmentStaging},
			attrs: RequestAttributes{Environment: EnvironmentProduction},
			want:  false,
		},
		{
			name:  "all predicates must hold",
			cond:  RuleCondition{RecipientCount: "> 1", TemplatePattern: "^alert", Environment: EnvironmentProduction},
			attrs: RequestAttributes{RecipientCount: 2, TemplateName: "alert_disk", Environment: EnvironmentProduction},
			want:  true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cond := tt.cond
			if err := cond.Compile(); err != nil {
				t.Fatalf("Compile() error = %v", err)
			}
			if got := cond.Matches(tt.attrs); got != tt.want {
				t.Fatalf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRuleConditionCompileRejectsInvalid(t *testing.T) {
	t.Parallel()

	for _, cond := range []RuleCondition{
		{RecipientCount: ">= many"},
		{TemplatePattern: "(unclosed"},
		{Environment: Environment("qa")},
	} {
		c := cond
		if err := c.Compile(); !errors.Is(err, ErrValidation) {
			t.Errorf("Compile(%+v) error = %v, want ErrValidation", cond, err)
		}
	}
}

func TestProviderGroupValidate(t *testing.T) {
	t.Parallel()

	group := ProviderGroup{
		Key:      "email",
		Strategy: StrategyPriority,
		Members: []GroupMembership{
			{ProviderKey: "sendgrid", Enabled: true},
			{ProviderKey: "sendgrid", Enabled: true},
		},
	}
	if err := group.Validate(); !errors.Is(err, ErrValidation) {
		t.Fatalf("Validate() duplicate member error = %v, want ErrValidation", err)
	}

	group.Members = group.Members[:1]
	if err := group.Validate(); err != nil {
		t.Fatalf("Validate() unexpected error = %v", err)
	}

	group.Strategy = RoutingStrategy("sticky")
	if err := group.Validate(); !errors.Is(err, ErrValidation) {
		t.Fatalf("Validate() strategy error = %v, want ErrValidation", err)
	}
}

func TestProviderValidate(t *testing.T) {
	t.Parallel()

	p := Provider{
		Key:      "smtp-primary",
		Type:     ProviderTypeSMTP,
		Enabled:  true,
		Settings: SMTPSettings{Host: "smtp.example.com", Port: 587, From: "noreply@example.com"},
		Limits:   ProviderLimits{MaxRetries: 3, Timeout: 30 * time.Second, RateLimitPerMinute: 60},
		Health:   DefaultHealthConfig(),
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("Validate() unexpected error = %v", err)
	}

	p.Settings = HTTPAPISettings{Endpoint: "https://api.example.com/send"}
	if err := p.Validate(); !errors.Is(err, ErrValidation) {
		t.Fatalf("Validate() mismatched settings error = %v, want ErrValidation", err)
	}

	p.Type = ProviderTypeHTTPAPI
	if err := p.Validate(); err != nil {
		t.Fatalf("Validate() http api unexpected error = %v", err)
	}

	p.Type = ProviderTypeMessaging
	p.Settings = MessagingSettings{Endpoint: "https://api.example.com/messages", From: "+15550001111"}
	if err := p.Validate(); !errors.Is(err, ErrValidation) {
		t.Fatalf("Validate() missing account sid error = %v, want ErrValidation", err)
	}
}

func TestProviderHealthHealthy(t *testing.T) {
	t.Parallel()

	if !(ProviderHealth{State: HealthStateUnknown}).Healthy() {
		t.Fatal("UNKNOWN provider should be routable")
	}
	if (ProviderHealth{State: HealthStateUnhealthy}).Healthy() {
		t.Fatal("UNHEALTHY provider should not be routable")
	}
}
