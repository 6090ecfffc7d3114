package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/notify-router/internal/domain"
)

type messagingResult struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

// MessagingProvider delivers SMS and chat messages through a form-encoded
// messaging gateway, one request per recipient.
type MessagingProvider struct {
	client   *resty.Client
	settings domain.MessagingSettings
}

func NewMessagingProvider(settings domain.MessagingSettings, timeout time.Duration) (*MessagingProvider, error) {
	return NewMessagingProviderWithClient(settings, newRestyClient(timeout))
}

func NewMessagingProviderWithClient(settings domain.MessagingSettings, client *resty.Client) (*MessagingProvider, error) {
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid messaging settings: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}
	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultHTTPTimeout)
	}
	client.SetRetryCount(0)
	client.SetBasicAuth(settings.AccountSID, settings.AuthToken)

	settings.Endpoint = strings.TrimSpace(settings.Endpoint)
	return &MessagingProvider{client: client, settings: settings}, nil
}

// Send stops at the first rejected recipient.
func (p *MessagingProvider) Send(ctx context.Context, notification *domain.NotificationRecord) (*ProviderResponse, error) {
	if p == nil || p.client == nil {
		return nil, fmt.Errorf("provider is not initialized")
	}
	if notification == nil {
		return nil, fmt.Errorf("notification is required")
	}

	body := notification.Content.Text
	if strings.TrimSpace(body) == "" {
		body = notification.Content.Ref
	}

	sids := make([]string, 0, len(notification.Recipients))
	var last *ProviderResponse
	for _, recipient := range notification.Recipients {
		result := &messagingResult{}
		response, err := p.client.R().
			SetContext(ctx).
			SetFormData(map[string]string{
				"To":   recipient,
				"From": p.settings.From,
				"Body": body,
			}).
			SetResult(result).
			Post(p.settings.Endpoint)
		if err != nil {
			return nil, requestError("provider request failed", err)
		}

		resp, err := classifyResponse(response)
		if err != nil {
			return nil, err
		}
		if result.SID != "" {
			sids = append(sids, result.SID)
		}
		last = resp
	}

	if last == nil {
		return nil, &ProviderError{Message: "no recipients to deliver", Transient: false}
	}
	if len(sids) > 0 {
		last.MessageID = strings.Join(sids, ",")
	}
	return last, nil
}

func (p *MessagingProvider) Probe(ctx context.Context) (*ProbeResult, error) {
	if p == nil || p.client == nil {
		return nil, fmt.Errorf("provider is not initialized")
	}

	target := p.settings.HealthURL
	if target == "" {
		target = p.settings.Endpoint
	}

	start := time.Now()
	response, err := p.client.R().SetContext(ctx).Get(target)
	latency := time.Since(start)
	if err != nil {
		return &ProbeResult{Latency: latency}, requestError("health probe failed", err)
	}

	result := &ProbeResult{StatusCode: response.StatusCode(), Latency: latency}
	unhealthy := response.StatusCode() >= http.StatusInternalServerError ||
		response.StatusCode() == http.StatusUnauthorized ||
		(p.settings.HealthURL != "" && response.StatusCode() >= http.StatusMultipleChoices)
	if unhealthy {
		return result, &ProviderError{
			StatusCode: response.StatusCode(),
			Message:    providerErrorMessage(response.StatusCode(), ""),
			Transient:  true,
		}
	}
	return result, nil
}
