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

const defaultHTTPTimeout = 10 * time.Second

type httpAPIRequest struct {
	MessageID  string   `json:"message_id"`
	From       string   `json:"from,omitempty"`
	To         []string `json:"to"`
	Channel    string   `json:"channel"`
	Subject    string   `json:"subject,omitempty"`
	Text       string   `json:"text,omitempty"`
	HTML       string   `json:"html,omitempty"`
	ContentRef string   `json:"content_ref,omitempty"`
}

// HTTPAPIProvider delivers through a JSON HTTP API.
type HTTPAPIProvider struct {
	client   *resty.Client
	settings domain.HTTPAPISettings
}

func NewHTTPAPIProvider(settings domain.HTTPAPISettings, timeout time.Duration) (*HTTPAPIProvider, error) {
	return NewHTTPAPIProviderWithClient(settings, newRestyClient(timeout))
}

func NewHTTPAPIProviderWithClient(settings domain.HTTPAPISettings, client *resty.Client) (*HTTPAPIProvider, error) {
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid http api settings: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}
	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultHTTPTimeout)
	}
	client.SetRetryCount(0)

	settings.Endpoint = strings.TrimSpace(settings.Endpoint)
	if settings.ExpectedStatus == 0 {
		settings.ExpectedStatus = http.StatusOK
	}

	return &HTTPAPIProvider{client: client, settings: settings}, nil
}

func (p *HTTPAPIProvider) Send(ctx context.Context, notification *domain.NotificationRecord) (*ProviderResponse, error) {
	if p == nil || p.client == nil {
		return nil, fmt.Errorf("provider is not initialized")
	}
	if notification == nil {
		return nil, fmt.Errorf("notification is required")
	}

	reqBody := httpAPIRequest{
		MessageID:  notification.ID,
		From:       p.settings.From,
		To:         notification.Recipients,
		Channel:    strings.ToLower(notification.Channel.String()),
		Subject:    notification.Content.Subject,
		Text:       notification.Content.Text,
		HTML:       notification.Content.HTML,
		ContentRef: notification.Content.Ref,
	}

	req := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Idempotency-Key", notification.ID).
		SetBody(reqBody)
	if header := strings.TrimSpace(p.settings.APIKeyHeader); header != "" {
		req.SetHeader(header, p.settings.APIKey)
	}

	response, err := req.Post(p.settings.Endpoint)
	if err != nil {
		return nil, requestError("provider request failed", err)
	}
	return classifyResponse(response)
}

// Probe calls the health URL when configured; otherwise any non-5xx answer
// from the delivery endpoint counts as reachable.
func (p *HTTPAPIProvider) Probe(ctx context.Context) (*ProbeResult, error) {
	if p == nil || p.client == nil {
		return nil, fmt.Errorf("provider is not initialized")
	}

	target := p.settings.HealthURL
	if target == "" {
		target = p.settings.Endpoint
	}

	req := p.client.R().SetContext(ctx)
	if header := strings.TrimSpace(p.settings.APIKeyHeader); header != "" {
		req.SetHeader(header, p.settings.APIKey)
	}

	start := time.Now()
	response, err := req.Get(target)
	latency := time.Since(start)
	if err != nil {
		return &ProbeResult{Latency: latency}, requestError("health probe failed", err)
	}

	result := &ProbeResult{StatusCode: response.StatusCode(), Latency: latency}
	if p.settings.HealthURL != "" {
		if response.StatusCode() != p.settings.ExpectedStatus {
			result.Detail = fmt.Sprintf("expected status %d", p.settings.ExpectedStatus)
			return result, &ProviderError{
				StatusCode: response.StatusCode(),
				Message:    providerErrorMessage(response.StatusCode(), result.Detail),
				Transient:  true,
			}
		}
		return result, nil
	}

	if response.StatusCode() >= http.StatusInternalServerError {
		return result, &ProviderError{
			StatusCode: response.StatusCode(),
			Message:    providerErrorMessage(response.StatusCode(), ""),
			Transient:  true,
		}
	}
	return result, nil
}

func newRestyClient(timeout time.Duration) *resty.Client {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	client := resty.New()
	client.SetTimeout(timeout)
	client.SetRetryCount(0)
	return client
}

func classifyResponse(response *resty.Response) (*ProviderResponse, error) {
	if response == nil {
		return nil, &ProviderError{
			Message:   "provider returned empty response",
			Transient: true,
		}
	}

	statusCode := response.StatusCode()
	responseBody := strings.TrimSpace(response.String())

	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return &ProviderResponse{
			StatusCode: statusCode,
			Body:       responseBody,
			MessageID:  providerMessageID(response),
		}, nil
	}

	return nil, &ProviderError{
		StatusCode: statusCode,
		Message:    providerErrorMessage(statusCode, responseBody),
		Transient:  isTransientHTTPStatus(statusCode),
	}
}

func isTransientHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests ||
		statusCode == http.StatusRequestTimeout ||
		(statusCode >= http.StatusInternalServerError && statusCode <= 599)
}

func providerErrorMessage(statusCode int, body string) string {
	base := fmt.Sprintf("provider returned status %d", statusCode)
	if body == "" {
		return base
	}
	return fmt.Sprintf("%s: %s", base, body)
}

func providerMessageID(response *resty.Response) string {
	if response == nil {
		return ""
	}

	for _, key := range []string{"X-Message-Id", "X-Request-ID", "X-Request-Id", "X-Correlation-ID", "X-Correlation-Id"} {
		if value := strings.TrimSpace(response.Header().Get(key)); value != "" {
			return value
		}
	}

	return ""
}
