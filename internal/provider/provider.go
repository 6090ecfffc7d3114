package provider

import (
	"context"
	"time"

	"github.com/kursadbilgin/notify-router/internal/domain"
)

// Adapter is the outbound delivery port of one configured provider.
type Adapter interface {
	Send(ctx context.Context, notification *domain.NotificationRecord) (*ProviderResponse, error)
	// Probe performs a lightweight reachability check. A nil error means healthy.
	Probe(ctx context.Context) (*ProbeResult, error)
}

// ProviderResponse stores provider call metadata for audit and persistence.
type ProviderResponse struct {
	StatusCode int
	Body       string
	MessageID  string
}

// ProbeResult describes one health probe.
type ProbeResult struct {
	StatusCode int
	Latency    time.Duration
	Detail     string
}
