package governor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kursadbilgin/notify-router/internal/domain"
	"github.com/kursadbilgin/notify-router/internal/observability"
	"github.com/kursadbilgin/notify-router/internal/ratelimit"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeLimiter struct {
	allowFn func(ctx context.Context, key string, limit int) (bool, error)
}

func (f *fakeLimiter) Allow(ctx context.Context, key string, limit int) (bool, error) {
	if f.allowFn == nil {
		return true, nil
	}
	return f.allowFn(ctx, key, limit)
}

func testProvider(key string, perMinute int) domain.Provider {
	return domain.Provider{
		Key:     key,
		Type:    domain.ProviderTypeHTTPAPI,
		Enabled: true,
		Limits:  domain.ProviderLimits{MaxRetries: 2, Timeout: time.Second, RateLimitPerMinute: perMinute},
	}
}

func TestAdmitRejectsOverLimit(t *testing.T) {
	t.Parallel()

	g, err := New(ratelimit.NewMemoryRateLimiter(), nil, WithMetrics(observability.NewMetrics()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	p := testProvider("sendgrid", 2)
	for i := 0; i < 2; i++ {
		if err := g.Admit(context.Background(), p); err != nil {
			t.Fatalf("Admit() call %d error = %v", i+1, err)
		}
	}
	if err := g.Admit(context.Background(), p); !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("Admit() error = %v, want ErrRateLimited", err)
	}
}

func TestAdmitFailsOpenOnLimiterError(t *testing.T) {
	t.Parallel()

	core, recorded := observer.New(zapcore.WarnLevel)
	limiter := &fakeLimiter{allowFn: func(context.Context, string, int) (bool, error) {
		return false, errors.New("redis down")
	}}

	g, err := New(limiter, zap.New(core))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := g.Admit(context.Background(), testProvider("sendgrid", 1)); err != nil {
		t.Fatalf("Admit() error = %v, want nil", err)
	}
	if recorded.Len() != 1 {
		t.Fatalf("warn entries = %d, want 1", recorded.Len())
	}
}

func TestAdmitPassesProviderQuota(t *testing.T) {
	t.Parallel()

	var gotKey string
	var gotLimit int
	limiter := &fakeLimiter{allowFn: func(_ context.Context, key string, limit int) (bool, error) {
		gotKey, gotLimit = key, limit
		return true, nil
	}}

	g, _ := New(limiter, nil)
	if err := g.Admit(context.Background(), testProvider("twilio", 30)); err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if gotKey != "twilio" || gotLimit != 30 {
		t.Fatalf("Allow() got key=%q limit=%d, want twilio 30", gotKey, gotLimit)
	}
}

func TestShouldRetry(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name             string
		candidateRetries int
		totalRetries     int
		providerMax      int
		groupMax         int
		want             bool
	}{
		{name: "fresh candidate", candidateRetries: 0, totalRetries: 0, providerMax: 2, groupMax: 2, want: true},
		{name: "second retry", candidateRetries: 1, totalRetries: 1, providerMax: 2, groupMax: 2, want: true},
		{name: "provider cap reached", candidateRetries: 2, totalRetries: 2, providerMax: 2, groupMax: 5, want: false},
		{name: "chain budget reached", candidateRetries: 0, totalRetries: 3, providerMax: 2, groupMax: 3, want: false},
		{name: "no provider retries", candidateRetries: 0, totalRetries: 0, providerMax: 0, groupMax: 3, want: false},
		{name: "no chain retries", candidateRetries: 0, totalRetries: 0, providerMax: 3, groupMax: 0, want: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := ShouldRetry(tt.candidateRetries, tt.totalRetries, tt.providerMax, tt.groupMax); got != tt.want {
				t.Fatalf("ShouldRetry() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	t.Parallel()

	g, _ := New(&fakeLimiter{}, nil, WithBackoff(100*time.Millisecond, time.Second))
	g.randIntn = func(int) int { return 0 }

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: -1, want: 100 * time.Millisecond},
		{attempt: 0, want: 100 * time.Millisecond},
		{attempt: 1, want: 200 * time.Millisecond},
		{attempt: 3, want: 800 * time.Millisecond},
		{attempt: 4, want: time.Second},
		{attempt: 40, want: time.Second},
	}
	for _, tt := range tests {
		if got := g.Backoff(tt.attempt); got != tt.want {
			t.Fatalf("Backoff(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoffAddsBoundedJitter(t *testing.T) {
	t.Parallel()

	g, _ := New(&fakeLimiter{}, nil)
	var bound int
	g.randIntn = func(n int) int {
		bound = n
		return n - 1
	}

	got := g.Backoff(0)
	if bound != maxRetryJitterMillis+1 {
		t.Fatalf("jitter bound = %d, want %d", bound, maxRetryJitterMillis+1)
	}
	if want := DefaultBaseDelay + maxRetryJitterMillis*time.Millisecond; got != want {
		t.Fatalf("Backoff(0) = %s, want %s", got, want)
	}
}

func TestWaitHonoursContext(t *testing.T) {
	t.Parallel()

	g, _ := New(&fakeLimiter{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := g.Wait(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait() error = %v, want context.Canceled", err)
	}
	if err := g.Wait(context.Background(), 0); err != nil {
		t.Fatalf("Wait(0) error = %v", err)
	}
}

func TestNewRequiresLimiter(t *testing.T) {
	t.Parallel()

	if _, err := New(nil, nil); err == nil {
		t.Fatal("expected error for nil limiter")
	}
}
