package domain

import (
	"errors"
	"testing"
)

func TestParseLogEventTypeFromString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    LogEventType
		wantErr bool
	}{
		{in: "sent", want: EventSent},
		{in: " FAILOVER ", want: EventFailoverStarted},
		{in: "attempt_failed", want: EventAttemptFailed},
		{in: "", wantErr: true},
		{in: "delivered", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()

			got, err := ParseLogEventTypeFromString(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrValidation) {
					t.Fatalf("error = %v, want ErrValidation", err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("got %q, %v; want %q", got, err, tt.want)
			}
		})
	}
}

func TestDeliveryLogEntryIsTransition(t *testing.T) {
	t.Parallel()

	status := StatusSent
	if !(DeliveryLogEntry{Status: &status}).IsTransition() {
		t.Fatal("entry with status should be a transition")
	}
	if (DeliveryLogEntry{EventType: EventRetryScheduled}).IsTransition() {
		t.Fatal("entry without status should not be a transition")
	}
}
