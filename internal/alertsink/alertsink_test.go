package alertsink

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/cfxhq/router/internal/breaker"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDisabledSinkLogsInsteadOfPosting(t *testing.T) {
	s := New("", "", discardLogger())
	if s.enabled() {
		t.Fatal("sink with empty bot token should be disabled")
	}
	// Must not dereference the nil Slack client.
	s.HandleEvent(context.Background(), "test-upstream", breaker.Event{From: breaker.StateClosed, To: breaker.StateOpen})
	s.HandleEvent(context.Background(), "test-upstream", breaker.Event{From: breaker.StateHalfOpen, To: breaker.StateClosed})
}

func TestHandleEventIgnoresNonAlertingTransitions(t *testing.T) {
	s := New("", "", discardLogger())
	// closed -> half_open and open -> half_open are not alerting
	// transitions; HandleEvent must return before touching the Slack client.
	s.HandleEvent(context.Background(), "test-upstream", breaker.Event{From: breaker.StateClosed, To: breaker.StateHalfOpen})
	s.HandleEvent(context.Background(), "test-upstream", breaker.Event{From: breaker.StateOpen, To: breaker.StateHalfOpen})
}
