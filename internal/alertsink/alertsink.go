// Package alertsink posts circuit breaker state transitions to Slack,
// best-effort.
package alertsink

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goslack "github.com/slack-go/slack"

	"github.com/cfxhq/router/internal/breaker"
)

// postTimeout bounds how long a single Slack post may take, so a slow or
// hanging Slack API call never holds up the event consumer.
const postTimeout = 5 * time.Second

// Sink posts breaker transitions to a configured Slack channel. A Sink with
// no bot token or no channel never posts — constructing one never fails
// configuration.
type Sink struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// New creates a Sink. If botToken is empty the Sink is disabled: HandleEvent
// logs the transition instead of posting.
func New(botToken, channel string, logger *slog.Logger) *Sink {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &Sink{client: client, channel: channel, logger: logger}
}

func (s *Sink) enabled() bool {
	return s.client != nil && s.channel != ""
}

// HandleEvent posts a one-line Slack message for a breaker transition from
// closed into open or from half_open back to closed; every other transition
// is ignored. Safe to call
// from the same goroutine that also records the transition in metrics, so
// the breaker's event channel has exactly one reader. Never blocks the
// breaker: posting happens after the event is already off the channel.
func (s *Sink) HandleEvent(ctx context.Context, upstreamName string, ev breaker.Event) {
	var text string
	switch {
	case ev.From == breaker.StateClosed && ev.To == breaker.StateOpen:
		text = fmt.Sprintf(":red_circle: circuit breaker OPEN for upstream %q (failure threshold reached)", upstreamName)
	case ev.From == breaker.StateHalfOpen && ev.To == breaker.StateClosed:
		text = fmt.Sprintf(":large_green_circle: circuit breaker RECOVERED for upstream %q", upstreamName)
	default:
		return
	}

	if !s.enabled() {
		s.logger.Info("circuit breaker transition (alerting disabled)", "upstream", upstreamName, "from", ev.From, "to", ev.To)
		return
	}

	postCtx, cancel := context.WithTimeout(ctx, postTimeout)
	defer cancel()

	if _, _, err := s.client.PostMessageContext(postCtx, s.channel, goslack.MsgOptionText(text, false)); err != nil {
		s.logger.Warn("alertsink: failed to post circuit breaker transition", "error", err)
	}
}
