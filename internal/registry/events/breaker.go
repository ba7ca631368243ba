package events

import (
	"context"
	"errors"
	"log/slog"

	"teamclock/pkg/platform/circuit"
)

// ErrBrokerUnavailable is returned instead of publishing while the breaker is
// open.
var ErrBrokerUnavailable = errors.New("event broker unavailable")

// GuardedPublisher stops calling a failing broker after repeated errors so
// registry writes do not each wait out a produce timeout.
type GuardedPublisher struct {
	next    Publisher
	breaker *circuit.Breaker
	logger  *slog.Logger
}

// NewGuardedPublisher wraps next with breaker.
func NewGuardedPublisher(next Publisher, breaker *circuit.Breaker, logger *slog.Logger) *GuardedPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &GuardedPublisher{next: next, breaker: breaker, logger: logger}
}

func (p *GuardedPublisher) Publish(ctx context.Context, evt Event) error {
	if !p.breaker.Allow() {
		return ErrBrokerUnavailable
	}
	if err := p.next.Publish(ctx, evt); err != nil {
		if _, change := p.breaker.RecordFailure(); change.Opened {
			p.logger.WarnContext(ctx, "event publishing suspended",
				"breaker", p.breaker.Name(),
				"error", err,
			)
		}
		return err
	}
	if _, change := p.breaker.RecordSuccess(); change.Closed {
		p.logger.InfoContext(ctx, "event publishing resumed", "breaker", p.breaker.Name())
	}
	return nil
}
