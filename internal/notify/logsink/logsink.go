// Package logsink is the delivery used when no SMS transport is configured.
// It logs each message instead of sending it.
package logsink

import (
	"context"
	"strings"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/intake/internal/intake"
)

// Sink logs outbound messages and always succeeds.
type Sink struct {
	logger log.Logger
}

// New returns a Sink logging to logger.
func New(logger log.Logger) *Sink {
	if logger == nil {
		logger = log.Nop()
	}
	return &Sink{logger: logger.With("delivery", "logsink")}
}

// Deliver implements intake.Delivery.
func (s *Sink) Deliver(ctx context.Context, msg *intake.Outbound) error {
	s.logger.Info(ctx, "sms not sent, no transport configured",
		"ref", msg.Ref,
		"to", maskNumber(msg.To),
		"type", msg.Type,
		"segments", msg.Segments,
	)
	return nil
}

// maskNumber keeps the last four digits of a phone number so operators can
// tell recipients apart without the log holding the full number.
func maskNumber(to string) string {
	const keep = 4
	if len(to) <= keep {
		return strings.Repeat("*", len(to))
	}
	return strings.Repeat("*", len(to)-keep) + to[len(to)-keep:]
}
