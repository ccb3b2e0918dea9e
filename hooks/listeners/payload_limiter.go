package listeners

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/INLOpen/nssync/hooks"
)

// ErrPayloadTooLarge is returned from the PreAppend hook when a payload
// exceeds the configured limit.
var ErrPayloadTooLarge = errors.New("payload exceeds configured limit")

// PayloadLimiterListener rejects appends whose payload is larger than Max
// bytes before anything is written to the log.
type PayloadLimiterListener struct {
	logger *slog.Logger
	max    int
}

func NewPayloadLimiterListener(max int, logger *slog.Logger) *PayloadLimiterListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &PayloadLimiterListener{
		logger: logger.With("component", "PayloadLimiterListener"),
		max:    max,
	}
}

func (l *PayloadLimiterListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	payload, ok := event.Payload().(hooks.PreAppendPayload)
	if !ok {
		return nil
	}
	if l.max > 0 && len(payload.Payload) > l.max {
		l.logger.Warn("Rejecting oversized append", "size", len(payload.Payload), "max", l.max)
		return fmt.Errorf("%w: %d > %d bytes", ErrPayloadTooLarge, len(payload.Payload), l.max)
	}
	return nil
}

func (l *PayloadLimiterListener) Priority() int { return 10 }
func (l *PayloadLimiterListener) IsAsync() bool { return false }
