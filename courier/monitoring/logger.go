// Package monitoring attaches logging and metrics observers to the saga
// engine's event signal.
package monitoring

import (
	"context"
	"log/slog"

	"github.com/krew-solutions/courier-go/courier/saga"
)

// Logger writes every saga event as a structured log record. Faults and
// failures are logged as warnings, an unresolved compensation as an error.
type Logger struct {
	logger *slog.Logger
}

func NewLogger(logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{logger: logger}
}

func (l *Logger) Observe(event saga.Event) error {
	attrs := []slog.Attr{
		slog.String("event_id", event.ID.String()),
		slog.String("tracking_number", event.TrackingNumber.String()),
		slog.String("state", string(event.State)),
	}
	if event.ActivityName != "" {
		attrs = append(attrs,
			slog.String("activity", event.ActivityName),
			slog.String("address", event.Address),
		)
	}
	if event.Duration > 0 {
		attrs = append(attrs, slog.Duration("duration", event.Duration))
	}
	if event.Err != nil {
		attrs = append(attrs, slog.String("error", event.Err.Error()))
	}
	l.logger.LogAttrs(context.Background(), levelOf(event.Kind), string(event.Kind), attrs...)
	return nil
}

func levelOf(kind saga.EventKind) slog.Level {
	switch kind {
	case saga.EventSagaCompensationFailed, saga.EventStepCompensationFailed:
		return slog.LevelError
	case saga.EventStepFaulted, saga.EventSagaFaulted:
		return slog.LevelWarn
	case saga.EventSagaCompleted:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}
