package app

import (
	"context"
	"log/slog"

	"github.com/neomorfeo/subflow/internal/domain"
)

// LogSink reports operator notifications through the structured logger.
// It is the sink used when no message broker is configured.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Notify(ctx context.Context, event domain.DomainEvent) error {
	level := slog.LevelInfo
	if event.Type == domain.EventInvoiceGenerationFailed {
		level = slog.LevelError
	}
	s.logger.Log(ctx, level, "operator notification",
		slog.String("type", string(event.Type)),
		slog.String("subscription_id", event.SubscriptionID),
		slog.Int64("sequence", event.Sequence),
		slog.String("payload", string(event.Payload)),
	)
	return nil
}
