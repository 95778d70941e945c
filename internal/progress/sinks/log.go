package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/scraperpro/orchestrator/internal/progress"
)

// LogSink emits structured logs for debugging progress streams. It is
// useful during development or audits where metrics alone are too coarse.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("kind", string(evt.Kind)),
			zap.Int64("job_id", evt.JobID),
			zap.String("run_id", evt.RunID),
			zap.String("phase", string(evt.Phase)),
			zap.Int64("proxy_id", evt.ProxyID),
			zap.String("host", evt.Host),
			zap.Bool("success", evt.Success),
			zap.String("category", string(evt.Category)),
			zap.String("decision", evt.Decision),
			zap.Duration("dur", evt.Dur),
			zap.String("note", evt.Note),
		}
		s.logger.Info("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
