package worker

import (
	"log/slog"
	"time"
)

// span is an explicit start/end scope around one unit of work, independent
// of any particular tracing vendor.
type span struct {
	logger *slog.Logger
	name   string
	start  time.Time
}

func startSpan(logger *slog.Logger, name string, attrs ...slog.Attr) *span {
	args := make([]interface{}, 0, len(attrs))
	for _, attr := range attrs {
		args = append(args, attr)
	}
	return &span{
		logger: logger.With(args...),
		name:   name,
		start:  time.Now(),
	}
}

// End closes the span, recording its duration and outcome.
func (s *span) End(err error) {
	duration := time.Since(s.start)
	if err != nil {
		s.logger.Debug(s.name+" failed",
			slog.Duration("duration", duration),
			slog.Any("error", err),
		)
		return
	}
	s.logger.Debug(s.name+" finished",
		slog.Duration("duration", duration),
	)
}
