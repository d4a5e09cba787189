package events

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/forPelevin/unmark/internal/ports"
	"github.com/forPelevin/unmark/internal/types"
)

// LogSink writes job events to the structured log.
type LogSink struct{ log *zap.Logger }

func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log.Named("events")}
}

func (s *LogSink) Publish(_ context.Context, ev types.JobEvent) error {
	fields := []zap.Field{
		zap.String("job", ev.JobID),
		zap.String("state", string(ev.State)),
		zap.Int("done", ev.Done),
		zap.Int("total", ev.Total),
	}
	if ev.Stage != "" {
		fields = append(fields, zap.String("stage", ev.Stage))
	}
	if ev.Error != "" {
		s.log.Error(ev.Message, append(fields, zap.String("error", ev.Error))...)
		return nil
	}
	s.log.Info(ev.Message, fields...)
	return nil
}

// Multi fans an event out to every sink and joins their errors.
type Multi []ports.EventSink

func (m Multi) Publish(ctx context.Context, ev types.JobEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Func adapts a function to ports.EventSink.
type Func func(ctx context.Context, ev types.JobEvent) error

func (f Func) Publish(ctx context.Context, ev types.JobEvent) error { return f(ctx, ev) }

var (
	_ ports.EventSink = (*NATSSink)(nil)
	_ ports.EventSink = (*LogSink)(nil)
	_ ports.EventSink = Multi(nil)
	_ ports.EventSink = Func(nil)
)
