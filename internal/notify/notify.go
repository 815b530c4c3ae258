// Package notify delivers raised alerts to external channels.
package notify

import (
	"context"
	"errors"

	"github.com/cubent/usagemeter/internal/logging"
	"github.com/cubent/usagemeter/internal/models"
	"github.com/rs/zerolog"
)

// LogSink writes alerts to the structured log.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a sink logging under the "notify" component.
func NewLogSink() *LogSink {
	return &LogSink{logger: logging.Component("notify")}
}

// Notify implements alerts.Sink.
func (s *LogSink) Notify(_ context.Context, alert models.Alert) error {
	event := s.logger.Info()
	switch alert.Severity {
	case models.SeverityWarning:
		event = s.logger.Warn()
	case models.SeverityCritical:
		event = s.logger.Error()
	}
	event.
		Str("user_id", alert.UserID).
		Str("alert_id", alert.ID).
		Str("type", string(alert.Type)).
		Float64("current", alert.CurrentValue).
		Float64("limit", alert.Limit).
		Msg(alert.Message)
	return nil
}

// Sink matches alerts.Sink without importing it.
type Sink interface {
	Notify(ctx context.Context, alert models.Alert) error
}

// Multi fans an alert out to several sinks and joins their errors.
type Multi []Sink

// Notify implements alerts.Sink.
func (m Multi) Notify(ctx context.Context, alert models.Alert) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Notify(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
