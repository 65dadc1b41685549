package emit

import (
	"context"

	"github.com/sirupsen/logrus"
)

// LogEmitter writes every Event as a structured logrus entry. Grounded on
// r3e-network-service_layer's pkg/logger.Logger wrapper: a thin struct
// around *logrus.Logger configured once at construction, used here as the
// Event Bus's always-on observability sink (spec.md §4.8 events are
// delivered "best-effort, asynchronous, non-blocking").
type LogEmitter struct {
	log *logrus.Logger
}

// NewLogEmitter wraps an existing *logrus.Logger. Pass logrus.StandardLogger()
// for the package-level default, or a dedicated instance for isolation.
func NewLogEmitter(log *logrus.Logger) *LogEmitter {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &LogEmitter{log: log}
}

func (e *LogEmitter) Emit(event Event) {
	fields := logrus.Fields{
		"job_id":     event.JobID,
		"event_type": string(event.Type),
	}
	if event.StepName != "" {
		fields["step_name"] = event.StepName
	}
	if event.StepIndex != nil {
		fields["step_index"] = *event.StepIndex
	}
	for k, v := range event.Data {
		fields["data_"+k] = v
	}
	entry := e.log.WithFields(fields)
	switch event.Severity {
	case SeverityDebug:
		entry.Debug(event.Message)
	case SeverityWarning:
		entry.Warn(event.Message)
	case SeverityError:
		entry.Error(event.Message)
	default:
		entry.Info(event.Message)
	}
}

func (e *LogEmitter) Flush(context.Context) error { return nil }
