package loader

import (
	"context"

	"sink-error-loader/logging"
)

// Reporter receives the result of every run.
type Reporter interface {
	Report(ctx context.Context, result Result) error
}

// LogReporter writes a one-line run summary.
type LogReporter struct {
	logger *logging.Logger
}

func NewLogReporter() *LogReporter {
	return &LogReporter{logger: logging.NewLogger("Run")}
}

func (r *LogReporter) Report(_ context.Context, result Result) error {
	switch result.Outcome {
	case OutcomeFailed:
		r.logger.Errorf("run %s failed in %s stage after %s: %v",
			result.RunID, result.Stage, result.Duration(), result.Err)
	case OutcomePartial:
		r.logger.Warnf("run %s partial: records=%d rejected=%d column=%s duration=%s",
			result.RunID, result.Records, len(result.RowErrors), result.Column, result.Duration())
	default:
		r.logger.Infof("run %s ok: records=%d inserted=%d column=%s duration=%s",
			result.RunID, result.Records, result.Inserted, result.Column, result.Duration())
	}
	return nil
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, result Result) error

func (f ReporterFunc) Report(ctx context.Context, result Result) error {
	return f(ctx, result)
}
