package loader

import (
	"context"
	"fmt"
	"sync"
	"time"

	goerrors "github.com/go-errors/errors"
	"github.com/google/uuid"

	"sink-error-loader/logging"
)

type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomePartial Outcome = "partial"
	OutcomeFailed  Outcome = "failed"
)

// Stage names the step of a run.
type Stage string

const (
	StageSchema Stage = "schema"
	StageRead   Stage = "read"
	StageLoad   Stage = "load"
)

// Result describes one invocation.
type Result struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	Outcome    Outcome
	// Stage is the step that failed; empty unless Outcome is OutcomeFailed.
	Stage     Stage
	Column    Reconciliation
	Records   int
	Inserted  int
	RowErrors []RowError
	Err       error
}

func (r Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

type TriggerConfig struct {
	Destination     TableID
	ErrorTable      TableID
	PollingInterval time.Duration
	// Timeout bounds one run. 0 leaves runs unbounded.
	Timeout  time.Duration
	Sanitize SanitizeOptions
}

// Trigger runs schema reconciliation, the export error query and the load,
// in that order, once per call to Run.
type Trigger struct {
	cfg        TriggerConfig
	reconciler *SchemaReconciler
	reader     *ErrorReader
	loader     *Loader
	reporters  []Reporter
	now        Clock
	mutex      sync.Mutex
	logger     *logging.Logger
}

func NewTrigger(cfg TriggerConfig, warehouse Warehouse, now Clock, reporters ...Reporter) (*Trigger, error) {
	if err := cfg.Destination.Validate(); err != nil {
		return nil, fmt.Errorf("destination: %w", err)
	}
	if err := cfg.ErrorTable.Validate(); err != nil {
		return nil, fmt.Errorf("error table: %w", err)
	}
	if cfg.PollingInterval <= 0 {
		return nil, fmt.Errorf("polling interval must be positive, got %s", cfg.PollingInterval)
	}
	if now == nil {
		now = time.Now
	}
	return &Trigger{
		cfg:        cfg,
		reconciler: NewSchemaReconciler(warehouse),
		reader:     NewErrorReader(warehouse, now),
		loader:     NewLoader(warehouse, cfg.Destination, cfg.Sanitize),
		reporters:  reporters,
		now:        now,
		logger:     logging.NewLogger("Trigger"),
	}, nil
}

// Run performs one invocation. It never returns an error: failures, panics
// included, end up in the Result, which is also handed to every reporter.
// Concurrent calls are serialized.
func (t *Trigger) Run(ctx context.Context) (result Result) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	result = Result{
		RunID:     uuid.NewString(),
		StartedAt: t.now().UTC(),
	}
	reportCtx := context.WithoutCancel(ctx)
	if t.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.Timeout)
		defer cancel()
	}

	stage := StageSchema
	defer func() {
		if p := recover(); p != nil {
			err := goerrors.Wrap(p, 2)
			t.logger.Errorf("run %s panicked in %s stage: %s", result.RunID, stage, err.ErrorStack())
			result.Err = err
			result.Stage = stage
		}
		result.FinishedAt = t.now().UTC()
		switch {
		case result.Err != nil:
			result.Outcome = OutcomeFailed
		case len(result.RowErrors) > 0:
			result.Outcome = OutcomePartial
		default:
			result.Outcome = OutcomeOK
		}
		t.report(reportCtx, result)
	}()

	column, err := t.reconciler.EnsureColumn(ctx, t.cfg.Destination, JSONPayloadField)
	result.Column = column
	if err != nil {
		result.Err, result.Stage = err, stage
		return result
	}

	stage = StageRead
	records, err := t.reader.FetchRecentErrors(ctx, t.cfg.ErrorTable, QueryWindow(t.cfg.PollingInterval))
	if err != nil {
		result.Err, result.Stage = err, stage
		return result
	}

	stage = StageLoad
	loaded, err := t.loader.Load(ctx, records)
	result.Records = loaded.Records
	result.Inserted = loaded.Inserted
	result.RowErrors = loaded.RowErrors
	if err != nil {
		result.Err, result.Stage = err, stage
	}
	return result
}

func (t *Trigger) report(ctx context.Context, result Result) {
	for _, reporter := range t.reporters {
		if err := reporter.Report(ctx, result); err != nil {
			t.logger.Warnf("reporting run %s failed: %v", result.RunID, err)
		}
	}
}
