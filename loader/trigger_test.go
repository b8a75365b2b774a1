package loader

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingReporter struct {
	mu      sync.Mutex
	results []Result
	err     error
}

func (r *recordingReporter) Report(_ context.Context, result Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result)
	return r.err
}

func (r *recordingReporter) Results() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Result(nil), r.results...)
}

func testTriggerConfig() TriggerConfig {
	return TriggerConfig{
		Destination:     testDestination,
		ErrorTable:      testErrorTable,
		PollingInterval: time.Minute,
	}
}

func newTestTrigger(t *testing.T, w Warehouse, reporters ...Reporter) *Trigger {
	t.Helper()
	trigger, err := NewTrigger(testTriggerConfig(), w, fixedClock(testDay), reporters...)
	require.NoError(t, err)
	return trigger
}

func TestNewTrigger_ValidatesConfig(t *testing.T) {
	cfg := testTriggerConfig()
	cfg.PollingInterval = 0
	_, err := NewTrigger(cfg, newFakeWarehouse(), nil)
	assert.Error(t, err)

	cfg = testTriggerConfig()
	cfg.Destination.Table = "bad-name"
	_, err = NewTrigger(cfg, newFakeWarehouse(), nil)
	assert.ErrorIs(t, err, ErrInvalidTableID)
}

func TestTrigger_Run_OK(t *testing.T) {
	w := newFakeWarehouse()
	w.schemas[testDestination] = baseSchema()
	w.records = []*string{
		strPtr(`{"insertId":"a","jsonPayload":{"Foo-Bar":1}}`),
		strPtr(`{"insertId":"b","jsonPayload":{}}`),
	}
	reporter := &recordingReporter{}

	result := newTestTrigger(t, w, reporter).Run(context.Background())

	require.NoError(t, result.Err)
	assert.Equal(t, OutcomeOK, result.Outcome)
	assert.Empty(t, result.Stage)
	assert.Equal(t, ColumnAdded, result.Column)
	assert.Equal(t, 2, result.Records)
	assert.Equal(t, 2, result.Inserted)
	assert.NotEmpty(t, result.RunID)

	// schema first, then the query, then one insert into the destination
	require.Len(t, w.updates, 1)
	require.Len(t, w.queries, 1)
	require.Len(t, w.inserts, 1)
	assert.Equal(t, testDestination, w.inserts[0].table)

	require.Len(t, reporter.Results(), 1)
	assert.Equal(t, result.RunID, reporter.Results()[0].RunID)
}

func TestTrigger_Run_SchemaFailureStopsRun(t *testing.T) {
	w := newFakeWarehouse()
	reporter := &recordingReporter{}

	result := newTestTrigger(t, w, reporter).Run(context.Background())

	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, StageSchema, result.Stage)
	assert.ErrorIs(t, result.Err, ErrTableNotFound)
	assert.Empty(t, w.queries)
	assert.Empty(t, w.inserts)
	require.Len(t, reporter.Results(), 1)
	assert.Equal(t, OutcomeFailed, reporter.Results()[0].Outcome)
}

func TestTrigger_Run_ReadFailure(t *testing.T) {
	w := newFakeWarehouse()
	w.schemas[testDestination] = baseSchema()
	w.queryErr = errors.New("boom")

	result := newTestTrigger(t, w).Run(context.Background())

	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, StageRead, result.Stage)
	assert.Empty(t, w.inserts)
}

func TestTrigger_Run_MalformedEntryFailsLoad(t *testing.T) {
	w := newFakeWarehouse()
	w.schemas[testDestination] = baseSchema()
	w.records = []*string{strPtr(`{"insertId":"a","jsonPayload":{}}`), strPtr(`oops`)}

	result := newTestTrigger(t, w).Run(context.Background())

	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, StageLoad, result.Stage)
	assert.ErrorIs(t, result.Err, ErrMalformedEntry)
	assert.Empty(t, w.inserts)
}

func TestTrigger_Run_Partial(t *testing.T) {
	w := newFakeWarehouse()
	w.schemas[testDestination] = baseSchema()
	w.records = []*string{strPtr(`{"insertId":"a","jsonPayload":{}}`)}
	w.rowErrors = []RowError{{Index: 0, InsertID: "a", Reason: "no such field: x"}}

	result := newTestTrigger(t, w).Run(context.Background())

	require.NoError(t, result.Err)
	assert.Equal(t, OutcomePartial, result.Outcome)
	assert.Len(t, result.RowErrors, 1)
}

func TestTrigger_Run_RecoversPanic(t *testing.T) {
	w := newFakeWarehouse()
	w.schemas[testDestination] = baseSchema()
	w.records = []*string{strPtr(`{"insertId":"a","jsonPayload":{}}`)}
	w.onInsert = func() { panic("driver exploded") }
	reporter := &recordingReporter{}

	var result Result
	require.NotPanics(t, func() {
		result = newTestTrigger(t, w, reporter).Run(context.Background())
	})

	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, StageLoad, result.Stage)
	assert.ErrorContains(t, result.Err, "driver exploded")
	require.Len(t, reporter.Results(), 1)
}

func TestTrigger_Run_ReporterFailureIsIgnored(t *testing.T) {
	w := newFakeWarehouse()
	w.schemas[testDestination] = baseSchema()
	failing := &recordingReporter{err: errors.New("syslog down")}
	second := &recordingReporter{}

	result := newTestTrigger(t, w, failing, second).Run(context.Background())

	assert.Equal(t, OutcomeOK, result.Outcome)
	assert.Len(t, failing.Results(), 1)
	assert.Len(t, second.Results(), 1)
}

func TestTrigger_Run_SecondRunSkipsSchemaUpdate(t *testing.T) {
	w := newFakeWarehouse()
	w.schemas[testDestination] = baseSchema()
	trigger := newTestTrigger(t, w)

	first := trigger.Run(context.Background())
	second := trigger.Run(context.Background())

	assert.Equal(t, ColumnAdded, first.Column)
	assert.Equal(t, ColumnExisted, second.Column)
	assert.Len(t, w.updates, 1)
	assert.NotEqual(t, first.RunID, second.RunID)
}

func TestTrigger_Run_Serialized(t *testing.T) {
	w := newFakeWarehouse()
	w.schemas[testDestination] = baseSchema()
	w.records = []*string{strPtr(`{"insertId":"a","jsonPayload":{}}`)}

	var mu sync.Mutex
	active, maxActive := 0, 0
	reporter := ReporterFunc(func(context.Context, Result) error {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return nil
	})
	trigger := newTestTrigger(t, w, reporter)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			trigger.Run(context.Background())
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxActive)
	assert.Len(t, w.inserts, 8)
}

func TestTrigger_Run_TimeoutCancelsContext(t *testing.T) {
	cfg := testTriggerConfig()
	cfg.Timeout = time.Nanosecond
	w := &ctxWarehouse{fakeWarehouse: newFakeWarehouse()}
	w.schemas[testDestination] = baseSchema()
	trigger, err := NewTrigger(cfg, w, fixedClock(testDay))
	require.NoError(t, err)

	result := trigger.Run(context.Background())

	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.ErrorIs(t, result.Err, context.DeadlineExceeded)
}

// ctxWarehouse fails Table once the context is done.
type ctxWarehouse struct {
	*fakeWarehouse
}

func (w *ctxWarehouse) Table(ctx context.Context, id TableID) (*TableMetadata, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
