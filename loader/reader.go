package loader

import (
	"context"
	"fmt"
	"time"

	"sink-error-loader/logging"
)

// SafetyMargin widens the query window so that records logged while the
// scheduler was slightly late are not skipped.
const SafetyMargin = 5 * time.Second

// Clock supplies the current time.
type Clock func() time.Time

// QueryWindow is how far back one invocation looks for export errors.
func QueryWindow(pollingInterval time.Duration) time.Duration {
	return pollingInterval + SafetyMargin
}

// Records is a single-pass sequence of raw error records.
type Records interface {
	Next() bool
	Record() RawErrorRecord
	Err() error
	Close() error
}

type ErrorReader struct {
	warehouse Warehouse
	now       Clock
	logger    *logging.Logger
}

func NewErrorReader(warehouse Warehouse, now Clock) *ErrorReader {
	if now == nil {
		now = time.Now
	}
	return &ErrorReader{
		warehouse: warehouse,
		now:       now,
		logger:    logging.NewLogger("ErrorReader"),
	}
}

// FetchRecentErrors selects the log entries of table recorded within window
// before now. The result streams from one query and can be read once.
func (r *ErrorReader) FetchRecentErrors(ctx context.Context, table TableID, window time.Duration) (*RecordIterator, error) {
	quoted, err := r.warehouse.QuoteTable(table)
	if err != nil {
		return nil, err
	}
	query, cutoff := errorQuery(quoted, r.warehouse, r.now(), window)
	r.logger.Debugf("query: %s [cutoff=%s]", query, cutoff.Format(time.RFC3339Nano))

	rows, err := r.warehouse.Query(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	return &RecordIterator{rows: rows}, nil
}

// dialect is the part of Warehouse errorQuery needs.
type dialect interface {
	QuoteColumn(name string) string
	TimeAfter(column string) string
}

func errorQuery(quotedTable string, d dialect, now time.Time, window time.Duration) (string, time.Time) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		d.QuoteColumn(logEntryColumn), quotedTable, d.TimeAfter(timestampColumn))
	return query, now.UTC().Add(-window)
}

// RecordIterator reads RawErrorRecords off a query cursor.
type RecordIterator struct {
	rows    RowIterator
	current RawErrorRecord
	err     error
	done    bool
	closed  bool
}

func (it *RecordIterator) Next() bool {
	if it.done {
		return false
	}
	if !it.rows.Next() {
		it.done = true
		return false
	}
	var entry *string
	if err := it.rows.Scan(&entry); err != nil {
		it.err = err
		it.done = true
		return false
	}
	it.current = RawErrorRecord{LogEntry: entry}
	return true
}

func (it *RecordIterator) Record() RawErrorRecord {
	return it.current
}

func (it *RecordIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.rows.Err()
}

func (it *RecordIterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	it.done = true
	return it.rows.Close()
}
