package loader

import (
	"context"
	"errors"
	"sync"
)

type insertCall struct {
	table     TableID
	rows      []Row
	insertIDs []string
}

// fakeWarehouse keeps table schemas in memory and records every call.
type fakeWarehouse struct {
	mu sync.Mutex

	schemas map[TableID]Schema
	// records served to any query, in order
	records []*string

	tableErr  error
	updateErr error
	queryErr  error
	insertErr error
	// dropUpdate makes UpdateSchema report success without changing the schema
	dropUpdate bool
	rowErrors  []RowError
	onInsert   func()

	updates []Schema
	queries []string
	inserts []insertCall
}

func newFakeWarehouse() *fakeWarehouse {
	return &fakeWarehouse{schemas: map[TableID]Schema{}}
}

func (f *fakeWarehouse) QuoteTable(id TableID) (string, error) {
	if err := id.Validate(); err != nil {
		return "", err
	}
	return "`" + id.String() + "`", nil
}

func (f *fakeWarehouse) QuoteColumn(name string) string {
	return "`" + name + "`"
}

func (f *fakeWarehouse) TimeAfter(column string) string {
	return f.QuoteColumn(column) + " > ?"
}

func (f *fakeWarehouse) Query(_ context.Context, sql string, _ ...any) (RowIterator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, sql)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return &fakeRows{values: f.records}, nil
}

func (f *fakeWarehouse) Table(_ context.Context, id TableID) (*TableMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tableErr != nil {
		return nil, f.tableErr
	}
	schema, ok := f.schemas[id]
	if !ok {
		return nil, ErrTableNotFound
	}
	return &TableMetadata{ID: id, Schema: append(Schema(nil), schema...)}, nil
}

func (f *fakeWarehouse) UpdateSchema(_ context.Context, id TableID, schema Schema) (*TableMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, schema)
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	if !f.dropUpdate {
		f.schemas[id] = append(Schema(nil), schema...)
	}
	return &TableMetadata{ID: id, Schema: append(Schema(nil), f.schemas[id]...)}, nil
}

func (f *fakeWarehouse) InsertRows(_ context.Context, id TableID, rows []Row, insertIDs []string) ([]RowError, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onInsert != nil {
		f.onInsert()
	}
	f.inserts = append(f.inserts, insertCall{table: id, rows: rows, insertIDs: insertIDs})
	if f.insertErr != nil {
		return nil, f.insertErr
	}
	return f.rowErrors, nil
}

type fakeRows struct {
	values []*string
	pos    int
	closed bool
	err    error
}

func (r *fakeRows) Next() bool {
	if r.closed || r.pos >= len(r.values) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	if len(dest) != 1 {
		return errors.New("expected one destination")
	}
	p, ok := dest[0].(**string)
	if !ok {
		return errors.New("unexpected destination type")
	}
	*p = r.values[r.pos-1]
	return nil
}

func (r *fakeRows) Err() error {
	return r.err
}

func (r *fakeRows) Close() error {
	r.closed = true
	return nil
}

// sliceRecords serves fixed records and tracks whether it was closed.
type sliceRecords struct {
	records []RawErrorRecord
	pos     int
	err     error
	closed  bool
}

func newSliceRecords(entries ...string) *sliceRecords {
	r := &sliceRecords{}
	for _, e := range entries {
		e := e
		r.records = append(r.records, RawErrorRecord{LogEntry: &e})
	}
	return r
}

func (r *sliceRecords) Next() bool {
	if r.closed || r.pos >= len(r.records) {
		return false
	}
	r.pos++
	return true
}

func (r *sliceRecords) Record() RawErrorRecord {
	return r.records[r.pos-1]
}

func (r *sliceRecords) Err() error {
	return r.err
}

func (r *sliceRecords) Close() error {
	r.closed = true
	return nil
}

func strPtr(s string) *string {
	return &s
}

func testTable(table string) TableID {
	return TableID{Project: "my-project", Dataset: "logs", Table: table}
}

func baseSchema() Schema {
	return Schema{
		{Name: "insertId", Type: "STRING"},
		{Name: "logName", Type: "STRING"},
		{Name: "timestamp", Type: "TIMESTAMP"},
		{Name: "severity", Type: "STRING"},
	}
}
