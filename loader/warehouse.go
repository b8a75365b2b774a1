package loader

import (
	"context"
	"errors"
	"strings"
)

var ErrTableNotFound = errors.New("table not found")

// ColumnTypeJSON is the semi-structured column type json_payload is created with.
const ColumnTypeJSON = "JSON"

type Column struct {
	Name string
	Type string
}

// Schema is an ordered column list.
type Schema []Column

// Lookup finds a column by name. Column names compare case-insensitively.
func (s Schema) Lookup(name string) (Column, bool) {
	for _, c := range s {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return Column{}, false
}

type TableMetadata struct {
	ID     TableID
	Schema Schema
}

// IsSemiStructured reports whether a column type can hold arbitrary JSON.
func IsSemiStructured(columnType string) bool {
	switch strings.ToUpper(strings.TrimSpace(columnType)) {
	case "JSON", "JSONB":
		return true
	default:
		return false
	}
}

// RowIterator is a single-pass cursor over a query result. *sql.Rows satisfies it.
type RowIterator interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

// Warehouse is the store the loader reads export errors from and writes log
// rows to.
type Warehouse interface {
	// QuoteTable returns the quoted physical name of id for use in queries.
	QuoteTable(id TableID) (string, error)
	// QuoteColumn quotes a column name, preserving its case.
	QuoteColumn(name string) string
	// TimeAfter returns a predicate on a timestamp column that holds when the
	// column is later than the single bound argument, compared as instants.
	TimeAfter(column string) string
	Query(ctx context.Context, sql string, args ...any) (RowIterator, error)
	Table(ctx context.Context, id TableID) (*TableMetadata, error)
	// UpdateSchema replaces the schema of id. Only added columns are supported.
	UpdateSchema(ctx context.Context, id TableID, schema Schema) (*TableMetadata, error)
	// InsertRows writes rows in one call. insertIDs is parallel to rows; a row
	// whose id was already inserted into the table is dropped silently.
	// Rejected rows come back as RowErrors, not as an error.
	InsertRows(ctx context.Context, id TableID, rows []Row, insertIDs []string) ([]RowError, error)
}
