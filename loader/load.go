package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/goccy/go-json"
	"github.com/samber/lo"

	"sink-error-loader/logging"
)

var ErrMalformedEntry = errors.New("malformed log entry")

type LoadResult struct {
	// Records is the number of records transformed.
	Records   int
	Inserted  int
	RowErrors []RowError
}

// Loader reshapes export-error records into destination rows and writes them
// with one deduplicated insert.
type Loader struct {
	warehouse Warehouse
	table     TableID
	sanitize  SanitizeOptions
	logger    *logging.Logger
}

func NewLoader(warehouse Warehouse, table TableID, sanitize SanitizeOptions) *Loader {
	return &Loader{
		warehouse: warehouse,
		table:     table,
		sanitize:  sanitize,
		logger:    logging.NewLogger("Loader"),
	}
}

// Load transforms every record and inserts the batch. A record that cannot be
// transformed fails the whole batch before anything is inserted. Rows the
// warehouse rejects are logged and returned in the result.
func (l *Loader) Load(ctx context.Context, records Records) (LoadResult, error) {
	defer records.Close()

	var rows []Row
	var insertIDs []string
	for records.Next() {
		row, insertID, err := l.Transform(records.Record())
		if err != nil {
			return LoadResult{Records: len(rows)}, fmt.Errorf("record %d: %w", len(rows), err)
		}
		rows = append(rows, row)
		insertIDs = append(insertIDs, insertID)
	}
	if err := records.Err(); err != nil {
		return LoadResult{Records: len(rows)}, fmt.Errorf("read export errors: %w", err)
	}
	// release the cursor before writing
	if err := records.Close(); err != nil {
		return LoadResult{Records: len(rows)}, err
	}

	result := LoadResult{Records: len(rows)}
	if len(rows) == 0 {
		l.logger.Debugf("no export errors to load")
		return result, nil
	}

	rowErrors, err := l.warehouse.InsertRows(ctx, l.table, rows, insertIDs)
	if err != nil {
		return result, err
	}
	if len(rowErrors) > 0 {
		result.RowErrors = rowErrors
		l.logger.Errorf("Encountered errors while inserting rows: %s", formatRowErrors(rowErrors))
		return result, nil
	}
	result.Inserted = len(rows)
	l.logger.Infof("%d rows have been added.", len(rows))
	return result, nil
}

// Transform turns one record into a destination row and returns its insert id.
func (l *Loader) Transform(record RawErrorRecord) (Row, string, error) {
	if record.LogEntry == nil {
		return nil, "", fmt.Errorf("%w: %s is NULL", ErrMalformedEntry, logEntryColumn)
	}
	entry, err := DecodeLogEntry(*record.LogEntry)
	if err != nil {
		return nil, "", err
	}
	l.logger.Debugf("log entry is: %s", *record.LogEntry)

	payload, ok := entry[StructuredPayloadField]
	if !ok {
		return nil, "", fmt.Errorf("%w: no %s field", ErrMalformedEntry, StructuredPayloadField)
	}
	insertID, ok := entry[InsertIDField].(string)
	if !ok || insertID == "" {
		return nil, "", fmt.Errorf("%w: no %s field", ErrMalformedEntry, InsertIDField)
	}

	sanitized, err := json.Marshal(SanitizeWith(payload, l.sanitize))
	if err != nil {
		return nil, "", fmt.Errorf("encode %s: %w", JSONPayloadField, err)
	}

	row := Row(entry)
	row[JSONPayloadField] = string(sanitized)
	delete(row, StructuredPayloadField)
	l.logger.Debugf("%s: %s", JSONPayloadField, sanitized)
	return row, insertID, nil
}

// DecodeLogEntry parses a serialized log entry. The input must be exactly one
// JSON object.
func DecodeLogEntry(s string) (LogEntry, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()

	var entry LogEntry
	if err := dec.Decode(&entry); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEntry, err)
	}
	if entry == nil {
		return nil, fmt.Errorf("%w: not a JSON object", ErrMalformedEntry)
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after JSON object", ErrMalformedEntry)
	}
	return entry, nil
}

func formatRowErrors(rowErrors []RowError) string {
	return strings.Join(lo.Map(rowErrors, func(e RowError, _ int) string {
		return fmt.Sprintf("[%d %s] %s", e.Index, e.InsertID, e.Reason)
	}), "; ")
}
