package loader

import (
	"time"

	"gorm.io/datatypes"
)

const (
	// JSONPayloadField holds the sanitized structured payload on destination rows.
	JSONPayloadField = "json_payload"
	// StructuredPayloadField is the nested payload field of a log entry.
	StructuredPayloadField = "jsonPayload"
	// InsertIDField is the per-entry identifier used to drop duplicates.
	InsertIDField = "insertId"

	logEntryColumn  = "logEntry"
	timestampColumn = "timestamp"
)

// LogEntry is a decoded export-error log entry. Numbers are json.Number.
type LogEntry map[string]any

// Row is a destination row keyed by column name.
type Row map[string]any

// RawErrorRecord is one row of the export error table.
type RawErrorRecord struct {
	LogEntry *string `gorm:"column:logEntry"`
}

// RowError is a per-row rejection reported by the warehouse on insert.
type RowError struct {
	Index    int
	InsertID string
	Reason   string
}

// LogRow is the base log-sink schema used when bootstrapping a destination
// table. It has no json_payload column.
type LogRow struct {
	InsertID         string         `gorm:"column:insertId;size:256"`
	LogName          string         `gorm:"column:logName;size:512"`
	Resource         datatypes.JSON `gorm:"column:resource"`
	TextPayload      *string        `gorm:"column:textPayload;type:text"`
	Timestamp        time.Time      `gorm:"column:timestamp"`
	ReceiveTimestamp *time.Time     `gorm:"column:receiveTimestamp"`
	Severity         string         `gorm:"column:severity;size:32"`
	HTTPRequest      datatypes.JSON `gorm:"column:httpRequest"`
	Labels           datatypes.JSON `gorm:"column:labels"`
	Operation        datatypes.JSON `gorm:"column:operation"`
	Trace            string         `gorm:"column:trace;size:512"`
	SpanID           string         `gorm:"column:spanId;size:64"`
	TraceSampled     *bool          `gorm:"column:traceSampled"`
	SourceLocation   datatypes.JSON `gorm:"column:sourceLocation"`
}

// ExportErrorRow is the schema of the export error table.
type ExportErrorRow struct {
	ID        uint      `gorm:"primaryKey"`
	LogEntry  string    `gorm:"column:logEntry;type:text"`
	Timestamp time.Time `gorm:"column:timestamp"`
}

// InsertedRow is the ledger the warehouse keeps to drop rows whose insert id
// was already written to a table.
type InsertedRow struct {
	Table      string    `gorm:"column:table_name;primaryKey;size:256"`
	InsertID   string    `gorm:"column:insert_id;primaryKey;size:256"`
	InsertedAt time.Time
}

func (InsertedRow) TableName() string {
	return "_inserted_rows"
}
