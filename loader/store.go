package loader

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/goccy/go-json"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var columnTypePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_ (),]*$`)

type StoreConfig struct {
	Driver string
	DSN    string
	// Project and Dataset scope the warehouse; tables of other datasets are not found.
	Project string
	Dataset string
}

// GormWarehouse implements Warehouse on a SQL database. One database holds
// one dataset; table names map to physical tables one to one.
type GormWarehouse struct {
	db      *gorm.DB
	project string
	dataset string
}

func OpenWarehouse(cfg StoreConfig) (*GormWarehouse, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverSQLite:
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "sink-error-loader.db"
		}
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		if strings.TrimSpace(cfg.DSN) == "" {
			return nil, fmt.Errorf("postgres warehouse requires a DSN")
		}
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported warehouse driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if db.Dialector.Name() == DriverSQLite {
		// SQLite allows one writer; an open cursor must not race a write on a
		// second connection.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&InsertedRow{}); err != nil {
		return nil, err
	}
	return &GormWarehouse{db: db, project: cfg.Project, dataset: cfg.Dataset}, nil
}

func (w *GormWarehouse) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	sqlDB, err := w.db.DB()
	if err != nil {
		return err
	}
	err = sqlDB.Close()
	w.db = nil
	return err
}

func (w *GormWarehouse) tableName(id TableID) (string, error) {
	if err := id.Validate(); err != nil {
		return "", err
	}
	if id.Project != w.project || id.Dataset != w.dataset {
		return "", fmt.Errorf("%w: %s is outside dataset %s.%s", ErrTableNotFound, id, w.project, w.dataset)
	}
	return id.Table, nil
}

func (w *GormWarehouse) QuoteTable(id TableID) (string, error) {
	name, err := w.tableName(id)
	if err != nil {
		return "", err
	}
	return w.db.Statement.Quote(name), nil
}

func (w *GormWarehouse) QuoteColumn(name string) string {
	return w.db.Statement.Quote(clause.Column{Name: name})
}

// TimeAfter compares through julianday on SQLite, which stores times as text
// in whatever offset they were written with.
func (w *GormWarehouse) TimeAfter(column string) string {
	quoted := w.QuoteColumn(column)
	if w.db.Dialector.Name() == DriverSQLite {
		return "julianday(" + quoted + ") > julianday(?)"
	}
	return quoted + " > ?"
}

func (w *GormWarehouse) Query(ctx context.Context, sql string, args ...any) (RowIterator, error) {
	rows, err := w.db.WithContext(ctx).Raw(sql, args...).Rows()
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (w *GormWarehouse) Table(ctx context.Context, id TableID) (*TableMetadata, error) {
	name, err := w.tableName(id)
	if err != nil {
		return nil, err
	}
	return w.describe(w.db.WithContext(ctx), id, name)
}

func (w *GormWarehouse) describe(db *gorm.DB, id TableID, name string) (*TableMetadata, error) {
	m := db.Migrator()
	if !m.HasTable(name) {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, id)
	}
	columnTypes, err := m.ColumnTypes(name)
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", id, err)
	}
	schema := make(Schema, 0, len(columnTypes))
	for _, ct := range columnTypes {
		schema = append(schema, Column{Name: ct.Name(), Type: strings.ToUpper(ct.DatabaseTypeName())})
	}
	return &TableMetadata{ID: id, Schema: schema}, nil
}

func (w *GormWarehouse) UpdateSchema(ctx context.Context, id TableID, schema Schema) (*TableMetadata, error) {
	name, err := w.tableName(id)
	if err != nil {
		return nil, err
	}

	var updated *TableMetadata
	err = w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := w.describe(tx, id, name)
		if err != nil {
			return err
		}
		for _, c := range current.Schema {
			if _, ok := schema.Lookup(c.Name); !ok {
				return fmt.Errorf("update %s: dropping column %q is not supported", id, c.Name)
			}
		}
		for _, c := range schema {
			if old, ok := current.Schema.Lookup(c.Name); ok {
				if !sameColumnType(old.Type, c.Type) {
					return fmt.Errorf("update %s: changing type of column %q from %s to %s is not supported", id, c.Name, old.Type, c.Type)
				}
				continue
			}
			ddlType, err := w.ddlType(c.Type)
			if err != nil {
				return fmt.Errorf("update %s: %w", id, err)
			}
			if err := tx.Exec(
				"ALTER TABLE ? ADD COLUMN ? "+ddlType, clause.Table{Name: name}, clause.Column{Name: c.Name},
			).Error; err != nil {
				return fmt.Errorf("update %s: add column %q: %w", id, c.Name, err)
			}
		}
		updated, err = w.describe(tx, id, name)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func sameColumnType(a, b string) bool {
	if IsSemiStructured(a) && IsSemiStructured(b) {
		return true
	}
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func (w *GormWarehouse) ddlType(columnType string) (string, error) {
	if IsSemiStructured(columnType) {
		return datatypes.JSON{}.GormDBDataType(w.db, nil), nil
	}
	if !columnTypePattern.MatchString(columnType) {
		return "", fmt.Errorf("invalid column type %q", columnType)
	}
	return strings.ToUpper(columnType), nil
}

func (w *GormWarehouse) InsertRows(ctx context.Context, id TableID, rows []Row, insertIDs []string) ([]RowError, error) {
	if len(rows) != len(insertIDs) {
		return nil, fmt.Errorf("insert %s: %d rows but %d insert ids", id, len(rows), len(insertIDs))
	}
	name, err := w.tableName(id)
	if err != nil {
		return nil, err
	}

	var rowErrors []RowError
	err = w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		meta, err := w.describe(tx, id, name)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		accepted := make([]map[string]any, 0, len(rows))
		for i, row := range rows {
			values, err := columnValues(row, meta.Schema)
			if err != nil {
				rowErrors = append(rowErrors, RowError{Index: i, InsertID: insertIDs[i], Reason: err.Error()})
				continue
			}
			if insertIDs[i] != "" {
				res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&InsertedRow{
					Table:      id.String(),
					InsertID:   insertIDs[i],
					InsertedAt: now,
				})
				if res.Error != nil {
					return res.Error
				}
				if res.RowsAffected == 0 {
					// already inserted by an earlier call
					continue
				}
			}
			accepted = append(accepted, values)
		}
		if len(accepted) == 0 {
			return nil
		}
		return tx.Table(name).Create(&accepted).Error
	})
	if err != nil {
		return nil, fmt.Errorf("insert %s: %w", id, err)
	}
	return rowErrors, nil
}

// columnValues maps a row onto the table's columns. Nested values are stored
// as JSON documents.
func columnValues(row Row, schema Schema) (map[string]any, error) {
	values := make(map[string]any, len(row))
	for field, value := range row {
		column, ok := schema.Lookup(field)
		if !ok {
			return nil, fmt.Errorf("no such field: %s", field)
		}
		converted, err := columnValue(value, column)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", field, err)
		}
		values[column.Name] = converted
	}
	return values, nil
}

func columnValue(value any, column Column) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, nil
		}
		if f, err := v.Float64(); err == nil {
			return f, nil
		}
		return v.String(), nil
	case string:
		if IsSemiStructured(column.Type) {
			if !json.Valid([]byte(v)) {
				return nil, fmt.Errorf("invalid JSON for %s column", column.Type)
			}
			return datatypes.JSON(v), nil
		}
		return v, nil
	case map[string]any, []any, LogEntry, Row:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return datatypes.JSON(b), nil
	default:
		return v, nil
	}
}

// Bootstrap creates the destination and export error tables with the base
// log sink schema when they do not exist yet.
func (w *GormWarehouse) Bootstrap(ctx context.Context, destination, errorTable TableID) error {
	destName, err := w.tableName(destination)
	if err != nil {
		return err
	}
	errName, err := w.tableName(errorTable)
	if err != nil {
		return err
	}
	db := w.db.WithContext(ctx)
	if err := db.Table(destName).AutoMigrate(&LogRow{}); err != nil {
		return fmt.Errorf("bootstrap %s: %w", destination, err)
	}
	if err := db.Table(errName).AutoMigrate(&ExportErrorRow{}); err != nil {
		return fmt.Errorf("bootstrap %s: %w", errorTable, err)
	}
	return nil
}
