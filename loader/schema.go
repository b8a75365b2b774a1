package loader

import (
	"context"
	"errors"
	"fmt"

	"sink-error-loader/logging"
)

var ErrColumnTypeMismatch = errors.New("column exists with a non-JSON type")

// Reconciliation tells what EnsureColumn did.
type Reconciliation string

const (
	ColumnExisted    Reconciliation = "existed"
	ColumnAdded      Reconciliation = "added"
	ColumnUnverified Reconciliation = "unverified"
)

type SchemaReconciler struct {
	warehouse Warehouse
	logger    *logging.Logger
}

func NewSchemaReconciler(warehouse Warehouse) *SchemaReconciler {
	return &SchemaReconciler{
		warehouse: warehouse,
		logger:    logging.NewLogger("SchemaReconciler"),
	}
}

// EnsureColumn makes sure table has a JSON column named column. Calling it
// again once the column exists changes nothing.
func (r *SchemaReconciler) EnsureColumn(ctx context.Context, table TableID, column string) (Reconciliation, error) {
	meta, err := r.warehouse.Table(ctx, table)
	if err != nil {
		return "", err
	}
	original := meta.Schema

	if existing, ok := original.Lookup(column); ok {
		if !IsSemiStructured(existing.Type) {
			return "", fmt.Errorf("%w: %s.%s is %s", ErrColumnTypeMismatch, table, existing.Name, existing.Type)
		}
		r.logger.Debugf("%s already exists.", column)
		return ColumnExisted, nil
	}

	newSchema := make(Schema, len(original), len(original)+1)
	copy(newSchema, original)
	newSchema = append(newSchema, Column{Name: column, Type: ColumnTypeJSON})

	updated, err := r.warehouse.UpdateSchema(ctx, table, newSchema)
	if err != nil {
		return "", err
	}

	if len(updated.Schema) == len(original)+1 && len(updated.Schema) == len(newSchema) {
		r.logger.Infof("A new column %s has been added to %s.", column, table)
		return ColumnAdded, nil
	}
	r.logger.Warnf("The column %s has not been added to %s: schema has %d columns, expected %d.",
		column, table, len(updated.Schema), len(newSchema))
	return ColumnUnverified, nil
}
