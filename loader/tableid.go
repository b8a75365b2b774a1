package loader

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var ErrInvalidTableID = errors.New("invalid table id")

// ErrorTablePrefix names the tables the log sink writes rejected entries to.
const ErrorTablePrefix = "export_errors"

const tableDateLayout = "20060102"

// maxNameLength bounds dataset and table names.
const maxNameLength = 1024

var (
	projectPattern = regexp.MustCompile(`^[a-z][a-z0-9-]{0,62}$`)
	namePattern    = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// TableID is a fully qualified table reference: project.dataset.table.
type TableID struct {
	Project string
	Dataset string
	Table   string
}

func (t TableID) String() string {
	return t.Project + "." + t.Dataset + "." + t.Table
}

func (t TableID) Validate() error {
	if !projectPattern.MatchString(t.Project) {
		return fmt.Errorf("%w: project %q", ErrInvalidTableID, t.Project)
	}
	if !validName(t.Dataset) {
		return fmt.Errorf("%w: dataset %q", ErrInvalidTableID, t.Dataset)
	}
	if !validName(t.Table) {
		return fmt.Errorf("%w: table %q", ErrInvalidTableID, t.Table)
	}
	return nil
}

func validName(name string) bool {
	return len(name) <= maxNameLength && namePattern.MatchString(name)
}

func ParseTableID(s string) (TableID, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) != 3 {
		return TableID{}, fmt.Errorf("%w: %q is not project.dataset.table", ErrInvalidTableID, s)
	}
	id := TableID{Project: parts[0], Dataset: parts[1], Table: parts[2]}
	if err := id.Validate(); err != nil {
		return TableID{}, err
	}
	return id, nil
}

// DatedTable builds <project>.<dataset>.<prefix>_<YYYYMMDD> for the UTC date of day.
func DatedTable(project, dataset, prefix string, day time.Time) TableID {
	return TableID{
		Project: project,
		Dataset: dataset,
		Table:   prefix + "_" + day.UTC().Format(tableDateLayout),
	}
}
