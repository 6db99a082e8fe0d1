package engine

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/lanedb/lane/wire"
)

// Schema is a declarative description of the expected database structure,
// typically parsed from a YAML document.
type Schema struct {
	// Version is stored as the database's user_version once synced.
	Version int           `yaml:"version"`
	Tables  []TableSchema `yaml:"tables"`
}

// TableSchema declares one table and its indexes.
type TableSchema struct {
	Name    string        `yaml:"name"`
	Columns []ColumnDef   `yaml:"columns"`
	Indexes []IndexSchema `yaml:"indexes,omitempty"`
}

// IndexSchema declares one index.
type IndexSchema struct {
	Name    string   `yaml:"name"`
	Columns []string `yaml:"columns"`
	Unique  bool     `yaml:"unique,omitempty"`
}

// ParseSchema parses a YAML Schema document.
func ParseSchema(doc []byte) (*Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(doc, &s); err != nil {
		return nil, wire.NewCodedError(wire.CodeValidation, "parsing schema: %s", err)
	}
	for _, t := range s.Tables {
		if err := validIdent(t.Name); err != nil {
			return nil, err
		} else if len(t.Columns) == 0 {
			return nil, wire.NewCodedError(wire.CodeValidation, "schema table %q declares no columns", t.Name)
		}
		for _, c := range t.Columns {
			if err := validIdent(c.Name); err != nil {
				return nil, err
			} else if err = validColumnType(c.Type); err != nil {
				return nil, err
			}
		}
		for _, ix := range t.Indexes {
			if err := validIdent(ix.Name); err != nil {
				return nil, err
			}
			for _, c := range ix.Columns {
				if err := validIdent(c); err != nil {
					return nil, err
				}
			}
		}
	}
	return &s, nil
}

// SyncOutcome describes what SyncSchema did to one table.
type SyncOutcome string

const (
	SyncCreated   SyncOutcome = "created"
	SyncUpdated   SyncOutcome = "updated"
	SyncUnchanged SyncOutcome = "unchanged"
	SyncFailed    SyncOutcome = "failed"
)

// SyncReport is the per-table outcome of a SyncSchema run.
type SyncReport struct {
	// Tables maps table name to outcome.
	Tables map[string]SyncOutcome
	// Errors collects per-table failures; sync continues past them.
	Errors []string
	// BackupPath is the pre-sync snapshot, when a backup directory was given.
	BackupPath string
	// Version is the user_version after the sync.
	Version int
}

// SyncSchema compares |schema| against the live database, creates missing
// tables, columns and indexes, and reports per-table outcomes. When
// |backupDir| is non-empty, a consistent snapshot of the database is written
// there before any structure is mutated.
func (e *Engine) SyncSchema(ctx context.Context, schema *Schema, backupDir string) (*SyncReport, error) {
	var report = &SyncReport{Tables: make(map[string]SyncOutcome)}

	e.mu.Lock()
	defer e.mu.Unlock()

	if backupDir != "" {
		var p, err = e.snapshot(ctx, backupDir)
		if err != nil {
			return nil, err
		}
		report.BackupPath = p
	}

	for _, t := range schema.Tables {
		var outcome, err = e.syncTable(ctx, e.db, t)
		report.Tables[t.Name] = outcome
		if err != nil {
			report.Errors = append(report.Errors,
				fmt.Sprintf("table %s: %s", t.Name, err))
			log.WithFields(log.Fields{"table": t.Name, "err": err}).Warn("schema sync of table failed")
		}
	}

	var current, err = e.schemaVersionLocked(ctx)
	if err != nil {
		return nil, err
	}
	if schema.Version > current {
		if _, err = e.db.ExecContext(ctx,
			fmt.Sprintf("PRAGMA user_version = %d", schema.Version)); err != nil {
			return nil, storageErr(err, "setting user_version for", "schema")
		}
		current = schema.Version
	}
	report.Version = current

	log.WithFields(log.Fields{
		"tables":  len(schema.Tables),
		"version": report.Version,
		"errors":  len(report.Errors),
	}).Info("synced schema")
	return report, nil
}

// syncTable creates or extends one table via |r|. Caller holds the lock
// appropriate to |r|.
func (e *Engine) syncTable(ctx context.Context, r runner, t TableSchema) (SyncOutcome, error) {
	var exists, err = tableExists(ctx, r, t.Name)
	if err != nil {
		return SyncFailed, err
	}

	var outcome = SyncUnchanged
	if !exists {
		var defs = make([]string, len(t.Columns))
		for i, c := range t.Columns {
			defs[i] = c.ddl()
		}
		if _, err = r.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)",
			quoteIdent(t.Name), strings.Join(defs, ", "))); err != nil {
			return SyncFailed, storageErr(err, "creating table", t.Name)
		}
		outcome = SyncCreated
	} else {
		var existing map[string]bool
		if existing, err = tableColumns(ctx, r, t.Name); err != nil {
			return SyncFailed, err
		}
		for _, c := range t.Columns {
			if existing[c.Name] {
				continue
			}
			if _, err = r.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s",
				quoteIdent(t.Name), c.ddl())); err != nil {
				return SyncFailed, storageErr(err, "altering table", t.Name)
			}
			outcome = SyncUpdated
		}
	}

	for _, ix := range t.Indexes {
		var cols = make([]string, len(ix.Columns))
		for i, c := range ix.Columns {
			cols[i] = quoteIdent(c)
		}
		var unique string
		if ix.Unique {
			unique = "UNIQUE "
		}
		if _, err = r.ExecContext(ctx, fmt.Sprintf("CREATE %sINDEX IF NOT EXISTS %s ON %s (%s)",
			unique, quoteIdent(ix.Name), quoteIdent(t.Name), strings.Join(cols, ", "))); err != nil {
			return SyncFailed, storageErr(err, "indexing table", t.Name)
		}
	}
	return outcome, nil
}

// snapshot writes a consistent copy of the database into |dir| using
// VACUUM INTO, and returns its path. Caller holds e.mu.
func (e *Engine) snapshot(ctx context.Context, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "creating backup directory %q", dir)
	}
	var p = filepath.Join(dir, fmt.Sprintf("%s.db", uuid.New()))

	// VACUUM INTO does not accept bound parameters; quote the path literal.
	var lit = "'" + strings.ReplaceAll(p, "'", "''") + "'"
	if _, err := e.db.ExecContext(ctx, "VACUUM INTO "+lit); err != nil {
		return "", &wire.CodedError{Code: wire.CodeStorage,
			Err: errors.Wrapf(err, "snapshotting database to %q", p)}
	}
	return p, nil
}

// SchemaVersion returns the database's user_version.
func (e *Engine) SchemaVersion(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.schemaVersionLocked(ctx)
}

func (e *Engine) schemaVersionLocked(ctx context.Context) (int, error) {
	var v int
	if err := e.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, storageErr(err, "reading user_version of", "schema")
	}
	return v, nil
}

// ColumnInfo describes one live column of a table.
type ColumnInfo struct {
	Name       string
	Type       string
	NotNull    bool
	PrimaryKey bool
	Default    string
}

// IndexInfo describes one live index of a table.
type IndexInfo struct {
	Name   string
	Unique bool
}

// TableInfo is the introspected structure of one table.
type TableInfo struct {
	Name     string
	Columns  []ColumnInfo
	Indexes  []IndexInfo
	RowCount int64
}

// GetTableInfo introspects |table|.
func (e *Engine) GetTableInfo(ctx context.Context, table string) (*TableInfo, error) {
	if err := validIdent(table); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := mustExist(ctx, e.db, table); err != nil {
		return nil, err
	}
	var info = &TableInfo{Name: table}

	var rows, err = e.db.QueryContext(ctx, "PRAGMA table_info("+quoteIdent(table)+")")
	if err != nil {
		return nil, storageErr(err, "introspecting", table)
	}
	for rows.Next() {
		var (
			cid     int
			col     ColumnInfo
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err = rows.Scan(&cid, &col.Name, &col.Type, &notnull, &dflt, &pk); err != nil {
			rows.Close()
			return nil, storageErr(err, "introspecting", table)
		}
		col.NotNull, col.PrimaryKey, col.Default = notnull != 0, pk != 0, dflt.String
		info.Columns = append(info.Columns, col)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, storageErr(err, "introspecting", table)
	}

	if rows, err = e.db.QueryContext(ctx, "PRAGMA index_list("+quoteIdent(table)+")"); err != nil {
		return nil, storageErr(err, "introspecting indexes of", table)
	}
	for rows.Next() {
		var (
			seq     int
			ix      IndexInfo
			unique  int
			origin  string
			partial int
		)
		if err = rows.Scan(&seq, &ix.Name, &unique, &origin, &partial); err != nil {
			rows.Close()
			return nil, storageErr(err, "introspecting indexes of", table)
		}
		ix.Unique = unique != 0
		info.Indexes = append(info.Indexes, ix)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, storageErr(err, "introspecting indexes of", table)
	}

	if err = e.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM "+quoteIdent(table)).Scan(&info.RowCount); err != nil {
		return nil, storageErr(err, "counting rows of", table)
	}
	return info, nil
}
