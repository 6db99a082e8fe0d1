// Package engine implements the driver engine: the single owner of the live
// SQLite connection, exposing one operation per logical database action.
// Every operation validates its inputs before touching storage and returns
// typed, classified errors rather than letting a storage fault escape
// unclassified. The engine is the single writer; concurrently dispatched
// operations serialize on an internal statement mutex, and operations of one
// transaction additionally serialize on that transaction's own mutex.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/lanedb/lane/wire"
)

// stmtCacheSize bounds the prepared-statement LRU.
const stmtCacheSize = 256

// Engine owns the single live database connection.
type Engine struct {
	db   *sql.DB
	path string

	// mu serializes non-transactional statement execution, so two workers
	// never interleave partial statements on the shared connection.
	mu    sync.Mutex
	stmts *lru.Cache

	txnMu sync.Mutex
	txns  map[uuid.UUID]*Txn
}

// Open opens (creating if needed) the SQLite database at |path| and returns
// an Engine owning its sole connection.
func Open(path string) (*Engine, error) {
	var dsn = fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=1", path)

	var db, err = sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "opening database %q", path)
	}
	// The engine is the single writer: exactly one live connection.
	db.SetMaxOpenConns(1)

	if err = db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "pinging database %q", path)
	}

	var stmts *lru.Cache
	stmts, err = lru.NewWithEvict(stmtCacheSize, func(_, v interface{}) {
		_ = v.(*sql.Stmt).Close()
	})
	if err != nil {
		panic(err) // Only errors on non-positive size.
	}

	return &Engine{
		db:    db,
		path:  path,
		stmts: stmts,
		txns:  make(map[uuid.UUID]*Txn),
	}, nil
}

// Close rolls back any active transactions and closes the connection.
func (e *Engine) Close() error {
	e.txnMu.Lock()
	for id, txn := range e.txns {
		txn.mu.Lock()
		if txn.State == TxnActive {
			_ = txn.tx.Rollback()
			txn.State = TxnRolledBack
			log.WithField("txn", id).Warn("rolled back transaction still active at close")
		}
		txn.mu.Unlock()
	}
	e.txns = make(map[uuid.UUID]*Txn)
	e.txnMu.Unlock()

	e.stmts.Purge()
	return e.db.Close()
}

// Ping verifies the connection is live.
func (e *Engine) Ping(ctx context.Context) error {
	return e.db.PingContext(ctx)
}

// Path returns the filesystem path of the database.
func (e *Engine) Path() string { return e.path }

// runner is the common statement surface of *sql.DB and *sql.Tx.
type runner interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// grab resolves |txnID| to the statement runner to use, along with its
// release function. A nil |txnID| locks the engine's shared statement mutex;
// otherwise the transaction's own mutex is locked, guaranteeing statements
// of one transaction never interleave.
func (e *Engine) grab(txnID *uuid.UUID) (runner, func(), error) {
	if txnID == nil {
		e.mu.Lock()
		return e.db, e.mu.Unlock, nil
	}

	e.txnMu.Lock()
	var txn, ok = e.txns[*txnID]
	e.txnMu.Unlock()

	if !ok {
		return nil, nil, wire.NewCodedError(wire.CodeTxnNotFound, "no active transaction %s", *txnID)
	}
	txn.mu.Lock()
	if txn.State != TxnActive {
		txn.mu.Unlock()
		return nil, nil, wire.NewCodedError(wire.CodeTxnNotFound, "transaction %s is %s", *txnID, txn.State)
	}
	return txn.tx, txn.mu.Unlock, nil
}

// ColumnDef declares one column of a table.
type ColumnDef struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	PrimaryKey bool   `yaml:"primary_key,omitempty"`
	NotNull    bool   `yaml:"not_null,omitempty"`
	Default    string `yaml:"default,omitempty"`
}

// ddl renders the column's CREATE TABLE fragment.
func (c ColumnDef) ddl() string {
	var b strings.Builder
	b.WriteString(quoteIdent(c.Name))
	b.WriteByte(' ')
	b.WriteString(c.Type)
	if c.PrimaryKey {
		b.WriteString(" PRIMARY KEY")
	}
	if c.NotNull {
		b.WriteString(" NOT NULL")
	}
	if c.Default != "" {
		b.WriteString(" DEFAULT ")
		b.WriteString(c.Default)
	}
	return b.String()
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// validIdent validates a table or column identifier.
func validIdent(name string) error {
	if !identRe.MatchString(name) {
		return wire.NewCodedError(wire.CodeValidation, "invalid identifier %q", name)
	}
	return nil
}

func quoteIdent(name string) string { return `"` + name + `"` }

var columnTypeRe = regexp.MustCompile(`^[A-Za-z]+(\(\d+(,\d+)?\))?$`)

// validColumnType validates a declared column type.
func validColumnType(t string) error {
	if !columnTypeRe.MatchString(t) {
		return wire.NewCodedError(wire.CodeValidation, "invalid column type %q", t)
	}
	return nil
}

// CreateTable creates |table| with |cols|.
func (e *Engine) CreateTable(ctx context.Context, table string, cols []ColumnDef) error {
	if err := validIdent(table); err != nil {
		return err
	} else if len(cols) == 0 {
		return wire.NewCodedError(wire.CodeValidation, "table %q declares no columns", table)
	}
	var defs = make([]string, len(cols))
	for i, c := range cols {
		if err := validIdent(c.Name); err != nil {
			return err
		} else if err = validColumnType(c.Type); err != nil {
			return err
		}
		defs[i] = c.ddl()
	}

	var r, release, err = e.grab(nil)
	if err != nil {
		return err
	}
	defer release()

	if exists, err := tableExists(ctx, r, table); err != nil {
		return err
	} else if exists {
		return wire.NewCodedError(wire.CodeValidation, "table %q already exists", table)
	}

	_, err = r.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)",
		quoteIdent(table), strings.Join(defs, ", ")))
	return storageErr(err, "creating table", table)
}

// DropTable drops |table|.
func (e *Engine) DropTable(ctx context.Context, table string) error {
	if err := validIdent(table); err != nil {
		return err
	}

	var r, release, err = e.grab(nil)
	if err != nil {
		return err
	}
	defer release()

	if err = mustExist(ctx, r, table); err != nil {
		return err
	}
	_, err = r.ExecContext(ctx, "DROP TABLE "+quoteIdent(table))
	return storageErr(err, "dropping table", table)
}

// AlterTable adds |add| columns to |table|.
func (e *Engine) AlterTable(ctx context.Context, table string, add []ColumnDef) error {
	if err := validIdent(table); err != nil {
		return err
	} else if len(add) == 0 {
		return wire.NewCodedError(wire.CodeValidation, "alter of %q adds no columns", table)
	}

	var r, release, err = e.grab(nil)
	if err != nil {
		return err
	}
	defer release()

	if err = mustExist(ctx, r, table); err != nil {
		return err
	}
	var existing map[string]bool
	if existing, err = tableColumns(ctx, r, table); err != nil {
		return err
	}

	for _, c := range add {
		if err = validIdent(c.Name); err != nil {
			return err
		} else if err = validColumnType(c.Type); err != nil {
			return err
		} else if existing[c.Name] {
			return wire.NewCodedError(wire.CodeValidation, "column %q of %q already exists", c.Name, table)
		}
		if _, err = r.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s",
			quoteIdent(table), c.ddl())); err != nil {
			return storageErr(err, "altering table", table)
		}
	}
	return nil
}

// Insert inserts |data| as one row of |table|, returning its rowid.
// A non-nil |txnID| executes within that transaction.
func (e *Engine) Insert(ctx context.Context, txnID *uuid.UUID, table string, data map[string]wire.Value) (int64, error) {
	if err := validIdent(table); err != nil {
		return 0, err
	} else if len(data) == 0 {
		return 0, wire.NewCodedError(wire.CodeValidation, "insert into %q has no values", table)
	}

	var r, release, err = e.grab(txnID)
	if err != nil {
		return 0, err
	}
	defer release()

	if err = validateColumns(ctx, r, table, data); err != nil {
		return 0, err
	}

	var cols, params, args = bindValues(data)
	var res sql.Result
	res, err = e.exec(ctx, r, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(table), strings.Join(cols, ", "), strings.Join(params, ", ")), args...)
	if err != nil {
		return 0, storageErr(err, "inserting into", table)
	}
	var rowid, _ = res.LastInsertId()
	return rowid, nil
}

// Update applies |set| to rows of |table| matched by |where| (all rows when
// empty), returning the count of affected rows.
func (e *Engine) Update(ctx context.Context, txnID *uuid.UUID, table string, set map[string]wire.Value, where string, args []wire.Value) (int64, error) {
	if err := validIdent(table); err != nil {
		return 0, err
	} else if len(set) == 0 {
		return 0, wire.NewCodedError(wire.CodeValidation, "update of %q sets no columns", table)
	}

	var r, release, err = e.grab(txnID)
	if err != nil {
		return 0, err
	}
	defer release()

	if err = validateColumns(ctx, r, table, set); err != nil {
		return 0, err
	}

	var cols, params, bound = bindValues(set)
	var assigns = make([]string, len(cols))
	for i := range cols {
		assigns[i] = cols[i] + " = " + params[i]
	}

	var q = fmt.Sprintf("UPDATE %s SET %s", quoteIdent(table), strings.Join(assigns, ", "))
	if where != "" {
		q += " WHERE " + where
		for _, a := range args {
			bound = append(bound, a.Interface())
		}
	}

	var res sql.Result
	if res, err = e.exec(ctx, r, q, bound...); err != nil {
		return 0, storageErr(err, "updating", table)
	}
	var n, _ = res.RowsAffected()
	return n, nil
}

// Delete removes rows of |table| matched by |where| (all rows when empty),
// returning the count of removed rows.
func (e *Engine) Delete(ctx context.Context, txnID *uuid.UUID, table string, where string, args []wire.Value) (int64, error) {
	if err := validIdent(table); err != nil {
		return 0, err
	}

	var r, release, err = e.grab(txnID)
	if err != nil {
		return 0, err
	}
	defer release()

	if err = mustExist(ctx, r, table); err != nil {
		return 0, err
	}

	var q = "DELETE FROM " + quoteIdent(table)
	var bound []interface{}
	if where != "" {
		q += " WHERE " + where
		for _, a := range args {
			bound = append(bound, a.Interface())
		}
	}

	var res sql.Result
	if res, err = e.exec(ctx, r, q, bound...); err != nil {
		return 0, storageErr(err, "deleting from", table)
	}
	var n, _ = res.RowsAffected()
	return n, nil
}

// SelectOptions refine a Select.
type SelectOptions struct {
	// Columns to project. All columns when empty.
	Columns []string
	// Where is an optional predicate over |table| columns, with '?'
	// placeholders bound from Args.
	Where string
	Args  []wire.Value
	// OrderBy is an optional column to order on; OrderDesc reverses it.
	OrderBy   string
	OrderDesc bool
	// Limit and Offset window the result (zero Limit means no limit).
	Limit  int
	Offset int
}

// Select returns rows of |table| per |opts|.
func (e *Engine) Select(ctx context.Context, txnID *uuid.UUID, table string, opts SelectOptions) ([]map[string]wire.Value, error) {
	if err := validIdent(table); err != nil {
		return nil, err
	}
	for _, c := range opts.Columns {
		if err := validIdent(c); err != nil {
			return nil, err
		}
	}
	if opts.OrderBy != "" {
		if err := validIdent(opts.OrderBy); err != nil {
			return nil, err
		}
	}

	var r, release, err = e.grab(txnID)
	if err != nil {
		return nil, err
	}
	defer release()

	if err = mustExist(ctx, r, table); err != nil {
		return nil, err
	}

	var projection = "*"
	if len(opts.Columns) != 0 {
		var quoted = make([]string, len(opts.Columns))
		for i, c := range opts.Columns {
			quoted[i] = quoteIdent(c)
		}
		projection = strings.Join(quoted, ", ")
	}

	var q = fmt.Sprintf("SELECT %s FROM %s", projection, quoteIdent(table))
	var bound []interface{}
	if opts.Where != "" {
		q += " WHERE " + opts.Where
		for _, a := range opts.Args {
			bound = append(bound, a.Interface())
		}
	}
	if opts.OrderBy != "" {
		q += " ORDER BY " + quoteIdent(opts.OrderBy)
		if opts.OrderDesc {
			q += " DESC"
		}
	}
	if opts.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	if opts.Offset > 0 {
		if opts.Limit <= 0 {
			q += " LIMIT -1" // SQLite requires LIMIT with OFFSET.
		}
		q += fmt.Sprintf(" OFFSET %d", opts.Offset)
	}

	var rows *sql.Rows
	if rows, err = e.query(ctx, r, q, bound...); err != nil {
		return nil, storageErr(err, "selecting from", table)
	}
	return scanRows(rows, table)
}

// Execute runs a raw statement with bound parameters, returning rows affected
// and the last insert rowid.
func (e *Engine) Execute(ctx context.Context, txnID *uuid.UUID, stmt string, args []wire.Value) (affected, lastInsert int64, err error) {
	if strings.TrimSpace(stmt) == "" {
		return 0, 0, wire.NewCodedError(wire.CodeValidation, "empty statement")
	}

	var r, release, grabErr = e.grab(txnID)
	if grabErr != nil {
		return 0, 0, grabErr
	}
	defer release()

	var bound = make([]interface{}, len(args))
	for i, a := range args {
		bound[i] = a.Interface()
	}

	var res sql.Result
	if res, err = r.ExecContext(ctx, stmt, bound...); err != nil {
		return 0, 0, &wire.CodedError{Code: wire.CodeStorage, Err: errors.Wrap(err, "executing statement")}
	}
	affected, _ = res.RowsAffected()
	lastInsert, _ = res.LastInsertId()
	return affected, lastInsert, nil
}

// bindValues splits |data| into parallel quoted column names, '?'
// placeholders, and bound arguments, in sorted column order.
func bindValues(data map[string]wire.Value) (cols, params []string, args []interface{}) {
	var keys = make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		cols = append(cols, quoteIdent(k))
		params = append(params, "?")
		args = append(args, data[k].Interface())
	}
	return
}

// validateColumns verifies each key of |data| is a legal identifier naming an
// existing column of |table|.
func validateColumns(ctx context.Context, r runner, table string, data map[string]wire.Value) error {
	var existing, err = tableColumns(ctx, r, table)
	if err != nil {
		return err
	}
	for k := range data {
		if err = validIdent(k); err != nil {
			return err
		} else if !existing[k] {
			return wire.NewCodedError(wire.CodeValidation, "table %q has no column %q", table, k)
		}
	}
	return nil
}

// tableExists reports whether |table| exists.
func tableExists(ctx context.Context, r runner, table string) (bool, error) {
	var n int
	var rows, err = r.QueryContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table)
	if err != nil {
		return false, storageErr(err, "introspecting", table)
	}
	defer rows.Close()

	if rows.Next() {
		if err = rows.Scan(&n); err != nil {
			return false, storageErr(err, "introspecting", table)
		}
	}
	return n != 0, rows.Err()
}

// mustExist returns a validation error if |table| does not exist.
func mustExist(ctx context.Context, r runner, table string) error {
	if exists, err := tableExists(ctx, r, table); err != nil {
		return err
	} else if !exists {
		return wire.NewCodedError(wire.CodeValidation, "no such table %q", table)
	}
	return nil
}

// tableColumns returns the set of column names of |table|.
func tableColumns(ctx context.Context, r runner, table string) (map[string]bool, error) {
	if err := mustExist(ctx, r, table); err != nil {
		return nil, err
	}

	var rows, err = r.QueryContext(ctx, "PRAGMA table_info("+quoteIdent(table)+")")
	if err != nil {
		return nil, storageErr(err, "introspecting", table)
	}
	defer rows.Close()

	var cols = make(map[string]bool)
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err = rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, storageErr(err, "introspecting", table)
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// scanRows drains |rows| into Value maps keyed by column name.
func scanRows(rows *sql.Rows, table string) ([]map[string]wire.Value, error) {
	defer rows.Close()

	var cols, err = rows.Columns()
	if err != nil {
		return nil, storageErr(err, "scanning rows of", table)
	}

	var out = []map[string]wire.Value{}
	for rows.Next() {
		var raw = make([]interface{}, len(cols))
		var ptrs = make([]interface{}, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err = rows.Scan(ptrs...); err != nil {
			return nil, storageErr(err, "scanning rows of", table)
		}

		var row = make(map[string]wire.Value, len(cols))
		for i, c := range cols {
			var v, err = wire.FromInterface(raw[i])
			if err != nil {
				return nil, storageErr(err, "scanning rows of", table)
			}
			row[c] = v
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// storageErr wraps a storage-level fault with operation and table context,
// classified as CodeStorage. A nil |err| passes through.
func storageErr(err error, op, table string) error {
	if err == nil {
		return nil
	}
	return &wire.CodedError{Code: wire.CodeStorage, Err: errors.Wrapf(err, "%s %q", op, table)}
}

// prepared returns a cached prepared statement of |q| against the shared
// connection, preparing and caching it on miss. Evicted statements are
// closed by the cache.
func (e *Engine) prepared(ctx context.Context, q string) (*sql.Stmt, error) {
	if v, ok := e.stmts.Get(q); ok {
		return v.(*sql.Stmt), nil
	}
	var stmt, err = e.db.PrepareContext(ctx, q)
	if err != nil {
		return nil, err
	}
	e.stmts.Add(q, stmt)
	return stmt, nil
}

// exec executes parameterized |q| via |r|, routing through the
// prepared-statement cache when |r| is the shared connection.
func (e *Engine) exec(ctx context.Context, r runner, q string, args ...interface{}) (sql.Result, error) {
	if _, ok := r.(*sql.DB); ok {
		if stmt, err := e.prepared(ctx, q); err == nil {
			return stmt.ExecContext(ctx, args...)
		}
	}
	return r.ExecContext(ctx, q, args...)
}

// query runs parameterized query |q| via |r|, routing through the
// prepared-statement cache when |r| is the shared connection.
func (e *Engine) query(ctx context.Context, r runner, q string, args ...interface{}) (*sql.Rows, error) {
	if _, ok := r.(*sql.DB); ok {
		if stmt, err := e.prepared(ctx, q); err == nil {
			return stmt.QueryContext(ctx, args...)
		}
	}
	return r.QueryContext(ctx, q, args...)
}
