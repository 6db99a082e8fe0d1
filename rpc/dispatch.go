package rpc

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/lanedb/lane/engine"
	"github.com/lanedb/lane/wire"
)

// handler executes one driver method against the engine.
type handler func(ctx context.Context, req *wire.Request) *wire.Result

// buildDispatch constructs the closed method table. It is built once at
// server start; a request naming any other method is rejected with
// UNKNOWN_METHOD rather than silently ignored.
func (s *Server) buildDispatch() map[string]handler {
	return map[string]handler{
		"create_table":         s.handleCreateTable,
		"drop_table":           s.handleDropTable,
		"alter_table":          s.handleAlterTable,
		"insert":               s.handleInsert,
		"update":               s.handleUpdate,
		"delete":               s.handleDelete,
		"select":               s.handleSelect,
		"execute":              s.handleExecute,
		"begin_transaction":    s.handleBeginTxn,
		"commit_transaction":   s.handleCommitTxn,
		"rollback_transaction": s.handleRollbackTxn,
		"get_table_info":       s.handleGetTableInfo,
		"get_schema_version":   s.handleGetSchemaVersion,
		"sync_schema":          s.handleSyncSchema,
		"tree_query":           s.handleTreeQuery,
		"tree_modify":          s.handleTreeModify,
		"tree_insert":          s.handleTreeInsert,
		"ping":                 s.handlePing,
		"stats":                s.handleStats,
	}
}

// params wraps request parameters with typed accessors. Missing or
// mistyped required parameters surface as VALIDATION errors.
type params map[string]wire.Value

func (p params) str(key string) (string, error) {
	var v, ok = p[key]
	if !ok || v.Kind != wire.KindString {
		return "", wire.NewCodedError(wire.CodeValidation, "missing or non-string parameter %q", key)
	}
	return v.Str, nil
}

func (p params) optStr(key string) string {
	if v, ok := p[key]; ok && v.Kind == wire.KindString {
		return v.Str
	}
	return ""
}

func (p params) optInt(key string) int64 {
	if v, ok := p[key]; ok && v.Kind == wire.KindInt {
		return v.Int
	}
	return 0
}

func (p params) optBool(key string) bool {
	if v, ok := p[key]; ok && v.Kind == wire.KindBool {
		return v.Bool
	}
	return false
}

func (p params) valueMap(key string) (map[string]wire.Value, error) {
	var v, ok = p[key]
	if !ok || v.Kind != wire.KindMap {
		return nil, wire.NewCodedError(wire.CodeValidation, "missing or non-map parameter %q", key)
	}
	return v.Map, nil
}

func (p params) optValueMap(key string) map[string]wire.Value {
	if v, ok := p[key]; ok && v.Kind == wire.KindMap {
		return v.Map
	}
	return nil
}

func (p params) optValueList(key string) []wire.Value {
	if v, ok := p[key]; ok && v.Kind == wire.KindList {
		return v.List
	}
	return nil
}

func (p params) optStrList(key string) ([]string, error) {
	var v, ok = p[key]
	if !ok {
		return nil, nil
	}
	if v.Kind != wire.KindList {
		return nil, wire.NewCodedError(wire.CodeValidation, "parameter %q is not a list", key)
	}
	var out = make([]string, len(v.List))
	for i, e := range v.List {
		if e.Kind != wire.KindString {
			return nil, wire.NewCodedError(wire.CodeValidation, "parameter %q element %d is not a string", key, i)
		}
		out[i] = e.Str
	}
	return out, nil
}

// optTxn extracts an optional transaction id from the "txn" parameter.
func (p params) optTxn() (*uuid.UUID, error) {
	var v, ok = p["txn"]
	if !ok || v.Kind == wire.KindNull {
		return nil, nil
	}
	if v.Kind != wire.KindString {
		return nil, wire.NewCodedError(wire.CodeValidation, "parameter \"txn\" is not a string")
	}
	var id, err = uuid.Parse(v.Str)
	if err != nil {
		return nil, wire.NewCodedError(wire.CodeValidation, "malformed transaction id %q", v.Str)
	}
	return &id, nil
}

// txn extracts a required transaction id.
func (p params) txn() (uuid.UUID, error) {
	var id, err = p.optTxn()
	if err != nil {
		return uuid.Nil, err
	} else if id == nil {
		return uuid.Nil, wire.NewCodedError(wire.CodeValidation, "missing parameter \"txn\"")
	}
	return *id, nil
}

// decodeColumnDefs maps a list-of-maps parameter into ColumnDefs.
func decodeColumnDefs(p params, key string) ([]engine.ColumnDef, error) {
	var v, ok = p[key]
	if !ok || v.Kind != wire.KindList {
		return nil, wire.NewCodedError(wire.CodeValidation, "missing or non-list parameter %q", key)
	}
	var cols = make([]engine.ColumnDef, len(v.List))
	for i, e := range v.List {
		if e.Kind != wire.KindMap {
			return nil, wire.NewCodedError(wire.CodeValidation, "parameter %q element %d is not a map", key, i)
		}
		var cp = params(e.Map)
		var name, err = cp.str("name")
		if err != nil {
			return nil, err
		}
		var typ string
		if typ, err = cp.str("type"); err != nil {
			return nil, err
		}
		cols[i] = engine.ColumnDef{
			Name:       name,
			Type:       typ,
			PrimaryKey: cp.optBool("primary_key"),
			NotNull:    cp.optBool("not_null"),
			Default:    cp.optStr("default"),
		}
	}
	return cols, nil
}

func (s *Server) handleCreateTable(ctx context.Context, req *wire.Request) *wire.Result {
	var p = params(req.Params)

	var table, err = p.str("table")
	if err != nil {
		return wire.ErrorFrom(req.ID, err)
	}
	var cols []engine.ColumnDef
	if cols, err = decodeColumnDefs(p, "columns"); err != nil {
		return wire.ErrorFrom(req.ID, err)
	}
	if err = s.engine.CreateTable(ctx, table, cols); err != nil {
		return wire.ErrorFrom(req.ID, err)
	}
	return wire.NewSuccess(req.ID, map[string]wire.Value{"table": wire.StringValue(table)})
}

func (s *Server) handleDropTable(ctx context.Context, req *wire.Request) *wire.Result {
	var p = params(req.Params)

	var table, err = p.str("table")
	if err != nil {
		return wire.ErrorFrom(req.ID, err)
	}
	if err = s.engine.DropTable(ctx, table); err != nil {
		return wire.ErrorFrom(req.ID, err)
	}
	return wire.NewSuccess(req.ID, map[string]wire.Value{"table": wire.StringValue(table)})
}

func (s *Server) handleAlterTable(ctx context.Context, req *wire.Request) *wire.Result {
	var p = params(req.Params)

	var table, err = p.str("table")
	if err != nil {
		return wire.ErrorFrom(req.ID, err)
	}
	var cols []engine.ColumnDef
	if cols, err = decodeColumnDefs(p, "add_columns"); err != nil {
		return wire.ErrorFrom(req.ID, err)
	}
	if err = s.engine.AlterTable(ctx, table, cols); err != nil {
		return wire.ErrorFrom(req.ID, err)
	}
	return wire.NewSuccess(req.ID, map[string]wire.Value{"table": wire.StringValue(table)})
}

func (s *Server) handleInsert(ctx context.Context, req *wire.Request) *wire.Result {
	var p = params(req.Params)

	var table, err = p.str("table")
	if err != nil {
		return wire.ErrorFrom(req.ID, err)
	}
	var data map[string]wire.Value
	if data, err = p.valueMap("data"); err != nil {
		return wire.ErrorFrom(req.ID, err)
	}
	var txn *uuid.UUID
	if txn, err = p.optTxn(); err != nil {
		return wire.ErrorFrom(req.ID, err)
	}

	var rowid int64
	if rowid, err = s.engine.Insert(ctx, txn, table, data); err != nil {
		return wire.ErrorFrom(req.ID, err)
	}
	return wire.NewSuccess(req.ID, map[string]wire.Value{"rowid": wire.IntValue(rowid)})
}

func (s *Server) handleUpdate(ctx context.Context, req *wire.Request) *wire.Result {
	var p = params(req.Params)

	var table, err = p.str("table")
	if err != nil {
		return wire.ErrorFrom(req.ID, err)
	}
	var set map[string]wire.Value
	if set, err = p.valueMap("set"); err != nil {
		return wire.ErrorFrom(req.ID, err)
	}
	var txn *uuid.UUID
	if txn, err = p.optTxn(); err != nil {
		return wire.ErrorFrom(req.ID, err)
	}

	var n int64
	if n, err = s.engine.Update(ctx, txn, table, set,
		p.optStr("where"), p.optValueList("args")); err != nil {
		return wire.ErrorFrom(req.ID, err)
	}
	return wire.NewSuccess(req.ID, map[string]wire.Value{"affected": wire.IntValue(n)})
}

func (s *Server) handleDelete(ctx context.Context, req *wire.Request) *wire.Result {
	var p = params(req.Params)

	var table, err = p.str("table")
	if err != nil {
		return wire.ErrorFrom(req.ID, err)
	}
	var txn *uuid.UUID
	if txn, err = p.optTxn(); err != nil {
		return wire.ErrorFrom(req.ID, err)
	}

	var n int64
	if n, err = s.engine.Delete(ctx, txn, table,
		p.optStr("where"), p.optValueList("args")); err != nil {
		return wire.ErrorFrom(req.ID, err)
	}
	return wire.NewSuccess(req.ID, map[string]wire.Value{"affected": wire.IntValue(n)})
}

func (s *Server) handleSelect(ctx context.Context, req *wire.Request) *wire.Result {
	var p = params(req.Params)

	var table, err = p.str("table")
	if err != nil {
		return wire.ErrorFrom(req.ID, err)
	}
	var columns []string
	if columns, err = p.optStrList("columns"); err != nil {
		return wire.ErrorFrom(req.ID, err)
	}
	var txn *uuid.UUID
	if txn, err = p.optTxn(); err != nil {
		return wire.ErrorFrom(req.ID, err)
	}

	var rows []map[string]wire.Value
	rows, err = s.engine.Select(ctx, txn, table, engine.SelectOptions{
		Columns:   columns,
		Where:     p.optStr("where"),
		Args:      p.optValueList("args"),
		OrderBy:   p.optStr("order_by"),
		OrderDesc: p.optBool("order_desc"),
		Limit:     int(p.optInt("limit")),
		Offset:    int(p.optInt("offset")),
	})
	if err != nil {
		return wire.ErrorFrom(req.ID, err)
	}
	return wire.NewRows(req.ID, rows)
}

func (s *Server) handleExecute(ctx context.Context, req *wire.Request) *wire.Result {
	var p = params(req.Params)

	var stmt, err = p.str("statement")
	if err != nil {
		return wire.ErrorFrom(req.ID, err)
	}
	var txn *uuid.UUID
	if txn, err = p.optTxn(); err != nil {
		return wire.ErrorFrom(req.ID, err)
	}

	var affected, lastInsert int64
	if affected, lastInsert, err = s.engine.Execute(ctx, txn, stmt, p.optValueList("args")); err != nil {
		return wire.ErrorFrom(req.ID, err)
	}
	return wire.NewSuccess(req.ID, map[string]wire.Value{
		"affected":       wire.IntValue(affected),
		"last_insert_id": wire.IntValue(lastInsert),
	})
}

func (s *Server) handleBeginTxn(ctx context.Context, req *wire.Request) *wire.Result {
	var id, err = s.engine.Begin(ctx)
	if err != nil {
		return wire.ErrorFrom(req.ID, err)
	}
	return wire.NewSuccess(req.ID, map[string]wire.Value{"txn": wire.StringValue(id.String())})
}

func (s *Server) handleCommitTxn(_ context.Context, req *wire.Request) *wire.Result {
	var id, err = params(req.Params).txn()
	if err != nil {
		return wire.ErrorFrom(req.ID, err)
	}
	if err = s.engine.Commit(id); err != nil {
		return wire.ErrorFrom(req.ID, err)
	}
	return wire.NewSuccess(req.ID, nil)
}

func (s *Server) handleRollbackTxn(_ context.Context, req *wire.Request) *wire.Result {
	var id, err = params(req.Params).txn()
	if err != nil {
		return wire.ErrorFrom(req.ID, err)
	}
	if err = s.engine.Rollback(id); err != nil {
		return wire.ErrorFrom(req.ID, err)
	}
	return wire.NewSuccess(req.ID, nil)
}

func (s *Server) handleGetTableInfo(ctx context.Context, req *wire.Request) *wire.Result {
	var table, err = params(req.Params).str("table")
	if err != nil {
		return wire.ErrorFrom(req.ID, err)
	}
	var info *engine.TableInfo
	if info, err = s.engine.GetTableInfo(ctx, table); err != nil {
		return wire.ErrorFrom(req.ID, err)
	}

	var cols = make([]wire.Value, len(info.Columns))
	for i, c := range info.Columns {
		cols[i] = wire.MapValue(map[string]wire.Value{
			"name":        wire.StringValue(c.Name),
			"type":        wire.StringValue(c.Type),
			"not_null":    wire.BoolValue(c.NotNull),
			"primary_key": wire.BoolValue(c.PrimaryKey),
			"default":     wire.StringValue(c.Default),
		})
	}
	var indexes = make([]wire.Value, len(info.Indexes))
	for i, ix := range info.Indexes {
		indexes[i] = wire.MapValue(map[string]wire.Value{
			"name":   wire.StringValue(ix.Name),
			"unique": wire.BoolValue(ix.Unique),
		})
	}
	return wire.NewSuccess(req.ID, map[string]wire.Value{
		"name":      wire.StringValue(info.Name),
		"columns":   wire.ListValue(cols...),
		"indexes":   wire.ListValue(indexes...),
		"row_count": wire.IntValue(info.RowCount),
	})
}

func (s *Server) handleGetSchemaVersion(ctx context.Context, req *wire.Request) *wire.Result {
	var v, err = s.engine.SchemaVersion(ctx)
	if err != nil {
		return wire.ErrorFrom(req.ID, err)
	}
	return wire.NewSuccess(req.ID, map[string]wire.Value{"version": wire.IntValue(int64(v))})
}

func (s *Server) handleSyncSchema(ctx context.Context, req *wire.Request) *wire.Result {
	var p = params(req.Params)

	var doc, err = p.str("schema")
	if err != nil {
		return wire.ErrorFrom(req.ID, err)
	}
	var schema *engine.Schema
	if schema, err = engine.ParseSchema([]byte(doc)); err != nil {
		return wire.ErrorFrom(req.ID, err)
	}

	var report *engine.SyncReport
	if report, err = s.engine.SyncSchema(ctx, schema, p.optStr("backup_dir")); err != nil {
		return wire.ErrorFrom(req.ID, err)
	}

	var tables = make(map[string]wire.Value, len(report.Tables))
	for name, outcome := range report.Tables {
		tables[name] = wire.StringValue(string(outcome))
	}
	return wire.NewSuccess(req.ID, map[string]wire.Value{
		"tables":      wire.MapValue(tables),
		"errors":      wire.StringListValue(report.Errors...),
		"backup_path": wire.StringValue(report.BackupPath),
		"version":     wire.IntValue(int64(report.Version)),
	})
}

func (s *Server) handleTreeQuery(ctx context.Context, req *wire.Request) *wire.Result {
	var p = params(req.Params)

	var target, err = p.str("target")
	if err != nil {
		return wire.ErrorFrom(req.ID, err)
	}
	var nodes []map[string]wire.Value
	if nodes, err = s.engine.TreeQuery(ctx, target, p.optStr("filter")); err != nil {
		return wire.ErrorFrom(req.ID, err)
	}
	return wire.NewRows(req.ID, nodes)
}

func (s *Server) handleTreeModify(ctx context.Context, req *wire.Request) *wire.Result {
	var p = params(req.Params)

	var target, err = p.str("target")
	if err != nil {
		return wire.ErrorFrom(req.ID, err)
	}
	var txn *uuid.UUID
	if txn, err = p.optTxn(); err != nil {
		return wire.ErrorFrom(req.ID, err)
	}

	var n int64
	if n, err = s.engine.TreeModify(ctx, txn, target, p.optStr("filter"),
		p.optValueMap("set"), p.optBool("delete")); err != nil {
		return wire.ErrorFrom(req.ID, err)
	}
	return wire.NewSuccess(req.ID, map[string]wire.Value{"affected": wire.IntValue(n)})
}

func (s *Server) handleTreeInsert(ctx context.Context, req *wire.Request) *wire.Result {
	var p = params(req.Params)

	var target, err = p.str("target")
	if err != nil {
		return wire.ErrorFrom(req.ID, err)
	}
	var node map[string]wire.Value
	if node, err = p.valueMap("node"); err != nil {
		return wire.ErrorFrom(req.ID, err)
	}
	var txn *uuid.UUID
	if txn, err = p.optTxn(); err != nil {
		return wire.ErrorFrom(req.ID, err)
	}

	var id int64
	if id, err = s.engine.TreeInsert(ctx, txn, target, node); err != nil {
		return wire.ErrorFrom(req.ID, err)
	}
	return wire.NewSuccess(req.ID, map[string]wire.Value{"id": wire.IntValue(id)})
}

func (s *Server) handlePing(ctx context.Context, req *wire.Request) *wire.Result {
	if err := s.engine.Ping(ctx); err != nil {
		return wire.ErrorFrom(req.ID, err)
	}
	return wire.NewSuccess(req.ID, map[string]wire.Value{
		"time": wire.TimeValue(time.Now()),
	})
}

func (s *Server) handleStats(_ context.Context, req *wire.Request) *wire.Result {
	var st = s.queue.Stats()

	var perPriority = make(map[string]wire.Value, len(st.PerPriority))
	for p, n := range st.PerPriority {
		perPriority[p.String()] = wire.IntValue(int64(n))
	}
	return wire.NewSuccess(req.ID, map[string]wire.Value{
		"queue_size":    wire.IntValue(int64(st.Size)),
		"per_priority":  wire.MapValue(perPriority),
		"oldest_age_ms": wire.IntValue(st.OldestAge.Milliseconds()),
		"pending":       wire.IntValue(int64(s.registry.size())),
		"workers":       wire.IntValue(int64(s.cfg.Workers)),
	})
}
