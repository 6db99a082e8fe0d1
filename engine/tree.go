package engine

import (
	"context"
	"database/sql"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/lanedb/lane/wire"
)

// Tree operations serve the syntax-tree collaborator: structured node data is
// stored in a single nodes table keyed by a target (file) identifier, queried
// and mutated with an opaque filter expression. The driver does not interpret
// node payloads.

// TreeNodesTable is the table holding structured tree nodes.
const TreeNodesTable = "cst_nodes"

// treeNodesSchema declares the nodes table, synced on first use.
var treeNodesSchema = TableSchema{
	Name: TreeNodesTable,
	Columns: []ColumnDef{
		{Name: "id", Type: "INTEGER", PrimaryKey: true},
		{Name: "target", Type: "TEXT", NotNull: true},
		{Name: "parent_id", Type: "INTEGER"},
		{Name: "kind", Type: "TEXT", NotNull: true},
		{Name: "name", Type: "TEXT"},
		{Name: "start_byte", Type: "INTEGER"},
		{Name: "end_byte", Type: "INTEGER"},
		{Name: "payload", Type: "BLOB"},
	},
	Indexes: []IndexSchema{
		{Name: "idx_cst_nodes_target", Columns: []string{"target"}},
		{Name: "idx_cst_nodes_kind", Columns: []string{"target", "kind"}},
	},
}

// treeFilterColumns are the node columns a filter expression may reference.
var treeFilterColumns = map[string]bool{
	"kind":       true,
	"name":       true,
	"parent_id":  true,
	"start_byte": true,
	"end_byte":   true,
}

// compileTreeFilter compiles an opaque filter expression into a WHERE
// fragment and bound arguments. The expression is a comma-separated list of
// `column=value` equality terms over node columns; an empty expression
// matches all nodes of the target.
func compileTreeFilter(target, filter string) (string, []interface{}, error) {
	var where = []string{"target = ?"}
	var args = []interface{}{target}

	if strings.TrimSpace(filter) == "" {
		return strings.Join(where, " AND "), args, nil
	}

	for _, term := range strings.Split(filter, ",") {
		var col, val, ok = strings.Cut(strings.TrimSpace(term), "=")
		if !ok {
			return "", nil, wire.NewCodedError(wire.CodeValidation,
				"malformed filter term %q (expected column=value)", term)
		}
		col = strings.TrimSpace(col)
		if !treeFilterColumns[col] {
			return "", nil, wire.NewCodedError(wire.CodeValidation,
				"filter references unknown node column %q", col)
		}
		where = append(where, quoteIdent(col)+" = ?")

		// Numeric comparands bind as integers so they match INTEGER columns.
		if n, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64); err == nil {
			args = append(args, n)
		} else {
			args = append(args, strings.TrimSpace(val))
		}
	}
	return strings.Join(where, " AND "), args, nil
}

// TreeQuery returns nodes of |target| matching |filter|.
func (e *Engine) TreeQuery(ctx context.Context, target, filter string) ([]map[string]wire.Value, error) {
	if target == "" {
		return nil, wire.NewCodedError(wire.CodeValidation, "tree query requires a target")
	}
	var where, args, err = compileTreeFilter(target, filter)
	if err != nil {
		return nil, err
	}

	var r, release, grabErr = e.grab(nil)
	if grabErr != nil {
		return nil, grabErr
	}
	defer release()

	if _, err = e.syncTable(ctx, r, treeNodesSchema); err != nil {
		return nil, err
	}

	var rows *sql.Rows
	if rows, err = r.QueryContext(ctx,
		"SELECT * FROM "+quoteIdent(TreeNodesTable)+" WHERE "+where+" ORDER BY id", args...); err != nil {
		return nil, storageErr(err, "querying nodes of", target)
	}
	return scanRows(rows, TreeNodesTable)
}

// TreeModify updates nodes of |target| matching |filter| with |set|, or
// deletes them when |del| is true. It returns the count of affected nodes.
// A non-nil |txnID| executes within that transaction.
func (e *Engine) TreeModify(ctx context.Context, txnID *uuid.UUID, target, filter string, set map[string]wire.Value, del bool) (int64, error) {
	if target == "" {
		return 0, wire.NewCodedError(wire.CodeValidation, "tree modify requires a target")
	}
	if del && len(set) != 0 {
		return 0, wire.NewCodedError(wire.CodeValidation, "tree modify cannot both set and delete")
	}
	if !del && len(set) == 0 {
		return 0, wire.NewCodedError(wire.CodeValidation, "tree modify sets no columns")
	}
	for k := range set {
		if !treeFilterColumns[k] && k != "payload" {
			return 0, wire.NewCodedError(wire.CodeValidation, "cannot set unknown node column %q", k)
		}
	}

	var where, args, err = compileTreeFilter(target, filter)
	if err != nil {
		return 0, err
	}

	var r, release, grabErr = e.grab(txnID)
	if grabErr != nil {
		return 0, grabErr
	}
	defer release()

	if _, err = e.syncTable(ctx, r, treeNodesSchema); err != nil {
		return 0, err
	}

	var q string
	var bound []interface{}
	if del {
		q = "DELETE FROM " + quoteIdent(TreeNodesTable) + " WHERE " + where
		bound = args
	} else {
		var keys = make([]string, 0, len(set))
		for k := range set {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var assigns = make([]string, len(keys))
		for i, k := range keys {
			assigns[i] = quoteIdent(k) + " = ?"
			bound = append(bound, set[k].Interface())
		}
		q = "UPDATE " + quoteIdent(TreeNodesTable) + " SET " + strings.Join(assigns, ", ") +
			" WHERE " + where
		bound = append(bound, args...)
	}

	var res sql.Result
	if res, err = r.ExecContext(ctx, q, bound...); err != nil {
		return 0, storageErr(err, "modifying nodes of", target)
	}
	var n, _ = res.RowsAffected()
	return n, nil
}

// TreeInsert adds one node of |target|, returning its id. Used by the
// vectorization and file-watching collaborators when (re)indexing a file.
func (e *Engine) TreeInsert(ctx context.Context, txnID *uuid.UUID, target string, node map[string]wire.Value) (int64, error) {
	if target == "" {
		return 0, wire.NewCodedError(wire.CodeValidation, "tree insert requires a target")
	}
	for k := range node {
		if !treeFilterColumns[k] && k != "payload" {
			return 0, wire.NewCodedError(wire.CodeValidation, "cannot set unknown node column %q", k)
		}
	}

	var r, release, grabErr = e.grab(txnID)
	if grabErr != nil {
		return 0, grabErr
	}
	defer release()

	if _, err := e.syncTable(ctx, r, treeNodesSchema); err != nil {
		return 0, err
	}

	var keys = make([]string, 0, len(node))
	for k := range node {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var cols = []string{quoteIdent("target")}
	var params = []string{"?"}
	var bound = []interface{}{target}
	for _, k := range keys {
		cols = append(cols, quoteIdent(k))
		params = append(params, "?")
		bound = append(bound, node[k].Interface())
	}

	var res, err = r.ExecContext(ctx, "INSERT INTO "+quoteIdent(TreeNodesTable)+
		" ("+strings.Join(cols, ", ")+") VALUES ("+strings.Join(params, ", ")+")", bound...)
	if err != nil {
		return 0, storageErr(err, "inserting node of", target)
	}
	var id, _ = res.LastInsertId()
	return id, nil
}
