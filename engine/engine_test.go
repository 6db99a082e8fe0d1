package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanedb/lane/wire"
)

func newTestEngine(t *testing.T) *Engine {
	var e, err = Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

var docCols = []ColumnDef{
	{Name: "id", Type: "INTEGER", PrimaryKey: true},
	{Name: "k", Type: "TEXT", NotNull: true},
	{Name: "n", Type: "INTEGER"},
}

func TestCreateInsertSelect(t *testing.T) {
	var e, ctx = newTestEngine(t), context.Background()

	require.NoError(t, e.CreateTable(ctx, "t", []ColumnDef{{Name: "k", Type: "TEXT"}}))

	var rowid, err = e.Insert(ctx, nil, "t", map[string]wire.Value{"k": wire.StringValue("v")})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rowid)

	rows, err := e.Select(ctx, nil, "t", SelectOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, wire.StringValue("v").Equal(rows[0]["k"]))
}

func TestValidationErrors(t *testing.T) {
	var e, ctx = newTestEngine(t), context.Background()
	require.NoError(t, e.CreateTable(ctx, "docs", docCols))

	var cases = []struct {
		desc string
		err  error
	}{
		{"bad table name", e.CreateTable(ctx, "bad name;", docCols)},
		{"no columns", e.CreateTable(ctx, "empty", nil)},
		{"duplicate table", e.CreateTable(ctx, "docs", docCols)},
		{"drop missing", e.DropTable(ctx, "nope")},
		{"insert missing table", func() error {
			var _, err = e.Insert(ctx, nil, "nope", map[string]wire.Value{"k": wire.Null()})
			return err
		}()},
		{"insert unknown column", func() error {
			var _, err = e.Insert(ctx, nil, "docs", map[string]wire.Value{"zz": wire.Null()})
			return err
		}()},
		{"select missing table", func() error {
			var _, err = e.Select(ctx, nil, "nope", SelectOptions{})
			return err
		}()},
	}
	for _, tc := range cases {
		require.Error(t, tc.err, tc.desc)
		assert.Equal(t, wire.CodeValidation, wire.CodeOf(tc.err), tc.desc)
	}
}

func TestUpdateAndDelete(t *testing.T) {
	var e, ctx = newTestEngine(t), context.Background()
	require.NoError(t, e.CreateTable(ctx, "docs", docCols))

	for i := int64(0); i != 5; i++ {
		var _, err = e.Insert(ctx, nil, "docs", map[string]wire.Value{
			"k": wire.StringValue("key"),
			"n": wire.IntValue(i),
		})
		require.NoError(t, err)
	}

	var n, err = e.Update(ctx, nil, "docs",
		map[string]wire.Value{"k": wire.StringValue("even")},
		"n % 2 = ?", []wire.Value{wire.IntValue(0)})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = e.Delete(ctx, nil, "docs", "k = ?", []wire.Value{wire.StringValue("even")})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	rows, err := e.Select(ctx, nil, "docs", SelectOptions{})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestSelectOptions(t *testing.T) {
	var e, ctx = newTestEngine(t), context.Background()
	require.NoError(t, e.CreateTable(ctx, "docs", docCols))

	for i := int64(0); i != 10; i++ {
		var _, err = e.Insert(ctx, nil, "docs", map[string]wire.Value{
			"k": wire.StringValue("key"),
			"n": wire.IntValue(i),
		})
		require.NoError(t, err)
	}

	var rows, err = e.Select(ctx, nil, "docs", SelectOptions{
		Columns:   []string{"n"},
		Where:     "n >= ?",
		Args:      []wire.Value{wire.IntValue(4)},
		OrderBy:   "n",
		OrderDesc: true,
		Limit:     3,
		Offset:    1,
	})
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, int64(8), rows[0]["n"].Int)
	assert.Equal(t, int64(7), rows[1]["n"].Int)
	assert.Equal(t, int64(6), rows[2]["n"].Int)
	var _, hasK = rows[0]["k"]
	assert.False(t, hasK)
}

func TestExecuteRawStatement(t *testing.T) {
	var e, ctx = newTestEngine(t), context.Background()
	require.NoError(t, e.CreateTable(ctx, "docs", docCols))

	var affected, last, err = e.Execute(ctx, nil,
		"INSERT INTO docs (k, n) VALUES (?, ?)",
		[]wire.Value{wire.StringValue("raw"), wire.IntValue(7)})
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)
	assert.Equal(t, int64(1), last)

	_, _, err = e.Execute(ctx, nil, "", nil)
	require.Error(t, err)
	assert.Equal(t, wire.CodeValidation, wire.CodeOf(err))

	_, _, err = e.Execute(ctx, nil, "NOT VALID SQL", nil)
	require.Error(t, err)
	assert.Equal(t, wire.CodeStorage, wire.CodeOf(err))
}

func TestAlterTable(t *testing.T) {
	var e, ctx = newTestEngine(t), context.Background()
	require.NoError(t, e.CreateTable(ctx, "docs", docCols))

	require.NoError(t, e.AlterTable(ctx, "docs", []ColumnDef{{Name: "extra", Type: "TEXT"}}))

	var err = e.AlterTable(ctx, "docs", []ColumnDef{{Name: "extra", Type: "TEXT"}})
	require.Error(t, err)
	assert.Equal(t, wire.CodeValidation, wire.CodeOf(err))

	var _, insErr = e.Insert(ctx, nil, "docs", map[string]wire.Value{
		"k":     wire.StringValue("x"),
		"extra": wire.StringValue("y"),
	})
	assert.NoError(t, insErr)
}

func TestTransactionCommitAndRollback(t *testing.T) {
	var e, ctx = newTestEngine(t), context.Background()
	require.NoError(t, e.CreateTable(ctx, "docs", docCols))

	// Committed transaction persists its row.
	var txn, err = e.Begin(ctx)
	require.NoError(t, err)
	_, err = e.Insert(ctx, &txn, "docs", map[string]wire.Value{"k": wire.StringValue("kept")})
	require.NoError(t, err)
	require.NoError(t, e.Commit(txn))

	// Rolled-back transaction does not.
	txn, err = e.Begin(ctx)
	require.NoError(t, err)
	_, err = e.Insert(ctx, &txn, "docs", map[string]wire.Value{"k": wire.StringValue("dropped")})
	require.NoError(t, err)
	require.NoError(t, e.Rollback(txn))

	var rows []map[string]wire.Value
	rows, err = e.Select(ctx, nil, "docs", SelectOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, wire.StringValue("kept").Equal(rows[0]["k"]))

	// A finished transaction id is no longer usable.
	_, err = e.Insert(ctx, &txn, "docs", map[string]wire.Value{"k": wire.Null()})
	require.Error(t, err)
	assert.Equal(t, wire.CodeTxnNotFound, wire.CodeOf(err))
	assert.Equal(t, wire.CodeTxnNotFound, wire.CodeOf(e.Commit(txn)))
	assert.Zero(t, e.ActiveTxns())
}

func TestConcurrentTransactionsSerialize(t *testing.T) {
	var e, ctx = newTestEngine(t), context.Background()
	require.NoError(t, e.CreateTable(ctx, "docs", docCols))

	var wg sync.WaitGroup
	for i := 0; i != 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			var txn, err = e.Begin(ctx)
			require.NoError(t, err)
			for j := 0; j != 5; j++ {
				_, err = e.Insert(ctx, &txn, "docs", map[string]wire.Value{
					"k": wire.StringValue("writer"),
					"n": wire.IntValue(int64(i*5 + j)),
				})
				require.NoError(t, err)
			}
			require.NoError(t, e.Commit(txn))
		}(i)
	}
	wg.Wait()

	// All writes of all transactions landed; no interleaved partial state.
	var rows, err = e.Select(ctx, nil, "docs", SelectOptions{})
	require.NoError(t, err)
	assert.Len(t, rows, 20)
}

func TestGetTableInfo(t *testing.T) {
	var e, ctx = newTestEngine(t), context.Background()
	require.NoError(t, e.CreateTable(ctx, "docs", docCols))

	var _, err = e.Insert(ctx, nil, "docs", map[string]wire.Value{"k": wire.StringValue("x")})
	require.NoError(t, err)

	info, err := e.GetTableInfo(ctx, "docs")
	require.NoError(t, err)
	assert.Equal(t, "docs", info.Name)
	require.Len(t, info.Columns, 3)
	assert.Equal(t, "id", info.Columns[0].Name)
	assert.True(t, info.Columns[0].PrimaryKey)
	assert.True(t, info.Columns[1].NotNull)
	assert.Equal(t, int64(1), info.RowCount)

	_, err = e.GetTableInfo(ctx, "nope")
	require.Error(t, err)
	assert.Equal(t, wire.CodeValidation, wire.CodeOf(err))
}

func TestSchemaVersionDefaultsToZero(t *testing.T) {
	var e = newTestEngine(t)

	var v, err = e.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Zero(t, v)
}

func TestValueKindsSurviveStorage(t *testing.T) {
	var e, ctx = newTestEngine(t), context.Background()
	require.NoError(t, e.CreateTable(ctx, "vals", []ColumnDef{
		{Name: "s", Type: "TEXT"},
		{Name: "i", Type: "INTEGER"},
		{Name: "f", Type: "REAL"},
		{Name: "b", Type: "BLOB"},
		{Name: "ts", Type: "DATETIME"},
		{Name: "z", Type: "TEXT"},
	}))

	var when = time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	var _, err = e.Insert(ctx, nil, "vals", map[string]wire.Value{
		"s":  wire.StringValue("str"),
		"i":  wire.IntValue(-42),
		"f":  wire.FloatValue(1.5),
		"b":  wire.BytesValue([]byte{9, 8, 7}),
		"ts": wire.TimeValue(when),
		"z":  wire.Null(),
	})
	require.NoError(t, err)

	rows, err := e.Select(ctx, nil, "vals", SelectOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	var row = rows[0]
	assert.Equal(t, "str", row["s"].Str)
	assert.Equal(t, int64(-42), row["i"].Int)
	assert.Equal(t, 1.5, row["f"].Float)
	assert.Equal(t, []byte{9, 8, 7}, row["b"].Bytes)
	assert.Equal(t, wire.KindTime, row["ts"].Kind)
	assert.True(t, when.Equal(row["ts"].Time))
	assert.Equal(t, wire.KindNull, row["z"].Kind)
}
