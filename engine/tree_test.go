package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanedb/lane/wire"
)

func insertNode(t *testing.T, e *Engine, target, kind, name string, start int64) {
	var _, err = e.TreeInsert(context.Background(), nil, target, map[string]wire.Value{
		"kind":       wire.StringValue(kind),
		"name":       wire.StringValue(name),
		"start_byte": wire.IntValue(start),
		"end_byte":   wire.IntValue(start + 10),
		"payload":    wire.BytesValue([]byte(name)),
	})
	require.NoError(t, err)
}

func TestTreeQueryFiltering(t *testing.T) {
	var e, ctx = newTestEngine(t), context.Background()

	insertNode(t, e, "a.py", "function_definition", "main", 0)
	insertNode(t, e, "a.py", "function_definition", "helper", 100)
	insertNode(t, e, "a.py", "class_definition", "App", 200)
	insertNode(t, e, "b.py", "function_definition", "other", 0)

	// All nodes of one target.
	var nodes, err = e.TreeQuery(ctx, "a.py", "")
	require.NoError(t, err)
	assert.Len(t, nodes, 3)

	// Filter by kind.
	nodes, err = e.TreeQuery(ctx, "a.py", "kind=function_definition")
	require.NoError(t, err)
	assert.Len(t, nodes, 2)

	// Conjunction of terms, including a numeric comparand.
	nodes, err = e.TreeQuery(ctx, "a.py", "kind=function_definition, start_byte=100")
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "helper", nodes[0]["name"].Str)

	// Other targets are never visible.
	nodes, err = e.TreeQuery(ctx, "b.py", "")
	require.NoError(t, err)
	assert.Len(t, nodes, 1)
}

func TestTreeQueryValidation(t *testing.T) {
	var e, ctx = newTestEngine(t), context.Background()

	var _, err = e.TreeQuery(ctx, "", "")
	require.Error(t, err)
	assert.Equal(t, wire.CodeValidation, wire.CodeOf(err))

	_, err = e.TreeQuery(ctx, "a.py", "payload=x")
	require.Error(t, err)
	assert.Equal(t, wire.CodeValidation, wire.CodeOf(err))

	_, err = e.TreeQuery(ctx, "a.py", "no-equals-sign")
	require.Error(t, err)
	assert.Equal(t, wire.CodeValidation, wire.CodeOf(err))
}

func TestTreeModify(t *testing.T) {
	var e, ctx = newTestEngine(t), context.Background()

	insertNode(t, e, "a.py", "function_definition", "old_name", 0)
	insertNode(t, e, "a.py", "class_definition", "App", 100)

	// Rename matching nodes.
	var n, err = e.TreeModify(ctx, nil, "a.py", "kind=function_definition",
		map[string]wire.Value{"name": wire.StringValue("new_name")}, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	nodes, err := e.TreeQuery(ctx, "a.py", "name=new_name")
	require.NoError(t, err)
	assert.Len(t, nodes, 1)

	// Delete matching nodes.
	n, err = e.TreeModify(ctx, nil, "a.py", "kind=class_definition", nil, true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	nodes, err = e.TreeQuery(ctx, "a.py", "")
	require.NoError(t, err)
	assert.Len(t, nodes, 1)

	// Set and delete together is rejected, as is neither.
	_, err = e.TreeModify(ctx, nil, "a.py", "",
		map[string]wire.Value{"name": wire.Null()}, true)
	assert.Equal(t, wire.CodeValidation, wire.CodeOf(err))
	_, err = e.TreeModify(ctx, nil, "a.py", "", nil, false)
	assert.Equal(t, wire.CodeValidation, wire.CodeOf(err))
}

func TestTreeModifyWithinTransaction(t *testing.T) {
	var e, ctx = newTestEngine(t), context.Background()
	insertNode(t, e, "a.py", "function_definition", "f", 0)

	var txn, err = e.Begin(ctx)
	require.NoError(t, err)

	_, err = e.TreeModify(ctx, &txn, "a.py", "", nil, true)
	require.NoError(t, err)
	require.NoError(t, e.Rollback(txn))

	nodes, err := e.TreeQuery(ctx, "a.py", "")
	require.NoError(t, err)
	assert.Len(t, nodes, 1) // Rollback restored the node.
}
