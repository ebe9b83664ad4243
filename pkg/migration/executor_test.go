package migration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marshallshelly/pebble-graph/pkg/dialect"
	"github.com/marshallshelly/pebble-graph/pkg/runtime"
)

func openSQLite(t *testing.T) *runtime.SQLDB {
	t.Helper()
	db, err := runtime.OpenSQL(context.Background(), "sqlite", ":memory:", 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestExecutor_ApplyAndRollback(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	d, _ := dialect.Get("sqlite")
	exec := NewExecutor(db, d, nil)
	require.NoError(t, exec.Initialize(ctx))

	s := buildSchema(t, Node{}, Post{}, Tag{})
	p := NewPlanner(d)
	m := Migration{Version: "20240101000000", Name: "init", Up: p.CreateStatements(s), Down: p.DropStatements(s)}

	require.NoError(t, exec.Apply(ctx, m))
	records, err := exec.Applied(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "init", records[0].Name)

	_, err = db.Exec(ctx, `INSERT INTO "nodes" ("name") VALUES (?)`, "root")
	require.NoError(t, err)

	err = exec.Apply(ctx, m)
	assert.ErrorContains(t, err, "already applied")

	require.NoError(t, exec.Rollback(ctx, m))
	records, err = exec.Applied(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)

	_, err = db.Exec(ctx, `SELECT * FROM "nodes"`)
	assert.Error(t, err)

	assert.ErrorContains(t, exec.Rollback(ctx, m), "not applied")
}

func TestExecutor_ApplyStatementsIsAtomic(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	d, _ := dialect.Get("sqlite")
	exec := NewExecutor(db, d, nil)

	err := exec.ApplyStatements(ctx, []string{"CREATE TABLE a (x INTEGER)", "CREATE TABLE"})
	require.Error(t, err)
	assert.ErrorContains(t, err, "statement 2 failed")

	var qe *runtime.QueryError
	assert.ErrorAs(t, err, &qe)

	_, err = db.Exec(ctx, "SELECT x FROM a")
	assert.Error(t, err, "the first table is rolled back")
}
