package builder

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marshallshelly/pebble-graph/pkg/entity"
	"github.com/marshallshelly/pebble-graph/pkg/runtime"
	"github.com/marshallshelly/pebble-graph/pkg/schema"
)

func TestLoadRelation_ForeignTable(t *testing.T) {
	db, mock := newMockDB(t, "postgres")
	ctx := context.Background()

	root := &Node{ID: 1, Name: "root"}
	_, err := entity.Attach(root, db, true, int64(1))
	require.NoError(t, err)
	require.False(t, root.Children.IsLoaded())

	mock.ExpectQuery(`SELECT t0."id", t0."name", t0."parent_id" FROM "nodes" AS t0 WHERE t0."parent_id" = $1 ORDER BY t0."id" ASC`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(nodeColumns).
			AddRow(int64(2), "a", int64(1)).
			AddRow(int64(3), "b", int64(1)))

	children, err := root.Children.Get(ctx)
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Same(t, root, children[0].Parent)
	assert.True(t, root.Children.IsLoaded())

	// Loaded relations are not fetched again.
	again, err := root.Children.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, children, again)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadRelation_JoinTable(t *testing.T) {
	db, mock := newMockDB(t, "postgres")

	post := &Post{ID: 5, Title: "p"}
	_, err := entity.Attach(post, db, true, int64(5))
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT t0."id", t0."label" FROM "tags" AS t0 INNER JOIN "posts_tags" AS j1 ON j1."tag_id" = t0."id" WHERE j1."post_id" = $1 ORDER BY t0."id" ASC`).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "label"}).AddRow(int64(8), "go"))

	var labels []string
	for tag, err := range post.Tags.All(context.Background()) {
		require.NoError(t, err)
		labels = append(labels, tag.Label)
	}
	assert.Equal(t, []string{"go"}, labels)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadRelation_Errors(t *testing.T) {
	db, _ := newMockDB(t, "postgres")

	root := &Node{ID: 1}
	_, err := entity.Attach(root, db, true, int64(1))
	require.NoError(t, err)

	err = db.LoadRelation(context.Background(), root, "Name")
	var accessErr *runtime.ModelAccessError
	assert.ErrorAs(t, err, &accessErr)
}

func TestLoadEntity_NotFound(t *testing.T) {
	db, mock := newMockDB(t, "postgres")

	mock.ExpectQuery(`SELECT t0."id", t0."name", t0."parent_id" FROM "nodes" AS t0 WHERE t0."id" = $1`).
		WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows(nodeColumns))

	err := db.LoadEntity(context.Background(), &Node{ID: 9})
	assert.ErrorIs(t, err, runtime.ErrNotFound)
}

func TestFindBy(t *testing.T) {
	db, mock := newMockDB(t, "mysql")
	node := meta(t, db.Registry(), "Node")

	mock.ExpectQuery("SELECT t0.`id`, t0.`name`, t0.`parent_id` FROM `nodes` AS t0 WHERE t0.`parent_id` IN (?, ?) ORDER BY t0.`id` ASC").
		WithArgs(int64(1), int64(2)).
		WillReturnRows(sqlmock.NewRows(nodeColumns).AddRow([]byte("3"), []byte("c"), []byte("2")))

	found, err := db.FindBy(context.Background(), node, "parent_id", []any{int64(1), int64(2)})
	require.NoError(t, err)
	require.Len(t, found, 1)
	n := found[0].(*Node)
	assert.Equal(t, int64(3), n.ID)
	assert.Equal(t, "c", n.Name)
	assert.Equal(t, int64(2), n.Parent.ID)

	none, err := db.FindBy(context.Background(), node, "parent_id", nil)
	require.NoError(t, err)
	assert.Empty(t, none)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJoinRows(t *testing.T) {
	db, mock := newMockDB(t, "postgres")
	jt := meta(t, db.Registry(), "Post").JoinTable("Tags")

	mock.ExpectQuery(`SELECT "post_id", "tag_id" FROM "posts_tags" WHERE "tag_id" IN ($1, $2)`).
		WithArgs(int64(8), int64(9)).
		WillReturnRows(sqlmock.NewRows([]string{"post_id", "tag_id"}).
			AddRow(int64(5), int64(8)).
			AddRow(int64(6), int64(9)))

	rows, err := db.JoinRows(context.Background(), jt, false, []any{int64(8), int64(9)})
	require.NoError(t, err)
	assert.Equal(t, []schema.JoinRow{{Owner: int64(5), Target: int64(8)}, {Owner: int64(6), Target: int64(9)}}, rows)
	require.NoError(t, mock.ExpectationsWereMet())
}
