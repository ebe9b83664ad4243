package builder

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/marshallshelly/pebble-graph/pkg/dialect"
	"github.com/marshallshelly/pebble-graph/pkg/entity"
	"github.com/marshallshelly/pebble-graph/pkg/registry"
	"github.com/marshallshelly/pebble-graph/pkg/runtime"
	"github.com/marshallshelly/pebble-graph/pkg/schema"
)

type Node struct {
	entity.Entity `po:"nodes"`
	ID            int64             `po:"id,primaryKey,generated"`
	Name          string            `po:"name,notNull"`
	Parent        *Node             `po:"parent_id,foreignKey,optional"`
	Children      entity.Many[Node] `po:"-,foreignTable(Parent)"`
}

type Post struct {
	entity.Entity `po:"posts"`
	ID            int64            `po:"id,primaryKey,generated"`
	Title         string           `po:"title"`
	Tags          entity.Many[Tag] `po:"-,joinTable(Posts)"`
}

type Tag struct {
	entity.Entity `po:"tags"`
	ID            int64             `po:"id,primaryKey,generated"`
	Label         string            `po:"label"`
	Posts         entity.Many[Post] `po:"-,joinTable(Tags)"`
}

type Membership struct {
	entity.Entity `po:"memberships,compositeId(GroupID,UserID)"`
	GroupID       int64  `po:"group_id"`
	UserID        int64  `po:"user_id"`
	Role          string `po:"role"`
}

var nodeColumns = []string{"id", "name", "parent_id"}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.NewRegistry()
	require.NoError(t, reg.Register(Node{}, Post{}, Membership{}))
	return reg
}

func meta(t *testing.T, reg *registry.Registry, name string) *schema.EntityMetadata {
	t.Helper()
	m, err := reg.GetByName(name)
	require.NoError(t, err)
	return m
}

// newMockDB returns a DB over sqlmock matching statements exactly.
func newMockDB(t *testing.T, dialectName string) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	d, err := dialect.Get(dialectName)
	require.NoError(t, err)
	return New(runtime.NewSQLDB(sqlDB), d, testRegistry(t)), mock
}
