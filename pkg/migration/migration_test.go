package migration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marshallshelly/pebble-graph/pkg/entity"
	"github.com/marshallshelly/pebble-graph/pkg/registry"
	"github.com/marshallshelly/pebble-graph/pkg/schema"
)

type Node struct {
	entity.Entity `po:"nodes,index(idx_nodes_name,Name)"`
	ID            int64             `po:"id,primaryKey,generated"`
	Name          string            `po:"name,notNull,maxLength(100)"`
	Parent        *Node             `po:"parent_id,foreignKey,optional"`
	Children      entity.Many[Node] `po:"-,foreignTable(Parent)"`
}

type Post struct {
	entity.Entity `po:"posts"`
	ID            int64            `po:"id,primaryKey,generated"`
	Title         string           `po:"title,notNull"`
	Tags          entity.Many[Tag] `po:"-,joinTable(Posts)"`
}

type Tag struct {
	entity.Entity `po:"tags,unique(uq_tags_label,Label)"`
	ID            int64             `po:"id,primaryKey,generated"`
	Label         string            `po:"label,notNull"`
	Posts         entity.Many[Post] `po:"-,joinTable(Tags)"`
}

type Membership struct {
	entity.Entity `po:"memberships,compositeId(GroupID,UserID)"`
	GroupID       int64  `po:"group_id"`
	UserID        int64  `po:"user_id"`
	Role          string `po:"role,default('member')"`
}

type Book struct {
	entity.Entity `po:"books"`
	ID            int64 `po:"id,primaryKey,generated"`
	Author        *Node `po:"author_id,foreignKey,optional,onForeignDeleted(SET_NULL)"`
}

func buildSchema(t *testing.T, models ...any) *Schema {
	t.Helper()
	reg := registry.NewRegistry()
	require.NoError(t, reg.Register(models...))
	var metas []*schema.EntityMetadata
	for _, m := range models {
		meta, err := reg.GetOrRegister(m)
		require.NoError(t, err)
		metas = append(metas, meta)
	}
	return BuildSchema(metas)
}

func TestBuildSchema(t *testing.T) {
	s := buildSchema(t, Node{}, Post{}, Tag{}, Membership{}, Book{})

	names := make([]string, len(s.Tables))
	for i, tbl := range s.Tables {
		names[i] = tbl.Name
	}
	assert.Equal(t, []string{"nodes", "posts", "tags", "memberships", "books", "posts_tags"}, names)

	nodes := s.Table("nodes")
	require.NotNil(t, nodes)
	assert.Equal(t, "Node", nodes.Entity)
	assert.Equal(t, []string{"id"}, nodes.PrimaryKey)
	assert.Equal(t, []ForeignKey{{Name: "fk_nodes_parent_id", Column: "parent_id", RefTable: "nodes", RefColumn: "id"}}, nodes.ForeignKeys)
	assert.True(t, nodes.IsKeyColumn("name"), "indexed")
	assert.False(t, nodes.IsJoinTable())

	join := s.Table("posts_tags")
	require.NotNil(t, join)
	assert.True(t, join.IsJoinTable())
	assert.Equal(t, []string{"post_id", "tag_id"}, join.PrimaryKey)
	require.Len(t, join.ForeignKeys, 2)
	assert.Equal(t, "tags", join.ForeignKeys[1].RefTable)
	assert.Equal(t, schema.KindInt64, join.Column("tag_id").Kind)
	assert.False(t, join.Column("tag_id").Nullable)

	assert.Equal(t, []string{"group_id", "user_id"}, s.Table("memberships").PrimaryKey)
	assert.True(t, s.Table("books").ForeignKeys[0].SetNull)
}

func TestGenerateFileName(t *testing.T) {
	assert.Equal(t, "20240101120000_create_nodes.up.sql", GenerateFileName("20240101120000", "create_nodes", "up"))
	assert.Len(t, GenerateVersion(), 14)
}
