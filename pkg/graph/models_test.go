package graph

import (
	"context"
	"fmt"
	"reflect"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/marshallshelly/pebble-graph/pkg/entity"
	"github.com/marshallshelly/pebble-graph/pkg/registry"
	"github.com/marshallshelly/pebble-graph/pkg/schema"
)

type Node struct {
	entity.Entity `po:"nodes"`
	ID            int64             `po:"id,primaryKey,generated"`
	Name          string            `po:"name,notNull"`
	Parent        *Node             `po:"parent_id,foreignKey,optional"`
	Children      entity.Many[Node] `po:"-,foreignTable(Parent)"`
}

type Author struct {
	entity.Entity `po:"authors"`
	ID            int64  `po:"id,primaryKey,generated"`
	Name          string `po:"name"`
}

type Book struct {
	entity.Entity `po:"books"`
	ID            int64   `po:"id,primaryKey,generated"`
	Title         string  `po:"title"`
	Author        *Author `po:"author_id,foreignKey,optional,onForeignDeleted(SET_NULL)"`
}

type Post struct {
	entity.Entity `po:"posts"`
	ID            int64            `po:"id,primaryKey,generated"`
	Title         string           `po:"title"`
	Tags          entity.Many[Tag] `po:"-,joinTable(Posts),cascadeDelete"`
}

type Tag struct {
	entity.Entity `po:"tags"`
	ID            int64             `po:"id,primaryKey,generated"`
	Label         string            `po:"label"`
	Posts         entity.Many[Post] `po:"-,joinTable(Tags)"`
}

// Team and Player reference each other; only the captain key is nullable.
type Team struct {
	entity.Entity `po:"teams"`
	ID            int64   `po:"id,primaryKey,generated"`
	Captain       *Player `po:"captain_id,foreignKey,optional,onForeignDeleted(SET_NULL)"`
}

type Player struct {
	entity.Entity `po:"players"`
	ID            int64 `po:"id,primaryKey,generated"`
	Team          *Team `po:"team_id,foreignKey"`
}

type Chicken struct {
	entity.Entity `po:"chickens"`
	ID            int64 `po:"id,primaryKey,generated"`
	Egg           *Egg  `po:"egg_id,foreignKey"`
}

type Egg struct {
	entity.Entity `po:"eggs"`
	ID            int64    `po:"id,primaryKey,generated"`
	Chicken       *Chicken `po:"chicken_id,foreignKey"`
}

// Leaf deletes its branch when deleted, and the branch deletes its leaves.
type Branch struct {
	entity.Entity `po:"branches"`
	ID            int64 `po:"id,primaryKey,generated"`
}

type Leaf struct {
	entity.Entity `po:"leaves"`
	ID            int64   `po:"id,primaryKey,generated"`
	Branch        *Branch `po:"branch_id,foreignKey,cascadeDelete"`
}

type Setting struct {
	entity.Entity `po:"settings"`
	Key           string `po:"key,primaryKey"`
	Value         string `po:"value"`
}

// fakeStore serves as client and loader. Query results are keyed by
// "Entity.column=value" and join rows by "table.column=value".
type fakeStore struct {
	reg      *registry.Registry
	found    map[string][]any
	joinRows map[string][]schema.JoinRow
	queries  []string
}

func newFakeStore(t *testing.T) *fakeStore {
	t.Helper()
	reg := registry.NewRegistry()
	require.NoError(t, reg.Register(Node{}, Book{}, Post{}, Team{}, Chicken{}, Leaf{}, Setting{}))
	return &fakeStore{
		reg:      reg,
		found:    make(map[string][]any),
		joinRows: make(map[string][]schema.JoinRow),
	}
}

func (f *fakeStore) walker() *Walker {
	return NewWalker(f.reg, f, f)
}

func (f *fakeStore) CheckManaged(t reflect.Type) error {
	return f.reg.CheckManaged(t)
}

func (f *fakeStore) LoadEntity(_ context.Context, instance any) error {
	f.queries = append(f.queries, fmt.Sprintf("load %T", instance))
	_, err := entity.Attach(instance, f, true, entity.Lookup(instance).IDs()...)
	return err
}

func (f *fakeStore) LoadRelation(context.Context, any, string) error {
	return fmt.Errorf("unexpected relation load")
}

func (f *fakeStore) FindBy(_ context.Context, meta *schema.EntityMetadata, column string, values []any, _ ...any) ([]any, error) {
	key := fmt.Sprintf("%s.%s=%v", meta.Name, column, values[0])
	f.queries = append(f.queries, key)
	return f.found[key], nil
}

func (f *fakeStore) JoinRows(_ context.Context, jt *schema.JoinTableMetadata, byOwner bool, values []any) ([]schema.JoinRow, error) {
	column := jt.TargetColumn
	if byOwner {
		column = jt.OwnerColumn
	}
	key := fmt.Sprintf("%s.%s=%v", jt.Table, column, values[0])
	f.queries = append(f.queries, key)
	return f.joinRows[key], nil
}

// persisted attaches instance as a loaded row whose snapshot matches its fields.
func (f *fakeStore) persisted(t *testing.T, instance any) *entity.State {
	t.Helper()
	meta, err := f.reg.Get(reflect.TypeOf(instance))
	require.NoError(t, err)
	ids, err := meta.IDValues(instance)
	require.NoError(t, err)
	state, err := entity.Attach(instance, f, true, ids...)
	require.NoError(t, err)
	for _, col := range meta.Columns {
		v, err := meta.ColumnValue(instance, col)
		require.NoError(t, err)
		state.SetSnapshot(col.Name, v)
	}
	return state
}

func entityAttachStub(f *fakeStore, instance *Leaf) (*entity.State, error) {
	return entity.Attach(instance, f, false, instance.ID)
}

// resolve loads a relationship of a persisted instance with items.
func resolve(t *testing.T, instance any, property string, items ...any) {
	t.Helper()
	rel, ok := entity.Lookup(instance).Relation(property)
	require.True(t, ok, "no relation %s", property)
	rel.Resolve(items)
}

// describeOps renders operations as "KIND Entity" strings, one slice per step.
func describeOps(plan *Plan) [][]string {
	out := make([][]string, len(plan.Steps))
	for i, step := range plan.Steps {
		for _, op := range step.Operations {
			out[i] = append(out[i], op.String())
		}
	}
	return out
}
