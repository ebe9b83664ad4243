package graph

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/marshallshelly/pebble-graph/pkg/entity"
	"github.com/marshallshelly/pebble-graph/pkg/registry"
	"github.com/marshallshelly/pebble-graph/pkg/schema"
)

// Loader performs the read-only queries planning may need.
type Loader interface {
	LoadEntity(ctx context.Context, instance any) error
	FindBy(ctx context.Context, meta *schema.EntityMetadata, column string, values []any, seed ...any) ([]any, error)
	JoinRows(ctx context.Context, jt *schema.JoinTableMetadata, byOwner bool, values []any) ([]schema.JoinRow, error)
}

// Walker plans saves and deletes of entity graphs.
type Walker struct {
	registry *registry.Registry
	client   entity.Client
	loader   Loader
}

// NewWalker creates a walker. client attaches state to instances seen for the first
// time; loader serves delete planning.
func NewWalker(reg *registry.Registry, client entity.Client, loader Loader) *Walker {
	if reg == nil {
		reg = registry.Default()
	}
	return &Walker{registry: reg, client: client, loader: loader}
}

// describe returns the metadata and state of instance.
func (w *Walker) describe(instance any) (*schema.EntityMetadata, *entity.State, error) {
	meta, err := w.registry.Get(reflect.TypeOf(instance))
	if err != nil {
		return nil, nil, err
	}
	state, err := entity.Get(instance, w.client)
	if err != nil {
		return nil, nil, err
	}
	return meta, state, nil
}

// identity is the key of a row: the entity name and its identifier values.
func identity(meta *schema.EntityMetadata, ids []any) string {
	return fmt.Sprintf("%s%v", meta.Name, ids)
}

// target returns the instance fk points to, through a reference field or a scalar
// key bound by a foreign table.
func target(instance any, fk *schema.ForeignKeyMetadata, bound map[*schema.ForeignKeyMetadata]any) any {
	if fk.ByReference {
		return schema.Reference(instance, fk)
	}
	return bound[fk]
}

func sameValue(a, b any) bool {
	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		return ok && ta.Equal(tb)
	}
	return reflect.DeepEqual(a, b)
}

func contains(items []any, item any) bool {
	for _, i := range items {
		if i == item {
			return true
		}
	}
	return false
}
