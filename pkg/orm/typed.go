package orm

import (
	"context"
	"fmt"
	"iter"
	"reflect"

	"github.com/marshallshelly/pebble-graph/pkg/builder"
)

// SaveAll saves entities as one graph and returns them.
func SaveAll[T any](ctx context.Context, c *Client, entities []*T) ([]*T, error) {
	roots := make([]any, len(entities))
	for i, e := range entities {
		roots[i] = e
	}
	if err := c.Save(ctx, roots...); err != nil {
		return nil, err
	}
	return entities, nil
}

// SaveStream saves each entity of seq as it arrives and yields it once saved.
// Iteration stops after the first failure, which is yielded with the entity.
func SaveStream[T any](ctx context.Context, c *Client, seq iter.Seq[*T]) iter.Seq2[*T, error] {
	return func(yield func(*T, error) bool) {
		for e := range seq {
			if err := c.Save(ctx, e); err != nil {
				yield(e, err)
				return
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

// DeleteStream deletes each entity of seq as it arrives. It stops at the first
// failure.
func DeleteStream[T any](ctx context.Context, c *Client, seq iter.Seq[*T]) error {
	for e := range seq {
		if err := c.Delete(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// Select starts a query for root entities of type T.
func Select[T any](c *Client) *builder.SelectQuery[T] {
	return builder.Select[T](c.db)
}

// FindByID returns the entity of type T with the given identifier values, in
// identifier property order, or an error wrapping runtime.ErrNotFound.
func FindByID[T any](ctx context.Context, c *Client, ids ...any) (*T, error) {
	meta, err := c.opts.registry.Get(reflect.TypeFor[T]())
	if err != nil {
		return nil, err
	}
	if len(ids) != len(meta.ID.Properties) {
		return nil, fmt.Errorf("%s has %d identifier properties, got %d values", meta.Name, len(meta.ID.Properties), len(ids))
	}
	conditions := make([]builder.Condition, len(ids))
	for i, prop := range meta.ID.Properties {
		conditions[i] = builder.Eq(prop, ids[i])
	}
	return builder.Select[T](c.db).Where(conditions...).First(ctx)
}

// Count returns the number of entities of type T matching conditions.
func Count[T any](ctx context.Context, c *Client, conditions ...builder.Condition) (int64, error) {
	return builder.Select[T](c.db).Where(conditions...).Count(ctx)
}
