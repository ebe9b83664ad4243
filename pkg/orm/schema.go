package orm

import (
	"context"
	"fmt"

	"github.com/marshallshelly/pebble-graph/pkg/migration"
	"github.com/marshallshelly/pebble-graph/pkg/schema"
)

// BuildSchema returns the schema of the given entity types, registering them as
// needed, or of every registered entity when none are given.
func (c *Client) BuildSchema(models ...any) (*migration.Schema, error) {
	reg := c.opts.registry
	if len(models) == 0 {
		return migration.BuildSchema(reg.All()), nil
	}

	metas := make([]*schema.EntityMetadata, 0, len(models))
	for _, m := range models {
		meta, err := reg.GetOrRegister(m)
		if err != nil {
			return nil, err
		}
		metas = append(metas, meta)
	}
	return migration.BuildSchema(metas), nil
}

// CreateSchema creates the tables of the given entity types, or of every
// registered entity. Existing tables are left alone.
func (c *Client) CreateSchema(ctx context.Context, models ...any) error {
	s, err := c.BuildSchema(models...)
	if err != nil {
		return err
	}
	statements := migration.NewPlanner(c.Dialect()).CreateStatements(s)

	if c.database != nil {
		return migration.NewExecutor(c.database, c.Dialect(), c.opts.logger).ApplyStatements(ctx, statements)
	}
	for i, stmt := range statements {
		if _, err := c.db.Conn().Exec(ctx, stmt); err != nil {
			return fmt.Errorf("statement %d failed: %w", i+1, err)
		}
	}
	return nil
}
