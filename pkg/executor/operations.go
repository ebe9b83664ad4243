package executor

import (
	"context"
	"fmt"
	"reflect"

	"github.com/google/uuid"

	"github.com/marshallshelly/pebble-graph/pkg/builder"
	"github.com/marshallshelly/pebble-graph/pkg/entity"
	"github.com/marshallshelly/pebble-graph/pkg/graph"
	"github.com/marshallshelly/pebble-graph/pkg/schema"
)

func typeOf(instance any) reflect.Type {
	return reflect.TypeOf(instance)
}

func (e *Executor) state(instance any) (*entity.State, error) {
	return entity.Get(instance, e.db.Client())
}

// insert writes the rows of ops, which share a table. Only single operations
// may have a database-generated identifier.
func (e *Executor) insert(ctx context.Context, ops []*graph.Operation) error {
	meta := ops[0].Meta
	d := e.db.Dialect()

	e.mu.Lock()
	columns := builder.InsertColumns(meta)
	rows := make([][]any, len(ops))
	for i, op := range ops {
		if err := e.prepareInsert(op); err != nil {
			e.mu.Unlock()
			return err
		}
		row := make([]any, len(columns))
		for j, col := range columns {
			if col.ForeignKey != nil && op.IsDeferred(col.ForeignKey) {
				continue
			}
			v, err := meta.ColumnValue(op.Entity, col)
			if err != nil {
				e.mu.Unlock()
				return err
			}
			row[j] = v
		}
		rows[i] = row
	}
	e.mu.Unlock()

	var generated any
	if meta.ID.Generated == schema.GeneratedByDatabase {
		idColumn := meta.IDColumns()[0]
		if d.SupportsReturning() {
			stmt := builder.InsertStatement(d, meta, columns, rows, []string{idColumn.Name})
			v, err := e.queryOne(ctx, stmt)
			if err != nil {
				return err
			}
			generated = v
		} else {
			res, err := e.db.Exec(ctx, builder.InsertStatement(d, meta, columns, rows, nil))
			if err != nil {
				return err
			}
			id, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("%s: reading generated key: %w", meta.Name, err)
			}
			generated = id
		}
	} else if _, err := e.db.Exec(ctx, builder.InsertStatement(d, meta, columns, rows, nil)); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for i, op := range ops {
		if generated != nil {
			idColumn := meta.IDColumns()[0]
			if err := meta.SetColumnValue(op.Entity, idColumn, generated); err != nil {
				return err
			}
		}
		if err := e.persisted(op, columns, rows[i]); err != nil {
			return err
		}
	}
	return nil
}

// prepareInsert generates client-side identifiers and resolves bound keys.
func (e *Executor) prepareInsert(op *graph.Operation) error {
	if op.Meta.ID.Generated == schema.GeneratedUUID {
		for _, col := range op.Meta.IDColumns() {
			if schema.Field(op.Entity, col.Index).IsZero() {
				if err := op.Meta.SetColumnValue(op.Entity, col, uuid.New()); err != nil {
					return err
				}
			}
		}
	}
	return applyBindings(op)
}

func applyBindings(op *graph.Operation) error {
	for _, b := range op.Bindings {
		if err := bind(op.Meta, op.Entity, b.ForeignKey, b.Target); err != nil {
			return err
		}
	}
	return nil
}

// bind copies the identifier of target into the scalar key fk.
func bind(meta *schema.EntityMetadata, instance any, fk *schema.ForeignKeyMetadata, target any) error {
	if fk.ByReference {
		return nil
	}
	ids, err := fk.Target.IDValues(target)
	if err != nil {
		return err
	}
	return meta.SetColumnValue(instance, meta.Column(fk.Column), ids[0])
}

// persisted moves the entity of op to PERSISTED and records the written values.
func (e *Executor) persisted(op *graph.Operation, columns []*schema.ColumnMetadata, values []any) error {
	state, err := e.state(op.Entity)
	if err != nil {
		return err
	}
	ids, err := op.Meta.IDValues(op.Entity)
	if err != nil {
		return err
	}
	if err := state.MarkPersisted(ids...); err != nil {
		return err
	}
	for i, col := range columns {
		state.SetSnapshot(col.Name, values[i])
	}
	for i, col := range op.Meta.IDColumns() {
		state.SetSnapshot(col.Name, ids[i])
	}
	return nil
}

func (e *Executor) queryOne(ctx context.Context, stmt builder.Statement) (any, error) {
	rows, err := e.db.Query(ctx, stmt)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var v any
	if rows.Next() {
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
	}
	return v, rows.Err()
}

func (e *Executor) update(ctx context.Context, op *graph.Operation) error {
	e.mu.Lock()
	if err := applyBindings(op); err != nil {
		e.mu.Unlock()
		return err
	}
	var (
		columns []*schema.ColumnMetadata
		values  []any
	)
	for _, col := range op.Columns {
		if col.ForeignKey != nil && op.IsDeferred(col.ForeignKey) {
			continue
		}
		v, err := op.Meta.ColumnValue(op.Entity, col)
		if err != nil {
			e.mu.Unlock()
			return err
		}
		columns = append(columns, col)
		values = append(values, v)
	}
	ids, err := op.Meta.IDValues(op.Entity)
	e.mu.Unlock()
	if err != nil {
		return err
	}

	if len(columns) > 0 {
		if _, err := e.db.Exec(ctx, builder.UpdateStatement(e.db.Dialect(), op.Meta, columns, values, ids)); err != nil {
			return err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.persisted(op, columns, values)
}

func (e *Executor) delete(ctx context.Context, ops []*graph.Operation) error {
	meta := ops[0].Meta
	ids := make([][]any, len(ops))
	e.mu.Lock()
	for i, op := range ops {
		v, err := meta.IDValues(op.Entity)
		if err != nil {
			e.mu.Unlock()
			return err
		}
		ids[i] = v
	}
	e.mu.Unlock()

	if _, err := e.db.Exec(ctx, builder.DeleteStatement(e.db.Dialect(), meta, ids)); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, op := range ops {
		state, err := e.state(op.Entity)
		if err != nil {
			return err
		}
		state.MarkDeleted()
	}
	return nil
}

// link sets a key that was inserted as NULL.
func (e *Executor) link(ctx context.Context, op *graph.Operation) error {
	col := op.Meta.Column(op.ForeignKey.Column)
	e.mu.Lock()
	if err := bind(op.Meta, op.Entity, op.ForeignKey, op.Target); err != nil {
		e.mu.Unlock()
		return err
	}
	value, err := op.Meta.ColumnValue(op.Entity, col)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	ids, err := op.Meta.IDValues(op.Entity)
	e.mu.Unlock()
	if err != nil {
		return err
	}

	stmt := builder.UpdateStatement(e.db.Dialect(), op.Meta, []*schema.ColumnMetadata{col}, []any{value}, ids)
	if _, err := e.db.Exec(ctx, stmt); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	state, err := e.state(op.Entity)
	if err != nil {
		return err
	}
	state.SetSnapshot(col.Name, value)
	return nil
}

// unlink clears the key of one entity, in the row and in memory.
func (e *Executor) unlink(ctx context.Context, op *graph.Operation) error {
	col := op.Meta.Column(op.ForeignKey.Column)
	e.mu.Lock()
	ids, err := op.Meta.IDValues(op.Entity)
	e.mu.Unlock()
	if err != nil {
		return err
	}

	stmt := builder.UpdateStatement(e.db.Dialect(), op.Meta, []*schema.ColumnMetadata{col}, []any{nil}, ids)
	if _, err := e.db.Exec(ctx, stmt); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clearKey(op.Meta, op.Entity, op.ForeignKey)
}

func (e *Executor) clearKey(meta *schema.EntityMetadata, instance any, fk *schema.ForeignKeyMetadata) error {
	if fk.ByReference {
		schema.SetReference(instance, fk, nil)
	} else if err := meta.SetColumnValue(instance, meta.Column(fk.Column), nil); err != nil {
		return err
	}
	if state := entity.Lookup(instance); state != nil {
		state.SetSnapshot(fk.Column, nil)
	}
	return nil
}

// unlinkReferrers clears a foreign key on every row referencing the entities of
// ops, and on the loaded members of their matching collections.
func (e *Executor) unlinkReferrers(ctx context.Context, ops []*graph.Operation) error {
	fk := ops[0].ForeignKey
	targets, err := e.firstIDs(ops)
	if err != nil {
		return err
	}
	if _, err := e.db.Exec(ctx, builder.UnlinkStatement(e.db.Dialect(), fk, targets)); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, op := range ops {
		state := entity.Lookup(op.Entity)
		if state == nil || fk.Inverse == nil {
			continue
		}
		rel, ok := state.Relation(fk.Inverse.Property)
		if !ok || !rel.IsLoaded() {
			continue
		}
		for _, item := range rel.Current() {
			if err := e.clearKey(fk.Owner, item, fk); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Executor) joinRows(ctx context.Context, kind graph.Kind, ops []*graph.Operation) error {
	jt := ops[0].JoinTable
	e.mu.Lock()
	pairs := make([][2]any, len(ops))
	for i, op := range ops {
		owner, err := jt.Owner.IDValues(op.Entity)
		if err != nil {
			e.mu.Unlock()
			return err
		}
		target, err := jt.Target.IDValues(op.Target)
		if err != nil {
			e.mu.Unlock()
			return err
		}
		pairs[i] = [2]any{owner[0], target[0]}
	}
	e.mu.Unlock()

	stmt := builder.JoinInsertStatement(e.db.Dialect(), jt, pairs)
	if kind == graph.UnlinkJoin {
		stmt = builder.JoinDeleteStatement(e.db.Dialect(), jt, pairs)
	}
	_, err := e.db.Exec(ctx, stmt)
	return err
}

func (e *Executor) unlinkJoinAll(ctx context.Context, ops []*graph.Operation) error {
	jt := ops[0].JoinTable
	values, err := e.firstIDs(ops)
	if err != nil {
		return err
	}
	_, err = e.db.Exec(ctx, builder.JoinDeleteByColumnStatement(e.db.Dialect(), jt, !ops[0].ByTarget, values))
	return err
}

// firstIDs returns the single identifier value of the entity of each operation.
func (e *Executor) firstIDs(ops []*graph.Operation) ([]any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]any, len(ops))
	for i, op := range ops {
		ids, err := op.Meta.IDValues(op.Entity)
		if err != nil {
			return nil, err
		}
		out[i] = ids[0]
	}
	return out, nil
}
