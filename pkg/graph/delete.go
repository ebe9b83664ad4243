package graph

import (
	"context"

	"github.com/marshallshelly/pebble-graph/pkg/entity"
	"github.com/marshallshelly/pebble-graph/pkg/runtime"
	"github.com/marshallshelly/pebble-graph/pkg/schema"
)

type deleteNode struct {
	instance any
	meta     *schema.EntityMetadata
	key      string
}

type cascade struct {
	jt     *schema.JoinTableMetadata
	target any
	done   bool
}

type deleteWalk struct {
	ctx   context.Context
	w     *Walker
	nodes []*deleteNode
	seen  map[string]int
	known map[string]any
	deps  []struct {
		from, to int
		fk       *schema.ForeignKeyMetadata
	}
	unlinks  []*Operation
	cascades []*cascade
	save     *saveWalk // set when deletions follow a save
}

// PlanDelete plans the removal of roots and of everything their deletion impacts:
// dependents through foreign keys, owner-side cascades and join table rows.
// TRANSIENT and already deleted roots are ignored.
func (w *Walker) PlanDelete(ctx context.Context, roots ...any) (*Plan, error) {
	return w.planDelete(ctx, nil, roots)
}

// planDelete plans deletions. With save set, rows of the saved graph are read
// back as the instances being saved, and dependents the save points elsewhere
// are kept.
func (w *Walker) planDelete(ctx context.Context, save *saveWalk, roots []any) (*Plan, error) {
	d := &deleteWalk{
		ctx:   ctx,
		w:     w,
		seen:  make(map[string]int),
		known: make(map[string]any),
		save:  save,
	}
	for _, root := range roots {
		if root == nil {
			continue
		}
		if _, err := d.visit(root); err != nil {
			return nil, err
		}
	}
	if err := d.resolveCascades(); err != nil {
		return nil, err
	}
	return d.order()
}

// visit plans the deletion of instance and returns its node index, or -1 when the
// instance has no row.
func (d *deleteWalk) visit(instance any) (int, error) {
	meta, state, err := d.w.describe(instance)
	if err != nil {
		return -1, err
	}
	if s := state.Status(); s == entity.Transient || s == entity.Deleted {
		return -1, nil
	}
	ids, err := meta.IDValues(instance)
	if err != nil {
		return -1, err
	}
	key := identity(meta, ids)
	if i, ok := d.seen[key]; ok {
		return i, nil
	}
	i := len(d.nodes)
	d.seen[key] = i
	d.known[key] = instance
	d.nodes = append(d.nodes, &deleteNode{instance: instance, meta: meta, key: key})
	if !meta.HasDeleteImpacts() {
		return i, nil
	}
	d.remember(meta, state)

	for _, fk := range meta.Referrers {
		if fk.OnForeignDeleted == schema.SetNull {
			d.unlinks = append(d.unlinks, &Operation{Kind: UnlinkReferrers, Meta: meta, Entity: instance, ForeignKey: fk})
			continue
		}
		dependents, err := d.w.loader.FindBy(d.ctx, fk.Owner, fk.Column, ids[:1], d.seeds()...)
		if err != nil {
			return -1, err
		}
		for _, dep := range dependents {
			if d.save != nil && d.save.releases(dep, fk, instance) {
				continue
			}
			j, err := d.visit(dep)
			if err != nil {
				return -1, err
			}
			if j >= 0 && j != i {
				d.depend(i, j, fk)
			}
		}
	}

	for _, fk := range meta.ForeignKeys {
		if !fk.CascadeDelete {
			continue
		}
		if !state.Loaded() {
			if err := d.w.loader.LoadEntity(d.ctx, instance); err != nil {
				return -1, err
			}
		}
		ref, err := d.reference(meta, instance, fk)
		if err != nil {
			return -1, err
		}
		if ref == nil {
			continue
		}
		j, err := d.visit(ref)
		if err != nil {
			return -1, err
		}
		if j >= 0 && j != i {
			d.depend(j, i, fk)
		}
	}

	for _, jt := range meta.JoinTables {
		d.unlinks = append(d.unlinks, &Operation{Kind: UnlinkJoinAll, Meta: meta, Entity: instance, JoinTable: jt})
		if !jt.CascadeDelete {
			continue
		}
		rows, err := d.w.loader.JoinRows(d.ctx, jt, true, ids[:1])
		if err != nil {
			return -1, err
		}
		for _, row := range rows {
			d.cascades = append(d.cascades, &cascade{jt: jt, target: row.Target})
		}
	}
	for _, jt := range meta.IncomingJoinTables {
		d.unlinks = append(d.unlinks, &Operation{Kind: UnlinkJoinAll, Meta: meta, Entity: instance, JoinTable: jt, ByTarget: true})
	}
	return i, nil
}

// depend makes the deletion of node from wait for node to. The row of to holds fk.
func (d *deleteWalk) depend(from, to int, fk *schema.ForeignKeyMetadata) {
	d.deps = append(d.deps, struct {
		from, to int
		fk       *schema.ForeignKeyMetadata
	}{from, to, fk})
}

// reference returns the instance an owner-side cascading key points to, querying
// scalar keys.
func (d *deleteWalk) reference(meta *schema.EntityMetadata, instance any, fk *schema.ForeignKeyMetadata) (any, error) {
	if fk.ByReference {
		return schema.Reference(instance, fk), nil
	}
	value, err := meta.ColumnValue(instance, meta.Column(fk.Column))
	if err != nil || value == nil || schema.Field(instance, fk.Index).IsZero() {
		return nil, err
	}
	if known, ok := d.known[identity(fk.Target, []any{value})]; ok {
		return known, nil
	}
	found, err := d.w.loader.FindBy(d.ctx, fk.Target, fk.Target.ID.Columns[0], []any{value})
	if err != nil || len(found) == 0 {
		return nil, err
	}
	return found[0], nil
}

// remember records the loaded relation members of a deleted instance, so rows
// read back for them map to the instances the caller holds.
func (d *deleteWalk) remember(meta *schema.EntityMetadata, state *entity.State) {
	add := func(target *schema.EntityMetadata, items []any) {
		for _, item := range items {
			if !target.HasID(item) {
				continue
			}
			ids, err := target.IDValues(item)
			if err != nil {
				continue
			}
			if _, ok := d.known[identity(target, ids)]; !ok {
				d.known[identity(target, ids)] = item
			}
		}
	}
	for _, ft := range meta.ForeignTables {
		if rel, ok := state.Relation(ft.Property); ok && rel.IsLoaded() {
			add(ft.Target, rel.Current())
		}
	}
	for _, jt := range meta.JoinTables {
		if rel, ok := state.Relation(jt.Property); ok && rel.IsLoaded() {
			add(jt.Target, rel.Current())
		}
	}
}

func (d *deleteWalk) seeds() []any {
	out := make([]any, 0, len(d.known))
	for _, instance := range d.known {
		out = append(out, instance)
	}
	if d.save != nil {
		out = append(out, d.save.instances()...)
	}
	return out
}

// resolveCascades deletes the targets of cascading join tables once no surviving
// owner links them. Deletions may remove other owners, so it runs to a fixed point.
func (d *deleteWalk) resolveCascades() error {
	for changed := true; changed; {
		changed = false
		for _, c := range d.cascades {
			if c.done {
				continue
			}
			if _, ok := d.seen[identity(c.jt.Target, []any{c.target})]; ok {
				c.done = true
				continue
			}
			rows, err := d.w.loader.JoinRows(d.ctx, c.jt, false, []any{c.target})
			if err != nil {
				return err
			}
			survivor := false
			for _, row := range rows {
				if _, deleted := d.seen[identity(c.jt.Owner, []any{row.Owner})]; !deleted {
					survivor = true
					break
				}
			}
			if survivor {
				continue
			}
			c.done = true
			changed = true

			instance, ok := d.known[identity(c.jt.Target, []any{c.target})]
			if !ok {
				found, err := d.w.loader.FindBy(d.ctx, c.jt.Target, c.jt.Target.ID.Columns[0], []any{c.target}, d.seeds()...)
				if err != nil {
					return err
				}
				if len(found) == 0 {
					continue
				}
				instance = found[0]
			}
			if _, err := d.visit(instance); err != nil {
				return err
			}
		}
	}
	return nil
}

// order emits the unlinks first, then the deletions with dependents ahead of the
// rows they reference.
func (d *deleteWalk) order() (*Plan, error) {
	deps := newDependencies(len(d.nodes))
	for _, e := range d.deps {
		deps.add(e.from, e.to, e.fk)
	}
	levels, broken, cycle := deps.levels()
	if cycle != nil {
		return nil, &runtime.GraphError{
			Entity:  d.nodes[cycle[0].to].meta.Name,
			Message: "delete order cycle through mandatory foreign keys: " + describeCycle(cycle),
		}
	}

	plan := &Plan{}
	unlinks := d.unlinks
	for _, e := range broken {
		holder := d.nodes[e.to]
		unlinks = append(unlinks, &Operation{Kind: Unlink, Meta: holder.meta, Entity: holder.instance, ForeignKey: e.fk})
	}
	plan.add(unlinks...)
	for _, level := range levels {
		step := make([]*Operation, len(level))
		for i, idx := range level {
			n := d.nodes[idx]
			step[i] = &Operation{Kind: Delete, Meta: n.meta, Entity: n.instance}
		}
		plan.add(step...)
	}
	return plan, nil
}
