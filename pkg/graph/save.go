package graph

import (
	"context"
	"fmt"
	"slices"

	"github.com/marshallshelly/pebble-graph/pkg/entity"
	"github.com/marshallshelly/pebble-graph/pkg/runtime"
	"github.com/marshallshelly/pebble-graph/pkg/schema"
)

type saveNode struct {
	instance any
	meta     *schema.EntityMetadata
	state    *entity.State
	stub     bool
	bound    map[*schema.ForeignKeyMetadata]any
	op       *Operation
}

type joinKey struct {
	table       string
	first, last any
}

type removedItem struct {
	jt     *schema.JoinTableMetadata
	item   any
	owners []string
}

type saveWalk struct {
	ctx   context.Context
	w     *Walker
	nodes []*saveNode
	seen  map[any]*saveNode

	joins    []*Operation
	joinSeen map[joinKey]bool
	unlinks  []*Operation
	removed  []any
	orphans  []*removedItem
}

// PlanSave plans the writes that make the database match the graphs reachable from
// roots. Only loaded relationships are traversed.
func (w *Walker) PlanSave(ctx context.Context, roots ...any) (*Plan, error) {
	s := &saveWalk{
		ctx:      ctx,
		w:        w,
		seen:     make(map[any]*saveNode),
		joinSeen: make(map[joinKey]bool),
	}
	for _, root := range roots {
		if root == nil {
			continue
		}
		if _, err := s.visit(root); err != nil {
			return nil, err
		}
	}
	if err := s.collectRemovals(); err != nil {
		return nil, err
	}
	if err := s.collectReleased(); err != nil {
		return nil, err
	}
	for _, n := range s.nodes {
		if err := s.classify(n); err != nil {
			return nil, err
		}
	}
	plan, err := s.order()
	if err != nil {
		return nil, err
	}
	if err := s.resolveOrphans(); err != nil {
		return nil, err
	}
	if len(s.removed) > 0 {
		deletes, err := w.planDelete(ctx, s, s.removed)
		if err != nil {
			return nil, err
		}
		plan.append(deletes)
	}
	return plan, nil
}

// visit registers instance and everything reachable from it.
func (s *saveWalk) visit(instance any) (*saveNode, error) {
	if n, ok := s.seen[instance]; ok {
		return n, nil
	}
	meta, state, err := s.w.describe(instance)
	if err != nil {
		return nil, err
	}
	if state.Status() == entity.Deleted {
		return nil, &runtime.GraphError{Entity: meta.Name, Message: "the graph reaches a deleted instance", Err: runtime.ErrIllegalState}
	}
	n := &saveNode{
		instance: instance,
		meta:     meta,
		state:    state,
		stub:     state.Status() != entity.Transient && !state.Loaded(),
		bound:    make(map[*schema.ForeignKeyMetadata]any),
	}
	s.seen[instance] = n
	s.nodes = append(s.nodes, n)
	if n.stub {
		return n, nil
	}
	return n, s.expand(n)
}

func (s *saveWalk) expand(n *saveNode) error {
	for _, fk := range n.meta.ForeignKeys {
		if ref := schema.Reference(n.instance, fk); ref != nil {
			if _, err := s.visit(ref); err != nil {
				return err
			}
		}
	}
	for _, ft := range n.meta.ForeignTables {
		rel, ok := n.state.Relation(ft.Property)
		if !ok || !rel.IsLoaded() {
			continue
		}
		for _, item := range rel.Current() {
			child, err := s.visit(item)
			if err != nil {
				return err
			}
			if err := s.adopt(child, ft.ForeignKey, n); err != nil {
				return err
			}
		}
	}
	for _, jt := range n.meta.JoinTables {
		rel, ok := n.state.Relation(jt.Property)
		if !ok || !rel.IsLoaded() {
			continue
		}
		for _, item := range rel.Current() {
			if _, err := s.visit(item); err != nil {
				return err
			}
		}
	}
	return nil
}

// adopt points the foreign key of a foreign table member at the collection owner.
// Membership in a loaded collection wins over the reference held by the member.
func (s *saveWalk) adopt(child *saveNode, fk *schema.ForeignKeyMetadata, owner *saveNode) error {
	if child.stub {
		if err := s.w.loader.LoadEntity(s.ctx, child.instance); err != nil {
			return err
		}
		child.stub = false
		if err := s.expand(child); err != nil {
			return err
		}
	}
	if !fk.ByReference {
		child.bound[fk] = owner.instance
		return nil
	}
	if schema.Reference(child.instance, fk) != owner.instance {
		schema.SetReference(child.instance, fk, owner.instance)
		child.state.MarkModified(fk.Property)
	}
	return nil
}

// collectRemovals plans the effects of items dropped from loaded collections.
func (s *saveWalk) collectRemovals() error {
	for _, n := range s.nodes {
		if n.stub {
			continue
		}
		for _, ft := range n.meta.ForeignTables {
			rel, ok := n.state.Relation(ft.Property)
			if !ok || !rel.IsLoaded() {
				continue
			}
			current := rel.Current()
			for _, item := range rel.Original() {
				if contains(current, item) || s.moved(item, ft.ForeignKey, n) || entity.StatusOf(item) != entity.Persisted && entity.StatusOf(item) != entity.Modified {
					continue
				}
				if ft.ForeignKey.Optional {
					s.unlinks = append(s.unlinks, &Operation{Kind: Unlink, Meta: ft.Target, Entity: item, ForeignKey: ft.ForeignKey})
				} else {
					s.removed = append(s.removed, item)
				}
			}
		}
		for _, jt := range n.meta.JoinTables {
			rel, ok := n.state.Relation(jt.Property)
			if !ok || !rel.IsLoaded() {
				continue
			}
			current, original := rel.Current(), rel.Original()
			for _, item := range current {
				if !contains(original, item) {
					s.join(LinkJoin, jt, n.instance, item)
				}
			}
			for _, item := range original {
				if contains(current, item) || entity.StatusOf(item) == entity.Deleted {
					continue
				}
				s.join(UnlinkJoin, jt, n.instance, item)
				if jt.CascadeDelete {
					if err := s.orphan(jt, n, item); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

// collectReleased deletes the previous targets of cascading foreign keys that a
// persisted node no longer points to.
func (s *saveWalk) collectReleased() error {
	for _, n := range s.nodes {
		if n.stub || n.state.Status() == entity.Transient {
			continue
		}
		for _, fk := range n.meta.ForeignKeys {
			if !fk.CascadeDelete {
				continue
			}
			previous, ok := n.state.Snapshot(fk.Column)
			if !ok || previous == nil {
				continue
			}
			current, err := s.keyValue(n, fk)
			if err != nil {
				return err
			}
			if current != nil && sameValue(previous, current) {
				continue
			}
			found, err := s.w.loader.FindBy(s.ctx, fk.Target, fk.Target.ID.Columns[0], []any{previous}, s.instances()...)
			if err != nil {
				return err
			}
			for _, old := range found {
				if !s.referenced(fk, old) && !contains(s.removed, old) {
					s.removed = append(s.removed, old)
				}
			}
		}
	}
	return nil
}

// keyValue returns the identifier fk of n holds after the save; nil when unset
// or pointing at an instance without a row yet.
func (s *saveWalk) keyValue(n *saveNode, fk *schema.ForeignKeyMetadata) (any, error) {
	if t := target(n.instance, fk, n.bound); t != nil {
		if entity.StatusOf(t) == entity.Transient {
			return nil, nil
		}
		ids, err := fk.Target.IDValues(t)
		if err != nil {
			return nil, err
		}
		return ids[0], nil
	}
	if fk.ByReference || schema.Field(n.instance, fk.Index).IsZero() {
		return nil, nil
	}
	return n.meta.ColumnValue(n.instance, n.meta.Column(fk.Column))
}

// referenced reports whether a node of the graph points fk at instance.
func (s *saveWalk) referenced(fk *schema.ForeignKeyMetadata, instance any) bool {
	for _, n := range s.nodes {
		if !n.stub && n.meta == fk.Owner && target(n.instance, fk, n.bound) == instance {
			return true
		}
	}
	return false
}

// releases reports whether the save moves the key fk of dep away from deleted,
// so deleting deleted must not take dep with it.
func (s *saveWalk) releases(dep any, fk *schema.ForeignKeyMetadata, deleted any) bool {
	n, ok := s.seen[dep]
	if !ok || n.stub {
		return false
	}
	if t := target(n.instance, fk, n.bound); t != nil || fk.ByReference {
		return t != deleted
	}
	value, err := s.keyValue(n, fk)
	if err != nil || value == nil {
		return true
	}
	ids, err := fk.Target.IDValues(deleted)
	return err == nil && !sameValue(value, ids[0])
}

// instances returns the loaded rows of the graph, used to seed read-back queries.
func (s *saveWalk) instances() []any {
	var out []any
	for _, n := range s.nodes {
		if !n.stub && n.state.Status() != entity.Transient {
			out = append(out, n.instance)
		}
	}
	return out
}

// moved reports whether item left owner for another foreign table owner in the
// same graph.
func (s *saveWalk) moved(item any, fk *schema.ForeignKeyMetadata, owner *saveNode) bool {
	n, ok := s.seen[item]
	if !ok {
		return false
	}
	t := target(item, fk, n.bound)
	return t != nil && t != owner.instance
}

// join records a join table operation once per row, whichever side declared it.
func (s *saveWalk) join(kind Kind, jt *schema.JoinTableMetadata, owner, item any) {
	key := joinKey{table: jt.Table, first: owner, last: item}
	if jt.OwnerColumn > jt.TargetColumn {
		key.first, key.last = item, owner
	}
	if s.joinSeen[key] {
		return
	}
	s.joinSeen[key] = true
	s.joins = append(s.joins, &Operation{Kind: kind, Meta: jt.Owner, Entity: owner, Target: item, JoinTable: jt})
}

func (s *saveWalk) orphan(jt *schema.JoinTableMetadata, owner *saveNode, item any) error {
	ids, err := owner.meta.IDValues(owner.instance)
	if err != nil {
		return err
	}
	for _, o := range s.orphans {
		if o.jt.Table == jt.Table && o.item == item {
			o.owners = append(o.owners, fmt.Sprint(ids[0]))
			return nil
		}
	}
	s.orphans = append(s.orphans, &removedItem{jt: jt, item: item, owners: []string{fmt.Sprint(ids[0])}})
	return nil
}

// resolveOrphans deletes items dropped from a cascading join table when no other
// owner links them anymore.
func (s *saveWalk) resolveOrphans() error {
	for _, o := range s.orphans {
		if s.linked(o.jt, o.item) {
			continue
		}
		ids, err := o.jt.Target.IDValues(o.item)
		if err != nil {
			return err
		}
		rows, err := s.w.loader.JoinRows(s.ctx, o.jt, false, ids[:1])
		if err != nil {
			return err
		}
		survivor := false
		for _, row := range rows {
			if !slices.Contains(o.owners, fmt.Sprint(row.Owner)) {
				survivor = true
				break
			}
		}
		if !survivor {
			s.removed = append(s.removed, o.item)
		}
	}
	return nil
}

// linked reports whether a loaded collection of the graph still holds item
// through the join table of jt.
func (s *saveWalk) linked(jt *schema.JoinTableMetadata, item any) bool {
	for _, n := range s.nodes {
		if n.stub {
			continue
		}
		for _, other := range n.meta.JoinTables {
			if other.Table != jt.Table || other.Target != jt.Target {
				continue
			}
			if rel, ok := n.state.Relation(other.Property); ok && rel.IsLoaded() && contains(rel.Current(), item) {
				return true
			}
		}
	}
	return false
}

// classify assigns the INSERT or UPDATE operation of a node, if any.
func (s *saveWalk) classify(n *saveNode) error {
	if n.stub {
		return nil
	}
	switch n.state.Status() {
	case entity.Transient:
		if err := s.validate(n); err != nil {
			return err
		}
		n.op = &Operation{Kind: Insert, Meta: n.meta, Entity: n.instance}
	case entity.Persisted, entity.Modified:
		columns, err := s.changedColumns(n)
		if err != nil {
			return err
		}
		if len(columns) > 0 {
			n.op = &Operation{Kind: Update, Meta: n.meta, Entity: n.instance, Columns: columns}
		}
	}
	if n.op != nil {
		for _, fk := range n.meta.ForeignKeys {
			if t, ok := n.bound[fk]; ok {
				n.op.Bindings = append(n.op.Bindings, Binding{ForeignKey: fk, Target: t})
			}
		}
	}
	return nil
}

func (s *saveWalk) validate(n *saveNode) error {
	for _, fk := range n.meta.ForeignKeys {
		if fk.Optional || target(n.instance, fk, n.bound) != nil {
			continue
		}
		if fk.ByReference || schema.Field(n.instance, fk.Index).IsZero() {
			return &runtime.ValidationError{Field: n.meta.Name + "." + fk.Property, Message: "required foreign key is not set"}
		}
	}
	if n.meta.ID.Generated != schema.NotGenerated {
		return nil
	}
	for _, col := range n.meta.IDColumns() {
		if col.ForeignKey == nil && schema.Field(n.instance, col.Index).IsZero() {
			return &runtime.ValidationError{Field: n.meta.Name + "." + col.Property, Message: "identifier is not set"}
		}
	}
	return nil
}

// DetectChanges compares the columns of loaded persisted instances with the
// values they were last synchronized with and records every difference through
// MarkModified, moving the instance to MODIFIED.
func (w *Walker) DetectChanges(instances ...any) error {
	s := &saveWalk{w: w}
	for _, instance := range instances {
		meta, state, err := w.describe(instance)
		if err != nil {
			return err
		}
		if st := state.Status(); (st != entity.Persisted && st != entity.Modified) || !state.Loaded() {
			continue
		}
		columns, err := s.changedColumns(&saveNode{instance: instance, meta: meta, state: state})
		if err != nil {
			return err
		}
		for _, col := range columns {
			state.MarkModified(col.Property)
		}
	}
	return nil
}

// changedColumns compares the columns of a persisted node with their snapshot.
func (s *saveWalk) changedColumns(n *saveNode) ([]*schema.ColumnMetadata, error) {
	modified := n.state.ModifiedProperties()
	var out []*schema.ColumnMetadata
	for _, col := range n.meta.Columns {
		if n.meta.IsIDColumn(col.Name) {
			continue
		}
		if slices.Contains(modified, col.Property) {
			out = append(out, col)
			continue
		}
		var value any
		if fk := col.ForeignKey; fk != nil {
			if t := target(n.instance, fk, n.bound); t != nil {
				if entity.StatusOf(t) == entity.Transient {
					out = append(out, col)
					continue
				}
				ids, err := fk.Target.IDValues(t)
				if err != nil {
					return nil, err
				}
				value = ids[0]
			} else if fk.ByReference {
				value = nil
			} else {
				v, err := n.meta.ColumnValue(n.instance, col)
				if err != nil {
					return nil, err
				}
				value = v
			}
		} else {
			v, err := n.meta.ColumnValue(n.instance, col)
			if err != nil {
				return nil, err
			}
			value = v
		}
		if snap, ok := n.state.Snapshot(col.Name); !ok || !sameValue(snap, value) {
			out = append(out, col)
		}
	}
	return out, nil
}

// order sorts the INSERT and UPDATE operations by foreign key dependencies and
// appends the LINK, UNLINK and join table passes.
func (s *saveWalk) order() (*Plan, error) {
	var (
		ops   []*saveNode
		index = make(map[any]int)
	)
	plan := &Plan{}
	for _, n := range s.nodes {
		if !n.stub {
			plan.Entities = append(plan.Entities, n.instance)
		}
		if n.op != nil {
			index[n.instance] = len(ops)
			ops = append(ops, n)
		}
	}

	deps := newDependencies(len(ops))
	for i, n := range ops {
		for _, fk := range n.meta.ForeignKeys {
			if n.op.Kind == Update && !slices.Contains(n.op.Columns, n.meta.Column(fk.Column)) {
				continue
			}
			t := target(n.instance, fk, n.bound)
			if t == nil {
				continue
			}
			if j, ok := index[t]; ok && ops[j].op.Kind == Insert {
				deps.add(i, j, fk)
			}
		}
	}
	levels, broken, cycle := deps.levels()
	if cycle != nil {
		first := ops[cycle[0].from]
		return nil, &runtime.GraphError{
			Entity:  first.meta.Name,
			Message: "insert order cycle through mandatory foreign keys: " + describeCycle(cycle),
		}
	}

	for _, level := range levels {
		step := make([]*Operation, len(level))
		for i, idx := range level {
			step[i] = ops[idx].op
		}
		plan.add(step...)
	}
	var links []*Operation
	for _, e := range broken {
		n := ops[e.from]
		n.op.Deferred = append(n.op.Deferred, e.fk)
		links = append(links, &Operation{
			Kind:       Link,
			Meta:       n.meta,
			Entity:     n.instance,
			ForeignKey: e.fk,
			Target:     ops[e.to].instance,
		})
	}
	plan.add(links...)
	plan.add(append(s.unlinks, s.joins...)...)
	return plan, nil
}
