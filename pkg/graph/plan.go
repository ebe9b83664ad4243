// Package graph turns entity graphs into ordered write plans.
//
// A Walker traverses the instances reachable from the roots of a save or delete,
// classifies them through their entity.State and orders the resulting operations by
// foreign key dependencies. Planning issues no write: the plan is complete, or an
// error is returned, before the first statement runs.
package graph

import (
	"fmt"
	"strings"

	"github.com/marshallshelly/pebble-graph/pkg/schema"
)

// Kind is the kind of a planned write.
type Kind int

const (
	// Insert adds the row of a TRANSIENT entity.
	Insert Kind = iota
	// Update writes the changed columns of a persisted entity.
	Update
	// Delete removes the row of an entity.
	Delete
	// Link sets a foreign key that was inserted as NULL to break a cycle.
	Link
	// Unlink clears the foreign key of one entity.
	Unlink
	// UnlinkReferrers clears a foreign key on every row referencing an entity.
	UnlinkReferrers
	// LinkJoin inserts a join table row.
	LinkJoin
	// UnlinkJoin deletes one join table row.
	UnlinkJoin
	// UnlinkJoinAll deletes every join table row of an entity.
	UnlinkJoinAll
)

var kindNames = [...]string{"INSERT", "UPDATE", "DELETE", "LINK", "UNLINK", "UNLINK_REFERRERS", "LINK_JOIN", "UNLINK_JOIN", "UNLINK_JOIN_ALL"}

// String returns the operation kind name.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Binding sets a scalar foreign key from the identifier of Target when the
// operation is rendered. Target may not have an identifier at planning time.
type Binding struct {
	ForeignKey *schema.ForeignKeyMetadata
	Target     any
}

// Operation is one planned write.
type Operation struct {
	Kind   Kind
	Meta   *schema.EntityMetadata
	Entity any

	// Columns are the changed columns of an Update.
	Columns []*schema.ColumnMetadata
	// Deferred are the foreign keys an Insert or Update leaves untouched; a Link
	// sets them later.
	Deferred []*schema.ForeignKeyMetadata
	Bindings []Binding

	// ForeignKey is the key of Link, Unlink and UnlinkReferrers.
	ForeignKey *schema.ForeignKeyMetadata
	// Target is the other endpoint of Link and join operations.
	Target any

	JoinTable *schema.JoinTableMetadata
	// ByTarget selects the target column of JoinTable for UnlinkJoinAll.
	ByTarget bool
}

// IsDeferred reports whether fk is written by a later Link.
func (op *Operation) IsDeferred(fk *schema.ForeignKeyMetadata) bool {
	for _, d := range op.Deferred {
		if d == fk {
			return true
		}
	}
	return false
}

// String describes the operation for logs and test failures.
func (op *Operation) String() string {
	var b strings.Builder
	b.WriteString(op.Kind.String())
	b.WriteByte(' ')
	switch {
	case op.JoinTable != nil:
		b.WriteString(op.JoinTable.Table)
	case op.ForeignKey != nil && op.Kind == UnlinkReferrers:
		b.WriteString(op.ForeignKey.Owner.Name + "." + op.ForeignKey.Property)
	case op.Meta != nil:
		b.WriteString(op.Meta.Name)
		if op.ForeignKey != nil {
			b.WriteString("." + op.ForeignKey.Property)
		}
	}
	return b.String()
}

// Step is a set of operations without ordering constraints between them.
type Step struct {
	Operations []*Operation
}

// Plan is an ordered sequence of steps. Every operation of a step may run once all
// operations of the previous steps have completed.
type Plan struct {
	Steps []Step
	// Entities are the loaded instances visited by a save. Their relationship
	// baselines are committed once the plan has run.
	Entities []any
}

// Operations flattens the plan in execution order.
func (p *Plan) Operations() []*Operation {
	var out []*Operation
	for _, step := range p.Steps {
		out = append(out, step.Operations...)
	}
	return out
}

// Len returns the number of operations.
func (p *Plan) Len() int {
	n := 0
	for _, step := range p.Steps {
		n += len(step.Operations)
	}
	return n
}

// Empty reports whether the plan holds no operation.
func (p *Plan) Empty() bool {
	return p.Len() == 0
}

func (p *Plan) add(ops ...*Operation) {
	if len(ops) > 0 {
		p.Steps = append(p.Steps, Step{Operations: ops})
	}
}

func (p *Plan) append(other *Plan) {
	p.Steps = append(p.Steps, other.Steps...)
}
