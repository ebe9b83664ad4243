package graph

import (
	"strings"

	"github.com/marshallshelly/pebble-graph/pkg/schema"
)

// edge makes node from wait for node to. fk is the foreign key that creates the
// dependency; the edge can be broken when fk accepts NULL.
type edge struct {
	from, to int
	fk       *schema.ForeignKeyMetadata
	removed  bool
}

func (e *edge) breakable() bool {
	return e.fk.Optional
}

// dependencies groups n nodes into levels. Every node of a level only depends on
// nodes of earlier levels. When the remaining nodes are blocked by a cycle, a
// breakable edge of that cycle is removed and returned in broken; a cycle without
// breakable edge is returned in cycle.
type dependencies struct {
	n     int
	edges []*edge
	out   [][]*edge
}

func newDependencies(n int) *dependencies {
	return &dependencies{n: n, out: make([][]*edge, n)}
}

func (d *dependencies) add(from, to int, fk *schema.ForeignKeyMetadata) {
	for _, e := range d.out[from] {
		if e.to == to && e.fk == fk {
			return
		}
	}
	e := &edge{from: from, to: to, fk: fk}
	d.edges = append(d.edges, e)
	d.out[from] = append(d.out[from], e)
}

func (d *dependencies) levels() (levels [][]int, broken []*edge, cycle []*edge) {
	done := make([]bool, d.n)
	remaining := d.n
	for remaining > 0 {
		var level []int
		for i := 0; i < d.n; i++ {
			if !done[i] && d.ready(i, done) {
				level = append(level, i)
			}
		}
		if len(level) == 0 {
			e := d.breakableCycleEdge(done)
			if e == nil {
				return nil, nil, d.blockedCycle(done)
			}
			e.removed = true
			broken = append(broken, e)
			continue
		}
		for _, i := range level {
			done[i] = true
		}
		remaining -= len(level)
		levels = append(levels, level)
	}
	return levels, broken, nil
}

func (d *dependencies) ready(i int, done []bool) bool {
	for _, e := range d.out[i] {
		if !e.removed && !done[e.to] {
			return false
		}
	}
	return true
}

// breakableCycleEdge returns the first breakable edge lying on a cycle of the
// remaining nodes.
func (d *dependencies) breakableCycleEdge(done []bool) *edge {
	for _, e := range d.edges {
		if e.removed || done[e.from] || done[e.to] || !e.breakable() {
			continue
		}
		if d.reaches(e.to, e.from, done) {
			return e
		}
	}
	return nil
}

// blockedCycle returns the edges of one cycle among the remaining nodes.
func (d *dependencies) blockedCycle(done []bool) []*edge {
	for _, e := range d.edges {
		if e.removed || done[e.from] || done[e.to] {
			continue
		}
		if path := d.path(e.to, e.from, done); path != nil {
			return append([]*edge{e}, path...)
		}
	}
	return nil
}

func (d *dependencies) reaches(from, to int, done []bool) bool {
	return from == to || d.path(from, to, done) != nil
}

// path returns the edges leading from one node to another, or nil.
func (d *dependencies) path(from, to int, done []bool) []*edge {
	if from == to {
		return []*edge{}
	}
	visited := make([]bool, d.n)
	var walk func(i int) []*edge
	walk = func(i int) []*edge {
		visited[i] = true
		for _, e := range d.out[i] {
			if e.removed || done[e.to] {
				continue
			}
			if e.to == to {
				return []*edge{e}
			}
			if visited[e.to] {
				continue
			}
			if rest := walk(e.to); rest != nil {
				return append([]*edge{e}, rest...)
			}
		}
		return nil
	}
	return walk(from)
}

func describeCycle(cycle []*edge) string {
	parts := make([]string, len(cycle))
	for i, e := range cycle {
		parts[i] = e.fk.Owner.Name + "." + e.fk.Property + " -> " + e.fk.TargetName
	}
	return strings.Join(parts, ", ")
}
