// Package executor runs write plans against a database.
package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/marshallshelly/pebble-graph/pkg/builder"
	"github.com/marshallshelly/pebble-graph/pkg/entity"
	"github.com/marshallshelly/pebble-graph/pkg/graph"
	"github.com/marshallshelly/pebble-graph/pkg/logging"
	"github.com/marshallshelly/pebble-graph/pkg/schema"
)

// DefaultBatchSize is the maximum number of rows rendered into one statement.
const DefaultBatchSize = 100

// Executor issues the statements of a plan, step by step.
type Executor struct {
	db          *builder.DB
	concurrency int
	batchSize   int
	logger      *zap.Logger

	// mu serializes rendering and state bookkeeping; statements run unlocked.
	mu sync.Mutex
}

// Option configures an Executor.
type Option func(*Executor)

// WithConcurrency sets how many statements of one step may run at once. Values
// above 1 require a connection pool; transactions run statements one at a time.
func WithConcurrency(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithBatchSize sets the maximum number of rows per batched statement.
func WithBatchSize(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Executor) {
		e.logger = logging.OrNop(logger)
	}
}

// New creates an executor running statements through db.
func New(db *builder.DB, opts ...Option) *Executor {
	e := &Executor{
		db:          db,
		concurrency: 1,
		batchSize:   DefaultBatchSize,
		logger:      db.Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type task func(ctx context.Context) error

// Run executes plan. The first failing statement stops the run and its error is
// returned unchanged; statements already issued stay in effect unless the
// connection is a transaction that the caller rolls back.
func (e *Executor) Run(ctx context.Context, plan *graph.Plan) error {
	for i, step := range plan.Steps {
		tasks := e.batches(step.Operations)
		e.logger.Debug("running step",
			zap.Int("step", i),
			zap.Int("operations", len(step.Operations)),
			zap.Int("statements", len(tasks)),
		)
		if err := e.runStep(ctx, tasks); err != nil {
			return err
		}
	}
	e.commit(plan)
	return nil
}

func (e *Executor) runStep(ctx context.Context, tasks []task) error {
	if e.concurrency <= 1 || len(tasks) == 1 {
		for _, t := range tasks {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := t(ctx); err != nil {
				return err
			}
		}
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for _, t := range tasks {
		g.Go(func() error {
			return t(gctx)
		})
	}
	return g.Wait()
}

type batchKey struct {
	kind     graph.Kind
	meta     *schema.EntityMetadata
	jt       *schema.JoinTableMetadata
	fk       *schema.ForeignKeyMetadata
	byTarget bool
	deferred string
}

// batches groups operations sharing a statement shape. Operations that cannot
// share a statement get a task of their own.
func (e *Executor) batches(ops []*graph.Operation) []task {
	var (
		tasks  []task
		keys   []batchKey
		groups = make(map[batchKey][]*graph.Operation)
	)
	for _, op := range ops {
		key, ok := batchable(op)
		if !ok {
			tasks = append(tasks, e.single(op))
			continue
		}
		if _, seen := groups[key]; !seen {
			keys = append(keys, key)
		}
		groups[key] = append(groups[key], op)
	}
	for _, key := range keys {
		group := groups[key]
		for start := 0; start < len(group); start += e.batchSize {
			end := min(start+e.batchSize, len(group))
			tasks = append(tasks, e.batch(key.kind, group[start:end]))
		}
	}
	return tasks
}

func batchable(op *graph.Operation) (batchKey, bool) {
	key := batchKey{kind: op.Kind, meta: op.Meta}
	switch op.Kind {
	case graph.Insert:
		if op.Meta.ID.Generated == schema.GeneratedByDatabase {
			return key, false
		}
		names := make([]string, len(op.Deferred))
		for i, fk := range op.Deferred {
			names[i] = fk.Property
		}
		key.deferred = strings.Join(names, ",")
	case graph.Delete:
		if len(op.Meta.ID.Columns) != 1 {
			return key, false
		}
	case graph.UnlinkReferrers:
		key.fk = op.ForeignKey
	case graph.LinkJoin, graph.UnlinkJoin:
		key.jt = op.JoinTable
	case graph.UnlinkJoinAll:
		key.jt = op.JoinTable
		key.byTarget = op.ByTarget
	default:
		return key, false
	}
	return key, true
}

func (e *Executor) single(op *graph.Operation) task {
	switch op.Kind {
	case graph.Update:
		return func(ctx context.Context) error { return e.update(ctx, op) }
	case graph.Link:
		return func(ctx context.Context) error { return e.link(ctx, op) }
	case graph.Unlink:
		return func(ctx context.Context) error { return e.unlink(ctx, op) }
	default:
		return e.batch(op.Kind, []*graph.Operation{op})
	}
}

func (e *Executor) batch(kind graph.Kind, ops []*graph.Operation) task {
	return func(ctx context.Context) error {
		switch kind {
		case graph.Insert:
			return e.insert(ctx, ops)
		case graph.Delete:
			return e.delete(ctx, ops)
		case graph.UnlinkReferrers:
			return e.unlinkReferrers(ctx, ops)
		case graph.LinkJoin, graph.UnlinkJoin:
			return e.joinRows(ctx, kind, ops)
		case graph.UnlinkJoinAll:
			return e.unlinkJoinAll(ctx, ops)
		default:
			return fmt.Errorf("unsupported operation %s", kind)
		}
	}
}

// commit makes the visited relationship collections the new baselines once the
// whole plan has run.
func (e *Executor) commit(plan *graph.Plan) {
	for _, instance := range plan.Entities {
		state := entity.Lookup(instance)
		if state == nil || state.Status() == entity.Deleted {
			continue
		}
		if state.Status() == entity.Modified {
			_ = state.MarkPersisted()
		}
		meta, err := e.db.Registry().Get(typeOf(instance))
		if err != nil {
			continue
		}
		for _, ft := range meta.ForeignTables {
			if rel, ok := state.Relation(ft.Property); ok {
				rel.Commit()
			}
		}
		for _, jt := range meta.JoinTables {
			if rel, ok := state.Relation(jt.Property); ok {
				rel.Commit()
			}
		}
	}
}
