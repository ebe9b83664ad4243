// Package orm is the entry point for applications: it binds a connection, a
// dialect and an entity registry, and persists whole entity graphs.
package orm

import (
	"context"
	"fmt"
	"reflect"

	"go.uber.org/zap"

	"github.com/marshallshelly/pebble-graph/pkg/builder"
	"github.com/marshallshelly/pebble-graph/pkg/config"
	"github.com/marshallshelly/pebble-graph/pkg/dialect"
	"github.com/marshallshelly/pebble-graph/pkg/executor"
	"github.com/marshallshelly/pebble-graph/pkg/graph"
	"github.com/marshallshelly/pebble-graph/pkg/logging"
	"github.com/marshallshelly/pebble-graph/pkg/registry"
	"github.com/marshallshelly/pebble-graph/pkg/runtime"
)

// Client saves, deletes and queries entities. It is safe for concurrent use as
// long as one entity instance is not saved from two goroutines at once.
type Client struct {
	db       *builder.DB
	database runtime.Database // nil inside WithTx
	root     *Client          // attached to entities; outlives transactions
	walker   *graph.Walker
	executor *executor.Executor
	opts     options
}

type options struct {
	registry    *registry.Registry
	logger      *zap.Logger
	concurrency int
	batchSize   int
}

// Option configures a Client.
type Option func(*options)

// WithRegistry selects the entity registry. Default: registry.Default().
func WithRegistry(reg *registry.Registry) Option {
	return func(o *options) {
		o.registry = reg
	}
}

// WithLogger sets the logger statements and steps are reported to.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithConcurrency sets how many independent statements may run at once.
func WithConcurrency(n int) Option {
	return func(o *options) {
		o.concurrency = n
	}
}

// WithBatchSize sets the maximum number of rows per batched statement.
func WithBatchSize(n int) Option {
	return func(o *options) {
		o.batchSize = n
	}
}

// New creates a client running on conn. When conn is a runtime.Database the
// client can start transactions and Close releases it.
func New(conn runtime.Conn, d dialect.Dialect, opts ...Option) *Client {
	o := options{concurrency: 1, batchSize: executor.DefaultBatchSize}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = registry.Default()
	}
	o.logger = logging.OrNop(o.logger)

	c := &Client{opts: o}
	c.root = c
	c.database, _ = conn.(runtime.Database)
	c.db = builder.New(conn, d, o.registry, builder.WithClient(c), builder.WithLogger(o.logger))
	c.bind(o.concurrency)
	return c
}

// Open connects to the database described by cfg: a pgx pool for PostgreSQL and
// database/sql for MySQL and SQLite. Options given here override cfg.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*Client, error) {
	d, err := cfg.Database.LookupDialect()
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	base := []Option{
		WithLogger(logger),
		WithConcurrency(cfg.Executor.Concurrency),
		WithBatchSize(cfg.Executor.BatchSize),
	}

	var db runtime.Database
	switch d.Name() {
	case "postgres":
		if cfg.Database.DSN != "" {
			logger.Debug("connecting", zap.String("dsn", logging.SanitizeConnectionString(cfg.Database.DSN)))
			db, err = runtime.ConnectWithURL(ctx, cfg.Database.DSN)
		} else {
			db, err = runtime.Connect(ctx, cfg.Database.Postgres())
		}
	default:
		dsn, dsnErr := cfg.Database.ConnectionString()
		if dsnErr != nil {
			return nil, dsnErr
		}
		logger.Debug("connecting", zap.String("dsn", logging.SanitizeConnectionString(dsn)))
		db, err = runtime.OpenSQL(ctx, d.DriverName(), dsn, int(cfg.Database.MaxConns))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", d.Name(), err)
	}

	logger.Debug("connected", zap.String("dialect", d.Name()))
	return New(db, d, append(base, opts...)...), nil
}

func (c *Client) bind(concurrency int) {
	c.walker = graph.NewWalker(c.opts.registry, c.root, c.db)
	c.executor = executor.New(c.db,
		executor.WithConcurrency(concurrency),
		executor.WithBatchSize(c.opts.batchSize),
		executor.WithLogger(c.opts.logger),
	)
}

// Registry returns the entity registry.
func (c *Client) Registry() *registry.Registry { return c.opts.registry }

// Dialect returns the dialect statements are rendered for.
func (c *Client) Dialect() dialect.Dialect { return c.db.Dialect() }

// DB returns the statement layer, for queries and custom statements.
func (c *Client) DB() *builder.DB { return c.db }

// Database returns the pooled connection, or nil inside WithTx.
func (c *Client) Database() runtime.Database { return c.database }

// Logger returns the client logger.
func (c *Client) Logger() *zap.Logger { return c.opts.logger }

// Register registers entity types with the client's registry.
func (c *Client) Register(models ...any) error {
	return c.opts.registry.Register(models...)
}

// CheckManaged implements entity.Client.
func (c *Client) CheckManaged(t reflect.Type) error {
	return c.opts.registry.CheckManaged(t)
}

// LoadEntity implements entity.Client.
func (c *Client) LoadEntity(ctx context.Context, instance any) error {
	return c.db.LoadEntity(ctx, instance)
}

// LoadRelation implements entity.Client.
func (c *Client) LoadRelation(ctx context.Context, owner any, property string) error {
	return c.db.LoadRelation(ctx, owner, property)
}

// Save persists the graphs reachable from entities. Slices of entities are
// flattened. After a successful save every entity of the graphs carries its
// identifier and is PERSISTED.
func (c *Client) Save(ctx context.Context, entities ...any) error {
	plan, err := c.walker.PlanSave(ctx, flatten(entities)...)
	if err != nil {
		return err
	}
	return c.run(ctx, "save", plan)
}

// DetectChanges moves PERSISTED entities whose fields differ from the last read
// or save to MODIFIED. Field assignments are not intercepted, so StatusOf only
// reflects them after this call. Save performs the same comparison itself.
func (c *Client) DetectChanges(entities ...any) error {
	return c.walker.DetectChanges(flatten(entities)...)
}

// Delete deletes entities and applies the delete policies of everything that
// references them. Slices of entities are flattened.
func (c *Client) Delete(ctx context.Context, entities ...any) error {
	plan, err := c.walker.PlanDelete(ctx, flatten(entities)...)
	if err != nil {
		return err
	}
	return c.run(ctx, "delete", plan)
}

func (c *Client) run(ctx context.Context, kind string, plan *graph.Plan) error {
	c.opts.logger.Debug("running plan",
		zap.String("kind", kind),
		zap.Int("steps", len(plan.Steps)),
		zap.Int("operations", plan.Len()),
	)
	return c.executor.Run(ctx, plan)
}

// WithTx runs fn with a client bound to a transaction. The transaction commits
// when fn returns nil and rolls back otherwise. Statements inside run one at a
// time; lazy navigation of entities read in the transaction uses the pool.
func (c *Client) WithTx(ctx context.Context, fn func(tx *Client) error) error {
	if c.database == nil {
		return fmt.Errorf("transactions need a pooled connection: %w", runtime.ErrNoConnection)
	}
	tx, err := c.database.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	txc := &Client{db: c.db.WithConn(tx), root: c.root, opts: c.opts}
	txc.bind(1)

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()
	if err := fn(txc); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			c.opts.logger.Warn("rollback failed", zap.String("error", logging.SanitizeError(rbErr)))
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Ping verifies the connection.
func (c *Client) Ping(ctx context.Context) error {
	if c.database == nil {
		return runtime.ErrNoConnection
	}
	return c.database.Ping(ctx)
}

// Close releases the connection pool. Clients bound to a transaction own nothing.
func (c *Client) Close() error {
	if c.database == nil {
		return nil
	}
	return c.database.Close()
}

func flatten(values []any) []any {
	out := make([]any, 0, len(values))
	for _, v := range values {
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Slice {
			out = append(out, v)
			continue
		}
		for i := range rv.Len() {
			out = append(out, rv.Index(i).Interface())
		}
	}
	return out
}
