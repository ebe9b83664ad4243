package builder

import (
	"context"
	"reflect"

	"go.uber.org/zap"

	"github.com/marshallshelly/pebble-graph/pkg/dialect"
	"github.com/marshallshelly/pebble-graph/pkg/entity"
	"github.com/marshallshelly/pebble-graph/pkg/logging"
	"github.com/marshallshelly/pebble-graph/pkg/registry"
	"github.com/marshallshelly/pebble-graph/pkg/runtime"
)

// DB binds a connection to a dialect and an entity registry. It renders and runs
// statements, and implements entity.Client for lazy navigation.
type DB struct {
	conn     runtime.Conn
	dialect  dialect.Dialect
	registry *registry.Registry
	client   entity.Client
	logger   *zap.Logger
}

// Option configures a DB.
type Option func(*DB)

// WithClient sets the client attached to materialized entities. It defaults to the DB.
func WithClient(client entity.Client) Option {
	return func(d *DB) {
		d.client = client
	}
}

// WithLogger sets the logger statements are reported to.
func WithLogger(logger *zap.Logger) Option {
	return func(d *DB) {
		d.logger = logging.OrNop(logger)
	}
}

// New creates a DB. A nil registry selects the process-wide registry.
func New(conn runtime.Conn, d dialect.Dialect, reg *registry.Registry, opts ...Option) *DB {
	if reg == nil {
		reg = registry.Default()
	}
	db := &DB{
		conn:     conn,
		dialect:  d,
		registry: reg,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(db)
	}
	return db
}

// WithConn returns a copy of the DB running on conn, typically a transaction.
func (d *DB) WithConn(conn runtime.Conn) *DB {
	clone := *d
	clone.conn = conn
	return &clone
}

// Conn returns the underlying connection.
func (d *DB) Conn() runtime.Conn { return d.conn }

// Dialect returns the dialect statements are rendered for.
func (d *DB) Dialect() dialect.Dialect { return d.dialect }

// Registry returns the entity registry.
func (d *DB) Registry() *registry.Registry { return d.registry }

// Logger returns the statement logger.
func (d *DB) Logger() *zap.Logger { return d.logger }

// Client returns the client attached to materialized entities.
func (d *DB) Client() entity.Client {
	if d.client != nil {
		return d.client
	}
	return d
}

// CheckManaged implements entity.Client.
func (d *DB) CheckManaged(t reflect.Type) error {
	return d.registry.CheckManaged(t)
}

// Exec runs a statement that returns no rows.
func (d *DB) Exec(ctx context.Context, stmt Statement) (runtime.Result, error) {
	if d.conn == nil {
		return nil, runtime.ErrNoConnection
	}
	d.log("exec", stmt)
	return d.conn.Exec(ctx, stmt.SQL, stmt.Args...)
}

// Query runs a statement that returns rows.
func (d *DB) Query(ctx context.Context, stmt Statement) (runtime.Rows, error) {
	if d.conn == nil {
		return nil, runtime.ErrNoConnection
	}
	d.log("query", stmt)
	return d.conn.Query(ctx, stmt.SQL, stmt.Args...)
}

func (d *DB) log(kind string, stmt Statement) {
	if ce := d.logger.Check(zap.DebugLevel, kind); ce != nil {
		ce.Write(
			zap.String("dialect", d.dialect.Name()),
			zap.String("sql", logging.SanitizeQuery(stmt.SQL)),
			zap.Int("args", len(stmt.Args)),
		)
	}
}
