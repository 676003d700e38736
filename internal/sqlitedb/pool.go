// Package sqlitedb owns the SQLite database holding blocks, relations and hrefs.
//
// It wraps zombiezen.com/go/sqlite with WAL journaling, a busy timeout to
// absorb write contention, and the table definitions applied on every new
// connection. Writers use immediate transactions: the database write lock is
// taken at BEGIN and held until COMMIT, so a read-modify-write inside
// [Pool.Write] cannot interleave with another writer.
package sqlitedb

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"runtime"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

//go:embed schema.sql
var schemaSQL string

var errPathRequired = errors.New("sqlitedb: path is required")

// Config holds the parameters for opening the database.
type Config struct {
	// Path is the database file. The parent directory must exist.
	Path string
	// PoolSize defaults to max(runtime.NumCPU(), 4).
	PoolSize int
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// OnConnect runs after the pragmas and table definitions.
	OnConnect func(conn *sqlite.Conn) error
}

// Pool is a fixed-size pool of SQLite connections. Safe for concurrent use;
// individual connections are not.
type Pool struct {
	inner  *sqlitex.Pool
	logger *slog.Logger
	path   string
}

// Open creates the connection pool. Connections are initialized lazily.
func Open(cfg Config) (*Pool, error) {
	if cfg.Path == "" {
		return nil, errPathRequired
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = max(runtime.NumCPU(), 4)
	}
	inner, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			return prepareConnection(conn, cfg.OnConnect)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitedb: opening %s: %w", cfg.Path, err)
	}
	logger.Info("Database opened", "path", cfg.Path, "pool_size", poolSize)
	return &Pool{inner: inner, logger: logger, path: cfg.Path}, nil
}

// Take borrows a connection; interrupts on ctx cancellation. Call Put when done.
func (p *Pool) Take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlitedb: take: %w", err)
	}
	conn.SetInterrupt(ctx.Done())
	return conn, nil
}

// Put returns a connection to the pool.
func (p *Pool) Put(conn *sqlite.Conn) {
	p.inner.Put(conn)
}

// Close closes all connections. Blocks until borrowed connections are returned.
func (p *Pool) Close() error {
	if err := p.inner.Close(); err != nil {
		p.logger.Error("Database close failed", "path", p.path, "err", err)
		return fmt.Errorf("sqlitedb: closing %s: %w", p.path, err)
	}
	p.logger.Info("Database closed", "path", p.path)
	return nil
}

// Read runs fn inside a deferred transaction. Every statement in fn observes
// the same committed snapshot.
func (p *Pool) Read(ctx context.Context, fn func(conn *sqlite.Conn) error) (err error) {
	conn, err := p.Take(ctx)
	if err != nil {
		return err
	}
	defer p.Put(conn)
	endFn := sqlitex.Transaction(conn)
	defer endFn(&err)
	return fn(conn)
}

// Write runs fn inside an immediate transaction. The transaction commits when
// fn returns nil and rolls back otherwise, including on ctx cancellation.
func (p *Pool) Write(ctx context.Context, fn func(conn *sqlite.Conn) error) (err error) {
	conn, err := p.Take(ctx)
	if err != nil {
		return err
	}
	defer p.Put(conn)
	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("sqlitedb: begin: %w", err)
	}
	defer endFn(&err)
	return fn(conn)
}

func prepareConnection(conn *sqlite.Conn, onConnect func(*sqlite.Conn) error) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=OFF",
		"PRAGMA cache_size=-8192",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlitedb: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schemaSQL, nil); err != nil {
		return fmt.Errorf("sqlitedb: schema: %w", err)
	}
	if onConnect != nil {
		if err := onConnect(conn); err != nil {
			return fmt.Errorf("sqlitedb: OnConnect: %w", err)
		}
	}
	return nil
}
