// Package store implements the tenant block store: typed, schema validated
// documents linked by parent/child relations, with full-text search.
//
// Every call runs in one SQLite transaction. Writers take the database write
// lock at BEGIN, so the read-modify-write of a patch never interleaves with
// another writer and sibling paths are never clobbered.
package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"regexp"
	"slices"
	"time"

	"github.com/maruel/blockdb/internal/href"
	"github.com/maruel/blockdb/internal/metrics"
	"github.com/maruel/blockdb/internal/models"
	"github.com/maruel/blockdb/internal/pathpatch"
	"github.com/maruel/blockdb/internal/schema"
	"github.com/maruel/blockdb/internal/sqlitedb"
	"zombiezen.com/go/sqlite"
)

const (
	defaultLimit = 10
	maxLimit     = 1000
	maxIDLength  = 64
	idAttempts   = 5
)

var (
	idRe = regexp.MustCompile(`^[\w-]+$`)

	// blockColumns are the fields a patch or a filter may address.
	blockColumns = pathpatch.Columns{
		"data":       true,
		"content":    true,
		"standalone": false,
		"locks":      false,
		"keys":       false,
	}

	// DefaultRootTypes cannot be deleted through the store nor collected.
	DefaultRootTypes = []string{"site", "user"}
)

// Options configures a DB.
type Options struct {
	// RootTypes defaults to DefaultRootTypes.
	RootTypes []string
	Metrics   *metrics.Metrics
	// Now defaults to time.Now.
	Now func() time.Time
}

// DB is the block store shared by all tenants.
type DB struct {
	pool      *sqlitedb.Pool
	registry  *schema.Registry
	tracker   *href.Tracker
	rootTypes []string
	metrics   *metrics.Metrics
	now       func() time.Time
}

// New returns a DB. tracker may be nil, in which case hrefs are not tracked.
func New(pool *sqlitedb.Pool, registry *schema.Registry, tracker *href.Tracker, opts Options) *DB {
	db := &DB{
		pool:      pool,
		registry:  registry,
		tracker:   tracker,
		rootTypes: opts.RootTypes,
		metrics:   opts.Metrics,
		now:       opts.Now,
	}
	if db.rootTypes == nil {
		db.rootTypes = DefaultRootTypes
	}
	if db.now == nil {
		db.now = time.Now
	}
	return db
}

// IsRootType reports whether typ is protected from deletion.
func (db *DB) IsRootType(typ string) bool {
	return slices.Contains(db.rootTypes, typ)
}

// Blocks returns the store of one tenant.
func (db *DB) Blocks(tenant string) *BlockStore {
	return &BlockStore{db: db, tenant: tenant}
}

// BlockStore is the block store of one tenant. It is cheap to create.
type BlockStore struct {
	db     *DB
	tenant string
}

// Tenant returns the tenant name.
func (s *BlockStore) Tenant() string {
	return s.tenant
}

// compiled returns the tenant's current schema; nil when none is installed.
func (s *BlockStore) compiled() *schema.Compiled {
	c, _ := s.db.registry.Get(s.tenant)
	return c
}

func (s *BlockStore) caseOf(c *schema.Compiled, typ string) (*schema.Case, error) {
	cs, ok := c.Case(typ)
	if !ok {
		return nil, models.Validation("unknown block type " + typ).WithDetail("type", typ)
	}
	return cs, nil
}

// observe records the outcome of op.
func (s *BlockStore) observe(ctx context.Context, op string, err error) {
	code := ""
	if err != nil {
		code = string(models.CodeOf(err))
		if code == string(models.ErrorCodeInternal) {
			slog.ErrorContext(ctx, "Block store failure", "tenant", s.tenant, "op", op, "err", err)
		}
	}
	s.db.metrics.BlockOp(op, code)
}

// newTx wraps conn for the tenant.
func (s *BlockStore) newTx(conn *sqlite.Conn, infos map[string]*href.Info) *Tx {
	return &Tx{conn: conn, s: s, compiled: s.compiled(), infos: infos}
}

// Get returns block id. When typ is not empty the block must be of that type.
func (s *BlockStore) Get(ctx context.Context, id, typ string) (b *models.Block, err error) {
	defer func() { s.observe(ctx, "get", err) }()
	err = s.db.pool.Read(ctx, func(conn *sqlite.Conn) error {
		var err error
		b, err = s.newTx(conn, nil).Get(id, typ)
		return err
	})
	return b, err
}

// Add creates a block, optionally as a child of req.Parent.
func (s *BlockStore) Add(ctx context.Context, req AddRequest) (b *models.Block, err error) {
	defer func() { s.observe(ctx, "add", err) }()
	infos := s.inspect(ctx, req.Type, func(paths []string) []string {
		return href.URLsAt(req.Data, paths)
	})
	err = s.db.pool.Write(ctx, func(conn *sqlite.Conn) error {
		var err error
		b, err = s.newTx(conn, infos).Add(req)
		return err
	})
	return b, err
}

// Patch merges req.Partial into an existing block.
func (s *BlockStore) Patch(ctx context.Context, req PatchRequest) (b *models.Block, err error) {
	defer func() { s.observe(ctx, "patch", err) }()
	typ := req.Type
	if typ == "" {
		cur, err := s.Get(ctx, req.ID, "")
		if err != nil {
			return nil, err
		}
		typ = cur.Type
	}
	infos := s.inspect(ctx, typ, func(paths []string) []string {
		return patchedURLs(req.Partial, paths)
	})
	err = s.db.pool.Write(ctx, func(conn *sqlite.Conn) error {
		var err error
		b, err = s.newTx(conn, infos).Patch(req)
		return err
	})
	return b, err
}

// Relate adds the edge parentID -> childID. Existing edges are kept as is.
func (s *BlockStore) Relate(ctx context.Context, parentID, childID string) (err error) {
	defer func() { s.observe(ctx, "relate", err) }()
	return s.db.pool.Write(ctx, func(conn *sqlite.Conn) error {
		return s.newTx(conn, nil).Relate(parentID, childID)
	})
}

// Unrelate removes the edge parentID -> childID.
func (s *BlockStore) Unrelate(ctx context.Context, parentID, childID string) (err error) {
	defer func() { s.observe(ctx, "unrelate", err) }()
	return s.db.pool.Write(ctx, func(conn *sqlite.Conn) error {
		return s.newTx(conn, nil).Unrelate(parentID, childID)
	})
}

// Delete removes block id and its edges. Children are left for the garbage
// collector.
func (s *BlockStore) Delete(ctx context.Context, id string) (err error) {
	defer func() { s.observe(ctx, "delete", err) }()
	return s.db.pool.Write(ctx, func(conn *sqlite.Conn) error {
		return s.newTx(conn, nil).Delete(id)
	})
}

// Batch runs fn in a single write transaction. Any error returned by fn, or
// by a step inside it, rolls back every step.
//
// Urls tracked inside a batch are inspected after the commit since the
// inspector must not run while the write lock is held.
func (s *BlockStore) Batch(ctx context.Context, fn func(tx *Tx) error) (err error) {
	defer func() { s.observe(ctx, "batch", err) }()
	var pending []string
	err = s.db.pool.Write(ctx, func(conn *sqlite.Conn) error {
		tx := s.newTx(conn, nil)
		if err := fn(tx); err != nil {
			return err
		}
		pending = tx.untracked
		return nil
	})
	if err != nil {
		return err
	}
	if s.db.tracker != nil && len(pending) > 0 {
		s.db.tracker.Enrich(ctx, s.tenant, pending)
	}
	return nil
}

// inspect fetches href metadata for the urls selected from typ's href paths.
func (s *BlockStore) inspect(ctx context.Context, typ string, urls func(paths []string) []string) map[string]*href.Info {
	if s.db.tracker == nil {
		return nil
	}
	cs, ok := s.compiled().Case(typ)
	if !ok || len(cs.HrefPaths) == 0 {
		return nil
	}
	list := urls(cs.HrefPaths)
	if len(list) == 0 {
		return nil
	}
	return s.db.tracker.Inspect(ctx, s.tenant, list)
}

// newID returns 16 random hex characters.
func newID() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

// nextUpdatedAt returns now at microsecond precision, strictly after prev.
func nextUpdatedAt(now, prev time.Time) time.Time {
	t := now.UTC().Truncate(time.Microsecond)
	if !t.After(prev) {
		t = prev.Add(time.Microsecond)
	}
	return t
}
