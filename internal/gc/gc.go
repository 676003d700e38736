// Package gc removes blocks and hrefs nothing points to anymore.
//
// The policy is zero-edge: a block is collected when it has no parent and was
// not updated within the window, a href when no block data references it.
// Children of a collected block lose their last edge and are collected by a
// later run once they are old enough.
package gc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/maruel/blockdb/internal/href"
	"github.com/maruel/blockdb/internal/metrics"
	"github.com/maruel/blockdb/internal/models"
	"github.com/maruel/blockdb/internal/schema"
	"github.com/maruel/blockdb/internal/sqlitedb"
	"github.com/maruel/blockdb/internal/store"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const day = 24 * time.Hour

// Releaser frees the storage behind a href that is no longer referenced.
type Releaser interface {
	Release(ctx context.Context, tenant, pathname string) error
}

// Options configures a Collector.
type Options struct {
	// RootTypes are never collected. Defaults to store.DefaultRootTypes.
	RootTypes []string
	// Releaser may be nil.
	Releaser Releaser
	Metrics  *metrics.Metrics
	// Now defaults to time.Now.
	Now func() time.Time
}

// Result counts what a run removed.
type Result struct {
	BlocksRemoved int `json:"blocksRemoved"`
	HrefsRemoved  int `json:"hrefsRemoved"`
}

// Collector sweeps every tenant of a database.
type Collector struct {
	pool      *sqlitedb.Pool
	registry  *schema.Registry
	tracker   *href.Tracker
	rootTypes []string
	releaser  Releaser
	metrics   *metrics.Metrics
	now       func() time.Time

	// afterScan runs at the end of each read scan, before the read transaction
	// ends.
	afterScan func(ctx context.Context, sweep string)
}

// NewCollector returns a Collector. Hrefs are only swept for tenants with an
// installed schema, since their href paths are otherwise unknown.
func NewCollector(pool *sqlitedb.Pool, registry *schema.Registry, tracker *href.Tracker, opts Options) *Collector {
	c := &Collector{
		pool:      pool,
		registry:  registry,
		tracker:   tracker,
		rootTypes: opts.RootTypes,
		releaser:  opts.Releaser,
		metrics:   opts.Metrics,
		now:       opts.Now,
	}
	if c.rootTypes == nil {
		c.rootTypes = store.DefaultRootTypes
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Run collects blocks older than blockDays and hrefs older than hrefDays.
func (c *Collector) Run(ctx context.Context, blockDays, hrefDays int) (Result, error) {
	start := time.Now()
	var res Result
	now := c.now()
	n, err := c.sweepBlocks(ctx, now.Add(-time.Duration(blockDays)*day))
	if err != nil {
		return res, err
	}
	res.BlocksRemoved = n
	cutoff := now.Add(-time.Duration(hrefDays) * day)
	for _, tenant := range c.registry.Tenants() {
		n, err := c.sweepHrefs(ctx, tenant, cutoff)
		if err != nil {
			return res, err
		}
		res.HrefsRemoved += n
	}
	c.metrics.GCRun(res.BlocksRemoved, res.HrefsRemoved, time.Since(start))
	slog.InfoContext(ctx, "Garbage collected", "blocks", res.BlocksRemoved, "hrefs", res.HrefsRemoved, "duration", time.Since(start))
	return res, nil
}

// orphanCond selects blocks of b that nothing points to and that are older
// than the cutoff bound to ?1.
const orphanCond = `b.updated_at < ?1 AND NOT EXISTS (
	SELECT 1 FROM relation r WHERE r.tenant = b.tenant AND r.child_id = b.id)`

// sweepBatch bounds the rows deleted while holding the write lock.
const sweepBatch = 256

type blockRef struct {
	tenant, id string
}

// sweepBlocks finds candidates in a read transaction, then deletes them in
// short write transactions that check each candidate again.
func (c *Collector) sweepBlocks(ctx context.Context, cutoff time.Time) (int, error) {
	var candidates []blockRef
	err := c.pool.Read(ctx, func(conn *sqlite.Conn) error {
		candidates = nil
		stmt := "SELECT b.tenant, b.id FROM block b WHERE " + orphanCond
		args := []any{cutoff.UnixMicro()}
		if len(c.rootTypes) > 0 {
			stmt += " AND b.type NOT IN (" + strings.TrimSuffix(strings.Repeat("?, ", len(c.rootTypes)), ", ") + ")"
			for _, t := range c.rootTypes {
				args = append(args, t)
			}
		}
		err := sqlitex.Execute(conn, stmt+" ORDER BY b.tenant, b.id", &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				candidates = append(candidates, blockRef{tenant: stmt.ColumnText(0), id: stmt.ColumnText(1)})
				return nil
			},
		})
		if err != nil {
			return err
		}
		c.scanned(ctx, "blocks")
		return nil
	})
	if err != nil {
		return 0, err
	}
	removed := 0
	for batch := range slices.Chunk(candidates, sweepBatch) {
		n := 0
		err := c.pool.Write(ctx, func(conn *sqlite.Conn) error {
			n = 0
			for _, ref := range batch {
				// Types never change, so only the edge and the age need a second look.
				still := false
				err := sqlitex.Execute(conn, "SELECT 1 FROM block b WHERE b.tenant = ?2 AND b.id = ?3 AND "+orphanCond, &sqlitex.ExecOptions{
					Args: []any{cutoff.UnixMicro(), ref.tenant, ref.id},
					ResultFunc: func(*sqlite.Stmt) error {
						still = true
						return nil
					},
				})
				if err != nil {
					return err
				}
				if !still {
					continue
				}
				if err := store.DeleteRows(conn, ref.tenant, []string{ref.id}); err != nil {
					return err
				}
				n++
			}
			return nil
		})
		if err != nil {
			return removed, err
		}
		removed += n
	}
	return removed, nil
}

type orphan struct {
	id, url, typ, pathname string
}

// sweepHrefs computes the referenced urls in a read transaction, then deletes
// stale unreferenced hrefs in short write transactions. Tracking a url
// refreshes its href, so a href referenced after the scan is no longer stale
// when its delete runs.
func (c *Collector) sweepHrefs(ctx context.Context, tenant string, cutoff time.Time) (int, error) {
	compiled, ok := c.registry.Get(tenant)
	if !ok {
		return 0, nil
	}
	paths := compiled.HrefPaths()
	var stale []orphan
	err := c.pool.Read(ctx, func(conn *sqlite.Conn) error {
		stale = nil
		used, err := c.referenced(conn, tenant, paths)
		if err != nil {
			return err
		}
		err = sqlitex.Execute(conn, "SELECT id, url, type, pathname FROM href WHERE tenant = ? AND updated_at < ? ORDER BY id", &sqlitex.ExecOptions{
			Args: []any{tenant, cutoff.UnixMicro()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				o := orphan{id: stmt.ColumnText(0), url: stmt.ColumnText(1), typ: stmt.ColumnText(2), pathname: stmt.ColumnText(3)}
				if !used[o.url] {
					stale = append(stale, o)
				}
				return nil
			},
		})
		if err != nil {
			return err
		}
		c.scanned(ctx, "hrefs")
		return nil
	})
	if err != nil {
		return 0, err
	}
	var removed []orphan
	defer func() {
		for _, o := range removed {
			c.release(ctx, tenant, o)
		}
	}()
	for batch := range slices.Chunk(stale, sweepBatch) {
		var gone []orphan
		err := c.pool.Write(ctx, func(conn *sqlite.Conn) error {
			gone = gone[:0]
			for _, o := range batch {
				err := sqlitex.Execute(conn, "DELETE FROM href WHERE tenant = ? AND id = ? AND updated_at < ?", &sqlitex.ExecOptions{
					Args: []any{tenant, o.id, cutoff.UnixMicro()},
				})
				if err != nil {
					return err
				}
				if conn.Changes() == 0 {
					continue
				}
				err = sqlitex.Execute(conn, "DELETE FROM href_fts WHERE tenant = ? AND id = ?", &sqlitex.ExecOptions{
					Args: []any{tenant, o.id},
				})
				if err != nil {
					return err
				}
				gone = append(gone, o)
			}
			return nil
		})
		if err != nil {
			return len(removed), err
		}
		removed = append(removed, gone...)
	}
	return len(removed), nil
}

func (c *Collector) scanned(ctx context.Context, sweep string) {
	if c.afterScan != nil {
		c.afterScan(ctx, sweep)
	}
}

// referenced returns the stored form of every url found at the href paths of
// the tenant's blocks.
func (c *Collector) referenced(conn *sqlite.Conn, tenant string, paths map[string][]string) (map[string]bool, error) {
	used := map[string]bool{}
	if len(paths) == 0 {
		return used, nil
	}
	types := slices.Sorted(maps.Keys(paths))
	args := []any{tenant}
	for _, t := range types {
		args = append(args, t)
	}
	stmt := "SELECT type, data FROM block WHERE tenant = ? AND type IN (" +
		strings.TrimSuffix(strings.Repeat("?, ", len(types)), ", ") + ")"
	err := sqlitex.Execute(conn, stmt, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			var data map[string]any
			if err := json.Unmarshal([]byte(stmt.ColumnText(1)), &data); err != nil {
				return fmt.Errorf("block data: %w", err)
			}
			for _, raw := range href.URLsAt(data, paths[stmt.ColumnText(0)]) {
				if stored, _, err := c.tracker.Normalize(tenant, raw); err == nil {
					used[stored] = true
				}
			}
			return nil
		},
	})
	return used, err
}

// release frees local non-link hrefs; external urls are not ours to free.
func (c *Collector) release(ctx context.Context, tenant string, o orphan) {
	if c.releaser == nil || o.typ == models.HrefTypeLink || o.pathname == "" || !strings.HasPrefix(o.url, "/") {
		return
	}
	if err := c.releaser.Release(ctx, tenant, o.pathname); err != nil {
		c.metrics.ReleaseFailed()
		slog.WarnContext(ctx, "Href release failed", "tenant", tenant, "url", o.url, "err", err)
	}
}

// Interval returns the delay between two runs.
func Interval(blockDays, hrefDays int) time.Duration {
	return time.Duration(max(min(blockDays, hrefDays), 1)) * day
}
