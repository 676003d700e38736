package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/maruel/blockdb/internal/href"
	"github.com/maruel/blockdb/internal/models"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Dump is the serialized form of a tenant: its blocks, the edges between them
// and its hrefs. Uploaded files are not part of it.
type Dump struct {
	Blocks    []*models.Block `json:"blocks"`
	Relations []Relation      `json:"relations"`
	Hrefs     []*models.Href  `json:"hrefs"`
}

// Relation is a parent to child edge.
type Relation struct {
	Parent string `json:"parent"`
	Child  string `json:"child"`
}

// Counts reports the rows exported or imported.
type Counts struct {
	Blocks    int `json:"blocks"`
	Relations int `json:"relations"`
	Hrefs     int `json:"hrefs"`
}

// Export writes the tenant as a Dump to w, from one consistent snapshot.
// Items are streamed; the tenant is never held in memory.
func (s *BlockStore) Export(ctx context.Context, w io.Writer) (counts Counts, err error) {
	defer func() { s.observe(ctx, "export", err) }()
	err = s.db.pool.Read(ctx, func(conn *sqlite.Conn) error {
		counts = Counts{}
		aw := &arrayWriter{w: w}
		aw.open(`{"blocks": [`)
		err := sqlitex.Execute(conn, "SELECT "+blockSelect+" FROM block b WHERE b.tenant = ? ORDER BY b.id", &sqlitex.ExecOptions{
			Args: []any{s.tenant},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				b, err := scanBlock(stmt, 0)
				if err != nil {
					return err
				}
				counts.Blocks++
				return aw.item(b)
			},
		})
		if err != nil {
			return err
		}
		aw.open(`], "relations": [`)
		err = sqlitex.Execute(conn, "SELECT parent_id, child_id FROM relation WHERE tenant = ? ORDER BY parent_id, child_id", &sqlitex.ExecOptions{
			Args: []any{s.tenant},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				counts.Relations++
				return aw.item(Relation{Parent: stmt.ColumnText(0), Child: stmt.ColumnText(1)})
			},
		})
		if err != nil {
			return err
		}
		aw.open(`], "hrefs": [`)
		err = href.Each(conn, s.tenant, func(h *models.Href) error {
			counts.Hrefs++
			return aw.item(h)
		})
		if err != nil {
			return err
		}
		aw.open("]}\n")
		return aw.err
	})
	return counts, err
}

// Import restores a Dump read from r into the tenant, in one transaction.
//
// Blocks keep their id and updatedAt and are validated against the installed
// schema. A block id already present is a conflict; hrefs replace the ones
// with the same url. Edges follow the rules of Relate. Nothing is written
// unless everything is.
func (s *BlockStore) Import(ctx context.Context, r io.Reader) (counts Counts, err error) {
	defer func() { s.observe(ctx, "import", err) }()
	var d Dump
	if err := json.NewDecoder(r).Decode(&d); err != nil {
		return counts, models.BadRequest("invalid dump").Wrap(err)
	}
	err = s.Batch(ctx, func(tx *Tx) error {
		counts = Counts{}
		for _, b := range d.Blocks {
			if err := tx.restore(b); err != nil {
				return err
			}
			counts.Blocks++
		}
		for _, rel := range d.Relations {
			if err := tx.Relate(rel.Parent, rel.Child); err != nil {
				return err
			}
			counts.Relations++
		}
		now := s.db.now()
		for _, h := range d.Hrefs {
			h.Tenant = s.tenant
			if err := href.Restore(tx.conn, h, now); err != nil {
				return err
			}
			counts.Hrefs++
		}
		return nil
	})
	return counts, err
}

// restore inserts b as exported. Its hrefs come from the dump, so they are
// not tracked again.
func (tx *Tx) restore(b *models.Block) error {
	if b == nil || b.ID == "" {
		return models.BadRequest("dumped block needs an id")
	}
	if len(b.ID) > maxIDLength || !idRe.MatchString(b.ID) {
		return models.Validation(fmt.Sprintf("invalid block id %q", b.ID))
	}
	cs, err := tx.s.caseOf(tx.compiled, b.Type)
	if err != nil {
		return err
	}
	if b.Data, err = models.NormalizeDocument(b.Data); err != nil {
		return models.BadRequest("data is not a JSON object").Wrap(err)
	}
	if b.Content == nil {
		b.Content = map[string]string{}
	}
	b.Children = nil
	if err := cs.Validate(b); err != nil {
		return err
	}
	if ok, err := tx.exists(b.ID); err != nil {
		return err
	} else if ok {
		return models.Conflict("block id already exists").WithDetail("id", b.ID)
	}
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = tx.s.db.now()
	}
	b.UpdatedAt = b.UpdatedAt.UTC().Truncate(time.Microsecond)
	if err := tx.insert(b); err != nil {
		return err
	}
	return tx.index(b)
}

// arrayWriter writes JSON array items separated by commas and keeps the first
// write error.
type arrayWriter struct {
	w     io.Writer
	err   error
	items int
}

func (a *arrayWriter) open(s string) {
	if a.err == nil {
		_, a.err = io.WriteString(a.w, s)
	}
	a.items = 0
}

func (a *arrayWriter) item(v any) error {
	if a.err != nil {
		return a.err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		a.err = err
		return err
	}
	if a.items > 0 {
		if _, a.err = io.WriteString(a.w, ",\n"); a.err != nil {
			return a.err
		}
	}
	a.items++
	_, a.err = a.w.Write(raw)
	return a.err
}
