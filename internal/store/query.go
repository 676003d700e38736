package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/maruel/blockdb/internal/models"
	"github.com/maruel/blockdb/internal/pathpatch"
	"github.com/maruel/blockdb/internal/schema"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Query filters blocks.
type Query struct {
	Type []string `json:"type,omitempty"`
	ID   []string `json:"id,omitempty"`
	// Data is a nested filter over block data. See pathpatch.Predicates.
	Data map[string]any `json:"data,omitempty"`
	// Text is matched as a phrase against the indexed text, best match first.
	Text string `json:"text,omitempty"`
	// Parent restricts results to children of this block.
	Parent string `json:"parent,omitempty"`
	// Children embeds the children of every result.
	Children *ChildrenQuery `json:"children,omitempty"`
	// Order lists fields: updatedAt, id, type or data.x.y. A leading "-" sorts
	// descending.
	Order  []string `json:"order,omitempty"`
	Limit  int      `json:"limit,omitempty"`
	Offset int      `json:"offset,omitempty"`
}

// ChildrenQuery selects the embedded children.
type ChildrenQuery struct {
	Type  []string `json:"type,omitempty"`
	Order []string `json:"order,omitempty"`
}

// Result is the answer to a Query.
type Result struct {
	Items []*models.Block `json:"items"`
	// Schemas holds the case of every type present in Items, children included.
	Schemas map[string]*schema.Case `json:"schemas"`
}

// Query returns the blocks matching q.
func (s *BlockStore) Query(ctx context.Context, q Query) (res *Result, err error) {
	defer func() { s.observe(ctx, "query", err) }()
	compiled := s.compiled()
	stmt, args, err := s.buildQuery(compiled, q)
	if err != nil {
		return nil, err
	}
	var childStmt string
	var childArgs []any
	if q.Children != nil {
		if childStmt, childArgs, err = s.buildChildren(q.Children); err != nil {
			return nil, err
		}
	}
	res = &Result{Items: []*models.Block{}, Schemas: map[string]*schema.Case{}}
	err = s.db.pool.Read(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.ExecuteTransient(conn, stmt, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				b, err := scanBlock(stmt, 0)
				if err != nil {
					return err
				}
				res.Items = append(res.Items, b)
				return nil
			},
		})
		if err != nil {
			return err
		}
		if childStmt == "" {
			return nil
		}
		for _, parent := range res.Items {
			parent.Children = []*models.Block{}
			err := sqlitex.ExecuteTransient(conn, childStmt, &sqlitex.ExecOptions{
				Args: append([]any{s.tenant, parent.ID}, childArgs...),
				ResultFunc: func(stmt *sqlite.Stmt) error {
					b, err := scanBlock(stmt, 0)
					if err != nil {
						return err
					}
					parent.Children = append(parent.Children, b)
					return nil
				},
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, b := range res.Items {
		s.addSchema(compiled, res.Schemas, b)
		for _, c := range b.Children {
			s.addSchema(compiled, res.Schemas, c)
		}
	}
	return res, nil
}

func (s *BlockStore) addSchema(compiled *schema.Compiled, out map[string]*schema.Case, b *models.Block) {
	if _, ok := out[b.Type]; ok {
		return
	}
	if cs, ok := compiled.Case(b.Type); ok {
		out[b.Type] = cs
	}
}

func (s *BlockStore) buildQuery(compiled *schema.Compiled, q Query) (string, []any, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		return "", nil, models.BadRequest(fmt.Sprintf("limit must be at most %d", maxLimit))
	}
	if q.Offset < 0 {
		return "", nil, models.BadRequest("offset must not be negative")
	}
	from := "block b"
	var joinArgs []any
	where := []string{"b.tenant = ?"}
	args := []any{s.tenant}
	var order []string
	var orderArgs []any

	text := strings.TrimSpace(q.Text)
	if text != "" {
		from += " JOIN block_fts ON block_fts.tenant = b.tenant AND block_fts.id = b.id"
		where = append(where, "block_fts MATCH ?")
		args = append(args, phraseQuery(text))
	}
	if q.Parent != "" {
		from += " JOIN relation r ON r.tenant = b.tenant AND r.child_id = b.id AND r.parent_id = ?"
		joinArgs = append(joinArgs, q.Parent)
	}
	if len(q.Type) > 0 {
		where = append(where, "b.type IN ("+marks(len(q.Type))+")")
		for _, t := range q.Type {
			args = append(args, t)
		}
	}
	if len(q.ID) > 0 {
		where = append(where, "b.id IN ("+marks(len(q.ID))+")")
		for _, id := range q.ID {
			args = append(args, id)
		}
	}
	if len(q.Data) > 0 {
		preds, err := pathpatch.Predicates(map[string]any{"data": q.Data}, blockColumns, formatLookup(compiled, q.Type))
		if err != nil {
			return "", nil, err
		}
		for i := range preds {
			c, a := preds[i].SQL("b")
			where = append(where, c)
			args = append(args, a...)
		}
	}
	if len(q.Order) > 0 {
		var err error
		if order, orderArgs, err = orderBy(q.Order); err != nil {
			return "", nil, err
		}
	} else if text != "" {
		order = []string{"bm25(block_fts)"}
	}
	order = append(order, "b.updated_at DESC", "b.id")

	stmt := "SELECT " + blockSelect + " FROM " + from + " WHERE " + strings.Join(where, " AND ") +
		" ORDER BY " + strings.Join(order, ", ") + " LIMIT ? OFFSET ?"
	all := make([]any, 0, len(joinArgs)+len(args)+len(orderArgs)+2)
	all = append(all, joinArgs...)
	all = append(all, args...)
	all = append(all, orderArgs...)
	all = append(all, int64(limit), int64(q.Offset))
	return stmt, all, nil
}

// buildChildren returns the statement listing the children of one parent;
// its first two arguments are the tenant and the parent id.
func (s *BlockStore) buildChildren(c *ChildrenQuery) (string, []any, error) {
	var where []string
	var args []any
	if len(c.Type) > 0 {
		where = append(where, "b.type IN ("+marks(len(c.Type))+")")
		for _, t := range c.Type {
			args = append(args, t)
		}
	}
	order, orderArgs, err := orderBy(c.Order)
	if err != nil {
		return "", nil, err
	}
	order = append(order, "b.updated_at DESC", "b.id")
	stmt := "SELECT " + blockSelect + " FROM block b JOIN relation r ON r.tenant = b.tenant AND r.child_id = b.id" +
		" WHERE b.tenant = ? AND r.parent_id = ?"
	if len(where) > 0 {
		stmt += " AND " + strings.Join(where, " AND ")
	}
	stmt += " ORDER BY " + strings.Join(order, ", ")
	return stmt, append(args, orderArgs...), nil
}

// orderBy translates order fields into ORDER BY terms.
func orderBy(fields []string) ([]string, []any, error) {
	var terms []string
	var args []any
	for _, f := range fields {
		dir := " ASC"
		if name, ok := strings.CutPrefix(f, "-"); ok {
			f = name
			dir = " DESC"
		}
		switch {
		case f == "updatedAt":
			terms = append(terms, "b.updated_at"+dir)
		case f == "id":
			terms = append(terms, "b.id"+dir)
		case f == "type":
			terms = append(terms, "b.type"+dir)
		case strings.HasPrefix(f, "data."):
			a, err := pathpatch.ParseAddress("data:" + strings.TrimPrefix(f, "data."))
			if err != nil {
				return nil, nil, err
			}
			terms = append(terms, "json_extract(b.data, ?)"+dir)
			args = append(args, a.JSONPath())
		default:
			return nil, nil, models.BadRequest(fmt.Sprintf("cannot order by %q", f))
		}
	}
	return terms, args, nil
}

// formatLookup resolves declared formats against the queried types, or all
// types when none is given.
func formatLookup(compiled *schema.Compiled, types []string) pathpatch.FormatFunc {
	if len(types) == 0 {
		types = compiled.Types()
	}
	return func(a pathpatch.Address) string {
		for _, t := range types {
			if cs, ok := compiled.Case(t); ok {
				if f := cs.Format(a.Path); f != "" {
					return f
				}
			}
		}
		return ""
	}
}

// phraseQuery quotes text as a single FTS5 phrase.
func phraseQuery(text string) string {
	return `"` + strings.ReplaceAll(text, `"`, `""`) + `"`
}

func marks(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
