package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/maruel/blockdb/internal/href"
	"github.com/maruel/blockdb/internal/models"
	"github.com/maruel/blockdb/internal/pathpatch"
	"github.com/maruel/blockdb/internal/schema"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// AddRequest describes a new block.
type AddRequest struct {
	// Parent, when set, must exist; the edge is created with the block.
	Parent     string            `json:"parent,omitempty"`
	ID         string            `json:"id,omitempty"`
	Type       string            `json:"type"`
	Data       map[string]any    `json:"data,omitempty"`
	Content    map[string]string `json:"content,omitempty"`
	Standalone bool              `json:"standalone,omitempty"`
	Locks      []string          `json:"locks,omitempty"`
	Keys       []string          `json:"keys,omitempty"`
}

// PatchRequest describes a partial update.
type PatchRequest struct {
	ID string `json:"id"`
	// Type, when set, must match the stored type.
	Type string `json:"type,omitempty"`
	// Partial is a nested document over data, content, standalone, locks and
	// keys. Only the leaves present are written.
	Partial map[string]any `json:"partial"`
	// ExpectedUpdatedAt, when set, must equal the stored updatedAt.
	ExpectedUpdatedAt *time.Time `json:"expectedUpdatedAt,omitempty"`
}

// Tx runs block operations inside one write transaction; see BlockStore.Batch.
// A Tx must not be used after the function it was passed to returns.
type Tx struct {
	conn     *sqlite.Conn
	s        *BlockStore
	compiled *schema.Compiled
	infos    map[string]*href.Info
	// untracked collects the urls recorded without inspector metadata.
	untracked []string
}

// Get returns block id, which must be of type typ when typ is not empty.
func (tx *Tx) Get(id, typ string) (*models.Block, error) {
	b, err := tx.load(id)
	if err != nil {
		return nil, err
	}
	if typ != "" && b.Type != typ {
		return nil, models.NotFound("block").WithDetail("id", id)
	}
	return b, nil
}

// Add creates a block. See BlockStore.Add.
func (tx *Tx) Add(req AddRequest) (*models.Block, error) {
	cs, err := tx.s.caseOf(tx.compiled, req.Type)
	if err != nil {
		return nil, err
	}
	data, err := models.NormalizeDocument(req.Data)
	if err != nil {
		return nil, models.BadRequest("data is not a JSON object").Wrap(err)
	}
	b := &models.Block{
		ID:         req.ID,
		Type:       req.Type,
		Data:       data,
		Content:    req.Content,
		Standalone: req.Standalone,
		Locks:      req.Locks,
		Keys:       req.Keys,
	}
	cs.ApplyDefaults(b)
	if b.ID != "" && (len(b.ID) > maxIDLength || !idRe.MatchString(b.ID)) {
		return nil, models.Validation(fmt.Sprintf("invalid block id %q", b.ID))
	}
	if err := cs.Validate(b); err != nil {
		return nil, err
	}
	if req.Parent != "" {
		if ok, err := tx.exists(req.Parent); err != nil {
			return nil, err
		} else if !ok {
			return nil, models.NotFound("parent block").WithDetail("id", req.Parent)
		}
	}
	if b.ID != "" {
		if ok, err := tx.exists(b.ID); err != nil {
			return nil, err
		} else if ok {
			return nil, models.Conflict("block id already exists").WithDetail("id", b.ID)
		}
	} else if b.ID, err = tx.generateID(); err != nil {
		return nil, err
	}
	b.UpdatedAt = nextUpdatedAt(tx.s.db.now(), time.Time{})
	if err := tx.insert(b); err != nil {
		return nil, err
	}
	if req.Parent != "" {
		if err := tx.link(req.Parent, b.ID); err != nil {
			return nil, err
		}
	}
	if err := tx.track(b.ID, b.Data, cs.HrefPaths); err != nil {
		return nil, err
	}
	if err := tx.index(b); err != nil {
		return nil, err
	}
	return b, nil
}

// Patch merges a partial update. See BlockStore.Patch.
func (tx *Tx) Patch(req PatchRequest) (*models.Block, error) {
	partial, err := models.NormalizeDocument(req.Partial)
	if err != nil {
		return nil, models.BadRequest("partial is not a JSON object").Wrap(err)
	}
	for _, k := range []string{"id", "updatedAt"} {
		if _, ok := partial[k]; ok {
			return nil, models.BadRequest(fmt.Sprintf("%s cannot be patched", k))
		}
	}
	cur, err := tx.Get(req.ID, req.Type)
	if err != nil {
		return nil, err
	}
	if v, ok := partial["type"]; ok {
		if v != cur.Type {
			return nil, models.Validation("block type cannot change").WithDetail("type", cur.Type)
		}
		delete(partial, "type")
	}
	ops, err := pathpatch.Flatten(partial, blockColumns)
	if err != nil {
		return nil, err
	}
	if req.ExpectedUpdatedAt != nil && !req.ExpectedUpdatedAt.Equal(cur.UpdatedAt) {
		return nil, models.Conflict("block was modified").
			WithDetail("id", cur.ID).
			WithDetail("updatedAt", cur.UpdatedAt)
	}
	cs, err := tx.s.caseOf(tx.compiled, cur.Type)
	if err != nil {
		return nil, err
	}
	next, err := merge(cur, ops)
	if err != nil {
		return nil, err
	}
	if err := cs.Validate(next); err != nil {
		return nil, err
	}
	next.UpdatedAt = nextUpdatedAt(tx.s.db.now(), cur.UpdatedAt)
	if err := tx.update(next, cur.UpdatedAt); err != nil {
		return nil, err
	}
	if err := tx.track(next.ID, next.Data, touchedPaths(ops, cs.HrefPaths)); err != nil {
		return nil, err
	}
	if err := tx.index(next); err != nil {
		return nil, err
	}
	return next, nil
}

// Relate adds the edge parentID -> childID.
func (tx *Tx) Relate(parentID, childID string) error {
	if _, err := tx.load(parentID); err != nil {
		return err
	}
	child, err := tx.load(childID)
	if err != nil {
		return err
	}
	if !child.Standalone {
		var other string
		err := sqlitex.Execute(tx.conn, "SELECT parent_id FROM relation WHERE tenant = ? AND child_id = ? AND parent_id != ? LIMIT 1", &sqlitex.ExecOptions{
			Args: []any{tx.s.tenant, childID, parentID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				other = stmt.ColumnText(0)
				return nil
			},
		})
		if err != nil {
			return err
		}
		if other != "" {
			return models.BadRequest("block is not standalone and already has a parent").
				WithDetail("id", childID).
				WithDetail("parent", other)
		}
	}
	return tx.link(parentID, childID)
}

// Unrelate removes the edge parentID -> childID.
func (tx *Tx) Unrelate(parentID, childID string) error {
	for _, id := range []string{parentID, childID} {
		if ok, err := tx.exists(id); err != nil {
			return err
		} else if !ok {
			return models.NotFound("block").WithDetail("id", id)
		}
	}
	err := sqlitex.Execute(tx.conn, "DELETE FROM relation WHERE tenant = ? AND parent_id = ? AND child_id = ?", &sqlitex.ExecOptions{
		Args: []any{tx.s.tenant, parentID, childID},
	})
	if err != nil {
		return err
	}
	if tx.conn.Changes() == 0 {
		return models.NotFound("relation").WithDetail("parent", parentID).WithDetail("child", childID)
	}
	return nil
}

// Delete removes block id, its edges and its search entry.
func (tx *Tx) Delete(id string) error {
	b, err := tx.load(id)
	if err != nil {
		return err
	}
	if tx.s.db.IsRootType(b.Type) {
		return models.BadRequest(fmt.Sprintf("%s blocks cannot be deleted", b.Type))
	}
	return DeleteRows(tx.conn, tx.s.tenant, []string{id})
}

// DeleteRows removes blocks, every edge touching them and their search
// entries. It is shared with the garbage collector.
func DeleteRows(c *sqlite.Conn, tenant string, ids []string) error {
	for _, id := range ids {
		for _, q := range []string{
			"DELETE FROM block WHERE tenant = ? AND id = ?",
			"DELETE FROM relation WHERE tenant = ?1 AND (parent_id = ?2 OR child_id = ?2)",
			"DELETE FROM block_fts WHERE tenant = ? AND id = ?",
		} {
			if err := sqlitex.Execute(c, q, &sqlitex.ExecOptions{Args: []any{tenant, id}}); err != nil {
				return fmt.Errorf("delete block %s: %w", id, err)
			}
		}
	}
	return nil
}

func (tx *Tx) exists(id string) (bool, error) {
	found := false
	err := sqlitex.Execute(tx.conn, "SELECT 1 FROM block WHERE tenant = ? AND id = ?", &sqlitex.ExecOptions{
		Args: []any{tx.s.tenant, id},
		ResultFunc: func(*sqlite.Stmt) error {
			found = true
			return nil
		},
	})
	return found, err
}

func (tx *Tx) generateID() (string, error) {
	for range idAttempts {
		id, err := newID()
		if err != nil {
			return "", err
		}
		ok, err := tx.exists(id)
		if err != nil {
			return "", err
		}
		if !ok {
			return id, nil
		}
	}
	return "", models.Conflict("could not generate a unique block id")
}

func (tx *Tx) load(id string) (*models.Block, error) {
	var b *models.Block
	err := sqlitex.Execute(tx.conn, "SELECT "+blockSelect+" FROM block b WHERE b.tenant = ? AND b.id = ?", &sqlitex.ExecOptions{
		Args: []any{tx.s.tenant, id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			var err error
			b, err = scanBlock(stmt, 0)
			return err
		},
	})
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, models.NotFound("block").WithDetail("id", id)
	}
	return b, nil
}

func (tx *Tx) insert(b *models.Block) error {
	args, err := rowArgs(b)
	if err != nil {
		return err
	}
	return sqlitex.Execute(tx.conn, `INSERT INTO block (tenant, id, type, data, content, standalone, locks, keys, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: append([]any{tx.s.tenant}, args...),
	})
}

// update writes b if the stored row still carries prev.
func (tx *Tx) update(b *models.Block, prev time.Time) error {
	args, err := rowArgs(b)
	if err != nil {
		return err
	}
	err = sqlitex.Execute(tx.conn, `UPDATE block SET data = ?4, content = ?5, standalone = ?6, locks = ?7, keys = ?8,
		updated_at = ?9 WHERE tenant = ?1 AND id = ?2 AND type = ?3 AND updated_at = ?10`, &sqlitex.ExecOptions{
		Args: append(append([]any{tx.s.tenant}, args...), prev.UnixMicro()),
	})
	if err != nil {
		return err
	}
	if tx.conn.Changes() == 0 {
		return models.Conflict("block was modified").WithDetail("id", b.ID)
	}
	return nil
}

func (tx *Tx) link(parentID, childID string) error {
	return sqlitex.Execute(tx.conn, "INSERT OR IGNORE INTO relation (tenant, parent_id, child_id) VALUES (?, ?, ?)", &sqlitex.ExecOptions{
		Args: []any{tx.s.tenant, parentID, childID},
	})
}

// track records the urls found at paths in data.
func (tx *Tx) track(id string, data map[string]any, paths []string) error {
	tracker := tx.s.db.tracker
	if tracker == nil || len(paths) == 0 {
		return nil
	}
	urls := href.URLsAt(data, paths)
	if len(urls) == 0 {
		return nil
	}
	missing, err := tracker.Track(tx.conn, tx.s.tenant, id, urls, tx.infos)
	if err != nil {
		return err
	}
	if tx.infos == nil {
		tx.untracked = append(tx.untracked, missing...)
	}
	return nil
}

func (tx *Tx) index(b *models.Block) error {
	err := sqlitex.Execute(tx.conn, "DELETE FROM block_fts WHERE tenant = ? AND id = ?", &sqlitex.ExecOptions{
		Args: []any{tx.s.tenant, b.ID},
	})
	if err != nil {
		return err
	}
	body := searchText(b)
	if body == "" {
		return nil
	}
	return sqlitex.Execute(tx.conn, "INSERT INTO block_fts (tenant, id, body) VALUES (?, ?, ?)", &sqlitex.ExecOptions{
		Args: []any{tx.s.tenant, b.ID, body},
	})
}

// merge applies ops to a copy of cur.
func merge(cur *models.Block, ops []pathpatch.Op) (*models.Block, error) {
	content := make(map[string]any, len(cur.Content))
	for k, v := range cur.Content {
		content[k] = v
	}
	doc := map[string]any{
		"data":       models.CloneDocument(cur.Data),
		"content":    content,
		"standalone": cur.Standalone,
		"locks":      toAny(cur.Locks),
		"keys":       toAny(cur.Keys),
	}
	pathpatch.Apply(doc, ops)
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, models.BadRequest("invalid patch").Wrap(err)
	}
	var row struct {
		Data       map[string]any    `json:"data"`
		Content    map[string]string `json:"content"`
		Standalone bool              `json:"standalone"`
		Locks      []string          `json:"locks"`
		Keys       []string          `json:"keys"`
	}
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, models.Validation("patched block does not match the block shape").Wrap(err)
	}
	next := cur.Clone()
	next.Data = row.Data
	if next.Data == nil {
		next.Data = map[string]any{}
	}
	next.Content = row.Content
	if next.Content == nil {
		next.Content = map[string]string{}
	}
	next.Standalone = row.Standalone
	next.Locks = row.Locks
	next.Keys = row.Keys
	return next, nil
}

func toAny(s []string) any {
	if s == nil {
		return nil
	}
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}

// touchedPaths returns the href paths written by ops.
func touchedPaths(ops []pathpatch.Op, hrefPaths []string) []string {
	var out []string
	for _, op := range ops {
		if op.Address.Column != "data" {
			continue
		}
		p := strings.Join(op.Address.Path, ".")
		for _, h := range hrefPaths {
			if p == h || strings.HasPrefix(h, p+".") {
				out = append(out, h)
			}
		}
	}
	return out
}

// patchedURLs returns the urls a partial writes at hrefPaths.
func patchedURLs(partial map[string]any, hrefPaths []string) []string {
	data, _ := partial["data"].(map[string]any)
	if data == nil {
		return nil
	}
	return href.URLsAt(data, hrefPaths)
}
