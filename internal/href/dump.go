package href

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/maruel/blockdb/internal/models"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Each calls fn with every href of tenant, hidden ones included, ordered by
// url.
func Each(conn *sqlite.Conn, tenant string, fn func(h *models.Href) error) error {
	return sqlitex.Execute(conn, "SELECT "+hrefColumns+" FROM href WHERE href.tenant = ? ORDER BY href.url", &sqlitex.ExecOptions{
		Args: []any{tenant},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			h, err := scanHref(stmt)
			if err != nil {
				return err
			}
			return fn(h)
		},
	})
}

// Restore writes h as is, replacing the href of the same tenant and url.
// A zero UpdatedAt is set to now.
func Restore(conn *sqlite.Conn, h *models.Href, now time.Time) error {
	if h.ID == "" || h.URL == "" {
		return models.BadRequest("href needs an id and a url")
	}
	if h.Type == "" {
		h.Type = models.HrefTypeLink
	}
	if h.UpdatedAt.IsZero() {
		h.UpdatedAt = now
	}
	h.UpdatedAt = h.UpdatedAt.UTC().Truncate(time.Microsecond)
	if cur, err := getHref(conn, h.Tenant, h.URL); err == nil {
		for _, q := range []string{
			"DELETE FROM href WHERE tenant = ? AND id = ?",
			"DELETE FROM href_fts WHERE tenant = ? AND id = ?",
		} {
			if err := sqlitex.Execute(conn, q, &sqlitex.ExecOptions{Args: []any{h.Tenant, cur.ID}}); err != nil {
				return fmt.Errorf("restore href: %w", err)
			}
		}
	} else if !models.IsCode(err, models.ErrorCodeNotFound) {
		return err
	}
	meta, err := json.Marshal(h.Meta)
	if err != nil {
		return err
	}
	var parent any
	if h.ParentID != "" {
		parent = h.ParentID
	}
	visible := int64(0)
	if h.Visible {
		visible = 1
	}
	err = sqlitex.Execute(conn, `INSERT INTO href (id, tenant, parent_id, url, canonical, type, mime, title, icon, site,
		pathname, lang, preview, visible, meta, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			h.ID, h.Tenant, parent, h.URL, h.Canonical, h.Type, h.Mime, h.Title, h.Icon, h.Site,
			h.Pathname, h.Lang, h.Preview, visible, string(meta), h.UpdatedAt.UnixMicro(),
		}})
	if err != nil {
		return fmt.Errorf("restore href: %w", err)
	}
	return indexHref(conn, h)
}
