package href

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/maruel/blockdb/internal/metrics"
	"github.com/maruel/blockdb/internal/models"
	"github.com/maruel/blockdb/internal/pathpatch"
	"github.com/maruel/blockdb/internal/sqlitedb"
	"github.com/maruel/ksid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const (
	defaultLimit = 10
	maxLimit     = 1000
)

// hrefColumns is the select list read by scanHref.
const hrefColumns = `href.id, href.tenant, href.parent_id, href.url, href.canonical, href.type, href.mime,
	href.title, href.icon, href.site, href.pathname, href.lang, href.preview, href.visible, href.meta, href.updated_at`

// DomainFunc returns the public host of a tenant, or "" when unknown.
type DomainFunc func(tenant string) string

// Options configures a Tracker.
type Options struct {
	// Inspector may be nil, in which case hrefs are recorded with minimal metadata.
	Inspector Inspector
	// Domain resolves local urls. May be nil.
	Domain  DomainFunc
	Metrics *metrics.Metrics
	// Now defaults to time.Now.
	Now func() time.Time
}

// Tracker maintains the href table of every tenant.
type Tracker struct {
	pool      *sqlitedb.Pool
	inspector Inspector
	domain    DomainFunc
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewTracker returns a Tracker storing rows in pool.
func NewTracker(pool *sqlitedb.Pool, opts Options) *Tracker {
	t := &Tracker{pool: pool, inspector: opts.Inspector, domain: opts.Domain, metrics: opts.Metrics, now: opts.Now}
	if t.now == nil {
		t.now = time.Now
	}
	return t
}

// Query filters Search.
type Query struct {
	Type      []string `json:"type,omitempty"`
	Text      string   `json:"text,omitempty"`
	URL       string   `json:"url,omitempty"`
	MaxSize   int64    `json:"maxSize,omitempty"`
	MaxWidth  int64    `json:"maxWidth,omitempty"`
	MaxHeight int64    `json:"maxHeight,omitempty"`
	Limit     int      `json:"limit,omitempty"`
	Offset    int      `json:"offset,omitempty"`
}

// Normalize returns the stored form of raw for tenant and the absolute url to
// inspect. Urls on the tenant's own host are stored as their path; relative
// urls are resolved against that host for inspection.
func (t *Tracker) Normalize(tenant, raw string) (stored, fetch string, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", "", models.BadRequest("missing url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", models.BadRequest(fmt.Sprintf("invalid url %q", raw)).Wrap(err)
	}
	domain := ""
	if t.domain != nil {
		domain = t.domain(tenant)
	}
	switch {
	case u.Host == "":
		if domain == "" {
			return raw, "", nil
		}
		return raw, "https://" + domain + raw, nil
	case domain != "" && u.Hostname() == domain:
		return u.RequestURI(), raw, nil
	default:
		return raw, raw, nil
	}
}

// Inspect fetches metadata for urls before a write transaction starts.
// Failures are logged; the url is then recorded with minimal metadata.
func (t *Tracker) Inspect(ctx context.Context, tenant string, urls []string) map[string]*Info {
	out := make(map[string]*Info, len(urls))
	if t.inspector == nil {
		return out
	}
	for _, raw := range urls {
		stored, fetch, err := t.Normalize(tenant, raw)
		if err != nil || fetch == "" {
			continue
		}
		info, err := t.inspector.Inspect(ctx, fetch)
		t.metrics.Inspection(err)
		if err != nil {
			slog.WarnContext(ctx, "Href inspection failed", "tenant", tenant, "url", fetch, "err", err)
			continue
		}
		out[stored] = info
	}
	return out
}

// Track records urls found in the data of block parentID. It must be called
// inside the block's write transaction; infos comes from Inspect. It returns
// the urls recorded without metadata.
func (t *Tracker) Track(conn *sqlite.Conn, tenant, parentID string, urls []string, infos map[string]*Info) ([]string, error) {
	now := t.now()
	var missing []string
	for _, raw := range urls {
		stored, _, err := t.Normalize(tenant, raw)
		if err != nil {
			return nil, err
		}
		info := infos[stored]
		if info == nil {
			missing = append(missing, raw)
		}
		if _, err := upsert(conn, tenant, parentID, stored, info, now); err != nil {
			return nil, err
		}
	}
	return missing, nil
}

// Enrich inspects urls that were tracked without metadata and stores the
// result. Failures are logged.
func (t *Tracker) Enrich(ctx context.Context, tenant string, urls []string) {
	infos := t.Inspect(ctx, tenant, urls)
	if len(infos) == 0 {
		return
	}
	err := t.pool.Write(ctx, func(conn *sqlite.Conn) error {
		now := t.now()
		for _, stored := range slices.Sorted(maps.Keys(infos)) {
			if _, err := upsert(conn, tenant, "", stored, infos[stored], now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		slog.WarnContext(ctx, "Href enrichment failed", "tenant", tenant, "err", err)
	}
}

// Add inspects u and inserts or revives its row.
func (t *Tracker) Add(ctx context.Context, tenant, u string) (*models.Href, error) {
	stored, fetch, err := t.Normalize(tenant, u)
	if err != nil {
		return nil, err
	}
	var info *Info
	if t.inspector != nil && fetch != "" {
		info, err = t.inspector.Inspect(ctx, fetch)
		t.metrics.Inspection(err)
		if err != nil {
			return nil, models.InternalWithError("inspector failure", err)
		}
	}
	var h *models.Href
	err = t.pool.Write(ctx, func(conn *sqlite.Conn) error {
		var err error
		h, err = upsert(conn, tenant, "", stored, info, t.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Del hides u from searches. The row is kept until garbage collection.
func (t *Tracker) Del(ctx context.Context, tenant, u string) (*models.Href, error) {
	stored, _, err := t.Normalize(tenant, u)
	if err != nil {
		return nil, err
	}
	var h *models.Href
	err = t.pool.Write(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, "UPDATE href SET visible = 0 WHERE tenant = ? AND url = ?", &sqlitex.ExecOptions{
			Args: []any{tenant, stored},
		})
		if err != nil {
			return err
		}
		if conn.Changes() == 0 {
			return models.NotFound("href")
		}
		h, err = getHref(conn, tenant, stored)
		return err
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Get returns the row of u, visible or not.
func (t *Tracker) Get(ctx context.Context, tenant, u string) (*models.Href, error) {
	stored, _, err := t.Normalize(tenant, u)
	if err != nil {
		return nil, err
	}
	var h *models.Href
	err = t.pool.Read(ctx, func(conn *sqlite.Conn) error {
		var err error
		h, err = getHref(conn, tenant, stored)
		return err
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Search lists hrefs. An exact URL matches regardless of visibility; otherwise
// only visible rows are returned, ranked by Text when given and most recent
// first.
func (t *Tracker) Search(ctx context.Context, tenant string, q Query) ([]*models.Href, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	limit = min(limit, maxLimit)
	where := []string{"href.tenant = ?"}
	args := []any{tenant}
	from := "href"
	order := "href.updated_at DESC"
	if len(q.Type) > 0 {
		where = append(where, "href.type IN ("+strings.TrimSuffix(strings.Repeat("?, ", len(q.Type)), ", ")+")")
		for _, typ := range q.Type {
			args = append(args, typ)
		}
	}
	for _, m := range []struct {
		key string
		max int64
	}{{"size", q.MaxSize}, {"width", q.MaxWidth}, {"height", q.MaxHeight}} {
		if m.max > 0 {
			where = append(where, "json_extract(href.meta, '$."+m.key+"') <= ?")
			args = append(args, m.max)
		}
	}
	switch {
	case q.URL != "":
		stored, _, err := t.Normalize(tenant, q.URL)
		if err != nil {
			return nil, err
		}
		where = append(where, "href.url = ?")
		args = append(args, stored)
	case strings.TrimSpace(q.Text) != "":
		from = "href JOIN href_fts ON href_fts.tenant = href.tenant AND href_fts.id = href.id"
		where = append(where, "href.visible = 1", "href_fts MATCH ?")
		args = append(args, prefixQuery(q.Text))
		order = "bm25(href_fts), href.updated_at DESC"
	default:
		where = append(where, "href.visible = 1")
	}
	query := "SELECT " + hrefColumns + " FROM " + from + " WHERE " + strings.Join(where, " AND ") +
		" ORDER BY " + order + " LIMIT ? OFFSET ?"
	args = append(args, int64(limit), int64(max(q.Offset, 0)))

	var out []*models.Href
	err := t.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.ExecuteTransient(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				h, err := scanHref(stmt)
				if err != nil {
					return err
				}
				out = append(out, h)
				return nil
			},
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// URLsAt returns the distinct non-empty strings found at paths in data. A
// path may hold a string or an array of strings.
func URLsAt(data map[string]any, paths []string) []string {
	var out []string
	add := func(v any) {
		if s, ok := v.(string); ok && s != "" && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	for _, p := range paths {
		v, ok := pathpatch.Lookup(data, strings.Split(p, "."))
		if !ok {
			continue
		}
		if arr, ok := v.([]any); ok {
			for _, e := range arr {
				add(e)
			}
			continue
		}
		add(v)
	}
	slices.Sort(out)
	return out
}

// prefixQuery turns free text into an FTS5 query matching every word as a prefix.
func prefixQuery(text string) string {
	words := strings.Fields(text)
	for i, w := range words {
		words[i] = `"` + strings.ReplaceAll(w, `"`, `""`) + `"*`
	}
	return strings.Join(words, " ")
}

func upsert(conn *sqlite.Conn, tenant, parentID, stored string, info *Info, now time.Time) (*models.Href, error) {
	cur, err := getHref(conn, tenant, stored)
	if err != nil && !models.IsCode(err, models.ErrorCodeNotFound) {
		return nil, err
	}
	h := cur
	if h == nil {
		h = &models.Href{ID: ksid.NewID().String(), Tenant: tenant, URL: stored, Type: models.HrefTypeLink, ParentID: parentID}
	} else if h.ParentID == "" {
		h.ParentID = parentID
	}
	if info != nil {
		applyInfo(h, info)
	}
	h.Visible = true
	h.UpdatedAt = now.UTC().Truncate(time.Microsecond)
	if h.Pathname == "" {
		if u, err := url.Parse(stored); err == nil {
			h.Pathname = u.Path
		}
	}
	meta, err := json.Marshal(h.Meta)
	if err != nil {
		return nil, err
	}
	var parent any
	if h.ParentID != "" {
		parent = h.ParentID
	}
	args := []any{
		h.ID, tenant, parent, h.URL, h.Canonical, h.Type, h.Mime, h.Title, h.Icon, h.Site,
		h.Pathname, h.Lang, h.Preview, int64(1), string(meta), h.UpdatedAt.UnixMicro(),
	}
	if cur == nil {
		err = sqlitex.Execute(conn, `INSERT INTO href (id, tenant, parent_id, url, canonical, type, mime, title, icon, site,
			pathname, lang, preview, visible, meta, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: args})
	} else {
		err = sqlitex.Execute(conn, `UPDATE href SET parent_id = ?3, canonical = ?5, type = ?6, mime = ?7, title = ?8,
			icon = ?9, site = ?10, pathname = ?11, lang = ?12, preview = ?13, visible = ?14, meta = ?15, updated_at = ?16
			WHERE id = ?1 AND tenant = ?2`, &sqlitex.ExecOptions{Args: args})
	}
	if err != nil {
		return nil, fmt.Errorf("store href: %w", err)
	}
	if err := indexHref(conn, h); err != nil {
		return nil, err
	}
	return h, nil
}

func applyInfo(h *models.Href, info *Info) {
	if info.Canonical != "" {
		h.Canonical = info.Canonical
	}
	if info.Type != "" {
		h.Type = info.Type
	}
	h.Mime = info.Mime
	h.Title = info.Title
	h.Icon = info.Icon
	h.Site = info.Site
	h.Lang = info.Lang
	h.Preview = info.Thumbnail
	h.Meta = models.HrefMeta{Size: info.Size, Width: info.Width, Height: info.Height, Duration: info.Duration}
}

func indexHref(conn *sqlite.Conn, h *models.Href) error {
	err := sqlitex.Execute(conn, "DELETE FROM href_fts WHERE tenant = ? AND id = ?", &sqlitex.ExecOptions{
		Args: []any{h.Tenant, h.ID},
	})
	if err != nil {
		return fmt.Errorf("index href: %w", err)
	}
	body := strings.Join([]string{h.Title, h.URL, h.Site}, " ")
	err = sqlitex.Execute(conn, "INSERT INTO href_fts (tenant, id, body) VALUES (?, ?, ?)", &sqlitex.ExecOptions{
		Args: []any{h.Tenant, h.ID, body},
	})
	if err != nil {
		return fmt.Errorf("index href: %w", err)
	}
	return nil
}

func getHref(conn *sqlite.Conn, tenant, stored string) (*models.Href, error) {
	var h *models.Href
	err := sqlitex.Execute(conn, "SELECT "+hrefColumns+" FROM href WHERE href.tenant = ? AND href.url = ?", &sqlitex.ExecOptions{
		Args: []any{tenant, stored},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			var err error
			h, err = scanHref(stmt)
			return err
		},
	})
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, models.NotFound("href")
	}
	return h, nil
}

func scanHref(stmt *sqlite.Stmt) (*models.Href, error) {
	h := &models.Href{
		ID:        stmt.ColumnText(0),
		Tenant:    stmt.ColumnText(1),
		ParentID:  stmt.ColumnText(2),
		URL:       stmt.ColumnText(3),
		Canonical: stmt.ColumnText(4),
		Type:      stmt.ColumnText(5),
		Mime:      stmt.ColumnText(6),
		Title:     stmt.ColumnText(7),
		Icon:      stmt.ColumnText(8),
		Site:      stmt.ColumnText(9),
		Pathname:  stmt.ColumnText(10),
		Lang:      stmt.ColumnText(11),
		Preview:   stmt.ColumnText(12),
		Visible:   stmt.ColumnInt64(13) != 0,
		UpdatedAt: time.UnixMicro(stmt.ColumnInt64(15)).UTC(),
	}
	if meta := stmt.ColumnText(14); meta != "" {
		if err := json.Unmarshal([]byte(meta), &h.Meta); err != nil {
			return nil, fmt.Errorf("href %s meta: %w", h.ID, err)
		}
	}
	return h, nil
}
