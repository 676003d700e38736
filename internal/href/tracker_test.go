package href

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/maruel/blockdb/internal/models"
	"github.com/maruel/blockdb/internal/sqlitedb"
	"zombiezen.com/go/sqlite"
)

type fakeInspector struct {
	mu    sync.Mutex
	calls []string
	infos map[string]*Info
	err   error
}

func (f *fakeInspector) Inspect(_ context.Context, u string) (*Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, u)
	if f.err != nil {
		return nil, f.err
	}
	if info, ok := f.infos[u]; ok {
		c := *info
		return &c, nil
	}
	return &Info{URL: u, Type: models.HrefTypeLink, Mime: "text/html", Title: "Title of " + u}, nil
}

func newTestTracker(t *testing.T, insp Inspector) *Tracker {
	t.Helper()
	pool, err := sqlitedb.Open(sqlitedb.Config{Path: filepath.Join(t.TempDir(), "href.db"), PoolSize: 2})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = pool.Close() })
	return NewTracker(pool, Options{
		Inspector: insp,
		Domain: func(tenant string) string {
			return tenant + ".example.com"
		},
	})
}

func TestNormalize(t *testing.T) {
	tr := newTestTracker(t, nil)
	tests := []struct {
		raw, stored, fetch string
	}{
		{"https://other.org/a?b=1", "https://other.org/a?b=1", "https://other.org/a?b=1"},
		{"https://acme.example.com/img/a.png?x=1", "/img/a.png?x=1", "https://acme.example.com/img/a.png?x=1"},
		{"/img/a.png", "/img/a.png", "https://acme.example.com/img/a.png"},
	}
	for _, tt := range tests {
		stored, fetch, err := tr.Normalize("acme", tt.raw)
		if err != nil {
			t.Fatalf("Normalize(%q): %v", tt.raw, err)
		}
		if stored != tt.stored || fetch != tt.fetch {
			t.Errorf("Normalize(%q) = %q, %q; want %q, %q", tt.raw, stored, fetch, tt.stored, tt.fetch)
		}
	}
	if _, _, err := tr.Normalize("acme", " "); !errors.Is(err, models.ErrBadRequest) {
		t.Errorf("Normalize(blank) error = %v", err)
	}
}

func TestAddDelRevive(t *testing.T) {
	insp := &fakeInspector{}
	tr := newTestTracker(t, insp)
	ctx := t.Context()
	const u = "https://other.org/page"

	first, err := tr.Add(ctx, "acme", u)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !first.Visible || first.Title != "Title of "+u {
		t.Errorf("Add() = %+v", first)
	}

	insp.infos = map[string]*Info{u: {URL: u, Type: models.HrefTypeLink, Title: "Renamed"}}
	second, err := tr.Add(ctx, "acme", u)
	if err != nil {
		t.Fatalf("Add again: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("second Add created id %s, want %s", second.ID, first.ID)
	}
	if second.Title != "Renamed" {
		t.Errorf("Title = %q, want refreshed metadata", second.Title)
	}

	deleted, err := tr.Del(ctx, "acme", u)
	if err != nil {
		t.Fatalf("Del: %v", err)
	}
	if deleted.Visible {
		t.Error("Del left the href visible")
	}
	if _, err := tr.Del(ctx, "acme", u); err != nil {
		t.Errorf("second Del: %v", err)
	}
	if list, err := tr.Search(ctx, "acme", Query{}); err != nil || len(list) != 0 {
		t.Errorf("Search() = %v, %v; want no visible rows", list, err)
	}

	revived, err := tr.Add(ctx, "acme", u)
	if err != nil {
		t.Fatalf("Add revive: %v", err)
	}
	if revived.ID != first.ID || !revived.Visible {
		t.Errorf("revive = %+v, want visible row %s", revived, first.ID)
	}

	if _, err := tr.Del(ctx, "acme", "https://never.org/"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Del(unknown) error = %v, want not found", err)
	}
	if _, err := tr.Get(ctx, "other", u); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Get(other tenant) error = %v, want not found", err)
	}
}

func TestTrack(t *testing.T) {
	insp := &fakeInspector{}
	tr := newTestTracker(t, insp)
	ctx := t.Context()
	urls := []string{"https://other.org/a", "/local.png"}

	infos := tr.Inspect(ctx, "acme", urls)
	if len(infos) != 2 {
		t.Fatalf("Inspect() = %v", infos)
	}
	err := tr.pool.Write(ctx, func(conn *sqlite.Conn) error {
		missing, err := tr.Track(conn, "acme", "blockid", urls, infos)
		if len(missing) != 0 {
			t.Errorf("missing = %v", missing)
		}
		return err
	})
	if err != nil {
		t.Fatalf("Track: %v", err)
	}
	h, err := tr.Get(ctx, "acme", "https://acme.example.com/local.png")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if h.URL != "/local.png" || h.ParentID != "blockid" || h.Pathname != "/local.png" {
		t.Errorf("Get() = %+v", h)
	}

	// Inspector failures still record the url.
	insp.err = errors.New("down")
	infos = tr.Inspect(ctx, "acme", []string{"https://down.org/"})
	err = tr.pool.Write(ctx, func(conn *sqlite.Conn) error {
		_, err := tr.Track(conn, "acme", "blockid", []string{"https://down.org/"}, infos)
		return err
	})
	if err != nil {
		t.Fatalf("Track: %v", err)
	}
	h, err = tr.Get(ctx, "acme", "https://down.org/")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if h.Type != models.HrefTypeLink || !h.Visible || h.Title != "" {
		t.Errorf("minimal row = %+v", h)
	}

	// Enrich fills in the metadata once the inspector is back.
	insp.err = nil
	tr.Enrich(ctx, "acme", []string{"https://down.org/"})
	h, err = tr.Get(ctx, "acme", "https://down.org/")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if h.Title != "Title of https://down.org/" {
		t.Errorf("Title = %q after Enrich", h.Title)
	}
}

func TestSearch(t *testing.T) {
	size := int64(5000)
	big := int64(90000)
	insp := &fakeInspector{infos: map[string]*Info{
		"https://a.org/cat.jpg": {Type: "image", Mime: "image/jpeg", Title: "Grumpy kitten", Size: &size},
		"https://a.org/dog.jpg": {Type: "image", Mime: "image/jpeg", Title: "Happy dog", Size: &big},
		"https://a.org/doc":     {Type: "link", Mime: "text/html", Title: "Kitten care"},
	}}
	tr := newTestTracker(t, insp)
	ctx := t.Context()
	for u := range insp.infos {
		if _, err := tr.Add(ctx, "acme", u); err != nil {
			t.Fatalf("Add(%s): %v", u, err)
		}
	}
	titles := func(list []*models.Href) map[string]bool {
		out := map[string]bool{}
		for _, h := range list {
			out[h.Title] = true
		}
		return out
	}
	tests := []struct {
		name string
		q    Query
		want map[string]bool
	}{
		{"images", Query{Type: []string{"image"}}, map[string]bool{"Grumpy kitten": true, "Happy dog": true}},
		{"max size", Query{Type: []string{"image"}, MaxSize: 10000}, map[string]bool{"Grumpy kitten": true}},
		{"prefix text", Query{Text: "kitt"}, map[string]bool{"Grumpy kitten": true, "Kitten care": true}},
		{"url", Query{URL: "https://a.org/doc"}, map[string]bool{"Kitten care": true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list, err := tr.Search(ctx, "acme", tt.q)
			if err != nil {
				t.Fatal(err)
			}
			if got := titles(list); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Search() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestURLsAt(t *testing.T) {
	data := map[string]any{
		"url":  "/a.png",
		"link": map[string]any{"href": "https://x.org/"},
		"list": []any{"/b.png", "/a.png", 3.0, ""},
	}
	got := URLsAt(data, []string{"url", "link.href", "list", "missing.path"})
	want := []string{"/a.png", "/b.png", "https://x.org/"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("URLsAt() = %v, want %v", got, want)
	}
}

func TestHTTPInspector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("url") == "https://broken.org/" {
			http.Error(w, "nope", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"url":"` + r.URL.Query().Get("url") + `","type":"image","mime":"image/svg","title":"Logo","icon":"data:/,","width":32}`))
	}))
	defer srv.Close()

	insp, err := NewHTTPInspector(srv.URL+"/inspect", 100, 1)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()
	info, err := insp.Inspect(ctx, "https://a.org/logo.svg")
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if info.Mime != "image/svg+xml" || info.Icon != "" || info.Thumbnail != "https://a.org/logo.svg" {
		t.Errorf("Inspect() = %+v", info)
	}
	if info.Width == nil || *info.Width != 32 {
		t.Errorf("Width = %v, want 32", info.Width)
	}
	if _, err := insp.Inspect(ctx, "https://broken.org/"); err == nil {
		t.Error("Inspect(broken) succeeded")
	}
	if _, err := NewHTTPInspector("", 1, 1); err == nil {
		t.Error("NewHTTPInspector(\"\") succeeded")
	}
}
