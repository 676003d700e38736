package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"reflect"
	"slices"
	"strings"
	"testing"

	"github.com/maruel/blockdb/internal/models"
)

func TestExportImport(t *testing.T) {
	src, srcHrefs, _ := newTestStore(t)
	ctx := t.Context()
	site := mustAdd(t, src, AddRequest{Type: "site", ID: "root", Data: map[string]any{"title": "Acme"}})
	home := mustAdd(t, src, AddRequest{Type: "page", ID: "home", Parent: site.ID, Data: map[string]any{"title": "Home", "date": "2024-05-03"}})
	shared := mustAdd(t, src, AddRequest{Type: "page", ID: "shared", Parent: site.ID, Data: map[string]any{"title": "Shared"}})
	if err := src.Relate(ctx, home.ID, shared.ID); err != nil {
		t.Fatal(err)
	}
	mustAdd(t, src, AddRequest{Type: "paragraph", ID: "p1", Parent: home.ID, Content: map[string]string{"text": "<p>Hello world</p>"}})
	mustAdd(t, src, AddRequest{Type: "image", ID: "i1", Parent: home.ID, Data: map[string]any{"url": "/uploads/a.png"}})
	mustAdd(t, src, AddRequest{Type: "image", ID: "i2", Parent: home.ID, Data: map[string]any{"url": "https://img.org/b.png"}})
	if _, err := srcHrefs.Del(ctx, "acme", "https://img.org/b.png"); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	counts, err := src.Export(ctx, &buf)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if want := (Counts{Blocks: 6, Relations: 6, Hrefs: 2}); counts != want {
		t.Errorf("Export() = %+v, want %+v", counts, want)
	}
	var d Dump
	if err := json.Unmarshal(buf.Bytes(), &d); err != nil {
		t.Fatalf("dump is not JSON: %v\n%s", err, buf.String())
	}
	dump := buf.String()

	dst, dstHrefs, insp := newTestStore(t)
	got, err := dst.Import(ctx, strings.NewReader(dump))
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if got != counts {
		t.Errorf("Import() = %+v, want %+v", got, counts)
	}
	for _, id := range []string{"root", "home", "shared", "p1", "i1", "i2"} {
		want, err := src.Get(ctx, id, "")
		if err != nil {
			t.Fatal(err)
		}
		b, err := dst.Get(ctx, id, "")
		if err != nil {
			t.Errorf("Get(%s): %v", id, err)
			continue
		}
		if !reflect.DeepEqual(b, want) {
			t.Errorf("Get(%s) = %+v, want %+v", id, b, want)
		}
	}
	res, err := dst.Query(ctx, Query{Parent: home.ID, Order: []string{"id"}})
	if err != nil {
		t.Fatal(err)
	}
	if got := ids(res.Items); !slices.Equal(got, []string{"i1", "i2", "p1", "shared"}) {
		t.Errorf("children of home = %v", got)
	}
	res, err = dst.Query(ctx, Query{Text: "hello world"})
	if err != nil {
		t.Fatal(err)
	}
	if got := ids(res.Items); !slices.Equal(got, []string{"p1"}) {
		t.Errorf("text search = %v, want the imported paragraph indexed", got)
	}
	for _, u := range []string{"/uploads/a.png", "https://img.org/b.png"} {
		want, err := srcHrefs.Get(ctx, "acme", u)
		if err != nil {
			t.Fatal(err)
		}
		h, err := dstHrefs.Get(ctx, "acme", u)
		if err != nil {
			t.Errorf("href %s: %v", u, err)
			continue
		}
		if !reflect.DeepEqual(h, want) {
			t.Errorf("href %s = %+v, want %+v", u, h, want)
		}
	}
	if insp.calls != 0 {
		t.Errorf("inspector calls = %d, want hrefs restored from the dump", insp.calls)
	}

	// Importing twice conflicts and leaves the tenant untouched.
	if _, err := dst.Import(ctx, strings.NewReader(dump)); !errors.Is(err, models.ErrConflict) {
		t.Errorf("Import(again) error = %v, want conflict", err)
	}
}

func TestImportErrors(t *testing.T) {
	tests := []struct {
		name string
		dump string
		want error
	}{
		{"not json", `{"blocks": [`, models.ErrBadRequest},
		{"unknown type", `{"blocks": [{"id": "a", "type": "nope"}]}`, models.ErrValidation},
		{"invalid data", `{"blocks": [{"id": "a", "type": "page", "data": {}}]}`, models.ErrValidation},
		{"bad id", `{"blocks": [{"id": "a b", "type": "paragraph"}]}`, models.ErrValidation},
		{"dangling relation", `{"blocks": [{"id": "a", "type": "paragraph"}], "relations": [{"parent": "ghost", "child": "a"}]}`, models.ErrNotFound},
		{"second parent", `{"blocks": [{"id": "a", "type": "paragraph"}, {"id": "b", "type": "paragraph"}, {"id": "c", "type": "paragraph"}],
			"relations": [{"parent": "a", "child": "c"}, {"parent": "b", "child": "c"}]}`, models.ErrBadRequest},
		{"href without url", `{"blocks": [{"id": "a", "type": "paragraph"}], "hrefs": [{"id": "h1"}]}`, models.ErrBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, _ := newTestStore(t)
			if _, err := s.Import(t.Context(), strings.NewReader(tt.dump)); !errors.Is(err, tt.want) {
				t.Fatalf("Import() error = %v, want %v", err, tt.want)
			}
			if _, err := s.Get(t.Context(), "a", ""); !errors.Is(err, models.ErrNotFound) {
				t.Errorf("partial import is visible: %v", err)
			}
		})
	}
}
