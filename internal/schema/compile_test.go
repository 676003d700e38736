package schema

import (
	"errors"
	"slices"
	"testing"

	"github.com/maruel/blockdb/internal/models"
)

func testDefs() []ElementDef {
	return []ElementDef{
		{
			Name: "page",
			Properties: map[string]any{
				"title": map[string]any{"type": []any{"string", "null"}},
				"url":   map[string]any{"type": "string"},
				"lang":  map[string]any{"type": "string", "default": "en"},
			},
			Required:   []string{"url"},
			Contents:   map[string]any{"body": map[string]any{"spec": "block+"}},
			Standalone: true,
		},
		{
			Name: "image",
			Properties: map[string]any{
				"url": map[string]any{
					"type":  "string",
					"input": map[string]any{"name": "href", "filter": map[string]any{"type": []any{"image"}}},
				},
				"alt": map[string]any{"type": "string"},
				"link": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"href":   map[string]any{"type": "string", "input": map[string]any{"name": "href"}},
						"target": map[string]any{"type": "string"},
					},
				},
			},
		},
		{
			Name: "event",
			Properties: map[string]any{
				"date": map[string]any{"anyOf": []any{
					map[string]any{"type": "null"},
					map[string]any{"type": "string", "format": "date"},
				}},
				"at": map[string]any{"type": "string", "format": "date-time"},
			},
		},
	}
}

func TestCompile(t *testing.T) {
	t.Run("first registration wins", func(t *testing.T) {
		defs := append(testDefs(), ElementDef{
			Name:       "page",
			Properties: map[string]any{"other": map[string]any{"type": "string"}},
		})
		c := Compile("t1", defs)
		if got := c.Types(); !slices.Equal(got, []string{"page", "image", "event"}) {
			t.Errorf("Types() = %v", got)
		}
		cs, ok := c.Case("page")
		if !ok {
			t.Fatal("page not compiled")
		}
		props := cs.DataSchema["properties"].(map[string]any)
		if _, ok := props["other"]; ok {
			t.Error("duplicate definition leaked into the compiled case")
		}
		if len(c.Diagnostics) != 1 || c.Diagnostics[0].Type != "page" {
			t.Errorf("Diagnostics = %+v", c.Diagnostics)
		}
		// Compiling the same input twice gives the same result.
		again := Compile("t1", defs)
		if !slices.Equal(again.Types(), c.Types()) {
			t.Errorf("Types() = %v, want %v", again.Types(), c.Types())
		}
	})

	t.Run("malformed definitions are skipped", func(t *testing.T) {
		defs := []ElementDef{
			{Name: ""},
			{Name: "bad name"},
			{Name: "scalar", Properties: map[string]any{"x": "string"}},
			{Name: "broken", Properties: map[string]any{"x": map[string]any{"type": 12}}},
			{Name: "ok"},
		}
		c := Compile("t1", defs)
		if got := c.Types(); !slices.Equal(got, []string{"ok"}) {
			t.Errorf("Types() = %v, want [ok]", got)
		}
		if len(c.Diagnostics) != 4 {
			t.Errorf("len(Diagnostics) = %d, want 4: %+v", len(c.Diagnostics), c.Diagnostics)
		}
	})

	t.Run("malformed first definition claims the name", func(t *testing.T) {
		defs := []ElementDef{
			{Name: "card", Properties: map[string]any{"x": "string"}},
			{Name: "card", Properties: map[string]any{"y": map[string]any{"type": "string"}}},
			{Name: ""},
			{Name: ""},
		}
		c := Compile("t1", defs)
		if _, ok := c.Case("card"); ok {
			t.Error("a later duplicate replaced the malformed first definition")
		}
		var messages []string
		for _, d := range c.Diagnostics {
			messages = append(messages, d.Message)
		}
		want := []string{
			"x: " + errPropertyNotObj.Error(),
			errDuplicateElement.Error(),
			errNameMissing.Error(),
			errNameMissing.Error(),
		}
		if !slices.Equal(messages, want) {
			t.Errorf("Diagnostics = %q, want %q", messages, want)
		}
	})

	t.Run("href paths", func(t *testing.T) {
		c := Compile("t1", testDefs())
		cs, _ := c.Case("image")
		if want := []string{"link.href", "url"}; !slices.Equal(cs.HrefPaths, want) {
			t.Errorf("HrefPaths = %v, want %v", cs.HrefPaths, want)
		}
		all := c.HrefPaths()
		if len(all) != 1 {
			t.Errorf("HrefPaths() = %v, want only image", all)
		}
	})
}

func TestCaseValidate(t *testing.T) {
	c := Compile("t1", testDefs())
	page, _ := c.Case("page")
	image, _ := c.Case("image")

	tests := []struct {
		name  string
		cs    *Case
		block models.Block
		ok    bool
	}{
		{
			name:  "valid page",
			cs:    page,
			block: models.Block{Type: "page", Data: map[string]any{"url": "/a"}, Content: map[string]string{"body": "<p>x</p>"}, Standalone: true},
			ok:    true,
		},
		{
			name:  "missing required",
			cs:    page,
			block: models.Block{Type: "page", Standalone: true},
		},
		{
			name:  "unknown data property",
			cs:    page,
			block: models.Block{Type: "page", Data: map[string]any{"url": "/a", "nope": 1.0}, Standalone: true},
		},
		{
			name:  "unknown content slot",
			cs:    page,
			block: models.Block{Type: "page", Data: map[string]any{"url": "/a"}, Content: map[string]string{"aside": ""}, Standalone: true},
		},
		{
			name:  "standalone element must be standalone",
			cs:    page,
			block: models.Block{Type: "page", Data: map[string]any{"url": "/a"}},
		},
		{
			name:  "invalid id",
			cs:    image,
			block: models.Block{ID: "a b", Type: "image"},
		},
		{
			name:  "invalid lock",
			cs:    image,
			block: models.Block{Type: "image", Locks: []string{"not-a-word"}},
		},
		{
			name:  "wrong type",
			cs:    image,
			block: models.Block{Type: "page"},
		},
		{
			name:  "nested object",
			cs:    image,
			block: models.Block{Type: "image", Data: map[string]any{"link": map[string]any{"href": "/x", "target": "_blank"}}, Locks: []string{"webmaster"}},
			ok:    true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cs.Validate(&tt.block)
			if tt.ok {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if !errors.Is(err, models.ErrValidation) {
				t.Errorf("Validate() error = %v, want validation error", err)
			}
		})
	}
}

func TestCaseApplyDefaults(t *testing.T) {
	c := Compile("t1", testDefs())
	page, _ := c.Case("page")
	b := &models.Block{Type: "page", Data: map[string]any{"url": "/a"}}
	page.ApplyDefaults(b)
	if b.Data["lang"] != "en" {
		t.Errorf("lang = %v, want en", b.Data["lang"])
	}
	if !b.Standalone {
		t.Error("standalone default not applied")
	}
	if b.Content == nil {
		t.Error("content not initialized")
	}
	b = &models.Block{Type: "page", Data: map[string]any{"url": "/a", "lang": "fr"}}
	page.ApplyDefaults(b)
	if b.Data["lang"] != "fr" {
		t.Errorf("lang = %v, want fr", b.Data["lang"])
	}
}

func TestCaseFormat(t *testing.T) {
	c := Compile("t1", testDefs())
	event, _ := c.Case("event")
	tests := []struct {
		path []string
		want string
	}{
		{[]string{"date"}, "date"},
		{[]string{"at"}, "date-time"},
		{[]string{"missing"}, ""},
		{[]string{"date", "deeper"}, ""},
	}
	for _, tt := range tests {
		if got := event.Format(tt.path); got != tt.want {
			t.Errorf("Format(%v) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(nil)
	if _, ok := r.Get("a"); ok {
		t.Fatal("empty registry returned a tenant")
	}
	r.Install("b", testDefs())
	first := r.Install("a", testDefs()[:1])
	if got := r.Tenants(); !slices.Equal(got, []string{"a", "b"}) {
		t.Errorf("Tenants() = %v", got)
	}
	second := r.Install("a", testDefs())
	got, ok := r.Get("a")
	if !ok || got != second {
		t.Error("Install did not replace the tenant schema")
	}
	if len(first.Types()) != 1 {
		t.Error("previous compiled schema was mutated")
	}
	if !r.Evict("a") {
		t.Error("Evict(a) = false")
	}
	if r.Evict("a") {
		t.Error("second Evict(a) = true")
	}
	if got := r.Tenants(); !slices.Equal(got, []string{"b"}) {
		t.Errorf("Tenants() = %v", got)
	}
}
