package elements

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/maruel/blockdb/internal/schema"
)

const imageYAML = `
name: image
title: Image
properties:
  url:
    type: string
    input:
      name: href
  width:
    type: integer
    minimum: 0
required: [url]
`

const listJSON = `[
  {"name": "paragraph", "contents": {"text": "inline*"}},
  {"name": "image", "properties": {"other": {"type": "string"}}}
]`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestDecode(t *testing.T) {
	defs, skipped, err := Decode(strings.NewReader(imageYAML))
	if err != nil || len(skipped) != 0 {
		t.Fatalf("Decode: %v, skipped %v", err, skipped)
	}
	if len(defs) != 1 || defs[0].Name != "image" || defs[0].Title != "Image" {
		t.Fatalf("Decode() = %+v", defs)
	}
	width := defs[0].Properties["width"].(map[string]any)
	if width["minimum"] != 0.0 {
		t.Errorf("minimum = %#v, want a JSON number", width["minimum"])
	}
	if !slices.Equal(defs[0].Required, []string{"url"}) {
		t.Errorf("Required = %v", defs[0].Required)
	}

	defs, _, err = Decode(strings.NewReader(listJSON))
	if err != nil {
		t.Fatalf("Decode(list): %v", err)
	}
	if len(defs) != 2 || defs[1].Name != "image" {
		t.Errorf("Decode(list) = %+v", defs)
	}

	for _, bad := range []string{"42", "name: [oops"} {
		if _, _, err := Decode(strings.NewReader(bad)); err == nil {
			t.Errorf("Decode(%q) succeeded", bad)
		}
	}
	if defs, _, err := Decode(strings.NewReader("")); err != nil || len(defs) != 0 {
		t.Errorf("Decode(empty) = %v, %v", defs, err)
	}

	tests := []struct {
		name    string
		in      string
		defs    []string
		skipped int
	}{
		{"scalars", "- 1\n- 2", nil, 2},
		{"unknown key", "name: x\nunknown: 1", []string{"x"}, 1},
		{"mixed list", "- name: a\n- 3\n- name: [1, 2]\n- name: b", []string{"a", "b"}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defs, skipped, err := Decode(strings.NewReader(tt.in))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			var names []string
			for _, d := range defs {
				names = append(names, d.Name)
			}
			if !slices.Equal(names, tt.defs) {
				t.Errorf("names = %v, want %v", names, tt.defs)
			}
			if len(skipped) != tt.skipped {
				t.Errorf("skipped = %v, want %d", skipped, tt.skipped)
			}
		})
	}
}

func TestDirSource(t *testing.T) {
	first := t.TempDir()
	second := t.TempDir()
	writeFile(t, filepath.Join(first, "b.json"), listJSON)
	writeFile(t, filepath.Join(first, "a.yaml"), imageYAML)
	writeFile(t, filepath.Join(first, "notes.txt"), "ignored")
	writeFile(t, filepath.Join(second, "page.yml"), "name: page\nstandalone: true\n")
	src := &DirSource{Dirs: map[string][]string{"acme": {first, second}, "empty": nil}}

	defs, diags, err := src.Elements(t.Context(), "acme")
	if err != nil || len(diags) != 0 {
		t.Fatalf("Elements: %v, %+v", err, diags)
	}
	var names []string
	for _, d := range defs {
		names = append(names, d.Name)
	}
	if want := []string{"image", "paragraph", "image", "page"}; !slices.Equal(names, want) {
		t.Errorf("names = %v, want %v", names, want)
	}
	if defs[0].Source != filepath.Join(first, "a.yaml") {
		t.Errorf("Source = %q", defs[0].Source)
	}
	if got := src.Tenants(); !slices.Equal(got, []string{"acme"}) {
		t.Errorf("Tenants() = %v", got)
	}

	reg := schema.NewRegistry(nil)
	c, err := Install(t.Context(), reg, src, "acme")
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	cs, ok := c.Case("image")
	if !ok || !slices.Equal(cs.HrefPaths, []string{"url"}) {
		t.Errorf("image case = %+v", cs)
	}
	if len(c.Diagnostics) != 1 {
		t.Errorf("Diagnostics = %+v, want the duplicate image", c.Diagnostics)
	}

	bad := &DirSource{Dirs: map[string][]string{"acme": {filepath.Join(first, "missing")}}}
	if _, _, err := bad.Elements(t.Context(), "acme"); err == nil {
		t.Error("Elements(missing dir) succeeded")
	}
}

func TestInstallSkipsBrokenFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.yaml"), imageYAML)
	writeFile(t, filepath.Join(dir, "b.yaml"), "name: [oops")
	writeFile(t, filepath.Join(dir, "c.yaml"), "extra: 1")
	writeFile(t, filepath.Join(dir, "d.json"), `[{"name": "page", "color": "red"}, 7]`)
	src := &DirSource{Dirs: map[string][]string{"acme": {dir}}}
	reg := schema.NewRegistry(nil)

	c, err := Install(t.Context(), reg, src, "acme")
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if got := c.Types(); !slices.Equal(got, []string{"image", "page"}) {
		t.Errorf("Types() = %v, want the valid definitions kept", got)
	}
	if installed, ok := reg.Get("acme"); !ok || installed != c {
		t.Error("schema not installed")
	}
	sources := map[string]int{}
	for _, d := range c.Diagnostics {
		if d.Tenant != "acme" {
			t.Errorf("Diagnostic.Tenant = %q", d.Tenant)
		}
		sources[filepath.Base(d.Source)]++
	}
	// b: parse error. c: unknown key, then missing name. d: unknown key, then not a definition.
	want := map[string]int{"b.yaml": 1, "c.yaml": 2, "d.json": 2}
	for name, n := range want {
		if sources[name] != n {
			t.Errorf("diagnostics for %s = %d, want %d (%+v)", name, sources[name], n, c.Diagnostics)
		}
	}
	if sources["a.yaml"] != 0 {
		t.Errorf("valid file reported: %+v", c.Diagnostics)
	}
}

func TestWatcher(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "page.yaml"), "name: page\n")
	src := &DirSource{Dirs: map[string][]string{"acme": {dir}}}
	reg := schema.NewRegistry(nil)
	if _, err := Install(t.Context(), reg, src, "acme"); err != nil {
		t.Fatal(err)
	}
	installed := make(chan *schema.Compiled, 4)
	w := NewWatcher(src, reg, 10*time.Millisecond)
	w.OnInstall = func(tenant string, c *schema.Compiled) {
		installed <- c
	}
	if err := w.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Rename so the watcher never sees a partial file.
	tmp := filepath.Join(dir, "image.tmp")
	writeFile(t, tmp, imageYAML)
	if err := os.Rename(tmp, filepath.Join(dir, "image.yaml")); err != nil {
		t.Fatal(err)
	}
	select {
	case c := <-installed:
		if got := c.Types(); !slices.Equal(got, []string{"image", "page"}) {
			t.Errorf("Types() = %v", got)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("schema was not reinstalled")
	}
	if c, _ := reg.Get("acme"); c == nil || len(c.Types()) != 2 {
		t.Errorf("registry not updated: %v", c)
	}

	// A broken file is reported but the valid definitions stay installed.
	tmp = filepath.Join(dir, "broken.tmp")
	writeFile(t, tmp, "name: [oops")
	if err := os.Rename(tmp, filepath.Join(dir, "broken.yaml")); err != nil {
		t.Fatal(err)
	}
	deadline := time.After(10 * time.Second)
	for {
		select {
		case c := <-installed:
			if len(c.Diagnostics) == 0 {
				// A late reinstall from the previous change.
				continue
			}
			if got := c.Types(); !slices.Equal(got, []string{"image", "page"}) {
				t.Errorf("Types() = %v", got)
			}
			if len(c.Diagnostics) != 1 || filepath.Base(c.Diagnostics[0].Source) != "broken.yaml" {
				t.Errorf("Diagnostics = %+v", c.Diagnostics)
			}
			return
		case <-deadline:
			t.Fatal("schema was not reinstalled")
		}
	}
}
