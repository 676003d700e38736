// Package elements loads element definitions from disk and keeps tenant
// schemas in sync with them.
package elements

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/maruel/blockdb/internal/schema"
	"gopkg.in/yaml.v3"
)

var errNotDefinition = errors.New("expected an element definition or a list of them")

// knownFields are the keys of an element definition.
var knownFields = []string{"name", "title", "properties", "required", "contents", "standalone"}

// Source returns the element definitions of a tenant, in registration order,
// along with diagnostics for the definitions it had to skip.
type Source interface {
	Elements(ctx context.Context, tenant string) ([]schema.ElementDef, []schema.Diagnostic, error)
}

// DirSource reads definitions from directories. Each directory holds
// .yaml, .yml or .json files, read in name order; a file holds one definition
// or a list of them.
type DirSource struct {
	// Dirs lists the directories of each tenant. Earlier directories win on
	// duplicate type names.
	Dirs map[string][]string
}

// Elements implements Source. A file that cannot be read or parsed, or an
// item that is not a definition, is skipped and reported. Only a missing
// directory is an error.
func (d *DirSource) Elements(ctx context.Context, tenant string) ([]schema.ElementDef, []schema.Diagnostic, error) {
	var out []schema.ElementDef
	var diags []schema.Diagnostic
	for _, dir := range d.Dirs[tenant] {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		files, err := definitionFiles(dir)
		if err != nil {
			return nil, nil, err
		}
		for _, f := range files {
			defs, fileDiags := LoadFile(f)
			for _, diag := range fileDiags {
				diag.Tenant = tenant
				slog.WarnContext(ctx, "Skipped element definition", "tenant", tenant, "type", diag.Type, "source", diag.Source, "err", diag.Message)
				diags = append(diags, diag)
			}
			out = append(out, defs...)
		}
	}
	return out, diags, nil
}

// Tenants returns the tenants with at least one directory.
func (d *DirSource) Tenants() []string {
	var out []string
	for t, dirs := range d.Dirs {
		if len(dirs) > 0 {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return out
}

func definitionFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read elements: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !isDefinitionFile(e.Name()) {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	return out, nil
}

func isDefinitionFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// LoadFile reads the definitions of one file. What could not be loaded is
// returned as diagnostics, without a tenant.
func LoadFile(path string) ([]schema.ElementDef, []schema.Diagnostic) {
	f, err := os.Open(path)
	if err != nil {
		return nil, []schema.Diagnostic{{Source: path, Message: err.Error()}}
	}
	defer f.Close()
	defs, skipped, err := Decode(f)
	if err != nil {
		return nil, []schema.Diagnostic{{Source: path, Message: err.Error()}}
	}
	var diags []schema.Diagnostic
	for _, s := range skipped {
		diags = append(diags, schema.Diagnostic{Type: s.Name, Source: path, Message: s.Error()})
	}
	for i := range defs {
		defs[i].Source = path
	}
	return defs, diags
}

// ItemError describes an item of a definition file that was skipped or only
// partially understood.
type ItemError struct {
	Index int
	Name  string
	Err   error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("item %d: %v", e.Index, e.Err)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}

// Decode parses YAML or JSON holding one definition or a list of them.
// Properties keep the JSON types the schema compiler expects.
//
// err is set when the document as a whole cannot be parsed. Items that are not
// definitions are dropped and unknown keys ignored; both are reported in
// skipped.
func Decode(r io.Reader) (defs []schema.ElementDef, skipped []*ItemError, err error) {
	var raw any
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	var list []any
	switch v := raw.(type) {
	case map[string]any:
		list = []any{v}
	case []any:
		list = v
	case nil:
		return nil, nil, nil
	default:
		return nil, nil, errNotDefinition
	}
	defs = make([]schema.ElementDef, 0, len(list))
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			skipped = append(skipped, &ItemError{Index: i, Err: errNotDefinition})
			continue
		}
		name, _ := m["name"].(string)
		b, err := json.Marshal(m)
		if err != nil {
			skipped = append(skipped, &ItemError{Index: i, Name: name, Err: err})
			continue
		}
		var def schema.ElementDef
		if err := json.Unmarshal(b, &def); err != nil {
			skipped = append(skipped, &ItemError{Index: i, Name: name, Err: err})
			continue
		}
		for _, k := range slices.Sorted(maps.Keys(m)) {
			if !slices.Contains(knownFields, k) {
				skipped = append(skipped, &ItemError{Index: i, Name: name, Err: fmt.Errorf("unknown field %q ignored", k)})
			}
		}
		defs = append(defs, def)
	}
	return defs, skipped, nil
}

// Install loads the tenant's definitions from src and installs them.
func Install(ctx context.Context, reg *schema.Registry, src Source, tenant string) (*schema.Compiled, error) {
	defs, diags, err := src.Elements(ctx, tenant)
	if err != nil {
		return nil, err
	}
	return reg.Install(tenant, defs, diags...), nil
}
