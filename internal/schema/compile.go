// Package schema compiles per-tenant element definitions into the set of
// validators used for blocks, one case per block type.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"slices"
	"sort"
	"strings"

	"github.com/maruel/blockdb/internal/models"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	typeNameRe = regexp.MustCompile(`^[\w-]+$`)

	errNameMissing      = errors.New("element name is missing")
	errNameInvalid      = errors.New("element name must match ^[\\w-]+$")
	errPropertyNotObj   = errors.New("property definition must be an object")
	errDuplicateElement = errors.New("element already registered")
)

// ElementDef declares one block type.
type ElementDef struct {
	Name       string         `json:"name" yaml:"name"`
	Title      string         `json:"title,omitempty" yaml:"title,omitempty"`
	Properties map[string]any `json:"properties,omitempty" yaml:"properties,omitempty"`
	Required   []string       `json:"required,omitempty" yaml:"required,omitempty"`
	// Contents lists the named content slots. Values are free-form descriptions.
	Contents   map[string]any `json:"contents,omitempty" yaml:"contents,omitempty"`
	Standalone bool           `json:"standalone,omitempty" yaml:"standalone,omitempty"`
	// Source is where the definition was loaded from, for diagnostics.
	Source string `json:"-" yaml:"-"`
}

// Diagnostic reports an element definition that was ignored.
type Diagnostic struct {
	Tenant  string `json:"tenant"`
	Type    string `json:"type"`
	Source  string `json:"source,omitempty"`
	Message string `json:"message"`
}

// Case is the compiled schema of one block type.
type Case struct {
	Type         string         `json:"type"`
	Standalone   bool           `json:"standalone"`
	Required     []string       `json:"required,omitempty"`
	HrefPaths    []string       `json:"hrefPaths,omitempty"`
	ContentSlots []string       `json:"contentSlots,omitempty"`
	DataSchema   map[string]any `json:"dataSchema"`
	// Schema is the full JSON Schema document a block of this type validates against.
	Schema map[string]any `json:"schema"`

	validator *jsonschema.Schema
}

// Validate checks b against the case. b.Data must be a normalized document.
func (c *Case) Validate(b *models.Block) error {
	if b.Type != c.Type {
		return models.Validation(fmt.Sprintf("block type %q does not match %q", b.Type, c.Type))
	}
	raw, err := json.Marshal(instanceOf(b))
	if err != nil {
		return models.BadRequest("block is not serializable").Wrap(err)
	}
	var inst any
	if err := json.Unmarshal(raw, &inst); err != nil {
		return models.BadRequest("block is not serializable").Wrap(err)
	}
	if err := c.validator.Validate(inst); err != nil {
		var ve *jsonschema.ValidationError
		if !errors.As(err, &ve) {
			return models.InternalWithError("schema validation failed", err)
		}
		return models.Validation(fmt.Sprintf("invalid %s block", c.Type)).
			WithDetail("errors", validationMessages(ve)).
			Wrap(err)
	}
	return nil
}

// ApplyDefaults fills missing top-level data properties with their declared
// default and forces standalone for standalone elements.
func (c *Case) ApplyDefaults(b *models.Block) {
	if b.Data == nil {
		b.Data = map[string]any{}
	}
	props, _ := c.DataSchema["properties"].(map[string]any)
	for _, k := range sortedKeys(props) {
		p, ok := props[k].(map[string]any)
		if !ok {
			continue
		}
		def, ok := p["default"]
		if !ok {
			continue
		}
		if _, present := b.Data[k]; present {
			continue
		}
		if m, ok := def.(map[string]any); ok {
			b.Data[k] = models.CloneDocument(m)
		} else if a, ok := def.([]any); ok {
			b.Data[k] = slices.Clone(a)
		} else {
			b.Data[k] = def
		}
	}
	if b.Content == nil {
		b.Content = map[string]string{}
	}
	if c.Standalone {
		b.Standalone = true
	}
}

// Format returns the declared string format of the data property at path, or
// "" when the path is not declared or has no format. anyOf/oneOf alternatives
// are inspected too, so a nullable date still reports "date".
func (c *Case) Format(path []string) string {
	node := c.DataSchema
	for _, seg := range path {
		props, _ := node["properties"].(map[string]any)
		next, ok := props[seg].(map[string]any)
		if !ok {
			return ""
		}
		node = next
	}
	return formatOf(node)
}

func formatOf(node map[string]any) string {
	if f, ok := node["format"].(string); ok {
		return f
	}
	for _, key := range []string{"anyOf", "oneOf"} {
		alts, _ := node[key].([]any)
		for _, a := range alts {
			if m, ok := a.(map[string]any); ok {
				if f, ok := m["format"].(string); ok {
					return f
				}
			}
		}
	}
	return ""
}

// Compiled is the immutable result of compiling a tenant's element definitions.
type Compiled struct {
	Tenant      string
	Diagnostics []Diagnostic

	cases map[string]*Case
	order []string
}

// Case returns the case for a block type.
func (c *Compiled) Case(typ string) (*Case, bool) {
	if c == nil {
		return nil, false
	}
	cs, ok := c.cases[typ]
	return cs, ok
}

// Types returns the compiled type names in registration order.
func (c *Compiled) Types() []string {
	if c == nil {
		return nil
	}
	return slices.Clone(c.order)
}

// HrefPaths returns the tracked href paths per type, omitting types without any.
func (c *Compiled) HrefPaths() map[string][]string {
	out := map[string][]string{}
	if c == nil {
		return out
	}
	for k, v := range c.cases {
		if len(v.HrefPaths) > 0 {
			out[k] = slices.Clone(v.HrefPaths)
		}
	}
	return out
}

// Compile merges defs into one validator per type.
//
// The first definition of a type name claims it, even when that definition
// is malformed. Duplicates and malformed definitions are skipped and reported
// in Diagnostics; Compile never fails.
func Compile(tenant string, defs []ElementDef) *Compiled {
	out := &Compiled{Tenant: tenant, cases: map[string]*Case{}}
	seen := map[string]bool{}
	for i := range defs {
		def := &defs[i]
		if seen[def.Name] {
			out.diagnose(def, errDuplicateElement)
			continue
		}
		if def.Name != "" {
			seen[def.Name] = true
		}
		cs, err := compileCase(tenant, def)
		if err != nil {
			out.diagnose(def, err)
			continue
		}
		out.cases[def.Name] = cs
		out.order = append(out.order, def.Name)
	}
	return out
}

func (c *Compiled) diagnose(def *ElementDef, err error) {
	d := Diagnostic{Tenant: c.Tenant, Type: def.Name, Source: def.Source, Message: err.Error()}
	c.Diagnostics = append(c.Diagnostics, d)
	slog.Warn("Skipped element definition", "tenant", d.Tenant, "type", d.Type, "source", d.Source, "err", err)
}

func compileCase(tenant string, def *ElementDef) (*Case, error) {
	if def.Name == "" {
		return nil, errNameMissing
	}
	if !typeNameRe.MatchString(def.Name) {
		return nil, errNameInvalid
	}
	props, err := models.NormalizeDocument(def.Properties)
	if err != nil {
		return nil, fmt.Errorf("properties: %w", err)
	}
	for _, k := range sortedKeys(props) {
		if _, ok := props[k].(map[string]any); !ok {
			return nil, fmt.Errorf("%s: %w", k, errPropertyNotObj)
		}
	}
	slots := sortedKeys(def.Contents)
	slotProps := make(map[string]any, len(slots))
	for _, s := range slots {
		slotProps[s] = map[string]any{"type": "string"}
	}

	data := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(def.Required) > 0 {
		data["required"] = toAnySlice(def.Required)
	}
	doc := baseSchema()
	blockProps := doc["properties"].(map[string]any)
	blockProps["type"] = map[string]any{"type": "string", "const": def.Name}
	blockProps["data"] = data
	blockProps["content"] = map[string]any{
		"type":                 "object",
		"properties":           slotProps,
		"additionalProperties": false,
	}
	if def.Standalone {
		blockProps["standalone"] = map[string]any{"type": "boolean", "const": true, "default": true}
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	u := "mem:///" + url.PathEscape(tenant) + "/" + def.Name + ".json"
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(u, strings.NewReader(string(raw))); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	v, err := c.Compile(u)
	if err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	var paths []string
	findHrefs(props, "", &paths)
	sort.Strings(paths)
	return &Case{
		Type:         def.Name,
		Standalone:   def.Standalone,
		Required:     slices.Clone(def.Required),
		HrefPaths:    paths,
		ContentSlots: slots,
		DataSchema:   data,
		Schema:       doc,
		validator:    v,
	}, nil
}

// findHrefs records the dotted path of every property whose input is an href.
// Such a property is a leaf; its own sub-properties are not walked.
func findHrefs(props map[string]any, root string, out *[]string) {
	for _, k := range sortedKeys(props) {
		prop, ok := props[k].(map[string]any)
		if !ok {
			continue
		}
		key := k
		if root != "" {
			key = root + "." + k
		}
		if input, ok := prop["input"].(map[string]any); ok && input["name"] == "href" {
			*out = append(*out, key)
			continue
		}
		if sub, ok := prop["properties"].(map[string]any); ok {
			findHrefs(sub, key, out)
		}
	}
}

// instanceOf returns the validated view of a block; updatedAt is store owned.
func instanceOf(b *models.Block) any {
	return struct {
		ID         string            `json:"id,omitempty"`
		Type       string            `json:"type"`
		Data       map[string]any    `json:"data"`
		Content    map[string]string `json:"content"`
		Standalone bool              `json:"standalone"`
		Locks      []string          `json:"locks,omitempty"`
		Keys       []string          `json:"keys,omitempty"`
	}{b.ID, b.Type, nonNil(b.Data), nonNil(b.Content), b.Standalone, b.Locks, b.Keys}
}

func nonNil[V any](m map[string]V) map[string]V {
	if m == nil {
		return map[string]V{}
	}
	return m
}

func validationMessages(ve *jsonschema.ValidationError) []string {
	var out []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			out = append(out, loc+": "+e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func toAnySlice(s []string) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}
