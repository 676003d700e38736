// Package models defines blocks, hrefs and the errors returned by the block store.
package models

import (
	"encoding/json"
	"maps"
	"slices"
	"time"
)

// Block is a typed, schema-validated content document.
type Block struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	// Data is governed by the compiled schema case of Type.
	Data map[string]any `json:"data"`
	// Content maps named slots to opaque text or HTML fragments.
	Content map[string]string `json:"content"`
	// Standalone blocks may have zero or many parents.
	Standalone bool      `json:"standalone"`
	Locks      []string  `json:"locks,omitempty"`
	Keys       []string  `json:"keys,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
	// Children is only populated by queries asking for them.
	Children []*Block `json:"children,omitempty"`
}

// Clone returns a deep copy of the block, children excluded.
func (b *Block) Clone() *Block {
	c := *b
	c.Data = CloneDocument(b.Data)
	c.Content = maps.Clone(b.Content)
	c.Locks = slices.Clone(b.Locks)
	c.Keys = slices.Clone(b.Keys)
	c.Children = nil
	return &c
}

// CloneDocument deep copies a JSON document.
func CloneDocument(doc map[string]any) map[string]any {
	if doc == nil {
		return nil
	}
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneDocument(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// NormalizeDocument round-trips v through JSON so that it only contains
// map[string]any, []any, string, float64, bool and nil.
func NormalizeDocument(v map[string]any) (map[string]any, error) {
	if v == nil {
		return map[string]any{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// HrefMeta holds descriptive metadata about a referenced resource.
type HrefMeta struct {
	Size     *int64 `json:"size,omitempty"`
	Width    *int64 `json:"width,omitempty"`
	Height   *int64 `json:"height,omitempty"`
	Duration string `json:"duration,omitempty"`
}

// Href is a tracked external or internal reference extracted from block data.
type Href struct {
	ID string `json:"id"`
	// Tenant is the owning scope.
	Tenant string `json:"tenant"`
	// ParentID is the block that first referenced the url, if any.
	ParentID  string    `json:"parentId,omitempty"`
	URL       string    `json:"url"`
	Canonical string    `json:"canonical,omitempty"`
	Type      string    `json:"type"`
	Mime      string    `json:"mime"`
	Title     string    `json:"title"`
	Icon      string    `json:"icon,omitempty"`
	Site      string    `json:"site,omitempty"`
	Pathname  string    `json:"pathname,omitempty"`
	Lang      string    `json:"lang,omitempty"`
	Preview   string    `json:"preview,omitempty"`
	Visible   bool      `json:"visible"`
	Meta      HrefMeta  `json:"meta"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// HrefTypeLink is the href type of plain hyperlinks. Any other type refers to
// stored content (uploads) whose storage must be released on collection.
const HrefTypeLink = "link"
