package schema

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/maruel/blockdb/internal/models"
)

// blockDocument is the shape every block shares regardless of its type.
type blockDocument struct {
	ID         string            `json:"id,omitempty" jsonschema:"pattern=^[\\w-]+$,maxLength=64"`
	Type       string            `json:"type"`
	Data       map[string]any    `json:"data,omitempty"`
	Content    map[string]string `json:"content,omitempty"`
	Standalone bool              `json:"standalone,omitempty" jsonschema:"default=false"`
	Locks      []string          `json:"locks,omitempty"`
	Keys       []string          `json:"keys,omitempty"`
	UpdatedAt  *time.Time        `json:"updatedAt,omitempty"`
}

var baseDocument = sync.OnceValue(func() []byte {
	r := jsonschema.Reflector{Anonymous: true, DoNotReference: true}
	s := r.Reflect(&blockDocument{})
	b, err := json.Marshal(s)
	if err != nil {
		panic(err)
	}
	return b
})

// baseSchema returns a fresh, mutable copy of the base block schema.
func baseSchema() map[string]any {
	out := map[string]any{}
	if err := json.Unmarshal(baseDocument(), &out); err != nil {
		panic(err)
	}
	props, _ := out["properties"].(map[string]any)
	if props == nil {
		props = map[string]any{}
		out["properties"] = props
	}
	// Access tags may be null or a set of words.
	tags := map[string]any{
		"anyOf": []any{
			map[string]any{"type": "null"},
			map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string", "pattern": `^\w+$`},
				"uniqueItems": true,
			},
		},
	}
	props["locks"] = tags
	props["keys"] = models.CloneDocument(tags)
	out["additionalProperties"] = false
	return out
}
