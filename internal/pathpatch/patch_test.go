package pathpatch

import (
	"errors"
	"reflect"
	"testing"

	"github.com/maruel/blockdb/internal/models"
)

var testColumns = Columns{"data": true, "content": true, "standalone": false, "locks": false}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in   string
		want Address
		ok   bool
	}{
		{"standalone", Address{Column: "standalone"}, true},
		{"data:a.b", Address{Column: "data", Path: []string{"a", "b"}}, true},
		{"data:", Address{}, false},
		{"data:a..b", Address{}, false},
		{":a", Address{}, false},
		{`data:a"b`, Address{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAddress(tt.in)
			if (err == nil) != tt.ok {
				t.Fatalf("ParseAddress(%q) error = %v", tt.in, err)
			}
			if tt.ok {
				if !reflect.DeepEqual(got, tt.want) {
					t.Errorf("ParseAddress(%q) = %+v, want %+v", tt.in, got, tt.want)
				}
				if got.String() != tt.in {
					t.Errorf("String() = %q, want %q", got.String(), tt.in)
				}
			}
		})
	}
	a := Address{Column: "data", Path: []string{"a", "b-c"}}
	if got, want := a.JSONPath(), `$."a"."b-c"`; got != want {
		t.Errorf("JSONPath() = %q, want %q", got, want)
	}
}

func TestFlatten(t *testing.T) {
	t.Run("nested", func(t *testing.T) {
		ops, err := Flatten(map[string]any{
			"data": map[string]any{
				"a":     map[string]any{"y": 2.0, "x": 1.0},
				"list":  []any{map[string]any{"k": 1.0}},
				"empty": map[string]any{},
				"gone":  nil,
			},
			"standalone": true,
		}, testColumns)
		if err != nil {
			t.Fatal(err)
		}
		var got []string
		for _, op := range ops {
			got = append(got, op.Address.String())
		}
		want := []string{"data:a.x", "data:a.y", "data:gone", "data:list", "standalone"}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("addresses = %v, want %v", got, want)
		}
	})

	errs := []struct {
		name    string
		partial map[string]any
	}{
		{"unknown column", map[string]any{"nope": 1.0}},
		{"object in scalar column", map[string]any{"standalone": map[string]any{"a": 1.0}}},
		{"scalar in document column", map[string]any{"data": "x"}},
		{"empty key", map[string]any{"data": map[string]any{"": 1.0}}},
		{"dotted key", map[string]any{"data": map[string]any{"a.b": 1.0}}},
		{"colon key", map[string]any{"data": map[string]any{"a": map[string]any{"b:c": 1.0}}}},
	}
	for _, tt := range errs {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Flatten(tt.partial, testColumns); !errors.Is(err, models.ErrBadRequest) {
				t.Errorf("Flatten() error = %v, want bad request", err)
			}
		})
	}
}

func TestApply(t *testing.T) {
	t.Run("siblings untouched", func(t *testing.T) {
		doc := map[string]any{"data": map[string]any{}}
		for _, partial := range []map[string]any{
			{"data": map[string]any{"a": map[string]any{"x": 1.0}, "b": "keep"}},
			{"data": map[string]any{"a": map[string]any{"y": 2.0}}},
		} {
			ops, err := Flatten(partial, testColumns)
			if err != nil {
				t.Fatal(err)
			}
			Apply(doc, ops)
		}
		want := map[string]any{"data": map[string]any{"a": map[string]any{"x": 1.0, "y": 2.0}, "b": "keep"}}
		if !reflect.DeepEqual(doc, want) {
			t.Errorf("doc = %v, want %v", doc, want)
		}
	})

	t.Run("creates and replaces intermediates", func(t *testing.T) {
		doc := map[string]any{"data": map[string]any{"a": "scalar"}}
		ops, err := Flatten(map[string]any{
			"data":    map[string]any{"a": map[string]any{"b": 1.0}, "c": map[string]any{"d": map[string]any{"e": true}}},
			"content": map[string]any{"body": "<p>hi</p>"},
		}, testColumns)
		if err != nil {
			t.Fatal(err)
		}
		Apply(doc, ops)
		want := map[string]any{
			"data":    map[string]any{"a": map[string]any{"b": 1.0}, "c": map[string]any{"d": map[string]any{"e": true}}},
			"content": map[string]any{"body": "<p>hi</p>"},
		}
		if !reflect.DeepEqual(doc, want) {
			t.Errorf("doc = %v, want %v", doc, want)
		}
	})

	t.Run("arrays replace atomically", func(t *testing.T) {
		doc := map[string]any{"data": map[string]any{"tags": []any{"a", "b"}}}
		src := []any{"c"}
		Apply(doc, []Op{{Address: Address{Column: "data", Path: []string{"tags"}}, Value: src}})
		src[0] = "mutated"
		if got, _ := Lookup(doc, []string{"data", "tags"}); !reflect.DeepEqual(got, []any{"c"}) {
			t.Errorf("tags = %v, want [c]", got)
		}
	})
}

func TestLookup(t *testing.T) {
	doc := map[string]any{"a": map[string]any{"b": nil, "c": "x"}}
	if v, ok := Lookup(doc, []string{"a", "c"}); !ok || v != "x" {
		t.Errorf("Lookup(a.c) = %v, %t", v, ok)
	}
	if _, ok := Lookup(doc, []string{"a", "b"}); !ok {
		t.Error("Lookup(a.b) missing explicit null")
	}
	if _, ok := Lookup(doc, []string{"a", "c", "d"}); ok {
		t.Error("Lookup(a.c.d) found through a scalar")
	}
}
