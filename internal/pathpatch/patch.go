package pathpatch

import (
	"fmt"
	"sort"

	"github.com/maruel/blockdb/internal/models"
)

// Op assigns Value at Address.
type Op struct {
	Address Address
	Value   any
}

// Flatten converts a nested partial document into write operations sorted by
// address. Objects inside document columns are recursed into; every other
// value, including arrays and null, is a leaf. Empty objects yield no
// operation.
func Flatten(partial map[string]any, cols Columns) ([]Op, error) {
	var ops []Op
	for _, col := range sortedKeys(partial) {
		if err := checkKey(col); err != nil {
			return nil, err
		}
		isDoc, ok := cols[col]
		if !ok {
			return nil, models.BadRequest(fmt.Sprintf("unknown field %q", col))
		}
		v := partial[col]
		if !isDoc {
			if _, ok := v.(map[string]any); ok {
				return nil, models.BadRequest(fmt.Sprintf("field %q is not a document", col))
			}
			ops = append(ops, Op{Address: Address{Column: col}, Value: v})
			continue
		}
		obj, ok := v.(map[string]any)
		if !ok {
			return nil, models.BadRequest(fmt.Sprintf("field %q must be an object", col))
		}
		var err error
		if ops, err = flatten(ops, col, nil, obj); err != nil {
			return nil, err
		}
	}
	sort.SliceStable(ops, func(i, j int) bool {
		return ops[i].Address.String() < ops[j].Address.String()
	})
	return ops, nil
}

func flatten(ops []Op, col string, path []string, obj map[string]any) ([]Op, error) {
	for _, k := range sortedKeys(obj) {
		if err := checkKey(k); err != nil {
			return nil, err
		}
		p := append(path[:len(path):len(path)], k)
		if sub, ok := obj[k].(map[string]any); ok {
			var err error
			if ops, err = flatten(ops, col, p, sub); err != nil {
				return nil, err
			}
			continue
		}
		ops = append(ops, Op{Address: Address{Column: col, Path: p}, Value: obj[k]})
	}
	return ops, nil
}

// Apply merges ops into doc, a row where each document column is itself a
// map. Only the addressed leaves change; missing intermediate objects are
// created and non-object intermediates are replaced by objects.
func Apply(doc map[string]any, ops []Op) {
	for _, op := range ops {
		v := cloneValue(op.Value)
		if len(op.Address.Path) == 0 {
			doc[op.Address.Column] = v
			continue
		}
		node := child(doc, op.Address.Column)
		last := len(op.Address.Path) - 1
		for _, seg := range op.Address.Path[:last] {
			node = child(node, seg)
		}
		node[op.Address.Path[last]] = v
	}
}

// child returns m[k] as an object, creating or replacing it if needed.
func child(m map[string]any, k string) map[string]any {
	if c, ok := m[k].(map[string]any); ok {
		return c
	}
	c := map[string]any{}
	m[k] = c
	return c
}

// Lookup returns the value at path inside doc.
func Lookup(doc map[string]any, path []string) (any, bool) {
	var cur any = doc
	for _, seg := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[seg]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return models.CloneDocument(t)
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
