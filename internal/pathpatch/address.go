// Package pathpatch translates nested partial documents into flat field
// addresses, used both to merge partial updates and to build query
// predicates.
//
// An address is either a plain column name ("standalone") or a column holding
// a JSON document followed by a dotted path inside it ("data:a.b"). Arrays and
// null are always leaves.
package pathpatch

import (
	"fmt"
	"sort"
	"strings"

	"github.com/maruel/blockdb/internal/models"
)

// Address locates a column or a value inside a document column.
type Address struct {
	Column string
	Path   []string
}

// String returns the "column" or "column:a.b" form.
func (a Address) String() string {
	if len(a.Path) == 0 {
		return a.Column
	}
	return a.Column + ":" + strings.Join(a.Path, ".")
}

// JSONPath returns the SQLite JSON path of a.Path, e.g. `$."a"."b"`.
func (a Address) JSONPath() string {
	var b strings.Builder
	b.WriteByte('$')
	for _, seg := range a.Path {
		b.WriteString(`."`)
		b.WriteString(seg)
		b.WriteByte('"')
	}
	return b.String()
}

// ParseAddress parses the String form.
func ParseAddress(s string) (Address, error) {
	col, rest, found := strings.Cut(s, ":")
	if err := checkKey(col); err != nil {
		return Address{}, err
	}
	a := Address{Column: col}
	if !found {
		return a, nil
	}
	for _, seg := range strings.Split(rest, ".") {
		if err := checkKey(seg); err != nil {
			return Address{}, err
		}
		a.Path = append(a.Path, seg)
	}
	return a, nil
}

// Columns maps the known column names to whether they hold a JSON document
// that can be recursed into.
type Columns map[string]bool

// checkKey rejects keys that cannot be represented in an address or in a
// quoted JSON path.
func checkKey(k string) error {
	if k == "" {
		return models.BadRequest("empty key")
	}
	if strings.ContainsAny(k, `.:"[]$\`) {
		return models.BadRequest(fmt.Sprintf("invalid key %q", k))
	}
	return nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
