package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/maruel/blockdb/internal/models"
	"golang.org/x/net/html"
	"zombiezen.com/go/sqlite"
)

// blockSelect is the column list read by scanBlock, for a table aliased b.
const blockSelect = "b.id, b.type, b.data, b.content, b.standalone, b.locks, b.keys, b.updated_at"

func scanBlock(stmt *sqlite.Stmt, col int) (*models.Block, error) {
	b := &models.Block{
		ID:         stmt.ColumnText(col),
		Type:       stmt.ColumnText(col + 1),
		Standalone: stmt.ColumnInt64(col+4) != 0,
		UpdatedAt:  time.UnixMicro(stmt.ColumnInt64(col + 7)).UTC(),
	}
	if err := decodeColumn(stmt, col+2, &b.Data); err != nil {
		return nil, fmt.Errorf("block %s data: %w", b.ID, err)
	}
	if err := decodeColumn(stmt, col+3, &b.Content); err != nil {
		return nil, fmt.Errorf("block %s content: %w", b.ID, err)
	}
	if err := decodeColumn(stmt, col+5, &b.Locks); err != nil {
		return nil, fmt.Errorf("block %s locks: %w", b.ID, err)
	}
	if err := decodeColumn(stmt, col+6, &b.Keys); err != nil {
		return nil, fmt.Errorf("block %s keys: %w", b.ID, err)
	}
	if b.Data == nil {
		b.Data = map[string]any{}
	}
	if b.Content == nil {
		b.Content = map[string]string{}
	}
	return b, nil
}

func decodeColumn(stmt *sqlite.Stmt, col int, v any) error {
	if stmt.ColumnType(col) == sqlite.TypeNull {
		return nil
	}
	return json.Unmarshal([]byte(stmt.ColumnText(col)), v)
}

// rowArgs returns id, type, data, content, standalone, locks, keys, updated_at.
func rowArgs(b *models.Block) ([]any, error) {
	data, err := json.Marshal(nonNilMap(b.Data))
	if err != nil {
		return nil, fmt.Errorf("encode data: %w", err)
	}
	content, err := json.Marshal(nonNilMap(b.Content))
	if err != nil {
		return nil, fmt.Errorf("encode content: %w", err)
	}
	standalone := int64(0)
	if b.Standalone {
		standalone = 1
	}
	return []any{
		b.ID, b.Type, string(data), string(content), standalone,
		encodeTags(b.Locks), encodeTags(b.Keys), b.UpdatedAt.UnixMicro(),
	}, nil
}

func nonNilMap[V any](m map[string]V) map[string]V {
	if m == nil {
		return map[string]V{}
	}
	return m
}

// encodeTags stores nil as NULL.
func encodeTags(tags []string) any {
	if tags == nil {
		return nil
	}
	b, _ := json.Marshal(tags)
	return string(b)
}

// searchText returns the indexed text of a block: the string leaves of its
// data followed by the text of its content fragments.
func searchText(b *models.Block) string {
	var parts []string
	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case string:
			if t != "" {
				parts = append(parts, t)
			}
		case map[string]any:
			keys := make([]string, 0, len(t))
			for k := range t {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				walk(t[k])
			}
		case []any:
			for _, e := range t {
				walk(e)
			}
		}
	}
	walk(b.Data)
	slots := make([]string, 0, len(b.Content))
	for k := range b.Content {
		slots = append(slots, k)
	}
	sort.Strings(slots)
	for _, k := range slots {
		if s := fragmentText(b.Content[k]); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

// fragmentText extracts the text nodes of an HTML fragment.
func fragmentText(fragment string) string {
	if fragment == "" {
		return ""
	}
	z := html.NewTokenizer(strings.NewReader(fragment))
	var sb strings.Builder
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.Join(strings.Fields(sb.String()), " ")
		case html.StartTagToken:
			if name, _ := z.TagName(); isRawTag(string(name)) {
				skip++
			}
		case html.EndTagToken:
			if name, _ := z.TagName(); isRawTag(string(name)) && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip == 0 {
				sb.Write(z.Text())
				sb.WriteByte(' ')
			}
		}
	}
}

func isRawTag(name string) bool {
	return name == "script" || name == "style"
}
