package pathpatch

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/maruel/blockdb/internal/models"
)

// Operator is a predicate comparison.
type Operator string

// Supported operators.
const (
	OpEqual  Operator = "="
	OpIn     Operator = "IN"
	OpIsNull Operator = "IS NULL"
	// OpRange matches the half-open interval [Start, End).
	OpRange Operator = "RANGE"
)

// Predicate is one filter condition.
type Predicate struct {
	Address  Address
	Operator Operator
	Value    any
	Start    string
	End      string
}

// FormatFunc returns the declared string format of the value at a, if any.
type FormatFunc func(a Address) string

var partialDateRe = regexp.MustCompile(`^(\d{4})(?:-(\d{2})(?:-(\d{2}))?)?$`)

// Predicates flattens a nested filter. Scalars compare for equality, arrays
// for membership and null for absence. Strings at an address whose format is
// "date" or "date-time" and written with year, month or day precision match
// the whole period.
func Predicates(filter map[string]any, cols Columns, format FormatFunc) ([]Predicate, error) {
	ops, err := Flatten(filter, cols)
	if err != nil {
		return nil, err
	}
	out := make([]Predicate, 0, len(ops))
	for _, op := range ops {
		p, err := predicate(op, format)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func predicate(op Op, format FormatFunc) (Predicate, error) {
	p := Predicate{Address: op.Address, Operator: OpEqual, Value: op.Value}
	switch v := op.Value.(type) {
	case nil:
		p.Operator = OpIsNull
	case []any:
		p.Operator = OpIn
		for _, e := range v {
			switch e.(type) {
			case map[string]any, []any:
				return p, models.BadRequest(fmt.Sprintf("%s: set members must be scalars", op.Address))
			}
		}
	case string:
		if format == nil {
			break
		}
		if f := format(op.Address); f != "date" && f != "date-time" {
			break
		}
		start, end, ok, err := dateRange(v)
		if err != nil {
			return p, models.BadRequest(fmt.Sprintf("%s: %v", op.Address, err))
		}
		if ok {
			p.Operator = OpRange
			p.Start = start
			p.End = end
		}
	case map[string]any:
		return p, models.BadRequest(fmt.Sprintf("%s: unexpected object", op.Address))
	}
	return p, nil
}

// dateRange expands "2024", "2024-05" or "2024-05-12" into [start, end).
// ok is false for any other string, which is then compared as is.
func dateRange(s string) (start, end string, ok bool, err error) {
	m := partialDateRe.FindStringSubmatch(s)
	if m == nil {
		return "", "", false, nil
	}
	year, _ := strconv.Atoi(m[1])
	month, day := 1, 1
	if m[2] != "" {
		if month, _ = strconv.Atoi(m[2]); month < 1 || month > 12 {
			return "", "", false, fmt.Errorf("invalid month in %q", s)
		}
	}
	if m[3] != "" {
		day, _ = strconv.Atoi(m[3])
	}
	from := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if from.Day() != day {
		return "", "", false, fmt.Errorf("invalid day in %q", s)
	}
	var to time.Time
	switch {
	case m[3] != "":
		to = from.AddDate(0, 0, 1)
	case m[2] != "":
		to = from.AddDate(0, 1, 0)
	default:
		to = from.AddDate(1, 0, 0)
	}
	const layout = "2006-01-02"
	return from.Format(layout), to.Format(layout), true, nil
}

// SQL renders p as a SQLite condition on table, with its bind arguments.
func (p *Predicate) SQL(table string) (string, []any) {
	var expr string
	var args []any
	if len(p.Address.Path) == 0 {
		expr = table + "." + p.Address.Column
	} else {
		expr = "json_extract(" + table + "." + p.Address.Column + ", ?)"
		args = append(args, p.Address.JSONPath())
	}
	switch p.Operator {
	case OpIsNull:
		return expr + " IS NULL", args
	case OpIn:
		values, _ := p.Value.([]any)
		if len(values) == 0 {
			return "0", nil
		}
		marks := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")
		for _, v := range values {
			args = append(args, BindValue(v))
		}
		return expr + " IN (" + marks + ")", args
	case OpRange:
		// The expression appears twice so its path argument is bound twice.
		c := "julianday(" + expr + ") >= julianday(?) AND julianday(" + expr + ") < julianday(?)"
		if len(args) == 1 {
			return c, []any{args[0], p.Start, args[0], p.End}
		}
		return c, []any{p.Start, p.End}
	default:
		return expr + " = ?", append(args, BindValue(p.Value))
	}
}

// BindValue converts a JSON scalar to a type SQLite can bind. Booleans become
// 0 or 1, matching what json_extract returns for true and false.
func BindValue(v any) any {
	switch t := v.(type) {
	case bool:
		if t {
			return int64(1)
		}
		return int64(0)
	case int:
		return int64(t)
	case float64:
		if t == float64(int64(t)) {
			return int64(t)
		}
		return t
	default:
		return v
	}
}
