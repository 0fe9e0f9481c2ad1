package analytics

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/dan-solli/thingdb/pkg/schema"
	"github.com/dan-solli/thingdb/pkg/store"
)

// Op is a comparison operator allowed in a Predicate.
type Op string

const (
	OpEq      Op = "="
	OpNe      Op = "!="
	OpLt      Op = "<"
	OpLte     Op = "<="
	OpGt      Op = ">"
	OpGte     Op = ">="
	OpLike    Op = "LIKE"
	OpIn      Op = "IN"
	OpIsNull  Op = "IS NULL"
	OpNotNull Op = "IS NOT NULL"
)

var validOps = map[Op]bool{
	OpEq: true, OpNe: true, OpLt: true, OpLte: true, OpGt: true, OpGte: true,
	OpLike: true, OpIn: true, OpIsNull: true, OpNotNull: true,
}

// Predicate compares one column with a value. Time columns accept time.Time.
type Predicate struct {
	Column string
	Op     Op
	Value  interface{}
}

// Eq is shorthand for an equality predicate.
func Eq(column string, value interface{}) Predicate {
	return Predicate{Column: column, Op: OpEq, Value: value}
}

// Order sorts by one column.
type Order struct {
	Column string
	Desc   bool
}

// Query is a bounded, registry-validated select over one analytical table.
type Query struct {
	Table string

	// Columns defaults to every non-vector column of Table.
	Columns []string

	Where   []Predicate
	OrderBy []Order
	Limit   int
	Offset  int
}

// Record is one result row keyed by column name. Time columns decode to
// time.Time, JSON columns to their JSON value, vector columns to []float32.
type Record map[string]interface{}

// buildQuery validates q against r and renders it for d.
func buildQuery(r schema.Registry, d schema.Dialect, q Query) (string, []interface{}, []schema.Column, error) {
	table, ok := r.Table(q.Table)
	if !ok {
		return "", nil, nil, fmt.Errorf("unknown table %q", q.Table)
	}

	var cols []schema.Column
	if len(q.Columns) == 0 {
		for _, c := range table.Columns {
			if c.Type != schema.Vector {
				cols = append(cols, c)
			}
		}
	} else {
		for _, name := range q.Columns {
			c, ok := table.Column(name)
			if !ok {
				return "", nil, nil, fmt.Errorf("unknown column %s.%s", q.Table, name)
			}
			cols = append(cols, c)
		}
	}

	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}

	var (
		where []string
		args  []interface{}
	)
	for _, p := range q.Where {
		c, ok := table.Column(p.Column)
		if !ok {
			return "", nil, nil, fmt.Errorf("unknown column %s.%s", q.Table, p.Column)
		}
		if !validOps[p.Op] {
			return "", nil, nil, fmt.Errorf("invalid operator %q", p.Op)
		}
		if c.Type == schema.Vector || c.Type == schema.Blob {
			return "", nil, nil, fmt.Errorf("column %s cannot be compared", c.Name)
		}

		switch p.Op {
		case OpIsNull, OpNotNull:
			where = append(where, c.Name+" "+string(p.Op))
		case OpIn:
			values, err := expand(p.Value)
			if err != nil {
				return "", nil, nil, fmt.Errorf("column %s: %w", c.Name, err)
			}
			marks := make([]string, len(values))
			for i, v := range values {
				marks[i] = "?"
				args = append(args, encodeValue(c, v))
			}
			where = append(where, c.Name+" IN ("+strings.Join(marks, ", ")+")")
		default:
			where = append(where, c.Name+" "+string(p.Op)+" ?")
			args = append(args, encodeValue(c, p.Value))
		}
	}

	var order []string
	for _, o := range q.OrderBy {
		if _, ok := table.Column(o.Column); !ok {
			return "", nil, nil, fmt.Errorf("unknown order column %s.%s", q.Table, o.Column)
		}
		dir := "ASC"
		if o.Desc {
			dir = "DESC"
		}
		order = append(order, o.Column+" "+dir)
	}
	if len(order) == 0 && len(table.PrimaryKey) > 0 {
		order = append(order, table.PrimaryKey...)
	}

	var b strings.Builder
	b.WriteString("SELECT " + strings.Join(names, ", ") + " FROM " + table.Name)
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	if len(order) > 0 {
		b.WriteString(" ORDER BY " + strings.Join(order, ", "))
	}
	b.WriteString(" LIMIT ? OFFSET ?")
	args = append(args, clampLimit(q.Limit, DefaultQueryLimit, MaxQueryLimit), max(q.Offset, 0))

	return d.Rebind(b.String()), args, cols, nil
}

func expand(v interface{}) ([]interface{}, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return nil, fmt.Errorf("IN requires a slice, got %T", v)
	}
	if rv.Len() == 0 {
		return nil, fmt.Errorf("IN requires at least one value")
	}
	out := make([]interface{}, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, nil
}

func encodeValue(c schema.Column, v interface{}) interface{} {
	if c.Type == schema.Time {
		switch t := v.(type) {
		case time.Time:
			return t.UnixNano()
		case *time.Time:
			if t == nil {
				return nil
			}
			return t.UnixNano()
		}
	}
	return v
}

// decodeValue converts a driver value into the Record representation of c.
func decodeValue(c schema.Column, raw interface{}) (interface{}, error) {
	if raw == nil {
		return nil, nil
	}
	switch c.Type {
	case schema.Time:
		n, ok := raw.(int64)
		if !ok {
			return nil, fmt.Errorf("column %s: expected integer time, got %T", c.Name, raw)
		}
		return time.Unix(0, n).UTC(), nil
	case schema.JSON:
		var out interface{}
		if err := json.Unmarshal(asBytes(raw), &out); err != nil {
			return nil, fmt.Errorf("column %s: %w", c.Name, err)
		}
		return out, nil
	case schema.Vector:
		return store.DecodeVector(asBytes(raw)), nil
	case schema.Blob:
		return append([]byte(nil), asBytes(raw)...), nil
	case schema.Text:
		return string(asBytes(raw)), nil
	}
	return raw, nil
}

func asBytes(raw interface{}) []byte {
	switch v := raw.(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	}
	return []byte(fmt.Sprint(raw))
}
