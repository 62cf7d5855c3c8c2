package query

import (
	"strings"

	"github.com/kass/go-smt-index/pkg/expr"
	"github.com/kass/go-smt-index/pkg/models"
	"github.com/kass/go-smt-index/pkg/store"
	"github.com/spf13/cast"
)

// columnName maps a field id to its storage column
func columnName(fieldID string) string {
	return strings.ReplaceAll(fieldID, ".", "_")
}

func lookupColumn(t *store.Table, fieldID string) (*store.Column, error) {
	if fieldID == "" {
		return nil, invalid("missing fieldId")
	}
	c, ok := t.Column(columnName(fieldID))
	if !ok {
		return nil, invalid("unknown field %q", fieldID)
	}
	return c, nil
}

// filter returns the ascending rows of t matching the constraints
func filter(t *store.Table, cs []Constraint) ([]int32, error) {
	if len(cs) == 0 {
		return store.All(t.Len()), nil
	}
	var fields []string
	byField := make(map[string][]Constraint)
	for _, c := range cs {
		if _, ok := byField[c.FieldID]; !ok {
			fields = append(fields, c.FieldID)
		}
		byField[c.FieldID] = append(byField[c.FieldID], c)
	}

	var rows []int32
	for i, f := range fields {
		var parts [][]int32
		for _, c := range byField[f] {
			m, err := match(t, c)
			if err != nil {
				return nil, err
			}
			parts = append(parts, m)
		}
		matched := store.UnionAll(parts...)
		if i == 0 {
			rows = matched
		} else {
			rows = store.Intersect(rows, matched)
		}
		if len(rows) == 0 {
			return nil, nil
		}
	}
	return rows, nil
}

func match(t *store.Table, c Constraint) ([]int32, error) {
	col, err := lookupColumn(t, c.FieldID)
	if err != nil {
		return nil, err
	}
	ix := col.Index
	var rows []int32
	switch c.Operation {
	case OpStringEqual:
		s, err := cast.ToStringE(c.Expression)
		if err != nil {
			return nil, invalid("%s on %s: %v", c.Operation, c.FieldID, err)
		}
		v := models.String(s)
		if col.Type != models.FieldString {
			if v, err = operand(col, c.Expression); err != nil {
				return nil, err
			}
		}
		rows = ix.Equal(v)
	case OpIntEqual:
		v, err := operand(col, c.Expression)
		if err != nil {
			return nil, err
		}
		rows = ix.Equal(v)
	case OpIsUndefined:
		rows = ix.Nulls
	case OpDateRange, OpNumberRange:
		bounds, err := cast.ToSliceE(c.Expression)
		if err != nil || len(bounds) != 2 {
			return nil, invalid("%s on %s needs a [min, max] pair", c.Operation, c.FieldID)
		}
		lo, err := operand(col, bounds[0])
		if err != nil {
			return nil, err
		}
		hi, err := operand(col, bounds[1])
		if err != nil {
			return nil, err
		}
		rows = ix.Range(lo, hi)
	case OpIn:
		items, err := cast.ToSliceE(c.Expression)
		if err != nil {
			return nil, invalid("IN on %s needs a list", c.FieldID)
		}
		vs := make([]models.Value, 0, len(items))
		for _, it := range items {
			v, err := operand(col, it)
			if err != nil {
				return nil, err
			}
			vs = append(vs, v)
		}
		rows = ix.In(vs)
	default:
		return nil, unsupported("unsupported constraint operation %q", c.Operation)
	}
	if c.Negate {
		rows = store.Complement(len(col.Values), rows)
	}
	return rows, nil
}

// operand converts a query operand to the column's value type
func operand(col *store.Column, x interface{}) (models.Value, error) {
	if x == nil {
		return models.Value{}, invalid("missing operand for %s", col.Name)
	}
	v := expr.Coerce(col.Type, x)
	if v.IsNull() {
		return v, invalid("operand %v does not convert to %s for %s", x, col.Type, col.Name)
	}
	return v, nil
}
