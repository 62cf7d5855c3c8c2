package expr

import (
	"encoding/json"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/kass/go-smt-index/pkg/models"
	"github.com/spf13/cast"
	"github.com/tidwall/gjson"
)

// Extractor derives the schema fields of a feature from its properties.
// Expressions are compiled once, when the extractor is built.
type Extractor struct {
	fields   []models.FieldDescriptor
	compiled []*Expr
}

// NewExtractor compiles every computed field of the schema
func NewExtractor(fields []models.FieldDescriptor) (*Extractor, error) {
	x := &Extractor{
		fields:   fields,
		compiled: make([]*Expr, len(fields)),
	}
	for i, f := range fields {
		if f.Compute == "" {
			continue
		}
		e, err := Compile(f.Compute)
		if err != nil {
			return nil, errors.Wrapf(err, "field %s", f.ID)
		}
		x.compiled[i] = e
	}
	return x, nil
}

// Fields returns the schema
func (x *Extractor) Fields() []models.FieldDescriptor { return x.fields }

// Extract returns one value per schema field, null where the property is missing
// or does not convert to the declared type
func (x *Extractor) Extract(props json.RawMessage) []models.Value {
	out := make([]models.Value, len(x.fields))
	for i, f := range x.fields {
		if e := x.compiled[i]; e != nil {
			out[i] = Coerce(f.Type, e.Eval(props))
			continue
		}
		r := gjson.GetBytes(props, GJSONPath(f.SourcePath()))
		if !r.Exists() || r.Type == gjson.Null {
			continue
		}
		if f.Type == models.FieldJSON {
			out[i] = models.JSONValue(json.RawMessage(r.Raw))
			continue
		}
		out[i] = Coerce(f.Type, r.Value())
	}
	return out
}

// Coerce converts a dynamic value to the tagged value of a field type
func Coerce(t models.FieldType, v interface{}) models.Value {
	if v == nil {
		return models.Null()
	}
	switch t {
	case models.FieldString:
		s, err := cast.ToStringE(v)
		if err != nil {
			return models.Null()
		}
		return models.String(s)
	case models.FieldNumber:
		f, err := cast.ToFloat64E(v)
		if err != nil {
			return models.Null()
		}
		return models.Number(f)
	case models.FieldInt:
		f, err := cast.ToFloat64E(v)
		if err != nil {
			return models.Null()
		}
		return models.Number(math.Trunc(f))
	case models.FieldDate:
		d, err := ParseDate(v)
		if err != nil {
			return models.Null()
		}
		return models.DateFromTime(d)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return models.Null()
	}
	return models.JSONValue(raw)
}
