// Package query evaluates structured queries and HiPS tiles against a loaded store.
package query

import (
	"encoding/json"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
)

var (
	// ErrUnsupportedOperation marks an unknown constraint, grouping or aggregation operator
	ErrUnsupportedOperation = errors.New("unsupported query operation")
	// ErrInvalidQuery marks a malformed query: unknown field, bad operand, missing parameter
	ErrInvalidQuery = errors.New("invalid query")
)

func unsupported(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrUnsupportedOperation)
}

func invalid(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrInvalidQuery)
}

// Constraint operators
const (
	OpStringEqual = "STRING_EQUAL"
	OpIntEqual    = "INT_EQUAL"
	OpIsUndefined = "IS_UNDEFINED"
	OpDateRange   = "DATE_RANGE"
	OpNumberRange = "NUMBER_RANGE"
	OpIn          = "IN"
)

// Grouping operators
const (
	GroupAll    = "GROUP_ALL"
	GroupBy     = "GROUP_BY"
	GroupByDate = "GROUP_BY_DATE"
)

// Aggregation operators
const (
	AggCount                  = "COUNT"
	AggMin                    = "MIN"
	AggMax                    = "MAX"
	AggMinMax                 = "MIN_MAX"
	AggValuesAndCount         = "VALUES_AND_COUNT"
	AggBoundingCap            = "GEO_BOUNDING_CAP"
	AggDateHistogram          = "DATE_HISTOGRAM"
	AggNumberHistogram        = "NUMBER_HISTOGRAM"
	AggUnion                  = "GEO_UNION"
	AggUnionArea              = "GEO_UNION_AREA"
	AggUnionAreaCumulatedDate = "GEO_UNION_AREA_CUMULATED_DATE_HISTOGRAM"
)

// Constraint filters rows on one field. Constraints on the same field are OR-ed,
// constraints on different fields are AND-ed.
type Constraint struct {
	FieldID    string      `json:"fieldId"`
	Operation  string      `json:"operation"`
	Expression interface{} `json:"expression,omitempty"`
	Negate     bool        `json:"negate,omitempty"`
}

// GroupingOption selects how rows are grouped before aggregation
type GroupingOption struct {
	Operation string `json:"operation"`
	FieldID   string `json:"fieldId,omitempty"`
	Step      string `json:"step,omitempty"`
}

// AggregationOption produces one output column per group
type AggregationOption struct {
	Operation string `json:"operation"`
	FieldID   string `json:"fieldId,omitempty"`
	Out       string `json:"out"`
	Limit     int    `json:"limit,omitempty"`
	Step      string `json:"step,omitempty"`
}

// Query is a structured query over the features table
type Query struct {
	Constraints        []Constraint           `json:"constraints"`
	GroupingOptions    []GroupingOption       `json:"groupingOptions,omitempty"`
	AggregationOptions []AggregationOption    `json:"aggregationOptions,omitempty"`
	ProjectOptions     map[string]interface{} `json:"projectOptions,omitempty"`
	Limit              int                    `json:"limit,omitempty"`
	Skip               int                    `json:"skip,omitempty"`
}

// Row is one output row keyed by column or aggregation name
type Row map[string]interface{}

// Result echoes the query with its rows
type Result struct {
	Query *Query `json:"q"`
	Rows  []Row  `json:"res"`
}

// Parse decodes a JSON query
func Parse(raw []byte) (*Query, error) {
	var q Query
	if err := json.Unmarshal(raw, &q); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "decoding query"), ErrInvalidQuery)
	}
	return &q, nil
}

// Hash identifies the query by its canonical JSON encoding
func (q *Query) Hash() string {
	raw, err := json.Marshal(q)
	if err != nil {
		return ""
	}
	return strconv.FormatUint(xxhash.Sum64(raw), 16)
}

// Clone returns a copy whose constraint list can be extended independently
func (q *Query) Clone() *Query {
	c := *q
	c.Constraints = append([]Constraint(nil), q.Constraints...)
	c.GroupingOptions = append([]GroupingOption(nil), q.GroupingOptions...)
	c.AggregationOptions = append([]AggregationOption(nil), q.AggregationOptions...)
	return &c
}
