package query

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/kass/go-smt-index/pkg/aggregate"
	"github.com/kass/go-smt-index/pkg/geo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countQuery(cs ...Constraint) *Query {
	return &Query{
		Constraints:        cs,
		GroupingOptions:    []GroupingOption{{Operation: GroupAll}},
		AggregationOptions: []AggregationOption{{Operation: AggCount, Out: "total"}},
	}
}

func TestCountOnEmptyStore(t *testing.T) {
	e := newTestExecutor(t, nil)
	res, err := e.Query(context.Background(), countQuery())
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, 0, res.Rows[0]["total"])
}

func TestCountMatchesBruteForce(t *testing.T) {
	e := newTestExecutor(t, testFixtures)
	ms := func(s string) float64 {
		d, err := time.Parse(time.RFC3339, s)
		require.NoError(t, err)
		return float64(d.UnixMilli())
	}
	inYear2020 := func(f fixture) bool { return f.date != "" && f.date[:4] == "2020" }

	tests := []struct {
		name        string
		constraints []Constraint
		match       func(fixture) bool
	}{
		{"no constraint", nil, func(fixture) bool { return true }},
		{
			"string equal",
			[]Constraint{{FieldID: "tel", Operation: OpStringEqual, Expression: "HST"}},
			func(f fixture) bool { return f.tel == "HST" },
		},
		{
			"same field is OR",
			[]Constraint{
				{FieldID: "tel", Operation: OpStringEqual, Expression: "HST"},
				{FieldID: "tel", Operation: OpStringEqual, Expression: "JWST"},
			},
			func(f fixture) bool { return f.tel == "HST" || f.tel == "JWST" },
		},
		{
			"different fields are AND",
			[]Constraint{
				{FieldID: "tel", Operation: OpIn, Expression: []interface{}{"HST"}},
				{FieldID: "exp", Operation: OpNumberRange, Expression: []interface{}{15, 60}},
			},
			func(f fixture) bool { return f.tel == "HST" && f.exp != nil && *f.exp >= 15 && *f.exp <= 60 },
		},
		{
			"undefined",
			[]Constraint{{FieldID: "exp", Operation: OpIsUndefined}},
			func(f fixture) bool { return f.exp == nil },
		},
		{
			"negated undefined",
			[]Constraint{{FieldID: "exp", Operation: OpIsUndefined, Negate: true}},
			func(f fixture) bool { return f.exp != nil },
		},
		{
			"date range on dotted field",
			[]Constraint{{FieldID: "obs.date", Operation: OpDateRange, Expression: []interface{}{
				ms("2020-01-01T00:00:00Z"), ms("2020-12-31T23:59:59Z"),
			}}},
			inYear2020,
		},
		{
			"int equal",
			[]Constraint{{FieldID: "exp", Operation: OpIntEqual, Expression: 5}},
			func(f fixture) bool { return f.exp != nil && *f.exp == 5 },
		},
		{
			"geogroup",
			[]Constraint{{FieldID: "geogroup_id", Operation: OpStringEqual, Expression: "g2"}},
			func(f fixture) bool { return f.geogroup == "g2" },
		},
		{
			"range or undefined",
			[]Constraint{
				{FieldID: "tel", Operation: OpStringEqual, Expression: "HST"},
				{FieldID: "exp", Operation: OpNumberRange, Expression: []interface{}{0, 100}},
				{FieldID: "exp", Operation: OpIsUndefined},
			},
			func(f fixture) bool { return f.tel == "HST" },
		},
		{
			"negated IN",
			[]Constraint{{FieldID: "tel", Operation: OpIn, Expression: []interface{}{"HST", "JWST"}, Negate: true}},
			func(f fixture) bool { return f.tel == "" },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			want := 0
			for _, f := range testFixtures {
				if tt.match(f) {
					want++
				}
			}
			res, err := e.Query(context.Background(), countQuery(tt.constraints...))
			require.NoError(t, err)
			require.Len(t, res.Rows, 1)
			assert.Equal(t, want, res.Rows[0]["total"])
		})
	}
}

func TestQueryErrors(t *testing.T) {
	e := newTestExecutor(t, testFixtures)
	tests := []struct {
		name string
		q    *Query
		want error
	}{
		{"unknown constraint", countQuery(Constraint{FieldID: "tel", Operation: "LIKE", Expression: "H%"}), ErrUnsupportedOperation},
		{"unknown field", countQuery(Constraint{FieldID: "nope", Operation: OpStringEqual, Expression: "x"}), ErrInvalidQuery},
		{"bad range", countQuery(Constraint{FieldID: "exp", Operation: OpNumberRange, Expression: 3}), ErrInvalidQuery},
		{"bad operand", countQuery(Constraint{FieldID: "exp", Operation: OpIntEqual, Expression: "abc"}), ErrInvalidQuery},
		{
			"unknown aggregation",
			&Query{AggregationOptions: []AggregationOption{{Operation: "MEDIAN", FieldID: "exp", Out: "m"}}},
			ErrUnsupportedOperation,
		},
		{
			"two groupings",
			&Query{
				GroupingOptions:    []GroupingOption{{Operation: GroupAll}, {Operation: GroupBy, FieldID: "tel"}},
				AggregationOptions: []AggregationOption{{Operation: AggCount, Out: "c"}},
			},
			ErrInvalidQuery,
		},
		{
			"unknown grouping",
			&Query{
				GroupingOptions:    []GroupingOption{{Operation: "GROUP_BY_HOUR", FieldID: "obs.date"}},
				AggregationOptions: []AggregationOption{{Operation: AggCount, Out: "c"}},
			},
			ErrUnsupportedOperation,
		},
		{
			"cumulated histogram without step",
			&Query{AggregationOptions: []AggregationOption{{Operation: AggUnionAreaCumulatedDate, FieldID: "obs.date", Out: "h"}}},
			ErrInvalidQuery,
		},
		{
			"missing out",
			&Query{AggregationOptions: []AggregationOption{{Operation: AggCount}}},
			ErrInvalidQuery,
		},
		{"negative limit", &Query{Limit: -1}, ErrInvalidQuery},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Query(context.Background(), tt.q)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestGroupBy(t *testing.T) {
	e := newTestExecutor(t, testFixtures)
	res, err := e.Query(context.Background(), &Query{
		GroupingOptions: []GroupingOption{{Operation: GroupBy, FieldID: "tel"}},
		AggregationOptions: []AggregationOption{
			{Operation: AggCount, Out: "c"},
			{Operation: AggMinMax, FieldID: "exp", Out: "exp"},
		},
	})
	require.NoError(t, err)
	require.Len(t, res.Rows, 3)
	assert.Nil(t, res.Rows[0]["tel"])
	assert.Equal(t, 1, res.Rows[0]["c"])
	assert.Equal(t, "HST", res.Rows[1]["tel"])
	assert.Equal(t, 2, res.Rows[1]["c"])
	assert.Equal(t, []interface{}{10.0, 20.0}, res.Rows[1]["exp"])
	assert.Equal(t, "JWST", res.Rows[2]["tel"])
	assert.Equal(t, []interface{}{50.0, 50.0}, res.Rows[2]["exp"])
}

func TestGroupByDate(t *testing.T) {
	e := newTestExecutor(t, testFixtures)
	res, err := e.Query(context.Background(), &Query{
		GroupingOptions:    []GroupingOption{{Operation: GroupByDate, FieldID: "obs.date", Step: "year"}},
		AggregationOptions: []AggregationOption{{Operation: AggCount, Out: "c"}},
	})
	require.NoError(t, err)
	got := map[interface{}]interface{}{}
	for _, r := range res.Rows {
		got[r["obs.date"]] = r["c"]
	}
	assert.Equal(t, map[interface{}]interface{}{nil: 1, "2020": 2, "2021": 1, "2022": 1}, got)
}

func TestAggregations(t *testing.T) {
	e := newTestExecutor(t, testFixtures)
	res, err := e.Query(context.Background(), &Query{
		AggregationOptions: []AggregationOption{
			{Operation: AggMin, FieldID: "exp", Out: "min"},
			{Operation: AggMax, FieldID: "exp", Out: "max"},
			{Operation: AggValuesAndCount, FieldID: "tel", Out: "tel"},
			{Operation: AggBoundingCap, Out: "cap"},
			{Operation: AggNumberHistogram, FieldID: "exp", Out: "hist"},
			{Operation: AggDateHistogram, FieldID: "obs.date", Out: "dates"},
		},
	})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	row := res.Rows[0]
	assert.Equal(t, 5.0, row["min"])
	assert.Equal(t, 50.0, row["max"])
	assert.Equal(t, map[string]int{"HST": 2, "JWST": 2, aggregate.UndefinedKey: 1}, row["tel"])
	assert.NotNil(t, row["cap"])

	hist, ok := row["hist"].(*aggregate.Histogram)
	require.True(t, ok)
	assert.Equal(t, 1, hist.Noval)
	assert.Equal(t, 4.5, hist.Step)

	dates, ok := row["dates"].(*aggregate.Histogram)
	require.True(t, ok)
	assert.Equal(t, 1, dates.Noval)
	assert.Equal(t, aggregate.StepMonth, dates.Step)
}

func TestUnionAreaOfIdenticalFeatures(t *testing.T) {
	e := newTestExecutor(t, testFixtures)
	res, err := e.Query(context.Background(), &Query{
		Constraints:        []Constraint{{FieldID: "geogroup_id", Operation: OpStringEqual, Expression: "g1"}},
		AggregationOptions: []AggregationOption{{Operation: AggUnionArea, Out: "area"}},
	})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)

	single := geo.Area(testFixtures[0].geom)
	area, ok := res.Rows[0]["area"].(float64)
	require.True(t, ok)
	assert.Less(t, area, 2*single)
	assert.InEpsilon(t, single, area, 0.01)
}

func TestUnionAreaOfDegreeBox(t *testing.T) {
	e := newTestExecutor(t, []fixture{{geom: box(-0.5, -0.5, 0.5, 0.5), geogroup: "g"}})
	res, err := e.Query(context.Background(), &Query{
		AggregationOptions: []AggregationOption{
			{Operation: AggUnionArea, Out: "area"},
			{Operation: AggUnion, Out: "geometry"},
		},
	})
	require.NoError(t, err)
	oneDeg := geo.Area(box(-0.5, -0.5, 0.5, 0.5))
	assert.InEpsilon(t, oneDeg, res.Rows[0]["area"], 0.01)
	assert.NotNil(t, res.Rows[0]["geometry"])
}

func TestCumulatedUnionHistogram(t *testing.T) {
	e := newTestExecutor(t, testFixtures)
	res, err := e.Query(context.Background(), &Query{
		AggregationOptions: []AggregationOption{
			{Operation: AggUnionAreaCumulatedDate, FieldID: "obs.date", Step: "year", Out: "h"},
		},
	})
	require.NoError(t, err)
	h, ok := res.Rows[0]["h"].(*aggregate.Histogram)
	require.True(t, ok)
	require.Len(t, h.Table, 4)
	assert.Equal(t, []interface{}{"Date", "Area"}, h.Table[0])
	assert.Equal(t, "2020", h.Table[1][0])
	assert.Equal(t, "2022", h.Table[3][0])
	prev := 0.0
	for _, row := range h.Table[1:] {
		a := row[1].(float64)
		assert.GreaterOrEqual(t, a, prev-1e-12, "cumulated area never decreases")
		prev = a
	}
	assert.Greater(t, h.Noval, 0)
}

func TestCumulatedHistogramNovalCountsFeatures(t *testing.T) {
	fixtures := []fixture{
		{geom: box(9.5, 9.5, 10.5, 10.5), geogroup: "g1", tel: "HST", date: "2020-01-05T00:00:00Z"},
		{geom: box(0, 0, 20, 20), geogroup: "g2", tel: "HST"},
	}
	e := newTestExecutor(t, fixtures)
	require.Greater(t, pixelCount(e, 2), 1, "undated feature spans several pixels")

	res, err := e.Query(context.Background(), &Query{
		AggregationOptions: []AggregationOption{
			{Operation: AggUnionAreaCumulatedDate, FieldID: "obs.date", Step: "year", Out: "h"},
		},
	})
	require.NoError(t, err)
	h, ok := res.Rows[0]["h"].(*aggregate.Histogram)
	require.True(t, ok)
	assert.Equal(t, 1, h.Noval)
	require.Len(t, h.Table, 2)
}

// pixelCount is the number of sub-features stored for feature id
func pixelCount(e *Executor, id int64) int {
	n := 0
	for _, fid := range e.store.SubFeatures.FeatureIDs {
		if fid == id {
			n++
		}
	}
	return n
}

func TestProjection(t *testing.T) {
	e := newTestExecutor(t, testFixtures)
	res, err := e.Query(context.Background(), &Query{
		Constraints:    []Constraint{{FieldID: "tel", Operation: OpStringEqual, Expression: "JWST"}},
		ProjectOptions: map[string]interface{}{"id": 1, "tel": 1, "geometry": 1},
		Skip:           1,
		Limit:          5,
	})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "5", res.Rows[0]["id"])
	assert.Equal(t, "JWST", res.Rows[0]["tel"])
	assert.NotNil(t, res.Rows[0]["geometry"])

	_, err = e.Query(context.Background(), &Query{ProjectOptions: map[string]interface{}{"nope": 1}})
	assert.True(t, errors.Is(err, ErrInvalidQuery))
}

func TestParseAndHash(t *testing.T) {
	q, err := Parse([]byte(`{"constraints":[{"fieldId":"tel","operation":"STRING_EQUAL","expression":"HST"}],
		"groupingOptions":[{"operation":"GROUP_ALL"}],"aggregationOptions":[{"operation":"COUNT","out":"total"}]}`))
	require.NoError(t, err)
	require.Len(t, q.Constraints, 1)
	assert.Equal(t, "HST", q.Constraints[0].Expression)
	assert.Equal(t, q.Hash(), q.Clone().Hash())
	assert.NotEqual(t, q.Hash(), countQuery().Hash())

	_, err = Parse([]byte(`{"constraints":`))
	assert.True(t, errors.Is(err, ErrInvalidQuery))
}
