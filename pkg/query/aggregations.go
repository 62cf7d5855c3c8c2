package query

import (
	"context"

	"github.com/kass/go-smt-index/pkg/aggregate"
	"github.com/kass/go-smt-index/pkg/models"
	"github.com/kass/go-smt-index/pkg/store"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"golang.org/x/sync/errgroup"
)

// aggSpec is a validated aggregation directive
type aggSpec struct {
	AggregationOption
	col  *store.Column
	sub  *store.Column
	step aggregate.DateStep
}

func (s *aggSpec) needsSubFeatures() bool {
	switch s.Operation {
	case AggUnion, AggUnionArea, AggUnionAreaCumulatedDate:
		return true
	}
	return false
}

func (e *Executor) compileAggregations(opts []AggregationOption) ([]*aggSpec, error) {
	feats, subs := e.store.Features, e.store.SubFeatures
	specs := make([]*aggSpec, 0, len(opts))
	for _, o := range opts {
		if o.Out == "" {
			return nil, invalid("aggregation %s has no out name", o.Operation)
		}
		s := &aggSpec{AggregationOption: o}
		switch o.Operation {
		case AggCount, AggBoundingCap, AggUnion, AggUnionArea:
		case AggMin, AggMax, AggMinMax, AggValuesAndCount:
			col, err := lookupColumn(feats, o.FieldID)
			if err != nil {
				return nil, err
			}
			s.col = col
		case AggDateHistogram, AggNumberHistogram:
			col, err := lookupColumn(feats, o.FieldID)
			if err != nil {
				return nil, err
			}
			if o.Operation == AggDateHistogram && col.Type != models.FieldDate {
				return nil, invalid("DATE_HISTOGRAM needs a date field, %s is %s", o.FieldID, col.Type)
			}
			if o.Operation == AggNumberHistogram && col.Type != models.FieldNumber && col.Type != models.FieldInt {
				return nil, invalid("NUMBER_HISTOGRAM needs a numeric field, %s is %s", o.FieldID, col.Type)
			}
			s.col = col
		case AggUnionAreaCumulatedDate:
			if o.Step == "" {
				return nil, invalid("%s needs a step", o.Operation)
			}
			step, err := aggregate.ParseDateStep(o.Step)
			if err != nil {
				return nil, invalid("%s: %v", o.Operation, err)
			}
			col, err := lookupColumn(subs, o.FieldID)
			if err != nil {
				return nil, err
			}
			if col.Type != models.FieldDate {
				return nil, invalid("%s needs a date field, %s is %s", o.Operation, o.FieldID, col.Type)
			}
			s.sub, s.step = col, step
		default:
			return nil, unsupported("unsupported aggregation operation %q", o.Operation)
		}
		specs = append(specs, s)
	}
	return specs, nil
}

func (e *Executor) aggregate(ctx context.Context, q *Query, rows []int32) ([]Row, error) {
	feats := e.store.Features
	g, err := newGrouper(feats, q.GroupingOptions)
	if err != nil {
		return nil, err
	}
	specs, err := e.compileAggregations(q.AggregationOptions)
	if err != nil {
		return nil, err
	}

	// union aggregations run on the sub-features matching the same constraints,
	// grouped the same way
	var subGroups map[string][]int32
	for _, s := range specs {
		if !s.needsSubFeatures() {
			continue
		}
		subs := e.store.SubFeatures
		subRows, err := filter(subs, q.Constraints)
		if err != nil {
			return nil, err
		}
		sg, err := g.rebind(subs)
		if err != nil {
			return nil, err
		}
		subGroups = make(map[string][]int32)
		for _, gr := range sg.group(subRows) {
			subGroups[groupKey(gr.key)] = gr.rows
		}
		break
	}

	groups := g.group(rows)
	out := make([]Row, 0, len(groups))
	for _, gr := range groups {
		row := make(Row, len(specs)+1)
		g.annotate(row, gr.key)
		for _, s := range specs {
			v, err := e.evaluate(ctx, s, gr.rows, subGroups[groupKey(gr.key)])
			if err != nil {
				return nil, err
			}
			row[s.Out] = v
		}
		out = append(out, row)
	}
	return out, nil
}

func (e *Executor) evaluate(ctx context.Context, s *aggSpec, rows, subRows []int32) (interface{}, error) {
	feats := e.store.Features
	switch s.Operation {
	case AggCount:
		return len(rows), nil
	case AggMin, AggMax, AggMinMax:
		var mm aggregate.MinMax
		for _, r := range rows {
			mm.Step(s.col.Values[r])
		}
		switch s.Operation {
		case AggMin:
			return mm.Min().Interface(), nil
		case AggMax:
			return mm.Max().Interface(), nil
		}
		if res := mm.Result(); res != nil {
			return res, nil
		}
		return nil, nil
	case AggValuesAndCount:
		vc := aggregate.NewValuesAndCount(s.Limit)
		for _, r := range rows {
			vc.Step(s.col.Values[r])
		}
		if res := vc.Result(); res != nil {
			return res, nil
		}
		return nil, nil
	case AggBoundingCap:
		var bc aggregate.BoundingCap
		for _, r := range rows {
			bc.Step(feats.Caps[r])
		}
		if c := bc.Result(); c != nil {
			return c, nil
		}
		return nil, nil
	case AggDateHistogram:
		var h aggregate.DateHistogram
		for _, r := range rows {
			h.Step(s.col.Values[r])
		}
		return h.Result(), nil
	case AggNumberHistogram:
		var h aggregate.NumberHistogram
		for _, r := range rows {
			h.Step(s.col.Values[r])
		}
		return h.Result(), nil
	case AggUnion:
		unions, err := e.unionByPixel(ctx, subRows)
		if err != nil {
			return nil, err
		}
		var mp orb.MultiPolygon
		for _, u := range unions {
			mp = append(mp, e.unionGeometry(u)...)
		}
		if len(mp) == 0 {
			return nil, nil
		}
		return geojson.NewGeometry(mp), nil
	case AggUnionArea:
		unions, err := e.unionByPixel(ctx, subRows)
		if err != nil {
			return nil, err
		}
		total := 0.0
		for _, u := range unions {
			total += u.Area
		}
		return total, nil
	case AggUnionAreaCumulatedDate:
		return e.cumulatedHistogram(ctx, s, subRows)
	}
	return nil, unsupported("unsupported aggregation operation %q", s.Operation)
}

// pixelRuns splits sub-feature rows, which are ordered by pixel, into per-pixel runs
func pixelRuns(subs *store.Table, rows []int32) [][]int32 {
	var runs [][]int32
	start := 0
	for i := 1; i <= len(rows); i++ {
		if i == len(rows) || subs.Pixels[rows[i]] != subs.Pixels[rows[start]] {
			runs = append(runs, rows[start:i])
			start = i
		}
	}
	return runs
}

// unionByPixel unions the sub-features of each pixel, pixels in parallel
func (e *Executor) unionByPixel(ctx context.Context, rows []int32) ([]*aggregate.UnionResult, error) {
	subs := e.store.SubFeatures
	runs := pixelRuns(subs, rows)
	results := make([]*aggregate.UnionResult, len(runs))

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(e.parallelism)
	for i, run := range runs {
		eg.Go(func() error {
			u := aggregate.NewPixelUnion(e.tiles, e.store.Order(), subs.Pixels[run[0]], e.log)
			for _, r := range run {
				u.Add(subs.Local[r], subs.Areas[r])
			}
			res, err := u.Result(ctx)
			if err != nil {
				return err
			}
			if e.OnUnion != nil {
				e.OnUnion(res)
			}
			results[i] = res
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// unionGeometry is the union in the original frame, or the pixel itself once saturated
func (e *Executor) unionGeometry(u *aggregate.UnionResult) orb.MultiPolygon {
	if u.Saturated {
		return orb.MultiPolygon{e.tiles.PixelCorners(e.store.Order(), u.Pixel)}
	}
	return u.Geometry()
}

func (e *Executor) cumulatedHistogram(ctx context.Context, s *aggSpec, rows []int32) (interface{}, error) {
	subs := e.store.SubFeatures
	out := &aggregate.Histogram{Step: s.step, Table: [][]interface{}{{"Date", "Area"}}}

	// a feature spanning several pixels is one missing value, not one per pixel
	noval := make(map[int64]struct{})
	var runs [][]int32
	for _, run := range pixelRuns(subs, rows) {
		var kept []int32
		for _, r := range run {
			if s.sub.Values[r].IsNull() {
				noval[subs.FeatureIDs[r]] = struct{}{}
				continue
			}
			kept = append(kept, r)
		}
		if len(kept) > 0 {
			runs = append(runs, kept)
		}
	}
	out.Noval = len(noval)

	series := make([][]aggregate.BinArea, len(runs))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(e.parallelism)
	for i, run := range runs {
		eg.Go(func() error {
			h := aggregate.NewCumulatedHistogram(e.tiles, e.store.Order(), subs.Pixels[run[0]], e.log)
			for _, r := range run {
				h.Add(s.step.Bin(s.sub.Values[r].Time()), subs.Local[r], subs.Areas[r])
			}
			res, err := h.Result(ctx)
			if err != nil {
				return err
			}
			series[i] = res
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	merged := aggregate.MergeCumulated(series)
	for _, b := range merged {
		out.Table = append(out.Table, []interface{}{b.Bin, b.Area})
	}
	if len(merged) > 0 {
		out.Min, out.Max = merged[0].Bin, merged[len(merged)-1].Bin
	}
	return out, nil
}
