package query

import (
	"context"
	"runtime"
	"sort"

	"github.com/kass/go-smt-index/pkg/aggregate"
	"github.com/kass/go-smt-index/pkg/store"
	"github.com/kass/go-smt-index/pkg/tiling"
	"github.com/paulmach/orb/geojson"
	"github.com/sirupsen/logrus"
)

// Executor runs queries against one immutable store generation. It holds no
// mutable state and is safe for concurrent use.
type Executor struct {
	store       *store.Store
	tiles       *tiling.Adapter
	log         logrus.FieldLogger
	parallelism int

	// OnUnion, when set, observes every per-pixel union computed
	OnUnion func(*aggregate.UnionResult)
}

// New returns an executor over st
func New(st *store.Store, tiles *tiling.Adapter, log logrus.FieldLogger) *Executor {
	if tiles == nil {
		tiles = tiling.New()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Executor{store: st, tiles: tiles, log: log, parallelism: runtime.GOMAXPROCS(0)}
}

// Store returns the store the executor reads
func (e *Executor) Store() *store.Store { return e.store }

// SetParallelism bounds the number of pixels unioned concurrently by one query
func (e *Executor) SetParallelism(n int) {
	if n > 0 {
		e.parallelism = n
	}
}

// Query evaluates q. Without aggregation options the filtered features are
// projected; otherwise one row is produced per group.
func (e *Executor) Query(ctx context.Context, q *Query) (*Result, error) {
	if q == nil {
		return nil, invalid("empty query")
	}
	if q.Limit < 0 || q.Skip < 0 {
		return nil, invalid("limit and skip must not be negative")
	}
	feats := e.store.Features
	rows, err := filter(feats, q.Constraints)
	if err != nil {
		return nil, err
	}

	var out []Row
	if len(q.AggregationOptions) == 0 {
		out, err = project(feats, paginate(rows, q.Skip, q.Limit), q.ProjectOptions)
	} else {
		out, err = e.aggregate(ctx, q, rows)
		out = paginate(out, q.Skip, q.Limit)
	}
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []Row{}
	}
	e.log.WithFields(logrus.Fields{
		"constraints": len(q.Constraints),
		"matched":     len(rows),
		"rows":        len(out),
	}).Debug("query evaluated")
	return &Result{Query: q, Rows: out}, nil
}

func paginate[T any](rows []T, skip, limit int) []T {
	if skip > 0 {
		if skip >= len(rows) {
			return nil
		}
		rows = rows[skip:]
	}
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}

// Projection pseudo-columns
const (
	projectGeometry   = "geometry"
	projectProperties = "properties"
)

func project(t *store.Table, rows []int32, opts map[string]interface{}) ([]Row, error) {
	keys := make([]string, 0, len(opts))
	for k := range opts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) == 0 {
		keys = t.Columns()
	}

	cols := make([]*store.Column, len(keys))
	for i, k := range keys {
		if k == projectGeometry || k == projectProperties {
			continue
		}
		c, err := lookupColumn(t, k)
		if err != nil {
			return nil, err
		}
		cols[i] = c
	}

	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		row := make(Row, len(keys))
		for i, k := range keys {
			switch {
			case k == projectGeometry:
				row[k] = geojson.NewGeometry(t.Geometry[r])
			case k == projectProperties:
				row[k] = t.Properties[r]
			default:
				row[k] = cols[i].Values[r].Interface()
			}
		}
		out = append(out, row)
	}
	return out, nil
}
