package query

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/kass/go-smt-index/pkg/aggregate"
	"github.com/kass/go-smt-index/pkg/config"
	"github.com/kass/go-smt-index/pkg/healpix"
	"github.com/kass/go-smt-index/pkg/models"
	"github.com/kass/go-smt-index/pkg/store"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// AllSkyOrder requests a single whole-sky summary instead of a tile
const AllSkyOrder = -1

// LOD is a tile level of detail
type LOD int

const (
	// LODPixel draws the bare pixel shapes, grouped by pixel
	LODPixel LOD = 0
	// LODUnion draws the union of all footprints of each pixel
	LODUnion LOD = 1
	// LODGeogroup draws one union per pixel and geogroup
	LODGeogroup LOD = 2
)

// LODForOrder is the level of detail served for a tile order
func LODForOrder(order int) LOD {
	if order == 1 {
		return LODPixel
	}
	return LODGeogroup
}

// TileFeature is one summary feature of a tile
type TileFeature struct {
	Type         string                 `json:"type"`
	Geometry     *geojson.Geometry      `json:"geometry"`
	Properties   map[string]interface{} `json:"properties"`
	GeogroupID   interface{}            `json:"geogroup_id"`
	HealpixIndex interface{}            `json:"healpix_index"`
	GeogroupSize int                    `json:"geogroup_size"`
}

// Tile is a GeoJSON feature collection of tile summaries
type Tile struct {
	Type     string         `json:"type"`
	Features []*TileFeature `json:"features"`
}

// Tile summarizes the sub-features matching q inside pixel pix of the given order,
// at the level of detail of that order. It returns nil when nothing matches.
func (e *Executor) Tile(ctx context.Context, q *Query, order int, pix int64) (*Tile, error) {
	return e.TileLOD(ctx, q, order, pix, LODForOrder(order))
}

// TileLOD is Tile at an explicit level of detail
func (e *Executor) TileLOD(ctx context.Context, q *Query, order int, pix int64, lod LOD) (*Tile, error) {
	if q == nil {
		q = &Query{}
	}
	base := e.store.Order()
	cq := q.Clone()
	if order != AllSkyOrder {
		if order < 0 || order > base {
			return nil, invalid("tile order %d out of range [0,%d]", order, base)
		}
		if err := healpix.CheckPixel(order, pix); err != nil {
			return nil, invalid("%v", err)
		}
		scale := int64(1) << uint(2*(base-order))
		first := pix * scale
		cq.Constraints = append(cq.Constraints, Constraint{
			FieldID:    store.ColumnHealpixIndex,
			Operation:  OpNumberRange,
			Expression: []interface{}{float64(first), float64(first + scale - 1)},
		})
	}

	subs := e.store.SubFeatures
	rows, err := filter(subs, cq.Constraints)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	fields := e.store.Fields()
	if order == AllSkyOrder {
		f := &TileFeature{
			Type:         "Feature",
			Geometry:     geojson.NewGeometry(e.tiles.AllSky()),
			Properties:   summarize(subs, fields, rows),
			GeogroupSize: len(rows),
		}
		return &Tile{Type: "FeatureCollection", Features: []*TileFeature{f}}, nil
	}

	keys := []string{store.ColumnHealpixIndex}
	if lod >= LODGeogroup {
		keys = append(keys, store.ColumnGeogroupID)
	}
	if len(q.GroupingOptions) == 1 && q.GroupingOptions[0].Operation == GroupBy {
		extra := q.GroupingOptions[0].FieldID
		if _, err := lookupColumn(subs, extra); err != nil {
			return nil, err
		}
		keys = append(keys, columnName(extra))
	}
	groups := groupByColumns(subs, keys, rows)

	tile := &Tile{Type: "FeatureCollection"}
	for _, gr := range groups {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pixel := subs.Pixels[gr[0]]
		var mp orb.MultiPolygon
		if lod == LODPixel {
			mp = orb.MultiPolygon{e.tiles.PixelCorners(base, pixel)}
		} else {
			u := aggregate.NewPixelUnion(e.tiles, base, pixel, e.log)
			for _, r := range gr {
				u.Add(subs.Local[r], subs.Areas[r])
			}
			res, err := u.Result(ctx)
			if err != nil {
				return nil, err
			}
			if e.OnUnion != nil {
				e.OnUnion(res)
			}
			mp = e.unionGeometry(res)
		}
		if len(mp) == 0 {
			continue
		}
		f := &TileFeature{
			Type:         "Feature",
			Geometry:     geojson.NewGeometry(mp),
			Properties:   summarize(subs, fields, gr),
			HealpixIndex: pixel,
			GeogroupSize: len(gr),
		}
		if lod >= LODGeogroup {
			f.GeogroupID = groupValue(subs, store.ColumnGeogroupID, gr[0])
		}
		tile.Features = append(tile.Features, f)
	}
	if len(tile.Features) == 0 {
		return nil, nil
	}
	return tile, nil
}

// summarize aggregates the schema fields of a tile group: ranges for plain fields,
// tallies for tag fields
func summarize(t *store.Table, fields []models.FieldDescriptor, rows []int32) map[string]interface{} {
	props := make(map[string]interface{}, len(fields))
	for _, f := range fields {
		col, ok := t.Column(f.Column())
		if !ok {
			continue
		}
		if f.Widget == models.WidgetTags {
			vc := aggregate.NewValuesAndCount(0)
			for _, r := range rows {
				vc.Step(col.Values[r])
			}
			if res := vc.Result(); res != nil {
				props[f.Column()] = res
			}
			continue
		}
		var mm aggregate.MinMax
		for _, r := range rows {
			mm.Step(col.Values[r])
		}
		if res := mm.Result(); res != nil {
			props[f.Column()] = res
		}
	}
	return props
}

func groupValue(t *store.Table, column string, row int32) interface{} {
	c, _ := t.Column(column)
	return c.Values[row].Interface()
}

// groupByColumns groups rows on the tuple of the given columns, in ascending tuple order
func groupByColumns(t *store.Table, columns []string, rows []int32) [][]int32 {
	cols := make([]*store.Column, len(columns))
	for i, name := range columns {
		cols[i], _ = t.Column(name)
	}
	type tuple struct {
		vals []models.Value
		rows []int32
	}
	idx := make(map[string]int)
	var groups []*tuple
	var sb strings.Builder
	for _, r := range rows {
		sb.Reset()
		vals := make([]models.Value, len(cols))
		for i, c := range cols {
			vals[i] = c.Values[r]
			sb.WriteString(groupKey(vals[i]))
			sb.WriteByte(0)
		}
		k := sb.String()
		i, ok := idx[k]
		if !ok {
			i = len(groups)
			idx[k] = i
			groups = append(groups, &tuple{vals: vals})
		}
		groups[i].rows = append(groups[i].rows, r)
	}
	sort.SliceStable(groups, func(i, j int) bool {
		for k := range groups[i].vals {
			if c := models.Compare(groups[i].vals[k], groups[j].vals[k]); c != 0 {
				return c < 0
			}
		}
		return false
	})
	out := make([][]int32, len(groups))
	for i, g := range groups {
		out[i] = g.rows
	}
	return out
}

// HipsProperties is the HiPS properties document of the store
func HipsProperties(cfg config.Config) string {
	title := cfg.Title
	if title == "" {
		title = config.DefaultTitle
	}
	return fmt.Sprintf("hips_tile_format = geojson\nhips_order = 2\nhips_order_min = 1\nhips_tile_width = 400\nobs_title = %s", title)
}
