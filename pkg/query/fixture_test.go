package query

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/kass/go-smt-index/pkg/config"
	"github.com/kass/go-smt-index/pkg/expr"
	"github.com/kass/go-smt-index/pkg/geo"
	"github.com/kass/go-smt-index/pkg/models"
	"github.com/kass/go-smt-index/pkg/splitter"
	"github.com/kass/go-smt-index/pkg/store"
	"github.com/kass/go-smt-index/pkg/tiling"
	"github.com/paulmach/orb"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

const testOrder = 5

var testFields = []models.FieldDescriptor{
	{ID: "tel", Type: models.FieldString, Widget: models.WidgetTags},
	{ID: "exp", Type: models.FieldNumber},
	{ID: "obs.date", Type: models.FieldDate},
}

// fixture is one test footprint with the properties it is ingested with
type fixture struct {
	geom     orb.MultiPolygon
	geogroup string
	tel      string
	exp      *float64
	date     string
}

func (f fixture) properties() json.RawMessage {
	props := map[string]interface{}{}
	if f.tel != "" {
		props["tel"] = f.tel
	}
	if f.exp != nil {
		props["exp"] = *f.exp
	}
	if f.date != "" {
		props["obs"] = map[string]interface{}{"date": f.date}
	}
	raw, _ := json.Marshal(props)
	return raw
}

func num(v float64) *float64 { return &v }

func box(minLon, minLat, maxLon, maxLat float64) orb.MultiPolygon {
	return orb.MultiPolygon{{{
		{minLon, minLat}, {maxLon, minLat}, {maxLon, maxLat}, {minLon, maxLat}, {minLon, minLat},
	}}}
}

var testFixtures = []fixture{
	{geom: box(9.5, 9.5, 10.5, 10.5), geogroup: "g1", tel: "HST", exp: num(10), date: "2020-01-05T00:00:00Z"},
	{geom: box(9.5, 9.5, 10.5, 10.5), geogroup: "g1", tel: "HST", exp: num(20), date: "2020-03-01T00:00:00Z"},
	{geom: box(39.5, -20.5, 40.5, -19.5), geogroup: "g2", tel: "JWST", date: "2021-06-01T00:00:00Z"},
	{geom: box(-160.5, 29.5, -159.5, 30.5), geogroup: "g3", exp: num(5)},
	{geom: box(10, 10, 11, 11), geogroup: "g2", tel: "JWST", exp: num(50), date: "2022-01-01T00:00:00Z"},
}

// buildTestStore ingests fixtures into a published store and loads it
func buildTestStore(t *testing.T, fixtures []fixture) (*store.Store, *tiling.Adapter) {
	t.Helper()
	log, _ := test.NewNullLogger()
	tiles := tiling.New()
	sp, err := splitter.New(tiles, testOrder, log)
	require.NoError(t, err)
	x, err := expr.NewExtractor(testFields)
	require.NoError(t, err)

	target := filepath.Join(t.TempDir(), "store")
	w, err := store.Create(target, log)
	require.NoError(t, err)

	var feats []*models.Feature
	var subs []*models.SubFeature
	for i, fx := range fixtures {
		mp := geo.NormalizeMultiPolygon(fx.geom)
		props := fx.properties()
		f := &models.Feature{
			ID:           int64(i + 1),
			Geometry:     mp,
			Properties:   props,
			GeogroupID:   fx.geogroup,
			Fields:       x.Extract(props),
			Cap:          geo.BoundingCap(mp),
			Area:         geo.Area(mp),
			HealpixIndex: tiles.CentroidPixelIndex(mp, testOrder),
		}
		feats = append(feats, f)
		subs = append(subs, splitter.ToSubFeatures(f, sp.Split(mp))...)
	}
	require.NoError(t, w.WriteSource(context.Background(), feats, subs))
	require.NoError(t, w.Finalize(store.Meta{
		Config: config.Config{Title: "Test survey", HealpixOrder: testOrder, Fields: testFields},
	}))
	require.NoError(t, w.Publish())

	st, err := store.Open(target, log)
	require.NoError(t, err)
	return st, tiles
}

func newTestExecutor(t *testing.T, fixtures []fixture) *Executor {
	t.Helper()
	st, tiles := buildTestStore(t, fixtures)
	log, _ := test.NewNullLogger()
	return New(st, tiles, log)
}
