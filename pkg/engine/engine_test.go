package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/kass/go-smt-index/pkg/query"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `{
  "title": "Engine survey",
  "sources": ["a.geojson"],
  "fields": [
    {"id": "TelescopeName", "type": "string", "widget": "tags"},
    {"id": "exptime", "type": "number"}
  ]
}`

func box(id int, lon, lat float64) string {
	return fmt.Sprintf(`{"type":"Feature","id":%d,"geometry":{"type":"Polygon","coordinates":[[[%g,%g],[%g,%g],[%g,%g],[%g,%g],[%g,%g]]]},
		"properties":{"TelescopeName":"HST","exptime":%d}}`,
		id, lon, lat, lon+1, lat, lon+1, lat+1, lon, lat+1, lon, lat, id)
}

func writeSource(t *testing.T, dir string, boxes ...string) {
	t.Helper()
	src := `{"type":"FeatureCollection","features":[` + strings.Join(boxes, ",") + `]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.geojson"), []byte(src), 0o644))
}

func newTestEngine(t *testing.T) (*Engine, string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "smtConfig.json"), []byte(testConfig), 0o644))
	writeSource(t, dir, box(1, 10, 10), box(2, 40, -20))

	log, _ := test.NewNullLogger()
	e, err := Open(Options{
		ConfigDir: dir,
		StorePath: filepath.Join(t.TempDir(), "store"),
		Extra:     map[string]interface{}{"version": "test"},
		Workers:   2,
		Log:       log,
	})
	require.NoError(t, err)
	e.builder.QuickTest = false
	return e, dir
}

func count(t *testing.T, e *Engine) interface{} {
	t.Helper()
	res, err := e.Query(context.Background(), &query.Query{
		AggregationOptions: []query.AggregationOption{{Operation: query.AggCount, Out: "c"}},
	})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	return res.Rows[0]["c"]
}

func TestNotReady(t *testing.T) {
	e, _ := newTestEngine(t)
	assert.False(t, e.Status().Ready)
	assert.Empty(t, e.Fingerprint())

	_, err := e.Query(context.Background(), &query.Query{})
	assert.True(t, errors.Is(err, ErrNotReady))
	_, err = e.Tile(context.Background(), nil, 1, 0)
	assert.True(t, errors.Is(err, ErrNotReady))
	_, err = e.Config()
	assert.True(t, errors.Is(err, ErrNotReady))
	_, err = e.HipsProperties()
	assert.True(t, errors.Is(err, ErrNotReady))
}

func TestSync(t *testing.T) {
	e, dir := newTestEngine(t)
	ctx := context.Background()

	built, err := e.Sync(ctx)
	require.NoError(t, err)
	assert.True(t, built)
	assert.Equal(t, 2, count(t, e))

	st := e.Status()
	assert.True(t, st.Ready)
	assert.Equal(t, 2, st.FeatureCount)
	assert.NotEmpty(t, st.Generation)
	gen := st.Generation

	built, err = e.Sync(ctx)
	require.NoError(t, err)
	assert.False(t, built, "unchanged fingerprint skips the build")
	assert.Equal(t, gen, e.Status().Generation)

	writeSource(t, dir, box(1, 10, 10), box(2, 40, -20), box(3, -60, 30))
	built, err = e.Sync(ctx)
	require.NoError(t, err)
	assert.True(t, built)
	assert.Equal(t, 3, count(t, e))
	assert.NotEqual(t, gen, e.Status().Generation)
}

func TestRebuildFailureKeepsGeneration(t *testing.T) {
	e, dir := newTestEngine(t)
	_, err := e.Rebuild(context.Background())
	require.NoError(t, err)
	fp := e.Fingerprint()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.geojson"), []byte("{not json"), 0o644))
	_, err = e.Rebuild(context.Background())
	require.Error(t, err)

	st := e.Status()
	assert.True(t, st.Ready)
	assert.NotEmpty(t, st.LastError)
	assert.Equal(t, fp, e.Fingerprint())
	assert.Equal(t, 2, count(t, e))
}

func TestRebuildCancelled(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Rebuild(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, e.Status().Ready)
}

func TestReopen(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.Rebuild(context.Background())
	require.NoError(t, err)

	log, _ := test.NewNullLogger()
	again, err := Open(Options{ConfigDir: e.opts.ConfigDir, StorePath: e.opts.StorePath, Log: log})
	require.NoError(t, err)
	assert.True(t, again.Status().Ready)
	assert.Equal(t, e.Fingerprint(), again.Fingerprint())
}

func TestMetadata(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.Rebuild(context.Background())
	require.NoError(t, err)

	cfg, err := e.Config()
	require.NoError(t, err)
	assert.Equal(t, "Engine survey", cfg.Title)

	extra, err := e.ExtraInfo()
	require.NoError(t, err)
	assert.Equal(t, "test", extra["version"])

	props, err := e.HipsProperties()
	require.NoError(t, err)
	assert.Contains(t, props, "obs_title = Engine survey")
}

func TestTile(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.Rebuild(context.Background())
	require.NoError(t, err)

	tile, err := e.Tile(context.Background(), nil, query.AllSkyOrder, 0)
	require.NoError(t, err)
	require.NotNil(t, tile)
	require.Len(t, tile.Features, 1)
}

func TestQueryRegistry(t *testing.T) {
	log, _ := test.NewNullLogger()
	e, err := Open(Options{StorePath: filepath.Join(t.TempDir(), "none"), RegistrySize: 2, Log: log})
	require.NoError(t, err)

	q1 := &query.Query{Constraints: []query.Constraint{{FieldID: "TelescopeName", Operation: query.OpStringEqual, Expression: "HST"}}}
	q2 := &query.Query{Limit: 3}
	q3 := &query.Query{Skip: 1}

	h1 := e.RegisterQuery(q1)
	assert.Equal(t, h1, e.RegisterQuery(q1.Clone()), "same query, same hash")
	got, ok := e.LookupQuery(h1)
	require.True(t, ok)
	assert.Equal(t, q1.Constraints, got.Constraints)

	e.RegisterQuery(q2)
	e.RegisterQuery(q3)
	_, ok = e.LookupQuery(h1)
	assert.False(t, ok, "oldest entry evicted")
	_, ok = e.LookupQuery("missing")
	assert.False(t, ok)
}
