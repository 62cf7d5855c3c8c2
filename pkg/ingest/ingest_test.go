package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kass/go-smt-index/pkg/datasync"
	"github.com/kass/go-smt-index/pkg/store"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `{
  "title": "Test survey",
  "sources": ["a.geojson", "b.geojson"],
  "fields": [
    {"id": "TelescopeName", "type": "string", "widget": "tags"},
    {"id": "obs.exptime", "type": "number"},
    {"id": "double", "type": "number", "computed": "obs.exptime * 2"}
  ]
}`

func boxFeature(id int, lon, lat float64, extra string) string {
	return fmt.Sprintf(`{"type":"Feature","id":%d,%s"geometry":{"type":"Polygon","coordinates":[[[%g,%g],[%g,%g],[%g,%g],[%g,%g],[%g,%g]]]},
		"properties":{"TelescopeName":"HST","obs":{"exptime":%d}}}`,
		id, extra, lon, lat, lon+1, lat, lon+1, lat+1, lon, lat+1, lon, lat, 10*id)
}

func collection(features ...string) string {
	return `{"type":"FeatureCollection","features":[` + strings.Join(features, ",") + `]}`
}

func writeConfigDir(t *testing.T, a, b string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "smtConfig.json"), []byte(testConfig), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.geojson"), []byte(a), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.geojson"), []byte(b), 0o644))
	return dir
}

func newTestBuilder() *Builder {
	log, _ := test.NewNullLogger()
	b := NewBuilder(log)
	b.QuickTest = false
	return b
}

func TestGenerate(t *testing.T) {
	dir := writeConfigDir(t,
		collection(boxFeature(1, 10, 10, ""), boxFeature(2, 179.5, 0, `"FieldID":"field-7",`)),
		collection(boxFeature(3, -40, -30, "")),
	)
	out := filepath.Join(t.TempDir(), "store")

	meta, err := newTestBuilder().Generate(context.Background(), dir, out, map[string]interface{}{"commit": "abc"})
	require.NoError(t, err)
	assert.Equal(t, 3, meta.FeatureCount)
	assert.Greater(t, meta.SubFeatureCount, 3)

	fp, err := datasync.Fingerprint(dir)
	require.NoError(t, err)
	assert.Equal(t, fp, meta.Fingerprint)

	log, _ := test.NewNullLogger()
	st, err := store.Open(out, log)
	require.NoError(t, err)
	assert.Equal(t, "Test survey", st.Meta.Config.Title)
	assert.Equal(t, "abc", st.Meta.Extra["commit"])
	assert.Equal(t, []int64{0, 1, 2}, st.Features.FeatureIDs, "ids follow source order")

	gg, ok := st.Features.Column(store.ColumnGeogroupID)
	require.True(t, ok)
	assert.Equal(t, "HST1", gg.Values[0].Str)
	assert.Equal(t, "field-7", gg.Values[1].Str)
	assert.Equal(t, "HST3", gg.Values[2].Str)

	exp, ok := st.Features.Column("obs_exptime")
	require.True(t, ok)
	assert.Equal(t, 10.0, exp.Values[0].Num)
	double, ok := st.Features.Column("double")
	require.True(t, ok)
	assert.Equal(t, 60.0, double.Values[2].Num)

	t.Run("antimeridian feature is contiguous", func(t *testing.T) {
		b := st.Features.Geometry[1].Bound()
		assert.Less(t, b.Max[0]-b.Min[0], 2.0)
	})
}

func TestGenerateQuickTest(t *testing.T) {
	var feats []string
	for i := 0; i < QuickTestLimit+20; i++ {
		feats = append(feats, boxFeature(i, float64(i%60)*5-150, float64(i/60)*5, ""))
	}
	dir := writeConfigDir(t, collection(feats...), collection())
	b := newTestBuilder()
	b.QuickTest = true

	meta, err := b.Generate(context.Background(), dir, filepath.Join(t.TempDir(), "store"), nil)
	require.NoError(t, err)
	assert.Equal(t, QuickTestLimit, meta.FeatureCount)
}

func TestGenerateFailureKeepsPreviousStore(t *testing.T) {
	out := filepath.Join(t.TempDir(), "store")
	good := writeConfigDir(t, collection(boxFeature(1, 10, 10, "")), collection())
	meta, err := newTestBuilder().Generate(context.Background(), good, out, nil)
	require.NoError(t, err)

	bad := writeConfigDir(t, collection(boxFeature(1, 10, 10, "")), `{"type":"FeatureCollection","features":[`)
	_, err = newTestBuilder().Generate(context.Background(), bad, out, nil)
	require.Error(t, err)

	fp, err := store.ReadFingerprint(out)
	require.NoError(t, err)
	assert.Equal(t, meta.Fingerprint, fp)

	entries, err := os.ReadDir(filepath.Dir(out))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary generation removed")
}

func TestGenerateCancelled(t *testing.T) {
	dir := writeConfigDir(t, collection(boxFeature(1, 10, 10, "")), collection())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestBuilder().Generate(ctx, dir, filepath.Join(t.TempDir(), "store"), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGenerateMissingConfig(t *testing.T) {
	_, err := newTestBuilder().Generate(context.Background(), t.TempDir(), filepath.Join(t.TempDir(), "store"), nil)
	assert.Error(t, err)
}
