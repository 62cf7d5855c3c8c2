package postgis

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kass/go-smt-index/pkg/ingest"
	"github.com/kass/go-smt-index/pkg/store"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	cfg := `{"sources":["a.geojson"],"fields":[{"id":"TelescopeName","type":"string"}]}`
	src := `{"type":"FeatureCollection","features":[{"type":"Feature","FieldID":"f1",
		"geometry":{"type":"Polygon","coordinates":[[[10,10],[11,10],[11,11],[10,11],[10,10]]]},
		"properties":{"TelescopeName":"HST"}}]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "smtConfig.json"), []byte(cfg), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.geojson"), []byte(src), 0o644))

	log, _ := test.NewNullLogger()
	out := filepath.Join(t.TempDir(), "store")
	b := ingest.NewBuilder(log)
	_, err := b.Generate(context.Background(), dir, out, nil)
	require.NoError(t, err)
	st, err := store.Open(out, log)
	require.NoError(t, err)
	return st
}

func TestDSN(t *testing.T) {
	c := ConnConfig{Host: "db", Port: 5432, User: "u", Password: "p", DBName: "smt"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=smt sslmode=disable", c.DSN())
	c.SSLMode = "require"
	assert.True(t, strings.HasSuffix(c.DSN(), "sslmode=require"))
}

func TestSchemaStatements(t *testing.T) {
	p := &Exporter{prefix: "survey"}
	name := p.tableName(store.TableSubFeatures)
	assert.Equal(t, `"survey_subfeatures"`, name)

	stmts := schemaStatements(name)
	require.Len(t, stmts, 4)
	assert.Contains(t, stmts[2], "GEOMETRY(MULTIPOLYGON, 4326)")
	assert.Contains(t, stmts[3], `"survey_subfeatures_geom_idx"`)
	assert.Contains(t, insertStatement(name), "ST_GeomFromGeoJSON($7)")
}

func TestRowArgs(t *testing.T) {
	st := buildStore(t)

	args, err := rowArgs(st.Features, 0)
	require.NoError(t, err)
	require.Len(t, args, 7)
	assert.Equal(t, int64(0), args[0])
	assert.Equal(t, "f1", args[2])

	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(args[4].(string)), &fields))
	assert.Equal(t, "HST", fields["TelescopeName"])
	assert.Contains(t, args[5], "TelescopeName")
	assert.Contains(t, args[6], `"MultiPolygon"`)

	args, err = rowArgs(st.SubFeatures, 0)
	require.NoError(t, err)
	assert.Nil(t, args[5], "sub-features carry no properties")
}

// TestExport runs against a real database when SMT_POSTGIS_DSN is set
func TestExport(t *testing.T) {
	dsn := os.Getenv("SMT_POSTGIS_DSN")
	if dsn == "" {
		t.Skip("SMT_POSTGIS_DSN not set")
	}
	st := buildStore(t)
	log, _ := test.NewNullLogger()
	p, err := Open(context.Background(), dsn, "smt_test", log)
	require.NoError(t, err)
	defer p.Close()
	require.NoError(t, p.Export(context.Background(), st))

	var n int
	require.NoError(t, p.db.QueryRow("SELECT COUNT(*) FROM "+p.tableName(store.TableFeatures)).Scan(&n))
	assert.Equal(t, 1, n)
}
