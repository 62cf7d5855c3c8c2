package datasync

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `{"sources": ["a.geojson"], "fields": [{"id": "tel", "type": "string"}]}`

func writeDir(t *testing.T, source string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "smtConfig.json"), []byte(testConfig), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.geojson"), []byte(source), 0o644))
	return dir
}

func TestHash(t *testing.T) {
	type pair struct {
		A int
		B string
	}
	assert.Equal(t, Hash(pair{1, "x"}), Hash(pair{1, "x"}))
	assert.NotEqual(t, Hash(pair{1, "x"}), Hash(pair{2, "x"}))
	assert.Len(t, Hash(pair{1, "x"}), 32)

	// gob cannot encode a struct without encodable fields; spew still hashes it
	type opaque struct{ C chan int }
	assert.Len(t, Hash(opaque{}), 32)
	assert.Len(t, Hash(math.NaN()), 32)
}

func TestFingerprint(t *testing.T) {
	a := writeDir(t, `{"type":"FeatureCollection","features":[]}`)
	b := writeDir(t, `{"type":"FeatureCollection","features":[]}`)
	c := writeDir(t, `{"type":"FeatureCollection","features":[{}]}`)

	fa, err := Fingerprint(a)
	require.NoError(t, err)
	fb, err := Fingerprint(b)
	require.NoError(t, err)
	fc, err := Fingerprint(c)
	require.NoError(t, err)

	assert.Equal(t, fa, fb, "same content in another directory")
	assert.NotEqual(t, fa, fc, "source content is part of the fingerprint")

	old := CodeVersion
	CodeVersion = "other"
	defer func() { CodeVersion = old }()
	fa2, err := Fingerprint(a)
	require.NoError(t, err)
	assert.NotEqual(t, fa, fa2)
}

func TestFingerprintMissingSource(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "smtConfig.json"), []byte(testConfig), 0o644))
	_, err := Fingerprint(dir)
	assert.Error(t, err)
}

func TestWatcherCheck(t *testing.T) {
	dir := writeDir(t, `{"type":"FeatureCollection","features":[]}`)
	fp, err := Fingerprint(dir)
	require.NoError(t, err)
	log, _ := test.NewNullLogger()

	var calls atomic.Int32
	w, err := NewWatcher(dir, fp, func(ctx context.Context, got string) error {
		calls.Add(1)
		return nil
	}, log)
	require.NoError(t, err)

	require.NoError(t, w.Check(context.Background()))
	assert.Equal(t, int32(0), calls.Load(), "unchanged fingerprint skips the sync")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.geojson"), []byte(`{"features":[{}]}`), 0o644))
	require.NoError(t, w.Check(context.Background()))
	assert.Equal(t, int32(1), calls.Load())
	assert.NotEqual(t, fp, w.Last())
}

func TestWatcherRun(t *testing.T) {
	dir := writeDir(t, `{"type":"FeatureCollection","features":[]}`)
	fp, err := Fingerprint(dir)
	require.NoError(t, err)
	log, _ := test.NewNullLogger()

	synced := make(chan string, 1)
	w, err := NewWatcher(dir, fp, func(ctx context.Context, got string) error {
		synced <- got
		return nil
	}, log)
	require.NoError(t, err)
	w.SetDebounce(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.geojson"), []byte(`{"features":[{},{}]}`), 0o644))
	select {
	case got := <-synced:
		assert.NotEqual(t, fp, got)
	case <-time.After(5 * time.Second):
		t.Fatal("sync was not triggered")
	}
}

func TestIgnored(t *testing.T) {
	assert.True(t, ignored("/x/.a.swp"))
	assert.True(t, ignored("/x/store.tmp-123"))
	assert.False(t, ignored("/x/a.geojson"))
}
