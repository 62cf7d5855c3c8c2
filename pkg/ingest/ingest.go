// Package ingest builds a store from a config directory: it parses and
// normalizes every GeoJSON source, derives the schema fields, splits each
// footprint on the HEALPix grid and publishes the indexed result.
package ingest

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/kass/go-smt-index/pkg/config"
	"github.com/kass/go-smt-index/pkg/datasync"
	"github.com/kass/go-smt-index/pkg/expr"
	"github.com/kass/go-smt-index/pkg/geo"
	"github.com/kass/go-smt-index/pkg/models"
	"github.com/kass/go-smt-index/pkg/splitter"
	"github.com/kass/go-smt-index/pkg/store"
	"github.com/kass/go-smt-index/pkg/tiling"
	"github.com/paulmach/orb/geojson"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"
)

// QuickTestLimit is the number of features read per source when SMT_QUICK_TEST is set
const QuickTestLimit = 100

// Builder holds the collaborators of a build
type Builder struct {
	Log         logrus.FieldLogger
	Tiles       *tiling.Adapter
	Parallelism int
	QuickTest   bool
	// Progress, when set, is called after each source is written
	Progress func(source string, features, subFeatures int)
}

// NewBuilder returns a builder with defaults taken from the environment
func NewBuilder(log logrus.FieldLogger) *Builder {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Builder{
		Log:         log,
		Tiles:       tiling.New(),
		Parallelism: runtime.GOMAXPROCS(0),
		QuickTest:   os.Getenv("SMT_QUICK_TEST") != "",
	}
}

// GenerateStore rebuilds the store at outputPath from the config in configDir
func GenerateStore(ctx context.Context, configDir, outputPath string, extra map[string]interface{}) (*store.Meta, error) {
	return NewBuilder(nil).Generate(ctx, configDir, outputPath, extra)
}

// parsed is one source after parsing and normalization
type parsed struct {
	path     string
	features []*models.Feature
}

// Generate runs a full build. The previous store at outputPath stays in place
// until the new one is complete; any error leaves it untouched.
func (b *Builder) Generate(ctx context.Context, configDir, outputPath string, extra map[string]interface{}) (*store.Meta, error) {
	start := time.Now()
	cfg, raw, err := config.Load(configDir)
	if err != nil {
		return nil, err
	}
	fp, err := datasync.FingerprintConfig(cfg, raw, configDir)
	if err != nil {
		return nil, err
	}
	x, err := expr.NewExtractor(cfg.Fields)
	if err != nil {
		return nil, err
	}
	sp, err := splitter.New(b.Tiles, cfg.HealpixOrder, b.Log)
	if err != nil {
		return nil, err
	}
	log := b.Log.WithFields(logrus.Fields{"output": outputPath, "fingerprint": fp})
	log.WithField("sources", len(cfg.Sources)).Info("building store")

	// stage 1: parse and normalize every source concurrently
	paths := cfg.SourcePaths(configDir)
	sources := make([]*parsed, len(paths))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(b.Parallelism)
	for i, path := range paths {
		eg.Go(func() error {
			p, err := b.parse(egCtx, path, x)
			if err != nil {
				return errors.Wrapf(err, "source %s", path)
			}
			sources[i] = p
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	// stage 2: ids are assigned in source order, one contiguous range per source
	var next int64
	for _, src := range sources {
		for _, f := range src.features {
			f.ID = next
			next++
		}
	}

	w, err := store.Create(outputPath, b.Log)
	if err != nil {
		return nil, err
	}
	published := false
	defer func() {
		if !published {
			w.Abort()
		}
	}()

	// stage 3: split and write, one batch per source
	eg, egCtx = errgroup.WithContext(ctx)
	eg.SetLimit(b.Parallelism)
	for _, src := range sources {
		eg.Go(func() error {
			return b.splitAndWrite(egCtx, w, sp, src)
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	meta := store.Meta{Config: *cfg, Extra: extra, Fingerprint: fp}
	if err := w.Finalize(meta); err != nil {
		return nil, err
	}
	if err := w.Publish(); err != nil {
		return nil, err
	}
	published = true

	meta = w.Meta()
	log.WithFields(logrus.Fields{
		"generation":  meta.Generation,
		"features":    meta.FeatureCount,
		"subfeatures": meta.SubFeatureCount,
		"duration":    time.Since(start),
	}).Info("store built")
	return &meta, nil
}

func (b *Builder) parse(ctx context.Context, path string, x *expr.Extractor) (*parsed, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading source")
	}
	if !gjson.ValidBytes(raw) {
		return nil, errors.New("source is not valid JSON")
	}
	list := gjson.GetBytes(raw, "features")
	if !list.IsArray() {
		return nil, errors.New("source is not a FeatureCollection")
	}

	out := &parsed{path: path}
	var ferr error
	list.ForEach(func(_, item gjson.Result) bool {
		if b.QuickTest && len(out.features) >= QuickTestLimit {
			return false
		}
		if err := ctx.Err(); err != nil {
			ferr = err
			return false
		}
		f, err := b.parseFeature(item, x)
		if err != nil {
			ferr = errors.Wrapf(err, "feature %d", len(out.features))
			return false
		}
		if f != nil {
			out.features = append(out.features, f)
		}
		return true
	})
	if ferr != nil {
		return nil, ferr
	}
	b.Log.WithFields(logrus.Fields{
		"source":    path,
		"features":  len(out.features),
		"quickTest": b.QuickTest,
	}).Info("source loaded")
	return out, nil
}

// parseFeature decodes one GeoJSON feature. Features without polygonal geometry
// are skipped.
func (b *Builder) parseFeature(item gjson.Result, x *expr.Extractor) (*models.Feature, error) {
	gf, err := geojson.UnmarshalFeature([]byte(item.Raw))
	if err != nil {
		return nil, err
	}
	if gf.Geometry == nil {
		return nil, nil
	}
	mp, ok := geo.ToMultiPolygon(geo.NormalizeGeoJSON(gf.Geometry))
	if !ok || len(mp) == 0 {
		b.Log.WithField("type", gf.Geometry.GeoJSONType()).Debug("skipping non polygonal feature")
		return nil, nil
	}
	if len(mp) > 1 {
		merged, err := geo.UnionMergeMultiPolygon(mp)
		if err != nil {
			b.Log.WithError(err).Warn("multipolygon merge failed, keeping parts")
		}
		mp = geo.NormalizeMultiPolygon(merged)
	}

	props := json.RawMessage(item.Get("properties").Raw)
	if len(props) == 0 || item.Get("properties").Type == gjson.Null {
		props = json.RawMessage("{}")
	}
	return &models.Feature{
		Geometry:   mp,
		Properties: props,
		GeogroupID: geogroupID(item),
		Fields:     x.Extract(props),
		Cap:        geo.BoundingCap(mp),
		Area:       geo.Area(mp),
	}, nil
}

// geogroupID is the feature's FieldID member, or its telescope name followed by
// its id
func geogroupID(item gjson.Result) string {
	if v := item.Get("FieldID"); v.Exists() && v.String() != "" {
		return v.String()
	}
	return item.Get("properties.TelescopeName").String() + item.Get("id").String()
}

func (b *Builder) splitAndWrite(ctx context.Context, w *store.Writer, sp *splitter.Splitter, src *parsed) error {
	var subs []*models.SubFeature
	for _, f := range src.features {
		if err := ctx.Err(); err != nil {
			return err
		}
		f.HealpixIndex = b.Tiles.CentroidPixelIndex(f.Geometry, sp.Order())
		subs = append(subs, splitter.ToSubFeatures(f, sp.Split(f.Geometry))...)
	}
	if err := w.WriteSource(ctx, src.features, subs); err != nil {
		return errors.Wrapf(err, "source %s", src.path)
	}
	if b.Progress != nil {
		b.Progress(src.path, len(src.features), len(subs))
	}
	b.Log.WithFields(logrus.Fields{
		"source":      src.path,
		"subfeatures": len(subs),
	}).Debug("source written")
	return nil
}
