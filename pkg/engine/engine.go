// Package engine serves queries and tiles from the current store generation and
// rebuilds the store when its configuration changes.
package engine

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/golang/groupcache/lru"
	"github.com/kass/go-smt-index/pkg/config"
	"github.com/kass/go-smt-index/pkg/datasync"
	"github.com/kass/go-smt-index/pkg/geo"
	"github.com/kass/go-smt-index/pkg/ingest"
	"github.com/kass/go-smt-index/pkg/metrics"
	"github.com/kass/go-smt-index/pkg/query"
	"github.com/kass/go-smt-index/pkg/store"
	"github.com/kass/go-smt-index/pkg/tiling"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// ErrNotReady is returned while no store generation is loaded
var ErrNotReady = errors.New("store not ready")

// DefaultRegistrySize bounds the number of registered HiPS queries
const DefaultRegistrySize = 4096

// Options configures an Engine
type Options struct {
	ConfigDir string
	StorePath string
	// Extra is stored with every generation and returned by ExtraInfo
	Extra map[string]interface{}
	// Workers is the size of the query pool
	Workers      int
	RegistrySize int
	Log          logrus.FieldLogger
}

type generation struct {
	store    *store.Store
	exec     *query.Executor
	loadedAt time.Time
}

// Engine owns the published generation. Readers take a snapshot pointer and are
// never blocked by a rebuild.
type Engine struct {
	opts    Options
	log     logrus.FieldLogger
	tiles   *tiling.Adapter
	builder *ingest.Builder
	pool    *semaphore.Weighted
	workers int

	current  atomic.Pointer[generation]
	building atomic.Bool

	buildMu  sync.Mutex
	cancelMu sync.Mutex
	buildSeq uint64
	cancel   context.CancelFunc
	lastErr  error

	registryMu sync.Mutex
	registry   *lru.Cache
}

// Open creates an engine and loads the store at opts.StorePath when one exists
func Open(opts Options) (*Engine, error) {
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if opts.RegistrySize <= 0 {
		opts.RegistrySize = DefaultRegistrySize
	}
	geo.SetLogger(opts.Log.WithField("component", "geo"))
	tiles := tiling.New()
	builder := ingest.NewBuilder(opts.Log)
	builder.Tiles = tiles
	e := &Engine{
		opts:     opts,
		log:      opts.Log.WithField("component", "engine"),
		tiles:    tiles,
		builder:  builder,
		pool:     semaphore.NewWeighted(int64(opts.Workers)),
		workers:  opts.Workers,
		registry: lru.New(opts.RegistrySize),
	}
	if err := e.Load(); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		e.log.WithField("path", opts.StorePath).Warn("no store yet, waiting for a build")
	}
	return e, nil
}

// Load reads the published store from disk and swaps it in
func (e *Engine) Load() error {
	st, err := store.Open(e.opts.StorePath, e.opts.Log)
	if err != nil {
		return err
	}
	exec := query.New(st, e.tiles, e.opts.Log)
	exec.SetParallelism(e.workers)
	exec.OnUnion = metrics.ObserveUnion
	e.current.Store(&generation{store: st, exec: exec, loadedAt: time.Now()})
	metrics.StoreFeatures.WithLabelValues(store.TableFeatures).Set(float64(st.Meta.FeatureCount))
	metrics.StoreFeatures.WithLabelValues(store.TableSubFeatures).Set(float64(st.Meta.SubFeatureCount))
	return nil
}

// Rebuild generates a new store and swaps it in. A build still in flight is
// cancelled; builds never overlap.
func (e *Engine) Rebuild(ctx context.Context) (*store.Meta, error) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancelMu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	e.buildSeq++
	seq := e.buildSeq
	e.cancel = cancel
	e.cancelMu.Unlock()
	defer func() {
		e.cancelMu.Lock()
		if e.buildSeq == seq {
			e.cancel = nil
		}
		e.cancelMu.Unlock()
		cancel()
	}()

	e.buildMu.Lock()
	defer e.buildMu.Unlock()
	if err := ctx.Err(); err != nil {
		metrics.BuildsTotal.WithLabelValues(metrics.OutcomeCanceled).Inc()
		return nil, err
	}

	e.building.Store(true)
	defer e.building.Store(false)
	start := time.Now()
	meta, err := e.builder.Generate(ctx, e.opts.ConfigDir, e.opts.StorePath, e.opts.Extra)
	metrics.BuildDurationSeconds.Observe(time.Since(start).Seconds())
	if err == nil {
		err = e.Load()
	}
	e.cancelMu.Lock()
	e.lastErr = err
	e.cancelMu.Unlock()
	if err != nil {
		outcome := metrics.OutcomeError
		if errors.Is(err, context.Canceled) {
			outcome = metrics.OutcomeCanceled
		}
		metrics.BuildsTotal.WithLabelValues(outcome).Inc()
		e.log.WithError(err).Error("store build failed, keeping the previous generation")
		return nil, err
	}
	metrics.BuildsTotal.WithLabelValues(metrics.OutcomeOK).Inc()
	return meta, nil
}

// Sync rebuilds the store when the fingerprint of the config directory differs
// from the one served. It reports whether a build ran.
func (e *Engine) Sync(ctx context.Context) (bool, error) {
	fp, err := datasync.Fingerprint(e.opts.ConfigDir)
	if err != nil {
		return false, err
	}
	if fp == e.Fingerprint() {
		e.log.WithField("fingerprint", fp).Debug("store up to date")
		return false, nil
	}
	if _, err := e.Rebuild(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Watch rebuilds the store whenever the config directory changes, until ctx is done
func (e *Engine) Watch(ctx context.Context, debounce time.Duration) error {
	w, err := datasync.NewWatcher(e.opts.ConfigDir, e.Fingerprint(), func(ctx context.Context, fp string) error {
		e.log.WithField("fingerprint", fp).Info("config changed, rebuilding")
		_, err := e.Rebuild(ctx)
		return err
	}, e.opts.Log)
	if err != nil {
		return err
	}
	if debounce > 0 {
		w.SetDebounce(debounce)
	}
	return w.Run(ctx)
}

func (e *Engine) snapshot() (*generation, error) {
	g := e.current.Load()
	if g == nil {
		return nil, ErrNotReady
	}
	return g, nil
}

// run executes fn on a pool slot against the current generation
func (e *Engine) run(ctx context.Context, kind string, fn func(g *generation) error) error {
	g, err := e.snapshot()
	if err != nil {
		return err
	}
	start := time.Now()
	if err := e.pool.Acquire(ctx, 1); err != nil {
		metrics.ObserveRequest(kind, start, metrics.OutcomeCanceled)
		return err
	}
	metrics.PoolInUse.Inc()
	defer func() {
		metrics.PoolInUse.Dec()
		e.pool.Release(1)
	}()

	err = fn(g)
	switch {
	case err == nil:
		metrics.ObserveRequest(kind, start, metrics.OutcomeOK)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		metrics.ObserveRequest(kind, start, metrics.OutcomeCanceled)
	default:
		metrics.ObserveRequest(kind, start, metrics.OutcomeError)
	}
	return err
}

// Query evaluates q on the current generation
func (e *Engine) Query(ctx context.Context, q *query.Query) (*query.Result, error) {
	var res *query.Result
	err := e.run(ctx, "query", func(g *generation) error {
		var err error
		res, err = g.exec.Query(ctx, q)
		return err
	})
	return res, err
}

// Tile returns the HiPS tile of q at (order, pix); nil when it is empty
func (e *Engine) Tile(ctx context.Context, q *query.Query, order int, pix int64) (*query.Tile, error) {
	return e.TileLOD(ctx, q, order, pix, query.LODForOrder(order))
}

// TileLOD is Tile at an explicit level of detail
func (e *Engine) TileLOD(ctx context.Context, q *query.Query, order int, pix int64, lod query.LOD) (*query.Tile, error) {
	var tile *query.Tile
	err := e.run(ctx, "tile", func(g *generation) error {
		var err error
		tile, err = g.exec.TileLOD(ctx, q, order, pix, lod)
		return err
	})
	return tile, err
}

// Config returns the configuration of the current generation
func (e *Engine) Config() (config.Config, error) {
	g, err := e.snapshot()
	if err != nil {
		return config.Config{}, err
	}
	return g.store.Meta.Config, nil
}

// ExtraInfo returns the extra information stored with the current generation
func (e *Engine) ExtraInfo() (map[string]interface{}, error) {
	g, err := e.snapshot()
	if err != nil {
		return nil, err
	}
	return g.store.Meta.Extra, nil
}

// HipsProperties returns the HiPS properties document
func (e *Engine) HipsProperties() (string, error) {
	g, err := e.snapshot()
	if err != nil {
		return "", err
	}
	return query.HipsProperties(g.store.Meta.Config), nil
}

// Fingerprint is the content fingerprint of the current generation, empty
// before the first load
func (e *Engine) Fingerprint() string {
	g := e.current.Load()
	if g == nil {
		return ""
	}
	return g.store.Meta.Fingerprint
}

// Status describes the engine state
type Status struct {
	Ready           bool      `json:"ready"`
	Building        bool      `json:"building"`
	Generation      string    `json:"generation,omitempty"`
	Fingerprint     string    `json:"fingerprint,omitempty"`
	CreatedAt       time.Time `json:"createdAt,omitempty"`
	LoadedAt        time.Time `json:"loadedAt,omitempty"`
	FeatureCount    int       `json:"featureCount"`
	SubFeatureCount int       `json:"subFeatureCount"`
	LastError       string    `json:"lastError,omitempty"`
}

// Status returns the current state
func (e *Engine) Status() Status {
	s := Status{Building: e.building.Load()}
	e.cancelMu.Lock()
	if e.lastErr != nil {
		s.LastError = e.lastErr.Error()
	}
	e.cancelMu.Unlock()
	if g := e.current.Load(); g != nil {
		m := g.store.Meta
		s.Ready = true
		s.Generation = m.Generation
		s.Fingerprint = m.Fingerprint
		s.CreatedAt = m.CreatedAt
		s.LoadedAt = g.loadedAt
		s.FeatureCount = m.FeatureCount
		s.SubFeatureCount = m.SubFeatureCount
	}
	return s
}

// RegisterQuery remembers q under its hash so tiles can refer to it by URL
func (e *Engine) RegisterQuery(q *query.Query) string {
	if q == nil {
		q = &query.Query{}
	}
	h := q.Hash()
	e.registryMu.Lock()
	e.registry.Add(h, q.Clone())
	e.registryMu.Unlock()
	return h
}

// LookupQuery returns the query registered under hash
func (e *Engine) LookupQuery(hash string) (*query.Query, bool) {
	e.registryMu.Lock()
	defer e.registryMu.Unlock()
	v, ok := e.registry.Get(hash)
	if !ok {
		return nil, false
	}
	return v.(*query.Query), true
}
