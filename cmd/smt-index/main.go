package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/kass/go-smt-index/pkg/cache"
	"github.com/kass/go-smt-index/pkg/engine"
	"github.com/kass/go-smt-index/pkg/logging"
	"github.com/kass/go-smt-index/pkg/postgis"
	"github.com/kass/go-smt-index/pkg/query"
	"github.com/kass/go-smt-index/pkg/server"
	"github.com/kass/go-smt-index/pkg/store"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configDir string
	storePath string
	workers   int
	log       *logrus.Logger
)

var rootCmd = &cobra.Command{
	Use:   "smt-index",
	Short: "HEALPix indexed survey footprint store",
	Long:  `Builds a HEALPix indexed store of survey footprints from GeoJSON sources and serves queries and HiPS tiles over it.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// a missing .env is fine
		_ = godotenv.Load()
		var err error
		log, err = logging.New(logging.FromEnv())
		return err
	},
	SilenceUsage: true,
}

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build the store from the config directory",
	RunE:  runBuild,
}

var queryCmd = &cobra.Command{
	Use:   "query [json]",
	Short: "Run a JSON query against the store",
	Long:  `Runs the JSON query given as argument, or read from stdin when absent, and prints the result.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runQuery,
}

var tileCmd = &cobra.Command{
	Use:   "tile",
	Short: "Print one HiPS tile",
	RunE:  runTile,
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print the store status and HiPS properties",
	RunE:  runInfo,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and rebuild when the config changes",
	RunE:  runServe,
}

var exportCmd = &cobra.Command{
	Use:   "export-postgis",
	Short: "Copy the store into PostGIS tables",
	RunE:  runExport,
}

var (
	extraInfo   string
	tileOrder   int
	tilePix     int64
	tileLOD     int
	tileQuery   string
	listenAddr  string
	watch       bool
	debounce    time.Duration
	cacheSize   int
	pgDSN       string
	tablePrefix string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configDir, "config-dir", "c", envOr("SMT_CONFIG_DIR", "."), "Directory holding smtConfig.json and the sources")
	rootCmd.PersistentFlags().StringVarP(&storePath, "store", "s", envOr("SMT_STORE", "smt.db"), "Store directory")
	rootCmd.PersistentFlags().IntVarP(&workers, "workers", "w", runtime.NumCPU(), "Number of query workers")

	buildCmd.Flags().StringVar(&extraInfo, "extra", "", "JSON object stored with the store and returned by smtServerInfo")

	tileCmd.Flags().IntVarP(&tileOrder, "order", "o", 1, "Tile order, -1 for the all-sky tile")
	tileCmd.Flags().Int64VarP(&tilePix, "pix", "p", 0, "Tile pixel index")
	tileCmd.Flags().IntVar(&tileLOD, "lod", -1, "Level of detail 0, 1 or 2; defaults to the order's")
	tileCmd.Flags().StringVarP(&tileQuery, "query", "q", "", "JSON query filtering the tile")

	serveCmd.Flags().StringVarP(&listenAddr, "addr", "a", envOr("SMT_ADDR", ":8100"), "Listen address")
	serveCmd.Flags().BoolVar(&watch, "watch", true, "Rebuild when the config directory changes")
	serveCmd.Flags().DurationVar(&debounce, "debounce", 0, "Quiet period before a rebuild")
	serveCmd.Flags().IntVar(&cacheSize, "cache-size", 10000, "In-memory response cache entries, used without REDIS_HOST")

	exportCmd.Flags().StringVar(&pgDSN, "dsn", os.Getenv("SMT_POSTGIS_DSN"), "lib/pq connection string")
	exportCmd.Flags().StringVar(&tablePrefix, "prefix", "smt", "Table name prefix")

	rootCmd.AddCommand(buildCmd, queryCmd, tileCmd, infoCmd, serveCmd, exportCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func openEngine(extra map[string]interface{}) (*engine.Engine, error) {
	return engine.Open(engine.Options{
		ConfigDir: configDir,
		StorePath: storePath,
		Extra:     extra,
		Workers:   workers,
		Log:       log,
	})
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runBuild(cmd *cobra.Command, args []string) error {
	var extra map[string]interface{}
	if extraInfo != "" {
		if err := json.Unmarshal([]byte(extraInfo), &extra); err != nil {
			return fmt.Errorf("--extra: %w", err)
		}
	}
	ctx, cancel := signalContext()
	defer cancel()

	e, err := openEngine(extra)
	if err != nil {
		return err
	}
	start := time.Now()
	meta, err := e.Rebuild(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Built generation %s: %d features, %d sub-features in %v\n",
		meta.Generation, meta.FeatureCount, meta.SubFeatureCount, time.Since(start).Round(time.Millisecond))
	return nil
}

func readQuery(arg string) (*query.Query, error) {
	raw := []byte(arg)
	if arg == "" {
		var err error
		if raw, err = io.ReadAll(os.Stdin); err != nil {
			return nil, err
		}
	}
	return query.Parse(raw)
}

func runQuery(cmd *cobra.Command, args []string) error {
	arg := ""
	if len(args) == 1 {
		arg = args[0]
	}
	q, err := readQuery(arg)
	if err != nil {
		return err
	}
	e, err := openEngine(nil)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()
	res, err := e.Query(ctx, q)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func runTile(cmd *cobra.Command, args []string) error {
	q := &query.Query{}
	if tileQuery != "" {
		var err error
		if q, err = query.Parse([]byte(tileQuery)); err != nil {
			return err
		}
	}
	e, err := openEngine(nil)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	lod := query.LODForOrder(tileOrder)
	if tileLOD >= 0 {
		lod = query.LOD(tileLOD)
	}
	tile, err := e.TileLOD(ctx, q, tileOrder, tilePix, lod)
	if err != nil {
		return err
	}
	if tile == nil {
		fmt.Fprintln(os.Stderr, "empty tile")
		return nil
	}
	return printJSON(tile)
}

func runInfo(cmd *cobra.Command, args []string) error {
	e, err := openEngine(nil)
	if err != nil {
		return err
	}
	st := e.Status()
	if err := printJSON(st); err != nil {
		return err
	}
	if !st.Ready {
		return engine.ErrNotReady
	}
	props, err := e.HipsProperties()
	if err != nil {
		return err
	}
	fmt.Println(props)
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	e, err := openEngine(nil)
	if err != nil {
		return err
	}
	if _, err := e.Sync(ctx); err != nil {
		// keep serving the previous generation, if any
		log.WithError(err).Error("initial sync failed")
	}
	if watch {
		go func() {
			if err := e.Watch(ctx, debounce); err != nil && ctx.Err() == nil {
				log.WithError(err).Error("config watcher stopped")
			}
		}()
	}

	var c cache.Cache = cache.NewMemory(cacheSize)
	rc, err := cache.OpenRedisFromEnv(ctx, "smt:")
	if err != nil {
		return err
	}
	if rc != nil {
		defer rc.Close()
		c = rc
	}
	log.WithField("cache", c.Name()).Info("response cache")
	return server.New(e, c, log).Run(ctx, listenAddr)
}

func runExport(cmd *cobra.Command, args []string) error {
	if pgDSN == "" {
		return fmt.Errorf("--dsn or SMT_POSTGIS_DSN is required")
	}
	ctx, cancel := signalContext()
	defer cancel()

	st, err := store.Open(storePath, log)
	if err != nil {
		return err
	}
	p, err := postgis.Open(ctx, pgDSN, tablePrefix, log)
	if err != nil {
		return err
	}
	defer p.Close()
	return p.Export(ctx, st)
}
