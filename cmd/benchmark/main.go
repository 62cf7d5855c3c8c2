package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kass/go-smt-index/pkg/healpix"
	"github.com/kass/go-smt-index/pkg/query"
	"github.com/kass/go-smt-index/pkg/store"
	"github.com/kass/go-smt-index/pkg/tiling"
	"github.com/sirupsen/logrus"
)

type BenchmarkResult struct {
	QueryType     string
	TotalQueries  int
	Errors        int64
	TotalDuration time.Duration
	AvgDuration   time.Duration
	P95Duration   time.Duration
	QueriesPerSec float64
	MinDuration   time.Duration
	MaxDuration   time.Duration
	TotalResults  int64
	AvgResults    float64
}

// job runs one random request and returns the number of result rows or features
type job func(ctx context.Context, r *rand.Rand) (int, error)

func main() {
	var (
		storePath  = flag.String("s", "smt.db", "Store directory")
		queryType  = flag.String("t", "tile", "Query type: tile, count, union, mixed")
		numQueries = flag.Int("n", 1000, "Number of queries to run")
		workers    = flag.Int("w", runtime.NumCPU(), "Number of concurrent workers")
		order      = flag.Int("order", 3, "Tile order for tile and union queries")
		field      = flag.String("group-by", "", "Extra GROUP_BY field for tile queries")
	)
	flag.Parse()

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	log.Printf("Loading store from %s...\n", *storePath)
	st, err := store.Open(*storePath, logger)
	if err != nil {
		log.Fatalf("Failed to load store: %v", err)
	}
	log.Printf("Store loaded with %d features, %d sub-features\n", st.Meta.FeatureCount, st.Meta.SubFeatureCount)
	if *order > st.Order() {
		log.Fatalf("Order %d is above the store order %d", *order, st.Order())
	}

	exec := query.New(st, tiling.New(), logger)
	exec.SetParallelism(1)
	tileQuery := &query.Query{}
	if *field != "" {
		tileQuery.GroupingOptions = []query.GroupingOption{{Operation: query.GroupBy, FieldID: *field}}
	}

	jobs := map[string]job{
		"tile": func(ctx context.Context, r *rand.Rand) (int, error) {
			pix := r.Int63n(healpix.NPix(*order))
			tile, err := exec.Tile(ctx, tileQuery, *order, pix)
			if err != nil || tile == nil {
				return 0, err
			}
			return len(tile.Features), nil
		},
		"count": func(ctx context.Context, r *rand.Rand) (int, error) {
			res, err := exec.Query(ctx, pixelRangeQuery(r, st.Order(), *order, query.AggCount))
			if err != nil {
				return 0, err
			}
			return len(res.Rows), nil
		},
		"union": func(ctx context.Context, r *rand.Rand) (int, error) {
			res, err := exec.Query(ctx, pixelRangeQuery(r, st.Order(), *order, query.AggUnionArea))
			if err != nil {
				return 0, err
			}
			return len(res.Rows), nil
		},
	}
	names := []string{"tile", "count", "union"}
	jobs["mixed"] = func(ctx context.Context, r *rand.Rand) (int, error) {
		return jobs[names[r.Intn(len(names))]](ctx, r)
	}

	j, ok := jobs[*queryType]
	if !ok {
		log.Fatalf("Unknown query type: %s", *queryType)
	}
	log.Printf("Running %d %s queries with %d workers...\n", *numQueries, *queryType, *workers)
	result := run(*queryType, j, *numQueries, *workers)

	fmt.Println("\n=== Benchmark Results ===")
	fmt.Printf("Query Type: %s\n", result.QueryType)
	fmt.Printf("Total Queries: %d\n", result.TotalQueries)
	fmt.Printf("Errors: %d\n", result.Errors)
	fmt.Printf("Total Duration: %v\n", result.TotalDuration)
	fmt.Printf("Average Duration: %v\n", result.AvgDuration)
	fmt.Printf("P95 Duration: %v\n", result.P95Duration)
	fmt.Printf("Queries/Second: %.2f\n", result.QueriesPerSec)
	fmt.Printf("Min Duration: %v\n", result.MinDuration)
	fmt.Printf("Max Duration: %v\n", result.MaxDuration)
	fmt.Printf("Total Results: %d\n", result.TotalResults)
	fmt.Printf("Avg Results/Query: %.2f\n", result.AvgResults)
	fmt.Printf("Workers Used: %d\n", *workers)
	fmt.Printf("CPU Cores: %d\n", runtime.NumCPU())
}

// pixelRangeQuery aggregates the sub-features of one random pixel of the given
// order, expressed as a range of store-order pixels
func pixelRangeQuery(r *rand.Rand, base, order int, op string) *query.Query {
	scale := int64(1) << uint(2*(base-order))
	first := r.Int63n(healpix.NPix(order)) * scale
	return &query.Query{
		Constraints: []query.Constraint{{
			FieldID:    store.ColumnHealpixIndex,
			Operation:  query.OpNumberRange,
			Expression: []interface{}{float64(first), float64(first + scale - 1)},
		}},
		AggregationOptions: []query.AggregationOption{{Operation: op, Out: "v"}},
	}
}

func run(name string, j job, numQueries, workers int) BenchmarkResult {
	var (
		totalResults int64
		errCount     int64
		durations    []time.Duration
		mu           sync.Mutex
	)
	ctx := context.Background()
	startTime := time.Now()

	queryCh := make(chan int, numQueries)
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			r := rand.New(rand.NewSource(rand.Int63()))
			for range queryCh {
				queryStart := time.Now()
				n, err := j(ctx, r)
				queryDuration := time.Since(queryStart)
				if err != nil {
					atomic.AddInt64(&errCount, 1)
					continue
				}
				atomic.AddInt64(&totalResults, int64(n))
				mu.Lock()
				durations = append(durations, queryDuration)
				mu.Unlock()
			}
		}()
	}

	for i := 0; i < numQueries; i++ {
		queryCh <- i
	}
	close(queryCh)
	wg.Wait()
	totalDuration := time.Since(startTime)

	res := BenchmarkResult{
		QueryType:     name,
		TotalQueries:  numQueries,
		Errors:        errCount,
		TotalDuration: totalDuration,
		QueriesPerSec: float64(numQueries) / totalDuration.Seconds(),
		TotalResults:  totalResults,
		AvgResults:    float64(totalResults) / float64(numQueries),
	}
	if len(durations) == 0 {
		return res
	}
	sort.Slice(durations, func(a, b int) bool { return durations[a] < durations[b] })
	var totalDur time.Duration
	for _, d := range durations {
		totalDur += d
	}
	res.AvgDuration = totalDur / time.Duration(len(durations))
	res.MinDuration = durations[0]
	res.MaxDuration = durations[len(durations)-1]
	res.P95Duration = durations[len(durations)*95/100]
	return res
}
