// Command planstats exposes the plan-text transforms on files or stdin
// and runs a synthetic workload against the statistics store, with
// optional pprof/Prometheus endpoints.
//
// Transform a plan document:
//
//	planstats -mode shorten   < plan.json
//	planstats -mode textize   plan_compact.json
//	planstats -mode queryid   query.sql
//
// Run the synthetic workload:
//
//	planstats -bench -cap 1000 -workers 8 -duration 30s -http :8080
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof/* on DefaultServeMux
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	pmet "github.com/planstore/planstore/metrics/prom"
	"github.com/planstore/planstore/norm"
	"github.com/planstore/planstore/plan"
	"github.com/planstore/planstore/store"
)

func main() {
	var (
		mode  = flag.String("mode", "", "transform: shorten | normalize | inflate | textize | yamlize | xmlize | fingerprint | queryid")
		bench = flag.Bool("bench", false, "run a synthetic store workload")

		capacity   = flag.Int("cap", 1000, "store capacity (entries)")
		maxPlanLen = flag.Int("max_plan_len", 5000, "max stored plan length (bytes)")
		external   = flag.Bool("external", false, "keep plan texts in an external file")
		dir        = flag.String("dir", ".", "directory for text/dump files")

		workers  = flag.Int("workers", 2*runtime.GOMAXPROCS(0), "number of worker goroutines")
		duration = flag.Duration("duration", 10*time.Second, "workload duration")
		queries  = flag.Int("queries", 10_000, "distinct query fingerprints")
		seed     = flag.Int64("seed", time.Now().UnixNano(), "random seed")

		pprofAddr   = flag.String("pprof", "", "serve pprof at addr (e.g. :6060); empty = disabled")
		metricsAddr = flag.String("http", "", "serve Prometheus metrics at addr; empty = disabled")
	)
	flag.Parse()

	switch {
	case *mode != "":
		if err := runTransform(*mode, flag.Args()); err != nil {
			log.Fatal(err)
		}
	case *bench:
		runBench(benchConfig{
			capacity:    *capacity,
			maxPlanLen:  *maxPlanLen,
			external:    *external,
			dir:         *dir,
			workers:     *workers,
			duration:    *duration,
			queries:     *queries,
			seed:        *seed,
			pprofAddr:   *pprofAddr,
			metricsAddr: *metricsAddr,
		})
	default:
		flag.Usage()
		os.Exit(2)
	}
}

// runTransform applies one text transform to each input file, or to
// stdin when no files are given.
func runTransform(mode string, files []string) error {
	var fn func(string) string
	switch mode {
	case "shorten":
		fn = plan.Shorten
	case "normalize":
		fn = plan.Normalize
	case "inflate":
		fn = plan.Inflate
	case "textize":
		fn = plan.Textize
	case "yamlize":
		fn = plan.Yamlize
	case "xmlize":
		fn = plan.Xmlize
	case "fingerprint":
		fn = func(s string) string { return fmt.Sprintf("%d", plan.Fingerprint(s)) }
	case "queryid":
		fn = func(s string) string { return fmt.Sprintf("%d", norm.QueryID(s)) }
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}

	if len(files) == 0 {
		src, err := io.ReadAll(os.Stdin)
		if err != nil {
			return err
		}
		fmt.Println(fn(string(src)))
		return nil
	}
	for _, f := range files {
		src, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		fmt.Println(fn(string(src)))
	}
	return nil
}

type benchConfig struct {
	capacity    int
	maxPlanLen  int
	external    bool
	dir         string
	workers     int
	duration    time.Duration
	queries     int
	seed        int64
	pprofAddr   string
	metricsAddr string
}

// planTemplates give the workload a few distinct plan shapes per query,
// so both the hit path and the entry-creation path get exercised.
var planTemplates = []string{
	`{"Plan": {"Node Type": "Seq Scan", "Relation Name": "%s", "Alias": "%s", "Startup Cost": 0.00, "Total Cost": 2890.00, "Plan Rows": 100000, "Plan Width": 97}}`,
	`{"Plan": {"Node Type": "Index Scan", "Scan Direction": "Forward", "Index Name": "%s_pkey", "Relation Name": "%s", "Alias": "a", "Startup Cost": 0.29, "Total Cost": 8.31, "Plan Rows": 1, "Plan Width": 8}}`,
	`{"Plan": {"Node Type": "Aggregate", "Strategy": "Hashed", "Startup Cost": 100.0, "Total Cost": 200.0, "Plan Rows": 10, "Plan Width": 8, "Plans": [{"Node Type": "Seq Scan", "Parent Relationship": "Outer", "Relation Name": "%s", "Alias": "%s", "Startup Cost": 0.00, "Total Cost": 50.0, "Plan Rows": 1000, "Plan Width": 8}]}}`,
}

func runBench(cfg benchConfig) {
	if cfg.pprofAddr != "" {
		go func() {
			log.Printf("pprof: serving at %s", cfg.pprofAddr)
			log.Println(http.ListenAndServe(cfg.pprofAddr, nil))
		}()
	}

	opt := store.Options{
		Capacity:   cfg.capacity,
		MaxPlanLen: cfg.maxPlanLen,
	}
	if cfg.external {
		opt.ExternalText = true
		opt.TextPath = filepath.Join(cfg.dir, "planstats_texts.stat")
	}
	if cfg.metricsAddr != "" {
		opt.Metrics = pmet.New(nil, "planstore", "bench", nil)
		http.Handle("/metrics", promhttp.Handler())
		go func() {
			log.Printf("metrics: serving at %s", cfg.metricsAddr)
			log.Println(http.ListenAndServe(cfg.metricsAddr, nil))
		}()
	}

	s, err := store.New(opt)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = s.Close() }()

	workersN := cfg.workers
	if workersN <= 0 {
		workersN = 1
	}

	var total, snapshots uint64
	done := make(chan struct{})
	time.AfterFunc(cfg.duration, func() { close(done) })

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(workersN)
	for w := 0; w < workersN; w++ {
		go func(id int) {
			defer wg.Done()

			// rand.Rand is not goroutine-safe; one stream per worker.
			r := rand.New(rand.NewSource(cfg.seed + int64(id)*9973))
			zipf := rand.NewZipf(r, 1.1, 1.0, uint64(cfg.queries-1))

			for {
				select {
				case <-done:
					return
				default:
				}

				atomic.AddUint64(&total, 1)
				if r.Intn(1000) == 0 {
					atomic.AddUint64(&snapshots, 1)
					s.Snapshot(store.SnapshotQuery{UserID: 10, ReadAllStats: true, Format: store.FormatRaw})
					continue
				}

				q := 1 + zipf.Uint64()
				tbl := "t" + strconv.FormatUint(q%64, 10)
				tpl := planTemplates[q%uint64(len(planTemplates))]
				s.Store(fmt.Sprintf(tpl, tbl, tbl), store.Exec{
					UserID:    10,
					DBID:      1,
					QueryID:   q,
					TotalTime: 0.5 + r.Float64()*10,
					Rows:      int64(r.Intn(1000)),
				})
			}
		}(w)
	}
	wg.Wait()
	elapsed := time.Since(start)

	ops := atomic.LoadUint64(&total)
	st := s.Stats()
	fmt.Printf("cap=%d workers=%d queries=%d external=%v dur=%v seed=%d\n",
		cfg.capacity, workersN, cfg.queries, cfg.external, elapsed, cfg.seed)
	fmt.Printf("ops=%d (%.0f ops/s)  snapshots=%d\n",
		ops, float64(ops)/elapsed.Seconds(), atomic.LoadUint64(&snapshots))
	fmt.Printf("entries=%d  dealloc-sweeps=%d\n", s.Len(), st.Dealloc)
}
