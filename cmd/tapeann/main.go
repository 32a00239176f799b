// Command tapeann builds an index over random vectors, runs probe queries
// and optionally exports a snapshot. It exists to exercise the library end
// to end and to give rough build/search numbers on the local machine.
//
// Configuration comes from TAPEANN_* environment variables, with an optional
// .env file in the working directory.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/hupe1980/tapeann"
	"github.com/hupe1980/tapeann/blobstore"
	s3store "github.com/hupe1980/tapeann/blobstore/s3"
	"github.com/hupe1980/tapeann/distance"
	"github.com/hupe1980/tapeann/pagestore"
	"github.com/hupe1980/tapeann/resource"
)

type config struct {
	Dimension int    `envconfig:"DIMENSION" default:"64"`
	Count     int    `envconfig:"COUNT" default:"10000"`
	Queries   int    `envconfig:"QUERIES" default:"100"`
	K         int    `envconfig:"K" default:"10"`
	Metric    string `envconfig:"METRIC" default:"l2"`
	Seed      int64  `envconfig:"SEED" default:"42"`

	MaxNeighbors   int `envconfig:"MAX_NEIGHBORS" default:"32"`
	SearchListSize int `envconfig:"SEARCH_LIST_SIZE" default:"64"`

	Quantize     bool `envconfig:"QUANTIZE" default:"false"`
	PQSubvectors int  `envconfig:"PQ_SUBVECTORS" default:"8"`
	PQCentroids  int  `envconfig:"PQ_CENTROIDS" default:"256"`

	MaxWorkers int `envconfig:"MAX_WORKERS" default:"0"`

	// SnapshotDir exports the built index to a local blob directory.
	SnapshotDir string `envconfig:"SNAPSHOT_DIR"`

	// S3Bucket exports the built index to s3://<bucket>/<prefix> instead.
	S3Bucket string `envconfig:"S3_BUCKET"`
	S3Prefix string `envconfig:"S3_PREFIX" default:"tapeann"`

	LogLevel slog.Level `envconfig:"LOG_LEVEL" default:"INFO"`
}

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "tapeann:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	_ = godotenv.Load()

	var cfg config
	if err := envconfig.Process("tapeann", &cfg); err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	metric, err := parseMetric(cfg.Metric)
	if err != nil {
		return err
	}

	opts := []tapeann.Option{
		tapeann.WithMetric(metric),
		tapeann.WithMaxNeighbors(cfg.MaxNeighbors),
		tapeann.WithSearchListSize(cfg.SearchListSize),
		tapeann.WithLogLevel(cfg.LogLevel),
		tapeann.WithPrometheusMetrics(),
	}
	if cfg.Quantize {
		opts = append(opts, tapeann.WithProductQuantization(cfg.PQSubvectors, cfg.PQCentroids))
	}
	if cfg.MaxWorkers > 0 {
		rc := resource.NewController(resource.Config{MaxWorkers: int64(cfg.MaxWorkers)})
		opts = append(opts, tapeann.WithResourceController(rc))
	}

	store := pagestore.NewMemoryStore()
	heap := pagestore.NewMemoryHeap()
	idx, err := tapeann.New(store, heap, cfg.Dimension, opts...)
	if err != nil {
		return err
	}
	defer idx.Close()

	rng := rand.New(rand.NewSource(cfg.Seed))
	items := make([]tapeann.BuildItem, cfg.Count)
	for i := range items {
		v := make([]float32, cfg.Dimension)
		for d := range v {
			v[d] = rng.Float32()
		}
		items[i] = tapeann.BuildItem{Vector: v, Heap: heap.Insert(v)}
	}

	start := time.Now()
	if _, err := idx.BulkBuild(ctx, items); err != nil {
		return fmt.Errorf("build: %w", err)
	}
	fmt.Printf("built %d vectors (dim=%d, quantize=%v) in %s, %d pages\n",
		cfg.Count, cfg.Dimension, cfg.Quantize, time.Since(start).Round(time.Millisecond), store.PageCount())

	start = time.Now()
	hits := 0
	for q := 0; q < cfg.Queries; q++ {
		probe := items[rng.Intn(len(items))]
		results, err := idx.Search(ctx, probe.Vector, cfg.K, tapeann.WithRerank())
		if err != nil {
			return fmt.Errorf("search: %w", err)
		}
		if len(results) > 0 && results[0].HeapPointer == probe.Heap {
			hits++
		}
	}
	elapsed := time.Since(start)
	fmt.Printf("%d queries in %s (%.0f qps), self-recall@1 %.2f\n",
		cfg.Queries, elapsed.Round(time.Millisecond),
		float64(cfg.Queries)/elapsed.Seconds(), float64(hits)/float64(cfg.Queries))

	bs, err := snapshotTarget(ctx, cfg)
	if err != nil {
		return err
	}
	if bs == nil {
		return nil
	}

	name, err := idx.Export(ctx, bs)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	fmt.Printf("exported snapshot %s\n", name)
	return nil
}

func snapshotTarget(ctx context.Context, cfg config) (blobstore.Store, error) {
	switch {
	case cfg.S3Bucket != "":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return s3store.NewStore(s3.NewFromConfig(awsCfg), cfg.S3Bucket, cfg.S3Prefix), nil
	case cfg.SnapshotDir != "":
		return blobstore.NewLocalStore(cfg.SnapshotDir)
	default:
		return nil, nil
	}
}

func parseMetric(s string) (distance.Metric, error) {
	switch s {
	case "l2":
		return distance.MetricL2, nil
	case "cosine":
		return distance.MetricCosine, nil
	case "dot":
		return distance.MetricDot, nil
	default:
		return 0, fmt.Errorf("unknown metric %q", s)
	}
}
