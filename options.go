package tapeann

import (
	"log/slog"

	"github.com/hupe1980/tapeann/distance"
	"github.com/hupe1980/tapeann/resource"
)

type options struct {
	metric         distance.Metric
	maxNeighbors   int
	searchListSize int
	visitBudget    int
	alpha          float32
	trainingSize   int

	quantize      bool
	pqSubvectors  int
	pqCentroids   int
	halfPrecision bool

	logger     *Logger
	controller *resource.Controller
	metrics    bool
}

// Option configures index construction and open behavior.
type Option func(*options)

// WithMetric selects the distance metric. Defaults to cosine.
func WithMetric(m distance.Metric) Option {
	return func(o *options) {
		o.metric = m
	}
}

// WithMaxNeighbors sets the per-node adjacency capacity. Higher values give
// better recall at larger node size and build cost.
func WithMaxNeighbors(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxNeighbors = n
		}
	}
}

// WithSearchListSize sets the default candidate window width for searches
// and graph construction.
func WithSearchListSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.searchListSize = n
		}
	}
}

// WithVisitBudget bounds expansions per search as a failure-safety stop for
// pathological graphs. Zero means unbounded.
func WithVisitBudget(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.visitBudget = n
		}
	}
}

// WithAlpha sets the pruning slack. Values above 1 keep longer-range edges
// and improve navigability at the cost of denser adjacency.
func WithAlpha(alpha float32) Option {
	return func(o *options) {
		if alpha >= 1 {
			o.alpha = alpha
		}
	}
}

// WithProductQuantization stores nodes as m-byte codes over k centroids per
// segment instead of full vectors. Requires a training pass before nodes
// can be created.
func WithProductQuantization(m, k int) Option {
	return func(o *options) {
		o.quantize = true
		o.pqSubvectors = m
		o.pqCentroids = k
	}
}

// WithTrainingSize caps how many vectors a bulk build samples into
// quantizer training.
func WithTrainingSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.trainingSize = n
		}
	}
}

// WithHalfPrecision stores full-precision nodes as float16, halving page
// usage. Ignored when product quantization is enabled.
func WithHalfPrecision() Option {
	return func(o *options) {
		o.halfPrecision = true
	}
}

// WithLogger configures structured logging for operations.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithResourceController bounds background work (build workers, snapshot
// IO) through the given controller.
func WithResourceController(rc *resource.Controller) Option {
	return func(o *options) {
		o.controller = rc
	}
}

// WithPrometheusMetrics enables counters and histograms on the default
// Prometheus registry.
func WithPrometheusMetrics() Option {
	return func(o *options) {
		o.metrics = true
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		metric:         distance.MetricCosine,
		maxNeighbors:   32,
		searchListSize: 64,
		visitBudget:    0,
		alpha:          1.2,
		trainingSize:   10000,
		logger:         NoopLogger(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}

// SearchOption tunes a single search call.
type SearchOption func(*searchOptions)

type searchOptions struct {
	width     int
	budget    int
	quantized *bool
	rerank    bool
}

// WithSearchWidth overrides the candidate window width for this call.
func WithSearchWidth(n int) SearchOption {
	return func(o *searchOptions) {
		if n > 0 {
			o.width = n
		}
	}
}

// WithBudget overrides the visit budget for this call.
func WithBudget(n int) SearchOption {
	return func(o *searchOptions) {
		if n >= 0 {
			o.budget = n
		}
	}
}

// WithQuantized forces approximate (true) or exact (false) scoring,
// overriding the backend default.
func WithQuantized(quantized bool) SearchOption {
	return func(o *searchOptions) {
		o.quantized = &quantized
	}
}

// WithRerank re-scores the final candidates against full-precision vectors
// from the heap before returning. Only meaningful for quantized searches.
func WithRerank() SearchOption {
	return func(o *searchOptions) {
		o.rerank = true
	}
}
