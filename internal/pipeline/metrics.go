package pipeline

import (
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/loqa-grammar/internal/pipeline"

var stageBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60}

type metrics struct {
	requests      metric.Int64Counter
	stageDuration metric.Float64Histogram
	stageFailures metric.Int64Counter
	scores        metric.Float64Histogram
	inflight      metric.Int64UpDownCounter
}

func newMetrics(mp metric.MeterProvider) (*metrics, error) {
	m := mp.Meter(instrumentationName)
	var (
		met = &metrics{}
		err error
	)
	if met.requests, err = m.Int64Counter("grammar.requests",
		metric.WithDescription("Scoring requests by terminal state."),
	); err != nil {
		return nil, err
	}
	if met.stageDuration, err = m.Float64Histogram("grammar.stage.duration",
		metric.WithDescription("Latency of each pipeline stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(stageBuckets...),
	); err != nil {
		return nil, err
	}
	if met.stageFailures, err = m.Int64Counter("grammar.stage.failures",
		metric.WithDescription("Stage failures, fatal or degraded."),
	); err != nil {
		return nil, err
	}
	if met.scores, err = m.Float64Histogram("grammar.score",
		metric.WithDescription("Distribution of clamped grammar scores."),
		metric.WithExplicitBucketBoundaries(0, 0.5, 1, 1.5, 2, 2.5, 3, 3.5, 4, 4.5, 5),
	); err != nil {
		return nil, err
	}
	if met.inflight, err = m.Int64UpDownCounter("grammar.requests.inflight",
		metric.WithDescription("Requests currently in the pipeline."),
	); err != nil {
		return nil, err
	}
	return met, nil
}
