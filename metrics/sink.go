// Package metrics is the append-only metrics sink. Every emission persists a
// document-store row (the system of record, queryable offline) and mirrors
// into in-process Prometheus collectors exposed on the admin /metrics
// endpoint.
package metrics

import (
	"context"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/smart-news/ml-platform/store"
)

// Metric names, fixed for wire compatibility with the stored rows.
const (
	PredictorLatency          = "PREDICTOR_LATENCY"
	PredictorError            = "PREDICTOR_ERROR"
	PredictorPrice            = "PREDICTOR_PRICE"
	PredictorLoadingLatency   = "PREDICTOR_LOADING_LATENCY"
	PredictorLoadingError     = "PREDICTOR_LOADING_ERROR"
	PredictorUnloadingLatency = "PREDICTOR_UNLOADING_LATENCY"
	PredictorUnloadingError   = "PREDICTOR_UNLOADING_ERROR"

	PredictorTrafficUpdate       = "PREDICTOR_TRAFFIC_UPDATE"
	PredictorTrafficDeactivation = "PREDICTOR_TRAFFIC_DEACTIVATION"
)

// Tag keys carried on every predictor emission.
const (
	TagPredictionType   = "prediction_type"
	TagPredictorVersion = "predictor_version"
)

// Tags builds the standard predictor tag set.
func Tags(predictionType, predictorVersion string) map[string]string {
	return map[string]string{
		TagPredictionType:   predictionType,
		TagPredictorVersion: predictorVersion,
	}
}

// Sink appends metric rows and keeps the Prometheus mirrors in step.
type Sink struct {
	metrics store.Metrics

	latencySeconds *prometheus.HistogramVec
	errorsTotal    *prometheus.CounterVec
	priceTotal     *prometheus.CounterVec
	trafficPct     *prometheus.GaugeVec
}

// NewSink builds a sink over the metric collection, registering the
// Prometheus mirrors on reg. A nil reg skips registration (tests).
func NewSink(metrics store.Metrics, reg prometheus.Registerer) *Sink {
	s := &Sink{
		metrics: metrics,
		latencySeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "predictor_latency_seconds",
			Help:    "Latency of predictor load/unload/forward operations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"metric", TagPredictionType, TagPredictorVersion}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "predictor_errors_total",
			Help: "Predictor operation errors by metric name.",
		}, []string{"metric", TagPredictionType, TagPredictorVersion}),
		priceTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "predictor_price_total",
			Help: "Accumulated synthetic inference cost in currency units.",
		}, []string{TagPredictionType, TagPredictorVersion}),
		trafficPct: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "predictor_traffic_percentage",
			Help: "Current traffic percentage per predictor version.",
		}, []string{TagPredictionType, TagPredictorVersion}),
	}
	if reg != nil {
		reg.MustRegister(s.latencySeconds, s.errorsTotal, s.priceTotal, s.trafficPct)
	}
	return s
}

// Emit appends one metric row and updates the matching Prometheus mirror.
// The row write joins any transaction carried by ctx. Callers emitting inside
// a transaction should use Record and Mirror separately, deferring Mirror to
// after the commit, so an aborted transaction leaves the mirrors untouched.
func (s *Sink) Emit(ctx context.Context, name string, value float64, tags map[string]string, description string) error {
	if err := s.Record(ctx, name, value, tags, description); err != nil {
		return err
	}
	s.Mirror(name, value, tags)
	return nil
}

// Record appends the metric row only, leaving the Prometheus mirrors alone.
func (s *Sink) Record(ctx context.Context, name string, value float64, tags map[string]string, description string) error {
	return s.metrics.Append(ctx, store.Metric{
		MetricName:  name,
		MetricValue: value,
		Tags:        tags,
		Description: description,
	})
}

// Mirror updates only the in-process Prometheus mirror for a metric.
func (s *Sink) Mirror(name string, value float64, tags map[string]string) {
	ptype := tags[TagPredictionType]
	version := tags[TagPredictorVersion]
	switch {
	case strings.HasSuffix(name, "_LATENCY"):
		s.latencySeconds.WithLabelValues(name, ptype, version).Observe(value)
	case strings.HasSuffix(name, "_ERROR"):
		s.errorsTotal.WithLabelValues(name, ptype, version).Add(value)
	case name == PredictorPrice:
		s.priceTotal.WithLabelValues(ptype, version).Add(value)
	case name == PredictorTrafficUpdate, name == PredictorTrafficDeactivation:
		s.trafficPct.WithLabelValues(ptype, version).Set(value)
	}
}
