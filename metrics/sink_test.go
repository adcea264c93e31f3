package metrics

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smart-news/ml-platform/bus"
	"github.com/smart-news/ml-platform/store/memstore"
)

func TestSink_EmitPersistsRow(t *testing.T) {
	st := memstore.New()
	sink := NewSink(st.Metrics(), nil)

	err := sink.Emit(context.Background(), PredictorLatency, 0.25,
		Tags("sentiment_analysis", "1"), "forward pass")

	require.NoError(t, err)
	rows := st.AllMetrics()
	require.Len(t, rows, 1)
	assert.Equal(t, PredictorLatency, rows[0].MetricName)
	assert.Equal(t, 0.25, rows[0].MetricValue)
	assert.Equal(t, "sentiment_analysis", rows[0].Tags[TagPredictionType])
	assert.Equal(t, "1", rows[0].Tags[TagPredictorVersion])
	assert.Equal(t, "forward pass", rows[0].Description)
}

func TestSink_MirrorsCounters(t *testing.T) {
	// GIVEN a registered sink
	st := memstore.New()
	reg := prometheus.NewRegistry()
	sink := NewSink(st.Metrics(), reg)
	ctx := context.Background()
	tags := Tags("sentiment_analysis", "1")

	// WHEN emitting errors and price
	require.NoError(t, sink.Emit(ctx, PredictorError, 1, tags, ""))
	require.NoError(t, sink.Emit(ctx, PredictorError, 1, tags, ""))
	require.NoError(t, sink.Emit(ctx, PredictorPrice, 0.05, tags, ""))

	// THEN the Prometheus mirrors accumulate
	assert.Equal(t, 2.0, testutil.ToFloat64(
		sink.errorsTotal.WithLabelValues(PredictorError, "sentiment_analysis", "1")))
	assert.Equal(t, 0.05, testutil.ToFloat64(
		sink.priceTotal.WithLabelValues("sentiment_analysis", "1")))
}

func TestSink_MirrorsTrafficGauge(t *testing.T) {
	st := memstore.New()
	sink := NewSink(st.Metrics(), prometheus.NewRegistry())
	ctx := context.Background()
	tags := Tags("sentiment_analysis", "2")

	require.NoError(t, sink.Emit(ctx, PredictorTrafficUpdate, 35, tags, ""))
	require.NoError(t, sink.Emit(ctx, PredictorTrafficDeactivation, 0, tags, ""))

	// The gauge tracks the latest value, not a sum.
	assert.Equal(t, 0.0, testutil.ToFloat64(
		sink.trafficPct.WithLabelValues("sentiment_analysis", "2")))
}

func TestSink_RecordDoesNotMirror(t *testing.T) {
	// GIVEN a registered sink
	st := memstore.New()
	reg := prometheus.NewRegistry()
	sink := NewSink(st.Metrics(), reg)
	tags := Tags("sentiment_analysis", "1")

	// WHEN recording without mirroring (the transactional path)
	require.NoError(t, sink.Record(context.Background(), PredictorTrafficUpdate, 40, tags, ""))

	// THEN the row exists but no gauge was exposed
	assert.Len(t, st.AllMetrics(), 1)
	count, err := testutil.GatherAndCount(reg, "predictor_traffic_percentage")
	require.NoError(t, err)
	assert.Zero(t, count)

	// Mirror flushes it without writing another row.
	sink.Mirror(PredictorTrafficUpdate, 40, tags)
	assert.Len(t, st.AllMetrics(), 1)
	assert.Equal(t, 40.0, testutil.ToFloat64(
		sink.trafficPct.WithLabelValues("sentiment_analysis", "1")))
}

func TestTags(t *testing.T) {
	got := Tags("news_classification", "3")

	assert.Equal(t, map[string]string{
		TagPredictionType:   "news_classification",
		TagPredictorVersion: "3",
	}, got)
}

func TestHandler_PersistsMetricEvents(t *testing.T) {
	// GIVEN a metrics handler over a fresh sink
	st := memstore.New()
	h := NewHandler(NewSink(st.Metrics(), nil))
	assert.Equal(t, []string{bus.MetricsEvent}, h.EventTypes())

	good, err := bus.NewEvent(bus.MetricsEvent, bus.MetricPayload{
		MetricName:  PredictorLatency,
		MetricValue: 0.4,
		Tags:        Tags("sentiment_analysis", "1"),
	})
	require.NoError(t, err)
	malformed, err := bus.NewEvent(bus.MetricsEvent, map[string]float64{"metric_value": 1})
	require.NoError(t, err)

	// WHEN handling a batch with a malformed payload mixed in
	require.NoError(t, h.Handle(context.Background(), []bus.Event{good, malformed}))

	// THEN only the valid payload landed
	rows := st.AllMetrics()
	require.Len(t, rows, 1)
	assert.Equal(t, PredictorLatency, rows[0].MetricName)
	assert.Equal(t, 0.4, rows[0].MetricValue)
}
