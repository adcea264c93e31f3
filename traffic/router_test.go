package traffic

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smart-news/ml-platform/metrics"
	"github.com/smart-news/ml-platform/store"
	"github.com/smart-news/ml-platform/store/memstore"
)

func newTestRouter(t *testing.T, maxThreshold int) (*Router, *memstore.Store) {
	t.Helper()
	st := memstore.New()
	sink := metrics.NewSink(st.Metrics(), nil)
	return NewRouter(st, st.Predictors(), sink, maxThreshold), st
}

func seedPredictor(t *testing.T, st *memstore.Store, ptype string, version, traffic int) *store.Predictor {
	t.Helper()
	ctx := context.Background()
	p, err := st.Predictors().Create(ctx, ptype, "test predictor", version)
	require.NoError(t, err)
	if traffic != 0 {
		require.NoError(t, st.Predictors().UpdateTraffic(ctx, p.ID, traffic))
		p.TrafficPercentage = traffic
	}
	return p
}

func trafficByVersion(dist []store.Predictor) map[int]int {
	out := make(map[int]int, len(dist))
	for _, p := range dist {
		out[p.PredictorVersion] = p.TrafficPercentage
	}
	return out
}

func TestRouter_ShiftNewest_MovesFivePoints(t *testing.T) {
	// GIVEN v1 at 100% and a fresh v2 at 0%
	r, st := newTestRouter(t, 50)
	seedPredictor(t, st, "sentiment_analysis", 1, 100)
	seedPredictor(t, st, "sentiment_analysis", 2, 0)

	// WHEN shifting toward the newest
	dist, err := r.ShiftNewest(context.Background(), "sentiment_analysis", "canary rollout")

	// THEN v2 gains one step and v1 funds it
	require.NoError(t, err)
	assert.Equal(t, map[int]int{1: 95, 2: 5}, trafficByVersion(dist))
}

func TestRouter_ShiftNewest_DistributionSortedNewestFirst(t *testing.T) {
	r, st := newTestRouter(t, 50)
	seedPredictor(t, st, "sentiment_analysis", 1, 100)
	seedPredictor(t, st, "sentiment_analysis", 2, 0)

	dist, err := r.ShiftNewest(context.Background(), "sentiment_analysis", "")

	require.NoError(t, err)
	require.Len(t, dist, 2)
	assert.Equal(t, 2, dist[0].PredictorVersion)
	assert.Equal(t, 1, dist[1].PredictorVersion)
}

func TestRouter_ShiftNewest_StopsAtThreshold(t *testing.T) {
	// GIVEN repeated shifts toward a 50% ceiling
	r, st := newTestRouter(t, 50)
	seedPredictor(t, st, "sentiment_analysis", 1, 100)
	seedPredictor(t, st, "sentiment_analysis", 2, 0)
	ctx := context.Background()

	var dist []store.Predictor
	var err error
	for i := 0; i < 10; i++ {
		dist, err = r.ShiftNewest(ctx, "sentiment_analysis", "")
		require.NoError(t, err)
	}
	assert.Equal(t, map[int]int{1: 50, 2: 50}, trafficByVersion(dist))

	// WHEN shifting once more at the threshold
	before := len(st.AllMetrics())
	dist, err = r.ShiftNewest(ctx, "sentiment_analysis", "")

	// THEN the call is a no-op: same distribution, no new audit rows
	require.NoError(t, err)
	assert.Equal(t, map[int]int{1: 50, 2: 50}, trafficByVersion(dist))
	assert.Len(t, st.AllMetrics(), before)
}

func TestRouter_ShiftNewest_UnknownType(t *testing.T) {
	r, _ := newTestRouter(t, 50)

	_, err := r.ShiftNewest(context.Background(), "nonexistent", "")

	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRouter_SetTraffic_WritesAuditRows(t *testing.T) {
	// GIVEN a three-way split
	r, st := newTestRouter(t, 50)
	seedPredictor(t, st, "news_classification", 1, 33)
	seedPredictor(t, st, "news_classification", 2, 33)
	seedPredictor(t, st, "news_classification", 3, 34)

	// WHEN setting v1 to 50
	dist, err := r.SetTraffic(context.Background(), "news_classification", 1, 50, "promote v1")

	// THEN the others split the remaining 50 and every changed predictor
	// leaves an audit row with the new value
	require.NoError(t, err)
	got := trafficByVersion(dist)
	assert.Equal(t, 50, got[1])
	assert.Equal(t, 50, got[2]+got[3])

	rows := st.MetricsNamed(metrics.PredictorTrafficUpdate)
	require.Len(t, rows, 3)
	for _, row := range rows {
		assert.Equal(t, "news_classification", row.Tags[metrics.TagPredictionType])
		assert.Equal(t, "promote v1", row.Description)
	}
}

func TestRouter_SetTraffic_UnknownVersion(t *testing.T) {
	r, st := newTestRouter(t, 50)
	seedPredictor(t, st, "sentiment_analysis", 1, 100)

	_, err := r.SetTraffic(context.Background(), "sentiment_analysis", 9, 50, "")

	assert.ErrorIs(t, err, ErrUnknownPredictor)
}

func TestRouter_SetTraffic_InvalidValueRollsBack(t *testing.T) {
	// GIVEN a sole active predictor: lowering it leaves freed traffic with
	// no contributor, so the redistribution is rejected
	r, st := newTestRouter(t, 50)
	p1 := seedPredictor(t, st, "sentiment_analysis", 1, 100)
	seedPredictor(t, st, "sentiment_analysis", 2, 0)

	_, err := r.SetTraffic(context.Background(), "sentiment_analysis", 1, 90, "")

	// THEN nothing was committed: traffic untouched, no audit rows
	assert.ErrorIs(t, err, ErrInvalidTraffic)
	kept, findErr := st.Predictors().FindByID(context.Background(), p1.ID)
	require.NoError(t, findErr)
	assert.Equal(t, 100, kept.TrafficPercentage)
	assert.Empty(t, st.AllMetrics())
}

func TestRouter_AbortedMutationLeavesMirrorsUntouched(t *testing.T) {
	// GIVEN a router whose sink mirrors into a Prometheus registry
	st := memstore.New()
	reg := prometheus.NewRegistry()
	sink := metrics.NewSink(st.Metrics(), reg)
	r := NewRouter(st, st.Predictors(), sink, 50)
	seedPredictor(t, st, "sentiment_analysis", 1, 100)
	seedPredictor(t, st, "sentiment_analysis", 2, 0)
	ctx := context.Background()

	// WHEN a mutation aborts mid-transaction
	_, err := r.SetTraffic(ctx, "sentiment_analysis", 1, 90, "")
	require.ErrorIs(t, err, ErrInvalidTraffic)

	// THEN no traffic gauge was exposed for the rolled-back values
	count, gerr := testutil.GatherAndCount(reg, "predictor_traffic_percentage")
	require.NoError(t, gerr)
	assert.Zero(t, count)

	// A committed mutation flushes the mirrors.
	_, err = r.ShiftNewest(ctx, "sentiment_analysis", "")
	require.NoError(t, err)
	count, gerr = testutil.GatherAndCount(reg, "predictor_traffic_percentage")
	require.NoError(t, gerr)
	assert.Equal(t, 2, count)
}

func TestRouter_SetTraffic_SolePredictorPartialValueRejected(t *testing.T) {
	// GIVEN a type with exactly one predictor, at full traffic
	r, st := newTestRouter(t, 50)
	p1 := seedPredictor(t, st, "sentiment_analysis", 1, 100)

	// WHEN setting it to a partial value
	_, err := r.SetTraffic(context.Background(), "sentiment_analysis", 1, 30, "")

	// THEN the mutation is rejected and nothing committed
	assert.ErrorIs(t, err, ErrInvalidTraffic)
	kept, findErr := st.Predictors().FindByID(context.Background(), p1.ID)
	require.NoError(t, findErr)
	assert.Equal(t, 100, kept.TrafficPercentage)
	assert.Empty(t, st.AllMetrics())

	// Deactivating it outright stays allowed.
	dist, err := r.Deactivate(context.Background(), "sentiment_analysis", 1, "")
	require.NoError(t, err)
	assert.Empty(t, dist)
}

func TestRouter_Deactivate_SpreadsTrafficAndTagsRows(t *testing.T) {
	// GIVEN a 50/50 split
	r, st := newTestRouter(t, 50)
	seedPredictor(t, st, "sentiment_analysis", 1, 50)
	seedPredictor(t, st, "sentiment_analysis", 2, 50)

	// WHEN deactivating v1
	dist, err := r.Deactivate(context.Background(), "sentiment_analysis", 1, "rollback")

	// THEN only v2 remains, at full traffic, and the audit rows carry the
	// deactivation metric name
	require.NoError(t, err)
	assert.Equal(t, map[int]int{2: 100}, trafficByVersion(dist))
	assert.Len(t, st.MetricsNamed(metrics.PredictorTrafficDeactivation), 2)
	assert.Empty(t, st.MetricsNamed(metrics.PredictorTrafficUpdate))
}

func TestRouter_Deactivate_LastPredictor_EmptyDistribution(t *testing.T) {
	r, st := newTestRouter(t, 50)
	seedPredictor(t, st, "sentiment_analysis", 1, 100)

	dist, err := r.Deactivate(context.Background(), "sentiment_analysis", 1, "")

	require.NoError(t, err)
	assert.Empty(t, dist)
}

func TestRouter_PickForType(t *testing.T) {
	r, st := newTestRouter(t, 50)
	seedPredictor(t, st, "sentiment_analysis", 1, 100)
	seedPredictor(t, st, "sentiment_analysis", 2, 0)

	got, err := r.PickForType(context.Background(), "sentiment_analysis")

	require.NoError(t, err)
	assert.Equal(t, 1, got.PredictorVersion)
}

func TestRouter_PickForType_NoActive(t *testing.T) {
	r, st := newTestRouter(t, 50)
	seedPredictor(t, st, "sentiment_analysis", 1, 0)

	_, err := r.PickForType(context.Background(), "sentiment_analysis")

	assert.ErrorIs(t, err, ErrNoActivePredictor)
}
