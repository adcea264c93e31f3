package memstore

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smart-news/ml-platform/store"
)

func TestPredictors_CreateAndFind(t *testing.T) {
	st := New()
	ctx := context.Background()

	created, err := st.Predictors().Create(ctx, "sentiment_analysis", "baseline", 1)
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, 0, created.TrafficPercentage)
	assert.False(t, created.CreatedAt.IsZero())

	found, err := st.Predictors().Find(ctx, "sentiment_analysis", 1)
	require.NoError(t, err)
	assert.Equal(t, created.ID, found.ID)

	byID, err := st.Predictors().FindByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, byID.ID)
}

func TestPredictors_FindMissing(t *testing.T) {
	st := New()
	ctx := context.Background()

	_, err := st.Predictors().Find(ctx, "sentiment_analysis", 1)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = st.Predictors().FindByID(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPredictors_VersionsMustIncrease(t *testing.T) {
	// GIVEN version 2 already registered for a type
	st := New()
	ctx := context.Background()
	_, err := st.Predictors().Create(ctx, "sentiment_analysis", "", 2)
	require.NoError(t, err)

	// WHEN registering the same or a lower version
	_, errSame := st.Predictors().Create(ctx, "sentiment_analysis", "", 2)
	_, errLower := st.Predictors().Create(ctx, "sentiment_analysis", "", 1)

	// THEN both are rejected; another type is unaffected
	assert.ErrorIs(t, errSame, store.ErrVersionRegression)
	assert.ErrorIs(t, errLower, store.ErrVersionRegression)
	_, errOtherType := st.Predictors().Create(ctx, "news_classification", "", 1)
	assert.NoError(t, errOtherType)
}

func TestPredictors_ListByType_SortAndActiveFilter(t *testing.T) {
	st := New()
	ctx := context.Background()
	p1, _ := st.Predictors().Create(ctx, "sentiment_analysis", "", 1)
	p2, _ := st.Predictors().Create(ctx, "sentiment_analysis", "", 2)
	_, _ = st.Predictors().Create(ctx, "news_classification", "", 1)
	require.NoError(t, st.Predictors().UpdateTraffic(ctx, p1.ID, 100))

	all, err := st.Predictors().ListByType(ctx, "sentiment_analysis", false)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, p2.ID, all[0].ID, "newest version first")

	active, err := st.Predictors().ListByType(ctx, "sentiment_analysis", true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, p1.ID, active[0].ID)
}

func TestPredictors_Newest(t *testing.T) {
	st := New()
	ctx := context.Background()

	_, err := st.Predictors().Newest(ctx, "sentiment_analysis")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, _ = st.Predictors().Create(ctx, "sentiment_analysis", "", 1)
	_, _ = st.Predictors().Create(ctx, "sentiment_analysis", "", 2)

	newest, err := st.Predictors().Newest(ctx, "sentiment_analysis")
	require.NoError(t, err)
	assert.Equal(t, 2, newest.PredictorVersion)
}

func TestPredictions_UpsertMergesEntries(t *testing.T) {
	// GIVEN two predictors writing results for the same article and type
	st := New()
	ctx := context.Background()

	_, err := st.Predictions().Upsert(ctx, "article-1", "sentiment_analysis", "pred-a",
		store.PredictionEntry{Value: "positive", Confidence: 0.9, Price: 0.01}, true)
	require.NoError(t, err)

	agg, err := st.Predictions().Upsert(ctx, "article-1", "sentiment_analysis", "pred-b",
		store.PredictionEntry{Value: "negative", Confidence: 0.6, Price: 0.02}, false)
	require.NoError(t, err)

	// THEN one aggregate holds both entries and keeps the selected marker
	assert.Len(t, agg.Predictions, 2)
	assert.Equal(t, "pred-a", agg.SelectedPredictorID)
	assert.Equal(t, "positive", agg.Predictions["pred-a"].Value)
	assert.Equal(t, "negative", agg.Predictions["pred-b"].Value)

	found, err := st.Predictions().Find(ctx, "article-1", "sentiment_analysis")
	require.NoError(t, err)
	assert.Equal(t, agg.ID, found.ID)
}

func TestPredictions_UpsertConcurrent(t *testing.T) {
	// Concurrent upserts for the same aggregate must all land.
	st := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('a' + n))
			_, err := st.Predictions().Upsert(ctx, "article-1", "news_classification", "pred-"+id,
				store.PredictionEntry{Value: "business"}, false)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	agg, err := st.Predictions().Find(ctx, "article-1", "news_classification")
	require.NoError(t, err)
	assert.Len(t, agg.Predictions, 16)
}

func TestPredictions_FindMissing(t *testing.T) {
	st := New()

	_, err := st.Predictions().Find(context.Background(), "article-1", "sentiment_analysis")

	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMetrics_AppendAssignsIdentity(t *testing.T) {
	st := New()

	err := st.Metrics().Append(context.Background(), store.Metric{
		MetricName:  "PREDICTOR_LATENCY",
		MetricValue: 0.25,
		Tags:        map[string]string{"prediction_type": "sentiment_analysis"},
	})
	require.NoError(t, err)

	rows := st.AllMetrics()
	require.Len(t, rows, 1)
	assert.NotEmpty(t, rows[0].ID)
	assert.False(t, rows[0].CreatedAt.IsZero())
}

func TestWithTransaction_RollsBackAllCollections(t *testing.T) {
	// GIVEN committed state across all three collections
	st := New()
	ctx := context.Background()
	p, err := st.Predictors().Create(ctx, "sentiment_analysis", "", 1)
	require.NoError(t, err)
	require.NoError(t, st.Predictors().UpdateTraffic(ctx, p.ID, 100))

	// WHEN a transaction mutates everything and then fails
	boom := errors.New("boom")
	err = st.WithTransaction(ctx, func(ctx context.Context) error {
		if err := st.Predictors().UpdateTraffic(ctx, p.ID, 10); err != nil {
			return err
		}
		if _, err := st.Predictions().Upsert(ctx, "article-1", "sentiment_analysis", p.ID,
			store.PredictionEntry{Value: "positive"}, true); err != nil {
			return err
		}
		if err := st.Metrics().Append(ctx, store.Metric{MetricName: "PREDICTOR_TRAFFIC_UPDATE"}); err != nil {
			return err
		}
		return boom
	})

	// THEN every write is rolled back
	assert.ErrorIs(t, err, boom)
	kept, findErr := st.Predictors().FindByID(ctx, p.ID)
	require.NoError(t, findErr)
	assert.Equal(t, 100, kept.TrafficPercentage)
	_, predErr := st.Predictions().Find(ctx, "article-1", "sentiment_analysis")
	assert.ErrorIs(t, predErr, store.ErrNotFound)
	assert.Empty(t, st.AllMetrics())
}

func TestWithTransaction_CommitKeepsWrites(t *testing.T) {
	st := New()
	ctx := context.Background()

	err := st.WithTransaction(ctx, func(ctx context.Context) error {
		_, err := st.Predictors().Create(ctx, "sentiment_analysis", "", 1)
		return err
	})

	require.NoError(t, err)
	_, err = st.Predictors().Find(ctx, "sentiment_analysis", 1)
	assert.NoError(t, err)
}
