// Package memstore is an in-memory implementation of the store interfaces.
// It backs unit tests and local development runs where no MongoDB is
// available. A single mutex serialises every operation, and WithTransaction
// snapshots the whole state so a failing transaction leaves nothing behind.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smart-news/ml-platform/store"
)

// Store holds every collection behind one lock.
type Store struct {
	mu          sync.Mutex
	txnMu       sync.Mutex
	predictors  map[string]store.Predictor         // id -> document
	predictions map[string]store.ArticlePrediction // articleID+"/"+type -> document
	metrics     []store.Metric

	now func() time.Time
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		predictors:  make(map[string]store.Predictor),
		predictions: make(map[string]store.ArticlePrediction),
		now:         time.Now,
	}
}

// Predictors returns the registry view of the store.
func (s *Store) Predictors() store.Predictors { return (*predictors)(s) }

// Predictions returns the article-prediction view of the store.
func (s *Store) Predictions() store.Predictions { return (*predictions)(s) }

// Metrics returns the metric-sink view of the store.
func (s *Store) Metrics() store.Metrics { return (*metrics)(s) }

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error { return nil }

// WithTransaction serialises fn against other transactions and rolls the
// whole store back if fn fails. Individual repository calls stay atomic via
// the store mutex.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	s.txnMu.Lock()
	defer s.txnMu.Unlock()

	s.mu.Lock()
	snapPredictors := make(map[string]store.Predictor, len(s.predictors))
	for k, v := range s.predictors {
		snapPredictors[k] = v
	}
	snapPredictions := make(map[string]store.ArticlePrediction, len(s.predictions))
	for k, v := range s.predictions {
		snapPredictions[k] = clonePrediction(v)
	}
	snapMetrics := append([]store.Metric(nil), s.metrics...)
	s.mu.Unlock()

	if err := fn(ctx); err != nil {
		s.mu.Lock()
		s.predictors = snapPredictors
		s.predictions = snapPredictions
		s.metrics = snapMetrics
		s.mu.Unlock()
		return err
	}
	return nil
}

// AllMetrics returns a copy of every appended metric, oldest first.
func (s *Store) AllMetrics() []store.Metric {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.Metric(nil), s.metrics...)
}

// MetricsNamed returns appended metrics with the given name, oldest first.
func (s *Store) MetricsNamed(name string) []store.Metric {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Metric
	for _, m := range s.metrics {
		if m.MetricName == name {
			out = append(out, m)
		}
	}
	return out
}

func clonePrediction(p store.ArticlePrediction) store.ArticlePrediction {
	entries := make(map[string]store.PredictionEntry, len(p.Predictions))
	for k, v := range p.Predictions {
		entries[k] = v
	}
	p.Predictions = entries
	return p
}

// === Predictors ===

type predictors Store

func (r *predictors) Find(ctx context.Context, predictionType string, version int) (*store.Predictor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.predictors {
		if p.PredictionType == predictionType && p.PredictorVersion == version {
			cp := p
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *predictors) FindByID(ctx context.Context, id string) (*store.Predictor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.predictors[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := p
	return &cp, nil
}

func (r *predictors) ListByType(ctx context.Context, predictionType string, onlyActive bool) ([]store.Predictor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []store.Predictor
	for _, p := range r.predictors {
		if p.PredictionType != predictionType {
			continue
		}
		if onlyActive && p.TrafficPercentage <= 0 {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].PredictorVersion > out[j].PredictorVersion
	})
	return out, nil
}

func (r *predictors) Newest(ctx context.Context, predictionType string) (*store.Predictor, error) {
	all, err := r.ListByType(ctx, predictionType, false)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, store.ErrNotFound
	}
	newest := all[0]
	return &newest, nil
}

func (r *predictors) Create(ctx context.Context, predictionType, description string, version int) (*store.Predictor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.predictors {
		if p.PredictionType == predictionType && p.PredictorVersion >= version {
			return nil, store.ErrVersionRegression
		}
	}
	now := r.now().UTC()
	p := store.Predictor{
		ID:               uuid.NewString(),
		PredictionType:   predictionType,
		PredictorVersion: version,
		Description:      description,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	r.predictors[p.ID] = p
	return &p, nil
}

func (r *predictors) UpdateTraffic(ctx context.Context, id string, percentage int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.predictors[id]
	if !ok {
		return store.ErrNotFound
	}
	p.TrafficPercentage = percentage
	p.UpdatedAt = r.now().UTC()
	r.predictors[id] = p
	return nil
}

// === Predictions ===

type predictions Store

func predictionKey(articleID, predictionType string) string {
	return articleID + "/" + predictionType
}

func (r *predictions) Upsert(ctx context.Context, articleID, predictionType, predictorID string, entry store.PredictionEntry, selected bool) (*store.ArticlePrediction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := predictionKey(articleID, predictionType)
	now := r.now().UTC()
	agg, ok := r.predictions[key]
	if !ok {
		agg = store.ArticlePrediction{
			ID:             uuid.NewString(),
			ArticleID:      articleID,
			PredictionType: predictionType,
			Predictions:    make(map[string]store.PredictionEntry),
			CreatedAt:      now,
		}
	}
	agg.Predictions[predictorID] = entry
	if selected {
		agg.SelectedPredictorID = predictorID
	}
	agg.UpdatedAt = now
	r.predictions[key] = agg
	cp := clonePrediction(agg)
	return &cp, nil
}

func (r *predictions) Find(ctx context.Context, articleID, predictionType string) (*store.ArticlePrediction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agg, ok := r.predictions[predictionKey(articleID, predictionType)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := clonePrediction(agg)
	return &cp, nil
}

// === Metrics ===

type metrics Store

func (r *metrics) Append(ctx context.Context, m store.Metric) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = r.now().UTC()
	}
	r.metrics = append(r.metrics, m)
	return nil
}
