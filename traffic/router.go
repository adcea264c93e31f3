package traffic

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/smart-news/ml-platform/metrics"
	"github.com/smart-news/ml-platform/store"
)

// shiftStep is how many percentage points one ShiftNewest moves toward the
// newest predictor.
const shiftStep = 5

// Router applies traffic redistributions to the registry. Every mutation runs
// in one store transaction: the reads, the traffic writes, and the audit
// metric rows commit together or not at all.
type Router struct {
	db           store.DB
	predictors   store.Predictors
	sink         *metrics.Sink
	maxThreshold int
}

// NewRouter builds a router. maxThreshold is the ceiling ShiftNewest will
// push the newest predictor to (MAX_TRAFFIC_THRESHOLD).
func NewRouter(db store.DB, predictors store.Predictors, sink *metrics.Sink, maxThreshold int) *Router {
	return &Router{
		db:           db,
		predictors:   predictors,
		sink:         sink,
		maxThreshold: maxThreshold,
	}
}

// ShiftNewest moves the newest predictor of a type shiftStep points toward
// maxThreshold, taking the traffic proportionally from the others. When the
// newest predictor already sits at the threshold, the call is a no-op that
// returns the current active distribution.
func (r *Router) ShiftNewest(ctx context.Context, predictionType, description string) ([]store.Predictor, error) {
	var (
		distribution []store.Predictor
		mirrors      []emission
	)
	err := r.db.WithTransaction(ctx, func(ctx context.Context) error {
		newest, err := r.predictors.Newest(ctx, predictionType)
		if err != nil {
			return err
		}
		if newest.TrafficPercentage >= r.maxThreshold {
			logrus.WithField(metrics.TagPredictionType, predictionType).Warnf(
				"Newest predictor v%d already at max traffic threshold %d%%, nothing to shift",
				newest.PredictorVersion, r.maxThreshold)
			distribution, err = r.predictors.ListByType(ctx, predictionType, true)
			return err
		}

		target := newest.TrafficPercentage + shiftStep
		if target > r.maxThreshold {
			target = r.maxThreshold
		}
		distribution, mirrors, err = r.apply(ctx, newest, target, metrics.PredictorTrafficUpdate, description)
		return err
	})
	if err != nil {
		return nil, err
	}
	r.flushMirrors(mirrors)
	return distribution, nil
}

// SetTraffic sets one predictor's traffic to an explicit value,
// redistributing the rest.
func (r *Router) SetTraffic(ctx context.Context, predictionType string, version, value int, description string) ([]store.Predictor, error) {
	return r.adjust(ctx, predictionType, version, value, metrics.PredictorTrafficUpdate, description)
}

// Deactivate removes a predictor from the split, spreading its traffic over
// the remaining contributors. The audit rows use the deactivation metric.
func (r *Router) Deactivate(ctx context.Context, predictionType string, version int, description string) ([]store.Predictor, error) {
	return r.adjust(ctx, predictionType, version, 0, metrics.PredictorTrafficDeactivation, description)
}

// PickForType draws one active predictor of a type by traffic weight.
func (r *Router) PickForType(ctx context.Context, predictionType string) (*store.Predictor, error) {
	active, err := r.predictors.ListByType(ctx, predictionType, true)
	if err != nil {
		return nil, err
	}
	return Pick(active)
}

// emission is a Prometheus mirror update held back until its transaction
// commits, so an aborted mutation never shows up on the scrape endpoint.
type emission struct {
	name  string
	value float64
	tags  map[string]string
}

func (r *Router) flushMirrors(mirrors []emission) {
	for _, m := range mirrors {
		r.sink.Mirror(m.name, m.value, m.tags)
	}
}

func (r *Router) adjust(ctx context.Context, predictionType string, version, value int, metricName, description string) ([]store.Predictor, error) {
	var (
		distribution []store.Predictor
		mirrors      []emission
	)
	err := r.db.WithTransaction(ctx, func(ctx context.Context) error {
		target, err := r.predictors.Find(ctx, predictionType, version)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%s.%d: %w", predictionType, version, ErrUnknownPredictor)
		}
		if err != nil {
			return err
		}
		distribution, mirrors, err = r.apply(ctx, target, value, metricName, description)
		return err
	})
	if err != nil {
		return nil, err
	}
	r.flushMirrors(mirrors)
	return distribution, nil
}

// apply computes and persists the new distribution for target's prediction
// type, returning the mirror updates to flush once the transaction commits.
// The ctx must already carry the transaction.
func (r *Router) apply(ctx context.Context, target *store.Predictor, targetValue int, metricName, description string) ([]store.Predictor, []emission, error) {
	active, err := r.predictors.ListByType(ctx, target.PredictionType, true)
	if err != nil {
		return nil, nil, err
	}

	byID := make(map[string]*store.Predictor, len(active)+1)
	current := make(map[string]int, len(active)+1)
	for i := range active {
		p := &active[i]
		byID[p.ID] = p
		current[p.ID] = p.TrafficPercentage
	}
	// The target may be inactive and so absent from the active list.
	if _, ok := byID[target.ID]; !ok {
		byID[target.ID] = target
		current[target.ID] = target.TrafficPercentage
	}

	next, err := Redistribute(current, target.ID, targetValue)
	if err != nil {
		return nil, nil, err
	}

	var mirrors []emission
	for id, pct := range next {
		if pct == current[id] {
			continue
		}
		p := byID[id]
		if err := r.predictors.UpdateTraffic(ctx, id, pct); err != nil {
			return nil, nil, err
		}
		tags := metrics.Tags(p.PredictionType, strconv.Itoa(p.PredictorVersion))
		if err := r.sink.Record(ctx, metricName, float64(pct), tags, description); err != nil {
			return nil, nil, err
		}
		mirrors = append(mirrors, emission{name: metricName, value: float64(pct), tags: tags})
		logrus.WithFields(logrus.Fields{
			metrics.TagPredictionType:   p.PredictionType,
			metrics.TagPredictorVersion: p.PredictorVersion,
		}).Infof("Traffic %d%% -> %d%%", current[id], pct)
	}

	var distribution []store.Predictor
	for id, pct := range next {
		if pct <= 0 {
			continue
		}
		p := *byID[id]
		p.TrafficPercentage = pct
		distribution = append(distribution, p)
	}
	sort.Slice(distribution, func(i, j int) bool {
		return distribution[i].PredictorVersion > distribution[j].PredictorVersion
	})
	return distribution, mirrors, nil
}
