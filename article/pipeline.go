// Package article is the article-processing pipeline: for every incoming
// article and configured prediction type, run all active predictors (shadow
// comparison) while marking the one chosen by the traffic split as selected.
package article

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/smart-news/ml-platform/bus"
	"github.com/smart-news/ml-platform/metrics"
	"github.com/smart-news/ml-platform/predictor"
	"github.com/smart-news/ml-platform/store"
	"github.com/smart-news/ml-platform/traffic"
)

// Forwarder is the slice of the predictor runtime the pipeline needs.
type Forwarder interface {
	PredictionType() string
	PredictorVersion() int
	Forward(ctx context.Context, input string) (predictor.Prediction, error)
}

// DefaultConcurrentPredictions bounds in-flight inference when no explicit
// limit is configured.
const DefaultConcurrentPredictions = 1

// Pipeline fans an article batch out across every active predictor of each
// prediction type it serves.
type Pipeline struct {
	registry    store.Predictors
	predictions store.Predictions
	runtimes    map[string]map[int]Forwarder // type -> version -> runtime
	sem         *semaphore.Weighted
}

// NewPipeline indexes the given forwarders by (type, version). concurrent
// bounds simultaneous forward calls across the whole batch.
func NewPipeline(registry store.Predictors, predictions store.Predictions, forwarders []Forwarder, concurrent int64) *Pipeline {
	if concurrent < 1 {
		concurrent = DefaultConcurrentPredictions
	}
	runtimes := make(map[string]map[int]Forwarder)
	for _, f := range forwarders {
		byVersion, ok := runtimes[f.PredictionType()]
		if !ok {
			byVersion = make(map[int]Forwarder)
			runtimes[f.PredictionType()] = byVersion
		}
		byVersion[f.PredictorVersion()] = f
	}
	return &Pipeline{
		registry:    registry,
		predictions: predictions,
		runtimes:    runtimes,
		sem:         semaphore.NewWeighted(concurrent),
	}
}

// EventTypes declares the pipeline as the ARTICLES_EVENT handler.
func (p *Pipeline) EventTypes() []string {
	return []string{bus.ArticlesEvent}
}

// Handle decodes an article batch and processes it. Malformed payloads are
// logged and dropped.
func (p *Pipeline) Handle(ctx context.Context, events []bus.Event) error {
	articles := make([]bus.ArticlePayload, 0, len(events))
	for _, e := range events {
		payload, err := e.Article()
		if err != nil {
			logrus.Warnf("Dropping malformed article event: %v", err)
			continue
		}
		articles = append(articles, payload)
	}
	_, err := p.ProcessArticles(ctx, articles)
	return err
}

// ProcessArticles runs the fan-out for a batch and returns the stored
// aggregates. Per-article, per-predictor failures are logged and collected;
// one failure never aborts the batch.
func (p *Pipeline) ProcessArticles(ctx context.Context, articles []bus.ArticlePayload) ([]store.ArticlePrediction, error) {
	var (
		mu   sync.Mutex
		merr *multierror.Error
	)
	fail := func(err error) {
		mu.Lock()
		merr = multierror.Append(merr, err)
		mu.Unlock()
	}

	type aggregateKey struct{ articleID, predictionType string }
	stored := make(map[aggregateKey]bool)

	for _, predictionType := range p.types() {
		active, err := p.registry.ListByType(ctx, predictionType, true)
		if err != nil {
			fail(fmt.Errorf("list active predictors for %s: %w", predictionType, err))
			continue
		}
		if len(active) == 0 {
			logrus.WithField(metrics.TagPredictionType, predictionType).Warn("No active predictors, skipping batch")
			continue
		}

		for _, a := range articles {
			text := strings.TrimSpace(a.Text())
			if text == "" {
				logrus.Warnf("Article %s has no text, skipping", a.ID)
				continue
			}

			selected, err := traffic.Pick(active)
			if err != nil {
				fail(fmt.Errorf("select predictor for %s: %w", predictionType, err))
				continue
			}

			var wg sync.WaitGroup
			for i := range active {
				pred := active[i]
				runtime := p.runtime(predictionType, pred.PredictorVersion)
				if runtime == nil {
					logrus.WithFields(logrus.Fields{
						metrics.TagPredictionType:   predictionType,
						metrics.TagPredictorVersion: pred.PredictorVersion,
					}).Warn("Active predictor has no runtime, skipping")
					continue
				}
				if err := p.sem.Acquire(ctx, 1); err != nil {
					fail(fmt.Errorf("acquire inference slot: %w", err))
					break
				}
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer p.sem.Release(1)
					result, err := runtime.Forward(ctx, text)
					if err != nil {
						logrus.WithFields(logrus.Fields{
							"article_id":                a.ID,
							metrics.TagPredictionType:   predictionType,
							metrics.TagPredictorVersion: pred.PredictorVersion,
						}).Errorf("Forward failed: %v", err)
						fail(err)
						return
					}
					entry := store.PredictionEntry{Value: result.Value, Confidence: result.Confidence}
					_, err = p.predictions.Upsert(ctx, string(a.ID), predictionType, pred.ID, entry, pred.ID == selected.ID)
					if err != nil {
						logrus.WithField("article_id", a.ID).Errorf("Failed to store prediction: %v", err)
						fail(err)
						return
					}
					mu.Lock()
					stored[aggregateKey{string(a.ID), predictionType}] = true
					mu.Unlock()
				}()
			}
			wg.Wait()
		}
	}

	var aggregates []store.ArticlePrediction
	for key := range stored {
		agg, err := p.predictions.Find(ctx, key.articleID, key.predictionType)
		if err != nil {
			fail(err)
			continue
		}
		aggregates = append(aggregates, *agg)
	}
	sort.Slice(aggregates, func(i, j int) bool {
		if aggregates[i].ArticleID != aggregates[j].ArticleID {
			return aggregates[i].ArticleID < aggregates[j].ArticleID
		}
		return aggregates[i].PredictionType < aggregates[j].PredictionType
	})
	return aggregates, merr.ErrorOrNil()
}

func (p *Pipeline) types() []string {
	out := make([]string, 0, len(p.runtimes))
	for t := range p.runtimes {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (p *Pipeline) runtime(predictionType string, version int) Forwarder {
	byVersion, ok := p.runtimes[predictionType]
	if !ok {
		return nil
	}
	return byVersion[version]
}
