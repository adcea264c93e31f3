// Package store defines the domain documents persisted by the platform and
// the repository interfaces over them. Two implementations exist:
// store/mongostore (production, MongoDB) and store/memstore (tests, local dev).
package store

import (
	"context"
	"time"
)

// Predictor is a persisted model registration. A (PredictionType,
// PredictorVersion) pair is unique; versions for a given type form a strictly
// increasing, gap-allowed sequence.
type Predictor struct {
	ID                string    `bson:"_id,omitempty" json:"id"`
	PredictionType    string    `bson:"prediction_type" json:"prediction_type"`
	PredictorVersion  int       `bson:"predictor_version" json:"predictor_version"`
	Description       string    `bson:"predictor_description" json:"predictor_description"`
	TrafficPercentage int       `bson:"traffic_percentage" json:"traffic_percentage"`
	CreatedAt         time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt         time.Time `bson:"updated_at" json:"updated_at"`
}

// Active reports whether the predictor currently receives traffic.
func (p *Predictor) Active() bool {
	return p.TrafficPercentage > 0
}

// PredictionEntry is one predictor's answer inside an ArticlePrediction
// aggregate.
type PredictionEntry struct {
	Value      string  `bson:"value" json:"value"`
	Confidence float64 `bson:"confidence" json:"confidence"`
}

// ArticlePrediction aggregates every active predictor's answer for one
// (article, prediction type) pair. SelectedPredictorID, when set, always
// names a key of Predictions.
type ArticlePrediction struct {
	ID                  string                     `bson:"_id,omitempty" json:"id"`
	ArticleID           string                     `bson:"article_id" json:"article_id"`
	PredictionType      string                     `bson:"prediction_type" json:"prediction_type"`
	SelectedPredictorID string                     `bson:"selected_predictor_id,omitempty" json:"selected_predictor_id,omitempty"`
	Predictions         map[string]PredictionEntry `bson:"predictions" json:"predictions"`
	CreatedAt           time.Time                  `bson:"created_at" json:"created_at"`
	UpdatedAt           time.Time                  `bson:"updated_at" json:"updated_at"`
}

// Metric is an append-only measurement row. Rows are never mutated after
// insert.
type Metric struct {
	ID          string            `bson:"_id,omitempty" json:"id"`
	MetricName  string            `bson:"metric_name" json:"metric_name"`
	MetricValue float64           `bson:"metric_value" json:"metric_value"`
	Tags        map[string]string `bson:"tags" json:"tags"`
	Description string            `bson:"description,omitempty" json:"description,omitempty"`
	CreatedAt   time.Time         `bson:"created_at" json:"created_at"`
}

// Predictors is the predictor registry. All methods accept a context that may
// carry a transaction (see DB.WithTransaction) so registry reads and traffic
// writes compose into one transactional block.
type Predictors interface {
	// Find returns the predictor for (predictionType, version), or
	// ErrNotFound.
	Find(ctx context.Context, predictionType string, version int) (*Predictor, error)

	// FindByID returns the predictor with the given id, or ErrNotFound.
	FindByID(ctx context.Context, id string) (*Predictor, error)

	// ListByType returns predictors of a type ordered by version descending.
	// With onlyActive, predictors at zero traffic are filtered out.
	ListByType(ctx context.Context, predictionType string, onlyActive bool) ([]Predictor, error)

	// Newest returns the highest-versioned predictor of a type, or
	// ErrNotFound when none exist.
	Newest(ctx context.Context, predictionType string) (*Predictor, error)

	// Create registers a new predictor at zero traffic. Fails with
	// ErrVersionRegression unless version exceeds every existing version of
	// the type.
	Create(ctx context.Context, predictionType, description string, version int) (*Predictor, error)

	// UpdateTraffic sets traffic_percentage for one predictor and refreshes
	// updated_at.
	UpdateTraffic(ctx context.Context, id string, percentage int) error
}

// Predictions stores article-prediction aggregates.
type Predictions interface {
	// Upsert merges one predictor's entry into the (articleID,
	// predictionType) aggregate, creating it if absent. Entries written by
	// concurrent upserts for different predictors are all retained. With
	// selected, the aggregate's selected_predictor_id is set to predictorID.
	Upsert(ctx context.Context, articleID, predictionType, predictorID string, entry PredictionEntry, selected bool) (*ArticlePrediction, error)

	// Find returns the aggregate for (articleID, predictionType), or
	// ErrNotFound.
	Find(ctx context.Context, articleID, predictionType string) (*ArticlePrediction, error)
}

// Metrics is the append-only metric collection.
type Metrics interface {
	Append(ctx context.Context, m Metric) error
}

// DB exposes the document-store session surface shared by the repositories.
type DB interface {
	// WithTransaction runs fn inside a transaction. The context passed to fn
	// must be forwarded to every repository call that should join the
	// transaction. Any error from fn aborts the transaction; no partial
	// mutation persists.
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error

	// Ping verifies store reachability.
	Ping(ctx context.Context) error
}
