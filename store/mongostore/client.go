// Package mongostore implements the store interfaces on MongoDB. Collection
// names and indexes are fixed for wire compatibility: predictors (unique on
// prediction_type+predictor_version), article_predictions (unique on
// article_id+prediction_type), metrics (no indexes).
package mongostore

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	predictorsCollection  = "predictors"
	predictionsCollection = "article_predictions"
	metricsCollection     = "metrics"
)

// Store wraps a Mongo database and hands out repository views over its
// collections.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// Connect dials the Mongo deployment and ensures the collection indexes.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	s := &Store{client: client, db: client.Database(database)}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	logrus.Infof("Connected to mongo database %q", database)
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	predictorIdx := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "prediction_type", Value: 1}, {Key: "predictor_version", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "prediction_type", Value: 1}}},
	}
	if _, err := s.db.Collection(predictorsCollection).Indexes().CreateMany(ctx, predictorIdx); err != nil {
		return fmt.Errorf("create predictor indexes: %w", err)
	}

	predictionIdx := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "article_id", Value: 1}, {Key: "prediction_type", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "article_id", Value: 1}}},
	}
	if _, err := s.db.Collection(predictionsCollection).Indexes().CreateMany(ctx, predictionIdx); err != nil {
		return fmt.Errorf("create article_prediction indexes: %w", err)
	}
	return nil
}

// Predictors returns the registry view.
func (s *Store) Predictors() *Predictors {
	return &Predictors{coll: s.db.Collection(predictorsCollection)}
}

// Predictions returns the article-prediction view.
func (s *Store) Predictions() *Predictions {
	return &Predictions{coll: s.db.Collection(predictionsCollection)}
}

// Metrics returns the metric-sink view.
func (s *Store) Metrics() *Metrics {
	return &Metrics{coll: s.db.Collection(metricsCollection)}
}

// Ping verifies the primary is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// WithTransaction runs fn inside a Mongo session transaction. The session is
// carried on the context handed to fn, so repository calls made with it join
// the transaction; an error from fn aborts with no partial state.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})
	return err
}

// Disconnect closes the underlying client.
func (s *Store) Disconnect(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
