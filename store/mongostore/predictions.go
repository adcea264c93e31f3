package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/smart-news/ml-platform/store"
)

// Predictions is the Mongo-backed article-prediction collection.
type Predictions struct {
	coll *mongo.Collection
}

type predictionDoc struct {
	ID                  primitive.ObjectID               `bson:"_id,omitempty"`
	ArticleID           string                           `bson:"article_id"`
	PredictionType      string                           `bson:"prediction_type"`
	SelectedPredictorID string                           `bson:"selected_predictor_id,omitempty"`
	Predictions         map[string]store.PredictionEntry `bson:"predictions"`
	CreatedAt           time.Time                        `bson:"created_at"`
	UpdatedAt           time.Time                        `bson:"updated_at"`
}

func (d *predictionDoc) toDomain() *store.ArticlePrediction {
	return &store.ArticlePrediction{
		ID:                  d.ID.Hex(),
		ArticleID:           d.ArticleID,
		PredictionType:      d.PredictionType,
		SelectedPredictorID: d.SelectedPredictorID,
		Predictions:         d.Predictions,
		CreatedAt:           d.CreatedAt,
		UpdatedAt:           d.UpdatedAt,
	}
}

// Upsert writes a single predictor's entry with a dotted-path $set, so
// concurrent upserts for different predictors merge instead of replacing the
// predictions map wholesale.
func (r *Predictions) Upsert(ctx context.Context, articleID, predictionType, predictorID string, entry store.PredictionEntry, selected bool) (*store.ArticlePrediction, error) {
	now := time.Now().UTC()
	set := bson.M{
		"predictions." + predictorID: entry,
		"updated_at":                 now,
	}
	if selected {
		set["selected_predictor_id"] = predictorID
	}
	update := bson.M{
		"$set": set,
		"$setOnInsert": bson.M{
			"article_id":      articleID,
			"prediction_type": predictionType,
			"created_at":      now,
		},
	}
	filter := bson.M{"article_id": articleID, "prediction_type": predictionType}

	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var doc predictionDoc
	if err := r.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc); err != nil {
		return nil, fmt.Errorf("upsert prediction %s/%s: %w", articleID, predictionType, err)
	}
	return doc.toDomain(), nil
}

func (r *Predictions) Find(ctx context.Context, articleID, predictionType string) (*store.ArticlePrediction, error) {
	var doc predictionDoc
	err := r.coll.FindOne(ctx, bson.M{
		"article_id":      articleID,
		"prediction_type": predictionType,
	}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find prediction %s/%s: %w", articleID, predictionType, err)
	}
	return doc.toDomain(), nil
}
