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

// Predictors is the Mongo-backed predictor registry.
type Predictors struct {
	coll *mongo.Collection
}

type predictorDoc struct {
	ID                primitive.ObjectID `bson:"_id,omitempty"`
	PredictionType    string             `bson:"prediction_type"`
	PredictorVersion  int                `bson:"predictor_version"`
	Description       string             `bson:"predictor_description"`
	TrafficPercentage int                `bson:"traffic_percentage"`
	CreatedAt         time.Time          `bson:"created_at"`
	UpdatedAt         time.Time          `bson:"updated_at"`
}

func (d *predictorDoc) toDomain() *store.Predictor {
	return &store.Predictor{
		ID:                d.ID.Hex(),
		PredictionType:    d.PredictionType,
		PredictorVersion:  d.PredictorVersion,
		Description:       d.Description,
		TrafficPercentage: d.TrafficPercentage,
		CreatedAt:         d.CreatedAt,
		UpdatedAt:         d.UpdatedAt,
	}
}

func (r *Predictors) Find(ctx context.Context, predictionType string, version int) (*store.Predictor, error) {
	var doc predictorDoc
	err := r.coll.FindOne(ctx, bson.M{
		"prediction_type":   predictionType,
		"predictor_version": version,
	}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find predictor %s.%d: %w", predictionType, version, err)
	}
	return doc.toDomain(), nil
}

func (r *Predictors) FindByID(ctx context.Context, id string) (*store.Predictor, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, store.ErrNotFound
	}
	var doc predictorDoc
	err = r.coll.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find predictor %s: %w", id, err)
	}
	return doc.toDomain(), nil
}

func (r *Predictors) ListByType(ctx context.Context, predictionType string, onlyActive bool) ([]store.Predictor, error) {
	filter := bson.M{"prediction_type": predictionType}
	if onlyActive {
		filter["traffic_percentage"] = bson.M{"$gt": 0}
	}
	opts := options.Find().SetSort(bson.D{{Key: "predictor_version", Value: -1}})
	cur, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list predictors %s: %w", predictionType, err)
	}
	defer cur.Close(ctx)

	var out []store.Predictor
	for cur.Next(ctx) {
		var doc predictorDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode predictor: %w", err)
		}
		out = append(out, *doc.toDomain())
	}
	return out, cur.Err()
}

func (r *Predictors) Newest(ctx context.Context, predictionType string) (*store.Predictor, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "predictor_version", Value: -1}})
	var doc predictorDoc
	err := r.coll.FindOne(ctx, bson.M{"prediction_type": predictionType}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("newest predictor %s: %w", predictionType, err)
	}
	return doc.toDomain(), nil
}

func (r *Predictors) Create(ctx context.Context, predictionType, description string, version int) (*store.Predictor, error) {
	newest, err := r.Newest(ctx, predictionType)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if newest != nil && version <= newest.PredictorVersion {
		return nil, fmt.Errorf("create %s.%d (newest %d): %w",
			predictionType, version, newest.PredictorVersion, store.ErrVersionRegression)
	}

	now := time.Now().UTC()
	doc := predictorDoc{
		PredictionType:   predictionType,
		PredictorVersion: version,
		Description:      description,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	res, err := r.coll.InsertOne(ctx, doc)
	if err != nil {
		// Unique index on (prediction_type, predictor_version) catches
		// racing creators that slipped past the Newest read.
		if mongo.IsDuplicateKeyError(err) {
			return nil, store.ErrVersionRegression
		}
		return nil, fmt.Errorf("insert predictor %s.%d: %w", predictionType, version, err)
	}
	doc.ID = res.InsertedID.(primitive.ObjectID)
	return doc.toDomain(), nil
}

func (r *Predictors) UpdateTraffic(ctx context.Context, id string, percentage int) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return store.ErrNotFound
	}
	res, err := r.coll.UpdateOne(ctx, bson.M{"_id": oid}, bson.M{
		"$set": bson.M{
			"traffic_percentage": percentage,
			"updated_at":         time.Now().UTC(),
		},
	})
	if err != nil {
		return fmt.Errorf("update traffic %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}
