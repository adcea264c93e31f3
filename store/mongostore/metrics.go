package mongostore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/smart-news/ml-platform/store"
)

// Metrics is the Mongo-backed append-only metric collection.
type Metrics struct {
	coll *mongo.Collection
}

type metricDoc struct {
	MetricName  string            `bson:"metric_name"`
	MetricValue float64           `bson:"metric_value"`
	Tags        map[string]string `bson:"tags"`
	Description string            `bson:"description,omitempty"`
	CreatedAt   time.Time         `bson:"created_at"`
}

func (r *Metrics) Append(ctx context.Context, m store.Metric) error {
	doc := metricDoc{
		MetricName:  m.MetricName,
		MetricValue: m.MetricValue,
		Tags:        m.Tags,
		Description: m.Description,
		CreatedAt:   m.CreatedAt,
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	if _, err := r.coll.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("append metric %s: %w", m.MetricName, err)
	}
	return nil
}
