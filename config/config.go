// Package config loads platform settings from the environment.
package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the full environment-driven configuration.
type Config struct {
	MongoURL          string `mapstructure:"MONGO_URL" validate:"required"`
	MongoDatabaseName string `mapstructure:"MONGO_DATABASE_NAME" validate:"required"`
	RedisURL          string `mapstructure:"REDIS_URL" validate:"required"`
	WeightsPath       string `mapstructure:"WEIGHTS_PATH" validate:"required"`

	QueueArticles string `mapstructure:"QUEUE_ARTICLES" validate:"required"`
	QueueMetrics  string `mapstructure:"QUEUE_METRICS" validate:"required"`

	APIPort             int    `mapstructure:"API_PORT" validate:"gte=1,lte=65535"`
	MaxTrafficThreshold int    `mapstructure:"MAX_TRAFFIC_THRESHOLD" validate:"gte=1,lte=100"`
	LoggingLevel        string `mapstructure:"LOGGING_LEVEL" validate:"required"`

	UnloadTimeoutSeconds  int `mapstructure:"UNLOAD_TIMEOUT_SECONDS" validate:"gte=1"`
	ConcurrentPredictions int `mapstructure:"CONCURRENT_PREDICTIONS" validate:"gte=1"`
	ArticlesBatchSize     int `mapstructure:"ARTICLES_BATCH_SIZE" validate:"gte=1"`
	MetricsBatchSize      int `mapstructure:"METRICS_BATCH_SIZE" validate:"gte=1"`
}

// Load reads settings from the environment, applying defaults and validating
// the result.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("MONGO_URL", "")
	v.SetDefault("MONGO_DATABASE_NAME", "news")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("WEIGHTS_PATH", "")
	v.SetDefault("QUEUE_ARTICLES", "articles")
	v.SetDefault("QUEUE_METRICS", "metrics")
	v.SetDefault("API_PORT", 8001)
	v.SetDefault("MAX_TRAFFIC_THRESHOLD", 50)
	v.SetDefault("LOGGING_LEVEL", "info")
	v.SetDefault("UNLOAD_TIMEOUT_SECONDS", 300)
	v.SetDefault("CONCURRENT_PREDICTIONS", 1)
	v.SetDefault("ARTICLES_BATCH_SIZE", 10)
	v.SetDefault("METRICS_BATCH_SIZE", 20)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	return &cfg, nil
}
