package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/smart-news/ml-platform/broker"
	"github.com/smart-news/ml-platform/bus"
	"github.com/smart-news/ml-platform/config"
)

var (
	pushCount       int
	pushTitle       string
	pushDescription string
)

// pushArticlesCmd seeds the articles queue with sample events, the same way
// an external crawler would.
var pushArticlesCmd = &cobra.Command{
	Use:   "push-articles",
	Short: "Publish sample article events onto the articles queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := setLogLevel(cfg.LoggingLevel); err != nil {
			return fmt.Errorf("invalid log level %q: %w", cfg.LoggingLevel, err)
		}

		br, err := broker.New(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer br.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		if err := br.Ping(ctx); err != nil {
			return fmt.Errorf("broker unreachable: %w", err)
		}

		for i := 0; i < pushCount; i++ {
			payload := bus.ArticlePayload{
				ID:          bus.ArticleID(uuid.NewString()),
				Title:       &pushTitle,
				Description: &pushDescription,
			}
			event, err := bus.NewEvent(bus.ArticlesEvent, payload)
			if err != nil {
				return err
			}
			raw, err := event.Marshal()
			if err != nil {
				return err
			}
			if err := br.Push(ctx, cfg.QueueArticles, raw); err != nil {
				return err
			}
		}

		logrus.Infof("Pushed %d article event(s) to queue %q", pushCount, cfg.QueueArticles)
		return nil
	},
}

func init() {
	pushArticlesCmd.Flags().IntVar(&pushCount, "count", 1, "Number of article events to publish")
	pushArticlesCmd.Flags().StringVar(&pushTitle, "title", "Market rally continues", "Article title")
	pushArticlesCmd.Flags().StringVar(&pushDescription, "description", "Stocks posted strong gains as earnings beat expectations.", "Article description")
	rootCmd.AddCommand(pushArticlesCmd)
}
