package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/smart-news/ml-platform/config"
	"github.com/smart-news/ml-platform/platform"
)

// serveCmd boots the full platform and blocks until SIGINT/SIGTERM.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the serving platform (event bus consumers + admin API)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := setLogLevel(cfg.LoggingLevel); err != nil {
			return fmt.Errorf("invalid log level %q: %w", cfg.LoggingLevel, err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		p, err := platform.New(ctx, cfg)
		if err != nil {
			return err
		}

		logrus.Infof("Starting platform: queues [%s, %s], api port %d",
			cfg.QueueArticles, cfg.QueueMetrics, cfg.APIPort)
		return p.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
