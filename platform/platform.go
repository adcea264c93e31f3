// Package platform is the composition root. It builds every subsystem in
// dependency order (settings -> store -> broker -> registry -> router ->
// sink -> runtimes -> bus -> pipeline -> admin HTTP) and holds them in one
// value passed explicitly to whoever needs them.
package platform

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/smart-news/ml-platform/api"
	"github.com/smart-news/ml-platform/article"
	"github.com/smart-news/ml-platform/broker"
	"github.com/smart-news/ml-platform/bus"
	"github.com/smart-news/ml-platform/config"
	"github.com/smart-news/ml-platform/metrics"
	"github.com/smart-news/ml-platform/predictor"
	"github.com/smart-news/ml-platform/store/mongostore"
	"github.com/smart-news/ml-platform/traffic"
)

// Platform wires every subsystem together for one process.
type Platform struct {
	cfg *config.Config

	Store    *mongostore.Store
	Broker   *broker.Client
	Sink     *metrics.Sink
	Router   *traffic.Router
	Runtimes []*predictor.Runtime
	Bus      *bus.Bus
	Pipeline *article.Pipeline

	httpServer *http.Server
}

// New constructs the platform. Nothing is started yet; Run does that.
func New(ctx context.Context, cfg *config.Config) (*Platform, error) {
	st, err := mongostore.Connect(ctx, cfg.MongoURL, cfg.MongoDatabaseName)
	if err != nil {
		return nil, fmt.Errorf("document store: %w", err)
	}

	br, err := broker.New(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("queue broker: %w", err)
	}

	registry := st.Predictors()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	sink := metrics.NewSink(st.Metrics(), promReg)

	router := traffic.NewRouter(st, registry, sink, cfg.MaxTrafficThreshold)

	idleTimeout := time.Duration(cfg.UnloadTimeoutSeconds) * time.Second
	var runtimes []*predictor.Runtime
	for _, cap := range predictor.Builtin() {
		runtimes = append(runtimes, predictor.NewRuntime(cap, registry, st, sink, cfg.WeightsPath, idleTimeout))
	}

	eventBus := bus.New(br)
	eventBus.RegisterQueue(cfg.QueueArticles, cfg.ArticlesBatchSize)
	eventBus.RegisterQueue(cfg.QueueMetrics, cfg.MetricsBatchSize)

	forwarders := make([]article.Forwarder, len(runtimes))
	for i, rt := range runtimes {
		forwarders[i] = rt
	}
	pipeline := article.NewPipeline(registry, st.Predictions(), forwarders, int64(cfg.ConcurrentPredictions))
	if err := eventBus.Subscribe(cfg.QueueArticles, pipeline); err != nil {
		return nil, fmt.Errorf("subscribe article pipeline: %w", err)
	}
	if err := eventBus.Subscribe(cfg.QueueMetrics, metrics.NewHandler(sink)); err != nil {
		return nil, fmt.Errorf("subscribe metrics handler: %w", err)
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.APIPort),
		Handler: api.New(router, promReg),
	}

	return &Platform{
		cfg:        cfg,
		Store:      st,
		Broker:     br,
		Sink:       sink,
		Router:     router,
		Runtimes:   runtimes,
		Bus:        eventBus,
		Pipeline:   pipeline,
		httpServer: httpServer,
	}, nil
}

// Run sets up every predictor runtime, starts the event bus and the admin
// server, and blocks until ctx is cancelled, then shuts everything down in
// reverse order.
func (p *Platform) Run(ctx context.Context) error {
	for _, rt := range p.Runtimes {
		if err := rt.Setup(ctx); err != nil {
			return fmt.Errorf("setup %s v%d: %w", rt.PredictionType(), rt.PredictorVersion(), err)
		}
	}

	if err := p.Bus.Start(ctx); err != nil {
		return err
	}

	httpErr := make(chan error, 1)
	go func() {
		logrus.Infof("Admin API listening on %s", p.httpServer.Addr)
		if err := p.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErr <- err
		}
	}()

	select {
	case err := <-httpErr:
		p.shutdown()
		return fmt.Errorf("admin server: %w", err)
	case <-ctx.Done():
	}

	logrus.Info("Shutting down")
	p.shutdown()
	return nil
}

func (p *Platform) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := p.httpServer.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("Admin server shutdown: %v", err)
	}
	p.Bus.Stop()
	for _, rt := range p.Runtimes {
		if err := rt.ManualUnload(shutdownCtx); err != nil {
			logrus.Errorf("Unload %s v%d: %v", rt.PredictionType(), rt.PredictorVersion(), err)
		}
	}
	if err := p.Broker.Close(); err != nil {
		logrus.Errorf("Broker close: %v", err)
	}
	if err := p.Store.Disconnect(shutdownCtx); err != nil {
		logrus.Errorf("Store disconnect: %v", err)
	}
}
