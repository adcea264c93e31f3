package metrics

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/smart-news/ml-platform/bus"
)

// Handler consumes METRICS_EVENT batches off the bus and persists each
// payload through the sink. Components that cannot or should not write rows
// inline publish metric events instead.
type Handler struct {
	sink *Sink
}

// NewHandler builds the bus handler over a sink.
func NewHandler(sink *Sink) *Handler {
	return &Handler{sink: sink}
}

func (h *Handler) EventTypes() []string {
	return []string{bus.MetricsEvent}
}

func (h *Handler) Handle(ctx context.Context, events []bus.Event) error {
	var merr *multierror.Error
	for _, e := range events {
		payload, err := e.Metric()
		if err != nil {
			logrus.Warnf("Dropping malformed metric event: %v", err)
			continue
		}
		if err := h.sink.Emit(ctx, payload.MetricName, payload.MetricValue, payload.Tags, ""); err != nil {
			logrus.WithField("metric_name", payload.MetricName).Errorf("Failed to persist metric: %v", err)
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}
