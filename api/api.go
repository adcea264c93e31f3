// Package api is the synchronous HTTP admin surface: traffic mutations,
// health check, and the Prometheus scrape endpoint. Responses always reflect
// the post-mutation active distribution.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/smart-news/ml-platform/store"
	"github.com/smart-news/ml-platform/traffic"
)

// TrafficRouter is the slice of the traffic router the API needs.
type TrafficRouter interface {
	ShiftNewest(ctx context.Context, predictionType, description string) ([]store.Predictor, error)
	SetTraffic(ctx context.Context, predictionType string, version, value int, description string) ([]store.Predictor, error)
	Deactivate(ctx context.Context, predictionType string, version int, description string) ([]store.Predictor, error)
}

// Server holds the admin handlers.
type Server struct {
	router   TrafficRouter
	validate *validator.Validate
}

// New builds the HTTP handler tree. gatherer serves /metrics; pass nil to
// omit the endpoint.
func New(router TrafficRouter, gatherer prometheus.Gatherer) http.Handler {
	s := &Server{
		router:   router,
		validate: validator.New(),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health/check", s.healthCheck)
	r.Route("/traffic", func(r chi.Router) {
		r.Post("/shift", s.shiftTraffic)
		r.Post("/set", s.setTraffic)
		r.Post("/deactivate", s.deactivateTraffic)
	})
	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

type shiftRequest struct {
	PredictionType string `json:"prediction_type" validate:"required"`
	Description    string `json:"description"`
}

type setRequest struct {
	PredictionType   string `json:"prediction_type" validate:"required"`
	PredictorVersion int    `json:"predictor_version" validate:"required,gte=1"`
	Traffic          *int   `json:"traffic" validate:"required,gte=0,lte=100"`
	Description      string `json:"description"`
}

type deactivateRequest struct {
	PredictionType   string `json:"prediction_type" validate:"required"`
	PredictorVersion int    `json:"predictor_version" validate:"required,gte=1"`
	Description      string `json:"description"`
}

type distributionEntry struct {
	PredictorID       string `json:"predictor_id"`
	PredictorVersion  int    `json:"predictor_version"`
	TrafficPercentage int    `json:"traffic_percentage"`
}

type trafficResponse struct {
	PredictionType      string              `json:"prediction_type"`
	TrafficDistribution []distributionEntry `json:"traffic_distribution"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) shiftTraffic(w http.ResponseWriter, r *http.Request) {
	var req shiftRequest
	if !s.decode(w, r, &req) {
		return
	}
	distribution, err := s.router.ShiftNewest(r.Context(), req.PredictionType, req.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(req.PredictionType, distribution))
}

func (s *Server) setTraffic(w http.ResponseWriter, r *http.Request) {
	var req setRequest
	if !s.decode(w, r, &req) {
		return
	}
	distribution, err := s.router.SetTraffic(r.Context(), req.PredictionType, req.PredictorVersion, *req.Traffic, req.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(req.PredictionType, distribution))
}

func (s *Server) deactivateTraffic(w http.ResponseWriter, r *http.Request) {
	var req deactivateRequest
	if !s.decode(w, r, &req) {
		return
	}
	distribution, err := s.router.Deactivate(r.Context(), req.PredictionType, req.PredictorVersion, req.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(req.PredictionType, distribution))
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, into any) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	if err := s.validate.Struct(into); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return false
	}
	return true
}

func toResponse(predictionType string, distribution []store.Predictor) trafficResponse {
	entries := make([]distributionEntry, 0, len(distribution))
	for _, p := range distribution {
		entries = append(entries, distributionEntry{
			PredictorID:       p.ID,
			PredictorVersion:  p.PredictorVersion,
			TrafficPercentage: p.TrafficPercentage,
		})
	}
	return trafficResponse{PredictionType: predictionType, TrafficDistribution: entries}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, traffic.ErrUnknownPredictor):
		status = http.StatusNotFound
	case errors.Is(err, traffic.ErrInvalidTraffic):
		status = http.StatusBadRequest
	case errors.Is(err, traffic.ErrNoActivePredictor):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		logrus.Errorf("Admin request failed: %v", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logrus.Errorf("Failed to encode response: %v", err)
	}
}
