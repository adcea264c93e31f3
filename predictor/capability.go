// Package predictor implements the predictor lifecycle runtime: artifact
// download and caching, on-demand load, idle unload, and the metric
// instrumentation around every forward pass.
package predictor

import (
	"context"
	"errors"
)

var (
	// ErrLoadFailed wraps failures bringing a model into memory.
	ErrLoadFailed = errors.New("predictor load failed")

	// ErrUnloadFailed wraps failures releasing a loaded model.
	ErrUnloadFailed = errors.New("predictor unload failed")

	// ErrInferenceFailed wraps failures during a forward pass.
	ErrInferenceFailed = errors.New("inference failed")

	// ErrNotInitialized is returned when load or forward runs before Setup.
	ErrNotInitialized = errors.New("predictor not initialized")
)

// Prediction is one forward-pass result: a label, its confidence, and the
// synthetic cost of producing it.
type Prediction struct {
	Value      string
	Confidence float64
	Price      float64
}

// Capability is the set a concrete predictor provides. The Runtime wraps one
// Capability with the state machine, locking, and telemetry; capabilities
// themselves stay free of lifecycle concerns.
//
// Forward must be safe for concurrent calls on a loaded model. Download,
// Load, and Unload are only ever invoked under the runtime's locks.
type Capability interface {
	PredictionType() string
	PredictorVersion() int

	// Download obtains model artifacts and returns the local directory
	// holding them. The runtime owns copying them into the weights layout.
	Download(ctx context.Context) (string, error)

	// Load brings the model at path into memory.
	Load(ctx context.Context, path string) error

	// Unload releases the in-memory model.
	Unload(ctx context.Context) error

	// Forward runs inference over the input text.
	Forward(ctx context.Context, input string) (Prediction, error)
}
