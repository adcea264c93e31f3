package predictor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/smart-news/ml-platform/metrics"
	"github.com/smart-news/ml-platform/store"
)

// DefaultUnloadTimeout is how long a loaded model sits idle before the
// runtime releases it.
const DefaultUnloadTimeout = 300 * time.Second

// Runtime drives one capability through its lifecycle:
//
//	FRESH -> INITIALIZED -> LOADED -> (idle) -> INITIALIZED -> ...
//
// Setup is serialised by initMu, load/unload by the writer side of loadMu.
// Forward holds loadMu in reader mode for the whole inference, so concurrent
// forwards run in parallel while the idle-unload timer (a writer) can never
// interleave with an in-flight forward.
type Runtime struct {
	cap         Capability
	registry    store.Predictors
	db          store.DB
	sink        *metrics.Sink
	weightsRoot string
	idleTimeout time.Duration
	log         *logrus.Entry

	initMu      sync.Mutex
	initialized bool
	predictorID string

	loadMu sync.RWMutex
	loaded bool

	timerMu   sync.Mutex
	idleTimer *time.Timer
}

// NewRuntime wraps a capability. weightsRoot is the WEIGHTS_PATH directory
// under which each predictor's artifacts live by id.
func NewRuntime(cap Capability, registry store.Predictors, db store.DB, sink *metrics.Sink, weightsRoot string, idleTimeout time.Duration) *Runtime {
	if idleTimeout <= 0 {
		idleTimeout = DefaultUnloadTimeout
	}
	return &Runtime{
		cap:         cap,
		registry:    registry,
		db:          db,
		sink:        sink,
		weightsRoot: weightsRoot,
		idleTimeout: idleTimeout,
		log: logrus.WithFields(logrus.Fields{
			metrics.TagPredictionType:   cap.PredictionType(),
			metrics.TagPredictorVersion: cap.PredictorVersion(),
		}),
	}
}

// PredictionType names the capability's prediction family.
func (r *Runtime) PredictionType() string { return r.cap.PredictionType() }

// PredictorVersion is the capability's version within its family.
func (r *Runtime) PredictorVersion() int { return r.cap.PredictorVersion() }

// PredictorID is the registry id assigned during Setup. Empty until then.
func (r *Runtime) PredictorID() string {
	r.initMu.Lock()
	defer r.initMu.Unlock()
	return r.predictorID
}

// Initialized reports whether Setup has completed.
func (r *Runtime) Initialized() bool {
	r.initMu.Lock()
	defer r.initMu.Unlock()
	return r.initialized
}

// Loaded reports whether the model currently resides in memory.
func (r *Runtime) Loaded() bool {
	r.loadMu.RLock()
	defer r.loadMu.RUnlock()
	return r.loaded
}

func (r *Runtime) tags() map[string]string {
	return metrics.Tags(r.cap.PredictionType(), strconv.Itoa(r.cap.PredictorVersion()))
}

// emit records a metric; emission failures are logged, never propagated into
// the inference path.
func (r *Runtime) emit(ctx context.Context, name string, value float64) {
	if err := r.sink.Emit(ctx, name, value, r.tags(), ""); err != nil {
		r.log.Errorf("Failed to record %s: %v", name, err)
	}
}

// Setup registers the predictor and puts its artifacts in place. Idempotent:
// concurrent callers observe at most one download and one registration. A
// download failure is surfaced and recorded as a loading error; a later
// retry starts over.
func (r *Runtime) Setup(ctx context.Context) error {
	r.initMu.Lock()
	defer r.initMu.Unlock()
	if r.initialized {
		return nil
	}

	r.log.Info("Initializing predictor")

	persisted, err := r.registry.Find(ctx, r.cap.PredictionType(), r.cap.PredictorVersion())
	switch {
	case errors.Is(err, store.ErrNotFound):
		persisted, err = r.register(ctx)
		if err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("look up predictor: %w", err)
	default:
		weightsDir := r.weightsDir(persisted.ID)
		if _, statErr := os.Stat(weightsDir); os.IsNotExist(statErr) {
			r.log.Info("Predictor found but weights missing, re-downloading")
			if err := r.fetchWeights(ctx, persisted.ID); err != nil {
				return err
			}
		}
	}

	r.predictorID = persisted.ID
	r.initialized = true
	r.log.Info("Predictor initialized")
	return nil
}

// register downloads artifacts, creates the registry row inside a
// transaction (the monotone-version rule rejects racing creators), and moves
// the artifacts into the weights layout.
func (r *Runtime) register(ctx context.Context) (*store.Predictor, error) {
	r.log.Info("Predictor not found, registering new one")

	downloaded, err := r.cap.Download(ctx)
	if err != nil {
		r.emit(ctx, metrics.PredictorLoadingError, 1)
		return nil, fmt.Errorf("download artifacts: %w", err)
	}
	defer os.RemoveAll(downloaded)

	var persisted *store.Predictor
	err = r.db.WithTransaction(ctx, func(ctx context.Context) error {
		var txErr error
		persisted, txErr = r.registry.Create(ctx,
			r.cap.PredictionType(),
			fmt.Sprintf("%s v%d", r.cap.PredictionType(), r.cap.PredictorVersion()),
			r.cap.PredictorVersion())
		return txErr
	})
	if err != nil {
		return nil, fmt.Errorf("register predictor: %w", err)
	}

	if err := copyTree(downloaded, r.weightsDir(persisted.ID)); err != nil {
		return nil, fmt.Errorf("install artifacts: %w", err)
	}
	return persisted, nil
}

// fetchWeights re-downloads artifacts for an already-registered predictor
// whose weights directory went missing.
func (r *Runtime) fetchWeights(ctx context.Context, predictorID string) error {
	downloaded, err := r.cap.Download(ctx)
	if err != nil {
		r.emit(ctx, metrics.PredictorLoadingError, 1)
		return fmt.Errorf("download artifacts: %w", err)
	}
	defer os.RemoveAll(downloaded)

	if err := copyTree(downloaded, r.weightsDir(predictorID)); err != nil {
		return fmt.Errorf("install artifacts: %w", err)
	}
	return nil
}

func (r *Runtime) weightsDir(predictorID string) string {
	return filepath.Join(r.weightsRoot, predictorID)
}

// Load brings the model into memory, timing the underlying load. A no-op
// when already loaded, so concurrent forwards trigger at most one load.
func (r *Runtime) Load(ctx context.Context) error {
	if !r.Initialized() {
		return ErrNotInitialized
	}

	r.loadMu.Lock()
	defer r.loadMu.Unlock()
	if r.loaded {
		return nil
	}

	dir := r.weightsDir(r.PredictorID())
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("weights directory %s: %w", dir, ErrLoadFailed)
	}

	start := time.Now()
	if err := r.cap.Load(ctx, dir); err != nil {
		r.emit(ctx, metrics.PredictorLoadingError, 1)
		return fmt.Errorf("%w: %v", ErrLoadFailed, err)
	}
	r.emit(ctx, metrics.PredictorLoadingLatency, time.Since(start).Seconds())

	r.loaded = true
	r.log.Info("Predictor loaded")
	return nil
}

// Unload releases the model. A no-op (with a warning) when not loaded.
func (r *Runtime) Unload(ctx context.Context) error {
	if !r.Initialized() {
		return ErrNotInitialized
	}

	r.loadMu.Lock()
	defer r.loadMu.Unlock()
	if !r.loaded {
		r.log.Warn("Predictor already unloaded")
		return nil
	}

	start := time.Now()
	if err := r.cap.Unload(ctx); err != nil {
		r.emit(ctx, metrics.PredictorUnloadingError, 1)
		return fmt.Errorf("%w: %v", ErrUnloadFailed, err)
	}
	r.emit(ctx, metrics.PredictorUnloadingLatency, time.Since(start).Seconds())

	r.loaded = false
	r.log.Info("Predictor unloaded")
	return nil
}

// Forward runs one inference, loading the model first if needed. On success
// it records latency and price and re-arms the idle-unload timer; on failure
// it records an error metric and surfaces ErrInferenceFailed.
func (r *Runtime) Forward(ctx context.Context, input string) (Prediction, error) {
	if !r.Initialized() {
		return Prediction{}, ErrNotInitialized
	}

	// Hold the reader side for the whole inference: load/unload (writers)
	// cannot interleave with an in-flight forward.
	for {
		r.loadMu.RLock()
		if r.loaded {
			break
		}
		r.loadMu.RUnlock()
		if err := r.Load(ctx); err != nil {
			return Prediction{}, err
		}
	}
	defer r.loadMu.RUnlock()

	r.cancelIdleUnload()

	start := time.Now()
	result, err := r.cap.Forward(ctx, input)
	if err != nil {
		r.emit(ctx, metrics.PredictorError, 1)
		// Failed forwards count as activity too: re-arm the timer so the
		// model still idles out instead of staying loaded forever.
		r.scheduleIdleUnload()
		return Prediction{}, fmt.Errorf("%w: %v", ErrInferenceFailed, err)
	}

	r.emit(ctx, metrics.PredictorLatency, time.Since(start).Seconds())
	r.emit(ctx, metrics.PredictorPrice, result.Price)

	r.scheduleIdleUnload()
	return result, nil
}

// ManualUnload cancels any pending idle unload and releases the model
// synchronously. Used on shutdown.
func (r *Runtime) ManualUnload(ctx context.Context) error {
	r.cancelIdleUnload()
	return r.Unload(ctx)
}

// scheduleIdleUnload re-arms the idle timer. When it fires the model is
// unloaded unless a forward got there first and re-armed it again.
func (r *Runtime) scheduleIdleUnload() {
	r.timerMu.Lock()
	defer r.timerMu.Unlock()
	if r.idleTimer != nil {
		r.idleTimer.Stop()
	}
	r.idleTimer = time.AfterFunc(r.idleTimeout, func() {
		r.log.Infof("Idle for %s, unloading", r.idleTimeout)
		if err := r.Unload(context.Background()); err != nil {
			r.log.Errorf("Idle unload failed: %v", err)
		}
	})
}

// cancelIdleUnload stops a pending idle unload. Cancellation is silent; a
// timer that already fired is simply done.
func (r *Runtime) cancelIdleUnload() {
	r.timerMu.Lock()
	defer r.timerMu.Unlock()
	if r.idleTimer != nil {
		r.idleTimer.Stop()
		r.idleTimer = nil
	}
}

// copyTree copies a downloaded artifact directory into place.
func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		out, err := os.Create(target)
		if err != nil {
			return err
		}
		defer out.Close()
		_, err = io.Copy(out, in)
		return err
	})
}
