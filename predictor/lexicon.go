package predictor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// lexiconModel is the on-disk artifact format shared by the built-in
// predictors: per-label token weights plus pricing. Downloaded as
// manifest.yaml + lexicon.yaml under the predictor's weights directory.
type lexiconModel struct {
	Labels       map[string]map[string]float64 `yaml:"labels"`
	Negations    []string                      `yaml:"negations,omitempty"`
	DefaultLabel string                        `yaml:"default_label"`
	PricePerChar float64                       `yaml:"price_per_char"`
}

type manifest struct {
	PredictionType   string `yaml:"prediction_type"`
	PredictorVersion int    `yaml:"predictor_version"`
	Format           string `yaml:"format"`
}

const (
	manifestFile = "manifest.yaml"
	lexiconFile  = "lexicon.yaml"
)

// lexiconCapability implements Capability for lexicon-scored classifiers.
// Download materialises the embedded lexicon as artifact files; Load parses
// them back into memory. The loaded model is read-only, so Forward is safe
// for concurrent callers.
type lexiconCapability struct {
	predictionType string
	version        int
	source         lexiconModel

	mu    sync.RWMutex
	model *lexiconModel
}

func (c *lexiconCapability) PredictionType() string { return c.predictionType }
func (c *lexiconCapability) PredictorVersion() int  { return c.version }

func (c *lexiconCapability) Download(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dir, err := os.MkdirTemp("", "predictor-download-")
	if err != nil {
		return "", fmt.Errorf("create download dir: %w", err)
	}

	logrus.Infof("Downloading %s v%d artifacts", c.predictionType, c.version)

	m := manifest{
		PredictionType:   c.predictionType,
		PredictorVersion: c.version,
		Format:           "lexicon/v1",
	}
	if err := writeYAML(filepath.Join(dir, manifestFile), m); err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	if err := writeYAML(filepath.Join(dir, lexiconFile), c.source); err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	return dir, nil
}

func (c *lexiconCapability) Load(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var m manifest
	if err := readYAML(filepath.Join(path, manifestFile), &m); err != nil {
		return err
	}
	if m.PredictionType != c.predictionType || m.PredictorVersion != c.version {
		return fmt.Errorf("manifest mismatch: artifacts are %s v%d", m.PredictionType, m.PredictorVersion)
	}

	var model lexiconModel
	if err := readYAML(filepath.Join(path, lexiconFile), &model); err != nil {
		return err
	}
	if len(model.Labels) == 0 {
		return fmt.Errorf("lexicon %s has no labels", path)
	}

	c.mu.Lock()
	c.model = &model
	c.mu.Unlock()
	return nil
}

func (c *lexiconCapability) Unload(ctx context.Context) error {
	c.mu.Lock()
	c.model = nil
	c.mu.Unlock()
	return nil
}

func (c *lexiconCapability) Forward(ctx context.Context, input string) (Prediction, error) {
	if err := ctx.Err(); err != nil {
		return Prediction{}, err
	}
	c.mu.RLock()
	model := c.model
	c.mu.RUnlock()
	if model == nil {
		return Prediction{}, fmt.Errorf("%s v%d: model not loaded", c.predictionType, c.version)
	}
	if strings.TrimSpace(input) == "" {
		return Prediction{}, fmt.Errorf("empty input text")
	}
	return model.classify(input), nil
}

// classify scores each label by summed token weights. Negation tokens flip
// the sign of the following token's contribution.
func (m *lexiconModel) classify(text string) Prediction {
	tokens := tokenize(text)
	negations := make(map[string]bool, len(m.Negations))
	for _, n := range m.Negations {
		negations[n] = true
	}

	scores := make(map[string]float64, len(m.Labels))
	total := 0.0
	for label, weights := range m.Labels {
		score := 0.0
		negated := false
		for _, tok := range tokens {
			if negations[tok] {
				negated = true
				continue
			}
			w := weights[tok]
			if negated {
				w = -w
				negated = false
			}
			if w > 0 {
				score += w
			}
		}
		scores[label] = score
		total += score
	}

	best, bestScore := m.DefaultLabel, 0.0
	for label, score := range scores {
		if score > bestScore {
			best, bestScore = label, score
		}
	}

	confidence := 0.5
	if total > 0 {
		confidence = bestScore / total
	}

	return Prediction{
		Value:      best,
		Confidence: confidence,
		Price:      float64(len(text)) * m.PricePerChar,
	}
}

func tokenize(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		out = append(out, strings.Trim(f, ".,;:!?\"'()[]"))
	}
	return out
}

func writeYAML(path string, v any) error {
	raw, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func readYAML(path string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}
