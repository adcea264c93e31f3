// Package traffic owns the A/B traffic split: the pure redistribution
// arithmetic, the weighted random selection, and the transactional router
// that applies new distributions to the registry.
//
// The governing invariant: after every committed mutation, the traffic
// percentages of a prediction type sum to exactly 100, or to 0 when every
// predictor is deactivated.
package traffic

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var (
	// ErrInvalidTraffic is returned for a target value outside [0, 100], or
	// when a redistribution cannot be reconciled back to a valid sum.
	ErrInvalidTraffic = errors.New("invalid traffic value")

	// ErrUnknownPredictor is returned when the adjustment target does not
	// exist in the current distribution.
	ErrUnknownPredictor = errors.New("unknown predictor")

	// ErrNoActivePredictor is returned by Pick when no predictor carries
	// traffic.
	ErrNoActivePredictor = errors.New("no active predictor")
)

// Redistribute computes the new distribution after setting targetID to
// targetValue, spreading the difference across the other predictors in
// proportion to their current share. Percentages stay non-negative integers;
// rounding uses half-to-even with a residue reconciliation step so the sum
// stays exact.
func Redistribute(current map[string]int, targetID string, targetValue int) (map[string]int, error) {
	if targetValue < 0 || targetValue > 100 {
		return nil, fmt.Errorf("target %d out of [0, 100]: %w", targetValue, ErrInvalidTraffic)
	}
	currentValue, ok := current[targetID]
	if !ok {
		return nil, fmt.Errorf("target %q not in distribution: %w", targetID, ErrUnknownPredictor)
	}

	delta := targetValue - currentValue
	if delta == 0 {
		return copyDistribution(current), nil
	}

	others := copyDistribution(current)
	delete(others, targetID)
	if len(others) == 0 {
		// A sole predictor has nobody to trade traffic with: only full
		// traffic or full deactivation keeps the sum valid.
		if targetValue != 0 && targetValue != 100 {
			return nil, fmt.Errorf("sole predictor %q cannot hold %d%%: %w", targetID, targetValue, ErrInvalidTraffic)
		}
		return map[string]int{targetID: targetValue}, nil
	}

	result := spread(others, -delta)
	result[targetID] = targetValue

	if err := reconcile(result, others); err != nil {
		return nil, err
	}
	return result, nil
}

// spread adjusts each contributing predictor (current value > 0) by its
// proportional share of |delta|. delta < 0 takes traffic away from the
// contributors; delta > 0 hands traffic back to them. Predictors at zero
// never contribute.
func spread(others map[string]int, delta int) map[string]int {
	out := make(map[string]int, len(others))
	total := 0
	for _, v := range others {
		if v > 0 {
			total += v
		}
	}
	if total == 0 {
		for id, v := range others {
			out[id] = v
		}
		return out
	}

	abs := delta
	if abs < 0 {
		abs = -abs
	}
	for id, v := range others {
		if v <= 0 {
			out[id] = v
			continue
		}
		adjustment := int(math.RoundToEven(float64(abs) * float64(v) / float64(total)))
		if delta < 0 {
			nv := v - adjustment
			if nv < 0 {
				nv = 0
			}
			out[id] = nv
		} else {
			out[id] = v + adjustment
		}
	}
	return out
}

// reconcile folds any rounding residue into the contributor that held the
// largest pre-adjustment share (ties broken by smallest id), keeping the sum
// at exactly 100. A sum of 0 (everything deactivated) is already valid.
func reconcile(result, preAdjustment map[string]int) error {
	sum := 0
	for _, v := range result {
		sum += v
	}
	if sum == 100 || sum == 0 {
		return nil
	}

	contributor := ""
	best := 0
	ids := make([]string, 0, len(preAdjustment))
	for id := range preAdjustment {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if v := preAdjustment[id]; v > best {
			best = v
			contributor = id
		}
	}
	if contributor == "" {
		return fmt.Errorf("distribution sums to %d with no contributor to absorb the residue: %w", sum, ErrInvalidTraffic)
	}

	adjusted := result[contributor] + (100 - sum)
	if adjusted < 0 || adjusted > 100 {
		return fmt.Errorf("residue reconciliation pushes %q to %d: %w", contributor, adjusted, ErrInvalidTraffic)
	}
	result[contributor] = adjusted
	return nil
}

// Validate checks the distribution invariant: every value in [0, 100] and a
// total of exactly 100 or 0.
func Validate(distribution map[string]int) error {
	sum := 0
	for id, v := range distribution {
		if v < 0 || v > 100 {
			return fmt.Errorf("predictor %q at %d%%: %w", id, v, ErrInvalidTraffic)
		}
		sum += v
	}
	if sum != 100 && sum != 0 {
		return fmt.Errorf("distribution sums to %d: %w", sum, ErrInvalidTraffic)
	}
	return nil
}

func copyDistribution(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
