package traffic

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/smart-news/ml-platform/store"
)

// Pick selects one predictor from the active list by weighted random
// sampling on traffic percentage. A single uniform draw in [0, Σweights)
// from the crypto RNG resolves the inclusive-cumulative walk, so selection
// cannot be predicted or replayed.
func Pick(active []store.Predictor) (*store.Predictor, error) {
	total := 0
	for _, p := range active {
		if p.TrafficPercentage > 0 {
			total += p.TrafficPercentage
		}
	}
	if total == 0 {
		return nil, ErrNoActivePredictor
	}

	n, err := rand.Int(rand.Reader, big.NewInt(int64(total)))
	if err != nil {
		return nil, fmt.Errorf("draw selection: %w", err)
	}
	draw := int(n.Int64())

	cumulative := 0
	for i := range active {
		if active[i].TrafficPercentage <= 0 {
			continue
		}
		cumulative += active[i].TrafficPercentage
		if draw < cumulative {
			return &active[i], nil
		}
	}
	// Unreachable: draw < total and the walk covers total.
	return &active[len(active)-1], nil
}
