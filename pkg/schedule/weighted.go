package schedule

import (
	"errors"
	"sort"
	"sync"
	"time"

	exprand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/sampleuv"
)

// ErrNoWeights is returned when a weighted choice has nothing to pick from.
var ErrNoWeights = errors.New("no positive weights to choose from")

// Chooser draws flavours proportionally to their schedule weights. Safe for
// concurrent use.
type Chooser struct {
	mu  sync.Mutex
	src exprand.Source
}

// NewChooser creates a time-seeded chooser.
func NewChooser() *Chooser {
	return NewSeededChooser(uint64(time.Now().UnixNano()))
}

// NewSeededChooser creates a deterministic chooser for tests.
func NewSeededChooser(seed uint64) *Chooser {
	return &Chooser{src: exprand.NewSource(seed)}
}

// Pick draws one flavour. Keys are sorted first so equal inputs give a
// reproducible draw sequence for a fixed seed.
func (c *Chooser) Pick(weights map[string]float64) (string, error) {
	names := make([]string, 0, len(weights))
	for name, weight := range weights {
		if weight > 0 {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "", ErrNoWeights
	}
	sort.Strings(names)

	values := make([]float64, len(names))
	for i, name := range names {
		values[i] = weights[name]
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	sampler := sampleuv.NewWeighted(values, c.src)
	idx, ok := sampler.Take()
	if !ok {
		return "", ErrNoWeights
	}
	return names[idx], nil
}
