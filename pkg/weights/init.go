package weights

import (
	"math"
	"math/rand"
)

// Initializer draws deterministic starting values for untrained runs, using
// the uniform(-1/sqrt(fanIn), 1/sqrt(fanIn)) rule PyTorch applies to
// convolutions by default.
type Initializer struct {
	rng *rand.Rand
}

// NewInitializer seeds a new initializer.
func NewInitializer(seed int64) *Initializer {
	return &Initializer{rng: rand.New(rand.NewSource(seed))}
}

// Uniform fills dst from uniform(-1/sqrt(fanIn), 1/sqrt(fanIn)).
func (in *Initializer) Uniform(dst []float64, fanIn int) {
	bound := 1.0
	if fanIn > 0 {
		bound = 1 / math.Sqrt(float64(fanIn))
	}
	for i := range dst {
		dst[i] = (2*in.rng.Float64() - 1) * bound
	}
}
