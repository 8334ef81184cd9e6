package optimizer

import (
	"math/rand/v2"

	"github.com/Voskan/embedshard/internal/numeric"
	"github.com/Voskan/embedshard/internal/perrors"
)

// Initializer fills a freshly allocated row's weights (length dim) the first
// time a key is seen. Each instance owns a private *rand.Rand so that
// concurrent shards never contend on a global generator, following the
// teacher's avoidance of shared mutable package state.
type Initializer[T numeric.Float] interface {
	TrainInit(weights []T, dim int)
}

// NewInitializer constructs an Initializer by name.
func NewInitializer[T numeric.Float](name string, cfg Config) (Initializer[T], error) {
	switch name {
	case "", "constant":
		return &constantInit[T]{value: T(cfg.floatOr("value", 0))}, nil
	case "uniform":
		return &uniformInit[T]{
			min:  T(cfg.floatOr("minval", 0)),
			max:  T(cfg.floatOr("maxval", 1)),
			rand: rand.New(rand.NewPCG(seed(), seed())),
		}, nil
	case "normal":
		truncated, hasTruncation := cfg["truncated"]
		return &normalInit[T]{
			mean:      T(cfg.floatOr("mean", 0)),
			stddev:    T(cfg.floatOr("stddev", 1)),
			truncated: T(truncated),
			doTrunc:   hasTruncation && truncated != 0,
			rand:      rand.New(rand.NewPCG(seed(), seed())),
		}, nil
	default:
		return nil, perrors.InvalidConfigf("unknown initializer %q", name)
	}
}

// seed is deliberately not cryptographic: the parameter server only needs
// distinct streams per initializer instance, not unpredictability.
var seedCounter uint64

func seed() uint64 {
	seedCounter++
	return seedCounter*2654435761 + 0x9e3779b97f4a7c15
}

type constantInit[T numeric.Float] struct{ value T }

func (c *constantInit[T]) TrainInit(weights []T, dim int) {
	for i := 0; i < dim; i++ {
		weights[i] = c.value
	}
}

type uniformInit[T numeric.Float] struct {
	min, max T
	rand     *rand.Rand
}

func (u *uniformInit[T]) TrainInit(weights []T, dim int) {
	span := u.max - u.min
	for i := 0; i < dim; i++ {
		weights[i] = u.min + T(u.rand.Float64())*span
	}
}

type normalInit[T numeric.Float] struct {
	mean, stddev, truncated T
	doTrunc                 bool
	rand                    *rand.Rand
}

// TrainInit samples weights[i] ~ N(mean, stddev^2), resampling while
// |z| > truncated whenever truncation is enabled, where z = (w-mean)/stddev.
// This uses the symmetric |z| rule rather than the reference server's
// one-sided check; see DESIGN.md for the rationale.
func (n *normalInit[T]) TrainInit(weights []T, dim int) {
	for i := 0; i < dim; i++ {
		for {
			z := T(n.rand.NormFloat64())
			w := n.mean + z*n.stddev
			if !n.doTrunc || absT(z) <= n.truncated {
				weights[i] = w
				break
			}
		}
	}
}
