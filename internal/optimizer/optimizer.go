// Package optimizer implements the embedding weight update rules. Update
// formulas and default hyperparameters (the CONFIGURE_PROPERTY defaults in
// EmbeddingOptimizer.h) are both ported from the reference server, so a
// variable configured without explicit optimizer_params trains under the
// same effective hyperparameters either implementation would pick.
// Exception: adagrad and ftrl read no initial_accumulator_value key; their
// accumulator state always starts at zero.
//
// © 2025 embedshard authors. MIT License.
package optimizer

import (
	"math"

	"github.com/Voskan/embedshard/internal/numeric"
	"github.com/Voskan/embedshard/internal/perrors"
)

// Optimizer mutates a row's weights given a reduced gradient. state is the
// slice immediately following weights inside the row (see StateDim); count
// is the number of gradient occurrences reduced into grad for this key
// within the batch (FTRL-style optimizers average by it).
type Optimizer[T numeric.Float] interface {
	// StateDim returns how many extra T slots in total this optimizer needs
	// for a row of embedding width dim, appended after the weights.
	StateDim(dim int) int
	// TrainInit zeroes (or otherwise prepares) a freshly allocated state
	// slice before first use.
	TrainInit(state []T)
	// Update applies one gradient step to weight (length dim) using the
	// optimizer's private state (length StateDim(dim)).
	Update(weight, state []T, count uint64, grad []T)
	// Category names this optimizer the way EmbeddingOptimizer::category
	// does (e.g. "sgd", "adam"); Variable.CopyFrom compares it against the
	// source variable's to decide whether per-key state can carry over
	// unchanged or must be retrained from scratch.
	Category() string
}

// New constructs an Optimizer by name. Unknown names return InvalidConfig,
// matching the reference server's factory lookup failure mode.
func New[T numeric.Float](name string, cfg Config) (Optimizer[T], error) {
	switch name {
	case "", "default":
		return &defaultOptimizer[T]{lr: cfg.learningRateOr(0)}, nil
	case "sgd":
		return &sgd[T]{lr: cfg.learningRateOr(0.01), momentum: T(cfg.floatOr("momentum", 0)), nesterov: cfg.boolOr("nesterov", false)}, nil
	case "adagrad":
		return &adagrad[T]{lr: cfg.learningRateOr(0.001), eps: T(cfg.floatOr("epsilon", 1e-7))}, nil
	case "adadelta":
		return &adadelta[T]{lr: cfg.learningRateOr(0.001), rho: T(cfg.floatOr("rho", 0.95)), eps: T(cfg.floatOr("epsilon", 1e-7))}, nil
	case "rmsprop":
		return &rmsprop[T]{lr: cfg.learningRateOr(0.001), rho: T(cfg.floatOr("rho", 0.9)), momentum: T(cfg.floatOr("momentum", 0)), eps: T(cfg.floatOr("epsilon", 1e-7))}, nil
	case "adam":
		return &adam[T]{lr: T(cfg.learningRateOr(0.001)), beta1: T(cfg.floatOr("beta_1", 0.9)), beta2: T(cfg.floatOr("beta_2", 0.999)), eps: T(cfg.floatOr("epsilon", 1e-7))}, nil
	case "adamax":
		return &adamax[T]{lr: T(cfg.learningRateOr(0.001)), beta1: T(cfg.floatOr("beta_1", 0.9)), beta2: T(cfg.floatOr("beta_2", 0.999)), eps: T(cfg.floatOr("epsilon", 1e-7))}, nil
	case "ftrl":
		return &ftrl[T]{
			lr:          cfg.learningRateOr(0.001),
			lrPower:     T(cfg.floatOr("learning_rate_power", -0.5)),
			l1:          T(cfg.floatOr("l1_regularization_strength", 0)),
			l2:          T(cfg.floatOr("l2_regularization_strength", 0)),
			l2Shrinkage: T(cfg.floatOr("l2_shrinkage_regularization_strength", 0)),
			beta:        T(cfg.floatOr("beta", 0)),
		}, nil
	case "test":
		return &testOptimizer[T]{lr: cfg.learningRateOr(0.1)}, nil
	default:
		return nil, perrors.InvalidConfigf("unknown optimizer %q", name)
	}
}

// Config is the parsed subset of a variable's opaque configuration relevant
// to constructing an optimizer. It is intentionally loose (map-backed)
// because the set of keys varies per optimizer, mirroring the reference
// server's Configure/CONFIGURE_PROPERTY reflection without needing Go
// reflection: pkg/config.ParseVariable fills this from YAML.
type Config map[string]float64

func (c Config) floatOr(key string, def float64) float64 {
	if v, ok := c[key]; ok {
		return v
	}
	return def
}

func (c Config) boolOr(key string, def bool) bool {
	v, ok := c[key]
	if !ok {
		return def
	}
	return v != 0
}

func (c Config) learningRateOr(def float64) float64 {
	return c.floatOr("learning_rate", def)
}

// ---------------- default (plain gradient descent) ----------------

type defaultOptimizer[T numeric.Float] struct{ lr float64 }

func (o *defaultOptimizer[T]) StateDim(int) int    { return 0 }
func (o *defaultOptimizer[T]) Category() string    { return "default" }
func (o *defaultOptimizer[T]) TrainInit([]T)       {}
func (o *defaultOptimizer[T]) Update(w, _ []T, count uint64, grad []T) {
	lr := T(o.lr)
	if lr == 0 {
		return
	}
	c := countOr1[T](count)
	for i := range w {
		w[i] -= lr * grad[i] / c
	}
}

// ---------------- sgd (momentum + optional nesterov) ----------------

type sgd[T numeric.Float] struct {
	lr       float64
	momentum T
	nesterov bool
}

func (o *sgd[T]) StateDim(dim int) int { return dim }
func (o *sgd[T]) Category() string      { return "sgd" }
func (o *sgd[T]) TrainInit(state []T) {
	for i := range state {
		state[i] = 0
	}
}
func (o *sgd[T]) Update(w, moment []T, count uint64, grad []T) {
	lr := T(o.lr)
	c := countOr1[T](count)
	for i := range w {
		g := grad[i] / c
		moment[i] = moment[i]*o.momentum + lr*g
		if o.nesterov {
			w[i] -= moment[i]*o.momentum + lr*g
		} else {
			w[i] -= moment[i]
		}
	}
}

// ---------------- adagrad ----------------

type adagrad[T numeric.Float] struct {
	lr  float64
	eps T
}

func (o *adagrad[T]) StateDim(dim int) int { return dim }
func (o *adagrad[T]) Category() string      { return "adagrad" }
func (o *adagrad[T]) TrainInit(state []T) {
	for i := range state {
		state[i] = 0
	}
}
func (o *adagrad[T]) Update(w, accum []T, count uint64, grad []T) {
	lr := T(o.lr)
	c := countOr1[T](count)
	for i := range w {
		g := grad[i] / c
		accum[i] += g * g
		w[i] -= lr * g / (sqrtT(accum[i]) + o.eps)
	}
}

// ---------------- adadelta ----------------

type adadelta[T numeric.Float] struct {
	lr  float64
	rho T
	eps T
}

func (o *adadelta[T]) StateDim(dim int) int { return 2 * dim }
func (o *adadelta[T]) Category() string      { return "adadelta" }
func (o *adadelta[T]) TrainInit(state []T) {
	for i := range state {
		state[i] = 0
	}
}
func (o *adadelta[T]) Update(w, state []T, count uint64, grad []T) {
	dim := len(w)
	accum, accumUpdate := state[:dim], state[dim:]
	lr := T(o.lr)
	c := countOr1[T](count)
	one := T(1)
	for i := range w {
		g := grad[i] / c
		accum[i] = accum[i]*o.rho + g*g*(one-o.rho)
		upd := g * sqrtT(accumUpdate[i]+o.eps) / sqrtT(accum[i]+o.eps)
		accumUpdate[i] = accumUpdate[i]*o.rho + upd*upd*(one-o.rho)
		w[i] -= lr * upd
	}
}

// ---------------- rmsprop ----------------

type rmsprop[T numeric.Float] struct {
	lr       float64
	rho      T
	momentum T
	eps      T
}

func (o *rmsprop[T]) StateDim(dim int) int { return 2 * dim }
func (o *rmsprop[T]) Category() string      { return "rmsprop" }
func (o *rmsprop[T]) TrainInit(state []T) {
	for i := range state {
		state[i] = 0
	}
}
func (o *rmsprop[T]) Update(w, state []T, count uint64, grad []T) {
	dim := len(w)
	accum, moment := state[:dim], state[dim:]
	lr := T(o.lr)
	c := countOr1[T](count)
	one := T(1)
	for i := range w {
		g := grad[i] / c
		accum[i] = accum[i]*o.rho + g*g*(one-o.rho)
		moment[i] = moment[i]*o.momentum + lr*g/sqrtT(accum[i]+o.eps)
		w[i] -= moment[i]
	}
}

// ---------------- adam ----------------

type adam[T numeric.Float] struct {
	lr, beta1, beta2, eps T
}

// state layout: [m(dim) v(dim) beta1_t beta2_t]
func (o *adam[T]) StateDim(dim int) int { return 2*dim + 2 }
func (o *adam[T]) Category() string      { return "adam" }
func (o *adam[T]) TrainInit(state []T) {
	dim := (len(state) - 2) / 2
	for i := range state {
		state[i] = 0
	}
	state[2*dim] = 1
	state[2*dim+1] = 1
}
func (o *adam[T]) Update(w, state []T, count uint64, grad []T) {
	dim := len(w)
	m, v := state[:dim], state[dim:2*dim]
	beta1T, beta2T := &state[2*dim], &state[2*dim+1]
	*beta1T *= o.beta1
	*beta2T *= o.beta2
	one := T(1)
	lrT := o.lr * sqrtT(one-*beta2T) / (one - *beta1T)
	c := countOr1[T](count)
	for i := range w {
		g := grad[i] / c
		m[i] = o.beta1*m[i] + (one-o.beta1)*g
		v[i] = o.beta2*v[i] + (one-o.beta2)*g*g
		w[i] -= lrT * m[i] / (sqrtT(v[i]) + o.eps)
	}
}

// ---------------- adamax ----------------

type adamax[T numeric.Float] struct {
	lr, beta1, beta2, eps T
}

// state layout: [m(dim) v(dim) beta1_t]
func (o *adamax[T]) StateDim(dim int) int { return 2*dim + 1 }
func (o *adamax[T]) Category() string      { return "adamax" }
func (o *adamax[T]) TrainInit(state []T) {
	dim := (len(state) - 1) / 2
	for i := range state {
		state[i] = 0
	}
	state[2*dim] = 1
}
func (o *adamax[T]) Update(w, state []T, count uint64, grad []T) {
	dim := len(w)
	m, v := state[:dim], state[dim:2*dim]
	beta1T := &state[2*dim]
	*beta1T *= o.beta1
	one := T(1)
	lrT := o.lr / (one - *beta1T)
	c := countOr1[T](count)
	for i := range w {
		g := grad[i] / c
		m[i] = o.beta1*m[i] + (one-o.beta1)*g
		v[i] = maxT(absT(g), v[i]*o.beta2)
		w[i] -= lrT * m[i] / (v[i] + o.eps)
	}
}

// ---------------- ftrl ----------------

type ftrl[T numeric.Float] struct {
	lr                          float64
	lrPower, l1, l2, l2Shrinkage, beta T
}

// state layout: [accum(dim) linear(dim)]
func (o *ftrl[T]) StateDim(dim int) int { return 2 * dim }
func (o *ftrl[T]) Category() string      { return "ftrl" }
func (o *ftrl[T]) TrainInit(state []T) {
	for i := range state {
		state[i] = 0
	}
}
func (o *ftrl[T]) Update(w, state []T, count uint64, grad []T) {
	dim := len(w)
	accum, linear := state[:dim], state[dim:]
	lr := T(o.lr)
	c := countOr1[T](count)
	half := T(0.5)
	negHalf := T(-0.5)
	for i := range w {
		g := grad[i]/c + o.l2Shrinkage*w[i]
		newAccum := accum[i] + g*g
		var sigma T
		if o.lrPower == negHalf {
			sigma = (sqrtT(newAccum) - sqrtT(accum[i])) / lr
		} else {
			sigma = (powT(newAccum, -o.lrPower) - powT(accum[i], -o.lrPower)) / lr
		}
		linear[i] += g - sigma*w[i]
		accum[i] = newAccum

		l2 := o.l2 + o.beta/lr/T(2)
		switch {
		case absT(linear[i]) <= o.l1:
			w[i] = 0
		default:
			sign := T(1)
			if linear[i] < 0 {
				sign = -1
			}
			var denom T
			if o.lrPower == negHalf {
				denom = sqrtT(accum[i])/lr + T(2)*l2
			} else {
				denom = powT(accum[i], -o.lrPower)/lr + T(2)*l2
			}
			w[i] = (sign*o.l1 - linear[i]) / denom
		}
		_ = half
	}
}

// ---------------- test (deterministic, test-only) ----------------

type testOptimizer[T numeric.Float] struct{ lr float64 }

func (o *testOptimizer[T]) StateDim(int) int { return 1 }
func (o *testOptimizer[T]) Category() string { return "test" }
func (o *testOptimizer[T]) TrainInit(state []T) {
	state[0] = 0
}
func (o *testOptimizer[T]) Update(w, state []T, count uint64, grad []T) {
	lr := T(o.lr)
	c := countOr1[T](count)
	flip := T(1) - state[0]
	state[0] = flip
	for i := range w {
		w[i] += lr*grad[i]/c + state[0]
	}
}

// ---------------- shared math helpers ----------------

func countOr1[T numeric.Float](count uint64) T {
	if count == 0 {
		return 1
	}
	return T(count)
}

func sqrtT[T numeric.Float](v T) T { return T(math.Sqrt(float64(v))) }
func powT[T numeric.Float](v, p T) T { return T(math.Pow(float64(v), float64(p))) }
func absT[T numeric.Float](v T) T {
	if v < 0 {
		return -v
	}
	return v
}
func maxT[T numeric.Float](a, b T) T {
	if a > b {
		return a
	}
	return b
}
