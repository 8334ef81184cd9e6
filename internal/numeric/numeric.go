// Package numeric declares the scalar constraints shared by every layer of
// the embedding engine: optimizers, initializers, tables and the gradient
// reducer are all generic over the same weight type.
//
// © 2025 embedshard authors. MIT License.
package numeric

// Float is the set of scalar types a variable's weights and optimizer state
// may be stored as. The parameter server never mixes float32 and float64
// within a single variable; the constraint exists purely to let one set of
// generic types serve both precisions without duplication.
type Float interface {
	~float32 | ~float64
}
