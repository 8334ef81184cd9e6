package numeric_test

import (
	"testing"

	"github.com/Voskan/embedshard/internal/numeric"
)

// fits is a compile-time-only check that both scalar kinds the engine
// supports satisfy the Float constraint; it exists so a future accidental
// narrowing of the constraint fails the build, not a runtime assertion.
func fits[T numeric.Float](v T) T { return v }

func TestFloatConstraintAcceptsBothKinds(t *testing.T) {
	if got := fits(float32(1.5)); got != 1.5 {
		t.Fatalf("float32: got %v", got)
	}
	if got := fits(float64(2.5)); got != 2.5 {
		t.Fatalf("float64: got %v", got)
	}
}
