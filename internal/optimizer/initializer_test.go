package optimizer_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Voskan/embedshard/internal/optimizer"
)

func TestConstantInitializer(t *testing.T) {
	init, err := optimizer.NewInitializer[float32]("constant", optimizer.Config{"value": 3})
	require.NoError(t, err)
	w := make([]float32, 4)
	init.TrainInit(w, 4)
	for _, v := range w {
		require.Equal(t, float32(3), v)
	}
}

func TestUniformInitializerWithinBounds(t *testing.T) {
	init, err := optimizer.NewInitializer[float64]("uniform", optimizer.Config{"minval": -1, "maxval": 1})
	require.NoError(t, err)
	w := make([]float64, 100)
	init.TrainInit(w, 100)
	for _, v := range w {
		require.GreaterOrEqual(t, v, -1.0)
		require.Less(t, v, 1.0)
	}
}

func TestNormalInitializerTruncationRespectsSymmetricBound(t *testing.T) {
	init, err := optimizer.NewInitializer[float64]("normal", optimizer.Config{
		"mean": 0, "stddev": 1, "truncated": 1.0,
	})
	require.NoError(t, err)
	w := make([]float64, 2000)
	init.TrainInit(w, len(w))
	for _, v := range w {
		require.LessOrEqual(t, math.Abs(v), 1.0, "sample %v exceeds the configured truncation radius", v)
	}
}

func TestNormalInitializerWithoutTruncationIsUnbounded(t *testing.T) {
	init, err := optimizer.NewInitializer[float64]("normal", optimizer.Config{"mean": 0, "stddev": 1})
	require.NoError(t, err)
	w := make([]float64, 1)
	// No truncation configured: TrainInit must not loop forever and must
	// simply take the first sample.
	init.TrainInit(w, 1)
}

func TestUnknownInitializer(t *testing.T) {
	_, err := optimizer.NewInitializer[float32]("nonsense", nil)
	require.Error(t, err)
}
