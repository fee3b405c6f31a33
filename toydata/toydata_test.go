package toydata

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestProceduralDatasets(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	const n = 512

	for _, name := range []string{"circle", "line", "moons"} {
		ctx := context.New()
		points, err := Points(backend, ctx, name, t.TempDir(), n)
		require.NoError(t, err, name)
		require.Equal(t, []int{n, 2}, points.Shape().Dimensions, name)

		// All datasets live roughly inside the [-1, 1] square (small jitter
		// can push slightly past the edge).
		for _, point := range points.Value().([][]float32) {
			for _, coordinate := range point {
				assert.GreaterOrEqual(t, coordinate, float32(-1.2), name)
				assert.LessOrEqual(t, coordinate, float32(1.2), name)
			}
		}
	}
}

func TestCircleRadius(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	points, err := Points(backend, ctx, "circle", t.TempDir(), 256)
	require.NoError(t, err)

	// Radius is 0.9 plus a jitter in [0, 0.03].
	for _, point := range points.Value().([][]float32) {
		radiusSq := point[0]*point[0] + point[1]*point[1]
		assert.GreaterOrEqual(t, radiusSq, float32(0.80))
		assert.LessOrEqual(t, radiusSq, float32(0.88))
	}
}

func TestUnknownDataset(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	_, err := Points(backend, context.New(), "spiral", t.TempDir(), 10)
	require.Error(t, err)
}

func TestInMemoryDataset(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	points, err := Points(backend, ctx, "moons", t.TempDir(), 64)
	require.NoError(t, err)

	ds, err := InMemoryDataset(backend, "moons", points)
	require.NoError(t, err)
	ds.BatchSize(32, true)

	_, inputs, labels, err := ds.Yield()
	require.NoError(t, err)
	require.Len(t, inputs, 1)
	assert.Empty(t, labels)
	assert.Equal(t, []int{32, 2}, inputs[0].Shape().Dimensions)
}

func TestNames(t *testing.T) {
	assert.Equal(t, []string{"circle", "dino", "line", "moons"}, Names())
}
