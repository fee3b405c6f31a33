package diffusion

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGridIndex(t *testing.T) {
	const size = 5

	// The [-1, 1] range maps onto the cells, with the upper edge landing in
	// the last cell.
	assert.Equal(t, 0, GridIndex(-1, size))
	assert.Equal(t, 2, GridIndex(0, size))
	assert.Equal(t, size-1, GridIndex(1, size))

	// Out-of-range coordinates clamp to the edge cells.
	assert.Equal(t, 0, GridIndex(-7.5, size))
	assert.Equal(t, size-1, GridIndex(3.2, size))

	// Any input lands in a valid cell.
	for _, c := range []float64{-100, -1.0001, -0.999, -0.2, 0.3999, 0.4, 0.999, 1.0001, 100} {
		idx := GridIndex(c, size)
		assert.GreaterOrEqual(t, idx, 0, "coordinate %g", c)
		assert.Less(t, idx, size, "coordinate %g", c)
	}

	// Cell boundaries: with 5 cells over [-1, 1] each cell is 0.4 wide.
	assert.Equal(t, 0, GridIndex(-0.61, size))
	assert.Equal(t, 1, GridIndex(-0.59, size))
}

func TestGridAdjustmentStartsNeutral(t *testing.T) {
	s := getTestScheduler(t, nil)

	// Freshly initialized grids are all ones: the adjustment is exactly 1
	// everywhere, including out-of-range points, which clamp to edge cells.
	timesteps := tensors.FromValue([]int32{0, 17, 50, 99, 99})
	points := tensors.FromValue([][]float32{{0, 0}, {-1, 1}, {0.3, -0.7}, {2.5, -9}, {0.999, 0.999}})
	adjustment, err := s.GridAdjustment(timesteps, points)
	require.NoError(t, err)

	values := adjustment.Value().([]float32)
	require.Len(t, values, 5)
	for i, v := range values {
		assert.Equal(t, float32(1), v, "example %d", i)
	}
}

func TestGridShapes(t *testing.T) {
	s := getTestScheduler(t, map[string]any{
		"num_timesteps":    20,
		"coarse_grid_size": 4,
		"fine_grid_size":   16,
	})
	coarse, fine, err := s.Grids()
	require.NoError(t, err)
	assert.Equal(t, []int{20, 4, 4}, coarse.Shape().Dimensions)
	assert.Equal(t, []int{20, 16, 16}, fine.Shape().Dimensions)
}

func TestFineGridPenaltySumsOverCells(t *testing.T) {
	s := getTestScheduler(t, map[string]any{
		"num_timesteps":    4,
		"coarse_grid_size": 2,
		"fine_grid_size":   3,
	})
	cfg := s.Config()

	penaltyOf := func() float32 {
		penalty, err := context.ExecOnce(cfg.Backend, cfg.Context,
			func(ctx *context.Context, g *graph.Graph) *graph.Node {
				return s.fineGridPenaltyGraph(ctx, g)
			})
		require.NoError(t, err)
		return tensors.ToScalar[float32](penalty)
	}

	// Freshly initialized all-ones grid: neutral adjustment, no penalty.
	assert.Equal(t, float32(0), penaltyOf())

	// Every cell at 1.5: the penalty is |1.5-1| summed over the 4*3*3 cells.
	values := make([][][]float32, 4)
	for i := range values {
		values[i] = make([][]float32, 3)
		for j := range values[i] {
			values[i][j] = []float32{1.5, 1.5, 1.5}
		}
	}
	_, fineVar := s.NoiseGridVars(cfg.Context)
	require.NoError(t, fineVar.SetValue(tensors.FromValue(values)))
	assert.InDelta(t, 0.5*4*3*3, penaltyOf(), 1e-5)
}

func TestFineGridSizeDoesNotAffectCoarseGrid(t *testing.T) {
	coarseGrids := make([]*tensors.Tensor, 0, 2)
	for _, fineSize := range []int{10, 30} {
		s := getTestScheduler(t, map[string]any{"fine_grid_size": fineSize})
		coarse, fine, err := s.Grids()
		require.NoError(t, err)
		assert.Equal(t, []int{100, fineSize, fineSize}, fine.Shape().Dimensions)
		coarseGrids = append(coarseGrids, coarse)
	}
	assert.Equal(t, coarseGrids[0].Shape().Dimensions, coarseGrids[1].Shape().Dimensions)
	assert.Equal(t, coarseGrids[0].Value(), coarseGrids[1].Value())
}
