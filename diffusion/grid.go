package diffusion

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
)

const (
	// NoiseGridsScope is the context scope holding the two learnable
	// noise-adjustment grids.
	NoiseGridsScope = "noise_grids"

	CoarseGridName = "coarse_noise_grid"
	FineGridName   = "fine_noise_grid"
)

// NoiseGridVars returns (creating on first use) the two learnable
// noise-adjustment grids: the coarse one shaped (T, coarse, coarse) and the
// fine one shaped (T, fine, fine), both initialized to all ones -- a neutral
// adjustment, so an untrained model starts as a standard scheduler.
//
// They are ordinary trainable variables: the optimizer updates them along with
// the denoiser weights, and they are stored in checkpoints like any other
// parameter.
func (s *Scheduler) NoiseGridVars(ctx *context.Context) (coarse, fine *context.Variable) {
	ctxGrids := ctx.In(NoiseGridsScope).WithInitializer(initializers.One).Checked(false)
	t := s.config.NumTimesteps
	coarse = ctxGrids.VariableWithShape(CoarseGridName,
		shapes.Make(s.config.DType, t, s.config.CoarseGridSize, s.config.CoarseGridSize))
	fine = ctxGrids.VariableWithShape(FineGridName,
		shapes.Make(s.config.DType, t, s.config.FineGridSize, s.config.FineGridSize))
	return
}

// GridIndex maps a coordinate in [-1, 1] to a cell index of a grid with
// gridSize cells per axis: floor((c+1)/2 * gridSize), clamped to
// [0, gridSize-1]. Coordinates outside [-1, 1] clamp to the edge cells.
//
// This is the host-side mirror of the mapping used inside the computation
// graphs, exposed for tools and tests.
func GridIndex(coordinate float64, gridSize int) int {
	idx := int((coordinate + 1) / 2 * float64(gridSize))
	if idx < 0 {
		return 0
	}
	if idx >= gridSize {
		return gridSize - 1
	}
	return idx
}

// gridCellsGraph maps one coordinate column (shape [n]) to int32 cell indices
// of a grid with gridSize cells, clamping out-of-range coordinates to the edge
// cells. The clamp happens on the float value, so the conversion truncation is
// always well-defined.
func gridCellsGraph(coordinates *Node, gridSize int) *Node {
	cells := MulScalar(OnePlus(coordinates), float64(gridSize)/2.0)
	cells = ClipScalar(cells, 0, float64(gridSize-1))
	return ConvertDType(cells, dtypes.Int32)
}

// gridFactorGraph gathers grid[t_i, row_i, col_i] for each example i, where
// (row_i, col_i) is the cell of points[i] in a grid with gridSize cells per
// axis. grid is shaped (T, gridSize, gridSize), timesteps is (n,) integer,
// points is (n, 2). Returns shape (n,).
//
// The gather indices are integers and carry no gradient; the gradient flows
// into the grid values themselves.
func gridFactorGraph(grid, timesteps, points *Node, gridSize int) *Node {
	rows := gridCellsGraph(Squeeze(Slice(points, AxisRange(), AxisElem(0)), -1), gridSize)
	cols := gridCellsGraph(Squeeze(Slice(points, AxisRange(), AxisElem(1)), -1), gridSize)
	indices := Stack([]*Node{ConvertDType(timesteps, dtypes.Int32), rows, cols}, 1)
	return Gather(grid, indices)
}

// fineGridPenaltyGraph is the L1 distance of the fine grid from its neutral
// all-ones initialization, summed over all cells (not averaged: the penalty
// scales with the grid resolution, matching a per-cell absolute deviation
// cost).
func (s *Scheduler) fineGridPenaltyGraph(ctx *context.Context, g *Graph) *Node {
	_, fineVar := s.NoiseGridVars(ctx)
	return ReduceAllSum(Abs(AddScalar(fineVar.ValueGraph(g), -1)))
}

// GridAdjustmentGraph returns the per-example noise-adjustment factor
// coarse[t, cell(p)] * fine[t, cell(p)]: shape (n,) for timesteps shaped (n,)
// (integer dtype) and points shaped (n, 2).
//
// Both grids are indexed by the same timestep that selects the schedule
// coefficients. The grids start at all ones, so a fresh model yields a factor
// of exactly 1 everywhere.
func (s *Scheduler) GridAdjustmentGraph(ctx *context.Context, timesteps, points *Node) *Node {
	g := points.Graph()
	coarseVar, fineVar := s.NoiseGridVars(ctx)
	coarse := gridFactorGraph(coarseVar.ValueGraph(g), timesteps, points, s.config.CoarseGridSize)
	fine := gridFactorGraph(fineVar.ValueGraph(g), timesteps, points, s.config.FineGridSize)
	return Mul(coarse, fine)
}
