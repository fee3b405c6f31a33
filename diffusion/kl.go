package diffusion

import (
	"math"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/kdtree"
	"gonum.org/v1/gonum/stat"
)

// klNeighbors is the order of the nearest-neighbor statistic used by the KL
// estimator.
const klNeighbors = 5

// tensorPoints converts a (n, 2) tensor to kd-tree points.
func tensorPoints(t *tensors.Tensor) (kdtree.Points, error) {
	dims := t.Shape().Dimensions
	if t.Rank() != 2 || dims[1] != 2 {
		return nil, errors.Errorf("expected points shaped (n, 2), got %s", t.Shape())
	}
	points := make(kdtree.Points, dims[0])
	var err error
	switch t.DType() {
	case dtypes.Float32:
		err = tensors.ConstFlatData(t, func(flat []float32) {
			for i := range points {
				points[i] = kdtree.Point{float64(flat[2*i]), float64(flat[2*i+1])}
			}
		})
	case dtypes.Float64:
		err = tensors.ConstFlatData(t, func(flat []float64) {
			for i := range points {
				points[i] = kdtree.Point{flat[2*i], flat[2*i+1]}
			}
		})
	default:
		err = errors.Errorf("unsupported dtype %s for points", t.DType())
	}
	if err != nil {
		return nil, err
	}
	return points, nil
}

// kthNeighborDistance returns the distance from query to its k-th nearest
// neighbor in tree, skipping the first skipNearest neighbors (to exclude the
// query itself when it is a member of the tree). kd-tree distances are squared
// Euclidean, so the square root is taken here.
func kthNeighborDistance(tree *kdtree.Tree, query kdtree.Point, k, skipNearest int) float64 {
	keeper := kdtree.NewNKeeper(k + skipNearest)
	tree.NearestSet(keeper, query)
	// The keeper is a max-heap of the kept neighbors: its root is the
	// (k+skipNearest)-th nearest.
	return math.Sqrt(keeper.Heap[0].Dist)
}

// KLDivergence estimates KL(real || generated) in nats from two point sets
// shaped (n, 2) and (m, 2), with the classical k-nearest-neighbor estimator:
//
//	KL ≈ (d/n) Σ_i log(ν_k(i)/ρ_k(i)) + log(m/(n-1))
//
// where ρ_k(i) is the distance from real point i to its k-th neighbor among
// the other real points, and ν_k(i) the distance to its k-th neighbor among
// the generated points. It requires n > k and m >= k.
//
// The estimate is not symmetric and can be negative for close distributions.
func KLDivergence(realData, generated *tensors.Tensor) (float64, error) {
	realPoints, err := tensorPoints(realData)
	if err != nil {
		return 0, err
	}
	generatedPoints, err := tensorPoints(generated)
	if err != nil {
		return 0, err
	}
	n, m := len(realPoints), len(generatedPoints)
	if n <= klNeighbors || m < klNeighbors {
		return 0, errors.Errorf("need more than %d real points and at least %d generated points, got %d and %d",
			klNeighbors, klNeighbors, n, m)
	}

	realTree := kdtree.New(append(kdtree.Points(nil), realPoints...), false)
	generatedTree := kdtree.New(append(kdtree.Points(nil), generatedPoints...), false)

	const dim = 2.0
	var sum float64
	for _, p := range realPoints {
		// The query is itself in realTree at distance 0: skip it.
		rho := kthNeighborDistance(realTree, p, klNeighbors, 1)
		nu := kthNeighborDistance(generatedTree, p, klNeighbors, 0)
		// Duplicated points yield zero distances; floor them so the
		// estimate stays finite.
		sum += math.Log(math.Max(nu, 1e-30)) - math.Log(math.Max(rho, 1e-30))
	}
	return dim/float64(n)*sum + math.Log(float64(m)/float64(n-1)), nil
}

// GridVariance returns the (unbiased) variance of all cells of a grid tensor,
// a summary of how far a noise-adjustment grid drifted from its all-ones
// initialization.
func GridVariance(grid *tensors.Tensor) (float64, error) {
	var values []float64
	var err error
	switch grid.DType() {
	case dtypes.Float32:
		err = tensors.ConstFlatData(grid, func(flat []float32) {
			values = make([]float64, len(flat))
			for i, v := range flat {
				values[i] = float64(v)
			}
		})
	case dtypes.Float64:
		err = tensors.ConstFlatData(grid, func(flat []float64) {
			values = append(values, flat...)
		})
	default:
		err = errors.Errorf("unsupported dtype %s for grid", grid.DType())
	}
	if err != nil {
		return 0, err
	}
	return stat.Variance(values, nil), nil
}
