// Package toydata provides the 2D toy point distributions the diffusion model
// is trained on: "circle", "dino", "line" and "moons".
//
// All datasets are returned as (n, 2) tensors with coordinates roughly in
// [-1, 1], the range the noise-adjustment grids are defined over. The
// procedural ones are generated directly as computation graphs; "dino" is
// resampled from the DatasaurusDozen points, downloaded on first use.
package toydata

import (
	"math"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/pkg/errors"
)

// DType of the generated points.
var DType = dtypes.Float32

// Names of the available datasets.
func Names() []string {
	return []string{"circle", "dino", "line", "moons"}
}

// Circle returns n points on the unit circle with a small radial jitter,
// scaled to stay inside the grid range. Shape (n, 2).
func Circle(ctx *context.Context, g *Graph, n int) *Node {
	angles := MulScalar(ctx.RandomUniform(g, shapes.Make(DType, n)), 2*math.Pi)
	radius := AddScalar(MulScalar(ctx.RandomUniform(g, shapes.Make(DType, n)), 0.03), 0.9)
	xs := Mul(radius, Cos(angles))
	ys := Mul(radius, Sin(angles))
	return Stack([]*Node{xs, ys}, -1)
}

// Line returns n points uniform on a vertical band: x in [-0.5, 0.5] and
// y in [-1, 1]. Shape (n, 2).
func Line(ctx *context.Context, g *Graph, n int) *Node {
	xs := AddScalar(ctx.RandomUniform(g, shapes.Make(DType, n)), -0.5)
	ys := AddScalar(MulScalar(ctx.RandomUniform(g, shapes.Make(DType, n)), 2), -1)
	return Stack([]*Node{xs, ys}, -1)
}

// Moons returns n points sampled from two interleaved half circles with a
// small gaussian jitter, modeled after scikit-learn's make_moons and centered
// on the origin. Shape (n, 2).
func Moons(ctx *context.Context, g *Graph, n int) *Node {
	angles := MulScalar(ctx.RandomUniform(g, shapes.Make(DType, n)), math.Pi)
	outerMoonX := Cos(angles)
	outerMoonY := Sin(angles)
	innerMoonX := OneMinus(outerMoonX)
	innerMoonY := AddScalar(OneMinus(outerMoonY), -0.5)

	coinFlip := ctx.RandomUniform(g, shapes.Make(DType, n))
	coinFlip = GreaterThan(AddScalar(coinFlip, -0.5), ScalarZero(g, DType))
	xs := Where(coinFlip, innerMoonX, outerMoonX)
	ys := Where(coinFlip, innerMoonY, outerMoonY)

	// Center on the origin and shrink to the grid range.
	xs = MulScalar(AddScalar(xs, -0.5), 1.0/1.5)
	ys = MulScalar(AddScalar(ys, -0.25), 1.0/0.75)

	jitter := MulScalar(ctx.RandomNormal(g, shapes.Make(DType, n, 2)), 0.03)
	return Add(Stack([]*Node{xs, ys}, -1), jitter)
}

// Points returns n points of the named dataset. dataDir is where "dino"
// caches its download; the procedural datasets ignore it.
func Points(backend backends.Backend, ctx *context.Context, name, dataDir string, n int) (*tensors.Tensor, error) {
	var generator func(ctx *context.Context, g *Graph, n int) *Node
	switch name {
	case "circle":
		generator = Circle
	case "line":
		generator = Line
	case "moons":
		generator = Moons
	case "dino":
		return Dino(backend, ctx, dataDir, n)
	default:
		return nil, errors.Errorf("unknown dataset %q, available: %v", name, Names())
	}
	return context.ExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		return generator(ctx, g, n)
	})
}

// InMemoryDataset wraps a (n, 2) points tensor for training: the points are
// the only input, there are no labels.
func InMemoryDataset(backend backends.Backend, name string, points *tensors.Tensor) (*datasets.InMemoryDataset, error) {
	return datasets.InMemoryFromData(backend, name, []any{points}, nil)
}
