package diffusion

import (
	"math"
	"strings"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
)

// DenoiserScope is the context scope under which all denoiser weights live.
// The EMA shadow copy lives under "ema"+DenoiserScope.
const DenoiserScope = "denoiser"

// coordinateEmbeddingScale stretches the coordinate inputs before the
// sinusoidal embedding: the points live in [-1, 1], a much narrower range
// than the timesteps, and without the stretch most embedding frequencies
// never complete a cycle.
const coordinateEmbeddingScale = 25.0

// SinusoidalEmbedding maps a column of scalars x (shape (n,)) to
// (n, embedding_size): x is multiplied by scale, then by geometrically spaced
// frequencies, and the sine and cosine halves are concatenated.
func SinusoidalEmbedding(ctx *context.Context, x *Node, scale float64) *Node {
	g := x.Graph()
	halfEmbed := context.GetParamOr(ctx, "embedding_size", 128) / 2
	x = MulScalar(x, scale)

	// Frequencies decay geometrically from 1 to 1/10^4.
	logStep := math.Log(10_000.0) / float64(halfEmbed-1)
	frequencies := Exp(MulScalar(IotaFull(g, shapes.Make(x.DType(), halfEmbed)), -logStep))

	angles := Mul(InsertAxes(x, -1), ExpandLeftToRank(frequencies, 2))
	return Concatenate([]*Node{Sin(angles), Cos(angles)}, -1)
}

// residualBlock computes x + Dense(Relu(x)), preserving the feature dimension.
func residualBlock(ctx *context.Context, x *Node) *Node {
	width := x.Shape().Dimensions[x.Rank()-1]
	return Add(x, layers.Dense(ctx, activations.Relu(x), true, width))
}

// DenoiserGraph predicts the noise component of noisy points (shape (n, 2))
// at the given timesteps (shape (n,), integer). noiseAdjustment (shape (n,))
// is the grid factor the noise was scaled with; feeding it to the model lets
// it compensate for the spatially varying noise level.
//
// Each coordinate and the timestep get their own sinusoidal embedding; the
// concatenation (plus the raw adjustment factor) goes through a dense
// projection, a stack of residual blocks, and a zero-initialized readout, so
// an untrained model predicts zero noise.
func DenoiserGraph(ctx *context.Context, noisy, timesteps, noiseAdjustment *Node) *Node {
	ctx = ctx.In(DenoiserScope)
	hiddenDim := context.GetParamOr(ctx, "hidden_size", 256)
	numBlocks := context.GetParamOr(ctx, "hidden_layers", 3)
	dtype := noisy.DType()

	x1 := Squeeze(Slice(noisy, AxisRange(), AxisElem(0)), -1)
	x2 := Squeeze(Slice(noisy, AxisRange(), AxisElem(1)), -1)
	x1Embed := SinusoidalEmbedding(ctx.In("x1_embedding"), x1, coordinateEmbeddingScale)
	x2Embed := SinusoidalEmbedding(ctx.In("x2_embedding"), x2, coordinateEmbeddingScale)
	tEmbed := SinusoidalEmbedding(ctx.In("t_embedding"), ConvertDType(timesteps, dtype), 1.0)

	x := Concatenate([]*Node{x1Embed, x2Embed, tEmbed, InsertAxes(noiseAdjustment, -1)}, -1)
	x = layers.Dense(ctx.In("input_projection"), x, true, hiddenDim)
	for blockNum := range numBlocks {
		x = residualBlock(ctx.Inf("%03d-residual", blockNum), x)
	}
	x = activations.Relu(x)
	return layers.Dense(ctx.In("readout").WithInitializer(initializers.Zero), x, true, 2)
}

// Denoiser runs DenoiserGraph and maintains the exponential moving average of
// its weights.
//
// During training (and if "ema" > 0) it updates, for every denoiser variable,
// a shadow variable under the "ema" scope: ema = coef*ema + (1-coef)*value.
// Outside training, if "use_ema" is set, the shadow weights are used instead
// of the live ones -- they lag the optimizer's latest (noisiest) updates.
func Denoiser(ctx *context.Context, noisy, timesteps, noiseAdjustment *Node) *Node {
	g := noisy.Graph()
	modelCtx := ctx
	useEMA := context.GetParamOr(ctx, "use_ema", true)
	if useEMA && !ctx.IsTraining(g) {
		modelCtx = ctx.In("ema")
	}
	predictedNoise := DenoiserGraph(modelCtx, noisy, timesteps, noiseAdjustment)

	emaCoef := context.GetParamOr(ctx, "ema", 0.0)
	if ctx.IsTraining(g) && emaCoef > 0 {
		prefixScope := ctx.Scope()
		emaCtx := ctx.In("ema").WithInitializer(initializers.Zero).Checked(false)
		newPrefixScope := emaCtx.Scope()
		ctx.In(DenoiserScope).EnumerateVariablesInScope(func(v *context.Variable) {
			if !strings.HasPrefix(v.Scope(), prefixScope) {
				exceptions.Panicf("unexpected variable %q in scope %q", v.Name(), v.Scope())
			}
			suffix := v.Scope()[len(prefixScope):]
			if !strings.HasPrefix(suffix, context.ScopeSeparator) {
				suffix = context.ScopeSeparator + suffix
			}
			emaVar := emaCtx.InAbsPath(newPrefixScope + suffix).VariableWithShape(v.Name(), v.Shape())
			emaVar.SetValueGraph(Add(
				MulScalar(emaVar.ValueGraph(g), emaCoef),
				MulScalar(v.ValueGraph(g), 1.0-emaCoef)))
		})
	}
	return predictedNoise
}
