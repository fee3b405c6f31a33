package diffusion

import (
	"math"

	"github.com/pkg/errors"
)

// ScheduleType selects how the per-timestep noise variances (betas) are
// interpolated between Config.BetaStart and Config.BetaEnd.
type ScheduleType int

const (
	// ScheduleLinear interpolates the betas linearly.
	ScheduleLinear ScheduleType = iota

	// ScheduleQuadratic interpolates sqrt(beta) linearly and squares the result.
	ScheduleQuadratic
)

// String implements fmt.Stringer.
func (s ScheduleType) String() string {
	switch s {
	case ScheduleLinear:
		return "linear"
	case ScheduleQuadratic:
		return "quadratic"
	}
	return "unknown"
}

// ScheduleFromString parses "linear" or "quadratic". Anything else returns an
// error wrapping ErrConfig.
func ScheduleFromString(name string) (ScheduleType, error) {
	switch name {
	case "linear":
		return ScheduleLinear, nil
	case "quadratic":
		return ScheduleQuadratic, nil
	}
	return 0, errors.WithMessagef(ErrConfig, "unknown beta schedule %q, valid values are \"linear\" and \"quadratic\"", name)
}

// varianceFloor avoids degenerate zero or negative posterior variances from
// floating-point cancellation at timesteps where 1-alphasCumprod is tiny.
const varianceFloor = 1e-20

// CoefficientTable holds every scalar-per-timestep coefficient of the
// diffusion process, derived once from the beta schedule. All slices have
// length NumTimesteps and are read-only after construction.
//
// Everything is kept in float64: AlphasCumprod is a running product of
// NumTimesteps values close to 1, and accumulating it in the model dtype
// (typically float32) loses precision -- and eventually underflows -- for
// large timestep counts. The values are converted to the model dtype only
// when uploaded into computation graphs as constants.
type CoefficientTable struct {
	NumTimesteps int

	Betas             []float64 // Per-timestep noise variance.
	Alphas            []float64 // 1 - beta.
	AlphasCumprod     []float64 // Running product of alphas; non-increasing, in (0, 1].
	AlphasCumprodPrev []float64 // AlphasCumprod shifted right by one; element 0 is 1.

	// Required for AddNoise.
	SqrtAlphasCumprod         []float64
	SqrtOneMinusAlphasCumprod []float64

	// Required for ReconstructX0.
	SqrtInvAlphasCumprod         []float64
	SqrtInvAlphasCumprodMinusOne []float64

	// Required for PosteriorMean. Element 0 of both is well-defined but never
	// used: the terminal step injects no noise and its output is the final
	// sample.
	PosteriorMeanCoef1 []float64
	PosteriorMeanCoef2 []float64

	// Posterior variance per timestep, with the terminal rule already applied:
	// element 0 is exactly 0, every other element is floored at varianceFloor.
	PosteriorVariance []float64
}

// NewCoefficientTable derives all diffusion coefficients from the beta
// schedule. It is deterministic and side effect free.
func NewCoefficientTable(numTimesteps int, betaStart, betaEnd float64, schedule ScheduleType) (*CoefficientTable, error) {
	if numTimesteps <= 0 {
		return nil, errors.WithMessagef(ErrConfig, "num_timesteps must be positive, got %d", numTimesteps)
	}
	t := &CoefficientTable{
		NumTimesteps:                 numTimesteps,
		Betas:                        make([]float64, numTimesteps),
		Alphas:                       make([]float64, numTimesteps),
		AlphasCumprod:                make([]float64, numTimesteps),
		AlphasCumprodPrev:            make([]float64, numTimesteps),
		SqrtAlphasCumprod:            make([]float64, numTimesteps),
		SqrtOneMinusAlphasCumprod:    make([]float64, numTimesteps),
		SqrtInvAlphasCumprod:         make([]float64, numTimesteps),
		SqrtInvAlphasCumprodMinusOne: make([]float64, numTimesteps),
		PosteriorMeanCoef1:           make([]float64, numTimesteps),
		PosteriorMeanCoef2:           make([]float64, numTimesteps),
		PosteriorVariance:            make([]float64, numTimesteps),
	}

	for i := range t.Betas {
		var frac float64
		if numTimesteps > 1 {
			frac = float64(i) / float64(numTimesteps-1)
		}
		switch schedule {
		case ScheduleLinear:
			t.Betas[i] = betaStart + frac*(betaEnd-betaStart)
		case ScheduleQuadratic:
			sqrtBeta := math.Sqrt(betaStart) + frac*(math.Sqrt(betaEnd)-math.Sqrt(betaStart))
			t.Betas[i] = sqrtBeta * sqrtBeta
		default:
			return nil, errors.WithMessagef(ErrConfig, "unknown beta schedule %d", schedule)
		}
	}

	cumprod := 1.0
	for i, beta := range t.Betas {
		alpha := 1.0 - beta
		t.Alphas[i] = alpha
		t.AlphasCumprodPrev[i] = cumprod // Before multiplying: element 0 gets 1.
		cumprod *= alpha
		t.AlphasCumprod[i] = cumprod

		t.SqrtAlphasCumprod[i] = math.Sqrt(cumprod)
		t.SqrtOneMinusAlphasCumprod[i] = math.Sqrt(1.0 - cumprod)
		t.SqrtInvAlphasCumprod[i] = math.Sqrt(1.0 / cumprod)
		t.SqrtInvAlphasCumprodMinusOne[i] = math.Sqrt(1.0/cumprod - 1.0)

		t.PosteriorMeanCoef1[i] = beta * math.Sqrt(t.AlphasCumprodPrev[i]) / (1.0 - cumprod)
		t.PosteriorMeanCoef2[i] = (1.0 - t.AlphasCumprodPrev[i]) * math.Sqrt(alpha) / (1.0 - cumprod)

		if i == 0 {
			t.PosteriorVariance[i] = 0
		} else {
			t.PosteriorVariance[i] = math.Max(
				beta*(1.0-t.AlphasCumprodPrev[i])/(1.0-cumprod),
				varianceFloor)
		}
	}
	return t, nil
}

// Variance of the reverse transition at timestep t.
//
// There are two transition rules: the terminal step (t == 0) is deterministic
// and returns exactly 0; every other step returns
// beta[t]*(1-alphasCumprodPrev[t])/(1-alphasCumprod[t]), floored at 1e-20.
func (t *CoefficientTable) Variance(timestep int) float64 {
	if timestep == 0 {
		return 0
	}
	return t.PosteriorVariance[timestep]
}
