package diffusion

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// Scheduler implements the forward (noising) and reverse (denoising)
// recurrences of the diffusion process, with the injected noise modulated by
// the learnable grid pair (see NoiseGridVars).
//
// The *Graph methods compose inside larger computation graphs (training,
// sampling); the host-side methods wrap them in cached context.Exec
// executables for direct calls with tensors.
type Scheduler struct {
	config *Config
	table  *CoefficientTable

	addNoiseExec   *context.Exec
	adjustmentExec *context.Exec
	stepExec       *context.Exec
	gridsExec      *context.Exec
}

// NewScheduler validates the configuration, derives the coefficient table and
// compiles the host-side executables. Invalid configurations are reported here,
// wrapping ErrConfig; every operation of the returned scheduler is total over
// its documented domain.
func NewScheduler(cfg *Config) (*Scheduler, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	table, err := NewCoefficientTable(cfg.NumTimesteps, cfg.BetaStart, cfg.BetaEnd, cfg.Schedule)
	if err != nil {
		return nil, err
	}
	s := &Scheduler{config: cfg, table: table}

	s.addNoiseExec, err = context.NewExec(cfg.Backend, cfg.Context, s.AddNoiseGraph)
	if err != nil {
		return nil, errors.WithMessage(err, "compiling AddNoise")
	}
	s.adjustmentExec, err = context.NewExec(cfg.Backend, cfg.Context, s.GridAdjustmentGraph)
	if err != nil {
		return nil, errors.WithMessage(err, "compiling GridAdjustment")
	}
	s.stepExec, err = context.NewExec(cfg.Backend, cfg.Context,
		func(ctx *context.Context, predictedNoise, timestep, sample *Node) *Node {
			timesteps := BroadcastToDims(timestep, sample.Shape().Dimensions[0])
			return s.StepGraph(ctx, predictedNoise, timesteps, sample)
		})
	if err != nil {
		return nil, errors.WithMessage(err, "compiling Step")
	}
	s.gridsExec, err = context.NewExec(cfg.Backend, cfg.Context,
		func(ctx *context.Context, g *Graph) (coarse, fine *Node) {
			coarseVar, fineVar := s.NoiseGridVars(ctx)
			return coarseVar.ValueGraph(g), fineVar.ValueGraph(g)
		})
	if err != nil {
		return nil, errors.WithMessage(err, "compiling grid reader")
	}
	return s, nil
}

// Config used to build the scheduler.
func (s *Scheduler) Config() *Config { return s.config }

// Table returns the precomputed schedule coefficients.
func (s *Scheduler) Table() *CoefficientTable { return s.table }

// TimestepCount is the number of diffusion timesteps T. Valid timesteps are
// 0 <= t < T.
func (s *Scheduler) TimestepCount() int { return s.table.NumTimesteps }

// coefGraph gathers one coefficient slice per example timestep and shapes the
// result (n, 1) in the model dtype, ready to broadcast against (n, 2) points.
// The table is uploaded as a float64 constant; only the gathered values are
// narrowed.
func (s *Scheduler) coefGraph(table []float64, timesteps *Node) *Node {
	g := timesteps.Graph()
	values := Gather(Const(g, table), InsertAxes(ConvertDType(timesteps, dtypes.Int32), -1))
	return InsertAxes(ConvertDType(values, s.config.DType), -1)
}

// AddNoiseGraph is the forward process: it diffuses clean points x0 (shape
// (n, 2)) to their noisy version at the given timesteps (shape (n,), integer):
//
//	sqrt(alphasCumprod[t])*x0 + sqrt(1-alphasCumprod[t])*noise*adjustment
//
// The grid adjustment is evaluated at the CLEAN sample coordinates -- the
// grids modulate noise by where the original point lives, not by where the
// noisy point lands. The reverse process evaluates the adjustment on the
// evolving sample instead; the two are intentionally not symmetric.
func (s *Scheduler) AddNoiseGraph(ctx *context.Context, x0, noise, timesteps *Node) *Node {
	s1 := s.coefGraph(s.table.SqrtAlphasCumprod, timesteps)
	s2 := s.coefGraph(s.table.SqrtOneMinusAlphasCumprod, timesteps)
	adjustment := InsertAxes(s.GridAdjustmentGraph(ctx, timesteps, x0), -1)
	return Add(
		Mul(s1, x0),
		Mul(s2, Mul(noise, adjustment)))
}

// ReconstructX0Graph estimates the clean points from noisy points xt and the
// noise predicted by the model, inverting the forward recurrence:
//
//	sqrt(1/alphasCumprod[t])*xt - sqrt(1/alphasCumprod[t]-1)*predictedNoise
func (s *Scheduler) ReconstructX0Graph(xt, timesteps, predictedNoise *Node) *Node {
	s1 := s.coefGraph(s.table.SqrtInvAlphasCumprod, timesteps)
	s2 := s.coefGraph(s.table.SqrtInvAlphasCumprodMinusOne, timesteps)
	return Sub(Mul(s1, xt), Mul(s2, predictedNoise))
}

// PosteriorMeanGraph is the mean of the reverse transition q(x_{t-1} | x_t, x_0):
// posteriorMeanCoef1[t]*x0 + posteriorMeanCoef2[t]*xt.
func (s *Scheduler) PosteriorMeanGraph(x0, xt, timesteps *Node) *Node {
	c1 := s.coefGraph(s.table.PosteriorMeanCoef1, timesteps)
	c2 := s.coefGraph(s.table.PosteriorMeanCoef2, timesteps)
	return Add(Mul(c1, x0), Mul(c2, xt))
}

// VarianceGraph gathers the reverse-transition variance per timestep, shaped
// (n, 1). The terminal rule is baked into the table: timestep 0 yields exactly
// 0, so the noise term of StepGraph vanishes there without branching.
func (s *Scheduler) VarianceGraph(timesteps *Node) *Node {
	return s.coefGraph(s.table.PosteriorVariance, timesteps)
}

// StepGraph is one reverse transition: from the sample at the given timesteps
// and the model's noise prediction, it reconstructs x0, takes the posterior
// mean, and adds sqrt(variance)*freshNoise. At timestep 0 the variance is
// exactly 0 and the step is deterministic.
func (s *Scheduler) StepGraph(ctx *context.Context, predictedNoise, timesteps, sample *Node) *Node {
	g := sample.Graph()
	x0 := s.ReconstructX0Graph(sample, timesteps, predictedNoise)
	mean := s.PosteriorMeanGraph(x0, sample, timesteps)
	stddev := Sqrt(s.VarianceGraph(timesteps))
	return Add(mean, Mul(stddev, ctx.RandomNormal(g, sample.Shape())))
}

// AddNoise executes the forward process on tensors: x0 and noise shaped
// (n, 2) in the model dtype, timesteps shaped (n,) int32 with values in
// [0, T). See AddNoiseGraph.
func (s *Scheduler) AddNoise(x0, noise, timesteps *tensors.Tensor) (*tensors.Tensor, error) {
	return s.addNoiseExec.Exec1(x0, noise, timesteps)
}

// GridAdjustment returns the combined coarse*fine adjustment factor for each
// (timestep, point) pair: timesteps shaped (n,) int32, points shaped (n, 2).
// See GridAdjustmentGraph.
func (s *Scheduler) GridAdjustment(timesteps, points *tensors.Tensor) (*tensors.Tensor, error) {
	return s.adjustmentExec.Exec1(timesteps, points)
}

// Step executes one reverse transition at a single timestep shared by the
// whole batch, the shape it is used with during sampling. See StepGraph.
func (s *Scheduler) Step(predictedNoise *tensors.Tensor, timestep int, sample *tensors.Tensor) (*tensors.Tensor, error) {
	if timestep < 0 || timestep >= s.table.NumTimesteps {
		return nil, errors.Errorf("timestep %d out of range [0, %d)", timestep, s.table.NumTimesteps)
	}
	return s.stepExec.Exec1(predictedNoise, int32(timestep), sample)
}

// Grids returns the current values of the coarse and fine noise-adjustment
// grids, initializing them to all ones on first use.
func (s *Scheduler) Grids() (coarse, fine *tensors.Tensor, err error) {
	return s.gridsExec.Exec2()
}
