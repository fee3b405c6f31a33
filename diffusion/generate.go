package diffusion

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// Sampler draws points from the learned distribution by walking the reverse
// process: it starts from standard normal noise and applies one denoising
// transition per timestep, t = T-1 down to 0, strictly in order -- each step
// consumes the previous step's output.
//
// Use it with NewSampler. It can be called repeatedly during training: it
// always reads the current model weights (the EMA shadow weights when
// "use_ema" is set).
type Sampler struct {
	scheduler  *Scheduler
	numSamples int
	noiseExec  *context.Exec
	stepExec   *context.Exec
}

// NewSampler returns a Sampler that generates batches of numSamples points.
func NewSampler(s *Scheduler, numSamples int) *Sampler {
	cfg := s.config
	// Unchecked: the model variables exist already when sampling during or
	// after training, and don't yet on a fresh context.
	ctx := cfg.Context.Checked(false)
	return &Sampler{
		scheduler:  s,
		numSamples: numSamples,
		noiseExec: context.MustNewExec(cfg.Backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			return ctx.RandomNormal(g, shapes.Make(cfg.DType, numSamples, 2))
		}),
		stepExec: context.MustNewExec(cfg.Backend, ctx,
			func(ctx *context.Context, sample, timestep *Node) *Node {
				g := sample.Graph()
				ctx.SetTraining(g, false)
				timesteps := BroadcastToDims(timestep, sample.Shape().Dimensions[0])

				// In reverse the adjustment is evaluated at the EVOLVING
				// sample -- there is no clean point to look at yet. This
				// mirrors how the denoiser's input was computed in training,
				// where the clean points were available.
				adjustment := s.GridAdjustmentGraph(ctx, timesteps, sample)
				predictedNoise := Denoiser(ctx, sample, timesteps, adjustment)
				return s.StepGraph(ctx, predictedNoise, timesteps, sample)
			}),
	}
}

// Generate a batch of points from fresh noise. Shape (numSamples, 2).
func (smp *Sampler) Generate() (*tensors.Tensor, error) {
	sample, _, err := smp.GenerateEveryN(0)
	return sample, err
}

// GenerateEveryN generates a batch of points, also returning an intermediary
// snapshot every n reverse steps (none if n <= 0). It returns the final
// sample, the snapshots, and the first error.
func (smp *Sampler) GenerateEveryN(n int) (sample *tensors.Tensor, snapshots []*tensors.Tensor, err error) {
	sample, err = smp.noiseExec.Exec1()
	if err != nil {
		return nil, nil, err
	}
	numTimesteps := smp.scheduler.TimestepCount()
	for t := numTimesteps - 1; t >= 0; t-- {
		sample, err = smp.stepExec.Exec1(sample, int32(t))
		if err != nil {
			return nil, nil, err
		}
		stepsDone := numTimesteps - t
		if n > 0 && t > 0 && stepsDone%n == 0 {
			snapshots = append(snapshots, sample)
		}
	}
	return sample, snapshots, nil
}
