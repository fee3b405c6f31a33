// Package diffusion implements a denoising diffusion probabilistic model (DDPM)
// for 2D toy point distributions, augmented with a learned multi-resolution
// spatial noise-adjustment field.
//
// The noise schedule coefficients are precomputed from a linear or quadratic
// beta schedule, and two learnable grids (one coarse, one fine) modulate the
// injected noise intensity as a function of where a point lies in 2D space and
// of the active diffusion timestep. The grids are ordinary trainable context
// variables, updated by the optimizer together with the denoiser weights.
//
// The subdirectory `demo/` has the command line binary that trains the model
// on the toy datasets and dumps the evaluation results.
package diffusion

import (
	"os"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
)

// ErrConfig is wrapped by all errors returned for invalid configurations:
// unknown beta schedule names, non-positive timestep counts or grid sizes, or
// beta ranges outside (0, 1). Check with errors.Is(err, ErrConfig).
var ErrConfig = errors.New("invalid diffusion configuration")

// Config holds the configuration for the scheduler, model and training.
// See NewConfig. It is immutable after construction.
type Config struct {
	Backend backends.Backend
	Context *context.Context // Usually, at the root scope.

	// DataDir is where datasets are downloaded, and models are saved.
	DataDir string

	// ParamsSet are hyperparameters overridden in the command line, that should
	// not be loaded back from a checkpoint (see commandline.ParseContextSettings).
	ParamsSet []string

	DType                    dtypes.DType
	BatchSize, EvalBatchSize int

	// Noise schedule parameters.
	NumTimesteps       int
	BetaStart, BetaEnd float64
	Schedule           ScheduleType

	// Spatial resolution of the two noise-adjustment grids.
	CoarseGridSize, FineGridSize int

	// Checkpoint if one has been attached. See Config.AttachCheckpoint.
	Checkpoint *checkpoints.Handler
}

// NewConfig creates a configuration from the hyperparameters stored in ctx.
// See CreateDefaultContext for the hyperparameters and their defaults.
//
// It returns an error wrapping ErrConfig if the noise schedule or grid
// configuration is invalid. The error is reported once, at construction: all
// operations of the resulting scheduler are total over their documented
// domains.
func NewConfig(backend backends.Backend, ctx *context.Context, dataDir string, paramsSet []string) (*Config, error) {
	dataDir = fsutil.MustReplaceTildeInDir(dataDir)
	if !fsutil.MustFileExists(dataDir) {
		must.M(os.MkdirAll(dataDir, 0777))
	}
	dtypeName := context.GetParamOr(ctx, "dtype", "float32")
	dtype, ok := dtypes.MapOfNames[dtypeName]
	if !ok || !dtype.IsFloat() {
		return nil, errors.WithMessagef(ErrConfig, "unknown or non-float dtype %q", dtypeName)
	}
	schedule, err := ScheduleFromString(context.GetParamOr(ctx, "beta_schedule", "linear"))
	if err != nil {
		return nil, err
	}
	cfg := &Config{
		Backend:        backend,
		Context:        ctx,
		DataDir:        dataDir,
		ParamsSet:      paramsSet,
		DType:          dtype,
		BatchSize:      context.GetParamOr(ctx, "batch_size", 256),
		EvalBatchSize:  context.GetParamOr(ctx, "eval_batch_size", 10000),
		NumTimesteps:   context.GetParamOr(ctx, "num_timesteps", 100),
		BetaStart:      context.GetParamOr(ctx, "beta_start", 1e-4),
		BetaEnd:        context.GetParamOr(ctx, "beta_end", 0.02),
		Schedule:       schedule,
		CoarseGridSize: context.GetParamOr(ctx, "coarse_grid_size", 5),
		FineGridSize:   context.GetParamOr(ctx, "fine_grid_size", 20),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.NumTimesteps <= 0 {
		return errors.WithMessagef(ErrConfig, "num_timesteps must be positive, got %d", c.NumTimesteps)
	}
	if c.BetaStart <= 0 || c.BetaEnd >= 1 || c.BetaStart >= c.BetaEnd {
		return errors.WithMessagef(ErrConfig, "betas must satisfy 0 < beta_start < beta_end < 1, got [%g, %g]",
			c.BetaStart, c.BetaEnd)
	}
	if c.CoarseGridSize <= 0 || c.FineGridSize <= 0 {
		return errors.WithMessagef(ErrConfig, "grid sizes must be positive, got coarse=%d, fine=%d",
			c.CoarseGridSize, c.FineGridSize)
	}
	return nil
}

// AttachCheckpoint to the configured context: the latest checkpoint under
// checkpointPath is immediately loaded (if any), and the returned handler
// saves the model variables -- noise grids included -- and the
// hyperparameters.
//
// If checkpointPath is not absolute, it is taken relative to DataDir.
func (c *Config) AttachCheckpoint(checkpointPath string) (*checkpoints.Handler, error) {
	if checkpointPath == "" {
		return nil, nil
	}
	checkpointPath = fsutil.MustReplaceTildeInDir(checkpointPath)
	numCheckpointsToKeep := context.GetParamOr(c.Context, "num_checkpoints", 5)
	checkpoint, err := checkpoints.Build(c.Context).
		DirFromBase(checkpointPath, c.DataDir).
		Keep(numCheckpointsToKeep).
		ExcludeParams(append([]string(nil), c.ParamsSet...)...).
		Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to attach checkpoint to %q", checkpointPath)
	}
	c.Checkpoint = checkpoint
	return checkpoint, nil
}
