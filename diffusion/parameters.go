package diffusion

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gomlx/ui/gonb/plotly"
)

// CreateDefaultContext sets the context with default hyperparameters to use
// with TrainModel. Any of them can be overridden with the -set flag of the
// demo binary (see commandline.ParseContextSettings).
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.ResetRNGState()
	ctx.SetParams(map[string]any{
		"train_steps":          10_000,
		"num_checkpoints":      5,
		"checkpoint_frequency": "1m", // How often to save checkpoints. See time.ParseDuration.

		// batch_size for training.
		"batch_size": 256,

		// eval_batch_size is also the number of points sampled for the KL evaluation.
		"eval_batch_size": 10_000,

		// dataset_size is the number of points generated for the training set.
		"dataset_size": 100_000,

		// dtype to use for the model. The schedule coefficients are always
		// derived in float64 and narrowed on upload.
		"dtype": "float32",

		// rng_reset enables resetting the random number generator state with a new
		// random value -- useful when continuing training.
		"rng_reset": true,

		// Noise schedule: "linear" or "quadratic".
		"num_timesteps": 100,
		"beta_schedule": "linear",
		"beta_start":    1e-4,
		"beta_end":      0.02,

		// Noise-adjustment grids: cells per axis of the coarse and fine grid, and
		// the weight of the L1 penalty that pulls the fine grid toward 1 (the
		// neutral adjustment).
		"coarse_grid_size":    5,
		"fine_grid_size":      20,
		"fine_grid_l1_weight": 0.01,

		// Denoiser MLP.
		"embedding_size": 128, // Per-input sinusoidal embedding size. Must be even.
		"hidden_size":    256,
		"hidden_layers":  3, // Number of residual blocks.

		// Loss: "mse" (mean squared error) or "mae" (mean absolute error).
		"loss": "mse",

		// ema is the coefficient of the exponential moving average kept of the
		// denoiser weights (<= 0 disables it); use_ema selects the averaged
		// weights for sampling and evaluation.
		"ema":     0.995,
		"use_ema": true,

		// samples_during_training are monitoring snapshots generated from fresh
		// noise at exponentially spaced steps, saved along the checkpoint.
		"samples_during_training":                  1024,
		"samples_during_training_frequency":        200,
		"samples_during_training_frequency_growth": 1.2,

		optimizers.ParamOptimizer:       "adamw",
		optimizers.ParamLearningRate:    3e-4,
		optimizers.ParamAdamWeightDecay: 0.01,
		optimizers.ParamClipStepByValue: 0.5,
		optimizers.ParamClipNaN:         false,

		// Anneal the learning rate to ~0 over the whole training.
		cosineschedule.ParamPeriodSteps:     10_000,
		cosineschedule.ParamMinLearningRate: 1e-6,

		plotly.ParamPlots: false,
	})
	return ctx
}
