package diffusion

import (
	"fmt"
	"path"
	"strings"
	"time"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gomlx/ui/gonb/plotly"
	stdplots "github.com/gomlx/gomlx/ui/plots"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// GeneratedSamplesPrefix is the filename prefix of the sample snapshots saved
// during training in the checkpoint directory.
const GeneratedSamplesPrefix = "generated_samples_"

// BuildTrainingModelGraph builds the train.ModelFn for training and evaluation.
//
// For each batch of clean points it draws random timesteps and gaussian noise,
// diffuses the points through the forward process and asks the denoiser to
// recover the noise. The loss is the noise-prediction error plus an L1 penalty,
// summed over the fine grid cells, pulling the fine grid toward the neutral
// all-ones adjustment, so the fine grid only deviates where it pays off.
//
// The noisy points are NOT detached from the gradient: the loss gradient must
// flow through the forward process into the two noise-adjustment grids, which
// are trained jointly with the denoiser.
func BuildTrainingModelGraph(s *Scheduler) train.ModelFn {
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		g := inputs[0].Graph()
		points := inputs[0]
		batchSize := points.Shape().Dimensions[0]
		dtype := s.config.DType
		points = ConvertDType(points, dtype)

		// Cosine schedule of the learning rate, if enabled.
		cosineschedule.New(ctx, g, dtype).FromContext().Done()

		timesteps := ctx.RandomIntN(g, s.TimestepCount(), shapes.Make(dtypes.Int32, batchSize))
		noise := ctx.RandomNormal(g, points.Shape())
		noisy := s.AddNoiseGraph(ctx, points, noise, timesteps)

		// The denoiser is told the adjustment factor its noise was scaled
		// with, evaluated at the clean coordinates, same as the forward
		// process above.
		adjustment := s.GridAdjustmentGraph(ctx, timesteps, points)
		predictedNoise := Denoiser(ctx, noisy, timesteps, adjustment)

		lossFn := must.M1(losses.LossFromContext(ctx))
		loss := lossFn([]*Node{noise}, []*Node{predictedNoise})
		if !loss.IsScalar() {
			loss = ReduceAllMean(loss)
		}

		l1Weight := context.GetParamOr(ctx, "fine_grid_l1_weight", 0.01)
		if l1Weight > 0 {
			loss = Add(loss, MulScalar(s.fineGridPenaltyGraph(ctx, g), l1Weight))
		}
		return []*Node{predictedNoise, loss}
	}
}

// TrainModel runs the training loop on trainDS until "train_steps" is reached,
// with periodic checkpoints, optional plotly plots and sample snapshots at
// exponentially spaced steps. trainEvalDS and validationDS are the evaluation
// views (batched, non-shuffled).
func TrainModel(s *Scheduler, trainDS, trainEvalDS, validationDS train.Dataset, evaluateOnEnd bool, verbosity int) {
	cfg := s.config
	ctx := cfg.Context
	backend := cfg.Backend
	if verbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	}
	checkpoint := cfg.Checkpoint
	if verbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}
	if context.GetParamOr(ctx, "rng_reset", true) {
		ctx.ResetRNGState()
	}

	// Custom loss: the model computes the loss itself, and returns it as the
	// second element of the predictions.
	customLoss := func(labels, predictions []*Node) *Node { return predictions[1] }

	trainer := train.NewTrainer(
		backend, ctx, BuildTrainingModelGraph(s), customLoss,
		optimizers.FromContext(ctx),
		[]metrics.Interface{}, // trainMetrics
		[]metrics.Interface{}) // evalMetrics

	loop := train.NewLoop(trainer)
	if verbosity >= 0 {
		commandline.AttachProgressBar(loop)
	}

	if checkpoint != nil {
		period := must.M1(
			time.ParseDuration(context.GetParamOr(ctx, "checkpoint_frequency", "1m")))
		train.PeriodicCallback(loop, period, true, "saving checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}

	// Plotly plots, if enabled: plot points at exponentially spaced steps,
	// saved along the checkpoint directory (if one is given).
	var plotter *plotly.PlotConfig
	if context.GetParamOr(ctx, plotly.ParamPlots, false) {
		plotter = plotly.New().
			WithCheckpoint(checkpoint).
			Dynamic().
			WithDatasets(trainEvalDS, validationDS)
	}

	// Sample snapshots generated from fresh noise, to monitor the training.
	var sampler *Sampler
	numSnapshotSamples := context.GetParamOr(ctx, "samples_during_training", 0)
	if checkpoint != nil && numSnapshotSamples > 0 {
		sampler = NewSampler(s, numSnapshotSamples)
		snapshotFrequency := context.GetParamOr(ctx, "samples_during_training_frequency", 200)
		snapshotFrequencyGrowth := context.GetParamOr(ctx, "samples_during_training_frequency_growth", 1.2)
		train.ExponentialCallback(loop, snapshotFrequency, snapshotFrequencyGrowth, true,
			"Monitor", 0, func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return trainingMonitor(checkpoint, loop, metrics, plotter, sampler,
					[]train.Dataset{trainEvalDS, validationDS})
			})
	}

	numTrainSteps := context.GetParamOr(ctx, "train_steps", 0)
	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep > 0 {
		trainer.SetContext(ctx.Reuse())
	}
	if globalStep < numTrainSteps {
		if verbosity >= 1 {
			fmt.Println("Starting training stage:")
		}
		_, err := loop.RunSteps(trainDS, numTrainSteps-globalStep)
		if verbosity >= 1 {
			fmt.Printf("\t[Step %d] median train step: %d microseconds\n",
				loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
		}
		if err != nil {
			if checkpoint != nil && loop.LoopStep > loop.StartStep {
				klog.Infof("Debug checkpoint save before crashing at loop step %d", loop.LoopStep)
				if errSave := checkpoint.Save(); errSave != nil {
					klog.Errorf("Error while saving checkpoint before crashing: %+v", errSave)
				}
			}
			klog.Fatalf("Error during training: %+v", err)
		}
	} else {
		fmt.Printf("\t - target train_steps=%d already reached. To train further, set a number additional "+
			"to current global step.\n", numTrainSteps)
	}

	if evaluateOnEnd {
		if verbosity >= 1 {
			fmt.Println()
		}
		must.M(commandline.ReportEval(trainer, trainEvalDS, validationDS))
	}
}

// trainingMonitor is periodically called during training to update the plots
// and save a snapshot of generated samples at the current training step.
//
// plotter is the concrete type, not the stdplots.Plotter interface: when plots
// are disabled the pointer is nil, and a nil pointer boxed in an interface
// would slip past the nil check below.
func trainingMonitor(checkpoint *checkpoints.Handler, loop *train.Loop, metrics []*tensors.Tensor,
	plotter *plotly.PlotConfig, sampler *Sampler, evalDatasets []train.Dataset) error {
	if checkpoint == nil {
		// Only works if there is a model directory.
		return nil
	}
	must.M(checkpoint.Save())
	must.M(checkpoint.Backup()) // So this checkpoint doesn't get automatically collected.

	if plotter != nil {
		must.M(stdplots.AddTrainAndEvalMetrics(plotter, loop, metrics, evalDatasets, evalDatasets[0]))
	}

	samples := must.M1(sampler.Generate())
	samplesPath := path.Join(checkpoint.Dir(),
		fmt.Sprintf("%s%07d.tensor", GeneratedSamplesPrefix, loop.LoopStep))
	must.M(samples.Save(samplesPath))
	return nil
}

// EvalLoss evaluates the mean loss of the current model over the whole
// dataset, using the same model graph as training (but run in inference mode,
// so the EMA weights are used if "use_ema" is set).
func EvalLoss(s *Scheduler, ds train.Dataset) (float64, error) {
	cfg := s.config
	trainer := train.NewTrainer(
		cfg.Backend, cfg.Context.Reuse(), BuildTrainingModelGraph(s),
		func(labels, predictions []*Node) *Node { return predictions[1] },
		optimizers.FromContext(cfg.Context), // Unused: evaluation only.
		nil, nil)
	metricsValues, err := trainer.Eval(ds)
	if err != nil {
		return 0, err
	}
	for metricIdx, metric := range trainer.EvalMetrics() {
		if strings.Contains(metric.Name(), "Loss") {
			return shapes.ConvertTo[float64](metricsValues[metricIdx].Value()), nil
		}
	}
	return 0, errors.New("trainer reported no loss metric")
}
