// demo trains the grid-adjusted diffusion model on each of the 2D toy
// datasets, then samples from it, saves the generated points and reports the
// evaluation metrics (train and evaluation loss, KL divergence to the real
// points, noise-grid variances and timings) into a JSON file.
//
// Example:
//
//	go run ./demo --data=~/work/ddpm2d --checkpoint=base --datasets=moons,dino
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gridnoise/ddpm2d/diffusion"
	"github.com/gridnoise/ddpm2d/toydata"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDataDir    = flag.String("data", "~/work/ddpm2d", "Directory to cache downloaded dataset files and checkpoints.")
	flagCheckpoint = flag.String("checkpoint", "", "Directory to save and load checkpoints from, one subdirectory per dataset. If left empty, no checkpoints are created.")
	flagDatasets   = flag.String("datasets", strings.Join(toydata.Names(), ","), "Comma-separated list of datasets to train on.")
	flagOutput     = flag.String("out", "final_info.json", "File to write the evaluation results to, relative to --data unless absolute.")
	flagEval       = flag.Bool("eval", true, "Whether to evaluate the model on the end of training.")
	flagVerbosity  = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")
)

var backend = backends.MustNew()

// datasetResults follows the layout of the results file: one entry per
// dataset, with the metric means under "means".
type datasetResults struct {
	Means map[string]float64 `json:"means"`
}

func main() {
	ctx := diffusion.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()

	finalInfo := make(map[string]datasetResults)
	for _, datasetName := range strings.Split(*flagDatasets, ",") {
		datasetName = strings.TrimSpace(datasetName)
		if datasetName == "" {
			continue
		}
		// Each dataset trains its own model, from its own fresh context.
		ctx := diffusion.CreateDefaultContext()
		paramsSet := check1(commandline.ParseContextSettings(ctx, *settings))
		var results datasetResults
		err := exceptions.TryCatch[error](func() {
			results = trainAndEval(ctx, datasetName, paramsSet)
		})
		if err != nil {
			klog.Fatalf("Failed on dataset %q: %+v", datasetName, err)
		}
		finalInfo[datasetName] = results
	}

	outputPath := fsutil.MustReplaceTildeInDir(*flagOutput)
	if !path.IsAbs(outputPath) {
		outputPath = path.Join(fsutil.MustReplaceTildeInDir(*flagDataDir), outputPath)
	}
	check(writeResults(outputPath, finalInfo))
	if *flagVerbosity >= 0 {
		fmt.Printf("Results written to %s\n", outputPath)
	}
}

// trainAndEval trains one model on the named dataset and returns its metrics.
func trainAndEval(ctx *context.Context, datasetName string, paramsSet []string) datasetResults {
	if *flagVerbosity >= 0 {
		fmt.Printf("Dataset %q:\n", datasetName)
	}
	cfg := check1(diffusion.NewConfig(backend, ctx, *flagDataDir, paramsSet))
	if *flagCheckpoint != "" {
		check1(cfg.AttachCheckpoint(path.Join(*flagCheckpoint, datasetName)))
	}
	scheduler := check1(diffusion.NewScheduler(cfg))

	// Training set, plus separate points for evaluation.
	datasetSize := context.GetParamOr(ctx, "dataset_size", 100_000)
	trainPoints := check1(toydata.Points(backend, ctx, datasetName, cfg.DataDir, datasetSize))
	evalPoints := check1(toydata.Points(backend, ctx, datasetName, cfg.DataDir, cfg.EvalBatchSize))

	trainDS := check1(toydata.InMemoryDataset(backend, datasetName, trainPoints))
	trainEvalDS := trainDS.Copy().BatchSize(cfg.EvalBatchSize, false)
	validationDS := check1(toydata.InMemoryDataset(backend, datasetName+"-valid", evalPoints)).
		BatchSize(cfg.EvalBatchSize, false)
	trainDS.Shuffle().Infinite(true).BatchSize(cfg.BatchSize, true)

	trainStart := time.Now()
	diffusion.TrainModel(scheduler, trainDS, trainEvalDS, validationDS, *flagEval, *flagVerbosity)
	trainingTime := time.Since(trainStart)

	trainLoss := check1(diffusion.EvalLoss(scheduler, trainEvalDS))
	evalLoss := check1(diffusion.EvalLoss(scheduler, validationDS))

	sampler := diffusion.NewSampler(scheduler, cfg.EvalBatchSize)
	inferenceStart := time.Now()
	samples := check1(sampler.Generate())
	inferenceTime := time.Since(inferenceStart)
	check(samples.Save(path.Join(cfg.DataDir, datasetName+"_final_samples.tensor")))

	klDivergence := check1(diffusion.KLDivergence(evalPoints, samples))
	coarseGrid, fineGrid := check2(scheduler.Grids())
	coarseVariance := check1(diffusion.GridVariance(coarseGrid))
	fineVariance := check1(diffusion.GridVariance(fineGrid))

	if *flagVerbosity >= 1 {
		fmt.Printf("\ttrain_loss=%.6f eval_loss=%.6f kl=%.4f coarse_grid_var=%.6f fine_grid_var=%.6f\n",
			trainLoss, evalLoss, klDivergence, coarseVariance, fineVariance)
	}
	return datasetResults{
		Means: map[string]float64{
			"training_time":        trainingTime.Seconds(),
			"train_loss":           trainLoss,
			"eval_loss":            evalLoss,
			"inference_time":       inferenceTime.Seconds(),
			"kl_divergence":        klDivergence,
			"coarse_grid_variance": coarseVariance,
			"fine_grid_variance":   fineVariance,
		},
	}
}

func writeResults(outputPath string, finalInfo map[string]datasetResults) error {
	file, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err = encoder.Encode(finalInfo); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

// check reports and exits on error.
func check(err error) {
	if err == nil {
		return
	}
	klog.Fatalf("Fatal error: %+v", err)
}

// check1 reports and exits on error. Otherwise returns the value passed.
func check1[T any](v T, err error) T {
	check(err)
	return v
}

// check2 reports and exits on error. Otherwise returns the two values passed.
func check2[T1, T2 any](v1 T1, v2 T2, err error) (T1, T2) {
	check(err)
	return v1, v2
}
