package diffusion

import (
	"math"
	"os"
	"strings"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// smallTrainingParams shrink the model and the run so the training tests stay
// fast on the test backend.
func smallTrainingParams() map[string]any {
	return map[string]any{
		"train_steps":             8,
		"batch_size":              8,
		"eval_batch_size":         16,
		"num_timesteps":           8,
		"embedding_size":          8,
		"hidden_size":             16,
		"hidden_layers":           1,
		"samples_during_training": 0,
	}
}

// circlePoints returns n points evenly spaced on a circle of radius 0.9.
func circlePoints(n int) *tensors.Tensor {
	points := make([][]float32, n)
	for i := range points {
		angle := 2 * math.Pi * float64(i) / float64(n)
		points[i] = []float32{
			0.9 * float32(math.Cos(angle)),
			0.9 * float32(math.Sin(angle))}
	}
	return tensors.FromValue(points)
}

func trainingDatasets(t *testing.T, s *Scheduler) (trainDS, trainEvalDS, validationDS *datasets.InMemoryDataset) {
	cfg := s.Config()
	points := circlePoints(32)
	var err error
	trainDS, err = datasets.InMemoryFromData(cfg.Backend, "circle", []any{points}, nil)
	require.NoError(t, err)
	trainEvalDS = trainDS.Copy().BatchSize(cfg.EvalBatchSize, false)
	validationDS = trainDS.Copy().BatchSize(cfg.EvalBatchSize, false)
	trainDS.Shuffle().Infinite(true).BatchSize(cfg.BatchSize, true)
	return
}

func TestTrainModelAndEvalLoss(t *testing.T) {
	s := getTestScheduler(t, smallTrainingParams())
	trainDS, trainEvalDS, validationDS := trainingDatasets(t, s)

	TrainModel(s, trainDS, trainEvalDS, validationDS, false, -1)
	assert.EqualValues(t, 8, optimizers.GetGlobalStep(s.Config().Context))

	loss, err := EvalLoss(s, validationDS)
	require.NoError(t, err)
	assert.False(t, math.IsNaN(loss))
	assert.False(t, math.IsInf(loss, 0))
	assert.Greater(t, loss, 0.0)
}

func TestTrainingMonitorWithoutPlots(t *testing.T) {
	params := smallTrainingParams()
	params["samples_during_training"] = 8
	params["samples_during_training_frequency"] = 2
	s := getTestScheduler(t, params)
	checkpoint, err := s.Config().AttachCheckpoint(t.TempDir())
	require.NoError(t, err)
	require.NotNil(t, checkpoint)

	// Plots are disabled (the default): the monitor must still run and save
	// the sample snapshots.
	trainDS, trainEvalDS, validationDS := trainingDatasets(t, s)
	TrainModel(s, trainDS, trainEvalDS, validationDS, false, -1)

	entries, err := os.ReadDir(checkpoint.Dir())
	require.NoError(t, err)
	var snapshots int
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), GeneratedSamplesPrefix) {
			snapshots++
		}
	}
	assert.Greater(t, snapshots, 0)
}
