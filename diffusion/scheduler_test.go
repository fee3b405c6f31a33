package diffusion

import (
	"flag"
	"math"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDataDir = flag.String("data", "/tmp/ddpm2d", "Directory to cache downloaded dataset files.")

	// -set flag content.
	ctxSettings *string
)

func init() {
	ctx := CreateDefaultContext()
	ctxSettings = commandline.CreateContextSettingsFlag(ctx, "")
}

// getTestConfig builds a Config on the test backend, with the default
// hyperparameters plus the given overrides.
func getTestConfig(t *testing.T, overrides map[string]any) *Config {
	ctx := CreateDefaultContext()
	ctx.SetParams(overrides)
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *ctxSettings))
	backend := graphtest.BuildTestBackend()
	cfg, err := NewConfig(backend, ctx, *flagDataDir, paramsSet)
	require.NoError(t, err)
	return cfg
}

func getTestScheduler(t *testing.T, overrides map[string]any) *Scheduler {
	s, err := NewScheduler(getTestConfig(t, overrides))
	require.NoError(t, err)
	return s
}

func TestConfigErrors(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	newConfigWith := func(overrides map[string]any) error {
		ctx := CreateDefaultContext()
		ctx.SetParams(overrides)
		_, err := NewConfig(backend, ctx, *flagDataDir, nil)
		return err
	}

	for name, overrides := range map[string]map[string]any{
		"unknown schedule":   {"beta_schedule": "cosine"},
		"zero timesteps":     {"num_timesteps": 0},
		"negative timesteps": {"num_timesteps": -7},
		"inverted betas":     {"beta_start": 0.02, "beta_end": 1e-4},
		"beta start at zero": {"beta_start": 0.0},
		"beta end at one":    {"beta_end": 1.0},
		"zero coarse grid":   {"coarse_grid_size": 0},
		"zero fine grid":     {"fine_grid_size": 0},
	} {
		err := newConfigWith(overrides)
		require.Error(t, err, "%s", name)
		assert.True(t, errors.Is(err, ErrConfig), "%s: %v", name, err)
	}

	require.NoError(t, newConfigWith(nil))
}

func TestAddNoiseMatchesSchedule(t *testing.T) {
	s := getTestScheduler(t, nil)
	require.Equal(t, 100, s.TimestepCount())

	// With the grids at their all-ones initialization, diffusing the origin
	// with unit noise yields exactly the noise coefficient of the schedule.
	x0 := tensors.FromValue([][]float32{{0, 0}})
	noise := tensors.FromValue([][]float32{{1, 1}})
	timesteps := tensors.FromValue([]int32{50})

	noisy, err := s.AddNoise(x0, noise, timesteps)
	require.NoError(t, err)
	want := float32(s.Table().SqrtOneMinusAlphasCumprod[50])
	got := noisy.Value().([][]float32)
	assert.InDelta(t, want, got[0][0], 1e-6)
	assert.InDelta(t, want, got[0][1], 1e-6)
}

func TestAddNoiseRoundTrip(t *testing.T) {
	s := getTestScheduler(t, nil)
	cfg := s.Config()

	x0 := tensors.FromValue([][]float32{{0.5, -0.25}, {-0.8, 0.3}, {0.1, 0.9}})
	noise := tensors.FromValue([][]float32{{0.7, -1.3}, {0.2, 0.4}, {-1.1, 0.6}})
	timesteps := tensors.FromValue([]int32{3, 42, 80})

	noisy, err := s.AddNoise(x0, noise, timesteps)
	require.NoError(t, err)

	// Reconstructing with the true noise must undo the forward process: the
	// grids are all ones, so the noise is unadjusted.
	reconstructed, err := context.ExecOnce(cfg.Backend, cfg.Context,
		func(ctx *context.Context, xt, timesteps, noise *context.Node) *context.Node {
			return s.ReconstructX0Graph(xt, timesteps, noise)
		}, noisy, timesteps, noise)
	require.NoError(t, err)

	want := x0.Value().([][]float32)
	got := reconstructed.Value().([][]float32)
	for i := range want {
		assert.InDelta(t, want[i][0], got[i][0], 1e-4, "example %d", i)
		assert.InDelta(t, want[i][1], got[i][1], 1e-4, "example %d", i)
	}
}

func TestStepRange(t *testing.T) {
	s := getTestScheduler(t, nil)
	sample := tensors.FromValue([][]float32{{0.1, 0.2}})
	predicted := tensors.FromValue([][]float32{{0, 0}})

	_, err := s.Step(predicted, -1, sample)
	require.Error(t, err)
	_, err = s.Step(predicted, s.TimestepCount(), sample)
	require.Error(t, err)
}

func TestTerminalStepIsDeterministic(t *testing.T) {
	s := getTestScheduler(t, nil)
	sample := tensors.FromValue([][]float32{{0.4, -0.7}})
	predicted := tensors.FromValue([][]float32{{0.3, 0.1}})

	// Variance at t=0 is exactly zero, so repeated steps agree bit for bit
	// despite the fresh noise drawn inside the graph.
	first, err := s.Step(predicted, 0, sample)
	require.NoError(t, err)
	second, err := s.Step(predicted, 0, sample)
	require.NoError(t, err)
	assert.Equal(t, first.Value(), second.Value())
}

func TestSamplerProducesFinitePoints(t *testing.T) {
	s := getTestScheduler(t, map[string]any{
		"num_timesteps":  10,
		"embedding_size": 16,
		"hidden_size":    32,
		"hidden_layers":  1,
	})
	sampler := NewSampler(s, 8)
	samples, err := sampler.Generate()
	require.NoError(t, err)
	require.Equal(t, []int{8, 2}, samples.Shape().Dimensions)

	for _, point := range samples.Value().([][]float32) {
		for _, coordinate := range point {
			assert.False(t, math.IsNaN(float64(coordinate)))
			assert.False(t, math.IsInf(float64(coordinate), 0))
		}
	}
}

func TestSamplerDrawsFreshNoise(t *testing.T) {
	s := getTestScheduler(t, map[string]any{
		"num_timesteps":  10,
		"embedding_size": 16,
		"hidden_size":    32,
		"hidden_layers":  1,
	})
	sampler := NewSampler(s, 8)
	first, err := sampler.Generate()
	require.NoError(t, err)
	second, err := sampler.Generate()
	require.NoError(t, err)

	// Each batch starts from a fresh noise draw.
	assert.NotEqual(t, first.Value(), second.Value())
}

func TestSamplerSnapshots(t *testing.T) {
	s := getTestScheduler(t, map[string]any{
		"num_timesteps":  10,
		"embedding_size": 16,
		"hidden_size":    32,
		"hidden_layers":  1,
	})
	sampler := NewSampler(s, 4)
	sample, snapshots, err := sampler.GenerateEveryN(3)
	require.NoError(t, err)
	require.NotNil(t, sample)
	// 10 reverse steps with a snapshot every 3, the final step excluded.
	assert.Len(t, snapshots, 3)
}
