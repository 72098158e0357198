package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_NoFileGivesDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Errorf("Load(\"\") mismatch (-want +got):\n%s", diff)
	}
}

func TestDefault_Values(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 10, cfg.Model.HiddenUnits)
	assert.Equal(t, "relu", cfg.Model.Activation)
	assert.Equal(t, 3, cfg.Model.NumClasses)
	assert.Equal(t, 50, cfg.Training.Epochs)
	assert.Equal(t, 32, cfg.Training.BatchSize)
	assert.InDelta(t, 0.2, cfg.Training.ValidationSplit, 1e-12)
	assert.InDelta(t, 0.3, cfg.Data.TestFraction, 1e-12)
	assert.Equal(t, "experiment_mlops_ead", cfg.Tracking.RunName)
	assert.Equal(t, "fetal_health", cfg.Tracking.ModelName)
	assert.Equal(t, "best_model.json", cfg.Training.Checkpoint.Path)
	assert.Equal(t, 5, cfg.Training.EarlyStopping.Patience)
	assert.True(t, cfg.Training.EarlyStopping.RestoreBestWeights)
	require.NoError(t, cfg.Validate())
}

func TestParse_PartialOverride(t *testing.T) {
	src := `
model {
  hidden_units = 16
  activation   = "tanh"
}

training {
  epochs = 5

  early_stopping {
    patience = 2
  }
}
`
	cfg, err := Parse([]byte(src), "pipeline.hcl", nil)
	require.NoError(t, err)

	want := Default()
	want.Model.HiddenUnits = 16
	want.Model.Activation = "tanh"
	want.Training.Epochs = 5
	want.Training.EarlyStopping.Patience = 2

	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("Parse() mismatch (-want +got):\n%s", diff)
	}
}

func TestParse_EnvSubstitution(t *testing.T) {
	src := `
tracking {
  uri      = env.MLFLOW_TRACKING_URI
  username = env.MLFLOW_TRACKING_USERNAME
  password = env.MLFLOW_TRACKING_PASSWORD
  register = false
}
`
	env := map[string]string{
		"MLFLOW_TRACKING_URI":      "https://mlflow.example.com",
		"MLFLOW_TRACKING_USERNAME": "alice",
		"MLFLOW_TRACKING_PASSWORD": "s3cret",
	}
	cfg, err := Parse([]byte(src), "pipeline.hcl", env)
	require.NoError(t, err)

	assert.Equal(t, "https://mlflow.example.com", cfg.Tracking.URI)
	assert.Equal(t, "alice", cfg.Tracking.Username)
	assert.Equal(t, "s3cret", cfg.Tracking.Password)
	assert.False(t, cfg.Tracking.Register)
	assert.Equal(t, "fetal_health", cfg.Tracking.ModelName)
}

func TestParse_MissingEnvVariableFails(t *testing.T) {
	src := `
tracking {
  username = env.NOT_SET
}
`
	_, err := Parse([]byte(src), "pipeline.hcl", map[string]string{})
	require.Error(t, err)
}

func TestParse_DisableCallbacks(t *testing.T) {
	src := `
training {
  early_stopping {
    enabled = false
  }
  checkpoint {
    enabled = false
  }
}
`
	cfg, err := Parse([]byte(src), "pipeline.hcl", nil)
	require.NoError(t, err)
	assert.False(t, cfg.Training.EarlyStopping.Enabled)
	assert.False(t, cfg.Training.Checkpoint.Enabled)
}

func TestParse_ZeroSeedIsKept(t *testing.T) {
	src := `
data {
  seed = 0
}
model {
  seed = 0
}
`
	cfg, err := Parse([]byte(src), "pipeline.hcl", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), cfg.Data.Seed)
	assert.Equal(t, int64(0), cfg.Model.Seed)
}

func TestParse_LRSchedule(t *testing.T) {
	src := `
training {
  lr_schedule {
    kind     = "plateau"
    factor   = 0.5
    patience = 3
  }
}
`
	cfg, err := Parse([]byte(src), "pipeline.hcl", nil)
	require.NoError(t, err)
	assert.Equal(t, LRScheduleConfig{Kind: "plateau", Factor: 0.5, Patience: 3, Monitor: "val_loss"}, cfg.Training.LRSchedule)

	_, err = Parse([]byte("training {\n  lr_schedule {\n    kind = \"cyclic\"\n  }\n}\n"), "pipeline.hcl", nil)
	assert.True(t, errors.Is(err, ErrInvalid))
}

func TestParse_UnknownAttribute(t *testing.T) {
	_, err := Parse([]byte("model {\n  depth = 3\n}\n"), "pipeline.hcl", nil)
	require.Error(t, err)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.hcl")
	src := `
data {
  source       = "testdata/fetal.csv"
  test_fraction = 0.25
  seed         = 7
}
`
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "testdata/fetal.csv", cfg.Data.Source)
	assert.InDelta(t, 0.25, cfg.Data.TestFraction, 1e-12)
	assert.Equal(t, int64(7), cfg.Data.Seed)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.hcl"), nil)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero hidden units", func(c *Config) { c.Model.HiddenUnits = 0 }},
		{"one class", func(c *Config) { c.Model.NumClasses = 1 }},
		{"unknown activation", func(c *Config) { c.Model.Activation = "gelu" }},
		{"test fraction one", func(c *Config) { c.Data.TestFraction = 1 }},
		{"negative epochs", func(c *Config) { c.Training.Epochs = -1 }},
		{"zero batch", func(c *Config) { c.Training.BatchSize = 0 }},
		{"validation split one", func(c *Config) { c.Training.ValidationSplit = 1 }},
		{"zero learning rate", func(c *Config) { c.Training.LearningRate = 0 }},
		{"empty checkpoint path", func(c *Config) { c.Training.Checkpoint.Path = "" }},
		{"register without name", func(c *Config) { c.Tracking.ModelName = "" }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid))
		})
	}
}

func TestValidate_DisabledCheckpointIgnoresPath(t *testing.T) {
	cfg := Default()
	cfg.Training.Checkpoint.Enabled = false
	cfg.Training.Checkpoint.Path = ""
	assert.NoError(t, cfg.Validate())
}
