// Package config loads the pipeline configuration from an HCL file.
//
// Every block and attribute is optional; anything left out keeps the value
// from Default. The variable env exposes the environment map handed to
// Load, so a file can say
//
//	tracking {
//	  uri      = env.MLFLOW_TRACKING_URI
//	  username = env.MLFLOW_TRACKING_USERNAME
//	}
package config

import (
	"errors"
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/tsawler/go-tabular/dataset"
	"github.com/tsawler/go-tabular/preprocessing"
	"github.com/tsawler/go-tabular/tracking"
	"github.com/tsawler/go-tabular/training"
	"github.com/zclconf/go-cty/cty"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the complete pipeline configuration.
type Config struct {
	Data     DataConfig
	Model    ModelConfig
	Training TrainingConfig
	Tracking TrackingConfig
}

// DataConfig selects the dataset and how it is split.
type DataConfig struct {
	Source       string
	LabelColumn  string
	TestFraction float64
	Seed         int64
}

// ModelConfig shapes the classifier.
type ModelConfig struct {
	HiddenUnits int
	Activation  string
	NumClasses  int
	Seed        int64
}

// TrainingConfig controls the fit.
type TrainingConfig struct {
	Epochs          int
	BatchSize       int
	ValidationSplit float64
	LearningRate    float64
	Verbose         int

	EarlyStopping EarlyStoppingConfig
	Checkpoint    CheckpointConfig
	LRSchedule    LRScheduleConfig
}

// EarlyStoppingConfig configures the early stopping callback.
type EarlyStoppingConfig struct {
	Enabled            bool
	Monitor            string
	Patience           int
	RestoreBestWeights bool
}

// CheckpointConfig configures the best-model checkpoint callback.
type CheckpointConfig struct {
	Enabled bool
	Path    string
	Monitor string
}

// LRScheduleConfig selects a learning rate schedule. Kind is one of
// "step", "exponential", "cosine" or "plateau"; empty or "none" keeps the
// rate constant. Zero parameters take the schedule's own defaults.
type LRScheduleConfig struct {
	Kind     string
	StepSize int
	Gamma    float64
	TMax     int
	EtaMin   float64
	Factor   float64
	Patience int
	MinLR    float64
	Monitor  string
}

// TrackingConfig configures the experiment tracking backend.
type TrackingConfig struct {
	URI          string
	ArtifactRoot string
	Experiment   string
	RunName      string
	ModelName    string
	Register     bool
	Username     string
	Password     string

	Autolog AutologConfig
}

// AutologConfig selects which artifacts are logged automatically.
type AutologConfig struct {
	Models        bool
	InputExamples bool
	Signatures    bool
	Plots         bool
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Data: DataConfig{
			Source:       dataset.DefaultSource,
			LabelColumn:  dataset.DefaultLabelColumn,
			TestFraction: preprocessing.DefaultTestFraction,
			Seed:         preprocessing.DefaultSeed,
		},
		Model: ModelConfig{
			HiddenUnits: 10,
			Activation:  "relu",
			NumClasses:  3,
			Seed:        42,
		},
		Training: TrainingConfig{
			Epochs:          training.DefaultEpochs,
			BatchSize:       training.DefaultBatchSize,
			ValidationSplit: training.DefaultValidationSplit,
			LearningRate:    0.001,
			Verbose:         1,
			EarlyStopping: EarlyStoppingConfig{
				Enabled:            true,
				Monitor:            "val_loss",
				Patience:           5,
				RestoreBestWeights: true,
			},
			Checkpoint: CheckpointConfig{
				Enabled: true,
				Path:    "best_model.json",
				Monitor: "val_loss",
			},
			LRSchedule: LRScheduleConfig{
				Monitor: "val_loss",
			},
		},
		Tracking: TrackingConfig{
			URI:        tracking.DefaultURI,
			Experiment: "fetal-health",
			RunName:    "experiment_mlops_ead",
			ModelName:  "fetal_health",
			Register:   true,
			Autolog: AutologConfig{
				Models:        true,
				InputExamples: true,
				Signatures:    true,
				Plots:         true,
			},
		},
	}
}

type hclFile struct {
	Data     *hclData     `hcl:"data,block"`
	Model    *hclModel    `hcl:"model,block"`
	Training *hclTraining `hcl:"training,block"`
	Tracking *hclTracking `hcl:"tracking,block"`
}

type hclData struct {
	Source       *string  `hcl:"source,optional"`
	LabelColumn  *string  `hcl:"label_column,optional"`
	TestFraction *float64 `hcl:"test_fraction,optional"`
	Seed         *int64   `hcl:"seed,optional"`
}

type hclModel struct {
	HiddenUnits *int    `hcl:"hidden_units,optional"`
	Activation  *string `hcl:"activation,optional"`
	NumClasses  *int    `hcl:"num_classes,optional"`
	Seed        *int64  `hcl:"seed,optional"`
}

type hclTraining struct {
	Epochs          *int     `hcl:"epochs,optional"`
	BatchSize       *int     `hcl:"batch_size,optional"`
	ValidationSplit *float64 `hcl:"validation_split,optional"`
	LearningRate    *float64 `hcl:"learning_rate,optional"`
	Verbose         *int     `hcl:"verbose,optional"`

	EarlyStopping *hclEarlyStopping `hcl:"early_stopping,block"`
	Checkpoint    *hclCheckpoint    `hcl:"checkpoint,block"`
	LRSchedule    *hclLRSchedule    `hcl:"lr_schedule,block"`
}

type hclEarlyStopping struct {
	Enabled            *bool   `hcl:"enabled,optional"`
	Monitor            *string `hcl:"monitor,optional"`
	Patience           *int    `hcl:"patience,optional"`
	RestoreBestWeights *bool   `hcl:"restore_best_weights,optional"`
}

type hclCheckpoint struct {
	Enabled *bool   `hcl:"enabled,optional"`
	Path    *string `hcl:"path,optional"`
	Monitor *string `hcl:"monitor,optional"`
}

type hclLRSchedule struct {
	Kind     string   `hcl:"kind"`
	StepSize *int     `hcl:"step_size,optional"`
	Gamma    *float64 `hcl:"gamma,optional"`
	TMax     *int     `hcl:"t_max,optional"`
	EtaMin   *float64 `hcl:"eta_min,optional"`
	Factor   *float64 `hcl:"factor,optional"`
	Patience *int     `hcl:"patience,optional"`
	MinLR    *float64 `hcl:"min_lr,optional"`
	Monitor  *string  `hcl:"monitor,optional"`
}

type hclTracking struct {
	URI          *string `hcl:"uri,optional"`
	ArtifactRoot *string `hcl:"artifact_root,optional"`
	Experiment   *string `hcl:"experiment,optional"`
	RunName      *string `hcl:"run_name,optional"`
	ModelName    *string `hcl:"model_name,optional"`
	Register     *bool   `hcl:"register,optional"`
	Username     *string `hcl:"username,optional"`
	Password     *string `hcl:"password,optional"`

	Autolog *hclAutolog `hcl:"autolog,block"`
}

type hclAutolog struct {
	Models        *bool `hcl:"models,optional"`
	InputExamples *bool `hcl:"input_examples,optional"`
	Signatures    *bool `hcl:"signatures,optional"`
	Plots         *bool `hcl:"plots,optional"`
}

// EvalContext exposes env as an object variable.
func EvalContext(env map[string]string) *hcl.EvalContext {
	vals := make(map[string]cty.Value, len(env))
	for k, v := range env {
		vals[k] = cty.StringVal(v)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"env": cty.ObjectVal(vals)},
	}
}

// Load reads the HCL file at path on top of Default and validates the
// result. An empty path returns the validated defaults.
func Load(path string, env map[string]string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	file, diags := hclparse.NewParser().ParseHCLFile(path)
	if diags.HasErrors() {
		return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, diags)
	}
	if err := decode(file.Body, env, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config file %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Parse is Load for in-memory source; filename is only used in messages.
func Parse(src []byte, filename string, env map[string]string) (Config, error) {
	cfg := Default()
	file, diags := hclparse.NewParser().ParseHCL(src, filename)
	if diags.HasErrors() {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", filename, diags)
	}
	if err := decode(file.Body, env, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config %s: %w", filename, err)
	}
	return cfg, cfg.Validate()
}

func decode(body hcl.Body, env map[string]string, cfg *Config) error {
	var f hclFile
	if diags := gohcl.DecodeBody(body, EvalContext(env), &f); diags.HasErrors() {
		return diags
	}

	if d := f.Data; d != nil {
		set(&cfg.Data.Source, d.Source)
		set(&cfg.Data.LabelColumn, d.LabelColumn)
		set(&cfg.Data.TestFraction, d.TestFraction)
		set(&cfg.Data.Seed, d.Seed)
	}
	if m := f.Model; m != nil {
		set(&cfg.Model.HiddenUnits, m.HiddenUnits)
		set(&cfg.Model.Activation, m.Activation)
		set(&cfg.Model.NumClasses, m.NumClasses)
		set(&cfg.Model.Seed, m.Seed)
	}
	if t := f.Training; t != nil {
		set(&cfg.Training.Epochs, t.Epochs)
		set(&cfg.Training.BatchSize, t.BatchSize)
		set(&cfg.Training.ValidationSplit, t.ValidationSplit)
		set(&cfg.Training.LearningRate, t.LearningRate)
		set(&cfg.Training.Verbose, t.Verbose)
		if es := t.EarlyStopping; es != nil {
			cfg.Training.EarlyStopping.Enabled = true
			set(&cfg.Training.EarlyStopping.Enabled, es.Enabled)
			set(&cfg.Training.EarlyStopping.Monitor, es.Monitor)
			set(&cfg.Training.EarlyStopping.Patience, es.Patience)
			set(&cfg.Training.EarlyStopping.RestoreBestWeights, es.RestoreBestWeights)
		}
		if cp := t.Checkpoint; cp != nil {
			cfg.Training.Checkpoint.Enabled = true
			set(&cfg.Training.Checkpoint.Enabled, cp.Enabled)
			set(&cfg.Training.Checkpoint.Path, cp.Path)
			set(&cfg.Training.Checkpoint.Monitor, cp.Monitor)
		}
		if lr := t.LRSchedule; lr != nil {
			cfg.Training.LRSchedule.Kind = lr.Kind
			set(&cfg.Training.LRSchedule.StepSize, lr.StepSize)
			set(&cfg.Training.LRSchedule.Gamma, lr.Gamma)
			set(&cfg.Training.LRSchedule.TMax, lr.TMax)
			set(&cfg.Training.LRSchedule.EtaMin, lr.EtaMin)
			set(&cfg.Training.LRSchedule.Factor, lr.Factor)
			set(&cfg.Training.LRSchedule.Patience, lr.Patience)
			set(&cfg.Training.LRSchedule.MinLR, lr.MinLR)
			set(&cfg.Training.LRSchedule.Monitor, lr.Monitor)
		}
	}
	if tr := f.Tracking; tr != nil {
		set(&cfg.Tracking.URI, tr.URI)
		set(&cfg.Tracking.ArtifactRoot, tr.ArtifactRoot)
		set(&cfg.Tracking.Experiment, tr.Experiment)
		set(&cfg.Tracking.RunName, tr.RunName)
		set(&cfg.Tracking.ModelName, tr.ModelName)
		set(&cfg.Tracking.Register, tr.Register)
		set(&cfg.Tracking.Username, tr.Username)
		set(&cfg.Tracking.Password, tr.Password)
		if a := tr.Autolog; a != nil {
			set(&cfg.Tracking.Autolog.Models, a.Models)
			set(&cfg.Tracking.Autolog.InputExamples, a.InputExamples)
			set(&cfg.Tracking.Autolog.Signatures, a.Signatures)
			set(&cfg.Tracking.Autolog.Plots, a.Plots)
		}
	}
	return nil
}

func set[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

// Validate rejects values the pipeline cannot run with.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Data.LabelColumn != "", "data.label_column must not be empty")
	check(c.Data.TestFraction > 0 && c.Data.TestFraction < 1, "data.test_fraction must be in (0, 1), got %v", c.Data.TestFraction)
	check(c.Model.HiddenUnits > 0, "model.hidden_units must be positive, got %d", c.Model.HiddenUnits)
	check(c.Model.NumClasses >= 2, "model.num_classes must be at least 2, got %d", c.Model.NumClasses)
	switch c.Model.Activation {
	case "relu", "tanh", "sigmoid":
	default:
		check(false, "model.activation must be relu, tanh or sigmoid, got %q", c.Model.Activation)
	}
	check(c.Training.Epochs > 0, "training.epochs must be positive, got %d", c.Training.Epochs)
	check(c.Training.BatchSize > 0, "training.batch_size must be positive, got %d", c.Training.BatchSize)
	check(c.Training.ValidationSplit >= 0 && c.Training.ValidationSplit < 1, "training.validation_split must be in [0, 1), got %v", c.Training.ValidationSplit)
	check(c.Training.LearningRate > 0, "training.learning_rate must be positive, got %v", c.Training.LearningRate)
	if c.Training.EarlyStopping.Enabled {
		check(c.Training.EarlyStopping.Patience >= 0, "training.early_stopping.patience must not be negative")
		check(c.Training.EarlyStopping.Monitor != "", "training.early_stopping.monitor must not be empty")
	}
	if c.Training.Checkpoint.Enabled {
		check(c.Training.Checkpoint.Path != "", "training.checkpoint.path must not be empty")
		check(c.Training.Checkpoint.Monitor != "", "training.checkpoint.monitor must not be empty")
	}
	switch c.Training.LRSchedule.Kind {
	case "", "none", "step", "exponential", "cosine":
	case "plateau":
		check(c.Training.LRSchedule.Monitor != "", "training.lr_schedule.monitor must not be empty")
	default:
		check(false, "training.lr_schedule.kind must be step, exponential, cosine, plateau or none, got %q", c.Training.LRSchedule.Kind)
	}
	if c.Tracking.Register {
		check(c.Tracking.ModelName != "", "tracking.model_name must be set when register is true")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}
