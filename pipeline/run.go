package pipeline

import (
	"context"
	"fmt"
	"io"

	"github.com/tsawler/go-tabular/checkpoints"
	"github.com/tsawler/go-tabular/config"
	"github.com/tsawler/go-tabular/dataset"
	"github.com/tsawler/go-tabular/internal/ctxlog"
	"github.com/tsawler/go-tabular/preprocessing"
	"github.com/tsawler/go-tabular/tracking"
	"github.com/tsawler/go-tabular/training"
)

// Result collects what a pipeline run produced.
type Result struct {
	Split   *preprocessing.Split
	Model   *training.Model
	Run     *tracking.Run
	History *training.History
	Eval    *EvalResult
}

// Run loads the data named by cfg, preprocesses it, trains a model under a
// tracking run and evaluates it on the test split. Training progress and
// the test scores are written to out.
func Run(ctx context.Context, cfg config.Config, tracker tracking.Tracker, out io.Writer) (*Result, error) {
	log := ctxlog.FromContext(ctx)

	features, labels, err := dataset.Load(ctx, cfg.Data.Source, dataset.LoadOptions{LabelColumn: cfg.Data.LabelColumn})
	if err != nil {
		return nil, fmt.Errorf("failed to load data: %w", err)
	}
	log.Info("dataset loaded", "rows", features.Rows(), "features", features.Width())

	split, err := preprocessing.Process(features, labels, preprocessing.ProcessOptions{
		TestFraction: cfg.Data.TestFraction,
		Seed:         cfg.Data.Seed,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to preprocess data: %w", err)
	}
	log.Info("data split", "train_rows", split.TrainX.Rows(), "test_rows", split.TestX.Rows())
	res := &Result{Split: split}

	model, err := BuildModelFor(split.TrainX, ModelConfig{
		HiddenUnits:  cfg.Model.HiddenUnits,
		Activation:   cfg.Model.Activation,
		NumClasses:   cfg.Model.NumClasses,
		LearningRate: cfg.Training.LearningRate,
	}, NewRNG(cfg.Model.Seed))
	if err != nil {
		return res, err
	}
	model.Normalization = &checkpoints.Normalization{
		Columns: append([]string(nil), split.TrainX.Columns...),
		Mean:    split.Scaler.Mean,
		Scale:   split.Scaler.Scale,
	}
	res.Model = model
	if cfg.Training.Verbose > 0 && out != nil {
		training.NewModelArchitecturePrinter("FetalHealthClassifier").PrintArchitecture(out, model.Spec)
	}

	model, run, err := TrainModel(ctx, tracker, model, split.TrainX, split.TrainY, TrainOptionsFromConfig(cfg, out))
	res.Run = run
	if err != nil {
		return res, err
	}
	res.History = model.History

	eval, err := Evaluate(ctx, run, model, split.TestX, split.TestY, out)
	if err != nil {
		return res, err
	}
	res.Eval = eval
	return res, nil
}

// TrainOptionsFromConfig maps the training and tracking sections of cfg.
func TrainOptionsFromConfig(cfg config.Config, out io.Writer) TrainOptions {
	t := cfg.Training
	opts := TrainOptions{
		Epochs:          t.Epochs,
		BatchSize:       t.BatchSize,
		ValidationSplit: t.ValidationSplit,
		Experiment:      cfg.Tracking.Experiment,
		RunName:         cfg.Tracking.RunName,
		Register:        cfg.Tracking.Register,
		ModelName:       cfg.Tracking.ModelName,
		Rand:            NewRNG(cfg.Model.Seed),
		Verbose:         t.Verbose,
		Output:          out,
	}
	if t.EarlyStopping.Enabled {
		es := training.NewEarlyStopping(t.EarlyStopping.Patience, t.EarlyStopping.RestoreBestWeights)
		es.Monitor = t.EarlyStopping.Monitor
		opts.EarlyStopping = es
	}
	if t.Checkpoint.Enabled {
		mc := training.NewModelCheckpoint(t.Checkpoint.Path)
		mc.Monitor = t.Checkpoint.Monitor
		opts.Checkpoint = mc
	}
	opts.LRSchedule = lrSchedule(t.LRSchedule)
	autolog := tracking.DefaultAutologConfig()
	autolog.LogModels = cfg.Tracking.Autolog.Models
	autolog.LogInputExamples = cfg.Tracking.Autolog.InputExamples
	autolog.LogModelSignatures = cfg.Tracking.Autolog.Signatures
	autolog.LogPlots = cfg.Tracking.Autolog.Plots
	opts.Autolog = &autolog
	return opts
}

func lrSchedule(c config.LRScheduleConfig) training.Callback {
	switch c.Kind {
	case "step":
		return training.NewLearningRateScheduler(training.NewStepLR(c.StepSize, c.Gamma))
	case "exponential":
		return training.NewLearningRateScheduler(training.NewExponentialLR(c.Gamma))
	case "cosine":
		return training.NewLearningRateScheduler(training.NewCosineAnnealingLR(c.TMax, c.EtaMin))
	case "plateau":
		r := training.NewReduceLROnPlateau(c.Factor, c.Patience, c.MinLR)
		r.Monitor = c.Monitor
		return r
	default:
		return nil
	}
}
