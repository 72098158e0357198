package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"

	"github.com/tsawler/go-tabular/dataset"
	"github.com/tsawler/go-tabular/internal/ctxlog"
	"github.com/tsawler/go-tabular/tracking"
	"github.com/tsawler/go-tabular/training"
)

const (
	DefaultRunName        = "experiment_mlops_ead"
	DefaultModelName      = "fetal_health"
	DefaultCheckpointPath = "best_model.json"
)

// TrainOptions configures TrainModel.
type TrainOptions struct {
	Epochs          int
	BatchSize       int
	ValidationSplit float64

	// EarlyStopping is attached when non-nil.
	EarlyStopping *training.EarlyStopping
	// Checkpoint is attached when non-nil.
	Checkpoint *training.ModelCheckpoint
	// LRSchedule adjusts the learning rate between epochs when non-nil.
	LRSchedule training.Callback

	Experiment string
	RunName    string
	Tags       map[string]string
	// Register adds the logged model to the registry as ModelName.
	Register  bool
	ModelName string
	// Autolog mirrors the fit into the run when non-nil.
	Autolog *tracking.AutologConfig

	Rand    *rand.Rand // Shuffles training rows; seed 42 when nil
	Verbose int
	Output  io.Writer
}

// DefaultTrainOptions returns 50 epochs of batch 32 with 20% validation,
// early stopping on val_loss with patience 5, a best_model.json checkpoint,
// full autologging and registration as fetal_health.
func DefaultTrainOptions() TrainOptions {
	autolog := tracking.DefaultAutologConfig()
	return TrainOptions{
		Epochs:          training.DefaultEpochs,
		BatchSize:       training.DefaultBatchSize,
		ValidationSplit: training.DefaultValidationSplit,
		EarlyStopping:   training.NewEarlyStopping(5, true),
		Checkpoint:      training.NewModelCheckpoint(DefaultCheckpointPath),
		RunName:         DefaultRunName,
		Register:        true,
		ModelName:       DefaultModelName,
		Autolog:         &autolog,
		Verbose:         1,
	}
}

// TrainModel fits model on X and y inside a new tracking run and returns
// the fitted model together with the run, which is already ended: FINISHED
// on success, FAILED otherwise. On failure the model may hold partial
// updates.
func TrainModel(ctx context.Context, tracker tracking.Tracker, model *training.Model, X *dataset.FeatureMatrix, y []int, opts TrainOptions) (_ *training.Model, _ *tracking.Run, err error) {
	if model == nil {
		return nil, nil, errors.New("pipeline: nil model")
	}
	if X == nil || X.Data == nil || X.Rows() == 0 || y == nil {
		return model, nil, fmt.Errorf("%w: features and labels are required", training.ErrInvalidData)
	}
	if tracker == nil {
		return model, nil, fmt.Errorf("pipeline: nil tracker: %w", tracking.ErrNoActiveRun)
	}
	if opts.RunName == "" {
		opts.RunName = DefaultRunName
	}
	if opts.ModelName == "" {
		opts.ModelName = DefaultModelName
	}

	run, err := tracking.StartRun(ctx, tracker, opts.Experiment, opts.RunName, opts.Tags)
	if err != nil {
		return model, nil, err
	}
	ctx = ctxlog.With(ctx, "run_id", run.ID)
	log := ctxlog.FromContext(ctx)
	log.Info("training run started", "run_name", run.Name, "experiment_id", run.ExperimentID)

	defer func() {
		status := tracking.StatusFinished
		if err != nil {
			status = tracking.StatusFailed
		}
		if endErr := run.End(ctx, status); endErr != nil {
			if err == nil {
				err = endErr
			} else {
				log.Warn("failed to end run", "error", endErr)
			}
		}
		log.Info("training run ended", "status", status.String())
	}()

	tc := training.TrainingConfig{
		Epochs:          opts.Epochs,
		BatchSize:       opts.BatchSize,
		ValidationSplit: opts.ValidationSplit,
		Shuffle:         true,
		Rand:            opts.Rand,
		Verbose:         opts.Verbose,
		Output:          opts.Output,
	}
	if opts.EarlyStopping != nil {
		tc.Callbacks = append(tc.Callbacks, opts.EarlyStopping)
	}
	if opts.Checkpoint != nil {
		tc.Callbacks = append(tc.Callbacks, opts.Checkpoint)
	}
	if opts.LRSchedule != nil {
		tc.Callbacks = append(tc.Callbacks, opts.LRSchedule)
	}

	artifactPath := "model"
	if opts.Autolog != nil {
		autolog := tracking.NewAutologger(run, *opts.Autolog, tc)
		autolog.SetInputExample(X.Columns, X.Data)
		artifactPath = autolog.ModelArtifactPath()
		tc.Callbacks = append(tc.Callbacks, autolog)
	}

	history, err := model.Fit(ctx, X.Data, y, tc)
	if err != nil {
		return model, run, fmt.Errorf("failed to fit model: %w", err)
	}
	log.Info("training complete", "epochs", history.Len(), "stop_reason", history.StopReason.String())

	if opts.Register {
		version, err := run.RegisterModel(ctx, opts.ModelName, artifactPath)
		if err != nil {
			return model, run, fmt.Errorf("failed to register model %q: %w", opts.ModelName, err)
		}
		log.Info("model registered", "name", version.Name, "version", version.Version)
	}
	return model, run, nil
}
