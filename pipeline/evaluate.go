package pipeline

import (
	"context"
	"fmt"
	"io"

	"github.com/tsawler/go-tabular/dataset"
	"github.com/tsawler/go-tabular/internal/ctxlog"
	"github.com/tsawler/go-tabular/tracking"
	"github.com/tsawler/go-tabular/training"
)

// ClassNames label the remapped fetal_health classes 0, 1 and 2.
var ClassNames = []string{"normal", "suspect", "pathological"}

// EvalResult is the outcome of Evaluate.
type EvalResult struct {
	Loss      float64
	Accuracy  float64
	MacroF1   float64
	Confusion *training.ConfusionMatrix
}

// Evaluate scores model on the held-out X and y, prints the loss and
// accuracy to out and logs them to run as test_loss and test_accuracy.
// The run may already be ended; metrics are attached to it regardless.
func Evaluate(ctx context.Context, run *tracking.Run, model *training.Model, X *dataset.FeatureMatrix, y []int, out io.Writer) (*EvalResult, error) {
	if run == nil || run.ID == "" {
		return nil, tracking.ErrNoActiveRun
	}
	if X == nil || X.Data == nil {
		return nil, fmt.Errorf("%w: no test features", training.ErrInvalidData)
	}
	if out == nil {
		out = io.Discard
	}

	loss, acc, err := model.Evaluate(X.Data, y)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate model: %w", err)
	}
	probs, err := model.Predict(X.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to predict test rows: %w", err)
	}
	cm := training.NewConfusionMatrix(model.NumClasses())
	if err := cm.UpdateFromPredictions(probs, y); err != nil {
		return nil, fmt.Errorf("failed to build confusion matrix: %w", err)
	}
	res := &EvalResult{
		Loss:      loss,
		Accuracy:  acc,
		MacroF1:   cm.GetMetric(training.MacroF1),
		Confusion: cm,
	}

	fmt.Fprintf(out, "Test Loss: %.4f\n", res.Loss)
	fmt.Fprintf(out, "Test Accuracy: %.4f\n", res.Accuracy)

	values := map[string]float64{
		"test_loss":     res.Loss,
		"test_accuracy": res.Accuracy,
		"test_macro_f1": res.MacroF1,
	}
	if err := run.LogMetrics(ctx, values, 0); err != nil {
		return res, fmt.Errorf("failed to log test metrics: %w", err)
	}
	if err := run.LogArtifact(ctx, "confusion_matrix.txt", []byte(cm.String())); err != nil {
		ctxlog.FromContext(ctx).Warn("failed to log confusion matrix", "error", err)
	}
	plot, err := training.NewConfusionMatrixPlot(run.Name, cm, ClassNames).ToJSON()
	if err == nil {
		err = run.LogArtifact(ctx, "plots/confusion_matrix.json", plot)
	}
	if err != nil {
		ctxlog.FromContext(ctx).Warn("failed to log confusion matrix plot", "error", err)
	}

	ctxlog.FromContext(ctx).Info("evaluation complete", "test_loss", res.Loss, "test_accuracy", res.Accuracy, "test_macro_f1", res.MacroF1)
	return res, nil
}
