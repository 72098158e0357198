package training

import (
	"context"
	"encoding/json"
	"testing"
)

func TestVisualizationCollectorRecordsEpochs(t *testing.T) {
	vc := NewVisualizationCollector("TestModel")

	vc.RecordEpoch(TrainingMetrics{Epoch: 0, TrainLoss: 1.0, TrainAccuracy: 0.4, ValidLoss: 1.1, ValidAccuracy: 0.3, HasValidation: true, LearningRate: 0.01})
	vc.RecordEpoch(TrainingMetrics{Epoch: 1, TrainLoss: 0.8, TrainAccuracy: 0.6, ValidLoss: 0.9, ValidAccuracy: 0.5, HasValidation: true, LearningRate: 0.005})

	if vc.Epochs() != 2 {
		t.Fatalf("Expected 2 epochs, got %d", vc.Epochs())
	}

	plot := vc.GenerateTrainingCurvesPlot()
	if plot.PlotType != TrainingCurves {
		t.Errorf("Expected plot type %s, got %s", TrainingCurves, plot.PlotType)
	}
	if len(plot.Series) != 4 {
		t.Fatalf("Expected 4 series with validation data, got %d", len(plot.Series))
	}
	names := []string{"Training Loss", "Training Accuracy", "Validation Loss", "Validation Accuracy"}
	for i, name := range names {
		if plot.Series[i].Name != name {
			t.Errorf("Series %d: expected %q, got %q", i, name, plot.Series[i].Name)
		}
		if len(plot.Series[i].Data) != 2 {
			t.Errorf("Series %q: expected 2 points, got %d", name, len(plot.Series[i].Data))
		}
	}
	if x := plot.Series[0].Data[1].X; x != 2 {
		t.Errorf("Expected one-based epoch 2 on the x axis, got %v", x)
	}
	if y := plot.Series[2].Data[0].Y; y != 1.1 {
		t.Errorf("Expected first validation loss 1.1, got %v", y)
	}

	lr := vc.GenerateLearningRatePlot()
	if lr.Config.YAxisScale != "log" {
		t.Errorf("Expected log y axis, got %s", lr.Config.YAxisScale)
	}
	if got := lr.Series[0].Data[1].Y; got != 0.005 {
		t.Errorf("Expected learning rate 0.005, got %v", got)
	}
}

func TestVisualizationCollectorWithoutValidation(t *testing.T) {
	vc := NewVisualizationCollector("TestModel")
	vc.RecordEpoch(TrainingMetrics{Epoch: 0, TrainLoss: 1.0, LearningRate: 0.001})

	if n := len(vc.GenerateTrainingCurvesPlot().Series); n != 2 {
		t.Errorf("Expected 2 series without validation, got %d", n)
	}
}

func TestVisualizationCollectorAsCallback(t *testing.T) {
	m := testModel(t, 2, 4, 3, 1)
	vc := NewVisualizationCollector("TestModel")
	vc.RecordEpoch(TrainingMetrics{Epoch: 7, LearningRate: 1})

	ctx := context.Background()
	if err := vc.OnTrainBegin(ctx, m); err != nil {
		t.Fatal(err)
	}
	if vc.Epochs() != 0 {
		t.Fatalf("OnTrainBegin should clear old epochs, have %d", vc.Epochs())
	}
	if err := vc.OnEpochEnd(ctx, m, TrainingMetrics{Epoch: 0, TrainLoss: 0.5, LearningRate: 0.02}); err != nil {
		t.Fatal(err)
	}
	if got := vc.learningRates[0]; got != 0.02 {
		t.Errorf("Expected recorded LR 0.02, got %v", got)
	}
}

func TestConfusionMatrixPlot(t *testing.T) {
	cm := NewConfusionMatrix(3)
	if err := cm.Update([]int{0, 1, 2, 2}, []int{0, 1, 1, 2}); err != nil {
		t.Fatal(err)
	}

	plot := NewConfusionMatrixPlot("TestModel", cm, []string{"normal", "suspect"})
	if plot.PlotType != ConfusionMatrixPlot {
		t.Errorf("Expected plot type %s, got %s", ConfusionMatrixPlot, plot.PlotType)
	}
	data := plot.Series[0].Data
	if len(data) != 9 {
		t.Fatalf("Expected 9 heatmap cells, got %d", len(data))
	}
	// row 2, column 1
	if cell := data[7]; cell.Z != 1 || cell.Label != "True: 2, Pred: suspect" {
		t.Errorf("Unexpected cell: %+v", cell)
	}

	raw, err := plot.ToJSON()
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("Plot JSON does not parse: %v", err)
	}
	if decoded["plot_type"] != "confusion_matrix" {
		t.Errorf("Expected plot_type confusion_matrix, got %v", decoded["plot_type"])
	}
	if acc := plot.Metrics["accuracy"]; acc != 0.75 {
		t.Errorf("Expected accuracy 0.75, got %v", acc)
	}
}
