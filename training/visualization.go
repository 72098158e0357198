package training

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// PlotType names a kind of plot.
type PlotType string

const (
	TrainingCurves       PlotType = "training_curves"
	LearningRateSchedule PlotType = "learning_rate_schedule"
	ConfusionMatrixPlot  PlotType = "confusion_matrix"
)

// PlotData is a renderer-neutral JSON description of one plot.
type PlotData struct {
	PlotType  PlotType  `json:"plot_type"`
	Title     string    `json:"title"`
	Timestamp time.Time `json:"timestamp"`
	ModelName string    `json:"model_name"`

	Series []SeriesData `json:"series"`
	Config PlotConfig   `json:"config"`

	Metrics map[string]interface{} `json:"metrics,omitempty"`
}

// SeriesData is a single data series in a plot.
type SeriesData struct {
	Name  string                 `json:"name"`
	Type  string                 `json:"type"` // "line", "heatmap"
	Data  []DataPoint            `json:"data"`
	Style map[string]interface{} `json:"style,omitempty"`
}

// DataPoint is one point; Z holds the cell value of heatmaps.
type DataPoint struct {
	X     interface{} `json:"x"`
	Y     interface{} `json:"y"`
	Z     interface{} `json:"z,omitempty"`
	Label string      `json:"label,omitempty"`
}

// PlotConfig carries axis and layout hints.
type PlotConfig struct {
	XAxisLabel    string                 `json:"x_axis_label"`
	YAxisLabel    string                 `json:"y_axis_label"`
	XAxisScale    string                 `json:"x_axis_scale"`
	YAxisScale    string                 `json:"y_axis_scale"`
	ShowLegend    bool                   `json:"show_legend"`
	ShowGrid      bool                   `json:"show_grid"`
	Width         int                    `json:"width"`
	Height        int                    `json:"height"`
	CustomOptions map[string]interface{} `json:"custom_options,omitempty"`
}

// ToJSON renders the plot.
func (pd PlotData) ToJSON() ([]byte, error) {
	return json.MarshalIndent(pd, "", "  ")
}

// VisualizationCollector is a callback that records per-epoch metrics and
// the learning rate in effect during each epoch.
type VisualizationCollector struct {
	modelName string

	epochs             []int
	trainingLoss       []float64
	trainingAccuracy   []float64
	validationLoss     []float64
	validationAccuracy []float64
	learningRates      []float64
}

func NewVisualizationCollector(modelName string) *VisualizationCollector {
	return &VisualizationCollector{modelName: modelName}
}

func (vc *VisualizationCollector) OnTrainBegin(_ context.Context, _ *Model) error {
	vc.Clear()
	return nil
}

func (vc *VisualizationCollector) OnEpochEnd(_ context.Context, m *Model, metrics TrainingMetrics) error {
	vc.RecordEpoch(metrics)
	return nil
}

// RecordEpoch appends one epoch.
func (vc *VisualizationCollector) RecordEpoch(metrics TrainingMetrics) {
	vc.epochs = append(vc.epochs, metrics.Epoch+1)
	vc.trainingLoss = append(vc.trainingLoss, metrics.TrainLoss)
	vc.trainingAccuracy = append(vc.trainingAccuracy, metrics.TrainAccuracy)
	if metrics.HasValidation {
		vc.validationLoss = append(vc.validationLoss, metrics.ValidLoss)
		vc.validationAccuracy = append(vc.validationAccuracy, metrics.ValidAccuracy)
	}
	vc.learningRates = append(vc.learningRates, metrics.LearningRate)
}

// Epochs returns the number of recorded epochs.
func (vc *VisualizationCollector) Epochs() int { return len(vc.epochs) }

// Clear drops everything recorded so far.
func (vc *VisualizationCollector) Clear() {
	vc.epochs = vc.epochs[:0]
	vc.trainingLoss = vc.trainingLoss[:0]
	vc.trainingAccuracy = vc.trainingAccuracy[:0]
	vc.validationLoss = vc.validationLoss[:0]
	vc.validationAccuracy = vc.validationAccuracy[:0]
	vc.learningRates = vc.learningRates[:0]
}

func (vc *VisualizationCollector) lineSeries(name, color string, values []float64, dashed bool) SeriesData {
	s := SeriesData{
		Name:  name,
		Type:  "line",
		Data:  make([]DataPoint, len(values)),
		Style: map[string]interface{}{"color": color, "line_width": 2},
	}
	if dashed {
		s.Style["line_style"] = "dashed"
	}
	for i, v := range values {
		s.Data[i] = DataPoint{X: vc.epochs[i], Y: v}
	}
	return s
}

// GenerateTrainingCurvesPlot plots loss and accuracy per epoch, with the
// validation series when they were recorded.
func (vc *VisualizationCollector) GenerateTrainingCurvesPlot() PlotData {
	series := []SeriesData{
		vc.lineSeries("Training Loss", "#FF6B6B", vc.trainingLoss, false),
		vc.lineSeries("Training Accuracy", "#4ECDC4", vc.trainingAccuracy, false),
	}
	if len(vc.validationLoss) > 0 {
		series = append(series,
			vc.lineSeries("Validation Loss", "#FF9F43", vc.validationLoss, true),
			vc.lineSeries("Validation Accuracy", "#5F27CD", vc.validationAccuracy, true),
		)
	}

	return PlotData{
		PlotType:  TrainingCurves,
		Title:     fmt.Sprintf("Training Curves - %s", vc.modelName),
		Timestamp: time.Now(),
		ModelName: vc.modelName,
		Series:    series,
		Config: PlotConfig{
			XAxisLabel: "Epoch",
			YAxisLabel: "Loss / Accuracy",
			XAxisScale: "linear",
			YAxisScale: "linear",
			ShowLegend: true,
			ShowGrid:   true,
			Width:      800,
			Height:     600,
		},
	}
}

// GenerateLearningRatePlot plots the learning rate per epoch on a log axis.
func (vc *VisualizationCollector) GenerateLearningRatePlot() PlotData {
	return PlotData{
		PlotType:  LearningRateSchedule,
		Title:     fmt.Sprintf("Learning Rate Schedule - %s", vc.modelName),
		Timestamp: time.Now(),
		ModelName: vc.modelName,
		Series:    []SeriesData{vc.lineSeries("Learning Rate", "#6C5CE7", vc.learningRates, false)},
		Config: PlotConfig{
			XAxisLabel: "Epoch",
			YAxisLabel: "Learning Rate",
			XAxisScale: "linear",
			YAxisScale: "log",
			ShowLegend: true,
			ShowGrid:   true,
			Width:      800,
			Height:     400,
		},
	}
}

// NewConfusionMatrixPlot renders cm as a heatmap with true classes on the
// y axis. Missing class names default to the class index.
func NewConfusionMatrixPlot(modelName string, cm *ConfusionMatrix, classNames []string) PlotData {
	names := make([]string, cm.NumClasses)
	for i := range names {
		if i < len(classNames) {
			names[i] = classNames[i]
		} else {
			names[i] = fmt.Sprint(i)
		}
	}

	var data []DataPoint
	for i, row := range cm.Matrix {
		for j, value := range row {
			data = append(data, DataPoint{
				X:     j,
				Y:     i,
				Z:     value,
				Label: fmt.Sprintf("True: %s, Pred: %s", names[i], names[j]),
			})
		}
	}

	return PlotData{
		PlotType:  ConfusionMatrixPlot,
		Title:     fmt.Sprintf("Confusion Matrix - %s", modelName),
		Timestamp: time.Now(),
		ModelName: modelName,
		Series: []SeriesData{{
			Name:  "Confusion Matrix",
			Type:  "heatmap",
			Data:  data,
			Style: map[string]interface{}{"colorscale": "Blues"},
		}},
		Config: PlotConfig{
			XAxisLabel:    "Predicted Class",
			YAxisLabel:    "True Class",
			XAxisScale:    "linear",
			YAxisScale:    "linear",
			Width:         600,
			Height:        600,
			CustomOptions: map[string]interface{}{"class_names": names},
		},
		Metrics: map[string]interface{}{
			"accuracy": cm.GetAccuracy(),
			"macro_f1": cm.GetMetric(MacroF1),
		},
	}
}
