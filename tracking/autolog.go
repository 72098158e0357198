package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"

	"github.com/tsawler/go-tabular/checkpoints"
	"github.com/tsawler/go-tabular/internal/ctxlog"
	"github.com/tsawler/go-tabular/training"
)

// AutologConfig selects what the Autologger records besides parameters and
// per-epoch metrics.
type AutologConfig struct {
	LogModels          bool
	LogInputExamples   bool
	LogModelSignatures bool
	// LogPlots stores training curve and learning rate plot data under
	// plots/.
	LogPlots bool
	// ArtifactPath is the model directory inside the run. Default "model".
	ArtifactPath string
	// MaxExampleRows caps the input example. Default 5.
	MaxExampleRows int
}

// DefaultAutologConfig enables every artifact.
func DefaultAutologConfig() AutologConfig {
	return AutologConfig{
		LogModels:          true,
		LogInputExamples:   true,
		LogModelSignatures: true,
		LogPlots:           true,
		ArtifactPath:       "model",
		MaxExampleRows:     5,
	}
}

// Autologger is a training callback that mirrors a fit into a run. Logging
// failures are reported as warnings and never abort training.
type Autologger struct {
	run      *Run
	cfg      AutologConfig
	training training.TrainingConfig

	columns []string
	example *mat.Dense
	plots   *training.VisualizationCollector
}

// NewAutologger records into run the fit configured by tc.
func NewAutologger(run *Run, cfg AutologConfig, tc training.TrainingConfig) *Autologger {
	if cfg.ArtifactPath == "" {
		cfg.ArtifactPath = "model"
	}
	if cfg.MaxExampleRows <= 0 {
		cfg.MaxExampleRows = 5
	}
	return &Autologger{
		run:      run,
		cfg:      cfg,
		training: tc,
		plots:    training.NewVisualizationCollector(run.Name),
	}
}

// SetInputExample keeps the first rows of X for the input example artifact.
func (a *Autologger) SetInputExample(columns []string, X mat.Matrix) {
	r, c := X.Dims()
	n := min(r, a.cfg.MaxExampleRows)
	if n == 0 {
		return
	}
	a.columns = append([]string(nil), columns...)
	a.example = mat.DenseCopyOf(mat.DenseCopyOf(X).Slice(0, n, 0, c))
}

// ModelArtifactPath is the artifact directory the model is logged under.
func (a *Autologger) ModelArtifactPath() string { return a.cfg.ArtifactPath }

func (a *Autologger) warn(ctx context.Context, what string, err error) {
	ctxlog.FromContext(ctx).Warn("autolog failed", "what", what, "run_id", a.run.ID, "error", err)
}

func (a *Autologger) OnTrainBegin(ctx context.Context, m *training.Model) error {
	params := map[string]string{
		"epochs":           strconv.Itoa(a.training.Epochs),
		"batch_size":       strconv.Itoa(a.training.BatchSize),
		"validation_split": strconv.FormatFloat(a.training.ValidationSplit, 'g', -1, 64),
		"shuffle":          strconv.FormatBool(a.training.Shuffle),
		"total_parameters": strconv.FormatInt(m.Spec.TotalParameters, 10),
		"num_layers":       strconv.Itoa(len(m.Spec.Layers)),
	}
	if m.Optimizer != nil {
		params["optimizer_name"] = typeName(m.Optimizer)
		params["learning_rate"] = strconv.FormatFloat(m.Optimizer.GetLR(), 'g', -1, 64)
	}
	if m.Loss != nil {
		params["loss"] = typeName(m.Loss)
	}
	for _, cb := range a.training.Callbacks {
		switch cb := cb.(type) {
		case *training.EarlyStopping:
			params["monitor"] = cb.Monitor
			params["patience"] = strconv.Itoa(cb.Patience)
			params["restore_best_weights"] = strconv.FormatBool(cb.RestoreBestWeights)
		case *training.LearningRateScheduler:
			params["lr_schedule"] = cb.Schedule.Name()
		case *training.ReduceLROnPlateau:
			params["lr_schedule"] = "ReduceLROnPlateau"
			params["lr_factor"] = strconv.FormatFloat(cb.Factor, 'g', -1, 64)
			params["lr_patience"] = strconv.Itoa(cb.Patience)
		}
	}
	if err := a.run.LogParams(ctx, params); err != nil {
		a.warn(ctx, "params", err)
	}
	a.plots.Clear()
	var summary bytes.Buffer
	training.NewModelArchitecturePrinter(a.run.Name).PrintArchitecture(&summary, m.Spec)
	summary.WriteString(m.Spec.Summary())
	if err := a.run.LogArtifact(ctx, "model_summary.txt", summary.Bytes()); err != nil {
		a.warn(ctx, "model summary", err)
	}
	return nil
}

func (a *Autologger) OnEpochEnd(ctx context.Context, m *training.Model, metrics training.TrainingMetrics) error {
	a.plots.RecordEpoch(metrics)
	if err := a.run.LogMetrics(ctx, metrics.Logs(), int64(metrics.Epoch)); err != nil {
		a.warn(ctx, "epoch metrics", err)
	}
	return nil
}

func (a *Autologger) OnTrainEnd(ctx context.Context, m *training.Model) error {
	if m.History != nil {
		tags := map[string]string{"training.stop_reason": m.History.StopReason.String()}
		if err := a.run.SetTags(ctx, tags); err != nil {
			a.warn(ctx, "stop reason", err)
		}
		if m.History.StopReason == training.EarlyStopped {
			stopped := map[string]string{"stopped_epoch": strconv.Itoa(m.History.Len())}
			if err := a.run.LogParams(ctx, stopped); err != nil {
				a.warn(ctx, "stopped epoch", err)
			}
		}
	}
	if a.cfg.LogPlots && a.plots.Epochs() > 0 {
		for name, plot := range map[string]training.PlotData{
			"plots/training_curves.json": a.plots.GenerateTrainingCurvesPlot(),
			"plots/learning_rate.json":   a.plots.GenerateLearningRatePlot(),
		} {
			data, err := plot.ToJSON()
			if err == nil {
				err = a.run.LogArtifact(ctx, name, data)
			}
			if err != nil {
				a.warn(ctx, name, err)
			}
		}
	}
	if !a.cfg.LogModels {
		return nil
	}
	for name, data := range a.modelArtifacts(m) {
		if err := a.run.LogArtifact(ctx, path.Join(a.cfg.ArtifactPath, name), data); err != nil {
			a.warn(ctx, name, err)
		}
	}
	return nil
}

// modelArtifacts renders the files of the model directory.
func (a *Autologger) modelArtifacts(m *training.Model) map[string][]byte {
	files := map[string][]byte{}
	ckpt := m.Checkpoint(checkpoints.TrainingState{Epoch: historyLen(m)})
	ckpt.Metadata = checkpoints.CheckpointMetadata{
		Version:   checkpoints.Version,
		Framework: checkpoints.Framework,
		CreatedAt: time.Now().UTC(),
	}

	if data, err := json.MarshalIndent(ckpt, "", "  "); err == nil {
		files["model.json"] = data
	}
	if data, err := checkpoints.NewONNXExporter().Marshal(ckpt); err == nil {
		files["model.onnx"] = data
	}

	mlmodel := mlModel{
		ArtifactPath:   a.cfg.ArtifactPath,
		RunID:          a.run.ID,
		UTCTimeCreated: time.Now().UTC().Format("2006-01-02 15:04:05.000000"),
		Flavors: map[string]map[string]string{
			"onnx":       {"data": "model.onnx", "onnx_version": strconv.Itoa(checkpoints.ONNXOpsetVersion)},
			"go_tabular": {"data": "model.json", "framework_version": checkpoints.Version},
		},
	}
	if a.cfg.LogModelSignatures {
		mlmodel.Signature = signature(m)
	}
	if a.cfg.LogInputExamples && a.example != nil {
		if data, err := a.inputExample(); err == nil {
			files["input_example.json"] = data
			mlmodel.SavedInputExampleInfo = map[string]string{"artifact_path": "input_example.json", "type": "dataframe", "pandas_orient": "split"}
		}
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(mlmodel); err == nil {
		files["MLmodel"] = buf.Bytes()
	}
	return files
}

type mlModel struct {
	ArtifactPath          string                       `yaml:"artifact_path"`
	Flavors               map[string]map[string]string `yaml:"flavors"`
	RunID                 string                       `yaml:"run_id"`
	SavedInputExampleInfo map[string]string            `yaml:"saved_input_example_info,omitempty"`
	Signature             *modelSignature              `yaml:"signature,omitempty"`
	UTCTimeCreated        string                       `yaml:"utc_time_created"`
}

// modelSignature holds JSON-encoded tensor specs, as MLflow stores them.
type modelSignature struct {
	Inputs  string `yaml:"inputs"`
	Outputs string `yaml:"outputs"`
}

type tensorSpec struct {
	Type       string `json:"type"`
	TensorSpec struct {
		Dtype string `json:"dtype"`
		Shape []int  `json:"shape"`
	} `json:"tensor-spec"`
}

func signature(m *training.Model) *modelSignature {
	encode := func(width int) string {
		var ts tensorSpec
		ts.Type = "tensor"
		ts.TensorSpec.Dtype = "float64"
		ts.TensorSpec.Shape = []int{-1, width}
		data, _ := json.Marshal([]tensorSpec{ts})
		return string(data)
	}
	return &modelSignature{
		Inputs:  encode(m.Spec.InputSize()),
		Outputs: encode(m.Spec.OutputSize()),
	}
}

func (a *Autologger) inputExample() ([]byte, error) {
	r, c := a.example.Dims()
	data := make([][]float64, r)
	for i := range data {
		data[i] = make([]float64, c)
		mat.Row(data[i], i, a.example)
	}
	columns := a.columns
	if len(columns) != c {
		columns = make([]string, c)
		for j := range columns {
			columns[j] = fmt.Sprintf("f%d", j)
		}
	}
	return json.MarshalIndent(struct {
		Columns []string    `json:"columns"`
		Data    [][]float64 `json:"data"`
	}{columns, data}, "", "  ")
}

func historyLen(m *training.Model) int {
	if m.History == nil {
		return 0
	}
	return m.History.Len()
}

func typeName(v any) string {
	name := fmt.Sprintf("%T", v)
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return name
}
