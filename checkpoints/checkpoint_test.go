package checkpoints

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-tabular/layers"
)

func testCheckpoint(t *testing.T) *Checkpoint {
	t.Helper()
	spec, err := layers.NewModelBuilder([]int{-1, 2}).
		AddDense(3, true, "dense_1").
		AddReLU("relu_1").
		AddDense(2, true, "dense_2").
		AddSoftmax(-1, "softmax").
		Compile()
	require.NoError(t, err)

	return &Checkpoint{
		ModelSpec: spec,
		Weights: []WeightTensor{
			{Name: "dense_1.weight", Shape: []int{2, 3}, Data: []float32{0.1, -0.2, 0.3, 0.4, 0.5, -0.6}, Layer: "dense_1", Type: "weight"},
			{Name: "dense_1.bias", Shape: []int{3}, Data: []float32{0, 0.01, -0.01}, Layer: "dense_1", Type: "bias"},
			{Name: "dense_2.weight", Shape: []int{3, 2}, Data: []float32{1, -1, 0.5, 0.25, -0.75, 2}, Layer: "dense_2", Type: "weight"},
			{Name: "dense_2.bias", Shape: []int{2}, Data: []float32{0.2, -0.2}, Layer: "dense_2", Type: "bias"},
		},
		TrainingState: TrainingState{Epoch: 7, LearningRate: 0.001, BestLoss: 0.42, BestAccuracy: 0.8, Monitor: "val_loss"},
		Normalization: &Normalization{Columns: []string{"a", "b"}, Mean: []float64{1.5, -2}, Scale: []float64{0.5, 3}},
	}
}

func TestFormatForPath(t *testing.T) {
	assert.Equal(t, FormatJSON, FormatForPath("best_model.json"))
	assert.Equal(t, FormatONNX, FormatForPath("out/model.ONNX"))
	assert.Equal(t, FormatJSON, FormatForPath("model"))
	assert.Equal(t, "ONNX", FormatONNX.String())
}

func TestJSONRoundTrip(t *testing.T) {
	ckpt := testCheckpoint(t)
	path := filepath.Join(t.TempDir(), "nested", "best_model.json")

	require.NoError(t, Save(ckpt, path))
	loaded, err := Load(path)
	require.NoError(t, err)

	if diff := cmp.Diff(ckpt.Weights, loaded.Weights); diff != "" {
		t.Errorf("weights mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, ckpt.TrainingState, loaded.TrainingState)
	assert.Equal(t, ckpt.Normalization, loaded.Normalization)
	assert.Equal(t, Framework, loaded.Metadata.Framework)
	assert.Equal(t, 2, loaded.ModelSpec.InputSize())
	assert.Equal(t, 2, loaded.ModelSpec.OutputSize())
	require.NoError(t, loaded.Validate())

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must not be left behind")
}

func TestONNXRoundTrip(t *testing.T) {
	ckpt := testCheckpoint(t)
	path := filepath.Join(t.TempDir(), "model.onnx")

	require.NoError(t, Save(ckpt, path))
	loaded, err := Load(path)
	require.NoError(t, err)

	if diff := cmp.Diff(ckpt.Weights, loaded.Weights); diff != "" {
		t.Errorf("weights mismatch (-want +got):\n%s", diff)
	}

	var gotTypes, wantTypes []layers.LayerType
	var gotNames, wantNames []string
	for _, l := range ckpt.ModelSpec.Layers {
		wantTypes = append(wantTypes, l.Type)
		wantNames = append(wantNames, l.Name)
	}
	for _, l := range loaded.ModelSpec.Layers {
		gotTypes = append(gotTypes, l.Type)
		gotNames = append(gotNames, l.Name)
	}
	assert.Equal(t, wantTypes, gotTypes)
	assert.Equal(t, wantNames, gotNames)
	assert.Equal(t, []int{-1, 2}, loaded.ModelSpec.InputShape)
	assert.Equal(t, ckpt.ModelSpec.TotalParameters, loaded.ModelSpec.TotalParameters)

	assert.Equal(t, 7, loaded.TrainingState.Epoch)
	assert.InDelta(t, 0.42, loaded.TrainingState.BestLoss, 1e-6)
	assert.Equal(t, ckpt.Normalization, loaded.Normalization)
	assert.Equal(t, Framework, loaded.Metadata.Framework)
}

func TestONNXGraphLayout(t *testing.T) {
	data, err := NewONNXExporter().Marshal(testCheckpoint(t))
	require.NoError(t, err)

	model, err := unmarshalModel(data)
	require.NoError(t, err)
	assert.EqualValues(t, onnxIRVersion, model.IRVersion)
	assert.EqualValues(t, ONNXOpsetVersion, model.OpsetVersion)

	var ops []string
	for _, n := range model.Graph.Nodes {
		ops = append(ops, n.OpType)
	}
	assert.Equal(t, []string{"MatMul", "Add", "Relu", "MatMul", "Add", "Softmax"}, ops)

	last := model.Graph.Nodes[len(model.Graph.Nodes)-1]
	assert.Equal(t, []string{onnxOutputName}, last.Output)
	require.Len(t, last.Attribute, 1)
	assert.EqualValues(t, -1, last.Attribute[0].I)

	require.Len(t, model.Graph.Input, 1)
	assert.Equal(t, []int64{-1, 2}, model.Graph.Input[0].Shape)
	assert.Equal(t, []int64{-1, 2}, model.Graph.Output[0].Shape)
}

func TestValidate(t *testing.T) {
	ckpt := testCheckpoint(t)
	require.NoError(t, ckpt.Validate())

	ckpt.Weights = ckpt.Weights[:3]
	assert.ErrorContains(t, ckpt.Validate(), "missing bias for layer dense_2")

	ckpt = testCheckpoint(t)
	ckpt.Weights[0].Data = ckpt.Weights[0].Data[:4]
	assert.ErrorContains(t, ckpt.Validate(), "dense_1 weight has 4 values")

	assert.Error(t, (&Checkpoint{}).Validate())
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.onnx")
	require.NoError(t, os.WriteFile(bad, []byte{0xff, 0xff, 0xff}, 0o644))
	_, err = Load(bad)
	assert.Error(t, err)
}
