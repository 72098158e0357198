package checkpoints

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/tsawler/go-tabular/layers"
)

const (
	onnxInputName  = "input"
	onnxOutputName = "output"

	metaEpoch         = "epoch"
	metaBestLoss      = "best_loss"
	metaBestAccuracy  = "best_accuracy"
	metaNormalization = "normalization"
)

// ONNXExporter handles conversion of model checkpoints to ONNX format
type ONNXExporter struct {
	producerName    string
	producerVersion string
}

// NewONNXExporter creates a new ONNX exporter
func NewONNXExporter() *ONNXExporter {
	return &ONNXExporter{producerName: Framework, producerVersion: Version}
}

// Marshal encodes checkpoint as an ONNX ModelProto.
func (oe *ONNXExporter) Marshal(checkpoint *Checkpoint) ([]byte, error) {
	if err := checkpoint.Validate(); err != nil {
		return nil, fmt.Errorf("failed to export ONNX model: %w", err)
	}
	graph, err := oe.buildONNXGraph(checkpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to build ONNX graph: %w", err)
	}

	meta := map[string]string{
		metaEpoch:        strconv.Itoa(checkpoint.TrainingState.Epoch),
		metaBestLoss:     strconv.FormatFloat(float64(checkpoint.TrainingState.BestLoss), 'g', -1, 32),
		metaBestAccuracy: strconv.FormatFloat(float64(checkpoint.TrainingState.BestAccuracy), 'g', -1, 32),
	}
	if checkpoint.Normalization != nil {
		norm, err := json.Marshal(checkpoint.Normalization)
		if err != nil {
			return nil, fmt.Errorf("failed to encode normalization: %w", err)
		}
		meta[metaNormalization] = string(norm)
	}

	model := &ModelProto{
		IRVersion:       onnxIRVersion,
		ProducerName:    oe.producerName,
		ProducerVersion: oe.producerVersion,
		ModelVersion:    1,
		DocString:       checkpoint.Metadata.Description,
		Graph:           graph,
		OpsetVersion:    ONNXOpsetVersion,
		MetadataProps:   meta,
	}
	return model.Marshal(), nil
}

// buildONNXGraph creates the ONNX computation graph for the model
func (oe *ONNXExporter) buildONNXGraph(checkpoint *Checkpoint) (*GraphProto, error) {
	spec := checkpoint.ModelSpec
	graph := &GraphProto{
		Name: "tabular_classifier",
		Input: []*ValueInfoProto{{
			Name:  onnxInputName,
			Shape: []int64{-1, int64(spec.InputSize())},
		}},
	}

	current := onnxInputName
	for i, layer := range spec.Layers {
		output := layer.Name
		if i == len(spec.Layers)-1 {
			output = onnxOutputName
		}

		switch layer.Type {
		case layers.Dense:
			nodes, inits := oe.createDenseNode(layer, checkpoint, current, output)
			graph.Nodes = append(graph.Nodes, nodes...)
			graph.Initializer = append(graph.Initializer, inits...)
		case layers.ReLU:
			graph.Nodes = append(graph.Nodes, &NodeProto{Name: layer.Name, OpType: "Relu", Input: []string{current}, Output: []string{output}})
		case layers.Tanh:
			graph.Nodes = append(graph.Nodes, &NodeProto{Name: layer.Name, OpType: "Tanh", Input: []string{current}, Output: []string{output}})
		case layers.Sigmoid:
			graph.Nodes = append(graph.Nodes, &NodeProto{Name: layer.Name, OpType: "Sigmoid", Input: []string{current}, Output: []string{output}})
		case layers.Softmax:
			axis := layers.GetIntParam(layer.Parameters, "axis", -1)
			graph.Nodes = append(graph.Nodes, &NodeProto{
				Name:      layer.Name,
				OpType:    "Softmax",
				Input:     []string{current},
				Output:    []string{output},
				Attribute: []*AttributeProto{{Name: "axis", Type: attrInt, I: int64(axis)}},
			})
		default:
			return nil, fmt.Errorf("unsupported layer type for ONNX export: %s", layer.Type.String())
		}
		current = output
	}

	graph.Output = []*ValueInfoProto{{
		Name:  onnxOutputName,
		Shape: []int64{-1, int64(spec.OutputSize())},
	}}
	return graph, nil
}

// createDenseNode creates MatMul + Add nodes. Weights are stored [in, out],
// which is already the right operand layout for MatMul(input, W).
func (oe *ONNXExporter) createDenseNode(layer layers.LayerSpec, checkpoint *Checkpoint, input, output string) ([]*NodeProto, []*TensorProto) {
	w, _ := checkpoint.Weight(layer.Name + ".weight")
	inits := []*TensorProto{createTensorProto(w.Name, w.Shape, w.Data)}

	useBias := layers.GetBoolParam(layer.Parameters, "use_bias", true)
	matmulOut := output
	if useBias {
		matmulOut = layer.Name + "/MatMul:0"
	}
	nodes := []*NodeProto{{
		Name:   layer.Name + "/MatMul",
		OpType: "MatMul",
		Input:  []string{input, w.Name},
		Output: []string{matmulOut},
	}}

	if useBias {
		b, _ := checkpoint.Weight(layer.Name + ".bias")
		inits = append(inits, createTensorProto(b.Name, b.Shape, b.Data))
		nodes = append(nodes, &NodeProto{
			Name:   layer.Name + "/Add",
			OpType: "Add",
			Input:  []string{matmulOut, b.Name},
			Output: []string{output},
		})
	}
	return nodes, inits
}

func createTensorProto(name string, shape []int, data []float32) *TensorProto {
	dims := make([]int64, len(shape))
	for i, d := range shape {
		dims[i] = int64(d)
	}
	return &TensorProto{
		Name:      name,
		Dims:      dims,
		DataType:  tensorFloat,
		FloatData: append([]float32(nil), data...),
	}
}

// ONNXImporter handles importing ONNX models produced by ONNXExporter
type ONNXImporter struct{}

// NewONNXImporter creates a new ONNX importer
func NewONNXImporter() *ONNXImporter {
	return &ONNXImporter{}
}

// Unmarshal decodes an ONNX ModelProto into a checkpoint. Only the node
// types the exporter emits are understood.
func (oi *ONNXImporter) Unmarshal(data []byte) (*Checkpoint, error) {
	model, err := unmarshalModel(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ONNX model: %w", err)
	}
	if model.Graph == nil {
		return nil, fmt.Errorf("ONNX model has no graph")
	}

	spec, weights, err := oi.convertGraph(model.Graph)
	if err != nil {
		return nil, err
	}

	checkpoint := &Checkpoint{
		ModelSpec: spec,
		Weights:   weights,
		Metadata: CheckpointMetadata{
			Version:     model.ProducerVersion,
			Framework:   model.ProducerName,
			Description: model.DocString,
		},
	}
	if v, ok := model.MetadataProps[metaEpoch]; ok {
		checkpoint.TrainingState.Epoch, _ = strconv.Atoi(v)
	}
	if v, ok := model.MetadataProps[metaBestLoss]; ok {
		f, _ := strconv.ParseFloat(v, 32)
		checkpoint.TrainingState.BestLoss = float32(f)
	}
	if v, ok := model.MetadataProps[metaBestAccuracy]; ok {
		f, _ := strconv.ParseFloat(v, 32)
		checkpoint.TrainingState.BestAccuracy = float32(f)
	}
	if v, ok := model.MetadataProps[metaNormalization]; ok {
		var norm Normalization
		if err := json.Unmarshal([]byte(v), &norm); err != nil {
			return nil, fmt.Errorf("failed to decode normalization: %w", err)
		}
		checkpoint.Normalization = &norm
	}
	return checkpoint, nil
}

// convertGraph rebuilds the layer specification from the node list.
func (oi *ONNXImporter) convertGraph(graph *GraphProto) (*layers.ModelSpec, []WeightTensor, error) {
	if len(graph.Input) == 0 || len(graph.Input[0].Shape) != 2 {
		return nil, nil, fmt.Errorf("ONNX graph must have one [batch, features] input")
	}
	inputShape := []int{int(graph.Input[0].Shape[0]), int(graph.Input[0].Shape[1])}

	inits := make(map[string]*TensorProto, len(graph.Initializer))
	for _, t := range graph.Initializer {
		inits[t.Name] = t
	}

	builder := layers.NewModelBuilder(inputShape)
	var weights []WeightTensor

	for i := 0; i < len(graph.Nodes); i++ {
		node := graph.Nodes[i]
		switch node.OpType {
		case "MatMul":
			if len(node.Input) != 2 {
				return nil, nil, fmt.Errorf("MatMul node %s must have two inputs", node.Name)
			}
			w, ok := inits[node.Input[1]]
			if !ok || len(w.Dims) != 2 {
				return nil, nil, fmt.Errorf("MatMul node %s has no 2-D weight initializer", node.Name)
			}
			name := strings.TrimSuffix(w.Name, ".weight")
			weights = append(weights, weightFromTensor(w, name, "weight"))

			useBias := false
			if i+1 < len(graph.Nodes) && graph.Nodes[i+1].OpType == "Add" {
				add := graph.Nodes[i+1]
				if len(add.Input) == 2 {
					if b, ok := inits[add.Input[1]]; ok {
						weights = append(weights, weightFromTensor(b, name, "bias"))
						useBias = true
						i++
					}
				}
			}
			builder.AddDense(int(w.Dims[1]), useBias, name)
		case "Relu":
			builder.AddActivation(layers.ReLU, node.Name)
		case "Tanh":
			builder.AddActivation(layers.Tanh, node.Name)
		case "Sigmoid":
			builder.AddActivation(layers.Sigmoid, node.Name)
		case "Softmax":
			axis := -1
			for _, a := range node.Attribute {
				if a.Name == "axis" {
					axis = int(a.I)
				}
			}
			builder.AddSoftmax(axis, node.Name)
		default:
			return nil, nil, fmt.Errorf("unsupported ONNX operator %q in node %s", node.OpType, node.Name)
		}
	}

	spec, err := builder.Compile()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compile imported model: %w", err)
	}
	return spec, weights, nil
}

func weightFromTensor(t *TensorProto, layer, kind string) WeightTensor {
	shape := make([]int, len(t.Dims))
	for i, d := range t.Dims {
		shape[i] = int(d)
	}
	return WeightTensor{
		Name:  t.Name,
		Shape: shape,
		Data:  t.FloatData,
		Layer: layer,
		Type:  kind,
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
