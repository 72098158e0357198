package layers

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestCompileDenseStack(t *testing.T) {
	model, err := NewModelBuilder([]int{-1, 7}).
		AddDense(10, true, "dense1").
		AddReLU("relu1").
		AddDense(10, true, "dense2").
		AddReLU("relu2").
		AddDense(3, true, "output").
		AddSoftmax(-1, "softmax").
		Compile()
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	if !model.Compiled {
		t.Error("model should be marked compiled")
	}
	if model.InputSize() != 7 || model.OutputSize() != 3 {
		t.Errorf("unexpected io sizes: in=%d out=%d", model.InputSize(), model.OutputSize())
	}

	// 7*10+10 + 10*10+10 + 10*3+3
	if model.TotalParameters != 223 {
		t.Errorf("expected 223 parameters, got %d", model.TotalParameters)
	}
	if len(model.ParameterShapes) != 6 {
		t.Errorf("expected 6 parameter tensors, got %d", len(model.ParameterShapes))
	}
	if got := GetIntParam(model.Layers[2].Parameters, "input_size", 0); got != 10 {
		t.Errorf("dense2 input_size = %d, expected 10", got)
	}
}

func TestCompileErrors(t *testing.T) {
	if _, err := NewModelBuilder([]int{-1, 4}).Compile(); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := NewModelBuilder([]int{-1, 0}).AddDense(3, true, "d").Compile(); err == nil {
		t.Error("expected error for zero input width")
	}
	if _, err := NewModelBuilder([]int{-1, 4}).AddDense(0, true, "d").Compile(); err == nil {
		t.Error("expected error for zero output size")
	}
	if _, err := NewModelBuilder([]int{-1, 4}).AddDense(3, true, "d").AddDense(3, true, "d").Compile(); err == nil {
		t.Error("expected error for duplicate layer names")
	}
}

func TestCompileDoesNotAliasBuilderParameters(t *testing.T) {
	b := NewModelBuilder([]int{-1, 4}).AddDense(2, false, "d")
	m1, err := b.Compile()
	if err != nil {
		t.Fatal(err)
	}
	m1.Layers[0].Parameters["output_size"] = 99

	m2, err := b.Compile()
	if err != nil {
		t.Fatal(err)
	}
	if got := GetIntParam(m2.Layers[0].Parameters, "output_size", 0); got != 2 {
		t.Errorf("output_size leaked between compilations: %d", got)
	}
	if m2.TotalParameters != 8 {
		t.Errorf("expected 8 parameters without bias, got %d", m2.TotalParameters)
	}
}

func TestJSONRoundTripKeepsIntParams(t *testing.T) {
	model, err := NewModelBuilder([]int{-1, 2}).AddDense(3, true, "d").Compile()
	if err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(model)
	if err != nil {
		t.Fatal(err)
	}
	var decoded ModelSpec
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if got := GetIntParam(decoded.Layers[0].Parameters, "output_size", 0); got != 3 {
		t.Errorf("output_size after JSON = %d, expected 3", got)
	}
	if !GetBoolParam(decoded.Layers[0].Parameters, "use_bias", false) {
		t.Error("use_bias lost in JSON round trip")
	}
}

func TestParseActivation(t *testing.T) {
	for name, want := range map[string]LayerType{"relu": ReLU, "TANH": Tanh, "sigmoid": Sigmoid} {
		got, err := ParseActivation(name)
		if err != nil || got != want {
			t.Errorf("ParseActivation(%q) = %v, %v", name, got, err)
		}
	}
	if _, err := ParseActivation("softplus"); err == nil {
		t.Error("expected error for unsupported activation")
	}
}

func TestSummary(t *testing.T) {
	model, err := NewModelBuilder([]int{-1, 2}).AddDense(3, true, "hidden").AddActivation(Tanh, "act").Compile()
	if err != nil {
		t.Fatal(err)
	}
	s := model.Summary()
	for _, want := range []string{"Total Parameters: 9", "hidden (Dense)", "act (Tanh)"} {
		if !strings.Contains(s, want) {
			t.Errorf("summary missing %q:\n%s", want, s)
		}
	}
}
