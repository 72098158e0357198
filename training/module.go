package training

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Parameter is a trainable matrix together with its accumulated gradient.
type Parameter struct {
	Name  string
	Value *mat.Dense
	Grad  *mat.Dense
}

func newParameter(name string, r, c int) *Parameter {
	return &Parameter{
		Name:  name,
		Value: mat.NewDense(r, c, nil),
		Grad:  mat.NewDense(r, c, nil),
	}
}

// ZeroGrad resets the accumulated gradient.
func (p *Parameter) ZeroGrad() {
	p.Grad.Zero()
}

// Module interface defines methods that all neural network layers must implement.
// Backward receives dL/d(output) of the most recent Forward call and returns
// dL/d(input), accumulating parameter gradients on the way.
type Module interface {
	Forward(input *mat.Dense) (*mat.Dense, error)
	Backward(gradOutput *mat.Dense) (*mat.Dense, error)
	Parameters() []*Parameter // Returns trainable parameters
	Train()                   // Sets module to training mode
	Eval()                    // Sets module to evaluation mode
	IsTraining() bool         // Returns true if in training mode
}

// Dense implements a fully connected layer: y = xW + b, W of shape [in, out].
type Dense struct {
	name     string
	weight   *Parameter
	bias     *Parameter
	input    *mat.Dense
	training bool
}

// NewDense creates a Dense layer with Glorot-uniform weights drawn from rng
// and zero bias.
func NewDense(name string, inputSize, outputSize int, useBias bool, rng *rand.Rand) (*Dense, error) {
	if inputSize <= 0 || outputSize <= 0 {
		return nil, fmt.Errorf("dense %s: invalid shape %dx%d", name, inputSize, outputSize)
	}
	if rng == nil {
		return nil, fmt.Errorf("dense %s: nil random source", name)
	}

	// W ~ U(-sqrt(6/(fan_in + fan_out)), sqrt(6/(fan_in + fan_out)))
	bound := math.Sqrt(6.0 / float64(inputSize+outputSize))
	d := &Dense{
		name:     name,
		weight:   newParameter(name+".weight", inputSize, outputSize),
		training: true,
	}
	raw := d.weight.Value.RawMatrix().Data
	for i := range raw {
		raw[i] = (rng.Float64()*2.0 - 1.0) * bound
	}
	if useBias {
		d.bias = newParameter(name+".bias", 1, outputSize)
	}
	return d, nil
}

// Name returns the layer name.
func (d *Dense) Name() string { return d.name }

// Weight returns the weight parameter.
func (d *Dense) Weight() *Parameter { return d.weight }

// Bias returns the bias parameter, or nil when the layer has none.
func (d *Dense) Bias() *Parameter { return d.bias }

// Forward computes xW + b
func (d *Dense) Forward(input *mat.Dense) (*mat.Dense, error) {
	rows, cols := input.Dims()
	in, out := d.weight.Value.Dims()
	if cols != in {
		return nil, fmt.Errorf("dense %s: input width %d, expected %d", d.name, cols, in)
	}
	d.input = input

	output := mat.NewDense(rows, out, nil)
	output.Mul(input, d.weight.Value)
	if d.bias != nil {
		b := d.bias.Value.RawRowView(0)
		for i := 0; i < rows; i++ {
			row := output.RawRowView(i)
			for j := range row {
				row[j] += b[j]
			}
		}
	}
	return output, nil
}

// Backward accumulates dW = xᵀg and db = Σg, and returns gWᵀ.
func (d *Dense) Backward(gradOutput *mat.Dense) (*mat.Dense, error) {
	if d.input == nil {
		return nil, fmt.Errorf("dense %s: backward called before forward", d.name)
	}
	rows, _ := d.input.Dims()
	in, out := d.weight.Value.Dims()
	if gr, gc := gradOutput.Dims(); gr != rows || gc != out {
		return nil, fmt.Errorf("dense %s: gradient shape %dx%d, expected %dx%d", d.name, gr, gc, rows, out)
	}

	var dW mat.Dense
	dW.Mul(d.input.T(), gradOutput)
	d.weight.Grad.Add(d.weight.Grad, &dW)

	if d.bias != nil {
		db := d.bias.Grad.RawRowView(0)
		for i := 0; i < rows; i++ {
			for j, g := range gradOutput.RawRowView(i) {
				db[j] += g
			}
		}
	}

	gradInput := mat.NewDense(rows, in, nil)
	gradInput.Mul(gradOutput, d.weight.Value.T())
	return gradInput, nil
}

func (d *Dense) Parameters() []*Parameter {
	if d.bias == nil {
		return []*Parameter{d.weight}
	}
	return []*Parameter{d.weight, d.bias}
}

func (d *Dense) Train()           { d.training = true }
func (d *Dense) Eval()            { d.training = false }
func (d *Dense) IsTraining() bool { return d.training }

// elementwise is a parameter-free activation applied to every element.
// deriv receives the activation input x and output y.
type elementwise struct {
	name     string
	fn       func(x float64) float64
	deriv    func(x, y float64) float64
	input    *mat.Dense
	output   *mat.Dense
	training bool
}

func (e *elementwise) Forward(input *mat.Dense) (*mat.Dense, error) {
	e.input = input
	r, c := input.Dims()
	e.output = mat.NewDense(r, c, nil)
	e.output.Apply(func(i, j int, v float64) float64 { return e.fn(v) }, input)
	return e.output, nil
}

func (e *elementwise) Backward(gradOutput *mat.Dense) (*mat.Dense, error) {
	if e.output == nil {
		return nil, fmt.Errorf("%s: backward called before forward", e.name)
	}
	r, c := e.output.Dims()
	if gr, gc := gradOutput.Dims(); gr != r || gc != c {
		return nil, fmt.Errorf("%s: gradient shape %dx%d, expected %dx%d", e.name, gr, gc, r, c)
	}
	grad := mat.NewDense(r, c, nil)
	grad.Apply(func(i, j int, g float64) float64 {
		return g * e.deriv(e.input.At(i, j), e.output.At(i, j))
	}, gradOutput)
	return grad, nil
}

func (e *elementwise) Parameters() []*Parameter { return nil }
func (e *elementwise) Train()                   { e.training = true }
func (e *elementwise) Eval()                    { e.training = false }
func (e *elementwise) IsTraining() bool         { return e.training }

// ReLU applies max(0, x).
type ReLU struct{ elementwise }

// NewReLU creates a new ReLU activation
func NewReLU() *ReLU {
	return &ReLU{elementwise{
		name: "relu",
		fn:   func(x float64) float64 { return math.Max(0, x) },
		deriv: func(x, _ float64) float64 {
			if x > 0 {
				return 1
			}
			return 0
		},
		training: true,
	}}
}

// Tanh applies the hyperbolic tangent.
type Tanh struct{ elementwise }

func NewTanh() *Tanh {
	return &Tanh{elementwise{
		name:     "tanh",
		fn:       math.Tanh,
		deriv:    func(_, y float64) float64 { return 1 - y*y },
		training: true,
	}}
}

// Sigmoid applies 1/(1+e^-x).
type Sigmoid struct{ elementwise }

func NewSigmoid() *Sigmoid {
	return &Sigmoid{elementwise{
		name:     "sigmoid",
		fn:       func(x float64) float64 { return 1 / (1 + math.Exp(-x)) },
		deriv:    func(_, y float64) float64 { return y * (1 - y) },
		training: true,
	}}
}

// Softmax normalizes each row into a probability distribution.
type Softmax struct {
	output   *mat.Dense
	training bool
}

// NewSoftmax creates a row-wise softmax
func NewSoftmax() *Softmax {
	return &Softmax{training: true}
}

func (s *Softmax) Forward(input *mat.Dense) (*mat.Dense, error) {
	r, c := input.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		in := input.RawRowView(i)
		row := out.RawRowView(i)
		maxV := math.Inf(-1)
		for _, v := range in {
			maxV = math.Max(maxV, v)
		}
		sum := 0.0
		for j, v := range in {
			row[j] = math.Exp(v - maxV)
			sum += row[j]
		}
		for j := range row {
			row[j] /= sum
		}
	}
	s.output = out
	return out, nil
}

// Backward computes dx_i = p_i (g_i - Σ_j g_j p_j) per row.
func (s *Softmax) Backward(gradOutput *mat.Dense) (*mat.Dense, error) {
	if s.output == nil {
		return nil, fmt.Errorf("softmax: backward called before forward")
	}
	r, c := s.output.Dims()
	if gr, gc := gradOutput.Dims(); gr != r || gc != c {
		return nil, fmt.Errorf("softmax: gradient shape %dx%d, expected %dx%d", gr, gc, r, c)
	}
	grad := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		p := s.output.RawRowView(i)
		g := gradOutput.RawRowView(i)
		dot := 0.0
		for j := range p {
			dot += g[j] * p[j]
		}
		row := grad.RawRowView(i)
		for j := range row {
			row[j] = p[j] * (g[j] - dot)
		}
	}
	return grad, nil
}

func (s *Softmax) Parameters() []*Parameter { return nil }
func (s *Softmax) Train()                   { s.training = true }
func (s *Softmax) Eval()                    { s.training = false }
func (s *Softmax) IsTraining() bool         { return s.training }

// Sequential allows chaining multiple modules together
type Sequential struct {
	modules  []Module
	training bool
}

// NewSequential creates a new Sequential container
func NewSequential(modules ...Module) *Sequential {
	return &Sequential{
		modules:  modules,
		training: true,
	}
}

// Forward passes input through all modules in sequence
func (s *Sequential) Forward(input *mat.Dense) (*mat.Dense, error) {
	output := input
	var err error
	for i, module := range s.modules {
		output, err = module.Forward(output)
		if err != nil {
			return nil, fmt.Errorf("module %d forward failed: %w", i, err)
		}
	}
	return output, nil
}

// Backward propagates the gradient through the modules in reverse order.
func (s *Sequential) Backward(gradOutput *mat.Dense) (*mat.Dense, error) {
	grad := gradOutput
	var err error
	for i := len(s.modules) - 1; i >= 0; i-- {
		grad, err = s.modules[i].Backward(grad)
		if err != nil {
			return nil, fmt.Errorf("module %d backward failed: %w", i, err)
		}
	}
	return grad, nil
}

// Parameters returns all trainable parameters from all modules
func (s *Sequential) Parameters() []*Parameter {
	var allParams []*Parameter
	for _, module := range s.modules {
		allParams = append(allParams, module.Parameters()...)
	}
	return allParams
}

// Train sets all modules to training mode
func (s *Sequential) Train() {
	s.training = true
	for _, module := range s.modules {
		module.Train()
	}
}

// Eval sets all modules to evaluation mode
func (s *Sequential) Eval() {
	s.training = false
	for _, module := range s.modules {
		module.Eval()
	}
}

// IsTraining returns true if in training mode
func (s *Sequential) IsTraining() bool {
	return s.training
}

// Add appends a module to the sequential container
func (s *Sequential) Add(module Module) {
	s.modules = append(s.modules, module)
}

// Modules returns the contained modules in order.
func (s *Sequential) Modules() []Module {
	return s.modules
}
