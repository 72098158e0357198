package training

import (
	"math"
)

// Optimizer interface defines the methods that all optimizers must implement
type Optimizer interface {
	Step() error      // Updates model parameters based on gradients
	ZeroGrad()        // Resets gradients to zero for all parameters
	GetLR() float64   // Gets current learning rate
	SetLR(lr float64) // Sets learning rate
}

// SGD implements Stochastic Gradient Descent optimizer
type SGD struct {
	parameters   []*Parameter
	learningRate float64
	momentum     float64
	weightDecay  float64
	velocities   map[*Parameter][]float64
}

// NewSGD creates a new SGD optimizer
func NewSGD(parameters []*Parameter, lr, momentum, weightDecay float64) *SGD {
	sgd := &SGD{
		parameters:   parameters,
		learningRate: lr,
		momentum:     momentum,
		weightDecay:  weightDecay,
		velocities:   make(map[*Parameter][]float64),
	}
	if momentum > 0 {
		for _, p := range parameters {
			sgd.velocities[p] = make([]float64, len(p.Value.RawMatrix().Data))
		}
	}
	return sgd
}

// Step performs a single optimization step
func (sgd *SGD) Step() error {
	for _, p := range sgd.parameters {
		w := p.Value.RawMatrix().Data
		g := p.Grad.RawMatrix().Data
		v := sgd.velocities[p]
		for i := range w {
			grad := g[i] + sgd.weightDecay*w[i]
			if v != nil {
				v[i] = sgd.momentum*v[i] + grad
				grad = v[i]
			}
			w[i] -= sgd.learningRate * grad
		}
	}
	return nil
}

// ZeroGrad clears gradients of all parameters
func (sgd *SGD) ZeroGrad() { zeroGrads(sgd.parameters) }

func (sgd *SGD) GetLR() float64 { return sgd.learningRate }

func (sgd *SGD) SetLR(lr float64) { sgd.learningRate = lr }

// Adam implements the Adam optimizer
type Adam struct {
	parameters  []*Parameter
	lr          float64
	beta1       float64
	beta2       float64
	eps         float64
	weightDecay float64
	step        int64
	m           map[*Parameter][]float64 // First moment estimates
	v           map[*Parameter][]float64 // Second moment estimates
}

// NewAdam creates a new Adam optimizer
func NewAdam(parameters []*Parameter, lr, beta1, beta2, eps, weightDecay float64) *Adam {
	adam := &Adam{
		parameters:  parameters,
		lr:          lr,
		beta1:       beta1,
		beta2:       beta2,
		eps:         eps,
		weightDecay: weightDecay,
		m:           make(map[*Parameter][]float64),
		v:           make(map[*Parameter][]float64),
	}
	for _, p := range parameters {
		n := len(p.Value.RawMatrix().Data)
		adam.m[p] = make([]float64, n)
		adam.v[p] = make([]float64, n)
	}
	return adam
}

// NewDefaultAdam returns Adam with lr 0.001, β1 0.9, β2 0.999, ε 1e-7.
func NewDefaultAdam(parameters []*Parameter) *Adam {
	return NewAdam(parameters, 0.001, 0.9, 0.999, 1e-7, 0)
}

// Step performs a single optimization step. The bias correction is folded
// into the step size, with eps added to the uncorrected sqrt(v).
func (adam *Adam) Step() error {
	adam.step++

	bias1 := 1.0 - math.Pow(adam.beta1, float64(adam.step))
	bias2 := 1.0 - math.Pow(adam.beta2, float64(adam.step))
	lrT := adam.lr * math.Sqrt(bias2) / bias1

	for _, p := range adam.parameters {
		w := p.Value.RawMatrix().Data
		g := p.Grad.RawMatrix().Data
		m := adam.m[p]
		v := adam.v[p]
		for i := range w {
			grad := g[i] + adam.weightDecay*w[i]
			m[i] = adam.beta1*m[i] + (1-adam.beta1)*grad
			v[i] = adam.beta2*v[i] + (1-adam.beta2)*grad*grad
			w[i] -= lrT * m[i] / (math.Sqrt(v[i]) + adam.eps)
		}
	}
	return nil
}

// ZeroGrad clears gradients of all parameters
func (adam *Adam) ZeroGrad() { zeroGrads(adam.parameters) }

func (adam *Adam) GetLR() float64 { return adam.lr }

func (adam *Adam) SetLR(lr float64) { adam.lr = lr }

// Steps returns the number of updates applied so far.
func (adam *Adam) Steps() int64 { return adam.step }

func zeroGrads(params []*Parameter) {
	for _, p := range params {
		p.ZeroGrad()
	}
}
