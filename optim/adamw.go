// Package optim implements the optimizers applied after gradient
// synchronization. Optimizers mutate parameters in place and keep their
// state (moment estimates, step counter) per parameter, so they must be
// constructed once per rank and reused across steps.
package optim

import (
	"math"

	"github.com/tinyscale/tetrad"
)

// AdamW default hyperparameters.
const (
	DefaultBeta1       = 0.9
	DefaultBeta2       = 0.999
	DefaultEps         = 1e-8
	DefaultWeightDecay = 0.0
)

// An AdamW optimizer updates parameters with decoupled weight decay. Each
// rank updates only its own parameter replicas; the gradient synchronizer
// guarantees replicas see identical averaged gradients, so replicas stay
// bitwise identical without further communication.
type AdamW struct {
	params      []*tetrad.Parameter
	lr          float64
	beta1       float64
	beta2       float64
	eps         float64
	weightDecay float64

	step int
	m    [][]float32
	v    [][]float32
}

// NewAdamW creates an AdamW optimizer over the given parameters with
// default betas, epsilon, and zero weight decay.
func NewAdamW(params []*tetrad.Parameter, lr float64) *AdamW {
	o := &AdamW{
		params:      params,
		lr:          lr,
		beta1:       DefaultBeta1,
		beta2:       DefaultBeta2,
		eps:         DefaultEps,
		weightDecay: DefaultWeightDecay,
		m:           make([][]float32, len(params)),
		v:           make([][]float32, len(params)),
	}
	for i, p := range params {
		o.m[i] = make([]float32, p.NumElems())
		o.v[i] = make([]float32, p.NumElems())
	}
	return o
}

// WithWeightDecay sets the decoupled weight decay coefficient.
func (o *AdamW) WithWeightDecay(wd float64) *AdamW {
	o.weightDecay = wd
	return o
}

// StepCount returns the number of updates applied so far.
func (o *AdamW) StepCount() int {
	return o.step
}

// Step applies one update from the current gradients.
func (o *AdamW) Step() {
	o.step++
	correct1 := 1 - math.Pow(o.beta1, float64(o.step))
	correct2 := 1 - math.Pow(o.beta2, float64(o.step))

	for i, p := range o.params {
		m, v := o.m[i], o.v[i]
		for j, g := range p.Grad.Data {
			m[j] = float32(o.beta1)*m[j] + float32(1-o.beta1)*g
			v[j] = float32(o.beta2)*v[j] + float32(1-o.beta2)*g*g
			mHat := float64(m[j]) / correct1
			vHat := float64(v[j]) / correct2
			update := o.lr * (mHat/(math.Sqrt(vHat)+o.eps) + o.weightDecay*float64(p.Data.Data[j]))
			p.Data.Data[j] -= float32(update)
		}
	}
}

// ZeroGrad clears every gradient in place, preserving the bucket aliasing
// set up by the gradient synchronizer.
func (o *AdamW) ZeroGrad() {
	for _, p := range o.params {
		p.Grad.Zero()
	}
}

// State exposes the optimizer state for checkpointing: the step counter
// and the first and second moment estimates in parameter order.
func (o *AdamW) State() (step int, m, v [][]float32) {
	return o.step, o.m, o.v
}

// Restore loads optimizer state saved by State. The moments must match the
// current parameter shapes.
func (o *AdamW) Restore(step int, m, v [][]float32) error {
	if len(m) != len(o.params) || len(v) != len(o.params) {
		return tetrad.Configurationf(
			"optimizer state has %d/%d moment slices, want %d",
			len(m), len(v), len(o.params))
	}
	for i, p := range o.params {
		if len(m[i]) != p.NumElems() || len(v[i]) != p.NumElems() {
			return tetrad.Configurationf(
				"optimizer state for %q has %d/%d elements, want %d",
				p.Name, len(m[i]), len(v[i]), p.NumElems())
		}
	}
	o.step = step
	o.m = m
	o.v = v
	return nil
}
