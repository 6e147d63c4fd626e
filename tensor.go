// Package tetrad provides the coordination layer for training a large
// transformer model with 4D parallelism (tensor, context, pipeline, and data
// parallelism) across a flat set of worker ranks.
package tetrad

// A Tensor is a dense float32 buffer with a shape. All activation and
// gradient traffic between ranks is carried as tensors.
type Tensor struct {
	Data  []float32
	Shape []int
}

// NewTensor creates a zero-filled tensor with the given shape.
func NewTensor(shape ...int) *Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Tensor{
		Data:  make([]float32, n),
		Shape: append([]int{}, shape...),
	}
}

// NumElems returns the number of elements the tensor holds.
func (t *Tensor) NumElems() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Bytes returns the size of the tensor data in bytes.
func (t *Tensor) Bytes() uint64 {
	return uint64(t.NumElems()) * 4
}

// SameShape reports whether two tensors have identical shapes.
func (t *Tensor) SameShape(o *Tensor) bool {
	if len(t.Shape) != len(o.Shape) {
		return false
	}
	for i, d := range t.Shape {
		if o.Shape[i] != d {
			return false
		}
	}
	return true
}

// Zero resets every element to zero.
func (t *Tensor) Zero() {
	for i := range t.Data {
		t.Data[i] = 0
	}
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	c := NewTensor(t.Shape...)
	copy(c.Data, t.Data)
	return c
}

// Scale multiplies every element by s in place.
func (t *Tensor) Scale(s float32) {
	for i := range t.Data {
		t.Data[i] *= s
	}
}

// A Parameter is one trainable weight buffer of the model collaborator,
// together with the gradient buffer that backward passes accumulate into.
// The gradient synchronizer may re-point Grad.Data at bucket storage; the
// model must always accumulate through the Grad tensor, never through a
// cached slice.
type Parameter struct {
	Name string
	Data *Tensor
	Grad *Tensor
}

// NumElems returns the number of elements of the parameter.
func (p *Parameter) NumElems() int {
	return p.Data.NumElems()
}
