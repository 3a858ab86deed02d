package paint

import (
	"math/rand"

	"github.com/pkg/errors"
)

// Tensor is a dense row-major float64 array. Images are stored NHWC.
type Tensor struct {
	data   []float64
	shape  []int
	stride []int
}

// NewTensor allocates a zero-filled tensor of the given shape.
func NewTensor(shape ...int) *Tensor {
	size := 1
	for _, s := range shape {
		if s < 0 {
			s = 0
		}
		size *= s
	}
	return &Tensor{
		data:   make([]float64, size),
		shape:  append([]int(nil), shape...),
		stride: strides(shape),
	}
}

// TensorFrom wraps data without copying it.
func TensorFrom(data []float64, shape ...int) (*Tensor, error) {
	size := 1
	for _, s := range shape {
		size *= s
	}
	if size != len(data) {
		return nil, errors.Wrapf(ErrShapeMismatch, "%d values for shape %v", len(data), shape)
	}
	return &Tensor{
		data:   data,
		shape:  append([]int(nil), shape...),
		stride: strides(shape),
	}, nil
}

func strides(shape []int) []int {
	stride := make([]int, len(shape))
	for i := len(shape) - 1; i >= 0; i-- {
		if i == len(shape)-1 {
			stride[i] = 1
		} else {
			stride[i] = stride[i+1] * shape[i+1]
		}
	}
	return stride
}

// Shape returns a copy of the tensor dimensions.
func (t *Tensor) Shape() []int {
	return append([]int(nil), t.shape...)
}

// Data exposes the backing slice.
func (t *Tensor) Data() []float64 {
	return t.data
}

// Len is the number of elements.
func (t *Tensor) Len() int {
	return len(t.data)
}

// Dim returns the size of dimension i.
func (t *Tensor) Dim(i int) int {
	return t.shape[i]
}

func (t *Tensor) At(indices ...int) float64 {
	idx := 0
	for i, v := range indices {
		idx += v * t.stride[i]
	}
	return t.data[idx]
}

func (t *Tensor) Set(value float64, indices ...int) {
	idx := 0
	for i, v := range indices {
		idx += v * t.stride[i]
	}
	t.data[idx] = value
}

func (t *Tensor) Fill(value float64) {
	for i := range t.data {
		t.data[i] = value
	}
}

func (t *Tensor) fillRandNorm(mean, std float64, rng *rand.Rand) {
	for i := range t.data {
		t.data[i] = rng.NormFloat64()*std + mean
	}
}

func (t *Tensor) fillRandUniform(low, high float64, rng *rand.Rand) {
	for i := range t.data {
		t.data[i] = rng.Float64()*(high-low) + low
	}
}

func (t *Tensor) zero() {
	for i := range t.data {
		t.data[i] = 0
	}
}

// gradFor returns *grad, first allocating a zero tensor shaped like param.
// Layers allocate gradient storage only once something asks for it, so a
// network that is never trained holds none.
func gradFor(grad **Tensor, param *Tensor) *Tensor {
	if *grad == nil {
		*grad = NewTensor(param.shape...)
	}
	return *grad
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	nt := NewTensor(t.shape...)
	copy(nt.data, t.data)
	return nt
}

// Reshape returns a tensor sharing t's data with a new shape.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	return TensorFrom(t.data, shape...)
}

// sampleSize is the number of elements per entry of the leading dimension.
func (t *Tensor) sampleSize() int {
	if len(t.shape) == 0 || t.shape[0] == 0 {
		return 0
	}
	return len(t.data) / t.shape[0]
}

// Sample copies entry i of the leading dimension into a tensor of shape [1, ...].
func (t *Tensor) Sample(i int) *Tensor {
	shape := append([]int{1}, t.shape[1:]...)
	out := NewTensor(shape...)
	n := t.sampleSize()
	copy(out.data, t.data[i*n:(i+1)*n])
	return out
}

// setSample overwrites entry i of the leading dimension with src's data.
func (t *Tensor) setSample(i int, src *Tensor) {
	n := t.sampleSize()
	copy(t.data[i*n:(i+1)*n], src.data)
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Stack joins equally shaped tensors along a new leading dimension.
func Stack(items []*Tensor) (*Tensor, error) {
	if len(items) == 0 {
		return nil, errors.New("paint: stack of zero tensors")
	}
	inner := items[0].shape
	out := NewTensor(append([]int{len(items)}, inner...)...)
	n := items[0].Len()
	for i, it := range items {
		if !sameShape(it.shape, inner) {
			return nil, errors.Wrapf(ErrShapeMismatch, "stack item %d has shape %v, want %v", i, it.shape, inner)
		}
		copy(out.data[i*n:(i+1)*n], it.data)
	}
	return out, nil
}

// Unsqueeze adds a leading dimension of size one, sharing data.
func (t *Tensor) Unsqueeze() *Tensor {
	return &Tensor{
		data:   t.data,
		shape:  append([]int{1}, t.shape...),
		stride: strides(append([]int{1}, t.shape...)),
	}
}

// ConcatChannels joins two tensors along their last dimension. All leading
// dimensions must agree.
func ConcatChannels(a, b *Tensor) (*Tensor, error) {
	if len(a.shape) != len(b.shape) || len(a.shape) == 0 {
		return nil, errors.Wrapf(ErrShapeMismatch, "concat %v with %v", a.shape, b.shape)
	}
	last := len(a.shape) - 1
	if !sameShape(a.shape[:last], b.shape[:last]) {
		return nil, errors.Wrapf(ErrShapeMismatch, "concat %v with %v", a.shape, b.shape)
	}
	ca, cb := a.shape[last], b.shape[last]
	shape := append([]int(nil), a.shape...)
	shape[last] = ca + cb
	out := NewTensor(shape...)
	rows := len(a.data) / ca
	for r := 0; r < rows; r++ {
		copy(out.data[r*(ca+cb):], a.data[r*ca:(r+1)*ca])
		copy(out.data[r*(ca+cb)+ca:], b.data[r*cb:(r+1)*cb])
	}
	return out, nil
}

// splitChannels is the inverse of ConcatChannels: channels [0, at) and [at, C).
func splitChannels(t *Tensor, at int) (*Tensor, *Tensor) {
	last := len(t.shape) - 1
	c := t.shape[last]
	sa := append([]int(nil), t.shape...)
	sb := append([]int(nil), t.shape...)
	sa[last] = at
	sb[last] = c - at
	a, b := NewTensor(sa...), NewTensor(sb...)
	rows := len(t.data) / c
	for r := 0; r < rows; r++ {
		copy(a.data[r*at:(r+1)*at], t.data[r*c:r*c+at])
		copy(b.data[r*(c-at):(r+1)*(c-at)], t.data[r*c+at:(r+1)*c])
	}
	return a, b
}

// Detached is a tensor value cut off from every network's gradient path.
// Nothing that consumes a Detached ever propagates a gradient back to the
// computation that produced it.
type Detached struct {
	t *Tensor
}

// Detach copies t into a Detached value.
func Detach(t *Tensor) Detached {
	return Detached{t: t.Clone()}
}

// Tensor returns the detached data. Callers must not mutate it.
func (d Detached) Tensor() *Tensor {
	return d.t
}

func (d Detached) Shape() []int {
	return d.t.Shape()
}

func mulScalar(a *Tensor, s float64) {
	for i := range a.data {
		a.data[i] *= s
	}
}

func elemMul(a, b, out *Tensor) {
	for i := range a.data {
		out.data[i] = a.data[i] * b.data[i]
	}
}
