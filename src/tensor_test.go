package paint

import (
	"testing"

	"github.com/pkg/errors"
)

func TestTensorFrom(t *testing.T) {
	x, err := TensorFrom([]float64{1, 2, 3, 4, 5, 6}, 2, 3)
	if err != nil {
		t.Fatalf("TensorFrom failed: %v", err)
	}
	if got := x.At(1, 2); got != 6 {
		t.Errorf("At(1, 2) = %f, expected 6", got)
	}
	x.Set(9, 0, 1)
	if x.Data()[1] != 9 {
		t.Errorf("Set did not write through to data")
	}

	if _, err := TensorFrom([]float64{1, 2, 3}, 2, 2); errors.Cause(err) != ErrShapeMismatch {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestConcatAndSplitChannels(t *testing.T) {
	a, _ := TensorFrom([]float64{1, 2, 3, 4}, 1, 2, 1, 2)
	b, _ := TensorFrom([]float64{5, 6}, 1, 2, 1, 1)

	ab, err := ConcatChannels(a, b)
	if err != nil {
		t.Fatalf("ConcatChannels failed: %v", err)
	}
	if !sameShape(ab.Shape(), []int{1, 2, 1, 3}) {
		t.Fatalf("concat shape %v, expected [1 2 1 3]", ab.Shape())
	}
	want := []float64{1, 2, 5, 3, 4, 6}
	for i, v := range want {
		if ab.data[i] != v {
			t.Errorf("concat[%d] = %f, expected %f", i, ab.data[i], v)
		}
	}

	left, right := splitChannels(ab, 2)
	if !equalTensors([]*Tensor{left, right}, []*Tensor{a, b}) {
		t.Errorf("split did not invert concat: %v %v", left.data, right.data)
	}

	c := NewTensor(1, 3, 1, 1)
	if _, err := ConcatChannels(a, c); errors.Cause(err) != ErrShapeMismatch {
		t.Errorf("expected ErrShapeMismatch for mismatched spatial dims, got %v", err)
	}
}

func TestStack(t *testing.T) {
	x, _ := TensorFrom([]float64{1, 2}, 2)
	y, _ := TensorFrom([]float64{3, 4}, 2)

	s, err := Stack([]*Tensor{x, y})
	if err != nil {
		t.Fatalf("Stack failed: %v", err)
	}
	if !sameShape(s.Shape(), []int{2, 2}) || s.At(1, 0) != 3 {
		t.Errorf("unexpected stack result %v %v", s.Shape(), s.data)
	}

	if _, err := Stack([]*Tensor{x, NewTensor(3)}); errors.Cause(err) != ErrShapeMismatch {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
	if _, err := Stack(nil); err == nil {
		t.Error("expected an error for an empty stack")
	}
}

func TestSampleAndUnsqueeze(t *testing.T) {
	x, _ := TensorFrom([]float64{1, 2, 3, 4, 5, 6}, 3, 2)

	s := x.Sample(1)
	if !sameShape(s.Shape(), []int{1, 2}) || s.data[0] != 3 || s.data[1] != 4 {
		t.Errorf("Sample(1) = %v %v", s.Shape(), s.data)
	}
	s.data[0] = 100
	if x.data[2] == 100 {
		t.Error("Sample must copy")
	}

	u := s.Unsqueeze()
	if !sameShape(u.Shape(), []int{1, 1, 2}) {
		t.Errorf("Unsqueeze shape %v", u.Shape())
	}
	u.data[1] = 7
	if s.data[1] != 7 {
		t.Error("Unsqueeze must share data")
	}
}

func TestDetachCopies(t *testing.T) {
	x, _ := TensorFrom([]float64{1, 2}, 2)
	d := Detach(x)
	x.data[0] = 42
	if d.Tensor().data[0] != 1 {
		t.Error("Detach must not alias the source tensor")
	}
	if !sameShape(d.Shape(), []int{2}) {
		t.Errorf("detached shape %v", d.Shape())
	}
}
