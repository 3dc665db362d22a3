// Package batch holds helpers for (N, C, H, W) float32 image batches backed
// by dense tensors.
package batch

import (
	"errors"
	"fmt"
	"slices"

	"github.com/pdevine/tensor"
)

var ErrShape = errors.New("invalid batch shape")

// New allocates a zeroed batch with the given dimensions.
func New(dims ...int) *tensor.Dense {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return tensor.New(tensor.WithShape(dims...), tensor.WithBacking(make([]float32, n)))
}

// FromFloats wraps data without copying.
func FromFloats(data []float32, dims ...int) (*tensor.Dense, error) {
	n := 1
	for _, d := range dims {
		n *= d
	}
	if n != len(data) {
		return nil, fmt.Errorf("%w: %d values do not fit %v", ErrShape, len(data), dims)
	}
	return tensor.New(tensor.WithShape(dims...), tensor.WithBacking(data)), nil
}

// Like allocates a zeroed batch with the same shape as x.
func Like(x *tensor.Dense) *tensor.Dense {
	return New(Shape(x)...)
}

// Clone returns a deep copy of x.
func Clone(x *tensor.Dense) (*tensor.Dense, error) {
	data, err := Floats(x)
	if err != nil {
		return nil, err
	}
	return FromFloats(slices.Clone(data), Shape(x)...)
}

// Shape returns a copy of the dimensions of x.
func Shape(x *tensor.Dense) []int {
	return slices.Clone([]int(x.Shape()))
}

// Floats returns the backing slice of x.
func Floats(x *tensor.Dense) ([]float32, error) {
	if x == nil {
		return nil, fmt.Errorf("%w: nil tensor", ErrShape)
	}
	data, ok := x.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("%w: want float32 data, got %T", ErrShape, x.Data())
	}
	return data, nil
}

// Dims validates that x is a rank 4 batch and returns the batch size and the
// number of values per sample.
func Dims(x *tensor.Dense) (n, per int, err error) {
	if x == nil {
		return 0, 0, fmt.Errorf("%w: nil tensor", ErrShape)
	}
	shape := x.Shape()
	if len(shape) != 4 {
		return 0, 0, fmt.Errorf("%w: want (N, C, H, W), got %v", ErrShape, shape)
	}
	return shape[0], shape[1] * shape[2] * shape[3], nil
}

// SameShape reports an error unless every tensor matches the shape of the first.
func SameShape(xs ...*tensor.Dense) error {
	if len(xs) == 0 {
		return nil
	}
	for _, x := range xs {
		if x == nil {
			return fmt.Errorf("%w: nil tensor", ErrShape)
		}
	}
	want := xs[0].Shape()
	for _, x := range xs[1:] {
		if !slices.Equal([]int(want), []int(x.Shape())) {
			return fmt.Errorf("%w: %v != %v", ErrShape, want, x.Shape())
		}
	}
	return nil
}

// Select gathers the samples at idx into a new batch.
func Select(x *tensor.Dense, idx []int) (*tensor.Dense, error) {
	n, per, err := Dims(x)
	if err != nil {
		return nil, err
	}
	data, err := Floats(x)
	if err != nil {
		return nil, err
	}

	shape := Shape(x)
	shape[0] = len(idx)
	out := New(shape...)
	dst := out.Data().([]float32)
	for i, j := range idx {
		if j < 0 || j >= n {
			return nil, fmt.Errorf("%w: sample %d out of range [0, %d)", ErrShape, j, n)
		}
		copy(dst[i*per:(i+1)*per], data[j*per:(j+1)*per])
	}
	return out, nil
}

// Sample copies sample i into a single element batch.
func Sample(x *tensor.Dense, i int) (*tensor.Dense, error) {
	return Select(x, []int{i})
}
