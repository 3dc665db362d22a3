package diffusion

import (
	"github.com/pdevine/tensor"

	"github.com/ollama/diffusion/internal/batch"
)

// NeedsReduce reports whether x holds display range values, detected by any
// value above 1.
func NeedsReduce(x *tensor.Dense) (bool, error) {
	data, err := batch.Floats(x)
	if err != nil {
		return false, err
	}
	for _, v := range data {
		if v > 1 {
			return true, nil
		}
	}
	return false, nil
}

// Reduce maps [0, 255] to [-1, 1].
func Reduce(x *tensor.Dense) (*tensor.Dense, error) {
	return mapValues(x, func(v float32) float32 {
		return v/127.5 - 1
	})
}

// Unreduce maps [-1, 1] to [0, 255], clamping values outside the range.
func Unreduce(x *tensor.Dense) (*tensor.Dense, error) {
	return mapValues(x, func(v float32) float32 {
		return min(max((v+1)*127.5, 0), 255)
	})
}

func mapValues(x *tensor.Dense, fn func(float32) float32) (*tensor.Dense, error) {
	data, err := batch.Floats(x)
	if err != nil {
		return nil, err
	}

	out := batch.Like(x)
	dst := out.Data().([]float32)
	for i, v := range data {
		dst[i] = fn(v)
	}
	return out, nil
}
