package diffusion

import (
	"errors"
	"fmt"

	"github.com/pdevine/tensor"

	"github.com/ollama/diffusion/internal/batch"
)

var (
	ErrInvalidTimesteps = errors.New("invalid timesteps")

	// ErrShape reports batches whose shapes do not line up.
	ErrShape = batch.ErrShape
)

type timestepKind int

const (
	kindNone timestepKind = iota
	kindScalar
	kindList
	kindTensor
)

// Timesteps is the single accepted form of a timestep argument: a scalar
// applied to every sample, an explicit per-sample list, or an integer tensor.
// Normalize converts it once into a per-sample slice.
type Timesteps struct {
	kind   timestepKind
	scalar int
	list   []int
	tensor *tensor.Dense
}

// Scalar applies t to every sample in the batch.
func Scalar(t int) Timesteps {
	return Timesteps{kind: kindScalar, scalar: t}
}

// List assigns ts[i] to sample i.
func List(ts []int) Timesteps {
	return Timesteps{kind: kindList, list: ts}
}

// FromTensor reads per-sample timesteps from a rank 1 integer tensor.
func FromTensor(x *tensor.Dense) Timesteps {
	return Timesteps{kind: kindTensor, tensor: x}
}

// Normalize returns one timestep per sample for a batch of n samples.
// It does not range check; the schedule does that on lookup.
func (ts Timesteps) Normalize(n int) ([]int, error) {
	switch ts.kind {
	case kindScalar:
		out := make([]int, n)
		for i := range out {
			out[i] = ts.scalar
		}
		return out, nil
	case kindList:
		if len(ts.list) != n {
			return nil, fmt.Errorf("%w: %d timesteps for %d samples", ErrInvalidTimesteps, len(ts.list), n)
		}
		return append([]int(nil), ts.list...), nil
	case kindTensor:
		return ts.fromTensor(n)
	default:
		return nil, fmt.Errorf("%w: no timesteps given", ErrInvalidTimesteps)
	}
}

func (ts Timesteps) fromTensor(n int) ([]int, error) {
	if ts.tensor == nil {
		return nil, fmt.Errorf("%w: nil tensor", ErrInvalidTimesteps)
	}
	if shape := ts.tensor.Shape(); len(shape) != 1 || shape[0] != n {
		return nil, fmt.Errorf("%w: want shape (%d), got %v", ErrInvalidTimesteps, n, shape)
	}

	out := make([]int, n)
	switch data := ts.tensor.Data().(type) {
	case []int:
		copy(out, data)
	case []int64:
		for i, v := range data {
			out[i] = int(v)
		}
	case []int32:
		for i, v := range data {
			out[i] = int(v)
		}
	default:
		return nil, fmt.Errorf("%w: want an integer tensor, got %T", ErrInvalidTimesteps, data)
	}
	return out, nil
}
