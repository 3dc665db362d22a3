package diffusion

import (
	"fmt"
	"math"
	"strings"

	"github.com/pdevine/tensor"

	"github.com/ollama/diffusion/internal/batch"
)

// Density selects the normal density used for likelihood terms.
type Density int

const (
	// Gaussian is the standard normal pdf with standard deviation √var.
	Gaussian Density = iota
	// Legacy divides by var instead of √var, both in the normalization and in
	// the exponent. Models trained with it must keep using it.
	Legacy
)

var sqrt2Pi = math.Sqrt(2 * math.Pi)

func (d Density) String() string {
	switch d {
	case Gaussian:
		return "gaussian"
	case Legacy:
		return "legacy"
	default:
		return fmt.Sprintf("Density(%d)", int(d))
	}
}

// ParseDensity converts a name into a Density.
func ParseDensity(s string) (Density, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "gaussian":
		return Gaussian, nil
	case "legacy":
		return Legacy, nil
	default:
		return 0, fmt.Errorf("unknown density %q", s)
	}
}

// Eval returns the density of x under a normal with the given mean and variance.
func (d Density) Eval(x, mean, variance float64) float64 {
	diff := x - mean
	if d == Legacy {
		z := diff / variance
		return math.Exp(-0.5*z*z) / (variance * sqrt2Pi)
	}
	return math.Exp(-0.5*diff*diff/variance) / math.Sqrt(2*math.Pi*variance)
}

// DLogDVar returns ∂ log p / ∂ variance at x.
func (d Density) DLogDVar(x, mean, variance float64) float64 {
	diff2 := (x - mean) * (x - mean)
	if d == Legacy {
		return -1/variance + diff2/(variance*variance*variance)
	}
	return -0.5/variance + 0.5*diff2/(variance*variance)
}

// NormalDist evaluates the density elementwise.
func NormalDist(d Density, x, mean, variance *tensor.Dense) (*tensor.Dense, error) {
	if err := batch.SameShape(x, mean, variance); err != nil {
		return nil, err
	}

	xs, err := batch.Floats(x)
	if err != nil {
		return nil, err
	}
	ms, err := batch.Floats(mean)
	if err != nil {
		return nil, err
	}
	vs, err := batch.Floats(variance)
	if err != nil {
		return nil, err
	}

	out := batch.Like(x)
	dst := out.Data().([]float32)
	for i := range xs {
		dst[i] = float32(d.Eval(float64(xs[i]), float64(ms[i]), float64(vs[i])))
	}
	return out, nil
}
