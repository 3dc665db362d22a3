package denoiser

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// AdamConfig holds the optimizer hyperparameters.
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
}

// DefaultAdamConfig returns the usual Adam settings.
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 1e-4,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
	}
}

// Adam implements the Adam optimizer with bias correction. Moment estimates
// are keyed by parameter name.
type Adam struct {
	cfg  AdamConfig
	step int
	m, v map[string]*mat.Dense
}

// NewAdam returns an optimizer with zeroed moments for params.
func NewAdam(cfg AdamConfig, params []*Parameter) *Adam {
	a := &Adam{cfg: cfg, m: make(map[string]*mat.Dense), v: make(map[string]*mat.Dense)}
	for _, p := range params {
		r, c := p.Value.Dims()
		a.m[p.Name] = mat.NewDense(r, c, nil)
		a.v[p.Name] = mat.NewDense(r, c, nil)
	}
	return a
}

// Step applies one update to every parameter from its accumulated gradient.
func (a *Adam) Step(params []*Parameter) error {
	a.step++
	bias1 := 1 - math.Pow(a.cfg.Beta1, float64(a.step))
	bias2 := 1 - math.Pow(a.cfg.Beta2, float64(a.step))

	for _, p := range params {
		m, ok := a.m[p.Name]
		if !ok {
			return fmt.Errorf("adam: unknown parameter %q", p.Name)
		}
		v := a.v[p.Name]

		value := p.Value.RawMatrix().Data
		grad := p.Grad.RawMatrix().Data
		md := m.RawMatrix().Data
		vd := v.RawMatrix().Data
		for j, g := range grad {
			md[j] = a.cfg.Beta1*md[j] + (1-a.cfg.Beta1)*g
			vd[j] = a.cfg.Beta2*vd[j] + (1-a.cfg.Beta2)*g*g

			mHat := md[j] / bias1
			vHat := vd[j] / bias2
			value[j] -= a.cfg.LearningRate * mHat / (math.Sqrt(vHat) + a.cfg.Epsilon)
		}
	}
	return nil
}

// ZeroGrad clears the accumulated gradients.
func (a *Adam) ZeroGrad(params []*Parameter) {
	for _, p := range params {
		p.Grad.Zero()
	}
}

// Config returns the optimizer hyperparameters.
func (a *Adam) Config() AdamConfig {
	return a.cfg
}

// StepCount is the number of updates applied so far.
func (a *Adam) StepCount() int {
	return a.step
}

// Moments exposes the first and second moment estimates for persistence.
func (a *Adam) Moments() (m, v map[string]*mat.Dense) {
	return a.m, a.v
}

// Restore replaces the optimizer state. Moments for parameters the
// optimizer does not know, or shaped differently from them, are rejected
// before anything is copied.
func (a *Adam) Restore(step int, m, v map[string]*mat.Dense) error {
	for _, pair := range []struct {
		dst, src map[string]*mat.Dense
	}{{a.m, m}, {a.v, v}} {
		for name, src := range pair.src {
			dst, ok := pair.dst[name]
			if !ok {
				return fmt.Errorf("adam: unknown parameter %q", name)
			}
			dr, dc := dst.Dims()
			if sr, sc := src.Dims(); sr != dr || sc != dc {
				return fmt.Errorf("adam: %s moment is %dx%d, want %dx%d", name, sr, sc, dr, dc)
			}
		}
	}

	for name, src := range m {
		a.m[name].Copy(src)
	}
	for name, src := range v {
		a.v[name].Copy(src)
	}
	a.step = step
	return nil
}
