// Package denoiser defines the contract between the diffusion core and the
// network that predicts noise and variance interpolation coefficients, along
// with a small reference model and its optimizer.
package denoiser

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pdevine/tensor"
	"gonum.org/v1/gonum/mat"
)

// NoClass marks a sample as unconditional.
const NoClass = -1

var ErrUnconditional = errors.New("denoiser does not accept class labels")

// Capability is the set of embeddings a denoiser consumes.
type Capability uint8

const (
	TimeEmbedding Capability = 1 << iota
	ClassEmbedding
)

func (c Capability) Has(o Capability) bool {
	return c&o == o
}

func (c Capability) String() string {
	var parts []string
	if c.Has(TimeEmbedding) {
		parts = append(parts, "time")
	}
	if c.Has(ClassEmbedding) {
		parts = append(parts, "class")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Condition carries optional per-sample conditioning. A nil Labels slice is
// the same as NoClass for every sample.
type Condition struct {
	Labels []int
}

// Unconditional returns a condition with NoClass for n samples.
func Unconditional(n int) Condition {
	labels := make([]int, n)
	for i := range labels {
		labels[i] = NoClass
	}
	return Condition{Labels: labels}
}

// Conditioned reports whether any sample carries a class label.
func (c Condition) Conditioned() bool {
	for _, l := range c.Labels {
		if l != NoClass {
			return true
		}
	}
	return false
}

// Denoiser maps a noised batch (N, C, H, W) and one timestep per sample to a
// noise estimate and a variance interpolation estimate of the same shape.
type Denoiser interface {
	Predict(xt *tensor.Dense, t []int, cond Condition) (noise, v *tensor.Dense, err error)
	Capabilities() Capability
}

// Trainable is a Denoiser that can backpropagate through its last Predict.
type Trainable interface {
	Denoiser

	// Backward accumulates parameter gradients given the loss gradients with
	// respect to the outputs of the most recent Predict call.
	Backward(gradNoise, gradV *tensor.Dense) error
	Parameters() []*Parameter
}

// Parameter is a named trainable matrix and its accumulated gradient.
type Parameter struct {
	Name  string
	Value *mat.Dense
	Grad  *mat.Dense
}

func newParameter(name string, r, c int) *Parameter {
	return &Parameter{
		Name:  name,
		Value: mat.NewDense(r, c, nil),
		Grad:  mat.NewDense(r, c, nil),
	}
}

// Shape returns the parameter's dimensions.
func (p *Parameter) Shape() []int {
	r, c := p.Value.Dims()
	return []int{r, c}
}

// Set copies data into the parameter's value.
func (p *Parameter) Set(data []float64) error {
	r, c := p.Value.Dims()
	if len(data) != r*c {
		return fmt.Errorf("parameter %s: want %d values, got %d", p.Name, r*c, len(data))
	}
	p.Value.Copy(mat.NewDense(r, c, data))
	return nil
}
