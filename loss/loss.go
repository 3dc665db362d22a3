// Package loss computes the hybrid training objective: a simple noise
// matching term plus a weighted variational lower bound term on the
// reverse process variance.
package loss

import (
	"errors"
	"fmt"
	"math"

	"github.com/pdevine/tensor"
	"golang.org/x/exp/rand"

	"github.com/ollama/diffusion/diffusion"
	"github.com/ollama/diffusion/internal/batch"
	"github.com/ollama/diffusion/schedule"
)

var ErrNonFinite = errors.New("loss is not finite")

// residual is added to predicted densities and to small KL operands so that
// logarithms stay finite.
const residual = 1e-5

// Branch records which VLB term a sample used.
type Branch int

const (
	// BranchNLL is the negative log likelihood used at t = 0.
	BranchNLL Branch = iota
	// BranchKL is the KL divergence from the true posterior used at t > 0.
	BranchKL
)

func (b Branch) String() string {
	switch b {
	case BranchNLL:
		return "nll"
	case BranchKL:
		return "kl"
	default:
		return fmt.Sprintf("Branch(%d)", int(b))
	}
}

// Inputs are the tensors of one training step, all shaped (N, C, H, W),
// plus the per-sample timesteps.
type Inputs struct {
	Noise     *tensor.Dense
	NoisePred *tensor.Dense
	V         *tensor.Dense
	X0        *tensor.Dense
	Xt        *tensor.Dense
	XPrev     *tensor.Dense
	T         []int
}

// Result holds the loss terms and the gradients of Total with respect to
// the denoiser outputs.
type Result struct {
	Total  float64
	Simple float64
	VLB    float64

	// PerSample is each sample's VLB term, recorded into the loss history.
	PerSample []float64
	Branches  []Branch

	// GradNoise flows only from the simple term.
	GradNoise *tensor.Dense
	// GradV flows only from the VLB term; the predicted mean is detached.
	GradV *tensor.Dense
}

// Engine evaluates the loss against one schedule.
type Engine struct {
	process *diffusion.Process
	sched   *schedule.Schedule
	lambda  float64
	density diffusion.Density
}

// New returns an Engine weighting the VLB term by lambda.
func New(s *schedule.Schedule, lambda float64, density diffusion.Density) *Engine {
	return &Engine{
		// the conversions below never draw noise
		process: diffusion.New(s, rand.NewSource(0)),
		sched:   s,
		lambda:  lambda,
		density: density,
	}
}

// Lambda returns the VLB weight.
func (e *Engine) Lambda() float64 {
	return e.lambda
}

func (e *Engine) Compute(in Inputs) (*Result, error) {
	if err := batch.SameShape(in.Noise, in.NoisePred, in.V, in.X0, in.Xt, in.XPrev); err != nil {
		return nil, err
	}
	n, per, err := batch.Dims(in.Noise)
	if err != nil {
		return nil, err
	}
	if len(in.T) != n {
		return nil, fmt.Errorf("%w: %d timesteps for %d samples", diffusion.ErrInvalidTimesteps, len(in.T), n)
	}
	idx, err := e.sched.Indices(in.T)
	if err != nil {
		return nil, err
	}

	simple, gradNoise, err := e.simple(in.Noise, in.NoisePred)
	if err != nil {
		return nil, err
	}

	trueMean, err := e.process.PosteriorMean(in.X0, in.Xt, in.T)
	if err != nil {
		return nil, err
	}
	predMean, err := e.process.NoiseToMean(in.NoisePred, in.Xt, in.T)
	if err != nil {
		return nil, err
	}

	xs, err := batch.Floats(in.XPrev)
	if err != nil {
		return nil, err
	}
	vs, err := batch.Floats(in.V)
	if err != nil {
		return nil, err
	}
	mu := trueMean.Data().([]float32)
	muHat := predMean.Data().([]float32)

	res := &Result{
		Simple:    simple,
		PerSample: make([]float64, n),
		Branches:  make([]Branch, n),
		GradNoise: gradNoise,
		GradV:     batch.Like(in.V),
	}
	gradV := res.GradV.Data().([]float32)

	m := float64(per)
	for i, j := range idx {
		branch := BranchKL
		if in.T[i] == 0 {
			branch = BranchNLL
		}
		res.Branches[i] = branch

		logBeta := math.Log(e.sched.Beta(j))
		logTilde := e.sched.LogBetaTildeClipped(j)
		qVar := math.Exp(logTilde)

		var term float64
		for k := i * per; k < (i+1)*per; k++ {
			x := float64(xs[k])
			mean := float64(muHat[k])
			v := float64(vs[k])
			variance := math.Exp(v*logBeta + (1-v)*logTilde)

			p0 := e.density.Eval(x, mean, variance)
			p := p0 + residual

			// dterm/dp for this element
			var dp float64
			switch branch {
			case BranchNLL:
				term -= math.Log(p) / m
				dp = -1 / (m * p)
			case BranchKL:
				q := guard(e.density.Eval(x, float64(mu[k]), qVar))
				pp := guard(p)
				term += q * (math.Log(q) - math.Log(pp)) / m
				dp = -q / (m * pp)
			}

			dVar := p0 * e.density.DLogDVar(x, mean, variance)
			dv := variance * (logBeta - logTilde)
			gradV[k] = float32(e.lambda / float64(n) * dp * dVar * dv)
		}

		res.PerSample[i] = term
		res.VLB += term / float64(n)
	}

	res.Total = res.Simple + e.lambda*res.VLB
	if math.IsNaN(res.Total) || math.IsInf(res.Total, 0) {
		return nil, fmt.Errorf("%w: simple=%v vlb=%v", ErrNonFinite, res.Simple, res.VLB)
	}
	return res, nil
}

// simple returns the mean squared error and its gradient with respect to
// the prediction.
func (e *Engine) simple(noise, pred *tensor.Dense) (float64, *tensor.Dense, error) {
	ns, err := batch.Floats(noise)
	if err != nil {
		return 0, nil, err
	}
	ps, err := batch.Floats(pred)
	if err != nil {
		return 0, nil, err
	}

	grad := batch.Like(pred)
	gs := grad.Data().([]float32)
	total := float64(len(ns))

	var sum float64
	for i := range ns {
		d := float64(ps[i]) - float64(ns[i])
		sum += d * d
		gs[i] = float32(2 * d / total)
	}
	return sum / total, grad, nil
}

func guard(v float64) float64 {
	if v < residual {
		return v + residual
	}
	return v
}
