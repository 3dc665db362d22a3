// Package diffusion implements the forward (noising) process and the closed
// form conversions between noise, mean and variance predictions.
package diffusion

import (
	"fmt"
	"math"

	"github.com/pdevine/tensor"
	"golang.org/x/exp/rand"

	"github.com/ollama/diffusion/internal/batch"
	"github.com/ollama/diffusion/schedule"
)

// Process applies the forward process of a schedule. It is not safe for
// concurrent use because it owns a random source.
type Process struct {
	sched *schedule.Schedule
	rng   *rand.Rand
}

// New returns a Process drawing noise from src.
func New(s *schedule.Schedule, src rand.Source) *Process {
	return &Process{sched: s, rng: rand.New(src)}
}

// Schedule returns the schedule the process reads coefficients from.
func (p *Process) Schedule() *schedule.Schedule {
	return p.sched
}

// Gaussian draws a batch of standard normal noise.
func (p *Process) Gaussian(dims ...int) *tensor.Dense {
	out := batch.New(dims...)
	p.fill(out.Data().([]float32))
	return out
}

func (p *Process) fill(dst []float32) {
	for i := range dst {
		dst[i] = float32(p.rng.NormFloat64())
	}
}

// NoiseBatch returns x_t = √ᾱ_t·x0 + √(1-ᾱ_t)·ε together with the ε drawn.
// x0 is left untouched.
func (p *Process) NoiseBatch(x0 *tensor.Dense, ts Timesteps) (xt, eps *tensor.Dense, err error) {
	n, per, err := batch.Dims(x0)
	if err != nil {
		return nil, nil, err
	}
	src, err := batch.Floats(x0)
	if err != nil {
		return nil, nil, err
	}

	t, err := ts.Normalize(n)
	if err != nil {
		return nil, nil, err
	}
	idx, err := p.sched.Indices(t)
	if err != nil {
		return nil, nil, err
	}

	eps = batch.Like(x0)
	noise := eps.Data().([]float32)
	p.fill(noise)

	xt = batch.Like(x0)
	dst := xt.Data().([]float32)
	for i, j := range idx {
		a := p.sched.SqrtAlphaBar(j)
		b := p.sched.SqrtOneMinusAlphaBar(j)
		for k := i * per; k < (i+1)*per; k++ {
			dst[k] = float32(a*float64(src[k]) + b*float64(noise[k]))
		}
	}
	return xt, eps, nil
}

// NoiseToMean converts a noise prediction into the mean of p(x_{t-1}|x_t):
// (1/√α_t)·(x_t - β_t/√(1-ᾱ_t)·ε̂).
func (p *Process) NoiseToMean(epsHat, xt *tensor.Dense, t []int) (*tensor.Dense, error) {
	return p.combine(xt, epsHat, t, func(j int) (float64, float64) {
		inv := 1 / p.sched.SqrtAlpha(j)
		return inv, -inv * p.sched.Beta(j) / p.sched.SqrtOneMinusAlphaBar(j)
	})
}

// PosteriorMean returns the mean of q(x_{t-1}|x_t, x_0).
func (p *Process) PosteriorMean(x0, xt *tensor.Dense, t []int) (*tensor.Dense, error) {
	return p.combine(x0, xt, t, func(j int) (float64, float64) {
		denom := 1 - p.sched.AlphaBar(j)
		return p.sched.SqrtAlphaBarPrev(j) * p.sched.Beta(j) / denom,
			p.sched.SqrtAlpha(j) * (1 - p.sched.AlphaBarPrev(j)) / denom
	})
}

// PredictStart inverts the forward process: x̂0 = (x_t - √(1-ᾱ_t)·ε̂)/√ᾱ_t.
func (p *Process) PredictStart(epsHat, xt *tensor.Dense, t []int) (*tensor.Dense, error) {
	return p.combine(xt, epsHat, t, func(j int) (float64, float64) {
		inv := 1 / p.sched.SqrtAlphaBar(j)
		return inv, -inv * p.sched.SqrtOneMinusAlphaBar(j)
	})
}

// combine computes ca·a + cb·b per sample with coefficients looked up for
// that sample's timestep.
func (p *Process) combine(a, b *tensor.Dense, t []int, coef func(j int) (float64, float64)) (*tensor.Dense, error) {
	if err := batch.SameShape(a, b); err != nil {
		return nil, err
	}
	n, per, err := batch.Dims(a)
	if err != nil {
		return nil, err
	}
	if len(t) != n {
		return nil, fmt.Errorf("%w: %d timesteps for %d samples", ErrInvalidTimesteps, len(t), n)
	}
	idx, err := p.sched.Indices(t)
	if err != nil {
		return nil, err
	}

	as, err := batch.Floats(a)
	if err != nil {
		return nil, err
	}
	bs, err := batch.Floats(b)
	if err != nil {
		return nil, err
	}

	out := batch.Like(a)
	dst := out.Data().([]float32)
	for i, j := range idx {
		ca, cb := coef(j)
		for k := i * per; k < (i+1)*per; k++ {
			dst[k] = float32(ca*float64(as[k]) + cb*float64(bs[k]))
		}
	}
	return out, nil
}

// VsToVariance interpolates in log space between β̃_t (v=0) and β_t (v=1).
// v is not clamped.
func (p *Process) VsToVariance(v *tensor.Dense, t []int) (*tensor.Dense, error) {
	n, per, err := batch.Dims(v)
	if err != nil {
		return nil, err
	}
	if len(t) != n {
		return nil, fmt.Errorf("%w: %d timesteps for %d samples", ErrInvalidTimesteps, len(t), n)
	}
	idx, err := p.sched.Indices(t)
	if err != nil {
		return nil, err
	}
	vs, err := batch.Floats(v)
	if err != nil {
		return nil, err
	}

	out := batch.Like(v)
	dst := out.Data().([]float32)
	for i, j := range idx {
		for k := i * per; k < (i+1)*per; k++ {
			dst[k] = float32(p.Variance(float64(vs[k]), j))
		}
	}
	return out, nil
}

// Variance is the scalar form of VsToVariance for schedule position j.
func (p *Process) Variance(v float64, j int) float64 {
	return math.Exp(v*math.Log(p.sched.Beta(j)) + (1-v)*p.sched.LogBetaTildeClipped(j))
}
