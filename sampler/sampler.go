// Package sampler runs the reverse diffusion process from pure noise to an
// image, blending ancestral DDPM steps with DDIM steps.
package sampler

import (
	"errors"
	"fmt"
	"math"

	"github.com/pdevine/tensor"
	"golang.org/x/exp/rand"

	"github.com/ollama/diffusion/denoiser"
	"github.com/ollama/diffusion/diffusion"
	"github.com/ollama/diffusion/internal/batch"
	"github.com/ollama/diffusion/logutil"
	"github.com/ollama/diffusion/schedule"
)

var ErrOptions = errors.New("invalid sampling options")

// Options controls one sampling run.
type Options struct {
	BatchSize int
	// ClassLabel is the class to generate, or denoiser.NoClass.
	ClassLabel int
	// GuidanceScale is the classifier-free guidance weight w.
	GuidanceScale float64
	// DDIMScale is 0 for deterministic DDIM, 1 for ancestral DDPM and
	// interpolates the injected noise in between.
	DDIMScale float64
	// StepSize is the stride through [0, T]. It must divide T.
	StepSize int
	// Trajectory records every intermediate image.
	Trajectory bool
}

// DefaultOptions samples one unconditional image with full DDPM.
func DefaultOptions() Options {
	return Options{
		BatchSize:  1,
		ClassLabel: denoiser.NoClass,
		DDIMScale:  1,
		StepSize:   1,
	}
}

// Result holds the final images in [0, 255] and, if requested, the
// trajectory starting with x_T.
type Result struct {
	Images     *tensor.Dense
	Trajectory []*tensor.Dense
	Steps      int
}

// Sampler generates images from a denoiser trained on a schedule of the
// given family and length. It is not safe for concurrent use.
type Sampler struct {
	model  denoiser.Denoiser
	family schedule.Family
	t      int
	shape  [3]int
	rng    *rand.Rand
}

// New returns a sampler producing images of shape (C, H, W).
func New(d denoiser.Denoiser, family schedule.Family, T int, shape [3]int, src rand.Source) (*Sampler, error) {
	if T <= 0 {
		return nil, fmt.Errorf("%w: T=%d", ErrOptions, T)
	}
	for _, dim := range shape {
		if dim <= 0 {
			return nil, fmt.Errorf("%w: image shape %v", ErrOptions, shape)
		}
	}
	return &Sampler{model: d, family: family, t: T, shape: shape, rng: rand.New(src)}, nil
}

func (s *Sampler) validate(opts Options) error {
	switch {
	case opts.BatchSize <= 0:
		return fmt.Errorf("%w: batch size %d", ErrOptions, opts.BatchSize)
	case opts.StepSize <= 0 || opts.StepSize > s.t:
		return fmt.Errorf("%w: step size %d not in [1, %d]", ErrOptions, opts.StepSize, s.t)
	case s.t%opts.StepSize != 0:
		return fmt.Errorf("%w: step size %d does not divide T=%d", ErrOptions, opts.StepSize, s.t)
	case opts.DDIMScale < 0 || opts.DDIMScale > 1 || math.IsNaN(opts.DDIMScale):
		return fmt.Errorf("%w: ddim scale %v not in [0, 1]", ErrOptions, opts.DDIMScale)
	case opts.GuidanceScale < 0 || math.IsNaN(opts.GuidanceScale):
		return fmt.Errorf("%w: guidance scale %v", ErrOptions, opts.GuidanceScale)
	case opts.ClassLabel < denoiser.NoClass:
		return fmt.Errorf("%w: class label %d", ErrOptions, opts.ClassLabel)
	case opts.ClassLabel != denoiser.NoClass && !s.model.Capabilities().Has(denoiser.ClassEmbedding):
		return denoiser.ErrUnconditional
	}
	return nil
}

// Sample runs the reverse process. fn, if not nil, is called after every
// step with the number of completed steps and the total.
func (s *Sampler) Sample(opts Options, fn func(step, total int)) (*Result, error) {
	if err := s.validate(opts); err != nil {
		return nil, err
	}

	sched, err := schedule.NewStrided(s.family, s.t, opts.StepSize)
	if err != nil {
		return nil, err
	}
	process := diffusion.New(sched, rand.NewSource(s.rng.Uint64()))

	n := opts.BatchSize
	x := process.Gaussian(n, s.shape[0], s.shape[1], s.shape[2])

	var res Result
	if opts.Trajectory {
		if err := res.record(x); err != nil {
			return nil, err
		}
	}

	total := sched.Len() - 1
	for i := total; i >= 1; i-- {
		t := sched.Timestep(i)
		ts := make([]int, n)
		for k := range ts {
			ts[k] = t
		}

		eps, v, err := s.predict(x, ts, opts)
		if err != nil {
			return nil, fmt.Errorf("timestep %d: %w", t, err)
		}

		if x, err = s.step(process, x, eps, v, ts, i, opts.DDIMScale); err != nil {
			return nil, fmt.Errorf("timestep %d: %w", t, err)
		}

		res.Steps++
		logutil.Trace("sample step", "t", t, "step", res.Steps, "total", total)
		if opts.Trajectory {
			if err := res.record(x); err != nil {
				return nil, err
			}
		}
		if fn != nil {
			fn(res.Steps, total)
		}
	}

	if res.Images, err = diffusion.Unreduce(x); err != nil {
		return nil, err
	}
	return &res, nil
}

func (r *Result) record(x *tensor.Dense) error {
	img, err := diffusion.Unreduce(x)
	if err != nil {
		return err
	}
	r.Trajectory = append(r.Trajectory, img)
	return nil
}

// predict queries the denoiser, applying classifier-free guidance when a
// class label and a positive guidance scale are given.
func (s *Sampler) predict(x *tensor.Dense, ts []int, opts Options) (*tensor.Dense, *tensor.Dense, error) {
	n := len(ts)
	if opts.ClassLabel == denoiser.NoClass {
		return s.model.Predict(x, ts, denoiser.Unconditional(n))
	}

	labels := make([]int, n)
	for i := range labels {
		labels[i] = opts.ClassLabel
	}
	cond, v, err := s.model.Predict(x, ts, denoiser.Condition{Labels: labels})
	if err != nil {
		return nil, nil, err
	}
	if opts.GuidanceScale == 0 {
		return cond, v, nil
	}

	uncond, _, err := s.model.Predict(x, ts, denoiser.Unconditional(n))
	if err != nil {
		return nil, nil, err
	}
	guided, err := Guide(cond, uncond, opts.GuidanceScale)
	if err != nil {
		return nil, nil, err
	}
	return guided, v, nil
}

// Guide returns (1+w)·cond - w·uncond.
func Guide(cond, uncond *tensor.Dense, w float64) (*tensor.Dense, error) {
	if err := batch.SameShape(cond, uncond); err != nil {
		return nil, err
	}
	cs, err := batch.Floats(cond)
	if err != nil {
		return nil, err
	}
	us, err := batch.Floats(uncond)
	if err != nil {
		return nil, err
	}

	out := batch.Like(cond)
	dst := out.Data().([]float32)
	for k := range cs {
		dst[k] = float32((1+w)*float64(cs[k]) - w*float64(us[k]))
	}
	return out, nil
}

// step moves x from schedule position i to i-1. No noise is added when
// landing on position 0.
func (s *Sampler) step(p *diffusion.Process, x, eps, v *tensor.Dense, ts []int, i int, scale float64) (*tensor.Dense, error) {
	final := i == 1

	if scale == 1 {
		mean, err := p.NoiseToMean(eps, x, ts)
		if err != nil {
			return nil, err
		}
		if final {
			return mean, nil
		}
		variance, err := p.VsToVariance(v, ts)
		if err != nil {
			return nil, err
		}

		ms := mean.Data().([]float32)
		vs := variance.Data().([]float32)
		z := p.Gaussian(batch.Shape(x)...).Data().([]float32)
		for k := range ms {
			ms[k] += float32(math.Sqrt(float64(vs[k]))) * z[k]
		}
		return mean, nil
	}

	x0, err := p.PredictStart(eps, x, ts)
	if err != nil {
		return nil, err
	}
	vs, err := batch.Floats(v)
	if err != nil {
		return nil, err
	}

	sched := p.Schedule()
	prev := sched.AlphaBarPrev(i)
	sqrtPrev := sched.SqrtAlphaBarPrev(i)

	var z []float32
	if !final && scale > 0 {
		z = p.Gaussian(batch.Shape(x)...).Data().([]float32)
	}

	xs := x0.Data().([]float32)
	es := eps.Data().([]float32)
	for k := range xs {
		sigma := scale * math.Sqrt(p.Variance(float64(vs[k]), i))
		dir := math.Sqrt(max(1-prev-sigma*sigma, 0))
		next := sqrtPrev*float64(xs[k]) + dir*float64(es[k])
		if z != nil {
			next += sigma * float64(z[k])
		}
		xs[k] = float32(next)
	}
	return x0, nil
}
