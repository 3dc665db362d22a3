package sampler

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pdevine/tensor"
	"golang.org/x/exp/rand"

	"github.com/ollama/diffusion/denoiser"
	"github.com/ollama/diffusion/internal/batch"
	"github.com/ollama/diffusion/schedule"
)

// constant predicts a fixed noise value per condition and v = 0.5.
type constant struct {
	caps      denoiser.Capability
	cond      float32
	uncond    float32
	calls     int
	timesteps []int
}

func (c *constant) Predict(xt *tensor.Dense, t []int, cond denoiser.Condition) (*tensor.Dense, *tensor.Dense, error) {
	c.calls++
	c.timesteps = append(c.timesteps, t[0])

	value := c.uncond
	if cond.Conditioned() {
		value = c.cond
	}

	noise := batch.Like(xt)
	v := batch.Like(xt)
	for i := range noise.Data().([]float32) {
		noise.Data().([]float32)[i] = value
		v.Data().([]float32)[i] = 0.5
	}
	return noise, v, nil
}

func (c *constant) Capabilities() denoiser.Capability { return c.caps }

func newSampler(t *testing.T, d denoiser.Denoiser, family schedule.Family, T int, seed uint64) *Sampler {
	t.Helper()
	s, err := New(d, family, T, [3]int{3, 8, 8}, rand.NewSource(seed))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestSampleStrided(t *testing.T) {
	model := &constant{}
	s := newSampler(t, model, schedule.Linear, 1000, 1)

	opts := DefaultOptions()
	opts.BatchSize = 2
	opts.DDIMScale = 0
	opts.StepSize = 100

	var progress [][2]int
	res, err := s.Sample(opts, func(step, total int) {
		progress = append(progress, [2]int{step, total})
	})
	if err != nil {
		t.Fatal(err)
	}

	if res.Steps != 10 {
		t.Errorf("steps = %d, want 10", res.Steps)
	}
	if diff := cmp.Diff([]int{2, 3, 8, 8}, batch.Shape(res.Images)); diff != "" {
		t.Errorf("image shape (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{1000, 900, 800, 700, 600, 500, 400, 300, 200, 100}, model.timesteps); diff != "" {
		t.Errorf("timesteps (-want +got):\n%s", diff)
	}
	if len(progress) != 10 || progress[9] != [2]int{10, 10} {
		t.Errorf("progress = %v", progress)
	}
	if res.Trajectory != nil {
		t.Errorf("trajectory recorded without being requested")
	}

	for _, v := range res.Images.Data().([]float32) {
		if v < 0 || v > 255 {
			t.Fatalf("pixel %v outside [0, 255]", v)
		}
	}
}

func TestSampleFullDDPM(t *testing.T) {
	model := &constant{}
	s := newSampler(t, model, schedule.Cosine, 20, 1)

	opts := DefaultOptions()
	opts.Trajectory = true
	res, err := s.Sample(opts, nil)
	if err != nil {
		t.Fatal(err)
	}

	if res.Steps != 20 || model.calls != 20 {
		t.Errorf("steps = %d, calls = %d, want 20", res.Steps, model.calls)
	}
	if len(res.Trajectory) != 21 {
		t.Errorf("trajectory length = %d, want 21", len(res.Trajectory))
	}
	if diff := cmp.Diff(res.Images.Data(), res.Trajectory[20].Data()); diff != "" {
		t.Errorf("last trajectory entry differs from the result (-result +last):\n%s", diff)
	}
}

func TestSampleDeterminism(t *testing.T) {
	for _, scale := range []float64{0, 0.5, 1} {
		opts := DefaultOptions()
		opts.DDIMScale = scale
		opts.StepSize = 5

		a, err := newSampler(t, &constant{}, schedule.Linear, 50, 7).Sample(opts, nil)
		if err != nil {
			t.Fatal(err)
		}
		b, err := newSampler(t, &constant{}, schedule.Linear, 50, 7).Sample(opts, nil)
		if err != nil {
			t.Fatal(err)
		}
		c, err := newSampler(t, &constant{}, schedule.Linear, 50, 8).Sample(opts, nil)
		if err != nil {
			t.Fatal(err)
		}

		if diff := cmp.Diff(a.Images.Data(), b.Images.Data()); diff != "" {
			t.Errorf("scale %v: same seed differs (-a +b):\n%s", scale, diff)
		}
		if cmp.Equal(a.Images.Data(), c.Images.Data()) {
			t.Errorf("scale %v: different seeds produced identical images", scale)
		}
	}
}

func TestSampleGuidance(t *testing.T) {
	model := &constant{caps: denoiser.ClassEmbedding, cond: 0.1, uncond: 0}
	s := newSampler(t, model, schedule.Linear, 10, 1)

	opts := DefaultOptions()
	opts.ClassLabel = 3
	opts.GuidanceScale = 2
	if _, err := s.Sample(opts, nil); err != nil {
		t.Fatal(err)
	}
	if model.calls != 20 {
		t.Errorf("calls = %d, want two per step", model.calls)
	}

	model.calls = 0
	opts.GuidanceScale = 0
	if _, err := s.Sample(opts, nil); err != nil {
		t.Fatal(err)
	}
	if model.calls != 10 {
		t.Errorf("calls = %d, want one per step without guidance", model.calls)
	}
}

func TestGuide(t *testing.T) {
	cond, err := batch.FromFloats([]float32{1, 2}, 1, 1, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	uncond, err := batch.FromFloats([]float32{0, 4}, 1, 1, 1, 2)
	if err != nil {
		t.Fatal(err)
	}

	got, err := Guide(cond, uncond, 2)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float32{3, -2}, got.Data()); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestSampleOptionErrors(t *testing.T) {
	s := newSampler(t, &constant{}, schedule.Linear, 1000, 1)

	cases := []struct {
		name string
		edit func(*Options)
		err  error
	}{
		{"zero step", func(o *Options) { o.StepSize = 0 }, ErrOptions},
		{"step above T", func(o *Options) { o.StepSize = 2000 }, ErrOptions},
		{"step does not divide T", func(o *Options) { o.StepSize = 300 }, ErrOptions},
		{"ddim scale", func(o *Options) { o.DDIMScale = 1.5 }, ErrOptions},
		{"negative ddim scale", func(o *Options) { o.DDIMScale = -0.1 }, ErrOptions},
		{"batch", func(o *Options) { o.BatchSize = 0 }, ErrOptions},
		{"guidance", func(o *Options) { o.GuidanceScale = -1 }, ErrOptions},
		{"label", func(o *Options) { o.ClassLabel = 2 }, denoiser.ErrUnconditional},
		{"negative label", func(o *Options) { o.ClassLabel = -2 }, ErrOptions},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			tt.edit(&opts)
			res, err := s.Sample(opts, nil)
			if !errors.Is(err, tt.err) {
				t.Errorf("err = %v, want %v", err, tt.err)
			}
			if res != nil {
				t.Error("partial result returned")
			}
		})
	}
}

func TestNewErrors(t *testing.T) {
	if _, err := New(&constant{}, schedule.Linear, 0, [3]int{1, 1, 1}, rand.NewSource(1)); !errors.Is(err, ErrOptions) {
		t.Errorf("err = %v, want %v", err, ErrOptions)
	}
	if _, err := New(&constant{}, schedule.Linear, 10, [3]int{1, 0, 1}, rand.NewSource(1)); !errors.Is(err, ErrOptions) {
		t.Errorf("err = %v, want %v", err, ErrOptions)
	}
}

func TestSampleWithMLP(t *testing.T) {
	model, err := denoiser.NewMLP(denoiser.Config{Channels: 3, Hidden: 8, TimeDim: 4, ClassDim: 2, Classes: 4}, rand.NewSource(1))
	if err != nil {
		t.Fatal(err)
	}
	s := newSampler(t, model, schedule.Cosine, 100, 3)

	opts := DefaultOptions()
	opts.StepSize = 25
	opts.DDIMScale = 0.3
	opts.ClassLabel = 1
	opts.GuidanceScale = 1.5

	res, err := s.Sample(opts, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Steps != 4 {
		t.Errorf("steps = %d, want 4", res.Steps)
	}
}
