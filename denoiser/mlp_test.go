package denoiser

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pdevine/tensor"
	"golang.org/x/exp/rand"

	"github.com/ollama/diffusion/internal/batch"
)

func newTestMLP(t *testing.T, cfg Config) *MLP {
	t.Helper()
	m, err := NewMLP(cfg, rand.NewSource(1))
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func randomBatch(seed uint64, dims ...int) *tensor.Dense {
	rng := rand.New(rand.NewSource(seed))
	x := batch.New(dims...)
	data := x.Data().([]float32)
	for i := range data {
		data[i] = float32(rng.NormFloat64())
	}
	return x
}

func TestCapabilities(t *testing.T) {
	cases := []struct {
		cfg  Config
		want Capability
		str  string
	}{
		{Config{Channels: 1, Hidden: 4}, 0, "none"},
		{Config{Channels: 1, Hidden: 4, TimeDim: 4}, TimeEmbedding, "time"},
		{Config{Channels: 1, Hidden: 4, TimeDim: 4, ClassDim: 2, Classes: 3}, TimeEmbedding | ClassEmbedding, "time|class"},
		{Config{Channels: 1, Hidden: 4, ClassDim: 2}, 0, "none"},
	}

	for _, tt := range cases {
		got := newTestMLP(t, tt.cfg).Capabilities()
		if got != tt.want {
			t.Errorf("%+v: capabilities = %v, want %v", tt.cfg, got, tt.want)
		}
		if got.String() != tt.str {
			t.Errorf("%+v: string = %q, want %q", tt.cfg, got.String(), tt.str)
		}
	}
}

func TestNewMLPInvalid(t *testing.T) {
	for _, cfg := range []Config{
		{Channels: 0, Hidden: 4},
		{Channels: 1, Hidden: 0},
		{Channels: 1, Hidden: 4, TimeDim: 3},
	} {
		if _, err := NewMLP(cfg, rand.NewSource(1)); err == nil {
			t.Errorf("%+v: expected error", cfg)
		}
	}
}

func TestPredictShape(t *testing.T) {
	m := newTestMLP(t, Config{Channels: 3, Hidden: 8, TimeDim: 4})
	x := randomBatch(2, 2, 3, 5, 4)

	noise, v, err := m.Predict(x, []int{1, 50}, Condition{})
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(batch.Shape(x), batch.Shape(noise)); diff != "" {
		t.Errorf("noise shape (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(batch.Shape(x), batch.Shape(v)); diff != "" {
		t.Errorf("v shape (-want +got):\n%s", diff)
	}
	for i, f := range v.Data().([]float32) {
		if f <= 0 || f >= 1 {
			t.Fatalf("v[%d] = %v, want in (0, 1)", i, f)
		}
	}
}

func TestPredictThreadsAgree(t *testing.T) {
	cfg := Config{Channels: 2, Hidden: 8, TimeDim: 4, ClassDim: 2, Classes: 2}
	x := randomBatch(3, 5, 2, 3, 3)
	ts := []int{1, 2, 3, 4, 5}
	cond := Condition{Labels: []int{0, 1, NoClass, 1, 0}}

	cfg.Threads = 1
	serial := newTestMLP(t, cfg)
	cfg.Threads = 4
	parallel := newTestMLP(t, cfg)

	n1, v1, err := serial.Predict(x, ts, cond)
	if err != nil {
		t.Fatal(err)
	}
	n2, v2, err := parallel.Predict(x, ts, cond)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(n1.Data(), n2.Data()); diff != "" {
		t.Errorf("noise differs (-serial +parallel):\n%s", diff)
	}
	if diff := cmp.Diff(v1.Data(), v2.Data()); diff != "" {
		t.Errorf("v differs (-serial +parallel):\n%s", diff)
	}
}

func TestPredictTimeMatters(t *testing.T) {
	m := newTestMLP(t, Config{Channels: 1, Hidden: 8, TimeDim: 8})
	x := randomBatch(4, 1, 1, 3, 3)

	a, _, err := m.Predict(x, []int{1}, Condition{})
	if err != nil {
		t.Fatal(err)
	}
	b, _, err := m.Predict(x, []int{500}, Condition{})
	if err != nil {
		t.Fatal(err)
	}
	if cmp.Equal(a.Data(), b.Data()) {
		t.Error("prediction ignores the timestep")
	}
}

func TestPredictConditionErrors(t *testing.T) {
	x := randomBatch(5, 2, 1, 2, 2)

	plain := newTestMLP(t, Config{Channels: 1, Hidden: 4, TimeDim: 2})
	if _, _, err := plain.Predict(x, []int{1, 1}, Condition{Labels: []int{0, NoClass}}); !errors.Is(err, ErrUnconditional) {
		t.Errorf("err = %v, want %v", err, ErrUnconditional)
	}
	if _, _, err := plain.Predict(x, []int{1, 1}, Unconditional(2)); err != nil {
		t.Errorf("unconditional labels rejected: %v", err)
	}

	cond := newTestMLP(t, Config{Channels: 1, Hidden: 4, TimeDim: 2, ClassDim: 2, Classes: 2})
	if _, _, err := cond.Predict(x, []int{1, 1}, Condition{Labels: []int{2, 0}}); err == nil {
		t.Error("expected out of range label error")
	}
	if _, _, err := cond.Predict(x, []int{1, 1}, Condition{Labels: []int{0}}); !errors.Is(err, batch.ErrShape) {
		t.Errorf("err = %v, want %v", err, batch.ErrShape)
	}
	if _, _, err := cond.Predict(x, []int{1}, Condition{}); !errors.Is(err, batch.ErrShape) {
		t.Errorf("err = %v, want %v", err, batch.ErrShape)
	}
	if _, _, err := cond.Predict(randomBatch(1, 2, 3, 2, 2), []int{1, 1}, Condition{}); !errors.Is(err, batch.ErrShape) {
		t.Errorf("err = %v, want %v", err, batch.ErrShape)
	}
}

func TestBackwardBeforePredict(t *testing.T) {
	m := newTestMLP(t, Config{Channels: 1, Hidden: 4})
	g := batch.New(1, 1, 2, 2)
	if err := m.Backward(g, g); err == nil {
		t.Error("expected error")
	}
}

// objective is a fixed linear functional of the outputs, so its gradient
// with respect to them is exactly (gn, gv).
func objective(t *testing.T, m *MLP, x *tensor.Dense, ts []int, cond Condition, gn, gv []float32) float64 {
	t.Helper()
	noise, v, err := m.Predict(x, ts, cond)
	if err != nil {
		t.Fatal(err)
	}
	var sum float64
	for i, f := range noise.Data().([]float32) {
		sum += float64(gn[i]) * float64(f)
	}
	for i, f := range v.Data().([]float32) {
		sum += float64(gv[i]) * float64(f)
	}
	return sum
}

func TestBackwardMatchesFiniteDifference(t *testing.T) {
	m := newTestMLP(t, Config{Channels: 2, Hidden: 6, TimeDim: 4, ClassDim: 3, Classes: 2, Threads: 2})
	x := randomBatch(6, 2, 2, 3, 3)
	ts := []int{3, 17}
	cond := Condition{Labels: []int{1, NoClass}}

	gradNoise := randomBatch(7, 2, 2, 3, 3)
	gradV := randomBatch(8, 2, 2, 3, 3)
	gn := gradNoise.Data().([]float32)
	gv := gradV.Data().([]float32)

	objective(t, m, x, ts, cond, gn, gv)
	if err := m.Backward(gradNoise, gradV); err != nil {
		t.Fatal(err)
	}

	const h = 1e-2
	for _, p := range m.Parameters() {
		value := p.Value.RawMatrix().Data
		grad := p.Grad.RawMatrix().Data
		for _, j := range []int{0, len(value) / 2, len(value) - 1} {
			orig := value[j]
			value[j] = orig + h
			up := objective(t, m, x, ts, cond, gn, gv)
			value[j] = orig - h
			down := objective(t, m, x, ts, cond, gn, gv)
			value[j] = orig

			numeric := (up - down) / (2 * h)
			if math.Abs(numeric-grad[j]) > 1e-2+0.05*math.Abs(numeric) {
				t.Errorf("%s[%d]: analytic %v, numeric %v", p.Name, j, grad[j], numeric)
			}
		}
	}
}

func TestTimestepEmbedding(t *testing.T) {
	got := TimestepEmbedding(0, 4)
	if diff := cmp.Diff([]float64{0, 0, 1, 1}, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	e := TimestepEmbedding(7, 6)
	for i := range 3 {
		if s := e[i]*e[i] + e[3+i]*e[3+i]; math.Abs(s-1) > 1e-12 {
			t.Errorf("pair %d has norm %v", i, s)
		}
	}
}
