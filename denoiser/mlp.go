package denoiser

import (
	"fmt"
	"math"
	"runtime"

	"github.com/pdevine/tensor"
	"golang.org/x/exp/rand"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/ollama/diffusion/internal/batch"
)

// patch is the side of the square neighbourhood each pixel sees.
const patch = 3

// Config describes an MLP. Threads is a runtime setting and is not stored
// with checkpoints.
type Config struct {
	Channels int
	Hidden   int
	TimeDim  int
	ClassDim int
	Classes  int
	Threads  int
}

// DefaultConfig returns a small unconditional model for c channels.
func DefaultConfig(c int) Config {
	return Config{Channels: c, Hidden: 64, TimeDim: 16}
}

func (c Config) features() int {
	f := c.Channels*patch*patch + c.TimeDim
	if c.conditional() {
		f += c.ClassDim
	}
	return f
}

func (c Config) conditional() bool {
	return c.Classes > 0 && c.ClassDim > 0
}

// MLP is a per-pixel multilayer perceptron over 3x3 neighbourhoods with
// optional sinusoidal time and learned class embeddings. Every pixel shares
// the same weights. It is not safe for concurrent use; Backward reads the
// activations cached by the previous Predict.
type MLP struct {
	cfg Config

	in, inBias         *Parameter
	hidden, hiddenBias *Parameter
	out, outBias       *Parameter
	class              *Parameter

	last *pass
}

// pass holds the activations of one Predict call.
type pass struct {
	h, w    int
	labels  []int
	samples []*activations
	v       []float32
}

type activations struct {
	x, z1, h1, z2, h2 *mat.Dense
}

// NewMLP initializes an MLP with weights drawn from src.
func NewMLP(cfg Config, src rand.Source) (*MLP, error) {
	if cfg.Channels <= 0 || cfg.Hidden <= 0 {
		return nil, fmt.Errorf("invalid mlp config: channels=%d hidden=%d", cfg.Channels, cfg.Hidden)
	}
	if cfg.TimeDim < 0 || cfg.TimeDim%2 != 0 {
		return nil, fmt.Errorf("invalid mlp config: time_dim=%d must be even", cfg.TimeDim)
	}

	m := &MLP{
		cfg:        cfg,
		in:         newParameter("in.weight", cfg.features(), cfg.Hidden),
		inBias:     newParameter("in.bias", 1, cfg.Hidden),
		hidden:     newParameter("hidden.weight", cfg.Hidden, cfg.Hidden),
		hiddenBias: newParameter("hidden.bias", 1, cfg.Hidden),
		out:        newParameter("out.weight", cfg.Hidden, 2*cfg.Channels),
		outBias:    newParameter("out.bias", 1, 2*cfg.Channels),
	}
	if cfg.conditional() {
		// the extra row is the null class
		m.class = newParameter("class.embedding", cfg.Classes+1, cfg.ClassDim)
	}

	rng := rand.New(src)
	initNormal(rng, m.in.Value, math.Sqrt(1/float64(cfg.features())))
	initNormal(rng, m.hidden.Value, math.Sqrt(1/float64(cfg.Hidden)))
	initNormal(rng, m.out.Value, 0.1*math.Sqrt(1/float64(cfg.Hidden)))
	if m.class != nil {
		initNormal(rng, m.class.Value, 0.1)
	}
	return m, nil
}

func initNormal(rng *rand.Rand, m *mat.Dense, std float64) {
	data := m.RawMatrix().Data
	for i := range data {
		data[i] = rng.NormFloat64() * std
	}
}

// Config returns the configuration the model was built with.
func (m *MLP) Config() Config {
	return m.cfg
}

func (m *MLP) Capabilities() Capability {
	var c Capability
	if m.cfg.TimeDim > 0 {
		c |= TimeEmbedding
	}
	if m.cfg.conditional() {
		c |= ClassEmbedding
	}
	return c
}

func (m *MLP) Parameters() []*Parameter {
	params := []*Parameter{m.in, m.inBias, m.hidden, m.hiddenBias, m.out, m.outBias}
	if m.class != nil {
		params = append(params, m.class)
	}
	return params
}

func (m *MLP) threads() int {
	if m.cfg.Threads > 0 {
		return m.cfg.Threads
	}
	return runtime.GOMAXPROCS(0)
}

func (m *MLP) Predict(xt *tensor.Dense, t []int, cond Condition) (*tensor.Dense, *tensor.Dense, error) {
	shape := batch.Shape(xt)
	n, per, err := batch.Dims(xt)
	if err != nil {
		return nil, nil, err
	}
	if shape[1] != m.cfg.Channels {
		return nil, nil, fmt.Errorf("%w: model has %d channels, input has %d", batch.ErrShape, m.cfg.Channels, shape[1])
	}
	if len(t) != n {
		return nil, nil, fmt.Errorf("%w: %d timesteps for %d samples", batch.ErrShape, len(t), n)
	}

	labels, err := m.labels(cond, n)
	if err != nil {
		return nil, nil, err
	}

	src, err := batch.Floats(xt)
	if err != nil {
		return nil, nil, err
	}

	noise := batch.Like(xt)
	v := batch.Like(xt)
	noiseData := noise.Data().([]float32)
	vData := v.Data().([]float32)

	p := &pass{h: shape[2], w: shape[3], labels: labels, samples: make([]*activations, n), v: vData}

	var g errgroup.Group
	g.SetLimit(m.threads())
	for i := range n {
		g.Go(func() error {
			lo, hi := i*per, (i+1)*per
			p.samples[i] = m.forward(src[lo:hi], p.h, p.w, t[i], labels[i], noiseData[lo:hi], vData[lo:hi])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	m.last = p
	return noise, v, nil
}

func (m *MLP) labels(cond Condition, n int) ([]int, error) {
	if cond.Labels == nil {
		return Unconditional(n).Labels, nil
	}
	if len(cond.Labels) != n {
		return nil, fmt.Errorf("%w: %d labels for %d samples", batch.ErrShape, len(cond.Labels), n)
	}
	if cond.Conditioned() && !m.Capabilities().Has(ClassEmbedding) {
		return nil, ErrUnconditional
	}
	for _, l := range cond.Labels {
		if l != NoClass && (l < 0 || l >= m.cfg.Classes) {
			return nil, fmt.Errorf("class label %d out of range [0, %d)", l, m.cfg.Classes)
		}
	}
	return append([]int(nil), cond.Labels...), nil
}

// classRow maps a label onto the embedding table.
func (m *MLP) classRow(label int) int {
	if label == NoClass {
		return m.cfg.Classes
	}
	return label
}

// features builds the (H*W, F) input matrix for one sample: the 3x3
// neighbourhood of every channel with zero padding, followed by the time and
// class embeddings shared by every pixel.
func (m *MLP) features(x []float32, h, w, t, label int) *mat.Dense {
	c := m.cfg.Channels
	feat := mat.NewDense(h*w, m.cfg.features(), nil)

	var extra []float64
	if m.cfg.TimeDim > 0 {
		extra = append(extra, TimestepEmbedding(t, m.cfg.TimeDim)...)
	}
	if m.class != nil {
		extra = append(extra, m.class.Value.RawRowView(m.classRow(label))...)
	}

	for y := range h {
		for xx := range w {
			row := feat.RawRowView(y*w + xx)
			for ch := range c {
				plane := x[ch*h*w : (ch+1)*h*w]
				for dy := -1; dy <= 1; dy++ {
					for dx := -1; dx <= 1; dx++ {
						yy, xc := y+dy, xx+dx
						if yy < 0 || yy >= h || xc < 0 || xc >= w {
							continue
						}
						row[ch*patch*patch+(dy+1)*patch+dx+1] = float64(plane[yy*w+xc])
					}
				}
			}
			copy(row[c*patch*patch:], extra)
		}
	}
	return feat
}

func (m *MLP) forward(x []float32, h, w, t, label int, noise, v []float32) *activations {
	a := &activations{x: m.features(x, h, w, t, label)}

	a.z1 = affine(a.x, m.in.Value, m.inBias.Value)
	a.h1 = apply(a.z1, silu)
	a.z2 = affine(a.h1, m.hidden.Value, m.hiddenBias.Value)
	a.h2 = apply(a.z2, silu)
	out := affine(a.h2, m.out.Value, m.outBias.Value)

	c := m.cfg.Channels
	pixels := h * w
	for p := range pixels {
		row := out.RawRowView(p)
		for ch := range c {
			noise[ch*pixels+p] = float32(row[ch])
			v[ch*pixels+p] = float32(sigmoid(row[c+ch]))
		}
	}
	return a
}

// grads holds one sample's parameter gradients.
type grads struct {
	in, inBias, hidden, hiddenBias, out, outBias *mat.Dense
	class                                        *mat.Dense
}

func (m *MLP) Backward(gradNoise, gradV *tensor.Dense) error {
	if m.last == nil {
		return fmt.Errorf("backward called before predict")
	}
	if err := batch.SameShape(gradNoise, gradV); err != nil {
		return err
	}
	n, per, err := batch.Dims(gradNoise)
	if err != nil {
		return err
	}
	if n != len(m.last.samples) || per != len(m.last.v)/max(n, 1) {
		return fmt.Errorf("%w: gradient does not match the last prediction", batch.ErrShape)
	}

	gn, err := batch.Floats(gradNoise)
	if err != nil {
		return err
	}
	gv, err := batch.Floats(gradV)
	if err != nil {
		return err
	}

	all := make([]*grads, n)

	var g errgroup.Group
	g.SetLimit(m.threads())
	for i := range n {
		g.Go(func() error {
			lo, hi := i*per, (i+1)*per
			all[i] = m.backward(m.last.samples[i], m.last.h*m.last.w, gn[lo:hi], gv[lo:hi], m.last.v[lo:hi])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, gs := range all {
		m.in.Grad.Add(m.in.Grad, gs.in)
		m.inBias.Grad.Add(m.inBias.Grad, gs.inBias)
		m.hidden.Grad.Add(m.hidden.Grad, gs.hidden)
		m.hiddenBias.Grad.Add(m.hiddenBias.Grad, gs.hiddenBias)
		m.out.Grad.Add(m.out.Grad, gs.out)
		m.outBias.Grad.Add(m.outBias.Grad, gs.outBias)
		if m.class != nil {
			row := m.class.Grad.RawRowView(m.classRow(m.last.labels[i]))
			for j, d := range gs.class.RawRowView(0) {
				row[j] += d
			}
		}
	}
	return nil
}

func (m *MLP) backward(a *activations, pixels int, gn, gv, v []float32) *grads {
	c := m.cfg.Channels

	dOut := mat.NewDense(pixels, 2*c, nil)
	for p := range pixels {
		row := dOut.RawRowView(p)
		for ch := range c {
			k := ch*pixels + p
			vk := float64(v[k])
			row[ch] = float64(gn[k])
			row[c+ch] = float64(gv[k]) * vk * (1 - vk)
		}
	}

	var gs grads
	gs.out, gs.outBias = linearGrads(a.h2, dOut)

	var dh2 mat.Dense
	dh2.Mul(dOut, m.out.Value.T())
	dz2 := mulElem(&dh2, apply(a.z2, dsilu))
	gs.hidden, gs.hiddenBias = linearGrads(a.h1, dz2)

	var dh1 mat.Dense
	dh1.Mul(dz2, m.hidden.Value.T())
	dz1 := mulElem(&dh1, apply(a.z1, dsilu))
	gs.in, gs.inBias = linearGrads(a.x, dz1)

	if m.class != nil {
		off := c*patch*patch + m.cfg.TimeDim
		rows := m.in.Value.Slice(off, off+m.cfg.ClassDim, 0, m.cfg.Hidden)

		var dx mat.Dense
		dx.Mul(dz1, rows.T())
		gs.class = colSum(&dx)
	}
	return &gs
}

// linearGrads returns the weight and bias gradients of y = x·W + b given dy.
func linearGrads(x, dy *mat.Dense) (dw, db *mat.Dense) {
	dw = &mat.Dense{}
	dw.Mul(x.T(), dy)
	return dw, colSum(dy)
}

func affine(x, w, b *mat.Dense) *mat.Dense {
	var z mat.Dense
	z.Mul(x, w)
	bias := b.RawRowView(0)
	r, _ := z.Dims()
	for i := range r {
		row := z.RawRowView(i)
		for j := range row {
			row[j] += bias[j]
		}
	}
	return &z
}

func apply(x *mat.Dense, fn func(float64) float64) *mat.Dense {
	var out mat.Dense
	out.Apply(func(_, _ int, v float64) float64 { return fn(v) }, x)
	return &out
}

func mulElem(a, b *mat.Dense) *mat.Dense {
	var out mat.Dense
	out.MulElem(a, b)
	return &out
}

func colSum(x *mat.Dense) *mat.Dense {
	r, c := x.Dims()
	out := mat.NewDense(1, c, nil)
	sum := out.RawRowView(0)
	for i := range r {
		for j, v := range x.RawRowView(i) {
			sum[j] += v
		}
	}
	return out
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func silu(x float64) float64 {
	return x * sigmoid(x)
}

func dsilu(x float64) float64 {
	s := sigmoid(x)
	return s * (1 + x*(1-s))
}

// TimestepEmbedding returns the sinusoidal embedding of t with dim values:
// sines in the first half and cosines in the second.
func TimestepEmbedding(t, dim int) []float64 {
	half := dim / 2
	out := make([]float64, dim)
	for i := range half {
		freq := math.Exp(-math.Log(10000) * float64(i) / float64(half))
		out[i] = math.Sin(float64(t) * freq)
		out[half+i] = math.Cos(float64(t) * freq)
	}
	return out
}
