// Package checkpoint stores model parameters, optimizer moments and
// hyperparameters in the safetensors layout, with the resumable trainer
// state in a CBOR sidecar.
package checkpoint

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"github.com/ollama/diffusion/denoiser"
)

// DType is the storage type of model weights. Optimizer moments are always
// stored as F32.
type DType string

const (
	F32  DType = "F32"
	F16  DType = "F16"
	BF16 DType = "BF16"
)

func ParseDType(s string) (DType, error) {
	switch d := DType(strings.ToUpper(s)); d {
	case "":
		return F32, nil
	case F32, F16, BF16:
		return d, nil
	default:
		return "", fmt.Errorf("unknown dtype %q", s)
	}
}

func (d DType) size() int {
	if d == F32 {
		return 4
	}
	return 2
}

const (
	metadataKey = "__metadata__"
	momentM     = "optim.m."
	momentV     = "optim.v."
)

// Reserved metadata keys written next to the hyperparameters.
const (
	KeyRunID    = "run_id"
	KeyEpoch    = "epoch"
	KeyDType    = "dtype"
	KeyAdamStep = "adam_step"
)

var ErrFormat = errors.New("invalid checkpoint")

type tensorHeader struct {
	Type    string  `json:"dtype"`
	Shape   []int   `json:"shape"`
	Offsets []int64 `json:"data_offsets"`
}

// Tensor is a decoded checkpoint entry.
type Tensor struct {
	Shape []int
	Data  []float64
}

// Dense returns t as a matrix. Vectors become a single row.
func (t Tensor) Dense() (*mat.Dense, error) {
	for _, d := range t.Shape {
		if d <= 0 {
			return nil, fmt.Errorf("%w: empty tensor of shape %v", ErrFormat, t.Shape)
		}
	}

	switch len(t.Shape) {
	case 1:
		return mat.NewDense(1, t.Shape[0], t.Data), nil
	case 2:
		return mat.NewDense(t.Shape[0], t.Shape[1], t.Data), nil
	default:
		return nil, fmt.Errorf("%w: tensor of rank %d", ErrFormat, len(t.Shape))
	}
}

// Checkpoint is a loaded checkpoint file.
type Checkpoint struct {
	Hyperparameters Hyperparameters
	Metadata        map[string]string
	Tensors         map[string]Tensor
}

// Epoch returns the epoch recorded in the metadata, or 0.
func (c *Checkpoint) Epoch() int {
	n, _ := strconv.Atoi(c.Metadata[KeyEpoch])
	return n
}

// Apply copies stored weights into params by name.
func (c *Checkpoint) Apply(params []*denoiser.Parameter) error {
	for _, p := range params {
		t, ok := c.Tensors[p.Name]
		if !ok {
			return fmt.Errorf("%w: missing tensor %q", ErrFormat, p.Name)
		}
		if !slices.Equal(t.Shape, p.Shape()) {
			return fmt.Errorf("%w: tensor %q has shape %v, want %v", ErrFormat, p.Name, t.Shape, p.Shape())
		}
		if err := p.Set(t.Data); err != nil {
			return err
		}
	}
	return nil
}

// Model rebuilds the MLP described by the hyperparameters with the stored
// weights. threads limits the workers of its forward pass.
func (c *Checkpoint) Model(threads int) (*denoiser.MLP, error) {
	cfg := c.Hyperparameters.Model()
	cfg.Threads = threads

	m, err := denoiser.NewMLP(cfg, rand.NewSource(0))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if err := c.Apply(m.Parameters()); err != nil {
		return nil, err
	}
	return m, nil
}

// ApplyOptimizer restores Adam moments. A checkpoint without moments leaves
// the optimizer untouched.
func (c *Checkpoint) ApplyOptimizer(opt *denoiser.Adam) error {
	m := make(map[string]*mat.Dense)
	v := make(map[string]*mat.Dense)
	for name, t := range c.Tensors {
		var dst map[string]*mat.Dense
		switch {
		case strings.HasPrefix(name, momentM):
			dst, name = m, strings.TrimPrefix(name, momentM)
		case strings.HasPrefix(name, momentV):
			dst, name = v, strings.TrimPrefix(name, momentV)
		default:
			continue
		}
		d, err := t.Dense()
		if err != nil {
			return err
		}
		dst[name] = d
	}
	if len(m) == 0 && len(v) == 0 {
		return nil
	}

	step, err := strconv.Atoi(c.Metadata[KeyAdamStep])
	if err != nil {
		return fmt.Errorf("%w: adam step: %v", ErrFormat, err)
	}
	if err := opt.Restore(step, m, v); err != nil {
		return fmt.Errorf("%w: %v", ErrFormat, err)
	}
	return nil
}

type entry struct {
	name  string
	dtype DType
	shape []int
	data  []float64
}

// Save writes params, optional optimizer moments and metadata to path. The
// file is written to a temporary name first and renamed into place.
func Save(path string, hp Hyperparameters, dtype DType, params []*denoiser.Parameter, opt *denoiser.Adam, meta map[string]string) error {
	metadata, err := hp.encode()
	if err != nil {
		return err
	}
	for k, v := range meta {
		metadata[k] = v
	}
	metadata[KeyDType] = string(dtype)

	var entries []entry
	for _, p := range params {
		entries = append(entries, entry{name: p.Name, dtype: dtype, shape: p.Shape(), data: p.Value.RawMatrix().Data})
	}
	if opt != nil {
		metadata[KeyAdamStep] = strconv.Itoa(opt.StepCount())
		m, v := opt.Moments()
		for _, name := range sortedKeys(m) {
			r, c := m[name].Dims()
			entries = append(entries,
				entry{name: momentM + name, dtype: F32, shape: []int{r, c}, data: m[name].RawMatrix().Data},
				entry{name: momentV + name, dtype: F32, shape: []int{r, c}, data: v[name].RawMatrix().Data},
			)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	f, err := os.CreateTemp(filepath.Dir(path), ".checkpoint-*")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())
	defer f.Close()

	if err := write(f, entries, metadata); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := maps.Keys(m)
	slices.Sort(keys)
	return keys
}

func write(w io.Writer, entries []entry, metadata map[string]string) error {
	header := map[string]any{metadataKey: metadata}

	var offset int64
	for _, e := range entries {
		size := int64(len(e.data) * e.dtype.size())
		header[e.name] = tensorHeader{Type: string(e.dtype), Shape: e.shape, Offsets: []int64{offset, offset + size}}
		offset += size
	}

	b, err := json.Marshal(header)
	if err != nil {
		return err
	}
	// pad the header so tensor data is 8 byte aligned
	if pad := len(b) % 8; pad != 0 {
		b = append(b, bytes.Repeat([]byte{' '}, 8-pad)...)
	}

	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, int64(len(b))); err != nil {
		return err
	}
	if _, err := bw.Write(b); err != nil {
		return err
	}

	for _, e := range entries {
		if err := encode(bw, e.dtype, e.data); err != nil {
			return fmt.Errorf("%s: %w", e.name, err)
		}
	}
	return bw.Flush()
}

func encode(w io.Writer, dtype DType, data []float64) error {
	f32s := make([]float32, len(data))
	for i, v := range data {
		f32s[i] = float32(v)
	}

	switch dtype {
	case F32:
		return binary.Write(w, binary.LittleEndian, f32s)
	case F16:
		u16s := make([]uint16, len(f32s))
		for i := range f32s {
			u16s[i] = float16.Fromfloat32(f32s[i]).Bits()
		}
		return binary.Write(w, binary.LittleEndian, u16s)
	case BF16:
		_, err := w.Write(bfloat16.EncodeFloat32(f32s))
		return err
	default:
		return fmt.Errorf("unknown data type: %s", dtype)
	}
}

// Load reads a checkpoint written by Save.
func Load(path string) (*Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var n int64
	if err := binary.Read(f, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if n <= 0 || n > 100<<20 {
		return nil, fmt.Errorf("%w: header length %d", ErrFormat, n)
	}

	b := bytes.NewBuffer(make([]byte, 0, n))
	if _, err := io.CopyN(b, f, n); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}

	var raw map[string]json.RawMessage
	if err := json.NewDecoder(b).Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}

	c := &Checkpoint{Metadata: make(map[string]string), Tensors: make(map[string]Tensor)}
	if m, ok := raw[metadataKey]; ok {
		if err := json.Unmarshal(m, &c.Metadata); err != nil {
			return nil, fmt.Errorf("%w: metadata: %v", ErrFormat, err)
		}
		delete(raw, metadataKey)
	}
	if c.Hyperparameters, err = decodeHyperparameters(c.Metadata); err != nil {
		return nil, err
	}

	for _, name := range sortedKeys(raw) {
		var h tensorHeader
		if err := json.Unmarshal(raw[name], &h); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrFormat, name, err)
		}
		t, err := readTensor(f, 8+n, h)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		c.Tensors[name] = t
	}
	return c, nil
}

func readTensor(r io.ReadSeeker, base int64, h tensorHeader) (Tensor, error) {
	if len(h.Offsets) != 2 || h.Offsets[0] < 0 || h.Offsets[1] < h.Offsets[0] {
		return Tensor{}, fmt.Errorf("%w: offsets %v", ErrFormat, h.Offsets)
	}
	size := h.Offsets[1] - h.Offsets[0]

	var width int64
	switch h.Type {
	case "F32":
		width = 4
	case "F16", "BF16":
		width = 2
	default:
		return Tensor{}, fmt.Errorf("%w: unknown data type: %s", ErrFormat, h.Type)
	}

	// the shape must account for exactly the bytes the offsets claim
	count := int64(1)
	for _, d := range h.Shape {
		if d < 0 || (d > 0 && count > size/width/int64(d)) {
			return Tensor{}, fmt.Errorf("%w: shape %v does not fit %d bytes", ErrFormat, h.Shape, size)
		}
		count *= int64(d)
	}
	if count*width != size {
		return Tensor{}, fmt.Errorf("%w: shape %v holds %d values, found %d bytes of %s", ErrFormat, h.Shape, count, size, h.Type)
	}

	if _, err := r.Seek(base+h.Offsets[0], io.SeekStart); err != nil {
		return Tensor{}, err
	}

	var f32s []float32
	switch h.Type {
	case "F32":
		f32s = make([]float32, size/4)
		if err := binary.Read(r, binary.LittleEndian, f32s); err != nil {
			return Tensor{}, err
		}
	case "F16":
		u16s := make([]uint16, size/2)
		if err := binary.Read(r, binary.LittleEndian, u16s); err != nil {
			return Tensor{}, err
		}

		f32s = make([]float32, len(u16s))
		for i := range u16s {
			f32s[i] = float16.Frombits(u16s[i]).Float32()
		}
	case "BF16":
		u8s := make([]uint8, size)
		if _, err := io.ReadFull(r, u8s); err != nil {
			return Tensor{}, err
		}

		f32s = bfloat16.DecodeFloat32(u8s)
	default:
		return Tensor{}, fmt.Errorf("%w: unknown data type: %s", ErrFormat, h.Type)
	}

	data := make([]float64, len(f32s))
	for i, v := range f32s {
		data[i] = float64(v)
	}
	return Tensor{Shape: h.Shape, Data: data}, nil
}
