package loss

import (
	"errors"
	"fmt"
	"math"

	"github.com/emirpasic/gods/queues/circularbuffer"

	"github.com/ollama/diffusion/schedule"
)

var ErrNotReady = errors.New("loss history is not ready")

// DefaultCapacity is the number of recent losses kept per timestep.
const DefaultCapacity = 10

// History keeps the most recent VLB losses of every timestep in [min, max]
// in a bounded buffer per timestep. It is owned by a single training loop.
type History struct {
	min, max int
	capacity int
	slots    []*circularbuffer.Queue
}

// NewHistory tracks timesteps lo through hi inclusive.
func NewHistory(lo, hi, capacity int) (*History, error) {
	if lo < 0 || hi < lo {
		return nil, fmt.Errorf("invalid history range [%d, %d]", lo, hi)
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("invalid history capacity %d", capacity)
	}

	h := &History{min: lo, max: hi, capacity: capacity, slots: make([]*circularbuffer.Queue, hi-lo+1)}
	for i := range h.slots {
		h.slots[i] = circularbuffer.New(capacity)
	}
	return h, nil
}

// Range returns the tracked timesteps.
func (h *History) Range() (lo, hi int) {
	return h.min, h.max
}

func (h *History) Capacity() int {
	return h.capacity
}

func (h *History) slot(t int) (*circularbuffer.Queue, error) {
	if t < h.min || t > h.max {
		return nil, fmt.Errorf("%w: %d not in [%d, %d]", schedule.ErrTimestepRange, t, h.min, h.max)
	}
	return h.slots[t-h.min], nil
}

// Record appends loss to t's buffer, evicting the oldest entry when full.
func (h *History) Record(t int, loss float64) error {
	q, err := h.slot(t)
	if err != nil {
		return err
	}
	if q.Full() {
		q.Dequeue()
	}
	q.Enqueue(loss)
	return nil
}

// Losses returns t's recorded losses, oldest first.
func (h *History) Losses(t int) ([]float64, error) {
	q, err := h.slot(t)
	if err != nil {
		return nil, err
	}
	return floats(q), nil
}

func floats(q *circularbuffer.Queue) []float64 {
	values := q.Values()
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = v.(float64)
	}
	return out
}

// Filled counts timesteps whose buffer is full.
func (h *History) Filled() int {
	var n int
	for _, q := range h.slots {
		if q.Full() {
			n++
		}
	}
	return n
}

// Ready reports whether every timestep buffer is full.
func (h *History) Ready() bool {
	return h.Filled() == len(h.slots)
}

// Distribution returns a probability per tracked timestep proportional to
// the root mean square of its recent losses. Index i corresponds to
// timestep min+i. A history of all zero losses yields the uniform
// distribution.
func (h *History) Distribution() ([]float64, error) {
	if !h.Ready() {
		return nil, fmt.Errorf("%w: %d of %d timesteps filled", ErrNotReady, h.Filled(), len(h.slots))
	}

	weights := make([]float64, len(h.slots))
	var sum float64
	for i, q := range h.slots {
		var ss float64
		for _, v := range floats(q) {
			ss += v * v
		}
		weights[i] = math.Sqrt(ss / float64(q.Size()))
		sum += weights[i]
	}

	if sum == 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		for i := range weights {
			weights[i] = 1 / float64(len(weights))
		}
		return weights, nil
	}

	for i := range weights {
		weights[i] /= sum
	}
	return weights, nil
}

// Snapshot is a serializable copy of a History.
type Snapshot struct {
	Min      int         `cbor:"min" json:"min"`
	Max      int         `cbor:"max" json:"max"`
	Capacity int         `cbor:"capacity" json:"capacity"`
	Losses   [][]float64 `cbor:"losses" json:"losses"`
}

func (h *History) Snapshot() Snapshot {
	s := Snapshot{Min: h.min, Max: h.max, Capacity: h.capacity, Losses: make([][]float64, len(h.slots))}
	for i, q := range h.slots {
		s.Losses[i] = floats(q)
	}
	return s
}

// Restore replaces the history's contents with s. The range and capacity
// must match.
func (h *History) Restore(s Snapshot) error {
	if s.Min != h.min || s.Max != h.max || s.Capacity != h.capacity {
		return fmt.Errorf("history snapshot [%d, %d] cap %d does not match [%d, %d] cap %d",
			s.Min, s.Max, s.Capacity, h.min, h.max, h.capacity)
	}
	if len(s.Losses) != len(h.slots) {
		return fmt.Errorf("history snapshot has %d timesteps, want %d", len(s.Losses), len(h.slots))
	}

	for i, q := range h.slots {
		q.Clear()
		for _, v := range s.Losses[i] {
			if q.Full() {
				q.Dequeue()
			}
			q.Enqueue(v)
		}
	}
	return nil
}
