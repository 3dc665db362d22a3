package loss

import (
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// TimestepSampler draws training timesteps uniformly until the history is
// ready and from the history's loss distribution afterwards. It only decides
// which timesteps are trained; losses are never reweighted.
type TimestepSampler struct {
	history *History
	src     rand.Source
	rng     *rand.Rand
}

func NewTimestepSampler(h *History, src rand.Source) *TimestepSampler {
	return &TimestepSampler{history: h, src: src, rng: rand.New(src)}
}

// Adaptive reports whether Sample draws from the loss distribution.
func (s *TimestepSampler) Adaptive() bool {
	return s.history.Ready()
}

// Sample returns n timesteps in the history's range.
func (s *TimestepSampler) Sample(n int) ([]int, error) {
	lo, hi := s.history.Range()
	out := make([]int, n)

	if !s.history.Ready() {
		for i := range out {
			out[i] = lo + s.rng.Intn(hi-lo+1)
		}
		return out, nil
	}

	weights, err := s.history.Distribution()
	if err != nil {
		return nil, err
	}
	dist := distuv.NewCategorical(weights, s.src)
	for i := range out {
		out[i] = lo + int(dist.Rand())
	}
	return out, nil
}
