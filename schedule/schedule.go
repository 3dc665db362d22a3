// Package schedule computes the per-timestep coefficients of the forward
// diffusion process.
package schedule

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// Family selects how β_t is derived.
type Family string

const (
	Linear Family = "linear"
	Cosine Family = "cosine"
)

const (
	betaMin = 1e-10
	betaMax = 0.999

	linearBetaStart = 1e-4
	linearBetaEnd   = 0.02

	cosineOffset = 0.008
)

var (
	ErrTimestepRange = errors.New("timestep out of range")
	ErrStride        = errors.New("invalid stride")
	ErrFamily        = errors.New("unknown schedule family")
)

// ParseFamily converts a user supplied name into a Family.
func ParseFamily(s string) (Family, error) {
	switch f := Family(strings.ToLower(strings.TrimSpace(s))); f {
	case Linear, Cosine:
		return f, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrFamily, s)
	}
}

// Schedule is an immutable table of diffusion coefficients indexed by
// position. For a full schedule position i is timestep i. For a strided
// schedule position i is timestep i*step.
type Schedule struct {
	family Family
	t      int
	step   int

	timesteps []int

	beta                 []float64
	alpha                []float64
	alphaBar             []float64
	alphaBarPrev         []float64
	betaTilde            []float64
	logBetaTildeClipped  []float64
	sqrtAlpha            []float64
	sqrtAlphaBar         []float64
	sqrtOneMinusAlphaBar []float64
	sqrtAlphaBarPrev     []float64
}

// New builds the full schedule over timesteps [0, T].
func New(family Family, T int) (*Schedule, error) {
	return NewStrided(family, T, 1)
}

// NewStrided builds the schedule over the subsequence 0, step, 2*step, ..., T.
// T must be a multiple of step.
func NewStrided(family Family, T, step int) (*Schedule, error) {
	if T < 1 {
		return nil, fmt.Errorf("%w: T must be positive, got %d", ErrTimestepRange, T)
	}
	if step < 1 || step > T || T%step != 0 {
		return nil, fmt.Errorf("%w: step %d does not divide T=%d", ErrStride, step, T)
	}

	var full []float64
	switch family {
	case Linear:
		full = linearAlphaBar(T)
	case Cosine:
		full = cosineAlphaBar(T)
	default:
		return nil, fmt.Errorf("%w: %q", ErrFamily, family)
	}

	n := T/step + 1
	s := &Schedule{
		family:    family,
		t:         T,
		step:      step,
		timesteps: make([]int, n),
	}

	s.alphaBar = make([]float64, n)
	s.alphaBarPrev = make([]float64, n)
	for i := range n {
		t := i * step
		s.timesteps[i] = t
		s.alphaBar[i] = full[t]
		// ᾱ before the first timestep is padded as 1 (no noise)
		if prev := t - step; prev >= 0 {
			s.alphaBarPrev[i] = full[prev]
		} else {
			s.alphaBarPrev[i] = 1
		}
	}

	s.beta = make([]float64, n)
	s.alpha = make([]float64, n)
	s.betaTilde = make([]float64, n)
	for i := range n {
		s.beta[i] = clamp(1-s.alphaBar[i]/s.alphaBarPrev[i], betaMin, betaMax)
		s.alpha[i] = 1 - s.beta[i]
		s.betaTilde[i] = (1 - s.alphaBarPrev[i]) / (1 - s.alphaBar[i]) * s.beta[i]
	}

	// β̃_0 is exactly zero; the log variance at position 0 borrows position 1
	s.logBetaTildeClipped = make([]float64, n)
	for i := range n {
		bt := s.betaTilde[i]
		if i == 0 && n > 1 {
			bt = s.betaTilde[1]
		}
		s.logBetaTildeClipped[i] = math.Log(math.Max(bt, betaMin))
	}

	s.sqrtAlpha = sqrtOf(s.alpha)
	s.sqrtAlphaBar = sqrtOf(s.alphaBar)
	s.sqrtAlphaBarPrev = sqrtOf(s.alphaBarPrev)
	s.sqrtOneMinusAlphaBar = make([]float64, n)
	for i, ab := range s.alphaBar {
		s.sqrtOneMinusAlphaBar[i] = math.Sqrt(1 - ab)
	}

	return s, nil
}

// linearAlphaBar returns ᾱ_t = ∏_{s≤t} (1-β_s) with β linearly spaced.
func linearAlphaBar(T int) []float64 {
	beta := floats.Span(make([]float64, T+1), linearBetaStart, linearBetaEnd)
	alpha := make([]float64, T+1)
	for i, b := range beta {
		alpha[i] = 1 - clamp(b, betaMin, betaMax)
	}
	return floats.CumProd(make([]float64, T+1), alpha)
}

// cosineAlphaBar evaluates the clamped cosine schedule at every t in [0, T].
func cosineAlphaBar(T int) []float64 {
	f := func(t float64) float64 {
		num := math.Cos((t/float64(T) + cosineOffset) / (1 + cosineOffset) * math.Pi / 2)
		den := math.Cos(cosineOffset / (1 + cosineOffset) * math.Pi / 2)
		return clamp((num*num)/(den*den), betaMin, betaMax)
	}

	out := make([]float64, T+1)
	for t := range out {
		out[t] = f(float64(t))
	}
	return out
}

func sqrtOf(s []float64) []float64 {
	out := make([]float64, len(s))
	for i, v := range s {
		out[i] = math.Sqrt(v)
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

// Family returns the schedule family.
func (s *Schedule) Family() Family { return s.family }

// T returns the maximum timestep of the model the schedule was built for.
func (s *Schedule) T() int { return s.t }

// Step returns the stride between consecutive positions.
func (s *Schedule) Step() int { return s.step }

// Len returns the number of positions in the table.
func (s *Schedule) Len() int { return len(s.timesteps) }

// Timestep returns the timestep stored at position i.
func (s *Schedule) Timestep(i int) int { return s.timesteps[i] }

// Index maps a timestep to its position. Timesteps outside [0, T] or not on
// the stride are rejected rather than clamped.
func (s *Schedule) Index(t int) (int, error) {
	if t < 0 || t > s.t {
		return 0, fmt.Errorf("%w: %d not in [0, %d]", ErrTimestepRange, t, s.t)
	}
	if t%s.step != 0 {
		return 0, fmt.Errorf("%w: %d is not a multiple of step %d", ErrTimestepRange, t, s.step)
	}
	return t / s.step, nil
}

// Indices maps a batch of timesteps to positions.
func (s *Schedule) Indices(ts []int) ([]int, error) {
	out := make([]int, len(ts))
	for i, t := range ts {
		idx, err := s.Index(t)
		if err != nil {
			return nil, err
		}
		out[i] = idx
	}
	return out, nil
}

func (s *Schedule) Beta(i int) float64                 { return s.beta[i] }
func (s *Schedule) Alpha(i int) float64                { return s.alpha[i] }
func (s *Schedule) AlphaBar(i int) float64             { return s.alphaBar[i] }
func (s *Schedule) AlphaBarPrev(i int) float64         { return s.alphaBarPrev[i] }
func (s *Schedule) BetaTilde(i int) float64            { return s.betaTilde[i] }
func (s *Schedule) LogBetaTildeClipped(i int) float64  { return s.logBetaTildeClipped[i] }
func (s *Schedule) SqrtAlpha(i int) float64            { return s.sqrtAlpha[i] }
func (s *Schedule) SqrtAlphaBar(i int) float64         { return s.sqrtAlphaBar[i] }
func (s *Schedule) SqrtOneMinusAlphaBar(i int) float64 { return s.sqrtOneMinusAlphaBar[i] }
func (s *Schedule) SqrtAlphaBarPrev(i int) float64     { return s.sqrtAlphaBarPrev[i] }

// Coefficients is one row of the schedule table.
type Coefficients struct {
	Timestep             int     `json:"timestep"`
	Beta                 float64 `json:"beta"`
	Alpha                float64 `json:"alpha"`
	AlphaBar             float64 `json:"alpha_bar"`
	AlphaBarPrev         float64 `json:"alpha_bar_prev"`
	BetaTilde            float64 `json:"beta_tilde"`
	SqrtAlpha            float64 `json:"sqrt_alpha"`
	SqrtAlphaBar         float64 `json:"sqrt_alpha_bar"`
	SqrtOneMinusAlphaBar float64 `json:"sqrt_one_minus_alpha_bar"`
	SqrtAlphaBarPrev     float64 `json:"sqrt_alpha_bar_prev"`
}

// Row returns every coefficient stored at position i.
func (s *Schedule) Row(i int) Coefficients {
	return Coefficients{
		Timestep:             s.timesteps[i],
		Beta:                 s.beta[i],
		Alpha:                s.alpha[i],
		AlphaBar:             s.alphaBar[i],
		AlphaBarPrev:         s.alphaBarPrev[i],
		BetaTilde:            s.betaTilde[i],
		SqrtAlpha:            s.sqrtAlpha[i],
		SqrtAlphaBar:         s.sqrtAlphaBar[i],
		SqrtOneMinusAlphaBar: s.sqrtOneMinusAlphaBar[i],
		SqrtAlphaBarPrev:     s.sqrtAlphaBarPrev[i],
	}
}
