package schedule

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestAlphaBarMonotonic(t *testing.T) {
	for _, family := range []Family{Linear, Cosine} {
		for _, T := range []int{10, 100, 1000} {
			s, err := New(family, T)
			if err != nil {
				t.Fatal(err)
			}

			if s.Len() != T+1 {
				t.Fatalf("%s/%d: len = %d, want %d", family, T, s.Len(), T+1)
			}

			for i := 1; i < s.Len(); i++ {
				if s.AlphaBar(i) > s.AlphaBar(i-1) {
					t.Errorf("%s/%d: alpha_bar increases at %d: %v > %v", family, T, i, s.AlphaBar(i), s.AlphaBar(i-1))
				}
			}

			// cosine clamps alpha_bar(0) to exactly 0.999
			if got := s.AlphaBar(0); got < 0.999 || got > 1 {
				t.Errorf("%s/%d: alpha_bar(0) = %v, want ~1", family, T, got)
			}
		}
	}
}

func TestCosineTerminal(t *testing.T) {
	s, err := New(Cosine, 100)
	if err != nil {
		t.Fatal(err)
	}

	if got := s.AlphaBar(100); got > 1e-2 {
		t.Errorf("alpha_bar(T) = %v, want ~0", got)
	}
}

func TestLinearClosedForm(t *testing.T) {
	const T = 1000
	s, err := New(Linear, T)
	if err != nil {
		t.Fatal(err)
	}

	want := 1.0
	for i := 0; i <= T; i++ {
		beta := 1e-4 + (0.02-1e-4)*float64(i)/float64(T)
		want *= 1 - beta
		if got := s.AlphaBar(i); math.Abs(got-want) > 1e-9 {
			t.Fatalf("alpha_bar(%d) = %v, want %v", i, got, want)
		}
		if got := s.Beta(i); math.Abs(got-beta) > 1e-9 {
			t.Fatalf("beta(%d) = %v, want %v", i, got, beta)
		}
	}
}

func TestBetaBounds(t *testing.T) {
	for _, family := range []Family{Linear, Cosine} {
		s, err := New(family, 1000)
		if err != nil {
			t.Fatal(err)
		}

		for i := range s.Len() {
			if b := s.Beta(i); b <= 0 || b >= 1 {
				t.Errorf("%s: beta(%d) = %v, want in (0, 1)", family, i, b)
			}
			if a := s.Alpha(i); math.Abs(a+s.Beta(i)-1) > 1e-12 {
				t.Errorf("%s: alpha(%d) + beta(%d) = %v", family, i, i, a+s.Beta(i))
			}
		}
	}
}

func TestFirstPositionPadding(t *testing.T) {
	s, err := New(Cosine, 100)
	if err != nil {
		t.Fatal(err)
	}

	if got := s.AlphaBarPrev(0); got != 1 {
		t.Errorf("alpha_bar_prev(0) = %v, want 1", got)
	}

	if got := s.BetaTilde(0); got != 0 {
		t.Errorf("beta_tilde(0) = %v, want 0", got)
	}

	if got, want := s.LogBetaTildeClipped(0), s.LogBetaTildeClipped(1); got != want {
		t.Errorf("log beta_tilde clipped(0) = %v, want %v", got, want)
	}

	if math.IsInf(s.LogBetaTildeClipped(0), 0) || math.IsNaN(s.LogBetaTildeClipped(0)) {
		t.Errorf("log beta_tilde clipped(0) not finite")
	}
}

func TestBetaTilde(t *testing.T) {
	s, err := New(Linear, 50)
	if err != nil {
		t.Fatal(err)
	}

	for i := 1; i < s.Len(); i++ {
		want := (1 - s.AlphaBar(i-1)) / (1 - s.AlphaBar(i)) * s.Beta(i)
		if got := s.BetaTilde(i); math.Abs(got-want) > 1e-15 {
			t.Errorf("beta_tilde(%d) = %v, want %v", i, got, want)
		}
		if s.BetaTilde(i) > s.Beta(i) {
			t.Errorf("beta_tilde(%d) = %v exceeds beta %v", i, s.BetaTilde(i), s.Beta(i))
		}
	}
}

func TestStrided(t *testing.T) {
	full, err := New(Linear, 1000)
	if err != nil {
		t.Fatal(err)
	}

	s, err := NewStrided(Linear, 1000, 100)
	if err != nil {
		t.Fatal(err)
	}

	if s.Len() != 11 {
		t.Fatalf("len = %d, want 11", s.Len())
	}

	var got []int
	for i := range s.Len() {
		got = append(got, s.Timestep(i))
	}
	want := []int{0, 100, 200, 300, 400, 500, 600, 700, 800, 900, 1000}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("timesteps mismatch (-want +got):\n%s", diff)
	}

	for i := 1; i < s.Len(); i++ {
		if s.AlphaBar(i) != full.AlphaBar(i*100) {
			t.Errorf("alpha_bar(%d) = %v, want %v", i, s.AlphaBar(i), full.AlphaBar(i*100))
		}
		if s.AlphaBarPrev(i) != full.AlphaBar((i-1)*100) {
			t.Errorf("alpha_bar_prev(%d) = %v, want %v", i, s.AlphaBarPrev(i), full.AlphaBar((i-1)*100))
		}
		// a stride of 100 accumulates far more noise per step
		if s.Beta(i) <= full.Beta(i*100) {
			t.Errorf("strided beta(%d) = %v not larger than full beta %v", i, s.Beta(i), full.Beta(i*100))
		}
	}
}

func TestStridedErrors(t *testing.T) {
	cases := []struct {
		name string
		T    int
		step int
		want error
	}{
		{"zero step", 100, 0, ErrStride},
		{"negative step", 100, -1, ErrStride},
		{"step larger than T", 100, 200, ErrStride},
		{"step does not divide", 100, 30, ErrStride},
		{"zero T", 0, 1, ErrTimestepRange},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewStrided(Cosine, tt.T, tt.step)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestIndex(t *testing.T) {
	s, err := NewStrided(Cosine, 100, 10)
	if err != nil {
		t.Fatal(err)
	}

	idx, err := s.Index(50)
	if err != nil {
		t.Fatal(err)
	}
	if idx != 5 {
		t.Errorf("Index(50) = %d, want 5", idx)
	}

	for _, bad := range []int{-1, 101, 55} {
		if _, err := s.Index(bad); !errors.Is(err, ErrTimestepRange) {
			t.Errorf("Index(%d) err = %v, want %v", bad, err, ErrTimestepRange)
		}
	}

	if _, err := s.Indices([]int{0, 10, 1000}); !errors.Is(err, ErrTimestepRange) {
		t.Errorf("Indices err = %v, want %v", err, ErrTimestepRange)
	}
}

func TestParseFamily(t *testing.T) {
	for in, want := range map[string]Family{"linear": Linear, " Cosine ": Cosine, "COSINE": Cosine} {
		got, err := ParseFamily(in)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("ParseFamily(%q) = %q, want %q", in, got, want)
		}
	}

	if _, err := ParseFamily("sigmoid"); !errors.Is(err, ErrFamily) {
		t.Errorf("err = %v, want %v", err, ErrFamily)
	}
}

func TestRow(t *testing.T) {
	s, err := New(Linear, 10)
	if err != nil {
		t.Fatal(err)
	}

	row := s.Row(3)
	want := Coefficients{
		Timestep:             3,
		Beta:                 s.Beta(3),
		Alpha:                s.Alpha(3),
		AlphaBar:             s.AlphaBar(3),
		AlphaBarPrev:         s.AlphaBarPrev(3),
		BetaTilde:            s.BetaTilde(3),
		SqrtAlpha:            math.Sqrt(s.Alpha(3)),
		SqrtAlphaBar:         math.Sqrt(s.AlphaBar(3)),
		SqrtOneMinusAlphaBar: math.Sqrt(1 - s.AlphaBar(3)),
		SqrtAlphaBarPrev:     math.Sqrt(s.AlphaBarPrev(3)),
	}
	if diff := cmp.Diff(want, row); diff != "" {
		t.Errorf("row mismatch (-want +got):\n%s", diff)
	}
}
