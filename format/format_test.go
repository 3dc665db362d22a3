package format

import (
	"math"
	"testing"
	"time"
)

func TestHumanNumber(t *testing.T) {
	cases := map[uint64]string{
		0:             "0",
		999:           "999",
		1000:          "1.00K",
		12_345:        "12.3K",
		1_000_000:     "1.00M",
		125_000_000:   "125M",
		3_500_000_000: "3.50B",
	}
	for in, want := range cases {
		if got := HumanNumber(in); got != want {
			t.Errorf("HumanNumber(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestHumanBytes(t *testing.T) {
	cases := map[int64]string{
		0:             "0 B",
		999:           "999 B",
		1000:          "1.0 KB",
		1_500_000:     "1.5 MB",
		2_000_000_000: "2.0 GB",
	}
	for in, want := range cases {
		if got := HumanBytes(in); got != want {
			t.Errorf("HumanBytes(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestDuration(t *testing.T) {
	cases := map[time.Duration]string{
		1234 * time.Microsecond:     "1ms",
		90 * time.Second:            "1m30s",
		2*time.Hour + 5*time.Minute: "2h5m",
		150 * time.Hour:             "99h+",
		1500*time.Millisecond + 1:   "2s",
	}
	for in, want := range cases {
		if got := Duration(in); got != want {
			t.Errorf("Duration(%v) = %q, want %q", in, got, want)
		}
	}
}

func TestLoss(t *testing.T) {
	cases := []struct {
		in   float64
		want string
	}{
		{0.123456, "0.1235"},
		{1234567, "1.235e+06"},
		{math.NaN(), "NaN"},
		{math.Inf(1), "+Inf"},
	}
	for _, tt := range cases {
		if got := Loss(tt.in); got != tt.want {
			t.Errorf("Loss(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
