package progress

import (
	"strings"
	"testing"
	"time"
)

func TestStepBar(t *testing.T) {
	cases := []struct {
		current, total int
		want           string
	}{
		{0, 4, "sampling   0% ▕    ▏ 0/4"},
		{1, 4, "sampling  25% ▕█   ▏ 1/4"},
		{4, 4, "sampling 100% ▕████▏ 4/4"},
		{9, 4, "sampling 100% ▕████▏ 4/4"},
	}

	for _, tt := range cases {
		s := NewStepBar("sampling", tt.total)
		s.Set(tt.current)
		if got := s.String(); got != tt.want {
			t.Errorf("Set(%d) = %q, want %q", tt.current, got, tt.want)
		}
	}
}

func TestStepBarWidth(t *testing.T) {
	s := NewStepBar("sampling", 1000)
	s.Set(500)
	if got := strings.Count(s.String(), "█"); got != maxStepWidth/2 {
		t.Errorf("filled = %d, want %d", got, maxStepWidth/2)
	}
}

func TestBar(t *testing.T) {
	b := NewBar("training", 10, 2)
	if got := b.String(); !strings.Contains(got, "training  20% ") || !strings.HasSuffix(got, " 2/10") {
		t.Errorf("unexpected initial bar %q", got)
	}

	b.Set(5, "loss 0.25")
	got := b.String()
	if !strings.Contains(got, " 50% ") || !strings.Contains(got, " 5/10 loss 0.25 [") {
		t.Errorf("unexpected bar %q", got)
	}

	b.Set(12, "")
	if got := b.String(); !strings.HasSuffix(got, " 10/10") {
		t.Errorf("unexpected final bar %q", got)
	}
}

func TestBarRemaining(t *testing.T) {
	b := NewBar("", 10, 2)
	b.current = 4

	left, ok := b.remaining(2 * time.Minute)
	if !ok {
		t.Fatal("expected an estimate")
	}
	if left != 6*time.Minute {
		t.Errorf("remaining = %v, want %v", left, 6*time.Minute)
	}

	b.current = 2
	if _, ok := b.remaining(time.Minute); ok {
		t.Error("expected no estimate before an epoch completes")
	}
}
