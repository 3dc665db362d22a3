package progress

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ollama/diffusion/format"
)

// Bar tracks training epochs. Detail is free text shown after the counts,
// typically the latest loss.
type Bar struct {
	message string
	total   int

	mu      sync.Mutex
	initial int
	current int
	detail  string
	started time.Time
}

// NewBar returns a bar for total epochs of which initial are already done,
// as when resuming from a checkpoint.
func NewBar(message string, total, initial int) *Bar {
	initial = min(initial, total)
	return &Bar{
		message: message,
		total:   total,
		initial: initial,
		current: initial,
		started: time.Now(),
	}
}

func (b *Bar) Set(value int, detail string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.current = min(value, b.total)
	b.detail = detail
}

func (b *Bar) percent() float64 {
	if b.total > 0 {
		return float64(b.current) / float64(b.total) * 100
	}
	return 0
}

// remaining extrapolates the time left from the epochs run by this process.
func (b *Bar) remaining(elapsed time.Duration) (time.Duration, bool) {
	done := b.current - b.initial
	if done <= 0 || b.current >= b.total {
		return 0, false
	}
	return elapsed / time.Duration(done) * time.Duration(b.total-b.current), true
}

func (b *Bar) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	termWidth, _ := termSize()

	var pre, mid, suf strings.Builder
	if message := strings.TrimSpace(b.message); message != "" {
		pre.WriteString(message)
		pre.WriteString(" ")
	}
	fmt.Fprintf(&pre, "%3.0f%% ", b.percent())

	fmt.Fprintf(&suf, " %d/%d", b.current, b.total)
	if b.detail != "" {
		fmt.Fprintf(&suf, " %s", b.detail)
	}

	elapsed := time.Since(b.started)
	if left, ok := b.remaining(elapsed); ok {
		fmt.Fprintf(&suf, " [%s:%s]", format.Duration(elapsed), format.Duration(left))
	}

	// 2 boundary characters
	if f := termWidth - pre.Len() - suf.Len() - 2; f > 0 {
		n := int(float64(f) * b.percent() / 100)
		mid.WriteString("▕")
		mid.WriteString(strings.Repeat("█", n))
		mid.WriteString(strings.Repeat(" ", f-n))
		mid.WriteString("▏")
	}

	return pre.String() + mid.String() + suf.String()
}
