package progress

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// maxStepWidth caps the bar so long schedules still fit on one line.
const maxStepWidth = 50

// StepBar displays progress through a fixed number of denoising steps.
type StepBar struct {
	message string
	current atomic.Int64
	total   int
}

func NewStepBar(message string, total int) *StepBar {
	return &StepBar{message: message, total: total}
}

func (s *StepBar) Set(current int) {
	s.current.Store(int64(min(current, s.total)))
}

func (s *StepBar) String() string {
	current := int(s.current.Load())

	var percent float64
	if s.total > 0 {
		percent = float64(current) / float64(s.total)
	}

	width := min(s.total, maxStepWidth)
	filled := int(percent * float64(width))

	// "sampling  40% ▕████      ▏ 4/10"
	return fmt.Sprintf("%s %3.0f%% ▕%s%s▏ %d/%d",
		s.message, percent*100,
		strings.Repeat("█", filled), strings.Repeat(" ", width-filled),
		current, s.total)
}
