package progress

import (
	"strings"
	"sync"
	"time"
)

var frames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Spinner shows activity of unknown length, such as loading a dataset.
type Spinner struct {
	message string

	mu      sync.Mutex
	started time.Time
	stopped time.Time
}

func NewSpinner(message string) *Spinner {
	return &Spinner{message: message, started: time.Now()}
}

func (s *Spinner) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sb strings.Builder
	if message := strings.TrimSpace(s.message); message != "" {
		sb.WriteString(message)
		sb.WriteString(" ")
	}

	if s.stopped.IsZero() {
		frame := int(time.Since(s.started)/(100*time.Millisecond)) % len(frames)
		sb.WriteString(frames[frame])
		sb.WriteString(" ")
	}
	return sb.String()
}

func (s *Spinner) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped.IsZero() {
		s.stopped = time.Now()
	}
}
