// Package progress renders live status lines for training and sampling on a
// terminal.
package progress

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/term"
)

const (
	defaultTermWidth  = 80
	defaultTermHeight = 24
)

type State interface {
	String() string
}

type Progress struct {
	mu sync.Mutex
	// buffer output to minimize flickering on all terminals
	w *bufio.Writer

	pos     int
	stopped bool

	ticker *time.Ticker
	done   chan struct{}
	states []State
}

func NewProgress(w io.Writer) *Progress {
	p := &Progress{
		w:      bufio.NewWriter(w),
		ticker: time.NewTicker(100 * time.Millisecond),
		done:   make(chan struct{}),
	}
	go p.start()
	return p
}

func (p *Progress) Add(state State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.states = append(p.states, state)
}

// Stop renders the final state of every line and leaves it on screen. It
// reports false if p was already stopped.
func (p *Progress) Stop() bool {
	return p.finish(false)
}

// StopAndClear stops p and erases its lines.
func (p *Progress) StopAndClear() bool {
	return p.finish(true)
}

func (p *Progress) finish(clear bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return false
	}
	p.stopped = true
	p.ticker.Stop()
	close(p.done)

	for _, state := range p.states {
		if spinner, ok := state.(*Spinner); ok {
			spinner.Stop()
		}
	}

	if clear {
		for range p.pos - 1 {
			fmt.Fprint(p.w, "\033[A")
		}
		fmt.Fprint(p.w, "\033[2K", "\033[1G")
	} else {
		p.render()
		fmt.Fprintln(p.w)
	}

	// show cursor
	fmt.Fprint(p.w, "\033[?25h")
	p.w.Flush()
	return true
}

func termSize() (width, height int) {
	width, height, err := term.GetSize(int(os.Stderr.Fd()))
	if err != nil {
		return defaultTermWidth, defaultTermHeight
	}
	return width, height
}

// render redraws every line. The caller holds p.mu.
func (p *Progress) render() {
	_, termHeight := termSize()

	fmt.Fprint(p.w, "\033[?2026h")
	defer fmt.Fprint(p.w, "\033[?2026l")

	for range p.pos - 1 {
		fmt.Fprint(p.w, "\033[A")
	}
	fmt.Fprint(p.w, "\033[1G")

	lines := min(len(p.states), termHeight)
	for i := len(p.states) - lines; i < len(p.states); i++ {
		fmt.Fprint(p.w, p.states[i].String(), "\033[K")
		if i < len(p.states)-1 {
			fmt.Fprint(p.w, "\n")
		}
	}

	p.pos = len(p.states)
	p.w.Flush()
}

func (p *Progress) start() {
	p.mu.Lock()
	if !p.stopped {
		// hide cursor
		fmt.Fprint(p.w, "\033[?25l")
	}
	p.mu.Unlock()

	for {
		select {
		case <-p.ticker.C:
			p.mu.Lock()
			if !p.stopped {
				p.render()
			}
			p.mu.Unlock()
		case <-p.done:
			return
		}
	}
}
