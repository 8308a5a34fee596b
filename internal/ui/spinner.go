package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Spinner animates a status line while a request is in flight. On a
// non-terminal writer it prints nothing.
type Spinner struct {
	out       io.Writer
	enabled   bool
	message   string
	frames    []string
	interval  time.Duration
	running   bool
	stopCh    chan struct{}
	doneCh    chan struct{}
	mu        sync.Mutex
	startTime time.Time
}

var defaultFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// NewSpinner creates a spinner on stdout
func NewSpinner(message string) *Spinner {
	return NewSpinnerTo(os.Stdout, isTTY, message)
}

// NewSpinnerTo creates a spinner on out; enabled false makes it silent
func NewSpinnerTo(out io.Writer, enabled bool, message string) *Spinner {
	return &Spinner{
		out:      out,
		enabled:  enabled,
		message:  message,
		frames:   defaultFrames,
		interval: 80 * time.Millisecond,
	}
}

// Start begins the animation
func (s *Spinner) Start() {
	s.mu.Lock()
	if s.running || !s.enabled {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.startTime = time.Now()
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.spin()
}

func (s *Spinner) spin() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for i := 0; ; i++ {
		select {
		case <-s.stopCh:
			fmt.Fprint(s.out, "\r"+strings.Repeat(" ", 60)+"\r")
			return
		case <-ticker.C:
			s.mu.Lock()
			elapsed := time.Since(s.startTime)
			message := s.message
			s.mu.Unlock()

			frame := Color(Cyan, s.frames[i%len(s.frames)])
			if elapsed > 2*time.Second {
				fmt.Fprintf(s.out, "\r%s %s (%ds)   ", frame, message, int(elapsed.Seconds()))
			} else {
				fmt.Fprintf(s.out, "\r%s %s   ", frame, message)
			}
		}
	}
}

// Stop halts the animation and clears the line
func (s *Spinner) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh
}

// SetMessage updates the status text while running
func (s *Spinner) SetMessage(msg string) {
	s.mu.Lock()
	s.message = msg
	s.mu.Unlock()
}

// IsRunning reports whether the animation is active
func (s *Spinner) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
