// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"fmt"
	"io"
	"sync"
	"time"
)

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Spinner shows progress while waiting for the first stream event.
//
// In plain mode it prints nothing.
type Spinner struct {
	p        *Printer
	message  string
	interval time.Duration

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewSpinner creates a stopped spinner.
func NewSpinner(p *Printer, message string) *Spinner {
	return &Spinner{p: p, message: message, interval: 80 * time.Millisecond}
}

// Start begins animating. Calling Start on a running spinner is a no-op.
func (s *Spinner) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || s.p.Mode() == ModePlain {
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.run(s.p.Out(), s.stop, s.done)
}

func (s *Spinner) run(out io.Writer, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for i := 0; ; i++ {
		frame := Styles.Subtitle.Render(spinnerFrames[i%len(spinnerFrames)])
		fmt.Fprintf(out, "\r%s %s", frame, s.message)
		select {
		case <-stop:
			fmt.Fprint(out, "\r\033[K")
			return
		case <-ticker.C:
		}
	}
}

// Stop halts the animation and clears its line. Safe to call repeatedly.
func (s *Spinner) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	done := s.done
	s.mu.Unlock()
	<-done
}

// StopOnce returns a callback wrapper that stops the spinner before the
// first event is handed to next.
func (s *Spinner) StopOnce(next StreamCallback) StreamCallback {
	var once sync.Once
	return func(ev StreamEvent) error {
		once.Do(s.Stop)
		return next(ev)
	}
}
