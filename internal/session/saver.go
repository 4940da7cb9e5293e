package session

import (
	"sync"
	"time"
)

// Saver coalesces a burst of change notifications into one checkpoint
// save after the stream goes quiet. Close runs a final save when
// changes are still pending, so releasing a session never loses the
// last keystrokes.
type Saver struct {
	debounce time.Duration
	save     func()

	mu     sync.Mutex
	timer  *time.Timer
	dirty  bool
	closed bool
}

func NewSaver(debounce time.Duration, save func()) *Saver {
	return &Saver{debounce: debounce, save: save}
}

// Notify marks the state dirty and restarts the idle window.
func (s *Saver) Notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.dirty = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.debounce, s.fire)
}

func (s *Saver) fire() {
	s.mu.Lock()
	if s.closed || !s.dirty {
		s.mu.Unlock()
		return
	}
	s.dirty = false
	s.mu.Unlock()
	s.save()
}

// Flush saves immediately when dirty, without waiting out the window.
func (s *Saver) Flush() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
	}
	dirty := s.dirty && !s.closed
	s.dirty = false
	s.mu.Unlock()
	if dirty {
		s.save()
	}
}

// Close stops the timer and runs a final save if one is pending.
func (s *Saver) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
	}
	dirty := s.dirty
	s.dirty = false
	s.mu.Unlock()
	if dirty {
		s.save()
	}
}
