package common

import (
	"errors"
	"sync"
)

var ErrModulePaused = errors.New("module paused")

type PauseView interface {
	IsPaused(module string) bool
}

func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// Switchboard is an in-memory PauseView operators flip at runtime. The zero
// value has every module running.
type Switchboard struct {
	mu     sync.RWMutex
	paused map[string]bool
}

func NewSwitchboard() *Switchboard {
	return &Switchboard{paused: make(map[string]bool)}
}

func (s *Switchboard) Pause(module string) {
	if s == nil || module == "" {
		return
	}
	s.mu.Lock()
	if s.paused == nil {
		s.paused = make(map[string]bool)
	}
	s.paused[module] = true
	s.mu.Unlock()
}

func (s *Switchboard) Resume(module string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	delete(s.paused, module)
	s.mu.Unlock()
}

func (s *Switchboard) IsPaused(module string) bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paused[module]
}
